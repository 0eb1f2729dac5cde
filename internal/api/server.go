package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"compute-generation-service/internal/apperr"
	"compute-generation-service/internal/config"
	"compute-generation-service/internal/generation"
	"compute-generation-service/internal/models"
	"compute-generation-service/internal/queue"
	"compute-generation-service/internal/ratelimit"
	"compute-generation-service/internal/telemetry"
)

// InstanceStore is the persistence slice the HTTP layer needs.
// *store.Store satisfies it.
type InstanceStore interface {
	CreateInstance(ctx context.Context, microserviceID, traceID string) (models.Instance, error)
	GetInstance(ctx context.Context, id string) (models.Instance, error)
	SetQueuePosition(ctx context.Context, id string, position *int) error
	ListProgress(ctx context.Context, instanceID string) ([]models.ProgressEvent, error)
	Ping(ctx context.Context) error
}

// LeaderInfo exposes whether this process currently leads, for readiness
// detail only.
type LeaderInfo interface {
	IsLeader() bool
}

// Server wires the pre-enqueue gate and operational endpoints.
type Server struct {
	cfg       config.Config
	store     InstanceStore
	queue     *queue.GenerationQueue
	limiter   *ratelimit.OrgBucket
	catalog   generation.Catalog
	validator generation.Validator
	migration generation.MigrationAnalyzer
	resolver  generation.Resolver
	cleaner   generation.Cleaner
	leader    LeaderInfo
	log       *logrus.Logger
}

// Deps collects the server's collaborators.
type Deps struct {
	Store     InstanceStore
	Queue     *queue.GenerationQueue
	Limiter   *ratelimit.OrgBucket
	Catalog   generation.Catalog
	Validator generation.Validator
	Migration generation.MigrationAnalyzer
	Resolver  generation.Resolver
	Cleaner   generation.Cleaner
	Leader    LeaderInfo
}

// New constructs the API server.
func New(cfg config.Config, deps Deps, log *logrus.Logger) *Server {
	return &Server{
		cfg:       cfg,
		store:     deps.Store,
		queue:     deps.Queue,
		limiter:   deps.Limiter,
		catalog:   deps.Catalog,
		validator: deps.Validator,
		migration: deps.Migration,
		resolver:  deps.Resolver,
		cleaner:   deps.Cleaner,
		leader:    deps.Leader,
		log:       log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleLiveness)
	r.Get("/readyz", s.handleReadiness)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/compute-microservices", s.handleCreate)
	r.Post("/compute-microservices/validate", s.handleValidate)
	r.Get("/compute-microservices/{id}", s.handleGet)
	r.Delete("/compute-microservices/{id}/cleanup", s.handleCleanup)
	return r
}

type createRequest struct {
	MicroserviceID   string `json:"microserviceId"`
	GenerateAPI      bool   `json:"generateApi"`
	GenerateFrontend bool   `json:"generateFrontend"`
	GenerateDevOps   bool   `json:"generateDevops"`
}

type createResponse struct {
	ID              string                  `json:"id"`
	Status          string                  `json:"status"`
	Queued          bool                    `json:"queued"`
	Position        int                     `json:"position"`
	QueuedAt        time.Time               `json:"queuedAt"`
	MigrationReport *models.MigrationReport `json:"migrationReport,omitempty"`
}

// handleCreate is the pre-enqueue gate. Everything that needs the caller's
// short-lived access token happens here, synchronously; the queued job is
// token-free by construction.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	traceID := traceIDFromRequest(r)
	log := s.log.WithField("trace_id", traceID)

	user, token := callerFromRequest(r)
	if !s.authorized(user) {
		telemetry.GateRejects.WithLabelValues("authorization").Inc()
		writeError(w, http.StatusForbidden, apperr.TypeAuthorization, "insufficient role for compute generation", nil)
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apperr.TypeValidation, "invalid json body", nil)
		return
	}
	if req.MicroserviceID == "" {
		writeError(w, http.StatusBadRequest, apperr.TypeValidation, "microserviceId is required", nil)
		return
	}
	if !req.GenerateAPI && !req.GenerateFrontend && !req.GenerateDevOps {
		telemetry.GateRejects.WithLabelValues("validation").Inc()
		writeError(w, http.StatusBadRequest, apperr.TypeValidation, "at least one of generateApi, generateFrontend, generateDevops must be true", nil)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(ctx, user.OrganisationID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, apperr.TypeInternal, "rate limit check failed", nil)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, apperr.TypeValidation, "generation submission rate exceeded for organisation", nil)
			return
		}
	}

	ms, ok := s.loadMicroservice(ctx, w, req.MicroserviceID, user)
	if !ok {
		return
	}

	if !s.validateConfiguration(ctx, w, ms, nil) {
		return
	}

	// Migration safety is the critical gate: a destructive schema change must
	// never reach the worker.
	var report *models.MigrationReport
	if req.GenerateAPI {
		rep, blocked := s.checkMigrations(ctx, w, log, ms)
		if blocked {
			return
		}
		report = rep
	}

	// External refs and menus need the caller's token, which outlives neither
	// the queue wait nor the job run. Resolve them now.
	var refs map[string]string
	if req.GenerateAPI {
		resolved, err := s.resolver.ResolveExternalRefs(ctx, ms, token)
		if err != nil {
			log.WithError(err).Error("external reference resolution failed")
			writeError(w, http.StatusBadRequest, apperr.TypeValidation, "failed to resolve external references", map[string]any{"error": err.Error()})
			return
		}
		refs = resolved
	}
	menus, err := s.resolver.FetchMenus(ctx, token, user.OrganisationID)
	if err != nil {
		log.WithError(err).Error("menu fetch failed")
		writeError(w, http.StatusBadRequest, apperr.TypeValidation, "failed to fetch menu definitions", map[string]any{"error": err.Error()})
		return
	}

	inst, err := s.store.CreateInstance(ctx, ms.ID, traceID)
	if err != nil {
		log.WithError(err).Error("instance create failed")
		writeError(w, http.StatusInternalServerError, apperr.TypeInternal, "failed to create generation instance", nil)
		return
	}

	job := models.GenerationJob{
		InstanceID:       inst.ID,
		MicroserviceID:   ms.ID,
		GenerateAPI:      req.GenerateAPI,
		GenerateFrontend: req.GenerateFrontend,
		GenerateDevOps:   req.GenerateDevOps,
		User:             user,
		ExternalRefs:     refs,
		Menus:            menus,
		TraceID:          traceID,
		EnqueuedAt:       time.Now().UTC(),
	}
	if report != nil {
		job.Migration = models.MigrationOptions{
			AppliedFixes:      report.AppliedFixes,
			IsFirstGeneration: report.IsFirstGeneration,
		}
	}
	if _, err := s.queue.Enqueue(ctx, job); err != nil {
		log.WithError(err).Error("enqueue failed")
		writeError(w, http.StatusInternalServerError, apperr.TypeInternal, "failed to enqueue generation job", nil)
		return
	}
	telemetry.EnqueueCounter.Inc()

	position := s.queuePosition(ctx)
	if err := s.store.SetQueuePosition(ctx, inst.ID, &position); err != nil {
		log.WithError(err).Warn("queue position persist failed")
	}

	log.WithFields(logrus.Fields{
		"instance_id":     inst.ID,
		"microservice_id": ms.ID,
		"position":        position,
	}).Info("generation queued")

	writeJSON(w, http.StatusAccepted, createResponse{
		ID:              inst.ID,
		Status:          "Queued",
		Queued:          true,
		Position:        position,
		QueuedAt:        inst.QueuedAt,
		MigrationReport: report,
	})
}

type validateResponse struct {
	MicroserviceID   string                   `json:"microserviceId"`
	IsValid          bool                     `json:"isValid"`
	ValidationErrors []models.ValidationError `json:"validationErrors"`
	MigrationReport  *models.MigrationReport  `json:"migrationReport,omitempty"`
	Summary          string                   `json:"summary"`
}

// handleValidate is the dry run: configuration + migration validation with no
// enqueue and no fixes applied.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, _ := callerFromRequest(r)
	if !s.authorized(user) {
		writeError(w, http.StatusForbidden, apperr.TypeAuthorization, "insufficient role for compute generation", nil)
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apperr.TypeValidation, "invalid json body", nil)
		return
	}
	if req.MicroserviceID == "" {
		writeError(w, http.StatusBadRequest, apperr.TypeValidation, "microserviceId is required", nil)
		return
	}

	ms, ok := s.loadMicroservice(ctx, w, req.MicroserviceID, user)
	if !ok {
		return
	}

	verrs, err := s.validator.ValidateConfiguration(ctx, ms, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, apperr.TypeInternal, "configuration validation failed", nil)
		return
	}
	resp := validateResponse{
		MicroserviceID:   ms.ID,
		IsValid:          len(verrs) == 0,
		ValidationErrors: verrs,
	}

	report, err := s.migration.Analyze(ctx, ms)
	if err != nil {
		writeError(w, http.StatusInternalServerError, apperr.TypeInternal, "migration analysis failed", nil)
		return
	}
	resp.MigrationReport = &report
	if report.Blocking() {
		resp.IsValid = false
	}

	switch {
	case resp.IsValid:
		resp.Summary = "configuration is valid"
	default:
		resp.Summary = "configuration has blocking issues"
	}
	writeJSON(w, http.StatusOK, resp)
}

type instanceResponse struct {
	models.Instance
	Progress []models.ProgressEvent `json:"progress,omitempty"`
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inst, err := s.store.GetInstance(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if apperr.TypeOf(err) == apperr.TypeNotFound {
			status = http.StatusNotFound
		}
		writeError(w, status, apperr.TypeOf(err), err.Error(), nil)
		return
	}
	progress, err := s.store.ListProgress(r.Context(), id)
	if err != nil {
		s.log.WithError(err).Warn("progress list failed")
	}
	writeJSON(w, http.StatusOK, instanceResponse{Instance: inst, Progress: progress})
}

// handleCleanup delegates teardown of generated artifacts; the heavy lifting
// lives in the cleanup collaborator and is best-effort.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	user, _ := callerFromRequest(r)
	if !s.authorized(user) {
		writeError(w, http.StatusForbidden, apperr.TypeAuthorization, "insufficient role for compute cleanup", nil)
		return
	}
	id := chi.URLParam(r, "id")
	inst, err := s.store.GetInstance(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, apperr.TypeNotFound, err.Error(), nil)
		return
	}
	if err := s.cleaner.Cleanup(r.Context(), inst.MicroserviceID); err != nil {
		s.log.WithError(err).WithField("instance_id", id).Warn("cleanup collaborator failed")
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cleanup requested"})
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadiness checks database and queue backend with independent
// timeouts; 200 only if both are reachable.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	healthy := true

	dbCtx, cancelDB := context.WithTimeout(r.Context(), s.cfg.ReadinessDBTimeout)
	defer cancelDB()
	if err := s.store.Ping(dbCtx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	} else {
		checks["database"] = "ok"
	}

	redisCtx, cancelRedis := context.WithTimeout(r.Context(), s.cfg.ReadinessRedisTimeout)
	defer cancelRedis()
	if err := s.queue.Ping(redisCtx); err != nil {
		checks["queue"] = err.Error()
		healthy = false
	} else {
		checks["queue"] = "ok"
	}

	body := map[string]any{"checks": checks}
	if s.leader != nil {
		body["leader"] = s.leader.IsLeader()
	}
	if healthy {
		body["status"] = "ready"
		writeJSON(w, http.StatusOK, body)
		return
	}
	body["status"] = "unavailable"
	writeJSON(w, http.StatusServiceUnavailable, body)
}

func (s *Server) loadMicroservice(ctx context.Context, w http.ResponseWriter, id string, user models.UserSnapshot) (models.Microservice, bool) {
	ms, err := s.catalog.GetMicroservice(ctx, id, user)
	if err != nil {
		if apperr.TypeOf(err) == apperr.TypeNotFound {
			telemetry.GateRejects.WithLabelValues("not_found").Inc()
			writeError(w, http.StatusNotFound, apperr.TypeNotFound, "microservice not found", nil)
		} else {
			writeError(w, http.StatusInternalServerError, apperr.TypeInternal, "failed to load microservice", nil)
		}
		return models.Microservice{}, false
	}
	ms = ms.FilterDeleted()
	if ms.DeploymentState != models.DeploymentDevelopment {
		telemetry.GateRejects.WithLabelValues("not_found").Inc()
		writeError(w, http.StatusNotFound, apperr.TypeNotFound, "microservice is not in Development state", nil)
		return models.Microservice{}, false
	}
	return ms, true
}

func (s *Server) validateConfiguration(ctx context.Context, w http.ResponseWriter, ms models.Microservice, menus []models.Menu) bool {
	verrs, err := s.validator.ValidateConfiguration(ctx, ms, menus)
	if err != nil {
		writeError(w, http.StatusInternalServerError, apperr.TypeInternal, "configuration validation failed", nil)
		return false
	}
	if len(verrs) > 0 {
		telemetry.GateRejects.WithLabelValues("validation").Inc()
		writeError(w, http.StatusBadRequest, apperr.TypeValidation, "configuration validation failed",
			map[string]any{"validationErrors": verrs})
		return false
	}
	return true
}

// checkMigrations runs the safety analysis. Blocking issues reject the
// request outright; fixable-only issues are auto-applied and echoed back.
func (s *Server) checkMigrations(ctx context.Context, w http.ResponseWriter, log *logrus.Entry, ms models.Microservice) (*models.MigrationReport, bool) {
	report, err := s.migration.Analyze(ctx, ms)
	if err != nil {
		writeError(w, http.StatusInternalServerError, apperr.TypeInternal, "migration analysis failed", nil)
		return nil, true
	}
	if report.Blocking() {
		telemetry.GateRejects.WithLabelValues("migration").Inc()
		writeError(w, http.StatusBadRequest, apperr.TypeMigrationIssues,
			"destructive schema changes detected, generation blocked",
			map[string]any{"changes": report.Changes})
		return nil, true
	}
	if report.HasIssues && report.HasFixableChanges {
		applied, err := s.migration.ApplyFixes(ctx, ms, report)
		if err != nil {
			writeError(w, http.StatusInternalServerError, apperr.TypeInternal, "failed to apply migration fixes", nil)
			return nil, true
		}
		report.AppliedFixes = applied
		log.WithField("fixes", len(applied)).Info("applied migration auto-fixes")
	}
	return &report, false
}

// queuePosition estimates where the just-enqueued job sits. Best-effort: if
// queue introspection fails the position falls back to 1 (the job is at
// least next in line for an idle worker).
func (s *Server) queuePosition(ctx context.Context) int {
	counts, err := s.queue.Counts(ctx)
	if err != nil {
		return 1
	}
	pos := int(counts.Total())
	if pos < 1 {
		pos = 1
	}
	return pos
}

func (s *Server) authorized(user models.UserSnapshot) bool {
	for _, role := range user.Roles {
		for _, allowed := range s.cfg.AdminRoles {
			if strings.EqualFold(role, allowed) {
				return true
			}
		}
	}
	return false
}

// callerFromRequest extracts the gateway-provided user context and the raw
// bearer token. The token is used only within this request.
func callerFromRequest(r *http.Request) (models.UserSnapshot, string) {
	user := models.UserSnapshot{
		ID:             r.Header.Get("X-User-Id"),
		Email:          r.Header.Get("X-User-Email"),
		OrganisationID: r.Header.Get("X-Organisation-Id"),
	}
	if user.OrganisationID == "" {
		user.OrganisationID = "default"
	}
	if roles := r.Header.Get("X-User-Roles"); roles != "" {
		for _, role := range strings.Split(roles, ",") {
			if trimmed := strings.TrimSpace(role); trimmed != "" {
				user.Roles = append(user.Roles, trimmed)
			}
		}
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return user, token
}

func traceIDFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Request-Id"); v != "" {
		return v
	}
	return uuid.New().String()
}

type errorBody struct {
	Error   string         `json:"error"`
	Type    apperr.Type    `json:"type"`
	Details map[string]any `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, code int, t apperr.Type, msg string, details map[string]any) {
	writeJSON(w, code, errorBody{Error: msg, Type: t, Details: details})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
