package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"compute-generation-service/internal/apperr"
	"compute-generation-service/internal/models"
	"compute-generation-service/internal/store"
	"compute-generation-service/internal/telemetry"
)

// InstanceStore is the slice of persistence the orchestrator needs.
// *store.Store satisfies it; tests use in-memory fakes.
type InstanceStore interface {
	GetInstance(ctx context.Context, id string) (models.Instance, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string, p store.CompletedParams) error
	MarkFailed(ctx context.Context, id string, p store.FailedParams) error
	AppendProgress(ctx context.Context, instanceID, phase, event, detail string) error
}

// Options carries environment decisions into the orchestrator.
type Options struct {
	// TargetBranch is the branch all repos are set up on and committed to.
	TargetBranch string
	// PromotionMode adds dev->main promotion commits for the API, DevOps and
	// config repos. Only meaningful on production infrastructure.
	PromotionMode bool
}

// Orchestrator sequences one generation run: validate state, execute the
// selected phases, commit/push, update DNS, and persist the outcome. Each
// attempt re-runs from the top; idempotence comes from the generators being
// safe to re-run, not from checkpointing.
type Orchestrator struct {
	instances InstanceStore
	catalog   Catalog
	validator Validator
	git       GitOps
	gen       Generator
	dns       DNSUpdater
	opts      Options
	log       *logrus.Logger
}

// NewOrchestrator wires the pipeline's collaborators.
func NewOrchestrator(instances InstanceStore, catalog Catalog, validator Validator, git GitOps, gen Generator, dns DNSUpdater, opts Options, log *logrus.Logger) *Orchestrator {
	if opts.TargetBranch == "" {
		opts.TargetBranch = "dev"
	}
	return &Orchestrator{
		instances: instances,
		catalog:   catalog,
		validator: validator,
		git:       git,
		gen:       gen,
		dns:       dns,
		opts:      opts,
		log:       log,
	}
}

// Run executes the full workflow for one job. Every error is persisted onto
// the Instance row (best-effort) before being returned to the worker for
// retry classification.
func (o *Orchestrator) Run(ctx context.Context, job models.GenerationJob) error {
	started := time.Now()

	inst, err := o.instances.GetInstance(ctx, job.InstanceID)
	if err != nil {
		return err
	}

	traceID := resolveTraceID(inst, job)
	log := o.log.WithFields(logrus.Fields{
		"trace_id":        traceID,
		"instance_id":     job.InstanceID,
		"microservice_id": job.MicroserviceID,
	})

	// Duplicate queue delivery of an already finished attempt is a no-op.
	if inst.Status == models.StatusCompleted {
		log.Info("instance already completed, skipping")
		return nil
	}

	err = o.run(ctx, log, job, traceID)
	if err == nil {
		return nil
	}
	o.persistFailure(log, job.InstanceID, started, err)
	return err
}

func (o *Orchestrator) run(ctx context.Context, log *logrus.Entry, job models.GenerationJob, traceID string) error {
	started := time.Now()

	ms, err := o.catalog.GetMicroservice(ctx, job.MicroserviceID, job.User)
	if err != nil {
		if apperr.TypeOf(err) == apperr.TypeNotFound {
			return err
		}
		return tag(err, apperr.TypeInternal, apperr.PhaseUnknown, "fetch microservice")
	}
	ms = ms.FilterDeleted()
	if ms.DeploymentState != models.DeploymentDevelopment {
		return apperr.Newf(apperr.TypeNotFound, "microservice %s is in %q state, generation requires Development", ms.ID, ms.DeploymentState).
			WithContext("deployment state check")
	}

	if err := o.instances.MarkProcessing(ctx, job.InstanceID); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	log.Info("generation started")

	// Defense in depth: state can drift between enqueue and execution.
	if err := o.validate(ctx, ms, job.Menus); err != nil {
		return err
	}

	repos, err := o.setupRepositories(ctx, log, ms)
	if err != nil {
		return err
	}

	req := GenerateRequest{
		Microservice: ms,
		Repos:        repos,
		Branch:       o.opts.TargetBranch,
		ExternalRefs: job.ExternalRefs,
		Menus:        job.Menus,
		Migration:    job.Migration,
		TraceID:      traceID,
	}

	if job.GenerateAPI {
		if err := o.runPhase(ctx, log, job.InstanceID, apperr.PhaseAPIGeneration, func() error {
			return o.gen.GenerateAPI(ctx, req)
		}); err != nil {
			return err
		}
	}
	if job.GenerateFrontend {
		if err := o.runPhase(ctx, log, job.InstanceID, apperr.PhaseFrontendGeneration, func() error {
			return o.gen.GenerateFrontend(ctx, req)
		}); err != nil {
			return err
		}
	}
	if job.GenerateDevOps {
		if err := o.runPhase(ctx, log, job.InstanceID, apperr.PhaseDevOpsGeneration, func() error {
			return o.gen.GenerateDevOps(ctx, req)
		}); err != nil {
			return err
		}
	}

	if err := o.runPhase(ctx, log, job.InstanceID, apperr.PhaseGitOperations, func() error {
		return o.commitAndPush(ctx, job, repos)
	}); err != nil {
		return err
	}

	if err := o.runPhase(ctx, log, job.InstanceID, apperr.PhaseDNSUpdate, func() error {
		return o.dns.Update(ctx, ms)
	}); err != nil {
		return err
	}

	completed := store.CompletedParams{
		DurationSeconds: time.Since(started).Seconds(),
	}
	// Repo URLs are recorded only for artifacts that were actually generated.
	if job.GenerateAPI {
		completed.APIGitRepoURL = strPtr(repos.APIRepoURL)
	}
	if job.GenerateFrontend {
		completed.FEGitRepoURL = strPtr(repos.FrontendRepoURL)
	}
	if job.GenerateDevOps {
		completed.DevOpsGitRepoURL = strPtr(repos.DevOpsRepoURL)
	}
	if err := o.instances.MarkCompleted(ctx, job.InstanceID, completed); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	log.WithField("duration_s", completed.DurationSeconds).Info("generation completed")
	return nil
}

func (o *Orchestrator) validate(ctx context.Context, ms models.Microservice, menus []models.Menu) error {
	verrs, err := o.validator.ValidateConfiguration(ctx, ms, menus)
	if err != nil {
		return tag(err, apperr.TypeInternal, apperr.PhaseValidation, "configuration validation")
	}
	if len(verrs) == 0 {
		return nil
	}
	return apperr.Newf(apperr.TypeValidation, "configuration validation failed with %d error(s)", len(verrs)).
		WithPhase(apperr.PhaseValidation).
		WithContext("configuration validation").
		WithDetails(map[string]any{"validation_errors": verrs})
}

func (o *Orchestrator) setupRepositories(ctx context.Context, log *logrus.Entry, ms models.Microservice) (RepoSet, error) {
	repos, err := o.git.SetupRepositories(ctx, ms, o.opts.TargetBranch)
	if err != nil {
		return RepoSet{}, tag(err, apperr.TypeInternal, apperr.PhaseRepoSetup, "repository setup")
	}
	// API and DevOps repos are the minimum the rest of the workflow needs.
	if repos.APIRepoURL == "" || repos.DevOpsRepoURL == "" {
		return RepoSet{}, apperr.New(apperr.TypeInternal, "required repositories missing after setup").
			WithPhase(apperr.PhaseRepoSetup).
			WithContext("repository setup").
			WithDetails(map[string]any{"repos": repos})
	}
	log.WithField("api_repo", repos.APIRepoURL).Debug("repositories ready")
	return repos, nil
}

// runPhase brackets a workflow step with progress records so an observer can
// see which phase is in flight or where a run died.
func (o *Orchestrator) runPhase(ctx context.Context, log *logrus.Entry, instanceID string, phase apperr.Phase, fn func() error) error {
	phaseStart := time.Now()
	if err := o.instances.AppendProgress(ctx, instanceID, string(phase), "Started", ""); err != nil {
		log.WithError(err).WithField("phase", phase).Warn("progress record failed")
	}
	log.WithField("phase", phase).Info("phase started")

	err := fn()
	telemetry.PhaseDuration.WithLabelValues(string(phase)).Observe(time.Since(phaseStart).Seconds())
	if err != nil {
		return tag(err, apperr.TypeInternal, phase, string(phase))
	}

	if err := o.instances.AppendProgress(ctx, instanceID, string(phase), "Completed", ""); err != nil {
		log.WithError(err).WithField("phase", phase).Warn("progress record failed")
	}
	log.WithField("phase", phase).Info("phase completed")
	return nil
}

func (o *Orchestrator) commitAndPush(ctx context.Context, job models.GenerationJob, repos RepoSet) error {
	message := fmt.Sprintf("Generated artifacts for microservice %s", job.MicroserviceID)
	jobs := make([]CommitJob, 0, 7)
	if job.GenerateAPI {
		jobs = append(jobs, CommitJob{RepoURL: repos.APIRepoURL, Branch: o.opts.TargetBranch, Message: message})
		if repos.ConfigRepoURL != "" {
			jobs = append(jobs, CommitJob{RepoURL: repos.ConfigRepoURL, Branch: o.opts.TargetBranch, Message: message})
		}
	}
	if job.GenerateFrontend && repos.FrontendRepoURL != "" {
		jobs = append(jobs, CommitJob{RepoURL: repos.FrontendRepoURL, Branch: o.opts.TargetBranch, Message: message})
	}
	if job.GenerateDevOps {
		jobs = append(jobs, CommitJob{RepoURL: repos.DevOpsRepoURL, Branch: o.opts.TargetBranch, Message: message})
	}
	if o.opts.PromotionMode {
		for _, url := range []string{repos.APIRepoURL, repos.DevOpsRepoURL, repos.ConfigRepoURL} {
			if url != "" {
				jobs = append(jobs, CommitJob{RepoURL: url, Branch: o.opts.TargetBranch, Message: message, Promote: true})
			}
		}
	}
	for _, cj := range jobs {
		if err := o.git.CommitAndPush(ctx, cj); err != nil {
			return fmt.Errorf("commit %s: %w", cj.RepoURL, err)
		}
	}
	return nil
}

// persistFailure records the failure onto the Instance row. This is
// best-effort: a secondary persistence failure is logged and never masks the
// primary error the worker classifies on.
func (o *Orchestrator) persistFailure(log *logrus.Entry, instanceID string, started time.Time, cause error) {
	var ae *apperr.Error
	errType := apperr.TypeOf(cause)
	phase := apperr.PhaseOf(cause)
	severity := apperr.SeverityHigh
	errContext := ""
	details := map[string]any{"message": cause.Error()}
	if errors.As(cause, &ae) {
		severity = ae.Severity
		errContext = ae.Context
		for k, v := range ae.Details {
			details[k] = v
		}
		if ae.Err != nil {
			details["original"] = ae.Err.Error()
		}
	}
	details["severity"] = string(severity)

	// Failure persistence must not share the fate of the job context, which
	// may already be cancelled or past its deadline.
	pctx, cancel := ctxWithBudget()
	defer cancel()
	err := o.instances.MarkFailed(pctx, instanceID, store.FailedParams{
		DurationSeconds: time.Since(started).Seconds(),
		FailureReason:   failureSummary(cause),
		ErrorType:       string(errType),
		ErrorPhase:      string(phase),
		ErrorContext:    errContext,
		ErrorDetails:    details,
	})
	if err != nil {
		log.WithError(err).Error("failed to persist generation failure")
	}
	log.WithFields(logrus.Fields{
		"error_type":  errType,
		"error_phase": phase,
	}).WithError(cause).Error("generation failed")
}

func ctxWithBudget() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func failureSummary(err error) string {
	msg := err.Error()
	if idx := strings.Index(msg, "\n"); idx > 0 {
		msg = msg[:idx]
	}
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}

// tag wraps an untagged error with type and phase; errors that already carry
// a tag pass through with their phase preserved (or filled in if missing).
// Context deadline expiry becomes a Timeout tagged with the running phase.
func tag(err error, t apperr.Type, phase apperr.Phase, opContext string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.TypeTimeout, err, "generation timed out").
			WithPhase(phase).
			WithContext(opContext)
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		if ae.Phase == "" {
			return ae.WithPhase(phase)
		}
		return err
	}
	return apperr.Wrap(t, err, opContext).WithPhase(phase).WithContext(opContext)
}

func resolveTraceID(inst models.Instance, job models.GenerationJob) string {
	if inst.RequestTraceID != "" {
		return inst.RequestTraceID
	}
	if job.TraceID != "" {
		return job.TraceID
	}
	return job.InstanceID
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
