package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"compute-generation-service/internal/apperr"
	"compute-generation-service/internal/models"
)

// Store wraps pgxpool for Postgres persistence of generation instances.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies database connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateInstance inserts the durable record of a new generation attempt.
// The row starts in Processing with the caller's request trace id so async
// logs can be correlated back to the original HTTP request.
func (s *Store) CreateInstance(ctx context.Context, microserviceID, traceID string) (models.Instance, error) {
	now := time.Now().UTC()
	inst := models.Instance{
		ID:             uuid.New().String(),
		MicroserviceID: microserviceID,
		Status:         models.StatusProcessing,
		QueuedAt:       now,
		RequestTraceID: traceID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO instances (id, microservice_id, status, queued_at, request_trace_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, inst.ID, inst.MicroserviceID, inst.Status, inst.QueuedAt, inst.RequestTraceID, now)
	if err != nil {
		return models.Instance{}, fmt.Errorf("insert instance: %w", err)
	}
	return inst, nil
}

// GetInstance fetches an instance by id.
func (s *Store) GetInstance(ctx context.Context, id string) (models.Instance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, microservice_id, status, queue_position, queued_at, processing_started_at,
		       duration_seconds, request_trace_id, failure_reason, error_type, error_phase,
		       error_context, error_details, api_git_repo_url, fe_git_repo_url, devops_git_repo_url,
		       created_at, updated_at
		FROM instances WHERE id = $1
	`, id)

	var inst models.Instance
	var pos pgtype.Int4
	var started pgtype.Timestamptz
	var duration pgtype.Float8
	var reason, errType, errPhase, errCtx, apiURL, feURL, devopsURL pgtype.Text
	var details []byte

	err := row.Scan(&inst.ID, &inst.MicroserviceID, &inst.Status, &pos, &inst.QueuedAt, &started,
		&duration, &inst.RequestTraceID, &reason, &errType, &errPhase,
		&errCtx, &details, &apiURL, &feURL, &devopsURL,
		&inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Instance{}, apperr.Newf(apperr.TypeNotFound, "instance %s not found", id)
	}
	if err != nil {
		return models.Instance{}, fmt.Errorf("scan instance: %w", err)
	}

	if pos.Valid {
		p := int(pos.Int32)
		inst.QueuePosition = &p
	}
	if started.Valid {
		t := started.Time
		inst.ProcessingStartedAt = &t
	}
	if duration.Valid {
		d := duration.Float64
		inst.DurationSeconds = &d
	}
	inst.FailureReason = textPtr(reason)
	inst.ErrorType = textPtr(errType)
	inst.ErrorPhase = textPtr(errPhase)
	inst.ErrorContext = textPtr(errCtx)
	inst.APIGitRepoURL = textPtr(apiURL)
	inst.FEGitRepoURL = textPtr(feURL)
	inst.DevOpsGitRepoURL = textPtr(devopsURL)
	if len(details) > 0 {
		if err := json.Unmarshal(details, &inst.ErrorDetails); err != nil {
			return models.Instance{}, fmt.Errorf("unmarshal error details: %w", err)
		}
	}
	return inst, nil
}

// SetQueuePosition records the client-visible queue position. A nil position
// clears the marker.
func (s *Store) SetQueuePosition(ctx context.Context, id string, position *int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE instances SET queue_position = $2, updated_at = NOW() WHERE id = $1
	`, id, position)
	return err
}

// MarkProcessing clears the queue position and stamps processing start.
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE instances
		SET status = $2, queue_position = NULL, processing_started_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusProcessing)
	return err
}

// CompletedParams carries the terminal success payload. Repo URL pointers are
// nil for artifacts that were not generated.
type CompletedParams struct {
	DurationSeconds  float64
	APIGitRepoURL    *string
	FEGitRepoURL     *string
	DevOpsGitRepoURL *string
}

// MarkCompleted transitions an instance to Completed. The WHERE clause keeps
// the transition monotonic: a terminal row is never rewritten.
func (s *Store) MarkCompleted(ctx context.Context, id string, p CompletedParams) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE instances
		SET status = $2, duration_seconds = $3,
		    api_git_repo_url = $4, fe_git_repo_url = $5, devops_git_repo_url = $6,
		    failure_reason = NULL, error_type = NULL, error_phase = NULL,
		    error_context = NULL, error_details = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $7
	`, id, models.StatusCompleted, p.DurationSeconds,
		p.APIGitRepoURL, p.FEGitRepoURL, p.DevOpsGitRepoURL, models.StatusProcessing)
	return err
}

// FailedParams carries the structured diagnostic payload for a Failed row.
type FailedParams struct {
	DurationSeconds float64
	FailureReason   string
	ErrorType       string
	ErrorPhase      string
	ErrorContext    string
	ErrorDetails    map[string]any
}

// MarkFailed transitions an instance to Failed with full diagnostics.
func (s *Store) MarkFailed(ctx context.Context, id string, p FailedParams) error {
	details, err := json.Marshal(p.ErrorDetails)
	if err != nil {
		return fmt.Errorf("marshal error details: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE instances
		SET status = $2, duration_seconds = $3, failure_reason = $4,
		    error_type = $5, error_phase = $6, error_context = $7, error_details = $8,
		    updated_at = NOW()
		WHERE id = $1 AND status = $9
	`, id, models.StatusFailed, p.DurationSeconds, p.FailureReason,
		p.ErrorType, p.ErrorPhase, p.ErrorContext, details, models.StatusProcessing)
	return err
}

// AppendProgress records a phase started/completed marker.
func (s *Store) AppendProgress(ctx context.Context, instanceID, phase, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO generation_progress (instance_id, phase, event, detail, ts)
		VALUES ($1, $2, $3, $4, NOW())
	`, instanceID, phase, event, detail)
	return err
}

// ListProgress returns the phase history of one instance in order.
func (s *Store) ListProgress(ctx context.Context, instanceID string) ([]models.ProgressEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT instance_id, phase, event, detail, ts
		FROM generation_progress WHERE instance_id = $1 ORDER BY ts, id
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query progress: %w", err)
	}
	defer rows.Close()

	var out []models.ProgressEvent
	for rows.Next() {
		var ev models.ProgressEvent
		if err := rows.Scan(&ev.InstanceID, &ev.Phase, &ev.Event, &ev.Detail, &ev.Recorded); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
