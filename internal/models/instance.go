package models

import (
	"time"
)

// InstanceStatus enumerates lifecycle states persisted in Postgres.
// Transitions are monotonic: Processing -> Completed | Failed, exactly once.
const (
	StatusProcessing = "Processing"
	StatusCompleted  = "Completed"
	StatusFailed     = "Failed"
)

// DeploymentDevelopment is the only microservice state generation is valid in.
const DeploymentDevelopment = "Development"

// Instance is the durable record of one generation attempt. Its status,
// errorPhase and errorDetails fields are the contract clients poll.
type Instance struct {
	ID                  string         `json:"id"`
	MicroserviceID      string         `json:"microservice_id"`
	Status              string         `json:"status"`
	QueuePosition       *int           `json:"queue_position,omitempty"`
	QueuedAt            time.Time      `json:"queued_at"`
	ProcessingStartedAt *time.Time     `json:"processing_started_at,omitempty"`
	DurationSeconds     *float64       `json:"duration_seconds,omitempty"`
	RequestTraceID      string         `json:"request_trace_id"`
	FailureReason       *string        `json:"failure_reason,omitempty"`
	ErrorType           *string        `json:"error_type,omitempty"`
	ErrorPhase          *string        `json:"error_phase,omitempty"`
	ErrorContext        *string        `json:"error_context,omitempty"`
	ErrorDetails        map[string]any `json:"error_details,omitempty"`
	APIGitRepoURL       *string        `json:"api_git_repo_url,omitempty"`
	FEGitRepoURL        *string        `json:"fe_git_repo_url,omitempty"`
	DevOpsGitRepoURL    *string        `json:"devops_git_repo_url,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// Terminal reports whether the instance reached a final state.
func (i Instance) Terminal() bool {
	return i.Status == StatusCompleted || i.Status == StatusFailed
}

// ProgressEvent is one started/completed marker for a workflow phase.
type ProgressEvent struct {
	InstanceID string    `json:"instance_id"`
	Phase      string    `json:"phase"`
	Event      string    `json:"event"`
	Detail     string    `json:"detail,omitempty"`
	Recorded   time.Time `json:"recorded_at"`
}

// UserSnapshot is the token-free caller context carried in a job payload.
// It deliberately has no field for the access token: everything requiring
// the short-lived credential is resolved before enqueue.
type UserSnapshot struct {
	ID             string   `json:"id"`
	Email          string   `json:"email"`
	Roles          []string `json:"roles"`
	OrganisationID string   `json:"organisation_id"`
}

// MigrationOptions records what the pre-enqueue analysis decided.
type MigrationOptions struct {
	AppliedFixes      []string `json:"applied_fixes,omitempty"`
	IsFirstGeneration bool     `json:"is_first_generation"`
}

// GenerationJob is the ephemeral queue payload, keyed by InstanceID.
type GenerationJob struct {
	InstanceID       string            `json:"instance_id"`
	MicroserviceID   string            `json:"microservice_id"`
	GenerateAPI      bool              `json:"generate_api"`
	GenerateFrontend bool              `json:"generate_frontend"`
	GenerateDevOps   bool              `json:"generate_devops"`
	User             UserSnapshot      `json:"user"`
	ExternalRefs     map[string]string `json:"external_refs,omitempty"`
	Menus            []Menu            `json:"menus,omitempty"`
	TraceID          string            `json:"trace_id"`
	Migration        MigrationOptions  `json:"migration"`
	Attempts         int               `json:"attempts"`
	EnqueuedAt       time.Time         `json:"enqueued_at"`
}

// Menu is pre-fetched navigation data consumed by the frontend generator.
type Menu struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Route    string `json:"route"`
	ParentID string `json:"parent_id,omitempty"`
}
