package generation

import (
	"context"

	"compute-generation-service/internal/models"
)

// The generation pipeline consumes the code generators, git automation, DNS
// and the catalog/directory services through these interfaces. The concrete
// implementations live in internal/remote; tests substitute fakes.

// Catalog loads microservice definitions with model/enum schemas attached,
// scoped to the requesting user where a snapshot is provided.
type Catalog interface {
	GetMicroservice(ctx context.Context, id string, user models.UserSnapshot) (models.Microservice, error)
}

// Validator runs the full configuration validation used both by the
// pre-enqueue gate and, as defense in depth, by the orchestrator.
type Validator interface {
	ValidateConfiguration(ctx context.Context, ms models.Microservice, menus []models.Menu) ([]models.ValidationError, error)
}

// MigrationAnalyzer flags destructive schema changes before work is queued.
type MigrationAnalyzer interface {
	Analyze(ctx context.Context, ms models.Microservice) (models.MigrationReport, error)
	// ApplyFixes applies the auto-fixable subset and returns descriptions of
	// what was applied.
	ApplyFixes(ctx context.Context, ms models.Microservice, report models.MigrationReport) ([]string, error)
}

// Resolver exchanges the caller's short-lived access token for data the
// worker will need later. It is only ever called synchronously by the gate;
// the token never crosses the queue boundary.
type Resolver interface {
	ResolveExternalRefs(ctx context.Context, ms models.Microservice, accessToken string) (map[string]string, error)
	FetchMenus(ctx context.Context, accessToken, organisationID string) ([]models.Menu, error)
}

// RepoSet is the outcome of repository setup. API and DevOps are the minimum
// required repos; empty URLs there abort the run.
type RepoSet struct {
	APIRepoURL      string `json:"api_repo_url"`
	ConfigRepoURL   string `json:"config_repo_url"`
	FrontendRepoURL string `json:"frontend_repo_url"`
	DevOpsRepoURL   string `json:"devops_repo_url"`
}

// CommitJob is one commit/push against a repository. Promote pushes the
// branch content onward to main (sandbox-to-production promotion).
type CommitJob struct {
	RepoURL string `json:"repo_url"`
	Branch  string `json:"branch"`
	Message string `json:"message"`
	Promote bool   `json:"promote"`
}

// GitOps wraps the git automation primitives.
type GitOps interface {
	SetupRepositories(ctx context.Context, ms models.Microservice, branch string) (RepoSet, error)
	CommitAndPush(ctx context.Context, job CommitJob) error
}

// GenerateRequest is the input each code generator receives.
type GenerateRequest struct {
	Microservice models.Microservice     `json:"microservice"`
	Repos        RepoSet                 `json:"repos"`
	Branch       string                  `json:"branch"`
	ExternalRefs map[string]string       `json:"external_refs,omitempty"`
	Menus        []models.Menu           `json:"menus,omitempty"`
	Migration    models.MigrationOptions `json:"migration"`
	TraceID      string                  `json:"trace_id"`
}

// Generator runs the three artifact generators.
type Generator interface {
	GenerateAPI(ctx context.Context, req GenerateRequest) error
	GenerateFrontend(ctx context.Context, req GenerateRequest) error
	GenerateDevOps(ctx context.Context, req GenerateRequest) error
}

// DNSUpdater points the microservice's DNS entry at the generated service.
type DNSUpdater interface {
	Update(ctx context.Context, ms models.Microservice) error
}

// Cleaner tears down generated artifacts, best-effort.
type Cleaner interface {
	Cleanup(ctx context.Context, microserviceID string) error
}
