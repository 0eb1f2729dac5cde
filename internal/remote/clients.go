package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"compute-generation-service/internal/apperr"
	"compute-generation-service/internal/config"
	"compute-generation-service/internal/generation"
	"compute-generation-service/internal/models"
)

const maxResponseBytes = 8 << 20

// client is a thin JSON-over-HTTP caller shared by the collaborator
// implementations below.
type client struct {
	base string
	http *http.Client
}

func newClient(base string, timeout time.Duration) client {
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return client{base: base, http: &http.Client{Timeout: timeout}}
}

func (c client) do(ctx context.Context, method, path string, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperr.Newf(apperr.TypeNotFound, "%s %s: not found", method, path)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return apperr.Newf(apperr.TypeAuthorization, "%s %s: %d", method, path, resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, truncate(data, 200))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

// Catalog loads microservice definitions from the catalog service.
type Catalog struct{ c client }

func NewCatalog(cfg config.Config) *Catalog {
	return &Catalog{c: newClient(cfg.CatalogBaseURL, cfg.RemoteTimeout)}
}

func (s *Catalog) GetMicroservice(ctx context.Context, id string, user models.UserSnapshot) (models.Microservice, error) {
	var ms models.Microservice
	path := fmt.Sprintf("/api/v1/microservices/%s?include=models,enums&user=%s", url.PathEscape(id), url.QueryEscape(user.ID))
	if err := s.c.do(ctx, http.MethodGet, path, "", nil, &ms); err != nil {
		return models.Microservice{}, err
	}
	return ms, nil
}

// Validator runs full configuration validation on the catalog service.
type Validator struct{ c client }

func NewValidator(cfg config.Config) *Validator {
	return &Validator{c: newClient(cfg.CatalogBaseURL, cfg.RemoteTimeout)}
}

func (s *Validator) ValidateConfiguration(ctx context.Context, ms models.Microservice, menus []models.Menu) ([]models.ValidationError, error) {
	var out struct {
		Errors []models.ValidationError `json:"errors"`
	}
	in := map[string]any{"microservice": ms, "menus": menus}
	if err := s.c.do(ctx, http.MethodPost, "/api/v1/validate-configuration", "", in, &out); err != nil {
		return nil, err
	}
	return out.Errors, nil
}

// Migration calls the migration-safety analyzer.
type Migration struct{ c client }

func NewMigration(cfg config.Config) *Migration {
	return &Migration{c: newClient(cfg.CatalogBaseURL, cfg.RemoteTimeout)}
}

func (s *Migration) Analyze(ctx context.Context, ms models.Microservice) (models.MigrationReport, error) {
	var report models.MigrationReport
	err := s.c.do(ctx, http.MethodPost, "/api/v1/migrations/analyze", "", map[string]any{"microservice": ms}, &report)
	return report, err
}

func (s *Migration) ApplyFixes(ctx context.Context, ms models.Microservice, report models.MigrationReport) ([]string, error) {
	var out struct {
		Applied []string `json:"applied"`
	}
	in := map[string]any{"microservice": ms, "report": report}
	if err := s.c.do(ctx, http.MethodPost, "/api/v1/migrations/apply-fixes", "", in, &out); err != nil {
		return nil, err
	}
	return out.Applied, nil
}

// Resolver exchanges the caller's token for external refs and menus on the
// directory service.
type Resolver struct{ c client }

func NewResolver(cfg config.Config) *Resolver {
	return &Resolver{c: newClient(cfg.DirectoryBaseURL, cfg.RemoteTimeout)}
}

func (s *Resolver) ResolveExternalRefs(ctx context.Context, ms models.Microservice, accessToken string) (map[string]string, error) {
	var out struct {
		Refs map[string]string `json:"refs"`
	}
	in := map[string]any{"microservice": ms}
	if err := s.c.do(ctx, http.MethodPost, "/api/v1/external-refs/resolve", accessToken, in, &out); err != nil {
		return nil, err
	}
	return out.Refs, nil
}

func (s *Resolver) FetchMenus(ctx context.Context, accessToken, organisationID string) ([]models.Menu, error) {
	var out struct {
		Menus []models.Menu `json:"menus"`
	}
	path := "/api/v1/menus?organisation=" + url.QueryEscape(organisationID)
	if err := s.c.do(ctx, http.MethodGet, path, accessToken, nil, &out); err != nil {
		return nil, err
	}
	return out.Menus, nil
}

// Git wraps the git automation service.
type Git struct{ c client }

func NewGit(cfg config.Config) *Git {
	return &Git{c: newClient(cfg.GitBaseURL, cfg.RemoteTimeout)}
}

func (s *Git) SetupRepositories(ctx context.Context, ms models.Microservice, branch string) (generation.RepoSet, error) {
	var repos generation.RepoSet
	in := map[string]any{"microservice": ms, "branch": branch}
	err := s.c.do(ctx, http.MethodPost, "/api/v1/repositories/setup", "", in, &repos)
	return repos, err
}

func (s *Git) CommitAndPush(ctx context.Context, job generation.CommitJob) error {
	return s.c.do(ctx, http.MethodPost, "/api/v1/repositories/commit", "", job, nil)
}

// Generator calls the three code generators.
type Generator struct{ c client }

func NewGenerator(cfg config.Config) *Generator {
	return &Generator{c: newClient(cfg.GeneratorBaseURL, cfg.RemoteTimeout)}
}

func (s *Generator) GenerateAPI(ctx context.Context, req generation.GenerateRequest) error {
	return s.c.do(ctx, http.MethodPost, "/api/v1/generate/api", "", req, nil)
}

func (s *Generator) GenerateFrontend(ctx context.Context, req generation.GenerateRequest) error {
	return s.c.do(ctx, http.MethodPost, "/api/v1/generate/frontend", "", req, nil)
}

func (s *Generator) GenerateDevOps(ctx context.Context, req generation.GenerateRequest) error {
	return s.c.do(ctx, http.MethodPost, "/api/v1/generate/devops", "", req, nil)
}

// DNS updates the microservice's DNS entry.
type DNS struct{ c client }

func NewDNS(cfg config.Config) *DNS {
	return &DNS{c: newClient(cfg.DNSBaseURL, cfg.RemoteTimeout)}
}

func (s *DNS) Update(ctx context.Context, ms models.Microservice) error {
	in := map[string]any{"microservice_id": ms.ID, "name": ms.Name}
	return s.c.do(ctx, http.MethodPost, "/api/v1/dns/update", "", in, nil)
}

// Cleaner tears down generated artifacts.
type Cleaner struct{ c client }

func NewCleaner(cfg config.Config) *Cleaner {
	return &Cleaner{c: newClient(cfg.GitBaseURL, cfg.RemoteTimeout)}
}

func (s *Cleaner) Cleanup(ctx context.Context, microserviceID string) error {
	in := map[string]any{"microservice_id": microserviceID}
	return s.c.do(ctx, http.MethodPost, "/api/v1/repositories/cleanup", "", in, nil)
}
