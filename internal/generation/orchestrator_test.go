package generation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"compute-generation-service/internal/apperr"
	"compute-generation-service/internal/models"
	"compute-generation-service/internal/store"
)

type fakeInstances struct {
	mu        sync.Mutex
	instances map[string]models.Instance
	completed map[string]store.CompletedParams
	failed    map[string]store.FailedParams
	progress  []models.ProgressEvent
}

func newFakeInstances(insts ...models.Instance) *fakeInstances {
	f := &fakeInstances{
		instances: map[string]models.Instance{},
		completed: map[string]store.CompletedParams{},
		failed:    map[string]store.FailedParams{},
	}
	for _, in := range insts {
		f.instances[in.ID] = in
	}
	return f
}

func (f *fakeInstances) GetInstance(_ context.Context, id string) (models.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return models.Instance{}, apperr.Newf(apperr.TypeNotFound, "instance %s not found", id)
	}
	return inst, nil
}

func (f *fakeInstances) MarkProcessing(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst := f.instances[id]
	inst.Status = models.StatusProcessing
	inst.QueuePosition = nil
	now := time.Now()
	inst.ProcessingStartedAt = &now
	f.instances[id] = inst
	return nil
}

func (f *fakeInstances) MarkCompleted(_ context.Context, id string, p store.CompletedParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst := f.instances[id]
	if inst.Terminal() {
		return nil // monotonic: terminal rows are never rewritten
	}
	inst.Status = models.StatusCompleted
	f.instances[id] = inst
	f.completed[id] = p
	return nil
}

func (f *fakeInstances) MarkFailed(_ context.Context, id string, p store.FailedParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst := f.instances[id]
	if inst.Terminal() {
		return nil
	}
	inst.Status = models.StatusFailed
	f.instances[id] = inst
	f.failed[id] = p
	return nil
}

func (f *fakeInstances) AppendProgress(_ context.Context, instanceID, phase, event, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, models.ProgressEvent{InstanceID: instanceID, Phase: phase, Event: event, Detail: detail})
	return nil
}

func (f *fakeInstances) SetQueuePosition(_ context.Context, id string, pos *int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst := f.instances[id]
	inst.QueuePosition = pos
	f.instances[id] = inst
	return nil
}

type fakeCatalog struct {
	ms  models.Microservice
	err error
}

func (f *fakeCatalog) GetMicroservice(context.Context, string, models.UserSnapshot) (models.Microservice, error) {
	return f.ms, f.err
}

type fakeValidator struct {
	errs []models.ValidationError
	err  error
}

func (f *fakeValidator) ValidateConfiguration(context.Context, models.Microservice, []models.Menu) ([]models.ValidationError, error) {
	return f.errs, f.err
}

type fakeGit struct {
	repos    RepoSet
	setupErr error
	commits  []CommitJob
	mu       sync.Mutex
}

func (f *fakeGit) SetupRepositories(context.Context, models.Microservice, string) (RepoSet, error) {
	return f.repos, f.setupErr
}

func (f *fakeGit) CommitAndPush(_ context.Context, job CommitJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, job)
	return nil
}

type fakeGen struct {
	apiErr, feErr, devopsErr error
	apiCalls                 int
}

func (f *fakeGen) GenerateAPI(ctx context.Context, _ GenerateRequest) error {
	f.apiCalls++
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.apiErr
}
func (f *fakeGen) GenerateFrontend(context.Context, GenerateRequest) error { return f.feErr }
func (f *fakeGen) GenerateDevOps(ctx context.Context, _ GenerateRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.devopsErr
}

type fakeDNS struct{ err error }

func (f *fakeDNS) Update(context.Context, models.Microservice) error { return f.err }

func devMicroservice() models.Microservice {
	return models.Microservice{
		ID:              "ms-1",
		Name:            "orders",
		DeploymentState: models.DeploymentDevelopment,
	}
}

func apiJob(instanceID string) models.GenerationJob {
	return models.GenerationJob{
		InstanceID:     instanceID,
		MicroserviceID: "ms-1",
		GenerateAPI:    true,
		TraceID:        "trace-1",
	}
}

func fullRepos() RepoSet {
	return RepoSet{
		APIRepoURL:      "git@example.com:orders-api.git",
		ConfigRepoURL:   "git@example.com:orders-config.git",
		FrontendRepoURL: "git@example.com:orders-fe.git",
		DevOpsRepoURL:   "git@example.com:orders-devops.git",
	}
}

func newOrchestrator(inst *fakeInstances, catalog Catalog, validator Validator, git GitOps, gen Generator, dns DNSUpdater, opts Options) *Orchestrator {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewOrchestrator(inst, catalog, validator, git, gen, dns, opts, log)
}

func TestRunAPIOnlySuccess(t *testing.T) {
	insts := newFakeInstances(models.Instance{ID: "inst-1", Status: models.StatusProcessing, RequestTraceID: "req-7"})
	git := &fakeGit{repos: fullRepos()}
	o := newOrchestrator(insts, &fakeCatalog{ms: devMicroservice()}, &fakeValidator{}, git, &fakeGen{}, &fakeDNS{}, Options{})

	require.NoError(t, o.Run(context.Background(), apiJob("inst-1")))

	inst := insts.instances["inst-1"]
	require.Equal(t, models.StatusCompleted, inst.Status)

	done := insts.completed["inst-1"]
	require.NotNil(t, done.APIGitRepoURL)
	require.Equal(t, "git@example.com:orders-api.git", *done.APIGitRepoURL)
	require.Nil(t, done.FEGitRepoURL, "frontend was not generated, its URL stays null")
	require.Nil(t, done.DevOpsGitRepoURL)
	require.GreaterOrEqual(t, done.DurationSeconds, 0.0)

	// API commit plus config commit, no promotion commits outside promotion mode.
	require.Len(t, git.commits, 2)
	for _, c := range git.commits {
		require.False(t, c.Promote)
	}
}

func TestRunCompletedInstanceIsNoOp(t *testing.T) {
	insts := newFakeInstances(models.Instance{ID: "inst-1", Status: models.StatusCompleted})
	gen := &fakeGen{}
	catalog := &fakeCatalog{err: errors.New("catalog must not be called")}
	o := newOrchestrator(insts, catalog, &fakeValidator{}, &fakeGit{}, gen, &fakeDNS{}, Options{})

	require.NoError(t, o.Run(context.Background(), apiJob("inst-1")))
	require.Zero(t, gen.apiCalls, "no phases may re-run for a completed instance")
	require.Empty(t, insts.progress)
	require.Empty(t, insts.failed)
}

func TestRunNonDevelopmentStateFailsNotFound(t *testing.T) {
	insts := newFakeInstances(models.Instance{ID: "inst-1", Status: models.StatusProcessing})
	ms := devMicroservice()
	ms.DeploymentState = "Released"
	o := newOrchestrator(insts, &fakeCatalog{ms: ms}, &fakeValidator{}, &fakeGit{repos: fullRepos()}, &fakeGen{}, &fakeDNS{}, Options{})

	err := o.Run(context.Background(), apiJob("inst-1"))
	require.Error(t, err)
	require.Equal(t, apperr.TypeNotFound, apperr.TypeOf(err))
	require.Equal(t, string(apperr.TypeNotFound), insts.failed["inst-1"].ErrorType)
}

func TestRunValidationFailurePersistsStructuredErrors(t *testing.T) {
	insts := newFakeInstances(models.Instance{ID: "inst-1", Status: models.StatusProcessing})
	validator := &fakeValidator{errs: []models.ValidationError{{Model: "Order", Message: "missing primary display field"}}}
	o := newOrchestrator(insts, &fakeCatalog{ms: devMicroservice()}, validator, &fakeGit{repos: fullRepos()}, &fakeGen{}, &fakeDNS{}, Options{})

	err := o.Run(context.Background(), apiJob("inst-1"))
	require.Error(t, err)
	require.Equal(t, apperr.TypeValidation, apperr.TypeOf(err))

	failed := insts.failed["inst-1"]
	require.Equal(t, string(apperr.PhaseValidation), failed.ErrorPhase)
	require.Contains(t, failed.ErrorDetails, "validation_errors")
}

func TestRunMissingRequiredReposAborts(t *testing.T) {
	insts := newFakeInstances(models.Instance{ID: "inst-1", Status: models.StatusProcessing})
	git := &fakeGit{repos: RepoSet{APIRepoURL: "git@example.com:orders-api.git"}} // DevOps repo missing
	o := newOrchestrator(insts, &fakeCatalog{ms: devMicroservice()}, &fakeValidator{}, git, &fakeGen{}, &fakeDNS{}, Options{})

	err := o.Run(context.Background(), apiJob("inst-1"))
	require.Error(t, err)
	require.Equal(t, string(apperr.PhaseRepoSetup), insts.failed["inst-1"].ErrorPhase)
}

func TestRunPhaseErrorCarriesPhase(t *testing.T) {
	insts := newFakeInstances(models.Instance{ID: "inst-1", Status: models.StatusProcessing})
	gen := &fakeGen{devopsErr: errors.New("template render blew up")}
	job := apiJob("inst-1")
	job.GenerateDevOps = true
	o := newOrchestrator(insts, &fakeCatalog{ms: devMicroservice()}, &fakeValidator{}, &fakeGit{repos: fullRepos()}, gen, &fakeDNS{}, Options{})

	err := o.Run(context.Background(), job)
	require.Error(t, err)
	require.Equal(t, apperr.PhaseDevOpsGeneration, apperr.PhaseOf(err))

	failed := insts.failed["inst-1"]
	require.Equal(t, string(apperr.PhaseDevOpsGeneration), failed.ErrorPhase)
	require.Equal(t, string(apperr.TypeInternal), failed.ErrorType)
	require.NotEmpty(t, failed.FailureReason)
}

func TestRunTimeoutClassifiedNonRetriable(t *testing.T) {
	insts := newFakeInstances(models.Instance{ID: "inst-1", Status: models.StatusProcessing})
	o := newOrchestrator(insts, &fakeCatalog{ms: devMicroservice()}, &fakeValidator{}, &fakeGit{repos: fullRepos()}, &fakeGen{}, &fakeDNS{}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond) // let the deadline expire

	err := o.Run(ctx, apiJob("inst-1"))
	require.Error(t, err)
	require.Equal(t, apperr.TypeTimeout, apperr.TypeOf(err))
	require.False(t, apperr.Retriable(err))
	require.Equal(t, string(apperr.TypeTimeout), insts.failed["inst-1"].ErrorType)
}

func TestRunPromotionModeAddsPromotionCommits(t *testing.T) {
	insts := newFakeInstances(models.Instance{ID: "inst-1", Status: models.StatusProcessing})
	git := &fakeGit{repos: fullRepos()}
	o := newOrchestrator(insts, &fakeCatalog{ms: devMicroservice()}, &fakeValidator{}, git, &fakeGen{}, &fakeDNS{}, Options{PromotionMode: true})

	require.NoError(t, o.Run(context.Background(), apiJob("inst-1")))

	var promotions int
	for _, c := range git.commits {
		if c.Promote {
			promotions++
		}
	}
	require.Equal(t, 3, promotions, "API, DevOps and config repos get promotion commits")
}

func TestRunRecordsPhaseProgress(t *testing.T) {
	insts := newFakeInstances(models.Instance{ID: "inst-1", Status: models.StatusProcessing})
	o := newOrchestrator(insts, &fakeCatalog{ms: devMicroservice()}, &fakeValidator{}, &fakeGit{repos: fullRepos()}, &fakeGen{}, &fakeDNS{}, Options{})

	require.NoError(t, o.Run(context.Background(), apiJob("inst-1")))

	var events []string
	for _, p := range insts.progress {
		events = append(events, p.Phase+":"+p.Event)
	}
	require.Equal(t, []string{
		"API_GENERATION:Started", "API_GENERATION:Completed",
		"GIT_OPERATIONS:Started", "GIT_OPERATIONS:Completed",
		"DNS_UPDATE:Started", "DNS_UPDATE:Completed",
	}, events)
}

func TestResolveTraceIDFallbackChain(t *testing.T) {
	inst := models.Instance{RequestTraceID: "req"}
	job := models.GenerationJob{InstanceID: "inst-1", TraceID: "job"}
	require.Equal(t, "req", resolveTraceID(inst, job))

	inst.RequestTraceID = ""
	require.Equal(t, "job", resolveTraceID(inst, job))

	job.TraceID = ""
	require.Equal(t, "inst-1", resolveTraceID(inst, job))
}
