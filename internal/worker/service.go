package worker

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"compute-generation-service/internal/apperr"
	"compute-generation-service/internal/archive"
	"compute-generation-service/internal/config"
	"compute-generation-service/internal/models"
	"compute-generation-service/internal/queue"
	"compute-generation-service/internal/telemetry"
)

// Runner executes one generation job. *generation.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, job models.GenerationJob) error
}

// Instances is the persistence slice the worker needs around a run.
type Instances interface {
	GetInstance(ctx context.Context, id string) (models.Instance, error)
	SetQueuePosition(ctx context.Context, id string, position *int) error
}

// Service owns the leader-only processing resources: the single-concurrency
// consume loop and the queue-position refresh schedule. It is constructed
// once at boot and started/stopped by the leader elector's callbacks; both
// Start and Stop are idempotent so repeated leadership transitions are safe.
type Service struct {
	cfg       config.Config
	queue     *queue.GenerationQueue
	runner    Runner
	instances Instances
	archiver  *archive.Archiver
	log       *logrus.Entry

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	cronRun *cron.Cron
}

// NewService wires the worker. archiver may be nil.
func NewService(cfg config.Config, q *queue.GenerationQueue, runner Runner, instances Instances, archiver *archive.Archiver, log *logrus.Logger) *Service {
	return &Service{
		cfg:       cfg,
		queue:     q,
		runner:    runner,
		instances: instances,
		archiver:  archiver,
		log:       log.WithField("component", "worker"),
	}
}

// Start begins consuming. No-op if already running.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	telemetry.LeaderGauge.Set(1)

	s.cronRun = cron.New()
	refresh := s.cfg.PositionRefresh
	if refresh <= 0 {
		refresh = 15 * time.Second
	}
	_, _ = s.cronRun.AddFunc("@every "+refresh.String(), func() { s.refreshPositions(ctx) })
	s.cronRun.Start()

	go func() {
		defer close(s.done)
		s.loop(ctx)
	}()
	s.log.Info("generation worker started")
}

// Stop tears down the loop and scheduler. No-op if not running.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cronRun.Stop()
	s.cancel = nil
	s.done = nil
	s.cronRun = nil
	telemetry.LeaderGauge.Set(0)
	s.log.Info("generation worker stopped")
}

// loop is the single-concurrency consume loop: one job at a time, fleet-wide.
func (s *Service) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, _ = s.queue.PromoteScheduled(ctx, time.Now(), 100)
		if reclaimed, _ := s.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			s.log.WithField("count", len(reclaimed)).Warn("reclaimed expired job leases")
		}
		if counts, err := s.queue.Counts(ctx); err == nil {
			telemetry.QueueWaiting.Set(float64(counts.Waiting))
			telemetry.QueueDelayed.Set(float64(counts.Delayed))
			telemetry.InFlightGauge.Set(float64(counts.Active))
		}

		job, err := s.queue.Claim(ctx)
		if err != nil || job == nil {
			if err != nil && ctx.Err() == nil {
				s.log.WithError(err).Warn("claim failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.PollInterval):
			}
			continue
		}

		s.process(ctx, *job)
	}
}

func (s *Service) process(ctx context.Context, job models.GenerationJob) {
	log := s.log.WithFields(logrus.Fields{
		"instance_id":     job.InstanceID,
		"microservice_id": job.MicroserviceID,
		"trace_id":        job.TraceID,
		"attempt":         job.Attempts + 1,
	})
	log.Info("job active")

	// The whole run races a wall-clock budget. Cancellation is cooperative:
	// collaborator calls observe the deadline through the context.
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	err := s.runner.Run(runCtx, job)
	cancel()

	if err == nil {
		if ackErr := s.queue.Ack(context.WithoutCancel(ctx), job.InstanceID); ackErr != nil {
			log.WithError(ackErr).Error("ack after success failed")
		}
		telemetry.WorkerSuccess.Inc()
		log.Info("job completed")
		s.archiveOutcome(ctx, job.InstanceID, log)
		return
	}

	attempts := job.Attempts + 1
	if !apperr.Retriable(err) || attempts >= s.cfg.MaxAttempts {
		// Terminal: the orchestrator already persisted the failure onto the
		// Instance row; the queue keeps no record of dead jobs.
		if ackErr := s.queue.Ack(context.WithoutCancel(ctx), job.InstanceID); ackErr != nil {
			log.WithError(ackErr).Error("ack after failure failed")
		}
		telemetry.WorkerFailures.Inc()
		log.WithError(err).WithFields(logrus.Fields{
			"error_type": apperr.TypeOf(err),
			"attempts":   attempts,
		}).Error("job failed permanently")
		s.archiveOutcome(ctx, job.InstanceID, log)
		return
	}

	job.Attempts = attempts
	delay := backoffWithJitter(s.cfg.BackoffBase, s.cfg.BackoffMax, attempts)
	if schedErr := s.queue.Schedule(context.WithoutCancel(ctx), job, time.Now().Add(delay)); schedErr != nil {
		log.WithError(schedErr).Error("retry schedule failed")
	}
	telemetry.WorkerRetries.Inc()
	log.WithError(err).WithFields(logrus.Fields{
		"attempts": attempts,
		"delay":    delay.String(),
	}).Warn("job failed, retry scheduled")
}

// archiveOutcome ships the terminal instance report to S3, best-effort.
func (s *Service) archiveOutcome(ctx context.Context, instanceID string, log *logrus.Entry) {
	if s.archiver == nil {
		return
	}
	inst, err := s.instances.GetInstance(ctx, instanceID)
	if err != nil {
		log.WithError(err).Warn("archive skipped, instance fetch failed")
		return
	}
	if err := s.archiver.TryArchive(ctx, archive.Report{Instance: inst}); err != nil {
		log.WithError(err).Warn("report archive failed")
	}
}

// refreshPositions recomputes the client-visible queue position of every
// waiting job from the ready-list order, so polled positions do not stay
// frozen at their enqueue-time estimate.
func (s *Service) refreshPositions(ctx context.Context) {
	positions, err := s.queue.WaitingPositions(ctx)
	if err != nil {
		s.log.WithError(err).Warn("position refresh failed")
		return
	}
	for instanceID, pos := range positions {
		p := pos
		if err := s.instances.SetQueuePosition(ctx, instanceID, &p); err != nil {
			s.log.WithError(err).WithField("instance_id", instanceID).Warn("position update failed")
		}
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if max > 0 && wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
