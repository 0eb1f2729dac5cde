package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "generations_enqueued_total", Help: "Generation jobs admitted to the queue"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_rate_limit_rejects_total", Help: "Submissions rejected by the per-organisation rate limiter"})
	GateRejects      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "generation_gate_rejects_total", Help: "Submissions rejected by the pre-enqueue gate"}, []string{"reason"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "generations_completed_total", Help: "Generations finished successfully"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "generations_failed_total", Help: "Generations that ended Failed"})
	WorkerRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_retries_total", Help: "Generation attempts scheduled for redelivery"})
	QueueWaiting     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "generation_queue_waiting", Help: "Jobs waiting in the ready queue"})
	QueueDelayed     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "generation_queue_delayed", Help: "Jobs in the scheduled retry set"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "generation_inflight", Help: "Jobs currently leased (0 or 1 by design)"})
	LeaderGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "generation_is_leader", Help: "1 when this process holds the leader lock"})
	PhaseDuration    = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "generation_phase_duration_seconds",
		Help:    "Wall-clock duration of each workflow phase",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"phase"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			GateRejects,
			WorkerSuccess,
			WorkerFailures,
			WorkerRetries,
			QueueWaiting,
			QueueDelayed,
			InFlightGauge,
			LeaderGauge,
			PhaseDuration,
		)
	})
	return promhttp.Handler()
}
