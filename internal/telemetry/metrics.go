package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "redaction_jobs_submitted_total", Help: "Redaction jobs accepted for processing"})
	JobsCompleted     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "redaction_jobs_completed_total", Help: "Redaction jobs that reached a terminal state"}, []string{"status"})
	StageDuration     = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "redaction_stage_seconds", Help: "Time spent per pipeline stage", Buckets: prometheus.ExponentialBuckets(0.005, 3, 10)}, []string{"stage"})
	DetectionDegraded = prometheus.NewCounter(prometheus.CounterOpts{Name: "redaction_detection_degraded_total", Help: "Jobs whose capability-assisted detection fell back to patterns only"})
	EntitiesRedacted  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "redaction_entities_total", Help: "Accepted entities by type"}, []string{"type"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "redaction_queue_depth", Help: "Jobs waiting in the ready queue"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "redaction_jobs_inflight", Help: "Jobs currently running in this process"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "redaction_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			StageDuration,
			DetectionDegraded,
			EntitiesRedacted,
			QueueDepthGauge,
			InFlightGauge,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
