package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// PollsTotal counts queue polls by recording type, state, and outcome
	// ("job", "empty", "error").
	PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processing_polls_total",
			Help: "Total number of job queue polls",
		},
		[]string{"type", "state", "outcome"},
	)
	// JobsInFlight is a gauge of jobs currently running by recording type.
	JobsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "processing_jobs_in_flight",
			Help: "Number of jobs currently being processed",
		},
		[]string{"type"},
	)
	// JobsCompletedTotal counts jobs completed without error by type.
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processing_jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"type"},
	)
	// JobsFailedTotal counts jobs that raised by type.
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processing_jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"type"},
	)
	// JobsCancelledTotal counts futures cancelled before completion.
	JobsCancelledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processing_jobs_cancelled_total",
			Help: "Total number of jobs cancelled",
		},
		[]string{"type"},
	)
	// JobDuration records wall-clock job durations by type.
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "processing_job_duration_seconds",
			Help:    "Job duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 120, 300, 600, 1200},
		},
		[]string{"type"},
	)
	// PollBreakerState exposes each poll circuit breaker's state
	// (0 closed, 1 open, 2 half-open).
	PollBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "processing_poll_breaker_state",
			Help: "Queue poll circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)
	// SubprocessDuration records classifier invocation durations.
	SubprocessDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "processing_subprocess_duration_seconds",
			Help:    "Classifier subprocess duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 120, 300, 600, 1200},
		},
	)
)

// InitMetrics registers all collectors on the default registry. Safe to call
// once per process.
func InitMetrics() {
	prometheus.MustRegister(
		PollsTotal,
		JobsInFlight,
		JobsCompletedTotal,
		JobsFailedTotal,
		JobsCancelledTotal,
		JobDuration,
		PollBreakerState,
		SubprocessDuration,
	)
}
