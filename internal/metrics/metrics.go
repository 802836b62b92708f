// Package metrics builds the pipeline's Prometheus collectors. The set is
// constructed once per process (or per test) and injected; nothing registers
// against the global default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set holds every collector the pipeline emits
type Set struct {
	Registry *prometheus.Registry

	MessagesMaterialized *prometheus.CounterVec // by type
	DuplicatesSkipped    *prometheus.CounterVec // by type
	MessagesEnqueued     *prometheus.CounterVec // by type
	MessagesSent         *prometheus.CounterVec // by type
	MessagesFailed       *prometheus.CounterVec // by type, kind
	QueueDepth           *prometheus.GaugeVec   // by queue
	DLQDepth             *prometheus.GaugeVec   // by queue
	JobsDeadLettered     *prometheus.CounterVec // by queue
	SendDuration         *prometheus.HistogramVec
	BreakerState         *prometheus.GaugeVec // 0 closed, 1 half-open, 2 open
	LoopLastSuccess      *prometheus.GaugeVec // unix seconds, by loop
	LoopErrors           *prometheus.CounterVec
	RescheduleRuns       prometheus.Counter
	IntakePaused         prometheus.Gauge
}

// New constructs a Set on a fresh registry
func New() *Set {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Set{
		Registry: reg,
		MessagesMaterialized: f.NewCounterVec(prometheus.CounterOpts{
			Name: "greetingd_messages_materialized_total",
			Help: "Scheduled message records created by the daily loop",
		}, []string{"type"}),
		DuplicatesSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "greetingd_duplicates_skipped_total",
			Help: "Materializations skipped because a non-terminal record held the idempotency key",
		}, []string{"type"}),
		MessagesEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "greetingd_messages_enqueued_total",
			Help: "Records published to the queue by the minute enqueuer",
		}, []string{"type"}),
		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "greetingd_messages_sent_total",
			Help: "Records that reached SENT",
		}, []string{"type"}),
		MessagesFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "greetingd_messages_failed_total",
			Help: "Send failures by error kind",
		}, []string{"type", "kind"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "greetingd_queue_depth",
			Help: "Ready jobs per queue",
		}, []string{"queue"}),
		DLQDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "greetingd_dlq_depth",
			Help: "Dead-lettered jobs per queue",
		}, []string{"queue"}),
		JobsDeadLettered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "greetingd_jobs_dead_lettered_total",
			Help: "Jobs moved to the DLQ after exhausting retries",
		}, []string{"queue"}),
		SendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "greetingd_send_duration_seconds",
			Help:    "Outbound vendor call duration including retries",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "greetingd_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"breaker"}),
		LoopLastSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "greetingd_loop_last_success_timestamp_seconds",
			Help: "Unix time of each scheduler loop's last successful pass",
		}, []string{"loop"}),
		LoopErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "greetingd_loop_errors_total",
			Help: "Failed scheduler loop passes",
		}, []string{"loop"}),
		RescheduleRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "greetingd_reschedule_runs_total",
			Help: "Reschedule notifications processed",
		}),
		IntakePaused: f.NewGauge(prometheus.GaugeOpts{
			Name: "greetingd_worker_intake_paused",
			Help: "1 while worker intake is paused by the memory watermark",
		}),
	}
}
