package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects pipeline instrumentation. Construct one per process and
// share it between the executor, watchdog, and orchestrator.
type Metrics struct {
	JobsEnqueued  prometheus.Counter
	JobsFinished  *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	StageRetries  *prometheus.CounterVec
	ActiveWorkers prometheus.Gauge
	WatchdogKills prometheus.Counter
}

// NewMetrics registers the pipeline collectors on reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		JobsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "docflow_jobs_enqueued_total",
			Help: "Jobs accepted for processing.",
		}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docflow_jobs_finished_total",
			Help: "Jobs reaching a terminal state, labelled by outcome.",
		}, []string{"status", "error_kind"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docflow_stage_duration_seconds",
			Help:    "Wall-clock duration of stage executions.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
		StageRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docflow_stage_retries_total",
			Help: "In-place retries of transiently failing stages.",
		}, []string{"stage"}),
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "docflow_active_workers",
			Help: "Workers currently executing a job.",
		}),
		WatchdogKills: factory.NewCounter(prometheus.CounterOpts{
			Name: "docflow_watchdog_kills_total",
			Help: "Stale processing jobs force-failed by the watchdog.",
		}),
	}
}
