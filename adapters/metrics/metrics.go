// Package metrics provides Prometheus metrics collection for metergate.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for metergate.
type Collector struct {
	// Admission metrics
	Decisions        *prometheus.CounterVec
	DegradedChecks   prometheus.Counter
	CounterStoreOps  *prometheus.HistogramVec
	CounterStoreErrs prometheus.Counter

	// Recorder metrics
	QueueDepth       prometheus.Gauge
	RecordsQueued    prometheus.Counter
	RecordsPersisted prometheus.Counter
	RecordsDropped   prometheus.Counter
	DeadLetters      prometheus.Counter
	WriteRetries     prometheus.Counter

	// Aggregator metrics
	RollupRuns    prometheus.Counter
	RollupErrors  prometheus.Counter
	RollupRecords prometheus.Counter

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
}

// New creates a new metrics collector with all metrics registered on a
// dedicated registry.
func New() (*Collector, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "metergate",
				Name:      "decisions_total",
				Help:      "Admission decisions by outcome, tier and binding window",
			},
			[]string{"outcome", "tier", "window"},
		),
		DegradedChecks: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "metergate",
				Name:      "degraded_checks_total",
				Help:      "Checks decided without the shared counter store",
			},
		),
		CounterStoreOps: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "metergate",
				Name:      "counter_store_op_seconds",
				Help:      "Counter store increment latency in seconds",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
			},
			[]string{"window"},
		),
		CounterStoreErrs: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "metergate",
				Name:      "counter_store_errors_total",
				Help:      "Counter store increment failures",
			},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "metergate",
				Name:      "recorder_queue_depth",
				Help:      "Usage records waiting in the recorder queue",
			},
		),
		RecordsQueued: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "metergate",
				Name:      "records_queued_total",
				Help:      "Usage records accepted by the recorder",
			},
		),
		RecordsPersisted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "metergate",
				Name:      "records_persisted_total",
				Help:      "Usage records written to the usage store",
			},
		),
		RecordsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "metergate",
				Name:      "records_dropped_total",
				Help:      "Usage records rejected because the queue was full",
			},
		),
		DeadLetters: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "metergate",
				Name:      "dead_letters_total",
				Help:      "Usage records routed to the dead letter store",
			},
		),
		WriteRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "metergate",
				Name:      "write_retries_total",
				Help:      "Retried usage store writes",
			},
		),

		RollupRuns: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "metergate",
				Name:      "rollup_runs_total",
				Help:      "Aggregator rollup executions",
			},
		),
		RollupErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "metergate",
				Name:      "rollup_errors_total",
				Help:      "Failed aggregator rollups",
			},
		),
		RollupRecords: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "metergate",
				Name:      "rollup_records_total",
				Help:      "Usage records folded into daily aggregates",
			},
		),

		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "metergate",
				Name:      "config_reloads_total",
				Help:      "Successful configuration reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "metergate",
				Name:      "config_reload_errors_total",
				Help:      "Failed configuration reloads",
			},
		),
	}

	return c, reg
}
