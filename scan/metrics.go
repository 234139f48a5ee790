package scan

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of the scan engine
type Metrics struct {
	// RunsTotal counts scheduled runs by outcome: "ok", "skipped"
	// (lock held elsewhere), or "error"
	RunsTotal *prometheus.CounterVec

	// ChainErrorsTotal counts aborted per-chain scans
	ChainErrorsTotal *prometheus.CounterVec

	// BlocksScanned counts blocks walked by the iteration strategy
	BlocksScanned prometheus.Counter

	// EventsDispatched counts handler invocations by result: "ok" or
	// "failed"
	EventsDispatched *prometheus.CounterVec

	// RunDuration observes full run durations in seconds
	RunDuration prometheus.Histogram
}

// NewMetrics creates and registers all scan metrics. A nil registerer
// uses the default registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "watcher"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "runs_total",
			Help:      "Total number of scheduled runs by outcome",
		}, []string{"result"}),
		ChainErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "chain_errors_total",
			Help:      "Total number of aborted per-chain scans",
		}, []string{"chain_id"}),
		BlocksScanned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "blocks_scanned_total",
			Help:      "Total number of blocks walked by the iteration strategy",
		}),
		EventsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "events_dispatched_total",
			Help:      "Total number of handler invocations by result",
		}, []string{"result"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "run_duration_seconds",
			Help:      "Duration of full runs in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
}
