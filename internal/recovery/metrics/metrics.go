// Package metrics defines the Prometheus instrumentation for the
// recovery pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClassificationsTotal tracks classifications by failure type.
	ClassificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remedy_classifications_total",
			Help: "Total number of failure classifications",
		},
		[]string{"failure_type"},
	)

	// RecoveriesTotal tracks strategy applications by strategy and outcome.
	RecoveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remedy_recoveries_total",
			Help: "Total number of recovery strategy applications",
		},
		[]string{"strategy", "outcome"},
	)

	// LowConfidenceTotal counts automatic decisions below the alert threshold.
	LowConfidenceTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remedy_low_confidence_decisions_total",
			Help: "Total number of recovery decisions below the confidence threshold",
		},
		[]string{"stage"},
	)

	// CascadeSignalsTotal counts cascade window trips per workspace.
	CascadeSignalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remedy_cascade_signals_total",
			Help: "Total number of cascading-failure signals",
		},
		[]string{"workspace"},
	)

	// BatchDuration tracks per-workspace recovery batch duration.
	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remedy_batch_duration_seconds",
			Help:    "Recovery batch processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workspace"},
	)

	// HookDuration tracks inline hook latency.
	HookDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "remedy_inline_hook_duration_seconds",
			Help:    "Inline failure hook latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25},
		},
	)

	// WorkspaceStatus exposes the health state machine position per
	// workspace (0 = active, 1 = auto_recovering, 2 = degraded_mode).
	WorkspaceStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "remedy_workspace_status",
			Help: "Workspace health status (0=active, 1=auto_recovering, 2=degraded_mode)",
		},
		[]string{"workspace"},
	)

	// DBConnectionPoolUsage exposes database pool saturation.
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remedy_db_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
