// Package metrics exposes the Prometheus gauges and histograms the
// Deployment Orchestrator maintains about its own concurrency and stage
// timing, for the /metrics endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// InFlight tracks the concurrency gate's current occupancy.
	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "deployctl",
		Name:      "deployments_in_flight",
		Help:      "Number of deployments currently holding a concurrency slot.",
	})

	// Queued counts deployments marked QUEUED because the gate was full. It
	// is only ever incremented, so it reports how many were turned away
	// since process start, not the current queue depth.
	Queued = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "deployctl",
		Name:      "deployments_queued",
		Help:      "Number of deployments marked QUEUED since process start.",
	})

	// StageDuration records how long each orchestrator stage took, labeled
	// by stage name (clone, build, deploy, health_check, restart) and
	// outcome (success, failed, cancelled).
	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "deployctl",
		Name:      "stage_duration_seconds",
		Help:      "Duration of a single orchestrator stage.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"stage", "outcome"})

	// DeploymentsTotal counts completed deployments by terminal status and kind.
	DeploymentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deployctl",
		Name:      "deployments_total",
		Help:      "Total deployments reaching a terminal state.",
	}, []string{"kind", "status"})
)

func init() {
	prometheus.MustRegister(InFlight, Queued, StageDuration, DeploymentsTotal)
}

// ObserveStage is a convenience wrapper: call with defer at the top of a
// stage to record its wall-clock duration and outcome.
func ObserveStage(stage string, start time.Time, outcome string) {
	StageDuration.WithLabelValues(stage, outcome).Observe(time.Since(start).Seconds())
}
