// Package metrics exposes the prometheus collectors the optimizer loop
// and segment holder update as they run.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "segmentcore"

var (
	// OptimizerRebuildDuration records how long one optimizer rebuild
	// (freeze through swap) took, labeled by optimizer kind.
	OptimizerRebuildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "optimizer",
			Name:      "rebuild_duration_seconds",
			Help:      "duration of one optimizer rebuild cycle",
			Buckets:   prometheus.DefBuckets,
		}, []string{"optimizer"})

	// OptimizerRebuildTotal counts completed rebuilds, labeled by optimizer
	// kind and outcome (ok|failed).
	OptimizerRebuildTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "optimizer",
			Name:      "rebuild_total",
			Help:      "number of optimizer rebuild cycles",
		}, []string{"optimizer", "outcome"})

	// OptimizerVictimSegments records how many segments were selected as
	// rebuild victims in a single CheckCondition call.
	OptimizerVictimSegments = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "optimizer",
			Name:      "victim_segments",
			Help:      "number of segments selected for one rebuild",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
		}, []string{"optimizer"})

	// HolderSegmentCount tracks the live segment count of a collection's
	// holder, sampled after each rebuild the update loop runs.
	HolderSegmentCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "holder",
			Name:      "segment_count",
			Help:      "number of segments currently registered in the holder",
		})
)

// Register attaches every collector here to registry.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(OptimizerRebuildDuration)
	registry.MustRegister(OptimizerRebuildTotal)
	registry.MustRegister(OptimizerVictimSegments)
	registry.MustRegister(HolderSegmentCount)
}
