package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BatchesTotal counts processed block batches by result
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silencescope_sync_batches_total",
			Help: "Total number of block batches processed",
		},
		[]string{"result"},
	)

	// EventsInserted counts newly stored purchase events
	EventsInserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "silencescope_events_inserted_total",
			Help: "Total number of purchase events inserted into the store",
		},
	)

	// CheckpointBlock tracks the last fully processed block
	CheckpointBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "silencescope_checkpoint_block",
			Help: "Last block whose batch was fully processed",
		},
	)

	// HeadBlock tracks the latest chain head seen
	HeadBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "silencescope_head_block",
			Help: "Latest chain head block number",
		},
	)

	// SyncState is 1 for the current sync state and 0 for the rest
	SyncState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "silencescope_sync_state",
			Help: "Current sync engine state",
		},
		[]string{"state"},
	)

	// RetriesScheduled counts automatic retries armed after a failure
	RetriesScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "silencescope_sync_retries_scheduled_total",
			Help: "Total number of automatic sync retries scheduled",
		},
	)

	// AggregationDuration tracks recompute time of the aggregate board
	AggregationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "silencescope_aggregation_duration_seconds",
			Help:    "Aggregation recompute duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// SetState marks current as the active state among all.
func SetState(current string, all ...string) {
	for _, state := range all {
		value := 0.0
		if state == current {
			value = 1
		}
		SyncState.WithLabelValues(state).Set(value)
	}
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
