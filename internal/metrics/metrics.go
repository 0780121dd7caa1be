// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultRegistry is shared by the API server and the workers.
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		FetchTotal, EventsDroppedTotal, EventsMergedTotal,
		PartialTimelines, TickDuration, InvariantViolationsTotal,
		SubmissionsTotal, WatchedAssets,
	)
}

// FetchTotal counts adapter fetches per stream and outcome (ok | lookback_exceeded | unreachable | timeout | corrupt).
var FetchTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cellmark_fetch_total",
		Help: "Stream fetches by outcome",
	},
	[]string{"stream", "outcome"},
)

// EventsDroppedTotal counts single events that failed normalization.
var EventsDroppedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cellmark_events_dropped_total",
		Help: "Events dropped during normalization",
	},
	[]string{"stream", "reason"}, // unknown_event_type | malformed | timestamp
)

var EventsMergedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "cellmark_events_merged_total",
		Help: "New events merged into timelines",
	},
)

// PartialTimelines is 1 while the asset's timeline is partial.
var PartialTimelines = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "cellmark_partial_timelines",
		Help: "Watched assets whose timeline is incomplete",
	},
	[]string{"asset_id"},
)

var TickDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "cellmark_tick_duration_seconds",
		Help:    "Duration of one resync tick",
		Buckets: prometheus.DefBuckets,
	},
)

var InvariantViolationsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "cellmark_invariant_violations_total",
		Help: "Ledger states that must never occur, such as two active transfers",
	},
)

var SubmissionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cellmark_submissions_total",
		Help: "Transfer submissions by action and outcome",
	},
	[]string{"action", "outcome"},
)

var WatchedAssets = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "cellmark_watched_assets",
		Help: "Assets watched by this process",
	},
)

// Handler serves DefaultRegistry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(DefaultRegistry, promhttp.HandlerOpts{})
}
