// Package metrics exposes Prometheus instrumentation for the node
// actor core: wake/sleep activity, event throughput, persistence
// retries, and suspension latency. The HTTP exposition surface
// (/metrics endpoint, health checks) is a cluster concern outside this
// package's scope — callers wire Handler() into their own server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	NodesAwake = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "graph_nodes_awake",
			Help: "Number of node actors currently in the Awake wakeful state",
		},
	)

	NodeWakesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "graph_node_wakes_total",
			Help: "Total number of node wake sequences completed",
		},
	)

	NodeSleepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "graph_node_sleeps_total",
			Help: "Total number of node sleep sequences completed",
		},
	)

	NodeWakeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "graph_node_wake_duration_seconds",
			Help:    "Time taken to restore a node from snapshot and journal on wake",
			Buckets: prometheus.DefBuckets,
		},
	)

	CostToSleep = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "graph_node_cost_to_sleep",
			Help:    "Distribution of cost-to-sleep values observed across wake sequences",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
	)

	EventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graph_events_processed_total",
			Help: "Total number of effective events applied, by kind",
		},
		[]string{"kind"}, // "property", "edge"
	)

	EventsNoEffectTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graph_events_no_effect_total",
			Help: "Total number of submitted events filtered out as no-ops, by kind",
		},
		[]string{"kind"},
	)

	PersistDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graph_persist_duration_seconds",
			Help:    "Time taken for a persistor write to complete, by effect order",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"effect_order"},
	)

	PersistRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "graph_persist_retries_total",
			Help: "Total number of MemoryFirst background persist retry attempts",
		},
	)

	SuspensionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "graph_message_suspension_duration_seconds",
			Help:    "Time the actor's message loop spent suspended awaiting a PersistorFirst write",
			Buckets: prometheus.DefBuckets,
		},
	)

	SnapshotsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "graph_snapshots_total",
			Help: "Total number of snapshots written",
		},
	)

	StandingQueryNotificationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "graph_standing_query_notifications_total",
			Help: "Total number of standing-query notifications dispatched from post-actions",
		},
	)
)

func init() {
	prometheus.MustRegister(
		NodesAwake,
		NodeWakesTotal,
		NodeSleepsTotal,
		NodeWakeDuration,
		CostToSleep,
		EventsProcessedTotal,
		EventsNoEffectTotal,
		PersistDuration,
		PersistRetriesTotal,
		SuspensionDuration,
		SnapshotsTotal,
		StandingQueryNotificationsTotal,
	)
}

// Handler returns the Prometheus HTTP scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a labeled histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
