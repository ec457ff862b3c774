package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Database metrics
	DatabasesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eidetica_databases_total",
			Help: "Total number of databases opened by this node",
		},
	)

	EntriesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eidetica_entries_total",
			Help: "Total number of entries persisted, by database root",
		},
		[]string{"root"},
	)

	TipsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eidetica_tips_total",
			Help: "Current number of database tips, by database root",
		},
		[]string{"root"},
	)

	// Transaction/commit metrics
	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eidetica_commit_duration_seconds",
			Help:    "Time taken to commit a transaction and produce a signed entry",
			Buckets: prometheus.DefBuckets,
		},
	)

	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eidetica_commits_total",
			Help: "Total number of transaction commits by outcome",
		},
		[]string{"outcome"},
	)

	CallbackErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eidetica_commit_callback_errors_total",
			Help: "Total number of write-callback panics/errors swallowed after commit",
		},
	)

	// Merge engine metrics
	MergeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eidetica_merge_duration_seconds",
			Help:    "Time taken to walk ancestors and fold a store's CRDT state",
			Buckets: prometheus.DefBuckets,
		},
	)

	MergeAncestorsVisited = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eidetica_merge_ancestors_visited",
			Help:    "Number of entries visited during an ancestor walk",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// Auth metrics
	AuthFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eidetica_auth_failures_total",
			Help: "Total number of auth validation failures by kind",
		},
		[]string{"kind"},
	)

	// Sync engine metrics
	PeersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eidetica_peers_total",
			Help: "Total number of known peers by status",
		},
		[]string{"status"},
	)

	RetryQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eidetica_sync_retry_queue_depth",
			Help: "Current number of batches awaiting retry in the sync engine",
		},
	)

	BootstrapPendingTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eidetica_bootstrap_requests_pending",
			Help: "Current number of pending bootstrap approval requests",
		},
	)

	SyncRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eidetica_sync_requests_total",
			Help: "Total number of sync protocol requests by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	SyncRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eidetica_sync_request_duration_seconds",
			Help:    "Sync protocol request duration in seconds by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	EntriesSyncedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eidetica_entries_synced_total",
			Help: "Total number of entries exchanged with peers by direction",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(DatabasesTotal)
	prometheus.MustRegister(EntriesTotal)
	prometheus.MustRegister(TipsTotal)
	prometheus.MustRegister(CommitDuration)
	prometheus.MustRegister(CommitsTotal)
	prometheus.MustRegister(CallbackErrorsTotal)
	prometheus.MustRegister(MergeDuration)
	prometheus.MustRegister(MergeAncestorsVisited)
	prometheus.MustRegister(AuthFailuresTotal)
	prometheus.MustRegister(PeersTotal)
	prometheus.MustRegister(RetryQueueDepth)
	prometheus.MustRegister(BootstrapPendingTotal)
	prometheus.MustRegister(SyncRequestsTotal)
	prometheus.MustRegister(SyncRequestDuration)
	prometheus.MustRegister(EntriesSyncedTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
