package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Applier metrics
	EventsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entdb_events_applied_total",
			Help: "Total number of transaction events applied by tenant",
		},
		[]string{"tenant_id"},
	)

	EventsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "entdb_events_skipped_total",
			Help: "Total number of transaction events skipped as duplicates",
		},
	)

	EventsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entdb_events_failed_total",
			Help: "Total number of transaction events that failed to apply, by error code",
		},
		[]string{"code"},
	)

	ApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "entdb_apply_duration_seconds",
			Help:    "Time taken to apply one transaction event in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ApplierOffset = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "entdb_applier_offset",
			Help: "Last log offset the applier committed, by partition",
		},
		[]string{"partition"},
	)

	// WAL metrics
	WALAppends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entdb_wal_appends_total",
			Help: "Total number of records appended to the log by result",
		},
		[]string{"result"},
	)

	// Fanout metrics
	FanoutItems = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "entdb_fanout_items_total",
			Help: "Total number of mailbox items written by fanout",
		},
	)

	// Archiver metrics
	ArchiveSegments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "entdb_archive_segments_total",
			Help: "Total number of archive segments uploaded",
		},
	)

	ArchiveBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "entdb_archive_bytes_total",
			Help: "Total compressed bytes uploaded to the archive",
		},
	)

	ArchiveFlushFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "entdb_archive_flush_failures_total",
			Help: "Total number of archive segment flushes that failed",
		},
	)

	// Snapshotter metrics
	SnapshotsTaken = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "entdb_snapshots_total",
			Help: "Total number of tenant snapshots uploaded",
		},
	)

	SnapshotFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "entdb_snapshot_failures_total",
			Help: "Total number of tenant snapshots that failed",
		},
	)

	SnapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "entdb_snapshot_duration_seconds",
			Help:    "Time taken to snapshot one tenant in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entdb_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "entdb_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	WaitAppliedTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "entdb_wait_applied_timeouts_total",
			Help: "Total number of wait_applied requests that timed out",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(EventsApplied)
	prometheus.MustRegister(EventsSkipped)
	prometheus.MustRegister(EventsFailed)
	prometheus.MustRegister(ApplyDuration)
	prometheus.MustRegister(ApplierOffset)
	prometheus.MustRegister(WALAppends)
	prometheus.MustRegister(FanoutItems)
	prometheus.MustRegister(ArchiveSegments)
	prometheus.MustRegister(ArchiveBytes)
	prometheus.MustRegister(ArchiveFlushFailures)
	prometheus.MustRegister(SnapshotsTaken)
	prometheus.MustRegister(SnapshotFailures)
	prometheus.MustRegister(SnapshotDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(WaitAppliedTimeouts)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
