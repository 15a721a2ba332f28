package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// CatalogRunsTotal counts catalog runs by result: ok / fatal / overlap.
	CatalogRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wiggletrack_catalog_runs_total",
		Help: "Catalog refresh runs by result.",
	}, []string{"result"})

	CatalogRunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "wiggletrack_catalog_run_duration_seconds",
		Help:    "Wall time of a full catalog run.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	CatalogLastRunTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wiggletrack_catalog_last_run_timestamp_seconds",
		Help: "Unix time the last catalog run finished.",
	})

	// ProductRefreshTotal counts per-product outcomes: succeeded / failed / skipped.
	ProductRefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wiggletrack_product_refresh_total",
		Help: "Per-product refresh outcomes.",
	}, []string{"result"})

	ActiveRefreshes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wiggletrack_active_refreshes",
		Help: "Product refreshes currently in flight.",
	})

	WorkerPoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wiggletrack_worker_pool_size",
		Help: "Configured refresh worker count.",
	})

	ExtractDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wiggletrack_extract_duration_seconds",
		Help:    "Time spent fetching and parsing a product page.",
		Buckets: prometheus.DefBuckets,
	}, []string{"fetcher", "status"})

	// ExtractErrorsTotal counts extraction failures by kind: timeout / blocked / network / parse.
	ExtractErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wiggletrack_extract_errors_total",
		Help: "Extraction failures by kind.",
	}, []string{"kind"})

	ObservationsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wiggletrack_observations_dropped_total",
		Help: "Raw price observations discarded by the normalizer.",
	}, []string{"reason"})

	HistoryAppendsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wiggletrack_history_appends_total",
		Help: "History entries appended after a price change.",
	})

	// NotificationsTotal counts dispatch outcomes: delivered / failed / abandoned / ledger_hit.
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wiggletrack_notifications_total",
		Help: "Price drop notification outcomes.",
	}, []string{"result"})

	ConcurrentModificationTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wiggletrack_concurrent_modification_total",
		Help: "Product writes rejected by the version check.",
	})

	// BookmarkSyncTotal counts bookmark flag updates: ok / deferred / drained / failed.
	BookmarkSyncTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wiggletrack_bookmark_sync_total",
		Help: "Bookmark notification flag synchronisation outcomes.",
	}, []string{"result"})

	OutboxDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wiggletrack_bookmark_outbox_depth",
		Help: "Pending bookmark sync jobs.",
	})
)

var registerOnce sync.Once

// InitMetrics registers every collector with the default registry.
// Safe to call more than once.
//
// Parameters:
//   - workers: refresh worker pool size, exported as a gauge
func InitMetrics(workers int) {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			CatalogRunsTotal,
			CatalogRunDuration,
			CatalogLastRunTimestamp,
			ProductRefreshTotal,
			ActiveRefreshes,
			WorkerPoolSize,
			ExtractDuration,
			ExtractErrorsTotal,
			ObservationsDroppedTotal,
			HistoryAppendsTotal,
			NotificationsTotal,
			ConcurrentModificationTotal,
			BookmarkSyncTotal,
			OutboxDepth,
		)
	})
	WorkerPoolSize.Set(float64(workers))
}
