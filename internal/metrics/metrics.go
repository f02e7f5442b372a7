// Package metrics holds the Prometheus instruments for the calendar engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Store metrics
	MasterCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kalendae_master_cache_hits_total",
			Help: "Master lookups served from the per-transaction cache",
		},
	)

	MasterCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kalendae_master_cache_misses_total",
			Help: "Master lookups that went to the database",
		},
	)

	// Reconciler metrics
	ReconcileInstances = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kalendae_reconcile_instances_total",
			Help: "Instances changed by the reconciler",
		},
		[]string{"change"}, // "added", "updated", "deleted"
	)

	ReconcileDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kalendae_reconcile_duration_seconds",
			Help:    "Duration of reconcile passes in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"}, // "full", "fast"
	)

	FailedOverrides = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kalendae_failed_overrides_total",
			Help: "Pending overrides that matched no occurrence",
		},
	)

	// Query metrics
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kalendae_query_duration_seconds",
			Help:    "Duration of engine queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "mode"},
	)

	QueryResults = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kalendae_query_results",
			Help:    "Number of items returned per query",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000},
		},
		[]string{"operation"},
	)

	AccessDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kalendae_access_denied_total",
			Help: "Candidates dropped or rejected by the access checker",
		},
		[]string{"privilege"},
	)

	// Maintenance metrics
	TombstonesPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kalendae_tombstones_purged_total",
			Help: "Tombstoned masters removed by the purge job",
		},
	)

	ImportedFiles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kalendae_imported_files_total",
			Help: "Calendar files processed by the drop-folder importer",
		},
		[]string{"result"}, // "imported", "unchanged", "removed", "failed"
	)
)

// RecordCacheLookups adds one unit of work's master cache counters.
func RecordCacheLookups(hits, misses int) {
	if hits > 0 {
		MasterCacheHits.Add(float64(hits))
	}
	if misses > 0 {
		MasterCacheMisses.Add(float64(misses))
	}
}

// RecordReconcile records the outcome of one reconcile pass.
func RecordReconcile(path string, added, updated, deleted int, d time.Duration) {
	ReconcileDuration.WithLabelValues(path).Observe(d.Seconds())
	ReconcileInstances.WithLabelValues("added").Add(float64(added))
	ReconcileInstances.WithLabelValues("updated").Add(float64(updated))
	ReconcileInstances.WithLabelValues("deleted").Add(float64(deleted))
}

// RecordQuery records one query and its result size.
func RecordQuery(operation, mode string, results int, d time.Duration) {
	QueryDuration.WithLabelValues(operation, mode).Observe(d.Seconds())
	QueryResults.WithLabelValues(operation).Observe(float64(results))
}
