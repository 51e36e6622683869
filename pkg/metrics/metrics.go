// Package metrics exposes the cleaner's Prometheus instrumentation. Metrics
// collection is opt-in: until InitRegistry is called, every recording
// function is a no-op, matching the teacher's pkg/metrics registry
// indirection (collection has zero overhead when metrics are disabled).
package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mu       sync.Mutex
	registry *prometheus.Registry
	cleaner  *Cleaner
)

// InitRegistry enables metrics collection against reg. Calling it more than
// once replaces the previously registered collectors.
func InitRegistry(reg *prometheus.Registry) {
	mu.Lock()
	defer mu.Unlock()
	registry = reg
	cleaner = newCleaner(reg)
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return registry != nil
}

// GetRegistry returns the active registry, or nil if metrics are disabled.
func GetRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	return registry
}

// Get returns the active Cleaner metrics instance, or nil if metrics are
// disabled. Every Cleaner method is a nil-receiver no-op, so callers never
// need to check for nil themselves.
func Get() *Cleaner {
	mu.Lock()
	defer mu.Unlock()
	return cleaner
}

// Cleaner holds every counter and gauge the cleaning pipeline reports.
type Cleaner struct {
	filesSelected    prometheus.Counter
	filesCleaned     prometheus.Counter
	filesDeleted     prometheus.Counter
	entriesByFate    *prometheus.CounterVec
	bytesMigrated    prometheus.Counter
	bytesReclaimed   prometheus.Counter
	pendingQueueLen  prometheus.Gauge
	lookAheadHits    prometheus.Counter
	lookAheadMisses  prometheus.Counter
	utilizationGauge *prometheus.GaugeVec
	runDuration      prometheus.Histogram
}

func newCleaner(reg *prometheus.Registry) *Cleaner {
	return &Cleaner{
		filesSelected: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cleaner_files_selected_total",
			Help: "Total number of files selected as cleaning candidates.",
		}),
		filesCleaned: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cleaner_files_cleaned_total",
			Help: "Total number of files fully cleaned.",
		}),
		filesDeleted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cleaner_files_deleted_total",
			Help: "Total number of condemned files deleted from disk.",
		}),
		entriesByFate: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "cleaner_entries_classified_total",
			Help: "Total number of entries classified, by fate.",
		}, []string{"fate"}),
		bytesMigrated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cleaner_bytes_migrated_total",
			Help: "Total bytes rewritten by migration.",
		}),
		bytesReclaimed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cleaner_bytes_reclaimed_total",
			Help: "Total bytes reclaimed by deleting condemned files.",
		}),
		pendingQueueLen: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "cleaner_pending_ln_queue_length",
			Help: "Current length of the deferred-migration pending LN queue.",
		}),
		lookAheadHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cleaner_lookahead_hits_total",
			Help: "Total number of LN migrations satisfied from the look-ahead cache.",
		}),
		lookAheadMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cleaner_lookahead_misses_total",
			Help: "Total number of LN migrations that required a fresh Btree fetch.",
		}),
		utilizationGauge: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "cleaner_file_utilization",
			Help: "Last-measured utilization fraction per file.",
		}, []string{"file"}),
		runDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "cleaner_run_duration_seconds",
			Help:    "Duration of one DoClean invocation.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (c *Cleaner) FileSelected() {
	if c == nil {
		return
	}
	c.filesSelected.Inc()
}

func (c *Cleaner) FileCleaned() {
	if c == nil {
		return
	}
	c.filesCleaned.Inc()
}

func (c *Cleaner) FileDeleted(reclaimedBytes uint64) {
	if c == nil {
		return
	}
	c.filesDeleted.Inc()
	c.bytesReclaimed.Add(float64(reclaimedBytes))
}

func (c *Cleaner) EntryClassified(fate string) {
	if c == nil {
		return
	}
	c.entriesByFate.WithLabelValues(fate).Inc()
}

func (c *Cleaner) BytesMigrated(n uint64) {
	if c == nil {
		return
	}
	c.bytesMigrated.Add(float64(n))
}

func (c *Cleaner) PendingQueueLength(n int) {
	if c == nil {
		return
	}
	c.pendingQueueLen.Set(float64(n))
}

func (c *Cleaner) LookAheadHit() {
	if c == nil {
		return
	}
	c.lookAheadHits.Inc()
}

func (c *Cleaner) LookAheadMiss() {
	if c == nil {
		return
	}
	c.lookAheadMisses.Inc()
}

func (c *Cleaner) FileUtilization(fileNum uint32, utilization float64) {
	if c == nil {
		return
	}
	c.utilizationGauge.WithLabelValues(fmt.Sprintf("%08x", fileNum)).Set(utilization)
}

func (c *Cleaner) RunDuration(seconds float64) {
	if c == nil {
		return
	}
	c.runDuration.Observe(seconds)
}
