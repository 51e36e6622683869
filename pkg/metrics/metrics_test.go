package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDisabledMetricsAreNoOps(t *testing.T) {
	var c *Cleaner
	// Every method must tolerate the nil receiver returned while disabled.
	c.FileSelected()
	c.FileCleaned()
	c.FileDeleted(100)
	c.EntryClassified("obsolete")
	c.BytesMigrated(10)
	c.PendingQueueLength(3)
	c.LookAheadHit()
	c.LookAheadMiss()
	c.FileUtilization(1, 0.5)
	c.RunDuration(0.1)
}

func TestCountersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	InitRegistry(reg)
	if !IsEnabled() {
		t.Fatal("IsEnabled = false after InitRegistry")
	}

	c := Get()
	c.FileCleaned()
	c.FileCleaned()
	c.FileDeleted(1000)
	c.EntryClassified("migrated")

	if got := testutil.ToFloat64(c.filesCleaned); got != 2 {
		t.Errorf("files_cleaned = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.bytesReclaimed); got != 1000 {
		t.Errorf("bytes_reclaimed = %v, want 1000", got)
	}
	if got := testutil.ToFloat64(c.entriesByFate.WithLabelValues("migrated")); got != 1 {
		t.Errorf("entries migrated = %v, want 1", got)
	}
}
