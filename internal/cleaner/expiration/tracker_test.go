package expiration

import (
	"testing"
	"time"
)

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestExpiredAsOf(t *testing.T) {
	tr := NewTracker(3)
	tr.Observe(100, base.Add(-2*time.Hour))
	tr.Observe(200, base.Add(-time.Minute))
	tr.Observe(400, base.Add(3*time.Hour))
	tr.Observe(800, time.Time{}) // no TTL, never counted

	tests := []struct {
		name string
		now  time.Time
		want uint64
	}{
		{"before everything", base.Add(-3 * time.Hour), 0},
		{"after old entries", base, 300},
		{"after all", base.Add(4 * time.Hour), 700},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tr.ExpiredAsOf(tt.now); got != tt.want {
				t.Errorf("ExpiredAsOf(%v) = %d, want %d", tt.now, got, tt.want)
			}
		})
	}

	if tr.Count() != 3 {
		t.Errorf("Count() = %d, want 3", tr.Count())
	}
}

func TestMergeExactReplaces(t *testing.T) {
	p := NewProfile()

	inexact := NewTracker(7)
	inexact.Observe(500, base)
	inexact.MarkInexact()
	p.Merge(inexact)

	exact := NewTracker(7)
	exact.Observe(100, base)
	p.Merge(exact)

	snap, ok := p.Get(7)
	if !ok {
		t.Fatal("Get(7) missing after merges")
	}
	if !snap.Exact {
		t.Error("exact merge did not mark snapshot exact")
	}
	if got := snap.ExpiredAsOf(base.Add(time.Hour)); got != 100 {
		t.Errorf("ExpiredAsOf = %d, want 100 (exact replaces inexact)", got)
	}
}

func TestMergeInexactNeverDegradesExact(t *testing.T) {
	p := NewProfile()

	exact := NewTracker(7)
	exact.Observe(100, base)
	p.Merge(exact)

	inexact := NewTracker(7)
	inexact.Observe(900, base)
	inexact.MarkInexact()
	p.Merge(inexact)

	snap, _ := p.Get(7)
	if !snap.Exact {
		t.Error("inexact merge overwrote exact snapshot")
	}
	if got := snap.ExpiredAsOf(base.Add(time.Hour)); got != 100 {
		t.Errorf("ExpiredAsOf = %d, want 100", got)
	}
}

func TestMergeInexactAccumulates(t *testing.T) {
	p := NewProfile()
	for i := 0; i < 2; i++ {
		tr := NewTracker(7)
		tr.Observe(50, base)
		tr.MarkInexact()
		p.Merge(tr)
	}
	snap, _ := p.Get(7)
	if got := snap.ExpiredAsOf(base.Add(time.Hour)); got != 100 {
		t.Errorf("ExpiredAsOf = %d, want 100 (inexact counts add up)", got)
	}
}
