// Package utilization holds the persistent, per-file byte/count tallies the
// FileSelector ranks files by. Counts arrive from two sources: the LogReader
// running pass 1 of a two-pass clean (§4.8), and live updates as entries are
// superseded during normal operation. Grounded on the same CoW snapshot
// pattern as expiration.Profile.
package utilization

import (
	"sync"

	"github.com/dittodb/cleaner/internal/logfile"
)

// Counts is one file's utilization tally, following §3's file summary.
type Counts struct {
	TotalCount uint32
	TotalSize  uint64

	TotalLNCount uint32
	TotalLNSize  uint64
	TotalINCount uint32
	TotalINSize  uint64
	MaxLNSize    uint32

	ObsoleteCount uint32
	ObsoleteSize  uint64
}

// Utilization returns the fraction of TotalSize still live, in [0, 1]. A
// file with TotalSize 0 is reported fully utilized so it never looks like a
// cleaning target purely for being empty.
func (c Counts) Utilization() float64 {
	if c.TotalSize == 0 {
		return 1
	}
	live := c.TotalSize - c.ObsoleteSize
	return float64(live) / float64(c.TotalSize)
}

// Profile is the persistent per-file Counts table.
type Profile struct {
	mu    sync.Mutex
	files map[uint32]Counts
}

// NewProfile returns an empty Profile.
func NewProfile() *Profile {
	return &Profile{files: make(map[uint32]Counts)}
}

// Put replaces fileNum's counts outright — used after a full LogReader pass
// produces an authoritative tally.
func (p *Profile) Put(fileNum uint32, c Counts) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files[fileNum] = c
}

// PutFromReader seeds fileNum's counts from a LogReader's accumulated
// Counters, the common case at the end of pass 1.
func (p *Profile) PutFromReader(fileNum uint32, rc logfile.Counters) {
	p.Put(fileNum, Counts{
		TotalCount:    rc.TotalCount,
		TotalSize:     rc.TotalSize,
		TotalLNCount:  rc.TotalLNCount,
		TotalLNSize:   rc.TotalLNSize,
		TotalINCount:  rc.TotalINCount,
		TotalINSize:   rc.TotalINSize,
		MaxLNSize:     rc.MaxLNSize,
		ObsoleteCount: rc.ObsoleteCount,
		ObsoleteSize:  rc.ObsoleteSize,
	})
}

// MarkObsolete adds size bytes of newly-discovered obsolescence to fileNum's
// tally, e.g. when an LN is superseded by a fresh write during normal
// operation, without a fresh full pass.
func (p *Profile) MarkObsolete(fileNum uint32, size uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.files[fileNum]
	c.ObsoleteCount++
	c.ObsoleteSize += uint64(size)
	p.files[fileNum] = c
}

// Get returns fileNum's counts, if tracked.
func (p *Profile) Get(fileNum uint32) (Counts, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.files[fileNum]
	return c, ok
}

// Remove drops fileNum, called once the file is deleted.
func (p *Profile) Remove(fileNum uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.files, fileNum)
}

// Snapshot returns a copy-on-write copy of the whole table for the
// FileSelector to scan without holding the Profile's lock while it ranks.
func (p *Profile) Snapshot() map[uint32]Counts {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[uint32]Counts, len(p.files))
	for k, v := range p.files {
		out[k] = v
	}
	return out
}
