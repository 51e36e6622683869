// Package obsolete tracks, per log file, the set of entry offsets already
// known obsolete before the Classifier runs — superseded LN versions and
// entries whose replacement has already been logged elsewhere. The
// Classifier consults this set as step 1 of its ordering (§4.3).
package obsolete

import "sort"

// Index is a sorted set of obsolete offsets within one file, consumed in
// ascending order as the Classifier streams the file in offset order. It is
// not safe for concurrent use; callers serialize access per in-flight file
// clean, same as the rest of the per-file cleaning state.
type Index struct {
	offsets []uint32
	cursor  int
}

// New builds an Index from an unsorted slice of offsets, typically collected
// while logging superseding entries during normal operation.
func New(offsets []uint32) *Index {
	cp := make([]uint32, len(offsets))
	copy(cp, offsets)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	return &Index{offsets: cp}
}

// Add inserts offset in sorted position. Used when new obsolescence is
// discovered mid-pass (e.g. the Classifier itself judging an LN superseded).
func (x *Index) Add(offset uint32) {
	i := sort.Search(len(x.offsets), func(i int) bool { return x.offsets[i] >= offset })
	if i < len(x.offsets) && x.offsets[i] == offset {
		return
	}
	x.offsets = append(x.offsets, 0)
	copy(x.offsets[i+1:], x.offsets[i:])
	x.offsets[i] = offset
	if i < x.cursor {
		x.cursor++
	}
}

// Contains reports and consumes whether offset is a known-obsolete offset.
// Callers must invoke it with strictly increasing offsets (the order the
// Classifier streams a file in); it advances an internal cursor past every
// smaller recorded offset, which would otherwise never be reached (a
// recorded offset for an entry the Classifier never actually visits,
// typically because it was already skipped by something else, is simply
// skipped over, never matched).
func (x *Index) Contains(offset uint32) bool {
	for x.cursor < len(x.offsets) && x.offsets[x.cursor] < offset {
		x.cursor++
	}
	if x.cursor < len(x.offsets) && x.offsets[x.cursor] == offset {
		x.cursor++
		return true
	}
	return false
}

// Len returns the number of offsets currently tracked.
func (x *Index) Len() int { return len(x.offsets) }

// Reset rewinds the consumption cursor to the start, for a second pass over
// the same file (two-pass cleaning, §4.8).
func (x *Index) Reset() { x.cursor = 0 }
