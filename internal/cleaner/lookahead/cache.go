// Package lookahead implements the byte-budgeted staging area between the
// Classifier and the LNMigrator (§4.4): live LNs accumulate here keyed by
// their file offset, and the migrator drains them lowest-offset-first so a
// single Btree parent lookup can be amortized across every cached sibling of
// the same leaf. Memory pressure, not entry count, bounds the cache — a
// bytes-used counter is kept separately from the entry count.
//
// The cache is confined to the goroutine processing one file (§5); it takes
// no locks.
package lookahead

import (
	"sort"

	"github.com/dittodb/cleaner/internal/collab"
)

// Item is one pending LN migration: the decoded LN fields plus the raw
// payload needed to rewrite it at the tail.
type Item struct {
	Offset  uint32
	Info    collab.LNInfo
	Payload []byte
	VSN     int64 // original entry's VSN, preserved across migration; -1 if none
}

func (it Item) memSize() uint64 {
	return uint64(len(it.Payload)) + uint64(len(it.Info.Key)) + 64
}

// Cache holds pending LN migrations, bounded by a byte budget.
type Cache struct {
	budget uint64
	used   uint64

	items   map[uint32]Item
	offsets []uint32 // Put appends; PopLowest re-sorts ascending when needed
	sorted  bool
}

// New creates a Cache with the given byte budget. A zero budget means every
// Put immediately reports the cache over budget, degenerating to
// migrate-as-you-go, which is correct just slower.
func New(budget uint64) *Cache {
	return &Cache{budget: budget, items: make(map[uint32]Item), sorted: true}
}

// Put stages item under its file offset. An existing entry at the same
// offset is replaced.
func (c *Cache) Put(item Item) {
	if old, ok := c.items[item.Offset]; ok {
		c.used -= old.memSize()
	} else {
		c.offsets = append(c.offsets, item.Offset)
		c.sorted = false
	}
	c.items[item.Offset] = item
	c.used += item.memSize()
}

// OverBudget reports whether the staged bytes exceed the budget, meaning the
// caller should PopLowest and migrate until it no longer is.
func (c *Cache) OverBudget() bool { return c.used > c.budget }

// PopLowest removes and returns the smallest-offset staged item. Draining
// lowest-offset-first preserves the invariant that obsolete-offset lookups
// advance monotonically (§5 ordering guarantees).
func (c *Cache) PopLowest() (Item, bool) {
	c.ensureSorted()
	for len(c.offsets) > 0 {
		off := c.offsets[0]
		c.offsets = c.offsets[1:]
		if item, ok := c.items[off]; ok {
			delete(c.items, off)
			c.used -= item.memSize()
			return item, true
		}
	}
	return Item{}, false
}

// Take removes and returns the staged item at offset, if present — the
// sibling-batch path, where the migrator found offset's slot while holding a
// parent it latched for a different item.
func (c *Cache) Take(offset uint32) (Item, bool) {
	item, ok := c.items[offset]
	if !ok {
		return Item{}, false
	}
	delete(c.items, offset)
	c.used -= item.memSize()
	// The offset stays in c.offsets; PopLowest skips offsets with no item.
	return item, true
}

// Contains reports whether offset is staged.
func (c *Cache) Contains(offset uint32) bool {
	_, ok := c.items[offset]
	return ok
}

// Len returns the number of staged items.
func (c *Cache) Len() int { return len(c.items) }

// UsedBytes returns the current byte accounting.
func (c *Cache) UsedBytes() uint64 { return c.used }

// Reset empties the cache, called between files.
func (c *Cache) Reset() {
	c.items = make(map[uint32]Item)
	c.offsets = nil
	c.used = 0
	c.sorted = true
}

func (c *Cache) ensureSorted() {
	if c.sorted {
		return
	}
	sort.Slice(c.offsets, func(i, j int) bool { return c.offsets[i] < c.offsets[j] })
	c.sorted = true
}
