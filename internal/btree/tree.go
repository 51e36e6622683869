// Package btree provides a reference collab.Btree implementation used by the
// cleaner's own tests and as a worked example of the parent-lookup protocol
// a real store's Btree package must expose. It deliberately does not
// implement insert/search/split — those stay the store's concern, as scoped
// out by §1 — and instead models just enough tree shape (one leaf-level BIN
// per database, addressed through a single root IN) to exercise every
// collab.Btree method the cleaner calls.
package btree

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dittodb/cleaner/internal/collab"
	"github.com/dittodb/cleaner/internal/logfile"
)

// slot is one BIN slot. The LSN and deleted bit are atomics so
// UpdateSlotLSN can run under the shared latch the migrator already holds —
// the same discipline the collab contract states: slot updates are atomic at
// the store's concurrency layer, the latch only pins the structure.
type slot struct {
	lsn     atomic.Uint64
	deleted atomic.Bool
}

// binNode is the single leaf-level node each database owns in this
// reference implementation. Real stores split leaves across many BINs as
// they grow; collapsing every key in a database into one BIN here keeps the
// test harness simple while still giving the look-ahead cache genuine
// siblings to amortize across.
type binNode struct {
	keys  [][]byte
	slots []*slot
}

func (b *binNode) find(key []byte) (int, bool) {
	i := sort.Search(len(b.keys), func(i int) bool { return string(b.keys[i]) >= string(key) })
	if i < len(b.keys) && string(b.keys[i]) == string(key) {
		return i, true
	}
	return i, false
}

// dbState is one database's whole tree state: its single BIN plus the
// root's record of that BIN's own on-disk LSN. The RWMutex is the node
// latch: shared for lookups (held across the caller's slot work until
// Unlatch), exclusive for structural changes.
type dbState struct {
	mu           sync.RWMutex
	bin          *binNode
	rootChildLSN atomic.Uint64

	// binIsDelta and binLastFullLSN model the BIN's on-disk representation
	// state the INMigrator cares about: whether the resident version is a
	// delta, and where its last full image was logged.
	binIsDelta     atomic.Bool
	binLastFullLSN atomic.Uint64
}

// Tree is the reference Btree implementation, one dbState per database.
type Tree struct {
	mu  sync.Mutex
	dbs map[uint32]*dbState

	dirtyMu sync.Mutex
	dirty   map[collab.NodeRef]bool // value: next-delta prohibited
}

// New returns an empty Tree.
func New() *Tree {
	return &Tree{dbs: make(map[uint32]*dbState), dirty: make(map[collab.NodeRef]bool)}
}

func (t *Tree) dbFor(dbID uint32) *dbState {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.dbs[dbID]
	if !ok {
		d = &dbState{bin: &binNode{}}
		t.dbs[dbID] = d
	}
	return d
}

// rootRef and binRef build the two NodeRefs this reference tree ever hands
// out: level 2 is the synthetic root, level 1 is the database's one BIN.
func rootRef(dbID uint32) collab.NodeRef { return collab.NodeRef{DBID: dbID, Level: 2, NodeID: 0} }
func binRef(dbID uint32) collab.NodeRef  { return collab.NodeRef{DBID: dbID, Level: 1, NodeID: 1} }

// PutLN seeds (or updates) the slot for key in dbID's BIN, the write path a
// real store's insert would take.
func (t *Tree) PutLN(dbID uint32, key []byte, lsn logfile.LSN) {
	d := t.dbFor(dbID)
	d.mu.Lock()
	defer d.mu.Unlock()
	i, found := d.bin.find(key)
	if found {
		d.bin.slots[i].lsn.Store(uint64(lsn))
		d.bin.slots[i].deleted.Store(false)
		return
	}
	s := &slot{}
	s.lsn.Store(uint64(lsn))
	d.bin.keys = append(d.bin.keys, nil)
	d.bin.slots = append(d.bin.slots, nil)
	copy(d.bin.keys[i+1:], d.bin.keys[i:])
	copy(d.bin.slots[i+1:], d.bin.slots[i:])
	d.bin.keys[i] = append([]byte(nil), key...)
	d.bin.slots[i] = s
}

// DeleteLN marks key's slot known-deleted without removing it, matching how
// a real Btree retains a tombstone slot until compaction.
func (t *Tree) DeleteLN(dbID uint32, key []byte) {
	d := t.dbFor(dbID)
	d.mu.Lock()
	defer d.mu.Unlock()
	if i, found := d.bin.find(key); found {
		d.bin.slots[i].deleted.Store(true)
	}
}

// CurrentLSN returns key's slot LSN, for tests asserting migration results.
func (t *Tree) CurrentLSN(dbID uint32, key []byte) (logfile.LSN, bool) {
	d := t.dbFor(dbID)
	d.mu.RLock()
	defer d.mu.RUnlock()
	i, found := d.bin.find(key)
	if !found {
		return logfile.NullLSN, false
	}
	return logfile.LSN(d.bin.slots[i].lsn.Load()), true
}

// SetBINLSN seeds the root's record of dbID's BIN's own on-disk LSN.
func (t *Tree) SetBINLSN(dbID uint32, lsn logfile.LSN) {
	t.dbFor(dbID).rootChildLSN.Store(uint64(lsn))
}

// SetBINDelta seeds whether dbID's resident BIN is a delta and where its
// last full image was logged.
func (t *Tree) SetBINDelta(dbID uint32, isDelta bool, lastFullLSN logfile.LSN) {
	d := t.dbFor(dbID)
	d.binIsDelta.Store(isDelta)
	d.binLastFullLSN.Store(uint64(lastFullLSN))
}

// GetParentBINForChildLN implements collab.Btree. The returned parent holds
// the BIN's shared latch until Unlatch.
func (t *Tree) GetParentBINForChildLN(ctx context.Context, dbID uint32, key []byte, doFetch bool, cacheMode collab.CacheMode) (*collab.ParentBIN, error) {
	d := t.dbFor(dbID)
	d.mu.RLock()
	i, found := d.bin.find(key)
	if !found {
		d.mu.RUnlock()
		return &collab.ParentBIN{Node: binRef(dbID), ExactParentFound: false, Unlatch: func() {}}, nil
	}
	s := d.bin.slots[i]
	snap := collab.Slot{Index: i, LSN: logfile.LSN(s.lsn.Load()), KnownDeleted: s.deleted.Load()}
	return &collab.ParentBIN{
		Node:             binRef(dbID),
		Slot:             snap,
		ExactParentFound: true,
		Unlatch:          d.mu.RUnlock,
	}, nil
}

// GetParentINForChildIN implements collab.Btree. In this two-level tree, the
// only non-root node is the BIN, whose single parent is the synthetic root.
func (t *Tree) GetParentINForChildIN(ctx context.Context, node collab.NodeRef, useTargetLevel bool, doFetch bool, cacheMode collab.CacheMode) (*collab.ParentIN, error) {
	if node.Level >= 2 {
		return &collab.ParentIN{Node: node, IsRoot: true, Unlatch: func() {}}, nil
	}
	d := t.dbFor(node.DBID)
	d.mu.RLock()
	snap := collab.Slot{Index: 0, LSN: logfile.LSN(d.rootChildLSN.Load())}
	return &collab.ParentIN{
		Node:             rootRef(node.DBID),
		Slot:             snap,
		ExactParentFound: true,
		Unlatch:          d.mu.RUnlock,
	}, nil
}

// SiblingSlots implements collab.Btree: every slot in key's database's BIN.
// Per the contract it is only called while the caller already holds the
// parent latch, so no lock is taken here — a recursive read-lock could
// deadlock against a writer queued between the two acquisitions.
func (t *Tree) SiblingSlots(ctx context.Context, dbID uint32, key []byte) ([]collab.Slot, [][]byte, error) {
	d := t.dbFor(dbID)
	slots := make([]collab.Slot, len(d.bin.keys))
	keys := make([][]byte, len(d.bin.keys))
	for i, s := range d.bin.slots {
		slots[i] = collab.Slot{Index: i, LSN: logfile.LSN(s.lsn.Load()), KnownDeleted: s.deleted.Load()}
		keys[i] = d.bin.keys[i]
	}
	return slots, keys, nil
}

// UpdateSlotLSN implements collab.Btree. The caller holds the node's latch
// (shared is enough); the store itself takes no lock here.
func (t *Tree) UpdateSlotLSN(ctx context.Context, node collab.NodeRef, slotIndex int, newLSN logfile.LSN) error {
	d := t.dbFor(node.DBID)
	if node.Level >= 2 {
		d.rootChildLSN.Store(uint64(newLSN))
		return nil
	}
	if slotIndex < 0 || slotIndex >= len(d.bin.slots) {
		return nil
	}
	d.bin.slots[slotIndex].lsn.Store(uint64(newLSN))
	return nil
}

// MarkDirty implements collab.Btree: records the node as checkpoint-pending.
func (t *Tree) MarkDirty(ctx context.Context, node collab.NodeRef, prohibitNextDelta bool) error {
	t.dirtyMu.Lock()
	defer t.dirtyMu.Unlock()
	if prev, ok := t.dirty[node]; !ok || !prev {
		t.dirty[node] = prohibitNextDelta
	}
	return nil
}

// MutateDeltaToFull implements collab.Btree: the resident delta becomes a
// full BIN, so a later checkpoint write of this node is a complete image.
func (t *Tree) MutateDeltaToFull(ctx context.Context, node collab.NodeRef, fullPayload []byte) error {
	t.dbFor(node.DBID).binIsDelta.Store(false)
	return nil
}

// ChildLastFullLSN implements collab.Btree.
func (t *Tree) ChildLastFullLSN(ctx context.Context, node collab.NodeRef) (logfile.LSN, bool, error) {
	d := t.dbFor(node.DBID)
	return logfile.LSN(d.binLastFullLSN.Load()), d.binIsDelta.Load(), nil
}

// IsDirty reports whether node has been marked checkpoint-pending, and
// whether its next logged version must be full rather than a delta.
func (t *Tree) IsDirty(node collab.NodeRef) (dirty, prohibitNextDelta bool) {
	t.dirtyMu.Lock()
	defer t.dirtyMu.Unlock()
	p, ok := t.dirty[node]
	return ok, p
}

// FlushDirty clears the dirty set, standing in for a checkpoint run, and
// returns how many nodes it "wrote".
func (t *Tree) FlushDirty() int {
	t.dirtyMu.Lock()
	defer t.dirtyMu.Unlock()
	n := len(t.dirty)
	t.dirty = make(map[collab.NodeRef]bool)
	return n
}

var _ collab.Btree = (*Tree)(nil)
