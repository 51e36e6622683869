// Package migrate implements the LN and IN migration protocols of §4.4/§4.5:
// a live LN is rewritten at the log tail and its Btree slot repointed; a live
// IN or BIN-delta is never rewritten, only dirtied so the next checkpoint
// emits it.
package migrate

import (
	"context"
	"time"

	"github.com/dittodb/cleaner/internal/cleaner/lookahead"
	"github.com/dittodb/cleaner/internal/collab"
	"github.com/dittodb/cleaner/internal/logfile"
)

// Stats tallies what happened to the items handled by one migrator call.
// These are the per-run, single-goroutine accumulators the design notes call
// for: added into shared counters only when a file pass completes, never
// touched atomically on the per-entry path.
type Stats struct {
	Migrated      uint32
	Dead          uint32
	Locked        uint32
	MigratedBytes uint64
	LockedBytes   uint64
	LookAheadHits uint32
}

// Add folds other into s.
func (s *Stats) Add(other Stats) {
	s.Migrated += other.Migrated
	s.Dead += other.Dead
	s.Locked += other.Locked
	s.MigratedBytes += other.MigratedBytes
	s.LockedBytes += other.LockedBytes
	s.LookAheadHits += other.LookAheadHits
}

// PendingLN is a deferred migration record (§4.6): an LN whose lock probe was
// denied, keyed by its original LSN, retried by a later sweep.
type PendingLN struct {
	LSN       logfile.LSN
	DBID      uint32
	Key       []byte
	Payload   []byte
	VSN       int64
	ExpiresAt time.Time
	ModTime   time.Time
	// Attempts counts retry sweeps that still found the lock contended; the
	// orchestrator drops the record once its retry budget is spent.
	Attempts int
}

// LNMigrator rewrites live LN entries to the log tail and repoints their
// Btree slot, per §4.4.
type LNMigrator struct {
	Btree collab.Btree
	Lock  collab.LockManager
	Log   logfile.LogManager
	// Resolver re-checks the owning database's deleted/deleting flags with a
	// fresh handle immediately before writing (§4.2's double-check).
	Resolver collab.DBResolver
}

// MigrateItem migrates one staged LN from fileNum's pass. It acquires the
// Btree parent itself (shared latch, cold-fetch hint set so migration-only
// fetches don't pollute the cache), applies the slot checks of §4.4 step 2,
// and — when cache is non-nil — batches in every sibling slot whose offset is
// also staged, removing those from the cache (§4.4's look-ahead
// optimization).
//
// Deferred items (lock denied) are appended to pending; the caller owns
// queueing them.
func (m *LNMigrator) MigrateItem(ctx context.Context, fileNum uint32, item lookahead.Item, cache *lookahead.Cache, pending *[]PendingLN) (Stats, error) {
	var stats Stats

	if dead, err := m.dbGoneRecheck(item.Info.DBID); err != nil {
		return stats, err
	} else if dead {
		stats.Dead++
		return stats, nil
	}

	logLSN := logfile.MakeLSN(fileNum, item.Offset)

	parent, err := m.Btree.GetParentBINForChildLN(ctx, item.Info.DBID, item.Info.Key, true, collab.CacheModeEvictSoon)
	if err != nil {
		return stats, err
	}
	defer parent.Unlatch()

	if !parent.ExactParentFound {
		stats.Dead++
		return stats, nil
	}

	outcome, err := m.migrateSlot(ctx, parent.Node, parent.Slot, item, logLSN)
	if err != nil {
		return stats, err
	}
	switch outcome {
	case outcomeMigrated:
		stats.Migrated++
		stats.MigratedBytes += uint64(len(item.Payload))
	case outcomeDead:
		stats.Dead++
	case outcomeDeferred:
		stats.Locked++
		stats.LockedBytes += uint64(logfile.HeaderSize + len(item.Payload))
		*pending = append(*pending, pendingFromItem(item, logLSN))
	}

	if cache == nil {
		return stats, nil
	}

	// While the parent latch is still held, sweep the other slots of this
	// leaf: any whose LSN points into the file being cleaned and whose
	// offset is staged can migrate now without its own parent lookup.
	slots, keys, err := m.Btree.SiblingSlots(ctx, item.Info.DBID, item.Info.Key)
	if err != nil {
		return stats, err
	}
	for i, slot := range slots {
		if slot.LSN == logfile.NullLSN || slot.LSN.FileNum() != fileNum {
			continue
		}
		sib, ok := cache.Take(slot.LSN.Offset())
		if !ok {
			continue
		}
		stats.LookAheadHits++
		sibLSN := logfile.MakeLSN(fileNum, sib.Offset)
		sibItem := sib
		sibItem.Info.Key = keys[i]
		outcome, err := m.migrateSlot(ctx, parent.Node, slot, sibItem, sibLSN)
		if err != nil {
			return stats, err
		}
		switch outcome {
		case outcomeMigrated:
			stats.Migrated++
			stats.MigratedBytes += uint64(len(sib.Payload))
		case outcomeDead:
			stats.Dead++
		case outcomeDeferred:
			stats.Locked++
			stats.LockedBytes += uint64(logfile.HeaderSize + len(sib.Payload))
			*pending = append(*pending, pendingFromItem(sibItem, sibLSN))
		}
	}

	return stats, nil
}

type slotOutcome int

const (
	outcomeMigrated slotOutcome = iota
	outcomeDead
	outcomeDeferred
)

// migrateSlot applies §4.4 steps 2-4 to one slot whose parent latch the
// caller holds.
func (m *LNMigrator) migrateSlot(ctx context.Context, node collab.NodeRef, slot collab.Slot, item lookahead.Item, logLSN logfile.LSN) (slotOutcome, error) {
	// Step 2: the slot must still point at exactly this log entry.
	if slot.KnownDeleted {
		return outcomeDead, nil
	}
	if slot.LSN == logfile.NullLSN {
		// An aborted insertion: the slot exists but was never committed.
		return outcomeDead, nil
	}
	if slot.LSN.Compare(logLSN) != 0 {
		// Rolled back or superseded by a newer write.
		return outcomeDead, nil
	}

	// Step 3: non-blocking read lock on the tree LSN. Denial defers.
	switch m.Lock.TryLock(slot.LSN, collab.LockRead, true) {
	case collab.LockDenied:
		return outcomeDeferred, nil
	case collab.LockGranted:
		defer m.Lock.Unlock(slot.LSN)
	case collab.LockAlreadyHeld:
		// Our own earlier lock; keep it held.
	}

	// Step 4b: rewrite at the tail with the original VSN preserved (the
	// migration hint) so replicated entries keep their identity. The
	// replicated flag is NOT set: the old VSN lands out of order at the
	// tail, and only originally-replicated entries participate in the
	// per-file VSN monotonicity check.
	newLSN, err := m.Log.Log(logfile.WriteEntry{
		Category: logfile.CategoryLN,
		VSN:      item.VSN,
		Payload:  item.Payload,
	}, false)
	if err != nil {
		return 0, err
	}

	// Step 4c: repoint the slot.
	if err := m.Btree.UpdateSlotLSN(ctx, node, slot.Index, newLSN); err != nil {
		return 0, err
	}

	// Step 4d: in-flight transactions holding the old LSN follow the record.
	m.Lock.TransferLock(logLSN, newLSN)

	return outcomeMigrated, nil
}

// RetryPending re-probes one deferred LN with a fresh parent lookup (§4.6's
// pending sweep). A slot that moved on in the meantime counts dead; a still
// contended lock re-defers.
func (m *LNMigrator) RetryPending(ctx context.Context, p PendingLN) (Stats, []PendingLN, error) {
	item := lookahead.Item{
		Offset:  p.LSN.Offset(),
		Info:    collab.LNInfo{DBID: p.DBID, Key: p.Key, ExpiresAt: p.ExpiresAt, ModTime: p.ModTime},
		Payload: p.Payload,
		VSN:     p.VSN,
	}
	var pending []PendingLN
	stats, err := m.MigrateItem(ctx, p.LSN.FileNum(), item, nil, &pending)
	return stats, pending, err
}

// dbGoneRecheck is §4.2's second deleted/deleting check, run against a fresh
// handle acquisition right before migration rather than the pass's cache.
func (m *LNMigrator) dbGoneRecheck(dbID uint32) (bool, error) {
	if m.Resolver == nil {
		return false, nil
	}
	info, err := m.Resolver.GetDBInfo(dbID)
	if err != nil {
		return false, err
	}
	return info.Deleted || info.Deleting, nil
}

func pendingFromItem(item lookahead.Item, lsn logfile.LSN) PendingLN {
	return PendingLN{
		LSN:       lsn,
		DBID:      item.Info.DBID,
		Key:       item.Info.Key,
		Payload:   item.Payload,
		VSN:       item.VSN,
		ExpiresAt: item.Info.ExpiresAt,
		ModTime:   item.Info.ModTime,
	}
}

// PendingQueue holds deferred migrations keyed by original LSN, per §4.6: a
// second deferral of the same LSN replaces the first rather than queueing
// twice.
type PendingQueue struct {
	items map[logfile.LSN]PendingLN
	order []logfile.LSN
}

// Push enqueues (or refreshes) a deferred migration.
func (q *PendingQueue) Push(p PendingLN) {
	if q.items == nil {
		q.items = make(map[logfile.LSN]PendingLN)
	}
	if _, ok := q.items[p.LSN]; !ok {
		q.order = append(q.order, p.LSN)
	}
	q.items[p.LSN] = p
}

// Drain returns and clears every queued item in insertion order.
func (q *PendingQueue) Drain() []PendingLN {
	out := make([]PendingLN, 0, len(q.items))
	for _, lsn := range q.order {
		if p, ok := q.items[lsn]; ok {
			out = append(out, p)
		}
	}
	q.items = nil
	q.order = nil
	return out
}

// Len reports how many deferrals are queued.
func (q *PendingQueue) Len() int { return len(q.items) }
