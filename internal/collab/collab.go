// Package collab declares the collaborator interfaces §6 hands the cleaner:
// Btree, LockManager, Checkpointer, and ExtinctionFilter. The cleaner depends
// only on these interfaces; internal/btree, internal/lockmgr, and
// internal/checkpoint each provide one concrete implementation, and tests may
// substitute fakes.
package collab

import (
	"context"
	"time"

	"github.com/dittodb/cleaner/internal/logfile"
)

// NodeLevel identifies a Btree level: 1 is the leaf (BIN) level, values above
// that are upper internal nodes, matching §4.5's "target level" language.
type NodeLevel int

// NodeRef identifies one resident Btree node the cleaner wants to migrate or
// inspect, independent of the node's current latch state.
type NodeRef struct {
	DBID   uint32
	Level  NodeLevel
	NodeID uint64
}

// Slot is one Btree slot as the cleaner sees it: an LSN plus the bits that
// determine whether that LSN still needs migrating.
type Slot struct {
	Index        int
	LSN          logfile.LSN
	KnownDeleted bool
	// FetchedCold reports whether the parent housing this slot had to be
	// fetched from disk to answer this lookup (§4.4's eviction hint: the
	// caller should release it again once done with the whole pass).
	FetchedCold bool
}

// ParentBIN is the latched-shared parent a LNMigrator needs in order to
// compare an LSN against the slot's current value. Unlatch must be called
// exactly once, whether or not ExactParentFound is true.
type ParentBIN struct {
	Node             NodeRef
	Slot             Slot
	ExactParentFound bool
	Unlatch          func()
}

// ParentIN is the latched-shared parent an INMigrator needs for the same
// purpose, one level up.
type ParentIN struct {
	Node             NodeRef
	Slot             Slot
	ExactParentFound bool
	IsRoot           bool
	Unlatch          func()
}

// CacheMode mirrors the store's fetch-caching hint: whether the fetch used to
// answer a parent lookup should leave the page resident afterward.
type CacheMode int

const (
	// CacheModeDefault leaves normal cache policy in charge.
	CacheModeDefault CacheMode = iota
	// CacheModeEvictSoon hints that the cleaner will release this node again
	// shortly and the cache should not promote it.
	CacheModeEvictSoon
)

// Btree is the subset of Btree operations the cleaner's migrators need: find
// the current parent of a to-be-migrated LN or IN, shared-latched, without
// running insert/search/split logic (out of scope here; see §1).
type Btree interface {
	// GetParentBINForChildLN locates the BIN that should own key in dbID.
	// doFetch controls whether a cold fetch is allowed when the BIN is not
	// resident; when false and the BIN isn't resident, ExactParentFound is
	// false and Unlatch is nil.
	GetParentBINForChildLN(ctx context.Context, dbID uint32, key []byte, doFetch bool, cacheMode CacheMode) (*ParentBIN, error)

	// GetParentINForChildIN locates the parent of the given node at
	// useTargetLevel, or the node's immediate structural parent when
	// useTargetLevel is false.
	GetParentINForChildIN(ctx context.Context, node NodeRef, useTargetLevel bool, doFetch bool, cacheMode CacheMode) (*ParentIN, error)

	// SiblingSlots returns every slot of the parent BIN housing key, for the
	// look-ahead batch of §4.4. The caller must already hold the parent
	// latch from GetParentBINForChildLN; implementations take no lock.
	SiblingSlots(ctx context.Context, dbID uint32, key []byte) ([]Slot, [][]byte, error)

	// UpdateSlotLSN repoints node's slotIndex slot at newLSN, the final step
	// of a successful LN migration. The caller must hold the slot's write
	// lock and the node's latch (shared is sufficient: slot LSN updates are
	// themselves atomic at the store's concurrency layer).
	UpdateSlotLSN(ctx context.Context, node NodeRef, slotIndex int, newLSN logfile.LSN) error

	// MarkDirty dirties the resident node so the next checkpoint rewrites it
	// at the tail. prohibitNextDelta forces that rewrite to be a full version
	// rather than a delta, required when the log copy being reclaimed is the
	// node's last full image (§4.5). The cleaner never rewrites INs itself.
	MarkDirty(ctx context.Context, node NodeRef, prohibitNextDelta bool) error

	// MutateDeltaToFull replaces a resident BIN-delta with the full BIN image
	// carried by fullPayload, avoiding a disk fetch of the stale full version
	// (§4.5's delta-to-full mutation).
	MutateDeltaToFull(ctx context.Context, node NodeRef, fullPayload []byte) error

	// ChildLastFullLSN fetches node and reports the LSN of its last full
	// (non-delta) logged version, plus whether the resident version is
	// currently a delta (§4.5 full-IN step 4).
	ChildLastFullLSN(ctx context.Context, node NodeRef) (logfile.LSN, bool, error)
}

// LockType distinguishes read and write intent for a non-blocking probe.
type LockType int

const (
	LockRead LockType = iota
	LockWrite
)

// LockResult is the outcome of a non-blocking lock probe.
type LockResult int

const (
	LockGranted LockResult = iota
	LockDenied
	LockAlreadyHeld
)

// LockManager is the non-blocking lock probe collaborator of §5: the cleaner
// never waits on a lock it cannot get immediately.
type LockManager interface {
	// IsUncontended reports whether lsn currently has no owner and no
	// waiters, without acquiring anything — the cheap pre-check the
	// Classifier runs before declaring an entry expired (§4.3 step 4c).
	IsUncontended(lsn logfile.LSN) bool
	// TryLock attempts to acquire lockType on lsn without blocking.
	TryLock(lsn logfile.LSN, lockType LockType, jumpAheadOfWaiters bool) LockResult
	// Unlock releases a previously granted lock.
	Unlock(lsn logfile.LSN)
	// TransferLock moves every locker of old onto new, so in-flight
	// transactions holding the old LSN follow a migrated record to its new
	// position (§4.4 step 4d).
	TransferLock(old, new logfile.LSN)
}

// Checkpointer is the collaborator the Orchestrator wakes after quiescence
// and migrators coordinate eviction with, per §4.4/§4.8.
type Checkpointer interface {
	// WakeupAfterNoWrites requests an immediate checkpoint because cleaning
	// has stalled waiting for log writes that a quiet system will never
	// produce.
	WakeupAfterNoWrites()
	// AddDirtyBytes records n bytes of node state a migration just dirtied,
	// so the checkpointer can size its next flush.
	AddDirtyBytes(n uint64)
	// PendingDirtyBytes reports how many bytes of dirty cache the next
	// checkpoint would need to flush, used to throttle migration-induced
	// dirtying.
	PendingDirtyBytes() uint64
}

// ExtinctionStatus is the three-way answer an ExtinctionFilter gives about a
// key, per §6.
type ExtinctionStatus int

const (
	ExtinctionStatusNotExtinct ExtinctionStatus = iota
	ExtinctionStatusExtinct
	ExtinctionStatusMaybeExtinct
)

// ExtinctionFilter answers whether a (database, key) pair can no longer exist
// in the live tree because its owning database was removed or truncated. Any
// error from the filter is treated as MAYBE_EXTINCT by callers (§6).
type ExtinctionFilter interface {
	GetExtinctionStatus(dbName string, dups bool, key []byte) (ExtinctionStatus, error)
}

// DBInfo is what the cleaner needs to know about a database to migrate one
// of its entries, cached briefly by dbcache.DbCache. All fields except
// Deleting/Deleted are stable once loaded and remain usable after the cache
// releases the handle (§4.2).
type DBInfo struct {
	DBID uint32
	Name string
	// DupSort is true for databases with sorted duplicates, forwarded to the
	// extinction filter which keys on (name, dups, key).
	DupSort bool
	// Internal is true for the store's own metadata databases.
	Internal bool
	// ImmediatelyObsoleteLNs marks databases whose LNs never need migration:
	// every logged LN is obsolete the moment a newer one exists (§4.3
	// step 4b).
	ImmediatelyObsoleteLNs bool
	// Deleting is true while the database is mid-removal; Deleted once the
	// removal committed. The Classifier treats either as obsolete, and the
	// migrators re-check via a fresh handle before writing (§4.2).
	Deleting bool
	Deleted  bool
}

// DBResolver looks up DBInfo, the collaborator behind dbcache.DbCache.
type DBResolver interface {
	GetDBInfo(dbID uint32) (DBInfo, error)
}

// LNInfo is everything the Classifier needs out of one decoded LN payload,
// per §3's LN category fields.
type LNInfo struct {
	DBID uint32
	Key  []byte
	// Deleted is true when the payload is a deletion marker rather than a
	// value.
	Deleted bool
	// Embedded is true when the record's value is stored directly in its
	// parent slot, making the logged copy redundant (§4.3 step 4b).
	Embedded bool
	// ExpiresAt is the record's TTL expiration instant; zero means no TTL.
	ExpiresAt time.Time
	// ModTime is the record's last modification instant, zero if untracked.
	ModTime time.Time
}

// EntryDecoder turns a raw log payload into the identifying information the
// Classifier needs, without the cleaner ever understanding record formats
// itself (payload serialization is the store's own concern).
type EntryDecoder interface {
	// DecodeLN extracts the LN fields the cleaner classifies on.
	DecodeLN(payload []byte) (LNInfo, error)
	// DecodeNode extracts the NodeRef an IN, BIN-delta, or DBTree payload
	// describes.
	DecodeNode(category logfile.Category, payload []byte) (NodeRef, error)
}
