// Package classify implements the fate decision every streamed log entry
// gets during a cleaning pass (§4.3): cheapest checks first, and no Btree
// access at all — entries that survive every cheap check are handed to the
// migrators, which own the parent lookups.
package classify

import (
	"time"

	"github.com/dittodb/cleaner/internal/cleaner/obsolete"
	"github.com/dittodb/cleaner/internal/collab"
	"github.com/dittodb/cleaner/internal/logfile"
)

// Fate is the Classifier's verdict for one entry.
type Fate int

const (
	// FateObsolete: the entry contributes nothing live — known-obsolete
	// offset, non-node category, deleted database, deletion marker,
	// immediately-obsolete database, or embedded LN.
	FateObsolete Fate = iota
	// FateExpired: the entry's TTL has run out (within the purge-delay
	// window) and its lock was uncontended. Counted as inexact obsolete; no
	// offset is tracked.
	FateExpired
	// FateExtinct: the extinction filter declared the key dead without a
	// Btree check.
	FateExtinct
	// FatePending: the expiration probe found the lock contended; the entry
	// is neither live nor obsolete for this pass and goes on the pending
	// queue.
	FatePending
	// FateLive: every cheap check passed; the migrators decide between
	// migrated and dead.
	FateLive
)

func (f Fate) String() string {
	switch f {
	case FateObsolete:
		return "OBSOLETE"
	case FateExpired:
		return "EXPIRED"
	case FateExtinct:
		return "EXTINCT"
	case FatePending:
		return "PENDING"
	case FateLive:
		return "LIVE"
	default:
		return "UNKNOWN"
	}
}

// Result carries the fate plus whatever the classifier had to decode along
// the way, so a caller that goes on to migrate doesn't redo the decode.
type Result struct {
	Fate Fate

	// LN is populated for CategoryLN entries.
	LN collab.LNInfo

	// Ref is populated for node categories other than LN (IN, BIN-delta,
	// DBTree).
	Ref collab.NodeRef
}

// DBResolver is the subset of dbcache.DbCache the Classifier needs.
type DBResolver interface {
	Get(dbID uint32) (collab.DBInfo, error)
}

// Classifier evaluates the fate order of §4.3 for one in-flight file clean.
// It is confined to the goroutine cleaning that file, same as its
// obsolete.Index.
type Classifier struct {
	ObsoleteIndex *obsolete.Index
	Decoder       collab.EntryDecoder
	Extinction    collab.ExtinctionFilter // optional
	DB            DBResolver
	Lock          collab.LockManager

	// PurgeDelay is ttl.lnPurgeDelay: an LN whose expiration lies within
	// [now, now+PurgeDelay] is already treated as an expiration candidate.
	PurgeDelay time.Duration
	// ClockTolerance shrinks the purge window to absorb clock skew between
	// the writer that stamped the expiration and this host.
	ClockTolerance time.Duration
	// MaxTxnTime is how long a transaction may stay open: an LN modified
	// more recently than this may still have a live writer, so its
	// expiration cannot be decided this pass.
	MaxTxnTime time.Duration
	Clock      func() time.Time
}

// Classify evaluates entry's fate in the exact order of §4.3.
func (c *Classifier) Classify(entry logfile.Entry, payload []byte) (Result, error) {
	// Step 1: already known obsolete from the offset set.
	if c.ObsoleteIndex != nil && c.ObsoleteIndex.Contains(entry.Offset) {
		return Result{Fate: FateObsolete}, nil
	}

	// Step 2: non-node categories are never live; invisible entries are
	// obsolete regardless of category; a FILE_HEADER is structural, never
	// migrated.
	if !entry.Category.IsNode() || entry.Header.Flags.Has(logfile.FlagInvisible) {
		return Result{Fate: FateObsolete}, nil
	}
	if entry.Category == logfile.CategoryFileHeader {
		return Result{Fate: FateObsolete}, nil
	}

	if entry.Category == logfile.CategoryLN {
		return c.classifyLN(entry, payload)
	}
	return c.classifyNode(entry, payload)
}

func (c *Classifier) classifyLN(entry logfile.Entry, payload []byte) (Result, error) {
	info, err := c.Decoder.DecodeLN(payload)
	if err != nil {
		return Result{}, err
	}
	res := Result{LN: info}

	// Step 3: a deleted or mid-deletion database's entries are obsolete. The
	// migrator re-checks with a fresh handle before writing (§4.2), so a
	// database that finishes deleting between here and migration is still
	// caught.
	db, err := c.DB.Get(info.DBID)
	if err != nil {
		return Result{}, err
	}
	if db.Deleted || db.Deleting {
		res.Fate = FateObsolete
		return res, nil
	}

	// Step 4a: a deletion marker is never live.
	if info.Deleted {
		res.Fate = FateObsolete
		return res, nil
	}

	// Step 4b: databases whose LNs are immediately obsolete, and LNs whose
	// value lives embedded in the parent slot, never need migration.
	if db.ImmediatelyObsoleteLNs || info.Embedded {
		res.Fate = FateObsolete
		return res, nil
	}

	// Step 4c: expiration. The probe must be uncontended before the entry
	// can be counted expired; a contended lock — or a modification recent
	// enough that its transaction may still be open — defers the decision.
	if c.isExpirationCandidate(info) {
		if c.modifiedWithinTxnWindow(info) || (c.Lock != nil && !c.Lock.IsUncontended(entry.LSN())) {
			res.Fate = FatePending
			return res, nil
		}
		res.Fate = FateExpired
		return res, nil
	}

	// Step 4d: the extinction filter. Errors are treated as MAYBE_EXTINCT
	// (§6), which is not extinct enough to skip migration.
	if c.Extinction != nil {
		status, eerr := c.Extinction.GetExtinctionStatus(db.Name, db.DupSort, info.Key)
		if eerr != nil {
			status = collab.ExtinctionStatusMaybeExtinct
		}
		if status == collab.ExtinctionStatusExtinct {
			res.Fate = FateExtinct
			return res, nil
		}
	}

	res.Fate = FateLive
	return res, nil
}

// isExpirationCandidate reports whether info's TTL puts it inside the purge
// window: expiration at or before now+PurgeDelay, shrunk by ClockTolerance.
func (c *Classifier) isExpirationCandidate(info collab.LNInfo) bool {
	if info.ExpiresAt.IsZero() || c.PurgeDelay <= 0 {
		return false
	}
	window := c.PurgeDelay - c.ClockTolerance
	if window < 0 {
		window = 0
	}
	return !info.ExpiresAt.After(c.now().Add(window))
}

// modifiedWithinTxnWindow reports whether info was written recently enough
// that its transaction may still be open.
func (c *Classifier) modifiedWithinTxnWindow(info collab.LNInfo) bool {
	if info.ModTime.IsZero() || c.MaxTxnTime <= 0 {
		return false
	}
	return c.now().Sub(info.ModTime) < c.MaxTxnTime
}

func (c *Classifier) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

func (c *Classifier) classifyNode(entry logfile.Entry, payload []byte) (Result, error) {
	ref, err := c.Decoder.DecodeNode(entry.Category, payload)
	if err != nil {
		return Result{}, err
	}
	res := Result{Ref: ref}

	// Step 3 applies to node entries too: an IN belonging to a deleted
	// database has nothing left to dirty.
	db, err := c.DB.Get(ref.DBID)
	if err != nil {
		return Result{}, err
	}
	if db.Deleted || db.Deleting {
		res.Fate = FateObsolete
		return res, nil
	}

	res.Fate = FateLive
	return res, nil
}
