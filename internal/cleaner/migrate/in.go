package migrate

import (
	"context"

	"github.com/dittodb/cleaner/internal/collab"
	"github.com/dittodb/cleaner/internal/logfile"
)

// INMigrator handles live IN, BIN-delta, and DBTree entries per §4.5: the
// cleaner never rewrites an internal node itself. It dirties the current
// in-tree version and lets the next checkpoint emit a full or delta image,
// which renders the log copy being cleaned obsolete.
type INMigrator struct {
	Btree      collab.Btree
	Checkpoint collab.Checkpointer
}

// NodeOutcome is what happened to one IN/BIN-delta entry.
type NodeOutcome int

const (
	// NodeDirtied: the in-tree version was marked dirty; the next checkpoint
	// rewrite supersedes the log copy.
	NodeDirtied NodeOutcome = iota
	// NodeDead: the log copy is not the active version; nothing to do.
	NodeDead
)

// MigrateNode processes one node entry at logLSN, previously classified live
// by the cheap checks. payload is the raw log image, used to mutate a
// resident delta to a full BIN without a disk fetch.
func (m *INMigrator) MigrateNode(ctx context.Context, category logfile.Category, ref collab.NodeRef, payload []byte, logLSN logfile.LSN) (NodeOutcome, error) {
	if category == logfile.CategoryBINDelta {
		return m.migrateBINDelta(ctx, ref, payload, logLSN)
	}
	return m.migrateFullIN(ctx, ref, payload, logLSN)
}

// migrateBINDelta implements §4.5's BIN-delta protocol: locate the parent by
// level without fetching the child, confirm the log entry is the active
// delta, then dirty the resident BIN. The next logged delta naturally
// obsoletes this one, so next-delta is not prohibited.
func (m *INMigrator) migrateBINDelta(ctx context.Context, ref collab.NodeRef, payload []byte, logLSN logfile.LSN) (NodeOutcome, error) {
	parent, err := m.Btree.GetParentINForChildIN(ctx, ref, true, false, collab.CacheModeEvictSoon)
	if err != nil {
		return 0, err
	}
	defer parent.Unlatch()

	if !parent.ExactParentFound {
		return NodeDead, nil
	}
	if parent.Slot.LSN.Compare(logLSN) != 0 {
		return NodeDead, nil
	}

	if err := m.Btree.MarkDirty(ctx, ref, false); err != nil {
		return 0, err
	}
	m.addDirty(payload)
	return NodeDirtied, nil
}

// migrateFullIN implements §4.5's full-IN protocol. When the parent result
// reports IsRoot, the root is dirtied with next-delta prohibited; its node
// id and LSN are not compared against the logged copy. Everything else goes
// through a parent-by-level lookup.
func (m *INMigrator) migrateFullIN(ctx context.Context, ref collab.NodeRef, payload []byte, logLSN logfile.LSN) (NodeOutcome, error) {
	parent, err := m.Btree.GetParentINForChildIN(ctx, ref, true, true, collab.CacheModeEvictSoon)
	if err != nil {
		return 0, err
	}
	defer parent.Unlatch()

	if parent.IsRoot {
		if err := m.Btree.MarkDirty(ctx, ref, true); err != nil {
			return 0, err
		}
		m.addDirty(payload)
		return NodeDirtied, nil
	}

	if !parent.ExactParentFound {
		return NodeDead, nil
	}

	if parent.Slot.LSN.Compare(logLSN) == 0 {
		// The slot points straight at this full image. If the resident child
		// has advanced to a delta representation, fold the log copy in so the
		// checkpoint can write a full version without re-reading this file.
		_, isDelta, err := m.Btree.ChildLastFullLSN(ctx, ref)
		if err != nil {
			return 0, err
		}
		if isDelta {
			if err := m.Btree.MutateDeltaToFull(ctx, ref, payload); err != nil {
				return 0, err
			}
		}
		if err := m.Btree.MarkDirty(ctx, ref, true); err != nil {
			return 0, err
		}
		m.addDirty(payload)
		return NodeDirtied, nil
	}

	// The slot points at a delta logged after this full image. This copy is
	// still the child's last full version iff the child says so; then the
	// delta depends on it and the node must be dirtied (and mutated to full)
	// before this file can go away.
	lastFull, isDelta, err := m.Btree.ChildLastFullLSN(ctx, ref)
	if err != nil {
		return 0, err
	}
	if isDelta && lastFull.Compare(logLSN) == 0 {
		if err := m.Btree.MutateDeltaToFull(ctx, ref, payload); err != nil {
			return 0, err
		}
		if err := m.Btree.MarkDirty(ctx, ref, true); err != nil {
			return 0, err
		}
		m.addDirty(payload)
		return NodeDirtied, nil
	}
	return NodeDead, nil
}

func (m *INMigrator) addDirty(payload []byte) {
	if m.Checkpoint != nil {
		m.Checkpoint.AddDirtyBytes(uint64(len(payload)))
	}
}
