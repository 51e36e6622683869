package migrate

import (
	"context"
	"testing"

	"github.com/dittodb/cleaner/internal/btree"
	"github.com/dittodb/cleaner/internal/cleaner/lookahead"
	"github.com/dittodb/cleaner/internal/collab"
	"github.com/dittodb/cleaner/internal/lockmgr"
	"github.com/dittodb/cleaner/internal/logfile"
)

func newLNEnv(t *testing.T) (*LNMigrator, *btree.Tree, *lockmgr.Manager, *logfile.DirManager) {
	t.Helper()
	files, err := logfile.NewDirManager(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { files.Close() })
	tree := btree.New()
	locks := lockmgr.New()
	m := &LNMigrator{Btree: tree, Lock: locks, Log: files}
	return m, tree, locks, files
}

func stagedItem(off uint32, key, payload string) lookahead.Item {
	return lookahead.Item{
		Offset:  off,
		Info:    collab.LNInfo{DBID: 1, Key: []byte(key)},
		Payload: []byte(payload),
		VSN:     -1,
	}
}

func TestMigrateRepointsSlot(t *testing.T) {
	m, tree, _, files := newLNEnv(t)
	oldLSN := logfile.MakeLSN(1, 100)
	tree.PutLN(1, []byte("k"), oldLSN)

	var pending []PendingLN
	stats, err := m.MigrateItem(context.Background(), 1, stagedItem(100, "k", "v"), nil, &pending)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Migrated != 1 || stats.Dead != 0 || stats.Locked != 0 {
		t.Fatalf("stats = %+v, want exactly one migration", stats)
	}

	parent, err := tree.GetParentBINForChildLN(context.Background(), 1, []byte("k"), true, collab.CacheModeDefault)
	if err != nil {
		t.Fatal(err)
	}
	defer parent.Unlatch()
	newLSN := parent.Slot.LSN
	if newLSN == oldLSN || newLSN == logfile.NullLSN {
		t.Fatalf("slot LSN = %v, want a fresh tail LSN", newLSN)
	}
	if newLSN.FileNum() != files.AllFileNumbers()[len(files.AllFileNumbers())-1] {
		t.Errorf("migrated LSN %v is not in the tail file", newLSN)
	}
}

func TestDeadSlots(t *testing.T) {
	ctx := context.Background()

	t.Run("no parent", func(t *testing.T) {
		m, _, _, _ := newLNEnv(t)
		var pending []PendingLN
		stats, err := m.MigrateItem(ctx, 1, stagedItem(100, "missing", "v"), nil, &pending)
		if err != nil {
			t.Fatal(err)
		}
		if stats.Dead != 1 {
			t.Errorf("stats = %+v, want dead=1 for a key with no slot", stats)
		}
	})

	t.Run("known deleted", func(t *testing.T) {
		m, tree, _, _ := newLNEnv(t)
		tree.PutLN(1, []byte("k"), logfile.MakeLSN(1, 100))
		tree.DeleteLN(1, []byte("k"))
		var pending []PendingLN
		stats, err := m.MigrateItem(ctx, 1, stagedItem(100, "k", "v"), nil, &pending)
		if err != nil {
			t.Fatal(err)
		}
		if stats.Dead != 1 {
			t.Errorf("stats = %+v, want dead=1 for known-deleted slot", stats)
		}
	})

	t.Run("superseded", func(t *testing.T) {
		m, tree, _, _ := newLNEnv(t)
		// The tree already points past this log entry.
		tree.PutLN(1, []byte("k"), logfile.MakeLSN(2, 50))
		var pending []PendingLN
		stats, err := m.MigrateItem(ctx, 1, stagedItem(100, "k", "v"), nil, &pending)
		if err != nil {
			t.Fatal(err)
		}
		if stats.Dead != 1 {
			t.Errorf("stats = %+v, want dead=1 for superseded entry", stats)
		}
	})
}

func TestLockDeniedDefers(t *testing.T) {
	m, tree, _, _ := newLNEnv(t)
	oldLSN := logfile.MakeLSN(1, 100)
	tree.PutLN(1, []byte("k"), oldLSN)

	// Simulate another owner by swapping in a lock manager that denies.
	m.Lock = denyingLocks{}

	var pending []PendingLN
	stats, err := m.MigrateItem(context.Background(), 1, stagedItem(100, "k", "v"), nil, &pending)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Locked != 1 {
		t.Fatalf("stats = %+v, want locked=1", stats)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d records, want 1", len(pending))
	}
	if pending[0].LSN != oldLSN {
		t.Errorf("pending LSN = %v, want %v (keyed by original LSN)", pending[0].LSN, oldLSN)
	}
}

// denyingLocks denies every probe, standing in for a fully contended record.
type denyingLocks struct{}

func (denyingLocks) IsUncontended(logfile.LSN) bool { return false }
func (denyingLocks) TryLock(logfile.LSN, collab.LockType, bool) collab.LockResult {
	return collab.LockDenied
}
func (denyingLocks) Unlock(logfile.LSN)           {}
func (denyingLocks) TransferLock(_, _ logfile.LSN) {}

func TestSiblingBatchDrainsCache(t *testing.T) {
	m, tree, _, _ := newLNEnv(t)
	// Three keys in the same BIN, all living in file 1.
	tree.PutLN(1, []byte("a"), logfile.MakeLSN(1, 100))
	tree.PutLN(1, []byte("b"), logfile.MakeLSN(1, 200))
	tree.PutLN(1, []byte("c"), logfile.MakeLSN(1, 300))

	cache := lookahead.New(1 << 20)
	cache.Put(stagedItem(200, "b", "vb"))
	cache.Put(stagedItem(300, "c", "vc"))

	var pending []PendingLN
	stats, err := m.MigrateItem(context.Background(), 1, stagedItem(100, "a", "va"), cache, &pending)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Migrated != 3 {
		t.Fatalf("stats = %+v, want all three siblings migrated in one batch", stats)
	}
	if stats.LookAheadHits != 2 {
		t.Errorf("LookAheadHits = %d, want 2", stats.LookAheadHits)
	}
	if cache.Len() != 0 {
		t.Errorf("cache.Len = %d, want 0 after the batch consumed the siblings", cache.Len())
	}
}

func TestRetryPendingFindsSupersededDead(t *testing.T) {
	m, tree, _, _ := newLNEnv(t)
	oldLSN := logfile.MakeLSN(1, 100)
	// The concurrent update committed at a later LSN before the retry.
	tree.PutLN(1, []byte("k"), logfile.MakeLSN(3, 40))

	stats, still, err := m.RetryPending(context.Background(), PendingLN{
		LSN: oldLSN, DBID: 1, Key: []byte("k"), Payload: []byte("v"), VSN: -1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Dead != 1 || len(still) != 0 {
		t.Errorf("stats = %+v still=%d, want the deferred entry counted dead", stats, len(still))
	}
}

func TestDBGoneRecheck(t *testing.T) {
	m, tree, _, _ := newLNEnv(t)
	tree.PutLN(1, []byte("k"), logfile.MakeLSN(1, 100))
	m.Resolver = staticResolver{info: collab.DBInfo{DBID: 1, Deleting: true}}

	var pending []PendingLN
	stats, err := m.MigrateItem(context.Background(), 1, stagedItem(100, "k", "v"), nil, &pending)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Dead != 1 {
		t.Errorf("stats = %+v, want dead=1 when the DB went into deletion since classification", stats)
	}
}

type staticResolver struct{ info collab.DBInfo }

func (r staticResolver) GetDBInfo(uint32) (collab.DBInfo, error) { return r.info, nil }

func TestPendingQueueKeyedByLSN(t *testing.T) {
	var q PendingQueue
	q.Push(PendingLN{LSN: logfile.MakeLSN(1, 100), Attempts: 0})
	q.Push(PendingLN{LSN: logfile.MakeLSN(1, 100), Attempts: 1})
	q.Push(PendingLN{LSN: logfile.MakeLSN(1, 200)})
	if q.Len() != 2 {
		t.Fatalf("Len = %d, want 2 (same LSN replaces)", q.Len())
	}
	items := q.Drain()
	if len(items) != 2 {
		t.Fatalf("Drain = %d items, want 2", len(items))
	}
	if items[0].Attempts != 1 {
		t.Errorf("Attempts = %d, want the refreshed record", items[0].Attempts)
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d after Drain, want 0", q.Len())
	}
}
