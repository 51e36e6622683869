package classify

import (
	"errors"
	"testing"
	"time"

	"github.com/dittodb/cleaner/internal/cleaner/obsolete"
	"github.com/dittodb/cleaner/internal/collab"
	"github.com/dittodb/cleaner/internal/logfile"
	"github.com/dittodb/cleaner/internal/lockmgr"
	"github.com/dittodb/cleaner/internal/record"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeResolver map[uint32]collab.DBInfo

func (r fakeResolver) Get(dbID uint32) (collab.DBInfo, error) {
	info, ok := r[dbID]
	if !ok {
		return collab.DBInfo{DBID: dbID, Deleted: true}, nil
	}
	return info, nil
}

type fakeExtinction struct {
	status collab.ExtinctionStatus
	err    error
}

func (f fakeExtinction) GetExtinctionStatus(dbName string, dups bool, key []byte) (collab.ExtinctionStatus, error) {
	return f.status, f.err
}

func lnEntry(t *testing.T, offset uint32, info collab.LNInfo, value string) (logfile.Entry, []byte) {
	t.Helper()
	payload := record.EncodeLN(info, []byte(value))
	return logfile.Entry{
		Header:   logfile.Header{Type: logfile.CategoryLN, PayloadSize: uint32(len(payload)), VSN: -1},
		FileNum:  1,
		Offset:   offset,
		Size:     logfile.HeaderSize + uint32(len(payload)),
		Category: logfile.CategoryLN,
	}, payload
}

func newClassifier() *Classifier {
	return &Classifier{
		ObsoleteIndex: obsolete.New(nil),
		Decoder:       record.Decoder{},
		DB: fakeResolver{
			1: {DBID: 1, Name: "users"},
			2: {DBID: 2, Name: "gone", Deleted: true},
			3: {DBID: 3, Name: "going", Deleting: true},
			4: {DBID: 4, Name: "queue", ImmediatelyObsoleteLNs: true},
		},
		Lock:       lockmgr.New(),
		PurgeDelay: time.Hour,
		Clock:      func() time.Time { return now },
	}
}

func classifyOne(t *testing.T, c *Classifier, entry logfile.Entry, payload []byte) Result {
	t.Helper()
	res, err := c.Classify(entry, payload)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	return res
}

func TestObsoleteOffsetWinsFirst(t *testing.T) {
	c := newClassifier()
	c.ObsoleteIndex = obsolete.New([]uint32{100})
	entry, payload := lnEntry(t, 100, collab.LNInfo{DBID: 1, Key: []byte("k")}, "v")
	if res := classifyOne(t, c, entry, payload); res.Fate != FateObsolete {
		t.Errorf("Fate = %v, want OBSOLETE from the offset set", res.Fate)
	}
}

func TestNonNodeCategories(t *testing.T) {
	c := newClassifier()
	for _, cat := range []logfile.Category{logfile.CategoryErased, logfile.CategoryOther, logfile.CategoryFileHeader} {
		entry := logfile.Entry{Header: logfile.Header{Type: cat}, FileNum: 1, Offset: 50, Category: cat}
		if res := classifyOne(t, c, entry, nil); res.Fate != FateObsolete {
			t.Errorf("category %v: Fate = %v, want OBSOLETE", cat, res.Fate)
		}
	}
}

func TestInvisibleEntryObsolete(t *testing.T) {
	c := newClassifier()
	entry, payload := lnEntry(t, 100, collab.LNInfo{DBID: 1, Key: []byte("k")}, "v")
	entry.Header.Flags |= logfile.FlagInvisible
	if res := classifyOne(t, c, entry, payload); res.Fate != FateObsolete {
		t.Errorf("Fate = %v, want OBSOLETE for invisible entry", res.Fate)
	}
}

func TestDeletedAndDeletingDB(t *testing.T) {
	c := newClassifier()
	for _, dbID := range []uint32{2, 3} {
		entry, payload := lnEntry(t, 100, collab.LNInfo{DBID: dbID, Key: []byte("k")}, "v")
		if res := classifyOne(t, c, entry, payload); res.Fate != FateObsolete {
			t.Errorf("db %d: Fate = %v, want OBSOLETE", dbID, res.Fate)
		}
	}
}

func TestDeletionMarkerObsolete(t *testing.T) {
	c := newClassifier()
	entry, payload := lnEntry(t, 100, collab.LNInfo{DBID: 1, Key: []byte("k"), Deleted: true}, "")
	if res := classifyOne(t, c, entry, payload); res.Fate != FateObsolete {
		t.Errorf("Fate = %v, want OBSOLETE for deletion marker", res.Fate)
	}
}

func TestImmediatelyObsoleteDBAndEmbedded(t *testing.T) {
	c := newClassifier()
	entry, payload := lnEntry(t, 100, collab.LNInfo{DBID: 4, Key: []byte("k")}, "v")
	if res := classifyOne(t, c, entry, payload); res.Fate != FateObsolete {
		t.Errorf("Fate = %v, want OBSOLETE for immediately-obsolete DB", res.Fate)
	}
	entry, payload = lnEntry(t, 120, collab.LNInfo{DBID: 1, Key: []byte("k"), Embedded: true}, "v")
	if res := classifyOne(t, c, entry, payload); res.Fate != FateObsolete {
		t.Errorf("Fate = %v, want OBSOLETE for embedded LN", res.Fate)
	}
}

func TestExpirationWindow(t *testing.T) {
	tests := []struct {
		name      string
		expiresAt time.Time
		want      Fate
	}{
		{"already expired", now.Add(-2 * time.Hour), FateExpired},
		{"expires within purge delay", now.Add(30 * time.Minute), FateExpired},
		{"expires exactly at window edge", now.Add(time.Hour), FateExpired},
		{"expires beyond purge delay", now.Add(2 * time.Hour), FateLive},
		{"no TTL", time.Time{}, FateLive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClassifier()
			entry, payload := lnEntry(t, 100, collab.LNInfo{DBID: 1, Key: []byte("k"), ExpiresAt: tt.expiresAt}, "v")
			if res := classifyOne(t, c, entry, payload); res.Fate != tt.want {
				t.Errorf("Fate = %v, want %v", res.Fate, tt.want)
			}
		})
	}
}

func TestExpirationContendedDefers(t *testing.T) {
	c := newClassifier()
	entry, payload := lnEntry(t, 100, collab.LNInfo{DBID: 1, Key: []byte("k"), ExpiresAt: now.Add(-time.Hour)}, "v")

	// The record lock is held (taken here through the cleaner's own probe),
	// so the LSN is contended.
	locks := c.Lock.(*lockmgr.Manager)
	locks.TryLock(entry.LSN(), collab.LockWrite, false)

	if res := classifyOne(t, c, entry, payload); res.Fate != FatePending {
		t.Errorf("Fate = %v, want PENDING while the lock is contended", res.Fate)
	}

	locks.Unlock(entry.LSN())
	if res := classifyOne(t, c, entry, payload); res.Fate != FateExpired {
		t.Errorf("Fate = %v, want EXPIRED once uncontended", res.Fate)
	}
}

func TestRecentModificationDefers(t *testing.T) {
	c := newClassifier()
	c.MaxTxnTime = 10 * time.Minute
	entry, payload := lnEntry(t, 100, collab.LNInfo{
		DBID:      1,
		Key:       []byte("k"),
		ExpiresAt: now.Add(-time.Hour),
		ModTime:   now.Add(-time.Minute),
	}, "v")
	if res := classifyOne(t, c, entry, payload); res.Fate != FatePending {
		t.Errorf("Fate = %v, want PENDING for a record whose txn may still be open", res.Fate)
	}
}

func TestClockToleranceShrinksWindow(t *testing.T) {
	c := newClassifier()
	c.ClockTolerance = 30 * time.Minute
	// Expires in 45m: inside the raw purge window (1h) but outside the
	// tolerance-shrunk one (30m).
	entry, payload := lnEntry(t, 100, collab.LNInfo{DBID: 1, Key: []byte("k"), ExpiresAt: now.Add(45 * time.Minute)}, "v")
	if res := classifyOne(t, c, entry, payload); res.Fate != FateLive {
		t.Errorf("Fate = %v, want LIVE with clock tolerance applied", res.Fate)
	}
}

func TestExtinctionFilter(t *testing.T) {
	tests := []struct {
		name   string
		filter collab.ExtinctionFilter
		want   Fate
	}{
		{"extinct", fakeExtinction{status: collab.ExtinctionStatusExtinct}, FateExtinct},
		{"not extinct", fakeExtinction{status: collab.ExtinctionStatusNotExtinct}, FateLive},
		{"maybe extinct", fakeExtinction{status: collab.ExtinctionStatusMaybeExtinct}, FateLive},
		{"filter error treated as maybe", fakeExtinction{err: errors.New("boom")}, FateLive},
		{"no filter", nil, FateLive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClassifier()
			c.Extinction = tt.filter
			entry, payload := lnEntry(t, 100, collab.LNInfo{DBID: 1, Key: []byte("k")}, "v")
			if res := classifyOne(t, c, entry, payload); res.Fate != tt.want {
				t.Errorf("Fate = %v, want %v", res.Fate, tt.want)
			}
		})
	}
}

func TestNodeEntries(t *testing.T) {
	c := newClassifier()
	ref := collab.NodeRef{DBID: 1, Level: 1, NodeID: 7}
	payload := record.EncodeNode(ref, nil)
	entry := logfile.Entry{
		Header:   logfile.Header{Type: logfile.CategoryBINDelta, PayloadSize: uint32(len(payload))},
		FileNum:  1, Offset: 100,
		Category: logfile.CategoryBINDelta,
	}
	res := classifyOne(t, c, entry, payload)
	if res.Fate != FateLive {
		t.Fatalf("Fate = %v, want LIVE", res.Fate)
	}
	if res.Ref != ref {
		t.Errorf("Ref = %+v, want %+v", res.Ref, ref)
	}

	gone := record.EncodeNode(collab.NodeRef{DBID: 2, Level: 1, NodeID: 8}, nil)
	entry.Header.PayloadSize = uint32(len(gone))
	if res := classifyOne(t, c, entry, gone); res.Fate != FateObsolete {
		t.Errorf("Fate = %v, want OBSOLETE for a deleted database's node", res.Fate)
	}
}
