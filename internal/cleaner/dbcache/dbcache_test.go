package dbcache

import (
	"testing"
	"time"

	"github.com/dittodb/cleaner/internal/collab"
)

// countingResolver counts how many times each DB id is resolved.
type countingResolver struct {
	infos map[uint32]collab.DBInfo
	calls map[uint32]int
}

func newCountingResolver() *countingResolver {
	return &countingResolver{
		infos: map[uint32]collab.DBInfo{
			1: {DBID: 1, Name: "users"},
			2: {DBID: 2, Name: "orders", Deleting: true},
		},
		calls: map[uint32]int{},
	}
}

func (r *countingResolver) GetDBInfo(dbID uint32) (collab.DBInfo, error) {
	r.calls[dbID]++
	return r.infos[dbID], nil
}

func TestGetCachesWithinTTL(t *testing.T) {
	now := time.Unix(1000, 0)
	resolver := newCountingResolver()
	c := New(resolver, time.Minute, func() time.Time { return now })

	for i := 0; i < 5; i++ {
		info, err := c.Get(1)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if info.Name != "users" {
			t.Fatalf("Name = %q, want users", info.Name)
		}
	}
	if resolver.calls[1] != 1 {
		t.Errorf("resolver called %d times, want 1 (cached)", resolver.calls[1])
	}
}

func TestGetRefetchesAfterTTL(t *testing.T) {
	now := time.Unix(1000, 0)
	resolver := newCountingResolver()
	c := New(resolver, time.Minute, func() time.Time { return now })

	if _, err := c.Get(1); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := c.Get(1); err != nil {
		t.Fatal(err)
	}
	if resolver.calls[1] != 2 {
		t.Errorf("resolver called %d times, want 2 (TTL expired)", resolver.calls[1])
	}
}

func TestReleaseAllForcesFreshLookup(t *testing.T) {
	now := time.Unix(1000, 0)
	resolver := newCountingResolver()
	c := New(resolver, time.Hour, func() time.Time { return now })

	if _, err := c.Get(2); err != nil {
		t.Fatal(err)
	}
	// The DB finishes deleting while the pass is mid-file.
	resolver.infos[2] = collab.DBInfo{DBID: 2, Name: "orders", Deleted: true}

	c.ReleaseAll()
	info, err := c.Get(2)
	if err != nil {
		t.Fatal(err)
	}
	if !info.Deleted {
		t.Error("post-release lookup returned the stale, pre-deletion record")
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}
