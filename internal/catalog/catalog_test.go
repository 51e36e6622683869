package catalog

import (
	"testing"

	"github.com/dittodb/cleaner/internal/collab"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutAndResolve(t *testing.T) {
	c := openTestCatalog(t)
	want := collab.DBInfo{DBID: 1, Name: "users", DupSort: true, ImmediatelyObsoleteLNs: true}
	if err := c.Put(want); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := c.GetDBInfo(1)
	if err != nil {
		t.Fatalf("GetDBInfo: %v", err)
	}
	if got != want {
		t.Errorf("GetDBInfo = %+v, want %+v", got, want)
	}
}

func TestMissingResolvesDeleted(t *testing.T) {
	c := openTestCatalog(t)
	got, err := c.GetDBInfo(99)
	if err != nil {
		t.Fatalf("GetDBInfo: %v", err)
	}
	if !got.Deleted {
		t.Error("an id with no catalog record must resolve as deleted")
	}
}

func TestDeletionLifecycle(t *testing.T) {
	c := openTestCatalog(t)
	if err := c.Put(collab.DBInfo{DBID: 2, Name: "orders"}); err != nil {
		t.Fatal(err)
	}

	if err := c.MarkDeleting(2); err != nil {
		t.Fatalf("MarkDeleting: %v", err)
	}
	got, _ := c.GetDBInfo(2)
	if !got.Deleting || got.Deleted {
		t.Errorf("after MarkDeleting: %+v, want deleting only", got)
	}

	if err := c.MarkDeleted(2); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}
	got, _ = c.GetDBInfo(2)
	if got.Deleting || !got.Deleted {
		t.Errorf("after MarkDeleted: %+v, want deleted only", got)
	}
}

func TestMutateMissingFails(t *testing.T) {
	c := openTestCatalog(t)
	if err := c.MarkDeleting(42); err == nil {
		t.Error("MarkDeleting on an unknown id must fail")
	}
}
