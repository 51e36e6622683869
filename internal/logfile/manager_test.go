package logfile

import (
	"testing"

	"github.com/dittodb/cleaner/internal/cleanererr"
)

func TestLSNPacking(t *testing.T) {
	lsn := MakeLSN(0x12, 0x3456)
	if lsn.FileNum() != 0x12 || lsn.Offset() != 0x3456 {
		t.Errorf("round trip = (%#x, %#x), want (0x12, 0x3456)", lsn.FileNum(), lsn.Offset())
	}
	// Lexicographic ordering on (file, offset) is plain integer ordering.
	if MakeLSN(1, 500).Compare(MakeLSN(2, 10)) != -1 {
		t.Error("LSN in earlier file must order before any LSN in a later file")
	}
	if MakeLSN(2, 10).Compare(MakeLSN(2, 20)) != -1 {
		t.Error("LSN ordering within a file must follow offsets")
	}
	if NullLSN.String() != "NULL_LSN" {
		t.Errorf("NullLSN.String() = %q", NullLSN.String())
	}
}

func TestTailRollsAtMaxFileSize(t *testing.T) {
	m := newManager(t, 200)
	payload := make([]byte, 100)
	for i := 0; i < 5; i++ {
		mustLog(t, m, WriteEntry{Category: CategoryLN, VSN: -1, Payload: payload}, false)
	}

	files := m.AllFileNumbers()
	if len(files) < 3 {
		t.Fatalf("AllFileNumbers = %v, want at least 3 files after rolling", files)
	}
	tail := files[len(files)-1]
	if !m.IsTailFile(tail) {
		t.Errorf("IsTailFile(%d) = false for the last file", tail)
	}
	if m.IsTailFile(files[0]) {
		t.Error("IsTailFile = true for a sealed file")
	}
}

func TestNextLSNTracksTail(t *testing.T) {
	m := newManager(t, 1<<20)
	before := m.NextLSN()
	lsn := mustLog(t, m, WriteEntry{Category: CategoryLN, VSN: -1, Payload: []byte("x")}, false)
	if lsn != before {
		t.Errorf("Log landed at %v, NextLSN promised %v", lsn, before)
	}
	after := m.NextLSN()
	if after.Offset() != before.Offset()+HeaderSize+1 {
		t.Errorf("NextLSN advanced to offset %d, want %d", after.Offset(), before.Offset()+HeaderSize+1)
	}
}

func TestRemoveMissingFile(t *testing.T) {
	m := newManager(t, 1<<20)
	err := m.Remove(99)
	if !cleanererr.Is(err, cleanererr.ErrFileNotFound) {
		t.Errorf("Remove(99) = %v, want FILE_NOT_FOUND", err)
	}
}

func TestOpenSourceMissingFile(t *testing.T) {
	m := newManager(t, 1<<20)
	_, _, err := m.OpenSource(99)
	if !cleanererr.Is(err, cleanererr.ErrFileNotFound) {
		t.Errorf("OpenSource(99) = %v, want FILE_NOT_FOUND", err)
	}
}

func TestRediscoverOnReopen(t *testing.T) {
	dir := t.TempDir()
	m, err := NewDirManager(dir, 200)
	if err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, 100)
	for i := 0; i < 4; i++ {
		mustLog(t, m, WriteEntry{Category: CategoryLN, VSN: -1, Payload: payload}, false)
	}
	want := m.AllFileNumbers()
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	m2, err := NewDirManager(dir, 200)
	if err != nil {
		t.Fatal(err)
	}
	defer m2.Close()
	got := m2.AllFileNumbers()
	if len(got) != len(want) {
		t.Fatalf("reopened AllFileNumbers = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("reopened AllFileNumbers = %v, want %v", got, want)
		}
	}
}

func TestDiskUsage(t *testing.T) {
	m := newManager(t, 1<<20)
	mustLog(t, m, WriteEntry{Category: CategoryLN, VSN: -1, Payload: make([]byte, 1000)}, false)
	if err := m.FlushSync(); err != nil {
		t.Fatal(err)
	}
	usage := m.DiskUsage()
	want := uint64(2*HeaderSize + 1000) // file header + entry
	if usage != want {
		t.Errorf("DiskUsage = %d, want %d", usage, want)
	}
}

func TestRollSealsTail(t *testing.T) {
	m := newManager(t, 1<<20)
	mustLog(t, m, WriteEntry{Category: CategoryLN, VSN: -1, Payload: []byte("a")}, false)
	if err := m.Roll(); err != nil {
		t.Fatal(err)
	}
	if m.IsTailFile(1) {
		t.Error("file 1 still reported as tail after Roll")
	}
	if !m.IsTailFile(2) {
		t.Error("file 2 not reported as tail after Roll")
	}
}
