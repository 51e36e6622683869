package protect

import "testing"

func TestLifecycleTransitions(t *testing.T) {
	p := New()
	p.ActivateSized(1, 1000)

	if err := p.Condemn(1); err == nil {
		t.Error("Condemn on an active file must fail")
	}
	if err := p.Reserve(1, 1000, VSNRange{}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := p.Reserve(1, 1000, VSNRange{}); err == nil {
		t.Error("Reserve on a reserved file must fail")
	}
	if err := p.Condemn(1); err != nil {
		t.Fatalf("Condemn: %v", err)
	}
	if st, _ := p.State(1); st != StateCondemned {
		t.Errorf("State = %v, want CONDEMNED", st)
	}
	p.Forget(1)
	if _, ok := p.State(1); ok {
		t.Error("State known after Forget")
	}
}

func TestReserveReactivateRoundTrip(t *testing.T) {
	p := New()
	p.ActivateSized(1, 500)

	if err := p.Reserve(1, 500, VSNRange{First: 10, Last: 20, Valid: true}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := p.ReactivateReservedFile(1); err != nil {
		t.Fatalf("ReactivateReservedFile: %v", err)
	}
	if st, ok := p.State(1); !ok || st != StateActive {
		t.Errorf("State = %v/%v, want ACTIVE (round trip must restore initial state)", st, ok)
	}
	if p.IsReservedFile(1) {
		t.Error("IsReservedFile = true after reactivation")
	}
}

func TestIsReservedFileSnapshot(t *testing.T) {
	p := New()
	p.Activate(1)
	p.Activate(2)
	if p.IsReservedFile(1) {
		t.Error("IsReservedFile(1) = true for active file")
	}
	if err := p.Reserve(1, 0, VSNRange{}); err != nil {
		t.Fatal(err)
	}
	if !p.IsReservedFile(1) {
		t.Error("IsReservedFile(1) = false after Reserve")
	}
	if p.IsReservedFile(2) {
		t.Error("IsReservedFile(2) = true, file 2 untouched")
	}
}

func TestAdvanceRangeMonotonic(t *testing.T) {
	set := OpenRangeSet(10, true)
	if err := set.AdvanceRange(20); err != nil {
		t.Fatalf("AdvanceRange(20): %v", err)
	}
	if err := set.AdvanceRange(15); err == nil {
		t.Error("AdvanceRange(15) after 20 must fail: rangeStart may not decrease")
	}
	if set.Contains(15) {
		t.Error("Contains(15) = true after advancing past it")
	}
	if !set.Contains(20) || !set.Contains(1_000_000) {
		t.Error("open range must cover everything from Start upward")
	}
}

func TestProtectedBlocksCondemnation(t *testing.T) {
	p := New()
	p.ActivateSized(1, 100)
	if err := p.Reserve(1, 100, VSNRange{}); err != nil {
		t.Fatal(err)
	}

	p.Register("backup", ExplicitSet([]uint32{1}))
	if got := p.UnprotectedReservedFiles(); len(got) != 0 {
		t.Fatalf("UnprotectedReservedFiles = %v, want empty while backup holds file 1", got)
	}

	set, _ := p.Lookup("backup")
	set.RemoveFile(1)
	got := p.UnprotectedReservedFiles()
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("UnprotectedReservedFiles = %v, want [1] after backup released it", got)
	}
}

func TestBarrenFilesNotProtectedByFeederRange(t *testing.T) {
	p := New()
	p.ActivateSized(1, 100)
	p.ActivateSized(2, 100)
	// File 1 carried replicated entries, file 2 is barren.
	if err := p.Reserve(1, 100, VSNRange{First: 5, Last: 9, Valid: true}); err != nil {
		t.Fatal(err)
	}
	if err := p.Reserve(2, 100, VSNRange{}); err != nil {
		t.Fatal(err)
	}

	p.Register("feeder", OpenRangeSet(0, false))

	if !p.IsProtected(1) {
		t.Error("file 1 carries VSNs and must be protected by the feeder range")
	}
	if p.IsProtected(2) {
		t.Error("file 2 is barren; a feeder range with protectBarren=false must not hold it")
	}
}

func TestTakeNextCondemnedFile(t *testing.T) {
	p := New()
	for f := uint32(1); f <= 3; f++ {
		p.ActivateSized(f, uint64(f*100))
		if err := p.Reserve(f, uint64(f*100), VSNRange{}); err != nil {
			t.Fatal(err)
		}
	}
	p.Register("backup", ExplicitSet([]uint32{1}))

	f, size, ok := p.TakeNextCondemnedFile(0)
	if !ok || f != 2 {
		t.Fatalf("TakeNextCondemnedFile = %d/%v, want file 2 (1 is protected)", f, ok)
	}
	if size != 200 {
		t.Errorf("size = %d, want 200", size)
	}
	if _, known := p.State(2); known {
		t.Error("taken file must leave the tracker")
	}

	// A failed unlink puts it back; the next take returns it first.
	p.PutBackCondemnedFile(2, 200)
	if st, _ := p.State(2); st != StateCondemned {
		t.Errorf("State = %v after PutBack, want CONDEMNED", st)
	}
	f, _, ok = p.TakeNextCondemnedFile(0)
	if !ok || f != 2 {
		t.Errorf("TakeNextCondemnedFile after PutBack = %d/%v, want 2", f, ok)
	}
}

func TestIsActiveOrNewFile(t *testing.T) {
	p := New()
	p.Activate(3)
	p.Activate(5)
	if !p.IsActiveOrNewFile(3) || !p.IsActiveOrNewFile(5) {
		t.Error("active files must report true")
	}
	if !p.IsActiveOrNewFile(9) {
		t.Error("a file beyond the last active number covers the tail and must report true")
	}
	if p.IsActiveOrNewFile(4) {
		t.Error("an unknown file below the last active number is not active-or-new")
	}
}

func TestLogSizeStats(t *testing.T) {
	p := New()
	p.ActivateSized(1, 1000)
	p.ActivateSized(2, 500)
	p.ActivateSized(3, 200)
	if err := p.Reserve(2, 500, VSNRange{First: 1, Last: 2, Valid: true}); err != nil {
		t.Fatal(err)
	}
	if err := p.Reserve(3, 200, VSNRange{}); err != nil {
		t.Fatal(err)
	}
	p.Register("backup", ExplicitSet([]uint32{2}))
	p.Register("vlsn", &ProtectedFileSet{Kind: KindRange, Start: 0, End: ^uint32(0), ProtectBarrenFiles: true, ProtectVlsnIndex: true})

	stats := p.LogSizeStats()
	if stats.ActiveBytes != 1000 {
		t.Errorf("ActiveBytes = %d, want 1000", stats.ActiveBytes)
	}
	if stats.ReservedBytes != 700 {
		t.Errorf("ReservedBytes = %d, want 700", stats.ReservedBytes)
	}
	// Only file 2 counts as protected: the VSN-index range is excluded.
	if stats.ProtectedBytes != 500 {
		t.Errorf("ProtectedBytes = %d, want 500", stats.ProtectedBytes)
	}
}

func TestAddFinalBackupFiles(t *testing.T) {
	set := ExplicitSet([]uint32{1, 2})
	set.AddFinalBackupFiles(3, 5)
	for f := uint32(1); f <= 5; f++ {
		if !set.Contains(f) {
			t.Errorf("Contains(%d) = false after AddFinalBackupFiles", f)
		}
	}
	set.TruncateHead(3)
	if set.Contains(2) {
		t.Error("TruncateHead left file 2")
	}
	set.TruncateTail(4)
	if set.Contains(5) {
		t.Error("TruncateTail left file 5")
	}
	if !set.Contains(3) || !set.Contains(4) {
		t.Error("truncation removed files inside the kept range")
	}
}

func TestReleaseRevertsOneStep(t *testing.T) {
	p := New()
	p.ActivateSized(1, 100)
	if err := p.Reserve(1, 100, VSNRange{}); err != nil {
		t.Fatal(err)
	}
	if err := p.Condemn(1); err != nil {
		t.Fatal(err)
	}
	p.Release(1)
	if st, _ := p.State(1); st != StateReserved {
		t.Errorf("State after Release = %v, want RESERVED", st)
	}
	p.Release(1)
	if st, _ := p.State(1); st != StateActive {
		t.Errorf("State after second Release = %v, want ACTIVE", st)
	}
}
