package obsolete

import "testing"

func TestContainsConsumesInOrder(t *testing.T) {
	idx := New([]uint32{300, 100, 200})

	if idx.Contains(50) {
		t.Error("Contains(50) = true, offset was never recorded")
	}
	if !idx.Contains(100) {
		t.Error("Contains(100) = false, want true")
	}
	// 100 was consumed; asking again must not match.
	if idx.Contains(100) {
		t.Error("Contains(100) matched twice")
	}
	// Skipping 200 entirely: the cursor advances past it when asked about a
	// larger offset.
	if !idx.Contains(300) {
		t.Error("Contains(300) = false, want true")
	}
	if idx.Contains(400) {
		t.Error("Contains(400) = true, offset was never recorded")
	}
}

func TestAddDeduplicates(t *testing.T) {
	idx := New(nil)
	idx.Add(10)
	idx.Add(10)
	idx.Add(5)
	if idx.Len() != 2 {
		t.Errorf("Len() = %d, want 2 (duplicate offset must not be stored twice)", idx.Len())
	}
	if !idx.Contains(5) || !idx.Contains(10) {
		t.Error("added offsets not found in order")
	}
}

func TestResetRewinds(t *testing.T) {
	idx := New([]uint32{10, 20})
	if !idx.Contains(10) || !idx.Contains(20) {
		t.Fatal("first pass did not match recorded offsets")
	}
	idx.Reset()
	if !idx.Contains(10) || !idx.Contains(20) {
		t.Error("second pass after Reset did not match recorded offsets")
	}
}

func TestAddBehindCursor(t *testing.T) {
	idx := New([]uint32{10, 30})
	if !idx.Contains(10) {
		t.Fatal("Contains(10) = false")
	}
	// Inserting behind the cursor must not disturb forward consumption.
	idx.Add(5)
	if !idx.Contains(30) {
		t.Error("Contains(30) = false after Add(5)")
	}
}
