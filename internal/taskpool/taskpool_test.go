package taskpool

import (
	"context"
	"testing"
	"time"
)

func TestPermitBounds(t *testing.T) {
	c := New(2)
	if c.Capacity() != 2 {
		t.Fatalf("Capacity = %d, want 2", c.Capacity())
	}
	if !c.TryAcquire() || !c.TryAcquire() {
		t.Fatal("could not take the configured permits")
	}
	if c.TryAcquire() {
		t.Fatal("TryAcquire succeeded beyond capacity")
	}
	c.Release()
	if !c.TryAcquire() {
		t.Fatal("TryAcquire failed after Release")
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	c := New(1)
	if err := c.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := c.Acquire(ctx); err == nil {
		t.Fatal("Acquire succeeded with no permit available")
	}
}
