// Package taskpool bounds how much cleaning work runs at once: a weighted
// semaphore permit per in-flight file clean, so DoClean's fan-out never
// exceeds the configured concurrency regardless of how many files the
// FileSelector hands back.
package taskpool

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/dittodb/cleaner/internal/cleanererr"
)

// Coordinator wraps a weighted semaphore sized at construction.
type Coordinator struct {
	sem *semaphore.Weighted
	n   int64
}

// New returns a Coordinator allowing up to n concurrent permits.
func New(n int64) *Coordinator {
	return &Coordinator{sem: semaphore.NewWeighted(n), n: n}
}

// Acquire blocks until a permit is available or ctx is done, returning
// cleanererr.ErrInterrupted on cancellation.
func (c *Coordinator) Acquire(ctx context.Context) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return cleanererr.New(cleanererr.ErrInterrupted, err.Error())
	}
	return nil
}

// TryAcquire acquires a permit without blocking, reporting whether it
// succeeded.
func (c *Coordinator) TryAcquire() bool {
	return c.sem.TryAcquire(1)
}

// Release returns a permit to the pool.
func (c *Coordinator) Release() {
	c.sem.Release(1)
}

// Capacity returns the configured permit count.
func (c *Coordinator) Capacity() int64 { return c.n }
