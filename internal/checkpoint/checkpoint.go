// Package checkpoint provides a reference collab.Checkpointer: dirty-byte
// bookkeeping plus a wakeup signal, standing in for the store's real
// checkpoint daemon (out of scope here; §1 scopes checkpoint/recovery to the
// store itself).
package checkpoint

import (
	"sync"
	"sync/atomic"

	"github.com/dittodb/cleaner/internal/collab"
)

// Checkpointer is the reference implementation: migrations report dirty
// bytes as they write; a real checkpoint daemon would drain Wakeups and
// reset the counter once it flushes.
type Checkpointer struct {
	dirtyBytes atomic.Uint64

	mu      sync.Mutex
	wakeups chan struct{}
}

// New returns a Checkpointer with a buffered wakeup channel of capacity 1 —
// coalescing repeated wakeup requests into a single pending signal is
// correct here since a checkpoint run clears whatever backlog triggered it.
func New() *Checkpointer {
	return &Checkpointer{wakeups: make(chan struct{}, 1)}
}

// AddDirtyBytes records n additional dirty bytes created by a migration.
func (c *Checkpointer) AddDirtyBytes(n uint64) {
	c.dirtyBytes.Add(n)
}

// ResetDirtyBytes zeroes the dirty-byte counter, called by the checkpoint
// daemon once it has flushed.
func (c *Checkpointer) ResetDirtyBytes() {
	c.dirtyBytes.Store(0)
}

// PendingDirtyBytes implements collab.Checkpointer.
func (c *Checkpointer) PendingDirtyBytes() uint64 {
	return c.dirtyBytes.Load()
}

// WakeupAfterNoWrites implements collab.Checkpointer.
func (c *Checkpointer) WakeupAfterNoWrites() {
	select {
	case c.wakeups <- struct{}{}:
	default:
	}
}

// Wakeups returns the channel a checkpoint daemon selects on.
func (c *Checkpointer) Wakeups() <-chan struct{} {
	return c.wakeups
}

var _ collab.Checkpointer = (*Checkpointer)(nil)
