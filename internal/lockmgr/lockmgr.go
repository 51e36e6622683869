// Package lockmgr provides a reference collab.LockManager: non-blocking
// per-LSN locks, granted immediately or denied, never queued — the cleaner
// never waits on a lock it cannot get (§5).
package lockmgr

import (
	"sync"

	"github.com/dittodb/cleaner/internal/collab"
	"github.com/dittodb/cleaner/internal/logfile"
)

type owner uint8

const (
	ownerCleaner owner = iota + 1
	ownerForeign
)

// Manager is the reference LockManager: a set of currently-held LSNs, each
// tagged with whether the cleaner or a foreign transaction holds it.
// jumpAheadOfWaiters has no effect here since there is no wait queue to jump
// ahead of; it exists in the interface for a real lock manager that does
// queue blocking waiters behind the cleaner's other lock users.
type Manager struct {
	mu   sync.Mutex
	held map[logfile.LSN]owner
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{held: make(map[logfile.LSN]owner)}
}

// IsUncontended implements collab.LockManager: true iff nobody holds lsn. A
// reference Manager has no wait queues, so "no owner" and "no waiters" are
// the same condition.
func (m *Manager) IsUncontended(lsn logfile.LSN) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, held := m.held[lsn]
	return !held
}

// TryLock implements collab.LockManager.
func (m *Manager) TryLock(lsn logfile.LSN, lockType collab.LockType, jumpAheadOfWaiters bool) collab.LockResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.held[lsn] {
	case ownerForeign:
		return collab.LockDenied
	case ownerCleaner:
		return collab.LockAlreadyHeld
	}
	m.held[lsn] = ownerCleaner
	return collab.LockGranted
}

// Unlock implements collab.LockManager. Only the cleaner's own locks are
// released; a foreign transaction's lock survives until LockAsTxnEnd.
func (m *Manager) Unlock(lsn logfile.LSN) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[lsn] == ownerCleaner {
		delete(m.held, lsn)
	}
}

// TransferLock implements collab.LockManager: whoever held old now holds new.
func (m *Manager) TransferLock(old, new logfile.LSN) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.held[old]; ok {
		delete(m.held, old)
		m.held[new] = o
	}
}

// LockAsTxn marks lsn held by an application transaction — the contended
// case the cleaner's probes must be denied against.
func (m *Manager) LockAsTxn(lsn logfile.LSN) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[lsn] = ownerForeign
}

// LockAsTxnEnd releases an application transaction's lock (commit or abort).
func (m *Manager) LockAsTxnEnd(lsn logfile.LSN) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[lsn] == ownerForeign {
		delete(m.held, lsn)
	}
}

var _ collab.LockManager = (*Manager)(nil)
