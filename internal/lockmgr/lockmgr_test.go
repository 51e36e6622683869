package lockmgr

import (
	"testing"

	"github.com/dittodb/cleaner/internal/collab"
	"github.com/dittodb/cleaner/internal/logfile"
)

func TestTryLockAndRelease(t *testing.T) {
	m := New()
	lsn := logfile.MakeLSN(1, 100)

	if !m.IsUncontended(lsn) {
		t.Fatal("fresh LSN reported contended")
	}
	if got := m.TryLock(lsn, collab.LockWrite, false); got != collab.LockGranted {
		t.Fatalf("TryLock = %v, want GRANTED", got)
	}
	if m.IsUncontended(lsn) {
		t.Error("held LSN reported uncontended")
	}
	if got := m.TryLock(lsn, collab.LockRead, false); got != collab.LockAlreadyHeld {
		t.Errorf("second TryLock = %v, want OWN", got)
	}
	m.Unlock(lsn)
	if got := m.TryLock(lsn, collab.LockWrite, false); got != collab.LockGranted {
		t.Errorf("TryLock after Unlock = %v, want GRANTED", got)
	}
}

func TestForeignLockDeniesProbe(t *testing.T) {
	m := New()
	lsn := logfile.MakeLSN(1, 100)

	m.LockAsTxn(lsn)
	if got := m.TryLock(lsn, collab.LockRead, true); got != collab.LockDenied {
		t.Fatalf("TryLock against a txn-held LSN = %v, want DENIED", got)
	}
	// The cleaner's Unlock must not release a foreign lock.
	m.Unlock(lsn)
	if m.IsUncontended(lsn) {
		t.Error("cleaner Unlock released a transaction's lock")
	}
	m.LockAsTxnEnd(lsn)
	if !m.IsUncontended(lsn) {
		t.Error("LSN still contended after txn end")
	}
}

func TestTransferLock(t *testing.T) {
	m := New()
	oldLSN := logfile.MakeLSN(1, 100)
	newLSN := logfile.MakeLSN(2, 40)

	m.TryLock(oldLSN, collab.LockWrite, false)
	m.TransferLock(oldLSN, newLSN)

	if !m.IsUncontended(oldLSN) {
		t.Error("old LSN still held after transfer")
	}
	if m.IsUncontended(newLSN) {
		t.Error("new LSN not held after transfer")
	}

	// Transferring an unheld LSN is a no-op.
	m.TransferLock(logfile.MakeLSN(9, 9), logfile.MakeLSN(9, 10))
	if !m.IsUncontended(logfile.MakeLSN(9, 10)) {
		t.Error("transfer of unheld LSN created a lock")
	}
}
