// Package cleanererr provides the error taxonomy shared by every cleaner
// component. It is a leaf package with no internal dependencies, so it can
// be imported by internal/logfile, internal/cleaner/*, and pkg/cleaner alike
// without creating import cycles.
//
// Import graph: cleanererr <- logfile <- cleaner/* <- pkg/cleaner
package cleanererr

import (
	"errors"
	"fmt"
)

// Code classifies the taxonomy of §7: transient, external-file-missing,
// disk-limit, integrity, and interruption.
type Code int

const (
	// ErrChecksum indicates a log entry failed its checksum verification.
	// Integrity class: never swallowed, invalidates the environment.
	ErrChecksum Code = iota + 1

	// ErrLogIntegrity indicates a short read, malformed header, VSN gap or
	// reversal, or other structural corruption in a non-tail file.
	// Integrity class.
	ErrLogIntegrity

	// ErrFileNotFound indicates the target log file is missing from disk.
	// External-file-missing class: recoverable, removes the file from all
	// cleaner metadata and continues.
	ErrFileNotFound

	// ErrDiskLimit indicates a configured disk usage limit was violated.
	// Disk-limit class: aborts the current file; propagated only to
	// explicit (non-daemon) callers.
	ErrDiskLimit

	// ErrInvariantViolation indicates a broken structural invariant, e.g.
	// reserveFile on a file that is not Active, or a ProtectedFileRange
	// start that would decrease. Integrity class.
	ErrInvariantViolation

	// ErrLockDenied indicates a non-blocking lock probe was denied.
	// Transient class: the caller defers via the pending queue.
	ErrLockDenied

	// ErrPermitTimeout indicates the task coordinator permit wait expired.
	// Transient class: the caller skips this iteration.
	ErrPermitTimeout

	// ErrInterrupted indicates the calling goroutine's context was
	// cancelled while waiting for a permit or latch. Interruption class.
	ErrInterrupted
)

// String returns a human-readable name for the code.
func (c Code) String() string {
	switch c {
	case ErrChecksum:
		return "CHECKSUM"
	case ErrLogIntegrity:
		return "LOG_INTEGRITY"
	case ErrFileNotFound:
		return "FILE_NOT_FOUND"
	case ErrDiskLimit:
		return "DISK_LIMIT"
	case ErrInvariantViolation:
		return "INVARIANT_VIOLATION"
	case ErrLockDenied:
		return "LOCK_DENIED"
	case ErrPermitTimeout:
		return "PERMIT_TIMEOUT"
	case ErrInterrupted:
		return "INTERRUPTED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(c))
	}
}

// CleanerError is the error type returned by every cleaner component.
// FileNum and Offset are zero when not applicable.
type CleanerError struct {
	Code    Code
	Message string
	FileNum uint32
	Offset  uint32
}

func (e *CleanerError) Error() string {
	if e.FileNum != 0 || e.Offset != 0 {
		return fmt.Sprintf("%s: %s (file=%d offset=%d)", e.Code, e.Message, e.FileNum, e.Offset)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is allows errors.Is(err, cleanererr.ErrFileNotFound) style matching by
// comparing codes, since *CleanerError values are constructed fresh at each
// call site and would otherwise never compare equal.
func (e *CleanerError) Is(target error) bool {
	other, ok := target.(*CleanerError)
	if !ok {
		return false
	}
	return e.Code == other.Code
}

// New constructs a CleanerError with the given code and message.
func New(code Code, message string) *CleanerError {
	return &CleanerError{Code: code, Message: message}
}

// NewAt constructs a CleanerError anchored to a file and offset.
func NewAt(code Code, message string, fileNum, offset uint32) *CleanerError {
	return &CleanerError{Code: code, Message: message, FileNum: fileNum, Offset: offset}
}

// Sentinel instances for errors.Is comparisons where no extra context is
// needed, e.g. `errors.Is(err, cleanererr.FileNotFound)`.
var (
	FileNotFound       = New(ErrFileNotFound, "log file not found")
	DiskLimit          = New(ErrDiskLimit, "disk usage limit exceeded")
	Interrupted        = New(ErrInterrupted, "operation interrupted")
	InvariantViolation = New(ErrInvariantViolation, "invariant violation")
)

// CodeOf unwraps err to a *CleanerError and returns its code.
func CodeOf(err error) (Code, bool) {
	var cerr *CleanerError
	if errors.As(err, &cerr) {
		return cerr.Code, true
	}
	return 0, false
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// IsIntegrity reports whether code belongs to the integrity class, which
// must never be swallowed: it aborts the pass and invalidates the
// environment.
func (c Code) IsIntegrity() bool {
	return c == ErrChecksum || c == ErrLogIntegrity || c == ErrInvariantViolation
}

// IsTransient reports whether code belongs to the transient class, handled
// by local retry or deferral via the pending queue.
func (c Code) IsTransient() bool {
	return c == ErrLockDenied || c == ErrPermitTimeout
}
