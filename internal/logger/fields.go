package logger

import "log/slog"

// Standard field keys for structured logging across the cleaner subsystem.
// Use these consistently so log aggregation queries stay stable across
// components.
const (
	KeyRunID   = "run_id"
	KeyFileNum = "file_num"
	KeyTwoPass = "two_pass"

	KeyOffset      = "offset"
	KeyLSN         = "lsn"
	KeyCategory    = "category"
	KeyDBID        = "db_id"
	KeyKey         = "key"
	KeyUtilization = "utilization"
	KeyMigrated    = "migrated"
	KeyObsolete    = "obsolete"
	KeyExpired     = "expired"
	KeyDead        = "dead"
	KeyExtinct     = "extinct"
	KeyLocked      = "locked"

	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyErrorCode  = "error_code"
	KeyCount      = "count"
)

// FileNum returns a slog.Attr for a log file number.
func FileNum(f uint32) slog.Attr { return slog.Any(KeyFileNum, f) }

// LSN returns a slog.Attr for a log sequence number.
func LSN(lsn int64) slog.Attr { return slog.Int64(KeyLSN, lsn) }

// Offset returns a slog.Attr for an in-file byte offset.
func Offset(off uint32) slog.Attr { return slog.Any(KeyOffset, off) }

// DBID returns a slog.Attr for a database id.
func DBID(id uint32) slog.Attr { return slog.Any(KeyDBID, id) }

// Utilization returns a slog.Attr for a fractional utilization value.
func Utilization(u float64) slog.Attr { return slog.Float64(KeyUtilization, u) }

// Err returns a slog.Attr for an error, or a no-op attr if err is nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Count returns a slog.Attr for a generic count.
func Count(n int) slog.Attr { return slog.Int(KeyCount, n) }

// DurationMs returns a slog.Attr for a duration in milliseconds.
func DurationMs(ms float64) slog.Attr { return slog.Float64(KeyDurationMs, ms) }
