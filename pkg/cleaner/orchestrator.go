// Package cleaner is the public facade: DoClean drives one cleaning
// invocation end to end — manage disk usage, retry pending LNs, select
// candidate files, stream and classify their entries, migrate whatever is
// still live, and reserve the file for eventual deletion — per §4.6.
package cleaner

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dittodb/cleaner/internal/cleaner/dbcache"
	"github.com/dittodb/cleaner/internal/cleaner/expiration"
	"github.com/dittodb/cleaner/internal/cleaner/fileselect"
	"github.com/dittodb/cleaner/internal/cleaner/migrate"
	"github.com/dittodb/cleaner/internal/cleaner/obsolete"
	"github.com/dittodb/cleaner/internal/cleaner/protect"
	"github.com/dittodb/cleaner/internal/cleaner/utilization"
	"github.com/dittodb/cleaner/internal/cleanererr"
	"github.com/dittodb/cleaner/internal/collab"
	"github.com/dittodb/cleaner/internal/logfile"
	"github.com/dittodb/cleaner/internal/logger"
	"github.com/dittodb/cleaner/internal/taskpool"
	"github.com/dittodb/cleaner/pkg/metrics"
)

// Dependencies wires every collaborator the Orchestrator needs. Extinction
// may be nil, which disables the extinction check.
type Dependencies struct {
	Files      logfile.FileStore
	Btree      collab.Btree
	Lock       collab.LockManager
	Checkpoint collab.Checkpointer
	Extinction collab.ExtinctionFilter
	Decoder    collab.EntryDecoder
	DBResolver collab.DBResolver
}

// Config mirrors config.CleanerConfig without importing pkg/config, keeping
// the orchestrator usable without the viper-backed config loader.
type Config struct {
	// MinUtilization is the overall-log cleaning threshold; MinFileUtilization
	// condemns an individual file below it regardless of the overall figure.
	MinUtilization     float64
	MinFileUtilization float64
	// MaxInFlight caps how many files one DoClean call selects at once.
	MaxInFlight int
	// Concurrency bounds how many files clean at once via the task
	// coordinator permit (§5). Zero defaults to 1.
	Concurrency int64
	// PermitWait bounds how long a run waits for a permit before skipping
	// the file (§5 timeouts). Zero or less does not wait: the permit is
	// tried once and the file is skipped if none is free.
	PermitWait time.Duration
	// LookAheadCacheBudget bounds the LN staging cache, in bytes.
	LookAheadCacheBudget uint64
	// DbCacheClearCount is how many entries a file pass processes before
	// releasing the DbCache (§4.2), default 256 when zero.
	DbCacheClearCount int
	DbCacheTTL        time.Duration
	// TwoPassGap is added to MinUtilization to form the revisal target of a
	// pass-1 recount (§4.8).
	TwoPassGap float64
	// PurgeDelay is ttl.lnPurgeDelay: the window past (and just ahead of)
	// expiration in which an uncontended LN counts expired (§4.3 step 4c).
	// ClockTolerance shrinks that window for clock skew; MaxTxnTime defers
	// the decision on records modified recently enough that their writing
	// transaction may still be open.
	PurgeDelay     time.Duration
	ClockTolerance time.Duration
	MaxTxnTime     time.Duration
	// MaxDiskBytes is the disk-usage limit; zero disables gating. A daemon
	// run that trips it stops quietly, an explicit run fails with DISK_LIMIT.
	MaxDiskBytes uint64
	// BytesInterval and WakeupInterval drive the daemon's wake policy (§4.6).
	BytesInterval  uint64
	WakeupInterval time.Duration
	// ReadBufferSize sizes the count-only pass's reusable read buffer.
	ReadBufferSize int
	// DeadlockRetries bounds how many sweeps a pending LN survives before it
	// is dropped (its file will recount it on a later pass).
	DeadlockRetries int
}

// Orchestrator is the stateful cleaning engine. One Orchestrator serves one
// log directory; callers needing to clean multiple independent stores
// construct one Orchestrator per store.
type Orchestrator struct {
	deps  Dependencies
	cfg   Config
	clock func() time.Time

	utilProfile *utilization.Profile
	expProfile  *expiration.Profile
	protector   *protect.FileProtector
	dbCache     *dbcache.DbCache
	selector    *fileselect.Selector

	lnMigrator *migrate.LNMigrator
	inMigrator *migrate.INMigrator

	pool *taskpool.Coordinator

	mu      sync.Mutex
	pending migrate.PendingQueue

	obsMu  sync.Mutex
	obsIdx map[uint32][]uint32

	lastTrace time.Time
}

// New builds an Orchestrator. clock is injectable for tests; nil uses
// time.Now.
func New(deps Dependencies, cfg Config, clock func() time.Time) *Orchestrator {
	if clock == nil {
		clock = time.Now
	}
	utilProfile := utilization.NewProfile()
	expProfile := expiration.NewProfile()
	protector := protect.New()
	for _, fileNum := range deps.Files.AllFileNumbers() {
		protector.Activate(fileNum)
	}
	dbCache := dbcache.New(deps.DBResolver, cfg.DbCacheTTL, clock)

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	selector := fileselect.NewSelector(deps.Files, utilProfile, expProfile, protector, fileselect.Config{
		MinUtilization:     cfg.MinUtilization,
		MinFileUtilization: cfg.MinFileUtilization,
		MaxInFlight:        cfg.MaxInFlight,
		TwoPassGap:         cfg.TwoPassGap,
	}, clock)

	return &Orchestrator{
		deps:        deps,
		cfg:         cfg,
		clock:       clock,
		utilProfile: utilProfile,
		expProfile:  expProfile,
		protector:   protector,
		dbCache:     dbCache,
		selector:    selector,
		pool:        taskpool.New(concurrency),
		lnMigrator: &migrate.LNMigrator{
			Btree:    deps.Btree,
			Lock:     deps.Lock,
			Log:      deps.Files,
			Resolver: deps.DBResolver,
		},
		inMigrator: &migrate.INMigrator{
			Btree:      deps.Btree,
			Checkpoint: deps.Checkpoint,
		},
		obsIdx: make(map[uint32][]uint32),
	}
}

// Protect registers a named ProtectedFileSet (a backup's or feeder's file
// snapshot) that must block condemned-file deletion for every file number it
// covers (§4.7).
func (o *Orchestrator) Protect(name string, set *protect.ProtectedFileSet) {
	o.protector.Register(name, set)
}

// Unprotect removes a previously registered named ProtectedFileSet, allowing
// any file it alone protected to become eligible on the next ManageDiskUsage.
func (o *Orchestrator) Unprotect(name string) {
	o.protector.Unregister(name)
}

// LookupProtection returns a registered set so its owner can shrink it
// (RemoveFile, AdvanceRange) as it finishes with files.
func (o *Orchestrator) LookupProtection(name string) (*protect.ProtectedFileSet, bool) {
	return o.protector.Lookup(name)
}

// Protector exposes the file-state tracker for integrity checks
// (IsReservedFile is lock-free) and tests.
func (o *Orchestrator) Protector() *protect.FileProtector { return o.protector }

// Report summarizes one DoClean invocation.
type Report struct {
	FilesSelected  int
	FilesCleaned   int
	FilesDeleted   int
	RevisalRuns    int
	BytesMigrated  uint64
	BytesReclaimed uint64

	LNsMigrated uint32
	LNsDead     uint32
	LNsObsolete uint32
	LNsExpired  uint32
	LNsExtinct  uint32
	LNsLocked   uint32
	INsDirtied  uint32
	INsDead     uint32
}

// NotifyObsolete records that fileNum's entry at offset is now known
// obsolete ahead of any cleaning pass, e.g. because a fresh write just
// superseded it. The next pass over fileNum consults this before spending
// any decode on that offset.
func (o *Orchestrator) NotifyObsolete(fileNum, offset, size uint32) {
	o.obsMu.Lock()
	o.obsIdx[fileNum] = append(o.obsIdx[fileNum], offset)
	o.obsMu.Unlock()
	o.utilProfile.MarkObsolete(fileNum, size)
}

// takeObsoleteIndex builds the pass-owned sorted Index for fileNum from the
// offsets recorded so far. The recorded offsets stay registered so an
// aborted pass does not lose them.
func (o *Orchestrator) takeObsoleteIndex(fileNum uint32) *obsolete.Index {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	return obsolete.New(o.obsIdx[fileNum])
}

// AddPendingLN registers a deferred migration for later retry (§6).
func (o *Orchestrator) AddPendingLN(p migrate.PendingLN) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending.Push(p)
	metrics.Get().PendingQueueLength(o.pending.Len())
}

// PendingLNs reports the current deferred-migration backlog.
func (o *Orchestrator) PendingLNs() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending.Len()
}

// MergeExpiration folds a tracker produced by CountExpiration (or an
// external TTL sweep) into the expiration profile, feeding file selection
// the same signal obsolete bytes do (§6 ExpirationProfile.putFile).
func (o *Orchestrator) MergeExpiration(t *expiration.Tracker) {
	o.expProfile.Merge(t)
}

// CountExpiration scans fileNum in count-only mode and returns its
// expiration histogram. No cleaner state is modified; integrity errors
// (LOG_INTEGRITY) propagate (§6).
func (o *Orchestrator) CountExpiration(fileNum uint32) (*expiration.Tracker, error) {
	src, closeSrc, err := o.deps.Files.OpenSource(fileNum)
	if err != nil {
		return nil, err
	}
	defer closeSrc()

	reader := logfile.NewLogReader(src, fileNum, 0, logfile.ReaderOptions{
		CountOnly:      true,
		IsTailFile:     o.deps.Files.IsTailFile(fileNum),
		ReadBufferSize: o.cfg.ReadBufferSize,
	})

	tracker := expiration.NewTracker(fileNum)
	if err := o.scanExpiration(reader, tracker); err != nil {
		return nil, err
	}
	return tracker, nil
}

// traceLogInterval rate-limits per-entry trace logging so a large file clean
// does not flood the log at debug level (§9's per-minute coalescing,
// tightened for debug-level scan progress).
const traceLogInterval = time.Minute

func (o *Orchestrator) maybeTrace(fn func()) {
	now := o.clock()
	o.mu.Lock()
	due := now.Sub(o.lastTrace) >= traceLogInterval
	if due {
		o.lastTrace = now
	}
	o.mu.Unlock()
	if due {
		fn()
	}
}

// DoClean is the explicit entry point: it selects and cleans candidate
// files, failing with DISK_LIMIT if the disk budget is violated.
// cleanMultiple allows selecting up to Config.MaxInFlight files instead of
// one; force ignores the utilization thresholds and cleans the single
// least-utilized file.
func (o *Orchestrator) DoClean(ctx context.Context, cleanMultiple, force bool) (Report, error) {
	return o.doClean(ctx, cleanMultiple, force, false)
}

func (o *Orchestrator) doClean(ctx context.Context, cleanMultiple, force, daemon bool) (Report, error) {
	start := o.clock()
	ctx = logger.WithContext(ctx, &logger.LogContext{RunID: uuid.NewString()})

	var report Report

	// Files rolled since the last run become Active now; the protector must
	// know a file before it can be reserved.
	for _, f := range o.deps.Files.AllFileNumbers() {
		if _, known := o.protector.State(f); !known {
			o.protector.Activate(f)
		}
	}

	// Step 1: manage disk usage. A violated limit stops a daemon run
	// quietly and fails an explicit one (§7).
	reclaimed, err := o.manageDiskUsage(ctx)
	report.BytesReclaimed += reclaimed
	if err != nil {
		if daemon && cleanererr.Is(err, cleanererr.ErrDiskLimit) {
			logger.WarnCtx(ctx, "cleaner: disk limit reached, daemon run stopped", logger.Err(err))
			return report, nil
		}
		return report, err
	}

	// Step 2: pending LNs queued by prior runs.
	o.retryPending(ctx, &report)

	// Step 3: select.
	candidates := o.selector.Select(force)
	if !cleanMultiple && len(candidates) > 1 {
		candidates = candidates[:1]
	}
	report.FilesSelected = len(candidates)

	for _, c := range candidates {
		metrics.Get().FileSelected()

		if !o.selector.BeginFile(c.FileNum) {
			continue
		}

		// Step 4: concurrency permit, bounded wait. A timed-out wait skips
		// this file (§5); actual cancellation aborts the run.
		if err := o.acquirePermit(ctx); err != nil {
			o.selector.EndFile(c.FileNum)
			if ctx.Err() != nil {
				return report, cleanererr.New(cleanererr.ErrInterrupted, ctx.Err().Error())
			}
			logger.WarnCtx(ctx, "cleaner: permit unavailable, skipping file",
				logger.FileNum(c.FileNum), logger.Err(err))
			continue
		}

		res, cerr := o.cleanFile(ctx, c)
		o.pool.Release()
		o.selector.EndFile(c.FileNum)
		o.dbCache.ReleaseAll()

		if cerr != nil {
			if isFileNotFound(cerr) {
				// §7: the file vanished externally; scrub it everywhere and
				// move on to the next candidate.
				o.forgetFile(c.FileNum)
				continue
			}
			logger.ErrorCtx(ctx, "cleaner: file clean failed", logger.FileNum(c.FileNum), logger.Err(cerr))
			if code, ok := cleanererr.CodeOf(cerr); ok && code.IsIntegrity() {
				return report, cerr
			}
			continue
		}
		res.addTo(&report)
	}

	// Step 7 tail: pending LNs appended by the runs above.
	o.retryPending(ctx, &report)

	metrics.Get().RunDuration(o.clock().Sub(start).Seconds())
	return report, nil
}

func (o *Orchestrator) acquirePermit(ctx context.Context) error {
	if o.cfg.PermitWait <= 0 {
		if o.pool.TryAcquire() {
			return nil
		}
		return cleanererr.New(cleanererr.ErrPermitTimeout, "no cleaning permit available")
	}
	waitCtx, cancel := context.WithTimeout(ctx, o.cfg.PermitWait)
	defer cancel()
	if err := o.pool.Acquire(waitCtx); err != nil {
		if ctx.Err() == nil {
			return cleanererr.New(cleanererr.ErrPermitTimeout, "cleaning permit wait timed out")
		}
		return err
	}
	return nil
}

// ManageDiskUsage refreshes disk stats and deletes whatever reserved files
// are deletable, failing with DISK_LIMIT if usage still exceeds the
// configured budget (§6's exposed operation; daemon callers use the
// internal, downgraded path).
func (o *Orchestrator) ManageDiskUsage(ctx context.Context) (uint64, error) {
	return o.manageDiskUsage(ctx)
}

func (o *Orchestrator) manageDiskUsage(ctx context.Context) (uint64, error) {
	var reclaimed uint64
	for _, fileNum := range o.protector.UnprotectedReservedFiles() {
		if o.selector.IsCleanedAwaitingCheckpoint(fileNum) {
			// Dirtied INs still reference this file until the checkpoint
			// rewrites them.
			continue
		}
		n, err := o.deleteCondemned(fileNum)
		if err != nil {
			logger.WarnCtx(ctx, "cleaner: failed to delete reserved file",
				logger.FileNum(fileNum), logger.Err(err))
			continue
		}
		reclaimed += n
	}

	if o.cfg.MaxDiskBytes > 0 {
		if usage := o.deps.Files.DiskUsage(); usage > o.cfg.MaxDiskBytes {
			return reclaimed, cleanererr.New(cleanererr.ErrDiskLimit, "log disk usage over budget")
		}
	}
	return reclaimed, nil
}

// NoteCheckpointDone tells the cleaner that a checkpoint has made every
// dirtied node durable at the tail: cleaned files awaiting it become
// deletable, and whatever is unprotected is deleted immediately.
func (o *Orchestrator) NoteCheckpointDone(ctx context.Context) uint64 {
	var reclaimed uint64
	for _, fileNum := range o.selector.CheckpointDone() {
		if o.protector.IsProtected(fileNum) {
			continue
		}
		n, err := o.deleteCondemned(fileNum)
		if err != nil {
			logger.WarnCtx(ctx, "cleaner: deferred deletion of checkpointed file",
				logger.FileNum(fileNum), logger.Err(err))
			continue
		}
		reclaimed += n
	}
	return reclaimed
}

// deleteCondemned moves fileNum from Reserved to Condemned and removes it
// from disk, per §4.7's two-phase takeNextCondemnedFile/putBackCondemnedFile
// handoff: if the unlink fails for any reason other than the file already
// being gone, the file is put back rather than left in limbo.
func (o *Orchestrator) deleteCondemned(fileNum uint32) (uint64, error) {
	size, _ := o.protector.ReservedSize(fileNum)

	if err := o.protector.Condemn(fileNum); err != nil {
		return 0, err
	}
	if err := o.deps.Files.Remove(fileNum); err != nil {
		if isFileNotFound(err) {
			o.forgetFile(fileNum)
			return 0, nil
		}
		o.protector.Release(fileNum)
		return 0, err
	}
	o.forgetFile(fileNum)
	metrics.Get().FileDeleted(size)
	return size, nil
}

// forgetFile removes every trace of fileNum from cleaner metadata, used both
// after normal deletion and when FILE_NOT_FOUND reveals the file was already
// gone (§7).
func (o *Orchestrator) forgetFile(fileNum uint32) {
	o.protector.Forget(fileNum)
	o.utilProfile.Remove(fileNum)
	o.expProfile.Remove(fileNum)
	o.selector.RemoveFile(fileNum)
	o.obsMu.Lock()
	delete(o.obsIdx, fileNum)
	o.obsMu.Unlock()
}

// retryPending drains the deferred-migration queue and retries each entry
// against a fresh Btree lookup (§4.6's pending sweep). Entries whose lock is
// still contended are re-queued until DeadlockRetries sweeps have passed.
func (o *Orchestrator) retryPending(ctx context.Context, report *Report) {
	o.mu.Lock()
	items := o.pending.Drain()
	o.mu.Unlock()
	if len(items) == 0 {
		return
	}

	for _, p := range items {
		stats, stillPending, err := o.lnMigrator.RetryPending(ctx, p)
		if err != nil {
			logger.WarnCtx(ctx, "cleaner: pending LN retry failed", logger.DBID(p.DBID), logger.Err(err))
			o.AddPendingLN(p)
			continue
		}
		report.LNsMigrated += stats.Migrated
		report.LNsDead += stats.Dead
		report.BytesMigrated += stats.MigratedBytes
		for _, sp := range stillPending {
			sp.Attempts = p.Attempts + 1
			if o.cfg.DeadlockRetries > 0 && sp.Attempts >= o.cfg.DeadlockRetries {
				logger.WarnCtx(ctx, "cleaner: dropping pending LN after retry budget",
					logger.DBID(sp.DBID), logger.Count(sp.Attempts))
				continue
			}
			o.AddPendingLN(sp)
		}
	}
	o.mu.Lock()
	metrics.Get().PendingQueueLength(o.pending.Len())
	o.mu.Unlock()
}

func isFileNotFound(err error) bool {
	return cleanererr.Is(err, cleanererr.ErrFileNotFound)
}
