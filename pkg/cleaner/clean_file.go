package cleaner

import (
	"context"
	"errors"
	"io"

	"github.com/dittodb/cleaner/internal/cleaner/classify"
	"github.com/dittodb/cleaner/internal/cleaner/expiration"
	"github.com/dittodb/cleaner/internal/cleaner/fileselect"
	"github.com/dittodb/cleaner/internal/cleaner/lookahead"
	"github.com/dittodb/cleaner/internal/cleaner/migrate"
	"github.com/dittodb/cleaner/internal/cleaner/protect"
	"github.com/dittodb/cleaner/internal/logfile"
	"github.com/dittodb/cleaner/internal/logger"
	"github.com/dittodb/cleaner/pkg/metrics"
)

// dbCacheClearCountDefault is §4.2's "configurable, default a few hundred".
const dbCacheClearCountDefault = 256

// runCounters is the per-run, single-goroutine tally of §8 invariant 2:
// migrated + dead + obsolete + expired + extinct + locked covers every
// node-category entry the pass visited. It is folded into the shared Report
// (and metrics) only once the pass completes, never touched atomically on
// the per-entry path.
type runCounters struct {
	nodesSeen uint32

	lnMigrated uint32
	lnDead     uint32
	lnObsolete uint32
	lnExpired  uint32
	lnExtinct  uint32
	lnLocked   uint32

	inDirtied  uint32
	inDead     uint32
	inObsolete uint32

	migratedBytes uint64
	expiredBytes  uint64
	lockedBytes   uint64
}

type cleanResult struct {
	cleaned bool
	revisal bool
	deleted bool

	reclaimedBytes uint64
	counters       runCounters
}

func (r cleanResult) addTo(report *Report) {
	if r.cleaned {
		report.FilesCleaned++
	}
	if r.revisal {
		report.RevisalRuns++
	}
	if r.deleted {
		report.FilesDeleted++
	}
	report.BytesReclaimed += r.reclaimedBytes
	report.BytesMigrated += r.counters.migratedBytes
	report.LNsMigrated += r.counters.lnMigrated
	report.LNsDead += r.counters.lnDead
	report.LNsObsolete += r.counters.lnObsolete
	report.LNsExpired += r.counters.lnExpired
	report.LNsExtinct += r.counters.lnExtinct
	report.LNsLocked += r.counters.lnLocked
	report.INsDirtied += r.counters.inDirtied
	report.INsDead += r.counters.inDead
}

// cleanFile runs §4.6 steps 5-7 for one selected candidate: an optional
// pass-1 recount, then (unless the recount turns this into a revisal run) a
// full classify-and-migrate pass over every entry, ending in Reserve and —
// when nothing protects the file and no checkpoint is owed — immediate
// deletion.
func (o *Orchestrator) cleanFile(ctx context.Context, c fileselect.Candidate) (cleanResult, error) {
	fileNum := c.FileNum
	ctx = logger.WithContext(ctx, logger.FromContext(ctx).WithFile(fileNum))

	// Step 5: pass 1.
	if c.TwoPass {
		proceed, err := o.twoPassRecount(ctx, fileNum, c.RequiredUtilization)
		if err != nil {
			return cleanResult{}, err
		}
		if !proceed {
			logger.InfoCtx(ctx, "cleaner: two-pass revisal, skipping full clean", logger.FileNum(fileNum))
			return cleanResult{revisal: true}, nil
		}
	}

	// Step 6: the full pass.
	src, closeSrc, err := o.deps.Files.OpenSource(fileNum)
	if err != nil {
		return cleanResult{}, err
	}
	defer closeSrc()

	cls := &classify.Classifier{
		ObsoleteIndex:  o.takeObsoleteIndex(fileNum),
		Decoder:        o.deps.Decoder,
		Extinction:     o.deps.Extinction,
		DB:             o.dbCache,
		Lock:           o.deps.Lock,
		PurgeDelay:     o.cfg.PurgeDelay,
		ClockTolerance: o.cfg.ClockTolerance,
		MaxTxnTime:     o.cfg.MaxTxnTime,
		Clock:          o.clock,
	}

	reader := logfile.NewLogReader(src, fileNum, 0, logfile.ReaderOptions{
		IsTailFile:     o.deps.Files.IsTailFile(fileNum),
		ReadBufferSize: o.cfg.ReadBufferSize,
	})

	cache := lookahead.New(o.cfg.LookAheadCacheBudget)
	defer cache.Reset()

	clearCount := o.cfg.DbCacheClearCount
	if clearCount <= 0 {
		clearCount = dbCacheClearCountDefault
	}

	var counters runCounters
	var pending []migrate.PendingLN
	expTracker := expiration.NewTracker(fileNum)
	var processed int

	for {
		// §5 cancellation: between entries only, so no partial in-memory
		// changes survive an abort.
		select {
		case <-ctx.Done():
			return cleanResult{}, ctx.Err()
		default:
		}

		// Cheapest checks first: entries ruled obsolete by category, flags,
		// or the known-obsolete offset set are skipped without materializing
		// or checksumming their payload (§4.1/§4.3 steps 1-2).
		peek, perr := reader.PeekEntry()
		if errors.Is(perr, io.EOF) {
			break
		}
		if perr != nil {
			return cleanResult{}, perr
		}
		skippable := !peek.Category.IsNode() ||
			peek.Header.Flags.Has(logfile.FlagInvisible) ||
			peek.Category == logfile.CategoryFileHeader
		knownObsolete := false
		if !skippable && cls.ObsoleteIndex.Contains(peek.Offset) {
			knownObsolete = true
		}
		if skippable || knownObsolete {
			entry, serr := reader.SkipEntry()
			if serr != nil {
				return cleanResult{}, serr
			}
			if entry.Category.IsNode() {
				counters.nodesSeen++
				if entry.Category == logfile.CategoryLN {
					counters.lnObsolete++
				} else {
					counters.inObsolete++
				}
				metrics.Get().EntryClassified("obsolete")
			}
			processed++
			continue
		}

		entry, payload, rerr := reader.ReadEntry()
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return cleanResult{}, rerr
		}
		counters.nodesSeen++

		res, cerr := cls.Classify(entry, payload)
		if cerr != nil {
			return cleanResult{}, cerr
		}

		switch res.Fate {
		case classify.FateObsolete:
			if entry.Category == logfile.CategoryLN {
				counters.lnObsolete++
			} else if entry.Category.IsNode() {
				counters.inObsolete++
			}
			metrics.Get().EntryClassified("obsolete")

		case classify.FateExpired:
			// Inexact obsolete: counted, histogram fed, no offset tracked.
			counters.lnExpired++
			counters.expiredBytes += uint64(entry.Size)
			expTracker.Observe(entry.Size, res.LN.ExpiresAt)
			metrics.Get().EntryClassified("expired")

		case classify.FateExtinct:
			counters.lnExtinct++
			metrics.Get().EntryClassified("extinct")

		case classify.FatePending:
			counters.lnLocked++
			counters.lockedBytes += uint64(entry.Size)
			o.AddPendingLN(migrate.PendingLN{
				LSN:       entry.LSN(),
				DBID:      res.LN.DBID,
				Key:       res.LN.Key,
				Payload:   append([]byte(nil), payload...),
				VSN:       entry.Header.VSN,
				ExpiresAt: res.LN.ExpiresAt,
				ModTime:   res.LN.ModTime,
			})
			metrics.Get().EntryClassified("locked")

		case classify.FateLive:
			if entry.Category == logfile.CategoryLN {
				cache.Put(lookahead.Item{
					Offset:  entry.Offset,
					Info:    res.LN,
					Payload: append([]byte(nil), payload...),
					VSN:     entry.Header.VSN,
				})
				for cache.OverBudget() {
					if err := o.drainOne(ctx, fileNum, cache, &counters, &pending); err != nil {
						return cleanResult{}, err
					}
				}
			} else {
				outcome, merr := o.inMigrator.MigrateNode(ctx, entry.Category, res.Ref, payload, entry.LSN())
				if merr != nil {
					return cleanResult{}, merr
				}
				switch outcome {
				case migrate.NodeDirtied:
					counters.inDirtied++
					metrics.Get().EntryClassified("dirtied")
				case migrate.NodeDead:
					counters.inDead++
					metrics.Get().EntryClassified("dead")
				}
			}
		}

		processed++
		if processed%clearCount == 0 {
			// §4.2: release the whole DbCache so a pending DB removal is
			// never starved by a long scan. Stable fields already copied out
			// stay usable; the next lookup refetches.
			o.dbCache.ReleaseAll()
		}
		o.maybeTrace(func() {
			logger.DebugCtx(ctx, "cleaner: scanning file", logger.FileNum(fileNum), logger.Count(processed))
		})
	}

	// Drain whatever is still staged, lowest offset first.
	for cache.Len() > 0 {
		if err := o.drainOne(ctx, fileNum, cache, &counters, &pending); err != nil {
			return cleanResult{}, err
		}
	}

	for _, p := range pending {
		o.AddPendingLN(p)
	}

	// Flush the local trackers into the shared profiles (§4.6 step 6) —
	// then immediately drop this file's contribution, since everything live
	// now lives at the tail (§3's post-clean invariant).
	if expTracker.Count() > 0 {
		o.expProfile.Merge(expTracker)
	}

	if counters.lnLocked > 0 {
		// Deferred entries are still live and exist only in this file (the
		// pending queue is volatile); the file stays Active and comes back
		// as a candidate once the pending sweep resolves them. Everything
		// else in it is already reclaimable, so record that.
		counts := reader.Counters
		if counts.TotalSize > counters.lockedBytes {
			counts.ObsoleteSize = counts.TotalSize - counters.lockedBytes
		} else {
			counts.ObsoleteSize = 0
		}
		counts.ObsoleteCount = counts.TotalCount - counters.lnLocked
		o.utilProfile.PutFromReader(fileNum, counts)
		logger.InfoCtx(ctx, "cleaner: file has deferred entries, left active",
			logger.FileNum(fileNum), logger.Count(int(counters.lnLocked)))
		return cleanResult{counters: counters}, nil
	}

	vsns := protect.VSNRange{}
	if first, ok := reader.FirstVSN(); ok {
		last, _ := reader.LastVSN()
		vsns = protect.VSNRange{First: first, Last: last, Valid: true}
	}

	if perr := o.protector.Reserve(fileNum, reader.Counters.TotalSize, vsns); perr != nil {
		return cleanResult{}, perr
	}

	// Step 7: mark cleaned, recording the VSN range the scan observed. Only
	// a pass that dirtied INs owes a checkpoint before deletion.
	awaitingCheckpoint := counters.inDirtied > 0
	if awaitingCheckpoint {
		o.selector.MarkCleaned(fileNum, vsns)
	}

	metrics.Get().FileCleaned()
	logger.InfoCtx(ctx, "cleaner: file cleaned",
		logger.FileNum(fileNum),
		logger.Count(int(counters.lnMigrated)),
		logger.Count(int(counters.nodesSeen)))

	result := cleanResult{cleaned: true, counters: counters}

	if !awaitingCheckpoint && !o.protector.IsProtected(fileNum) {
		n, derr := o.deleteCondemned(fileNum)
		if derr != nil {
			logger.WarnCtx(ctx, "cleaner: deferred deletion of cleaned file",
				logger.FileNum(fileNum), logger.Err(derr))
			o.utilProfile.Remove(fileNum)
			o.expProfile.Remove(fileNum)
		} else {
			result.deleted = true
			result.reclaimedBytes = n
		}
	} else {
		o.utilProfile.Remove(fileNum)
		o.expProfile.Remove(fileNum)
	}

	return result, nil
}

// drainOne pops the lowest-offset staged LN and migrates it, batching in any
// cached siblings of the same parent leaf (§4.4).
func (o *Orchestrator) drainOne(ctx context.Context, fileNum uint32, cache *lookahead.Cache, counters *runCounters, pending *[]migrate.PendingLN) error {
	item, ok := cache.PopLowest()
	if !ok {
		return nil
	}
	// The popped item pays its own parent lookup; its batched siblings are
	// the hits.
	metrics.Get().LookAheadMiss()
	stats, err := o.lnMigrator.MigrateItem(ctx, fileNum, item, cache, pending)
	if err != nil {
		return err
	}
	counters.lnMigrated += stats.Migrated
	counters.lnDead += stats.Dead
	counters.lnLocked += stats.Locked
	counters.migratedBytes += stats.MigratedBytes
	counters.lockedBytes += stats.LockedBytes
	if stats.Migrated > 0 {
		metrics.Get().BytesMigrated(stats.MigratedBytes)
	}
	for i := uint32(0); i < stats.Migrated; i++ {
		metrics.Get().EntryClassified("migrated")
	}
	for i := uint32(0); i < stats.Dead; i++ {
		metrics.Get().EntryClassified("dead")
	}
	for i := uint32(0); i < stats.LookAheadHits; i++ {
		metrics.Get().LookAheadHit()
	}
	return nil
}

// scanExpiration streams reader to completion, observing every LN's
// expiration into tracker.
func (o *Orchestrator) scanExpiration(reader *logfile.LogReader, tracker *expiration.Tracker) error {
	for {
		entry, payload, err := reader.ReadEntry()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if entry.Category != logfile.CategoryLN {
			continue
		}
		info, derr := o.deps.Decoder.DecodeLN(payload)
		if derr != nil {
			continue
		}
		tracker.Observe(entry.Size, info.ExpiresAt)
	}
}

// twoPassRecount implements §4.8's pass 1: a count-only scan that recomputes
// obsolete and expired bytes without verifying checksums or running
// migration. If the recalculated utilization meets requiredUtilization the
// clean is aborted as a revisal run, the tracker is merged into the
// expiration profile for future selection, and the file's counts are
// refreshed so it drops off the candidate list.
func (o *Orchestrator) twoPassRecount(ctx context.Context, fileNum uint32, requiredUtilization float64) (bool, error) {
	ctx = logger.WithContext(ctx, logger.FromContext(ctx).WithTwoPass(true))

	src, closeSrc, err := o.deps.Files.OpenSource(fileNum)
	if err != nil {
		return false, err
	}
	defer closeSrc()

	reader := logfile.NewLogReader(src, fileNum, 0, logfile.ReaderOptions{
		CountOnly:      true,
		IsTailFile:     o.deps.Files.IsTailFile(fileNum),
		ReadBufferSize: o.cfg.ReadBufferSize,
	})

	tracker := expiration.NewTracker(fileNum)
	obsIdx := o.takeObsoleteIndex(fileNum)

	// Identical to the main scan, minus checksum verification and
	// migration: known-obsolete offsets count against the file, expirations
	// accumulate into the tracker instead of the obsolete total (§4.8).
	var knownObsolete uint64
	for {
		entry, payload, rerr := reader.ReadEntry()
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return false, rerr
		}
		if entry.Category.IsNode() && obsIdx.Contains(entry.Offset) {
			knownObsolete += uint64(entry.Size)
			continue
		}
		if entry.Category != logfile.CategoryLN {
			continue
		}
		if info, derr := o.deps.Decoder.DecodeLN(payload); derr == nil {
			if info.Deleted {
				knownObsolete += uint64(entry.Size)
			} else {
				tracker.Observe(entry.Size, info.ExpiresAt)
			}
		}
	}

	counts := reader.Counters
	counts.ObsoleteSize += knownObsolete

	o.utilProfile.PutFromReader(fileNum, counts)
	o.expProfile.Merge(tracker)

	var live uint64
	if counts.TotalSize > counts.ObsoleteSize {
		live = counts.TotalSize - counts.ObsoleteSize
	}
	if expired := tracker.ExpiredAsOf(o.clock()); expired < live {
		live -= expired
	} else {
		live = 0
	}

	recomputed := 1.0
	if counts.TotalSize > 0 {
		recomputed = float64(live) / float64(counts.TotalSize)
	}
	metrics.Get().FileUtilization(fileNum, recomputed)

	logger.InfoCtx(ctx, "cleaner: two-pass recount",
		logger.FileNum(fileNum), logger.Utilization(recomputed))

	// §8 boundary: recomputed utilization exactly equal to the target still
	// chooses the revisal path.
	return recomputed < requiredUtilization, nil
}
