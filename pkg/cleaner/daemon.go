package cleaner

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dittodb/cleaner/internal/logger"
)

// Daemon runs the cleaner on the wake-up policy of §4.6: a byte-interval
// trigger (enough log growth since the last wake) and a timed interval. On a
// timed wake with no writing since the previous timed wake it also asks the
// checkpointer to flush, because a quiesced system can still reclaim disk —
// dirtied nodes and reserved files go nowhere without a checkpoint.
type Daemon struct {
	orch *Orchestrator

	bytesSinceWake atomic.Uint64
	wakeCh         chan struct{}
}

// NewDaemon wraps orch in a daemon. Callers report log writes through
// NotifyBytesWritten; the daemon owns no I/O of its own.
func NewDaemon(orch *Orchestrator) *Daemon {
	return &Daemon{orch: orch, wakeCh: make(chan struct{}, 1)}
}

// NotifyBytesWritten accumulates application write volume and triggers a
// wake once the configured byte interval has been crossed.
func (d *Daemon) NotifyBytesWritten(n uint64) {
	interval := d.orch.cfg.BytesInterval
	if interval == 0 {
		return
	}
	if d.bytesSinceWake.Add(n) >= interval {
		select {
		case d.wakeCh <- struct{}{}:
		default:
		}
	}
}

// Wake requests an immediate iteration regardless of intervals, e.g. after a
// burst of deletes.
func (d *Daemon) Wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled. Disk-limit violations stop the current
// iteration without killing the daemon (§7); integrity errors propagate and
// terminate it.
func (d *Daemon) Run(ctx context.Context) error {
	interval := d.orch.cfg.WakeupInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()

	var wroteSinceTimedWake bool

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-d.wakeCh:
			d.bytesSinceWake.Store(0)
			wroteSinceTimedWake = true
			if err := d.iterate(ctx); err != nil {
				return err
			}

		case <-timer.C:
			if !wroteSinceTimedWake && d.bytesSinceWake.Load() == 0 {
				// Quiesced: the only path to reclaiming disk is flushing the
				// dirty nodes prior runs left behind.
				d.orch.deps.Checkpoint.WakeupAfterNoWrites()
			}
			wroteSinceTimedWake = false
			d.bytesSinceWake.Store(0)
			if err := d.iterate(ctx); err != nil {
				return err
			}
		}
		timer.Reset(interval)
	}
}

func (d *Daemon) iterate(ctx context.Context) error {
	report, err := d.orch.doClean(ctx, true, false, true)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// doClean already downgraded what a daemon may swallow; anything
		// surfacing here is integrity-class and must stop the daemon.
		return err
	}
	if report.FilesCleaned > 0 || report.FilesDeleted > 0 {
		logger.InfoCtx(ctx, "cleaner: daemon iteration",
			logger.Count(report.FilesCleaned),
			logger.Count(report.FilesDeleted))
	}
	return nil
}
