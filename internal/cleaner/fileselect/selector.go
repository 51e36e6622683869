// Package fileselect implements the FileSelector of §4.6: rank candidate
// files by utilization, skip the live tail and whatever is reserved,
// in-flight, or cleaned-but-awaiting-checkpoint, and decide which selections
// need a count-only first pass (with a required-utilization target) before a
// full clean is paid for.
package fileselect

import (
	"sort"
	"sync"
	"time"

	"github.com/dittodb/cleaner/internal/cleaner/expiration"
	"github.com/dittodb/cleaner/internal/cleaner/protect"
	"github.com/dittodb/cleaner/internal/cleaner/utilization"
)

// FileSource is the slice of the log manager the selector needs.
type FileSource interface {
	AllFileNumbers() []uint32
	IsTailFile(fileNum uint32) bool
}

// Config controls selection thresholds, normally sourced from pkg/config.
type Config struct {
	// MinUtilization is the overall-log threshold: while total utilization
	// across active files is below it, the lowest-utilization files are
	// cleaned.
	MinUtilization float64
	// MinFileUtilization cleans an individual file whose own utilization
	// falls below it even when the overall log is healthy.
	MinFileUtilization float64
	// MaxInFlight caps how many files one DoClean call selects at once.
	MaxInFlight int
	// TwoPassGap is added to MinUtilization to form the required target a
	// pass-1 recount must meet to turn the run into a revisal (§4.8): the
	// recount must show the file is not just barely above threshold but
	// comfortably so, or the full clean proceeds anyway.
	TwoPassGap float64
}

// Candidate is one file chosen for cleaning.
type Candidate struct {
	FileNum     uint32
	Utilization float64
	// TwoPass requests a count-only recount before the full clean; the
	// recomputed utilization is compared against RequiredUtilization, and
	// meeting it aborts the clean as a revisal run.
	TwoPass             bool
	RequiredUtilization float64
}

// Selector ranks and chooses candidate files. It is long-lived: one Selector
// serves an Orchestrator for its whole life, tracking which files are
// mid-clean and which are cleaned but not yet checkpoint-durable.
type Selector struct {
	Files       FileSource
	Utilization *utilization.Profile
	Expiration  *expiration.Profile
	Protector   *protect.FileProtector
	Config      Config
	Clock       func() time.Time

	mu       sync.Mutex
	inFlight map[uint32]struct{}
	// cleaned holds files fully cleaned whose dirtied INs have not yet been
	// made durable by a checkpoint; they are excluded from selection and
	// from deletion until CheckpointDone.
	cleaned map[uint32]protect.VSNRange
}

// NewSelector builds a Selector. clock is injectable for tests; nil uses
// time.Now.
func NewSelector(files FileSource, util *utilization.Profile, exp *expiration.Profile, prot *protect.FileProtector, cfg Config, clock func() time.Time) *Selector {
	if clock == nil {
		clock = time.Now
	}
	return &Selector{
		Files:       files,
		Utilization: util,
		Expiration:  exp,
		Protector:   prot,
		Config:      cfg,
		Clock:       clock,
		inFlight:    make(map[uint32]struct{}),
		cleaned:     make(map[uint32]protect.VSNRange),
	}
}

// Select snapshots the utilization and expiration maps and returns up to
// MaxInFlight candidates, two-pass candidates first, then ascending by
// effective utilization. force ignores
// the thresholds and returns the single least-utilized eligible file, for an
// operator-invoked clean.
func (s *Selector) Select(force bool) []Candidate {
	reserved := s.Protector.Snapshot()
	util := s.Utilization.Snapshot()
	exp := s.Expiration.Snapshot()
	now := s.Clock()

	s.mu.Lock()
	inFlight := make(map[uint32]struct{}, len(s.inFlight))
	for f := range s.inFlight {
		inFlight[f] = struct{}{}
	}
	cleaned := make(map[uint32]struct{}, len(s.cleaned))
	for f := range s.cleaned {
		cleaned[f] = struct{}{}
	}
	s.mu.Unlock()

	// Overall utilization across eligible files drives the MinUtilization
	// policy; a log that is healthy in aggregate still cleans individual
	// files below MinFileUtilization.
	var totalSize, totalLive uint64
	type scored struct {
		fileNum uint32
		eff     float64
		known   bool
		stale   bool
	}
	var files []scored
	for _, fileNum := range s.Files.AllFileNumbers() {
		if s.Files.IsTailFile(fileNum) {
			continue
		}
		if reserved.Contains(fileNum) {
			continue
		}
		if _, ok := inFlight[fileNum]; ok {
			continue
		}
		if _, ok := cleaned[fileNum]; ok {
			continue
		}

		counts, known := util[fileNum]
		if !known || counts.TotalSize == 0 {
			// Never fully counted — obsolete offsets may have accrued
			// against it, but without a total there is no utilization figure
			// to trust.
			files = append(files, scored{fileNum: fileNum, known: false})
			continue
		}
		expSnap := exp[fileNum]
		eff := effectiveUtilization(counts, expSnap, now)
		totalSize += counts.TotalSize
		totalLive += uint64(float64(counts.TotalSize) * eff)
		// Expired bytes decay with the wall clock, so any file whose score
		// depends on them carries a stale estimate worth recounting before a
		// full clean is paid for.
		files = append(files, scored{fileNum: fileNum, eff: eff, known: true, stale: expSnap.ExpiredAsOf(now) > 0})
	}

	overall := 1.0
	if totalSize > 0 {
		overall = float64(totalLive) / float64(totalSize)
	}

	var candidates []Candidate
	for _, f := range files {
		if !f.known {
			// Never counted: pay a count-only pass first, and only clean if
			// the recount still shows it below threshold. An operator-forced
			// clean skips the recount and cleans outright.
			candidates = append(candidates, Candidate{
				FileNum:             f.fileNum,
				TwoPass:             !force,
				RequiredUtilization: s.Config.MinUtilization,
			})
			continue
		}
		eligible := force ||
			(overall < s.Config.MinUtilization && f.eff < s.Config.MinUtilization) ||
			f.eff < s.Config.MinFileUtilization
		if !eligible {
			continue
		}
		c := Candidate{FileNum: f.fileNum, Utilization: f.eff}
		if f.stale && !force {
			c.TwoPass = true
			c.RequiredUtilization = s.Config.MinUtilization + s.Config.TwoPassGap
		}
		candidates = append(candidates, c)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].TwoPass != candidates[j].TwoPass {
			// Unknowns and stale estimates sort first: their true
			// utilization may be far from the recorded one.
			return candidates[i].TwoPass
		}
		return candidates[i].Utilization < candidates[j].Utilization
	})

	max := s.Config.MaxInFlight
	if force {
		max = 1
	}
	if max > 0 && len(candidates) > max {
		candidates = candidates[:max]
	}
	return candidates
}

// BeginFile claims fileNum for one cleaning run. Returns false if another
// run already holds it.
func (s *Selector) BeginFile(fileNum uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[fileNum]; ok {
		return false
	}
	s.inFlight[fileNum] = struct{}{}
	return true
}

// EndFile releases the claim, whether the run succeeded or aborted. An
// aborted file naturally reappears as a candidate on the next Select (§4.6
// step 8).
func (s *Selector) EndFile(fileNum uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, fileNum)
}

// MarkCleaned records that fileNum was fully cleaned, along with the
// first/last VSN its scan observed. Until CheckpointDone runs, the file is
// excluded from selection and deletion: dirtied INs still reference it.
func (s *Selector) MarkCleaned(fileNum uint32, vsns protect.VSNRange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleaned[fileNum] = vsns
}

// CleanedVSNs returns the VSN range recorded when fileNum was cleaned.
func (s *Selector) CleanedVSNs(fileNum uint32) (protect.VSNRange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cleaned[fileNum]
	return v, ok
}

// IsCleanedAwaitingCheckpoint reports whether fileNum is cleaned but not yet
// checkpoint-durable, meaning deletion must wait.
func (s *Selector) IsCleanedAwaitingCheckpoint(fileNum uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cleaned[fileNum]
	return ok
}

// CheckpointDone clears the awaiting-checkpoint set — every dirtied node has
// been rewritten at the tail, so the cleaned files' log copies are no longer
// referenced — and returns the files now eligible for deletion.
func (s *Selector) CheckpointDone() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, 0, len(s.cleaned))
	for f := range s.cleaned {
		out = append(out, f)
	}
	s.cleaned = make(map[uint32]protect.VSNRange)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RemoveFile drops every trace of fileNum from the selector, for
// FILE_NOT_FOUND handling (§7).
func (s *Selector) RemoveFile(fileNum uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, fileNum)
	delete(s.cleaned, fileNum)
}

// effectiveUtilization folds a file's counted utilization together with the
// bytes its expiration histogram says have expired by now, without double
// counting bytes already ruled obsolete.
func effectiveUtilization(c utilization.Counts, e expiration.Snapshot, now time.Time) float64 {
	if c.TotalSize == 0 {
		return 1
	}
	live := c.TotalSize - c.ObsoleteSize
	expired := e.ExpiredAsOf(now)
	if expired >= live {
		return 0
	}
	live -= expired
	return float64(live) / float64(c.TotalSize)
}
