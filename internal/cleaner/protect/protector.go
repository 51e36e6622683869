// Package protect implements the FileProtector state machine of §4.7: every
// log file a cleaning run touches moves Active -> Reserved -> Condemned
// before it is ever deleted, and every reader of that state machine not
// itself driving a transition reads a lock-free copy-on-write snapshot
// rather than taking the protector's own lock.
package protect

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dittodb/cleaner/internal/cleanererr"
)

// State is a file's position in the Active -> Reserved -> Condemned
// lifecycle.
type State int

const (
	// StateActive is a file's state as soon as it is known to the log
	// manager, whether it is the growing tail or an ordinary sealed file.
	StateActive State = iota
	// StateReserved means the file is fully cleaned and retained only for
	// readers with outstanding protection.
	StateReserved
	// StateCondemned means the file is unprotected and scheduled for
	// deletion.
	StateCondemned
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateReserved:
		return "RESERVED"
	case StateCondemned:
		return "CONDEMNED"
	default:
		return "UNKNOWN"
	}
}

// VSNRange is the replicated-VSN span a reserved file carried, recorded at
// reservation so feeders can decide whether they still need the file. A
// reserved file with Valid=false is "barren": it held no replicated entries.
type VSNRange struct {
	First, Last int64
	Valid       bool
}

// Kind distinguishes the two ProtectedFileSet representations.
type Kind int

const (
	// KindRange protects every file number in [Start, End]; End of
	// ^uint32(0) makes the range open-ended, the shape feeders and the VSN
	// index use.
	KindRange Kind = iota
	// KindExplicit protects an arbitrary, possibly sparse, set of file
	// numbers; members may only be removed (§3), except through
	// AddFinalBackupFiles.
	KindExplicit
)

// ProtectedFileSet answers "is this file number protected from deletion"
// without the caller needing to know whether the protection was expressed as
// a range or a list.
type ProtectedFileSet struct {
	Kind     Kind
	Start    uint32 // inclusive, KindRange only
	End      uint32 // inclusive, KindRange only
	Explicit map[uint32]struct{}

	// ProtectBarrenFiles controls whether a range also covers reserved
	// files that carried no replicated entries; a feeder has no use for
	// those and lets them go (§4.7).
	ProtectBarrenFiles bool
	// ProtectVlsnIndex marks the distinguished range guarding the VSN
	// index; it affects VSN-index truncation only and is excluded from the
	// "protected" total in log size stats.
	ProtectVlsnIndex bool
}

// Contains reports whether fileNum falls within the protected set.
func (s *ProtectedFileSet) Contains(fileNum uint32) bool {
	if s == nil {
		return false
	}
	switch s.Kind {
	case KindRange:
		return fileNum >= s.Start && fileNum <= s.End
	default:
		_, ok := s.Explicit[fileNum]
		return ok
	}
}

// RangeSet builds a ProtectedFileSet covering [start, end] inclusive.
func RangeSet(start, end uint32) *ProtectedFileSet {
	return &ProtectedFileSet{Kind: KindRange, Start: start, End: end, ProtectBarrenFiles: true}
}

// OpenRangeSet builds a ProtectedFileSet covering every file number from
// start upward. protectBarren false lets reserved files with no replicated
// entries be deleted anyway.
func OpenRangeSet(start uint32, protectBarren bool) *ProtectedFileSet {
	return &ProtectedFileSet{Kind: KindRange, Start: start, End: ^uint32(0), ProtectBarrenFiles: protectBarren}
}

// ExplicitSet builds a ProtectedFileSet covering exactly fileNums — the
// ProtectedActiveFileSet a backup constructs from its snapshot of active
// files.
func ExplicitSet(fileNums []uint32) *ProtectedFileSet {
	m := make(map[uint32]struct{}, len(fileNums))
	for _, f := range fileNums {
		m[f] = struct{}{}
	}
	return &ProtectedFileSet{Kind: KindExplicit, Explicit: m, ProtectBarrenFiles: true}
}

// AdvanceRange moves a KindRange set's Start forward to newStart. Per §4.7,
// rangeStart may only increase; moving it backward would let a file already
// believed unprotected become protected again, which the deletion logic
// assumes never happens.
func (s *ProtectedFileSet) AdvanceRange(newStart uint32) error {
	if s.Kind != KindRange {
		return cleanererr.New(cleanererr.ErrInvariantViolation, "AdvanceRange on a non-range ProtectedFileSet")
	}
	if newStart < s.Start {
		return cleanererr.New(cleanererr.ErrInvariantViolation, "ProtectedFileRange.rangeStart may not decrease")
	}
	s.Start = newStart
	return nil
}

// RemoveFile removes fileNum from a KindExplicit set, used as a backup
// finishes reading each file. A no-op on a KindRange set or for a fileNum
// not present.
func (s *ProtectedFileSet) RemoveFile(fileNum uint32) {
	if s.Kind != KindExplicit {
		return
	}
	delete(s.Explicit, fileNum)
}

// TruncateHead removes every member below newStart from a KindExplicit set.
func (s *ProtectedFileSet) TruncateHead(newStart uint32) {
	if s.Kind != KindExplicit {
		return
	}
	for f := range s.Explicit {
		if f < newStart {
			delete(s.Explicit, f)
		}
	}
}

// TruncateTail removes every member above newEnd from a KindExplicit set.
func (s *ProtectedFileSet) TruncateTail(newEnd uint32) {
	if s.Kind != KindExplicit {
		return
	}
	for f := range s.Explicit {
		if f > newEnd {
			delete(s.Explicit, f)
		}
	}
}

// AddFinalBackupFiles extends a KindExplicit set to also cover every file
// number in [firstNew, lastFile], the one sanctioned way to grow a
// ProtectedActiveFileSet after construction (§4.7): the brief window between
// a backup's file-list snapshot and the log's flip to a new tail means
// [firstNew, lastFile] were all active at snapshot time and so were already
// implicitly protected — this just makes that protection explicit.
func (s *ProtectedFileSet) AddFinalBackupFiles(firstNew, lastFile uint32) {
	if s.Kind != KindExplicit {
		return
	}
	for f := firstNew; f <= lastFile; f++ {
		s.Explicit[f] = struct{}{}
	}
}

type reservedInfo struct {
	size uint64
	vsns VSNRange
}

// LogSizeStats is the byte accounting §4.7's getLogSizeStats exposes:
// active, reserved, and (non-VSN-index) protected reserved totals.
type LogSizeStats struct {
	ActiveBytes    uint64
	ReservedBytes  uint64
	ProtectedBytes uint64
}

// FileProtector tracks every known log file's lifecycle state in three
// ordered maps (active, reserved, condemned), plus the registry of named
// ProtectedFileSets readers hold. State transitions take the protector's
// lock; IsReservedFile — called from hot-path integrity checks — reads an
// atomically swapped snapshot instead.
type FileProtector struct {
	mu        sync.Mutex
	active    map[uint32]uint64
	reserved  map[uint32]reservedInfo
	condemned map[uint32]uint64

	// snapshot holds a *ProtectedFileSet of every Reserved or Condemned
	// file, rebuilt and swapped in on every transition.
	snapshot atomic.Pointer[ProtectedFileSet]

	registryMu sync.Mutex
	registry   map[string]*ProtectedFileSet
}

// New returns an empty FileProtector.
func New() *FileProtector {
	p := &FileProtector{
		active:    make(map[uint32]uint64),
		reserved:  make(map[uint32]reservedInfo),
		condemned: make(map[uint32]uint64),
		registry:  make(map[string]*ProtectedFileSet),
	}
	p.snapshot.Store(ExplicitSet(nil))
	return p
}

// Register adds (or replaces) a named ProtectedFileSet, e.g. a backup's
// snapshot of files it still needs to read.
func (p *FileProtector) Register(name string, set *ProtectedFileSet) {
	p.registryMu.Lock()
	defer p.registryMu.Unlock()
	p.registry[name] = set
}

// Unregister removes a named ProtectedFileSet.
func (p *FileProtector) Unregister(name string) {
	p.registryMu.Lock()
	defer p.registryMu.Unlock()
	delete(p.registry, name)
}

// Lookup returns the named ProtectedFileSet, if registered, so its owner can
// shrink it via RemoveFile/AdvanceRange as it finishes with files.
func (p *FileProtector) Lookup(name string) (*ProtectedFileSet, bool) {
	p.registryMu.Lock()
	defer p.registryMu.Unlock()
	s, ok := p.registry[name]
	return s, ok
}

// IsProtected reports whether any registered named set still protects
// fileNum. This is distinct from IsReservedFile: a file can be Condemned
// (unreachable by ordinary readers) yet still protected because a backup
// snapshot taken earlier needs it (§8 invariant 3).
func (p *FileProtector) IsProtected(fileNum uint32) bool {
	barren := p.isBarren(fileNum)
	p.registryMu.Lock()
	defer p.registryMu.Unlock()
	for _, s := range p.registry {
		if !s.Contains(fileNum) {
			continue
		}
		if s.Kind == KindRange && !s.ProtectBarrenFiles && barren {
			continue
		}
		return true
	}
	return false
}

func (p *FileProtector) isBarren(fileNum uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.reserved[fileNum]
	return ok && !info.vsns.Valid
}

// Activate registers fileNum as Active with size 0 (ActivateSized records a
// size), called when the
// log manager creates or discovers a file.
func (p *FileProtector) Activate(fileNum uint32) { p.ActivateSized(fileNum, 0) }

// ActivateSized registers fileNum as Active with a known size.
func (p *FileProtector) ActivateSized(fileNum uint32, size uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[fileNum] = size
}

// Reserve transitions fileNum from Active to Reserved, recording its size
// and the VSN range its cleaning scan observed. Returns INVARIANT_VIOLATION
// if fileNum is not currently Active.
func (p *FileProtector) Reserve(fileNum uint32, size uint64, vsns VSNRange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.active[fileNum]; !ok {
		return cleanererr.NewAt(cleanererr.ErrInvariantViolation, "reserveFile on non-active file", fileNum, 0)
	}
	delete(p.active, fileNum)
	p.reserved[fileNum] = reservedInfo{size: size, vsns: vsns}
	p.rebuildSnapshotLocked()
	return nil
}

// ReactivateReservedFile moves fileNum back from Reserved to Active, for an
// aborted reservation.
func (p *FileProtector) ReactivateReservedFile(fileNum uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.reserved[fileNum]
	if !ok {
		return cleanererr.NewAt(cleanererr.ErrInvariantViolation, "reactivate on non-reserved file", fileNum, 0)
	}
	delete(p.reserved, fileNum)
	p.active[fileNum] = info.size
	p.rebuildSnapshotLocked()
	return nil
}

// Condemn transitions fileNum from Reserved to Condemned. Returns
// INVARIANT_VIOLATION if fileNum is not currently Reserved.
func (p *FileProtector) Condemn(fileNum uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.reserved[fileNum]
	if !ok {
		return cleanererr.NewAt(cleanererr.ErrInvariantViolation, "condemnFile on non-reserved file", fileNum, 0)
	}
	delete(p.reserved, fileNum)
	p.condemned[fileNum] = info.size
	p.rebuildSnapshotLocked()
	return nil
}

// TakeNextCondemnedFile returns a previously condemned file if any exists,
// else the lowest-numbered unprotected reserved file at or above fromFile,
// condemning it on the way out. The file leaves the tracker entirely; the
// caller must either delete it or PutBackCondemnedFile (§4.7's two-phase
// handoff, essential when the unlink can fail under file locking).
func (p *FileProtector) TakeNextCondemnedFile(fromFile uint32) (uint32, uint64, bool) {
	p.mu.Lock()
	if len(p.condemned) > 0 {
		nums := sortedKeysU64(p.condemned)
		f := nums[0]
		size := p.condemned[f]
		delete(p.condemned, f)
		p.rebuildSnapshotLocked()
		p.mu.Unlock()
		return f, size, true
	}
	candidates := make([]uint32, 0, len(p.reserved))
	for f := range p.reserved {
		if f >= fromFile {
			candidates = append(candidates, f)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
	p.mu.Unlock()

	for _, f := range candidates {
		if p.IsProtected(f) {
			continue
		}
		p.mu.Lock()
		info, ok := p.reserved[f]
		if !ok {
			p.mu.Unlock()
			continue
		}
		delete(p.reserved, f)
		p.rebuildSnapshotLocked()
		p.mu.Unlock()
		return f, info.size, true
	}
	return 0, 0, false
}

// PutBackCondemnedFile reintroduces a file TakeNextCondemnedFile handed out
// whose deletion failed.
func (p *FileProtector) PutBackCondemnedFile(fileNum uint32, size uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.condemned[fileNum] = size
	p.rebuildSnapshotLocked()
}

// Forget removes fileNum entirely, called once it has been deleted from
// disk and no reader can possibly still be touching it.
func (p *FileProtector) Forget(fileNum uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, fileNum)
	delete(p.reserved, fileNum)
	delete(p.condemned, fileNum)
	p.rebuildSnapshotLocked()
}

// Release reverts fileNum to the previous state in the lifecycle: Condemned
// back to Reserved (a failed unlink), or Reserved back to Active (an aborted
// clean).
func (p *FileProtector) Release(fileNum uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if size, ok := p.condemned[fileNum]; ok {
		delete(p.condemned, fileNum)
		p.reserved[fileNum] = reservedInfo{size: size}
		p.rebuildSnapshotLocked()
		return
	}
	if info, ok := p.reserved[fileNum]; ok {
		delete(p.reserved, fileNum)
		p.active[fileNum] = info.size
		p.rebuildSnapshotLocked()
	}
}

func (p *FileProtector) rebuildSnapshotLocked() {
	set := make(map[uint32]struct{}, len(p.reserved)+len(p.condemned))
	for f := range p.reserved {
		set[f] = struct{}{}
	}
	for f := range p.condemned {
		set[f] = struct{}{}
	}
	p.snapshot.Store(&ProtectedFileSet{Kind: KindExplicit, Explicit: set})
}

// IsReservedFile reports, without taking the protector's lock, whether
// fileNum is currently Reserved or Condemned — the hot-path integrity check.
func (p *FileProtector) IsReservedFile(fileNum uint32) bool {
	return p.snapshot.Load().Contains(fileNum)
}

// IsActiveOrNewFile reports whether fileNum is Active or beyond the last
// known active file (covering the tail and files not yet registered).
func (p *FileProtector) IsActiveOrNewFile(fileNum uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	var maxActive uint32
	for f := range p.active {
		if f == fileNum {
			return true
		}
		if f > maxActive {
			maxActive = f
		}
	}
	return fileNum > maxActive
}

// State returns fileNum's current state and whether it is known at all.
func (p *FileProtector) State(fileNum uint32) (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.active[fileNum]; ok {
		return StateActive, true
	}
	if _, ok := p.reserved[fileNum]; ok {
		return StateReserved, true
	}
	if _, ok := p.condemned[fileNum]; ok {
		return StateCondemned, true
	}
	return 0, false
}

// ReservedSize returns the size recorded when fileNum was reserved (or
// condemned).
func (p *FileProtector) ReservedSize(fileNum uint32) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if info, ok := p.reserved[fileNum]; ok {
		return info.size, true
	}
	if size, ok := p.condemned[fileNum]; ok {
		return size, true
	}
	return 0, false
}

// ReservedVSNs returns the VSN range recorded when fileNum was reserved.
func (p *FileProtector) ReservedVSNs(fileNum uint32) (VSNRange, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.reserved[fileNum]
	return info.vsns, ok
}

// Snapshot returns the current ProtectedFileSet of every Reserved or
// Condemned file, for the FileSelector to exclude from its candidate scan
// without taking the protector's lock.
func (p *FileProtector) Snapshot() *ProtectedFileSet {
	return p.snapshot.Load()
}

// LogSizeStats totals active, reserved, and protected-reserved bytes. The
// VSN-index range is excluded from the protected total (§4.7).
func (p *FileProtector) LogSizeStats() LogSizeStats {
	p.mu.Lock()
	var stats LogSizeStats
	for _, size := range p.active {
		stats.ActiveBytes += size
	}
	type rf struct {
		fileNum uint32
		size    uint64
		barren  bool
	}
	reserved := make([]rf, 0, len(p.reserved))
	for f, info := range p.reserved {
		stats.ReservedBytes += info.size
		reserved = append(reserved, rf{fileNum: f, size: info.size, barren: !info.vsns.Valid})
	}
	p.mu.Unlock()

	p.registryMu.Lock()
	defer p.registryMu.Unlock()
	for _, r := range reserved {
		for _, s := range p.registry {
			if s.ProtectVlsnIndex {
				continue
			}
			if !s.Contains(r.fileNum) {
				continue
			}
			if s.Kind == KindRange && !s.ProtectBarrenFiles && r.barren {
				continue
			}
			stats.ProtectedBytes += r.size
			break
		}
	}
	return stats
}

// UnprotectedReservedFiles returns every Reserved file not currently
// protected by any registered set, ascending by file number — the
// manageDiskUsage candidate list for condemnation (§4.6 step 1).
func (p *FileProtector) UnprotectedReservedFiles() []uint32 {
	p.mu.Lock()
	reserved := make([]uint32, 0, len(p.reserved))
	for f := range p.reserved {
		reserved = append(reserved, f)
	}
	p.mu.Unlock()
	sort.Slice(reserved, func(i, j int) bool { return reserved[i] < reserved[j] })

	out := reserved[:0]
	for _, f := range reserved {
		if !p.IsProtected(f) {
			out = append(out, f)
		}
	}
	return out
}

func sortedKeysU64(m map[uint32]uint64) []uint32 {
	out := make([]uint32, 0, len(m))
	for f := range m {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
