package logfile

import (
	"io"

	"github.com/dittodb/cleaner/internal/cleanererr"
)

// Source is the byte-addressable view of one log file a LogReader streams
// from. DirManager backs sealed files with an mmap'd Source and the
// still-growing tail file with a plain os.File Source (see manager.go).
type Source interface {
	ReadAt(p []byte, off int64) (int, error)
	Size() int64
}

// ReaderOptions configures one LogReader pass.
type ReaderOptions struct {
	// CountOnly disables checksum verification on ReadEntry, matching the
	// pass-1 recount of §4.8 and recovery scans.
	CountOnly bool

	// IsTailFile permits a truncated final entry instead of failing with
	// LOG_INTEGRITY, per §4.1.
	IsTailFile bool

	// ReadBufferSize sizes the reusable payload buffer a count-only pass
	// reads into, so pass 1 never allocates per entry. Zero uses a default.
	ReadBufferSize int
}

// Counters accumulates the "true utilization" tallies a LogReader produces
// as a side effect of streaming, per §4.1: every entry counts against
// total{Count,Size}; every non-node or invisible entry counts as obsolete
// immediately (node entries are judged live/obsolete later by the
// Classifier, which has Btree access the reader does not). Per-category
// tallies follow §3's file summary.
type Counters struct {
	TotalCount uint32
	TotalSize  uint64

	TotalLNCount uint32
	TotalLNSize  uint64
	TotalINCount uint32
	TotalINSize  uint64
	MaxLNSize    uint32

	ObsoleteCount uint32
	ObsoleteSize  uint64
}

// LogReader streams entries from one log file in ascending offset order,
// per §4.1.
type LogReader struct {
	src     Source
	fileNum uint32
	offset  uint32
	opts    ReaderOptions

	firstVSN, lastVSN int64
	haveVSN           bool

	buf []byte

	Counters Counters
}

// defaultReadBufferSize is the scratch buffer floor for count-only passes.
const defaultReadBufferSize = 64 << 10

// scratch returns a reusable buffer of at least n bytes.
func (r *LogReader) scratch(n uint32) []byte {
	if uint32(len(r.buf)) < n {
		size := r.opts.ReadBufferSize
		if size < defaultReadBufferSize {
			size = defaultReadBufferSize
		}
		if uint32(size) < n {
			size = int(n)
		}
		r.buf = make([]byte, size)
	}
	return r.buf[:n]
}

// NewLogReader creates a reader positioned at startOffset within fileNum.
func NewLogReader(src Source, fileNum uint32, startOffset uint32, opts ReaderOptions) *LogReader {
	return &LogReader{
		src:     src,
		fileNum: fileNum,
		offset:  startOffset,
		opts:    opts,
	}
}

// Offset returns the reader's current position.
func (r *LogReader) Offset() uint32 { return r.offset }

// FirstVSN and LastVSN return the first/last VSN seen so far, valid once at
// least one replicated entry has been read.
func (r *LogReader) FirstVSN() (int64, bool) { return r.firstVSN, r.haveVSN }
func (r *LogReader) LastVSN() (int64, bool)  { return r.lastVSN, r.haveVSN }

// peekHeader reads and decodes the header at the current offset without
// advancing, distinguishing a clean EOF (nothing left to read) from a torn
// trailing write.
func (r *LogReader) peekHeader() (Header, bool, error) {
	size := r.src.Size()
	remaining := size - int64(r.offset)
	if remaining <= 0 {
		return Header{}, false, io.EOF
	}
	if remaining < HeaderSize {
		if r.opts.IsTailFile {
			return Header{}, false, io.EOF
		}
		return Header{}, false, cleanererr.NewAt(cleanererr.ErrLogIntegrity,
			"truncated entry header", r.fileNum, r.offset)
	}

	var buf [HeaderSize]byte
	if _, err := r.src.ReadAt(buf[:], int64(r.offset)); err != nil {
		return Header{}, false, cleanererr.NewAt(cleanererr.ErrLogIntegrity,
			"short read of entry header: "+err.Error(), r.fileNum, r.offset)
	}
	h := decodeHeader(buf[:])

	total := int64(frameSize(h.PayloadSize))
	if remaining < total {
		if r.opts.IsTailFile {
			return Header{}, false, io.EOF
		}
		return Header{}, false, cleanererr.NewAt(cleanererr.ErrLogIntegrity,
			"truncated entry payload", r.fileNum, r.offset)
	}

	return h, true, nil
}

// checkVSN enforces strict VSN monotonicity for replicated entries.
func (r *LogReader) checkVSN(h Header) error {
	if !h.Flags.Has(FlagReplicated) {
		return nil
	}
	if r.haveVSN {
		if h.VSN <= r.lastVSN {
			return cleanererr.NewAt(cleanererr.ErrLogIntegrity,
				"VSN order violation", r.fileNum, r.offset)
		}
	} else {
		r.firstVSN = h.VSN
		r.haveVSN = true
	}
	r.lastVSN = h.VSN
	return nil
}

// classify derives the entry category from the decoded header type. The
// category space is exactly the header's Type field; callers use
// Category.IsNode to apply §4.3 step 2.
func classify(h Header) Category { return h.Type }

// accumulate updates the running true-utilization counters for one entry,
// per §4.1: every entry counts toward totals; non-node or invisible entries
// count as obsolete immediately (the Classifier refines node entries
// further once it has Btree access).
func (r *LogReader) accumulate(h Header, cat Category) {
	size := uint64(frameSize(h.PayloadSize))
	r.Counters.TotalCount++
	r.Counters.TotalSize += size
	switch cat {
	case CategoryLN:
		r.Counters.TotalLNCount++
		r.Counters.TotalLNSize += size
		if frameSize(h.PayloadSize) > r.Counters.MaxLNSize {
			r.Counters.MaxLNSize = frameSize(h.PayloadSize)
		}
	case CategoryIN, CategoryBINDelta, CategoryDBTree:
		r.Counters.TotalINCount++
		r.Counters.TotalINSize += size
	}
	if !cat.IsNode() || h.Flags.Has(FlagInvisible) {
		r.Counters.ObsoleteCount++
		r.Counters.ObsoleteSize += size
	}
}

// PeekEntry decodes the header at the current offset without advancing the
// reader or touching the running counters, letting a caller decide between
// SkipEntry and ReadEntry based on category or the obsolete-offset index
// before committing to either (§4.1's cheapest-checks-first ordering).
func (r *LogReader) PeekEntry() (Entry, error) {
	h, ok, err := r.peekHeader()
	if !ok {
		return Entry{}, err
	}
	cat := classify(h)
	return Entry{Header: h, FileNum: r.fileNum, Offset: r.offset, Size: frameSize(h.PayloadSize), Category: cat}, nil
}

// SkipEntry advances past the entry at the current offset without exposing
// its payload or verifying its checksum — the cheap path for entries the
// Classifier has already ruled obsolete from the header/offset alone.
// Returns io.EOF when the file is exhausted (or the final entry is torn and
// this is the tail file).
func (r *LogReader) SkipEntry() (Entry, error) {
	h, ok, err := r.peekHeader()
	if !ok {
		return Entry{}, err
	}
	if err := r.checkVSN(h); err != nil {
		return Entry{}, err
	}

	cat := classify(h)
	e := Entry{Header: h, FileNum: r.fileNum, Offset: r.offset, Size: frameSize(h.PayloadSize), Category: cat}
	r.accumulate(h, cat)
	r.offset += e.Size
	return e, nil
}

// ReadEntry advances past the entry at the current offset and returns its
// raw payload bytes, verifying the checksum first unless the reader is in
// count-only mode (§4.1). In count-only mode the returned payload slice is
// only valid until the next ReadEntry call — the reader reuses a buffer
// sized by ReaderOptions.ReadBufferSize to keep pass 1 allocation-free.
func (r *LogReader) ReadEntry() (Entry, []byte, error) {
	h, ok, err := r.peekHeader()
	if !ok {
		return Entry{}, nil, err
	}
	if err := r.checkVSN(h); err != nil {
		return Entry{}, nil, err
	}

	var payload []byte
	if r.opts.CountOnly {
		payload = r.scratch(h.PayloadSize)
	} else {
		payload = make([]byte, h.PayloadSize)
	}
	if h.PayloadSize > 0 {
		if _, err := r.src.ReadAt(payload, int64(r.offset)+HeaderSize); err != nil {
			return Entry{}, nil, cleanererr.NewAt(cleanererr.ErrLogIntegrity,
				"short read of entry payload: "+err.Error(), r.fileNum, r.offset)
		}
	}

	if !r.opts.CountOnly && h.Flags.Has(FlagChecksumPresent) {
		want := h.Checksum
		got := computeChecksum(h, payload)
		if got != want {
			return Entry{}, nil, cleanererr.NewAt(cleanererr.ErrChecksum,
				"checksum mismatch", r.fileNum, r.offset)
		}
	}

	cat := classify(h)
	e := Entry{Header: h, FileNum: r.fileNum, Offset: r.offset, Size: frameSize(h.PayloadSize), Category: cat}
	r.accumulate(h, cat)
	r.offset += e.Size
	return e, payload, nil
}
