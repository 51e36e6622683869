package logfile

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/dittodb/cleaner/internal/cleanererr"
	"github.com/dittodb/cleaner/internal/logger"
)

// FileManager is the collaborator interface of §6: numeric file identifiers
// with no gaps below the tail.
type FileManager interface {
	NextLSN() LSN
	AllFileNumbers() []uint32
	FullFileName(fileNum uint32) string
	IsFileValid(fileNum uint32) bool
}

// LogManager is the collaborator interface of §6: appends entries
// atomically and returns the durable LSN on return.
type LogManager interface {
	Log(entry WriteEntry, replicationHint bool) (LSN, error)
	FlushSync() error
	FlushNoSync() error
}

// FileStore is the operational superset of FileManager and LogManager the
// cleaner actually depends on: everything needed to open, stream, append to,
// and delete log files. FileManager and LogManager stay the narrow §6
// collaborator interfaces; FileStore is where the cleaner's own orchestrator
// lives, satisfied by the same DirManager.
type FileStore interface {
	FileManager
	LogManager
	OpenSource(fileNum uint32) (Source, func() error, error)
	IsTailFile(fileNum uint32) bool
	Remove(fileNum uint32) error
	// DiskUsage reports the total on-disk bytes of every known log file,
	// refreshed from the filesystem, for disk-limit gating (§4.6 step 1).
	DiskUsage() uint64
}

// WriteEntry is what a caller (the cleaner's LNMigrator, principally) hands
// to LogManager.Log.
type WriteEntry struct {
	Category  Category
	VSN       int64 // -1 when the entry is not replicated
	Payload   []byte
	Invisible bool
}

// DirManager is the reference FileManager/LogManager implementation: a
// directory of numbered "<hex fileNum>.dat" files. Closed files are read
// back via mmap (golang.org/x/sys/unix), the same technique the teacher's
// pkg/wal/mmap.go uses for its single growing region, applied here per
// discrete bounded file instead. The tail file is written with a buffered
// os.File since it is still growing and mmap'ing a moving target is not
// worth the complexity for a single active writer.
type DirManager struct {
	dir         string
	maxFileSize uint32

	mu          sync.Mutex
	fileNumbers []uint32 // sorted ascending, includes the tail

	tailNum    uint32
	tailFile   *os.File
	tailWriter *bufio.Writer
	tailOffset uint32
}

// NewDirManager opens (or creates) a log directory with the given bounded
// file size and starts (or continues) the tail file.
func NewDirManager(dir string, maxFileSize uint32) (*DirManager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	m := &DirManager{dir: dir, maxFileSize: maxFileSize}
	if err := m.discoverFiles(); err != nil {
		return nil, err
	}
	if len(m.fileNumbers) == 0 {
		if err := m.rollTail(1); err != nil {
			return nil, err
		}
	} else {
		if err := m.openTail(m.fileNumbers[len(m.fileNumbers)-1]); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *DirManager) discoverFiles() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("read log directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var fileNum uint32
		if _, err := fmt.Sscanf(e.Name(), "%08x.dat", &fileNum); err != nil {
			continue
		}
		m.fileNumbers = append(m.fileNumbers, fileNum)
	}
	sort.Slice(m.fileNumbers, func(i, j int) bool { return m.fileNumbers[i] < m.fileNumbers[j] })
	return nil
}

func (m *DirManager) openTail(fileNum uint32) error {
	f, err := os.OpenFile(m.FullFileName(fileNum), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open tail file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat tail file: %w", err)
	}
	m.tailNum = fileNum
	m.tailFile = f
	m.tailWriter = bufio.NewWriter(f)
	m.tailOffset = uint32(info.Size())
	return nil
}

// rollTail closes any current tail (leaving it on disk as a sealed file)
// and opens a fresh tail at fileNum, writing its FILE_HEADER entry.
func (m *DirManager) rollTail(fileNum uint32) error {
	if m.tailFile != nil {
		if err := m.tailWriter.Flush(); err != nil {
			return err
		}
		if err := m.tailFile.Close(); err != nil {
			return err
		}
	}
	if err := m.openTail(fileNum); err != nil {
		return err
	}
	m.fileNumbers = append(m.fileNumbers, fileNum)

	header := Header{
		Type:        CategoryFileHeader,
		Version:     1,
		PrevOffset:  0,
		VSN:         -1,
		PayloadSize: 0,
		Flags:       FlagChecksumPresent,
	}
	header.Checksum = computeChecksum(header, nil)
	var buf [HeaderSize]byte
	encodeHeader(buf[:], header)
	if _, err := m.tailWriter.Write(buf[:]); err != nil {
		return err
	}
	m.tailOffset += HeaderSize
	logger.Info("logfile: rolled tail", logger.FileNum(fileNum))
	return nil
}

// Roll seals the current tail and opens a fresh one — the "file flip"
// backups coordinate with and tests use to control file boundaries.
func (m *DirManager) Roll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rollTail(m.tailNum + 1)
}

// FullFileName returns the path of the numbered file.
func (m *DirManager) FullFileName(fileNum uint32) string {
	return filepath.Join(m.dir, fmt.Sprintf("%08x.dat", fileNum))
}

// NextLSN returns the LSN the next Log call would be written at.
func (m *DirManager) NextLSN() LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MakeLSN(m.tailNum, m.tailOffset)
}

// AllFileNumbers returns every known file number, tail included, ascending.
func (m *DirManager) AllFileNumbers() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint32, len(m.fileNumbers))
	copy(out, m.fileNumbers)
	return out
}

// IsFileValid reports whether fileNum is a known, non-deleted file.
func (m *DirManager) IsFileValid(fileNum uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.fileNumbers {
		if f == fileNum {
			return true
		}
	}
	return false
}

// IsTailFile reports whether fileNum is the current tail.
func (m *DirManager) IsTailFile(fileNum uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fileNum == m.tailNum
}

// Log appends entry at the tail, rolling to a new file first if it would
// exceed maxFileSize, and returns the LSN it was written at. The entry stays
// in the write buffer until FlushNoSync or FlushSync; Log itself does not
// flush or fsync.
func (m *DirManager) Log(entry WriteEntry, replicationHint bool) (LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	size := frameSize(uint32(len(entry.Payload)))
	if m.tailOffset > HeaderSize && uint64(m.tailOffset)+uint64(size) > uint64(m.maxFileSize) {
		if err := m.rollTail(m.tailNum + 1); err != nil {
			return NullLSN, err
		}
	}

	var flags Flags
	flags |= FlagChecksumPresent
	if entry.Invisible {
		flags |= FlagInvisible
	}
	if replicationHint {
		flags |= FlagReplicated
	}

	h := Header{
		Type:        entry.Category,
		Version:     1,
		Flags:       flags,
		PrevOffset:  m.tailOffset,
		VSN:         entry.VSN,
		PayloadSize: uint32(len(entry.Payload)),
	}
	h.Checksum = computeChecksum(h, entry.Payload)

	var buf [HeaderSize]byte
	encodeHeader(buf[:], h)
	lsn := MakeLSN(m.tailNum, m.tailOffset)

	if _, err := m.tailWriter.Write(buf[:]); err != nil {
		return NullLSN, err
	}
	if len(entry.Payload) > 0 {
		if _, err := m.tailWriter.Write(entry.Payload); err != nil {
			return NullLSN, err
		}
	}
	m.tailOffset += size
	return lsn, nil
}

// FlushNoSync flushes buffered writes to the OS without forcing durability.
func (m *DirManager) FlushNoSync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tailWriter.Flush()
}

// FlushSync flushes buffered writes and fsyncs the tail file.
func (m *DirManager) FlushSync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.tailWriter.Flush(); err != nil {
		return err
	}
	return m.tailFile.Sync()
}

// Close flushes and closes the tail file.
func (m *DirManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.tailWriter.Flush(); err != nil {
		return err
	}
	return m.tailFile.Close()
}

// DiskUsage sums the current size of every known log file. Files that
// vanish between the listing and the stat simply contribute nothing.
func (m *DirManager) DiskUsage() uint64 {
	var total uint64
	for _, fileNum := range m.AllFileNumbers() {
		if info, err := os.Stat(m.FullFileName(fileNum)); err == nil {
			total += uint64(info.Size())
		}
	}
	return total
}

// mmapSource backs a sealed (non-tail) file with a read-only mmap region.
type mmapSource struct {
	data []byte
}

func (s *mmapSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(s.data)) {
		return 0, fmt.Errorf("offset %d out of range", off)
	}
	n := copy(p, s.data[off:])
	if n < len(p) {
		return n, fmt.Errorf("short read at offset %d", off)
	}
	return n, nil
}

func (s *mmapSource) Size() int64 { return int64(len(s.data)) }

func (s *mmapSource) unmap() error {
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	return err
}

// fileSource backs the live tail file with ordinary ReadAt, since it keeps
// growing while the cleaner may be scanning it.
type fileSource struct {
	f *os.File
}

func (s *fileSource) ReadAt(p []byte, off int64) (int, error) { return s.f.ReadAt(p, off) }

func (s *fileSource) Size() int64 {
	info, err := s.f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

// OpenSource opens fileNum for reading and returns a Source plus a closer.
// Sealed files are mmap'd read-only; the live tail is opened as a plain
// os.File. Returns cleanererr.FileNotFound if the file is absent from disk.
func (m *DirManager) OpenSource(fileNum uint32) (Source, func() error, error) {
	path := m.FullFileName(fileNum)

	if m.IsTailFile(fileNum) {
		f, err := os.Open(path)
		if os.IsNotExist(err) {
			return nil, nil, cleanererr.NewAt(cleanererr.ErrFileNotFound, "log file missing", fileNum, 0)
		} else if err != nil {
			return nil, nil, err
		}
		src := &fileSource{f: f}
		return src, f.Close, nil
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil, cleanererr.NewAt(cleanererr.ErrFileNotFound, "log file missing", fileNum, 0)
	} else if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	if info.Size() == 0 {
		return &mmapSource{data: nil}, func() error { return nil }, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	src := &mmapSource{data: data}
	return src, src.unmap, nil
}

// Remove deletes fileNum from disk and from the known file list. Returns
// cleanererr.FileNotFound if the file was already gone.
func (m *DirManager) Remove(fileNum uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.FullFileName(fileNum)); err != nil {
		if os.IsNotExist(err) {
			m.forgetLocked(fileNum)
			return cleanererr.NewAt(cleanererr.ErrFileNotFound, "log file already removed", fileNum, 0)
		}
		return err
	}
	m.forgetLocked(fileNum)
	return nil
}

func (m *DirManager) forgetLocked(fileNum uint32) {
	for i, f := range m.fileNumbers {
		if f == fileNum {
			m.fileNumbers = append(m.fileNumbers[:i], m.fileNumbers[i+1:]...)
			return
		}
	}
}

var (
	_ FileManager = (*DirManager)(nil)
	_ LogManager  = (*DirManager)(nil)
	_ FileStore   = (*DirManager)(nil)
)
