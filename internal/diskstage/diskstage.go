// Package diskstage is the minimal on-disk-layer collaborator named in
// spec.md §6: it consumes a flushable WriteBuffer's iterator, persists
// the records to a segment file, and hands back the FileInfo the core
// stores verbatim in a bufferset.Version.
//
// The core itself owns no on-disk format or durability contract; this
// package is the external provider spec.md defers to, built the way the
// teacher repo persists its own binary cache (github.com/natefinch/atomic
// temp-file-then-rename, a device/inode-scoped flock, and an explicit
// fdatasync beyond what the atomic write already guarantees).
package diskstage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	natomic "github.com/natefinch/atomic"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/calvinalkan/bwstore/bufferset"
	"github.com/calvinalkan/bwstore/writebuf"
)

// Stage persists flushed write buffers as segment files under a single
// directory.
//
// The zero value is not usable; construct with New.
type Stage struct {
	dir string
}

// New creates a Stage rooted at dir, creating it if necessary.
func New(dir string) (*Stage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("diskstage: create segment dir %q: %w", dir, err)
	}

	return &Stage{dir: dir}, nil
}

// segmentPath returns the path a segment with the given id is written
// to.
func (s *Stage) segmentPath(id uuid.UUID) string {
	return filepath.Join(s.dir, id.String()+".seg")
}

// Flush persists every live record of a flushable WriteBuffer to a new
// segment file and returns the FileInfo the core should install via
// bufferset.Delta after calling BufferSet.OnFlushed.
//
// Each persisted record is the arena's 16-byte header followed by its
// PageSize body bytes, so a later loader can reuse writebuf's header
// codec without translation. The segment is not a verbatim copy of the
// arena: word-alignment padding is not written, and tombstoned records
// are left out.
func (s *Stage) Flush(wb *writebuf.WriteBuffer) (bufferset.FileInfo, error) {
	var body bytes.Buffer

	for rec := range wb.Iter() {
		var header [writebuf.RecordHeaderSize]byte

		binary.LittleEndian.PutUint64(header[0:], rec.Header.PageID)
		binary.LittleEndian.PutUint32(header[8:], uint32(rec.Header.Flags))
		binary.LittleEndian.PutUint32(header[12:], rec.Header.PageSize)

		body.Write(header[:])
		body.Write(rec.Body)
	}

	id := uuid.New()
	path := s.segmentPath(id)

	if err := natomic.WriteFile(path, bytes.NewReader(body.Bytes())); err != nil {
		return bufferset.FileInfo{}, fmt.Errorf("diskstage: write segment %s: %w", id, err)
	}

	if err := fdatasyncPath(path); err != nil {
		return bufferset.FileInfo{}, fmt.Errorf("diskstage: fdatasync segment %s: %w", id, err)
	}

	return bufferset.FileInfo{SegmentID: id, Size: int64(body.Len())}, nil
}

// Verify re-reads a flushed segment and walks its records with the same
// header codec writebuf uses, checking that every record's flags are
// recognized and its declared size does not run past the data on disk.
// Returns an error wrapping writebuf.ErrCorrupted on the first violation,
// nil if the segment is well-formed.
//
// This is the on-disk-layer half of spec.md §7's Corrupted signal: the
// core itself never reads a segment back, so detection happens here and
// the sentinel travels up through the core's own error type.
func (s *Stage) Verify(segmentID uuid.UUID) error {
	path := s.segmentPath(segmentID)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("diskstage: read segment %s: %w", segmentID, err)
	}

	offset := 0
	for offset < len(data) {
		if offset+int(writebuf.RecordHeaderSize) > len(data) {
			return fmt.Errorf("diskstage: segment %s: truncated record header at offset %d: %w", segmentID, offset, writebuf.ErrCorrupted)
		}

		h := writebuf.DecodeHeader(data[offset:])
		if !h.Valid() {
			return fmt.Errorf("diskstage: segment %s: unrecognized flags %d at offset %d: %w", segmentID, h.Flags, offset, writebuf.ErrCorrupted)
		}

		recordEnd := offset + int(writebuf.RecordHeaderSize) + int(h.PageSize)
		if recordEnd > len(data) {
			return fmt.Errorf("diskstage: segment %s: record at offset %d declares %d body bytes past end of file: %w", segmentID, offset, h.PageSize, writebuf.ErrCorrupted)
		}

		offset = recordEnd
	}

	return nil
}

// fdatasyncPath fdatasyncs the file at path directly, on top of the
// fsync natefinch/atomic already performs on the temp file before
// rename: the rename itself is not guaranteed durable until the
// renamed-to path is synced again.
func fdatasyncPath(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return unix.Fdatasync(int(f.Fd()))
}

// Lock acquires an exclusive advisory flock on segmentID's lock file,
// blocking until it is available. It excludes only other callers of
// Lock on the same segment; Flush and Verify do not take it. Mirrors the
// device/inode-scoped flock the teacher uses ahead of any mutation of a
// shared cache file.
func (s *Stage) Lock(segmentID uuid.UUID) (*SegmentLock, error) {
	path := s.segmentPath(segmentID) + ".lock"

	fd, err := syscall.Open(path, syscall.O_CREAT|syscall.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("diskstage: open lock file %q: %w", path, err)
	}

	if err := syscall.Flock(fd, syscall.LOCK_EX); err != nil {
		_ = syscall.Close(fd)

		return nil, fmt.Errorf("diskstage: flock %q: %w", path, err)
	}

	return &SegmentLock{fd: fd}, nil
}

// SegmentLock is a held advisory lock returned by Stage.Lock.
type SegmentLock struct {
	mu sync.Mutex
	fd int
}

// Unlock releases the lock and closes its file descriptor. Idempotent.
func (l *SegmentLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fd == 0 {
		return nil
	}

	err := syscall.Flock(l.fd, syscall.LOCK_UN)
	closeErr := syscall.Close(l.fd)
	l.fd = 0

	if err != nil {
		return fmt.Errorf("diskstage: unlock: %w", err)
	}

	if closeErr != nil {
		return fmt.Errorf("diskstage: close lock fd: %w", closeErr)
	}

	return nil
}
