package bufferset

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/calvinalkan/bwstore/writebuf"
)

// Delta carries the on-disk file state a new Version layers over its
// BufferSetVersion snapshot: files delivered by the on-disk layer and
// the set of file ids obsoleted but possibly still referenced by an
// older reader.
type Delta struct {
	Files        map[uint32]FileInfo
	DeletedFiles map[uint32]struct{}
}

// Version is an immutable reader snapshot: a frozen copy of a
// BufferSetVersion's range and buffers, plus on-disk file state.
// Successive Versions form an append-only singly-linked list via next.
//
// The zero value is not usable; obtain one via BufferSet.RootVersion or
// Version.Install.
type Version struct {
	bufferSet    *BufferSet
	buffersRange BuffersRange
	writeBuffers []*writebuf.WriteBuffer
	files        map[uint32]FileInfo
	deletedFiles map[uint32]struct{}

	next atomic.Pointer[Version]
	// installed is closed exactly once, when next is first set, so
	// WaitNextVersion can suspend without polling.
	installed chan struct{}
}

// RootVersion constructs the first Version for a freshly constructed
// BufferSet: an empty files/deleted_files map over whatever
// BufferSetVersion is currently installed.
func (bs *BufferSet) RootVersion() *Version {
	ref := bs.Current()
	defer ref.Release()

	return &Version{
		bufferSet:    bs,
		buffersRange: ref.Version().buffersRange,
		writeBuffers: ref.Version().allBuffers(),
		files:        map[uint32]FileInfo{},
		deletedFiles: map[uint32]struct{}{},
		installed:    make(chan struct{}),
	}
}

// Range returns the [start, end) file id range this Version observed.
func (v *Version) Range() BuffersRange { return v.buffersRange }

// Files returns the on-disk file map. Read-only: callers must not
// mutate the returned map.
func (v *Version) Files() map[uint32]FileInfo { return v.files }

// DeletedFiles returns the obsoleted-but-possibly-referenced file id
// set. Read-only: callers must not mutate the returned map.
func (v *Version) DeletedFiles() map[uint32]struct{} { return v.deletedFiles }

// WriteBuffer looks up the write buffer for fileID within this
// Version's snapshot. Because buffers_range is contiguous, this is a
// direct index, not a search.
func (v *Version) WriteBuffer(fileID uint32) (*writebuf.WriteBuffer, bool) {
	if fileID < v.buffersRange.Start || fileID >= v.buffersRange.End {
		return nil, false
	}

	return v.writeBuffers[fileID-v.buffersRange.Start], true
}

// Install constructs a new Version — snapshotting the BufferSet's
// current BufferSetVersion and layering delta's file state over it —
// and CAS-publishes it as v's successor.
//
// Panics if v already has a successor: installing over a non-null next
// is a programming error, since the chain has exactly one installer.
func (v *Version) Install(delta Delta) *Version {
	ref := v.bufferSet.Current()
	defer ref.Release()

	next := &Version{
		bufferSet:    v.bufferSet,
		buffersRange: ref.Version().buffersRange,
		writeBuffers: ref.Version().allBuffers(),
		files:        delta.Files,
		deletedFiles: delta.DeletedFiles,
		installed:    make(chan struct{}),
	}

	if !v.next.CompareAndSwap(nil, next) {
		panic("bufferset: Version.Install called on a version that already has a successor")
	}

	close(v.installed)

	return next
}

// Refresh walks next from v forward to the tail and returns it, or nil
// if v is already the tail. This is how a reader moves onto a newer
// snapshot without blocking the installer.
func (v *Version) Refresh() *Version {
	if v.next.Load() == nil {
		return nil
	}

	cur := v
	for {
		n := cur.next.Load()
		if n == nil {
			return cur
		}

		cur = n
	}
}

// WaitNextVersion suspends until v's successor is installed, or until
// ctx is done. Returns the successor on success.
func (v *Version) WaitNextVersion(ctx context.Context) (*Version, error) {
	select {
	case <-v.installed:
		return v.next.Load(), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("bufferset: wait next version: %w", ctx.Err())
	}
}

// Local is a per-worker cache of the current Version, the "thread-local
// current Version" optimization spec.md §9 permits. A fresh worker with
// no cached version obtains one from the BufferSet's RootVersion.
type Local struct {
	v atomic.Pointer[Version]
}

// FromLocal returns the cached Version, or nil if none is cached yet.
func (l *Local) FromLocal() *Version { return l.v.Load() }

// SetLocal replaces the cached Version.
func (l *Local) SetLocal(v *Version) { l.v.Store(v) }
