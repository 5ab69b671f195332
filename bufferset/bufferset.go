// Package bufferset implements the BufferSet and Version chain from
// spec.md §4.3: the ordered set of live WriteBuffers by monotonically
// increasing file id, published as immutable BufferSetVersion snapshots,
// plus the linked chain of reader-facing Versions that layer on-disk
// file state over those snapshots.
package bufferset

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/calvinalkan/bwstore/internal/epoch"
	"github.com/calvinalkan/bwstore/writebuf"
)

// BuffersRange is the half-open range [Start, End) of live file ids.
type BuffersRange struct {
	Start uint32
	End   uint32
}

// BufferSetVersion is an immutable snapshot of the ordered live write
// buffers. Exactly one current_buffer; file ids are consecutive across
// sealed_buffers ++ [current_buffer].
type BufferSetVersion struct {
	buffersRange  BuffersRange
	sealedBuffers []*writebuf.WriteBuffer // oldest first
	currentBuffer *writebuf.WriteBuffer
}

// Range returns the half-open [start, end) of live file ids.
func (v *BufferSetVersion) Range() BuffersRange { return v.buffersRange }

// SealedBuffers returns the sealed buffers, oldest first. The slice must
// not be mutated by the caller.
func (v *BufferSetVersion) SealedBuffers() []*writebuf.WriteBuffer { return v.sealedBuffers }

// CurrentBuffer returns the one non-sealed (or just-sealed) buffer at
// the tail of the range.
func (v *BufferSetVersion) CurrentBuffer() *writebuf.WriteBuffer { return v.currentBuffer }

// allBuffers returns sealed_buffers ++ [current_buffer], the flat
// ordering a Version snapshots verbatim.
func (v *BufferSetVersion) allBuffers() []*writebuf.WriteBuffer {
	all := make([]*writebuf.WriteBuffer, len(v.sealedBuffers)+1)
	copy(all, v.sealedBuffers)
	all[len(v.sealedBuffers)] = v.currentBuffer

	return all
}

// WriteBuffer looks up the live buffer for fileID within this snapshot.
// Because file ids are consecutive across the range, this is a direct
// index, not a search.
func (v *BufferSetVersion) WriteBuffer(fileID uint32) (*writebuf.WriteBuffer, bool) {
	if fileID < v.buffersRange.Start || fileID >= v.buffersRange.End {
		return nil, false
	}

	if idx := fileID - v.buffersRange.Start; int(idx) < len(v.sealedBuffers) {
		return v.sealedBuffers[idx], true
	}

	return v.currentBuffer, true
}

// flushNotify is a single-permit async wakeup: at most one outstanding
// notification is ever stored, extra notifies coalesce into the one
// already pending.
type flushNotify struct {
	permit chan struct{}
}

func newFlushNotify() *flushNotify {
	return &flushNotify{permit: make(chan struct{}, 1)}
}

func (n *flushNotify) wait(ctx context.Context) error {
	select {
	case <-n.permit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *flushNotify) notify() {
	select {
	case n.permit <- struct{}{}:
	default:
	}
}

// BufferSet owns the current BufferSetVersion and the epoch collector
// that protects its retirement.
//
// The zero value is not usable; construct with New.
type BufferSet struct {
	writeBufferCapacity uint32
	current             atomic.Pointer[BufferSetVersion]
	collector           *epoch.Collector
	notify              *flushNotify
}

// New constructs a BufferSet with write_buffer_capacity fixed for every
// WriteBuffer it rotates in, and installs a first, empty BufferSetVersion
// at file_id 0, range [0, 1).
func New(writeBufferCapacity uint32) (*BufferSet, error) {
	first, err := writebuf.New(0, writeBufferCapacity)
	if err != nil {
		return nil, fmt.Errorf("bufferset: construct initial write buffer: %w", err)
	}

	bs := &BufferSet{
		writeBufferCapacity: writeBufferCapacity,
		collector:           epoch.NewCollector(),
		notify:              newFlushNotify(),
	}

	bs.current.Store(&BufferSetVersion{
		buffersRange:  BuffersRange{Start: 0, End: 1},
		sealedBuffers: nil,
		currentBuffer: first,
	})

	return bs, nil
}

// WriteBufferCapacity returns the fixed capacity every rotated-in buffer
// must have.
func (bs *BufferSet) WriteBufferCapacity() uint32 { return bs.writeBufferCapacity }

// BufferSetRef is a scoped borrow of a BufferSetVersion: it carries both
// the snapshot pointer and the epoch guard keeping it alive. Must not be
// held across a suspension point; call Release as soon as the snapshot
// is no longer needed.
type BufferSetRef struct {
	guard *epoch.Guard
	v     *BufferSetVersion
}

// Version returns the pinned BufferSetVersion.
func (r *BufferSetRef) Version() *BufferSetVersion { return r.v }

// Release unpins the epoch guard backing this ref.
func (r *BufferSetRef) Release() { r.guard.Unpin() }

// Current pins the current epoch and returns a borrow of the current
// BufferSetVersion. The ref keeps the version alive until Release.
func (bs *BufferSet) Current() *BufferSetRef {
	g := bs.collector.Pin()

	return &BufferSetRef{guard: g, v: bs.current.Load()}
}

// Install makes buf the new current buffer and moves the previous
// current buffer onto the end of sealed_buffers. Called by the sole
// sealer/rotator; the core assumes no concurrent Install call. Panics if
// buf's file id does not immediately follow the current range.
func (bs *BufferSet) Install(buf *writebuf.WriteBuffer) {
	cur := bs.current.Load()

	if buf.FileID() != cur.buffersRange.End {
		panic(fmt.Sprintf("bufferset: install file_id %d does not follow range end %d", buf.FileID(), cur.buffersRange.End))
	}

	sealed := make([]*writebuf.WriteBuffer, len(cur.sealedBuffers)+1)
	copy(sealed, cur.sealedBuffers)
	sealed[len(cur.sealedBuffers)] = cur.currentBuffer

	next := &BufferSetVersion{
		buffersRange:  BuffersRange{Start: cur.buffersRange.Start, End: cur.buffersRange.End + 1},
		sealedBuffers: sealed,
		currentBuffer: buf,
	}

	bs.current.Store(next)
	bs.retire(cur)
}

// OnFlushed is called by the flush worker after persisting the oldest
// sealed buffer. Panics if file_id is not the oldest live file id.
func (bs *BufferSet) OnFlushed(fileID uint32) {
	cur := bs.current.Load()

	if fileID != cur.buffersRange.Start {
		panic(fmt.Sprintf("bufferset: on_flushed file_id %d does not match range start %d", fileID, cur.buffersRange.Start))
	}

	if len(cur.sealedBuffers) == 0 {
		panic("bufferset: on_flushed called with no sealed buffers to retire")
	}

	next := &BufferSetVersion{
		buffersRange:  BuffersRange{Start: cur.buffersRange.Start + 1, End: cur.buffersRange.End},
		sealedBuffers: cur.sealedBuffers[1:],
		currentBuffer: cur.currentBuffer,
	}

	bs.current.Store(next)
	bs.retire(cur)
}

// retire defers dropping the replaced BufferSetVersion until no guard
// pinned before the rotation remains active.
func (bs *BufferSet) retire(old *BufferSetVersion) {
	g := bs.collector.Pin()
	g.Defer(func() { _ = old })
	g.Unpin()
}

// WaitFlushable suspends until a subsequent NotifyFlushJob, or until ctx
// is done. At most one outstanding notification is ever buffered.
func (bs *BufferSet) WaitFlushable(ctx context.Context) error {
	return bs.notify.wait(ctx)
}

// NotifyFlushJob wakes one waiter, or stores a permit for the next
// WaitFlushable call if none is currently waiting.
func (bs *BufferSet) NotifyFlushJob() {
	bs.notify.notify()
}
