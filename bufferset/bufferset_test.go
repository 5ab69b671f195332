package bufferset_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/bwstore/bufferset"
	"github.com/calvinalkan/bwstore/writebuf"
)

// Contract (invariant 5): a fresh BufferSet has no sealed buffers and
// one current buffer at file_id range.end-1.
func Test_New_Installs_Empty_Version_At_File_Zero(t *testing.T) {
	t.Parallel()

	bs, err := bufferset.New(1 << 16)
	require.NoError(t, err)

	ref := bs.Current()
	defer ref.Release()

	v := ref.Version()
	require.Equal(t, bufferset.BuffersRange{Start: 0, End: 1}, v.Range())
	require.Empty(t, v.SealedBuffers())
	require.EqualValues(t, 0, v.CurrentBuffer().FileID())
}

// Contract: Install rotates the current buffer into sealed_buffers and
// widens the range; ranges stay consecutive (invariant 5).
func Test_Install_Widens_Range_And_Seals_Previous_Current(t *testing.T) {
	t.Parallel()

	bs, err := bufferset.New(1 << 16)
	require.NoError(t, err)

	next, err := writebuf.New(1, 1<<16)
	require.NoError(t, err)

	bs.Install(next)

	ref := bs.Current()
	defer ref.Release()

	v := ref.Version()
	require.Equal(t, bufferset.BuffersRange{Start: 0, End: 2}, v.Range())
	require.Len(t, v.SealedBuffers(), int(v.Range().End-v.Range().Start)-1)
	require.EqualValues(t, 0, v.SealedBuffers()[0].FileID())
	require.EqualValues(t, 1, v.CurrentBuffer().FileID())
}

func Test_Install_Panics_On_Nonconsecutive_File_ID(t *testing.T) {
	t.Parallel()

	bs, err := bufferset.New(1 << 16)
	require.NoError(t, err)

	bogus, err := writebuf.New(7, 1<<16)
	require.NoError(t, err)

	require.Panics(t, func() { bs.Install(bogus) })
}

// Contract: OnFlushed pops the oldest sealed buffer and narrows the
// range start.
func Test_OnFlushed_Retires_Oldest_Sealed_Buffer(t *testing.T) {
	t.Parallel()

	bs, err := bufferset.New(1 << 16)
	require.NoError(t, err)

	buf1, err := writebuf.New(1, 1<<16)
	require.NoError(t, err)

	bs.Install(buf1)

	bs.OnFlushed(0)

	ref := bs.Current()
	defer ref.Release()

	v := ref.Version()
	require.Equal(t, bufferset.BuffersRange{Start: 1, End: 2}, v.Range())
	require.Empty(t, v.SealedBuffers())
}

func Test_OnFlushed_Panics_On_Wrong_File_ID(t *testing.T) {
	t.Parallel()

	bs, err := bufferset.New(1 << 16)
	require.NoError(t, err)

	require.Panics(t, func() { bs.OnFlushed(99) })
}

// Contract (S6): a waiter on WaitFlushable completes once
// NotifyFlushJob is called after a seal+install handoff; installing at
// a non-consecutive file id panics.
func Test_Flush_Wait_Handoff(t *testing.T) {
	t.Parallel()

	bs, err := bufferset.New(1 << 16)
	require.NoError(t, err)

	ref := bs.Current()
	current := ref.Version().CurrentBuffer()
	ref.Release()

	done := make(chan error, 1)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		done <- bs.WaitFlushable(ctx)
	}()

	releaseState, err := current.Seal(false)
	require.NoError(t, err)
	require.Equal(t, writebuf.ReleaseFlush, releaseState)

	next, err := writebuf.New(1, 1<<16)
	require.NoError(t, err)

	bs.Install(next)
	bs.NotifyFlushJob()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter on WaitFlushable did not complete")
	}

	bogus, err := writebuf.New(99, 1<<16)
	require.NoError(t, err)

	require.Panics(t, func() { bs.Install(bogus) })
}

// Contract: extra NotifyFlushJob calls before any waiter coalesce into
// the single stored permit; a later WaitFlushable consumes it
// immediately.
func Test_NotifyFlushJob_Coalesces_Into_One_Permit(t *testing.T) {
	t.Parallel()

	bs, err := bufferset.New(1 << 16)
	require.NoError(t, err)

	bs.NotifyFlushJob()
	bs.NotifyFlushJob()
	bs.NotifyFlushJob()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, bs.WaitFlushable(ctx))

	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()

	require.Error(t, bs.WaitFlushable(ctx2))
}

// Contract: Version.Install publishes exactly once per predecessor;
// Refresh walks to the tail; WriteBuffer resolves by file id in O(1).
func Test_Version_Install_Refresh_And_WriteBuffer_Lookup(t *testing.T) {
	t.Parallel()

	bs, err := bufferset.New(1 << 16)
	require.NoError(t, err)

	root := bs.RootVersion()

	buf1, err := writebuf.New(1, 1<<16)
	require.NoError(t, err)

	bs.Install(buf1)

	v1 := root.Install(bufferset.Delta{
		Files:        map[uint32]bufferset.FileInfo{},
		DeletedFiles: map[uint32]struct{}{},
	})

	require.Nil(t, root.Refresh().Refresh()) // v1 is the tail
	require.Same(t, v1, root.Refresh())

	wb, ok := v1.WriteBuffer(1)
	require.True(t, ok)
	require.EqualValues(t, 1, wb.FileID())

	if diff := cmp.Diff(bufferset.BuffersRange{Start: 0, End: 2}, v1.Range()); diff != "" {
		t.Fatalf("Range() mismatch (-want +got):\n%s", diff)
	}

	_, ok = v1.WriteBuffer(42)
	require.False(t, ok)

	require.Panics(t, func() {
		root.Install(bufferset.Delta{Files: map[uint32]bufferset.FileInfo{}, DeletedFiles: map[uint32]struct{}{}})
	})
}

// Contract: a waiter on WaitNextVersion completes once Install
// publishes the successor.
func Test_Version_WaitNextVersion_Completes_On_Install(t *testing.T) {
	t.Parallel()

	bs, err := bufferset.New(1 << 16)
	require.NoError(t, err)

	root := bs.RootVersion()

	var wg sync.WaitGroup

	wg.Add(1)

	var next *bufferset.Version

	go func() {
		defer wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		n, err := root.WaitNextVersion(ctx)
		require.NoError(t, err)

		next = n
	}()

	installed := root.Install(bufferset.Delta{
		Files:        map[uint32]bufferset.FileInfo{},
		DeletedFiles: map[uint32]struct{}{},
	})

	wg.Wait()
	require.Same(t, installed, next)
}

func Test_Version_WaitNextVersion_Respects_Context_Cancellation(t *testing.T) {
	t.Parallel()

	bs, err := bufferset.New(1 << 16)
	require.NoError(t, err)

	root := bs.RootVersion()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = root.WaitNextVersion(ctx)
	require.Error(t, err)
}
