package epoch_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/bwstore/internal/epoch"
)

// Contract: a value deferred while a guard is pinned is not reclaimed
// until that guard (and every guard pinned no later than it) unpins.
func Test_Defer_Does_Not_Run_While_Guard_Pinned(t *testing.T) {
	t.Parallel()

	c := epoch.NewCollector()

	outer := c.Pin()

	var ran atomic.Bool

	inner := c.Pin()
	inner.Defer(func() { ran.Store(true) })
	inner.Unpin()

	require.False(t, ran.Load(), "garbage must not run while an older guard is still pinned")

	outer.Unpin()

	// Advancing the epoch enough times makes the deferred garbage safe.
	for range 4 {
		g := c.Pin()
		g.Unpin()
	}

	require.True(t, ran.Load(), "garbage must eventually run once all observing guards unpin")
}

// Contract: many concurrent pin/defer/unpin cycles never run a deferred
// closure before the guard that deferred it has unpinned.
func Test_Concurrent_Pin_Unpin_Never_Reclaims_Early(t *testing.T) {
	t.Parallel()

	c := epoch.NewCollector()

	const workers = 32

	const itersPerWorker = 200

	var wg sync.WaitGroup

	var violations atomic.Int64

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range itersPerWorker {
				g := c.Pin()

				done := make(chan struct{})
				g.Defer(func() { close(done) })

				select {
				case <-done:
					violations.Add(1)
				default:
				}

				g.Unpin()
			}
		}()
	}

	wg.Wait()
	require.Zero(t, violations.Load())
}

// Contract: Flush runs every pending closure regardless of epoch,
// for shutdown paths where no reader can hold a guard anymore.
func Test_Flush_Runs_All_Pending_Garbage(t *testing.T) {
	t.Parallel()

	c := epoch.NewCollector()

	const n = 10

	var count atomic.Int32

	for range n {
		g := c.Pin()
		g.Defer(func() { count.Add(1) })
		g.Unpin()
	}

	c.Flush()

	require.EqualValues(t, n, count.Load())
}
