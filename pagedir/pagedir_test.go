package pagedir_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/bwstore/internal/epoch"
	"github.com/calvinalkan/bwstore/pagedir"
)

// Contract (S1): a fresh directory recycles ids LIFO through dealloc.
func Test_Alloc_Dealloc_Is_LIFO(t *testing.T) {
	t.Parallel()

	d := pagedir.New()
	c := epoch.NewCollector()

	g := c.Pin()
	defer g.Unpin()

	id0, ok := d.Alloc(g)
	require.True(t, ok)
	require.EqualValues(t, 0, id0)

	id1, ok := d.Alloc(g)
	require.True(t, ok)
	require.EqualValues(t, 1, id1)

	d.Dealloc(id0, g)
	d.Dealloc(id1, g)
	g.Unpin()

	// Advance enough epochs for the deferred frees to land.
	for range 4 {
		gg := c.Pin()
		gg.Unpin()
	}

	g2 := c.Pin()
	defer g2.Unpin()

	got1, ok := d.Alloc(g2)
	require.True(t, ok)
	require.EqualValues(t, 1, got1)

	got0, ok := d.Alloc(g2)
	require.True(t, ok)
	require.EqualValues(t, 0, got0)
}

// Contract (S2): get/set round-trip at every radix-boundary id.
func Test_Get_Set_At_Level_Boundaries(t *testing.T) {
	t.Parallel()

	d := pagedir.New()

	boundaries := []uint64{
		0,
		pagedir.Fanout - 1,
		pagedir.Fanout,
		pagedir.Fanout*pagedir.Fanout - 1,
		pagedir.Fanout * pagedir.Fanout,
		pagedir.Capacity - 1,
	}

	for _, id := range boundaries {
		d.Set(id, id)
		require.Equal(t, id, d.Get(id), "id=%d", id)
	}
}

// Contract: CAS is the sole publication primitive; losers observe the
// current value and can retry.
func Test_CAS_Reports_Actual_On_Failure(t *testing.T) {
	t.Parallel()

	d := pagedir.New()
	d.Set(42, 100)

	actual, ok := d.CAS(42, 999, 200)
	require.False(t, ok)
	require.EqualValues(t, 100, actual)

	actual, ok = d.CAS(42, 100, 200)
	require.True(t, ok)
	require.EqualValues(t, 100, actual)
	require.EqualValues(t, 200, d.Get(42))
}

// Contract (spec.md §7): a lost CAS is surfaced as ErrConflict, not
// retried internally.
func Test_CASOrConflict_Wraps_A_Lost_Race(t *testing.T) {
	t.Parallel()

	d := pagedir.New()
	d.Set(7, 1)

	err := d.CASOrConflict(7, 999, 2)
	require.Error(t, err)
	require.True(t, errors.Is(err, pagedir.ErrConflict))
	require.EqualValues(t, 1, d.Get(7))

	require.NoError(t, d.CASOrConflict(7, 1, 2))
	require.EqualValues(t, 2, d.Get(7))
}

// Contract: concurrent allocators never hand out the same id twice
// simultaneously, and every id stays within [0, Capacity).
func Test_Concurrent_Alloc_Never_Double_Issues(t *testing.T) {
	t.Parallel()

	d := pagedir.New()
	c := epoch.NewCollector()

	const workers = 16

	const allocsPerWorker = 500

	results := make(chan uint64, workers*allocsPerWorker)

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range allocsPerWorker {
				g := c.Pin()

				id, ok := d.Alloc(g)
				g.Unpin()

				if ok {
					results <- id
				}
			}
		}()
	}

	wg.Wait()
	close(results)

	seenSet := make(map[uint64]bool, workers*allocsPerWorker)

	for id := range results {
		require.Less(t, id, pagedir.Capacity)
		require.False(t, seenSet[id], "id %d issued twice concurrently", id)
		seenSet[id] = true
	}
}
