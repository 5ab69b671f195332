// Package epoch provides epoch-based reclamation for lock-free data
// structures shared by pagedir and bufferset.
//
// The contract is the one spec.md §9 asks for: no reader holding a guard
// acquired before a retirement observes memory freed by that retirement.
// The collector tracks a global epoch and the set of pinned participants;
// a retired value's cleanup runs only once every participant that could
// have observed it has advanced past the epoch it was retired in.
//
// This is a simplified, mutex-coordinated cousin of the classic
// three-epoch-bag algorithm (cf. crossbeam-epoch): the global epoch
// advances by a single CAS, but Pin and Unpin take a short-held mutex
// over the participant registry, and Defer takes one over the garbage
// bins.
package epoch

import (
	"sync"
	"sync/atomic"
)

// participant tracks one pinned/unpinned caller slot.
type participant struct {
	active     atomic.Bool
	localEpoch atomic.Uint64
}

// Collector owns the global epoch and the deferred-cleanup garbage bins.
//
// The zero value is not usable; construct with NewCollector.
type Collector struct {
	globalEpoch atomic.Uint64

	mu           sync.Mutex
	participants []*participant
	freeSlots    []int

	garbageMu sync.Mutex
	garbage   [3][]func()
}

// NewCollector creates an empty collector at epoch 0.
func NewCollector() *Collector {
	return &Collector{}
}

// acquireParticipant finds a free participant slot or appends a new one.
func (c *Collector) acquireParticipant() *participant {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n := len(c.freeSlots); n > 0 {
		idx := c.freeSlots[n-1]
		c.freeSlots = c.freeSlots[:n-1]

		return c.participants[idx]
	}

	p := &participant{}
	c.participants = append(c.participants, p)

	return p
}

// Guard is a scoped pin acquired via Collector.Pin.
//
// A Guard must not be stored across suspension points (spec.md §9,
// "self-referential borrow"); it is intended to be held only for the
// duration of a synchronous, non-blocking operation.
type Guard struct {
	c *Collector
	p *participant
	// slotIdx is the index of p within c.participants, recorded so Unpin
	// can return the slot to the free list without a linear scan.
	slotIdx int
}

// Pin marks the caller as observing the current epoch. Memory deferred
// for reclamation after this call, by any thread, will not be freed
// until the returned Guard (and every other guard pinned no later than
// it) is released.
func (c *Collector) Pin() *Guard {
	c.mu.Lock()
	var idx int

	if n := len(c.freeSlots); n > 0 {
		idx = c.freeSlots[n-1]
		c.freeSlots = c.freeSlots[:n-1]
	} else {
		idx = len(c.participants)
		c.participants = append(c.participants, &participant{})
	}

	p := c.participants[idx]
	c.mu.Unlock()

	e := c.globalEpoch.Load()
	p.localEpoch.Store(e)
	p.active.Store(true)

	return &Guard{c: c, p: p, slotIdx: idx}
}

// Defer schedules f to run once no guard pinned at or before the current
// epoch remains active. f must not block and must not itself call Pin
// or Defer on the same collector.
func (g *Guard) Defer(f func()) {
	e := g.c.globalEpoch.Load()

	g.c.garbageMu.Lock()
	g.c.garbage[e%3] = append(g.c.garbage[e%3], f)
	g.c.garbageMu.Unlock()
}

// Unpin releases the guard and opportunistically advances the epoch,
// running any garbage that becomes safe to reclaim.
func (g *Guard) Unpin() {
	g.p.active.Store(false)

	g.c.mu.Lock()
	g.c.freeSlots = append(g.c.freeSlots, g.slotIdx)
	g.c.mu.Unlock()

	g.c.tryAdvance()
}

// tryAdvance bumps the global epoch by one if every active participant
// has observed the current epoch, then reclaims garbage that is now two
// epochs old (safe: every guard that could reference it has released).
func (c *Collector) tryAdvance() {
	cur := c.globalEpoch.Load()

	c.mu.Lock()
	for _, p := range c.participants {
		if p.active.Load() && p.localEpoch.Load() != cur {
			c.mu.Unlock()

			return
		}
	}
	c.mu.Unlock()

	if !c.globalEpoch.CompareAndSwap(cur, cur+1) {
		return
	}

	// Garbage deferred at epoch (cur+1)-2 == cur-1 is now safe: every
	// participant is pinned at cur or later (we just verified this for
	// cur, and any new pin after the CAS observes cur+1 or later).
	bin := (cur + 2) % 3

	c.garbageMu.Lock()
	toRun := c.garbage[bin]
	c.garbage[bin] = nil
	c.garbageMu.Unlock()

	for _, f := range toRun {
		f()
	}
}

// Flush forces every still-pending garbage bin to run, regardless of
// epoch. Intended for shutdown paths (e.g. dropping a Directory or
// BufferSet) where no reader can possibly still hold a guard.
func (c *Collector) Flush() {
	c.garbageMu.Lock()
	var all []func()

	for i := range c.garbage {
		all = append(all, c.garbage[i]...)
		c.garbage[i] = nil
	}
	c.garbageMu.Unlock()

	for _, f := range all {
		f()
	}
}
