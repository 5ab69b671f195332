// Package pagedir implements the lock-free page directory: a dense
// integer page id maps to an opaque tagged 64-bit page pointer through a
// three-level radix trie, with wait-free reads, lock-free CAS
// installation, and epoch-deferred id reclamation.
//
// The directory never interprets the 64-bit pointer value beyond the
// reserved sentinel zero; the Bw-Tree layer above owns the tag meaning
// (in-memory vs. on-disk variant).
package pagedir

import (
	"fmt"
	"sync/atomic"

	"github.com/calvinalkan/bwstore/internal/epoch"
)

// Fanout is F, the number of entries at each radix level.
const Fanout = 1 << 16

// Capacity is F^3, the total number of ids the directory can address.
const Capacity = uint64(Fanout) * uint64(Fanout) * uint64(Fanout)

// freeListEnd is the sentinel value for an empty free list, distinct
// from every valid id since all ids are < Capacity.
const freeListEnd = Capacity

type l0Block [Fanout]atomic.Uint64

type l1Block [Fanout]atomic.Pointer[l0Block]

type l2Block [Fanout]atomic.Pointer[l1Block]

// Directory is the page directory described by spec.md §4.1.
//
// The zero value is not usable; construct with New.
type Directory struct {
	l0 *l0Block // ids [0, Fanout)
	l1 *l1Block // ids [Fanout, Fanout^2); top array eager, children lazy
	l2 *l2Block // ids [Fanout^2, Fanout^3); top array eager, children lazy

	free atomic.Uint64 // head of free list; freeListEnd means empty
	next atomic.Uint64 // next id never yet handed out
}

// New creates an empty directory. No ids are allocated yet.
func New() *Directory {
	d := &Directory{
		l0: &l0Block{},
		l1: &l1Block{},
		l2: &l2Block{},
	}
	d.free.Store(freeListEnd)

	return d
}

// slot resolves id to its backing atomic word, lazily installing any
// missing child block along the way. Panics if id >= Capacity.
func (d *Directory) slot(id uint64) *atomic.Uint64 {
	switch {
	case id < uint64(Fanout):
		return &d.l0[id]
	case id < uint64(Fanout)*uint64(Fanout):
		rem := id - uint64(Fanout)
		idx1 := rem / uint64(Fanout)
		idx0 := rem % uint64(Fanout)

		block := loadOrInstall(&d.l1[idx1])

		return &block[idx0]
	case id < Capacity:
		rem := id - uint64(Fanout)*uint64(Fanout)
		idx2 := rem / (uint64(Fanout) * uint64(Fanout))
		rem2 := rem % (uint64(Fanout) * uint64(Fanout))
		idx1 := rem2 / uint64(Fanout)
		idx0 := rem2 % uint64(Fanout)

		l1b := loadOrInstall(&d.l2[idx2])
		l0b := loadOrInstall(&l1b[idx1])

		return &l0b[idx0]
	default:
		panic(fmt.Sprintf("pagedir: id %d out of range [0, %d)", id, Capacity))
	}
}

// loadOrInstall returns *slot, CAS-installing a freshly allocated child
// block if the slot is still nil. A losing allocation is simply
// discarded; once a block is installed it is never freed until the
// directory itself is dropped.
func loadOrInstall[T any](slot *atomic.Pointer[T]) *T {
	if p := slot.Load(); p != nil {
		return p
	}

	fresh := new(T)
	if slot.CompareAndSwap(nil, fresh) {
		return fresh
	}

	return slot.Load()
}

// Get acquire-loads the pointer stored at id. Undefined if id was never
// allocated.
func (d *Directory) Get(id uint64) uint64 {
	return d.slot(id).Load()
}

// Set release-stores w at id.
func (d *Directory) Set(id uint64, w uint64) {
	d.slot(id).Store(w)
}

// CAS performs the sole publication primitive the Bw-Tree layer uses to
// install page-pointer deltas: acq-rel on success, acquire on failure.
// Returns the previous value and whether the swap succeeded.
func (d *Directory) CAS(id uint64, old, new uint64) (actual uint64, ok bool) {
	s := d.slot(id)
	if s.CompareAndSwap(old, new) {
		return old, true
	}

	return s.Load(), false
}

// CASOrConflict wraps CAS for callers that want an error return instead
// of a boolean: a lost race is reported as ErrConflict, the one signal
// spec.md §7 says the core exposes for a CAS loss (directory slot or
// page-version check on swap-in).
func (d *Directory) CASOrConflict(id uint64, old, new uint64) error {
	if _, ok := d.CAS(id, old, new); !ok {
		return fmt.Errorf("pagedir: lost compare-and-swap at id %d: %w", id, ErrConflict)
	}

	return nil
}

// Alloc returns a fresh id, recycled from the free list (LIFO) when
// possible, otherwise the next never-used id. Returns false when the
// directory is exhausted.
//
// guard is accepted for API symmetry with Dealloc and to make call
// sites pin-scoped even though allocation itself never reclaims memory.
func (d *Directory) Alloc(_ *epoch.Guard) (id uint64, ok bool) {
	for {
		head := d.free.Load()
		if head != freeListEnd {
			nextHead := d.slot(head).Load()
			if d.free.CompareAndSwap(head, nextHead) {
				return head, true
			}

			continue
		}

		n := d.next.Load()
		if n >= Capacity {
			return 0, false
		}

		if d.next.CompareAndSwap(n, n+1) {
			return n, true
		}
	}
}

// Dealloc defers return of id to the free list until guard's epoch is
// safe, so the id cannot be reissued while a concurrent reader could
// still observe a stale pointer at that slot.
func (d *Directory) Dealloc(id uint64, guard *epoch.Guard) {
	guard.Defer(func() {
		for {
			head := d.free.Load()
			d.slot(id).Store(head)

			if d.free.CompareAndSwap(head, id) {
				return
			}
		}
	})
}
