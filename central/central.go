// Package central holds the per-size-class lists of partial slabs shared
// by every thread cache. Each class carries its own spin lock on a
// cache-line-aligned record, so classes never contend with one another.
package central

import (
	"math/bits"
	"sync/atomic"

	"github.com/sony/gobreaker"

	"github.com/nmxmxh/hsalloc/foundation"
	"github.com/nmxmxh/hsalloc/osmem"
	"github.com/nmxmxh/hsalloc/slab"
)

// sizeClass is padded to a full cache line to avoid false sharing between
// neighboring class locks.
type sizeClass struct {
	lock       foundation.SpinLock
	head       *slab.Header
	slabsBuilt uint64 // guarded by lock
	_          [slab.CacheLine - 24]byte
}

// Cache is the central cache of partial slabs.
type Cache struct {
	mem     osmem.Supplier
	breaker *gobreaker.CircuitBreaker

	classes [slab.NumClasses]sizeClass

	pagesAcquired atomic.Uint64
	bulkFetches   atomic.Uint64
}

// Stats is a point-in-time snapshot of central cache activity.
type Stats struct {
	PagesAcquired uint64
	BulkFetches   uint64
	SlabsBuilt    [slab.NumClasses]uint64
}

// New creates a central cache backed by the given page supplier.
//
// Page acquisition runs behind a circuit breaker: once the supplier fails
// a few times in a row the breaker opens and bulk fetches short-circuit to
// a zero count instead of hammering the OS on every miss.
func New(mem osmem.Supplier) *Cache {
	return &Cache{
		mem: mem,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "page-supplier",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

// acquirePage asks the supplier for one fresh page. Returns 0 on failure
// or while the breaker is open.
func (c *Cache) acquirePage() uintptr {
	v, err := c.breaker.Execute(func() (interface{}, error) {
		p, err := c.mem.Acquire(slab.PageSize)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
	if err != nil {
		return 0
	}
	c.pagesAcquired.Add(1)
	return v.(uintptr)
}

// FetchBulk fills out with up to len(out) free slot addresses of the given
// class, carving fresh slabs as needed, and returns how many it produced.
// A short (possibly zero) count means the page supplier failed; the
// central cache itself never errors.
//
// Slot choice within a slab is randomized from the caller's stream so the
// hand-out order is not deterministic across runs.
func (c *Cache) FetchBulk(idx int, slotSize uint32, out []uintptr, rng *foundation.XorShift32) int {
	sc := &c.classes[idx]
	sc.lock.Lock()
	defer sc.lock.Unlock()

	c.bulkFetches.Add(1)

	fetched := 0
	for fetched < len(out) {
		// Expand the slab list if empty
		if sc.head == nil {
			page := c.acquirePage()
			if page == 0 {
				break
			}
			sc.head = slab.Init(page, slotSize)
			sc.slabsBuilt++
		}

		s := sc.head
		for fetched < len(out) && s.FreeBitmap != 0 {
			bit := pickSlot(s.FreeBitmap, rng)
			s.FreeBitmap &^= 1 << bit
			out[fetched] = s.SlotAddr(bit)
			fetched++
		}

		// Retire full slabs
		if s.FreeBitmap == 0 {
			sc.head = s.Next
			s.Next = nil
		} else if fetched == len(out) {
			break
		}
	}
	return fetched
}

// pickSlot draws a uniform rotation offset, scans the rotated bitmap for
// its lowest set bit and maps it back to the original position. The plain
// lowest-set-bit scan is the fallback; bitmap is never zero here.
func pickSlot(bitmap uint64, rng *foundation.XorShift32) int {
	offset := int(rng.Next() % 64)
	rotated := bits.RotateLeft64(bitmap, -offset)
	if low := bits.TrailingZeros64(rotated); low < 64 {
		return (low + offset) % 64
	}
	return bits.TrailingZeros64(bitmap)
}

// Release marks the slot at p free again. A slab that was full (detached)
// is relinked at the head of its partial list.
func (c *Cache) Release(p uintptr, idx int) {
	sc := &c.classes[idx]
	sc.lock.Lock()
	defer sc.lock.Unlock()

	h := slab.FromPtr(p)
	wasFull := h.FreeBitmap == 0

	bit := h.SlotIndex(p)
	h.FreeBitmap |= 1 << bit

	if wasFull {
		h.Next = sc.head
		sc.head = h
	}
}

// GetStats snapshots the cache counters.
func (c *Cache) GetStats() Stats {
	st := Stats{
		PagesAcquired: c.pagesAcquired.Load(),
		BulkFetches:   c.bulkFetches.Load(),
	}
	for i := range c.classes {
		sc := &c.classes[i]
		sc.lock.Lock()
		st.SlabsBuilt[i] = sc.slabsBuilt
		sc.lock.Unlock()
	}
	return st
}
