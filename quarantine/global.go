package quarantine

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/nmxmxh/hsalloc/foundation"
	"github.com/nmxmxh/hsalloc/osmem"
	"github.com/nmxmxh/hsalloc/slab"
	"github.com/nmxmxh/hsalloc/utils"
)

// filterCapacity sizes the residency filter for the worst case of a full
// threshold of smallest-class slots.
const filterCapacity = Threshold / 32

// Releaser hands a quarantined slot back to its size class.
type Releaser interface {
	Release(p uintptr, idx int)
}

// Global is the process-wide delayed-reuse FIFO of quarantine batches.
//
// A single spin lock protects the FIFO, the byte counter and the purge
// loop. The purge path calls into the central cache's Release while
// holding that lock; the reverse order never happens.
type Global struct {
	lock  foundation.SpinLock
	head  *Batch
	tail  *Batch
	usage uintptr

	// Residency pre-filter: "might p currently be quarantined?" The
	// filter is advisory, a hit is confirmed by an exact FIFO scan and
	// a miss only skips that scan. Guarded by filterMu, never taken
	// while holding the spin lock's counterpart in the other order.
	filterMu sync.RWMutex
	filter   *bloom.BloomFilter

	cache Releaser
	mem   osmem.Supplier
	log   *utils.Logger

	threshold uintptr

	batchesPushed atomic.Uint64
	purgeCycles   atomic.Uint64
	leaked        atomic.Uint64
}

// Stats is a point-in-time snapshot of quarantine activity.
type Stats struct {
	BytesResident uint64
	BatchesPushed uint64
	PurgeCycles   uint64
	Leaked        uint64
}

// GlobalOptions tunes a Global. The zero value selects the fixed defaults.
type GlobalOptions struct {
	// Threshold overrides the purge threshold. Only tests and embedders
	// with unusual memory budgets should set this.
	Threshold uintptr
}

// NewGlobal creates the global quarantine.
func NewGlobal(cache Releaser, mem osmem.Supplier, log *utils.Logger, opts GlobalOptions) *Global {
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = Threshold
	}
	return &Global{
		filter:    bloom.NewWithEstimates(filterCapacity, 0.001),
		cache:     cache,
		mem:       mem,
		log:       log,
		threshold: threshold,
	}
}

// Push poisons every pointer in the batch, appends the batch to the FIFO
// tail and, past the byte threshold, purges the oldest batches back to the
// central cache. Ownership of the batch transfers to the quarantine.
func (g *Global) Push(b *Batch) {
	// Poison before taking the lock: any UAF read from here on sees the
	// pattern, not stale data.
	for i := int32(0); i < b.Count; i++ {
		*(*uint64)(unsafe.Pointer(b.Ptrs[i])) = Poison
	}

	g.filterMu.Lock()
	var key [8]byte
	for i := int32(0); i < b.Count; i++ {
		binary.LittleEndian.PutUint64(key[:], uint64(b.Ptrs[i]))
		g.filter.Add(key[:])
	}
	g.filterMu.Unlock()

	g.lock.Lock()
	if g.tail != nil {
		g.tail.Next = b
	} else {
		g.head = b
	}
	g.tail = b
	g.usage += b.TotalBytes
	g.batchesPushed.Add(1)

	purged := false
	if g.usage > g.threshold {
		g.purge()
		purged = true
	}
	g.lock.Unlock()

	if purged {
		g.rebuildFilter()
	}
}

// purge releases the oldest batches until usage drops back under the
// threshold. Runs with the spin lock held: simpler ordering at the cost of
// a longer critical section.
func (g *Global) purge() {
	for g.usage > g.threshold && g.head != nil {
		old := g.head
		g.head = old.Next
		if g.head == nil {
			g.tail = nil
		}
		g.usage -= old.TotalBytes

		for i := int32(0); i < old.Count; i++ {
			p := old.Ptrs[i]
			size := slab.FromPtr(p).ObjectSize

			idx := slab.ClassForSlotSize(size)
			if idx < 0 {
				// No matching class: a controlled leak beats
				// handing a corrupt size to the cache.
				g.leaked.Add(1)
				continue
			}
			g.cache.Release(p, idx)
		}

		old.release(g.mem)
		g.purgeCycles.Add(1)
	}
}

// rebuildFilter resets the residency filter to the batches still resident
// after a purge. A push that lands between the FIFO walk and the reset may
// go unrecorded; the filter is advisory, so that only weakens the probe.
func (g *Global) rebuildFilter() {
	resident := make([]uintptr, 0, 4*BatchCapacity)
	g.lock.Lock()
	for b := g.head; b != nil; b = b.Next {
		resident = append(resident, b.Ptrs[:b.Count]...)
	}
	g.lock.Unlock()

	g.filterMu.Lock()
	g.filter.ClearAll()
	var key [8]byte
	for _, p := range resident {
		binary.LittleEndian.PutUint64(key[:], uint64(p))
		g.filter.Add(key[:])
	}
	g.filterMu.Unlock()

	if g.log != nil {
		g.log.Debug("quarantine purged",
			utils.Uint64("cycles", g.purgeCycles.Load()),
			utils.Int("resident_ptrs", len(resident)))
	}
}

// Contains reports whether p is currently resident in the global FIFO.
// The bloom filter screens out the common case without touching the FIFO
// lock; only a filter hit pays for the exact scan.
func (g *Global) Contains(p uintptr) bool {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], uint64(p))

	g.filterMu.RLock()
	maybe := g.filter.Test(key[:])
	g.filterMu.RUnlock()
	if !maybe {
		return false
	}

	g.lock.Lock()
	defer g.lock.Unlock()
	for b := g.head; b != nil; b = b.Next {
		if b.Contains(p) {
			return true
		}
	}
	return false
}

// GetStats snapshots the quarantine counters.
func (g *Global) GetStats() Stats {
	g.lock.Lock()
	usage := g.usage
	g.lock.Unlock()

	return Stats{
		BytesResident: uint64(usage),
		BatchesPushed: g.batchesPushed.Load(),
		PurgeCycles:   g.purgeCycles.Load(),
		Leaked:        g.leaked.Load(),
	}
}
