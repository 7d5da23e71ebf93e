// Package tcache is the contention-free fast path: one magazine of free
// pointers per size class, owned by a single goroutine, refilled in bulk
// from the central cache.
package tcache

import (
	"github.com/nmxmxh/hsalloc/central"
	"github.com/nmxmxh/hsalloc/foundation"
	"github.com/nmxmxh/hsalloc/osmem"
	"github.com/nmxmxh/hsalloc/quarantine"
	"github.com/nmxmxh/hsalloc/slab"
)

const (
	msgRedzone    = "\n[HSA] SECURITY PANIC: Redzone Corrupted\n"
	msgDoubleFree = "\n[HSA] SECURITY PANIC: Double Free Detected\n"
)

// magazine is a bounded stack of free slot pointers for one size class.
type magazine struct {
	ptrs  [slab.BatchSize]uintptr
	count int
}

// ThreadCache is per-goroutine allocator state. None of its methods
// synchronize; exactly one goroutine may own a ThreadCache.
type ThreadCache struct {
	cache  *central.Cache
	global *quarantine.Global
	mem    osmem.Supplier

	rng  *foundation.XorShift32
	mags [slab.NumClasses]magazine

	pending      *quarantine.Batch
	initializing bool
}

// New creates a thread cache wired to the shared central cache and global
// quarantine.
func New(cache *central.Cache, global *quarantine.Global, mem osmem.Supplier) *ThreadCache {
	return &ThreadCache{
		cache:  cache,
		global: global,
		mem:    mem,
		rng:    foundation.NewXorShift32(),
	}
}

// Allocate returns a slot for n user bytes, or 0 when n escapes the small
// path or the central cache came back empty. The trailing redzone is
// stamped before the pointer is handed out.
func (t *ThreadCache) Allocate(n uintptr) uintptr {
	idx := slab.ClassFor(n)
	if idx < 0 {
		return 0
	}

	m := &t.mags[idx]
	if m.count == 0 {
		m.count = t.cache.FetchBulk(idx, slab.ClassSize(idx), m.ptrs[:], t.rng)
		if m.count == 0 {
			return 0
		}
	}

	m.count--
	p := m.ptrs[m.count]

	slab.FillRedzone(p, slab.ClassSize(idx))
	return p
}

// Deallocate routes a small-object pointer into quarantine.
//
// The slot's trailing bytes must still carry the redzone pattern, and the
// pointer must not already be resident in quarantine; either failure is a
// security panic. When the pending batch fills it is handed off to the
// global quarantine by ownership transfer.
func (t *ThreadCache) Deallocate(p uintptr) {
	if t.pending == nil {
		// The lazy batch page comes straight from the supplier. The
		// guard turns a reentrant free during that window into a
		// no-op: a bounded leak, never a recursive allocation.
		if t.initializing {
			return
		}
		t.initializing = true
		t.pending = quarantine.NewBatch(t.mem)
		t.initializing = false
		if t.pending == nil {
			return
		}
	}

	h := slab.FromPtr(p)
	if !slab.CheckRedzone(p, h.ObjectSize) {
		osmem.Violation(msgRedzone)
		return
	}
	if t.pending.Contains(p) || t.global.Contains(p) {
		osmem.Violation(msgDoubleFree)
		return
	}

	t.pending.Append(p, uintptr(h.ObjectSize))

	if t.pending.Full() {
		full := t.pending
		t.pending = nil
		t.global.Push(full)
	}
}

// PendingCount returns how many frees sit in the local batch. Stats only.
func (t *ThreadCache) PendingCount() int {
	if t.pending == nil {
		return 0
	}
	return int(t.pending.Count)
}
