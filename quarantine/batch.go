// Package quarantine defers reuse of freed small objects. Freed pointers
// accumulate in per-thread batches, move to a global FIFO where their
// first bytes are poisoned, and only return to the central cache once the
// FIFO grows past its byte threshold.
package quarantine

import (
	"unsafe"

	"github.com/nmxmxh/hsalloc/osmem"
	"github.com/nmxmxh/hsalloc/slab"
)

const (
	// BatchCapacity is the number of pointers a batch holds.
	BatchCapacity = 128

	// Threshold is the FIFO byte total past which the oldest batches
	// are released back to the central cache.
	Threshold = 4 << 20

	// Poison is written over the first 8 bytes of every quarantined
	// slot so a use-after-free read sees it instead of stale data.
	Poison uint64 = 0xDEADDEADDEADDEAD
)

// Batch is a fixed-capacity record of freed pointers awaiting reuse. Its
// storage is a single page from the supplier, never the Go heap, and the
// whole page goes back to the supplier when the batch is purged.
type Batch struct {
	Ptrs       [BatchCapacity]uintptr
	Count      int32
	_          [4]byte
	TotalBytes uintptr
	Next       *Batch
}

// NewBatch carves a batch out of one fresh supplier page. Returns nil when
// the supplier fails; callers treat that as "quarantine unavailable".
func NewBatch(mem osmem.Supplier) *Batch {
	page, err := mem.Acquire(slab.PageSize)
	if err != nil {
		return nil
	}
	b := (*Batch)(unsafe.Pointer(page))
	*b = Batch{}
	return b
}

// release returns the batch's storage page to the supplier. The batch must
// not be touched afterwards.
func (b *Batch) release(mem osmem.Supplier) {
	mem.Release(uintptr(unsafe.Pointer(b)), slab.PageSize)
}

// Full reports whether the batch has reached capacity.
func (b *Batch) Full() bool {
	return b.Count >= BatchCapacity
}

// Append records a freed pointer and its slot size.
func (b *Batch) Append(p uintptr, size uintptr) {
	b.Ptrs[b.Count] = p
	b.Count++
	b.TotalBytes += size
}

// Contains reports whether p is recorded in this batch.
func (b *Batch) Contains(p uintptr) bool {
	for i := int32(0); i < b.Count; i++ {
		if b.Ptrs[i] == p {
			return true
		}
	}
	return false
}
