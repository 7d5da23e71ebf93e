package central

import (
	"sync/atomic"
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/hsalloc/foundation"
	"github.com/nmxmxh/hsalloc/osmem"
	"github.com/nmxmxh/hsalloc/slab"
	"github.com/nmxmxh/hsalloc/utils"
)

// countingSupplier wraps the real supplier and counts traffic.
type countingSupplier struct {
	sys      osmem.System
	acquired atomic.Uint64
	released atomic.Uint64
}

func (s *countingSupplier) Acquire(size uintptr) (uintptr, error) {
	s.acquired.Add(1)
	return s.sys.Acquire(size)
}

func (s *countingSupplier) Release(ptr, size uintptr) {
	s.released.Add(1)
	s.sys.Release(ptr, size)
}

func (s *countingSupplier) Protect(ptr, size uintptr) error {
	return s.sys.Protect(ptr, size)
}

// failingSupplier always refuses, counting the attempts.
type failingSupplier struct {
	calls atomic.Uint64
}

func (s *failingSupplier) Acquire(size uintptr) (uintptr, error) {
	s.calls.Add(1)
	return 0, utils.NewError("no pages")
}

func (s *failingSupplier) Release(ptr, size uintptr) {}

func (s *failingSupplier) Protect(ptr, size uintptr) error { return nil }

func TestFetchBulk_CarvesFreshSlab(t *testing.T) {
	mem := &countingSupplier{}
	c := New(mem)
	rng := foundation.NewXorShift32()

	out := make([]uintptr, 10)
	n := c.FetchBulk(0, 32, out, rng)
	require.Equal(t, 10, n)

	// All slots come from a single page and carry the slab magic
	h := slab.FromPtr(out[0])
	assert.Equal(t, slab.MagicCookie, h.Magic)
	assert.Equal(t, uint32(32), h.ObjectSize)
	for _, p := range out {
		assert.Equal(t, h, slab.FromPtr(p))
	}

	// Bitmap invariant: free slots + outstanding pointers = max objects
	assert.Equal(t, int(h.MaxObjects), h.FreeSlots()+10)
	assert.Equal(t, uint64(1), mem.acquired.Load())
}

func TestFetchBulk_SlotsAreDistinct(t *testing.T) {
	mem := &countingSupplier{}
	c := New(mem)
	rng := foundation.NewXorShift32()

	out := make([]uintptr, 64)
	n := c.FetchBulk(0, 32, out, rng)
	require.Equal(t, 64, n)

	// Track issued slot indices; randomized order, complete coverage
	h := slab.FromPtr(out[0])
	issued := bitset.New(64)
	for _, p := range out {
		idx := uint(h.SlotIndex(p))
		assert.False(t, issued.Test(idx), "slot issued twice")
		issued.Set(idx)
	}
	assert.Equal(t, uint(64), issued.Count())
	assert.Equal(t, uint64(0), h.FreeBitmap)
}

func TestFetchBulk_DetachesFullSlab(t *testing.T) {
	mem := &countingSupplier{}
	c := New(mem)
	rng := foundation.NewXorShift32()

	// Drain one whole slab of class 0
	out := make([]uintptr, 64)
	require.Equal(t, 64, c.FetchBulk(0, 32, out, rng))
	require.Equal(t, uint64(1), mem.acquired.Load())

	// The full slab is gone from the list; the next fetch builds a new one
	out2 := make([]uintptr, 1)
	require.Equal(t, 1, c.FetchBulk(0, 32, out2, rng))
	assert.Equal(t, uint64(2), mem.acquired.Load())
	assert.NotEqual(t, slab.FromPtr(out[0]), slab.FromPtr(out2[0]))
}

func TestRelease_RelinksFullSlab(t *testing.T) {
	mem := &countingSupplier{}
	c := New(mem)
	rng := foundation.NewXorShift32()

	out := make([]uintptr, 64)
	require.Equal(t, 64, c.FetchBulk(0, 32, out, rng))
	h := slab.FromPtr(out[0])
	require.Equal(t, uint64(0), h.FreeBitmap)

	// Releasing one slot reattaches the slab at the list head
	c.Release(out[7], 0)
	assert.Equal(t, 1, h.FreeSlots())

	// The next single-slot fetch is served from the relinked slab,
	// not from a fresh page
	out2 := make([]uintptr, 1)
	require.Equal(t, 1, c.FetchBulk(0, 32, out2, rng))
	assert.Equal(t, h, slab.FromPtr(out2[0]))
	assert.Equal(t, uint64(1), mem.acquired.Load())
}

func TestRelease_PartialSlab(t *testing.T) {
	mem := &countingSupplier{}
	c := New(mem)
	rng := foundation.NewXorShift32()

	out := make([]uintptr, 8)
	require.Equal(t, 8, c.FetchBulk(1, 64, out, rng))
	h := slab.FromPtr(out[0])

	for _, p := range out {
		c.Release(p, 1)
	}
	assert.Equal(t, int(h.MaxObjects), h.FreeSlots())
}

func TestFetchBulk_SupplierFailure(t *testing.T) {
	mem := &failingSupplier{}
	c := New(mem)
	rng := foundation.NewXorShift32()

	out := make([]uintptr, 4)

	// Failure surfaces only as a short (zero) count
	for i := 0; i < 10; i++ {
		assert.Equal(t, 0, c.FetchBulk(0, 32, out, rng))
	}

	// After three consecutive failures the breaker opens and the
	// supplier stops being consulted
	assert.Equal(t, uint64(3), mem.calls.Load())
}

func TestGetStats(t *testing.T) {
	mem := &countingSupplier{}
	c := New(mem)
	rng := foundation.NewXorShift32()

	out := make([]uintptr, 70)
	require.Equal(t, 70, c.FetchBulk(0, 32, out, rng))

	st := c.GetStats()
	assert.Equal(t, uint64(2), st.PagesAcquired)
	assert.Equal(t, uint64(2), st.SlabsBuilt[0])
	assert.Equal(t, uint64(1), st.BulkFetches)
}
