package tcache

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/hsalloc/central"
	"github.com/nmxmxh/hsalloc/osmem"
	"github.com/nmxmxh/hsalloc/quarantine"
	"github.com/nmxmxh/hsalloc/slab"
)

// trapViolations turns security panics into Go panics for the test.
func trapViolations(t *testing.T) {
	t.Helper()
	prev := osmem.SetViolationHandler(func(msg string) {
		panic(msg)
	})
	t.Cleanup(func() { osmem.SetViolationHandler(prev) })
}

func newTestCache(t *testing.T) *ThreadCache {
	t.Helper()
	mem := osmem.System{}
	c := central.New(mem)
	g := quarantine.NewGlobal(c, mem, nil, quarantine.GlobalOptions{})
	return New(c, g, mem)
}

func TestAllocate_StampsRedzone(t *testing.T) {
	tc := newTestCache(t)

	p := tc.Allocate(24)
	require.NotZero(t, p)

	// 24 + 8 fits class 0; the trailing 8 bytes carry the pattern
	assert.True(t, slab.CheckRedzone(p, 32))
	h := slab.FromPtr(p)
	assert.Equal(t, uint32(32), h.ObjectSize)
}

func TestAllocate_MagazineRefill(t *testing.T) {
	tc := newTestCache(t)

	// A refill pulls a full batch; the following allocations pop from
	// the magazine without another bulk fetch
	seen := map[uintptr]bool{}
	for i := 0; i < slab.BatchSize; i++ {
		p := tc.Allocate(24)
		require.NotZero(t, p)
		assert.False(t, seen[p], "pointer issued twice")
		seen[p] = true
	}
	assert.Equal(t, uint64(1), tc.cache.GetStats().BulkFetches)

	tc.Allocate(24)
	assert.Equal(t, uint64(2), tc.cache.GetStats().BulkFetches)
}

func TestAllocate_LargeEscapes(t *testing.T) {
	tc := newTestCache(t)

	// 1017 + 8 exceeds the small ceiling; the thread cache refuses
	assert.Zero(t, tc.Allocate(1017))
	assert.NotZero(t, tc.Allocate(1016))
}

func TestDeallocate_RoundTrip(t *testing.T) {
	tc := newTestCache(t)

	p := tc.Allocate(24)
	require.NotZero(t, p)
	tc.Deallocate(p)

	assert.Equal(t, 1, tc.PendingCount())
}

func TestDeallocate_RedzoneViolation(t *testing.T) {
	trapViolations(t)
	tc := newTestCache(t)

	p := tc.Allocate(24)
	require.NotZero(t, p)

	// Byte 24 is the first redzone byte of the 32-byte slot
	*(*byte)(unsafe.Pointer(p + 24)) = 0

	assert.PanicsWithValue(t, msgRedzone, func() {
		tc.Deallocate(p)
	})
}

func TestDeallocate_DoubleFreeInLocalBatch(t *testing.T) {
	trapViolations(t)
	tc := newTestCache(t)

	p := tc.Allocate(16)
	require.NotZero(t, p)
	tc.Deallocate(p)

	assert.PanicsWithValue(t, msgDoubleFree, func() {
		tc.Deallocate(p)
	})
}

func TestDeallocate_DoubleFreeAfterHandoff(t *testing.T) {
	trapViolations(t)
	tc := newTestCache(t)

	// Fill a whole batch so the first pointer moves to the global FIFO
	ptrs := make([]uintptr, quarantine.BatchCapacity)
	for i := range ptrs {
		p := tc.Allocate(24)
		require.NotZero(t, p)
		ptrs[i] = p
	}
	for _, p := range ptrs {
		tc.Deallocate(p)
	}
	require.Equal(t, 0, tc.PendingCount())

	// The redzone survived the poison write (it hits the slot head,
	// not the tail), so only the residency check can catch this
	assert.PanicsWithValue(t, msgDoubleFree, func() {
		tc.Deallocate(ptrs[0])
	})
}

func TestDeallocate_HandoffPoisons(t *testing.T) {
	tc := newTestCache(t)

	ptrs := make([]uintptr, quarantine.BatchCapacity)
	for i := range ptrs {
		p := tc.Allocate(56) // class 1
		require.NotZero(t, p)
		ptrs[i] = p
	}
	for _, p := range ptrs {
		tc.Deallocate(p)
	}

	// The handed-off batch was poisoned on push
	for _, p := range ptrs {
		assert.Equal(t, quarantine.Poison, *(*uint64)(unsafe.Pointer(p)))
	}
	assert.Equal(t, uint64(1), tc.global.GetStats().BatchesPushed)
}

func TestDeallocate_NoReuseBeforePurge(t *testing.T) {
	tc := newTestCache(t)

	p := tc.Allocate(24)
	require.NotZero(t, p)
	tc.Deallocate(p)

	// The freed slot sits in quarantine; a fresh allocation of the
	// same class must come from somewhere else
	q := tc.Allocate(24)
	require.NotZero(t, q)
	assert.NotEqual(t, p, q)
}
