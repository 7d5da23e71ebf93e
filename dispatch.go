package hsalloc

import (
	"unsafe"

	"github.com/nmxmxh/hsalloc/osmem"
	"github.com/nmxmxh/hsalloc/slab"
	"github.com/nmxmxh/hsalloc/tcache"
)

const msgInvalidFree = "\n[HSA] SECURITY PANIC: Invalid Free (No Magic Found)\n"

// largeHeaderSize is fixed by the large-object ABI: the user pointer sits
// exactly this far into the page run.
const largeHeaderSize = 16

// largeHeader sits at the start of every large-object page run.
type largeHeader struct {
	size  uintptr
	magic uint32
	_     [4]byte
}

// ThreadCache is the per-goroutine allocation handle: size routing on the
// way in, pointer-type discrimination on the way out. Exactly one
// goroutine may own a handle.
type ThreadCache struct {
	a  *Allocator
	tc *tcache.ThreadCache
}

// Allocate returns a pointer to n usable bytes. Requests that fit a slot
// together with the trailing redzone take the small path; everything else
// gets a dedicated page run with a trailing guard page.
func (h *ThreadCache) Allocate(n uintptr) (uintptr, error) {
	if n+slab.RedzoneSize > slab.MaxSmallSize {
		return h.a.allocateLarge(n)
	}
	p := h.tc.Allocate(n)
	if p == 0 {
		return 0, ErrOutOfMemory
	}
	return p, nil
}

// Free releases a pointer previously returned by Allocate. Nil pointers
// are accepted as no-ops; a pointer carrying no valid magic anywhere is a
// security panic.
func (h *ThreadCache) Free(p uintptr) {
	if p == 0 {
		return
	}

	// Large object: the header sits at the start of the page run, so
	// its position is page-aligned exactly when p came from the large
	// path.
	lh := p - largeHeaderSize
	if lh&(slab.PageSize-1) == 0 {
		hdr := (*largeHeader)(unsafe.Pointer(lh))
		if hdr.magic == slab.MagicCookie {
			h.a.mem.Release(lh, hdr.size)
			return
		}
	}

	// Small object: the page base must carry the slab magic.
	if slab.FromPtr(p).Magic == slab.MagicCookie {
		h.tc.Deallocate(p)
		return
	}

	osmem.Violation(msgInvalidFree)
}

// allocateLarge maps a run of whole pages with the large header up front
// and the final page protected, so a linear overflow off the end of the
// object faults instead of corrupting a neighbor.
func (a *Allocator) allocateLarge(n uintptr) (uintptr, error) {
	total := slab.AlignUp(n+largeHeaderSize, slab.PageSize) + slab.PageSize

	base, err := a.mem.Acquire(total)
	if err != nil {
		return 0, ErrOutOfMemory
	}

	guard := base + total - slab.PageSize
	if err := a.mem.Protect(guard, slab.PageSize); err != nil {
		a.mem.Release(base, total)
		return 0, ErrOutOfMemory
	}

	hdr := (*largeHeader)(unsafe.Pointer(base))
	hdr.size = total
	hdr.magic = slab.MagicCookie

	return base + largeHeaderSize, nil
}
