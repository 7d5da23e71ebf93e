//go:build unix

package osmem

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nmxmxh/hsalloc/utils"
)

// System is the mmap-backed Supplier used in production.
type System struct{}

// Acquire maps a fresh anonymous, writable run of at least size bytes.
func (System) Acquire(size uintptr) (uintptr, error) {
	size = RoundToPages(size)
	p, err := unix.MmapPtr(-1, 0, nil, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, utils.WrapError(err, "map pages")
	}
	return uintptr(p), nil
}

// Release unmaps a run previously returned by Acquire.
func (System) Release(ptr, size uintptr) {
	_ = unix.MunmapPtr(unsafe.Pointer(ptr), RoundToPages(size))
}

// Protect marks a run inaccessible. Any subsequent access faults.
func (System) Protect(ptr, size uintptr) error {
	region := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), RoundToPages(size))
	if err := unix.Mprotect(region, unix.PROT_NONE); err != nil {
		return utils.WrapError(err, "protect pages")
	}
	return nil
}

// RawPrint writes msg to fd 2 without allocating. It is the only output
// channel that is safe from inside a failing allocator.
func RawPrint(msg string) {
	b := unsafe.Slice(unsafe.StringData(msg), len(msg))
	_, _ = unix.Write(2, b)
}
