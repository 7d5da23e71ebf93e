//go:build !unix

package osmem

import (
	"os"

	"github.com/nmxmxh/hsalloc/utils"
)

// System is a stub on platforms without an mmap facility.
type System struct{}

func (System) Acquire(size uintptr) (uintptr, error) {
	return 0, utils.NewError("page mapping not supported on this platform")
}

func (System) Release(ptr, size uintptr) {}

func (System) Protect(ptr, size uintptr) error {
	return utils.NewError("page protection not supported on this platform")
}

// RawPrint writes msg to stderr.
func RawPrint(msg string) {
	_, _ = os.Stderr.WriteString(msg)
}
