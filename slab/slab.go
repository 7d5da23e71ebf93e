// Package slab carves single OS pages into fixed-size slots with an
// in-page header. Because a slab is exactly one page and never spans
// pages, the header of any slot pointer is recoverable by masking the
// pointer down to its page base.
package slab

import (
	"math/bits"
	"unsafe"
)

// HeaderSize is the fixed byte size of Header, padded so the first slot
// starts at a 32-byte boundary inside the page.
const HeaderSize = 32

// maxSlots caps a slab at the width of the free bitmap.
const maxSlots = 64

// Header sits at the start of every slab page.
//
// FreeBitmap invariant: bit i is set exactly when slot i is free. A slab
// whose bitmap reaches zero is full and is detached from its partial list.
type Header struct {
	Next       *Header
	FreeBitmap uint64
	ObjectSize uint32
	Magic      uint32 // security canary
	MaxObjects uint32
	_          [4]byte
}

// FromPtr recovers the slab header of a slot pointer by masking the
// address down to its page base.
func FromPtr(p uintptr) *Header {
	return (*Header)(unsafe.Pointer(p &^ uintptr(PageSize-1)))
}

// SlotCount returns how many slots of the given size fit in one page
// after the header, capped at the bitmap width.
func SlotCount(slotSize uint32) int {
	n := (PageSize - HeaderSize) / int(slotSize)
	if n > maxSlots {
		n = maxSlots
	}
	return n
}

// Init constructs a slab in place at the start of a fresh page. The
// initial bitmap has the low SlotCount bits set.
func Init(page uintptr, slotSize uint32) *Header {
	h := (*Header)(unsafe.Pointer(page))
	count := SlotCount(slotSize)

	h.Next = nil
	h.ObjectSize = slotSize
	h.Magic = MagicCookie
	h.MaxObjects = uint32(count)
	if count == maxSlots {
		h.FreeBitmap = ^uint64(0)
	} else {
		h.FreeBitmap = (1 << count) - 1
	}
	return h
}

// Base returns the page base address of the slab.
func (h *Header) Base() uintptr {
	return uintptr(unsafe.Pointer(h))
}

// SlotAddr returns the address of slot i.
func (h *Header) SlotAddr(i int) uintptr {
	return h.Base() + HeaderSize + uintptr(i)*uintptr(h.ObjectSize)
}

// SlotIndex maps a slot pointer back to its bitmap bit. Only pointers the
// allocator issued are valid here; the integer division relies on that.
func (h *Header) SlotIndex(p uintptr) int {
	return int((p - (h.Base() + HeaderSize)) / uintptr(h.ObjectSize))
}

// FreeSlots returns the number of free slots.
func (h *Header) FreeSlots() int {
	return bits.OnesCount64(h.FreeBitmap)
}

// FillRedzone stamps the trailing RedzoneSize bytes of the slot at p.
func FillRedzone(p uintptr, slotSize uint32) {
	z := redzone(p, slotSize)
	for i := range z {
		z[i] = RedzoneByte
	}
}

// CheckRedzone reports whether the trailing bytes of the slot at p still
// carry the redzone pattern.
func CheckRedzone(p uintptr, slotSize uint32) bool {
	z := redzone(p, slotSize)
	for i := range z {
		if z[i] != RedzoneByte {
			return false
		}
	}
	return true
}

func redzone(p uintptr, slotSize uint32) []byte {
	start := p + uintptr(slotSize) - RedzoneSize
	return unsafe.Slice((*byte)(unsafe.Pointer(start)), RedzoneSize)
}
