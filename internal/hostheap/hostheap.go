// Package hostheap abstracts the allocator's backing store: a single
// contiguous byte region that starts at a stable address and only grows, in
// whole 64 KiB pages, up to a caller-chosen cap.
//
// New picks the adapter by build tag: unix builds get Reserved, an mmap'd
// address-space reservation (hostheap_unix.go); every other target,
// WebAssembly included, gets Simulated, a pre-reserved buffer. No adapter
// here wraps the WebAssembly memory.size/memory.grow instructions.
// Simulated is grounded on the wazero MemoryInstance pattern (Buffer []byte;
// Min, Cap, Max uint32) from the example pack — Buffer is allocated once at
// Cap and Grow only ever advances the visible length, so base() never moves.
package hostheap

import (
	"unsafe"

	"github.com/lattice-rt/miniheap/internal/allocerr"
)

// PageBytes is the WebAssembly page size: one unit of host-heap growth.
const PageBytes = 65536

// Heap is the abstract host-heap provider consumed by the rest of the
// allocator (spec component A).
type Heap interface {
	// Base is the process-lifetime-stable start address of the region.
	Base() uintptr
	// Bytes is a slice view over [Base, Base+SizeBytes).
	Bytes() []byte
	// SizeBytes is the current visible size of the region.
	SizeBytes() uint32
	// Grow extends the region by deltaPages pages and returns the size
	// (in bytes) before growth. It fails without partially growing.
	Grow(deltaPages uint32) (oldBytes uint32, err error)
}

// Simulated is the portable, always-available Heap implementation: a single
// buffer of capacity max, pre-allocated once so its address never changes,
// with a monotonically growing visible prefix.
type Simulated struct {
	buf  []byte
	size uint32
	max  uint32
}

// NewSimulated allocates a Simulated heap capped at max bytes.
func NewSimulated(max uint32) *Simulated {
	if max == 0 {
		max = PageBytes
	}
	return &Simulated{buf: make([]byte, max), max: max}
}

func (s *Simulated) Base() uintptr   { return uintptr(unsafe.Pointer(&s.buf[0])) }
func (s *Simulated) Bytes() []byte   { return s.buf[:s.size] }
func (s *Simulated) SizeBytes() uint32 { return s.size }

// Grow implements Heap.
func (s *Simulated) Grow(deltaPages uint32) (uint32, error) {
	old := s.size
	delta := deltaPages * PageBytes
	newSize := old + delta
	if deltaPages == 0 || newSize < old || newSize > s.max {
		return old, allocerr.New("hostheap.grow", allocerr.OutOfHostMemory, "simulated heap cap reached")
	}
	s.size = newSize
	return old, nil
}
