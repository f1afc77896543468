//go:build unix

package hostheap

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/lattice-rt/miniheap/internal/allocerr"
)

// Reserved is the unix Heap implementation: it reserves the full max-bytes
// address range up front with PROT_NONE (committing no physical memory),
// and Grow mprotects newly-visible pages to PROT_READ|PROT_WRITE. This is
// closer to how a production WASM runtime's linear memory behaves than
// Simulated's fully-committed buffer: base() is stable from reservation
// time, and no page is backed by real memory until the allocator actually
// asks for it.
type Reserved struct {
	data []byte
	size uint32
	max  uint32
}

// NewReserved mmaps an anonymous PROT_NONE region of max bytes.
func NewReserved(max uint32) (*Reserved, error) {
	if max == 0 {
		max = PageBytes
	}
	data, err := unix.Mmap(-1, 0, int(max), unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, allocerr.New("hostheap.reserve", allocerr.OutOfHostMemory, err.Error())
	}
	return &Reserved{data: data, max: max}, nil
}

func (r *Reserved) Base() uintptr     { return uintptr(unsafe.Pointer(&r.data[0])) }
func (r *Reserved) Bytes() []byte     { return r.data[:r.size] }
func (r *Reserved) SizeBytes() uint32 { return r.size }

// Grow implements Heap.
func (r *Reserved) Grow(deltaPages uint32) (uint32, error) {
	old := r.size
	delta := deltaPages * PageBytes
	newSize := old + delta
	if deltaPages == 0 || newSize < old || newSize > r.max {
		return old, allocerr.New("hostheap.grow", allocerr.OutOfHostMemory, "reserved region cap reached")
	}
	if err := unix.Mprotect(r.data[:newSize], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return old, allocerr.New("hostheap.grow", allocerr.OutOfHostMemory, err.Error())
	}
	r.size = newSize
	return old, nil
}

// New builds the default Heap for this platform: a reserved mmap region.
func New(max uint32) (Heap, error) {
	return NewReserved(max)
}
