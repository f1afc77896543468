// Package metapage implements the lazily-initialized bookkeeping region at
// the start of the heap (spec component C): per-size-class free-MiniPage and
// free-segment stacks, the big-allocation list head, high_water, and
// optional metrics.
//
// Per spec §9's "no global mutable state" design note, MetaPage *is* the
// allocator's global state, but it lives inside the managed heap rather than
// as a Go package-level variable: Page is mapped directly onto heap bytes
// via At(), and EnsureInitialized reserves/zeroes/tags it exactly once,
// grounded on the teacher's lazy Initialize()/GlobalAllocator singleton in
// internal/allocator/allocator.go (here, "global" means "at a known heap
// offset", not "a Go package variable").
package metapage

import (
	"unsafe"

	"github.com/lattice-rt/miniheap/internal/hostheap"
	"github.com/lattice-rt/miniheap/internal/region"
	"github.com/lattice-rt/miniheap/internal/sizeclass"
)

const (
	// FreeMiniPageStackCap bounds how many free MiniPages of one class
	// MetaPage can track at once. Spec §4.D treats exceeding this as a
	// recoverable edge case (the MiniPage is orphaned, not leaked), so the
	// cap is chosen to keep MetaPage compact rather than to the spec's
	// "at least 2^c" minimum verbatim.
	FreeMiniPageStackCap = 64
	// FreeSegStackCap covers the largest possible per-page segment count:
	// class MinSC has 2048/(1<<MinSC) = 256 segments per MiniPage.
	FreeSegStackCap = sizeclass.MiniPageDataBytes / (1 << sizeclass.MinSC)
)

// Magic tags an initialized MetaPage; used only for debug-build sanity
// checks (spec §7 CorruptHeader is about region headers, but the same
// "sentinel out of range is fatal in debug builds" idea applies here).
const Magic = 0x4d48_4150 // "MHAP"

// ClassState is the per-size-class bookkeeping block: the active MiniPage
// for that class, its free-segment stack, and the stack of other MiniPages
// of that class that still have free segments.
type ClassState struct {
	ActivePage region.Ref

	FreeSegTop   uint16
	FreeSegStack [FreeSegStackCap]uint16

	FreeMPTop   uint16
	FreeMPStack [FreeMiniPageStackCap]region.Ref
}

// PushFreeMiniPage tries to push ref onto the free-MiniPage stack. It
// returns false (StackOverflow, recovered by the caller skipping the push
// per spec §4.D) if the stack is already full.
func (c *ClassState) PushFreeMiniPage(ref region.Ref) bool {
	if int(c.FreeMPTop) >= len(c.FreeMPStack) {
		return false
	}
	c.FreeMPStack[c.FreeMPTop] = ref
	c.FreeMPTop++
	return true
}

// PopFreeMiniPage pops a MiniPage ref off the free-MiniPage stack.
func (c *ClassState) PopFreeMiniPage() (region.Ref, bool) {
	if c.FreeMPTop == 0 {
		return region.Null, false
	}
	c.FreeMPTop--
	return c.FreeMPStack[c.FreeMPTop], true
}

// PushFreeSeg pushes a free segment index of the active MiniPage.
func (c *ClassState) PushFreeSeg(idx uint16) bool {
	if int(c.FreeSegTop) >= len(c.FreeSegStack) {
		return false
	}
	c.FreeSegStack[c.FreeSegTop] = idx
	c.FreeSegTop++
	return true
}

// PopFreeSeg pops a free segment index of the active MiniPage.
func (c *ClassState) PopFreeSeg() (uint16, bool) {
	if c.FreeSegTop == 0 {
		return 0, false
	}
	c.FreeSegTop--
	return c.FreeSegStack[c.FreeSegTop], true
}

// ResetFreeSegs empties the free-segment stack, ready for a refill.
func (c *ClassState) ResetFreeSegs() {
	c.FreeSegTop = 0
}

// Counters are the optional metrics spec §6 allows exposing to the host.
type Counters struct {
	Allocations   uint64
	Deallocations uint64
	BytesInUse    uint64
	LiveByClass   [sizeclass.NumClasses]uint64
	LastFailure   uint32 // allocerr.Kind, stored as uint32 to keep Page pointer-free
}

// Page is MetaPage itself, mapped directly onto heap bytes starting at
// offset 0. It must stay free of Go pointers/slices so it can be safely
// overlaid on raw memory with unsafe.Pointer.
type Page struct {
	Magic       uint32
	Initialized uint32
	HighWater   uint32
	BigListHead region.Ref
	Classes     [sizeclass.NumClasses]ClassState
	Stats       Counters
}

// Size is Page's in-memory footprint.
const Size = uint32(unsafe.Sizeof(Page{}))

// Bytes is Size rounded up to a whole number of host-heap pages: the amount
// of heap MetaPage actually reserves (spec §4.C step "reserve META_PAGES").
func Bytes() uint32 {
	return roundUp(Size, hostheap.PageBytes)
}

// At overlays a *Page on h's first Bytes() bytes. Callers must have already
// grown h to at least Bytes() (EnsureInitialized does this).
func At(h hostheap.Heap) *Page {
	return (*Page)(unsafe.Pointer(&h.Bytes()[0]))
}

// EnsureInitialized implements spec §4.C: grow the heap to hold MetaPage if
// necessary, zero it, set high_water past it, and mark it initialized. It is
// idempotent — a second call is a cheap no-op.
func EnsureInitialized(h hostheap.Heap) (*Page, error) {
	metaBytes := Bytes()
	if h.SizeBytes() < metaBytes {
		missing := metaBytes - h.SizeBytes()
		pages := (missing + hostheap.PageBytes - 1) / hostheap.PageBytes
		if _, err := h.Grow(pages); err != nil {
			return nil, err
		}
	}

	mp := At(h)
	if mp.Initialized != 0 {
		return mp, nil
	}

	*mp = Page{}
	mp.Magic = Magic
	mp.HighWater = metaBytes
	mp.Initialized = 1
	return mp, nil
}

// Class returns the bookkeeping block for the given small size class.
func (p *Page) Class(class uint8) *ClassState {
	return &p.Classes[sizeclass.Index(class)]
}

func roundUp(n, multiple uint32) uint32 {
	rem := n % multiple
	if rem == 0 {
		return n
	}
	return n + (multiple - rem)
}
