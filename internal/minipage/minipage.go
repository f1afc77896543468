// Package minipage implements the small-object subsystem (spec component D):
// 2 KiB slabs dedicated to one size class, each with a bit-packed free map,
// serving allocations of up to 2 KiB in O(1).
//
// Grounded on the teacher's internal/allocator/pool.go (Pool.chunks/
// Pool.freeList: a pool of fixed-size chunks with a free list refilled on
// demand) and internal/stdlib/hal/memory.go's tryAllocationFromSizeClass/
// popFromFreeList choreography — generalized from a Go-heap free list to a
// heap-resident bitmap, since the spec requires O(1) bit-packed bookkeeping
// rather than a linked list per segment.
package minipage

import (
	"math/bits"

	"github.com/lattice-rt/miniheap/internal/allocerr"
	"github.com/lattice-rt/miniheap/internal/hostheap"
	"github.com/lattice-rt/miniheap/internal/metapage"
	"github.com/lattice-rt/miniheap/internal/region"
	"github.com/lattice-rt/miniheap/internal/sizeclass"
)

// Alloc implements spec §4.D small_alloc: pop a free segment from the active
// MiniPage's free-segment stack, refilling from a free MiniPage (or creating
// one) as needed. Returns the data offset of the allocated segment.
func Alloc(h hostheap.Heap, mp *metapage.Page, class uint8) (region.Ref, error) {
	c := mp.Class(class)

	for {
		if idx, ok := c.PopFreeSeg(); ok {
			hdr := region.At(h, c.ActivePage)
			clearBit(hdr.FreeBitmap[:], idx)

			mp.Stats.Allocations++
			mp.Stats.LiveByClass[sizeclass.Index(class)]++
			mp.Stats.BytesInUse += uint64(sizeclass.Size(class))

			return region.DataOffset(c.ActivePage) + region.Ref(idx)*region.Ref(sizeclass.Size(class)), nil
		}

		if ref, ok := c.PopFreeMiniPage(); ok {
			swapActive(h, mp, class, ref)
			refill(h, c, ref, class)
			continue
		}

		ref, err := create(h, mp, class)
		if err != nil {
			return region.Null, err
		}
		swapActive(h, mp, class, ref)
		refill(h, c, ref, class)
	}
}

// Dealloc implements spec §4.D small_dealloc: locate the owning header by
// pointer arithmetic, clear the segment's bit, and — if the MiniPage just
// transitioned from full to partially-free and isn't the active page —
// push it back onto the free-MiniPage stack (silently skipped, per spec, if
// that stack is already full).
func Dealloc(h hostheap.Heap, mp *metapage.Page, ptr region.Ref) error {
	metaBytes := metapage.Bytes()
	if uint32(ptr) < metaBytes {
		return allocerr.New("small_dealloc", allocerr.CorruptHeader, "pointer inside metapage")
	}

	ref := region.Ref(metaBytes + ((uint32(ptr)-metaBytes)/region.Stride)*region.Stride)
	hdr := region.At(h, ref)
	if hdr.SizeClass < sizeclass.MinSC || hdr.SizeClass > sizeclass.MaxSC {
		return allocerr.New("small_dealloc", allocerr.CorruptHeader, "size class out of range")
	}

	class := hdr.SizeClass
	segSize := sizeclass.Size(class)
	dataStart := region.DataOffset(ref)
	idx := uint16((uint32(ptr) - uint32(dataStart)) / segSize)

	wasFull := popcount(hdr.FreeBitmap[:]) == 0
	setBit(hdr.FreeBitmap[:], idx)

	mp.Stats.Deallocations++
	if mp.Stats.LiveByClass[sizeclass.Index(class)] > 0 {
		mp.Stats.LiveByClass[sizeclass.Index(class)]--
	}
	mp.Stats.BytesInUse -= uint64(segSize)

	c := mp.Class(class)
	switch {
	case ref == c.ActivePage:
		// The active page's free segments are tracked by FreeSegStack, not
		// by scanning the bitmap, so a freed segment must be pushed back
		// directly to be immediately reusable (spec §8 round-trip property:
		// alloc -> dealloc -> alloc returns the same pointer).
		c.PushFreeSeg(idx)
	case wasFull:
		// A false return here is spec §4.D's StackOverflow edge case: the
		// push is silently skipped and the MiniPage is left orphaned. Its
		// segments stay usable the next time it becomes active; only free
		// stack visibility is lost, never memory.
		c.PushFreeMiniPage(ref)
	}

	return nil
}

// swapActive installs ref as class's active MiniPage, first returning the
// previous active page (if it still has free segments per its bitmap) to
// the free-MiniPage stack.
func swapActive(h hostheap.Heap, mp *metapage.Page, class uint8, ref region.Ref) {
	c := mp.Class(class)
	if c.ActivePage != region.Null {
		prev := region.At(h, c.ActivePage)
		if popcount(prev.FreeBitmap[:]) > 0 {
			c.PushFreeMiniPage(c.ActivePage)
		}
	}
	c.ActivePage = ref
}

// refill rebuilds the free-segment stack for class from ref's bitmap, at
// most sizeclass.SegmentsPerPage(class) (<=256) iterations — a constant
// bounded by the fixed 2 KiB page size regardless of heap size, so this is
// still the O(1) amortized cost spec §4.D describes.
func refill(h hostheap.Heap, c *metapage.ClassState, ref region.Ref, class uint8) {
	c.ResetFreeSegs()
	hdr := region.At(h, ref)
	n := sizeclass.SegmentsPerPage(class)
	// Push in descending index order so the LIFO free-segment stack pops
	// ascending — consecutive allocations from a fresh page land at
	// consecutive addresses (spec §8 seed test 1: p2-p1 == segment size).
	for i := n; i > 0; i-- {
		idx := i - 1
		if testBit(hdr.FreeBitmap[:], uint16(idx)) {
			c.PushFreeSeg(uint16(idx))
		}
	}
}

// create carves a brand-new MiniPage for class at the current high_water
// mark, growing the host heap if necessary (spec §4.D step 3). The caller
// installs it as the active page directly rather than pushing then popping
// it through FreeMiniPageStack — equivalent to the spec's push-then-retry
// sequence, one step shorter.
func create(h hostheap.Heap, mp *metapage.Page, class uint8) (region.Ref, error) {
	ref := region.Ref(mp.HighWater)
	end := uint32(ref) + region.Stride

	if end > h.SizeBytes() {
		missing := end - h.SizeBytes()
		pages := (missing + hostheap.PageBytes - 1) / hostheap.PageBytes
		if _, err := h.Grow(pages); err != nil {
			return region.Null, err
		}
	}

	mp.HighWater = end

	hdr := region.At(h, ref)
	*hdr = region.Header{SizeClass: class}
	// Only the first SegmentsPerPage(class) bits correspond to real segments
	// — BitmapBytes holds 2048 bits, more than the 256 segments of even the
	// smallest class and far more than any larger class has (spec §9's
	// bitmap trade-off note), so the remaining bits must stay clear. Setting the whole array would
	// leave always-free spurious bits past the real segment count, which
	// makes popcount never reach 0 and so never detects a full page.
	n := sizeclass.SegmentsPerPage(class)
	for i := uint32(0); i < n; i++ {
		setBit(hdr.FreeBitmap[:], uint16(i))
	}

	return ref, nil
}

func setBit(bitmap []byte, idx uint16)   { bitmap[idx/8] |= 1 << (idx % 8) }
func clearBit(bitmap []byte, idx uint16) { bitmap[idx/8] &^= 1 << (idx % 8) }
func testBit(bitmap []byte, idx uint16) bool {
	return bitmap[idx/8]&(1<<(idx%8)) != 0
}

func popcount(bitmap []byte) int {
	n := 0
	for _, b := range bitmap {
		n += bits.OnesCount8(b)
	}
	return n
}
