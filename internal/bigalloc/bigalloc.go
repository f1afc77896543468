// Package bigalloc implements the Big-Allocation subsystem (spec component
// E): a doubly-linked list of variable-size regions serving objects above
// 2 KiB with first-fit placement, splitting on over-large free nodes, and
// coalescing on free.
//
// Grounded on the teacher's internal/runtime/region_alloc.go (FreeBlock/
// AllocBlock, a doubly-linked free/alloc list with a Coalesced flag) and
// internal/stdlib/hal/memory.go's deallocate (coalesce-on-free over a
// map[uintptr]*MemoryRegion) — both adapted from Go-pointer/map-linked
// blocks to offset-linked region.Header records living directly in heap
// bytes, since MetaPage and big-alloc nodes cannot themselves allocate
// (spec §5 reentrancy rule).
package bigalloc

import (
	"github.com/lattice-rt/miniheap/internal/allocerr"
	"github.com/lattice-rt/miniheap/internal/hostheap"
	"github.com/lattice-rt/miniheap/internal/metapage"
	"github.com/lattice-rt/miniheap/internal/region"
	"github.com/lattice-rt/miniheap/internal/sizeclass"
)

// Alloc implements spec §4.E big_alloc: first-fit over the free list,
// splitting the tail of an over-large match, or appending a fresh node at
// high_water. need is the caller's size already rounded by the size-class
// router to a region.Stride multiple; every node this package actually
// creates is quantized further, by quantizeTotal, so its total footprint
// (header + data) is itself a whole number of Strides — the same grid
// MiniPages occupy. That keeps "the region containing ptr" (spec §4.F
// dealloc step 1) computable by the one floor-division formula regardless
// of which subsystem carved it.
func Alloc(h hostheap.Heap, mp *metapage.Page, need uint32) (region.Ref, error) {
	if ref, ok := firstFit(h, mp, need); ok {
		hdr := region.At(h, ref)
		hdr.IsFree = 0
		maybeSplit(h, hdr, ref, need)
		touchAllocStats(mp, hdr.LenBytes)
		return region.DataOffset(ref), nil
	}

	ref, err := appendNode(h, mp, need)
	if err != nil {
		return region.Null, err
	}
	touchAllocStats(mp, region.At(h, ref).LenBytes)
	return region.DataOffset(ref), nil
}

// Dealloc implements spec §4.E big_dealloc: the header sits immediately
// before ptr; mark it free and coalesce with both neighbours.
func Dealloc(h hostheap.Heap, mp *metapage.Page, ptr region.Ref) error {
	if uint32(ptr) < region.HeaderSize {
		return allocerr.New("big_dealloc", allocerr.CorruptHeader, "pointer too small to have a header")
	}
	ref := ptr - region.Ref(region.HeaderSize)
	hdr := region.At(h, ref)
	if hdr.SizeClass != sizeclass.BigClass {
		return allocerr.New("big_dealloc", allocerr.CorruptHeader, "not a big-allocation header")
	}

	mp.Stats.Deallocations++
	mp.Stats.BytesInUse -= uint64(hdr.LenBytes)
	hdr.IsFree = 1

	if hdr.Next != region.Null {
		next := region.At(h, hdr.Next)
		if next.IsFree != 0 {
			coalesce(h, ref, hdr, hdr.Next, next)
		}
	}
	if hdr.Prev != region.Null {
		prev := region.At(h, hdr.Prev)
		if prev.IsFree != 0 {
			coalesce(h, hdr.Prev, prev, ref, hdr)
		}
	}

	return nil
}

// firstFit walks the list from MetaPage's head, returning the first free
// node whose LenBytes covers need.
func firstFit(h hostheap.Heap, mp *metapage.Page, need uint32) (region.Ref, bool) {
	for ref := mp.BigListHead; ref != region.Null; {
		hdr := region.At(h, ref)
		if hdr.IsFree != 0 && hdr.LenBytes >= need {
			return ref, true
		}
		ref = hdr.Next
	}
	return region.Null, false
}

// quantizeTotal returns the smallest data length >= need such that
// HeaderSize+data is a whole multiple of region.Stride.
func quantizeTotal(need uint32) uint32 {
	total := roundUp(region.HeaderSize+need, region.Stride)
	return total - region.HeaderSize
}

// maybeSplit carves the unused tail of hdr into a new free node, once the
// kept ("used") portion is quantized to a Stride-multiple footprint and
// what's left over still spans at least one whole Stride (spec §4.E step
// 2). If the quantized used length would consume the whole node, no split
// happens and need is satisfied by over-allocating within the same node.
func maybeSplit(h hostheap.Heap, hdr *region.Header, ref region.Ref, need uint32) {
	used := quantizeTotal(need)
	if used >= hdr.LenBytes {
		return
	}
	remainderTotal := hdr.LenBytes - used
	if remainderTotal < region.Stride {
		return
	}

	newRef := ref + region.Ref(region.HeaderSize) + region.Ref(used)
	newHdr := region.At(h, newRef)
	*newHdr = region.Header{
		SizeClass: sizeclass.BigClass,
		LenBytes:  remainderTotal - region.HeaderSize,
		IsFree:    1,
		Next:      hdr.Next,
		Prev:      ref,
	}
	if newHdr.Next != region.Null {
		region.At(h, newHdr.Next).Prev = newRef
	}

	hdr.Next = newRef
	hdr.LenBytes = used
}

// appendNode grows the heap if necessary and links a brand-new in-use node,
// sized by quantizeTotal, onto the tail of the big-allocation list (spec
// §4.E step 3).
func appendNode(h hostheap.Heap, mp *metapage.Page, need uint32) (region.Ref, error) {
	dataLen := quantizeTotal(need)
	ref := region.Ref(mp.HighWater)
	end := uint32(ref) + region.HeaderSize + dataLen

	if end > h.SizeBytes() {
		missing := end - h.SizeBytes()
		pages := (missing + hostheap.PageBytes - 1) / hostheap.PageBytes
		if _, err := h.Grow(pages); err != nil {
			return region.Null, err
		}
	}
	mp.HighWater = end

	hdr := region.At(h, ref)
	*hdr = region.Header{
		SizeClass: sizeclass.BigClass,
		LenBytes:  dataLen,
		IsFree:    0,
		Next:      region.Null,
		Prev:      region.Null,
	}

	if mp.BigListHead == region.Null {
		mp.BigListHead = ref
		return ref, nil
	}

	tail := tailOf(h, mp.BigListHead)
	tailHdr := region.At(h, tail)
	tailHdr.Next = ref
	hdr.Prev = tail
	return ref, nil
}

func tailOf(h hostheap.Heap, head region.Ref) region.Ref {
	ref := head
	for {
		hdr := region.At(h, ref)
		if hdr.Next == region.Null {
			return ref
		}
		ref = hdr.Next
	}
}

// coalesce merges the node at rightRef into the node at leftRef, which must
// already be known-free, and relinks leftHdr.Next past it.
func coalesce(h hostheap.Heap, leftRef region.Ref, leftHdr *region.Header, rightRef region.Ref, rightHdr *region.Header) {
	leftHdr.LenBytes += region.HeaderSize + rightHdr.LenBytes
	leftHdr.Next = rightHdr.Next
	if leftHdr.Next != region.Null {
		region.At(h, leftHdr.Next).Prev = leftRef
	}
}

func touchAllocStats(mp *metapage.Page, size uint32) {
	mp.Stats.Allocations++
	mp.Stats.BytesInUse += uint64(size)
}

func roundUp(n, multiple uint32) uint32 {
	rem := n % multiple
	if rem == 0 {
		return n
	}
	return n + (multiple - rem)
}
