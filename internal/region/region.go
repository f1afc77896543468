// Package region defines the on-heap layout shared by MiniPages and
// Big-Allocation nodes: a fixed-size Header followed by a data area, and the
// Ref type used for every inter-structure link.
//
// Splitting this out of both internal/minipage and internal/metapage keeps
// the dependency graph acyclic: metapage needs Header/Ref to declare its
// free-stack arrays, and minipage needs metapage to drive its free stacks,
// so Header/Ref cannot live in either of those packages.
//
// Grounded on the teacher's internal/runtime/region_alloc.go (RegionHeader
// with Size/Used/Free/AllocList/FreeList) and spec §9's design note that
// every link between MetaPage, MiniPage headers, and big-alloc nodes must be
// a byte offset from base(), not a pointer, so the layout survives backing
// store relocation.
package region

import (
	"unsafe"

	"github.com/lattice-rt/miniheap/internal/hostheap"
	"github.com/lattice-rt/miniheap/internal/sizeclass"
)

// Ref is a byte offset from hostheap.Heap.Base(). Null is reserved: no live
// header can ever start at offset 0, since MetaPage occupies it.
type Ref uint32

// Null is the reserved "no reference" value.
const Null Ref = 0

// BitmapBytes is the fixed size of a MiniPage's free-segment bitmap: 2048
// bits, one per byte of a MiniPage's 2 KiB data region. Even the smallest
// class (MIN_SC=3) has only 256 segments, so the bitmap is oversized for
// every class per spec §9's bitmap/free-list trade-off note.
const BitmapBytes = 256

// rawHeaderFieldsSize is the size Header's real fields occupy before the
// trailing alignment padding below is added: 1 (SizeClass) + 3 (pad) +
// BitmapBytes + 4 (NextFree) + 4 (LenBytes) + 4 (IsFree) + 4 (Next) + 4 (Prev).
const rawHeaderFieldsSize = 1 + 3 + BitmapBytes + 4 + 4 + 4 + 4 + 4

// paddedHeaderSize rounds rawHeaderFieldsSize up to a multiple of
// sizeclass.MiniPageDataBytes (2048, == 1<<sizeclass.MaxSC, the largest
// alignment spec §8 requires supporting), so that DataOffset(ref) —
// ref+HeaderSize — is naturally aligned to any alignment a caller can
// request, not just to the 4-byte alignment uint32 fields happen to need
// (spec §3 / §9's "pad headers to a fixed size" note).
const paddedHeaderSize = ((rawHeaderFieldsSize + sizeclass.MiniPageDataBytes - 1) / sizeclass.MiniPageDataBytes) * sizeclass.MiniPageDataBytes

// headerPadBytes is the trailing padding Header carries to reach paddedHeaderSize.
const headerPadBytes = paddedHeaderSize - rawHeaderFieldsSize

// Header is placed immediately before every MiniPage's 2 KiB data region,
// and reused (with SizeClass == sizeclass.BigClass) for every Big-Allocation
// node, so a pointer's owning header is always the same struct regardless of
// which subsystem carved the region (spec §3). It carries trailing padding
// (see headerPadBytes) so its size is a multiple of the largest size class,
// keeping every data region aligned no matter what alignment is requested.
type Header struct {
	SizeClass uint8
	_         [3]byte // pad so FreeBitmap (and the struct as a whole) is 4-byte aligned

	// MiniPage fields.
	FreeBitmap [BitmapBytes]byte // bit = 1 means the segment at that index is free
	NextFree   Ref               // not written: FreeMiniPageStacks are arrays in metapage.ClassState

	// Big-Allocation fields (meaningful only when SizeClass == sizeclass.BigClass).
	LenBytes uint32
	IsFree   uint32
	Next     Ref
	Prev     Ref

	_ [headerPadBytes]byte
}

// HeaderSize is the fixed size of Header, computed rather than hardcoded so
// it stays correct if the struct's fields change. It works out to exactly
// sizeclass.MiniPageDataBytes (2048) given the field list above, which makes
// Stride itself a power of two (4096) as a side effect, but callers should
// rely on the computed constant, not that coincidence.
const HeaderSize = uint32(unsafe.Sizeof(Header{}))

// Stride is the fixed distance between one MiniPage and the next: header
// plus 2 KiB of MiniPage data. Big-Allocation nodes reuse Stride too, and not
// just to round their requested data length (spec §4.B: "Big(round_up(size,
// MP_STRIDE))") — internal/bigalloc also quantizes each node's *total*
// footprint (header+data) up to a Stride multiple, so every region on the
// heap, small or big, starts at a Stride-aligned offset from the metapage
// and spans a whole number of Strides. That uniformity is what lets a single
// owning-header lookup (floor-divide the pointer's offset from the metapage
// by Stride, then multiply back) work regardless of which subsystem carved
// the region, instead of needing to know in advance which one to ask.
const Stride = HeaderSize + sizeclass.MiniPageDataBytes

// At returns the Header living at byte offset ref in h. The caller must
// ensure ref+HeaderSize is within h.SizeBytes().
func At(h hostheap.Heap, ref Ref) *Header {
	return (*Header)(unsafe.Pointer(&h.Bytes()[ref]))
}

// DataOffset returns the byte offset of the data region following the
// header at ref.
func DataOffset(ref Ref) Ref {
	return ref + Ref(HeaderSize)
}
