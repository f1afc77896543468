// Package sizeclass maps a requested (size, align) pair onto either a small
// power-of-two size class or the big-allocation path (spec component B).
//
// Grounded on the teacher's internal/allocator/allocator.go (sizeClasses
// slice + getSizeClass) and internal/stdlib/hal/memory.go's size-class table
// construction, both linear scans over a handful of power-of-two buckets;
// here the scan is replaced with direct bit-length arithmetic since the
// classes are a contiguous power-of-two range rather than an arbitrary list.
package sizeclass

import (
	"math/bits"

	"github.com/lattice-rt/miniheap/internal/allocerr"
)

const (
	// MinSC is the smallest size class: 1<<MinSC = 8 bytes. The spec's
	// source comments mention an older "class 0 = 1 byte" design; MinSC=3
	// is the later, authoritative value (see DESIGN.md Open Questions).
	MinSC uint8 = 3
	// MaxSC is the largest size class: 1<<MaxSC = 2048 bytes.
	MaxSC uint8 = 11
	// NumClasses is the number of small size classes, MinSC..MaxSC inclusive.
	NumClasses = int(MaxSC-MinSC) + 1
	// BigClass is the sentinel size-class tag for big-allocation headers.
	BigClass uint8 = 0xFF
	// MiniPageDataBytes is the payload size of every MiniPage slab.
	MiniPageDataBytes = 2048
)

// Size returns the object size in bytes for a given small size class.
func Size(class uint8) uint32 {
	return 1 << class
}

// SegmentsPerPage returns how many segments of the given class fit in one
// MiniPage's data region.
func SegmentsPerPage(class uint8) uint32 {
	return MiniPageDataBytes / Size(class)
}

// Index returns class c's position in the [0, NumClasses) range used to
// index per-class arrays.
func Index(class uint8) int {
	return int(class - MinSC)
}

// ClassAt is the inverse of Index.
func ClassAt(i int) uint8 {
	return MinSC + uint8(i)
}

// Decision is the routing outcome for a requested allocation.
type Decision struct {
	Small      bool
	Class      uint8  // valid when Small
	BigRounded uint32 // valid when !Small: size rounded up to a stride multiple
}

// Route implements spec §4.B: it computes the effective size
// s' = max(size, align, 1<<MinSC), classifies it, and rejects alignments
// that are not a power of two or exceed 1<<MaxSC on the small path.
//
// stride is the Big-Allocation region quantum (internal/region.Stride),
// passed in rather than imported to avoid a sizeclass<->region import cycle
// (region already depends on sizeclass for MiniPageDataBytes).
func Route(size, align, stride uint32) (Decision, error) {
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return Decision{}, allocerr.New("route", allocerr.UnsupportedAlignment, "alignment must be a power of two")
	}

	effective := size
	if align > effective {
		effective = align
	}
	if minSize := Size(MinSC); effective < minSize {
		effective = minSize
	}

	class := uint8(bits.Len32(effective - 1))
	if class < MinSC {
		class = MinSC
	}

	if class <= MaxSC {
		if align > Size(MaxSC) {
			return Decision{}, allocerr.New("route", allocerr.UnsupportedAlignment, "alignment exceeds largest size class")
		}
		return Decision{Small: true, Class: class}, nil
	}

	if align > Size(MaxSC) {
		return Decision{}, allocerr.New("route", allocerr.UnsupportedAlignment, "alignment exceeds largest size class")
	}

	rounded := roundUp(size, stride)
	return Decision{Small: false, BigRounded: rounded}, nil
}

func roundUp(n, multiple uint32) uint32 {
	if multiple == 0 {
		return n
	}
	rem := n % multiple
	if rem == 0 {
		return n
	}
	return n + (multiple - rem)
}
