package miniheap

import (
	"testing"

	"github.com/lattice-rt/miniheap/internal/hostheap"
)

func newTestAllocator(t *testing.T, pages uint32) *Allocator {
	t.Helper()
	a, err := New(WithHostHeap(hostheap.NewSimulated(pages * hostheap.PageBytes)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

// TestSmallRoundTrip is spec §8 seed test 1.
func TestSmallRoundTrip(t *testing.T) {
	a := newTestAllocator(t, 4)

	p1 := a.Alloc(8, 8)
	if p1 == NullPtr {
		t.Fatal("alloc p1 failed")
	}
	p2 := a.Alloc(8, 8)
	if p2 == NullPtr {
		t.Fatal("alloc p2 failed")
	}
	if p2-p1 != 8 {
		t.Fatalf("expected p2-p1 == 8, got %d", p2-p1)
	}

	if err := a.Dealloc(p1, 8, 8); err != nil {
		t.Fatalf("dealloc p1: %v", err)
	}

	p3 := a.Alloc(8, 8)
	if p3 != p1 {
		t.Fatalf("expected p3 == p1, got %d", p3)
	}
}

// TestSmallVsBigRouting is spec §8 seed test 3.
func TestSmallVsBigRouting(t *testing.T) {
	a := newTestAllocator(t, 8)

	small := a.Alloc(2048, 8)
	if small == NullPtr {
		t.Fatal("alloc small failed")
	}
	big := a.Alloc(2049, 8)
	if big == NullPtr {
		t.Fatal("alloc big failed")
	}
	if big == small {
		t.Fatal("small and big allocations landed at the same pointer")
	}
}

// TestBigSplitAndReuse is spec §8 seed test 4, exercised through the facade:
// both sizes here exceed 2048 bytes, so both route to the big-allocation
// path (a request of exactly 2048 stays on the small path — see seed test
// 3 / TestSmallVsBigRouting).
func TestBigSplitAndReuse(t *testing.T) {
	a := newTestAllocator(t, 8)

	big := a.Alloc(8192, 8)
	if big == NullPtr {
		t.Fatal("alloc big failed")
	}
	if err := a.Dealloc(big, 8192, 8); err != nil {
		t.Fatalf("dealloc big: %v", err)
	}

	smaller := a.Alloc(4096, 8)
	if smaller == NullPtr {
		t.Fatal("alloc smaller failed")
	}
	if smaller != big {
		t.Fatalf("expected the split allocation to reuse big's offset: got %d, want %d", smaller, big)
	}
}

func TestOutOfHostMemoryReturnsNullAndLatchesFailure(t *testing.T) {
	a := newTestAllocator(t, 1) // one page: exactly MetaPage's reservation, no room for any region

	p := a.Alloc(1<<20, 8) // 1 MiB, far past the tiny heap cap
	if p != NullPtr {
		t.Fatal("expected OOM alloc to return NullPtr")
	}
	if got := a.LastFailure(); got != KindOutOfHostMemory {
		t.Fatalf("expected LastFailure == OutOfHostMemory, got %v", got)
	}
}

func TestUnsupportedAlignmentReturnsNull(t *testing.T) {
	a := newTestAllocator(t, 4)

	p := a.Alloc(8, 3) // not a power of two
	if p != NullPtr {
		t.Fatal("expected non-power-of-two alignment to fail")
	}
	if got := a.LastFailure(); got != KindUnsupportedAlignment {
		t.Fatalf("expected LastFailure == UnsupportedAlignment, got %v", got)
	}
}

// TestAllocResultsAreNaturallyAligned is spec §8's alignment boundary case:
// a requested alignment up to the largest size class (2048) must evenly
// divide the returned pointer, on both the small and big paths. Before
// Header carried trailing padding, HeaderSize (280) only guaranteed 4-byte
// alignment, so e.g. Alloc(16,16) or Alloc(2048,2048) would not reliably
// satisfy this.
func TestAllocResultsAreNaturallyAligned(t *testing.T) {
	a := newTestAllocator(t, 8)

	for _, align := range []uint32{8, 16, 64, 256, 1024, 2048} {
		p := a.Alloc(align, align)
		if p == NullPtr {
			t.Fatalf("alloc(size=%d, align=%d) failed", align, align)
		}
		if uint32(p)%align != 0 {
			t.Fatalf("alloc(size=%d, align=%d) = %d, not aligned", align, align, p)
		}
	}

	big := a.Alloc(8192, 2048)
	if big == NullPtr {
		t.Fatal("alloc(8192, 2048) failed")
	}
	if uint32(big)%2048 != 0 {
		t.Fatalf("big alloc(8192, 2048) = %d, not 2048-aligned", big)
	}
}

func TestReallocCopiesAndFreesOld(t *testing.T) {
	a := newTestAllocator(t, 8)

	p := a.Alloc(8, 8)
	if p == NullPtr {
		t.Fatal("alloc failed")
	}
	copy(a.Bytes(p, 8), []byte("12345678"))

	p2 := a.Realloc(p, 8, 8, 64)
	if p2 == NullPtr {
		t.Fatal("realloc failed")
	}
	if string(a.Bytes(p2, 8)) != "12345678" {
		t.Fatalf("realloc lost data: got %q", a.Bytes(p2, 8))
	}
	if got := a.Stats().Deallocations; got != 1 {
		t.Fatalf("expected realloc to free the old allocation (1 deallocation), got %d", got)
	}
}

func TestStatsTracksLiveAllocations(t *testing.T) {
	a := newTestAllocator(t, 4)

	before := a.Stats()
	p := a.Alloc(16, 8)
	if p == NullPtr {
		t.Fatal("alloc failed")
	}
	after := a.Stats()

	if after.Allocations != before.Allocations+1 {
		t.Fatalf("expected allocation count to increase by 1, got %d -> %d", before.Allocations, after.Allocations)
	}
	if after.BytesInUse <= before.BytesInUse {
		t.Fatal("expected bytes-in-use to increase")
	}
}

func TestDeallocNullPtrIsNoop(t *testing.T) {
	a := newTestAllocator(t, 4)
	if err := a.Dealloc(NullPtr, 8, 8); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}
