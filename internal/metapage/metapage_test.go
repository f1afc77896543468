package metapage

import (
	"testing"

	"github.com/lattice-rt/miniheap/internal/hostheap"
	"github.com/lattice-rt/miniheap/internal/region"
)

func TestEnsureInitialized(t *testing.T) {
	h := hostheap.NewSimulated(16 * hostheap.PageBytes)

	t.Run("GrowsHeapAndTags", func(t *testing.T) {
		mp, err := EnsureInitialized(h)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if mp.Magic != Magic {
			t.Fatalf("expected magic %x, got %x", Magic, mp.Magic)
		}
		if mp.HighWater != Bytes() {
			t.Fatalf("expected high water %d, got %d", Bytes(), mp.HighWater)
		}
		if h.SizeBytes() < Bytes() {
			t.Fatalf("heap not grown to cover metapage: %d < %d", h.SizeBytes(), Bytes())
		}
	})

	t.Run("IdempotentSecondCall", func(t *testing.T) {
		mp1, err := EnsureInitialized(h)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		mp1.HighWater = 123456 // mutate so we can detect a clobbering re-init

		mp2, err := EnsureInitialized(h)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if mp2.HighWater != 123456 {
			t.Fatalf("second EnsureInitialized re-zeroed the page: high water = %d", mp2.HighWater)
		}
	})
}

func TestClassStateStacks(t *testing.T) {
	var c ClassState

	t.Run("FreeMiniPageStackLIFO", func(t *testing.T) {
		if !c.PushFreeMiniPage(10) {
			t.Fatal("push should succeed")
		}
		if !c.PushFreeMiniPage(20) {
			t.Fatal("push should succeed")
		}
		if ref, ok := c.PopFreeMiniPage(); !ok || ref != 20 {
			t.Fatalf("expected 20, got %d ok=%v", ref, ok)
		}
		if ref, ok := c.PopFreeMiniPage(); !ok || ref != 10 {
			t.Fatalf("expected 10, got %d ok=%v", ref, ok)
		}
		if _, ok := c.PopFreeMiniPage(); ok {
			t.Fatal("expected empty stack")
		}
	})

	t.Run("FreeMiniPageStackOverflowIsRecoverable", func(t *testing.T) {
		var full ClassState
		for i := 0; i < FreeMiniPageStackCap; i++ {
			if !full.PushFreeMiniPage(region.Ref(i)) {
				t.Fatalf("push %d should have succeeded", i)
			}
		}
		if full.PushFreeMiniPage(region.Ref(999)) {
			t.Fatal("push past capacity should fail (StackOverflow, recovered by skip)")
		}
	})
}
