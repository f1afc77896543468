package sizeclass

import "testing"

const testStride = 2048 + 16 // a plausible header+data stride for routing tests

func TestRoute(t *testing.T) {
	t.Run("ZeroSizeRoutesToMinClass", func(t *testing.T) {
		d, err := Route(0, 1, testStride)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !d.Small || d.Class != MinSC {
			t.Fatalf("expected small class %d, got %+v", MinSC, d)
		}
	})

	t.Run("LargestSmallClass", func(t *testing.T) {
		d, err := Route(2048, 8, testStride)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !d.Small || d.Class != MaxSC {
			t.Fatalf("expected small class %d, got %+v", MaxSC, d)
		}
	})

	t.Run("FirstBigSize", func(t *testing.T) {
		d, err := Route(2049, 8, testStride)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.Small {
			t.Fatalf("expected big allocation, got %+v", d)
		}
		if d.BigRounded < 2049 || d.BigRounded%testStride != 0 {
			t.Fatalf("expected rounded size multiple of %d, got %d", testStride, d.BigRounded)
		}
	})

	t.Run("AlignmentOne", func(t *testing.T) {
		d, err := Route(8, 1, testStride)
		if err != nil || !d.Small || d.Class != MinSC {
			t.Fatalf("expected small class %d, got %+v, err=%v", MinSC, d, err)
		}
	})

	t.Run("AlignmentAtMax", func(t *testing.T) {
		d, err := Route(8, Size(MaxSC), testStride)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !d.Small || d.Class != MaxSC {
			t.Fatalf("expected class %d (alignment forces effective size up), got %+v", MaxSC, d)
		}
	})

	t.Run("AlignmentAboveMaxRejected", func(t *testing.T) {
		_, err := Route(8, Size(MaxSC)*2, testStride)
		if err == nil {
			t.Fatal("expected UnsupportedAlignment error")
		}
	})

	t.Run("NonPowerOfTwoAlignmentRejected", func(t *testing.T) {
		_, err := Route(8, 3, testStride)
		if err == nil {
			t.Fatal("expected UnsupportedAlignment error")
		}
	})
}

func TestIndexRoundTrip(t *testing.T) {
	for c := MinSC; c <= MaxSC; c++ {
		if got := ClassAt(Index(c)); got != c {
			t.Fatalf("Index/ClassAt round trip failed for class %d: got %d", c, got)
		}
	}
}
