// Command miniheap-stat drives a synthetic allocation workload against a
// miniheap.Allocator and reports its counters.
//
// Grounded on cmd/orizon-profile/main.go's flag set shape and its -json
// output convention.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/lattice-rt/miniheap"
)

func main() {
	var (
		maxHostPages = flag.Uint("max-host-pages", 65536, "cap on host-heap growth, in 64 KiB pages")
		iterations   = flag.Int("iterations", 10000, "number of alloc/dealloc cycles to run")
		seed         = flag.Int64("seed", 1, "PRNG seed for the synthetic workload")
		debug        = flag.Bool("debug", false, "enable allocator trace logging")
		jsonOut      = flag.Bool("json", true, "print the resulting stats as JSON")
	)
	flag.Parse()

	a, err := miniheap.New(
		miniheap.WithMaxHostPages(uint32(*maxHostPages)),
		miniheap.WithDebug(*debug),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "miniheap-stat: %v\n", err)
		os.Exit(1)
	}

	runWorkload(a, *iterations, rand.New(rand.NewSource(*seed)))

	stats := a.Stats()
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(stats); err != nil {
			fmt.Fprintf(os.Stderr, "miniheap-stat: %v\n", err)
			os.Exit(1)
		}
		return
	}
	fmt.Printf("%+v\n", stats)
}

// sizeClasses is a representative spread across both the MiniPage range
// (up to 2048 bytes) and the Big-Allocation range.
var sizeClasses = []uint32{8, 16, 64, 256, 1024, 2048, 4096, 16384}

// runWorkload allocates and frees a live set of pointers, biased toward
// keeping roughly half of them outstanding at any time, to exercise both
// the free-segment/free-MiniPage stacks and the big-allocation free list's
// split/coalesce paths.
func runWorkload(a *miniheap.Allocator, iterations int, rng *rand.Rand) {
	type live struct {
		ptr  miniheap.Ptr
		size uint32
	}
	outstanding := make([]live, 0, iterations)

	for i := 0; i < iterations; i++ {
		if len(outstanding) > 0 && rng.Intn(2) == 0 {
			idx := rng.Intn(len(outstanding))
			l := outstanding[idx]
			if err := a.Dealloc(l.ptr, l.size, 8); err != nil {
				fmt.Fprintf(os.Stderr, "miniheap-stat: dealloc: %v\n", err)
			}
			outstanding[idx] = outstanding[len(outstanding)-1]
			outstanding = outstanding[:len(outstanding)-1]
			continue
		}

		size := sizeClasses[rng.Intn(len(sizeClasses))]
		ptr := a.Alloc(size, 8)
		if ptr == miniheap.NullPtr {
			continue
		}
		outstanding = append(outstanding, live{ptr: ptr, size: size})
	}

	for _, l := range outstanding {
		_ = a.Dealloc(l.ptr, l.size, 8)
	}
}
