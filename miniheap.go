// Package miniheap is a real-time WebAssembly linear-memory allocator: a
// size-classed MiniPage subsystem for objects up to 2 KiB, a first-fit
// Big-Allocation list for everything above that, and a heap-resident
// MetaPage tying the two together. No operation allocates Go-heap memory of
// its own on the hot path — every byte of bookkeeping lives inside the
// managed host heap.
//
// Grounded on the teacher's internal/allocator/allocator.go Config/Option/
// defaultConfig/Initialize/GlobalAllocator pattern, narrowed from a
// Go-heap-resident global allocator to a facade whose only state is the
// host-heap handle itself (the mutable bookkeeping is MetaPage, inside the
// heap — see internal/metapage's doc comment).
package miniheap

import (
	"fmt"
	"log"
	"os"
	"sync"
	"unsafe"

	"github.com/lattice-rt/miniheap/internal/allocerr"
	"github.com/lattice-rt/miniheap/internal/bigalloc"
	"github.com/lattice-rt/miniheap/internal/hostheap"
	"github.com/lattice-rt/miniheap/internal/metapage"
	"github.com/lattice-rt/miniheap/internal/minipage"
	"github.com/lattice-rt/miniheap/internal/region"
	"github.com/lattice-rt/miniheap/internal/sizeclass"
)

// Ptr is a byte offset from the host heap's base, returned by Alloc in place
// of a pointer. WebAssembly's own pointers are exactly this — u32 offsets
// into linear memory — so no narrowing happens at the real ABI boundary.
type Ptr = region.Ref

// NullPtr is the sentinel "no allocation" value, matching Rust's `null` /
// C's `NULL` for this ABI (spec §6: "alloc returns null on failure").
const NullPtr Ptr = region.Null

// Kind re-exports allocerr.Kind so callers never need to import an internal
// package to inspect Allocator.LastFailure.
type Kind = allocerr.Kind

const (
	KindNone                 = allocerr.None
	KindTooLarge             = allocerr.TooLarge
	KindUnsupportedAlignment = allocerr.UnsupportedAlignment
	KindOutOfHostMemory      = allocerr.OutOfHostMemory
	KindStackOverflow        = allocerr.StackOverflow
	KindCorruptHeader        = allocerr.CorruptHeader
)

// Config holds the tunables for a new Allocator. Use Option functions to
// build one; the zero value is never used directly (see defaultConfig).
type Config struct {
	// MaxHostPages bounds how large the host heap may grow, in 64 KiB pages.
	// Defaults to 65536 (the full 4 GiB wasm32 address space); the spec's
	// Open Question on this value is resolved in DESIGN.md.
	MaxHostPages uint32
	// Heap overrides the host-heap adapter entirely (tests use this to
	// supply a hostheap.Simulated with a small cap, to exercise the
	// OutOfHostMemory path deterministically).
	Heap hostheap.Heap
	// EnableDebug gates CorruptHeader aborts and per-call alloc trace
	// logging (each Alloc's result or failure cause), mirroring the
	// teacher's EnableDebug gate.
	EnableDebug bool
	// Logger receives fatal CorruptHeader reports and, when EnableDebug is
	// set, allocation trace lines. Defaults to a logger on os.Stderr.
	Logger *log.Logger
}

// Option configures a Config, following the teacher's functional-options
// shape (internal/allocator/allocator.go's Config/Option/defaultConfig).
type Option func(*Config)

// WithMaxHostPages overrides the default 65536-page ceiling, primarily to
// exercise OutOfHostMemory in tests with a small, fast-to-exhaust heap.
func WithMaxHostPages(pages uint32) Option {
	return func(c *Config) { c.MaxHostPages = pages }
}

// WithHostHeap installs a caller-supplied host-heap adapter instead of the
// platform default (hostheap.New).
func WithHostHeap(h hostheap.Heap) Option {
	return func(c *Config) { c.Heap = h }
}

// WithDebug turns on CorruptHeader fatal checks and allocation trace
// logging.
func WithDebug(enabled bool) Option {
	return func(c *Config) { c.EnableDebug = enabled }
}

// WithLogger overrides the destination for fatal/trace output.
func WithLogger(l *log.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

func defaultConfig() *Config {
	return &Config{
		MaxHostPages: 65536,
		Logger:       log.New(os.Stderr, "miniheap: ", log.LstdFlags),
	}
}

// Stats is the optional metrics surface spec §6 allows exposing to the
// host: allocation/deallocation counters, current usage, and the cause of
// the most recent failed alloc. Grounded on the teacher's AllocatorStats/
// PoolStats/GCStats structs.
type Stats struct {
	Allocations   uint64
	Deallocations uint64
	BytesInUse    uint64
	HighWater     uint32
	LiveByClass   [sizeclass.NumClasses]uint64
	LastFailure   Kind
}

// Allocator is a single heap and its MetaPage bookkeeping. The zero value is
// not usable; construct one with New.
type Allocator struct {
	// mu serializes Stats()/LastFailure() with each other and with fail()'s
	// write of the failure cause. Alloc's success path and Dealloc never
	// take it, so it does not exclude a concurrent alloc/dealloc: the
	// allocation path itself stays synchronization-free (spec §5; teacher's
	// OptimizedAllocator has the identical "mutex ... Only used for
	// statistics" split).
	mu sync.Mutex

	heap hostheap.Heap
	cfg  Config
}

// New builds an Allocator. It creates the host heap here (unless one is
// supplied with WithHostHeap) but does not grow it: MetaPage is set up
// lazily on first use (EnsureInitialized), so constructing an Allocator
// never grows memory on its own.
func New(opts ...Option) (*Allocator, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	heap := cfg.Heap
	if heap == nil {
		h, err := hostheap.New(pagesToBytes(cfg.MaxHostPages))
		if err != nil {
			return nil, err
		}
		heap = h
	}

	return &Allocator{heap: heap, cfg: *cfg}, nil
}

// pagesToBytes converts a page count to a byte count, capping at the
// largest value a uint32 size can express. The full wasm32 address space
// (65536 pages * 65536 bytes) is exactly 2^32 bytes, one past the largest
// uint32 — hostheap.Heap represents sizes as uint32, so a request for the
// true maximum is capped one byte short rather than silently wrapping to 0.
func pagesToBytes(pages uint32) uint32 {
	total := uint64(pages) * uint64(hostheap.PageBytes)
	const maxUint32 = uint64(1)<<32 - 1
	if total > maxUint32 {
		total = maxUint32
	}
	return uint32(total)
}

func (a *Allocator) ensure() (*metapage.Page, error) {
	return metapage.EnsureInitialized(a.heap)
}

// Alloc implements spec §4.F alloc: ensure MetaPage exists, route the
// request to the small or big path, and return NullPtr on any failure.
// The cause is latched into MetaPage's LastFailure counter, readable via
// Stats() or LastFailure(); when MetaPage itself cannot be set up, nothing
// is latched.
func (a *Allocator) Alloc(size, align uint32) Ptr {
	mp, err := a.ensure()
	if err != nil {
		return a.fail(mp, allocerr.OutOfHostMemory)
	}

	decision, err := sizeclass.Route(size, align, region.Stride)
	if err != nil {
		return a.fail(mp, kindOf(err, allocerr.UnsupportedAlignment))
	}

	var ptr region.Ref
	if decision.Small {
		ptr, err = minipage.Alloc(a.heap, mp, decision.Class)
	} else {
		ptr, err = bigalloc.Alloc(a.heap, mp, decision.BigRounded)
	}
	if err != nil {
		return a.fail(mp, kindOf(err, allocerr.OutOfHostMemory))
	}

	mp.Stats.LastFailure = uint32(allocerr.None)
	if a.cfg.EnableDebug {
		a.cfg.Logger.Printf("alloc(%d,%d) -> %d (class small=%v)", size, align, ptr, decision.Small)
	}
	return ptr
}

// Dealloc implements spec §4.F dealloc: locate the header owning ptr by
// the same floor-division formula regardless of which subsystem carved it
// (internal/bigalloc quantizes every node's total footprint to a
// region.Stride multiple specifically so this holds uniformly), then read
// its SizeClass to dispatch to small_dealloc or big_dealloc. size/align are
// accepted per the external interface for diagnostics but the header is
// authoritative, exactly as spec §4.F notes.
func (a *Allocator) Dealloc(ptr Ptr, size, align uint32) error {
	if ptr == NullPtr {
		return nil
	}
	mp, err := a.ensure()
	if err != nil {
		return err
	}

	metaBytes := metapage.Bytes()
	if uint32(ptr) < metaBytes {
		return allocerr.New("dealloc", allocerr.CorruptHeader, "pointer inside metapage")
	}
	ref := region.Ref(metaBytes + ((uint32(ptr) - metaBytes) / region.Stride * region.Stride))
	hdr := region.At(a.heap, ref)

	if a.cfg.EnableDebug && hdr.SizeClass != sizeclass.BigClass &&
		(hdr.SizeClass < sizeclass.MinSC || hdr.SizeClass > sizeclass.MaxSC) {
		a.cfg.Logger.Printf("fatal: corrupt header at ptr=%d (size_class=%d)", ptr, hdr.SizeClass)
		panic(fmt.Sprintf("miniheap: corrupt header at ptr=%d", ptr))
	}

	if hdr.SizeClass == sizeclass.BigClass {
		return bigalloc.Dealloc(a.heap, mp, ptr)
	}
	return minipage.Dealloc(a.heap, mp, ptr)
}

// Realloc is the optional convenience spec §6 allows: alloc a new region,
// copy min(oldSize, newSize) bytes, and free the old one. It is never
// cheaper than a fresh alloc+copy — there is no in-place grow-in-region
// fast path, matching the spec's "implemented as alloc+copy+dealloc" note.
func (a *Allocator) Realloc(ptr Ptr, oldSize, align, newSize uint32) Ptr {
	newPtr := a.Alloc(newSize, align)
	if newPtr == NullPtr {
		return NullPtr
	}
	if ptr != NullPtr {
		n := oldSize
		if newSize < n {
			n = newSize
		}
		copy(a.Bytes(newPtr, n), a.Bytes(ptr, n))
		_ = a.Dealloc(ptr, oldSize, align)
	}
	return newPtr
}

// Bytes returns a live view of length bytes starting at ptr. Neither
// adapter in internal/hostheap ever moves its backing array (Heap.Base is
// stable for the heap's lifetime), so the view stays in place as the heap
// grows; its contents are meaningful only while ptr remains allocated.
func (a *Allocator) Bytes(ptr Ptr, length uint32) []byte {
	return a.heap.Bytes()[ptr : uint32(ptr)+length]
}

// UnsafePointer is a convenience for callers that must hand a Go
// unsafe.Pointer to cgo or similar; it carries the same lifetime caveat as
// Bytes.
func (a *Allocator) UnsafePointer(ptr Ptr) unsafe.Pointer {
	return unsafe.Pointer(&a.heap.Bytes()[ptr])
}

// Stats returns a snapshot of the allocator's counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	mp, err := a.ensure()
	if err != nil {
		return Stats{}
	}
	s := Stats{
		Allocations:   mp.Stats.Allocations,
		Deallocations: mp.Stats.Deallocations,
		BytesInUse:    mp.Stats.BytesInUse,
		HighWater:     mp.HighWater,
		LastFailure:   allocerr.Kind(mp.Stats.LastFailure),
	}
	copy(s.LiveByClass[:], mp.Stats.LiveByClass[:])
	return s
}

// LastFailure reports the cause of the most recent failed Alloc call, or
// KindNone if the most recent call succeeded (or none has run yet).
func (a *Allocator) LastFailure() Kind {
	return a.Stats().LastFailure
}

func (a *Allocator) fail(mp *metapage.Page, kind allocerr.Kind) Ptr {
	if mp != nil {
		a.mu.Lock()
		mp.Stats.LastFailure = uint32(kind)
		a.mu.Unlock()
	}
	if a.cfg.EnableDebug {
		a.cfg.Logger.Printf("alloc failed: %s", kind)
	}
	return NullPtr
}

func kindOf(err error, fallback allocerr.Kind) allocerr.Kind {
	if e, ok := err.(*allocerr.Error); ok {
		return e.Kind
	}
	return fallback
}

// Default is the package-level allocator the convenience wrappers below
// operate on, mirroring the teacher's GlobalAllocator singleton — but, per
// spec §9's no-global-mutable-state note, Default holds nothing mutable of
// its own; all bookkeeping lives in the host heap it wraps. It is left nil
// until Initialize is called explicitly, or lazily on first use by Alloc/
// Dealloc/Realloc below (mirroring the teacher's lazy Initialize()).
var Default *Allocator

var defaultOnce sync.Once

// Initialize installs Default with the given options, mirroring the
// teacher's GlobalAllocator Initialize(). Call it once at program start to
// control sizing; if never called, the first package-level Alloc call
// installs a default-configured Allocator on its own.
func Initialize(opts ...Option) error {
	a, err := New(opts...)
	if err != nil {
		return err
	}
	Default = a
	return nil
}

func ensureDefault() *Allocator {
	defaultOnce.Do(func() {
		if Default == nil {
			a, err := New()
			if err != nil {
				panic(err)
			}
			Default = a
		}
	})
	return Default
}

// Alloc calls Default.Alloc, initializing Default with defaults first if
// Initialize was never called.
func Alloc(size, align uint32) Ptr { return ensureDefault().Alloc(size, align) }

// Dealloc calls Default.Dealloc.
func Dealloc(ptr Ptr, size, align uint32) error { return ensureDefault().Dealloc(ptr, size, align) }

// Realloc calls Default.Realloc.
func Realloc(ptr Ptr, oldSize, align, newSize uint32) Ptr {
	return ensureDefault().Realloc(ptr, oldSize, align, newSize)
}
