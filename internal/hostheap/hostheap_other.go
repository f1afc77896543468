//go:build !unix

package hostheap

// New builds the default Heap for this platform: the portable simulated
// buffer (unix builds instead get the mmap-reserved Heap; see
// hostheap_unix.go). Unlike the unix adapter, this commits max bytes of
// real memory up front rather than reserving address space lazily, so
// callers on this path should pass a cap sized for what they actually
// expect to use, not the full wasm32 ceiling.
func New(max uint32) (Heap, error) {
	return NewSimulated(max), nil
}
