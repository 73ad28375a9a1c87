// Package alloc provides the underlying allocator the interposer forwards
// to. Blocks are raw memory outside the Go heap where the platform allows,
// so user pointers stay stable and freeing is explicit.
package alloc

import (
	"sync/atomic"
	"unsafe"
)

// Allocator is the underlying allocation surface. Implementations are
// thread-safe; the interposer adds no synchronization around them.
type Allocator interface {
	// Alloc returns a naturally aligned block of at least size bytes,
	// or nil on failure
	Alloc(size uintptr) unsafe.Pointer

	// Free releases a block previously returned by Alloc. The pointer
	// must be exactly what Alloc returned.
	Free(ptr unsafe.Pointer)

	// Realloc resizes a block, copying the payload. A nil ptr behaves as
	// Alloc; it returns nil on failure and leaves the old block intact.
	Realloc(ptr unsafe.Pointer, size uintptr) unsafe.Pointer

	// UsableSize reports the payload capacity of a block returned by Alloc
	UsableSize(ptr unsafe.Pointer) uintptr
}

// preludeSize is the bookkeeping area ahead of every user block. It is
// deliberately larger than one tracking header so that probing a header
// ahead of a raw block's user pointer stays inside the mapping.
const preludeSize = 64

// blockMagic marks blocks minted by this package's allocators
const blockMagic = 0x6D74724C // "mtrL"

// blockPrelude is the bookkeeping record at the base of every block
type blockPrelude struct {
	total uintptr
	magic uint32
}

// resolution states for the once-only binding of the system allocator
const (
	stateUnbound int32 = iota
	stateBinding
	stateBound
)

var (
	systemState int32
	systemAlloc Allocator
)

// System resolves the platform allocator the first time it is called.
// A call that arrives while another (or a re-entered) caller is still
// binding gets nil, mirroring the allocator-bootstrap rule: callers must
// treat nil as "not yet available" and fail the single operation rather
// than recurse.
func System() Allocator {
	for {
		switch atomic.LoadInt32(&systemState) {
		case stateBound:
			return systemAlloc
		case stateBinding:
			return nil
		case stateUnbound:
			if atomic.CompareAndSwapInt32(&systemState, stateUnbound, stateBinding) {
				systemAlloc = newPlatformAllocator()
				atomic.StoreInt32(&systemState, stateBound)
				return systemAlloc
			}
		}
	}
}
