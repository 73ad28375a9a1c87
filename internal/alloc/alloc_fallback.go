//go:build !linux

package alloc

import (
	"sync"
	"unsafe"
)

// heapAllocator is the portable fallback: blocks come from the Go heap
// and are pinned in a registry so the collector cannot reclaim them while
// the tracked program still holds the raw pointer. Freed blocks rotate
// through a bounded quarantine so a stale pointer reads the cleared
// prelude instead of recycled memory.
type heapAllocator struct {
	mu         sync.Mutex
	pinned     map[uintptr][]byte
	quarantine [][]byte
	qhead      int
}

// quarantineSlots bounds memory held by freed blocks
const quarantineSlots = 1024

func newPlatformAllocator() Allocator {
	return &heapAllocator{
		pinned:     make(map[uintptr][]byte),
		quarantine: make([][]byte, quarantineSlots),
	}
}

func (a *heapAllocator) Alloc(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	total := preludeSize + size
	words := make([]uint64, (total+7)/8)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), total)

	base := unsafe.Pointer(&buf[0])
	pre := (*blockPrelude)(base)
	pre.total = total
	pre.magic = blockMagic

	user := unsafe.Add(base, preludeSize)

	a.mu.Lock()
	a.pinned[uintptr(user)] = buf
	a.mu.Unlock()

	return user
}

func (a *heapAllocator) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	pre := (*blockPrelude)(unsafe.Add(ptr, -preludeSize))
	if pre.magic != blockMagic {
		return
	}
	pre.magic = 0

	a.mu.Lock()
	buf := a.pinned[uintptr(ptr)]
	delete(a.pinned, uintptr(ptr))
	a.quarantine[a.qhead] = buf
	a.qhead = (a.qhead + 1) % quarantineSlots
	a.mu.Unlock()
}

func (a *heapAllocator) Realloc(ptr unsafe.Pointer, size uintptr) unsafe.Pointer {
	if ptr == nil {
		return a.Alloc(size)
	}
	if size == 0 {
		a.Free(ptr)
		return nil
	}

	pre := (*blockPrelude)(unsafe.Add(ptr, -preludeSize))
	if pre.magic != blockMagic {
		return nil
	}
	oldSize := pre.total - preludeSize

	newPtr := a.Alloc(size)
	if newPtr == nil {
		return nil
	}

	n := oldSize
	if size < n {
		n = size
	}
	copy(unsafe.Slice((*byte)(newPtr), n), unsafe.Slice((*byte)(ptr), n))

	a.Free(ptr)
	return newPtr
}

func (a *heapAllocator) UsableSize(ptr unsafe.Pointer) uintptr {
	if ptr == nil {
		return 0
	}
	pre := (*blockPrelude)(unsafe.Add(ptr, -preludeSize))
	if pre.magic != blockMagic {
		return 0
	}
	return pre.total - preludeSize
}
