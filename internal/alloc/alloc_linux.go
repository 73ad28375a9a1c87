//go:build linux

package alloc

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmapAllocator backs every block with its own anonymous private mapping.
// The prelude at the mapping base records the total length and a block
// magic; the user pointer is base+preludeSize. Per-block mmap is slow by
// malloc standards and entirely adequate for a diagnostic agent: blocks
// never move, and a freed address is not handed out again while its
// mapping sits in the quarantine below.
//
// Freed blocks are not unmapped immediately. They enter a bounded
// quarantine with their pages madvised away, so a stale pointer keeps
// reading zeroes instead of faulting (the tracking layer relies on this:
// a freed allocation's header must read as magic 0, not SIGSEGV). The
// oldest quarantined mapping is released when the quarantine is full.
type mmapAllocator struct {
	liveBlocks atomic.Int64
	liveBytes  atomic.Int64

	qmu        sync.Mutex
	quarantine []quarantined
	qhead      int
}

// quarantineSlots bounds address-space held by freed blocks
const quarantineSlots = 1024

type quarantined struct {
	base  unsafe.Pointer
	total uintptr
}

func newPlatformAllocator() Allocator {
	return &mmapAllocator{
		quarantine: make([]quarantined, quarantineSlots),
	}
}

func (a *mmapAllocator) Alloc(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	total := preludeSize + size

	mem, err := unix.Mmap(-1, 0, int(total),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil
	}

	base := unsafe.Pointer(&mem[0])
	pre := (*blockPrelude)(base)
	pre.total = total
	pre.magic = blockMagic

	a.liveBlocks.Add(1)
	a.liveBytes.Add(int64(total))

	return unsafe.Add(base, preludeSize)
}

func (a *mmapAllocator) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	base := unsafe.Add(ptr, -preludeSize)
	pre := (*blockPrelude)(base)
	if pre.magic != blockMagic {
		// Not a live block this allocator minted; nothing safe to do.
		return
	}
	total := pre.total
	pre.magic = 0

	a.liveBlocks.Add(-1)
	a.liveBytes.Add(-int64(total))

	// Drop the pages but keep the mapping readable until the block
	// rotates out of quarantine.
	block := unsafe.Slice((*byte)(base), total)
	_ = unix.Madvise(block, unix.MADV_DONTNEED)

	a.qmu.Lock()
	evicted := a.quarantine[a.qhead]
	a.quarantine[a.qhead] = quarantined{base: base, total: total}
	a.qhead = (a.qhead + 1) % quarantineSlots
	a.qmu.Unlock()

	if evicted.base != nil {
		_ = unix.Munmap(unsafe.Slice((*byte)(evicted.base), evicted.total))
	}
}

func (a *mmapAllocator) Realloc(ptr unsafe.Pointer, size uintptr) unsafe.Pointer {
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

func (a *mmapAllocator) UsableSize(ptr unsafe.Pointer) uintptr {
	if ptr == nil {
		return 0
	}
	pre := (*blockPrelude)(unsafe.Add(ptr, -preludeSize))
	if pre.magic != blockMagic {
		return 0
	}
	return pre.total - preludeSize
}
