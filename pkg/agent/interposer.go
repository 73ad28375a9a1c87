package agent

import (
	"unsafe"

	"github.com/yairfalse/memtrace/internal/ident"
	"github.com/yairfalse/memtrace/internal/track"
	"github.com/yairfalse/memtrace/pkg/domain"
	"github.com/yairfalse/memtrace/pkg/ring"
)

// The four interposed entry points. Each forwards to the underlying
// allocator, maintains the header, the live index, and both counter sets,
// and publishes an event. All of them are wait-free on the fast path:
// atomics and per-allocation memory only, no locks.

// Malloc services an allocate call. A zero size returns nil. The
// underlying allocation is size + header; the returned pointer points
// just past the installed header.
func (a *Agent) Malloc(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	under := a.underlying()
	if under == nil {
		return nil
	}

	base := under.Alloc(size + track.HeaderSize)
	if base == nil {
		return nil
	}

	now := ident.Now()
	siteID := ident.CallSite(1)
	threadID := ident.ThreadID()
	userPtr := track.Install(base, size, now, siteID, threadID)

	a.index.Add(userPtr, track.FromUserPtr(userPtr))

	a.totalAllocations.Add(1)
	a.currentMemory.Add(uint64(size))
	a.producer.AddCounter(ring.CounterTotalAllocations, 1)
	a.producer.AddCounter(ring.CounterCurrentMemory, int64(size))

	a.publish(&domain.Event{
		Type:      domain.EventTypeMalloc,
		Timestamp: now,
		ThreadID:  threadID,
		Address:   uintptr(userPtr),
		Size:      uint64(size),
		AllocTime: now,
		SiteID:    siteID,
	})

	return userPtr
}

// Free services a deallocate call. Nil is a no-op. Foreign pointers
// (no header sentinel: allocated before attach, by a sibling allocator,
// or already freed) pass through to the underlying allocator untouched
// and unreported.
func (a *Agent) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	under := a.underlying()
	if under == nil {
		return
	}

	h := track.FromUserPtr(ptr)
	if !h.IsOurs() {
		under.Free(ptr)
		return
	}

	size := h.Size
	allocTime := h.AllocTime
	siteID := h.SiteID

	a.totalFrees.Add(1)
	a.currentMemory.Add(^(size - 1)) // subtract
	a.producer.AddCounter(ring.CounterTotalFrees, 1)
	a.producer.AddCounter(ring.CounterCurrentMemory, -int64(size))

	a.index.Remove(ptr)

	a.publish(&domain.Event{
		Type:      domain.EventTypeFree,
		Timestamp: ident.Now(),
		ThreadID:  ident.ThreadID(),
		Address:   uintptr(ptr),
		Size:      size,
		AllocTime: allocTime,
		SiteID:    siteID,
	})

	// Clear the sentinel before releasing so a double free on this
	// pointer reads as foreign.
	h.Invalidate()
	under.Free(h.Base())
}

// Realloc services a reallocate call. Nil behaves as Malloc; zero size
// behaves as Free and returns nil. A tracked block is always moved: new
// block, payload copy, old block freed.
func (a *Agent) Realloc(ptr unsafe.Pointer, size uintptr) unsafe.Pointer {
	if ptr == nil {
		return a.Malloc(size)
	}
	if size == 0 {
		a.Free(ptr)
		return nil
	}

	h := track.FromUserPtr(ptr)
	if !h.IsOurs() {
		under := a.underlying()
		if under == nil {
			return nil
		}
		return under.Realloc(ptr, size)
	}

	oldSize := uintptr(h.Size)

	newPtr := a.Malloc(size)
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

// Calloc services a zeroed-allocate call. The count*size product is
// checked for overflow and fails rather than truncating.
func (a *Agent) Calloc(count, size uintptr) unsafe.Pointer {
	if count == 0 || size == 0 {
		return nil
	}
	total := count * size
	if total/size != count {
		return nil
	}

	ptr := a.Malloc(total)
	if ptr == nil {
		return nil
	}

	clear(unsafe.Slice((*byte)(ptr), total))
	return ptr
}

// UpdateAccess stamps the allocation's last-access time. Called from
// access-sampling instrumentation; foreign pointers are ignored.
// Idempotent: repeated calls only advance the timestamp.
func (a *Agent) UpdateAccess(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	h := track.FromUserPtr(ptr)
	if h.IsOurs() {
		h.Touch(ident.Now())
	}
}
