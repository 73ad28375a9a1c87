// Package track owns the per-allocation metadata: the in-band header that
// precedes every user pointer and the bounded index of live allocations
// the leak scanner walks.
package track

import (
	"sync/atomic"
	"unsafe"
)

// Magic is the header sentinel. It is the sole recognition test for
// allocations that went through the interposer; a header whose magic does
// not match is foreign (pre-attach allocation, sibling allocator, or a
// trampled header) and must be passed through untouched.
const Magic uint32 = 0xDEADBEEF

// Header is the metadata record stored immediately ahead of the user
// pointer. Magic and LastAccess are accessed atomically because the
// scanner reads them while the owning thread mutates them.
type Header struct {
	magic uint32
	_     uint32 // keeps the 64-bit fields naturally aligned

	// Size is the user-requested size in bytes
	Size uint64

	// AllocTime is the monotonic allocation timestamp in ns
	AllocTime uint64

	lastAccess uint64

	// SiteID is the call-site fingerprint of the allocating caller
	SiteID uint32

	// ThreadID is the fingerprint of the allocating thread
	ThreadID uint32
}

// HeaderSize is the in-band overhead per allocation
const HeaderSize = unsafe.Sizeof(Header{})

// Install writes a fresh header at base and returns the user pointer
// (base + HeaderSize). The initial last-access equals the allocation time.
func Install(base unsafe.Pointer, size uintptr, now uint64, siteID, threadID uint32) unsafe.Pointer {
	h := (*Header)(base)
	h.Size = uint64(size)
	h.AllocTime = now
	atomic.StoreUint64(&h.lastAccess, now)
	h.SiteID = siteID
	h.ThreadID = threadID
	// Magic is published last: a concurrent scanner that can already see
	// this header must not accept it half-written.
	atomic.StoreUint32(&h.magic, Magic)

	return unsafe.Add(base, HeaderSize)
}

// FromUserPtr recovers the header from a user pointer. Pure pointer
// arithmetic; the constant-offset inversion is what keeps free O(1).
func FromUserPtr(userPtr unsafe.Pointer) *Header {
	if userPtr == nil {
		return nil
	}
	return (*Header)(unsafe.Add(userPtr, -int(HeaderSize)))
}

// UserPtr returns the user pointer for a header
func (h *Header) UserPtr() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(h), HeaderSize)
}

// Base returns the allocation base (the header itself); this is what must
// be handed back to the underlying deallocator.
func (h *Header) Base() unsafe.Pointer {
	return unsafe.Pointer(h)
}

// IsOurs reports whether the header carries the live sentinel
func (h *Header) IsOurs() bool {
	return h != nil && atomic.LoadUint32(&h.magic) == Magic
}

// Invalidate clears the sentinel so a later free of the same pointer is
// recognizable as foreign (double free or corruption).
func (h *Header) Invalidate() {
	atomic.StoreUint32(&h.magic, 0)
}

// Touch records an access at the given timestamp
func (h *Header) Touch(now uint64) {
	atomic.StoreUint64(&h.lastAccess, now)
}

// LastAccess returns the most recent recorded access timestamp
func (h *Header) LastAccess() uint64 {
	return atomic.LoadUint64(&h.lastAccess)
}
