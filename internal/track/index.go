package track

import (
	"sync/atomic"
	"unsafe"
)

// DefaultMaxTracked bounds the live-allocation population the scanner
// sees. Allocations beyond the cap stay live and keep their header; they
// are never registered later, so they stay invisible to the scanner for
// their whole lifetime. Churn only makes room for later allocations.
const DefaultMaxTracked = 10_000

// tombstone marks a slot whose entry was removed. Probe chains walk over
// tombstones; only a never-used slot terminates a lookup.
const tombstone = ^uintptr(0)

// slot is one open-addressed table entry. key transitions
// empty -> user pointer -> tombstone -> user pointer -> ...
type slot struct {
	key atomic.Uintptr
	hdr atomic.Pointer[Header]
}

// Index is the live-allocation table: a bounded open-addressed hash map
// from user pointer to header pointer, maintained entirely with atomics.
// The interposer may not take locks (the underlying allocator can call
// back into the process), so adds and removes are lock-free; the scanner
// snapshots by walking the slot array.
type Index struct {
	slots    []slot
	mask     uintptr
	capacity int64

	live    atomic.Int64
	dropped atomic.Int64
}

// NewIndex creates an index that tracks at most capacity live
// allocations. The slot array is the smallest power of two that is at
// least 2x capacity, to keep probe chains short.
func NewIndex(capacity int) *Index {
	if capacity <= 0 {
		capacity = DefaultMaxTracked
	}

	n := 1
	for n < capacity*2 {
		n <<= 1
	}

	return &Index{
		slots:    make([]slot, n),
		mask:     uintptr(n - 1),
		capacity: int64(capacity),
	}
}

// hash mixes the pointer bits; the low four bits of a pointer carry no
// entropy on an aligned heap.
func (idx *Index) hash(key uintptr) uintptr {
	return ((key >> 4) * 0x9E3779B97F4A7C15) & idx.mask
}

// Add registers a live allocation. Returns false when the index is at
// capacity; the allocation proceeds untracked (the acknowledged
// limitation under extreme churn).
func (idx *Index) Add(userPtr unsafe.Pointer, h *Header) bool {
	key := uintptr(userPtr)
	if key == 0 || key == tombstone {
		return false
	}

	if idx.live.Load() >= idx.capacity {
		idx.dropped.Add(1)
		return false
	}

	start := idx.hash(key)
	for i := uintptr(0); i <= idx.mask; i++ {
		s := &idx.slots[(start+i)&idx.mask]
		k := s.key.Load()
		if k == key {
			// Same pointer re-registered: the previous entry was freed
			// without being removed (should not happen) or the underlying
			// allocator recycled the address. Reuse the slot.
			s.hdr.Store(h)
			return true
		}
		if k == 0 || k == tombstone {
			if s.key.CompareAndSwap(k, key) {
				s.hdr.Store(h)
				idx.live.Add(1)
				return true
			}
			// Lost the slot to a concurrent add; keep probing.
		}
	}

	idx.dropped.Add(1)
	return false
}

// Remove unregisters a live allocation. Returns false if the pointer was
// not tracked (index overflow or foreign pointer).
func (idx *Index) Remove(userPtr unsafe.Pointer) bool {
	key := uintptr(userPtr)
	if key == 0 || key == tombstone {
		return false
	}

	start := idx.hash(key)
	for i := uintptr(0); i <= idx.mask; i++ {
		s := &idx.slots[(start+i)&idx.mask]
		k := s.key.Load()
		if k == 0 {
			return false
		}
		if k == key {
			s.hdr.Store(nil)
			s.key.Store(tombstone)
			idx.live.Add(-1)
			return true
		}
	}
	return false
}

// Snapshot visits every tracked allocation. The walk is concurrent with
// adds and removes: entries removed mid-walk may or may not be visited,
// and the visited header may already be invalidated; callers re-check
// IsOurs through the header. Returning false stops the walk.
func (idx *Index) Snapshot(visit func(userPtr unsafe.Pointer, h *Header) bool) {
	for i := range idx.slots {
		s := &idx.slots[i]
		k := s.key.Load()
		if k == 0 || k == tombstone {
			continue
		}
		h := s.hdr.Load()
		if h == nil {
			continue
		}
		if !visit(unsafe.Pointer(k), h) {
			return
		}
	}
}

// Live returns the current tracked-entry count
func (idx *Index) Live() int64 {
	return idx.live.Load()
}

// Dropped returns how many registrations were refused at capacity
func (idx *Index) Dropped() int64 {
	return idx.dropped.Load()
}

// Capacity returns the maximum tracked population
func (idx *Index) Capacity() int64 {
	return idx.capacity
}
