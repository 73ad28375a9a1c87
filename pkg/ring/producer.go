package ring

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/yairfalse/memtrace/pkg/domain"
)

// ErrRegionTooSmall is returned when the mapped region cannot hold the ring
var ErrRegionTooSmall = errors.New("region smaller than ring layout")

// Producer publishes events into a mapped ring region. Publication never
// blocks and never allocates after construction: when the ring laps the
// consumer, old slots are silently overwritten. The consumer detects loss
// through event_id gaps.
//
// A nil *Producer is valid and publishes nothing, which is how the agent
// degrades to statistics-only mode when shared memory is unavailable.
type Producer struct {
	data []byte

	writeIdx         *uint32
	totalAllocations *uint64
	totalFrees       *uint64
	currentMemory    *uint64
	leakCount        *uint32

	// seq claims slots ahead of the visible write_index so concurrent
	// publishers never fill the same slot
	seq    uint32
	nextID uint32
}

// NewProducer attaches a producer to a mapped region. The region must be
// at least RegionSize bytes and 8-aligned (mmap'd memory always is).
func NewProducer(data []byte) (*Producer, error) {
	if len(data) < RegionSize {
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrRegionTooSmall, len(data), RegionSize)
	}
	base := unsafe.Pointer(&data[0])
	if uintptr(base)%8 != 0 {
		return nil, errors.New("region base must be 8-aligned")
	}

	return &Producer{
		data:             data,
		writeIdx:         (*uint32)(unsafe.Add(base, offWriteIndex)),
		totalAllocations: (*uint64)(unsafe.Add(base, offTotalAllocations)),
		totalFrees:       (*uint64)(unsafe.Add(base, offTotalFrees)),
		currentMemory:    (*uint64)(unsafe.Add(base, offCurrentMemory)),
		leakCount:        (*uint32)(unsafe.Add(base, offLeakCount)),
	}, nil
}

// Reset zeroes the ring header and every slot. Called once at agent
// startup so a reattached region does not replay a previous run.
func (p *Producer) Reset() {
	if p == nil {
		return
	}
	clear(p.data[:RegionSize])
	p.seq = 0
	p.nextID = 0
}

// Publish writes the event into its ring slot and advances write_index.
// It assigns and returns the producer-local event ID (stored back into
// ev.ID), strictly increasing from 1.
//
// Publication contract: the slot's bytes are fully stored before the
// index advance. The advance is an atomic RMW, which orders every prior
// store ahead of it (the "full fence, then release increment" protocol),
// so a consumer observing write_index == k always finds a complete record
// in slot (k-1) mod Capacity.
func (p *Producer) Publish(ev *domain.Event) uint32 {
	if p == nil {
		return 0
	}

	ev.ID = atomic.AddUint32(&p.nextID, 1)

	seq := atomic.AddUint32(&p.seq, 1) - 1
	slot := seq % Capacity
	raw := encode(ev)

	src := (*[EventSize]byte)(unsafe.Pointer(&raw))
	copy(p.data[offEvents+int(slot)*EventSize:], src[:])

	p.advance(seq + 1)
	return ev.ID
}

// advance moves write_index forward to target, never backward. Concurrent
// publishers may advance past each other; write_index stays the maximum
// published sequence under wraparound arithmetic.
func (p *Producer) advance(target uint32) {
	for {
		cur := atomic.LoadUint32(p.writeIdx)
		if int32(target-cur) <= 0 {
			return
		}
		if atomic.CompareAndSwapUint32(p.writeIdx, cur, target) {
			return
		}
	}
}

// AddCounter applies a relaxed atomic delta to one statistics counter.
// Negative deltas subtract (two's complement addition).
func (p *Producer) AddCounter(c Counter, delta int64) {
	if p == nil {
		return
	}
	switch c {
	case CounterTotalAllocations:
		atomic.AddUint64(p.totalAllocations, uint64(delta))
	case CounterTotalFrees:
		atomic.AddUint64(p.totalFrees, uint64(delta))
	case CounterCurrentMemory:
		atomic.AddUint64(p.currentMemory, uint64(delta))
	case CounterLeakCount:
		atomic.AddUint32(p.leakCount, uint32(delta))
	}
}

// WriteIndex returns the current visible write index
func (p *Producer) WriteIndex() uint32 {
	if p == nil {
		return 0
	}
	return atomic.LoadUint32(p.writeIdx)
}

// ReadCounters snapshots the statistics fields of a mapped ring region.
// Works on read-only mappings.
func ReadCounters(data []byte) (Counters, error) {
	if len(data) < headerSize {
		return Counters{}, ErrRegionTooSmall
	}
	base := unsafe.Pointer(&data[0])

	return Counters{
		WriteIndex:       atomic.LoadUint32((*uint32)(unsafe.Add(base, offWriteIndex))),
		ReadIndex:        atomic.LoadUint32((*uint32)(unsafe.Add(base, offReadIndex))),
		TotalAllocations: atomic.LoadUint64((*uint64)(unsafe.Add(base, offTotalAllocations))),
		TotalFrees:       atomic.LoadUint64((*uint64)(unsafe.Add(base, offTotalFrees))),
		CurrentMemory:    atomic.LoadUint64((*uint64)(unsafe.Add(base, offCurrentMemory))),
		LeakCount:        atomic.LoadUint32((*uint32)(unsafe.Add(base, offLeakCount))),
	}, nil
}
