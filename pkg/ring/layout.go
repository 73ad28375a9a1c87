// Package ring implements the cross-process event ring the agent publishes
// into and the analyzer consumes from. The ring lives in a named
// shared-memory region; producer and consumer share nothing else, so the
// entire synchronization contract is the fence-before-advance publication
// protocol on write_index.
package ring

import (
	"encoding/binary"
	"unsafe"

	"github.com/yairfalse/memtrace/pkg/domain"
)

const (
	// Capacity is the number of event slots in the ring
	Capacity = 1000

	// PayloadSize is the per-event payload area in bytes
	PayloadSize = 40

	// EventSize is the wire size of one event slot
	EventSize = 64

	// headerSize covers the indices and counters ahead of the slots.
	// The C layout packs events at byte 36; one explicit pad keeps every
	// 64-bit counter and slot base 8-aligned, which atomic access needs.
	headerSize = 40

	// RegionSize is the total shared-memory size, fixed at compile time
	// so the consumer can map the identical layout
	RegionSize = headerSize + Capacity*EventSize
)

// Header field offsets. write_index and read_index are 32-bit; the
// counters mirror the agent's local statistics.
const (
	offWriteIndex       = 0
	offReadIndex        = 4
	offTotalAllocations = 8
	offTotalFrees       = 16
	offCurrentMemory    = 24
	offLeakCount        = 32
	offEvents           = headerSize
)

// rawEvent is the exact wire form of one slot. Field order and sizes match
// the packed event record byte for byte; the layout is asserted below.
type rawEvent struct {
	EventID   int32
	EventType int32
	Timestamp uint64
	ThreadID  uint32
	Payload   [PayloadSize]byte
	IsValid   int32
}

// Layout assertions. A mismatch between rawEvent and the wire contract
// fails compilation in both directions.
const (
	_ uintptr = EventSize - unsafe.Sizeof(rawEvent{})
	_ uintptr = unsafe.Sizeof(rawEvent{}) - EventSize
	_ uintptr = 8 - unsafe.Offsetof(rawEvent{}.Timestamp)
	_ uintptr = unsafe.Offsetof(rawEvent{}.Timestamp) - 8
	_ uintptr = 16 - unsafe.Offsetof(rawEvent{}.ThreadID)
	_ uintptr = 20 - unsafe.Offsetof(rawEvent{}.Payload)
	_ uintptr = 60 - unsafe.Offsetof(rawEvent{}.IsValid)
)

// Payload field offsets, shared by the malloc/free and leak layouts:
// address and size first, then alloc_time or staleness_ns, then site_id.
const (
	payloadOffAddress = 0
	payloadOffSize    = 8
	payloadOffThird   = 16
	payloadOffSiteID  = 24
)

// Counter names one of the four shared statistics counters
type Counter int

const (
	CounterTotalAllocations Counter = iota
	CounterTotalFrees
	CounterCurrentMemory
	CounterLeakCount
)

// Counters is a snapshot of the ring's statistics fields
type Counters struct {
	WriteIndex       uint32
	ReadIndex        uint32
	TotalAllocations uint64
	TotalFrees       uint64
	CurrentMemory    uint64
	LeakCount        uint32
}

// encode fills a rawEvent from the in-process event form
func encode(ev *domain.Event) rawEvent {
	raw := rawEvent{
		EventID:   int32(ev.ID),
		EventType: int32(ev.Type),
		Timestamp: ev.Timestamp,
		ThreadID:  ev.ThreadID,
		IsValid:   1,
	}

	putUint64(raw.Payload[payloadOffAddress:], uint64(ev.Address))
	putUint64(raw.Payload[payloadOffSize:], ev.Size)
	switch ev.Type {
	case domain.EventTypeLeakDetected:
		putUint64(raw.Payload[payloadOffThird:], ev.StalenessNs)
	default:
		putUint64(raw.Payload[payloadOffThird:], ev.AllocTime)
	}
	putUint32(raw.Payload[payloadOffSiteID:], ev.SiteID)

	return raw
}

// decode recovers the in-process event form from a slot copy.
// Returns false for empty (never published) slots.
func decode(raw *rawEvent) (domain.Event, bool) {
	if raw.IsValid != 1 {
		return domain.Event{}, false
	}

	ev := domain.Event{
		ID:        uint32(raw.EventID),
		Type:      domain.EventType(raw.EventType),
		Timestamp: raw.Timestamp,
		ThreadID:  raw.ThreadID,
		Address:   uintptr(getUint64(raw.Payload[payloadOffAddress:])),
		Size:      getUint64(raw.Payload[payloadOffSize:]),
		SiteID:    getUint32(raw.Payload[payloadOffSiteID:]),
	}
	switch ev.Type {
	case domain.EventTypeLeakDetected:
		ev.StalenessNs = getUint64(raw.Payload[payloadOffThird:])
	default:
		ev.AllocTime = getUint64(raw.Payload[payloadOffThird:])
	}

	return ev, true
}

// Payload accessors go through encoding/binary because the 64-bit payload
// fields sit at 4-byte offsets inside the slot. Producer and consumer run
// on the same little-endian machine by contract.
func putUint64(b []byte, v uint64) {
	binary.LittleEndian.PutUint64(b, v)
}

func getUint64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

func putUint32(b []byte, v uint32) {
	binary.LittleEndian.PutUint32(b, v)
}

func getUint32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}
