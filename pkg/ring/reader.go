package ring

import (
	"sync/atomic"
	"unsafe"

	"github.com/yairfalse/memtrace/pkg/domain"
)

// Reader consumes events from a mapped ring region by polling. It keeps
// all cursor state locally; the shared read_index is advisory and only
// written when the mapping allows it. A reader that falls more than
// Capacity events behind loses the overwritten slots and reports them.
type Reader struct {
	data     []byte
	writeIdx *uint32
	readIdx  *uint32

	// advisory controls whether Poll stores the shared read_index.
	// Read-only mappings must leave it false.
	advisory bool

	lastSeq    uint32
	lastID     uint32
	haveLastID bool
}

// NewReader attaches a reader to a mapped ring region. Set advisory to
// publish the consumer's position into the shared read_index; this
// requires a writable mapping.
func NewReader(data []byte, advisory bool) (*Reader, error) {
	if len(data) < RegionSize {
		return nil, ErrRegionTooSmall
	}
	base := unsafe.Pointer(&data[0])

	r := &Reader{
		data:     data,
		writeIdx: (*uint32)(unsafe.Add(base, offWriteIndex)),
		readIdx:  (*uint32)(unsafe.Add(base, offReadIndex)),
		advisory: advisory,
	}
	// Start from the current producer position: a consumer attaching to a
	// running agent tails new events rather than replaying the ring.
	r.lastSeq = atomic.LoadUint32(r.writeIdx)
	return r, nil
}

// Rewind moves the cursor back to the oldest event still held in the
// ring, so the next Poll replays retained history.
func (r *Reader) Rewind() {
	w := atomic.LoadUint32(r.writeIdx)
	if w > Capacity {
		r.lastSeq = w - Capacity
	} else {
		r.lastSeq = 0
	}
	r.haveLastID = false
}

// Lost tallies events the reader can prove it missed: ring overruns and
// event_id gaps.
type Lost struct {
	Overrun uint64
	Gaps    uint64
}

// Poll drains every event published since the previous call. It returns
// the decoded events in ring order plus a loss report. An empty return
// means the producer has not advanced.
func (r *Reader) Poll() ([]domain.Event, Lost) {
	var lost Lost

	w := atomic.LoadUint32(r.writeIdx)
	pending := w - r.lastSeq // wraparound arithmetic
	if pending == 0 {
		return nil, lost
	}

	// Lapped: everything older than one Capacity is gone.
	if pending > Capacity {
		lost.Overrun = uint64(pending - Capacity)
		r.lastSeq = w - Capacity
		pending = Capacity
	}

	events := make([]domain.Event, 0, pending)
	for seq := r.lastSeq; seq != w; seq++ {
		ev, ok := r.readSlot(seq % Capacity)
		if !ok {
			// Slot not yet published (in-flight concurrent producer) or
			// already overwritten; event_id accounting covers it.
			continue
		}
		if r.haveLastID {
			if gap := ev.ID - r.lastID; gap > 1 {
				lost.Gaps += uint64(gap - 1)
			}
		}
		r.lastID = ev.ID
		r.haveLastID = true
		events = append(events, ev)
	}
	r.lastSeq = w

	if r.advisory {
		atomic.StoreUint32(r.readIdx, w)
	}

	return events, lost
}

// readSlot copies one slot out of shared memory before decoding so a
// concurrent overwrite cannot tear the record mid-decode.
func (r *Reader) readSlot(slot uint32) (domain.Event, bool) {
	var raw rawEvent
	dst := (*[EventSize]byte)(unsafe.Pointer(&raw))
	copy(dst[:], r.data[offEvents+int(slot)*EventSize:])
	return decode(&raw)
}
