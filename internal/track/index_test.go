package track

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePtr fabricates distinct aligned user pointers for index tests; the
// index never dereferences keys.
func fakePtr(i int) unsafe.Pointer {
	return unsafe.Pointer(uintptr(0x10000 + i*16))
}

func testHeader() *Header {
	base := headerBlock(0)
	Install(base, 8, 1, 0, 1)
	return (*Header)(base)
}

func TestIndexAddRemove(t *testing.T) {
	idx := NewIndex(100)
	h := testHeader()

	require.True(t, idx.Add(fakePtr(1), h))
	assert.Equal(t, int64(1), idx.Live())

	require.True(t, idx.Remove(fakePtr(1)))
	assert.Equal(t, int64(0), idx.Live())

	assert.False(t, idx.Remove(fakePtr(1)), "second remove finds nothing")
}

func TestIndexCapacityBound(t *testing.T) {
	idx := NewIndex(10)
	h := testHeader()

	for i := 0; i < 10; i++ {
		require.True(t, idx.Add(fakePtr(i), h))
	}
	assert.Equal(t, int64(10), idx.Live())

	// At exactly capacity: new entries are refused, silently from the
	// allocator's point of view.
	assert.False(t, idx.Add(fakePtr(10), h))
	assert.Equal(t, int64(10), idx.Live())
	assert.Equal(t, int64(1), idx.Dropped())

	// Existing entries remain visible to the scanner.
	count := 0
	idx.Snapshot(func(unsafe.Pointer, *Header) bool {
		count++
		return true
	})
	assert.Equal(t, 10, count)

	// Churn reopens room.
	require.True(t, idx.Remove(fakePtr(0)))
	assert.True(t, idx.Add(fakePtr(10), h))
}

func TestIndexTombstoneReuse(t *testing.T) {
	idx := NewIndex(100)
	h := testHeader()

	for round := 0; round < 50; round++ {
		require.True(t, idx.Add(fakePtr(1), h))
		require.True(t, idx.Remove(fakePtr(1)))
	}
	assert.Equal(t, int64(0), idx.Live())
}

func TestIndexSnapshotSkipsRemoved(t *testing.T) {
	idx := NewIndex(100)
	h := testHeader()

	idx.Add(fakePtr(1), h)
	idx.Add(fakePtr(2), h)
	idx.Remove(fakePtr(1))

	var seen []uintptr
	idx.Snapshot(func(p unsafe.Pointer, _ *Header) bool {
		seen = append(seen, uintptr(p))
		return true
	})
	require.Len(t, seen, 1)
	assert.Equal(t, uintptr(fakePtr(2)), seen[0])
}

func TestIndexSnapshotEarlyStop(t *testing.T) {
	idx := NewIndex(100)
	h := testHeader()
	for i := 0; i < 10; i++ {
		idx.Add(fakePtr(i), h)
	}

	count := 0
	idx.Snapshot(func(unsafe.Pointer, *Header) bool {
		count++
		return false
	})
	assert.Equal(t, 1, count)
}

func TestIndexConcurrentChurn(t *testing.T) {
	idx := NewIndex(DefaultMaxTracked)
	h := testHeader()

	const goroutines = 8
	const perG = 500

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				p := fakePtr(g*perG + i)
				if idx.Add(p, h) {
					idx.Remove(p)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, int64(0), idx.Live(), "everything added was removed")
}

func TestIndexRejectsNil(t *testing.T) {
	idx := NewIndex(10)
	assert.False(t, idx.Add(nil, testHeader()))
	assert.False(t, idx.Remove(nil))
}
