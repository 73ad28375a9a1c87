package alloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemResolvesOnce(t *testing.T) {
	a := System()
	require.NotNil(t, a)
	assert.Same(t, a, System(), "resolution is once-only")
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a := System()
	require.NotNil(t, a)

	p := a.Alloc(256)
	require.NotNil(t, p)
	assert.Zero(t, uintptr(p)%8, "blocks are naturally aligned")
	assert.GreaterOrEqual(t, a.UsableSize(p), uintptr(256))

	// The block is writable over its whole payload.
	buf := unsafe.Slice((*byte)(p), 256)
	for i := range buf {
		buf[i] = byte(i)
	}
	assert.Equal(t, byte(255), buf[255])

	a.Free(p)
}

func TestAllocZeroSize(t *testing.T) {
	a := System()
	assert.Nil(t, a.Alloc(0))
}

func TestFreeNilIsNoOp(t *testing.T) {
	System().Free(nil)
}

func TestDoubleFreeIsHarmless(t *testing.T) {
	a := System()
	p := a.Alloc(64)
	require.NotNil(t, p)

	a.Free(p)
	// The prelude magic was cleared by the first free.
	assert.Zero(t, a.UsableSize(p))

	// The second free finds no block magic and does nothing.
	a.Free(p)
}

func TestReallocCopiesPayload(t *testing.T) {
	a := System()

	p := a.Alloc(16)
	require.NotNil(t, p)
	src := unsafe.Slice((*byte)(p), 16)
	for i := range src {
		src[i] = 0xA5
	}

	q := a.Realloc(p, 64)
	require.NotNil(t, q)
	dst := unsafe.Slice((*byte)(q), 64)
	for i := 0; i < 16; i++ {
		require.Equal(t, byte(0xA5), dst[i], "payload byte %d lost in realloc", i)
	}

	a.Free(q)
}

func TestReallocNilBehavesAsAlloc(t *testing.T) {
	a := System()
	p := a.Realloc(nil, 32)
	require.NotNil(t, p)
	a.Free(p)
}

func TestReallocZeroBehavesAsFree(t *testing.T) {
	a := System()
	p := a.Alloc(32)
	require.NotNil(t, p)
	assert.Nil(t, a.Realloc(p, 0))
	assert.Zero(t, a.UsableSize(p))
}

func TestReallocShrinkKeepsPrefix(t *testing.T) {
	a := System()

	p := a.Alloc(64)
	require.NotNil(t, p)
	src := unsafe.Slice((*byte)(p), 64)
	for i := range src {
		src[i] = byte(i)
	}

	q := a.Realloc(p, 8)
	require.NotNil(t, q)
	dst := unsafe.Slice((*byte)(q), 8)
	for i := 0; i < 8; i++ {
		require.Equal(t, byte(i), dst[i])
	}

	a.Free(q)
}
