package ident

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNowMonotonic(t *testing.T) {
	a := Now()
	time.Sleep(5 * time.Millisecond)
	b := Now()

	assert.Greater(t, b, a, "clock must advance")
	assert.GreaterOrEqual(t, b-a, uint64(5*time.Millisecond), "resolution is nanoseconds")
}

func TestThreadIDStablePerGoroutine(t *testing.T) {
	first := ThreadID()
	second := ThreadID()
	assert.Equal(t, first, second, "same goroutine must see the same fingerprint")
	assert.NotZero(t, first)
}

func TestThreadIDDistinctAcrossGoroutines(t *testing.T) {
	const n = 16
	ids := make(chan uint32, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- ThreadID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint32]int)
	for id := range ids {
		require.NotZero(t, id)
		seen[id]++
	}
	// Fingerprints of 16 concurrent goroutines should essentially never
	// all collide into one value.
	assert.Greater(t, len(seen), 1)
}

func TestCallSiteFitsSixteenBits(t *testing.T) {
	site := CallSite(0)
	assert.LessOrEqual(t, site, uint32(0xFFFF))
}

func TestCallSiteGroupsByCaller(t *testing.T) {
	siteA := func() uint32 { return CallSite(0) }
	// Both calls go through one call expression, so they share one
	// program counter even when the compiler inlines siteA.
	var sites [2]uint32
	for i := range sites {
		sites[i] = siteA()
	}
	assert.Equal(t, sites[0], sites[1], "same call site must fingerprint identically")
}

func TestGoroutineIDPositive(t *testing.T) {
	require.Greater(t, goroutineID(), int64(0))
}
