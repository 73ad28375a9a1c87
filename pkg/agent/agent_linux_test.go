//go:build linux

package agent

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/memtrace/internal/shm"
	"github.com/yairfalse/memtrace/pkg/domain"
	"github.com/yairfalse/memtrace/pkg/ring"
)

// These tests exercise the real cross-mapping path: the agent publishes
// into a named region and a separately created mapping consumes it, the
// way the out-of-process analyzer does.

func shmAgent(t *testing.T, mutate func(*Config)) (*Agent, *shm.Region) {
	t.Helper()

	config := DefaultConfig()
	config.Name = "shm-test-agent"
	config.SharedMemoryName = fmt.Sprintf("/memtrace_agent_test_%d_%s", os.Getpid(), t.Name())
	config.ScanInterval = 50 * time.Millisecond
	if mutate != nil {
		mutate(config)
	}

	a, err := New(config.Name, config, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { a.Stop() })

	// A second, independent mapping of the same name.
	consumer, err := shm.Open(config.SharedMemoryName, ring.RegionSize)
	require.NoError(t, err)
	t.Cleanup(func() { consumer.Close() })

	return a, consumer
}

func TestEventsVisibleAcrossMappings(t *testing.T) {
	a, consumer := shmAgent(t, func(c *Config) {
		c.EnableScanner = false
	})

	reader, err := ring.NewReader(consumer.Bytes(), false)
	require.NoError(t, err)

	p := a.Malloc(64)
	require.NotNil(t, p)
	a.Free(p)

	events, lost := reader.Poll()
	require.Len(t, events, 2)
	assert.Zero(t, lost.Overrun)
	assert.Zero(t, lost.Gaps)

	assert.Equal(t, domain.EventTypeMalloc, events[0].Type)
	assert.Equal(t, domain.EventTypeFree, events[1].Type)
	assert.Equal(t, events[0].Address, events[1].Address)
	assert.Equal(t, events[0].AllocTime, events[1].AllocTime)
	assert.Equal(t, uint32(1), events[0].ID)
	assert.Equal(t, uint32(2), events[1].ID)
}

func TestRingCountersMirrorStats(t *testing.T) {
	a, consumer := shmAgent(t, func(c *Config) {
		c.EnableScanner = false
	})

	p1 := a.Malloc(100)
	p2 := a.Malloc(200)
	a.Free(p1)

	counters, err := ring.ReadCounters(consumer.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), counters.TotalAllocations)
	assert.Equal(t, uint64(1), counters.TotalFrees)
	assert.Equal(t, uint64(200), counters.CurrentMemory)

	allocs, frees, current := a.GetStats()
	assert.Equal(t, counters.TotalAllocations, allocs)
	assert.Equal(t, counters.TotalFrees, frees)
	assert.Equal(t, counters.CurrentMemory, current)

	a.Free(p2)
}

func TestLeakEventReachesConsumer(t *testing.T) {
	a, consumer := shmAgent(t, func(c *Config) {
		c.StalenessThreshold = 100 * time.Millisecond
	})

	reader, err := ring.NewReader(consumer.Bytes(), false)
	require.NoError(t, err)

	p := a.Malloc(128)
	require.NotNil(t, p)

	var leak *domain.Event
	require.Eventually(t, func() bool {
		events, _ := reader.Poll()
		for i := range events {
			if events[i].Type == domain.EventTypeLeakDetected {
				leak = &events[i]
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond, "leak event must reach the consumer mapping")

	assert.Equal(t, uintptr(p), leak.Address)
	assert.Equal(t, uint64(128), leak.Size)
	assert.GreaterOrEqual(t, leak.StalenessNs, uint64(100*time.Millisecond))

	counters, err := ring.ReadCounters(consumer.Bytes())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, counters.LeakCount, uint32(1))

	a.Free(p)
}

func TestRingOverrunAcrossMappings(t *testing.T) {
	a, consumer := shmAgent(t, func(c *Config) {
		c.EnableScanner = false
	})

	reader, err := ring.NewReader(consumer.Bytes(), false)
	require.NoError(t, err)

	// 1,000 allocate/free pairs -> 2,000 events through a 1,000-slot ring.
	for i := 0; i < 1000; i++ {
		p := a.Malloc(8)
		require.NotNil(t, p)
		a.Free(p)
	}

	counters, err := ring.ReadCounters(consumer.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint32(2000), counters.WriteIndex)

	events, lost := reader.Poll()
	require.Len(t, events, ring.Capacity)
	assert.Equal(t, uint64(1000), lost.Overrun)
	assert.Equal(t, uint32(1001), events[0].ID, "ring retains the newest half")
	assert.Equal(t, uint32(2000), events[len(events)-1].ID)
}

func TestUnlinkOnStop(t *testing.T) {
	config := DefaultConfig()
	config.Name = "unlink-test"
	config.SharedMemoryName = fmt.Sprintf("/memtrace_unlink_test_%d", os.Getpid())
	config.EnableScanner = false

	a, err := New(config.Name, config, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.Stop())

	// The name is gone: a fresh unlink has nothing to remove.
	assert.Error(t, shm.Unlink(config.SharedMemoryName))
}
