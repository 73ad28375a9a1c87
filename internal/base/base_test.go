package base

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/memtrace/pkg/domain"
)

func testEvent(id uint32) *domain.Event {
	return &domain.Event{
		ID:        id,
		Type:      domain.EventTypeMalloc,
		Timestamp: uint64(id) * 1000,
		ThreadID:  1,
		Address:   0xdead0000,
		Size:      64,
	}
}

func TestBaseAgentStatistics(t *testing.T) {
	ba := NewBaseAgent(BaseAgentConfig{
		Name:   "test-agent",
		Logger: zaptest.NewLogger(t),
	})

	ba.RecordEvent()
	ba.RecordEvent()
	ba.RecordDrop()
	ba.RecordError(errors.New("boom"))

	assert.Equal(t, int64(2), ba.EventsPublished())
	assert.Equal(t, int64(1), ba.EventsDropped())
	assert.Equal(t, int64(1), ba.ErrorCount())
	assert.False(t, ba.LastEventTime().IsZero())
}

func TestBaseAgentHealthTransitions(t *testing.T) {
	ba := NewBaseAgent(BaseAgentConfig{
		Name:               "test-agent",
		HealthCheckTimeout: time.Hour,
		Logger:             zaptest.NewLogger(t),
	})

	health := ba.Health()
	assert.True(t, health.IsHealthy())

	ba.SetHealthy(false)
	health = ba.Health()
	assert.Equal(t, domain.HealthUnhealthy, health.State)

	ba.SetHealthy(true)

	// Error rate above threshold degrades health.
	ba.RecordEvent()
	for i := 0; i < 5; i++ {
		ba.RecordError(errors.New("boom"))
	}
	health = ba.Health()
	assert.Equal(t, domain.HealthDegraded, health.State)
}

func TestEventChannelSendAndReceive(t *testing.T) {
	ecm := NewEventChannelManager(4, "test-agent", zaptest.NewLogger(t))
	defer ecm.Close()

	require.True(t, ecm.SendEvent(testEvent(1)))

	select {
	case ev := <-ecm.GetChannel():
		assert.Equal(t, uint32(1), ev.ID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	assert.Equal(t, int64(1), ecm.SentCount())
	assert.Equal(t, int64(0), ecm.DroppedCount())
}

func TestEventChannelDropsWhenFull(t *testing.T) {
	ecm := NewEventChannelManager(2, "test-agent", zaptest.NewLogger(t))
	defer ecm.Close()

	assert.True(t, ecm.SendEvent(testEvent(1)))
	assert.True(t, ecm.SendEvent(testEvent(2)))
	assert.False(t, ecm.SendEvent(testEvent(3)), "full channel must drop, not block")

	assert.Equal(t, int64(1), ecm.DroppedCount())
}

func TestEventChannelRejectsInvalidEvent(t *testing.T) {
	ecm := NewEventChannelManager(2, "test-agent", zaptest.NewLogger(t))
	defer ecm.Close()

	bad := testEvent(1)
	bad.Type = domain.EventType(99)
	assert.False(t, ecm.SendEvent(bad))
	assert.Equal(t, int64(1), ecm.DroppedCount())
}

func TestEventChannelCloseIsIdempotent(t *testing.T) {
	ecm := NewEventChannelManager(2, "test-agent", zaptest.NewLogger(t))
	ecm.Close()
	ecm.Close()

	assert.False(t, ecm.SendEvent(testEvent(1)))
}

func TestLifecycleManagerStopWaits(t *testing.T) {
	lm := NewLifecycleManager(context.Background(), zaptest.NewLogger(t))

	started := make(chan struct{})
	lm.Start("worker", func() {
		close(started)
		<-lm.StopChannel()
	})

	<-started
	assert.Equal(t, int32(1), lm.RunningGoroutines())

	err := lm.Stop(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, int32(0), lm.RunningGoroutines())
	assert.True(t, lm.IsShuttingDown())
}

func TestLifecycleManagerStopTimeout(t *testing.T) {
	lm := NewLifecycleManager(context.Background(), zaptest.NewLogger(t))

	release := make(chan struct{})
	lm.Start("stuck", func() { <-release })

	err := lm.Stop(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrShutdownTimeout)

	close(release)
}
