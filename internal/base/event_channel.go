package base

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/yairfalse/memtrace/pkg/domain"
)

// EventChannelManager hands allocation events to in-process subscribers
// through a bounded channel with non-blocking sends and drop counting.
// The interposer hot path must never block on a slow consumer.
type EventChannelManager struct {
	mu           sync.RWMutex
	channel      chan *domain.Event
	closed       atomic.Bool
	droppedCount atomic.Int64
	sentCount    atomic.Int64
	logger       *zap.Logger
	agentName    string
}

// NewEventChannelManager creates a new event channel manager
func NewEventChannelManager(size int, agentName string, logger *zap.Logger) *EventChannelManager {
	return &EventChannelManager{
		channel:   make(chan *domain.Event, size),
		logger:    logger,
		agentName: agentName,
	}
}

// SendEvent attempts to send an event through the channel.
// Returns true if sent successfully, false if dropped.
func (ecm *EventChannelManager) SendEvent(event *domain.Event) bool {
	if ecm.closed.Load() {
		return false
	}

	if err := event.Validate(); err != nil {
		ecm.droppedCount.Add(1)
		if ecm.logger != nil {
			ecm.logger.Error("Event validation failed, dropping event",
				zap.String("agent", ecm.agentName),
				zap.Error(err))
		}
		return false
	}

	ecm.mu.RLock()
	defer ecm.mu.RUnlock()

	if ecm.closed.Load() || ecm.channel == nil {
		ecm.droppedCount.Add(1)
		return false
	}

	select {
	case ecm.channel <- event:
		ecm.sentCount.Add(1)
		return true
	default:
		// Channel full, drop event
		ecm.droppedCount.Add(1)
		if ecm.logger != nil {
			ecm.logger.Debug("Event channel full, dropping event",
				zap.String("agent", ecm.agentName),
				zap.String("event_type", event.Type.String()))
		}
		return false
	}
}

// GetChannel returns the event channel for reading
func (ecm *EventChannelManager) GetChannel() <-chan *domain.Event {
	ecm.mu.RLock()
	defer ecm.mu.RUnlock()
	return ecm.channel
}

// Close closes the event channel. Safe to call more than once.
func (ecm *EventChannelManager) Close() {
	if !ecm.closed.CompareAndSwap(false, true) {
		return
	}

	ecm.mu.Lock()
	defer ecm.mu.Unlock()

	if ecm.channel != nil {
		close(ecm.channel)
		ecm.channel = nil
	}
}

// DroppedCount returns the number of dropped events
func (ecm *EventChannelManager) DroppedCount() int64 {
	return ecm.droppedCount.Load()
}

// SentCount returns the number of successfully sent events
func (ecm *EventChannelManager) SentCount() int64 {
	return ecm.sentCount.Load()
}
