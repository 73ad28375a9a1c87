// Package agent implements the runtime memory-leak detection agent: the
// allocator interposition layer, the live-allocation index, publication of
// allocation events into a shared-memory ring, and the background
// staleness scanner.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/yairfalse/memtrace/internal/alloc"
	"github.com/yairfalse/memtrace/internal/base"
	"github.com/yairfalse/memtrace/internal/shm"
	"github.com/yairfalse/memtrace/internal/track"
	"github.com/yairfalse/memtrace/pkg/domain"
	"github.com/yairfalse/memtrace/pkg/ring"
)

var (
	// ErrAlreadyStarted is returned by Start on a running agent
	ErrAlreadyStarted = errors.New("agent already started")

	// ErrAllocatorUnavailable is returned when the underlying allocator
	// cannot be resolved
	ErrAllocatorUnavailable = errors.New("underlying allocator unavailable")
)

// Agent is the leak-detection agent. One instance interposes allocation
// traffic for the host process; its entry points are safe for concurrent
// use and never block on locks the underlying allocator could need.
type Agent struct {
	*base.BaseAgent
	*base.EventChannelManager
	*base.LifecycleManager

	name   string
	config *Config
	logger *zap.Logger

	under atomic.Pointer[allocatorHandle]
	index *track.Index

	region   *shm.Region
	producer *ring.Producer

	// Local statistics mirror the ring counters for in-process reads.
	// The two sets are eventually consistent, never transactionally equal.
	totalAllocations atomic.Uint64
	totalFrees       atomic.Uint64
	currentMemory    atomic.Uint64
	leakCount        atomic.Uint64

	stalenessNs atomic.Int64

	// fallbackID numbers channel events when no ring is mapped
	fallbackID atomic.Uint32

	started atomic.Bool
}

// New creates an agent. Call Start to bring it up.
func New(name string, config *Config, logger *zap.Logger) (*Agent, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required for %s agent", name)
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for %s agent", name)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &Agent{
		BaseAgent: base.NewBaseAgent(base.BaseAgentConfig{
			Name:               name,
			HealthCheckTimeout: config.HealthCheckTimeout,
			Logger:             logger,
		}),
		EventChannelManager: base.NewEventChannelManager(config.ChannelBufferSize, name, logger),
		LifecycleManager:    base.NewLifecycleManager(context.Background(), logger),
		name:                name,
		config:              config,
		logger:              logger,
		index:               track.NewIndex(config.MaxTracked),
	}
	a.stalenessNs.Store(config.StalenessThreshold.Nanoseconds())

	return a, nil
}

// Start resolves the underlying allocator, maps the shared ring, and
// launches the leak scanner. Shared-memory failure is not fatal: the agent
// degrades to statistics-only mode and keeps serving allocations.
func (a *Agent) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	a.logger.Info("Starting leak-detection agent",
		zap.String("name", a.name),
		zap.Duration("scan_interval", a.config.ScanInterval),
		zap.Duration("staleness_threshold", a.config.StalenessThreshold))

	if a.underlying() == nil {
		a.started.Store(false)
		return ErrAllocatorUnavailable
	}

	if a.config.EnableSharedMemory {
		region, err := shm.Open(a.config.SharedMemoryName, ring.RegionSize)
		if err != nil {
			// Statistics-only mode: every publish becomes a no-op.
			a.RecordError(err)
			a.logger.Warn("Shared memory unavailable, running statistics-only",
				zap.String("shm_name", a.config.SharedMemoryName),
				zap.Error(err))
		} else {
			producer, err := ring.NewProducer(region.Bytes())
			if err != nil {
				region.Close()
				a.RecordError(err)
				a.logger.Warn("Ring attach failed, running statistics-only", zap.Error(err))
			} else {
				producer.Reset()
				a.region = region
				a.producer = producer
				a.logger.Info("Shared memory ring mapped",
					zap.String("shm_name", a.config.SharedMemoryName),
					zap.Int("size_bytes", ring.RegionSize))
			}
		}
	}

	if a.config.EnableScanner {
		a.LifecycleManager.Start("leak-scanner", a.runScanner)
	}

	a.logger.Info("Leak-detection agent started")
	return nil
}

// Stop tears the agent down: final statistics, scanner shutdown, unmap
// and unlink of the shared region.
func (a *Agent) Stop() error {
	if !a.started.Load() {
		return nil
	}

	var errs []error
	if err := a.LifecycleManager.Stop(a.config.ShutdownTimeout); err != nil {
		errs = append(errs, err)
	}

	stats := a.Stats()
	a.logger.Info("Final statistics",
		zap.Uint64("total_allocations", stats.TotalAllocations),
		zap.Uint64("total_frees", stats.TotalFrees),
		zap.Uint64("current_memory_bytes", stats.CurrentMemory),
		zap.Uint64("leaks_reported", stats.LeakCount))

	a.EventChannelManager.Close()

	if a.region != nil {
		if err := a.region.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := shm.Unlink(a.config.SharedMemoryName); err != nil {
			errs = append(errs, err)
		}
		a.region = nil
		a.producer = nil
	}

	a.started.Store(false)
	return errors.Join(errs...)
}

// allocatorHandle boxes the resolved allocator for atomic caching
type allocatorHandle struct {
	a alloc.Allocator
}

// underlying returns the resolved allocator, binding it on first use.
// It returns nil while another caller is mid-resolution; entry points
// treat that as a failed single operation rather than recursing.
func (a *Agent) underlying() alloc.Allocator {
	if h := a.under.Load(); h != nil {
		return h.a
	}
	u := alloc.System()
	if u != nil {
		a.under.CompareAndSwap(nil, &allocatorHandle{a: u})
	}
	return u
}

// publish sends one event to the ring and, when enabled, to the
// in-process channel. The ring assigns the event ID; in statistics-only
// mode the channel keeps its own sequence.
func (a *Agent) publish(ev *domain.Event) {
	if a.producer != nil {
		a.producer.Publish(ev)
		a.RecordEvent()
	}

	if a.config.EmitToChannel {
		if ev.ID == 0 {
			ev.ID = a.fallbackID.Add(1)
		}
		if !a.SendEvent(ev) {
			a.RecordDrop()
		}
	}
}

// Stats returns a snapshot of the agent's counters
func (a *Agent) Stats() domain.AgentStats {
	return domain.AgentStats{
		TotalAllocations: a.totalAllocations.Load(),
		TotalFrees:       a.totalFrees.Load(),
		CurrentMemory:    a.currentMemory.Load(),
		LeakCount:        a.leakCount.Load(),
		LiveTracked:      a.index.Live(),
		IndexDropped:     a.index.Dropped(),
		EventsPublished:  a.EventsPublished(),
		EventsDropped:    a.EventsDropped() + a.DroppedCount(),
		ErrorCount:       a.ErrorCount(),
		Uptime:           a.GetUptime(),
		LastEventTime:    a.LastEventTime(),
	}
}

// GetStats loads the three core counters, mirroring the reference
// get_stats entry point. Ordering is relaxed.
func (a *Agent) GetStats() (allocs, frees, currentMem uint64) {
	return a.totalAllocations.Load(), a.totalFrees.Load(), a.currentMemory.Load()
}

// Health reports agent health; statistics-only mode shows as degraded
func (a *Agent) Health() *domain.HealthStatus {
	if a.started.Load() && a.config.EnableSharedMemory && a.producer == nil {
		return domain.NewHealthStatus(domain.HealthDegraded,
			"shared memory unavailable, running statistics-only")
	}
	return a.BaseAgent.Health()
}

// Events exposes the in-process event stream when EmitToChannel is set
func (a *Agent) Events() <-chan *domain.Event {
	return a.GetChannel()
}

// SetStalenessThreshold atomically updates the leak threshold; the
// scanner reads it fresh each cycle.
func (a *Agent) SetStalenessThreshold(d time.Duration) {
	a.stalenessNs.Store(d.Nanoseconds())
	a.logger.Info("Staleness threshold updated", zap.Duration("threshold", d))
}

// SetStalenessThresholdSeconds mirrors the reference C entry point
func (a *Agent) SetStalenessThresholdSeconds(seconds float64) {
	a.stalenessNs.Store(int64(seconds * 1e9))
	a.logger.Info("Staleness threshold updated", zap.Float64("threshold_seconds", seconds))
}

// StalenessThreshold returns the current threshold
func (a *Agent) StalenessThreshold() time.Duration {
	return time.Duration(a.stalenessNs.Load())
}
