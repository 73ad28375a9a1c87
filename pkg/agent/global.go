package agent

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"go.uber.org/zap"

	"github.com/yairfalse/memtrace/pkg/domain"
)

// The process-global agent. Hosts that load the agent as a whole-process
// interposer use these package-level entry points, which mirror the
// standard allocator surface; embedders that want scoped lifecycles
// construct their own Agent instead.

var (
	defaultMu    sync.Mutex
	defaultAgent *Agent
)

// Init brings up the process-global agent. Passing a nil config uses
// DefaultConfig; passing a nil logger builds a production logger.
// Idempotent: a second Init returns the running agent.
func Init(config *Config, logger *zap.Logger) (*Agent, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultAgent != nil {
		return defaultAgent, nil
	}

	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		var err error
		logger, err = zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("building logger: %w", err)
		}
	}

	a, err := New(config.Name, config, logger)
	if err != nil {
		return nil, err
	}
	if err := a.Start(context.Background()); err != nil {
		return nil, err
	}

	defaultAgent = a
	return a, nil
}

// Shutdown tears down the process-global agent
func Shutdown() error {
	defaultMu.Lock()
	a := defaultAgent
	defaultAgent = nil
	defaultMu.Unlock()

	if a == nil {
		return nil
	}
	return a.Stop()
}

// Default returns the process-global agent, or nil before Init
func Default() *Agent {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultAgent
}

// active fetches the global agent for an entry point. Entry points called
// before Init fail the single operation rather than initializing
// implicitly mid-bootstrap.
func active() *Agent {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultAgent
}

// Malloc is the process-global allocate entry point
func Malloc(size uintptr) unsafe.Pointer {
	if a := active(); a != nil {
		return a.Malloc(size)
	}
	return nil
}

// Free is the process-global free entry point
func Free(ptr unsafe.Pointer) {
	if a := active(); a != nil {
		a.Free(ptr)
	}
}

// Realloc is the process-global reallocate entry point
func Realloc(ptr unsafe.Pointer, size uintptr) unsafe.Pointer {
	if a := active(); a != nil {
		return a.Realloc(ptr, size)
	}
	return nil
}

// Calloc is the process-global zeroed-allocate entry point
func Calloc(count, size uintptr) unsafe.Pointer {
	if a := active(); a != nil {
		return a.Calloc(count, size)
	}
	return nil
}

// UpdateAccess is the process-global access-stamp entry point
func UpdateAccess(ptr unsafe.Pointer) {
	if a := active(); a != nil {
		a.UpdateAccess(ptr)
	}
}

// SetStalenessThresholdSeconds updates the global agent's leak threshold
func SetStalenessThresholdSeconds(seconds float64) {
	if a := active(); a != nil {
		a.SetStalenessThresholdSeconds(seconds)
	}
}

// SetStalenessThreshold updates the global agent's leak threshold
func SetStalenessThreshold(d time.Duration) {
	if a := active(); a != nil {
		a.SetStalenessThreshold(d)
	}
}

// GetStats loads the global agent's counters
func GetStats() (allocs, frees, currentMem uint64) {
	if a := active(); a != nil {
		return a.GetStats()
	}
	return 0, 0, 0
}

// Stats snapshots the global agent's statistics
func Stats() domain.AgentStats {
	if a := active(); a != nil {
		return a.Stats()
	}
	return domain.AgentStats{}
}
