package agent

import (
	"fmt"
	"os"
	"time"
	"unsafe"

	"go.uber.org/zap"

	"github.com/yairfalse/memtrace/internal/ident"
	"github.com/yairfalse/memtrace/internal/track"
	"github.com/yairfalse/memtrace/pkg/domain"
	"github.com/yairfalse/memtrace/pkg/ring"
)

// runScanner is the background leak scanner loop. It wakes every
// ScanInterval, walks the live-allocation index, and reports entries
// whose last access is older than the staleness threshold. It only ever
// reads through index entries: an entry removed mid-scan is never seen,
// and a header invalidated mid-scan fails the sentinel check and is
// skipped. It frees nothing and blocks nobody.
func (a *Agent) runScanner() {
	ticker := time.NewTicker(a.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.LifecycleManager.Context().Done():
			return
		case <-ticker.C:
			a.scanOnce()
		}
	}
}

// scanOnce performs one sweep over the live-allocation index
func (a *Agent) scanOnce() {
	start := time.Now()
	defer func() {
		a.RecordScanDuration(a.LifecycleManager.Context(), time.Since(start))
	}()

	allocs, frees, currentMem := a.GetStats()
	a.logger.Info("Scanning live allocations",
		zap.Uint64("active_allocations", allocs-frees),
		zap.Float64("current_memory_mb", float64(currentMem)/(1024.0*1024.0)))

	// The threshold is re-read each cycle; SetStalenessThreshold may
	// change it at any time.
	threshold := uint64(a.stalenessNs.Load())
	now := ident.Now()
	scannerThread := ident.ThreadID()

	leaksFound := 0
	a.index.Snapshot(func(userPtr unsafe.Pointer, h *track.Header) bool {
		if !h.IsOurs() {
			// Freed while we were scanning.
			return true
		}

		lastAccess := h.LastAccess()
		if lastAccess >= now {
			return true
		}
		staleness := now - lastAccess
		if staleness <= threshold {
			return true
		}

		size := h.Size
		siteID := h.SiteID

		a.leakCount.Add(1)
		a.producer.AddCounter(ring.CounterLeakCount, 1)

		a.publish(&domain.Event{
			Type:        domain.EventTypeLeakDetected,
			Timestamp:   now,
			ThreadID:    scannerThread,
			Address:     uintptr(userPtr),
			Size:        size,
			StalenessNs: staleness,
			SiteID:      siteID,
		})

		// One stable line per leak on the process error stream for
		// consumers that tail the victim directly.
		fmt.Fprintf(os.Stderr, "[LEAK] 0x%x: %d bytes, stale for %.2fs, site_id=%d\n",
			uintptr(userPtr), size, float64(staleness)/1e9, siteID)

		leaksFound++
		return true
	})

	if leaksFound > 0 {
		a.logger.Warn("Potential leaks detected", zap.Int("count", leaksFound))
	}
}
