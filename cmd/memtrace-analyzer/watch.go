package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/yairfalse/memtrace/pkg/domain"
	"github.com/yairfalse/memtrace/pkg/ring"
)

func newWatchCmd(v *viper.Viper) *cobra.Command {
	var replay bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Tail the agent's event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(v)
			if err != nil {
				return err
			}
			defer logger.Sync()

			region, err := attach(v)
			if err != nil {
				return err
			}
			defer region.Close()

			reader, err := ring.NewReader(region.Bytes(), false)
			if err != nil {
				return err
			}
			if replay {
				reader.Rewind()
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return watchLoop(ctx, logger, reader, v.GetDuration("interval"), printEvent)
		},
	}
	cmd.Flags().BoolVar(&replay, "replay", false, "start from the oldest retained event")
	return cmd
}

// watchLoop polls the ring until the context ends, handing each event to
// sink and reporting provable loss.
func watchLoop(ctx context.Context, logger *zap.Logger, reader *ring.Reader, interval time.Duration, sink func(*domain.Event) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			events, lost := reader.Poll()
			if lost.Overrun > 0 {
				logger.Warn("Ring overrun, events lost",
					zap.Uint64("overrun", lost.Overrun))
			}
			if lost.Gaps > 0 {
				logger.Warn("Event ID gap, events lost",
					zap.Uint64("gap", lost.Gaps))
			}
			for i := range events {
				if err := sink(&events[i]); err != nil {
					return err
				}
			}
		}
	}
}

// printEvent renders one line per event, matching the agent's stderr
// diagnostics closely enough to correlate by eye.
func printEvent(ev *domain.Event) error {
	switch ev.Type {
	case domain.EventTypeLeakDetected:
		fmt.Printf("#%-8d %-14s 0x%x: %d bytes, stale for %.2fs, site_id=%d\n",
			ev.ID, ev.Type, ev.Address, ev.Size, float64(ev.StalenessNs)/1e9, ev.SiteID)
	default:
		fmt.Printf("#%-8d %-14s 0x%x: %d bytes, thread=%d, site_id=%d\n",
			ev.ID, ev.Type, ev.Address, ev.Size, ev.ThreadID, ev.SiteID)
	}
	return nil
}
