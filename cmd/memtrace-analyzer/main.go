// memtrace-analyzer attaches to a leak-detection agent's shared-memory
// ring from outside the monitored process: it prints counters, tails the
// event stream, and can forward events to NATS.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/yairfalse/memtrace/internal/shm"
	"github.com/yairfalse/memtrace/pkg/agent"
	"github.com/yairfalse/memtrace/pkg/ring"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("MEMTRACE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:     "memtrace-analyzer",
		Short:   "Out-of-process consumer for the memtrace leak-detection ring",
		Version: version,
		Long: `memtrace-analyzer consumes the shared-memory event ring published by a
process running the memtrace agent. It shares nothing with the agent but
the mapped region, so it can attach, detach, and crash freely without
disturbing the monitored process.`,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	flags := root.PersistentFlags()
	flags.String("shm-name", agent.DefaultSharedMemoryName, "shared memory region name")
	flags.Duration("interval", 500*time.Millisecond, "poll interval")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	for _, name := range []string{"shm-name", "interval", "log-level"} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	root.AddCommand(newStatsCmd(v))
	root.AddCommand(newWatchCmd(v))
	root.AddCommand(newForwardCmd(v))

	return root
}

// newLogger builds the analyzer's logger from the --log-level flag
func newLogger(v *viper.Viper) (*zap.Logger, error) {
	logConfig := zap.NewProductionConfig()
	if v.GetString("log-level") == "debug" {
		logConfig = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(v.GetString("log-level"))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", v.GetString("log-level"), err)
	}
	logConfig.Level = level
	return logConfig.Build()
}

// attach maps the agent's region read-only and returns it
func attach(v *viper.Viper) (*shm.Region, error) {
	name := v.GetString("shm-name")
	region, err := shm.OpenReadOnly(name, ring.RegionSize)
	if err != nil {
		return nil, fmt.Errorf("attaching to agent ring %s (is the agent running?): %w", name, err)
	}
	return region, nil
}
