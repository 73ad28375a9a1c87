package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yairfalse/memtrace/pkg/ring"
)

func newStatsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the agent's ring counters once",
		RunE: func(cmd *cobra.Command, args []string) error {
			region, err := attach(v)
			if err != nil {
				return err
			}
			defer region.Close()

			c, err := ring.ReadCounters(region.Bytes())
			if err != nil {
				return err
			}

			active := c.TotalAllocations - c.TotalFrees
			fmt.Printf("Shared region:       %s\n", region.Name())
			fmt.Printf("Total allocations:   %d\n", c.TotalAllocations)
			fmt.Printf("Total frees:         %d\n", c.TotalFrees)
			fmt.Printf("Active allocations:  %d\n", active)
			fmt.Printf("Current memory:      %.2f MB (%d bytes)\n",
				float64(c.CurrentMemory)/(1024.0*1024.0), c.CurrentMemory)
			fmt.Printf("Leaks reported:      %d\n", c.LeakCount)
			fmt.Printf("Events published:    %d\n", c.WriteIndex)
			return nil
		},
	}
}
