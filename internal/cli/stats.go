package cli

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show server runtime statistics",
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	snap, err := apiClient.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("fetch stats: %w", err)
	}

	fmt.Printf("Uptime: %s\n", (time.Duration(snap.UptimeSeconds) * time.Second).String())

	if len(snap.Counters) > 0 {
		fmt.Println("\nCounters:")
		names := make([]string, 0, len(snap.Counters))
		for name := range snap.Counters {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %-18s %d\n", name, snap.Counters[name])
		}
	}

	if len(snap.Operations) > 0 {
		fmt.Println("\nOperations:")
		names := make([]string, 0, len(snap.Operations))
		for name := range snap.Operations {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			op := snap.Operations[name]
			fmt.Printf("  %-16s count=%d avg=%.1fms min=%dms max=%dms\n",
				name, op.Count, op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs)
		}
	}

	return nil
}
