package cli

import (
	"context"
	"fmt"

	"github.com/raphaelgruber/fleetjobs/internal/models"
	"github.com/spf13/cobra"
)

var rmCmd = &cobra.Command{
	Use:   "rm <host> <path>...",
	Short: "Delete files or directories on a remote host",
	Long: `Delete the given paths on the host. Targets are independent: one
failing does not stop the others, and the job result reports which
targets failed and why.

Examples:
  fleetjobs rm gpu-01 /data/tmp1 /data/tmp2
  fleetjobs rm gpu-01 /data/stale-run --watch`,
	Args: cobra.MinimumNArgs(2),
	RunE: runRm,
}

var mvCmd = &cobra.Command{
	Use:   "mv <host> <dest> <path>...",
	Short: "Move files or directories on a remote host",
	Long: `Move the given paths into the destination directory on the host.
Same partial-success model as rm.

Examples:
  fleetjobs mv gpu-01 /data/archive /data/run-1 /data/run-2`,
	Args: cobra.MinimumNArgs(3),
	RunE: runMv,
}

func runRm(cmd *cobra.Command, args []string) error {
	host, paths := args[0], args[1:]

	return startAndReport(func() (string, error) {
		jobID, err := apiClient.StartJob(context.Background(), models.StartJobRequest{
			Kind:  "bulk-delete",
			Host:  host,
			Paths: paths,
		})
		if err != nil {
			return "", fmt.Errorf("start bulk delete: %w", err)
		}
		return jobID, nil
	})
}

func runMv(cmd *cobra.Command, args []string) error {
	host, dest, paths := args[0], args[1], args[2:]

	return startAndReport(func() (string, error) {
		jobID, err := apiClient.StartJob(context.Background(), models.StartJobRequest{
			Kind:  "bulk-move",
			Host:  host,
			Dest:  dest,
			Paths: paths,
		})
		if err != nil {
			return "", fmt.Errorf("start bulk move: %w", err)
		}
		return jobID, nil
	})
}
