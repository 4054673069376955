package cli

import (
	"context"
	"fmt"

	"github.com/raphaelgruber/fleetjobs/internal/models"
	"github.com/spf13/cobra"
)

var pullCmd = &cobra.Command{
	Use:   "pull <host> <image>",
	Short: "Pull a container image on a remote host",
	Long: `Pull a container image on a remote host and track per-layer progress.

Examples:
  fleetjobs pull gpu-01 nvcr.io/nvidia/pytorch:24.05-py3
  fleetjobs pull gpu-01 redis:7 --watch`,
	Args: cobra.ExactArgs(2),
	RunE: runPull,
}

func runPull(cmd *cobra.Command, args []string) error {
	host, image := args[0], args[1]

	return startAndReport(func() (string, error) {
		jobID, err := apiClient.StartJob(context.Background(), models.StartJobRequest{
			Kind:  "image-pull",
			Host:  host,
			Image: image,
		})
		if err != nil {
			return "", fmt.Errorf("start pull: %w", err)
		}
		return jobID, nil
	})
}
