package cli

import (
	"context"
	"fmt"

	"github.com/raphaelgruber/fleetjobs/internal/models"
	"github.com/spf13/cobra"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Create or extract archives on a remote host",
}

var archiveCreateCmd = &cobra.Command{
	Use:   "create <host> <archive> <path>...",
	Short: "Create a tar.gz archive from remote paths",
	Long: `Create a tar.gz archive on the host from the given paths.

Examples:
  fleetjobs archive create gpu-01 /data/backup.tgz /data/checkpoints /data/configs`,
	Args: cobra.MinimumNArgs(3),
	RunE: runArchiveCreate,
}

var archiveExtractCmd = &cobra.Command{
	Use:   "extract <host> <archive> <dest>",
	Short: "Extract a tar.gz archive on the host",
	Long: `Extract an archive into a destination directory, creating it if needed.

Examples:
  fleetjobs archive extract gpu-01 /data/backup.tgz /data/restore`,
	Args: cobra.ExactArgs(3),
	RunE: runArchiveExtract,
}

func init() {
	archiveCmd.AddCommand(archiveCreateCmd)
	archiveCmd.AddCommand(archiveExtractCmd)
}

func runArchiveCreate(cmd *cobra.Command, args []string) error {
	host, archive, paths := args[0], args[1], args[2:]

	return startAndReport(func() (string, error) {
		jobID, err := apiClient.StartJob(context.Background(), models.StartJobRequest{
			Kind:    "archive-create",
			Host:    host,
			Archive: archive,
			Paths:   paths,
		})
		if err != nil {
			return "", fmt.Errorf("start archive create: %w", err)
		}
		return jobID, nil
	})
}

func runArchiveExtract(cmd *cobra.Command, args []string) error {
	host, archive, dest := args[0], args[1], args[2]

	return startAndReport(func() (string, error) {
		jobID, err := apiClient.StartJob(context.Background(), models.StartJobRequest{
			Kind:    "archive-extract",
			Host:    host,
			Archive: archive,
			Dest:    dest,
		})
		if err != nil {
			return "", fmt.Errorf("start archive extract: %w", err)
		}
		return jobID, nil
	})
}
