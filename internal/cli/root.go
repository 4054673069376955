// Package cli provides the command-line interface for fleetjobs.
package cli

import (
	"github.com/raphaelgruber/fleetjobs/internal/client"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	serverURL string
	watchJob  bool

	// API client, created once before any command runs
	apiClient *client.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "fleetjobs",
	Short: "Operate long-running jobs on the GPU fleet",
	Long: `Fleetjobs starts and tracks long-running operations on remote GPU
hosts: container image pulls, archive creation and extraction, and bulk
file operations.

Jobs run on the server in the background; the CLI starts them, polls
their progress, and cancels them. Closing the CLI never interrupts a
running job.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		apiClient = client.New(serverURL)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "",
		"fleetjobs server URL (default $FLEETJOBS_SERVER_URL or http://localhost:8090)")
	rootCmd.PersistentFlags().BoolVarP(&watchJob, "watch", "w", false,
		"follow the started job's progress instead of returning immediately")

	// Add subcommands
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(mvCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(statsCmd)
}

// startAndReport starts a job, prints its id, and optionally follows it.
func startAndReport(start func() (string, error)) error {
	jobID, err := start()
	if err != nil {
		return err
	}
	if watchJob {
		return RunJobProgress(apiClient, jobID)
	}
	printStarted(jobID)
	return nil
}
