package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var jobsShowLog bool

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List or inspect jobs",
	Long: `List all retained jobs or inspect a specific job by ID.

Examples:
  fleetjobs jobs           # List all jobs
  fleetjobs jobs ab12cd34  # Show details for job ab12cd34`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

func init() {
	jobsCmd.Flags().BoolVar(&jobsShowLog, "log", false, "include the job's output log")
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if len(args) == 1 {
		return showJob(ctx, args[0])
	}
	return listJobs(ctx)
}

func listJobs(ctx context.Context) error {
	jobs, err := apiClient.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-10s %-16s %-10s %-10s %-5s %s\n", "ID", "KIND", "HOST", "STATE", "PCT", "STARTED")
	fmt.Println("------------------------------------------------------------------------")

	for _, job := range jobs {
		started := job.StartedAt.Format("15:04:05")
		fmt.Printf("%-10s %-16s %-10s %-10s %3d%%  %s\n",
			job.JobID, job.Kind, job.Host, job.State, job.OverallPercent, started)
	}

	return nil
}

func showJob(ctx context.Context, id string) error {
	job, err := apiClient.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	if !job.Found {
		return fmt.Errorf("job not found (expired or never existed): %s", id)
	}

	fmt.Printf("Job: %s\n", job.JobID)
	fmt.Printf("  Kind: %s\n", job.Kind)
	fmt.Printf("  Host: %s\n", job.Host)
	fmt.Printf("  State: %s\n", job.State)
	if job.Phase != "" {
		fmt.Printf("  Phase: %s\n", job.Phase)
	}
	fmt.Printf("  Progress: %d%%\n", job.OverallPercent)
	if job.BytesTotal > 0 {
		fmt.Printf("  Transferred: %s / %s\n",
			humanize.Bytes(uint64(job.BytesTransferred)), humanize.Bytes(uint64(job.BytesTotal)))
	}
	if job.TransferRate > 0 {
		fmt.Printf("  Rate: %s/s\n", humanize.Bytes(uint64(job.TransferRate)))
	}
	if job.ETASeconds > 0 {
		fmt.Printf("  ETA: %s\n", (time.Duration(job.ETASeconds) * time.Second).String())
	}
	fmt.Printf("  Started: %s\n", job.StartedAt.Format(time.RFC3339))
	if job.FinishedAt != nil {
		fmt.Printf("  Finished: %s\n", job.FinishedAt.Format(time.RFC3339))
	}
	fmt.Printf("  Duration: %s\n", (time.Duration(job.DurationMs) * time.Millisecond).Round(time.Second))

	if job.Error != "" {
		fmt.Printf("  Error: %s\n", job.Error)
	}

	if len(job.Layers) > 0 {
		fmt.Printf("\nLayers (%d):\n", len(job.Layers))
		for _, l := range job.Layers {
			switch {
			case l.Total > 0:
				fmt.Printf("  %-14s %-12s %s / %s\n", l.ID, l.Status,
					humanize.Bytes(uint64(l.Current)), humanize.Bytes(uint64(l.Total)))
			default:
				fmt.Printf("  %-14s %-12s\n", l.ID, l.Status)
			}
		}
	}

	if job.Bulk != nil {
		fmt.Printf("\nBulk result: %d succeeded, %d failed of %d targets\n",
			job.Bulk.SuccessCount, job.Bulk.FailCount, len(job.Bulk.Targets))
		for path, msg := range job.Bulk.Failures {
			fmt.Printf("  ✗ %s: %s\n", path, msg)
		}
	}

	if job.Archive != nil {
		fmt.Printf("\nArchive: %s (%d files, %s)\n",
			job.Archive.Path, job.Archive.FileCount, humanize.Bytes(uint64(job.Archive.SizeBytes)))
	}

	if jobsShowLog && len(job.Log) > 0 {
		fmt.Printf("\nLog (%d lines):\n", len(job.Log))
		for _, line := range job.Log {
			fmt.Printf("  %s\n", line)
		}
	}

	return nil
}

func printStarted(jobID string) {
	fmt.Printf("Started job %s\n", jobID)
	fmt.Printf("Use 'fleetjobs watch %s' to follow it or 'fleetjobs jobs %s' to inspect it.\n", jobID, jobID)
}
