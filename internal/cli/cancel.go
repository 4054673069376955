package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running job",
	Long: `Request cancellation of a job. Cancellation is cooperative: the
server stops tracking output promptly, while the remote process may
take a moment longer to die. Poll the job to observe the final state.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	id := args[0]

	acked, err := apiClient.Cancel(context.Background(), id)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if !acked {
		return fmt.Errorf("job not found: %s", id)
	}

	fmt.Printf("Cancellation requested for job %s\n", id)
	return nil
}
