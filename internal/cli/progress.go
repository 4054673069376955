package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/raphaelgruber/fleetjobs/internal/client"
	"github.com/raphaelgruber/fleetjobs/internal/models"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const pollInterval = time.Second

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a job's progress",
	Long: `Follow a job until it finishes. Ctrl+C detaches; the job keeps
running on the server.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunJobProgress(apiClient, args[0])
	},
}

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// tickMsg triggers polling the job status
type tickMsg time.Time

// jobUpdateMsg carries the updated job data
type jobUpdateMsg struct {
	job models.JobStatus
	err error
}

// progressModel is the bubbletea model for job progress.
type progressModel struct {
	client   *client.Client
	jobID    string
	job      models.JobStatus
	progress progress.Model
	theme    Theme
	done     bool
	quitting bool
	err      error
}

func newProgressModel(c *client.Client, jobID string) progressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return progressModel{
		client:   c,
		jobID:    jobID,
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init returns the initial command (start polling).
func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		m.fetchJob(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		return m, m.fetchJob()

	case jobUpdateMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("failed to fetch job status: %w", msg.err)
			m.done = true
			return m, tea.Quit
		}
		if !msg.job.Found {
			m.err = fmt.Errorf("job not found (expired or never existed): %s", m.jobID)
			m.done = true
			return m, tea.Quit
		}

		m.job = msg.job

		switch m.job.State {
		case "completed":
			m.done = true
			return m, tea.Quit
		case "failed":
			m.done = true
			if m.job.Error != "" {
				m.err = fmt.Errorf("%s", m.job.Error)
			} else {
				m.err = fmt.Errorf("job failed with unknown error")
			}
			return m, tea.Quit
		case "cancelled":
			m.done = true
			return m, tea.Quit
		}

		// Continue polling for running jobs
		return m, tickCmd()

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.done {
		return m.finalView()
	}

	if !m.job.Found {
		return "Loading job status...\n"
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.job.State))
	progressBar := m.progress.ViewAs(float64(m.job.OverallPercent) / 100)

	detail := m.job.Phase
	if m.job.BytesTotal > 0 {
		detail = fmt.Sprintf("%s  %s/%s", detail,
			humanize.Bytes(uint64(m.job.BytesTransferred)), humanize.Bytes(uint64(m.job.BytesTotal)))
	}
	if m.job.TransferRate > 0 {
		detail += fmt.Sprintf("  %s/s", humanize.Bytes(uint64(m.job.TransferRate)))
	}
	if m.job.ETASeconds > 0 {
		detail += fmt.Sprintf("  eta %s", time.Duration(m.job.ETASeconds)*time.Second)
	}
	if m.job.Bulk != nil {
		detail = fmt.Sprintf("%s  %d ok / %d failed of %d", m.job.Phase,
			m.job.Bulk.SuccessCount, m.job.Bulk.FailCount, len(m.job.Bulk.Targets))
	}

	hint := m.theme.hintStyle().Render("Press Ctrl+C to continue in background")

	return fmt.Sprintf("%s %s %s\n%s\n", status, progressBar, detail, hint)
}

// finalView renders the completion message.
func (m progressModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nJob %s continues in background.\nUse 'fleetjobs jobs %s' to check status.\n",
			m.jobID, m.jobID)
		return m.theme.hintStyle().Render(msg)
	}

	if m.job.State == "cancelled" {
		return m.theme.hintStyle().Render(fmt.Sprintf("\nJob %s cancelled.\n", m.jobID))
	}

	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Job failed: %s\n", m.err))
	}

	output := m.theme.completedStyle().Render("✓ Completed") + "\n"
	if m.job.Bulk != nil {
		output += fmt.Sprintf("\n  Succeeded: %d\n  Failed:    %d\n",
			m.job.Bulk.SuccessCount, m.job.Bulk.FailCount)
		for path, e := range m.job.Bulk.Failures {
			output += m.theme.errorStyle().Render(fmt.Sprintf("  ✗ %s: %s\n", path, e))
		}
	}
	if m.job.Archive != nil {
		output += fmt.Sprintf("\n  Archive: %s\n  Files:   %d\n  Size:    %s\n",
			m.job.Archive.Path, m.job.Archive.FileCount, humanize.Bytes(uint64(m.job.Archive.SizeBytes)))
	}
	if m.job.BytesTotal > 0 {
		output += fmt.Sprintf("\n  Transferred: %s\n", humanize.Bytes(uint64(m.job.BytesTransferred)))
	}
	return output
}

// fetchJob fetches the current job status from the server.
// Runs in a separate goroutine (command) to avoid blocking Update().
func (m progressModel) fetchJob() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		job, err := m.client.GetJob(ctx, m.jobID)
		return jobUpdateMsg{job: job, err: err}
	}
}

// tickCmd returns a command that sends a tick after the poll interval.
func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// RunJobProgress follows a job until it finishes. With a TTY it renders
// the interactive progress UI; otherwise it polls and prints plain
// lines so output stays readable in pipes and CI logs.
func RunJobProgress(c *client.Client, jobID string) error {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return followPlain(c, jobID)
	}

	model := newProgressModel(c, jobID)
	p := tea.NewProgram(model)

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}

	if m, ok := finalModel.(progressModel); ok {
		// If user quit with Ctrl+C, job continues in background - not an error
		if m.quitting {
			return nil
		}
		if m.err != nil {
			return m.err
		}
	}

	return nil
}

// followPlain is the non-TTY fallback: one line per state or percent
// change until the job is terminal.
func followPlain(c *client.Client, jobID string) error {
	var lastState string
	lastPercent := -1

	for {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		job, err := c.GetJob(ctx, jobID)
		cancel()
		if err != nil {
			return fmt.Errorf("fetch job status: %w", err)
		}
		if !job.Found {
			return fmt.Errorf("job not found (expired or never existed): %s", jobID)
		}

		if job.State != lastState || job.OverallPercent != lastPercent {
			fmt.Printf("%s %3d%% %s %s\n", job.JobID, job.OverallPercent, job.State, job.Phase)
			lastState, lastPercent = job.State, job.OverallPercent
		}

		if job.Terminal() {
			if job.State == "failed" {
				return fmt.Errorf("%s", job.Error)
			}
			return nil
		}
		time.Sleep(pollInterval)
	}
}
