package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/kilupskalvis/wfr/internal/config"
	"github.com/kilupskalvis/wfr/internal/models"
	"github.com/kilupskalvis/wfr/internal/runner"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show run details",
	Long: `Show a run with its jobs and steps. The run ID may be abbreviated
to any unique prefix.

Examples:
  wfr show 3f2a9c1e
  wfr show 3f2a --logs
  wfr show 3f2a --logs --tail 100
  wfr show 3f2a9c1e --remote  Fetch the run from the report server`,
	Args: cobra.ExactArgs(1),
	Run:  runShow,
}

var (
	showLogs   bool
	showTail   int
	showRemote bool
)

func init() {
	showCmd.Flags().BoolVar(&showLogs, "logs", false, "Print the end of each step log")
	showCmd.Flags().IntVar(&showTail, "tail", 20, "Number of log lines per step with --logs (0 = all)")
	showCmd.Flags().BoolVar(&showRemote, "remote", false, "Read the run and its logs from the report server")
}

// logSource returns the contents of a step's log
type logSource func(step *models.StepResult) ([]byte, error)

func runShow(cmd *cobra.Command, args []string) {
	var run *models.Run
	var readLog logSource

	if showRemote {
		cfg, err := config.LoadOrDefault()
		if err != nil {
			exitError("%v", err)
		}
		client := newReportClient(cfg)
		ctx := context.Background()

		run, err = client.GetRun(ctx, args[0])
		if err != nil {
			exitError("%v", err)
		}
		readLog = func(step *models.StepResult) ([]byte, error) {
			if step.LogHash == "" {
				return nil, nil
			}
			return client.DownloadLog(ctx, step.LogHash)
		}
	} else {
		c := initContextWithMigrations()
		defer c.Close()

		var err error
		run, err = c.Store.GetRun(args[0])
		if err != nil {
			exitError("%v", err)
		}
		readLog = func(step *models.StepResult) ([]byte, error) {
			if step.LogPath == "" {
				return nil, nil
			}
			return os.ReadFile(step.LogPath)
		}
	}

	printRun(run)

	if showLogs {
		printLogs(run, readLog, showTail)
	}
}

func printRun(run *models.Run) {
	yellow := color.New(color.FgYellow)
	bold := color.New(color.Bold)
	faint := color.New(color.Faint)

	yellow.Printf("run %s\n", run.ID)
	fmt.Printf("Workflow: %s", run.Workflow)
	if run.WorkflowPath != "" {
		faint.Printf(" (%s)", run.WorkflowPath)
	}
	fmt.Println()
	fmt.Printf("Event:    %s\n", describeEvent(run.Event))
	if run.Event.Actor != "" {
		fmt.Printf("Actor:    %s\n", run.Event.Actor)
	}
	fmt.Printf("Date:     %s\n", run.StartedAt.Local().Format("Mon Jan 2 15:04:05 2006"))
	fmt.Print("Status:   ")
	statusColor(run.Status).Print(run.Status)
	fmt.Printf(" in %s\n", runner.FormatDuration(run.Duration()))

	for _, job := range run.Jobs {
		fmt.Println()
		bold.Printf("job %s ", job.Name)
		statusColor(job.Status).Println(job.Status)

		for _, step := range job.Steps {
			fmt.Printf("  %2d. ", step.Index+1)
			statusColor(step.Status).Printf("%-9s ", step.Status)
			fmt.Print(step.Name)
			if step.Background {
				faint.Print(" (background)")
			}
			if step.Status != models.StatusSkipped {
				faint.Printf(" %s", runner.FormatDuration(step.Duration()))
			}
			if step.ExitCode != 0 {
				fmt.Printf(" exit %d", step.ExitCode)
			}
			fmt.Println()
			if step.Error != "" {
				color.New(color.FgRed).Printf("      %s\n", step.Error)
			}
		}
	}
}

func printLogs(run *models.Run, readLog logSource, tail int) {
	bold := color.New(color.Bold)
	faint := color.New(color.Faint)

	for _, job := range run.Jobs {
		for _, step := range job.Steps {
			data, err := readLog(step)
			if err != nil {
				fmt.Println()
				color.New(color.FgRed).Printf("%s / %s: %v\n", job.Name, step.Name, err)
				continue
			}
			if len(data) == 0 {
				continue
			}

			lines, dropped := tailLines(data, tail)
			fmt.Println()
			bold.Printf("==> %s / %s <==\n", job.Name, step.Name)
			if dropped > 0 {
				faint.Printf("... %d earlier line(s)\n", dropped)
			}
			for _, line := range lines {
				fmt.Println(line)
			}
		}
	}
}

// tailLines returns the last n lines of data and how many were left out.
// n <= 0 returns every line.
func tailLines(data []byte, n int) ([]string, int) {
	text := strings.TrimRight(string(bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))), "\n")
	if text == "" {
		return nil, 0
	}
	lines := strings.Split(text, "\n")
	if n <= 0 || len(lines) <= n {
		return lines, 0
	}
	return lines[len(lines)-n:], len(lines) - n
}
