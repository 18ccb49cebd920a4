package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/kilupskalvis/wfr/internal/config"
	"github.com/kilupskalvis/wfr/internal/models"
	"github.com/kilupskalvis/wfr/internal/runner"
	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show run history",
	Long:  `Display recorded runs, newest first.`,
	Args:  cobra.NoArgs,
	Run:   runLog,
}

var (
	logOneline  bool
	logLimit    int
	logWorkflow string
	logRemote   bool
)

func init() {
	logCmd.Flags().BoolVar(&logOneline, "oneline", false, "Show each run on a single line")
	logCmd.Flags().IntVarP(&logLimit, "n", "n", 0, "Limit the number of runs to show")
	logCmd.Flags().StringVar(&logWorkflow, "workflow", "", "Only show runs of this workflow (name or path)")
	logCmd.Flags().BoolVar(&logRemote, "remote", false, "List runs stored on the report server")
}

func runLog(cmd *cobra.Command, args []string) {
	if logRemote {
		runRemoteLog()
		return
	}

	c := initContextWithMigrations()
	defer c.Close()

	runs, err := c.Store.ListRuns(logLimit, logWorkflow)
	if err != nil {
		exitError("failed to list runs: %v", err)
	}

	if len(runs) == 0 {
		fmt.Println("No runs yet")
		return
	}

	yellow := color.New(color.FgYellow)

	for _, run := range runs {
		if logOneline {
			yellow.Printf("%s ", run.ShortID())
			statusColor(run.Status).Printf("%-9s ", run.Status)
			fmt.Printf("%s (%s", run.Workflow, run.Event.Name)
			if run.Event.Branch != "" {
				fmt.Printf(" %s", run.Event.Branch)
			}
			fmt.Println(")")
			continue
		}

		yellow.Printf("run %s\n", run.ID)
		fmt.Printf("Workflow: %s\n", run.Workflow)
		fmt.Printf("Event:    %s\n", describeEvent(run.Event))
		fmt.Printf("Date:     %s\n", run.StartedAt.Local().Format("Mon Jan 2 15:04:05 2006"))
		fmt.Print("Status:   ")
		statusColor(run.Status).Print(run.Status)
		fmt.Printf(" in %s\n\n", runner.FormatDuration(run.Duration()))
	}
}

func runRemoteLog() {
	cfg, err := config.LoadOrDefault()
	if err != nil {
		exitError("%v", err)
	}
	url, project := serverTarget(cfg)
	client := newReportClient(cfg)

	runs, err := client.ListRuns(context.Background(), logLimit, logWorkflow)
	if err != nil {
		exitError("failed to list remote runs: %v", err)
	}

	if len(runs) == 0 {
		fmt.Printf("No runs for project '%s' on %s\n", project, url)
		return
	}

	yellow := color.New(color.FgYellow)
	for _, run := range runs {
		yellow.Printf("%s ", shortID(run.ID))
		statusColor(run.Status).Printf("%-9s ", run.Status)
		fmt.Printf("%s (%s", run.Workflow, run.Event)
		if run.Branch != "" {
			fmt.Printf(" %s", run.Branch)
		}
		fmt.Printf(") %s\n", run.StartedAt.Local().Format("2006-01-02 15:04"))
	}
}

func statusColor(s models.Status) *color.Color {
	switch s {
	case models.StatusSuccess:
		return color.New(color.FgGreen)
	case models.StatusFailure, models.StatusCancelled:
		return color.New(color.FgRed)
	case models.StatusSkipped:
		return color.New(color.Faint)
	}
	return color.New(color.FgYellow)
}

func describeEvent(ev models.Event) string {
	s := ev.Name
	switch {
	case ev.Name == models.EventPullRequest && ev.BaseBranch != "":
		s += fmt.Sprintf(" %s -> %s", ev.Branch, ev.BaseBranch)
	case ev.Branch != "":
		s += " on " + ev.Branch
	}
	if ev.SHA != "" {
		s += fmt.Sprintf(" (%s)", shortSHA(ev.SHA))
	}
	return s
}

// shortID returns first 8 characters of an ID
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
