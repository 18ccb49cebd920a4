package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/kilupskalvis/wfr/internal/workflow"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows",
	Long:  `List the workflows in the workflows directory with their triggers and jobs.`,
	Args:  cobra.NoArgs,
	Run:   runList,
}

func runList(cmd *cobra.Command, args []string) {
	c := initOptionalContext()
	defer c.Close()

	workflows, err := workflow.Discover(c.Config.WorkflowsPath())
	if err != nil {
		exitError("%v", err)
	}

	if len(workflows) == 0 {
		fmt.Printf("No workflows in %s\n", c.Config.WorkflowsDir)
		return
	}

	bold := color.New(color.Bold)
	faint := color.New(color.Faint)

	for _, wf := range workflows {
		bold.Print(wf.DisplayName())
		faint.Printf("  %s\n", filepath.Base(wf.Path))
		fmt.Printf("  on:   %s\n", strings.Join(wf.On.Events(), ", "))

		order, err := wf.JobOrder()
		if err != nil {
			fmt.Printf("  jobs: %v\n", err)
			continue
		}
		for _, id := range order {
			job := wf.Jobs[id]
			fmt.Printf("  job:  %s (%d steps)", id, len(job.Steps))
			if len(job.Needs) > 0 {
				faint.Printf(" needs %s", strings.Join(job.Needs, ", "))
			}
			fmt.Println()
		}
	}
}
