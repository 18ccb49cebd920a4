package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/kilupskalvis/wfr/internal/models"
	"github.com/kilupskalvis/wfr/internal/runner"
	"github.com/kilupskalvis/wfr/internal/workflow"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [workflow]",
	Short: "Run workflows for an event",
	Long: `Run the workflows triggered by an event, or one named workflow.

The branch and commit default to the current git HEAD. Each run is recorded
in the history when wfr has been initialized. The command exits non-zero if
any run does not succeed.

Examples:
  wfr run                                   Run workflows triggered by a push
  wfr run --event pull_request --base main  Run workflows for a pull request
  wfr run e2e.yml --job test                Run one job and the jobs it needs
  wfr run --dry-run                         Show what would run`,
	Args: cobra.MaximumNArgs(1),
	Run:  runRun,
}

var (
	runEvent     string
	runBranch    string
	runBase      string
	runSHA       string
	runActor     string
	runJobs      []string
	runTimeout   time.Duration
	runDryRun    bool
	runPushAfter bool
)

func init() {
	f := runCmd.Flags()
	f.StringVar(&runEvent, "event", models.EventPush, "Event to simulate (push|pull_request|workflow_dispatch)")
	f.StringVar(&runBranch, "branch", "", "Branch the event happened on (default: current git branch)")
	f.StringVar(&runBase, "base", "", "Target branch of a pull_request")
	f.StringVar(&runSHA, "sha", "", "Commit SHA (default: git HEAD)")
	f.StringVar(&runActor, "actor", envOrDefault("USER", ""), "Actor recorded for the event")
	f.StringSliceVar(&runJobs, "job", nil, "Run only this job and the jobs it needs, repeat for multiple")
	f.DurationVar(&runTimeout, "timeout", 0, "Cancel the run after this long (0 = no limit)")
	f.BoolVar(&runDryRun, "dry-run", false, "Print the jobs and steps that would run without running them")
	f.BoolVar(&runPushAfter, "push", false, "Upload each run to the report server afterwards")
}

func runRun(cmd *cobra.Command, args []string) {
	c := initOptionalContext()
	defer c.Close()
	cfg := c.Config

	ev, err := buildEvent(cfg.Workspace(), runEvent, runBranch, runBase, runSHA, runActor)
	if err != nil {
		exitError("%v", err)
	}

	var workflows []*workflow.Workflow
	if len(args) == 1 {
		wf, err := workflow.Find(cfg.WorkflowsPath(), args[0])
		if err != nil {
			exitError("%v", err)
		}
		if !wf.Matches(ev) {
			slog.Warn("workflow is not triggered by this event, running it anyway", "workflow", wf.DisplayName(), "event", ev.Name, "branch", ev.Branch)
		}
		workflows = []*workflow.Workflow{wf}
	} else {
		all, err := workflow.Discover(cfg.WorkflowsPath())
		if err != nil {
			exitError("%v", err)
		}
		workflows, err = workflow.Select(all, ev)
		if err != nil {
			exitError("%v", err)
		}
	}

	for _, wf := range workflows {
		if err := wf.Validate(); err != nil {
			exitError("%s is invalid:\n  %v", wf.Path, err)
		}
	}

	if runDryRun {
		printPlan(workflows, ev)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// always() steps still run after the first interrupt; a second one exits
	go func() {
		<-ctx.Done()
		stop()
	}()
	if runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	r := runner.New(runner.Options{
		Workspace: cfg.Workspace(),
		LogDir:    cfg.LogsPath(),
		Shell:     cfg.Shell,
		KillGrace: cfg.KillGrace(),
		Jobs:      runJobs,
		Output:    os.Stdout,
		Logger:    slog.Default(),
	})

	var runs []*models.Run
	for i, wf := range workflows {
		if ctx.Err() != nil {
			break
		}
		if i > 0 {
			fmt.Println()
		}
		run, err := r.Run(ctx, wf, ev)
		if err != nil {
			exitError("%s: %v", wf.DisplayName(), err)
		}
		runs = append(runs, run)

		if c.Store != nil {
			if err := c.Store.SaveRun(run); err != nil {
				exitError("failed to save run: %v", err)
			}
		}
		printFailure(run, c.Store != nil)
	}

	if c.Store != nil {
		if cfg.KeepRuns > 0 {
			pruneHistory(c, cfg.KeepRuns)
		}
	} else {
		color.New(color.Faint).Printf("\nRun history is not kept outside a wfr project; run 'wfr init' to keep it.\n")
	}

	if runPushAfter {
		client := newReportClient(cfg)
		for _, run := range runs {
			pushOne(context.Background(), client, run)
		}
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		exitError("run timed out after %s", runTimeout)
	}
	for _, run := range runs {
		if run.Status != models.StatusSuccess {
			os.Exit(1)
		}
	}
	if len(runs) < len(workflows) {
		os.Exit(1)
	}
}

// buildEvent fills unset branch and SHA from git
func buildEvent(dir, name, branch, base, sha, actor string) (models.Event, error) {
	switch name {
	case models.EventPush, models.EventPullRequest, models.EventWorkflowDispatch:
	default:
		return models.Event{}, fmt.Errorf("unsupported event '%s' (want push, pull_request or workflow_dispatch)", name)
	}
	if branch == "" {
		branch = gitBranch(dir)
	}
	if sha == "" {
		sha = gitOutput(dir, "rev-parse", "HEAD")
	}
	if name == models.EventPullRequest && base == "" {
		return models.Event{}, errors.New("--base is required for pull_request")
	}
	if name != models.EventPullRequest {
		base = ""
	}
	return models.Event{Name: name, Branch: branch, BaseBranch: base, SHA: sha, Actor: actor}, nil
}

// printPlan shows the jobs and steps a run would execute
func printPlan(workflows []*workflow.Workflow, ev models.Event) {
	bold := color.New(color.Bold)
	faint := color.New(color.Faint)

	fmt.Printf("Event: %s", ev.Name)
	if ev.Branch != "" {
		fmt.Printf(" on %s", ev.Branch)
	}
	if ev.SHA != "" {
		fmt.Printf(" (%s)", shortSHA(ev.SHA))
	}
	fmt.Println()

	for _, wf := range workflows {
		order, err := runner.Plan(wf, runJobs)
		if err != nil {
			exitError("%s: %v", wf.DisplayName(), err)
		}
		fmt.Println()
		bold.Println(wf.DisplayName())
		for _, id := range order {
			job := wf.Jobs[id]
			fmt.Printf("  job %s\n", job.DisplayName())
			for i, step := range job.Steps {
				fmt.Printf("    %2d. %s", i+1, step.DisplayName())
				if step.IsBackground() {
					faint.Print(" (background)")
				}
				if step.If != "" {
					faint.Printf(" if: %s", step.If)
				}
				fmt.Println()
			}
		}
	}
}

// printFailure points at the log of the step that failed the run
func printFailure(run *models.Run, saved bool) {
	job, step := run.FailedStep()
	if step == nil {
		return
	}
	red := color.New(color.FgRed)
	red.Printf("failed: %s / %s", job.Name, step.Name)
	if step.ExitCode != 0 {
		fmt.Printf(" (exit %d)", step.ExitCode)
	}
	fmt.Println()
	if step.Error != "" {
		fmt.Printf("  %s\n", step.Error)
	}
	if step.LogPath != "" {
		fmt.Printf("  log: %s\n", step.LogPath)
	}
	if saved {
		fmt.Printf("  details: wfr show %s --logs\n", run.ShortID())
	}
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
