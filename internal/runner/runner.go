// Package runner executes workflow jobs on the local machine.
//
// Jobs run one at a time in dependency order and steps run strictly in the
// order they are written. The first failing step fails its job; later steps
// are skipped unless their condition asks to run after a failure. Processes
// started by background steps live until the job ends and are then stopped
// as a group.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/kilupskalvis/wfr/internal/browser"
	"github.com/kilupskalvis/wfr/internal/executor"
	"github.com/kilupskalvis/wfr/internal/models"
	"github.com/kilupskalvis/wfr/internal/workflow"
)

// Options configures a Runner
type Options struct {
	Workspace string            // directory steps run in
	LogDir    string            // step logs are written to LogDir/<run-id>/
	Shell     string            // default shell for run steps; empty picks bash or sh
	KillGrace time.Duration     // SIGTERM to SIGKILL delay for background processes
	Jobs      []string          // run only these jobs and what they need; empty runs all
	Env       map[string]string // extra variables layered over the host environment
	Output    io.Writer         // console output; nil discards
	Logger    *slog.Logger
	Browser   browser.Config
}

// Runner executes workflows
type Runner struct {
	opts Options
	log  *slog.Logger
	out  *console

	// replaceable in tests
	installBrowser func(ctx context.Context, engine string) (string, error)
	checkTitle     func(ctx context.Context, cfg browser.Config, url, want string) (string, error)
}

// New creates a Runner, filling in defaults for unset options.
func New(opts Options) *Runner {
	if opts.Workspace == "" {
		opts.Workspace, _ = os.Getwd()
	}
	if opts.LogDir == "" {
		opts.LogDir = filepath.Join(os.TempDir(), "wfr-logs")
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = executor.DefaultKillGrace
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Browser == (browser.Config{}) {
		opts.Browser = browser.DefaultConfig()
	}
	return &Runner{
		opts:           opts,
		log:            opts.Logger,
		out:            newConsole(opts.Output),
		installBrowser: browser.Install,
		checkTitle:     browser.CheckTitle,
	}
}

// Run executes wf for the event and returns the recorded run.
// Step and job failures are reported in the returned Run; the error is
// only for problems that prevented the run from being recorded.
func (r *Runner) Run(ctx context.Context, wf *workflow.Workflow, ev models.Event) (*models.Run, error) {
	order, err := wf.JobOrder()
	if err != nil {
		return nil, err
	}
	selected, err := selectJobs(wf, order, r.opts.Jobs)
	if err != nil {
		return nil, err
	}

	run := &models.Run{
		ID:           uuid.New().String(),
		Workflow:     wf.DisplayName(),
		WorkflowPath: wf.Path,
		Event:        ev,
		Status:       models.StatusRunning,
		StartedAt:    time.Now(),
	}

	runDir := filepath.Join(r.opts.LogDir, run.ID)
	if err := os.MkdirAll(filepath.Join(runDir, "tmp"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	r.log.Info("run started", "run", run.ShortID(), "workflow", run.Workflow, "event", ev.Name, "branch", ev.Branch)
	r.out.runHeader(run)

	results := make(map[string]models.Status)
	var rollup []models.Status
	for _, id := range order {
		if !selected[id] {
			continue
		}
		job := wf.Jobs[id]
		jr := &models.JobResult{JobID: id, Name: job.DisplayName(), Status: models.StatusPending}
		run.Jobs = append(run.Jobs, jr)

		switch {
		case ctx.Err() != nil:
			skipJob(jr, job, models.StatusCancelled)
		case !needsMet(job, results):
			r.log.Info("job skipped", "job", id, "needs", []string(job.Needs))
			r.out.jobSkipped(jr)
			skipJob(jr, job, models.StatusSkipped)
		default:
			jc := &jobContext{
				runner:   r,
				run:      run,
				workflow: wf,
				job:      job,
				result:   jr,
				runDir:   runDir,
			}
			jc.execute(ctx)
		}

		status := jr.Status
		if job.ContinueOnError && status == models.StatusFailure {
			status = models.StatusSuccess
		}
		results[id] = status
		rollup = append(rollup, status)
	}

	run.Status = models.Worst(rollup...)
	run.FinishedAt = time.Now()

	r.log.Info("run finished", "run", run.ShortID(), "status", run.Status, "duration", run.Duration())
	r.out.runSummary(run)
	return run, nil
}

// Plan returns the job IDs Run would execute for wf, in order
func Plan(wf *workflow.Workflow, jobs []string) ([]string, error) {
	order, err := wf.JobOrder()
	if err != nil {
		return nil, err
	}
	selected, err := selectJobs(wf, order, jobs)
	if err != nil {
		return nil, err
	}
	planned := make([]string, 0, len(selected))
	for _, id := range order {
		if selected[id] {
			planned = append(planned, id)
		}
	}
	return planned, nil
}

// ErrUnknownJob is returned when a requested job does not exist
var ErrUnknownJob = errors.New("unknown job")

// selectJobs returns the requested jobs plus everything they transitively need.
func selectJobs(wf *workflow.Workflow, order []string, want []string) (map[string]bool, error) {
	selected := make(map[string]bool, len(order))
	if len(want) == 0 {
		for _, id := range order {
			selected[id] = true
		}
		return selected, nil
	}

	var visit func(id string) error
	visit = func(id string) error {
		job, ok := wf.Jobs[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownJob, id)
		}
		if selected[id] {
			return nil
		}
		selected[id] = true
		for _, need := range job.Needs {
			if err := visit(need); err != nil {
				return err
			}
		}
		return nil
	}
	for _, id := range want {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return selected, nil
}

func needsMet(job *workflow.Job, results map[string]models.Status) bool {
	for _, need := range job.Needs {
		if results[need] != models.StatusSuccess {
			return false
		}
	}
	return true
}

func skipJob(jr *models.JobResult, job *workflow.Job, status models.Status) {
	jr.Status = status
	for i, step := range job.Steps {
		jr.Steps = append(jr.Steps, &models.StepResult{
			Index:   i,
			ID:      step.ID,
			Name:    step.DisplayName(),
			Status:  models.StatusSkipped,
			Outcome: models.StatusSkipped,
		})
	}
}
