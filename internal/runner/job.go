package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kilupskalvis/wfr/internal/executor"
	"github.com/kilupskalvis/wfr/internal/models"
	"github.com/kilupskalvis/wfr/internal/workflow"
	"golang.org/x/sync/errgroup"
)

// CleanupTimeout bounds a step that runs after its job was cancelled, such
// as one with `if: always()`. A shorter step timeout-minutes still applies.
const CleanupTimeout = 5 * time.Minute

// jobContext carries the mutable state of one job execution
type jobContext struct {
	runner   *Runner
	run      *models.Run
	workflow *workflow.Workflow
	job      *workflow.Job
	result   *models.JobResult
	runDir   string

	exported map[string]string // values written to GITHUB_ENV
	paths    []string          // entries written to GITHUB_PATH, newest first
	outcomes map[string]string // step id -> outcome, for steps.<id>.outcome

	mu         sync.Mutex
	background []*backgroundStep
	leftover   []int // process groups of children foreground steps left running
	done       chan struct{}
}

// backgroundStep is a step whose process outlives the step itself
type backgroundStep struct {
	result *models.StepResult
	proc   *executor.Process
	log    *stepLog
}

func (jc *jobContext) execute(ctx context.Context) {
	r := jc.runner
	jc.exported = make(map[string]string)
	jc.outcomes = make(map[string]string)
	jc.done = make(chan struct{})

	if jc.job.TimeoutMinutes > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(jc.job.TimeoutMinutes)*time.Minute)
		defer cancel()
	}

	jc.result.Status = models.StatusRunning
	jc.result.StartedAt = time.Now()
	r.log.Info("job started", "job", jc.job.ID, "steps", len(jc.job.Steps))
	r.out.jobHeader(jc.result)

	failed := false
	cancelled := false
	for i, step := range jc.job.Steps {
		sr := &models.StepResult{
			Index:      i,
			ID:         step.ID,
			Name:       step.DisplayName(),
			Status:     models.StatusPending,
			Background: step.IsBackground(),
		}
		jc.result.Steps = append(jc.result.Steps, sr)

		if ctx.Err() != nil {
			cancelled = true
		}
		if !jc.shouldRun(step, failed, cancelled) {
			sr.Status = models.StatusSkipped
			sr.Outcome = models.StatusSkipped
			jc.recordOutcome(step, sr)
			r.out.stepSkipped(sr)
			continue
		}

		if cancelled {
			// e.g. always() or cancelled() steps
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), CleanupTimeout)
			jc.runStep(cleanupCtx, step, sr)
			cancel()
		} else {
			jc.runStep(ctx, step, sr)
		}
		jc.recordOutcome(step, sr)

		switch sr.Outcome {
		case models.StatusFailure:
			if step.ContinueOnError {
				sr.Status = models.StatusSuccess
				r.log.Warn("step failed, continuing", "job", jc.job.ID, "step", sr.Name, "exit_code", sr.ExitCode)
			} else {
				failed = true
			}
		case models.StatusCancelled:
			cancelled = true
		}
	}

	jc.stopBackground()

	switch {
	case cancelled:
		jc.result.Status = models.StatusCancelled
	case failed:
		jc.result.Status = models.StatusFailure
	default:
		jc.result.Status = models.StatusSuccess
	}
	jc.result.FinishedAt = time.Now()

	r.log.Info("job finished", "job", jc.job.ID, "status", jc.result.Status,
		"duration", jc.result.FinishedAt.Sub(jc.result.StartedAt))
	r.out.jobFinished(jc.result)
}

func (jc *jobContext) shouldRun(step *workflow.Step, failed, cancelled bool) bool {
	cond, err := workflow.ParseCondition(step.If)
	if err != nil {
		// Validate rejects these; an unparsable condition never runs
		jc.runner.log.Warn("skipping step with invalid condition", "step", step.DisplayName(), "error", err)
		return false
	}
	return cond.Eval(failed, cancelled)
}

func (jc *jobContext) recordOutcome(step *workflow.Step, sr *models.StepResult) {
	if step.ID != "" {
		jc.outcomes[step.ID] = string(sr.Outcome)
	}
}

// runStep executes one step and fills in its result
func (jc *jobContext) runStep(ctx context.Context, step *workflow.Step, sr *models.StepResult) {
	r := jc.runner
	sr.Status = models.StatusRunning
	sr.StartedAt = time.Now()
	r.out.stepStarted(sr)

	log, err := openStepLog(filepath.Join(jc.runDir, fmt.Sprintf("%s-%02d.log", jc.job.ID, sr.Index+1)))
	if err != nil {
		jc.finishStep(sr, nil, models.StatusFailure, -1, err)
		return
	}
	sr.LogPath = log.path

	parent := ctx
	if step.TimeoutMinutes > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutMinutes)*time.Minute)
		defer cancel()
	}

	sc, err := jc.prepareStep(step, log)
	if err != nil {
		jc.finishStep(sr, log, models.StatusFailure, -1, err)
		return
	}

	switch {
	case step.Uses != "":
		err = jc.runAction(ctx, step, sc)
		exitCode := 0
		if err != nil {
			exitCode = 1
		}
		jc.applyFiles(sc)
		jc.finishStep(sr, log, stepStatus(parent, err), exitCode, err)

	case step.IsBackground():
		proc, err := jc.startBackground(sc)
		if err != nil {
			jc.finishStep(sr, log, models.StatusFailure, -1, err)
			return
		}
		jc.applyFiles(sc)
		sr.Status = models.StatusSuccess
		sr.Outcome = models.StatusSuccess
		sr.FinishedAt = time.Now()
		r.log.Info("background process started", "job", jc.job.ID, "step", sr.Name, "pid", proc.Pid())
		r.out.stepBackground(sr, proc.Pid())
		jc.trackBackground(&backgroundStep{result: sr, proc: proc, log: log})

	default:
		res, err := jc.runShell(ctx, sc)
		jc.applyFiles(sc)
		exitCode := -1
		if res != nil {
			exitCode = res.ExitCode
		}
		if err == nil && exitCode != 0 {
			err = fmt.Errorf("process completed with exit code %d", exitCode)
		}
		jc.finishStep(sr, log, stepStatus(parent, err), exitCode, err)
	}
}

// stepStatus maps a step error to a status. Cancellation of the job or run
// is "cancelled"; a step's own timeout is a failure.
func stepStatus(parent context.Context, err error) models.Status {
	switch {
	case err == nil:
		return models.StatusSuccess
	case parent.Err() != nil:
		return models.StatusCancelled
	default:
		return models.StatusFailure
	}
}

func (jc *jobContext) finishStep(sr *models.StepResult, log *stepLog, status models.Status, exitCode int, err error) {
	sr.Status = status
	sr.Outcome = status
	sr.ExitCode = exitCode
	sr.FinishedAt = time.Now()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && status == models.StatusFailure {
			err = fmt.Errorf("step timed out: %w", err)
		}
		sr.Error = err.Error()
		if log != nil {
			fmt.Fprintf(log, "##[error]%s\n", sr.Error)
		}
	}
	if log != nil {
		if cerr := log.Close(); cerr != nil {
			jc.runner.log.Warn("failed to close step log", "path", log.path, "error", cerr)
		}
		sr.LogHash = log.Sum()
	}

	if status == models.StatusFailure || status == models.StatusCancelled {
		jc.runner.log.Error("step failed", "job", jc.job.ID, "step", sr.Name, "status", status, "exit_code", exitCode, "error", sr.Error)
	}
	jc.runner.out.stepFinished(sr)
}

func (jc *jobContext) trackBackground(b *backgroundStep) {
	jc.mu.Lock()
	jc.background = append(jc.background, b)
	jc.mu.Unlock()

	go func() {
		select {
		case <-b.proc.Done():
			_, code, stopped := b.proc.Exited()
			if !stopped {
				jc.runner.log.Warn("background process exited before the job ended",
					"job", jc.job.ID, "step", b.result.Name, "exit_code", code)
				jc.runner.out.backgroundExited(b.result, code)
			}
		case <-jc.done:
		}
	}()
}

// stopBackground stops every background process group concurrently and
// finalises their logs. Children that foreground steps left running are
// stopped the same way.
func (jc *jobContext) stopBackground() {
	close(jc.done)

	jc.mu.Lock()
	bg := jc.background
	groups := jc.leftover
	jc.background = nil
	jc.leftover = nil
	jc.mu.Unlock()

	var g errgroup.Group
	for _, pgid := range groups {
		g.Go(func() error {
			return executor.StopGroup(pgid, jc.runner.opts.KillGrace)
		})
	}
	for _, b := range bg {
		g.Go(func() error {
			err := b.proc.Stop(jc.runner.opts.KillGrace)
			if cerr := b.log.Close(); cerr != nil && err == nil {
				err = cerr
			}
			b.result.LogHash = b.log.Sum()
			if err != nil {
				return fmt.Errorf("%s: %w", b.result.Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		jc.runner.log.Warn("failed to stop background process", "job", jc.job.ID, "error", err)
	}
}

// stepLog is a step's log file that hashes everything written to it
type stepLog struct {
	path   string
	file   *os.File
	hasher hash.Hash
	w      io.Writer

	mu     sync.Mutex
	closed bool
	sum    string
}

func openStepLog(path string) (*stepLog, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create step log: %w", err)
	}
	h := sha256.New()
	return &stepLog{path: path, file: f, hasher: h, w: io.MultiWriter(f, h)}, nil
}

func (l *stepLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return len(p), nil
	}
	return l.w.Write(p)
}

// Close closes the file and fixes the hash
func (l *stepLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.sum = hex.EncodeToString(l.hasher.Sum(nil))
	return l.file.Close()
}

// Sum returns the SHA-256 of the log contents once closed
func (l *stepLog) Sum() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sum
}
