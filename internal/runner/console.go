package runner

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/kilupskalvis/wfr/internal/models"
)

// console prints human-readable progress
type console struct {
	mu      sync.Mutex
	w       io.Writer
	pending []byte // partial line of step output

	bold   *color.Color
	green  *color.Color
	red    *color.Color
	yellow *color.Color
	cyan   *color.Color
	faint  *color.Color
}

func newConsole(w io.Writer) *console {
	if w == nil {
		w = io.Discard
	}
	return &console{
		w:      w,
		bold:   color.New(color.Bold),
		green:  color.New(color.FgGreen),
		red:    color.New(color.FgRed),
		yellow: color.New(color.FgYellow),
		cyan:   color.New(color.FgCyan),
		faint:  color.New(color.Faint),
	}
}

func (c *console) runHeader(run *models.Run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.yellow.Fprintf(c.w, "run %s", run.ShortID())
	fmt.Fprintf(c.w, " %s (%s", run.Workflow, run.Event.Name)
	if run.Event.Branch != "" {
		fmt.Fprintf(c.w, " on %s", run.Event.Branch)
	}
	fmt.Fprintln(c.w, ")")
}

func (c *console) jobHeader(jr *models.JobResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bold.Fprintf(c.w, "\njob %s\n", jr.Name)
}

func (c *console) jobSkipped(jr *models.JobResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faint.Fprintf(c.w, "\njob %s skipped (needs not met)\n", jr.Name)
}

func (c *console) jobFinished(jr *models.JobResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusColor(jr.Status).Fprintf(c.w, "job %s: %s", jr.Name, jr.Status)
	fmt.Fprintf(c.w, " (%s)\n", FormatDuration(jr.FinishedAt.Sub(jr.StartedAt)))
}

func (c *console) stepStarted(sr *models.StepResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cyan.Fprintf(c.w, "> %s\n", sr.Name)
}

func (c *console) stepSkipped(sr *models.StepResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faint.Fprintf(c.w, "- %s (skipped)\n", sr.Name)
}

func (c *console) stepBackground(sr *models.StepResult, pid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.green.Fprintf(c.w, "& %s", sr.Name)
	fmt.Fprintf(c.w, " (background, pid %d)\n", pid)
}

func (c *console) backgroundExited(sr *models.StepResult, code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.yellow.Fprintf(c.w, "warning: background step %q exited with code %d\n", sr.Name, code)
}

func (c *console) stepFinished(sr *models.StepResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch sr.Status {
	case models.StatusSuccess:
		if sr.Outcome == models.StatusFailure {
			c.yellow.Fprintf(c.w, "! %s", sr.Name)
			fmt.Fprintf(c.w, " (failed, continue-on-error) %s\n", FormatDuration(sr.Duration()))
			return
		}
		c.green.Fprintf(c.w, "+ %s", sr.Name)
		fmt.Fprintf(c.w, " %s\n", FormatDuration(sr.Duration()))
	default:
		c.red.Fprintf(c.w, "x %s", sr.Name)
		fmt.Fprintf(c.w, " (%s", sr.Status)
		if sr.ExitCode > 0 {
			fmt.Fprintf(c.w, ", exit %d", sr.ExitCode)
		}
		fmt.Fprintf(c.w, ") %s\n", FormatDuration(sr.Duration()))
		if sr.Error != "" {
			c.red.Fprintf(c.w, "  %s\n", sr.Error)
		}
	}
}

func (c *console) runSummary(run *models.Run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w)
	c.statusColor(run.Status).Fprintf(c.w, "%s", run.Status)
	fmt.Fprintf(c.w, " in %s\n", FormatDuration(run.Duration()))
}

func (c *console) statusColor(s models.Status) *color.Color {
	switch s {
	case models.StatusSuccess:
		return c.green
	case models.StatusFailure, models.StatusCancelled:
		return c.red
	case models.StatusSkipped:
		return c.faint
	}
	return c.yellow
}

// stepOutput returns a writer that prefixes each line of step output
func (c *console) stepOutput() io.Writer {
	return consoleLineWriter{c}
}

// flushStepOutput prints a trailing partial line, if any
func (c *console) flushStepOutput() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) > 0 {
		fmt.Fprintf(c.w, "  | %s\n", c.pending)
		c.pending = c.pending[:0]
	}
}

type consoleLineWriter struct {
	c *console
}

func (lw consoleLineWriter) Write(p []byte) (int, error) {
	c := lw.c
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = append(c.pending, p...)
	for {
		i := bytes.IndexByte(c.pending, '\n')
		if i < 0 {
			break
		}
		fmt.Fprintf(c.w, "  | %s\n", bytes.TrimRight(c.pending[:i], "\r"))
		c.pending = c.pending[i+1:]
	}
	return len(p), nil
}

// FormatDuration renders a duration for console output
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return d.Round(time.Second).String()
	}
}
