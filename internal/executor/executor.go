// Package executor runs step processes for the runner.
// Foreground commands block until exit; background commands are started in
// their own process group so the whole tree can be stopped when a job ends.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// Command describes a process to execute
type Command struct {
	Name   string
	Args   []string
	Dir    string
	Env    []string  // full environment; nil inherits the host environment
	Output io.Writer // receives combined stdout and stderr; nil discards
}

// Result is the outcome of a foreground command
type Result struct {
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time

	// Group is the process group left behind by children the command
	// started and did not wait for. Zero when the group is empty.
	Group int
}

// Duration returns how long the command ran
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// DefaultKillGrace is how long a process group gets between SIGTERM and SIGKILL
const DefaultKillGrace = 5 * time.Second

// OutputDrainDelay is how long Run keeps reading output after the command
// exits while a leftover child still holds the output pipe.
const OutputDrainDelay = time.Second

func (c Command) build(ctx context.Context) *exec.Cmd {
	var cmd *exec.Cmd
	if ctx != nil {
		cmd = exec.CommandContext(ctx, c.Name, c.Args...)
	} else {
		cmd = exec.Command(c.Name, c.Args...)
	}
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	setupProcessGroup(cmd)
	return cmd
}

// Run executes a command and waits for it to exit.
// A non-zero exit is reported through Result.ExitCode, not as an error.
// The returned error covers start failures and context cancellation.
func Run(ctx context.Context, c Command) (*Result, error) {
	cmd := c.build(ctx)
	out := c.Output
	if out == nil {
		out = io.Discard
	}
	w := &syncWriter{w: out}
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.Cancel = func() error { return signalGroup(cmd, true) }
	cmd.WaitDelay = OutputDrainDelay

	result := &Result{ExitCode: -1, StartedAt: time.Now()}
	err := cmd.Run()
	result.FinishedAt = time.Now()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	if cmd.Process != nil && groupAlive(cmd.Process.Pid) {
		result.Group = cmd.Process.Pid
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	case errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil:
		// the command exited but a child it left running kept the output open
		result.ExitCode = cmd.ProcessState.ExitCode()
	default:
		return result, fmt.Errorf("failed to run %s: %w", c.Name, err)
	}
	return result, nil
}

// Process is a command running in the background
type Process struct {
	cmd       *exec.Cmd
	name      string
	startedAt time.Time
	done      chan struct{}

	mu       sync.Mutex
	exitCode int
	waitErr  error
	stopped  bool
}

// Start launches a command without waiting for it.
// Output is copied to c.Output until the process exits.
func Start(c Command) (*Process, error) {
	cmd := c.build(nil)
	out := c.Output
	if out == nil {
		out = io.Discard
	}
	w := &syncWriter{w: out}
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.WaitDelay = DefaultKillGrace

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.Name, err)
	}

	p := &Process{
		cmd:       cmd,
		name:      c.Name,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		exitCode:  -1,
	}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.waitErr = err
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	p.mu.Unlock()

	close(p.done)
}

// Pid returns the operating system process ID
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// StartedAt returns when the process was launched
func (p *Process) StartedAt() time.Time {
	return p.startedAt
}

// Done is closed once the process has exited
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has exited and with which code.
// A process that was stopped by Stop reports stopped=true.
func (p *Process) Exited() (exited bool, exitCode int, stopped bool) {
	select {
	case <-p.done:
	default:
		return false, 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return true, p.exitCode, p.stopped
}

// Stop terminates the process group: SIGTERM first, SIGKILL after grace.
// Stopping an exited process is a no-op.
func (p *Process) Stop(grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	if err := signalGroup(p.cmd, false); err != nil {
		return fmt.Errorf("failed to signal %s: %w", p.name, err)
	}

	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
	}

	if err := signalGroup(p.cmd, true); err != nil {
		return fmt.Errorf("failed to kill %s: %w", p.name, err)
	}
	<-p.done
	return nil
}

// StopGroup terminates a process group left behind by Run: SIGTERM first,
// SIGKILL once grace has passed with members still alive.
func StopGroup(pgid int, grace time.Duration) error {
	if pgid <= 0 || !groupAlive(pgid) {
		return nil
	}
	if err := killGroup(pgid, false); err != nil {
		return fmt.Errorf("failed to signal process group %d: %w", pgid, err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !groupAlive(pgid) {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := killGroup(pgid, true); err != nil {
		return fmt.Errorf("failed to kill process group %d: %w", pgid, err)
	}
	return nil
}

// syncWriter serialises writes from stdout and stderr copies
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
