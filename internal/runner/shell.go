package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kilupskalvis/wfr/internal/executor"
	"github.com/kilupskalvis/wfr/internal/workflow"
)

// ErrUnsupportedShell is returned for shell values without a template
var ErrUnsupportedShell = errors.New("unsupported shell")

// shellTemplate is a command line where {0} stands for the script path
type shellTemplate struct {
	args []string
	ext  string
}

var shellTemplates = map[string]shellTemplate{
	"bash":   {args: []string{"bash", "--noprofile", "--norc", "-eo", "pipefail", "{0}"}, ext: ".sh"},
	"sh":     {args: []string{"sh", "-e", "{0}"}, ext: ".sh"},
	"pwsh":   {args: []string{"pwsh", "-command", ". '{0}'"}, ext: ".ps1"},
	"python": {args: []string{"python", "{0}"}, ext: ".py"},
}

// resolveShell picks the template for a step's shell. With no shell set the
// configured default is used, then bash when installed, then sh.
func resolveShell(shell, fallback string) (shellTemplate, error) {
	shell = strings.TrimSpace(shell)
	if shell == "" {
		shell = strings.TrimSpace(fallback)
	}
	if shell == "" {
		if _, err := exec.LookPath("bash"); err == nil {
			shell = "bash"
		} else {
			shell = "sh"
		}
	}

	if t, ok := shellTemplates[shell]; ok {
		return t, nil
	}
	if strings.Contains(shell, "{0}") {
		return shellTemplate{args: strings.Fields(shell)}, nil
	}
	return shellTemplate{}, fmt.Errorf("%w: %q (use bash, sh, pwsh, python or a command containing {0})", ErrUnsupportedShell, shell)
}

// command substitutes the script path into the template
func (t shellTemplate) command(script string) (string, []string) {
	args := make([]string, len(t.args))
	for i, a := range t.args {
		args[i] = strings.ReplaceAll(a, "{0}", script)
	}
	return args[0], args[1:]
}

// shellCommand writes the step script to the run's temp directory and
// returns the command that executes it.
func (jc *jobContext) shellCommand(sc *stepContext, output io.Writer) (executor.Command, error) {
	tmpl, err := resolveShell(sc.step.Shell, jc.runner.opts.Shell)
	if err != nil {
		return executor.Command{}, err
	}

	script := workflow.Interpolate(sc.step.Script(), sc.expr)

	name := fmt.Sprintf("%s-%02d%s", jc.job.ID, len(jc.result.Steps), tmpl.ext)
	path := filepath.Join(jc.runDir, "tmp", name)
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		return executor.Command{}, fmt.Errorf("failed to write script: %w", err)
	}

	if info, err := os.Stat(sc.dir); err != nil || !info.IsDir() {
		return executor.Command{}, fmt.Errorf("working directory %s does not exist", sc.dir)
	}

	bin, args := tmpl.command(path)
	return executor.Command{
		Name:   bin,
		Args:   args,
		Dir:    sc.dir,
		Env:    environList(sc.env),
		Output: output,
	}, nil
}

// runShell runs a foreground script step, teeing output to the step log and
// the console.
func (jc *jobContext) runShell(ctx context.Context, sc *stepContext) (*executor.Result, error) {
	out := io.MultiWriter(sc.log, jc.runner.out.stepOutput())
	cmd, err := jc.shellCommand(sc, out)
	if err != nil {
		return nil, err
	}
	jc.runner.log.Debug("running step", "job", jc.job.ID, "step", sc.step.DisplayName(), "command", cmd.Name, "args", cmd.Args)
	res, err := executor.Run(ctx, cmd)
	jc.runner.out.flushStepOutput()
	if res != nil && res.Group != 0 {
		jc.runner.log.Debug("step left processes running", "job", jc.job.ID, "step", sc.step.DisplayName(), "pgid", res.Group)
		jc.mu.Lock()
		jc.leftover = append(jc.leftover, res.Group)
		jc.mu.Unlock()
	}
	return res, err
}

// startBackground launches a background script step. Its output goes to the
// step log only.
func (jc *jobContext) startBackground(sc *stepContext) (*executor.Process, error) {
	cmd, err := jc.shellCommand(sc, sc.log)
	if err != nil {
		return nil, err
	}
	return executor.Start(cmd)
}
