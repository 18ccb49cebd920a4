package runner

import (
	"bufio"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/kilupskalvis/wfr/internal/workflow"
)

// stepContext is everything a single step executes with
type stepContext struct {
	step     *workflow.Step
	env      map[string]string
	expr     workflow.ExprContext
	with     map[string]string
	dir      string
	log      io.Writer
	envFile  string
	pathFile string
}

// setEnv exports a variable to the rest of the job
func (sc *stepContext) setEnv(key, value string) {
	sc.env[key] = value
	f, err := os.OpenFile(sc.envFile, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	writeEnvEntry(f, key, value)
}

// addPath prepends dir to PATH for the rest of the job
func (sc *stepContext) addPath(dir string) {
	sc.env["PATH"] = dir + string(os.PathListSeparator) + sc.env["PATH"]
	f, err := os.OpenFile(sc.pathFile, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintln(f, dir)
}

func writeEnvEntry(w io.Writer, key, value string) {
	if strings.ContainsAny(value, "\r\n") {
		fmt.Fprintf(w, "%s<<WFR_EOF\n%s\nWFR_EOF\n", key, value)
		return
	}
	fmt.Fprintf(w, "%s=%s\n", key, value)
}

// githubContext returns the github.* values for the run
func (jc *jobContext) githubContext() map[string]string {
	ev := jc.run.Event
	return map[string]string{
		"event_name": ev.Name,
		"ref":        ev.Ref(),
		"ref_name":   ev.Branch,
		"base_ref":   ev.BaseBranch,
		"sha":        ev.SHA,
		"actor":      ev.Actor,
		"workspace":  jc.runner.opts.Workspace,
		"run_id":     jc.run.ID,
		"job":        jc.job.ID,
		"workflow":   jc.run.Workflow,
	}
}

func (jc *jobContext) runnerContext() map[string]string {
	return map[string]string{
		"os":   runnerOS(),
		"temp": filepath.Join(jc.runDir, "tmp"),
	}
}

// prepareStep builds the environment and files for a step.
// Precedence, lowest first: host, CI defaults, workflow env, job env,
// step env, values exported by earlier steps.
func (jc *jobContext) prepareStep(step *workflow.Step, log io.Writer) (*stepContext, error) {
	opts := jc.runner.opts

	// declared env, as seen by ${{ env.X }}
	declared := make(map[string]string)
	expr := workflow.ExprContext{
		Env:    declared,
		Github: jc.githubContext(),
		Runner: jc.runnerContext(),
		Steps:  jc.outcomes,
	}
	for _, layer := range []map[string]string{jc.workflow.Env, jc.job.Env, step.Env} {
		for _, k := range slices.Sorted(maps.Keys(layer)) {
			declared[k] = workflow.Interpolate(layer[k], expr)
		}
	}
	maps.Copy(declared, jc.exported)

	env := environMap(os.Environ())
	maps.Copy(env, opts.Env)
	maps.Copy(env, map[string]string{
		"CI":                "true",
		"GITHUB_ACTIONS":    "true",
		"GITHUB_WORKSPACE":  opts.Workspace,
		"GITHUB_EVENT_NAME": jc.run.Event.Name,
		"GITHUB_REF":        jc.run.Event.Ref(),
		"GITHUB_REF_NAME":   jc.run.Event.Branch,
		"GITHUB_BASE_REF":   jc.run.Event.BaseBranch,
		"GITHUB_SHA":        jc.run.Event.SHA,
		"GITHUB_ACTOR":      jc.run.Event.Actor,
		"GITHUB_RUN_ID":     jc.run.ID,
		"GITHUB_JOB":        jc.job.ID,
		"GITHUB_WORKFLOW":   jc.run.Workflow,
		"RUNNER_OS":         runnerOS(),
		"RUNNER_TEMP":       filepath.Join(jc.runDir, "tmp"),
	})
	maps.Copy(env, declared)
	for i := len(jc.paths) - 1; i >= 0; i-- {
		env["PATH"] = jc.paths[i] + string(os.PathListSeparator) + env["PATH"]
	}

	prefix := fmt.Sprintf("%s-%02d", jc.job.ID, len(jc.result.Steps))
	envFile := filepath.Join(jc.runDir, "tmp", prefix+".env")
	pathFile := filepath.Join(jc.runDir, "tmp", prefix+".path")
	for _, f := range []string{envFile, pathFile} {
		if err := os.WriteFile(f, nil, 0644); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", filepath.Base(f), err)
		}
	}
	env["GITHUB_ENV"] = envFile
	env["GITHUB_PATH"] = pathFile

	with := make(map[string]string, len(step.With))
	for k, v := range step.With {
		with[k] = workflow.Interpolate(v, expr)
	}

	dir := opts.Workspace
	if step.WorkingDirectory != "" {
		wd := workflow.Interpolate(step.WorkingDirectory, expr)
		if filepath.IsAbs(wd) {
			dir = wd
		} else {
			dir = filepath.Join(opts.Workspace, wd)
		}
	}

	return &stepContext{
		step:     step,
		env:      env,
		expr:     expr,
		with:     with,
		dir:      dir,
		log:      log,
		envFile:  envFile,
		pathFile: pathFile,
	}, nil
}

// applyFiles merges what the step wrote to GITHUB_ENV and GITHUB_PATH into
// the job state.
func (jc *jobContext) applyFiles(sc *stepContext) {
	if f, err := os.Open(sc.envFile); err == nil {
		vars, perr := parseEnvFile(f)
		f.Close()
		if perr != nil {
			jc.runner.log.Warn("ignoring malformed GITHUB_ENV entries", "step", sc.step.DisplayName(), "error", perr)
		}
		maps.Copy(jc.exported, vars)
	}
	if f, err := os.Open(sc.pathFile); err == nil {
		for _, p := range parsePathFile(f) {
			jc.paths = append([]string{p}, jc.paths...)
		}
		f.Close()
	}
}

// parseEnvFile reads KEY=VALUE lines and KEY<<DELIM heredoc blocks
func parseEnvFile(r io.Reader) (map[string]string, error) {
	vars := make(map[string]string)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}

		if key, delim, ok := strings.Cut(text, "<<"); ok && !strings.Contains(key, "=") {
			key = strings.TrimSpace(key)
			delim = strings.TrimSpace(delim)
			if key == "" || delim == "" {
				return vars, fmt.Errorf("line %d: malformed heredoc", line)
			}
			var lines []string
			closed := false
			for sc.Scan() {
				line++
				l := strings.TrimRight(sc.Text(), "\r")
				if l == delim {
					closed = true
					break
				}
				lines = append(lines, l)
			}
			if !closed {
				return vars, fmt.Errorf("line %d: heredoc for %s is missing delimiter %s", line, key, delim)
			}
			vars[key] = strings.Join(lines, "\n")
			continue
		}

		key, value, ok := strings.Cut(text, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return vars, fmt.Errorf("line %d: expected KEY=VALUE", line)
		}
		vars[strings.TrimSpace(key)] = value
	}
	return vars, sc.Err()
}

// parsePathFile returns the non-empty lines of a GITHUB_PATH file
func parsePathFile(r io.Reader) []string {
	var paths []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if p := strings.TrimSpace(sc.Text()); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

func environMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}
	return env
}

func environList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		list = append(list, k+"="+env[k])
	}
	return list
}

func runnerOS() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS"
	case "windows":
		return "Windows"
	default:
		return "Linux"
	}
}
