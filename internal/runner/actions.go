package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/kilupskalvis/wfr/internal/browser"
	"github.com/kilupskalvis/wfr/internal/executor"
	"github.com/kilupskalvis/wfr/internal/probe"
	"github.com/kilupskalvis/wfr/internal/workflow"
)

// ErrUnsupportedAction is returned for `uses:` references with no built-in
var ErrUnsupportedAction = errors.New("unsupported action")

type actionFunc func(ctx context.Context, jc *jobContext, sc *stepContext) error

var builtinActions = map[string]actionFunc{
	"actions/checkout":     checkoutAction,
	"actions/setup-python": setupPythonAction,
	"wfr/install-browser":  installBrowserAction,
	"wfr/wait-for":         waitForAction,
	"wfr/sleep":            sleepAction,
}

// SupportedActions lists the built-in action names
func SupportedActions() []string {
	return []string{"actions/checkout", "actions/setup-python", "wfr/install-browser", "wfr/wait-for", "wfr/sleep"}
}

func (jc *jobContext) runAction(ctx context.Context, step *workflow.Step, sc *stepContext) error {
	name := step.ActionName()
	fn, ok := builtinActions[strings.ToLower(name)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedAction, step.Uses)
	}
	fmt.Fprintf(sc.log, "##[group]%s\n", step.Uses)
	for _, k := range slices.Sorted(maps.Keys(sc.with)) {
		fmt.Fprintf(sc.log, "  %s: %s\n", k, sc.with[k])
	}
	fmt.Fprintln(sc.log, "##[endgroup]")
	return fn(ctx, jc, sc)
}

// checkoutAction accepts an existing work tree or clones the repository
func checkoutAction(ctx context.Context, jc *jobContext, sc *stepContext) error {
	workspace := jc.runner.opts.Workspace
	ref := sc.with["ref"]

	if isWorkTree(ctx, workspace, sc) {
		fmt.Fprintf(sc.log, "using existing work tree %s\n", workspace)
		if ref != "" {
			return git(ctx, workspace, sc, "checkout", ref)
		}
		return nil
	}

	repo := sc.with["repository"]
	if repo == "" {
		return fmt.Errorf("%s is not a git work tree and no repository was given", workspace)
	}
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	if err := git(ctx, workspace, sc, "clone", repositoryURL(repo), "."); err != nil {
		return err
	}
	if ref != "" {
		return git(ctx, workspace, sc, "checkout", ref)
	}
	return nil
}

// repositoryURL expands owner/name shorthand to a GitHub clone URL
func repositoryURL(repo string) string {
	if strings.Contains(repo, "://") || strings.HasPrefix(repo, "git@") || filepath.IsAbs(repo) {
		return repo
	}
	if strings.Count(repo, "/") == 1 {
		return "https://github.com/" + strings.TrimSuffix(repo, ".git") + ".git"
	}
	return repo
}

func isWorkTree(ctx context.Context, dir string, sc *stepContext) bool {
	var out bytes.Buffer
	res, err := executor.Run(ctx, executor.Command{
		Name:   "git",
		Args:   []string{"rev-parse", "--is-inside-work-tree"},
		Dir:    dir,
		Env:    environList(sc.env),
		Output: &out,
	})
	return err == nil && res.ExitCode == 0 && strings.TrimSpace(out.String()) == "true"
}

func git(ctx context.Context, dir string, sc *stepContext, args ...string) error {
	fmt.Fprintf(sc.log, "git %s\n", strings.Join(args, " "))
	res, err := executor.Run(ctx, executor.Command{
		Name:   "git",
		Args:   args,
		Dir:    dir,
		Env:    environList(sc.env),
		Output: sc.log,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git %s exited with code %d", args[0], res.ExitCode)
	}
	return nil
}

// setupPythonAction puts a matching Python interpreter first on PATH
func setupPythonAction(ctx context.Context, jc *jobContext, sc *stepContext) error {
	want := strings.TrimSpace(sc.with["python-version"])

	var candidates []string
	if want != "" {
		candidates = append(candidates, "python"+want)
	}
	candidates = append(candidates, "python3", "python")

	var tried []string
	for _, name := range candidates {
		bin, ok := lookPathIn(name, sc.env["PATH"])
		if !ok {
			continue
		}
		version, err := pythonVersion(ctx, bin, sc)
		if err != nil {
			tried = append(tried, fmt.Sprintf("%s (%v)", bin, err))
			continue
		}
		if want != "" && !versionMatches(version, want) {
			tried = append(tried, fmt.Sprintf("%s (%s)", bin, version))
			continue
		}

		dir := filepath.Dir(bin)
		fmt.Fprintf(sc.log, "using Python %s at %s\n", version, bin)
		sc.addPath(dir)
		sc.setEnv("pythonLocation", filepath.Dir(dir))
		return nil
	}

	if len(tried) > 0 {
		return fmt.Errorf("no Python %s found; candidates: %s", want, strings.Join(tried, ", "))
	}
	return fmt.Errorf("no Python interpreter found on PATH")
}

func pythonVersion(ctx context.Context, bin string, sc *stepContext) (string, error) {
	var out bytes.Buffer
	res, err := executor.Run(ctx, executor.Command{
		Name:   bin,
		Args:   []string{"--version"},
		Env:    environList(sc.env),
		Output: &out,
	})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("exit code %d", res.ExitCode)
	}
	version := strings.TrimSpace(out.String())
	version = strings.TrimPrefix(version, "Python ")
	return version, nil
}

// versionMatches reports whether version is want or a patch release of it.
// "3.10" matches "3.10.12" but not "3.1" or "3.100".
func versionMatches(version, want string) bool {
	if version == want {
		return true
	}
	return strings.HasPrefix(version, want+".")
}

// lookPathIn is exec.LookPath against an explicit PATH value
func lookPathIn(name, pathEnv string) (string, bool) {
	for _, dir := range filepath.SplitList(pathEnv) {
		if dir == "" {
			continue
		}
		p := filepath.Join(dir, name)
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Mode()&0111 != 0 {
			return p, true
		}
	}
	return "", false
}

// installBrowserAction makes a headless Chromium available to later steps
func installBrowserAction(ctx context.Context, jc *jobContext, sc *stepContext) error {
	engine, err := browser.NormalizeEngine(sc.with["engine"])
	if err != nil {
		return err
	}
	bin, err := jc.runner.installBrowser(ctx, engine)
	if err != nil {
		return err
	}
	fmt.Fprintf(sc.log, "%s available at %s\n", engine, bin)
	sc.setEnv("WFR_BROWSER_BIN", bin)
	return nil
}

// waitForAction polls a URL or TCP address until it answers
func waitForAction(ctx context.Context, jc *jobContext, sc *stepContext) error {
	url := sc.with["url"]
	address := sc.with["address"]
	switch {
	case url == "" && address == "":
		return fmt.Errorf("wait-for needs a url or an address")
	case url != "" && address != "":
		return fmt.Errorf("wait-for takes a url or an address, not both")
	}

	cfg := probe.DefaultBackoffConfig()
	if v := sc.with["timeout"]; v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if v := sc.with["interval"]; v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("invalid interval: %w", err)
		}
		cfg.InitialBackoff = d
		if cfg.MaxBackoff < d {
			cfg.MaxBackoff = d
		}
	}

	var p probe.Probe
	if url != "" {
		hp := &probe.HTTPProbe{URL: url}
		if v := sc.with["status"]; v != "" {
			code, err := strconv.Atoi(v)
			if err != nil || code < 100 || code > 599 {
				return fmt.Errorf("invalid status %q", v)
			}
			hp.ExpectStatus = code
		}
		p = hp
	} else {
		p = &probe.TCPProbe{Address: address}
	}

	fmt.Fprintf(sc.log, "waiting for %s (timeout %s)\n", p, cfg.Timeout)
	attempts, err := probe.WaitUntilReady(ctx, p, cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(sc.log, "%s ready after %d attempt(s)\n", p, attempts)

	want, ok := sc.with["expect-title"]
	if !ok {
		return nil
	}
	if url == "" {
		return fmt.Errorf("expect-title needs a url")
	}
	bcfg := jc.runner.opts.Browser
	if bin := sc.env["WFR_BROWSER_BIN"]; bin != "" {
		bcfg.Bin = bin
	}
	got, err := jc.runner.checkTitle(ctx, bcfg, url, want)
	if err != nil {
		return err
	}
	fmt.Fprintf(sc.log, "page title %q\n", got)
	return nil
}

// sleepAction waits for `seconds`, stopping early on cancellation
func sleepAction(ctx context.Context, jc *jobContext, sc *stepContext) error {
	v := sc.with["seconds"]
	if v == "" {
		return fmt.Errorf("sleep needs seconds")
	}
	d, err := parseSeconds(v)
	if err != nil {
		return fmt.Errorf("invalid seconds: %w", err)
	}
	fmt.Fprintf(sc.log, "sleeping %s\n", d)
	return probe.Sleep(ctx, d)
}

// maxSeconds is the longest duration, in seconds, a time.Duration holds
const maxSeconds = float64(math.MaxInt64 / int64(time.Second))

// parseSeconds accepts a plain number of seconds or a Go duration ("1m30s")
func parseSeconds(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		switch {
		case math.IsNaN(f) || math.IsInf(f, 0):
			return 0, fmt.Errorf("invalid duration %q", v)
		case f < 0:
			return 0, fmt.Errorf("negative duration %q", v)
		case f > maxSeconds:
			return 0, fmt.Errorf("duration %q is too long", v)
		}
		return time.Duration(f * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", v)
	}
	return d, nil
}
