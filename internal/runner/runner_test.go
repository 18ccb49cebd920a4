//go:build !windows

package runner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/kilupskalvis/wfr/internal/browser"
	"github.com/kilupskalvis/wfr/internal/models"
	"github.com/kilupskalvis/wfr/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestRunner(t *testing.T, modify ...func(*Options)) (*Runner, *lockedBuffer) {
	t.Helper()
	out := &lockedBuffer{}
	opts := Options{
		Workspace: t.TempDir(),
		LogDir:    t.TempDir(),
		Shell:     "sh",
		KillGrace: 500 * time.Millisecond,
		Output:    out,
	}
	for _, m := range modify {
		m(&opts)
	}
	return New(opts), out
}

func mustParse(t *testing.T, src string) *workflow.Workflow {
	t.Helper()
	wf, err := workflow.Parse([]byte(src))
	require.NoError(t, err)
	require.NoError(t, wf.Validate())
	return wf
}

func readLog(t *testing.T, sr *models.StepResult) string {
	t.Helper()
	require.NotEmpty(t, sr.LogPath)
	data, err := os.ReadFile(sr.LogPath)
	require.NoError(t, err)
	return string(data)
}

func stepStatuses(jr *models.JobResult) []models.Status {
	var out []models.Status
	for _, s := range jr.Steps {
		out = append(out, s.Status)
	}
	return out
}

func TestRun_StepsInOrder(t *testing.T) {
	r, out := newTestRunner(t)
	wf := mustParse(t, `
on: push
jobs:
  test:
    steps:
      - run: echo one >> order.txt
      - run: echo two >> order.txt
      - name: Third
        run: |
          echo three >> order.txt
          echo done
`)

	run, err := r.Run(context.Background(), wf, models.PushEvent("main", "abc"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, run.Status)
	require.Len(t, run.Jobs, 1)
	job := run.Jobs[0]
	assert.Equal(t, models.StatusSuccess, job.Status)
	assert.Equal(t, []models.Status{models.StatusSuccess, models.StatusSuccess, models.StatusSuccess}, stepStatuses(job))

	data, err := os.ReadFile(filepath.Join(r.opts.Workspace, "order.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree\n", string(data))

	third := job.Steps[2]
	assert.Equal(t, "Third", third.Name)
	logText := readLog(t, third)
	assert.Contains(t, logText, "done")
	sum := sha256.Sum256([]byte(logText))
	assert.Equal(t, hex.EncodeToString(sum[:]), third.LogHash)

	assert.Contains(t, out.String(), "  | done")
}

func TestRun_FailFast(t *testing.T) {
	r, _ := newTestRunner(t)
	wf := mustParse(t, `
on: push
jobs:
  test:
    steps:
      - run: echo ok
      - id: broken
        run: exit 3
      - run: touch should-not-exist
      - if: failure()
        run: echo "outcome ${{ steps.broken.outcome }}"
      - if: always()
        run: echo cleanup
`)

	run, err := r.Run(context.Background(), wf, models.PushEvent("main", ""))
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailure, run.Status)
	job := run.Jobs[0]
	assert.Equal(t, models.StatusFailure, job.Status)
	assert.Equal(t, []models.Status{
		models.StatusSuccess,
		models.StatusFailure,
		models.StatusSkipped,
		models.StatusSuccess,
		models.StatusSuccess,
	}, stepStatuses(job))

	assert.Equal(t, 3, job.Steps[1].ExitCode)
	assert.Contains(t, job.Steps[1].Error, "exit code 3")
	assert.NoFileExists(t, filepath.Join(r.opts.Workspace, "should-not-exist"))
	assert.Contains(t, readLog(t, job.Steps[3]), "outcome failure")

	failedJob, failedStep := run.FailedStep()
	require.NotNil(t, failedStep)
	assert.Equal(t, "test", failedJob.JobID)
	assert.Equal(t, "broken", failedStep.ID)
}

func TestRun_ShellErrexit(t *testing.T) {
	r, _ := newTestRunner(t)
	wf := mustParse(t, `
on: push
jobs:
  test:
    steps:
      - run: |
          false
          echo unreachable
`)

	run, err := r.Run(context.Background(), wf, models.PushEvent("main", ""))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailure, run.Status)
	assert.NotContains(t, readLog(t, run.Jobs[0].Steps[0]), "unreachable")
}

func TestRun_ContinueOnError(t *testing.T) {
	r, _ := newTestRunner(t)
	wf := mustParse(t, `
on: push
jobs:
  test:
    steps:
      - run: exit 1
        continue-on-error: true
      - run: echo next
`)

	run, err := r.Run(context.Background(), wf, models.PushEvent("main", ""))
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, run.Status)
	first := run.Jobs[0].Steps[0]
	assert.Equal(t, models.StatusSuccess, first.Status)
	assert.Equal(t, models.StatusFailure, first.Outcome)
	assert.Equal(t, models.StatusSuccess, run.Jobs[0].Steps[1].Status)
}

func TestRun_BackgroundStoppedAtJobEnd(t *testing.T) {
	r, out := newTestRunner(t)
	wf := mustParse(t, `
on: push
jobs:
  test:
    steps:
      - name: Start server
        run: |
          echo $$ > server.pid
          echo serving
          exec sleep 30 &
      - run: |
          for i in 1 2 3 4 5 6 7 8 9 10; do
            [ -s server.pid ] && break
            sleep 0.2
          done
          test -s server.pid
`)

	start := time.Now()
	run, err := r.Run(context.Background(), wf, models.PushEvent("main", ""))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)

	assert.Equal(t, models.StatusSuccess, run.Status)
	bg := run.Jobs[0].Steps[0]
	assert.True(t, bg.Background)
	assert.Equal(t, models.StatusSuccess, bg.Status)
	assert.NotEmpty(t, bg.LogHash)
	assert.Contains(t, readLog(t, bg), "serving")
	assert.Contains(t, out.String(), "background, pid")

	data, err := os.ReadFile(filepath.Join(r.opts.Workspace, "server.pid"))
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.ErrorIs(t, syscall.Kill(pid, 0), syscall.ESRCH, "background process should be gone")
}

func TestRun_BackgroundStoppedOnFailure(t *testing.T) {
	r, _ := newTestRunner(t)
	wf := mustParse(t, `
on: push
jobs:
  test:
    steps:
      - run: sleep 30
        background: true
      - run: exit 1
`)

	start := time.Now()
	run, err := r.Run(context.Background(), wf, models.PushEvent("main", ""))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailure, run.Status)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRun_BackgroundExitDoesNotFailJob(t *testing.T) {
	r, _ := newTestRunner(t)
	wf := mustParse(t, `
on: push
jobs:
  test:
    steps:
      - run: exit 4 &
      - run: sleep 0.3
`)

	run, err := r.Run(context.Background(), wf, models.PushEvent("main", ""))
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, run.Status)
}

func TestRun_ForegroundStepLeavesChildRunning(t *testing.T) {
	r, _ := newTestRunner(t)
	wf := mustParse(t, `
on: push
jobs:
  test:
    steps:
      - name: Spawn
        run: |
          sh -c 'trap "echo stopped > stopped.txt; exit 0" TERM; sleep 30 & wait' &
          echo started
      - run: echo next
`)

	start := time.Now()
	run, err := r.Run(context.Background(), wf, models.PushEvent("main", ""))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)

	assert.Equal(t, models.StatusSuccess, run.Status)
	job := run.Jobs[0]
	assert.Equal(t, []models.Status{models.StatusSuccess, models.StatusSuccess}, stepStatuses(job))
	assert.Equal(t, 0, job.Steps[0].ExitCode)
	assert.False(t, job.Steps[0].Background)
	assert.Contains(t, readLog(t, job.Steps[0]), "started")
	assert.Contains(t, readLog(t, job.Steps[1]), "next")

	marker := filepath.Join(r.opts.Workspace, "stopped.txt")
	assert.Eventually(t, func() bool {
		_, err := os.Stat(marker)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond, "child left by the step should be stopped at job end")
}

func TestRun_GithubEnvAndPath(t *testing.T) {
	r, _ := newTestRunner(t)
	wf := mustParse(t, `
on: push
jobs:
  test:
    steps:
      - run: |
          echo "FOO=bar" >> "$GITHUB_ENV"
          printf 'MULTI<<EOF\nline1\nline2\nEOF\n' >> "$GITHUB_ENV"
          mkdir -p tools
          printf '#!/bin/sh\necho hi-from-tool\n' > tools/hello
          chmod +x tools/hello
          echo "$PWD/tools" >> "$GITHUB_PATH"
      - run: |
          test "$FOO" = bar
          echo "$MULTI"
          hello
`)

	run, err := r.Run(context.Background(), wf, models.PushEvent("main", ""))
	require.NoError(t, err)
	require.Equal(t, models.StatusSuccess, run.Status, run.Jobs[0].Steps[1].Error)

	logText := readLog(t, run.Jobs[0].Steps[1])
	assert.Contains(t, logText, "line1\nline2")
	assert.Contains(t, logText, "hi-from-tool")
}

func TestRun_EnvAndExpressions(t *testing.T) {
	r, _ := newTestRunner(t)
	wf := mustParse(t, `
on: push
env:
  GREETING: hello
  TARGET: world
jobs:
  test:
    env:
      TARGET: job
    steps:
      - env:
          STEP_ONLY: "${{ env.GREETING }}-step"
        run: |
          echo "$GREETING $TARGET $STEP_ONLY"
          echo "${{ github.event_name }} ${{ github.ref }} $CI $GITHUB_REF_NAME"
`)

	run, err := r.Run(context.Background(), wf, models.PushEvent("feature/x", "deadbeef"))
	require.NoError(t, err)
	require.Equal(t, models.StatusSuccess, run.Status)

	logText := readLog(t, run.Jobs[0].Steps[0])
	assert.Contains(t, logText, "hello job hello-step")
	assert.Contains(t, logText, "push refs/heads/feature/x true feature/x")
}

func TestRun_WorkingDirectory(t *testing.T) {
	r, _ := newTestRunner(t)
	require.NoError(t, os.Mkdir(filepath.Join(r.opts.Workspace, "app"), 0755))
	wf := mustParse(t, `
on: push
jobs:
  test:
    steps:
      - working-directory: app
        run: basename "$PWD"
      - working-directory: missing
        run: "true"
`)

	run, err := r.Run(context.Background(), wf, models.PushEvent("main", ""))
	require.NoError(t, err)
	job := run.Jobs[0]
	assert.Contains(t, readLog(t, job.Steps[0]), "app")
	assert.Equal(t, models.StatusFailure, job.Steps[1].Status)
	assert.Contains(t, job.Steps[1].Error, "does not exist")
}

func TestRun_NeedsSkipsDependents(t *testing.T) {
	r, _ := newTestRunner(t)
	wf := mustParse(t, `
on: push
jobs:
  build:
    steps:
      - run: exit 1
  test:
    needs: build
    steps:
      - run: echo test
  lint:
    steps:
      - run: echo lint
`)

	run, err := r.Run(context.Background(), wf, models.PushEvent("main", ""))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailure, run.Status)

	byID := map[string]*models.JobResult{}
	for _, j := range run.Jobs {
		byID[j.JobID] = j
	}
	assert.Equal(t, models.StatusFailure, byID["build"].Status)
	assert.Equal(t, models.StatusSkipped, byID["test"].Status)
	assert.Equal(t, models.StatusSuccess, byID["lint"].Status)
	assert.Equal(t, []models.Status{models.StatusSkipped}, stepStatuses(byID["test"]))
}

func TestRun_JobSelection(t *testing.T) {
	r, _ := newTestRunner(t, func(o *Options) { o.Jobs = []string{"test"} })
	wf := mustParse(t, `
on: push
jobs:
  build:
    steps:
      - run: echo build
  test:
    needs: build
    steps:
      - run: echo test
  lint:
    steps:
      - run: echo lint
`)

	run, err := r.Run(context.Background(), wf, models.PushEvent("main", ""))
	require.NoError(t, err)

	var ids []string
	for _, j := range run.Jobs {
		ids = append(ids, j.JobID)
	}
	assert.Equal(t, []string{"build", "test"}, ids)

	r2, _ := newTestRunner(t, func(o *Options) { o.Jobs = []string{"nope"} })
	_, err = r2.Run(context.Background(), wf, models.PushEvent("main", ""))
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestPlan(t *testing.T) {
	wf := mustParse(t, `
on: push
jobs:
  build:
    steps:
      - run: echo build
  test:
    needs: build
    steps:
      - run: echo test
  lint:
    steps:
      - run: echo lint
`)

	all, err := Plan(wf, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"build", "lint", "test"}, all)

	some, err := Plan(wf, []string{"test"})
	require.NoError(t, err)
	assert.Equal(t, []string{"build", "test"}, some)

	_, err = Plan(wf, []string{"deploy"})
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestRun_Cancelled(t *testing.T) {
	r, _ := newTestRunner(t)
	wf := mustParse(t, `
on: push
jobs:
  test:
    steps:
      - run: sleep 30
      - run: echo after
  later:
    needs: test
    steps:
      - run: echo later
`)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	run, err := r.Run(ctx, wf, models.PushEvent("main", ""))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)

	assert.Equal(t, models.StatusCancelled, run.Status)
	job := run.Jobs[0]
	assert.Equal(t, models.StatusCancelled, job.Status)
	assert.Equal(t, []models.Status{models.StatusCancelled, models.StatusSkipped}, stepStatuses(job))
	assert.Equal(t, models.StatusCancelled, run.Jobs[1].Status)
}

func TestRun_CleanupStepsRunAfterCancel(t *testing.T) {
	r, _ := newTestRunner(t)
	wf := mustParse(t, `
on: push
jobs:
  test:
    steps:
      - run: sleep 30
      - run: echo after
      - if: always()
        run: echo cleanup > cleanup.txt
      - if: ${{ cancelled() }}
        run: echo cancelled-ran
      - if: failure()
        run: echo failure-ran
`)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	run, err := r.Run(ctx, wf, models.PushEvent("main", ""))
	require.NoError(t, err)

	job := run.Jobs[0]
	assert.Equal(t, models.StatusCancelled, job.Status)
	assert.Equal(t, []models.Status{
		models.StatusCancelled,
		models.StatusSkipped,
		models.StatusSuccess,
		models.StatusSuccess,
		models.StatusSkipped,
	}, stepStatuses(job))
	assert.Contains(t, readLog(t, job.Steps[3]), "cancelled-ran")

	data, err := os.ReadFile(filepath.Join(r.opts.Workspace, "cleanup.txt"))
	require.NoError(t, err)
	assert.Equal(t, "cleanup\n", string(data))
}

func TestRun_UnsupportedAction(t *testing.T) {
	r, _ := newTestRunner(t)
	wf := mustParse(t, `
on: push
jobs:
  test:
    steps:
      - uses: actions/cache@v3
`)

	run, err := r.Run(context.Background(), wf, models.PushEvent("main", ""))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailure, run.Status)
	assert.Contains(t, run.Jobs[0].Steps[0].Error, "unsupported action")
}

func TestRun_SleepAction(t *testing.T) {
	r, _ := newTestRunner(t)
	wf := mustParse(t, `
on: push
jobs:
  test:
    steps:
      - uses: wfr/sleep@v1
        with:
          seconds: "0.1"
`)

	run, err := r.Run(context.Background(), wf, models.PushEvent("main", ""))
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, run.Status)
	assert.GreaterOrEqual(t, run.Jobs[0].Steps[0].Duration(), 100*time.Millisecond)
}

func TestRun_WaitFor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var checked string
	r, _ := newTestRunner(t)
	r.checkTitle = func(ctx context.Context, cfg browser.Config, url, want string) (string, error) {
		checked = url + "|" + want + "|" + cfg.Bin
		return want, nil
	}

	wf := mustParse(t, `
on: push
env:
  APP_URL: `+srv.URL+`
jobs:
  test:
    steps:
      - run: echo "WFR_BROWSER_BIN=/opt/chromium" >> "$GITHUB_ENV"
      - uses: wfr/wait-for@v1
        with:
          url: ${{ env.APP_URL }}/login
          timeout: 5
          status: "200"
          expect-title: Login | Bulldoggy reminders app
`)

	run, err := r.Run(context.Background(), wf, models.PushEvent("main", ""))
	require.NoError(t, err)
	require.Equal(t, models.StatusSuccess, run.Status, run.Jobs[0].Steps[1].Error)
	assert.Equal(t, srv.URL+"/login|Login | Bulldoggy reminders app|/opt/chromium", checked)
	assert.Contains(t, readLog(t, run.Jobs[0].Steps[1]), "ready after 1 attempt(s)")
}

func TestRun_WaitForTimesOut(t *testing.T) {
	r, _ := newTestRunner(t)
	wf := mustParse(t, `
on: push
jobs:
  test:
    steps:
      - uses: wfr/wait-for@v1
        with:
          address: 127.0.0.1:1
          timeout: 300ms
          interval: 50ms
      - run: echo never
`)

	run, err := r.Run(context.Background(), wf, models.PushEvent("main", ""))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailure, run.Status)
	assert.Contains(t, run.Jobs[0].Steps[0].Error, "not ready")
	assert.Equal(t, models.StatusSkipped, run.Jobs[0].Steps[1].Status)
}

func TestRun_InstallBrowser(t *testing.T) {
	r, _ := newTestRunner(t)
	r.installBrowser = func(ctx context.Context, engine string) (string, error) {
		return "/fake/" + engine, nil
	}
	wf := mustParse(t, `
on: push
jobs:
  test:
    steps:
      - uses: wfr/install-browser@v1
      - run: echo "bin=$WFR_BROWSER_BIN"
      - uses: wfr/install-browser@v1
        with:
          engine: firefox
`)

	run, err := r.Run(context.Background(), wf, models.PushEvent("main", ""))
	require.NoError(t, err)
	job := run.Jobs[0]
	assert.Contains(t, readLog(t, job.Steps[1]), "bin=/fake/chromium")
	assert.Equal(t, models.StatusFailure, job.Steps[2].Status)
	assert.Contains(t, job.Steps[2].Error, "unsupported browser engine")
}

func writeFakePython(t *testing.T, dir, name, version string) {
	t.Helper()
	script := "#!/bin/sh\necho \"Python " + version + "\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(script), 0755))
}

func TestRun_SetupPython(t *testing.T) {
	bin := t.TempDir()
	writeFakePython(t, bin, "python3.10", "3.10.12")

	r, _ := newTestRunner(t, func(o *Options) {
		o.Env = map[string]string{"PATH": bin + string(os.PathListSeparator) + os.Getenv("PATH")}
	})
	wf := mustParse(t, `
on: push
jobs:
  test:
    steps:
      - uses: actions/setup-python@v4
        with:
          python-version: '3.10'
      - run: |
          echo "location=$pythonLocation"
          python3.10 --version
`)

	run, err := r.Run(context.Background(), wf, models.PushEvent("main", ""))
	require.NoError(t, err)
	require.Equal(t, models.StatusSuccess, run.Status, run.Jobs[0].Steps[0].Error)

	logText := readLog(t, run.Jobs[0].Steps[1])
	assert.Contains(t, logText, "location="+filepath.Dir(bin))
	assert.Contains(t, logText, "Python 3.10.12")
}

func TestRun_SetupPythonVersionMismatch(t *testing.T) {
	bin := t.TempDir()
	writeFakePython(t, bin, "python2.1", "2.7.18")

	r, _ := newTestRunner(t, func(o *Options) {
		o.Env = map[string]string{"PATH": bin}
	})
	wf := mustParse(t, `
on: push
jobs:
  test:
    steps:
      - uses: actions/setup-python@v4
        with:
          python-version: '2.1'
`)

	run, err := r.Run(context.Background(), wf, models.PushEvent("main", ""))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailure, run.Status)
	assert.Contains(t, run.Jobs[0].Steps[0].Error, "2.7.18")
}

func TestRun_CheckoutExistingWorkTree(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	r, _ := newTestRunner(t)
	cmd := exec.Command("git", "init", "-q", r.opts.Workspace)
	require.NoError(t, cmd.Run())

	wf := mustParse(t, `
on: push
jobs:
  test:
    steps:
      - uses: actions/checkout@v3
`)

	run, err := r.Run(context.Background(), wf, models.PushEvent("main", ""))
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, run.Status, run.Jobs[0].Steps[0].Error)
}

func TestRun_CheckoutWithoutRepository(t *testing.T) {
	r, _ := newTestRunner(t)
	wf := mustParse(t, `
on: push
jobs:
  test:
    steps:
      - uses: actions/checkout@v3
`)

	run, err := r.Run(context.Background(), wf, models.PushEvent("main", ""))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailure, run.Status)
	assert.Contains(t, run.Jobs[0].Steps[0].Error, "not a git work tree")
}
