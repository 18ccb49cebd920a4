//go:build !windows

package executor

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockedBuffer is safe to read while a background process writes to it.
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

func sh(script string, out *bytes.Buffer) Command {
	c := Command{Name: "sh", Args: []string{"-c", script}}
	if out != nil {
		c.Output = out
	}
	return c
}

func TestRun_Success(t *testing.T) {
	var out bytes.Buffer
	res, err := Run(context.Background(), sh("echo hello; echo oops >&2", &out))
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, out.String(), "hello")
	assert.Contains(t, out.String(), "oops")
	assert.True(t, res.Duration() >= 0)
}

func TestRun_NonZeroExit(t *testing.T) {
	res, err := Run(context.Background(), sh("exit 3", nil))
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestRun_EnvAndDir(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	c := sh("echo $GREETING; pwd", &out)
	c.Dir = dir
	c.Env = append(os.Environ(), "GREETING=hi")

	res, err := Run(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "hi", lines[0])
	assert.Contains(t, lines[1], dir[strings.LastIndex(dir, "/")+1:])
}

func TestRun_MissingBinary(t *testing.T) {
	_, err := Run(context.Background(), Command{Name: "definitely-not-a-real-binary-wfr"})
	assert.Error(t, err)
}

func TestRun_ContextCancelKillsGroup(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Run(ctx, sh("sleep 30 & sleep 30; wait", nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestStart_BackgroundAndStop(t *testing.T) {
	out := &lockedBuffer{}
	p, err := Start(Command{Name: "sh", Args: []string{"-c", "echo started; sleep 30"}, Output: out})
	require.NoError(t, err)
	assert.Greater(t, p.Pid(), 0)

	exited, _, _ := p.Exited()
	assert.False(t, exited)

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "started")
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, p.Stop(2*time.Second))

	exited, _, stopped := p.Exited()
	assert.True(t, exited)
	assert.True(t, stopped)
}

func TestStart_ExitsOnItsOwn(t *testing.T) {
	p, err := Start(Command{Name: "sh", Args: []string{"-c", "exit 7"}})
	require.NoError(t, err)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	exited, code, stopped := p.Exited()
	assert.True(t, exited)
	assert.Equal(t, 7, code)
	assert.False(t, stopped)
	assert.NoError(t, p.Stop(time.Second))
}

func TestStart_IgnoresTermGetsKilled(t *testing.T) {
	p, err := Start(Command{Name: "sh", Args: []string{"-c", "trap '' TERM; sleep 30"}})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	start := time.Now()
	require.NoError(t, p.Stop(200*time.Millisecond))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRun_LeftoverChildHoldingOutput(t *testing.T) {
	var out bytes.Buffer
	start := time.Now()
	res, err := Run(context.Background(), sh("sleep 30 & echo started", &out))
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, out.String(), "started")
	assert.Less(t, time.Since(start), DefaultKillGrace)

	require.Greater(t, res.Group, 0)
	assert.True(t, groupAlive(res.Group))

	require.NoError(t, StopGroup(res.Group, time.Second))
	assert.Eventually(t, func() bool { return !groupAlive(res.Group) }, 5*time.Second, 20*time.Millisecond)
}

func TestRun_LeftoverChildKeepsExitCode(t *testing.T) {
	res, err := Run(context.Background(), sh("sleep 30 & exit 3", nil))
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	require.NoError(t, StopGroup(res.Group, time.Second))
}

func TestRun_NoLeftoverGroup(t *testing.T) {
	res, err := Run(context.Background(), sh("echo done", nil))
	require.NoError(t, err)
	assert.Zero(t, res.Group)
	assert.NoError(t, StopGroup(res.Group, time.Second))
}
