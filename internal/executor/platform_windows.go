//go:build windows

package executor

import (
	"errors"
	"os"
	"os/exec"
)

func setupProcessGroup(_ *exec.Cmd) {}

// signalGroup kills the process; Windows has no SIGTERM for console children.
func signalGroup(cmd *exec.Cmd, _ bool) error {
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Windows children are not tracked by group, so there is never one to stop.
func groupAlive(_ int) bool { return false }

func killGroup(_ int, _ bool) error { return nil }
