package util

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// StartBackgroundProcess starts executable without waiting for it. extra
// files are inherited from descriptor 3 on. With detach the process gets a
// session of its own and keeps running after the parent exits.
func StartBackgroundProcess(executable string, args, env []string, extra []*os.File, detach bool) (*os.Process, error) {
	cmd := exec.Command(executable, args...)
	if env != nil {
		cmd.Env = env
	} else {
		cmd.Env = os.Environ()
	}
	cmd.ExtraFiles = extra
	if detach {
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Setsid: true, // Create new session (detach from terminal)
		}
	} else {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	return cmd.Process, nil
}

// IsProcessRunning checks if a process with the given PID is running.
// A process owned by another user still counts as running.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// WaitForExit polls pid every interval, at most tries times, until it is
// gone. Returns false if the process is still alive afterwards.
func WaitForExit(pid int, tries int, interval time.Duration) bool {
	return WaitFixed(tries, interval, func() bool {
		return !IsProcessRunning(pid)
	})
}
