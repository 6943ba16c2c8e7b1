package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"
)

// ErrAlreadyRunning is returned when another daemon serves the same path.
var ErrAlreadyRunning = errors.New("another daemon instance is already running")

// Instance is the per mount point lock and pid file of a running daemon.
type Instance struct {
	lock    *flock.Flock
	pidFile string
}

// AcquireInstance takes the exclusive lock at lockPath. pidFile may be
// empty.
func AcquireInstance(lockPath, pidFile string) (*Instance, error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", lockPath, ErrAlreadyRunning)
	}
	return &Instance{lock: lock, pidFile: pidFile}, nil
}

// WritePid records the current process id in the pid file.
func (i *Instance) WritePid() error {
	if i.pidFile == "" {
		return nil
	}
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(i.pidFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write pid file %s: %w", i.pidFile, err)
	}
	return nil
}

// Release removes the pid file and drops the lock.
func (i *Instance) Release() {
	if i.pidFile != "" {
		os.Remove(i.pidFile)
	}
	i.lock.Unlock()
}
