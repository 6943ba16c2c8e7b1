// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lock implements the cross-process lock that serializes edits of
// the system mount table between cooperating automount processes.
//
// The lock is a well-known file holding the owner's pid followed by a
// newline. Ownership is taken by hard-linking a private file onto the lock
// path: link(2) either creates the name or fails with EEXIST, so exactly one
// contender wins. A lock whose owner no longer exists is removed and the
// acquisition retried.
package lock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"automount/internal/util"
)

// DefaultPath is the lock file shared by all automount processes.
const DefaultPath = "/var/lock/autofs"

const (
	defaultWaitTries    = 300
	defaultWaitInterval = 100 * time.Millisecond
	ownerReadTries      = 3
	ownerReadInterval   = 100 * time.Millisecond
)

var (
	// ErrTimeout is returned when the owner held the lock for the whole wait.
	ErrTimeout = errors.New("timed out waiting for lock")
	// ErrInterrupted is returned when a termination signal arrived while waiting.
	ErrInterrupted = errors.New("lock wait interrupted")
	// ErrHeld is returned on nested acquisition.
	ErrHeld = errors.New("lock already held by this process")
)

// Lock is the process-level lock state. One Lock per process is expected;
// nested acquisition is refused.
type Lock struct {
	path         string
	waitTries    int
	waitInterval time.Duration

	mu    sync.Mutex
	owned bool
	stop  context.CancelFunc // restores signal handling installed by Acquire
}

// Option configures a Lock.
type Option func(*Lock)

// WithWait bounds how long Acquire waits for a live owner to let go.
func WithWait(tries int, interval time.Duration) Option {
	return func(l *Lock) {
		l.waitTries = tries
		l.waitInterval = interval
	}
}

// New returns a lock on path. An empty path selects DefaultPath.
func New(path string, opts ...Option) *Lock {
	if path == "" {
		path = DefaultPath
	}
	l := &Lock{
		path:         path,
		waitTries:    defaultWaitTries,
		waitInterval: defaultWaitInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Owned reports whether this process holds the lock.
func (l *Lock) Owned() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owned
}

// Acquire takes the lock, waiting for a live owner to release it.
// SIGTERM, SIGINT and SIGQUIT abort the wait with ErrInterrupted and are
// held off until Release while the lock is owned.
func (l *Lock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.owned {
		return ErrHeld
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	if err := l.acquire(sigCtx); err != nil {
		stop()
		if errors.Is(err, context.Canceled) {
			return ErrInterrupted
		}
		return err
	}

	l.owned = true
	l.stop = stop
	return nil
}

func (l *Lock) acquire(ctx context.Context) error {
	pid := os.Getpid()
	linkPath := fmt.Sprintf("%s.%d.%s", l.path, pid, uuid.NewString()[:8])

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		f, err := os.OpenFile(linkPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("create link file %s: %w", linkPath, err)
		}
		f.Close()

		linkErr := os.Link(linkPath, l.path)
		os.Remove(linkPath)

		if linkErr == nil {
			if err := os.WriteFile(l.path, []byte(strconv.Itoa(pid)+"\n"), 0600); err != nil {
				os.Remove(l.path)
				return fmt.Errorf("write lock file: %w", err)
			}
			log.WithField("lock", l.path).Debug("lock: acquired")
			return nil
		}
		if !errors.Is(linkErr, fs.ErrExist) {
			return fmt.Errorf("link lock file: %w", linkErr)
		}

		if owner, alive := l.owner(ctx); !alive {
			log.WithFields(log.Fields{"lock": l.path, "owner": owner}).Info("lock: removing stale lock")
			if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("remove stale lock: %w", err)
			}
			continue
		}

		if err := l.waitForRelease(ctx); err != nil {
			return err
		}
	}
}

// owner reads the owning pid and probes it. The file may be mid-write, so
// a pid without its trailing newline is read again a few times before the
// lock is declared stale.
func (l *Lock) owner(ctx context.Context) (int, bool) {
	for i := range ownerReadTries {
		data, err := os.ReadFile(l.path)
		if errors.Is(err, fs.ErrNotExist) {
			return 0, false
		}
		if err == nil && bytes.HasSuffix(data, []byte("\n")) {
			pid, err := strconv.Atoi(string(bytes.TrimSpace(data)))
			if err != nil || pid <= 0 {
				return 0, false
			}
			return pid, util.IsProcessRunning(pid)
		}
		if i < ownerReadTries-1 {
			select {
			case <-ctx.Done():
				// let the caller observe the cancellation
				return 0, true
			case <-time.After(ownerReadInterval):
			}
		}
	}
	return 0, false
}

func (l *Lock) waitForRelease(ctx context.Context) error {
	cfg := util.PollConfig{Tries: l.waitTries, Interval: l.waitInterval}
	err := util.Poll(ctx, cfg, func() bool {
		_, err := os.Lstat(l.path)
		return errors.Is(err, fs.ErrNotExist)
	})
	if errors.Is(err, util.ErrPollExhausted) {
		return fmt.Errorf("%s: %w", l.path, ErrTimeout)
	}
	return err
}

// Release gives up the lock and removes the lock file.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.owned {
		return nil
	}
	l.owned = false
	if l.stop != nil {
		l.stop()
		l.stop = nil
	}

	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	log.WithField("lock", l.path).Debug("lock: released")
	return nil
}
