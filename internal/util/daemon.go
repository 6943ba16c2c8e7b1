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

package util

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrNotReady is returned when a started daemon exits before it reports
// ready.
var ErrNotReady = errors.New("daemon exited before it was ready")

// StartReady starts a daemon and blocks until it writes one byte to the
// pipe it inherits as descriptor 3, or until it exits. readyEnv names the
// environment variable that tells the daemon which descriptor to use.
//
// On success the process is left running; on failure it has been reaped.
func StartReady(executable string, args, env []string, readyEnv string, detach bool) (*os.Process, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("ready pipe: %w", err)
	}
	defer pr.Close()

	env = append(WithoutEnv(env, readyEnv), readyEnv+"=3")
	proc, err := StartBackgroundProcess(executable, args, env, []*os.File{pw}, detach)
	pw.Close()
	if err != nil {
		return nil, err
	}

	var b [1]byte
	if _, err := pr.Read(b[:]); err != nil {
		state, werr := proc.Wait()
		switch {
		case werr != nil:
			return nil, fmt.Errorf("%w: %w", ErrNotReady, werr)
		case errors.Is(err, io.EOF):
			return nil, fmt.Errorf("%w: %s", ErrNotReady, state)
		}
		return nil, fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	return proc, nil
}

// WithoutEnv returns env minus the variables named in names.
func WithoutEnv(env []string, names ...string) []string {
	out := make([]string, 0, len(env))
next:
	for _, kv := range env {
		for _, name := range names {
			if strings.HasPrefix(kv, name+"=") {
				continue next
			}
		}
		out = append(out, kv)
	}
	return out
}

// SignalReady writes the ready byte to the descriptor named by readyEnv,
// if the variable is set, and closes it.
func SignalReady(readyEnv string) error {
	v := os.Getenv(readyEnv)
	if v == "" {
		return nil
	}
	os.Unsetenv(readyEnv)

	var fd int
	if _, err := fmt.Sscanf(v, "%d", &fd); err != nil {
		return fmt.Errorf("%s=%q: %w", readyEnv, v, err)
	}
	f := os.NewFile(uintptr(fd), "ready")
	defer f.Close()
	if _, err := f.Write([]byte{1}); err != nil {
		return fmt.Errorf("signal ready: %w", err)
	}
	return nil
}
