// Package spawn runs external programs (mount, umount, program maps) to
// completion, funnelling their output into the log and classifying the
// outcome.
package spawn

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// ErrRetryable marks a failure whose output matched one of the transient
// server or client overload signatures.
var ErrRetryable = errors.New("retryable mount error")

// ErrFailed is wrapped by Result.Err for any other unsuccessful run.
var ErrFailed = errors.New("program failed")

// retryableErrors are matched as substrings of the program output.
var retryableErrors = []string{
	"RPC: Remote system error - Connection refused",
	"RPC: Timed out",
	"RPC: Remote system error - Connection timed out",
	"Input/output error",
	"can't read superblock",
	"nfs bindresvport: Address already in use",
	"mount system call failed",
	"server is down",
}

// IsRetryableOutput reports the retryable signature contained in line, if any.
func IsRetryableOutput(line string) (string, bool) {
	for _, sig := range retryableErrors {
		if strings.Contains(line, sig) {
			return sig, true
		}
	}
	return "", false
}

// Result is the outcome of one program run.
type Result struct {
	Prog      string
	ExitCode  int // -1 when terminated by a signal
	Signaled  bool
	Signal    syscall.Signal
	Retryable bool
	Output    []string
}

// Success reports a normal exit with status zero.
func (r Result) Success() bool {
	return !r.Signaled && r.ExitCode == 0
}

// Err converts an unsuccessful result into an error. Retryable failures
// wrap ErrRetryable, all others wrap ErrFailed.
func (r Result) Err() error {
	if r.Success() {
		return nil
	}
	kind := ErrFailed
	if r.Retryable {
		kind = ErrRetryable
	}
	if r.Signaled {
		return fmt.Errorf("%s killed by signal %v: %w", r.Prog, r.Signal, kind)
	}
	return fmt.Errorf("%s exited with status %d: %w", r.Prog, r.ExitCode, kind)
}

// Locker serializes mount table edits across processes.
type Locker interface {
	Acquire(ctx context.Context) error
	Release() error
}

// Spawner runs programs. The zero value runs without a lock.
type Spawner struct {
	lock Locker
	env  []string
}

// New returns a Spawner that takes lock around RunLocked calls.
func New(lock Locker) *Spawner {
	return &Spawner{lock: lock}
}

// WithEnv returns a copy of s whose programs run with env instead of the
// daemon environment.
func (s *Spawner) WithEnv(env []string) *Spawner {
	c := *s
	c.env = env
	return &c
}

// Run executes prog with args and waits for it. Each output line is logged
// at level. The error is non-nil only when the program could not be started
// or ctx ended first, in which case the program is killed; an unsuccessful
// exit is reported through the Result.
func (s *Spawner) Run(ctx context.Context, level log.Level, prog string, args ...string) (Result, error) {
	return s.run(ctx, level, prog, args)
}

// RunLocked is Run with the process lock held for the duration of the call.
func (s *Spawner) RunLocked(ctx context.Context, level log.Level, prog string, args ...string) (Result, error) {
	if s.lock == nil {
		return s.run(ctx, level, prog, args)
	}
	if err := s.lock.Acquire(ctx); err != nil {
		return Result{Prog: prog, ExitCode: -1}, fmt.Errorf("lock for %s: %w", prog, err)
	}
	defer func() {
		if err := s.lock.Release(); err != nil {
			log.WithError(err).Warn("spawn: release lock")
		}
	}()
	return s.run(ctx, level, prog, args)
}

func (s *Spawner) run(ctx context.Context, level log.Level, prog string, args []string) (Result, error) {
	res := Result{Prog: prog}

	pr, pw, err := os.Pipe()
	if err != nil {
		return res, fmt.Errorf("pipe for %s: %w", prog, err)
	}

	cmd := exec.CommandContext(ctx, prog, args...)
	cmd.Stdout = pw
	cmd.Stderr = pw
	if s.env != nil {
		cmd.Env = s.env
	}

	log.WithField("args", args).Debugf("spawn: %s", prog)

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return res, fmt.Errorf("start %s: %w", prog, err)
	}
	pw.Close()

	// a killed program's own children may still hold the pipe open
	stop := context.AfterFunc(ctx, func() { pr.Close() })
	res.Output, res.Retryable = drain(pr, level)
	stop()
	pr.Close()

	if err := s.decodeWait(&res, cmd.Wait()); err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("%s: %w", prog, err)
	}

	if res.Retryable {
		log.WithField("prog", prog).Debug("spawn: output carries a retryable error")
	}
	return res, nil
}

// Output runs prog and returns its standard output. Standard error is
// logged line by line at error level and kept in Result.Output.
func (s *Spawner) Output(ctx context.Context, prog string, args ...string) ([]byte, Result, error) {
	res := Result{Prog: prog}

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, prog, args...)
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, res, fmt.Errorf("pipe for %s: %w", prog, err)
	}
	if s.env != nil {
		cmd.Env = s.env
	}

	if err := cmd.Start(); err != nil {
		return nil, res, fmt.Errorf("start %s: %w", prog, err)
	}
	res.Output, res.Retryable = drain(stderr, log.ErrorLevel)

	if err := s.decodeWait(&res, cmd.Wait()); err != nil {
		return stdout.Bytes(), res, err
	}
	return stdout.Bytes(), res, nil
}

func (s *Spawner) decodeWait(res *Result, err error) error {
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.Signaled = true
			res.Signal = ws.Signal()
			res.ExitCode = -1
		} else {
			res.ExitCode = exitErr.ExitCode()
		}
	default:
		res.ExitCode = -1
		return fmt.Errorf("wait %s: %w", res.Prog, err)
	}
	return nil
}

// drain logs every non-empty line read from r and reports whether any line
// carried a retryable signature.
func drain(r io.Reader, level log.Level) ([]string, bool) {
	var (
		lines     []string
		retryable bool
	)
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			lines = append(lines, line)
			log.StandardLogger().Logf(level, ">> %s", line)
			if _, ok := IsRetryableOutput(line); ok {
				retryable = true
			}
		}
		if err != nil {
			return lines, retryable
		}
	}
}
