package module

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"

	"automount/internal/spawn"
)

func TestMain(m *testing.M) {
	probeBind = func(ctx context.Context, env *Env) bool { return false }
	isLocalHost = func(host string) (bool, error) { return host == "localhost", nil }
	os.Exit(m.Run())
}

type call struct {
	prog   string
	args   []string
	locked bool
}

func (c call) String() string {
	return c.prog + " " + strings.Join(c.args, " ")
}

// fakeRunner records every call and answers with results in order. Once
// the results run out every call succeeds.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []call
	results []spawn.Result
	output  map[string]string
}

func (f *fakeRunner) next(prog string, args []string, locked bool) spawn.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{prog: prog, args: args, locked: locked})
	if len(f.results) == 0 {
		return spawn.Result{Prog: prog}
	}
	res := f.results[0]
	f.results = f.results[1:]
	res.Prog = prog
	return res
}

func (f *fakeRunner) Run(ctx context.Context, level log.Level, prog string, args ...string) (spawn.Result, error) {
	return f.next(prog, args, false), nil
}

func (f *fakeRunner) RunLocked(ctx context.Context, level log.Level, prog string, args ...string) (spawn.Result, error) {
	return f.next(prog, args, true), nil
}

func (f *fakeRunner) Output(ctx context.Context, prog string, args ...string) ([]byte, spawn.Result, error) {
	res := f.next(prog, args, false)
	return []byte(f.output[strings.Join(args, " ")]), res, nil
}

func (f *fakeRunner) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type mountCall struct {
	root, name, what, fstype, options string
}

// fakeMounter records mounts and fails those whose name is in fail.
type fakeMounter struct {
	mounts []mountCall
	fail   map[string]error
	done   int
}

func (f *fakeMounter) Mount(ctx context.Context, root, name, what, fstype, options string) error {
	f.mounts = append(f.mounts, mountCall{root, name, what, fstype, options})
	return f.fail[name]
}

func (f *fakeMounter) Done() error {
	f.done++
	return nil
}

type parseCall struct {
	root, name, mapent string
}

type fakeParser struct {
	mounts []parseCall
	err    error
}

func (f *fakeParser) Mount(ctx context.Context, root, name, mapent string) error {
	f.mounts = append(f.mounts, parseCall{root, name, mapent})
	return f.err
}

func (f *fakeParser) Done() error { return nil }

func testEnv(r *fakeRunner) *Env {
	return &Env{
		Timeout:    DefaultTimeout,
		MountProg:  "/bin/mount",
		UmountProg: "/bin/umount",
		Self:       "/usr/sbin/automount",
		Runner:     r,
		IsMounted:  func(string) bool { return false },
	}
}
