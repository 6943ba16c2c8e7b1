package daemon

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"automount/internal/cache"
	"automount/internal/kernel"
	"automount/internal/module"
	"automount/internal/mounts"
	"automount/internal/spawn"
)

// fakeKernel stands in for the autofs channel. Packets written to
// packets are returned by ReadPacket; closing it reads as EOF.
type fakeKernel struct {
	ver     kernel.Version
	dev     uint64
	packets chan kernel.Packet

	mu        sync.Mutex
	readies   []uint32
	fails     []uint32
	timeout   int
	idle      bool
	askErr    error
	legacy    []kernel.Packet
	teardowns int
}

func newFakeKernel(ver kernel.Version, dev uint64) *fakeKernel {
	return &fakeKernel{ver: ver, dev: dev, packets: make(chan kernel.Packet, 8), idle: true}
}

func (k *fakeKernel) ReadPacket() (kernel.Packet, error) {
	pkt, ok := <-k.packets
	if !ok {
		return kernel.Packet{}, io.EOF
	}
	return pkt, nil
}

func (k *fakeKernel) SetTimeout(seconds int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.timeout = seconds
	return nil
}

func (k *fakeKernel) Ready(token uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.readies = append(k.readies, token)
	return nil
}

func (k *fakeKernel) Fail(token uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.fails = append(k.fails, token)
	return nil
}

func (k *fakeKernel) AskUmount() (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.idle, k.askErr
}

func (k *fakeKernel) ExpireLegacy() (kernel.Packet, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.legacy) == 0 {
		return kernel.Packet{}, false, nil
	}
	pkt := k.legacy[0]
	k.legacy = k.legacy[1:]
	return pkt, true, nil
}

func (k *fakeKernel) Version() kernel.Version { return k.ver }
func (k *fakeKernel) Dev() uint64             { return k.dev }
func (k *fakeKernel) ControlFile() *os.File   { return nil }

func (k *fakeKernel) Teardown(ctx context.Context, u kernel.Umounter, umountProg string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.teardowns++
	return nil
}

func (k *fakeKernel) acks() (readies, fails []uint32) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]uint32(nil), k.readies...), append([]uint32(nil), k.fails...)
}

func (k *fakeKernel) teardownCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.teardowns
}

// fakeProcess exits when finish is called.
type fakeProcess struct {
	pid  int
	exit chan ExitStatus
}

func (p *fakeProcess) Pid() int           { return p.pid }
func (p *fakeProcess) Wait() ExitStatus   { return <-p.exit }
func (p *fakeProcess) finish(code int)    { p.exit <- ExitStatus{Code: code} }
func (p *fakeProcess) kill(s unix.Signal) { p.exit <- ExitStatus{Code: -1, Signaled: true, Signal: s} }

type launch struct {
	spec  WorkerSpec
	extra int
	proc  *fakeProcess
}

// fakeLauncher records launches. Kinds in fail are refused.
type fakeLauncher struct {
	mu       sync.Mutex
	next     int
	launches []launch
	fail     map[WorkerKind]bool
}

func (l *fakeLauncher) Launch(spec *WorkerSpec, extra []*os.File) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail[spec.Kind] {
		return nil, errors.New("fork failed")
	}
	l.next++
	p := &fakeProcess{pid: 1000 + l.next, exit: make(chan ExitStatus, 1)}
	l.launches = append(l.launches, launch{spec: *spec, extra: len(extra), proc: p})
	return p, nil
}

func (l *fakeLauncher) all() []launch {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]launch(nil), l.launches...)
}

func (l *fakeLauncher) last() launch {
	all := l.all()
	if len(all) == 0 {
		return launch{}
	}
	return all[len(all)-1]
}

// fakeLookup answers Ghost with the statuses in order, repeating the last.
type fakeLookup struct {
	mu     sync.Mutex
	status []cache.Status
	ghosts int
	done   int
	// onGhost runs at the start of every load.
	onGhost func()
}

func (f *fakeLookup) Ghost(ctx context.Context, root string, ghost bool, now time.Time) cache.Status {
	if f.onGhost != nil {
		f.onGhost()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ghosts++
	if len(f.status) == 0 {
		return cache.StatusIndirect
	}
	s := f.status[0]
	if len(f.status) > 1 {
		f.status = f.status[1:]
	}
	return s
}

func (f *fakeLookup) Mount(ctx context.Context, root, name string) error { return nil }

func (f *fakeLookup) Done() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done++
	return nil
}

func (f *fakeLookup) counts() (ghosts, done int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ghosts, f.done
}

// fakeRunner succeeds at everything and records what it ran.
type fakeRunner struct {
	mu    sync.Mutex
	calls  [][]string
	locked []bool
	fail   map[string]bool
}

func (f *fakeRunner) record(prog string, args []string, locked bool) spawn.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{prog}, args...))
	f.locked = append(f.locked, locked)
	if len(args) > 0 && f.fail[args[len(args)-1]] {
		return spawn.Result{Prog: prog, ExitCode: 1}
	}
	return spawn.Result{Prog: prog}
}

func (f *fakeRunner) Run(ctx context.Context, level log.Level, prog string, args ...string) (spawn.Result, error) {
	return f.record(prog, args, false), nil
}

func (f *fakeRunner) RunLocked(ctx context.Context, level log.Level, prog string, args ...string) (spawn.Result, error) {
	return f.record(prog, args, true), nil
}

func (f *fakeRunner) Output(ctx context.Context, prog string, args ...string) ([]byte, spawn.Result, error) {
	return nil, f.record(prog, args, false), nil
}

// Locked reports, per call, whether it went through RunLocked.
func (f *fakeRunner) Locked() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.locked...)
}

func (f *fakeRunner) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.calls...)
}

type harness struct {
	d      *Daemon
	kernel *fakeKernel
	launch *fakeLauncher
	lookup *fakeLookup
	env    *module.Env
	root   string

	mu       sync.Mutex
	signaled []unix.Signal
}

func devOf(t *testing.T, path string) uint64 {
	t.Helper()
	st, err := lstat(path)
	require.NoError(t, err)
	return uint64(st.Dev)
}

// newHarness builds a daemon on a temporary directory with every
// outside dependency faked. The kernel device is the directory's own, so
// the directory looks like an empty autofs mount.
func newHarness(t *testing.T, ver kernel.Version, opts Options) *harness {
	t.Helper()
	root := t.TempDir()
	opts.Path = root
	if opts.Timeout == 0 {
		opts.Timeout = 300
	}
	opts.UmountProg = "/bin/umount"

	h := &harness{
		kernel: newFakeKernel(ver, devOf(t, root)),
		launch: &fakeLauncher{},
		lookup: &fakeLookup{},
		root:   root,
	}
	h.env = opts.ModuleEnv(&fakeRunner{})
	h.d = New(Config{Options: opts}, h.env, h.lookup, &fakeRunner{})
	h.d.establish = func(string) (Kernel, bool, error) { return h.kernel, false, nil }
	h.d.launcher = h.launch
	h.d.listMounts = func(string, bool) ([]mounts.Entry, error) { return nil, nil }
	h.d.isLeader = func() bool { return false }
	h.d.notify = func(chan<- State) func() { return func() {} }
	h.d.signalChildren = func(sig unix.Signal) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.signaled = append(h.signaled, sig)
		return nil
	}
	t.Cleanup(func() { h.d.alarm.Stop() })
	return h
}

// ready runs setup so the daemon can be driven one step at a time.
func (h *harness) ready(t *testing.T) {
	t.Helper()
	require.NoError(t, h.d.setup(context.Background()))
	require.Equal(t, StateReady, h.d.state)
}

// exit delivers a worker exit to the daemon as the loop would.
func (h *harness) exit(l launch, code int) {
	h.d.handleChild(childExit{pid: l.proc.pid, status: ExitStatus{Code: code}})
}

var (
	proto4 = kernel.Version{Major: 4, Minor: 2, SubVersion: true}
	proto3 = kernel.Version{Major: 3, Minor: 0, SubVersion: true}
)
