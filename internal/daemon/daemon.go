// Package daemon serves one autofs mount point: it answers the kernel's
// missing and expire requests with worker processes, runs the expire and
// shutdown state machine, and tears the mount down on exit.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"automount/internal/cache"
	"automount/internal/kernel"
	"automount/internal/module"
	"automount/internal/mounts"
	"automount/internal/util"
)

// ErrMapLoad is returned when the map cannot be loaded at startup.
var ErrMapLoad = errors.New("failed to load map")

// ErrBadMapFormat is returned when the map type does not fit the path.
var ErrBadMapFormat = errors.New("bad map format")

// Kernel is the autofs channel as the daemon uses it.
type Kernel interface {
	ReadPacket() (kernel.Packet, error)
	SetTimeout(seconds int) error
	Ready(token uint32) error
	Fail(token uint32) error
	AskUmount() (bool, error)
	ExpireLegacy() (kernel.Packet, bool, error)
	Version() kernel.Version
	Dev() uint64
	ControlFile() *os.File
	Teardown(ctx context.Context, u kernel.Umounter, umountProg string) error
}

// establishChannel mounts the autofs filesystem. created reports whether
// the mount point directory was made for it.
func establishChannel(path string) (k Kernel, created bool, err error) {
	ch, err := kernel.Establish(path)
	if err != nil {
		return nil, false, err
	}
	return ch, ch.DirCreated, nil
}

// Config is everything the daemon needs beyond the map itself.
type Config struct {
	Options

	// InstanceLock is the flock file for this mount point; empty skips it.
	InstanceLock string
	PidFile      string

	IgnorePatterns []string
	MetricsAddr    string
}

type childExit struct {
	pid    int
	status ExitStatus
}

type packetResult struct {
	pkt kernel.Packet
	err error
}

// Daemon is the context of one managed mount point. Everything in it is
// owned by the goroutine running the daemon loop.
type Daemon struct {
	cfg    Config
	env    *module.Env
	lookup module.Lookup
	runner module.Runner

	establish      func(path string) (Kernel, bool, error)
	launcher       Launcher
	listMounts     func(path string, include bool) ([]mounts.Entry, error)
	signalChildren func(sig unix.Signal) error
	isLeader       func() bool
	notify         func(out chan<- State) (stop func())

	ctx        context.Context
	kernel     Kernel
	dirCreated bool
	ver        kernel.Version
	dev        uint64
	direct     bool
	ghost      bool
	submount   bool
	timeout    int
	runFreq    time.Duration

	state       State
	pending     *pendingPool
	expirePid   int
	outstanding int
	deferred    []State
	readFailed  bool

	signals chan State
	exits   chan childExit
	packets chan packetResult
	done    chan struct{}
	alarm   *time.Timer
	armed   time.Duration

	filter  *NameFilter
	metrics *Metrics
}

// New creates a daemon for the mount point in cfg. env is the module
// environment lookup was opened with; the daemon keeps it in step with
// the negotiated protocol.
func New(cfg Config, env *module.Env, lookup module.Lookup, runner module.Runner) *Daemon {
	alarm := time.NewTimer(time.Hour)
	alarm.Stop()

	d := &Daemon{
		cfg:        cfg,
		ctx:        context.Background(),
		env:        env,
		lookup:     lookup,
		runner:     runner,
		establish:  establishChannel,
		launcher:   &execLauncher{self: cfg.Self},
		listMounts: mounts.List,
		isLeader:   func() bool { return os.Getpid() == unix.Getpgrp() },
		notify:     notifySignals,

		ghost:    cfg.Ghost,
		submount: cfg.Submount,
		timeout:  cfg.Timeout,

		state:   StateInit,
		pending: newPendingPool(),
		signals: make(chan State, 8),
		exits:   make(chan childExit),
		packets: make(chan packetResult, 1),
		done:    make(chan struct{}),
		alarm:   alarm,

		filter:  BuildNameFilter(cfg.IgnorePatterns),
		metrics: NewMetrics(cfg.Path),
	}
	d.signalChildren = func(sig unix.Signal) error {
		return signalChildren(sig, d.listMounts)
	}
	return d
}

// State returns the current state.
func (d *Daemon) State() State { return d.state }

// Run serves the mount point until it is shut down. A returned error is
// a setup failure; steady state problems are logged and survived.
func (d *Daemon) Run(ctx context.Context) error {
	// mount work outlives a cancelled run so teardown can finish
	d.ctx = context.WithoutCancel(ctx)
	if d.cfg.InstanceLock != "" {
		inst, err := AcquireInstance(d.cfg.InstanceLock, d.cfg.PidFile)
		if err != nil {
			return err
		}
		defer inst.Release()
		if err := inst.WritePid(); err != nil {
			log.WithError(err).Warn("pid file")
		}
	}
	defer d.cleanup()

	if d.cfg.MetricsAddr != "" {
		d.metrics.Start(d.cfg.MetricsAddr)
		defer d.metrics.Stop(context.Background())
	}

	stop := d.notify(d.signals)
	defer stop()

	if err := d.setup(ctx); err != nil {
		return err
	}
	if err := util.SignalReady(module.ReadyFDEnv); err != nil {
		log.WithError(err).Warn("signal readiness")
	}

	go d.readPackets()
	d.loop(ctx)
	close(d.done)

	log.WithField("path", d.cfg.Path).Debug("shutting down")
	d.reapAll()
	if err := d.umountAutofs(context.Background(), true); err != nil {
		log.WithError(err).WithField("path", d.cfg.Path).Error("can't unmount")
	}
	log.WithField("path", d.cfg.Path).Info("shut down")
	return nil
}

func (d *Daemon) setup(ctx context.Context) error {
	path := d.cfg.Path
	k, created, err := d.establish(path)
	if err != nil {
		log.WithError(err).Errorf("%s: mount failed!", path)
		return err
	}
	d.kernel = k
	d.dirCreated = created
	d.dev = k.Dev()
	d.ver = k.Version()

	if d.ver.Major >= 3 && !d.ver.SubVersion && d.ghost {
		d.ghost = false
		log.Info("kernel does not support ghosting, disabled")
	}
	log.Infof("using kernel protocol version %d.%02d", d.ver.Major, d.ver.Minor)

	if !d.ver.Timeouts() {
		d.timeout = 0
		d.runFreq = 0
		d.ghost = false
		log.Info("kernel does not support timeouts")
	} else {
		freq := (d.timeout + 3) / 4
		d.runFreq = time.Duration(freq) * time.Second
		log.Infof("using timeout %d seconds; freq %d secs", d.timeout, freq)
		if err := k.SetTimeout(d.timeout); err != nil {
			log.WithError(err).Error("set timeout")
		}
		// daemons started together should not all expire at once
		if d.timeout != 0 {
			d.arm(time.Duration(freq+os.Getpid()%freq) * time.Second)
		}
	}
	d.syncEnv()

	status := d.lookup.Ghost(ctx, path, d.ghost, time.Now())
	if status.Has(cache.StatusFail) {
		err := ErrMapLoad
		if status.Has(cache.StatusIndirect) {
			err = fmt.Errorf("%w: found indirect, expected direct", ErrBadMapFormat)
		}
		log.WithField("path", path).Errorf("%v, exiting", err)
		d.abortSetup(ctx)
		return err
	}

	if status.Has(cache.StatusDirect) {
		if topLevel(path) {
			if d.submount {
				d.submount = false
			} else {
				err := fmt.Errorf("%w: found direct, expected indirect", ErrBadMapFormat)
				log.WithField("path", path).Errorf("%v, exiting", err)
				d.abortSetup(ctx)
				return err
			}
		}
		d.direct = true
	}
	if status.Has(cache.StatusWild) {
		log.Error("cannot ghost wildcard map key")
	}
	if status.Has(cache.StatusNotSup) {
		d.ghost = false
	}
	if d.ghost {
		log.Info("ghosting enabled")
	}
	d.syncEnv()
	d.stReady()
	return nil
}

// topLevel reports whether path is a single component beneath the root.
// A direct map there is served like an ordinary mount.
func topLevel(path string) bool {
	return len(path) > 1 && !strings.Contains(path[1:], "/")
}

func (d *Daemon) abortSetup(ctx context.Context) {
	d.tree().rmUnwanted(d.cfg.Path, true, true)
	if err := d.umountAutofs(ctx, true); err != nil {
		log.WithError(err).WithField("path", d.cfg.Path).Error("can't unmount")
	}
}

// syncEnv copies the negotiated settings into the module environment.
func (d *Daemon) syncEnv() {
	if d.env == nil {
		return
	}
	d.env.Ghost = d.ghost
	d.env.Direct = d.direct
	d.env.Timeout = d.timeout
	d.env.RunFreq = d.runFreq
	d.env.Kernel = d.ver
}

func (d *Daemon) tree() *mountTree {
	return &mountTree{
		root:         d.cfg.Path,
		dev:          d.dev,
		ghost:        d.ghost,
		direct:       d.direct,
		shuttingDown: d.state.shuttingDown(),
		runner:       d.runner,
		umountProg:   d.cfg.UmountProg,
		list:         d.listMounts,
	}
}

// arm sets the expire timer; zero disarms it.
func (d *Daemon) arm(after time.Duration) {
	d.armed = max(after, 0)
	if after <= 0 {
		d.alarm.Stop()
		return
	}
	d.alarm.Reset(after)
}

func (d *Daemon) readPackets() {
	for {
		pkt, err := d.kernel.ReadPacket()
		select {
		case d.packets <- packetResult{pkt: pkt, err: err}:
		case <-d.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// loop is the single place state changes happen: transition codes from
// signals and the timer, worker exits and kernel packets are all handled
// here, one at a time.
func (d *Daemon) loop(ctx context.Context) {
	cancelled := ctx.Done()
	for d.state != StateShutdown {
		select {
		case next := <-d.signals:
			d.signalled(next)
		case <-d.alarm.C:
			d.signalled(StateExpire)
		case ex := <-d.exits:
			d.handleChild(ex)
		case r := <-d.packets:
			d.handlePacket(r)
		case <-cancelled:
			cancelled = nil
			d.signalled(StateShutdownPending)
		}
		d.runDeferred()
	}
}

// signalled handles a transition requested from outside. Outside the
// ready state it is held back until the daemon is ready again.
func (d *Daemon) signalled(next State) {
	if d.state == StateShutdown {
		return
	}
	if d.state != StateReady {
		for _, s := range d.deferred {
			if s == next {
				return
			}
		}
		d.deferred = append(d.deferred, next)
		return
	}
	d.apply(next)
}

func (d *Daemon) runDeferred() {
	for d.state == StateReady && len(d.deferred) > 0 {
		next := d.deferred[0]
		d.deferred = d.deferred[1:]
		d.apply(next)
	}
}

func (d *Daemon) apply(next State) {
	if next == d.state || next == StateInvalid {
		return
	}
	log.WithFields(log.Fields{"state": d.state, "next": next}).Debug("state transition")

	switch next {
	case StateReady:
		d.stReady()
	case StatePrune:
		d.stPrune()
	case StateExpire:
		d.stExpire()
	case StateShutdownPending:
		d.stPrepareShutdown()
	case StateShutdown:
		d.state = StateShutdown
	case StateReadMap:
		if !d.stReadMap() {
			d.stPrepareShutdown()
		}
	default:
		log.Errorf("bad next state %s", next)
	}
}

// reapAll waits for every worker still running.
func (d *Daemon) reapAll() {
	for d.outstanding > 0 {
		d.handleChild(<-d.exits)
	}
}

// umountAutofs unmounts everything beneath the mount point and then the
// autofs filesystem itself.
func (d *Daemon) umountAutofs(ctx context.Context, force bool) error {
	if d.kernel == nil {
		return errors.New("not mounted")
	}
	if d.tree().umountAll(ctx, force) != 0 && !force {
		return fmt.Errorf("%s: mounts remain", d.cfg.Path)
	}
	if err := d.kernel.Teardown(ctx, d.runner, d.cfg.UmountProg); err != nil {
		return err
	}
	if d.submount {
		d.tree().rmUnwanted(d.cfg.Path, true, true)
	}
	return nil
}

// cleanup releases the map and removes the mount point directory if the
// daemon made it.
func (d *Daemon) cleanup() {
	if d.lookup != nil {
		if err := d.lookup.Done(); err != nil {
			log.WithError(err).Debug("close lookup")
		}
	}
	path := d.cfg.Path
	if (!d.ghost || !d.submount) && !strings.HasPrefix(path, "/-") && d.dirCreated {
		if err := unix.Rmdir(path); err != nil {
			log.WithError(err).WithField("path", path).Warn("failed to remove dir")
		}
	}
}
