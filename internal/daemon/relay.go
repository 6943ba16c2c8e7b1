package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"automount/internal/cache"
	"automount/internal/module"
	"automount/internal/util"
)

// relayPoll is how often a relay checks that it still has children.
var relayPoll = time.Second

// IsRelayPath reports whether path names a direct map master, which
// relays signals instead of serving a mount point itself.
func IsRelayPath(path string) bool {
	return strings.HasPrefix(path, "/-")
}

// RunRelay mounts the direct entries of the map and then only passes
// signals on to the daemons serving them. It returns once none are left.
func (d *Daemon) RunRelay(ctx context.Context) error {
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
	d.ctx = context.WithoutCancel(ctx)
	d.direct = true
	d.syncEnv()

	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, unix.SIGTERM, unix.SIGUSR1, unix.SIGUSR2, unix.SIGHUP)
	defer signal.Stop(sigs)

	if err := d.loadDirect(); err != nil {
		log.WithField("path", d.cfg.Path).Errorf("%v exiting", err)
		return err
	}
	if err := util.SignalReady(module.ReadyFDEnv); err != nil {
		log.WithError(err).Warn("signal readiness")
	}

	tick := time.NewTicker(relayPoll)
	defer tick.Stop()
	cancelled := ctx.Done()
	for {
		select {
		case sig := <-sigs:
			d.relay(sig.(unix.Signal))
		case <-cancelled:
			cancelled = nil
			d.relay(unix.SIGTERM)
		case <-tick.C:
		}
		if kids, err := children(d.listMounts); err == nil && len(kids) == 0 {
			log.WithField("path", d.cfg.Path).Info("no children left, exiting")
			return nil
		}
	}
}

func (d *Daemon) loadDirect() error {
	status := d.lookup.Ghost(d.ctx, d.cfg.Path, d.ghost, time.Now())
	switch {
	case status.Has(cache.StatusFail):
		return ErrMapLoad
	case status.Has(cache.StatusIndirect):
		return fmt.Errorf("%w: found indirect, expected direct", ErrBadMapFormat)
	}
	return nil
}

func (d *Daemon) relay(sig unix.Signal) {
	log.WithField("signal", sig).Debug("relay")
	if sig == unix.SIGHUP {
		if err := d.loadDirect(); err != nil {
			log.WithError(err).WithField("path", d.cfg.Path).Error("reload map")
		}
	}
	d.signalChildren(sig)
}
