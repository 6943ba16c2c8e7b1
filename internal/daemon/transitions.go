package daemon

import (
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"automount/internal/cache"
	"automount/internal/kernel"
	"automount/internal/module"
)

func (d *Daemon) stReady() {
	d.state = StateReady
}

// stPrune expires everything not in use at once and passes the request
// on to child daemons.
func (d *Daemon) stPrune() {
	if d.isLeader() {
		d.signalChildren(unix.SIGUSR1)
	}
	switch d.expireProc(true) {
	case expireDone:
		if d.submount {
			d.stPrepareShutdown()
		}
	case expireStarted:
		d.state = StatePrune
	}
}

func (d *Daemon) stExpire() {
	res := d.expireProc(false)
	switch res {
	case expireDone:
		if d.submount {
			d.stPrepareShutdown()
			return
		}
		d.arm(d.runFreq)
	case expireError, expirePartial:
		d.arm(d.runFreq)
	case expireStarted:
		d.state = StateExpire
	}
}

// stPrepareShutdown starts an immediate expire of everything. The daemon
// shuts down once it has finished and the kernel agrees.
func (d *Daemon) stPrepareShutdown() {
	d.arm(0)
	log.WithField("path", d.cfg.Path).Info("prep_shutdown")
	d.state = StateShutdownPending

	if d.isLeader() {
		d.signalChildren(unix.SIGUSR2)
	}

	switch d.expireProc(true) {
	case expireError, expirePartial:
		// could not clear everything; back to work
		d.arm(d.runFreq)
		d.stReady()
	case expireDone:
		d.state = StateShutdown
	}
}

// stReadMap reloads the map. It returns false when the map can no longer
// be read.
func (d *Daemon) stReadMap() bool {
	d.state = StateReadMap
	status := d.lookup.Ghost(d.ctx, d.cfg.Path, d.ghost, time.Now())
	d.state = StateReady
	if status.Has(cache.StatusFail) {
		log.WithField("path", d.cfg.Path).Error("failed to read map")
		return false
	}
	return true
}

// expireProc runs one expire pass. With protocol 4 the pass runs in a
// worker and the result arrives when it exits.
func (d *Daemon) expireProc(now bool) expireResult {
	res := d.runExpire(now)
	d.metrics.expireRun(res.String())
	log.WithFields(log.Fields{"now": now, "result": res}).Debug("expire_proc")
	return res
}

func (d *Daemon) runExpire(now bool) expireResult {
	if !d.ver.ExpireMulti() {
		if now {
			d.tree().umountAll(d.ctx, false)
		} else {
			for {
				pkt, ok, err := d.kernel.ExpireLegacy()
				if err != nil || !ok {
					break
				}
				d.spawn(WorkerUmount, pkt.Name, 0, nil)
			}
		}
		if d.tree().countMounts(d.cfg.Path) != 0 {
			return expirePartial
		}
		return expireDone
	}

	flags := 0
	if now {
		flags |= kernel.ExpireImmediate
	}
	if d.ver.Minor > 1 && d.direct {
		flags |= kernel.ExpireLeaves
	}
	spec := d.workerSpec(WorkerExpire, "")
	spec.ExpireFlags = flags

	proc, err := d.launch(spec, []*os.File{d.kernel.ControlFile()})
	if err != nil {
		log.WithError(err).Error("expire: fork failed")
		return expireError
	}
	d.expirePid = proc.Pid()
	return expireStarted
}

// handleChild accounts for an exited worker and moves the state machine
// on when it was the expire worker.
func (d *Daemon) handleChild(ex childExit) {
	d.outstanding--
	if ex.pid == d.expirePid && d.expirePid != 0 {
		d.expirePid = 0
		d.expireFinished(ex.status.Success())
		return
	}

	op, ok := d.pending.take(ex.pid)
	d.metrics.setPending(d.pending.len())
	if !ok {
		log.WithField("pid", ex.pid).Debug("exit of unknown worker")
		return
	}
	logger := log.WithFields(log.Fields{"pid": ex.pid, "name": op.name, "id": op.id, "kind": op.kind})
	ok = ex.status.Success()
	logger.WithField("status", ex.status).Debug("worker finished")
	if op.kind == WorkerMount {
		if ok {
			d.metrics.missingRequest(outcomeMounted)
		} else {
			d.metrics.missingRequest(outcomeFailed)
		}
	}
	d.acknowledge(op.token, ok, logger)
}

func (d *Daemon) expireFinished(success bool) {
	switch d.state {
	case StateExpire:
		d.arm(d.runFreq)
		fallthrough
	case StatePrune:
		if d.submount && success {
			d.stPrepareShutdown()
			return
		}
		d.stReady()
	case StateReady:
		d.stReady()
	case StateShutdownPending:
		if success {
			idle, err := d.kernel.AskUmount()
			if err != nil || idle {
				d.state = StateShutdown
				return
			}
		}
		log.Warnf("can't shutdown: filesystem %s still busy", d.cfg.Path)
		d.arm(d.runFreq)
		d.stReady()
	}
}

// workerSpec describes a worker job with the daemon's current settings.
func (d *Daemon) workerSpec(kind WorkerKind, name string) *WorkerSpec {
	spec := &WorkerSpec{
		Options:      d.cfg.Options,
		Kind:         kind,
		Name:         name,
		Direct:       d.direct,
		ShuttingDown: d.state.shuttingDown(),
		Dev:          d.dev,
		Proto:        d.ver,
		RunFreq:      d.runFreq,
	}
	spec.Ghost = d.ghost
	spec.Timeout = d.timeout
	spec.Submount = d.submount
	if s, ok := d.lookup.(module.Stamper); ok {
		spec.MapStamp, spec.MapRead = s.MapStamp()
	}
	return spec
}

// launch starts a worker and arranges for its exit to reach the loop.
func (d *Daemon) launch(spec *WorkerSpec, extra []*os.File) (Process, error) {
	proc, err := d.launcher.Launch(spec, extra)
	if err != nil {
		return nil, err
	}
	d.outstanding++
	d.metrics.workerSpawned(spec.Kind)
	go func() {
		d.exits <- childExit{pid: proc.Pid(), status: proc.Wait()}
	}()
	return proc, nil
}

// spawn starts a mount or umount worker and records it as pending.
func (d *Daemon) spawn(kind WorkerKind, name string, token uint32, logger *log.Entry) error {
	proc, err := d.launch(d.workerSpec(kind, name), nil)
	if err != nil {
		return err
	}
	id := d.pending.add(proc.Pid(), token, kind, name)
	d.metrics.setPending(d.pending.len())
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	logger.WithFields(log.Fields{"pid": proc.Pid(), "id": id, "kind": kind}).Debug("worker started")
	return nil
}
