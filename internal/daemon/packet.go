package daemon

import (
	"errors"
	"io"

	log "github.com/sirupsen/logrus"

	"automount/internal/common"
	"automount/internal/kernel"
)

func (d *Daemon) handlePacket(r packetResult) {
	if r.err != nil {
		if d.readFailed {
			return
		}
		d.readFailed = true
		if errors.Is(r.err, io.EOF) {
			log.WithField("path", d.cfg.Path).Info("kernel pipe closed")
		} else {
			log.WithError(r.err).WithField("path", d.cfg.Path).Error("read kernel packet")
		}
		d.signalled(StateShutdownPending)
		return
	}

	pkt := r.pkt
	logger := log.WithFields(log.Fields{"type": pkt.Type, "token": pkt.Token, "name": pkt.Name})
	switch pkt.Type {
	case kernel.PacketMissing:
		d.handleMissing(pkt, logger)
	case kernel.PacketExpire:
		d.handleExpire(pkt.Name, 0, logger)
	case kernel.PacketExpireMulti:
		if err := d.handleExpire(pkt.Name, pkt.Token, logger); err != nil {
			d.acknowledge(pkt.Token, false, logger)
		}
	default:
		logger.Error("unknown packet type")
	}
}

// handleMissing answers a lookup of a name that is not there yet. Work
// that needs a mount goes to a worker; everything else is answered here.
func (d *Daemon) handleMissing(pkt kernel.Packet, logger *log.Entry) {
	fail := func(outcome string) {
		d.metrics.missingRequest(outcome)
		d.acknowledge(pkt.Token, false, logger)
	}

	if d.state.shuttingDown() {
		logger.Debug("shutting down, refusing mount")
		fail(outcomeRefused)
		return
	}
	if d.cfg.IgnoreStupidPaths && d.filter.Refuse(pkt.Name) {
		logger.Debug("ignoring name")
		fail(outcomeRefused)
		return
	}
	path, err := common.CatPath(d.cfg.Path, pkt.Name)
	if err != nil {
		logger.WithError(err).Error("path to be mounted is too long")
		fail(outcomeFailed)
		return
	}

	// the kernel asks again for a name already being mounted
	if d.pending.mounting(pkt.Name) {
		logger.Debug("mount already in progress")
		d.metrics.missingRequest(outcomeDeferred)
		d.acknowledge(pkt.Token, true, logger)
		return
	}

	st, err := lstat(path)
	if err == nil && !(isDir(&st) && uint64(st.Dev) == d.dev) {
		logger.Infof("%s is already mounted", path)
		d.metrics.missingRequest(outcomePresent)
		d.acknowledge(pkt.Token, true, logger)
		return
	}

	logger.Infof("attempting to mount entry %s", path)
	if err := d.spawn(WorkerMount, pkt.Name, pkt.Token, logger); err != nil {
		logger.WithError(err).Error("fork failed")
		fail(outcomeFailed)
	}
}

// handleExpire starts a worker to unmount name. token is zero for the
// legacy protocol, where nothing is acknowledged.
func (d *Daemon) handleExpire(name string, token uint32, logger *log.Entry) error {
	if err := d.spawn(WorkerUmount, name, token, logger); err != nil {
		logger.WithError(err).Error("can't fork umount worker")
		return err
	}
	return nil
}

// acknowledge releases whoever waits on token. Zero means nothing is
// owed.
func (d *Daemon) acknowledge(token uint32, ok bool, logger *log.Entry) {
	if token == 0 {
		return
	}
	send := d.kernel.Fail
	if ok {
		send = d.kernel.Ready
	}
	if err := send(token); err != nil {
		logger.WithError(err).WithField("ok", ok).Error("acknowledge request")
	}
}
