package daemon

import (
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"automount/internal/mounts"
	"automount/internal/util"
)

// childWait bounds how long a shutdown signal waits for each child.
var childWait = struct {
	tries    int
	interval time.Duration
}{30, 100 * time.Millisecond}

// children returns the daemons in our process group serving autofs
// mounts, deepest mount first.
func children(list func(string, bool) ([]mounts.Entry, error)) ([]mounts.Entry, error) {
	all, err := list("/", false)
	if err != nil {
		return nil, err
	}
	pgrp := unix.Getpgrp()
	var out []mounts.Entry
	for _, e := range all {
		if e.Pid == 0 || e.Pid == pgrp || e.Pid == unix.Getpid() {
			continue
		}
		if !strings.HasPrefix(e.FSType, mounts.AutofsType) {
			continue
		}
		if pgid, err := unix.Getpgid(e.Pid); err != nil || pgid != pgrp {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// signalChildren passes sig to every child daemon, deepest first. For
// anything but a prune it waits for each child to exit.
func signalChildren(sig unix.Signal, list func(string, bool) ([]mounts.Entry, error)) error {
	kids, err := children(list)
	if err != nil {
		log.WithError(err).Warn("signal_children: no mounts found")
		return err
	}
	log.Infof("signal_children: send %v to process group %d", sig, unix.Getpgrp())

	for _, kid := range kids {
		if err := unix.Kill(kid.Pid, unix.SIGCONT); errors.Is(err, unix.ESRCH) {
			continue
		}
		log.WithFields(log.Fields{"path": kid.Path, "pid": kid.Pid}).Debug("signal_children: signal")
		if err := unix.Kill(kid.Pid, sig); err != nil {
			return fmt.Errorf("signal %d: %w", kid.Pid, err)
		}
		if sig == unix.SIGUSR1 || sig == unix.SIGHUP {
			continue
		}
		if !util.WaitForExit(kid.Pid, childWait.tries, childWait.interval) {
			log.WithField("pid", kid.Pid).Warn("signal_children: did not exit - giving up")
			return fmt.Errorf("child %d did not exit", kid.Pid)
		}
	}
	return nil
}
