package daemon

import (
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// readySignals are acted on only in the ready state; arriving in any other
// state they wait until the daemon is ready again.
var readySignals = map[os.Signal]State{
	syscall.SIGTERM: StateShutdownPending,
	syscall.SIGUSR2: StateShutdownPending,
	syscall.SIGUSR1: StatePrune,
	syscall.SIGALRM: StateExpire,
	syscall.SIGHUP:  StateReadMap,
}

// oneShotSignals request a shutdown the first time; a second delivery gets
// the default disposition so a wedged daemon can still be killed.
var oneShotSignals = []os.Signal{
	syscall.SIGINT,
	syscall.SIGIO,
	syscall.SIGXCPU,
	syscall.SIGXFSZ,
}

var ignoredSignals = []os.Signal{
	syscall.SIGVTALRM,
	syscall.SIGWINCH,
	syscall.SIGPWR,
}

// notifySignals translates process signals into transition codes on out.
// The returned function stops delivery.
func notifySignals(out chan<- State) (stop func()) {
	ch := make(chan os.Signal, 8)
	sigs := make([]os.Signal, 0, len(readySignals)+len(oneShotSignals))
	for sig := range readySignals {
		sigs = append(sigs, sig)
	}
	sigs = append(sigs, oneShotSignals...)
	signal.Notify(ch, sigs...)
	signal.Ignore(ignoredSignals...)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-ch:
				next, ok := readySignals[sig]
				if !ok {
					signal.Reset(sig)
					next = StateShutdownPending
				}
				log.WithField("signal", sig).Debugf("signal: next state %s", next)
				select {
				case out <- next:
				case <-done:
					return
				}
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}
