package daemon

import "fmt"

// State is the daemon's position in its lifecycle. The same values are
// the transition codes passed to the daemon loop.
type State int

const (
	StateInvalid State = iota
	StateInit
	StateReady
	StatePrune
	StateExpire
	StateReadMap
	StateShutdownPending
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StateInit:
		return "init"
	case StateReady:
		return "ready"
	case StatePrune:
		return "prune"
	case StateExpire:
		return "expire"
	case StateReadMap:
		return "readmap"
	case StateShutdownPending:
		return "shutdown-pending"
	case StateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// shuttingDown reports whether new mounts are refused.
func (s State) shuttingDown() bool {
	return s == StateShutdownPending || s == StateShutdown
}

// expireResult classifies an expire run.
type expireResult int

const (
	expireError expireResult = iota
	expireStarted
	expireDone
	expirePartial
)

func (r expireResult) String() string {
	switch r {
	case expireError:
		return outcomeError
	case expireStarted:
		return outcomeStarted
	case expireDone:
		return outcomeDone
	case expirePartial:
		return outcomePartial
	}
	return "unknown"
}
