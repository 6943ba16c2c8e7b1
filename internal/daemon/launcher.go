package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"automount/internal/module"
	"automount/internal/util"
)

// WorkerCommand is the hidden subcommand a worker process runs.
const WorkerCommand = "worker"

// ExitStatus is how a worker process ended.
type ExitStatus struct {
	Code     int
	Signaled bool
	Signal   syscall.Signal
}

// Success reports a normal exit with status zero.
func (e ExitStatus) Success() bool { return !e.Signaled && e.Code == 0 }

// Process is a started worker.
type Process interface {
	Pid() int
	// Wait blocks until the process ends.
	Wait() ExitStatus
}

// Launcher starts worker processes. extra files are inherited from
// descriptor 3 on.
type Launcher interface {
	Launch(spec *WorkerSpec, extra []*os.File) (Process, error)
}

// execLauncher runs the daemon executable again with the worker command.
type execLauncher struct {
	self string
}

func (l *execLauncher) Launch(spec *WorkerSpec, extra []*os.File) (Process, error) {
	data, err := spec.Encode()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(l.self, WorkerCommand)
	cmd.Env = append(util.WithoutEnv(os.Environ(), module.WorkerSpecEnv, module.ReadyFDEnv),
		module.WorkerSpecEnv+"="+data)
	cmd.ExtraFiles = extra
	cmd.Stderr = os.Stderr
	cmd.Dir = "/"
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s worker: %w", spec.Kind, err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() ExitStatus {
	err := p.cmd.Wait()
	state := p.cmd.ProcessState
	if state == nil {
		return ExitStatus{Code: -1}
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return ExitStatus{Code: -1}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signaled: true, Signal: ws.Signal()}
	}
	return ExitStatus{Code: state.ExitCode()}
}
