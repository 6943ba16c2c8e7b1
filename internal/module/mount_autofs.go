package module

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"automount/internal/common"
	"automount/internal/util"
)

// ReadyFDEnv names the inherited descriptor a submount daemon writes one
// byte to once it serves its mount point.
const ReadyFDEnv = "AUTOMOUNT_READY_FD"

// WorkerSpecEnv carries a worker's job description. It never passes on to
// a submount.
const WorkerSpecEnv = "AUTOMOUNT_WORKER_SPEC"

// autofsMounter mounts a nested map by starting another daemon on the
// mount point.
type autofsMounter struct {
	env *Env
}

func newAutofsMounter(env *Env) (Mounter, error) {
	return &autofsMounter{env: env}, nil
}

// submountArgs builds the command line of the nested daemon. what is
// "maptype:mapname"; options become further map arguments.
func submountArgs(env *Env, fullpath, what, options string, ghost bool) ([]string, error) {
	args := []string{"--submount"}
	if ghost {
		args = append(args, "--ghost")
	}
	if env.Timeout != 0 && env.Timeout != DefaultTimeout {
		args = append(args, "--timeout="+strconv.Itoa(env.Timeout))
	}
	switch {
	case env.LogLevel >= log.DebugLevel:
		args = append(args, "--debug")
	case env.LogLevel >= log.InfoLevel:
		args = append(args, "--verbose")
	}

	typ, mapname, ok := strings.Cut(what, ":")
	if !ok {
		return nil, fmt.Errorf("missing script type on %s: %w", what, common.ErrBadMapFormat)
	}
	args = append(args, fullpath, typ, mapname)

	for _, opt := range strings.Split(options, ",") {
		if opt != "" {
			args = append(args, opt)
		}
	}
	return args, nil
}

// startSubmount runs the nested daemon and waits until it reports ready
// or exits.
var startSubmount = func(ctx context.Context, self string, args []string) error {
	log.WithField("args", args).Debugf("mount(autofs): starting %s", self)
	proc, err := util.StartReady(self, args, submountEnv(os.Environ()), ReadyFDEnv, false)
	if err != nil {
		return fmt.Errorf("sub automount: %w: %w", err, common.ErrMountFailed)
	}
	log.WithField("pid", proc.Pid).Debug("mount(autofs): sub automount ready")
	// reap the child whenever it exits
	go proc.Wait()
	return nil
}

func submountEnv(environ []string) []string {
	return util.WithoutEnv(environ, ReadyFDEnv, WorkerSpecEnv)
}

func (m *autofsMounter) Mount(ctx context.Context, root, name, what, fstype, options string) error {
	fullpath, err := common.CatPath(root, name)
	if err != nil {
		return fmt.Errorf("mount(autofs): %w", err)
	}

	log.Debugf("mount(autofs): calling mkdir_path %s", fullpath)
	if _, err := common.MkdirPath(fullpath, 0o555); err != nil {
		return fmt.Errorf("mount(autofs): mkdir_path %s: %w", fullpath, err)
	}

	log.Debugf("mount(autofs): fullpath=%s what=%s options=%s", fullpath, what, options)
	if m.env.isMounted(fullpath) {
		log.Errorf("mount(autofs): warning: about to mount over %s, continuing", fullpath)
		return nil
	}

	ghost := m.env.Ghost
	if strings.Contains(options, "browse") {
		ghost = !strings.Contains(options, "nobrowse")
	}

	args, err := submountArgs(m.env, fullpath, what, options, ghost)
	if err == nil {
		err = startSubmount(ctx, m.env.Self, args)
	}
	if err != nil {
		if !m.env.Ghost {
			common.RmdirPath(fullpath)
		}
		log.WithError(err).Errorf("mount(autofs): failed to mount %s on %s", what, fullpath)
		return fmt.Errorf("submount %s on %s: %w", what, fullpath, common.ErrMountFailed)
	}

	log.Debugf("mount(autofs): mounted %s on %s", what, fullpath)
	return nil
}

func (m *autofsMounter) Done() error { return nil }
