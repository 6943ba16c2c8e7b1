package module

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"automount/internal/common"
)

var (
	bindOnce  sync.Once
	bindWorks bool
)

// probeBind checks once per process whether the kernel can bind mount, by
// binding one scratch directory onto another.
var probeBind = func(ctx context.Context, env *Env) bool {
	t1, err := os.MkdirTemp("", "automount-bind")
	if err != nil {
		return false
	}
	defer os.Remove(t1)
	t2, err := os.MkdirTemp("", "automount-bind")
	if err != nil {
		return false
	}
	defer os.Remove(t2)

	res, err := env.Runner.Run(ctx, log.DebugLevel, env.MountProg, "-n", "--bind", t1, t2)
	if err != nil || !res.Success() {
		return false
	}

	ok := false
	s1, err1 := os.Stat(t1)
	s2, err2 := os.Stat(t2)
	if err1 == nil && err2 == nil {
		ok = os.SameFile(s1, s2)
	}
	env.Runner.Run(ctx, log.DebugLevel, env.UmountProg, "-n", t2)
	return ok
}

// bindMounter makes a local directory appear at the mount point, with a bind
// mount where the kernel has them and a symlink otherwise.
type bindMounter struct {
	env  *Env
	bind bool
}

func newBindMounter(env *Env) (Mounter, error) {
	bindOnce.Do(func() {
		bindWorks = probeBind(context.Background(), env)
		log.Debugf("mount(bind): bind_works = %v", bindWorks)
	})
	return &bindMounter{env: env, bind: bindWorks}, nil
}

func (m *bindMounter) Mount(ctx context.Context, root, name, what, fstype, options string) error {
	fullpath, err := common.CatPath(root, name)
	if err != nil {
		return fmt.Errorf("mount(bind): %w", err)
	}

	if !m.bind {
		return m.symlink(root, fullpath, what)
	}

	log.Debugf("mount(bind): calling mkdir_path %s", fullpath)
	created, err := common.MkdirPath(fullpath, 0o555)
	if err != nil {
		return fmt.Errorf("mount(bind): mkdir_path %s: %w", fullpath, err)
	}

	if m.env.isMounted(fullpath) {
		log.Errorf("mount(bind): %s is already mounted", fullpath)
		return nil
	}

	args := []string{"--bind"}
	if options != "" {
		args = append(args, m.env.sloppyArgs()...)
		args = append(args, "-o", options)
	}
	args = append(args, what, fullpath)

	log.Debugf("mount(bind): calling mount --bind -o %s %s %s", options, what, fullpath)
	res, err := m.env.Runner.RunLocked(ctx, log.ErrorLevel, m.env.MountProg, args...)
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		if (!m.env.Ghost && name != "") || created {
			common.RmdirPath(fullpath)
		}
		return fmt.Errorf("bind %s on %s: %w", what, fullpath, common.ErrMountFailed)
	}

	log.Debugf("mount(bind): mounted %s type %s on %s", what, fstype, fullpath)
	return nil
}

func (m *bindMounter) symlink(root, fullpath, what string) error {
	if _, err := common.MkdirPath(filepath.Dir(fullpath), 0o555); err != nil {
		return fmt.Errorf("mount(bind): mkdir_path %s: %w", filepath.Dir(fullpath), err)
	}
	// a ghost directory may stand where the link goes
	if st, err := os.Lstat(fullpath); err == nil && st.IsDir() {
		os.Remove(fullpath)
	}
	if err := os.Symlink(what, fullpath); err != nil {
		if dir := filepath.Dir(fullpath); dir != filepath.Clean(root) {
			common.RmdirPath(dir)
		}
		return fmt.Errorf("symlink %s -> %s: %w", fullpath, what, common.ErrMountFailed)
	}
	log.Debugf("mount(bind): symlinked %s -> %s", fullpath, what)
	return nil
}

func (m *bindMounter) Done() error { return nil }
