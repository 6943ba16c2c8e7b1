package module

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"automount/internal/common"
	"automount/internal/spawn"
)

// genericMounter hands any filesystem type to the mount utility.
type genericMounter struct {
	env *Env
}

func newGenericMounter(env *Env) (Mounter, error) {
	return &genericMounter{env: env}, nil
}

func mountArgs(env *Env, fstype, options, what, path string) []string {
	args := []string{"-t", fstype}
	if options != "" {
		args = append(args, env.sloppyArgs()...)
		args = append(args, "-o", options)
	}
	return append(args, what, path)
}

func (m *genericMounter) Mount(ctx context.Context, root, name, what, fstype, options string) error {
	return mountFS(ctx, m.env, "generic", root, name, what, fstype, options, nil)
}

// mountFS creates the mount point and runs the mount utility on it under
// the process lock. check, if set, runs first and can veto the mount.
func mountFS(ctx context.Context, env *Env, label, root, name, what, fstype, options string, check func(context.Context) error) error {
	fullpath, err := common.CatPath(root, name)
	if err != nil {
		return fmt.Errorf("mount(%s): %w", label, err)
	}

	log.Debugf("mount(%s): calling mkdir_path %s", label, fullpath)
	created, err := common.MkdirPath(fullpath, 0o555)
	if err != nil {
		return fmt.Errorf("mount(%s): mkdir_path %s: %w", label, fullpath, err)
	}

	if env.isMounted(fullpath) {
		log.Errorf("mount(%s): %s is already mounted", label, fullpath)
		return nil
	}

	if check != nil {
		err = check(ctx)
	}
	if err == nil {
		log.Debugf("mount(%s): calling mount -t %s -o %s %s %s", label, fstype, options, what, fullpath)
		var res spawn.Result
		res, err = env.Runner.RunLocked(ctx, log.ErrorLevel, env.MountProg, mountArgs(env, fstype, options, what, fullpath)...)
		if err == nil {
			err = res.Err()
		}
	}
	if err != nil {
		if (!env.Ghost && name != "") || created {
			common.RmdirPath(fullpath)
		}
		log.Errorf("mount(%s): failed to mount %s (type %s) on %s", label, what, fstype, fullpath)
		return fmt.Errorf("mount %s on %s: %w: %w", what, fullpath, common.ErrMountFailed, err)
	}

	log.Debugf("mount(%s): mounted %s type %s on %s", label, what, fstype, fullpath)
	return nil
}

func (m *genericMounter) Done() error { return nil }
