package module

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// fsckPrograms maps a filesystem type to its checker. Types not listed use
// e2fsck.
var fsckPrograms = map[string]string{
	"ext3": "/sbin/e3fsck",
	"auto": "/sbin/e3fsck",
}

const e2fsck = "/sbin/e2fsck"

// ext2Mounter checks an ext2/ext3 filesystem before mounting it and refuses
// to mount one that still needs repair.
type ext2Mounter struct {
	env *Env
}

func newExt2Mounter(env *Env) (Mounter, error) {
	return &ext2Mounter{env: env}, nil
}

func fsckProgram(fstype string) string {
	if p, ok := fsckPrograms[fstype]; ok {
		return p
	}
	return e2fsck
}

func readOnly(options string) bool {
	for _, o := range strings.Split(options, ",") {
		if o == "ro" {
			return true
		}
	}
	return false
}

func (m *ext2Mounter) Mount(ctx context.Context, root, name, what, fstype, options string) error {
	return mountFS(ctx, m.env, "ext2", root, name, what, fstype, options, func(ctx context.Context) error {
		prog := fsckProgram(fstype)
		// a read-only mount must not have fsck write to the device
		mode := "-p"
		if readOnly(options) {
			mode = "-n"
		}
		log.Debugf("mount(ext2): calling %s %s %s", prog, mode, what)
		res, err := m.env.Runner.Run(ctx, log.DebugLevel, prog, mode, what)
		if err != nil {
			return err
		}
		if !res.Success() {
			log.Errorf("mount(ext2): %s: filesystem needs repair, won't mount", what)
			return fmt.Errorf("%s needs repair: %w", what, res.Err())
		}
		return nil
	})
}

func (m *ext2Mounter) Done() error { return nil }
