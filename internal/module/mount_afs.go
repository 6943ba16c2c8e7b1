package module

import (
	"context"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"automount/internal/common"
)

// afsMounter makes a name point into the AFS tree, which the AFS client
// already has mounted elsewhere.
type afsMounter struct{}

func newAFSMounter(env *Env) (Mounter, error) {
	return afsMounter{}, nil
}

func (afsMounter) Mount(ctx context.Context, root, name, what, fstype, options string) error {
	dest := strings.TrimSuffix(root+"/"+name, "/")
	log.Debugf("mount(afs): mounting AFS %s -> %s", dest, what)
	if err := os.Symlink(what, dest); err != nil {
		return fmt.Errorf("afs %s -> %s: %w: %w", dest, what, common.ErrMountFailed, err)
	}
	return nil
}

func (afsMounter) Done() error { return nil }
