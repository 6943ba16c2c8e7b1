package module

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"time"

	log "github.com/sirupsen/logrus"

	"automount/internal/cache"
	"automount/internal/common"
)

// homeDir is replaced in tests.
var homeDir = func(name string) (string, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return "", err
	}
	return u.HomeDir, nil
}

// userhomeLookup answers every name that is a user with a symlink to that
// user's home directory. It takes no map.
type userhomeLookup struct{}

func newUserhomeLookup(env *Env, format string, args []string) (Lookup, error) {
	return userhomeLookup{}, nil
}

// Ghost is not supported: the user database is not enumerated.
func (userhomeLookup) Ghost(ctx context.Context, root string, ghost bool, now time.Time) cache.Status {
	return cache.StatusNotSup
}

func (userhomeLookup) Mount(ctx context.Context, root, name string) error {
	log.WithField("name", name).Debug("lookup(userhome): looking up")

	home, err := homeDir(name)
	if err != nil {
		log.Infof("lookup(userhome): not found: %s", name)
		return fmt.Errorf("user %s: %w", name, common.ErrNotFound)
	}
	path, err := common.CatPath(root, name)
	if err != nil {
		return err
	}
	if err := os.Symlink(home, path); err != nil && !errors.Is(err, os.ErrExist) {
		log.WithError(err).Error("lookup(userhome): symlink failed")
		return fmt.Errorf("symlink %s: %w", path, err)
	}
	return nil
}

func (userhomeLookup) Done() error { return nil }
