package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"automount/internal/module"
	"automount/internal/mounts"
)

// mountTree operates on the directories and mounts beneath a managed
// path. Anything on the autofs device itself is ours to remove; anything
// on another device is a mount.
type mountTree struct {
	root         string
	dev          uint64
	ghost        bool
	direct       bool
	shuttingDown bool

	runner     module.Runner
	umountProg string
	list       func(path string, include bool) ([]mounts.Entry, error)
}

func lstat(path string) (unix.Stat_t, error) {
	var st unix.Stat_t
	err := unix.Lstat(path, &st)
	return st, err
}

func isDir(st *unix.Stat_t) bool  { return st.Mode&unix.S_IFMT == unix.S_IFDIR }
func isLink(st *unix.Stat_t) bool { return st.Mode&unix.S_IFMT == unix.S_IFLNK }
func isReg(st *unix.Stat_t) bool  { return st.Mode&unix.S_IFMT == unix.S_IFREG }

// walk visits base and, when before returns true for a directory, its
// children. after runs once a directory's children are done, and for
// base only with incl.
func walk(base string, incl bool, before func(string, *unix.Stat_t) bool, after func(string)) error {
	st, err := lstat(base)
	if err != nil || !before(base, &st) {
		return nil
	}
	if isDir(&st) {
		entries, err := os.ReadDir(base)
		if err != nil {
			return err
		}
		// deepest names first, like a reverse alphasort
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() > entries[j].Name() })
		for _, e := range entries {
			walk(filepath.Join(base, e.Name()), true, before, after)
		}
	}
	if incl {
		after(base)
	}
	return nil
}

// rmUnwanted removes the directories, and with rmsymlink the symlinks,
// that the daemon left beneath path. Regular files and other devices are
// never touched.
func (t *mountTree) rmUnwanted(path string, incl, rmsymlink bool) {
	before := func(_ string, st *unix.Stat_t) bool {
		return uint64(st.Dev) == t.dev
	}
	after := func(file string) {
		st, err := lstat(file)
		if err != nil {
			log.WithField("path", file).Error("rm_unwanted: unable to stat file, possible race condition")
			return
		}
		if uint64(st.Dev) != t.dev {
			log.WithField("path", file).Error("rm_unwanted: file has the wrong device, possible race condition")
			return
		}
		switch {
		case isDir(&st):
			if err := unix.Rmdir(file); err != nil {
				log.WithField("path", file).Infof("rm_unwanted: unable to remove directory: %v", err)
				return
			}
			log.WithField("path", file).Info("rm_unwanted: removed directory")
		case isReg(&st):
			log.WithField("path", file).Error("rm_unwanted: attempting to remove file from a mounted directory - not doing it")
		case isLink(&st) && rmsymlink:
			log.WithField("path", file).Info("rm_unwanted: removing symlink")
			unix.Unlink(file)
		}
	}
	walk(path, incl, before, after)
}

// countMounts counts mounted directories and symlinks beneath path, or
// returns -1 when path cannot be read.
func (t *mountTree) countMounts(path string) int {
	count := 0
	err := walk(path, false, func(_ string, st *unix.Stat_t) bool {
		if isLink(st) || (isDir(st) && uint64(st.Dev) != t.dev) {
			count++
			return false
		}
		return true
	}, func(string) {})
	if err != nil {
		return -1
	}
	return count
}

func (t *mountTree) checkRmDirs(path string, incl bool) {
	switch {
	case !t.ghost || t.shuttingDown:
		t.rmUnwanted(path, incl, true)
	case !t.direct:
		t.rmUnwanted(path, false, true)
	}
}

// umountEnt unmounts one mount point if it is a directory on another
// device.
func (t *mountTree) umountEnt(ctx context.Context, path string) bool {
	st, err := lstat(path)
	if err != nil || !isDir(&st) || uint64(st.Dev) == t.dev {
		return true
	}
	res, err := t.runner.RunLocked(ctx, log.DebugLevel, t.umountProg, path)
	if err != nil {
		log.WithError(err).WithField("path", path).Error("umount")
		return false
	}
	return res.Success()
}

// umountMulti unmounts everything beneath path, deepest first, and with
// incl path itself. It returns the number of mounts left behind.
func (t *mountTree) umountMulti(ctx context.Context, path string, incl bool) int {
	log.WithFields(log.Fields{"path": path, "incl": incl}).Debug("umount_multi")

	list, err := t.list(path, incl)
	if err != nil {
		log.WithError(err).Warn("umount_multi: read mount table")
	}
	if len(list) == 0 {
		log.WithField("path", path).Warn("umount_multi: no mounts found")
		t.checkRmDirs(path, incl)
		return 0
	}

	left := 0
	for _, m := range list {
		log.WithField("path", m.Path).Debug("umount_multi: unmounting")
		if !t.umountEnt(ctx, m.Path) {
			left++
		}
	}
	if left == 0 {
		t.checkRmDirs(path, incl)
	}
	return left
}

// umountAll unmounts everything beneath the managed root.
func (t *mountTree) umountAll(ctx context.Context, force bool) int {
	left := t.umountMulti(ctx, t.root, false)
	if force && left > 0 {
		log.WithField("path", t.root).Warnf("could not unmount %d dirs", left)
	}
	return left
}
