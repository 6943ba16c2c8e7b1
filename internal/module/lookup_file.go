package module

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"automount/internal/cache"
	"automount/internal/common"
)

// fileLookup serves a flat map file.
type fileLookup struct {
	env     *Env
	mapname string
	parse   Parser

	mtime time.Time
	read  time.Time

	// notifyParent asks the daemon to reload the map.
	notifyParent func()
}

func newFileLookup(env *Env, format string, args []string) (Lookup, error) {
	if len(args) < 1 {
		return nil, errors.New("no map name")
	}
	mapname := args[0]
	if !strings.HasPrefix(mapname, "/") {
		return nil, fmt.Errorf("file map %s is not an absolute pathname", mapname)
	}
	if err := unix.Access(mapname, unix.R_OK); err != nil {
		return nil, fmt.Errorf("file map %s missing or not readable: %w", mapname, err)
	}
	st, err := os.Stat(mapname)
	if err != nil {
		return nil, fmt.Errorf("file map %s: %w", mapname, err)
	}
	if env.Cache == nil {
		env.Cache = cache.New()
	}

	l := &fileLookup{
		env:          env,
		mapname:      mapname,
		mtime:        st.ModTime(),
		notifyParent: hangupParent,
	}
	if !env.MapStamp.IsZero() {
		l.mtime = env.MapStamp
		l.read = env.MapRead
	}

	l.parse, err = OpenParser(env, format, args[1:])
	if err != nil {
		return nil, err
	}
	return l, nil
}

func hangupParent() {
	if err := unix.Kill(os.Getppid(), unix.SIGHUP); err != nil {
		log.WithError(err).Debug("lookup(file): signal daemon to reload")
	}
}

func (l *fileLookup) label() string { return "file:" + l.mapname }

// MapStamp implements Stamper.
func (l *fileLookup) MapStamp() (time.Time, time.Time) { return l.mtime, l.read }

func (l *fileLookup) readMap(root string, age time.Time) error {
	f, err := os.Open(l.mapname)
	if err != nil {
		return fmt.Errorf("could not open map file %s: %w", l.mapname, err)
	}
	defer f.Close()

	r := newMapReader(f)
	for {
		key, mapent, ok := r.next()
		if !ok {
			break
		}
		if err := l.env.Cache.Add(root, key, mapent, age); err != nil {
			log.WithError(err).WithField("key", key).Warn("lookup(file): cache add")
		}
	}

	l.env.Cache.Clean(age)
	return nil
}

// find scans the map for key and stores what it finds. present is false
// when the map no longer has the key.
func (l *fileLookup) find(root, key string, now time.Time) (updated, present bool, err error) {
	f, err := os.Open(l.mapname)
	if err != nil {
		return false, false, fmt.Errorf("could not open map file %s: %w", l.mapname, err)
	}
	defer f.Close()

	r := newMapReader(f)
	for {
		k, mapent, ok := r.next()
		if !ok {
			return false, false, nil
		}
		if k == key {
			updated, err := l.env.Cache.Update(root, key, mapent, now)
			return updated, true, err
		}
	}
}

func (l *fileLookup) Ghost(ctx context.Context, root string, ghost bool, now time.Time) cache.Status {
	if err := l.readMap(root, now); err != nil {
		log.WithError(err).Error("lookup(file): read map")
		return cache.StatusFail
	}
	st, err := os.Stat(l.mapname)
	if err != nil {
		log.WithError(err).Errorf("lookup(file): file map %s, could not stat", l.mapname)
		return cache.StatusFail
	}
	l.mtime = st.ModTime()
	l.read = now

	opts := l.env.ghostOptions(root, l.label())
	opts.Ghost = ghost
	status := l.env.Cache.Ghost(ctx, opts, l.parse)

	first := l.env.Cache.First()
	if first == nil {
		return cache.StatusFail
	}
	if first.IsDirect() && !strings.HasPrefix(root, "/-") {
		if l.env.Cache.PartialMatch(root) == nil {
			return cache.StatusFail | cache.StatusIndirect
		}
	}
	return status
}

func (l *fileLookup) Mount(ctx context.Context, root, name string) error {
	st, err := os.Stat(l.mapname)
	if err != nil {
		return fmt.Errorf("file map %s, could not stat: %w", l.mapname, err)
	}

	key := name
	if l.env.Direct {
		key = root + "/" + name
	}
	if len(key) > KeyMax {
		return fmt.Errorf("key %s: %w", key, common.ErrNameTooLong)
	}

	c := l.env.Cache
	now := time.Now()
	if c.Len() == 0 {
		if err := l.readMap(root, now); err != nil {
			return err
		}
	}

	lastRead := l.read
	if lastRead.IsZero() {
		if first := c.First(); first != nil {
			lastRead = first.Age
		}
	}
	sinceRead := l.env.RunFreq + time.Second
	if !lastRead.IsZero() {
		sinceRead = now.Sub(lastRead)
	}

	needHup := false
	if st.ModTime().After(l.mtime) {
		updated, present, err := l.find(root, key, now)
		if err != nil {
			return err
		}
		if sinceRead > l.env.RunFreq && (updated || !present) {
			needHup = true
		}
		if !present {
			l.forget(root, key, now)
		}
	}

	var mapent string
	if me := c.Lookup(key); me != nil {
		mapent = me.Value
	} else if c.PartialMatch(key) != nil {
		// a path component of a direct map entry: serve it with a nested automount
		mapent = "-fstype=autofs " + l.label()
	}

	err = nil
	if mapent == "" {
		err = fmt.Errorf("key %s: %w", key, common.ErrNotFound)
	} else {
		log.WithField("key", key).Debugf("lookup(file): %s -> %s", key, mapent)
		err = l.parse.Mount(ctx, root, name, mapent)
	}

	if needHup {
		l.notifyParent()
	}
	return err
}

// forget drops a key that left the map, along with a wildcard that went
// with it.
func (l *fileLookup) forget(root, key string, now time.Time) {
	c := l.env.Cache
	wildPresent := false
	if !l.env.Direct {
		var err error
		_, wildPresent, err = l.find(root, cache.Wildcard, now)
		if err != nil {
			log.WithError(err).Debug("lookup(file): wildcard lookup")
			wildPresent = true
		}
		if !wildPresent {
			c.Delete(root, cache.Wildcard, false)
		}
	}
	if err := c.Delete(root, key, false); err == nil && !wildPresent {
		if path, err := cache.FullPath(root, key); err == nil {
			common.RmdirPath(path)
		}
	}
}

func (l *fileLookup) Done() error {
	err := l.parse.Done()
	l.env.Cache.Release()
	return err
}
