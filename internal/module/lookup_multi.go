package module

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"automount/internal/cache"
)

// mapSeparator divides the maps given to the multi lookup.
const mapSeparator = "--"

// multiLookup consults several maps in turn. Its arguments are map
// descriptions separated by "--", each of the form
// "type[,format] [args...]".
type multiLookup struct {
	maps []Lookup
}

func newMultiLookup(env *Env, format string, args []string) (Lookup, error) {
	if len(args) == 0 {
		return nil, errors.New("no map list")
	}

	var groups [][]string
	start := 0
	for i, a := range args {
		if a == mapSeparator {
			groups = append(groups, args[start:i])
			start = i + 1
		}
	}
	groups = append(groups, args[start:])

	m := &multiLookup{}
	for _, g := range groups {
		if len(g) == 0 {
			m.Done()
			return nil, errors.New("missing module name")
		}
		typ, f := SplitMapType(g[0])
		if f == "" {
			f = format
		}
		l, err := OpenLookup(env, typ, f, g[1:])
		if err != nil {
			m.Done()
			return nil, err
		}
		m.maps = append(m.maps, l)
	}
	return m, nil
}

// Ghost loads every map. It fails only when none of them loads.
func (m *multiLookup) Ghost(ctx context.Context, root string, ghost bool, now time.Time) cache.Status {
	loaded := false
	for _, l := range m.maps {
		if !l.Ghost(ctx, root, ghost, now).Has(cache.StatusFail) {
			loaded = true
		}
	}
	if !loaded {
		return cache.StatusFail
	}
	return cache.StatusIndirect
}

// Mount tries the maps in order and stops at the first that mounts name.
func (m *multiLookup) Mount(ctx context.Context, root, name string) error {
	var errs []error
	for i, l := range m.maps {
		err := l.Mount(ctx, root, name)
		if err == nil {
			return nil
		}
		log.WithError(err).WithFields(log.Fields{"name": name, "map": i}).Debug("lookup(multi): not mounted")
		errs = append(errs, err)
	}
	return fmt.Errorf("lookup(multi): %s: %w", name, errors.Join(errs...))
}

func (m *multiLookup) Done() error {
	var errs []error
	for _, l := range m.maps {
		if err := l.Done(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
