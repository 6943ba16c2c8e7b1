package module

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"automount/internal/cache"
	"automount/internal/common"
)

// programLookup runs an executable map with the key as its only argument
// and mounts whatever entry it prints.
type programLookup struct {
	env     *Env
	mapname string
	parse   Parser
}

func newProgramLookup(env *Env, format string, args []string) (Lookup, error) {
	if len(args) < 1 {
		return nil, errors.New("no map name")
	}
	mapname := args[0]
	if !strings.HasPrefix(mapname, "/") {
		return nil, fmt.Errorf("program map %s is not an absolute pathname", mapname)
	}
	if err := unix.Access(mapname, unix.X_OK); err != nil {
		return nil, fmt.Errorf("program map %s missing or not executable: %w", mapname, err)
	}

	parse, err := OpenParser(env, format, args[1:])
	if err != nil {
		return nil, err
	}
	return &programLookup{env: env, mapname: mapname, parse: parse}, nil
}

// Ghost is not supported: a program map cannot be enumerated.
func (l *programLookup) Ghost(ctx context.Context, root string, ghost bool, now time.Time) cache.Status {
	return cache.StatusNotSup
}

func (l *programLookup) Mount(ctx context.Context, root, name string) error {
	log.WithField("name", name).Debug("lookup(program): looking up")

	out, res, err := l.env.Runner.Output(ctx, l.mapname, name)
	if err != nil {
		return err
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("lookup for %s failed: %w", name, err)
	}
	mapent := programEntry(out)
	if mapent == "" {
		return fmt.Errorf("lookup for %s failed: %w", name, common.ErrNotFound)
	}

	log.Debugf("lookup(program): %s -> %s", name, mapent)
	return l.parse.Mount(ctx, root, name, mapent)
}

// programEntry extracts the map entry from program output: leading blanks
// are skipped and the entry ends at the first unescaped newline. An
// escaped newline becomes a space; other escapes pass to the parser.
func programEntry(out []byte) string {
	const (
		stSpace = iota
		stMap
		stDone
	)
	var (
		b      strings.Builder
		state  = stSpace
		quoted bool
	)

	for _, ch := range out {
		if !quoted && ch == '\\' {
			quoted = true
			continue
		}
		switch state {
		case stSpace:
			if quoted || !isSpace(ch) {
				b.WriteByte(ch)
				state = stMap
			}
		case stMap:
			switch {
			case !quoted && ch == '\n':
				state = stDone
			case quoted && ch == '\n':
				b.WriteByte(' ')
			case quoted:
				b.WriteByte('\\')
				b.WriteByte(ch)
			default:
				b.WriteByte(ch)
			}
		}
		quoted = false
		if state == stDone {
			break
		}
	}
	return b.String()
}

func (l *programLookup) Done() error {
	return l.parse.Done()
}
