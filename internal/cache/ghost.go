package cache

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"automount/internal/common"
)

// Status is the bit set a map load reports.
type Status uint32

const (
	StatusFail      Status = 0x0001
	StatusIndirect  Status = 0x0002
	StatusDirect    Status = 0x0004
	StatusNoMatch   Status = 0x0008
	StatusMatch     Status = 0x0010
	StatusNext      Status = 0x0020
	StatusMount     Status = 0x0040
	StatusWild      Status = 0x0080
	StatusErrFormat Status = 0x1000
	StatusNotSup    Status = 0x4000
)

// Has reports whether every bit of flag is set in s.
func (s Status) Has(flag Status) bool { return s&flag == flag }

func (s Status) String() string {
	names := []struct {
		bit  Status
		name string
	}{
		{StatusFail, "fail"},
		{StatusIndirect, "indirect"},
		{StatusDirect, "direct"},
		{StatusNoMatch, "nomatch"},
		{StatusMatch, "match"},
		{StatusNext, "next"},
		{StatusMount, "mount"},
		{StatusWild, "wild"},
		{StatusErrFormat, "format"},
		{StatusNotSup, "notsup"},
	}
	var parts []string
	for _, n := range names {
		if s&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// GhostOptions describes the automount point a map is being loaded for.
type GhostOptions struct {
	// Root is the managed path, "/-" for a direct map master.
	Root string
	// Ghost pre-creates directories for every indirect key.
	Ghost bool
	// MapLabel is "type:map", used to build nested automount entries.
	MapLabel string
	// ProtoMajor and ProtoMinor are the negotiated kernel protocol.
	ProtoMajor int
	ProtoMinor int
}

func (o GhostOptions) submountEntry() string {
	return "-fstype=autofs " + o.MapLabel
}

// classify decides what a single entry contributes to a map load. It may
// rewrite the key and the entry for nested direct mounts.
func (o GhostOptions) classify(key, mapent string, directBase *string, seen map[string]bool) (Status, string, string) {
	if strings.HasPrefix(key, Wildcard) {
		return StatusWild, key, mapent
	}
	if !strings.HasPrefix(key, "/") {
		return StatusMatch, key, mapent
	}

	if strings.HasPrefix(o.Root, "/-") {
		slash := strings.IndexByte(key[1:], '/')
		if slash < 0 {
			return StatusErrFormat, key, mapent
		}
		base := key[:slash+1]
		if base == *directBase || seen[base] {
			return StatusNext, base, mapent
		}
		*directBase = base
		seen[base] = true
		return StatusMount, base, o.submountEntry()
	}

	// a direct key beneath our own root, as served by a nested automount
	root := strings.TrimRight(o.Root, "/")
	if len(key) <= len(root)+1 || !strings.HasPrefix(key, root) || key[len(root)] != '/' {
		return StatusNoMatch, key, mapent
	}
	rest := key[len(root)+1:]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		if !o.Ghost || (o.ProtoMajor >= 4 && o.ProtoMinor < 2) {
			key = key[:len(root)+1+i]
			mapent = o.submountEntry()
		}
	}
	return StatusMatch, key, mapent
}

// Ghost walks the cached map after a load. With ghosting on it creates a
// directory for every key served by this mount point; under a direct map
// master it mounts one nested automount per top-level directory through
// sub. The result says whether the map is empty, direct or indirect, and
// whether it carries a wildcard.
func (c *Cache) Ghost(ctx context.Context, opts GhostOptions, sub Submounter) Status {
	var (
		directBase string
		seen       = make(map[string]bool)
		wild       bool
	)

	for _, e := range c.Entries() {
		match, key, mapent := opts.classify(e.Key, e.Value, &directBase, seen)

		switch match {
		case StatusErrFormat:
			log.WithField("key", e.Key).Error("cache: entry not valid in a direct map")

		case StatusWild:
			if strings.HasPrefix(e.Key, "/") {
				log.WithField("key", e.Key).Error("cache: wildcard not valid in a direct map")
				continue
			}
			wild = true

		case StatusMatch:
			if !opts.Ghost {
				continue
			}
			fullpath, err := FullPath(opts.Root, key)
			if err != nil {
				log.WithError(err).WithField("key", key).Warn("cache: skipping ghost directory")
				continue
			}
			if _, err := os.Stat(fullpath); err == nil || !errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if _, err := common.MkdirPath(fullpath, 0o555); err != nil {
				log.WithError(err).WithField("path", fullpath).Warn("cache: mkdir ghost directory")
			}

		case StatusMount:
			if c.isMounted(key) {
				continue
			}
			if sub == nil {
				log.WithField("path", key).Error("cache: no submounter for direct map")
				continue
			}
			if err := sub.Mount(ctx, "", key[1:], mapent); err != nil {
				log.WithError(err).WithField("path", key).Error("cache: mount direct map base")
			}
		}
	}

	first := c.First()
	if first == nil {
		return StatusFail
	}
	status := StatusIndirect
	if first.IsDirect() {
		status = StatusDirect
	}
	if wild && opts.Ghost {
		status |= StatusWild
	}
	return status
}
