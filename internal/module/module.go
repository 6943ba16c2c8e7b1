// Package module holds the map backends the daemon drives: lookup modules
// find the map entry for a key, parse modules turn an entry into mounts and
// mount modules perform one mount of a given filesystem type.
//
// Modules are compiled in and selected by name from a static table.
package module

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"automount/internal/cache"
	"automount/internal/kernel"
	"automount/internal/mounts"
	"automount/internal/spawn"
)

// DefaultTimeout is the idle timeout in seconds when none is configured.
const DefaultTimeout = 300

// Longest key and map entry a map may carry.
const (
	KeyMax    = 255
	MapentMax = 4095
)

// Lookup resolves keys against one map.
type Lookup interface {
	// Ghost loads the whole map into the cache and prepares the mount
	// point for it. Backends that cannot enumerate return StatusNotSup.
	Ghost(ctx context.Context, root string, ghost bool, now time.Time) cache.Status
	// Mount looks up name and mounts it beneath root.
	Mount(ctx context.Context, root, name string) error
	Done() error
}

// Parser mounts a single map entry.
type Parser interface {
	Mount(ctx context.Context, root, name, mapent string) error
	Done() error
}

// Mounter mounts one filesystem type.
type Mounter interface {
	Mount(ctx context.Context, root, name, what, fstype, options string) error
	Done() error
}

// Stamper is implemented by lookups that can tell when their map changed.
type Stamper interface {
	// MapStamp returns the modification time of the map as last loaded and
	// the time it was loaded.
	MapStamp() (mtime, read time.Time)
}

// Runner runs the mount utilities.
type Runner interface {
	Run(ctx context.Context, level log.Level, prog string, args ...string) (spawn.Result, error)
	RunLocked(ctx context.Context, level log.Level, prog string, args ...string) (spawn.Result, error)
	Output(ctx context.Context, prog string, args ...string) ([]byte, spawn.Result, error)
}

// Env is what modules need to know about the mount point they serve.
type Env struct {
	Direct  bool
	Ghost   bool
	Timeout int
	RunFreq time.Duration
	Kernel  kernel.Version

	RandomMultimount bool
	NFSRetries       int
	NFSRetryPause    time.Duration

	Sloppy     bool
	MountProg  string
	UmountProg string
	// Self is the daemon executable, started again for nested mounts.
	Self     string
	LogLevel log.Level

	// MapStamp and MapRead describe the map as the daemon last loaded it.
	MapStamp time.Time
	MapRead  time.Time

	Cache     *cache.Cache
	Runner    Runner
	IsMounted func(path string) bool
}

func (e *Env) isMounted(path string) bool {
	if e.IsMounted != nil {
		return e.IsMounted(path)
	}
	return mounts.IsMounted(path)
}

func (e *Env) sloppyArgs() []string {
	if e.Sloppy {
		return []string{"-s"}
	}
	return nil
}

func (e *Env) ghostOptions(root, label string) cache.GhostOptions {
	return cache.GhostOptions{
		Root:       root,
		Ghost:      e.Ghost,
		MapLabel:   label,
		ProtoMajor: e.Kernel.Major,
		ProtoMinor: e.Kernel.Minor,
	}
}
