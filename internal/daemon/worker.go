package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"automount/internal/cache"
	"automount/internal/common"
	"automount/internal/kernel"
	"automount/internal/lock"
	"automount/internal/module"
	"automount/internal/mounts"
	"automount/internal/spawn"
)

// Options describe one managed mount point. The daemon and every worker
// it starts share them.
type Options struct {
	Path      string   `json:"path"`
	MapType   string   `json:"map_type"`
	MapFormat string   `json:"map_format,omitempty"`
	MapArgs   []string `json:"map_args,omitempty"`

	Timeout  int  `json:"timeout"`
	Ghost    bool `json:"ghost,omitempty"`
	Submount bool `json:"submount,omitempty"`

	RandomMultimount  bool          `json:"random_multimount,omitempty"`
	OldLookup         bool          `json:"old_lookup,omitempty"`
	IgnoreStupidPaths bool          `json:"ignore_stupid_paths,omitempty"`
	NFSRetries        int           `json:"nfs_retries,omitempty"`
	NFSRetryPause     time.Duration `json:"nfs_retry_pause,omitempty"`

	Sloppy     bool      `json:"sloppy,omitempty"`
	MountProg  string    `json:"mount_prog"`
	UmountProg string    `json:"umount_prog"`
	LockFile   string    `json:"lock_file"`
	Self       string    `json:"self"`
	LogLevel   log.Level `json:"log_level"`
	Detached   bool      `json:"detached,omitempty"`
}

// Runner returns the spawner that runs mount utilities under the
// process lock.
func (o *Options) Runner() *spawn.Spawner {
	return spawn.New(lock.New(o.LockFile))
}

// ModuleEnv builds what the map modules need. Fields that depend on the
// negotiated protocol are filled in by the daemon once it is known.
func (o *Options) ModuleEnv(runner module.Runner) *module.Env {
	return &module.Env{
		Ghost:            o.Ghost,
		Timeout:          o.Timeout,
		RandomMultimount: o.RandomMultimount,
		NFSRetries:       o.NFSRetries,
		NFSRetryPause:    o.NFSRetryPause,
		Sloppy:           o.Sloppy,
		MountProg:        o.MountProg,
		UmountProg:       o.UmountProg,
		Self:             o.Self,
		LogLevel:         o.LogLevel,
		Cache:            cache.New(),
		Runner:           runner,
	}
}

// OpenLookup opens the map the options name.
func (o *Options) OpenLookup(env *module.Env) (module.Lookup, error) {
	return module.OpenLookup(env, o.MapType, o.MapFormat, o.MapArgs)
}

// WorkerKind selects what a worker process does.
type WorkerKind string

const (
	// WorkerMount looks up and mounts one name.
	WorkerMount WorkerKind = "mount"
	// WorkerUmount unmounts one expired name.
	WorkerUmount WorkerKind = "umount"
	// WorkerExpire drives batch expire on the inherited control handle.
	WorkerExpire WorkerKind = "expire"
)

// WorkerSpec is the complete job description handed to a worker.
type WorkerSpec struct {
	Options

	Kind WorkerKind `json:"kind"`
	Name string     `json:"name,omitempty"`

	Direct       bool           `json:"direct,omitempty"`
	ShuttingDown bool           `json:"shutting_down,omitempty"`
	Dev          uint64         `json:"dev"`
	Proto        kernel.Version `json:"proto"`
	RunFreq      time.Duration  `json:"run_freq,omitempty"`
	ExpireFlags  int            `json:"expire_flags,omitempty"`

	MapStamp time.Time `json:"map_stamp,omitempty"`
	MapRead  time.Time `json:"map_read,omitempty"`
}

// Encode serializes the spec for the worker environment.
func (s *WorkerSpec) Encode() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode worker spec: %w", err)
	}
	return string(data), nil
}

// DecodeWorkerSpec parses a spec produced by Encode.
func DecodeWorkerSpec(data string) (*WorkerSpec, error) {
	if data == "" {
		return nil, errors.New("no worker spec")
	}
	var s WorkerSpec
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("decode worker spec: %w", err)
	}
	switch s.Kind {
	case WorkerMount, WorkerUmount, WorkerExpire:
	default:
		return nil, fmt.Errorf("unknown worker kind %q", s.Kind)
	}
	if !filepath.IsAbs(s.Path) {
		return nil, fmt.Errorf("worker path %q: %w", s.Path, common.ErrInvalidPath)
	}
	return &s, nil
}

// worker is the state of one worker process.
type worker struct {
	spec   *WorkerSpec
	runner module.Runner
	tree   *mountTree
	// openLookup and control are replaced in tests.
	openLookup func(env *module.Env) (module.Lookup, error)
	control    func() expirer
	sleep      func(time.Duration)
}

// expirer is the control call the expire worker drives.
type expirer interface {
	ExpireMulti(flags int) error
}

func newWorker(spec *WorkerSpec, runner module.Runner) *worker {
	w := &worker{
		spec:   spec,
		runner: runner,
		tree: &mountTree{
			root:         spec.Path,
			dev:          spec.Dev,
			ghost:        spec.Ghost,
			direct:       spec.Direct,
			shuttingDown: spec.ShuttingDown,
			runner:       runner,
			umountProg:   spec.UmountProg,
			list:         mounts.List,
		},
		sleep: time.Sleep,
	}
	w.openLookup = spec.OpenLookup
	w.control = func() expirer {
		return kernel.Attach(spec.Path, os.NewFile(3, "autofs-control"), spec.Dev, spec.Proto)
	}
	return w
}

func (w *worker) moduleEnv() *module.Env {
	env := w.spec.ModuleEnv(w.runner)
	env.Direct = w.spec.Direct
	env.Kernel = w.spec.Proto
	env.RunFreq = w.spec.RunFreq
	env.MapStamp = w.spec.MapStamp
	env.MapRead = w.spec.MapRead
	return env
}

// lookupMount runs lookup, parse and mount for name.
func (w *worker) lookupMount(ctx context.Context, name string) error {
	lookup, err := w.openLookup(w.moduleEnv())
	if err != nil {
		return err
	}
	defer func() {
		if err := lookup.Done(); err != nil {
			log.WithError(err).Debug("worker: close lookup")
		}
	}()
	return lookup.Mount(ctx, w.spec.Path, name)
}

// RunWorker performs the job in spec and returns the process exit code.
func RunWorker(ctx context.Context, spec *WorkerSpec) int {
	return newWorker(spec, spec.Runner()).run(ctx)
}

func (w *worker) run(ctx context.Context) int {
	logger := log.WithFields(log.Fields{"kind": w.spec.Kind, "path": w.spec.Path, "name": w.spec.Name})
	switch w.spec.Kind {
	case WorkerMount:
		return w.mount(ctx, logger)
	case WorkerUmount:
		w.expire(ctx, logger)
		return 0
	case WorkerExpire:
		return w.expireMulti(logger)
	}
	logger.Error("worker: unknown kind")
	return 1
}

func (w *worker) mount(ctx context.Context, logger *log.Entry) int {
	path, err := common.CatPath(w.spec.Path, w.spec.Name)
	if err != nil {
		logger.WithError(err).Error("path to be mounted is too long")
		return 1
	}

	if err := w.lookupMount(ctx, w.spec.Name); err != nil {
		logger.WithError(err).Errorf("failed to mount %s", path)
		// hide all evidence of the attempt
		w.tree.umountMulti(ctx, path, true)
		return 1
	}
	return 0
}

// expire unmounts one expired name and remounts it when only part of the
// tree went away.
func (w *worker) expire(ctx context.Context, logger *log.Entry) {
	path, err := common.CatPath(w.spec.Path, w.spec.Name)
	if err != nil {
		logger.WithError(err).Error("do_expire: path too long")
		return
	}

	logger.Debugf("expiring path %s", path)
	if w.tree.umountMulti(ctx, path, true) == 0 {
		logger.Infof("expired %s", path)
		return
	}
	if err := w.lookupMount(ctx, w.spec.Name); err != nil {
		logger.WithError(err).Errorf("failed to recover from partial expiry of %s", path)
	}
}

// expireMulti asks the kernel to expire mounts until it has nothing left
// to offer, bounded by a few more attempts than there are mounts.
func (w *worker) expireMulti(logger *log.Entry) int {
	ctl := w.control()
	count := w.tree.countMounts(w.spec.Path) + 3
	for ctl.ExpireMulti(w.spec.ExpireFlags) == nil && count > 0 {
		count--
		w.sleep(50 * time.Millisecond)
	}

	if left := w.tree.countMounts(w.spec.Path); left != 0 {
		logger.Debugf("expire_proc: %d remaining in %s", left, w.spec.Path)
		return 1
	}
	return 0
}
