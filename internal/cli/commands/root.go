// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"automount/internal/cache"
	"automount/internal/daemon"
	"automount/internal/module"
	"automount/internal/util"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

// flags holds the command line of one daemon.
type flags struct {
	pidFile      string
	timeout      int
	verbose      bool
	debug        bool
	ghost        bool
	submount     bool
	random       bool
	oldLookup    bool
	ignoreStupid bool
	nfsRetries   int
	nfsPause     int
	foreground   bool
	dumpmap      bool
	detached     bool
}

var rootFlags flags

var rootCmd = &cobra.Command{
	Use:   "automount [flags] PATH MAPTYPE[,FORMAT] [MAPARGS...]",
	Short: "Mount filesystems on demand",
	Long: `Serves the autofs mount point PATH from a map. Names looked up beneath
PATH are mounted as they are accessed and unmounted again once idle.

Examples:
  # Home directories from a map file, expiring after ten minutes
  automount -t 600 /home file /etc/auto.home

  # Executable map using the sun format explicitly
  automount /net program,sun /etc/auto.net

  # Print the map and exit
  automount --dumpmap /home file /etc/auto.home`,
	Args:          cobra.MinimumNArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runAutomount,
}

func init() {
	f := rootCmd.Flags()
	// map arguments may start with '-'
	f.SetInterspersed(false)

	f.StringVarP(&rootFlags.pidFile, "pid-file", "p", "", "Write the process id to this file")
	f.IntVarP(&rootFlags.timeout, "timeout", "t", 0, "Seconds of idleness before unmounting (default from settings, 300)")
	f.BoolVarP(&rootFlags.verbose, "verbose", "v", false, "Log informational messages")
	f.BoolVarP(&rootFlags.debug, "debug", "d", false, "Log debug messages")
	f.BoolP("version", "V", false, "Print the version and exit")
	f.BoolVarP(&rootFlags.ghost, "ghost", "g", false, "Create the map's directories in advance")
	f.BoolVar(&rootFlags.submount, "submount", false, "Run as a nested mount of another daemon")
	f.BoolVarP(&rootFlags.random, "random-multimount-selection", "r", false, "Pick a random host from replicated locations")
	f.BoolVarP(&rootFlags.oldLookup, "use-old-ldap-lookup", "u", false, "Use the old ldap lookup scheme")
	f.BoolVarP(&rootFlags.ignoreStupid, "ignore-stupid-paths", "I", false, "Refuse names that cannot be map keys")
	f.IntVarP(&rootFlags.nfsRetries, "max-nfs-mount-retries", "R", 0, "Retries for transient NFS mount failures")
	f.IntVarP(&rootFlags.nfsPause, "nfs-mount-retry-pause", "P", 0, "Seconds between NFS mount retries, at least 1")
	f.BoolVarP(&rootFlags.foreground, "foreground", "f", false, "Do not detach")
	f.BoolVarP(&rootFlags.dumpmap, "dumpmap", "D", false, "Print the map and exit")
	f.BoolVar(&rootFlags.detached, "detached", false, "Running detached")
	f.MarkHidden("detached")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("automount version {{.Version}}\n")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// mountPoint validates PATH and drops trailing slashes.
func mountPoint(path string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("%s: mount point must be an absolute path", path)
	}
	if trimmed := strings.TrimRight(path, "/"); trimmed != "" {
		path = trimmed
	}
	return path, nil
}

// buildOptions merges the command line over the settings.
func buildOptions(cmd *cobra.Command, s *daemon.Settings, fl *flags, args []string) (daemon.Options, error) {
	path, err := mountPoint(args[0])
	if err != nil {
		return daemon.Options{}, err
	}
	mapType, format := module.SplitMapType(args[1])

	o := daemon.Options{
		Path:              path,
		MapType:           mapType,
		MapFormat:         format,
		MapArgs:           args[2:],
		Timeout:           s.DefaultTimeout,
		Ghost:             fl.ghost,
		Submount:          fl.submount,
		RandomMultimount:  fl.random,
		OldLookup:         fl.oldLookup,
		IgnoreStupidPaths: fl.ignoreStupid,
		NFSRetries:        s.NFSMountRetries,
		NFSRetryPause:     s.RetryPause(),
		Sloppy:            s.SloppyMount,
		MountProg:         s.MountProgram,
		UmountProg:        s.UmountProgram,
		LockFile:          s.LockFile,
		Detached:          fl.detached,
	}
	if cmd.Flags().Changed("timeout") {
		if fl.timeout < 0 {
			return daemon.Options{}, fmt.Errorf("timeout %d: must not be negative", fl.timeout)
		}
		o.Timeout = fl.timeout
	}
	if cmd.Flags().Changed("max-nfs-mount-retries") {
		o.NFSRetries = max(fl.nfsRetries, 0)
	}
	if cmd.Flags().Changed("nfs-mount-retry-pause") {
		o.NFSRetryPause = time.Second
		if fl.nfsPause > 0 {
			o.NFSRetryPause = time.Duration(fl.nfsPause) * time.Second
		}
	}
	return o, nil
}

func runAutomount(cmd *cobra.Command, args []string) error {
	settings, err := daemon.LoadSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	o, err := buildOptions(cmd, settings, &rootFlags, args)
	if err != nil {
		return err
	}
	if o.Self, err = os.Executable(); err != nil {
		return err
	}

	if rootFlags.dumpmap {
		return dumpMap(cmd, o)
	}
	if os.Geteuid() != 0 {
		return errors.New("this program must be run by root")
	}
	if !rootFlags.foreground && !rootFlags.detached && !o.Submount {
		return detach(o.Self)
	}
	// a submount of a detached daemon has nowhere to write but the system log
	o.Detached = rootFlags.detached || (o.Submount && !isTerminal(os.Stderr))

	level, closer, err := daemon.SetupLogging(settings, daemon.LogOptions{
		Verbose:  rootFlags.verbose,
		Debug:    rootFlags.debug,
		Detached: o.Detached,
	})
	if err != nil {
		return err
	}
	defer closer.Close()
	o.LogLevel = level

	log.WithFields(log.Fields{"path": o.Path, "map": o.MapType, "version": version}).Info("starting automounter")

	runner := o.Runner()
	env := o.ModuleEnv(runner)
	lookup, err := o.OpenLookup(env)
	if err != nil {
		log.WithError(err).WithField("path", o.Path).Error("failed to open map")
		return err
	}

	pidFile := rootFlags.pidFile
	if pidFile == "" {
		pidFile = settings.DefaultPidPath(o.Path)
	}
	d := daemon.New(daemon.Config{
		Options:        o,
		InstanceLock:   settings.InstanceLockPath(o.Path),
		PidFile:        pidFile,
		IgnorePatterns: settings.IgnorePatterns,
		MetricsAddr:    settings.MetricsAddr,
	}, env, lookup, runner)

	if daemon.IsRelayPath(o.Path) {
		return d.RunRelay(cmd.Context())
	}
	return d.Run(cmd.Context())
}

// detach starts the daemon again in its own session and returns once it
// is serving the mount point.
func detach(self string) error {
	args := append([]string{"--detached"}, os.Args[1:]...)
	proc, err := util.StartReady(self, args, os.Environ(), module.ReadyFDEnv, true)
	if err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	return proc.Release()
}

func isTerminal(f *os.File) bool {
	_, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	return err == nil
}

// dumpMap prints every entry of the map as "key value".
func dumpMap(cmd *cobra.Command, o daemon.Options) error {
	log.SetLevel(log.ErrorLevel)
	env := o.ModuleEnv(o.Runner())
	env.Cache = cache.New(cache.WithDump(cmd.OutOrStdout()))
	lookup, err := o.OpenLookup(env)
	if err != nil {
		return err
	}
	defer lookup.Done()
	lookup.Ghost(cmd.Context(), o.Path, false, time.Now())
	return nil
}
