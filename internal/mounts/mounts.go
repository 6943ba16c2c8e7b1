// Package mounts answers questions about the system mount table.
package mounts

import (
	"fmt"
	"sort"
	"strings"

	"github.com/moby/sys/mountinfo"
)

// AutofsType is the filesystem type of automount trigger points.
const AutofsType = "autofs"

// Entry is one mounted filesystem.
type Entry struct {
	Path   string
	Source string
	FSType string
	// Pid is the owning daemon for autofs entries named "automount(pidN)",
	// zero otherwise.
	Pid int
}

// getMounts is replaced in tests.
var getMounts = mountinfo.GetMounts

func table() ([]Entry, error) {
	infos, err := getMounts(nil)
	if err != nil {
		return nil, fmt.Errorf("read mount table: %w", err)
	}
	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		e := Entry{Path: info.Mountpoint, Source: info.Source, FSType: info.FSType}
		if strings.HasPrefix(e.FSType, AutofsType) {
			e.Pid = OwnerPid(e.Source)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// OwnerPid parses the daemon pid out of an autofs source name.
func OwnerPid(source string) int {
	var pid int
	if _, err := fmt.Sscanf(source, "automount(pid%d)", &pid); err != nil {
		return 0
	}
	return pid
}

// under reports whether mountpoint is path or lies beneath it.
func under(mountpoint, path string, include bool) bool {
	if mountpoint == path {
		return include
	}
	if path == "/" {
		return true
	}
	return strings.HasPrefix(mountpoint, path) && mountpoint[len(path)] == '/'
}

// List returns the mounts beneath path, deepest first. With include the
// mount on path itself is listed as well.
func List(path string, include bool) ([]Entry, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}
	all, err := table()
	if err != nil {
		return nil, err
	}

	var list []Entry
	for _, e := range all {
		if under(e.Path, path, include) {
			list = append(list, e)
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		return len(list[i].Path) > len(list[j].Path)
	})
	return list, nil
}

// IsMounted reports whether something is mounted exactly on path.
func IsMounted(path string) bool {
	all, err := table()
	if err != nil {
		return false
	}
	for _, e := range all {
		if e.Path == path {
			return true
		}
	}
	return false
}
