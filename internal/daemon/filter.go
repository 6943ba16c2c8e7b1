package daemon

import (
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// NameFilter decides which missing-entry requests are refused outright
// when stupid-path filtering is on.
type NameFilter struct {
	matcher *ignore.GitIgnore
}

// BuildNameFilter compiles the extra ignore patterns. A filter with no
// patterns still refuses the built-in stupid names.
func BuildNameFilter(patterns []string) *NameFilter {
	f := &NameFilter{}
	if len(patterns) > 0 {
		f.matcher = ignore.CompileIgnoreLines(patterns...)
	}
	return f
}

// Refuse reports whether name should fail without a lookup: wildcards,
// dot files, the daemon's own mount source name and configured patterns.
func (f *NameFilter) Refuse(name string) bool {
	switch {
	case strings.Contains(name, "*"):
		return true
	case strings.HasPrefix(name, "."):
		return true
	case strings.Contains(name, "automount(pid"):
		return true
	}
	return f != nil && f.matcher != nil && f.matcher.MatchesPath(name)
}
