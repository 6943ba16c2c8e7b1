package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"automount/internal/mounts"
)

func newTestTree(t *testing.T) (*mountTree, *fakeRunner) {
	t.Helper()
	root := t.TempDir()
	runner := &fakeRunner{}
	return &mountTree{
		root:       root,
		dev:        devOf(t, root),
		runner:     runner,
		umountProg: "/bin/umount",
		list:       func(string, bool) ([]mounts.Entry, error) { return nil, nil },
	}, runner
}

func TestRmUnwanted(t *testing.T) {
	t.Parallel()

	tree, _ := newTestTree(t)
	require.NoError(t, os.MkdirAll(filepath.Join(tree.root, "a", "b", "c"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tree.root, "a", "keep"), nil, 0o644))
	require.NoError(t, os.Symlink("/tmp", filepath.Join(tree.root, "link")))

	tree.rmUnwanted(tree.root, false, true)

	assert.DirExists(t, tree.root, "root itself is kept without incl")
	assert.NoDirExists(t, filepath.Join(tree.root, "a", "b"))
	assert.FileExists(t, filepath.Join(tree.root, "a", "keep"), "regular files are never removed")
	_, err := os.Lstat(filepath.Join(tree.root, "link"))
	assert.True(t, os.IsNotExist(err))
}

func TestRmUnwantedKeepsSymlinks(t *testing.T) {
	t.Parallel()

	tree, _ := newTestTree(t)
	link := filepath.Join(tree.root, "link")
	require.NoError(t, os.Symlink("/tmp", link))

	tree.rmUnwanted(tree.root, true, false)
	_, err := os.Lstat(link)
	assert.NoError(t, err)
}

func TestCountMounts(t *testing.T) {
	t.Parallel()

	tree, _ := newTestTree(t)
	assert.Equal(t, 0, tree.countMounts(tree.root))

	require.NoError(t, os.MkdirAll(filepath.Join(tree.root, "x", "y"), 0o755))
	require.NoError(t, os.Symlink("/tmp", filepath.Join(tree.root, "x", "l1")))
	require.NoError(t, os.Symlink("/tmp", filepath.Join(tree.root, "l2")))
	assert.Equal(t, 2, tree.countMounts(tree.root))

	assert.Equal(t, 0, tree.countMounts(filepath.Join(tree.root, "missing")))
}

func TestUmountMulti(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		entries  []mounts.Entry
		fail     map[string]bool
		wantLeft int
		wantRuns int
	}{
		{"nothing mounted", nil, nil, 0, 0},
		{"same device is skipped", []mounts.Entry{{Path: "."}}, nil, 0, 0},
		{"other device unmounted", []mounts.Entry{{Path: "/proc"}}, nil, 0, 1},
		{"busy", []mounts.Entry{{Path: "/proc"}}, map[string]bool{"/proc": true}, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tree, runner := newTestTree(t)
			runner.fail = tt.fail
			sub := filepath.Join(tree.root, "sub")
			require.NoError(t, os.Mkdir(sub, 0o755))
			entries := make([]mounts.Entry, len(tt.entries))
			for i, e := range tt.entries {
				if e.Path == "." {
					e.Path = sub
				}
				entries[i] = e
			}
			tree.list = func(string, bool) ([]mounts.Entry, error) { return entries, nil }

			assert.Equal(t, tt.wantLeft, tree.umountMulti(context.Background(), sub, true))
			assert.Len(t, runner.Calls(), tt.wantRuns)
			if tt.wantLeft == 0 {
				assert.NoDirExists(t, sub)
			} else {
				assert.DirExists(t, sub)
			}
		})
	}
}

func TestUmountMultiTakesLock(t *testing.T) {
	t.Parallel()

	tree, runner := newTestTree(t)
	tree.list = func(string, bool) ([]mounts.Entry, error) {
		return []mounts.Entry{{Path: "/proc"}, {Path: "/sys"}}, nil
	}

	tree.umountMulti(context.Background(), tree.root, false)
	assert.Equal(t, []bool{true, true}, runner.Locked(), "mount table edits hold the process lock")
}

func TestCheckRmDirsGhost(t *testing.T) {
	t.Parallel()

	tree, _ := newTestTree(t)
	tree.ghost = true
	dir := filepath.Join(tree.root, "name")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "inner"), 0o755))

	// ghosted indirect maps keep the name itself
	tree.checkRmDirs(dir, true)
	assert.DirExists(t, dir)
	assert.NoDirExists(t, filepath.Join(dir, "inner"))

	tree.shuttingDown = true
	tree.checkRmDirs(dir, true)
	assert.NoDirExists(t, dir)
}
