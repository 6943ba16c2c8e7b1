package cache

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"automount/internal/common"
)

func notMounted(string) bool { return false }

func newTestCache(opts ...Option) *Cache {
	return New(append([]Option{WithMountCheck(notMounted)}, opts...)...)
}

func TestUpdateReportsChanges(t *testing.T) {
	c := newTestCache()
	now := time.Now()

	updated, err := c.Update("/net", "web", "-rw srv:/v1", now)
	require.NoError(t, err)
	assert.True(t, updated, "a new key counts as updated")

	updated, err = c.Update("/net", "web", "-rw srv:/v1", now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Equal(t, now.Add(time.Second), c.Lookup("web").Age, "age is refreshed even when unchanged")

	updated, err = c.Update("/net", "web", "-rw srv:/v2", now)
	require.NoError(t, err)
	assert.True(t, updated)

	assert.Equal(t, "-rw srv:/v2", c.Lookup("web").Value)
	assert.Equal(t, 1, c.Len())
}

func TestDuplicateKeysKeepReadOrder(t *testing.T) {
	c := newTestCache()
	now := time.Now()
	for _, v := range []string{"v1", "v2", "v3"} {
		require.NoError(t, c.Add("/net", "web", v, now))
	}

	var got []string
	for e := c.Lookup("web"); e != nil; e = c.LookupNext(e) {
		got = append(got, e.Value)
	}
	assert.Equal(t, []string{"v1", "v2", "v3"}, got)
}

func TestUpdateTouchesLastDuplicate(t *testing.T) {
	c := newTestCache()
	now := time.Now()
	require.NoError(t, c.Add("/net", "web", "v1", now))
	require.NoError(t, c.Add("/net", "web", "v2", now))

	_, err := c.Update("/net", "web", "v3", now)
	require.NoError(t, err)

	first := c.Lookup("web")
	assert.Equal(t, "v1", first.Value)
	assert.Equal(t, "v3", c.LookupNext(first).Value)
}

func TestWildcard(t *testing.T) {
	now := time.Now()

	t.Run("answers unknown keys in an indirect map", func(t *testing.T) {
		c := newTestCache()
		require.NoError(t, c.Add("/net", "*", "srv:/&", now))
		require.NoError(t, c.Add("/net", "home", "srv:/home", now))

		e := c.Lookup("docs")
		require.NotNil(t, e)
		assert.True(t, e.IsWildcard())
		assert.Equal(t, "srv:/home", c.Lookup("home").Value)
	})

	t.Run("later explicit key supersedes the wildcard", func(t *testing.T) {
		c := newTestCache()
		require.NoError(t, c.Add("/net", "*", "srv:/&", now))
		require.NoError(t, c.Add("/net", "docs", "srv:/docs", now))

		assert.Equal(t, "srv:/docs", c.Lookup("docs").Value)
		assert.Nil(t, c.LookupNext(c.Lookup("docs")))
	})

	t.Run("ignored in a direct map", func(t *testing.T) {
		c := newTestCache()
		require.NoError(t, c.Add("/-", "/x", "srv:/x", now))
		require.NoError(t, c.Add("/-", "*", "srv:/&", now))

		assert.Nil(t, c.Lookup("docs"))
	})
}

func TestPartialMatch(t *testing.T) {
	c := newTestCache()
	now := time.Now()
	require.NoError(t, c.Add("/-", "/data/a", "srv:/a", now))
	require.NoError(t, c.Add("/-", "/srv/x", "srv:/x", now))

	tests := []struct {
		prefix string
		want   string
	}{
		{"/data", "/data/a"},
		{"/srv", "/srv/x"},
		{"/dat", ""},
		{"/data/a", ""},
		{"/other", ""},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			e := c.PartialMatch(tt.prefix)
			if tt.want == "" {
				assert.Nil(t, e)
				return
			}
			require.NotNil(t, e)
			assert.Equal(t, tt.want, e.Key)
		})
	}
}

func TestCleanDropsStrictlyOlder(t *testing.T) {
	c := newTestCache()
	t0 := time.Unix(1000, 0)
	t1 := t0.Add(time.Second)

	require.NoError(t, c.Add("/net", "a", "old", t0))
	require.NoError(t, c.Add("/net", "b", "new", t1))
	require.NoError(t, c.Add("/net", "c", "new", t1))

	c.Clean(t1)

	assert.Nil(t, c.Lookup("a"))
	assert.NotNil(t, c.Lookup("b"))
	assert.NotNil(t, c.Lookup("c"))
	assert.Equal(t, 2, c.Len())
}

func TestDelete(t *testing.T) {
	now := time.Now()

	t.Run("removes every duplicate", func(t *testing.T) {
		c := newTestCache()
		require.NoError(t, c.Add("/net", "web", "v1", now))
		require.NoError(t, c.Add("/net", "web", "v2", now))

		require.NoError(t, c.Delete("/net", "web", false))
		assert.Nil(t, c.Lookup("web"))
		assert.Zero(t, c.Len())
	})

	t.Run("unknown bucket", func(t *testing.T) {
		c := newTestCache()
		assert.ErrorIs(t, c.Delete("/net", "web", false), common.ErrNotFound)
	})

	t.Run("refuses a mounted key", func(t *testing.T) {
		var asked string
		c := New(WithMountCheck(func(p string) bool { asked = p; return true }))
		require.NoError(t, c.Add("/net", "web", "v1", now))

		assert.ErrorIs(t, c.Delete("/net", "web", false), common.ErrBusy)
		assert.Equal(t, "/net/web", asked)
		assert.NotNil(t, c.Lookup("web"))
	})

	t.Run("removes the directory", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(root, "keep"), nil, 0o644))
		require.NoError(t, os.Mkdir(filepath.Join(root, "web"), 0o755))

		c := newTestCache()
		require.NoError(t, c.Add(root, "web", "v1", now))
		require.NoError(t, c.Delete(root, "web", true))

		assert.NoDirExists(t, filepath.Join(root, "web"))
		assert.DirExists(t, root)
	})
}

func TestRelease(t *testing.T) {
	c := newTestCache()
	require.NoError(t, c.Add("/net", "a", "x", time.Now()))
	c.Release()
	assert.Zero(t, c.Len())
	assert.Nil(t, c.First())
}

func TestDumpPrintsInsteadOfStoring(t *testing.T) {
	var buf bytes.Buffer
	c := newTestCache(WithDump(&buf))

	require.NoError(t, c.Add("/net", "web", "-rw srv:/web", time.Now()))
	_, err := c.Update("/net", "docs", "srv:/docs", time.Now())
	require.NoError(t, err)

	assert.Equal(t, "web -rw srv:/web\ndocs srv:/docs\n", buf.String())
	assert.Zero(t, c.Len())
}

type submount struct {
	root, name, mapent string
}

type recordingSubmounter struct {
	calls []submount
}

func (r *recordingSubmounter) Mount(ctx context.Context, root, name, mapent string) error {
	r.calls = append(r.calls, submount{root, name, mapent})
	return nil
}

func TestGhost(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("empty map fails", func(t *testing.T) {
		c := newTestCache()
		assert.Equal(t, StatusFail, c.Ghost(ctx, GhostOptions{Root: "/net"}, nil))
	})

	t.Run("indirect with ghosting creates directories", func(t *testing.T) {
		root := t.TempDir()
		c := newTestCache()
		for _, k := range []string{"docs", "home", "*"} {
			require.NoError(t, c.Add(root, k, "srv:/"+k, now))
		}

		st := c.Ghost(ctx, GhostOptions{Root: root, Ghost: true}, nil)
		assert.True(t, st.Has(StatusIndirect))
		assert.True(t, st.Has(StatusWild))
		assert.DirExists(t, filepath.Join(root, "docs"))
		assert.DirExists(t, filepath.Join(root, "home"))
		assert.NoDirExists(t, filepath.Join(root, "*"))
	})

	t.Run("indirect without ghosting leaves the tree alone", func(t *testing.T) {
		root := t.TempDir()
		c := newTestCache()
		require.NoError(t, c.Add(root, "docs", "srv:/docs", now))
		require.NoError(t, c.Add(root, "*", "srv:/&", now))

		assert.Equal(t, StatusIndirect, c.Ghost(ctx, GhostOptions{Root: root}, nil))
		assert.NoDirExists(t, filepath.Join(root, "docs"))
	})

	t.Run("direct master mounts one automount per base", func(t *testing.T) {
		c := newTestCache()
		for _, k := range []string{"/data/a", "/data/b", "/srv/x"} {
			require.NoError(t, c.Add("/-", k, "srv:"+k, now))
		}
		sub := &recordingSubmounter{}

		st := c.Ghost(ctx, GhostOptions{Root: "/-", MapLabel: "file:/etc/auto.direct"}, sub)
		assert.Equal(t, StatusDirect, st)
		assert.ElementsMatch(t, []submount{
			{"", "data", "-fstype=autofs file:/etc/auto.direct"},
			{"", "srv", "-fstype=autofs file:/etc/auto.direct"},
		}, sub.calls)
	})

	t.Run("direct master skips mounted bases", func(t *testing.T) {
		c := New(WithMountCheck(func(p string) bool { return p == "/data" }))
		require.NoError(t, c.Add("/-", "/data/a", "srv:/a", now))
		require.NoError(t, c.Add("/-", "/srv/x", "srv:/x", now))
		sub := &recordingSubmounter{}

		c.Ghost(ctx, GhostOptions{Root: "/-", MapLabel: "file:m"}, sub)
		assert.Equal(t, []submount{{"", "srv", "-fstype=autofs file:m"}}, sub.calls)
	})

	t.Run("top-level direct key is a format error", func(t *testing.T) {
		c := newTestCache()
		require.NoError(t, c.Add("/-", "/x", "srv:/x", now))
		sub := &recordingSubmounter{}

		assert.Equal(t, StatusDirect, c.Ghost(ctx, GhostOptions{Root: "/-"}, sub))
		assert.Empty(t, sub.calls)
	})

	t.Run("nested direct keys beneath a submount", func(t *testing.T) {
		if os.Geteuid() != 0 {
			t.Skip("creating inside read-only ghost directories needs root")
		}
		tests := []struct {
			name         string
			major, minor int
			want         string
		}{
			{"newer protocol ghosts the full path", 5, 2, "a/b"},
			{"protocol 4.1 stops at the first level", 4, 1, "a"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				root := t.TempDir()
				c := newTestCache()
				require.NoError(t, c.Add(root, root+"/a/b", "srv:/ab", now))

				st := c.Ghost(ctx, GhostOptions{Root: root, Ghost: true, ProtoMajor: tt.major, ProtoMinor: tt.minor}, nil)
				assert.Equal(t, StatusDirect, st)
				assert.DirExists(t, filepath.Join(root, tt.want))
				if tt.want == "a" {
					assert.NoDirExists(t, filepath.Join(root, "a", "b"))
				}
			})
		}
	})
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "indirect|wild", (StatusIndirect | StatusWild).String())
	assert.Equal(t, "none", Status(0).String())
}
