package mounts

import (
	"errors"
	"testing"

	"github.com/moby/sys/mountinfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeTable(t *testing.T, infos []*mountinfo.Info, err error) {
	t.Helper()
	orig := getMounts
	getMounts = func(mountinfo.FilterFunc) ([]*mountinfo.Info, error) {
		return infos, err
	}
	t.Cleanup(func() { getMounts = orig })
}

func sampleTable() []*mountinfo.Info {
	return []*mountinfo.Info{
		{Mountpoint: "/", Source: "/dev/sda1", FSType: "ext4"},
		{Mountpoint: "/net", Source: "automount(pid42)", FSType: "autofs"},
		{Mountpoint: "/net/fs1", Source: "fs1:/export", FSType: "nfs"},
		{Mountpoint: "/net/fs1/sub", Source: "fs1:/sub", FSType: "nfs"},
		{Mountpoint: "/network", Source: "tmpfs", FSType: "tmpfs"},
	}
}

func paths(list []Entry) []string {
	var out []string
	for _, e := range list {
		out = append(out, e.Path)
	}
	return out
}

func TestList(t *testing.T) {
	fakeTable(t, sampleTable(), nil)

	tests := []struct {
		name    string
		path    string
		include bool
		want    []string
	}{
		{"beneath only", "/net", false, []string{"/net/fs1/sub", "/net/fs1"}},
		{"including self", "/net", true, []string{"/net/fs1/sub", "/net/fs1", "/net"}},
		{"leaf", "/net/fs1/sub", false, nil},
		{"root lists everything below", "/", false, []string{"/net/fs1/sub", "/net/fs1", "/network", "/net"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := List(tt.path, tt.include)
			require.NoError(t, err)
			assert.Equal(t, tt.want, paths(list))
		})
	}
}

func TestListDeepestFirst(t *testing.T) {
	fakeTable(t, sampleTable(), nil)

	list, err := List("/", true)
	require.NoError(t, err)
	for i := 1; i < len(list); i++ {
		assert.GreaterOrEqual(t, len(list[i-1].Path), len(list[i].Path))
	}
}

func TestAutofsOwner(t *testing.T) {
	fakeTable(t, sampleTable(), nil)

	list, err := List("/net", true)
	require.NoError(t, err)
	require.NotEmpty(t, list)
	last := list[len(list)-1]
	assert.Equal(t, "/net", last.Path)
	assert.Equal(t, 42, last.Pid)
	assert.Zero(t, list[0].Pid)
}

func TestOwnerPid(t *testing.T) {
	assert.Equal(t, 1234, OwnerPid("automount(pid1234)"))
	assert.Zero(t, OwnerPid("/dev/sda1"))
	assert.Zero(t, OwnerPid("automount(pid"))
}

func TestIsMounted(t *testing.T) {
	fakeTable(t, sampleTable(), nil)

	assert.True(t, IsMounted("/net/fs1"))
	assert.False(t, IsMounted("/net/fs2"))
	assert.False(t, IsMounted("/net/fs"))
}

func TestTableError(t *testing.T) {
	fakeTable(t, nil, errors.New("no /proc"))

	_, err := List("/net", false)
	assert.Error(t, err)
	assert.False(t, IsMounted("/net"))
}
