package kernel

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/avast/retry-go/v4"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"automount/internal/common"
	"automount/internal/spawn"
)

type fakeUmounter struct {
	calls  int
	result spawn.Result
}

func (f *fakeUmounter) RunLocked(ctx context.Context, level log.Level, prog string, args ...string) (spawn.Result, error) {
	f.calls++
	return f.result, nil
}

func fastTeardown(t *testing.T) {
	t.Helper()
	orig := teardownRetry
	teardownRetry = func(ctx context.Context) []retry.Option {
		return []retry.Option{retry.Attempts(3), retry.Delay(0), retry.LastErrorOnly(true)}
	}
	t.Cleanup(func() { teardownRetry = orig })
}

func TestEstablishRejectsRelativePath(t *testing.T) {
	_, err := Establish("net")
	assert.ErrorIs(t, err, common.ErrInvalidPath)
}

func TestVersionFeatures(t *testing.T) {
	tests := []struct {
		v                          Version
		timeouts, ghosting, multi bool
	}{
		{Version{Major: 2}, false, false, false},
		{Version{Major: 3}, true, false, false},
		{Version{Major: 4, Minor: 0, SubVersion: true}, true, true, true},
		{Version{Major: 5, Minor: 2, SubVersion: true}, true, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.v.String(), func(t *testing.T) {
			assert.Equal(t, tt.timeouts, tt.v.Timeouts())
			assert.Equal(t, tt.ghosting, tt.v.Ghosting())
			assert.Equal(t, tt.multi, tt.v.ExpireMulti())
		})
	}
}

func TestClosedChannel(t *testing.T) {
	c := Attach("/net", nil, 1, Version{Major: 4})

	assert.NoError(t, c.Ready(0), "token zero owes no acknowledgement")
	assert.NoError(t, c.Fail(0))
	assert.Error(t, c.Ready(7))
	_, err := c.AskUmount()
	assert.Error(t, err)
	assert.Error(t, c.ExpireMulti(ExpireImmediate))
	assert.NoError(t, c.Close())
}

func TestCloseWhileReading(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()
	c := &Channel{Path: "/net", pipe: r}

	errs := make(chan error, 1)
	go func() {
		_, err := c.ReadPacket()
		errs <- err
	}()
	require.NoError(t, c.Close())

	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reader still blocked after close")
	}

	_, err = c.ReadPacket()
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestTeardown(t *testing.T) {
	fastTeardown(t)
	ctx := context.Background()

	t.Run("successful umount", func(t *testing.T) {
		u := &fakeUmounter{}
		c := Attach(t.TempDir(), nil, 0, Version{})
		require.NoError(t, c.Teardown(ctx, u, "/bin/umount"))
		assert.Equal(t, 1, u.calls)
	})

	t.Run("path already gone", func(t *testing.T) {
		u := &fakeUmounter{result: spawn.Result{Prog: "umount", ExitCode: 32}}
		c := Attach(filepath.Join(t.TempDir(), "gone"), nil, 0, Version{})
		require.NoError(t, c.Teardown(ctx, u, "/bin/umount"))
		assert.Equal(t, 1, u.calls)
	})

	t.Run("path now on another device", func(t *testing.T) {
		u := &fakeUmounter{result: spawn.Result{Prog: "umount", ExitCode: 32}}
		dir := t.TempDir()
		var st unix.Stat_t
		require.NoError(t, unix.Stat(dir, &st))

		c := Attach(dir, nil, uint64(st.Dev)+1, Version{})
		require.NoError(t, c.Teardown(ctx, u, "/bin/umount"))
	})

	t.Run("still mounted after every attempt", func(t *testing.T) {
		u := &fakeUmounter{result: spawn.Result{Prog: "umount", ExitCode: 32}}
		dir := t.TempDir()
		var st unix.Stat_t
		require.NoError(t, unix.Stat(dir, &st))

		c := Attach(dir, nil, uint64(st.Dev), Version{})
		err := c.Teardown(ctx, u, "/bin/umount")
		require.Error(t, err)
		assert.ErrorIs(t, err, spawn.ErrFailed)
		assert.Equal(t, 3, u.calls)
	})
}
