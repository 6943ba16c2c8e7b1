package util

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsProcessRunning(t *testing.T) {
	t.Parallel()

	assert.True(t, IsProcessRunning(os.Getpid()))
	assert.False(t, IsProcessRunning(0))
	assert.False(t, IsProcessRunning(-1))
}

func TestWaitForExit(t *testing.T) {
	t.Parallel()

	cmd := exec.Command("sleep", "0")
	require.NoError(t, cmd.Run())

	assert.True(t, WaitForExit(cmd.Process.Pid, 3, time.Millisecond))
	assert.False(t, WaitForExit(os.Getpid(), 2, time.Millisecond))
}

func TestStartReady(t *testing.T) {
	t.Parallel()

	t.Run("ready", func(t *testing.T) {
		t.Parallel()
		proc, err := StartReady("/bin/sh", []string{"-c", `printf x >&3; exit 0`}, os.Environ(), "TEST_READY_FD", false)
		require.NoError(t, err)
		_, err = proc.Wait()
		assert.NoError(t, err)
	})

	t.Run("exits first", func(t *testing.T) {
		t.Parallel()
		_, err := StartReady("/bin/sh", []string{"-c", "exit 3"}, os.Environ(), "TEST_READY_FD", false)
		assert.ErrorIs(t, err, ErrNotReady)
	})

	t.Run("descriptor named in environment", func(t *testing.T) {
		t.Parallel()
		proc, err := StartReady("/bin/sh", []string{"-c", `printf x >&$TEST_READY_FD`}, []string{"TEST_READY_FD=9"}, "TEST_READY_FD", false)
		require.NoError(t, err)
		proc.Wait()
	})
}

func TestWithoutEnv(t *testing.T) {
	t.Parallel()

	got := WithoutEnv([]string{"A=1", "B=2", "AB=3", "C=4"}, "A", "C")
	assert.Equal(t, []string{"B=2", "AB=3"}, got)
}
