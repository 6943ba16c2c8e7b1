package module

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitMapType(t *testing.T) {
	t.Parallel()

	typ, format := SplitMapType("file,sun")
	assert.Equal(t, "file", typ)
	assert.Equal(t, "sun", format)

	typ, format = SplitMapType("program")
	assert.Equal(t, "program", typ)
	assert.Empty(t, format)
}

func TestLookupNames(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"file", "multi", "program", "userhome"}, LookupNames())
}

func TestUnknownModules(t *testing.T) {
	t.Parallel()

	env := testEnv(&fakeRunner{})

	_, err := OpenLookup(env, "nis", "", []string{"auto.home"})
	assert.ErrorIs(t, err, ErrUnknownModule)

	_, err = OpenParser(env, "hesiod", nil)
	assert.ErrorIs(t, err, ErrUnknownModule)

	_, err = OpenMounter(env, "smbfs")
	assert.ErrorIs(t, err, ErrUnknownModule)
}

func TestDoMount(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown type falls back to generic", func(t *testing.T) {
		root := mountRoot(t)
		runner := &fakeRunner{}

		require.NoError(t, DoMount(ctx, testEnv(runner), root, "cd", "/dev/sr0", "iso9660", "ro"))
		require.Len(t, runner.Calls(), 1)
		assert.Equal(t, "-t", runner.Calls()[0].args[0])
		assert.Equal(t, "iso9660", runner.Calls()[0].args[1])
	})

	t.Run("ext2 is checked first", func(t *testing.T) {
		root := mountRoot(t)
		runner := &fakeRunner{}

		require.NoError(t, DoMount(ctx, testEnv(runner), root, "disk", "/dev/sdb1", "ext2", ""))
		require.Len(t, runner.Calls(), 2)
		assert.Equal(t, e2fsck, runner.Calls()[0].prog)
	})

	t.Run("types the generic mounter must not take", func(t *testing.T) {
		runner := &fakeRunner{}
		for _, fstype := range []string{"userfs", "changer"} {
			err := DoMount(ctx, testEnv(runner), "/auto", "x", "what", fstype, "")
			assert.ErrorIs(t, err, ErrUnknownModule, fstype)
		}
		assert.Empty(t, runner.Calls())
	})
}
