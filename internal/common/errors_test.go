package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorDefinitions(t *testing.T) {
	t.Parallel()

	errs := []error{
		ErrNotFound,
		ErrNotDir,
		ErrInvalidPath,
		ErrNameTooLong,
		ErrAlreadyMounted,
		ErrChannelSetup,
		ErrMountFailed,
		ErrBusy,
		ErrBadMapFormat,
	}

	seen := make(map[string]bool)
	for i, err := range errs {
		require.NotNil(t, err, "error at index %d should not be nil", i)
		msg := err.Error()
		assert.False(t, seen[msg], "duplicate error message: %s", msg)
		seen[msg] = true
	}
}

func TestErrorWrapping(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("establish /net: %w", ErrAlreadyMounted)
	assert.True(t, errors.Is(wrapped, ErrAlreadyMounted))
	assert.False(t, errors.Is(wrapped, ErrMountFailed))
	assert.Contains(t, wrapped.Error(), "already mounted")
}
