// Package util provides shared utility functions for automount.
package util

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
)

// MountRetryOptions returns retry options for a mount that failed with a
// transient server error. Each pause is one second plus a random share of
// pause so that clients started together do not retry in lock-step.
// retries counts the attempts after the first one.
func MountRetryOptions(ctx context.Context, retries int, pause time.Duration, retryIf func(error) bool) []retry.Option {
	if retries < 0 {
		retries = 0
	}
	opts := []retry.Option{
		retry.Attempts(uint(retries) + 1),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryIf),
		retry.Context(ctx),
	}
	if pause > 0 {
		opts = append(opts,
			retry.MaxJitter(pause),
			retry.DelayType(retry.CombineDelay(retry.FixedDelay, retry.RandomDelay)),
		)
	} else {
		opts = append(opts, retry.DelayType(retry.FixedDelay))
	}
	return opts
}

// UmountRetryOptions returns the options used when unmounting the managed
// path itself: three attempts one second apart.
func UmountRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

// DefaultRetryOptions returns sensible defaults for retry operations.
func DefaultRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(1 * time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

// Retry executes fn with retry logic.
// Returns the last error if all attempts fail.
func Retry(ctx context.Context, fn func() error, opts ...retry.Option) error {
	if len(opts) == 0 {
		opts = DefaultRetryOptions(ctx)
	}
	return retry.Do(fn, opts...)
}
