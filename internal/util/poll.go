// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"context"
	"errors"
	"time"
)

// ErrPollExhausted is returned by Poll when every try failed.
var ErrPollExhausted = errors.New("condition not met")

// PollConfig bounds a poll: at most Tries checks, Interval apart.
type PollConfig struct {
	Tries    int
	Interval time.Duration
}

// Poll checks condition until it holds, the tries run out or ctx is done.
// The first check happens immediately.
func Poll(ctx context.Context, cfg PollConfig, condition func() bool) error {
	if cfg.Tries <= 0 {
		cfg.Tries = 1
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for i := range cfg.Tries {
		if condition() {
			return nil
		}
		if i == cfg.Tries-1 {
			break
		}
		timer.Reset(cfg.Interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return ErrPollExhausted
}

// WaitFixed is Poll without cancellation. It reports whether condition
// held within the tries.
func WaitFixed(tries int, interval time.Duration, condition func() bool) bool {
	return Poll(context.Background(), PollConfig{Tries: tries, Interval: interval}, condition) == nil
}
