// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sync

import (
	"context"
	"time"
)

// RetryPolicy retries transient failures with bounded attempts and
// exponential backoff from a fixed base delay.
type RetryPolicy struct {
	Attempts   int
	BaseDelay  time.Duration
	Multiplier float64
}

// DefaultRetryPolicy matches the provider's published guidance:
// three attempts, half-second base, doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 500 * time.Millisecond, Multiplier: 2}
}

// Do runs fn until it succeeds, fails terminally, or the attempt
// budget is spent.  onRetry, if non-nil, observes each retryable
// failure before the backoff sleep; the throttle is fed through it.
func (p RetryPolicy) Do(ctx context.Context, fn func() error, onRetry func(error)) error {
	delay := p.BaseDelay
	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = fn(); err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		if onRetry != nil {
			onRetry(err)
		}
		if attempt == p.Attempts-1 {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = time.Duration(float64(delay) * p.Multiplier)
	}
	return err
}
