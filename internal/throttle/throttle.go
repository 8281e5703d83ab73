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

// Package throttle paces concurrent batches against a rate limited
// provider API.  It tracks a target request rate and an inter-batch
// delay, narrowing when the provider shows signs of strain (high
// latency, errors, explicit rate-limit responses) and widening again
// after a run of comfortable, fully successful batches.
package throttle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds the tuning knobs for a Throttle.  The zero value is
// not usable; start from DefaultConfig.
type Config struct {
	// InitialDelay is the conservative inter-batch delay used at
	// startup and after Reset.
	InitialDelay time.Duration

	// MinDelay and MaxDelay bound the adaptive delay.
	MinDelay time.Duration
	MaxDelay time.Duration

	// InitialRate, MinRate and MaxRate bound the target request
	// rate, in requests per second.
	InitialRate float64
	MinRate     float64
	MaxRate     float64

	// ComfortLatency is the batch latency above which the
	// throttle narrows.
	ComfortLatency time.Duration

	// WidenAfter is the number of consecutive comfortable, fully
	// successful batches required before the throttle widens.
	WidenAfter int

	// NarrowFactor (> 1) multiplies the delay when narrowing;
	// WidenFactor (< 1) multiplies it when widening.
	NarrowFactor float64
	WidenFactor  float64

	// RateLimitFallback is the cooldown applied when the provider
	// rate limits without naming a Retry-After interval.
	RateLimitFallback time.Duration

	// WindowSize is how many batch samples the recent-rate
	// estimate looks at.
	WindowSize int
}

// DefaultConfig returns the conservative defaults used by the sync
// engine.
func DefaultConfig() Config {
	return Config{
		InitialDelay:      time.Second,
		MinDelay:          100 * time.Millisecond,
		MaxDelay:          5 * time.Minute,
		InitialRate:       10,
		MinRate:           0.5,
		MaxRate:           50,
		ComfortLatency:    2 * time.Second,
		WidenAfter:        3,
		NarrowFactor:      1.5,
		WidenFactor:       0.75,
		RateLimitFallback: 30 * time.Second,
		WindowSize:        20,
	}
}

type sample struct {
	at      time.Time
	latency time.Duration
	success int
}

// Throttle is the shared pacing state for one sync run.  It is safe
// for concurrent completion reports from in-flight requests of the
// same batch; batches themselves are sequential by construction.
// Nothing is persisted; a restarted process re-learns the rate.
type Throttle struct {
	cfg Config

	mu      sync.Mutex
	limiter *rate.Limiter
	delay   time.Duration

	// floor is the most recent rate-limit imposed minimum delay.
	// Widening never goes below it until Reset.
	floor time.Duration

	comfortable int
	window      []sample
}

// New returns a Throttle starting at the config's initial delay and
// rate.
func New(cfg Config) *Throttle {
	t := &Throttle{cfg: cfg}
	t.resetLocked()
	return t
}

func (t *Throttle) resetLocked() {
	t.delay = t.cfg.InitialDelay
	t.floor = 0
	t.comfortable = 0
	t.window = nil
	burst := int(t.cfg.InitialRate)
	if burst < 1 {
		burst = 1
	}
	t.limiter = rate.NewLimiter(rate.Limit(t.cfg.InitialRate), burst)
}

// Reset returns the throttle to its initial conservative state.
// Called before a recovery retry pass so a burst of known-bad IDs
// does not inherit an already relaxed rate.
func (t *Throttle) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
}

// Wait suspends the caller until the next batch may be issued,
// honoring both the target rate and the current inter-batch delay.
func (t *Throttle) Wait(ctx context.Context) error {
	t.mu.Lock()
	d := t.delay
	limiter := t.limiter
	t.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// OnBatchComplete feeds the throttle one batch sample.  Latency above
// the comfort threshold narrows; a run of comfortable, fully
// successful batches widens, gently.
func (t *Throttle) OnBatchComplete(latency time.Duration, success, failed int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.window = append(t.window, sample{at: time.Now(), latency: latency, success: success})
	if len(t.window) > t.cfg.WindowSize {
		t.window = t.window[len(t.window)-t.cfg.WindowSize:]
	}

	if latency > t.cfg.ComfortLatency || failed > 0 {
		t.comfortable = 0
		t.narrowLocked()
		return
	}

	t.comfortable++
	if t.comfortable >= t.cfg.WidenAfter {
		t.comfortable = 0
		t.widenLocked()
	}
}

// OnRateLimit forces the delay up to at least the provider-specified
// cooldown, or the configured fallback when the provider gave none.
// The cooldown becomes the floor below which widening will not go
// until Reset.
func (t *Throttle) OnRateLimit(retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = t.cfg.RateLimitFallback
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.comfortable = 0
	t.floor = retryAfter
	if t.delay < retryAfter {
		t.delay = retryAfter
	}
	if t.delay > t.cfg.MaxDelay {
		t.delay = t.cfg.MaxDelay
	}
	t.setRateLocked(float64(t.limiter.Limit()) / t.cfg.NarrowFactor)
}

// OnError nudges the delay up on an error that carried no explicit
// rate-limit signal, to absorb unlabeled throttling.
func (t *Throttle) OnError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.comfortable = 0
	t.narrowLocked()
}

func (t *Throttle) narrowLocked() {
	d := time.Duration(float64(t.delay) * t.cfg.NarrowFactor)
	if d < t.cfg.MinDelay {
		d = t.cfg.MinDelay
	}
	if d > t.cfg.MaxDelay {
		d = t.cfg.MaxDelay
	}
	t.delay = d
	t.setRateLocked(float64(t.limiter.Limit()) / t.cfg.NarrowFactor)
}

func (t *Throttle) widenLocked() {
	d := time.Duration(float64(t.delay) * t.cfg.WidenFactor)
	if d < t.cfg.MinDelay {
		d = t.cfg.MinDelay
	}
	if d < t.floor {
		d = t.floor
	}
	t.delay = d
	t.setRateLocked(float64(t.limiter.Limit()) / t.cfg.WidenFactor)
}

func (t *Throttle) setRateLocked(r float64) {
	if r < t.cfg.MinRate {
		r = t.cfg.MinRate
	}
	if r > t.cfg.MaxRate {
		r = t.cfg.MaxRate
	}
	t.limiter.SetLimit(rate.Limit(r))
}

// Delay reports the current inter-batch delay.  Introspection only.
func (t *Throttle) Delay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delay
}

// TargetRate reports the current target request rate in requests per
// second.  Introspection only.
func (t *Throttle) TargetRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return float64(t.limiter.Limit())
}

// RecentRate estimates the recently observed throughput in items per
// second, from the sample window.  Returns zero when too few samples
// have been seen to say anything.
func (t *Throttle) RecentRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.window) == 0 {
		return 0
	}
	var items int
	var busy time.Duration
	for _, s := range t.window {
		items += s.success
		busy += s.latency
	}
	if len(t.window) >= 2 {
		span := t.window[len(t.window)-1].at.Sub(t.window[0].at) + t.window[len(t.window)-1].latency
		if span > busy {
			busy = span
		}
	}
	if busy <= 0 {
		return 0
	}
	return float64(items) / busy.Seconds()
}
