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

package throttle

import (
	"context"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialDelay = 10 * time.Millisecond
	cfg.MinDelay = time.Millisecond
	cfg.MaxDelay = time.Minute
	cfg.WidenAfter = 2
	return cfg
}

func TestRateLimitRaisesDelay(t *testing.T) {
	th := New(testConfig())
	before := th.Delay()

	th.OnRateLimit(5 * time.Second)
	if got := th.Delay(); got != 5*time.Second {
		t.Fatalf("Delay() = %v after OnRateLimit(5s), want 5s (was %v)", got, before)
	}
}

func TestRateLimitFallback(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitFallback = 7 * time.Second
	th := New(cfg)

	th.OnRateLimit(0)
	if got := th.Delay(); got != 7*time.Second {
		t.Fatalf("Delay() = %v after OnRateLimit(0), want fallback 7s", got)
	}
}

func TestRateLimitSequenceIsMonotone(t *testing.T) {
	th := New(testConfig())

	th.OnRateLimit(10 * time.Second)
	th.OnRateLimit(5 * time.Second)
	if got := th.Delay(); got < 10*time.Second {
		t.Fatalf("Delay() = %v after 10s then 5s rate limits, want >= 10s", got)
	}
}

func TestWidenRespectsRateLimitFloor(t *testing.T) {
	th := New(testConfig())
	th.OnRateLimit(2 * time.Second)

	// Plenty of comfortable, fully successful batches.
	for i := 0; i < 50; i++ {
		th.OnBatchComplete(10*time.Millisecond, 20, 0)
	}
	if got := th.Delay(); got < 2*time.Second {
		t.Fatalf("Delay() = %v, want >= rate-limit floor of 2s until Reset", got)
	}

	th.Reset()
	for i := 0; i < 50; i++ {
		th.OnBatchComplete(10*time.Millisecond, 20, 0)
	}
	if got := th.Delay(); got >= 2*time.Second {
		t.Fatalf("Delay() = %v after Reset and comfortable batches, want < 2s", got)
	}
}

func TestHighLatencyNarrows(t *testing.T) {
	th := New(testConfig())
	before := th.Delay()

	th.OnBatchComplete(10*time.Second, 20, 0)
	if got := th.Delay(); got <= before {
		t.Fatalf("Delay() = %v after slow batch, want > %v", got, before)
	}
}

func TestComfortableBatchesWiden(t *testing.T) {
	th := New(testConfig())
	before := th.Delay()

	th.OnBatchComplete(5*time.Millisecond, 20, 0)
	th.OnBatchComplete(5*time.Millisecond, 20, 0)
	if got := th.Delay(); got >= before {
		t.Fatalf("Delay() = %v after comfortable batches, want < %v", got, before)
	}
}

func TestOnErrorNarrows(t *testing.T) {
	th := New(testConfig())
	before := th.Delay()

	th.OnError()
	if got := th.Delay(); got <= before {
		t.Fatalf("Delay() = %v after OnError, want > %v", got, before)
	}
}

func TestResetRestoresInitialState(t *testing.T) {
	cfg := testConfig()
	th := New(cfg)
	th.OnRateLimit(30 * time.Second)
	th.OnError()

	th.Reset()
	if got := th.Delay(); got != cfg.InitialDelay {
		t.Fatalf("Delay() = %v after Reset, want %v", got, cfg.InitialDelay)
	}
	if got := th.TargetRate(); got != cfg.InitialRate {
		t.Fatalf("TargetRate() = %v after Reset, want %v", got, cfg.InitialRate)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	cfg := testConfig()
	cfg.InitialDelay = time.Hour
	th := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := th.Wait(ctx); err == nil {
		t.Fatal("Wait() = nil with cancelled context, want error")
	}
}

func TestRecentRate(t *testing.T) {
	th := New(testConfig())
	if got := th.RecentRate(); got != 0 {
		t.Fatalf("RecentRate() = %v with no samples, want 0", got)
	}

	th.OnBatchComplete(time.Second, 20, 0)
	if got := th.RecentRate(); got <= 0 {
		t.Fatalf("RecentRate() = %v after a sample, want > 0", got)
	}
}
