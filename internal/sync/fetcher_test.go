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
	"net/http"
	gosync "sync"
	"testing"
	"time"

	"github.com/mailsweep/mailsweep/internal/message"
	"github.com/mailsweep/mailsweep/internal/throttle"

	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
)

// countingStorage fails scripted IDs a scripted number of times.
type countingStorage struct {
	mu       gosync.Mutex
	calls    map[string]int
	failures map[string]int // remaining failures per ID
	failWith func() error
}

func newCountingStorage() *countingStorage {
	return &countingStorage{
		calls:    make(map[string]int),
		failures: make(map[string]int),
		failWith: func() error { return &googleapi.Error{Code: 503, Message: "backend"} },
	}
}

func (s *countingStorage) ListPage(ctx context.Context, cursor string) (*message.Page, error) {
	return nil, errors.New("not used")
}

func (s *countingStorage) ListHistoryPage(ctx context.Context, checkpoint, cursor string) (*message.HistoryPage, error) {
	return nil, errors.New("not used")
}

func (s *countingStorage) GetProfile(ctx context.Context) (*message.Profile, error) {
	return &message.Profile{}, nil
}

func (s *countingStorage) GetMessage(ctx context.Context, id string) (*message.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[id]++
	if s.failures[id] > 0 {
		s.failures[id]--
		return nil, s.failWith()
	}
	return simpleRecord(id), nil
}

func newTestFetcher(storage MessageStorage, cfg FetcherConfig) (*Fetcher, *throttle.Throttle) {
	th := throttle.New(fastThrottleConfig())
	f := NewFetcher(cfg, &fakeProvider{storage: storage}, "acct", th, nil, nil, nil)
	return f, th
}

func TestFetchPageAllSucceed(t *testing.T) {
	storage := newCountingStorage()
	f, _ := newTestFetcher(storage, fastFetcherConfig())

	_, ids := pagedIDs(50)
	records, err := f.FetchPage(context.Background(), ids)
	if err != nil {
		t.Fatalf("FetchPage() error: %v", err)
	}
	if len(records) != 50 {
		t.Errorf("records = %d, want 50", len(records))
	}
	if f.Processed() != 50 {
		t.Errorf("Processed() = %d, want 50", f.Processed())
	}
	if len(f.FailedIDs()) != 0 {
		t.Errorf("FailedIDs() = %v, want none", f.FailedIDs())
	}
}

func TestFetchPageRetriesTransient(t *testing.T) {
	storage := newCountingStorage()
	storage.failures["m00003"] = 2 // succeeds on third attempt
	f, _ := newTestFetcher(storage, fastFetcherConfig())

	_, ids := pagedIDs(10)
	records, err := f.FetchPage(context.Background(), ids)
	if err != nil {
		t.Fatalf("FetchPage() error: %v", err)
	}
	if len(records) != 10 {
		t.Errorf("records = %d, want 10 after in-batch retries", len(records))
	}
	if storage.calls["m00003"] != 3 {
		t.Errorf("calls for m00003 = %d, want 3", storage.calls["m00003"])
	}
}

func TestFetchPageRecordsExhaustedIDs(t *testing.T) {
	storage := newCountingStorage()
	storage.failures["m00001"] = 100
	f, _ := newTestFetcher(storage, fastFetcherConfig())

	_, ids := pagedIDs(10)
	records, err := f.FetchPage(context.Background(), ids)
	if err != nil {
		t.Fatalf("FetchPage() error: %v, want per-item failures to stay internal", err)
	}
	if len(records) != 9 {
		t.Errorf("records = %d, want 9", len(records))
	}
	if got := f.FailedIDs(); len(got) != 1 || got[0] != "m00001" {
		t.Errorf("FailedIDs() = %v, want [m00001]", got)
	}
	// Failed items still count as processed for progress purposes.
	if f.Processed() != 10 {
		t.Errorf("Processed() = %d, want 10", f.Processed())
	}
}

func TestFetchPageSkipsNotFound(t *testing.T) {
	storage := newCountingStorage()
	storage.failures["m00002"] = 100
	storage.failWith = func() error {
		return &googleapi.Error{Code: http.StatusNotFound, Message: "gone"}
	}
	f, _ := newTestFetcher(storage, fastFetcherConfig())

	_, ids := pagedIDs(5)
	records, err := f.FetchPage(context.Background(), ids)
	if err != nil {
		t.Fatalf("FetchPage() error: %v", err)
	}
	if len(records) != 4 {
		t.Errorf("records = %d, want 4 with the vanished ID skipped", len(records))
	}
	if len(f.FailedIDs()) != 0 {
		t.Errorf("FailedIDs() = %v, want none; not-found is a skip, not a failure", f.FailedIDs())
	}
	if storage.calls["m00002"] != 1 {
		t.Errorf("calls for m00002 = %d, want 1 (no retry of not-found)", storage.calls["m00002"])
	}
}

// The provider adapter reports vanished messages as the wrapped
// not-found sentinel rather than a raw 404; the fetcher must skip
// those the same way.
func TestFetchPageSkipsWrappedNotFoundSentinel(t *testing.T) {
	storage := newCountingStorage()
	storage.failures["m00002"] = 100
	storage.failWith = func() error {
		return errors.Wrapf(ErrMessageNotFound, "message %v", "m00002")
	}
	f, _ := newTestFetcher(storage, fastFetcherConfig())

	_, ids := pagedIDs(5)
	records, err := f.FetchPage(context.Background(), ids)
	if err != nil {
		t.Fatalf("FetchPage() error: %v", err)
	}
	if len(records) != 4 {
		t.Errorf("records = %d, want 4 with the vanished ID skipped", len(records))
	}
	if len(f.FailedIDs()) != 0 {
		t.Errorf("FailedIDs() = %v, want none; not-found is a skip, not a failure", f.FailedIDs())
	}
	if f.Processed() != 5 {
		t.Errorf("Processed() = %d, want 5", f.Processed())
	}
}

func TestFetchPageAuthExpiryIsFatal(t *testing.T) {
	storage := newCountingStorage()
	storage.failures["m00000"] = 100
	storage.failWith = func() error {
		return &googleapi.Error{Code: http.StatusUnauthorized, Message: "invalid credentials"}
	}
	f, _ := newTestFetcher(storage, fastFetcherConfig())

	_, ids := pagedIDs(5)
	_, err := f.FetchPage(context.Background(), ids)
	if errors.Cause(err) != ErrAuthRequired {
		t.Fatalf("FetchPage() error = %v, want cause ErrAuthRequired", err)
	}
}

func TestRateLimitFeedsThrottle(t *testing.T) {
	storage := newCountingStorage()
	storage.failures["m00004"] = 1
	storage.failWith = func() error {
		return &googleapi.Error{Code: http.StatusTooManyRequests, Message: "slow down"}
	}
	f, th := newTestFetcher(storage, fastFetcherConfig())

	before := th.Delay()
	_, ids := pagedIDs(10)
	if _, err := f.FetchPage(context.Background(), ids); err != nil {
		t.Fatalf("FetchPage() error: %v", err)
	}
	if got := th.Delay(); got < fastThrottleConfig().RateLimitFallback || got <= before {
		t.Errorf("Delay() = %v after rate limit, want elevated to at least the fallback", got)
	}
}

func TestRecoverRetriesFailedIDs(t *testing.T) {
	storage := newCountingStorage()
	// Exhaust the main pass (3 attempts), succeed during recovery.
	storage.failures["m00007"] = 3
	f, th := newTestFetcher(storage, fastFetcherConfig())
	th.OnRateLimit(5 * time.Millisecond)

	_, ids := pagedIDs(10)
	if _, err := f.FetchPage(context.Background(), ids); err != nil {
		t.Fatalf("FetchPage() error: %v", err)
	}
	if len(f.FailedIDs()) != 1 {
		t.Fatalf("FailedIDs() = %v, want one before recovery", f.FailedIDs())
	}

	recovered, unrecovered, err := f.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover() error: %v", err)
	}
	if len(recovered) != 1 || unrecovered != 0 {
		t.Errorf("Recover() = (%d recovered, %d unrecovered), want (1, 0)", len(recovered), unrecovered)
	}
	// Recovery starts from a clean, conservative throttle.
	if got := th.Delay(); got != fastThrottleConfig().InitialDelay {
		t.Errorf("Delay() = %v after Recover, want reset to initial", got)
	}
}

func TestRecoverDropsPermanentFailures(t *testing.T) {
	storage := newCountingStorage()
	storage.failures["m00007"] = 100
	f, _ := newTestFetcher(storage, fastFetcherConfig())

	_, ids := pagedIDs(10)
	if _, err := f.FetchPage(context.Background(), ids); err != nil {
		t.Fatalf("FetchPage() error: %v", err)
	}
	recovered, unrecovered, err := f.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover() error: %v", err)
	}
	if len(recovered) != 0 || unrecovered != 1 {
		t.Errorf("Recover() = (%d, %d), want (0, 1): still-failing IDs become gaps", len(recovered), unrecovered)
	}
}

func TestFetchPageStopsBetweenBatches(t *testing.T) {
	storage := newCountingStorage()
	cfg := fastFetcherConfig()
	cfg.BatchSize = 5

	// The first completed request flips the stop flag, which is
	// observed only between batches.
	var stopped gosync.Once
	stop := false
	wrapped := &fakeStorage{
		getMessage: func(ctx context.Context, id string) (*message.Record, error) {
			defer stopped.Do(func() { stop = true })
			return storage.GetMessage(ctx, id)
		},
		listPage:    storage.ListPage,
		listHistory: storage.ListHistoryPage,
		getProfile:  storage.GetProfile,
	}
	th := throttle.New(fastThrottleConfig())
	f := NewFetcher(cfg, &fakeProvider{storage: wrapped}, "acct", th, nil, nil,
		func() bool { return stop })

	_, ids := pagedIDs(20)

	records, err := f.FetchPage(context.Background(), ids)
	if err != nil {
		t.Fatalf("FetchPage() error: %v", err)
	}
	if len(records) >= 20 {
		t.Errorf("records = %d, want fewer than 20; stop observed between batches", len(records))
	}
	if len(records) < cfg.BatchSize {
		t.Errorf("records = %d, want at least one full batch; in-flight batch completes", len(records))
	}
}

func TestProgressCadence(t *testing.T) {
	storage := newCountingStorage()
	cfg := fastFetcherConfig()
	cfg.ProgressEvery = 10
	cfg.BatchSize = 10

	var events []Progress
	obs := &recordingObserver{onProgress: func(p Progress) {
		events = append(events, p)
	}}
	th := throttle.New(fastThrottleConfig())
	f := NewFetcher(cfg, &fakeProvider{storage: storage}, "acct", th, obs, nil, nil)
	f.SetProgressBase(100, 200)

	_, ids := pagedIDs(30)
	if _, err := f.FetchPage(context.Background(), ids); err != nil {
		t.Fatalf("FetchPage() error: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("no progress events fired")
	}
	last := events[len(events)-1]
	if last.Processed != 130 {
		t.Errorf("last Processed = %d, want 130 (base 100 + 30)", last.Processed)
	}
	if last.Total != 200 {
		t.Errorf("last Total = %d, want overall total 200", last.Total)
	}
}
