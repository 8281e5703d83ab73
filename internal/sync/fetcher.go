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
	"log/slog"
	"sync"
	"time"

	"github.com/mailsweep/mailsweep/internal/message"
	"github.com/mailsweep/mailsweep/internal/throttle"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// FetcherConfig holds the tuning knobs for a Fetcher.  Start from
// DefaultFetcherConfig.
type FetcherConfig struct {
	// BatchSize bounds the number of concurrent in-flight detail
	// requests.  Batches are strictly sequential relative to each
	// other, so the provider never sees more than BatchSize
	// concurrent requests.
	BatchSize int

	// ClientRefresh is the wall-clock interval after which the
	// fetcher re-acquires a fresh credentialed client, to avoid
	// mid-run token expiry.
	ClientRefresh time.Duration

	// Retry governs each individual detail request.
	Retry RetryPolicy

	// ProgressEvery is the processed-count cadence for progress
	// callbacks.
	ProgressEvery int64

	// RecoveryBatchSize and RecoveryPause govern the single
	// best-effort retry pass over failed IDs: reduced concurrency
	// with fixed inter-batch pauses.
	RecoveryBatchSize int
	RecoveryPause     time.Duration
}

// DefaultFetcherConfig returns the engine defaults.
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		BatchSize:         20,
		ClientRefresh:     30 * time.Minute,
		Retry:             DefaultRetryPolicy(),
		ProgressEvery:     500,
		RecoveryBatchSize: 5,
		RecoveryPause:     500 * time.Millisecond,
	}
}

// Fetcher fetches full per-message metadata for pages of IDs with
// bounded concurrency.  Individual item failures never fail a page:
// they are tracked, retried once in a recovery pass, and finally
// accepted as gaps.  One Fetcher serves one sync run and accumulates
// processed and failed counts across pages so progress and ETA are
// computed against the overall total.
type Fetcher struct {
	cfg       FetcherConfig
	provider  ClientProvider
	accountID string
	throttle  *throttle.Throttle
	observer  Observer
	logger    *slog.Logger

	// stop is the cooperative cancellation check, observed
	// between batches only; an in-flight batch always completes.
	stop func() bool

	client   MessageStorage
	clientAt time.Time

	processed    int64
	total        int64
	lastReported int64
	failed       []string
}

// NewFetcher builds a Fetcher for one run.  stop may be nil.
func NewFetcher(cfg FetcherConfig, provider ClientProvider, accountID string, th *throttle.Throttle, observer Observer, logger *slog.Logger, stop func() bool) *Fetcher {
	if observer == nil {
		observer = NopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if stop == nil {
		stop = func() bool { return false }
	}
	return &Fetcher{
		cfg:       cfg,
		provider:  provider,
		accountID: accountID,
		throttle:  th,
		observer:  observer,
		logger:    logger,
		stop:      stop,
	}
}

// SetProgressBase seeds the overall totals: items already processed
// by prior pages or a resumed run, and the best-effort grand total.
func (f *Fetcher) SetProgressBase(processed, total int64) {
	f.processed = processed
	f.lastReported = processed
	f.total = total
}

// Processed reports the cumulative processed count for this run.
func (f *Fetcher) Processed() int64 { return f.processed }

// FailedIDs reports the IDs whose retry budget is exhausted so far.
func (f *Fetcher) FailedIDs() []string { return f.failed }

// FetchPage fetches metadata for one page of IDs.  Result order is
// not guaranteed to match input order.  Only fatal conditions (auth
// expiry, context cancellation, an unexpected provider error) are
// returned; per-item failures are tracked for the recovery pass.
func (f *Fetcher) FetchPage(ctx context.Context, ids []string) ([]*message.Record, error) {
	var records []*message.Record
	for start := 0; start < len(ids); start += f.cfg.BatchSize {
		if f.stop() {
			return records, nil
		}
		end := start + f.cfg.BatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch, err := f.fetchBatch(ctx, ids[start:end], true)
		records = append(records, batch...)
		if err != nil {
			return records, err
		}
		f.reportProgress("fetching")
	}
	return records, nil
}

// fetchBatch runs one bounded-concurrency batch.  The main pass
// waits on the throttle first, reports aggregate batch latency
// afterwards, and advances the processed count; the recovery pass
// does none of that, since its IDs were already counted.
func (f *Fetcher) fetchBatch(ctx context.Context, ids []string, mainPass bool) ([]*message.Record, error) {
	if mainPass {
		if err := f.throttle.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if err := f.refreshClient(ctx); err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		records []*message.Record
		failed  []string
	)
	begin := time.Now()
	grp, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		grp.Go(func() error {
			rec, terminal, err := f.fetchOne(gctx, id, f.cfg.Retry)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case rec != nil:
				records = append(records, rec)
			case terminal:
				failed = append(failed, id)
			}
			return nil
		})
	}
	err := grp.Wait()
	latency := time.Since(begin)

	if mainPass {
		f.throttle.OnBatchComplete(latency, len(records), len(failed))
	}
	f.failed = append(f.failed, failed...)
	if err != nil {
		return records, err
	}
	if mainPass {
		f.processed += int64(len(ids))
	}
	return records, nil
}

// fetchOne issues one detail request under the retry policy.
// Returns the record on success; (nil, true, nil) when the ID's
// retry budget is exhausted; (nil, false, nil) for IDs the provider
// no longer serves, which are skipped outright because the history
// list sometimes delivers messages that can never be fetched.
func (f *Fetcher) fetchOne(ctx context.Context, id string, retry RetryPolicy) (*message.Record, bool, error) {
	var rec *message.Record
	err := retry.Do(ctx, func() error {
		var err error
		rec, err = f.client.GetMessage(ctx, id)
		return err
	}, func(err error) {
		if hint, ok := rateLimitHint(err); ok {
			f.throttle.OnRateLimit(hint)
		} else {
			f.throttle.OnError()
		}
	})
	if err == nil {
		return rec, false, nil
	}
	if isNotFound(err) {
		f.logger.Warn("message vanished from provider, skipping", "id", id)
		return nil, false, nil
	}
	if isAuthExpired(err) {
		return nil, false, errors.Wrapf(ErrAuthRequired, "fetching message %v", id)
	}
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	f.logger.Warn("detail fetch exhausted retries", "id", id, "err", err)
	return nil, true, nil
}

// Recover retries all failed IDs once more after resetting the
// throttle, at reduced concurrency with fixed inter-batch pauses.
// IDs that fail again are dropped permanently and reported as the
// remaining failure count; the caller treats them as gaps.
func (f *Fetcher) Recover(ctx context.Context) ([]*message.Record, int, error) {
	if len(f.failed) == 0 {
		return nil, 0, nil
	}
	retryIDs := f.failed
	f.failed = nil
	f.throttle.Reset()
	f.logger.Info("recovery pass starting", "failed", len(retryIDs))

	batchSize := f.cfg.RecoveryBatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	var records []*message.Record
	for start := 0; start < len(retryIDs); start += batchSize {
		if f.stop() {
			f.failed = append(f.failed, retryIDs[start:]...)
			break
		}
		end := start + batchSize
		if end > len(retryIDs) {
			end = len(retryIDs)
		}
		batch, err := f.fetchBatch(ctx, retryIDs[start:end], false)
		records = append(records, batch...)
		if err != nil {
			return records, len(f.failed), err
		}
		if end < len(retryIDs) {
			timer := time.NewTimer(f.cfg.RecoveryPause)
			select {
			case <-ctx.Done():
				timer.Stop()
				return records, len(f.failed), ctx.Err()
			case <-timer.C:
			}
		}
	}
	f.logger.Info("recovery pass done",
		"recovered", len(records), "unrecovered", len(f.failed))
	f.reportProgress("recovering")
	return records, len(f.failed), nil
}

// refreshClient acquires a credentialed client on first use and
// again after the refresh interval elapses.
func (f *Fetcher) refreshClient(ctx context.Context) error {
	if f.client != nil && time.Since(f.clientAt) < f.cfg.ClientRefresh {
		return nil
	}
	client, err := f.provider.GetClient(ctx, f.accountID)
	if err != nil {
		if isAuthExpired(err) {
			return errors.Wrap(ErrAuthRequired, "acquiring client")
		}
		return errors.Wrap(err, "unable to acquire client for fetching")
	}
	f.client = client
	f.clientAt = time.Now()
	return nil
}

// reportProgress fires the observer when the processed count crosses
// the configured cadence.
func (f *Fetcher) reportProgress(phase string) {
	if f.cfg.ProgressEvery <= 0 || f.processed-f.lastReported < f.cfg.ProgressEvery {
		return
	}
	f.lastReported = f.processed
	rate := f.throttle.RecentRate()
	var eta time.Duration
	if rate > 0 && f.total > f.processed {
		eta = time.Duration(float64(f.total-f.processed)/rate) * time.Second
	}
	f.observer.FetchProgress(Progress{
		Phase:     phase,
		Processed: f.processed,
		Failed:    int64(len(f.failed)),
		Total:     f.total,
		Rate:      rate,
		ETA:       eta,
	})
}
