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

// Package sync implements the mailbox synchronization engine: full
// syncs that page every message ID out of the provider and fetch
// metadata under adaptive throttling, and catch-up runs that fold
// the provider change log into net record mutations.
package sync

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mailsweep/mailsweep/internal/message"
	"github.com/mailsweep/mailsweep/internal/throttle"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Controller owns the sync job state machine.  One logical sync run
// per account at a time; runs are internally parallel but externally
// sequential.
type Controller struct {
	provider    ClientProvider
	jobs        JobStore
	checkpoints CheckpointStore
	sink        RecordSink
	observer    Observer
	logger      *slog.Logger

	throttleCfg throttle.Config
	fetcherCfg  FetcherConfig

	mu     sync.Mutex
	active map[string]*run
}

// run is the in-memory state of one active sync.
type run struct {
	job      *Job
	throttle *throttle.Throttle
	cancel   atomic.Bool
	pause    atomic.Bool
}

func (r *run) stopRequested() bool {
	return r.cancel.Load() || r.pause.Load()
}

// Option configures a Controller.
type Option func(*Controller)

// WithObserver installs the progress observer for all runs.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// WithLogger installs the controller's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithThrottleConfig overrides the throttle tuning.
func WithThrottleConfig(cfg throttle.Config) Option {
	return func(c *Controller) { c.throttleCfg = cfg }
}

// WithFetcherConfig overrides the fetcher tuning.
func WithFetcherConfig(cfg FetcherConfig) Option {
	return func(c *Controller) { c.fetcherCfg = cfg }
}

// NewController wires the engine to its collaborators.
func NewController(provider ClientProvider, jobs JobStore, checkpoints CheckpointStore, sink RecordSink, opts ...Option) *Controller {
	c := &Controller{
		provider:    provider,
		jobs:        jobs,
		checkpoints: checkpoints,
		sink:        sink,
		observer:    NopObserver{},
		logger:      slog.Default(),
		throttleCfg: throttle.DefaultConfig(),
		fetcherCfg:  DefaultFetcherConfig(),
		active:      make(map[string]*run),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run performs a full sync for the account, creating a fresh job and
// driving it to a terminal state.  It returns the job in its final
// state; the error is non-nil only when even recording the failure
// was impossible.
func (c *Controller) Run(ctx context.Context, accountID string) (*Job, error) {
	now := time.Now()
	job := &Job{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Status:    StatusPending,
		CreatedAt: now,
	}
	if err := c.jobs.Save(ctx, job); err != nil {
		return nil, errors.Wrap(err, "unable to save new sync job")
	}
	return c.drive(ctx, job)
}

// Resume re-enters a failed, paused or cancelled job at its stored
// page-boundary checkpoint.  Pages strictly before the checkpoint
// are never re-processed.
func (c *Controller) Resume(ctx context.Context, accountID string) (*Job, error) {
	job, err := c.jobs.Load(ctx, accountID)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load sync job")
	}
	if job == nil {
		return nil, errors.Errorf("no sync job for account %v", accountID)
	}
	if !job.CanResume() {
		return nil, errors.Errorf("job %v in status %q has no resume checkpoint", job.ID, job.Status)
	}
	job.LastError = ""
	return c.drive(ctx, job)
}

// Cancel requests cooperative cancellation of the account's active
// run.  The in-flight batch is allowed to finish; no new batches are
// issued.  Only meaningful while the run is pending or running.
func (c *Controller) Cancel(accountID string) error {
	r, err := c.activeRun(accountID)
	if err != nil {
		return err
	}
	r.cancel.Store(true)
	return nil
}

// Pause requests a cooperative pause, observed at the same points as
// Cancel but leaving the job resumable as paused.
func (c *Controller) Pause(accountID string) error {
	r, err := c.activeRun(accountID)
	if err != nil {
		return err
	}
	r.pause.Store(true)
	return nil
}

func (c *Controller) activeRun(accountID string) (*run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.active[accountID]
	if !ok {
		return nil, errors.Errorf("no active sync for account %v", accountID)
	}
	return r, nil
}

// Progress derives the user-facing progress view for the account's
// job: percentage, throttle-observed rate and ETA, phase string.
// Pure read; never mutates.
func (c *Controller) Progress(ctx context.Context, accountID string) (*ProgressReport, error) {
	c.mu.Lock()
	r, running := c.active[accountID]
	c.mu.Unlock()
	if running {
		return r.job.report(r.throttle.RecentRate()), nil
	}
	job, err := c.jobs.Load(ctx, accountID)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load sync job")
	}
	if job == nil {
		return nil, errors.Errorf("no sync job for account %v", accountID)
	}
	return job.report(0), nil
}

// drive runs the page loop for a pending or resumed job, persisting
// the processed count at every page boundary.
func (c *Controller) drive(ctx context.Context, job *Job) (*Job, error) {
	c.mu.Lock()
	if _, exists := c.active[job.AccountID]; exists {
		c.mu.Unlock()
		return nil, errors.Errorf("sync already running for account %v", job.AccountID)
	}
	r := &run{job: job, throttle: throttle.New(c.throttleCfg)}
	c.active[job.AccountID] = r
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, job.AccountID)
		c.mu.Unlock()
	}()

	if err := c.prepare(ctx, job); err != nil {
		return job, c.fail(ctx, job, err)
	}

	job.Status = StatusRunning
	job.StartedAt = time.Now()
	if err := c.jobs.Save(ctx, job); err != nil {
		return job, c.fail(ctx, job, err)
	}
	c.logger.Info("sync running",
		"job", job.ID, "account", job.AccountID,
		"resumeCursor", job.PageCursor, "processed", job.ProcessedMessages,
		"estimatedTotal", job.TotalMessages)

	lister := NewLister(c.provider, job.AccountID, job.PageCursor, c.observer)
	fetcher := NewFetcher(c.fetcherCfg, c.provider, job.AccountID, r.throttle,
		c.observer, c.logger, r.stopRequested)
	fetcher.SetProgressBase(job.ProcessedMessages, job.TotalMessages)

	for {
		if r.stopRequested() {
			return job, c.stop(ctx, job, r)
		}
		page, err := lister.Next(ctx)
		if err != nil {
			return job, c.fail(ctx, job, err)
		}
		if page == nil {
			break
		}

		records, err := fetcher.FetchPage(ctx, page.IDs)
		if len(records) > 0 {
			if serr := c.sink.Upsert(ctx, records); serr != nil {
				return job, c.fail(ctx, job, serr)
			}
		}
		if err != nil {
			return job, c.fail(ctx, job, err)
		}
		if r.stopRequested() {
			// The in-flight batch finished; the page did not.
			// Keep the pre-page checkpoint so resume replays it.
			return job, c.stop(ctx, job, r)
		}

		// Page boundary: this save is the resume checkpoint.
		job.ProcessedMessages = fetcher.Processed()
		job.FailedMessages = int64(len(fetcher.FailedIDs()))
		job.PageCursor = lister.Cursor()
		if err := c.jobs.Save(ctx, job); err != nil {
			return job, c.fail(ctx, job, err)
		}
	}

	recovered, unrecovered, err := fetcher.Recover(ctx)
	if len(recovered) > 0 {
		if serr := c.sink.Upsert(ctx, recovered); serr != nil {
			return job, c.fail(ctx, job, serr)
		}
	}
	if err != nil {
		return job, c.fail(ctx, job, err)
	}

	job.Status = StatusCompleted
	job.CompletedAt = time.Now()
	job.ProcessedMessages = fetcher.Processed()
	job.FailedMessages = int64(unrecovered)
	if err := c.jobs.Save(ctx, job); err != nil {
		return job, errors.Wrap(err, "unable to save completed job")
	}
	if job.StartCheckpoint != "" {
		if err := c.checkpoints.Save(ctx, job.AccountID, job.StartCheckpoint); err != nil {
			return job, errors.Wrap(err, "unable to save sync checkpoint")
		}
	}
	c.logger.Info("sync complete",
		"job", job.ID, "account", job.AccountID,
		"processed", job.ProcessedMessages, "failed", job.FailedMessages)
	return job, nil
}

// prepare estimates the total and captures the pre-listing
// change-log position for a fresh job.
func (c *Controller) prepare(ctx context.Context, job *Job) error {
	client, err := c.provider.GetClient(ctx, job.AccountID)
	if err != nil {
		return errors.Wrap(err, "unable to acquire client")
	}
	profile, err := client.GetProfile(ctx)
	if err != nil {
		return errors.Wrap(err, "unable to estimate mailbox size")
	}
	job.TotalMessages = profile.MessagesTotal
	if job.StartCheckpoint == "" {
		// Captured before listing so changes racing the full
		// sync are replayed by the next catch-up.
		job.StartCheckpoint = profile.Checkpoint
	}
	return nil
}

// fail marks the job failed, preserving the processed-count resume
// checkpoint; auth expiry gets the distinguished user message.
func (c *Controller) fail(ctx context.Context, job *Job, cause error) error {
	job.Status = StatusFailed
	if errors.Cause(cause) == ErrAuthRequired {
		job.LastError = "re-authentication required"
	} else {
		job.LastError = cause.Error()
	}
	c.logger.Error("sync failed",
		"job", job.ID, "account", job.AccountID,
		"processed", job.ProcessedMessages, "err", cause)
	if err := c.jobs.Save(ctx, job); err != nil {
		return errors.Wrapf(err, "unable to record failure %v", cause)
	}
	return cause
}

// stop finalizes a cooperative cancel or pause.
func (c *Controller) stop(ctx context.Context, job *Job, r *run) error {
	if r.cancel.Load() {
		job.Status = StatusCancelled
	} else {
		job.Status = StatusPaused
	}
	c.logger.Info("sync stopped",
		"job", job.ID, "status", job.Status, "processed", job.ProcessedMessages)
	return c.jobs.Save(ctx, job)
}

// CatchUpResult reports what a catch-up run did.
type CatchUpResult struct {
	// Delta is the applied reconciliation, nil when the
	// checkpoint had expired.
	Delta *message.Delta

	// Job is set when an expired checkpoint forced a fresh full
	// sync.  A new job is always created for the fallback; the
	// old one is never mutated.
	Job *Job
}

// CatchUp reconciles the change log since the account's stored
// checkpoint and folds the result into the record sink.  When no
// checkpoint exists, or the provider reports it expired, control
// falls back to a fresh full sync.
func (c *Controller) CatchUp(ctx context.Context, accountID string) (*CatchUpResult, error) {
	checkpoint, err := c.checkpoints.Load(ctx, accountID)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load sync checkpoint")
	}
	if checkpoint == "" {
		c.logger.Info("no checkpoint, running full sync", "account", accountID)
		job, err := c.Run(ctx, accountID)
		return &CatchUpResult{Job: job}, err
	}

	delta, err := NewReconciler(c.provider, accountID, c.logger).Reconcile(ctx, checkpoint)
	if err != nil {
		if errors.Cause(err) == ErrCheckpointExpired {
			c.logger.Info("checkpoint expired, falling back to full sync",
				"account", accountID, "checkpoint", checkpoint)
			job, err := c.Run(ctx, accountID)
			return &CatchUpResult{Job: job}, err
		}
		return nil, err
	}

	if err := c.applyDelta(ctx, accountID, delta); err != nil {
		return nil, err
	}
	if err := c.checkpoints.Save(ctx, accountID, delta.Checkpoint); err != nil {
		return nil, errors.Wrap(err, "unable to advance sync checkpoint")
	}
	return &CatchUpResult{Delta: delta}, nil
}

// applyDelta folds a reconciliation into record mutations: net-added
// messages are fetched through the detail fetcher so they land as
// full records, then deletions and label deltas are applied.
func (c *Controller) applyDelta(ctx context.Context, accountID string, delta *message.Delta) error {
	if delta.Empty() {
		return nil
	}

	if len(delta.Added) > 0 {
		th := throttle.New(c.throttleCfg)
		fetcher := NewFetcher(c.fetcherCfg, c.provider, accountID, th,
			c.observer, c.logger, nil)
		fetcher.SetProgressBase(0, int64(len(delta.Added)))

		records, err := fetcher.FetchPage(ctx, delta.Added)
		if err != nil {
			return err
		}
		recovered, unrecovered, err := fetcher.Recover(ctx)
		records = append(records, recovered...)
		if err != nil {
			return err
		}
		if unrecovered > 0 {
			c.logger.Warn("catch-up left gaps", "unrecovered", unrecovered)
		}
		if len(records) > 0 {
			if err := c.sink.Upsert(ctx, records); err != nil {
				return errors.Wrap(err, "unable to upsert added messages")
			}
		}
	}

	if len(delta.Deleted) > 0 {
		if err := c.sink.MarkDeleted(ctx, delta.Deleted); err != nil {
			return errors.Wrap(err, "unable to mark messages deleted")
		}
	}
	for id, ld := range delta.LabelChanges {
		if err := c.sink.ApplyLabelDelta(ctx, id, ld.Added, ld.Removed); err != nil {
			return errors.Wrapf(err, "unable to apply label delta for %v", id)
		}
	}
	return nil
}
