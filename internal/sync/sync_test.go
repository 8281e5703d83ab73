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

// Shared in-memory test doubles for the engine's collaborators.

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/mailsweep/mailsweep/internal/message"
	"github.com/mailsweep/mailsweep/internal/throttle"
)

type fakeStorage struct {
	listPage    func(ctx context.Context, cursor string) (*message.Page, error)
	getMessage  func(ctx context.Context, id string) (*message.Record, error)
	listHistory func(ctx context.Context, checkpoint, cursor string) (*message.HistoryPage, error)
	getProfile  func(ctx context.Context) (*message.Profile, error)
}

func (f *fakeStorage) ListPage(ctx context.Context, cursor string) (*message.Page, error) {
	return f.listPage(ctx, cursor)
}

func (f *fakeStorage) GetMessage(ctx context.Context, id string) (*message.Record, error) {
	return f.getMessage(ctx, id)
}

func (f *fakeStorage) ListHistoryPage(ctx context.Context, checkpoint, cursor string) (*message.HistoryPage, error) {
	return f.listHistory(ctx, checkpoint, cursor)
}

func (f *fakeStorage) GetProfile(ctx context.Context) (*message.Profile, error) {
	if f.getProfile != nil {
		return f.getProfile(ctx)
	}
	return &message.Profile{EmailAddress: "user@example.com", Checkpoint: "1000"}, nil
}

type fakeProvider struct {
	mu      gosync.Mutex
	storage MessageStorage
	err     error
	calls   int
}

func (p *fakeProvider) GetClient(ctx context.Context, accountID string) (MessageStorage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.storage, nil
}

type fakeJobStore struct {
	mu   gosync.Mutex
	jobs map[string]*Job
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]*Job)}
}

func (s *fakeJobStore) Load(ctx context.Context, accountID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[accountID]
	if !ok {
		return nil, nil
	}
	copied := *job
	return &copied, nil
}

func (s *fakeJobStore) Save(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *job
	s.jobs[job.AccountID] = &copied
	return nil
}

type fakeCheckpoints struct {
	mu         gosync.Mutex
	byAccount  map[string]string
	saveCalled int
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{byAccount: make(map[string]string)}
}

func (s *fakeCheckpoints) Load(ctx context.Context, accountID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byAccount[accountID], nil
}

func (s *fakeCheckpoints) Save(ctx context.Context, accountID, checkpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byAccount[accountID] = checkpoint
	s.saveCalled++
	return nil
}

type fakeSink struct {
	mu      gosync.Mutex
	records map[string]*message.Record
	deleted map[string]bool
	labels  map[string]message.LabelDelta
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		records: make(map[string]*message.Record),
		deleted: make(map[string]bool),
		labels:  make(map[string]message.LabelDelta),
	}
}

func (s *fakeSink) Upsert(ctx context.Context, records []*message.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		s.records[rec.PermID] = rec
	}
	return nil
}

func (s *fakeSink) MarkDeleted(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.deleted[id] = true
	}
	return nil
}

func (s *fakeSink) ApplyLabelDelta(ctx context.Context, id string, added, removed []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labels[id] = message.LabelDelta{Added: added, Removed: removed}
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// fastThrottleConfig keeps test waits in the microsecond range.
func fastThrottleConfig() throttle.Config {
	cfg := throttle.DefaultConfig()
	cfg.InitialDelay = time.Microsecond
	cfg.MinDelay = time.Microsecond
	cfg.MaxDelay = 50 * time.Millisecond
	cfg.InitialRate = 100000
	cfg.MaxRate = 100000
	cfg.MinRate = 1000
	cfg.RateLimitFallback = 10 * time.Millisecond
	return cfg
}

func fastFetcherConfig() FetcherConfig {
	cfg := DefaultFetcherConfig()
	cfg.Retry = RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}
	cfg.RecoveryPause = time.Millisecond
	return cfg
}

// simpleRecord builds the minimal valid record for an ID.
func simpleRecord(id string) *message.Record {
	return &message.Record{PermID: id, ThreadID: "t-" + id}
}

// pagedIDs builds deterministic IDs split across pages of the given
// sizes, returning the pages keyed by cursor and the full ID list.
func pagedIDs(sizes ...int) (map[string]*message.Page, []string) {
	pages := make(map[string]*message.Page)
	var all []string
	n := 0
	cursor := ""
	for i, size := range sizes {
		var ids []string
		for j := 0; j < size; j++ {
			ids = append(ids, fmt.Sprintf("m%05d", n))
			n++
		}
		all = append(all, ids...)
		next := ""
		if i < len(sizes)-1 {
			next = fmt.Sprintf("cursor-%d", i+1)
		}
		pages[cursor] = &message.Page{IDs: ids, NextCursor: next}
		cursor = next
	}
	return pages, all
}
