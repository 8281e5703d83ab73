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

// This file provides the collaborator interfaces the engine is given.
// All of them are implemented outside this package.

import (
	"context"
	"time"

	"github.com/mailsweep/mailsweep/internal/message"
)

// MessageLister lists message identifiers from a message storage
// system, one cursor-addressed page at a time.
type MessageLister interface {
	// ListPage returns one page starting at cursor; an empty
	// cursor means the first page.
	ListPage(ctx context.Context, cursor string) (*message.Page, error)
}

// MessageGetter gets per-message metadata from a message storage
// system.
type MessageGetter interface {
	GetMessage(ctx context.Context, id string) (*message.Record, error)
}

// HistoryLister lists change-log entries since a checkpoint.
type HistoryLister interface {
	ListHistoryPage(ctx context.Context, checkpoint, cursor string) (*message.HistoryPage, error)
}

// MessageProfiler gets per-account metadata from a message storage
// system.
type MessageProfiler interface {
	GetProfile(ctx context.Context) (*message.Profile, error)
}

// MessageStorage provides all actions the engine needs from the
// remote provider.
type MessageStorage interface {
	MessageLister
	MessageGetter
	HistoryLister
	MessageProfiler
}

// ClientProvider hands out credentialed provider clients.  Clients
// are not assumed long-lived; the engine re-acquires them per page
// and on a fixed refresh interval so credentials can be rotated
// mid-run.
type ClientProvider interface {
	GetClient(ctx context.Context, accountID string) (MessageStorage, error)
}

// JobStore persists sync jobs.  Last-write-wins per job ID; nothing
// more is assumed.
type JobStore interface {
	// Load returns the most recent job for the account, or nil
	// when none exists.
	Load(ctx context.Context, accountID string) (*Job, error)
	Save(ctx context.Context, job *Job) error
}

// CheckpointStore persists the per-account change-log checkpoint
// token.  The token is opaque and passed through unmodified.
type CheckpointStore interface {
	// Load returns the stored token, or "" when none exists.
	Load(ctx context.Context, accountID string) (string, error)
	Save(ctx context.Context, accountID, checkpoint string) error
}

// RecordSink receives the engine's outputs.  The engine only writes;
// it never queries the sink.
type RecordSink interface {
	Upsert(ctx context.Context, records []*message.Record) error
	MarkDeleted(ctx context.Context, ids []string) error
	ApplyLabelDelta(ctx context.Context, id string, added, removed []string) error
}

// Progress is one observation of a running fetch.
type Progress struct {
	Phase     string
	Processed int64
	Failed    int64
	Total     int64

	// Rate is the recently observed throughput in items/sec.
	Rate float64

	// ETA against the overall total, zero when unknown.
	ETA time.Duration
}

// Observer receives progress events at fixed cadences.  Purely
// observational; implementations must be fast and must not block the
// fetch loop.  Passed once at the top of a run rather than threaded
// through the call stack.
type Observer interface {
	// PageListed fires once per listed ID page.
	PageListed(page int, totalListed int)

	// FetchProgress fires at a fixed processed-count cadence.
	FetchProgress(p Progress)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) PageListed(page int, totalListed int) {}
func (NopObserver) FetchProgress(p Progress)             {}
