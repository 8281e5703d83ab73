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
	"sort"

	"github.com/mailsweep/mailsweep/internal/message"

	"github.com/pkg/errors"
)

type labelSets struct {
	added   map[string]struct{}
	removed map[string]struct{}
}

// Accumulator folds change-log events into net added/deleted sets
// and per-message label deltas.  Events must be applied in log
// order; each operation implements one cancellation rule.
type Accumulator struct {
	added   map[string]struct{}
	deleted map[string]struct{}
	labels  map[string]*labelSets
}

func NewAccumulator() *Accumulator {
	return &Accumulator{
		added:   make(map[string]struct{}),
		deleted: make(map[string]struct{}),
		labels:  make(map[string]*labelSets),
	}
}

// Added records an add event.  A message deleted then re-added in
// the same window nets to added.
func (a *Accumulator) Added(id string) {
	delete(a.deleted, id)
	a.added[id] = struct{}{}
}

// Deleted records a delete event.  It cancels a pending add and
// discards any pending label changes: a deleted message's label
// history is moot.
func (a *Accumulator) Deleted(id string) {
	delete(a.added, id)
	delete(a.labels, id)
	a.deleted[id] = struct{}{}
}

// LabelsAdded records a label-add event.  Ignored for messages
// pending a full add, since the refresh picks up labels anyway, and
// for messages already deleted, so a late label event cannot
// resurrect a deleted ID in the label-change map; a label add cancels
// that label's pending removal.
func (a *Accumulator) LabelsAdded(id string, labels []string) {
	if _, pending := a.added[id]; pending {
		return
	}
	if _, gone := a.deleted[id]; gone {
		return
	}
	entry := a.entry(id)
	for _, label := range labels {
		entry.added[label] = struct{}{}
		delete(entry.removed, label)
	}
}

// LabelsRemoved records a label-remove event, symmetric with
// LabelsAdded.
func (a *Accumulator) LabelsRemoved(id string, labels []string) {
	if _, pending := a.added[id]; pending {
		return
	}
	if _, gone := a.deleted[id]; gone {
		return
	}
	entry := a.entry(id)
	for _, label := range labels {
		entry.removed[label] = struct{}{}
		delete(entry.added, label)
	}
}

func (a *Accumulator) entry(id string) *labelSets {
	entry, ok := a.labels[id]
	if !ok {
		entry = &labelSets{
			added:   make(map[string]struct{}),
			removed: make(map[string]struct{}),
		}
		a.labels[id] = entry
	}
	return entry
}

// Apply dispatches one event to the matching operation.
func (a *Accumulator) Apply(ev message.HistoryEvent) {
	switch ev.Kind {
	case message.HistoryAdded:
		a.Added(ev.PermID)
	case message.HistoryDeleted:
		a.Deleted(ev.PermID)
	case message.HistoryLabelsAdded:
		a.LabelsAdded(ev.PermID, ev.Labels)
	case message.HistoryLabelsRemoved:
		a.LabelsRemoved(ev.PermID, ev.Labels)
	}
}

// Result freezes the accumulator into a Delta.  Label-change entries
// where both sets netted to empty are excluded entirely.  Slices are
// sorted for deterministic output.
func (a *Accumulator) Result(checkpoint string) *message.Delta {
	d := &message.Delta{
		Added:        sortedKeys(a.added),
		Deleted:      sortedKeys(a.deleted),
		LabelChanges: make(map[string]message.LabelDelta),
		Checkpoint:   checkpoint,
	}
	for id, entry := range a.labels {
		if len(entry.added) == 0 && len(entry.removed) == 0 {
			continue
		}
		d.LabelChanges[id] = message.LabelDelta{
			Added:   sortedKeys(entry.added),
			Removed: sortedKeys(entry.removed),
		}
	}
	return d
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Reconciler pages through the provider change log and folds it into
// a net Delta.
type Reconciler struct {
	provider  ClientProvider
	accountID string
	logger    *slog.Logger
	retry     RetryPolicy
}

func NewReconciler(provider ClientProvider, accountID string, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		provider:  provider,
		accountID: accountID,
		logger:    logger,
		retry:     DefaultRetryPolicy(),
	}
}

// Reconcile folds all change-log pages since startCheckpoint into a
// Delta carrying the new checkpoint.  Returns ErrCheckpointExpired
// (as the cause) when the provider can no longer serve the starting
// token, so the caller can fall back to a full sync.  It never
// silently keeps a stale checkpoint: either the returned delta
// carries a provider-reported checkpoint, or an error is returned.
func (r *Reconciler) Reconcile(ctx context.Context, startCheckpoint string) (*message.Delta, error) {
	client, err := r.provider.GetClient(ctx, r.accountID)
	if err != nil {
		return nil, errors.Wrap(err, "unable to acquire client for reconciliation")
	}

	acc := NewAccumulator()
	checkpoint := ""
	cursor := ""
	pages := 0
	for {
		var page *message.HistoryPage
		err := r.retry.Do(ctx, func() error {
			var err error
			page, err = client.ListHistoryPage(ctx, startCheckpoint, cursor)
			return err
		}, nil)
		if err != nil {
			if isHistoryExpired(err) {
				r.logger.Info("change-log checkpoint expired",
					"checkpoint", startCheckpoint)
				return nil, errors.Wrapf(ErrCheckpointExpired,
					"history unavailable from %q", startCheckpoint)
			}
			return nil, errors.Wrap(err, "unable to list history page")
		}
		pages++
		for _, ev := range page.Events {
			acc.Apply(ev)
		}
		if page.Checkpoint != "" {
			checkpoint = page.Checkpoint
		}
		cursor = page.NextCursor
		if cursor == "" {
			break
		}
	}
	if checkpoint == "" {
		return nil, errors.Errorf(
			"provider reported no checkpoint over %d history pages", pages)
	}

	delta := acc.Result(checkpoint)
	r.logger.Info("reconciliation complete",
		"pages", pages,
		"added", len(delta.Added),
		"deleted", len(delta.Deleted),
		"labelChanges", len(delta.LabelChanges),
		"checkpoint", checkpoint)
	return delta, nil
}
