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

import "time"

// Status is the lifecycle state of a sync job.
//
//	pending → running → {completed | failed | cancelled | paused}
//	{failed | paused | cancelled} → running   (resume)
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusPaused    Status = "paused"
)

// Terminal reports whether the status allows no further work without
// an explicit resume.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusPaused:
		return true
	}
	return false
}

// Resumable reports whether a job in this status may re-enter
// running.
func (s Status) Resumable() bool {
	switch s {
	case StatusFailed, StatusPaused, StatusCancelled:
		return true
	}
	return false
}

// Job is the unit of resumable work for one full sync.  Owned
// exclusively by the Controller; persisted through a JobStore.
type Job struct {
	ID        string
	AccountID string
	Status    Status

	// TotalMessages is the best-effort estimate from the account
	// profile; it may be revised.
	TotalMessages int64

	// ProcessedMessages sums IDs processed across completed
	// pages.  This is the resume checkpoint; it survives failure.
	ProcessedMessages int64

	FailedMessages int64

	// PageCursor is the listing cursor for the next page, saved
	// at every page boundary.  Resumption granularity is the page
	// boundary; already-processed pages are never revisited.
	PageCursor string

	// StartCheckpoint is the change-log position captured before
	// listing began.  Persisted to the checkpoint store only when
	// the job completes, so a failed sync never advances the
	// account checkpoint.
	StartCheckpoint string

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	LastError   string
}

// CanResume reports whether the job may be resumed: a resumable
// status with a recorded page-boundary checkpoint.
func (j *Job) CanResume() bool {
	return j.Status.Resumable() && (j.ProcessedMessages > 0 || j.PageCursor != "")
}

// ProgressReport is a pure read of job plus throttle state for user
// display.  Never raw error internals beyond the captured message.
type ProgressReport struct {
	JobID     string
	Status    Status
	Phase     string
	Processed int64
	Failed    int64
	Total     int64

	// Percent is processed/total clamped to [0, 100].
	Percent float64

	// Rate and ETA derive from the throttle's recent observations
	// and are zero when no run is active.
	Rate float64
	ETA  time.Duration

	LastError string
}

// Report derives the progress view for a job with no active run.
func (j *Job) Report() *ProgressReport {
	return j.report(0)
}

// report derives the user-facing progress view.  rate is the
// throttle-observed recent throughput, zero when none is active.
func (j *Job) report(rate float64) *ProgressReport {
	r := &ProgressReport{
		JobID:     j.ID,
		Status:    j.Status,
		Processed: j.ProcessedMessages,
		Failed:    j.FailedMessages,
		Total:     j.TotalMessages,
		Rate:      rate,
		LastError: j.LastError,
	}
	if j.TotalMessages > 0 {
		r.Percent = float64(j.ProcessedMessages) / float64(j.TotalMessages) * 100
		if r.Percent > 100 {
			r.Percent = 100
		}
		if r.Percent < 0 {
			r.Percent = 0
		}
	}
	if rate > 0 && j.TotalMessages > j.ProcessedMessages {
		r.ETA = time.Duration(float64(j.TotalMessages-j.ProcessedMessages)/rate) * time.Second
	}
	switch j.Status {
	case StatusPending:
		r.Phase = "waiting to start"
	case StatusRunning:
		r.Phase = "syncing messages"
	case StatusCompleted:
		r.Phase = "sync complete"
	case StatusFailed:
		r.Phase = "sync failed"
	case StatusCancelled:
		r.Phase = "sync cancelled"
	case StatusPaused:
		r.Phase = "sync paused"
	}
	return r
}
