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

// Package persist stores message records, sync jobs and account
// checkpoints in a local SQLite database.
package persist

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mailsweep/mailsweep/internal/message"
	msync "github.com/mailsweep/mailsweep/internal/sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var createTableSql = []string{
	// The messages table holds one row per mailbox message.
	//
	// Field: message_id
	//
	//   The provider's immutable message ID.
	//
	// Field: deleted
	//
	//   Set by catch-up synchronization when the provider reports
	//   the message removed.  The row is kept; history for a
	//   deleted message is still meaningful to the user.
	//
	// Field: internal_date, last_synced_at
	//
	//   Unix milliseconds.  Zero means unknown.
	`
CREATE TABLE IF NOT EXISTS messages (
message_id TEXT NOT NULL PRIMARY KEY,
thread_id TEXT NOT NULL,
subject TEXT NOT NULL DEFAULT '',
snippet TEXT NOT NULL DEFAULT '',
sender_email TEXT NOT NULL DEFAULT '',
sender_name TEXT NOT NULL DEFAULT '',
category TEXT NOT NULL DEFAULT '',
size_estimate INTEGER NOT NULL DEFAULT 0,
has_attachments INTEGER NOT NULL DEFAULT 0,
unread INTEGER NOT NULL DEFAULT 0,
starred INTEGER NOT NULL DEFAULT 0,
trashed INTEGER NOT NULL DEFAULT 0,
spam INTEGER NOT NULL DEFAULT 0,
important INTEGER NOT NULL DEFAULT 0,
deleted INTEGER NOT NULL DEFAULT 0,
internal_date INTEGER NOT NULL DEFAULT 0,
last_synced_at INTEGER NOT NULL DEFAULT 0,
unsubscribe_url TEXT NOT NULL DEFAULT ''
);`,
	// The message_labels table maps messages to provider label IDs.
	`
CREATE TABLE IF NOT EXISTS message_labels (
message_id TEXT NOT NULL,
label_id TEXT NOT NULL,
PRIMARY KEY (message_id, label_id)
FOREIGN KEY (message_id) REFERENCES messages (message_id)
);`,
	// The sync_jobs table holds the latest sync job per account.
	// One row per account: a new full sync replaces the previous
	// job, which is exactly the resume semantics the engine wants.
	`
CREATE TABLE IF NOT EXISTS sync_jobs (
account_id TEXT NOT NULL PRIMARY KEY,
job_id TEXT NOT NULL,
status TEXT NOT NULL,
total_messages INTEGER NOT NULL DEFAULT 0,
processed_messages INTEGER NOT NULL DEFAULT 0,
failed_messages INTEGER NOT NULL DEFAULT 0,
page_cursor TEXT NOT NULL DEFAULT '',
start_checkpoint TEXT NOT NULL DEFAULT '',
created_at INTEGER NOT NULL DEFAULT 0,
started_at INTEGER NOT NULL DEFAULT 0,
completed_at INTEGER NOT NULL DEFAULT 0,
last_error TEXT NOT NULL DEFAULT ''
);`,
	// The checkpoints table holds the change-log position of the
	// last complete synchronization per account.
	`
CREATE TABLE IF NOT EXISTS checkpoints (
account_id TEXT NOT NULL PRIMARY KEY,
checkpoint TEXT NOT NULL
);`,
}

// DB implements the engine's storage collaborators on SQLite.  It is
// the record sink directly; jobs and checkpoints are exposed as views
// because their interfaces share method names.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ msync.RecordSink = (*DB)(nil)

// JobStore is the sync-job view of the database.
type JobStore struct {
	db *DB
}

// CheckpointStore is the checkpoint view of the database.
type CheckpointStore struct {
	db *DB
}

var (
	_ msync.JobStore        = (*JobStore)(nil)
	_ msync.CheckpointStore = (*CheckpointStore)(nil)
)

// Jobs returns the database's sync-job store.
func (db *DB) Jobs() *JobStore {
	return &JobStore{db}
}

// Checkpoints returns the database's checkpoint store.
func (db *DB) Checkpoints() *CheckpointStore {
	return &CheckpointStore{db}
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens (creating as needed) the database at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  The default of 5
	// seconds is too short in practice, especially in slower
	// debug builds; go with 5 minutes.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from the given path", path)
	}
	logger.Debug("opening database", "dsn", dsn)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q", path, dsn)
	}

	if err = initSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the database schema", path)
	}

	return &DB{db: db, logger: logger}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, sql := range createTableSql {
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}
	return nil
}

// Upsert writes the records and replaces their label sets in one
// transaction.  Re-writing a record a resumed sync already wrote is
// harmless.
func (db *DB) Upsert(ctx context.Context, records []*message.Record) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction failed")
	}
	defer tx.Rollback()

	upsert, err := tx.PrepareContext(ctx, `
INSERT INTO messages
(message_id, thread_id, subject, snippet, sender_email, sender_name,
 category, size_estimate, has_attachments, unread, starred, trashed,
 spam, important, deleted, internal_date, last_synced_at, unsubscribe_url)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 0, $15, $16, $17)
ON CONFLICT (message_id) DO UPDATE SET
(thread_id, subject, snippet, sender_email, sender_name, category,
 size_estimate, has_attachments, unread, starred, trashed, spam,
 important, deleted, internal_date, last_synced_at, unsubscribe_url) =
($2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 0, $15, $16, $17)`)
	if err != nil {
		return errors.Wrap(err, "db prepare statement failed for messages upsert")
	}
	defer upsert.Close()

	unlabel, err := tx.PrepareContext(ctx,
		`DELETE FROM message_labels WHERE message_id = $1`)
	if err != nil {
		return errors.Wrap(err, "db prepare statement failed for unlabel")
	}
	defer unlabel.Close()

	label, err := tx.PrepareContext(ctx,
		`INSERT INTO message_labels (message_id, label_id) VALUES ($1, $2)`)
	if err != nil {
		return errors.Wrap(err, "db prepare statement failed for label")
	}
	defer label.Close()

	for _, rec := range records {
		_, err = upsert.ExecContext(ctx,
			rec.PermID, rec.ThreadID, rec.Subject, rec.Snippet,
			rec.Sender.Email, rec.Sender.Name, rec.Category,
			rec.SizeEstimate,
			boolInt(rec.HasAttachments), boolInt(rec.Unread),
			boolInt(rec.Starred), boolInt(rec.Trashed),
			boolInt(rec.Spam), boolInt(rec.Important),
			rec.InternalDate, unixMilli(rec.LastSyncedAt),
			rec.UnsubscribeURL)
		if err != nil {
			return errors.Wrapf(err, "db upsert failed for %v", rec.PermID)
		}
		if _, err = unlabel.ExecContext(ctx, rec.PermID); err != nil {
			return errors.Wrapf(err, "db unlabel failed for %v", rec.PermID)
		}
		for _, labelID := range rec.LabelIDs {
			if _, err = label.ExecContext(ctx, rec.PermID, labelID); err != nil {
				return errors.Wrapf(err, "db label failed for %v", rec.PermID)
			}
		}
	}
	return errors.Wrap(tx.Commit(), "commit failed for upsert")
}

// MarkDeleted tombstones the messages.  Unknown IDs are ignored; the
// change log may report deletions for messages never synced.
func (db *DB) MarkDeleted(ctx context.Context, ids []string) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction failed")
	}
	defer tx.Rollback()

	del, err := tx.PrepareContext(ctx,
		`UPDATE messages SET deleted = 1 WHERE message_id = $1`)
	if err != nil {
		return errors.Wrap(err, "db prepare statement failed for delete")
	}
	defer del.Close()

	for _, id := range ids {
		if _, err = del.ExecContext(ctx, id); err != nil {
			return errors.Wrapf(err, "db delete failed for %v", id)
		}
	}
	return errors.Wrap(tx.Commit(), "commit failed for delete")
}

// ApplyLabelDelta adds and removes label rows for one message.
func (db *DB) ApplyLabelDelta(ctx context.Context, id string, added, removed []string) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction failed")
	}
	defer tx.Rollback()

	for _, labelID := range added {
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO message_labels (message_id, label_id) VALUES ($1, $2)`,
			id, labelID)
		if err != nil {
			return errors.Wrapf(err, "db label add failed for %v", id)
		}
	}
	for _, labelID := range removed {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM message_labels WHERE message_id = $1 AND label_id = $2`,
			id, labelID)
		if err != nil {
			return errors.Wrapf(err, "db label remove failed for %v", id)
		}
	}
	return errors.Wrap(tx.Commit(), "commit failed for label delta")
}

// Load returns the account's latest sync job, or nil when none has
// ever run.
func (s *JobStore) Load(ctx context.Context, accountID string) (*msync.Job, error) {
	row := s.db.db.QueryRowContext(ctx, `
SELECT job_id, status, total_messages, processed_messages, failed_messages,
       page_cursor, start_checkpoint, created_at, started_at, completed_at,
       last_error
FROM sync_jobs WHERE account_id = $1`, accountID)

	job := &msync.Job{AccountID: accountID}
	var status string
	var createdAt, startedAt, completedAt int64
	err := row.Scan(&job.ID, &status, &job.TotalMessages,
		&job.ProcessedMessages, &job.FailedMessages, &job.PageCursor,
		&job.StartCheckpoint, &createdAt, &startedAt, &completedAt,
		&job.LastError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "db scan failed loading job for %v", accountID)
	}
	job.Status = msync.Status(status)
	job.CreatedAt = fromUnixMilli(createdAt)
	job.StartedAt = fromUnixMilli(startedAt)
	job.CompletedAt = fromUnixMilli(completedAt)
	return job, nil
}

// Save writes the job as the account's latest, replacing any
// previous one.
func (s *JobStore) Save(ctx context.Context, job *msync.Job) error {
	_, err := s.db.db.ExecContext(ctx, `
INSERT INTO sync_jobs
(account_id, job_id, status, total_messages, processed_messages,
 failed_messages, page_cursor, start_checkpoint, created_at, started_at,
 completed_at, last_error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (account_id) DO UPDATE SET
(job_id, status, total_messages, processed_messages, failed_messages,
 page_cursor, start_checkpoint, created_at, started_at, completed_at,
 last_error) = ($2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.AccountID, job.ID, string(job.Status), job.TotalMessages,
		job.ProcessedMessages, job.FailedMessages, job.PageCursor,
		job.StartCheckpoint, unixMilli(job.CreatedAt),
		unixMilli(job.StartedAt), unixMilli(job.CompletedAt),
		job.LastError)
	return errors.Wrapf(err, "db save failed for job %v", job.ID)
}

// Load returns the account's stored change-log position, empty when
// the account has never completed a sync.
func (s *CheckpointStore) Load(ctx context.Context, accountID string) (string, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT checkpoint FROM checkpoints WHERE account_id = $1`, accountID)
	var checkpoint string
	if err := row.Scan(&checkpoint); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", errors.Wrapf(err, "db scan failed loading checkpoint for %v", accountID)
	}
	return checkpoint, nil
}

// Save advances the account's change-log position.  The stored value
// never moves backwards: when both positions parse as integers a
// lower value is discarded, so a stale writer cannot make the next
// catch-up replay already-applied history.
func (s *CheckpointStore) Save(ctx context.Context, accountID, checkpoint string) error {
	current, err := s.Load(ctx, accountID)
	if err != nil {
		return err
	}
	if regresses(current, checkpoint) {
		s.db.logger.Warn("discarding checkpoint regression",
			"account", accountID, "current", current, "proposed", checkpoint)
		return nil
	}
	_, err = s.db.db.ExecContext(ctx, `
INSERT INTO checkpoints (account_id, checkpoint) VALUES ($1, $2)
ON CONFLICT (account_id) DO UPDATE SET checkpoint = $2`,
		accountID, checkpoint)
	return errors.Wrapf(err, "db save failed for checkpoint of %v", accountID)
}

// regresses reports whether writing proposed over current would move
// the checkpoint backwards.  Non-numeric positions are treated as
// opaque and always writable.
func regresses(current, proposed string) bool {
	if current == "" {
		return false
	}
	cur, err1 := strconv.ParseUint(current, 10, 64)
	next, err2 := strconv.ParseUint(proposed, 10, 64)
	if err1 != nil || err2 != nil {
		return false
	}
	return next < cur
}

// Stats summarizes the local store for status display.
type Stats struct {
	Messages int64
	Deleted  int64
	Unread   int64
}

func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	row := db.db.QueryRowContext(ctx, `
SELECT COUNT(*),
       COALESCE(SUM(deleted), 0),
       COALESCE(SUM(CASE WHEN unread = 1 AND deleted = 0 THEN 1 ELSE 0 END), 0)
FROM messages`)
	var s Stats
	if err := row.Scan(&s.Messages, &s.Deleted, &s.Unread); err != nil {
		return nil, errors.Wrap(err, "db scan failed for stats")
	}
	return &s, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
