package persist

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/mailsweep/mailsweep/internal/message"
	msync "github.com/mailsweep/mailsweep/internal/sync"

	"github.com/google/go-cmp/cmp"
)

func TestRegresses(t *testing.T) {
	cases := []struct {
		current  string
		proposed string
		want     bool
	}{
		{"", "100", false},
		{"100", "200", false},
		{"100", "100", false},
		{"200", "100", true},
		{"opaque", "100", false},
		{"100", "opaque", false},
		{"9999999999999999999", "1", true},
	}
	for _, tc := range cases {
		if got := regresses(tc.current, tc.proposed); got != tc.want {
			t.Errorf("regresses(%q, %q) = %v, want %v", tc.current, tc.proposed, got, tc.want)
		}
	}
}

func TestDsnFromPath(t *testing.T) {
	got, err := dsnFromPath("/tmp/mail.db", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "file:///tmp/mail.db" {
		t.Errorf("dsnFromPath = %q", got)
	}
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "mail.db"), slog.Default())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUpsertAndStats(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	records := []*message.Record{
		{
			PermID:       "m1",
			ThreadID:     "t1",
			Subject:      "hello",
			Sender:       message.Sender{Email: "a@example.com", Name: "A"},
			LabelIDs:     []string{"INBOX", "UNREAD"},
			Unread:       true,
			InternalDate: 1700000000000,
			LastSyncedAt: time.UnixMilli(1700000005000),
		},
		{PermID: "m2", ThreadID: "t2"},
	}
	if err := db.Upsert(ctx, records); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	// Second upsert of the same IDs replaces, never duplicates.
	records[0].Unread = false
	if err := db.Upsert(ctx, records[:1]); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	stats, err := db.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	want := &Stats{Messages: 2, Deleted: 0, Unread: 0}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("Stats() mismatch (-want +got):\n%s", diff)
	}
}

func TestMarkDeleted(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if err := db.Upsert(ctx, []*message.Record{{PermID: "m1", ThreadID: "t1"}}); err != nil {
		t.Fatal(err)
	}
	// Unknown IDs are tolerated.
	if err := db.MarkDeleted(ctx, []string{"m1", "never-seen"}); err != nil {
		t.Fatalf("MarkDeleted() error: %v", err)
	}

	stats, err := db.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", stats.Deleted)
	}
}

func TestJobRoundTrip(t *testing.T) {
	ctx := context.Background()
	jobs := openTestDB(t).Jobs()

	if got, err := jobs.Load(ctx, "acct"); err != nil || got != nil {
		t.Fatalf("Load() before save = (%v, %v), want (nil, nil)", got, err)
	}

	job := &msync.Job{
		ID:                "job-1",
		AccountID:         "acct",
		Status:            msync.StatusFailed,
		TotalMessages:     1200,
		ProcessedMessages: 500,
		FailedMessages:    2,
		PageCursor:        "cursor-1",
		StartCheckpoint:   "90001",
		CreatedAt:         time.UnixMilli(1700000000000),
		StartedAt:         time.UnixMilli(1700000001000),
		LastError:         "boom",
	}
	if err := jobs.Save(ctx, job); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, err := jobs.Load(ctx, "acct")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if diff := cmp.Diff(job, got); diff != "" {
		t.Errorf("job round trip mismatch (-want +got):\n%s", diff)
	}

	// A later save for the same account replaces the row.
	job.ID = "job-2"
	job.Status = msync.StatusCompleted
	if err := jobs.Save(ctx, job); err != nil {
		t.Fatal(err)
	}
	got, err = jobs.Load(ctx, "acct")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "job-2" || got.Status != msync.StatusCompleted {
		t.Errorf("Load() = %+v, want the replacing job", got)
	}
}

func TestCheckpointMonotone(t *testing.T) {
	ctx := context.Background()
	checkpoints := openTestDB(t).Checkpoints()

	if got, err := checkpoints.Load(ctx, "acct"); err != nil || got != "" {
		t.Fatalf("Load() before save = (%q, %v), want empty", got, err)
	}
	if err := checkpoints.Save(ctx, "acct", "200"); err != nil {
		t.Fatal(err)
	}
	// A stale lower write is discarded, not an error.
	if err := checkpoints.Save(ctx, "acct", "100"); err != nil {
		t.Fatal(err)
	}
	got, err := checkpoints.Load(ctx, "acct")
	if err != nil {
		t.Fatal(err)
	}
	if got != "200" {
		t.Errorf("checkpoint = %q after stale write, want 200", got)
	}

	if err := checkpoints.Save(ctx, "acct", "300"); err != nil {
		t.Fatal(err)
	}
	if got, _ := checkpoints.Load(ctx, "acct"); got != "300" {
		t.Errorf("checkpoint = %q, want 300", got)
	}
}
