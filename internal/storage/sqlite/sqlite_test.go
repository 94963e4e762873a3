package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/michaelbrown/codepad/internal/storage"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening memory db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testRun(id, sessionID string, finished time.Time) *storage.Run {
	return &storage.Run{
		ID:          id,
		SessionID:   sessionID,
		Revision:    3,
		Status:      "exited",
		ExitCode:    0,
		CodeBytes:   12,
		StdoutBytes: 6,
		Runner:      "process",
		SubmittedAt: finished.Add(-2 * time.Second),
		StartedAt:   finished.Add(-time.Second),
		FinishedAt:  finished,
		Duration:    time.Second,
	}
}

func TestSaveAndGetRun(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	run := testRun("abc12345-0000-0000-0000-000000000000", "room1", base)
	run.Status = "timeout"
	run.ExitCode = -1
	run.Truncated = true
	run.Error = "killed"

	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}

	if got.SessionID != "room1" || got.Revision != 3 {
		t.Errorf("session/revision = %s/%d", got.SessionID, got.Revision)
	}
	if got.Status != "timeout" || got.ExitCode != -1 {
		t.Errorf("status = %s/%d, want timeout/-1", got.Status, got.ExitCode)
	}
	if !got.Truncated {
		t.Error("truncated flag lost")
	}
	if got.Error != "killed" {
		t.Errorf("error = %q", got.Error)
	}
	if !got.FinishedAt.Equal(base) || !got.SubmittedAt.Equal(base.Add(-2*time.Second)) {
		t.Errorf("timestamps = %s / %s", got.SubmittedAt, got.FinishedAt)
	}
	if got.Duration != time.Second {
		t.Errorf("duration = %s", got.Duration)
	}
}

func TestSaveRunRequiresID(t *testing.T) {
	s := testStore(t)
	if err := s.SaveRun(context.Background(), testRun("", "room1", base)); err == nil {
		t.Error("expected error for empty id")
	}
}

func TestSaveRunRejectsUnknownStatus(t *testing.T) {
	s := testStore(t)
	run := testRun("r1", "room1", base)
	run.Status = "exploded"
	if err := s.SaveRun(context.Background(), run); err == nil {
		t.Error("expected CHECK constraint failure")
	}
}

func TestGetRunByPrefix(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.SaveRun(ctx, testRun("abcdef00-1111", "room1", base))

	got, err := s.GetRun(ctx, "abcdef")
	if err != nil {
		t.Fatalf("GetRun prefix: %v", err)
	}
	if got.ID != "abcdef00-1111" {
		t.Errorf("id = %q", got.ID)
	}
}

func TestGetRunAmbiguousPrefix(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.SaveRun(ctx, testRun("abc-1", "room1", base))
	s.SaveRun(ctx, testRun("abc-2", "room1", base))

	if _, err := s.GetRun(ctx, "abc"); err == nil {
		t.Error("expected ambiguous prefix error")
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := testStore(t)
	if _, err := s.GetRun(context.Background(), "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		s.SaveRun(ctx, testRun(fmt.Sprintf("run-%d", i), "room1", base.Add(time.Duration(i)*time.Millisecond)))
	}

	runs, err := s.ListRuns(ctx, storage.RunListOptions{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("got %d runs, want 3", len(runs))
	}
	if runs[0].ID != "run-2" || runs[2].ID != "run-0" {
		t.Errorf("order = %s, %s, %s", runs[0].ID, runs[1].ID, runs[2].ID)
	}
}

func TestListRunsFilters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.SaveRun(ctx, testRun("a", "room1", base))
	s.SaveRun(ctx, testRun("b", "room2", base))
	oom := testRun("c", "room1", base)
	oom.Status = "oom"
	s.SaveRun(ctx, oom)

	tests := []struct {
		name string
		opts storage.RunListOptions
		want int
	}{
		{"all", storage.RunListOptions{}, 3},
		{"session", storage.RunListOptions{SessionID: "room1"}, 2},
		{"status", storage.RunListOptions{Status: "oom"}, 1},
		{"both", storage.RunListOptions{SessionID: "room2", Status: "oom"}, 0},
		{"limit", storage.RunListOptions{Limit: 1}, 1},
		{"offset", storage.RunListOptions{Offset: 2}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := s.ListRuns(ctx, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if len(runs) != tt.want {
				t.Errorf("got %d runs, want %d", len(runs), tt.want)
			}
		})
	}
}

func TestReopenKeepsRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "codepad.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRun(ctx, testRun("persisted", "room1", base)); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	defer s.Close()
	if _, err := s.GetRun(ctx, "persisted"); err != nil {
		t.Errorf("run lost across reopen: %v", err)
	}
}
