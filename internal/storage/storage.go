package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a run id matches nothing.
var ErrNotFound = errors.New("run not found")

// Run is the record of one finished sandbox execution. Program text and
// output are not stored; only sizes and the outcome.
type Run struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"session_id"`
	Revision    int64         `json:"revision"`
	Status      string        `json:"status"`
	ExitCode    int           `json:"exit_code"`
	Truncated   bool          `json:"truncated"`
	CodeBytes   int           `json:"code_bytes"`
	StdoutBytes int           `json:"stdout_bytes"`
	StderrBytes int           `json:"stderr_bytes"`
	Error       string        `json:"error,omitempty"`
	Runner      string        `json:"runner"`
	SubmittedAt time.Time     `json:"submitted_at"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Duration    time.Duration `json:"duration_ns"`
}

// RunListOptions controls filtering and pagination for ListRuns.
type RunListOptions struct {
	SessionID string
	Status    string
	Limit     int
	Offset    int
}

// Store is the persistence interface for run history.
type Store interface {
	// SaveRun inserts a finished run. The ID field must be set by the caller.
	SaveRun(ctx context.Context, r *Run) error

	// GetRun returns a run by ID or ID prefix.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns runs ordered by finished_at descending.
	ListRuns(ctx context.Context, opts RunListOptions) ([]Run, error)

	// Close releases resources.
	Close() error
}
