package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "sandbox")

var (
	// ErrEmptyProgram is returned for a program with no non-whitespace content.
	ErrEmptyProgram = errors.New("no code provided")

	// ErrStdinTooLarge is returned for program input above the policy's MaxStdin.
	ErrStdinTooLarge = errors.New("program input too large")

	// ErrStartFailed marks infrastructure failures: the isolated environment could not be created.
	ErrStartFailed = errors.New("sandbox failed to start")
)

// Stream identifies which output stream a chunk was read from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Status is the terminal state of one execution.
type Status string

const (
	StatusExited      Status = "exited"
	StatusTimeout     Status = "timeout"
	StatusOOM         Status = "oom"
	StatusOutputLimit Status = "output_limit"
	StatusCanceled    Status = "canceled"
	StatusError       Status = "error"
)

// Limits are the resource ceilings applied to one execution.
// Zero values mean "no limit" for the corresponding resource.
type Limits struct {
	MemoryBytes    int64
	CPUs           float64
	CPUTime        time.Duration
	MaxOutputBytes int
	Pids           int64
}

// Request describes a single execution of a program snapshot. Stdin is fed
// to the program and then closed; empty means no input.
type Request struct {
	Code    string
	Stdin   string
	Timeout time.Duration
	Limits  Limits
}

// Sink receives output chunks as they are read. It is called from the
// stream reader goroutines, so implementations must be safe for concurrent use.
type Sink func(stream Stream, chunk []byte)

// Result is the outcome of an execution.
type Result struct {
	Status    Status
	ExitCode  int
	Stdout    string
	Stderr    string
	Truncated bool
	Duration  time.Duration
	Err       error
}

// ExitStatus returns the client-facing exit status: the numeric exit code for
// a normal exit, the status name for everything else.
func (r Result) ExitStatus() any {
	if r.Status == StatusExited {
		return r.ExitCode
	}
	return string(r.Status)
}

// Runner executes programs in an isolated environment.
//
// Execute never returns a Go error: infrastructure failures are reported as a
// Result with StatusError and Err set. Every resource the runner acquires is
// released before Execute returns.
type Runner interface {
	Execute(ctx context.Context, req Request, sink Sink) Result
	Name() string
}

func failed(err error, start time.Time) Result {
	return Result{
		Status:   StatusError,
		ExitCode: -1,
		Duration: time.Since(start),
		Err:      err,
	}
}

// ctxStatus maps the reason a run context ended to a terminal status.
func ctxStatus(err error) Status {
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusTimeout
	}
	return StatusCanceled
}
