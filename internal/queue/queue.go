// Package queue runs at most one program per session at a time, each on its
// own worker goroutine, and reports progress through a Reporter.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/michaelbrown/codepad/internal/sandbox"
	"github.com/michaelbrown/codepad/internal/session"
	"github.com/michaelbrown/codepad/internal/storage"
)

var log = logrus.WithField("component", "queue")

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("execution queue closed")

	// ErrWorkerPanic wraps a panic recovered from a run worker.
	ErrWorkerPanic = errors.New("run worker panicked")
)

// Request is an accepted execution request. Code is the buffer snapshot taken
// at submit time; later edits do not affect it. Stdin is the program input.
type Request struct {
	ID          string
	SessionID   string
	Code        string
	Stdin       string
	Revision    int64
	Timeout     time.Duration
	SubmittedAt time.Time
}

// Slots hands out the per-session execution slot.
type Slots interface {
	AcquireRun(sessionID string) (*session.RunSlot, error)
}

// Reporter receives run progress. Methods are called from worker goroutines;
// RunOutput may be called concurrently for the two streams of one run.
// RunFinished runs under the queue's submit lock and must not call Submit.
type Reporter interface {
	RunStarted(req Request)
	RunOutput(req Request, stream sandbox.Stream, chunk []byte)
	RunFinished(req Request, res sandbox.Result)
}

// Config wires a Queue. Store is optional.
type Config struct {
	Runner   sandbox.Runner
	Slots    Slots
	Reporter Reporter
	Policy   sandbox.Policy
	Store    storage.Store
}

// Queue dispatches accepted requests to worker goroutines.
type Queue struct {
	runner   sandbox.Runner
	slots    Slots
	reporter Reporter
	policy   sandbox.Policy
	limits   sandbox.Limits
	store    storage.Store

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     conc.WaitGroup
}

// New creates a queue. The policy's limits are resolved once here.
func New(cfg Config) (*Queue, error) {
	if cfg.Runner == nil || cfg.Slots == nil || cfg.Reporter == nil {
		return nil, fmt.Errorf("queue: runner, slots and reporter are required")
	}
	limits, err := cfg.Policy.Limits()
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		runner:   cfg.Runner,
		slots:    cfg.Slots,
		reporter: cfg.Reporter,
		policy:   cfg.Policy,
		limits:   limits,
		store:    cfg.Store,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Submit claims the session's execution slot and starts a worker for code.
// If a run is already queued or running for the session it returns
// accepted=false without error. Empty programs fail with
// sandbox.ErrEmptyProgram and oversized input with sandbox.ErrStdinTooLarge,
// both before any slot is taken.
func (q *Queue) Submit(sessionID, code, stdin string, revision int64, timeout time.Duration) (Request, bool, error) {
	if strings.TrimSpace(code) == "" {
		return Request{}, false, sandbox.ErrEmptyProgram
	}
	if err := q.policy.CheckStdin(stdin); err != nil {
		return Request{}, false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Request{}, false, ErrClosed
	}

	slot, err := q.slots.AcquireRun(sessionID)
	if errors.Is(err, session.ErrRunInProgress) {
		return Request{}, false, nil
	}
	if err != nil {
		return Request{}, false, err
	}

	req := Request{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Code:        code,
		Stdin:       stdin,
		Revision:    revision,
		Timeout:     q.policy.ClampTimeout(timeout),
		SubmittedAt: time.Now().UTC(),
	}
	log.WithFields(logrus.Fields{
		"session":  sessionID,
		"run":      req.ID,
		"revision": revision,
		"timeout":  req.Timeout,
	}).Info("run accepted")

	q.wg.Go(func() { q.work(req, slot) })
	return req, true, nil
}

// work executes one request. The slot is freed on every path. On the normal
// path it is freed together with the final report, under the submit lock:
// a client reacting to the report can submit again, and the next run's
// start is never reported before this run's end.
func (q *Queue) work(req Request, slot *session.RunSlot) {
	defer slot.Release()

	var (
		res     sandbox.Result
		started time.Time
	)
	var pc panics.Catcher
	pc.Try(func() {
		slot.Running()
		started = time.Now().UTC()
		q.reporter.RunStarted(req)
		res = q.runner.Execute(q.ctx, sandbox.Request{
			Code:    req.Code,
			Stdin:   req.Stdin,
			Timeout: req.Timeout,
			Limits:  q.limits,
		}, func(stream sandbox.Stream, chunk []byte) {
			q.reporter.RunOutput(req, stream, chunk)
		})
	})
	if r := pc.Recovered(); r != nil {
		log.WithField("run", req.ID).Errorf("worker panic: %v", r.Value)
		res = sandbox.Result{
			Status:   sandbox.StatusError,
			ExitCode: -1,
			Err:      fmt.Errorf("%w: %v", ErrWorkerPanic, r.AsError()),
		}
		if !started.IsZero() {
			res.Duration = time.Since(started)
		}
	}
	if started.IsZero() {
		started = time.Now().UTC()
	}

	q.record(req, res, started)

	fields := logrus.Fields{
		"session":  req.SessionID,
		"run":      req.ID,
		"status":   res.Status,
		"duration": res.Duration,
	}
	if res.Err != nil {
		log.WithFields(fields).WithError(res.Err).Warn("run failed")
	} else {
		log.WithFields(fields).Info("run finished")
	}

	q.finish(req, res, slot)
}

func (q *Queue) finish(req Request, res sandbox.Result, slot *session.RunSlot) {
	q.mu.Lock()
	defer q.mu.Unlock()
	slot.Release()

	var pc panics.Catcher
	pc.Try(func() { q.reporter.RunFinished(req, res) })
	if r := pc.Recovered(); r != nil {
		log.WithField("run", req.ID).Errorf("reporter panic: %v", r.Value)
	}
}

func (q *Queue) record(req Request, res sandbox.Result, started time.Time) {
	if q.store == nil {
		return
	}
	run := &storage.Run{
		ID:          req.ID,
		SessionID:   req.SessionID,
		Revision:    req.Revision,
		Status:      string(res.Status),
		ExitCode:    res.ExitCode,
		Truncated:   res.Truncated,
		CodeBytes:   len(req.Code),
		StdoutBytes: len(res.Stdout),
		StderrBytes: len(res.Stderr),
		Runner:      q.runner.Name(),
		SubmittedAt: req.SubmittedAt,
		StartedAt:   started,
		FinishedAt:  time.Now().UTC(),
		Duration:    res.Duration,
	}
	if res.Err != nil {
		run.Error = res.Err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.store.SaveRun(ctx, run); err != nil {
		log.WithField("run", req.ID).WithError(err).Warn("recording run history")
	}
}

// Wait blocks until every in-flight worker has finished.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Close stops accepting requests, cancels running sandboxes and waits for
// their workers to report.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}
