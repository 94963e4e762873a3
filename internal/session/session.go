package session

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "session")

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrTooManySessions  = errors.New("too many active sessions")
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrDocumentTooLarge = errors.New("document too large")
	ErrRunInProgress    = errors.New("a run is already queued or running")
	ErrClosed           = errors.New("session registry closed")
)

// ExecState is the execution state of a session.
type ExecState string

const (
	ExecIdle    ExecState = "idle"
	ExecQueued  ExecState = "queued"
	ExecRunning ExecState = "running"
)

// Buffer is the authoritative document content with its revision.
type Buffer struct {
	Content  string `json:"content"`
	Revision int64  `json:"revision"`
}

// EditResult reports the outcome of ApplyEdit. Revision is the new revision
// when accepted and the current one when rejected.
type EditResult struct {
	Accepted bool
	Revision int64
}

// Info is a point-in-time summary of a session.
type Info struct {
	ID           string    `json:"id"`
	Participants int       `json:"participants"`
	Revision     int64     `json:"revision"`
	ExecState    ExecState `json:"exec_state"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// session is one collaborative room. Every field below mu is guarded by it.
type session struct {
	id string

	mu           sync.Mutex
	buf          Buffer
	participants []string
	exec         ExecState
	teardown     *time.Timer
	teardownGen  uint64
	removed      bool
	createdAt    time.Time
	updatedAt    time.Time
}

func newSession(id string) *session {
	now := time.Now().UTC()
	return &session{
		id:        id,
		exec:      ExecIdle,
		createdAt: now,
		updatedAt: now,
	}
}

func (s *session) hasParticipant(connID string) bool {
	for _, p := range s.participants {
		if p == connID {
			return true
		}
	}
	return false
}

func (s *session) removeParticipant(connID string) bool {
	for i, p := range s.participants {
		if p == connID {
			s.participants = append(s.participants[:i], s.participants[i+1:]...)
			return true
		}
	}
	return false
}

// cancelTeardownLocked stops a pending teardown. Bumping the generation makes
// a timer that already fired and is waiting on the locks a no-op.
func (s *session) cancelTeardownLocked() {
	if s.teardown != nil {
		s.teardown.Stop()
		s.teardown = nil
	}
	s.teardownGen++
}

func (s *session) infoLocked() Info {
	return Info{
		ID:           s.id,
		Participants: len(s.participants),
		Revision:     s.buf.Revision,
		ExecState:    s.exec,
		CreatedAt:    s.createdAt,
		UpdatedAt:    s.updatedAt,
	}
}

// RunSlot is the single execution slot of a session, held from AcquireRun
// until Release.
type RunSlot struct {
	s    *session
	once sync.Once
}

// Running marks the queued run as running.
func (r *RunSlot) Running() {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.exec == ExecQueued {
		r.s.exec = ExecRunning
	}
}

// Release frees the slot. It is safe to call more than once, and after the
// session was torn down.
func (r *RunSlot) Release() {
	r.once.Do(func() {
		r.s.mu.Lock()
		defer r.s.mu.Unlock()
		r.s.exec = ExecIdle
	})
}
