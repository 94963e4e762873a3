package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MaxSessionIDLength bounds room keys taken from URLs.
const MaxSessionIDLength = 128

// Options configures a Registry.
type Options struct {
	// StaleWindow is how many revisions an edit may lag behind the current
	// one and still be accepted.
	StaleWindow int64

	// GracePeriod is how long an empty session survives before teardown.
	GracePeriod time.Duration

	// MaxSessions caps concurrently live sessions (0 = unlimited).
	MaxSessions int

	// MaxDocumentBytes caps buffer size (0 = unlimited).
	MaxDocumentBytes int

	// OnRemove is called after a session is torn down, outside all locks.
	OnRemove func(id string)
}

// Registry owns the set of live sessions.
//
// Locking is two-level: mu guards the sessions map, each session has its own
// mutex for its buffer, participants and execution state. When both are held
// the registry lock is always taken first.
type Registry struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.StaleWindow < 0 {
		opts.StaleWindow = 0
	}
	return &Registry{
		opts:     opts,
		sessions: make(map[string]*session),
	}
}

// Join registers connID as a participant of sessionID, creating the session
// if the key is unseen and cancelling any pending teardown. It returns the
// full current buffer. Joining twice with the same connID is a no-op apart
// from returning the buffer.
func (r *Registry) Join(sessionID, connID string) (Buffer, error) {
	return r.JoinFunc(sessionID, connID, nil)
}

// JoinFunc is Join with fn called on the joined buffer while the session is
// still locked, so nothing can change the buffer between the join and fn.
// fn must not call back into the Registry.
func (r *Registry) JoinFunc(sessionID, connID string, fn func(Buffer)) (Buffer, error) {
	if sessionID == "" || len(sessionID) > MaxSessionIDLength {
		return Buffer{}, fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Buffer{}, ErrClosed
	}

	s, ok := r.sessions[sessionID]
	if !ok {
		if r.opts.MaxSessions > 0 && len(r.sessions) >= r.opts.MaxSessions {
			return Buffer{}, ErrTooManySessions
		}
		s = newSession(sessionID)
		r.sessions[sessionID] = s
		log.WithField("session", sessionID).Info("session created")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelTeardownLocked()
	if !s.hasParticipant(connID) {
		s.participants = append(s.participants, connID)
	}
	log.WithFields(logrus.Fields{
		"session":      sessionID,
		"conn":         connID,
		"participants": len(s.participants),
	}).Debug("participant joined")
	if fn != nil {
		fn(s.buf)
	}
	return s.buf, nil
}

// Leave deregisters connID. When the last participant leaves, the session is
// scheduled for teardown after the grace period.
func (r *Registry) Leave(sessionID, connID string) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed || !s.removeParticipant(connID) {
		return
	}
	if len(s.participants) > 0 || s.teardown != nil {
		return
	}

	s.teardownGen++
	gen := s.teardownGen
	s.teardown = time.AfterFunc(r.opts.GracePeriod, func() { r.expire(s, gen) })
	log.WithFields(logrus.Fields{"session": sessionID, "grace": r.opts.GracePeriod}).Debug("last participant left, teardown scheduled")
}

// expire removes s if it is still empty and the teardown was not cancelled.
func (r *Registry) expire(s *session, gen uint64) {
	r.mu.Lock()
	s.mu.Lock()
	if s.removed || s.teardownGen != gen || len(s.participants) > 0 {
		s.mu.Unlock()
		r.mu.Unlock()
		return
	}
	s.removed = true
	s.teardown = nil
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	s.mu.Unlock()
	r.mu.Unlock()

	log.WithField("session", s.id).Info("session removed")
	if r.opts.OnRemove != nil {
		r.opts.OnRemove(s.id)
	}
}

// ApplyEdit replaces the buffer with content if originRevision is within the
// stale window of the current revision. Edits are applied strictly in the
// order they acquire the session lock; they are never merged.
func (r *Registry) ApplyEdit(sessionID string, originRevision int64, content string) (EditResult, error) {
	return r.ApplyEditFunc(sessionID, originRevision, content, nil)
}

// ApplyEditFunc is ApplyEdit with fn called on the outcome and the resulting
// buffer while the session is still locked. Notifications sent from fn are
// therefore ordered the same way the edits were applied. fn must not call
// back into the Registry.
func (r *Registry) ApplyEditFunc(sessionID string, originRevision int64, content string, fn func(EditResult, Buffer)) (EditResult, error) {
	if r.opts.MaxDocumentBytes > 0 && len(content) > r.opts.MaxDocumentBytes {
		return EditResult{}, fmt.Errorf("%w: %d bytes (max %d)", ErrDocumentTooLarge, len(content), r.opts.MaxDocumentBytes)
	}

	s, err := r.lookup(sessionID)
	if err != nil {
		return EditResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return EditResult{}, ErrSessionNotFound
	}

	var res EditResult
	current := s.buf.Revision
	if originRevision < current-r.opts.StaleWindow || originRevision > current {
		res = EditResult{Accepted: false, Revision: current}
	} else {
		s.buf = Buffer{Content: content, Revision: current + 1}
		s.updatedAt = time.Now().UTC()
		res = EditResult{Accepted: true, Revision: s.buf.Revision}
	}
	if fn != nil {
		fn(res, s.buf)
	}
	return res, nil
}

// Snapshot returns the current buffer of a session.
func (r *Registry) Snapshot(sessionID string) (Buffer, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return Buffer{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return Buffer{}, ErrSessionNotFound
	}
	return s.buf, nil
}

// AcquireRun claims the session's single execution slot, moving it from idle
// to queued. It fails with ErrRunInProgress if a run is queued or running.
func (r *Registry) AcquireRun(sessionID string) (*RunSlot, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return nil, ErrSessionNotFound
	}
	if s.exec != ExecIdle {
		return nil, ErrRunInProgress
	}
	s.exec = ExecQueued
	return &RunSlot{s: s}, nil
}

// Info returns a summary of one session.
func (r *Registry) Info(sessionID string) (Info, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return Info{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked(), nil
}

// List returns summaries of all live sessions ordered by id.
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		infos = append(infos, s.infoLocked())
		s.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close drops every session and stops pending teardowns. Later calls fail
// with ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, s := range r.sessions {
		s.mu.Lock()
		s.cancelTeardownLocked()
		s.removed = true
		s.mu.Unlock()
		delete(r.sessions, id)
	}
}

func (r *Registry) lookup(sessionID string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}
