// Package hub fans server events out to the connections of a session.
package hub

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "hub")

// ErrConnNotFound is returned by SendTo for an unknown connection.
var ErrConnNotFound = errors.New("connection not registered")

// Conn is one client connection. Send must not block; a connection that
// cannot accept a message returns an error and is dropped by the hub.
type Conn interface {
	ID() string
	Send(data []byte) error
	Close()
}

// Hub tracks connections per session. Broadcasts to one session are
// serialized, so every connection sees the same event order.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[string]Conn
}

func New() *Hub {
	return &Hub{rooms: make(map[string]map[string]Conn)}
}

// Register adds c to sessionID and returns the new connection count.
func (h *Hub) Register(sessionID string, c Conn) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.rooms[sessionID]
	if !ok {
		conns = make(map[string]Conn)
		h.rooms[sessionID] = conns
	}
	conns[c.ID()] = c
	log.WithFields(logrus.Fields{"session": sessionID, "conn": c.ID(), "total": len(conns)}).Debug("connection registered")
	return len(conns)
}

// Unregister removes a connection. It reports whether it was registered.
func (h *Hub) Unregister(sessionID, connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.removeLocked(sessionID, connID)
}

func (h *Hub) removeLocked(sessionID, connID string) bool {
	conns, ok := h.rooms[sessionID]
	if !ok {
		return false
	}
	if _, ok := conns[connID]; !ok {
		return false
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(h.rooms, sessionID)
	}
	return true
}

// Broadcast sends event to every connection of sessionID and returns how many
// accepted it.
func (h *Hub) Broadcast(sessionID string, event any) int {
	return h.BroadcastExcept(sessionID, "", event)
}

// BroadcastExcept is Broadcast without the connection exceptID. A connection
// whose Send fails is unregistered and closed; delivery to the rest
// continues.
func (h *Hub) BroadcastExcept(sessionID, exceptID string, event any) int {
	data, err := json.Marshal(event)
	if err != nil {
		log.WithError(err).Error("marshaling event")
		return 0
	}

	var failed []Conn
	delivered := 0

	h.mu.Lock()
	for id, c := range h.rooms[sessionID] {
		if id == exceptID {
			continue
		}
		if err := c.Send(data); err != nil {
			log.WithFields(logrus.Fields{"session": sessionID, "conn": id}).WithError(err).Warn("dropping connection")
			failed = append(failed, c)
			continue
		}
		delivered++
	}
	for _, c := range failed {
		h.removeLocked(sessionID, c.ID())
	}
	h.mu.Unlock()

	for _, c := range failed {
		c.Close()
	}
	return delivered
}

// SendTo delivers event to a single connection.
func (h *Hub) SendTo(sessionID, connID string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.Lock()
	c, ok := h.rooms[sessionID][connID]
	if !ok {
		h.mu.Unlock()
		return ErrConnNotFound
	}
	err = c.Send(data)
	if err != nil {
		h.removeLocked(sessionID, connID)
	}
	h.mu.Unlock()

	if err != nil {
		c.Close()
	}
	return err
}

// Count returns the number of connections registered for sessionID.
func (h *Hub) Count(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[sessionID])
}

// CloseAll closes and forgets every connection.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	var all []Conn
	for _, conns := range h.rooms {
		for _, c := range conns {
			all = append(all, c)
		}
	}
	h.rooms = make(map[string]map[string]Conn)
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
}
