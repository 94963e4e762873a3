package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/codepad/internal/sandbox"
	"github.com/michaelbrown/codepad/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleWebSocket joins the connection to the session named in the URL and
// serves it until it disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade")
		return
	}

	c := newClient(conn, id, s.cfg.Server.EditRate, s.cfg.Server.EditBurst)
	logger := log.WithFields(logrus.Fields{"session": id, "conn": c.id})

	_, err = s.sessions.JoinFunc(id, c.id, func(buf session.Buffer) {
		s.hub.Register(id, c)
		s.reply(c, newBufferUpdate(buf.Content, buf.Revision))
	})
	if err != nil {
		logger.WithError(err).Warn("join failed")
		rejectConn(conn, err)
		return
	}

	go c.writePump()
	logger.Info("client connected")
	s.hub.Broadcast(id, participants{Type: "participants", Count: s.hub.Count(id)})

	c.readPump(s.cfg.Server.ReadLimit, s.handleMessage)

	s.hub.Unregister(id, c.id)
	s.sessions.Leave(id, c.id)
	c.Close()
	s.hub.Broadcast(id, participants{Type: "participants", Count: s.hub.Count(id)})
	logger.Info("client disconnected")
}

// rejectConn tells a client why it could not join, then closes the socket.
func rejectConn(conn *websocket.Conn, cause error) {
	defer conn.Close()
	data, _ := json.Marshal(newError("join failed: %v", cause))
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return
	}
	code := websocket.ClosePolicyViolation
	if errors.Is(cause, session.ErrTooManySessions) {
		code = websocket.CloseTryAgainLater
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, "join failed"))
}

// handleMessage dispatches one inbound message.
func (s *Server) handleMessage(c *client, data []byte) {
	msg, err := decodeInbound(data)
	if err != nil {
		s.reply(c, newError("%v", err))
		return
	}

	switch msg.Type {
	case msgJoin:
		s.handleJoin(c)
	case msgEdit:
		s.handleEdit(c, msg)
	case msgRun:
		s.handleRun(c, msg)
	}
}

// handleJoin resends the current buffer to c.
func (s *Server) handleJoin(c *client) {
	_, err := s.sessions.JoinFunc(c.sessionID, c.id, func(buf session.Buffer) {
		s.reply(c, newBufferUpdate(buf.Content, buf.Revision))
	})
	if err != nil {
		s.reply(c, newError("join failed: %v", err))
	}
}

func (s *Server) handleEdit(c *client, msg inbound) {
	if !c.limiter.Allow() {
		s.reply(c, newError("edit rate limit exceeded"))
		return
	}

	_, err := s.sessions.ApplyEditFunc(c.sessionID, msg.Revision, msg.Content, func(res session.EditResult, buf session.Buffer) {
		if !res.Accepted {
			s.reply(c, editRejected{Type: "edit_rejected", CurrentRevision: res.Revision})
			return
		}
		s.hub.BroadcastExcept(c.sessionID, c.id, newBufferUpdate(buf.Content, buf.Revision))
		s.reply(c, editAck{Type: "edit_ack", Revision: res.Revision})
	})
	if err != nil {
		s.reply(c, newError("edit failed: %v", err))
	}
}

func (s *Server) handleRun(c *client, msg inbound) {
	buf, err := s.sessions.Snapshot(c.sessionID)
	if err != nil {
		s.reply(c, newError("run failed: %v", err))
		return
	}

	timeout := time.Duration(msg.TimeoutMs) * time.Millisecond
	_, accepted, err := s.queue.Submit(c.sessionID, buf.Content, msg.Stdin, buf.Revision, timeout)
	switch {
	case errors.Is(err, sandbox.ErrEmptyProgram):
		s.reply(c, runRejected{Type: "run_rejected", Reason: "empty", Message: "No code provided."})
	case errors.Is(err, sandbox.ErrStdinTooLarge):
		s.reply(c, runRejected{Type: "run_rejected", Reason: "stdin_too_large", Message: err.Error()})
	case err != nil:
		s.reply(c, newError("run failed: %v", err))
	case !accepted:
		s.reply(c, runRejected{Type: "run_rejected", Reason: "busy", Message: "A run is already in progress for this session."})
	}
}

// reply sends event to c alone.
func (s *Server) reply(c *client, event any) {
	if err := s.hub.SendTo(c.sessionID, c.id, event); err != nil {
		log.WithField("conn", c.id).WithError(err).Debug("reply dropped")
	}
}
