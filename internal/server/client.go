package server

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

var (
	// ErrSlowConsumer is returned by Send when the client's outbound buffer
	// is full. The hub drops such clients.
	ErrSlowConsumer = errors.New("client send buffer full")

	errClientClosed = errors.New("client closed")
)

// client is one WebSocket participant. It implements hub.Conn.
type client struct {
	id        string
	sessionID string
	conn      *websocket.Conn
	send      chan []byte
	limiter   *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, sessionID string, editRate float64, editBurst int) *client {
	return &client{
		id:        uuid.NewString(),
		sessionID: sessionID,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		limiter:   rate.NewLimiter(rate.Limit(editRate), editBurst),
		done:      make(chan struct{}),
	}
}

func (c *client) ID() string { return c.id }

// Send queues data for the write pump without blocking.
func (c *client) Send(data []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close stops the write pump, which closes the connection and in turn ends
// the read pump.
func (c *client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump reads messages until the connection fails and hands each one to
// handle. It runs on the handler goroutine.
func (c *client) readPump(readLimit int64, handle func(*client, []byte)) {
	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.WithField("conn", c.id).WithError(err).Debug("websocket read error")
			}
			return
		}
		handle(c, data)
	}
}

// writePump is the only writer of the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
