package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

// ErrConnClosed is returned when sending on a closed connection.
var ErrConnClosed = errors.New("realtime connection closed")

// Conn wraps one websocket connection. All writes funnel through a single
// write pump goroutine which also drives ping keepalive; reads happen on the
// owning manager's read loop.
type Conn struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

func newConn(ws *websocket.Conn, logger *zap.Logger) *Conn {
	c := &Conn{
		ws:     ws,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		logger: logger,
	}

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.writePump()
	return c
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Warn("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send queues an event for delivery. Never blocks the caller: a full write
// buffer is an error, not a stall.
func (c *Conn) Send(event string, v any) error {
	env, err := NewEnvelope(event, v)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case <-c.done:
		return ErrConnClosed
	case c.send <- frame:
		return nil
	default:
		return errors.New("write buffer full")
	}
}

// readLoop decodes inbound frames and hands each envelope to handle.
// Malformed frames are logged and dropped; they never tear the loop down.
// Returns when the websocket errors (remote close, network drop, Close()).
func (c *Conn) readLoop(handle func(Envelope)) error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("malformed frame dropped", zap.Error(err))
			continue
		}
		handle(env)
	}
}

// Close shuts the connection down. Idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		// Unblocks a pending ReadMessage immediately.
		_ = c.ws.SetReadDeadline(time.Now())
	})
}
