// Package connection tracks live WebSocket connections: principal binding,
// bounded send queues, heartbeat and close handling.
package connection

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MarcosBrendonDePaula/fluxlive/internal/auth"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/logging"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/metrics"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/protocol"
)

const (
	writeWait = 10 * time.Second
	// missedPongLimit closes the connection after this many unanswered pings.
	missedPongLimit = 3
)

type closeRequest struct {
	code   int
	reason string
}

// Conn is one live WebSocket connection. The write pump is the only
// goroutine that touches the socket's write side, including the final
// close message.
type Conn struct {
	ID        string
	Principal *auth.Principal

	ws  *websocket.Conn
	reg *Registry

	send    chan []byte
	closing chan closeRequest
	done    chan struct{}

	closeOnce sync.Once
	closeCode int

	lastPongNano atomic.Int64
	lastSeenNano atomic.Int64
}

// LastSeen returns the wall-clock time of the last inbound frame.
func (c *Conn) LastSeen() time.Time {
	return time.Unix(0, c.lastSeenNano.Load())
}

// touch records inbound activity.
func (c *Conn) touch() {
	c.lastSeenNano.Store(time.Now().UnixNano())
}

// enqueue places an encoded frame on the send queue without blocking.
// Overflow drops the connection with BACKPRESSURE.
func (c *Conn) enqueue(frame []byte) {
	select {
	case c.send <- frame:
		metrics.Global().RecordFrameOut(len(frame))
	case <-c.done:
	default:
		logging.Op().Warn("send queue overflow, dropping connection",
			"connection", c.ID, "queued", len(c.send))
		c.reg.Close(c.ID, protocol.CloseBackpressure, protocol.CodeBackpressure)
	}
}

// writePump owns all writes to the socket: queued frames, heartbeat pings
// and the close handshake. On a close request it flushes whatever is still
// queued, then sends the close message and tears the socket down.
func (c *Conn) writePump(heartbeat time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				logging.Op().Debug("write failed", "connection", c.ID, "error", err)
				c.reg.Close(c.ID, protocol.CloseNormal, "write failed")
			}
		case <-ticker.C:
			sinceLastPong := time.Since(time.Unix(0, c.lastPongNano.Load()))
			if sinceLastPong > time.Duration(missedPongLimit)*heartbeat {
				logging.Op().Info("heartbeat expired, dropping connection",
					"connection", c.ID, "since_last_pong", sinceLastPong.Round(time.Second).String())
				c.reg.Close(c.ID, protocol.CloseNormal, "heartbeat expired")
				continue
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.reg.Close(c.ID, protocol.CloseNormal, "ping failed")
			}
		case req := <-c.closing:
			c.flush()
			msg := websocket.FormatCloseMessage(req.code, req.reason)
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, msg)
			close(c.done)
			return
		}
	}
}

// flush drains queued frames under one shared deadline, so a final error
// frame reaches the peer before the close message but a stalled peer
// cannot hold the teardown hostage.
func (c *Conn) flush() {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	for {
		select {
		case frame := <-c.send:
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

// ReadPump reads frames until the connection dies, invoking handle for each
// inbound frame. It owns the read side: limits, deadlines, pong handling.
func (c *Conn) ReadPump(maxFrameBytes int64, handle func(conn *Conn, data []byte)) {
	defer c.reg.Close(c.ID, protocol.CloseNormal, "read loop ended")

	// Upload chunk frames may legitimately exceed the non-upload frame
	// limit, so the socket read limit leaves headroom; the decoder applies
	// the cap to everything but chunks.
	c.ws.SetReadLimit(maxFrameBytes * 2)
	heartbeat := c.reg.heartbeat
	deadline := time.Duration(missedPongLimit+1) * heartbeat
	c.ws.SetReadDeadline(time.Now().Add(deadline))
	c.ws.SetPongHandler(func(string) error {
		c.lastPongNano.Store(time.Now().UnixNano())
		c.ws.SetReadDeadline(time.Now().Add(deadline))
		return nil
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Op().Debug("unexpected close", "connection", c.ID, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.touch()
		c.ws.SetReadDeadline(time.Now().Add(deadline))
		metrics.Global().RecordFrameIn(len(data))
		handle(c, data)
	}
}
