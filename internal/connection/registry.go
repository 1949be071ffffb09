package connection

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/MarcosBrendonDePaula/fluxlive/internal/auth"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/logging"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/metrics"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/protocol"
)

// Registry tracks live connections process-wide.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn

	heartbeat time.Duration
	maxQueue  int

	onClose func(connectionID string)
}

// NewRegistry creates a registry with the given heartbeat cadence and
// per-connection send queue bound.
func NewRegistry(heartbeat time.Duration, maxQueue int) *Registry {
	if heartbeat <= 0 {
		heartbeat = 20 * time.Second
	}
	if maxQueue <= 0 {
		maxQueue = 256
	}
	return &Registry{
		conns:     make(map[string]*Conn),
		heartbeat: heartbeat,
		maxQueue:  maxQueue,
	}
}

// OnClose installs the close hook used to unsubscribe instances and abort
// uploads. Set once at startup.
func (r *Registry) OnClose(fn func(connectionID string)) {
	r.onClose = fn
}

// Register wraps an upgraded socket, binds its principal and starts the
// write pump. The caller drives ReadPump.
func (r *Registry) Register(ws *websocket.Conn, principal *auth.Principal) *Conn {
	c := &Conn{
		ID:        uuid.NewString(),
		Principal: principal,
		ws:        ws,
		reg:       r,
		send:      make(chan []byte, r.maxQueue),
		closing:   make(chan closeRequest, 1),
		done:      make(chan struct{}),
	}
	now := time.Now().UnixNano()
	c.lastPongNano.Store(now)
	c.lastSeenNano.Store(now)

	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()

	metrics.Global().RecordConnectionOpened()
	logging.Op().Info("connection registered",
		"connection", c.ID, "principal", principal.Subject)

	go c.writePump(r.heartbeat)
	return c
}

// Get returns the connection by id.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// SendUpdates encodes the updates into one envelope frame and queues it on
// the connection. Unknown connection ids are ignored; the subscriber may
// have raced a close.
func (r *Registry) SendUpdates(connectionID string, updates ...any) {
	if len(updates) == 0 {
		return
	}
	r.mu.RLock()
	c, ok := r.conns[connectionID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	frame, err := protocol.EncodeFrame(updates...)
	if err != nil {
		logging.Op().Error("frame encode failed", "connection", connectionID, "error", err)
		return
	}
	c.enqueue(frame)
}

// Broadcast sends the updates to every listed connection.
func (r *Registry) Broadcast(connectionIDs []string, updates ...any) {
	for _, id := range connectionIDs {
		r.SendUpdates(id, updates...)
	}
}

// Close tears down a connection exactly once: the write pump flushes the
// queue, sends the close frame with the given code and shuts the socket;
// the close hook fires immediately so subscriptions release right away.
func (r *Registry) Close(connectionID string, code int, reason string) {
	r.mu.Lock()
	c, ok := r.conns[connectionID]
	if ok {
		delete(r.conns, connectionID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closing <- closeRequest{code: code, reason: reason}

		metrics.Global().RecordConnectionClosed()
		logging.Op().Info("connection closed",
			"connection", c.ID, "code", code, "reason", reason)

		if r.onClose != nil {
			r.onClose(c.ID)
		}
	})
}

// CloseAll closes every connection with a normal close code. Used during
// graceful shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Close(id, protocol.CloseNormal, reason)
	}
}
