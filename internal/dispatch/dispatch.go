// Package dispatch routes decoded inbound updates to the instance store and
// the upload assembler. One dispatcher serves every connection; ordering per
// connection comes from the read pump calling HandleFrame sequentially.
package dispatch

import (
	"context"

	"github.com/MarcosBrendonDePaula/fluxlive/internal/connection"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/instance"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/logging"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/metrics"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/protocol"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/ratelimit"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/upload"
)

// Dispatcher fans one connection's inbound updates out to the runtime.
type Dispatcher struct {
	store   *instance.Store
	uploads *upload.Assembler
	conns   *connection.Registry
	limiter *ratelimit.Limiter

	maxFrameBytes int64
}

// New creates a dispatcher.
func New(store *instance.Store, uploads *upload.Assembler, conns *connection.Registry, limiter *ratelimit.Limiter, maxFrameBytes int64) *Dispatcher {
	if maxFrameBytes <= 0 {
		maxFrameBytes = 1 << 20
	}
	return &Dispatcher{
		store:         store,
		uploads:       uploads,
		conns:         conns,
		limiter:       limiter,
		maxFrameBytes: maxFrameBytes,
	}
}

// HandleFrame processes one inbound WebSocket frame. It is the read pump
// callback, so updates inside a frame run in order.
func (d *Dispatcher) HandleFrame(c *connection.Conn, data []byte) {
	updates, err := protocol.DecodeFrame(data, d.maxFrameBytes)
	if err != nil {
		metrics.Global().RecordFrameRejected()
		if we, ok := err.(*protocol.WireError); ok {
			d.conns.SendUpdates(c.ID, protocol.ErrorFromWire(we))
		}
		logging.Op().Debug("rejecting frame", "connection", c.ID, "error", err)
		d.conns.Close(c.ID, protocol.CloseBadFrame, protocol.CodeBadFrame)
		return
	}

	for _, u := range updates {
		d.dispatch(c, u)
	}
}

func (d *Dispatcher) dispatch(c *connection.Conn, u protocol.Inbound) {
	// Ping is the one update served without a verified principal.
	if _, isPing := u.Payload.(*protocol.Ping); isPing {
		d.conns.SendUpdates(c.ID, protocol.NewPong())
		return
	}
	if c.Principal == nil {
		d.conns.SendUpdates(c.ID, protocol.NewError(
			protocol.CodeUnauthorized, "no principal attached", ""))
		d.conns.Close(c.ID, protocol.CloseUnauthorized, protocol.CodeUnauthorized)
		return
	}

	var werr *protocol.WireError
	switch p := u.Payload.(type) {
	case *protocol.GetInitialState:
		werr = d.store.GetInitialState(c.ID, c.Principal.Subject, p)
	case *protocol.CallMethod:
		if !d.limiter.AllowInvoke(context.Background(), c.ID) {
			metrics.Global().RecordRateLimited()
			werr = &protocol.WireError{
				Code:      protocol.CodeRateLimited,
				Message:   "invoke budget exceeded",
				RequestID: p.RequestID,
			}
			break
		}
		werr = d.store.CallMethod(c.ID, c.Principal.Subject, p)
	case *protocol.Subscribe:
		werr = d.store.Subscribe(c.ID, p)
	case *protocol.Unsubscribe:
		werr = d.store.Unsubscribe(c.ID, p)
	case *protocol.JoinRoom:
		werr = d.store.JoinRoom(p)
	case *protocol.LeaveRoom:
		werr = d.store.LeaveRoom(p)
	case *protocol.UploadBegin:
		if !d.store.Exists(p.InstanceID) {
			werr = protocol.BadFrame("unknown instance %s", p.InstanceID)
			break
		}
		if !d.store.Subscribed(c.ID, p.InstanceID) {
			werr = protocol.Errf(protocol.CodeUnauthorized, "not subscribed to instance %s", p.InstanceID)
			break
		}
		werr = d.uploads.Begin(p, c.ID)
	case *protocol.UploadChunk:
		werr = d.uploads.Chunk(p, c.ID)
	case *protocol.UploadEnd:
		werr = d.uploads.End(p, c.ID)
	default:
		werr = protocol.BadFrame("unhandled update %s", u.Tag)
	}

	if werr != nil {
		d.conns.SendUpdates(c.ID, protocol.ErrorFromWire(werr))
	}
}
