package instance

import (
	"sync"

	"github.com/MarcosBrendonDePaula/fluxlive/internal/diff"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/eventbus"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/logging"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/protocol"
)

// invokeCtx is the per-call handle handed to method handlers and lifecycle
// hooks. Mutations and events stage here and commit in the mailbox worker
// when the call finishes; after a deadline seal, further mutations from a
// still-running handler are dropped.
type invokeCtx struct {
	in        *Instance
	conn      string
	requestID string
	principal string

	// pre is the committed snapshot at call start. Committed maps are never
	// mutated in place, so reads here are safe without the instance lock.
	pre map[string]any

	mu      sync.Mutex
	sealed  bool
	staged  map[string]any
	deleted map[string]struct{}
	events  []eventbus.Emission

	abort     chan struct{}
	abortOnce sync.Once
}

func newInvokeCtx(in *Instance, w workItem, pre map[string]any) *invokeCtx {
	return &invokeCtx{
		in:        in,
		conn:      w.conn,
		requestID: w.requestID,
		principal: w.principal,
		pre:       pre,
		staged:    make(map[string]any),
		deleted:   make(map[string]struct{}),
		abort:     make(chan struct{}),
	}
}

func (c *invokeCtx) InstanceID() string { return c.in.id }

func (c *invokeCtx) Principal() string {
	if c.principal == "" {
		return "anonymous"
	}
	return c.principal
}

func (c *invokeCtx) ReadState(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.staged[key]; ok {
		return v, true
	}
	if _, gone := c.deleted[key]; gone {
		return nil, false
	}
	v, ok := c.pre[key]
	return v, ok
}

func (c *invokeCtx) StateSnapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effectiveLocked()
}

// effectiveLocked merges staged mutations over the pre-call snapshot.
// Caller holds c.mu.
func (c *invokeCtx) effectiveLocked() map[string]any {
	out := diff.Clone(c.pre)
	if out == nil {
		out = make(map[string]any)
	}
	for k, v := range c.staged {
		out[k] = v
	}
	for k := range c.deleted {
		delete(out, k)
	}
	return out
}

func (c *invokeCtx) SetState(partial map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return
	}
	for k, v := range partial {
		c.staged[k] = v
		delete(c.deleted, k)
	}
}

func (c *invokeCtx) DeleteState(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return
	}
	delete(c.staged, key)
	c.deleted[key] = struct{}{}
}

func (c *invokeCtx) EmitToSelf(name string, data any) {
	c.stageEvent(eventbus.Emission{Scope: protocol.ScopeSelf, Name: name, Data: data})
}

func (c *invokeCtx) Broadcast(name string, data any) {
	c.stageEvent(eventbus.Emission{Scope: protocol.ScopeBroadcast, Name: name, Data: data})
}

func (c *invokeCtx) EmitToRoom(room, name string, data any) {
	c.stageEvent(eventbus.Emission{Scope: protocol.ScopeRoom, Room: room, Name: name, Data: data})
}

func (c *invokeCtx) stageEvent(e eventbus.Emission) {
	if !c.in.typ.EventPermitted(e.Name) {
		logging.Op().Warn("dropping event not in permitted set",
			"type", c.in.typ.Name, "instance", c.in.id, "event", e.Name)
		return
	}
	e.FromInstanceID = c.in.id
	e.OriginConn = c.conn
	e.RequestID = c.requestID

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return
	}
	c.events = append(c.events, e)
}

// JoinRoom takes effect immediately rather than at commit: room fan-out of
// events emitted later in the same call must see the membership.
func (c *invokeCtx) JoinRoom(room string) {
	c.in.store.bus.Join(room, c.in.id)
}

func (c *invokeCtx) LeaveRoom(room string) {
	c.in.store.bus.Leave(room, c.in.id)
}

func (c *invokeCtx) Abort() <-chan struct{} { return c.abort }

// seal freezes the staged set at deadline and signals the handler to stop.
// Mutations staged before the seal still commit.
func (c *invokeCtx) seal() {
	c.mu.Lock()
	c.sealed = true
	c.mu.Unlock()
	c.abortOnce.Do(func() { close(c.abort) })
}

// take seals the context and hands the staged effects to the committer.
func (c *invokeCtx) take() (staged map[string]any, deleted map[string]struct{}, events []eventbus.Emission) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = true
	return c.staged, c.deleted, c.events
}
