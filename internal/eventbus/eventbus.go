// Package eventbus fans emitted events out to connections. Three scopes are
// supported: self (originating connection only), broadcast (all subscribers
// of the emitting instance) and room (all subscribers of all instances that
// joined the named room). Events are additive and never mutate state.
package eventbus

import (
	"sort"
	"sync"

	"github.com/MarcosBrendonDePaula/fluxlive/internal/logging"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/protocol"
)

// FrameSender queues outbound updates on a connection. Per-connection send
// queues preserve enqueue order, which gives the per-emitter ordering
// guarantee for events on a single connection.
type FrameSender interface {
	SendUpdates(connectionID string, updates ...any)
}

// SubscriberSource enumerates the connections subscribed to an instance.
type SubscriberSource interface {
	Subscribers(instanceID string) []string
}

// Emission is one event produced by a handler call.
type Emission struct {
	Scope          string
	Room           string
	Name           string
	Data           any
	FromInstanceID string
	OriginConn     string
	RequestID      string
}

// Bus routes emissions and tracks room membership.
type Bus struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]struct{} // room -> instance ids
	joined map[string]map[string]struct{} // instance id -> rooms

	sender FrameSender
	subs   SubscriberSource
}

// New creates a bus delivering through sender.
func New(sender FrameSender) *Bus {
	return &Bus{
		rooms:  make(map[string]map[string]struct{}),
		joined: make(map[string]map[string]struct{}),
		sender: sender,
	}
}

// BindSubscribers wires the subscriber source. Set once at startup, before
// any traffic flows.
func (b *Bus) BindSubscribers(subs SubscriberSource) {
	b.subs = subs
}

// Join adds an instance to a named room.
func (b *Bus) Join(room, instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rooms[room] == nil {
		b.rooms[room] = make(map[string]struct{})
	}
	b.rooms[room][instanceID] = struct{}{}

	if b.joined[instanceID] == nil {
		b.joined[instanceID] = make(map[string]struct{})
	}
	b.joined[instanceID][room] = struct{}{}
}

// Leave removes an instance from a named room.
func (b *Bus) Leave(room, instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaveLocked(room, instanceID)
}

func (b *Bus) leaveLocked(room, instanceID string) {
	if members := b.rooms[room]; members != nil {
		delete(members, instanceID)
		if len(members) == 0 {
			delete(b.rooms, room)
		}
	}
	if rooms := b.joined[instanceID]; rooms != nil {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(b.joined, instanceID)
		}
	}
}

// DropInstance removes an instance from every room. Called on eviction so
// room fan-out never references a dead id.
func (b *Bus) DropInstance(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for room := range b.joined[instanceID] {
		b.leaveLocked(room, instanceID)
	}
}

// Rooms returns the rooms the instance currently belongs to, sorted.
func (b *Bus) Rooms(instanceID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rooms := make([]string, 0, len(b.joined[instanceID]))
	for room := range b.joined[instanceID] {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Publish delivers one emission according to its scope.
func (b *Bus) Publish(e Emission) {
	frame := protocol.NewEvent(e.Scope, e.Name, e.Room, e.FromInstanceID, e.RequestID, e.Data)

	switch e.Scope {
	case protocol.ScopeSelf:
		if e.OriginConn != "" {
			b.sender.SendUpdates(e.OriginConn, frame)
		}
	case protocol.ScopeBroadcast:
		for _, connID := range b.subscribersOf(e.FromInstanceID) {
			b.sender.SendUpdates(connID, frame)
		}
	case protocol.ScopeRoom:
		for _, connID := range b.roomConnections(e.Room) {
			b.sender.SendUpdates(connID, frame)
		}
	default:
		logging.Op().Warn("dropping emission with unknown scope",
			"scope", e.Scope, "event", e.Name, "instance", e.FromInstanceID)
	}
}

func (b *Bus) subscribersOf(instanceID string) []string {
	if b.subs == nil {
		return nil
	}
	return b.subs.Subscribers(instanceID)
}

// roomConnections returns the deduplicated subscriber set of every instance
// in the room, in deterministic order.
func (b *Bus) roomConnections(room string) []string {
	b.mu.RLock()
	members := make([]string, 0, len(b.rooms[room]))
	for id := range b.rooms[room] {
		members = append(members, id)
	}
	b.mu.RUnlock()
	sort.Strings(members)

	seen := make(map[string]struct{})
	var conns []string
	for _, instanceID := range members {
		for _, connID := range b.subscribersOf(instanceID) {
			if _, dup := seen[connID]; dup {
				continue
			}
			seen[connID] = struct{}{}
			conns = append(conns, connID)
		}
	}
	return conns
}
