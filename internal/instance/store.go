package instance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MarcosBrendonDePaula/fluxlive/internal/diff"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/eventbus"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/logging"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/metrics"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/protocol"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/registry"
)

// Sink queues outbound updates on a connection. *connection.Registry
// satisfies it.
type Sink interface {
	SendUpdates(connectionID string, updates ...any)
}

// Config bounds the store.
type Config struct {
	MaxMailbox     int
	HandlerTimeout time.Duration
	IdleTTL        time.Duration
}

// Store owns every live instance and routes inbound operations to their
// mailboxes.
type Store struct {
	cfg  Config
	reg  *registry.Registry
	bus  *eventbus.Bus
	sink Sink

	mu        sync.RWMutex
	instances map[string]*Instance

	// onEvict releases resources bound to an instance, such as pending
	// uploads. Set once at startup.
	onEvict func(instanceID string)

	// onUnsubscribe releases work tied to a (connection, instance) pair,
	// such as an in-flight upload. Set once at startup.
	onUnsubscribe func(connID, instanceID string)

	wg sync.WaitGroup
}

// NewStore creates an instance store.
func NewStore(cfg Config, reg *registry.Registry, bus *eventbus.Bus, sink Sink) *Store {
	if cfg.MaxMailbox <= 0 {
		cfg.MaxMailbox = 1024
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 15 * time.Second
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 5 * time.Minute
	}
	return &Store{
		cfg:       cfg,
		reg:       reg,
		bus:       bus,
		sink:      sink,
		instances: make(map[string]*Instance),
	}
}

// OnEvict installs the eviction hook. Set once at startup.
func (s *Store) OnEvict(fn func(instanceID string)) {
	s.onEvict = fn
}

// OnUnsubscribe installs the unsubscribe hook. Set once at startup.
func (s *Store) OnUnsubscribe(fn func(connID, instanceID string)) {
	s.onUnsubscribe = fn
}

func (s *Store) send(connectionID string, updates ...any) {
	if connectionID == "" {
		return
	}
	s.sink.SendUpdates(connectionID, updates...)
}

// Count returns the number of live instances.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// Exists reports whether an instance id is bound.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.instances[id]
	return ok
}

// Subscribed reports whether the connection is subscribed to the instance.
func (s *Store) Subscribed(connID, instanceID string) bool {
	s.mu.RLock()
	in, ok := s.instances[instanceID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	in.mu.Lock()
	_, ok = in.subscribers[connID]
	in.mu.Unlock()
	return ok
}

// Subscribers returns the sorted connection ids subscribed to an instance.
// Implements eventbus.SubscriberSource.
func (s *Store) Subscribers(instanceID string) []string {
	s.mu.RLock()
	in, ok := s.instances[instanceID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	in.mu.Lock()
	conns := make([]string, 0, len(in.subscribers))
	for conn := range in.subscribers {
		conns = append(conns, conn)
	}
	in.mu.Unlock()
	sort.Strings(conns)
	return conns
}

// GetInitialState mounts a new instance or resumes an existing one, and in
// both cases subscribes the connection and replies with initial_state. A
// remembered fingerprint that does not match the live instance discards the
// stored state and re-initializes from the request's props.
func (s *Store) GetInitialState(connID, principal string, msg *protocol.GetInitialState) *protocol.WireError {
	typ, err := s.reg.Lookup(msg.ComponentName)
	if err != nil {
		return &protocol.WireError{
			Code:      protocol.CodeUnknownType,
			Message:   err.Error(),
			RequestID: msg.RequestID,
		}
	}

	id := msg.UserProvidedID
	if !ValidID(id) {
		id = NewID()
	}

	s.mu.Lock()
	in, exists := s.instances[id]
	if exists && in.typ.Name != typ.Name {
		s.mu.Unlock()
		return &protocol.WireError{
			Code:      protocol.CodeBadFrame,
			Message:   "id " + id + " is bound to component " + in.typ.Name,
			RequestID: msg.RequestID,
		}
	}
	if !exists {
		in = s.createLocked(typ, id, msg.Props, connID)
	}
	s.mu.Unlock()

	in.mu.Lock()
	if _, subscribed := in.subscribers[connID]; !subscribed {
		in.subscribers[connID] = 0
	}
	in.mu.Unlock()

	reinit := exists && msg.Fingerprint != "" && msg.Fingerprint != in.Fingerprint()
	var props map[string]any
	if reinit {
		props = msg.Props
	}
	ok := in.enqueue(workItem{
		kind:      workInit,
		conn:      connID,
		requestID: msg.RequestID,
		principal: principal,
		reinit:    reinit,
		props:     props,
	})
	if !ok {
		return &protocol.WireError{
			Code:      protocol.CodeOverloaded,
			Message:   "instance mailbox full",
			RequestID: msg.RequestID,
		}
	}
	return nil
}

// createLocked binds a fresh instance and starts its worker. Caller holds
// s.mu.
func (s *Store) createLocked(typ *registry.Type, id string, props map[string]any, connID string) *Instance {
	in := &Instance{
		id:          id,
		typ:         typ,
		props:       diff.Clone(props),
		fingerprint: Fingerprint(typ.Name, props, typ.SchemaVersion),
		store:       s,
		subscribers: make(map[string]uint64),
		lastActive:  time.Now(),
		mailbox:     make(chan workItem, s.cfg.MaxMailbox),
		done:        make(chan struct{}),
	}
	if connID != "" {
		in.subscribers[connID] = 0
	}
	s.instances[id] = in
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		in.run()
	}()
	return in
}

// CallMethod routes one invoke to the target instance's mailbox. A missing
// instance on a hydration attempt is re-initialized cleanly; a fingerprint
// mismatch on a live instance resyncs the caller with a full update first.
func (s *Store) CallMethod(connID, principal string, msg *protocol.CallMethod) *protocol.WireError {
	typ, method, err := s.reg.Method(msg.Name, msg.MethodName)
	if err != nil {
		code := protocol.CodeUnknownMethod
		if _, lookupErr := s.reg.Lookup(msg.Name); lookupErr != nil {
			code = protocol.CodeUnknownType
		}
		return &protocol.WireError{Code: code, Message: err.Error(), RequestID: msg.RequestID}
	}
	if method.Arity >= 0 && len(msg.Params) != method.Arity {
		return &protocol.WireError{
			Code:      protocol.CodeBadFrame,
			Message:   msg.Name + "." + msg.MethodName + ": wrong number of params",
			RequestID: msg.RequestID,
		}
	}

	resync := false

	s.mu.Lock()
	in, exists := s.instances[msg.ID]
	if exists && in.typ.Name != typ.Name {
		s.mu.Unlock()
		return &protocol.WireError{
			Code:      protocol.CodeBadFrame,
			Message:   "id " + msg.ID + " is bound to component " + in.typ.Name,
			RequestID: msg.RequestID,
		}
	}
	if !exists {
		if !msg.HydrationAttempt {
			s.mu.Unlock()
			return &protocol.WireError{
				Code:      protocol.CodeBadFrame,
				Message:   "unknown instance " + msg.ID,
				RequestID: msg.RequestID,
			}
		}
		// The instance was reaped or lives on another process. Client
		// state is discarded; the factory re-initializes and the caller
		// gets a full update before the invoke result.
		if !ValidID(msg.ID) {
			s.mu.Unlock()
			return protocolBadID(msg.ID, msg.RequestID)
		}
		in = s.createLocked(typ, msg.ID, nil, connID)
		in.enqueue(workItem{kind: workInit, conn: "", principal: principal})
		resync = true
		metrics.Global().RecordRehydration()
		logging.Op().Info("rehydrating reaped instance",
			"type", typ.Name, "instance", msg.ID)
	}
	s.mu.Unlock()

	if exists && msg.Fingerprint != "" && msg.Fingerprint != in.Fingerprint() {
		// The client remembers a different shape; its optimistic state is
		// stale. Server state stays authoritative.
		resync = true
		if msg.HydrationAttempt {
			metrics.Global().RecordRehydration()
		}
	}

	in.mu.Lock()
	if _, subscribed := in.subscribers[connID]; !subscribed {
		in.subscribers[connID] = in.version
	}
	in.mu.Unlock()

	ok := in.enqueue(workItem{
		kind:       workInvoke,
		conn:       connID,
		requestID:  msg.RequestID,
		principal:  principal,
		methodName: msg.MethodName,
		method:     method,
		params:     msg.Params,
		resync:     resync,
	})
	if !ok {
		return &protocol.WireError{
			Code:      protocol.CodeOverloaded,
			Message:   "instance mailbox full",
			RequestID: msg.RequestID,
		}
	}
	return nil
}

func protocolBadID(id, requestID string) *protocol.WireError {
	return &protocol.WireError{
		Code:      protocol.CodeBadFrame,
		Message:   "invalid instance id " + id,
		RequestID: requestID,
	}
}

// Subscribe attaches a connection to an instance's update stream. A stale
// knownVersion is resynced immediately with a full update.
func (s *Store) Subscribe(connID string, msg *protocol.Subscribe) *protocol.WireError {
	s.mu.RLock()
	in, ok := s.instances[msg.ID]
	s.mu.RUnlock()
	if !ok {
		return &protocol.WireError{
			Code:      protocol.CodeBadFrame,
			Message:   "unknown instance " + msg.ID,
			RequestID: msg.RequestID,
		}
	}

	state, version := in.snapshot()
	in.mu.Lock()
	in.subscribers[connID] = version
	in.lastActive = time.Now()
	in.mu.Unlock()

	if msg.KnownVersion != version {
		s.send(connID, protocol.NewFullUpdate(in.id, msg.KnownVersion, version, state))
		metrics.Global().RecordFullResync()
	}
	return nil
}

// Unsubscribe detaches a connection from an instance's update stream and
// aborts any upload the connection had in flight for it.
func (s *Store) Unsubscribe(connID string, msg *protocol.Unsubscribe) *protocol.WireError {
	s.mu.RLock()
	in, ok := s.instances[msg.ID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	in.mu.Lock()
	_, had := in.subscribers[connID]
	delete(in.subscribers, connID)
	in.lastActive = time.Now()
	in.mu.Unlock()
	if had && s.onUnsubscribe != nil {
		s.onUnsubscribe(connID, msg.ID)
	}
	return nil
}

// JoinRoom adds the instance to a named room on behalf of a client.
func (s *Store) JoinRoom(msg *protocol.JoinRoom) *protocol.WireError {
	if !s.Exists(msg.ID) {
		return protocol.BadFrame("unknown instance %s", msg.ID)
	}
	s.bus.Join(msg.Room, msg.ID)
	return nil
}

// LeaveRoom removes the instance from a named room on behalf of a client.
func (s *Store) LeaveRoom(msg *protocol.LeaveRoom) *protocol.WireError {
	if !s.Exists(msg.ID) {
		return protocol.BadFrame("unknown instance %s", msg.ID)
	}
	s.bus.Leave(msg.Room, msg.ID)
	return nil
}

// DropConnection removes the connection from every subscriber set. Called
// from the connection close hook.
func (s *Store) DropConnection(connID string) {
	s.mu.RLock()
	all := make([]*Instance, 0, len(s.instances))
	for _, in := range s.instances {
		all = append(all, in)
	}
	s.mu.RUnlock()

	for _, in := range all {
		in.mu.Lock()
		if _, ok := in.subscribers[connID]; ok {
			delete(in.subscribers, connID)
			in.lastActive = time.Now()
		}
		in.mu.Unlock()
	}
}

// UploadComplete notifies an instance that one of its uploads finished. If
// the type declares an onUploadComplete method it is invoked with the
// upload id, the stored path and the original file name.
func (s *Store) UploadComplete(instanceID, uploadID, path, fileName string) {
	s.mu.RLock()
	in, ok := s.instances[instanceID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	_, method, err := s.reg.Method(in.typ.Name, "onUploadComplete")
	if err != nil {
		logging.Op().Debug("upload finished with no onUploadComplete handler",
			"type", in.typ.Name, "instance", instanceID, "upload", uploadID)
		return
	}

	ok = in.enqueue(workItem{
		kind:       workInvoke,
		methodName: "onUploadComplete",
		method:     method,
		params:     []any{uploadID, path, fileName},
	})
	if !ok {
		logging.Op().Warn("dropping upload completion, mailbox full",
			"instance", instanceID, "upload", uploadID)
	}
}

// ReapIdle evicts instances with no subscribers that have been idle past
// the TTL. The runtime calls this on the reaper tick.
func (s *Store) ReapIdle(now time.Time) {
	s.mu.RLock()
	var idle []*Instance
	for _, in := range s.instances {
		in.mu.Lock()
		if !in.stopping && len(in.subscribers) == 0 && now.Sub(in.lastActive) > s.cfg.IdleTTL {
			idle = append(idle, in)
		}
		in.mu.Unlock()
	}
	s.mu.RUnlock()

	for _, in := range idle {
		logging.Op().Info("reaping idle instance",
			"type", in.typ.Name, "instance", in.id)
		s.evict(in)
	}
}

// evict queues a final unmount item; the worker tears the instance down
// after draining its backlog.
func (s *Store) evict(in *Instance) {
	in.mu.Lock()
	if in.stopping {
		in.mu.Unlock()
		return
	}
	in.stopping = true
	in.mu.Unlock()

	// The mailbox may still hold a backlog; the send slots in behind it.
	go func() {
		select {
		case in.mailbox <- workItem{kind: workUnmount}:
		case <-in.done:
		}
	}()
}

// discard unbinds an instance whose mount failed. No unmount hook runs.
func (s *Store) discard(in *Instance) {
	in.mu.Lock()
	in.stopping = true
	in.mu.Unlock()
	s.release(in)
}

// finalize releases a fully unmounted instance.
func (s *Store) finalize(in *Instance) {
	metrics.Global().RecordEviction(in.typ.Name)
	logging.Op().Info("instance evicted", "type", in.typ.Name, "instance", in.id)
	s.release(in)
}

func (s *Store) release(in *Instance) {
	s.mu.Lock()
	if cur, ok := s.instances[in.id]; ok && cur == in {
		delete(s.instances, in.id)
	}
	s.mu.Unlock()

	s.bus.DropInstance(in.id)
	if s.onEvict != nil {
		s.onEvict(in.id)
	}
}

// Shutdown unmounts every instance and waits for the workers to drain.
func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	all := make([]*Instance, 0, len(s.instances))
	for _, in := range s.instances {
		all = append(all, in)
	}
	s.mu.RUnlock()

	for _, in := range all {
		s.evict(in)
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
