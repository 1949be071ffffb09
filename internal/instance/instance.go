// Package instance hosts live component instances: one bounded mailbox and
// one worker goroutine per instance, so every handler call on an instance is
// serialized. State commits as versioned patches fanned out to subscribers;
// a panicking worker quarantines the instance and a repeat panic evicts it.
package instance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MarcosBrendonDePaula/fluxlive/internal/diff"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/eventbus"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/logging"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/metrics"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/observability"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/protocol"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/registry"
)

// quarantineWindow is how long a quarantined instance stays one panic away
// from eviction.
const quarantineWindow = time.Minute

type workKind int

const (
	// workInit mounts the instance on first delivery and replies with an
	// initial_state frame; on an already-mounted instance it replies with
	// the current snapshot.
	workInit workKind = iota
	workInvoke
	workUnmount
)

// workItem is one mailbox entry.
type workItem struct {
	kind       workKind
	conn       string
	requestID  string
	principal  string
	methodName string
	method     *registry.Method
	params     []any
	// resync sends a full update to conn before the invoke, used when a
	// rehydration fingerprint did not match the live instance.
	resync bool
	// reinit discards the committed state and mounts again from props,
	// used when a remembered fingerprint does not match the live instance.
	reinit bool
	props  map[string]any
}

// Instance is one live component instance.
type Instance struct {
	id          string
	typ         *registry.Type
	props       map[string]any
	fingerprint string

	store *Store

	// mu guards the committed state pointer, version, subscriber map and
	// liveness bookkeeping. The mailbox worker is the only state writer.
	mu          sync.Mutex
	state       map[string]any
	version     uint64
	subscribers map[string]uint64 // connection id -> last delivered version
	lastActive  time.Time
	mounted     bool
	quarantined bool
	lastPanic   time.Time
	stopping    bool

	mailbox chan workItem
	done    chan struct{}
}

// invokeOutcome is the handler goroutine's report back to the worker.
type invokeOutcome struct {
	result   any
	err      error
	timedOut bool
	panicked bool
	panicVal any
}

// ID returns the instance id.
func (in *Instance) ID() string { return in.id }

// TypeName returns the registered component type name.
func (in *Instance) TypeName() string { return in.typ.Name }

// Fingerprint returns the current rehydration fingerprint. It changes only
// when a fingerprint mismatch re-initializes the instance.
func (in *Instance) Fingerprint() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.fingerprint
}

// Version returns the committed state version.
func (in *Instance) Version() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.version
}

func (in *Instance) touch() {
	in.mu.Lock()
	in.lastActive = time.Now()
	in.mu.Unlock()
}

// snapshot returns the committed state pointer and version. The pointer is
// safe to share: commits swap in a fresh map instead of mutating.
func (in *Instance) snapshot() (map[string]any, uint64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state, in.version
}

// enqueue places work on the mailbox without blocking. A full mailbox or a
// stopping instance rejects the work; the dispatcher reports OVERLOADED.
func (in *Instance) enqueue(w workItem) bool {
	in.mu.Lock()
	stopping := in.stopping
	in.mu.Unlock()
	if stopping {
		return false
	}
	select {
	case in.mailbox <- w:
		in.touch()
		return true
	default:
		return false
	}
}

// run is the mailbox worker. It exits after an unmount item, a mount
// failure or a second panic inside the quarantine window.
func (in *Instance) run() {
	defer close(in.done)
	for w := range in.mailbox {
		if in.process(w) {
			return
		}
	}
}

func (in *Instance) process(w workItem) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			stop = in.recoverPanic(w, r)
		}
	}()

	switch w.kind {
	case workInit:
		return in.runInit(w)
	case workInvoke:
		in.runInvoke(w)
		return false
	case workUnmount:
		in.runUnmount()
		return true
	}
	return false
}

// runInit mounts the instance if needed, then replies to the requesting
// connection with an initial_state snapshot. A reinit item on a mounted
// instance discards the committed state first.
func (in *Instance) runInit(w workItem) (stop bool) {
	in.mu.Lock()
	mounted := in.mounted
	in.mu.Unlock()

	switch {
	case !mounted:
		if !in.runMount(w) {
			return true
		}
	case w.reinit:
		if !in.runReinit(w) {
			return true
		}
	}

	if w.conn != "" {
		state, version := in.snapshot()
		in.mu.Lock()
		in.subscribers[w.conn] = version
		in.mu.Unlock()
		in.store.send(w.conn, protocol.NewInitialState(
			in.typ.Name, in.id, in.fingerprint, w.requestID, state, version))
	}
	return false
}

// buildState runs the state factory and the mount hook against props,
// folding mutations staged by the hook into the returned state.
func (in *Instance) buildState(w workItem, props map[string]any) (map[string]any, []eventbus.Emission, error) {
	state, err := in.typ.InitialState(diff.Clone(props))
	if err != nil {
		return nil, nil, err
	}
	var events []eventbus.Emission
	if in.typ.Lifecycle.Mount != nil {
		ic := newInvokeCtx(in, w, state)
		if err := in.typ.Lifecycle.Mount(ic); err != nil {
			return nil, nil, err
		}
		staged, deleted, evs := ic.take()
		if state == nil {
			state = make(map[string]any)
		}
		for k, v := range staged {
			state[k] = v
		}
		for k := range deleted {
			delete(state, k)
		}
		events = evs
	}
	if state == nil {
		state = make(map[string]any)
	}
	return state, events, nil
}

// runMount builds the initial state and runs the mount hook. Failure sends
// MOUNT_FAILED to the requester, unbinds the id and stops the worker.
func (in *Instance) runMount(w workItem) (ok bool) {
	state, events, err := in.buildState(w, in.props)
	if err != nil {
		logging.Op().Warn("mount failed",
			"type", in.typ.Name, "instance", in.id, "error", err)
		in.store.send(w.conn, protocol.NewError(
			protocol.CodeMountFailed, fmt.Sprintf("mount %s: %v", in.typ.Name, err), w.requestID))
		in.store.discard(in)
		return false
	}

	in.mu.Lock()
	in.state = state
	in.version = 1
	in.mounted = true
	in.mu.Unlock()

	metrics.Global().RecordMount(in.typ.Name)
	logging.Op().Info("instance mounted",
		"type", in.typ.Name, "instance", in.id, "fingerprint", in.fingerprint)

	for _, e := range events {
		in.store.bus.Publish(e)
	}
	return true
}

// runReinit discards the committed state after a fingerprint mismatch: the
// factory and mount hook run again on the new props, the fingerprint is
// recomputed and every subscriber gets a full update.
func (in *Instance) runReinit(w workItem) (ok bool) {
	props := diff.Clone(w.props)
	state, events, err := in.buildState(w, props)
	if err != nil {
		logging.Op().Warn("re-init failed",
			"type", in.typ.Name, "instance", in.id, "error", err)
		in.store.send(w.conn, protocol.NewError(
			protocol.CodeMountFailed, fmt.Sprintf("mount %s: %v", in.typ.Name, err), w.requestID))
		in.store.discard(in)
		return false
	}

	in.mu.Lock()
	in.props = props
	in.fingerprint = Fingerprint(in.typ.Name, props, in.typ.SchemaVersion)
	in.version++
	to := in.version
	in.state = state
	delivered := make(map[string]uint64, len(in.subscribers))
	for conn, known := range in.subscribers {
		delivered[conn] = known
		in.subscribers[conn] = to
	}
	in.mu.Unlock()

	metrics.Global().RecordRehydration()
	logging.Op().Info("instance re-initialized",
		"type", in.typ.Name, "instance", in.id, "fingerprint", in.fingerprint)

	for conn, known := range delivered {
		in.store.send(conn, protocol.NewFullUpdate(in.id, known, to, state))
		metrics.Global().RecordFullResync()
	}
	for _, e := range events {
		in.store.bus.Publish(e)
	}
	return true
}

// runInvoke executes one method call: handler in its own goroutine under
// the deadline, then commit, then the result frame.
func (in *Instance) runInvoke(w workItem) {
	if w.resync {
		state, version := in.snapshot()
		in.mu.Lock()
		in.subscribers[w.conn] = version
		in.mu.Unlock()
		in.store.send(w.conn, protocol.NewFullUpdate(in.id, 0, version, state))
		metrics.Global().RecordFullResync()
	}

	start := time.Now()
	sctx, endSpan := observability.StartInvokeSpan(context.Background(), in.typ.Name, w.methodName, in.id)

	pre, _ := in.snapshot()
	ic := newInvokeCtx(in, w, pre)

	outcomeCh := make(chan invokeOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				outcomeCh <- invokeOutcome{panicked: true, panicVal: r}
			}
		}()
		res, err := w.method.Handler(ic, w.params)
		outcomeCh <- invokeOutcome{result: res, err: err}
	}()

	timer := time.NewTimer(in.store.cfg.HandlerTimeout)
	defer timer.Stop()

	var out invokeOutcome
	select {
	case out = <-outcomeCh:
	case <-timer.C:
		ic.seal()
		out = invokeOutcome{timedOut: true}
	}
	if out.panicked {
		endSpan(fmt.Errorf("panic: %v", out.panicVal))
		panic(out.panicVal)
	}

	// Mutations staged before a deadline seal still commit; events queue
	// strictly after the state effects of the same call.
	in.commit(ic)

	durMs := time.Since(start).Milliseconds()
	switch {
	case out.timedOut:
		metrics.Global().RecordTimeout()
		metrics.Global().RecordInvoke(in.typ.Name, w.methodName, durMs, false)
		endSpan(fmt.Errorf("deadline exceeded after %s", in.store.cfg.HandlerTimeout))
		if w.conn != "" {
			in.store.send(w.conn, protocol.NewFunctionError(
				w.requestID, protocol.CodeTimeout,
				fmt.Sprintf("%s.%s exceeded %s", in.typ.Name, w.methodName, in.store.cfg.HandlerTimeout)))
		}
	case out.err != nil:
		metrics.Global().RecordInvoke(in.typ.Name, w.methodName, durMs, false)
		endSpan(out.err)
		if w.conn != "" {
			in.store.send(w.conn, protocol.NewFunctionError(
				w.requestID, protocol.CodeHandlerError, out.err.Error()))
		}
	default:
		metrics.Global().RecordInvoke(in.typ.Name, w.methodName, durMs, true)
		endSpan(nil)
		if w.conn != "" && w.requestID != "" {
			in.store.send(w.conn, protocol.NewFunctionResult(w.requestID, out.result))
		}
	}

	errMsg := ""
	switch {
	case out.timedOut:
		errMsg = "deadline exceeded"
	case out.err != nil:
		errMsg = out.err.Error()
	}
	traceID, spanID := observability.SpanIDs(sctx)
	logging.Default().Log(&logging.InvokeLog{
		RequestID:  w.requestID,
		TraceID:    traceID,
		SpanID:     spanID,
		Component:  in.typ.Name,
		InstanceID: in.id,
		Method:     w.methodName,
		Connection: w.conn,
		DurationMs: durMs,
		Success:    errMsg == "",
		Error:      errMsg,
		Version:    in.Version(),
	})
}

// commit applies staged mutations as one version bump, fans the patch out
// to subscribers, then publishes staged events.
func (in *Instance) commit(ic *invokeCtx) {
	staged, deleted, events := ic.take()

	if len(staged) > 0 || len(deleted) > 0 {
		before, _ := in.snapshot()
		after := diff.Clone(before)
		if after == nil {
			after = make(map[string]any)
		}
		for k, v := range staged {
			after[k] = v
		}
		for k := range deleted {
			delete(after, k)
		}

		patch := diff.Compute(before, after)
		if len(patch) > 0 {
			in.mu.Lock()
			from := in.version
			in.version++
			to := in.version
			in.state = after
			delivered := make(map[string]uint64, len(in.subscribers))
			for conn, known := range in.subscribers {
				delivered[conn] = known
				in.subscribers[conn] = to
			}
			in.mu.Unlock()

			full := diff.ExceedsHalf(patch, after)
			for conn, known := range delivered {
				switch {
				case known != from:
					// The subscriber missed a version; a patch would not
					// apply cleanly, so resync with the whole state.
					in.store.send(conn, protocol.NewFullUpdate(in.id, known, to, after))
					metrics.Global().RecordFullResync()
				case full:
					in.store.send(conn, protocol.NewFullUpdate(in.id, from, to, after))
				default:
					in.store.send(conn, protocol.NewPatchUpdate(in.id, from, to, patch))
				}
			}
		}
	}

	for _, e := range events {
		in.store.bus.Publish(e)
	}
}

// runUnmount runs the unmount hook and releases the instance.
func (in *Instance) runUnmount() {
	if in.typ.Lifecycle.Unmount != nil {
		ic := newInvokeCtx(in, workItem{}, in.mustState())
		if err := in.typ.Lifecycle.Unmount(ic); err != nil {
			logging.Op().Warn("unmount hook failed",
				"type", in.typ.Name, "instance", in.id, "error", err)
		}
	}
	in.store.finalize(in)
}

func (in *Instance) mustState() map[string]any {
	state, _ := in.snapshot()
	return state
}

// recoverPanic implements quarantine: the first panic resyncs subscribers
// and keeps the instance alive; a second panic inside the window evicts it.
func (in *Instance) recoverPanic(w workItem, r any) (stop bool) {
	logging.Op().Error("worker panic",
		"type", in.typ.Name, "instance", in.id,
		"method", w.methodName, "panic", fmt.Sprint(r))

	now := time.Now()
	in.mu.Lock()
	repeat := in.quarantined && now.Sub(in.lastPanic) < quarantineWindow
	in.quarantined = true
	in.lastPanic = now
	if repeat {
		in.stopping = true
	}
	state := in.state
	version := in.version
	subs := make([]string, 0, len(in.subscribers))
	for conn := range in.subscribers {
		subs = append(subs, conn)
	}
	in.mu.Unlock()

	if w.conn != "" && w.requestID != "" {
		in.store.send(w.conn, protocol.NewFunctionError(
			w.requestID, protocol.CodeInternal, "internal error"))
	}

	if repeat {
		for _, conn := range subs {
			in.store.send(conn, protocol.NewError(
				protocol.CodeQuarantined, "instance evicted after repeated failures", ""))
		}
		in.store.finalize(in)
		return true
	}

	// Panics happen before commit, so the committed state is intact; the
	// resync realigns any subscriber mid-delivery.
	for _, conn := range subs {
		in.store.send(conn, protocol.NewFullUpdate(in.id, 0, version, state))
		metrics.Global().RecordFullResync()
	}
	return false
}
