// Package registry holds the process-wide catalog of registered component
// types. Registration happens at process start and a type is immutable once
// registered.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/MarcosBrendonDePaula/fluxlive/internal/logging"
)

var (
	ErrUnknownType   = errors.New("unknown component type")
	ErrUnknownMethod = errors.New("unknown method")
	ErrConflict      = errors.New("conflicting registration")
)

// Context is the handle passed to method handlers and lifecycle hooks.
// State mutations are staged and committed as a single patch when the
// handler returns; events queue after state effects of the same call.
type Context interface {
	// InstanceID returns the id of the instance executing the handler.
	InstanceID() string
	// Principal returns the verified identity of the calling connection,
	// or "anonymous".
	Principal() string
	// ReadState returns the value at key as seen by this call: the
	// pre-call snapshot merged with this call's staged mutations.
	ReadState(key string) (any, bool)
	// StateSnapshot returns a copy of the effective state of this call.
	StateSnapshot() map[string]any
	// SetState stages a partial state mutation.
	SetState(partial map[string]any)
	// DeleteState stages removal of a top-level key.
	DeleteState(key string)
	// EmitToSelf queues an event for the originating connection only.
	EmitToSelf(name string, data any)
	// Broadcast queues an event for every subscriber of this instance.
	Broadcast(name string, data any)
	// EmitToRoom queues an event for all subscribers of all instances in
	// the named room.
	EmitToRoom(room, name string, data any)
	// JoinRoom adds this instance to a named room.
	JoinRoom(room string)
	// LeaveRoom removes this instance from a named room.
	LeaveRoom(room string)
	// Abort is closed when the handler deadline passes. Handlers must
	// check it cooperatively between suspension points.
	Abort() <-chan struct{}
}

// HandlerFunc executes one method call. The returned value is reported via
// function-result; a returned error becomes a function-error.
type HandlerFunc func(ctx Context, params []any) (any, error)

// HookFunc runs a lifecycle transition (mount/unmount).
type HookFunc func(ctx Context) error

// Method describes one invokable method. Arity is the declared parameter
// count; a negative arity skips the check.
type Method struct {
	Name    string
	Arity   int
	Handler HandlerFunc
}

// Lifecycle holds the optional mount/unmount hooks of a type.
type Lifecycle struct {
	Mount   HookFunc
	Unmount HookFunc
}

// InitialStateFunc produces the initial state of a new instance from its
// properties snapshot.
type InitialStateFunc func(props map[string]any) (map[string]any, error)

// Type is a registration record keyed by a unique name.
type Type struct {
	Name          string
	SchemaVersion int
	InitialState  InitialStateFunc
	Methods       map[string]*Method
	Lifecycle     Lifecycle
	// Events lists permitted event names; empty means unrestricted.
	Events []string
}

// EventPermitted reports whether the type may emit the named event.
func (t *Type) EventPermitted(name string) bool {
	if len(t.Events) == 0 {
		return true
	}
	for _, e := range t.Events {
		if e == name {
			return true
		}
	}
	return false
}

// methodNames returns the sorted method names, used for idempotency checks.
func (t *Type) methodNames() []string {
	names := make([]string, 0, len(t.Methods))
	for name := range t.Methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry is the process-wide component type catalog.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*Type
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{types: make(map[string]*Type)}
}

// Register adds a type record. Registering the same name twice with an
// identical schema is a no-op; a differing schema fails.
func (r *Registry) Register(t *Type) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("%w: empty type name", ErrConflict)
	}
	if t.InitialState == nil {
		return fmt.Errorf("%w: type %q has no initial-state factory", ErrConflict, t.Name)
	}
	if t.Methods == nil {
		t.Methods = make(map[string]*Method)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.types[t.Name]; ok {
		if existing.SchemaVersion == t.SchemaVersion && equalNames(existing.methodNames(), t.methodNames()) {
			return nil
		}
		return fmt.Errorf("%w: type %q already registered with a different schema", ErrConflict, t.Name)
	}

	r.types[t.Name] = t
	logging.Op().Info("component type registered",
		"type", t.Name,
		"schema_version", t.SchemaVersion,
		"methods", len(t.Methods))
	return nil
}

// Lookup returns the type record for name.
func (r *Registry) Lookup(name string) (*Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return t, nil
}

// Method resolves a method on a type. Both the canonical camelCase spelling
// and the kebab-case event-handler spelling (on-x) are accepted inbound.
func (r *Registry) Method(typeName, methodName string) (*Type, *Method, error) {
	t, err := r.Lookup(typeName)
	if err != nil {
		return nil, nil, err
	}
	if m, ok := t.Methods[methodName]; ok {
		return t, m, nil
	}
	if norm := NormalizeMethodName(methodName); norm != methodName {
		if m, ok := t.Methods[norm]; ok {
			return t, m, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, typeName, methodName)
}

// Names returns all registered type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NormalizeMethodName maps the kebab-case handler spelling to camelCase:
// "on-upload-complete" becomes "onUploadComplete". Names without dashes are
// returned unchanged.
func NormalizeMethodName(name string) string {
	if !strings.Contains(name, "-") {
		return name
	}
	parts := strings.Split(name, "-")
	var b strings.Builder
	b.WriteString(parts[0])
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
