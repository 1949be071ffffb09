package registry

import (
	"errors"
	"testing"
)

func counterType() *Type {
	return &Type{
		Name:          "Counter",
		SchemaVersion: 1,
		InitialState: func(props map[string]any) (map[string]any, error) {
			return map[string]any{"count": float64(0)}, nil
		},
		Methods: map[string]*Method{
			"increment": {Name: "increment", Arity: 1},
			"onUploadComplete": {Name: "onUploadComplete", Arity: 3},
		},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	if err := r.Register(counterType()); err != nil {
		t.Fatalf("register: %v", err)
	}
	typ, err := r.Lookup("Counter")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if typ.SchemaVersion != 1 {
		t.Fatalf("unexpected type: %+v", typ)
	}
}

func TestRegisterIdempotent(t *testing.T) {
	r := New()
	if err := r.Register(counterType()); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(counterType()); err != nil {
		t.Fatalf("identical re-register should be a no-op: %v", err)
	}
}

func TestRegisterConflict(t *testing.T) {
	r := New()
	if err := r.Register(counterType()); err != nil {
		t.Fatalf("register: %v", err)
	}
	changed := counterType()
	changed.SchemaVersion = 2
	if err := r.Register(changed); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestRegisterRequiresFactory(t *testing.T) {
	r := New()
	err := r.Register(&Type{Name: "Broken", SchemaVersion: 1})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestLookupUnknownType(t *testing.T) {
	r := New()
	if _, err := r.Lookup("Ghost"); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestMethodResolution(t *testing.T) {
	r := New()
	r.Register(counterType())

	if _, _, err := r.Method("Counter", "increment"); err != nil {
		t.Fatalf("canonical spelling: %v", err)
	}
	if _, _, err := r.Method("Counter", "on-upload-complete"); err != nil {
		t.Fatalf("kebab spelling should resolve: %v", err)
	}
	if _, _, err := r.Method("Counter", "explode"); !errors.Is(err, ErrUnknownMethod) {
		t.Fatalf("expected ErrUnknownMethod, got %v", err)
	}
	if _, _, err := r.Method("Ghost", "increment"); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestNormalizeMethodName(t *testing.T) {
	cases := map[string]string{
		"on-upload-complete": "onUploadComplete",
		"increment":          "increment",
		"on-x":               "onX",
		"already-camelCase":  "alreadyCamelCase",
	}
	for in, want := range cases {
		if got := NormalizeMethodName(in); got != want {
			t.Fatalf("normalize %q: got %q, want %q", in, got, want)
		}
	}
}

func TestEventPermitted(t *testing.T) {
	open := &Type{Name: "Open"}
	if !open.EventPermitted("anything") {
		t.Fatal("empty set means unrestricted")
	}
	closed := &Type{Name: "Closed", Events: []string{"chat:message"}}
	if !closed.EventPermitted("chat:message") || closed.EventPermitted("other") {
		t.Fatal("permitted set not enforced")
	}
}
