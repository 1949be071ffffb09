package instance

import (
	"strings"
	"testing"
)

func TestValidID(t *testing.T) {
	valid := []string{"abcd1234", "counter-abc", "A_b-C_d-1234", strings.Repeat("x", 64)}
	for _, id := range valid {
		if !ValidID(id) {
			t.Fatalf("%q should be valid", id)
		}
	}
	invalid := []string{"", "short", "has space 123", "emoji-🙂-id", strings.Repeat("x", 65), "dots.are.bad"}
	for _, id := range invalid {
		if ValidID(id) {
			t.Fatalf("%q should be invalid", id)
		}
	}
}

func TestNewIDShapeAndUniqueness(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := NewID()
		if len(id) != 32 {
			t.Fatalf("expected 32 hex chars, got %q", id)
		}
		if !ValidID(id) {
			t.Fatalf("generated id %q does not satisfy the id pattern", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("Counter", map[string]any{"b": float64(2), "a": float64(1)}, 1)
	b := Fingerprint("Counter", map[string]any{"a": float64(1), "b": float64(2)}, 1)
	if a != b {
		t.Fatal("key order must not change the fingerprint")
	}
	if len(a) != 32 {
		t.Fatalf("expected 16 bytes hex, got %q", a)
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	base := Fingerprint("Counter", map[string]any{"a": float64(1)}, 1)
	if Fingerprint("Timer", map[string]any{"a": float64(1)}, 1) == base {
		t.Fatal("type name must affect the fingerprint")
	}
	if Fingerprint("Counter", map[string]any{"a": float64(2)}, 1) == base {
		t.Fatal("props must affect the fingerprint")
	}
	if Fingerprint("Counter", map[string]any{"a": float64(1)}, 2) == base {
		t.Fatal("schema version must affect the fingerprint")
	}
}

func TestFingerprintNestedProps(t *testing.T) {
	a := Fingerprint("C", map[string]any{"cfg": map[string]any{"x": float64(1), "y": "z"}}, 1)
	b := Fingerprint("C", map[string]any{"cfg": map[string]any{"y": "z", "x": float64(1)}}, 1)
	if a != b {
		t.Fatal("nested key order must not change the fingerprint")
	}
}
