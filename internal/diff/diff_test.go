package diff

import (
	"reflect"
	"testing"
)

func TestComputeReplaceScalar(t *testing.T) {
	before := map[string]any{"count": float64(5)}
	after := map[string]any{"count": float64(8)}

	patch := Compute(before, after)
	if len(patch) != 1 {
		t.Fatalf("expected 1 op, got %d", len(patch))
	}
	op := patch[0]
	if op.Op != OpReplace || op.Path != "/count" || op.Value != float64(8) {
		t.Fatalf("unexpected op: %+v", op)
	}
}

func TestComputeAddAndRemove(t *testing.T) {
	before := map[string]any{"a": "x", "gone": true}
	after := map[string]any{"a": "x", "fresh": "y"}

	patch := Compute(before, after)
	if len(patch) != 2 {
		t.Fatalf("expected 2 ops, got %d: %+v", len(patch), patch)
	}
	// Keys visit in sorted order: fresh before gone.
	if patch[0].Op != OpAdd || patch[0].Path != "/fresh" {
		t.Fatalf("unexpected first op: %+v", patch[0])
	}
	if patch[1].Op != OpRemove || patch[1].Path != "/gone" {
		t.Fatalf("unexpected second op: %+v", patch[1])
	}
}

func TestComputeRecursesNestedObjects(t *testing.T) {
	before := map[string]any{"user": map[string]any{"name": "ada", "age": float64(30)}}
	after := map[string]any{"user": map[string]any{"name": "ada", "age": float64(31)}}

	patch := Compute(before, after)
	if len(patch) != 1 {
		t.Fatalf("expected 1 op, got %d", len(patch))
	}
	if patch[0].Path != "/user/age" || patch[0].Value != float64(31) {
		t.Fatalf("unexpected op: %+v", patch[0])
	}
}

func TestComputeReplacesArraysWholesale(t *testing.T) {
	before := map[string]any{"items": []any{"a", "b"}}
	after := map[string]any{"items": []any{"a", "b", "c"}}

	patch := Compute(before, after)
	if len(patch) != 1 || patch[0].Op != OpReplace || patch[0].Path != "/items" {
		t.Fatalf("unexpected patch: %+v", patch)
	}
}

func TestComputeNoChange(t *testing.T) {
	state := map[string]any{"a": float64(1), "b": map[string]any{"c": "x"}}
	if patch := Compute(state, Clone(state)); len(patch) != 0 {
		t.Fatalf("expected empty patch, got %+v", patch)
	}
}

func TestComputeNumericNormalization(t *testing.T) {
	before := map[string]any{"n": int64(5)}
	after := map[string]any{"n": float64(5)}
	if patch := Compute(before, after); len(patch) != 0 {
		t.Fatalf("int64(5) and float64(5) should be equal, got %+v", patch)
	}
}

func TestApplyRoundTrip(t *testing.T) {
	before := map[string]any{
		"count": float64(1),
		"user":  map[string]any{"name": "ada", "tags": []any{"x"}},
		"gone":  true,
	}
	after := map[string]any{
		"count": float64(2),
		"user":  map[string]any{"name": "bob", "tags": []any{"x", "y"}},
		"added": "v",
	}

	patch := Compute(before, after)
	got := Clone(before)
	Apply(got, patch)
	if !reflect.DeepEqual(got, after) {
		t.Fatalf("apply mismatch:\n got %+v\nwant %+v", got, after)
	}
}

func TestApplyCreatesIntermediateObjects(t *testing.T) {
	state := map[string]any{}
	Apply(state, []Op{{Op: OpAdd, Path: "/a/b/c", Value: float64(1)}})
	inner, ok := state["a"].(map[string]any)["b"].(map[string]any)
	if !ok || inner["c"] != float64(1) {
		t.Fatalf("intermediate objects not created: %+v", state)
	}
}

func TestExceedsHalf(t *testing.T) {
	small := map[string]any{
		"a": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"b": "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		"c": "cccccccccccccccccccccccccccccccccccccccc",
		"d": float64(1),
	}
	tiny := []Op{{Op: OpReplace, Path: "/d", Value: float64(2)}}
	if ExceedsHalf(tiny, small) {
		t.Fatal("one tiny op should not exceed half of a large state")
	}

	big := []Op{
		{Op: OpReplace, Path: "/a", Value: small["a"]},
		{Op: OpReplace, Path: "/b", Value: small["b"]},
		{Op: OpReplace, Path: "/c", Value: small["c"]},
	}
	if !ExceedsHalf(big, small) {
		t.Fatal("patch touching nearly all keys should exceed half")
	}
	if ExceedsHalf(nil, small) {
		t.Fatal("empty patch never exceeds")
	}
}

func TestExceedsHalfSmallStateAlwaysPatches(t *testing.T) {
	state := map[string]any{"count": float64(8)}
	patch := []Op{{Op: OpReplace, Path: "/count", Value: float64(8)}}
	if ExceedsHalf(patch, state) {
		t.Fatal("tiny states must keep patching even when the patch is larger")
	}
}

func TestPointerEscaping(t *testing.T) {
	before := map[string]any{"a/b": float64(1), "c~d": float64(2)}
	after := map[string]any{"a/b": float64(9), "c~d": float64(8)}

	patch := Compute(before, after)
	paths := map[string]bool{}
	for _, op := range patch {
		paths[op.Path] = true
	}
	if !paths["/a~1b"] || !paths["/c~0d"] {
		t.Fatalf("expected escaped pointers, got %+v", patch)
	}

	got := Clone(before)
	Apply(got, patch)
	if !reflect.DeepEqual(got, after) {
		t.Fatalf("escaped round trip mismatch: %+v", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := map[string]any{"user": map[string]any{"name": "ada"}, "tags": []any{"x"}}
	cp := Clone(orig)
	cp["user"].(map[string]any)["name"] = "bob"
	cp["tags"].([]any)[0] = "y"
	if orig["user"].(map[string]any)["name"] != "ada" || orig["tags"].([]any)[0] != "x" {
		t.Fatal("clone aliases the original")
	}
}
