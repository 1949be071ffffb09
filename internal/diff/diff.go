// Package diff computes minimal JSON-Pointer patches between two component
// state snapshots. Patches follow the RFC 6902 add/replace/remove subset.
package diff

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"
)

// Op is a single JSON-Pointer patch operation.
type Op struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

const (
	OpAdd     = "add"
	OpReplace = "replace"
	OpRemove  = "remove"
)

// Compute returns the ordered patch transforming before into after.
// Nested objects are diffed recursively; arrays and scalar values are
// replaced wholesale. Keys are visited in sorted order so the output is
// deterministic for a given pair of snapshots.
func Compute(before, after map[string]any) []Op {
	var ops []Op
	computeObject("", before, after, &ops)
	return ops
}

func computeObject(prefix string, before, after map[string]any, ops *[]Op) {
	keys := make([]string, 0, len(before)+len(after))
	seen := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		keys = append(keys, k)
		seen[k] = struct{}{}
	}
	for k := range after {
		if _, ok := seen[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		path := prefix + "/" + EscapePointer(k)
		bv, inBefore := before[k]
		av, inAfter := after[k]

		switch {
		case !inAfter:
			*ops = append(*ops, Op{Op: OpRemove, Path: path})
		case !inBefore:
			*ops = append(*ops, Op{Op: OpAdd, Path: path, Value: av})
		default:
			bm, bIsMap := bv.(map[string]any)
			am, aIsMap := av.(map[string]any)
			if bIsMap && aIsMap {
				computeObject(path, bm, am, ops)
				continue
			}
			if !equalValue(bv, av) {
				*ops = append(*ops, Op{Op: OpReplace, Path: path, Value: av})
			}
		}
	}
}

// equalValue compares two JSON values. Numeric values are compared after
// normalisation so int(5) and float64(5) from a decode round-trip match.
func equalValue(a, b any) bool {
	if na, ok := asFloat(a); ok {
		if nb, ok := asFloat(b); ok {
			return na == nb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Apply applies a patch to state in place. Unknown paths for remove are
// ignored; intermediate objects are created for add/replace.
func Apply(state map[string]any, patch []Op) {
	for _, op := range patch {
		segments := splitPointer(op.Path)
		if len(segments) == 0 {
			continue
		}
		parent := state
		ok := true
		for _, seg := range segments[:len(segments)-1] {
			child, exists := parent[seg].(map[string]any)
			if !exists {
				if op.Op == OpRemove {
					ok = false
					break
				}
				child = make(map[string]any)
				parent[seg] = child
			}
			parent = child
		}
		if !ok {
			continue
		}
		leaf := segments[len(segments)-1]
		switch op.Op {
		case OpRemove:
			delete(parent, leaf)
		default:
			parent[leaf] = op.Value
		}
	}
}

// smallStateFloor is the serialized size below which a patch is always
// sent. Pointer-path overhead dominates on tiny states, so the byte
// comparison only applies above the floor.
const smallStateFloor = 128

// ExceedsHalf reports whether the serialized patch is larger than half of
// the serialized full state. Callers fall back to a full state update in
// that case.
func ExceedsHalf(patch []Op, state map[string]any) bool {
	if len(patch) == 0 {
		return false
	}
	sb, err := json.Marshal(state)
	if err != nil {
		return false
	}
	if len(sb) < smallStateFloor {
		return false
	}
	pb, err := json.Marshal(patch)
	if err != nil {
		return true
	}
	return len(pb)*2 > len(sb)
}

// EscapePointer escapes a single JSON-Pointer reference token per RFC 6901.
func EscapePointer(token string) string {
	token = strings.ReplaceAll(token, "~", "~0")
	return strings.ReplaceAll(token, "/", "~1")
}

func unescapePointer(token string) string {
	token = strings.ReplaceAll(token, "~1", "/")
	return strings.ReplaceAll(token, "~0", "~")
}

func splitPointer(path string) []string {
	if path == "" || path == "/" {
		return nil
	}
	raw := strings.Split(strings.TrimPrefix(path, "/"), "/")
	out := make([]string, len(raw))
	for i, seg := range raw {
		out[i] = unescapePointer(seg)
	}
	return out
}

// Clone deep-copies a state snapshot. Mailbox workers hand out clones so
// handler mutations never alias the committed state.
func Clone(state map[string]any) map[string]any {
	if state == nil {
		return nil
	}
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Clone(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
