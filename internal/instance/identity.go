package instance

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// idPattern is the shape a caller-supplied id must match. Anything else
// gets a server-generated id.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

// ValidID reports whether a client-supplied id is acceptable.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// NewID returns a 128-bit random id in hex.
func NewID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("instance id generation: %v", err))
	}
	return hex.EncodeToString(buf[:])
}

// Fingerprint computes the short rehydration hash over the type name, the
// canonical JSON encoding of the props snapshot and the schema version.
// SHA-256 truncated to 16 bytes, hex encoded.
func Fingerprint(typeName string, props map[string]any, schemaVersion int) string {
	h := sha256.New()
	h.Write([]byte(typeName))
	h.Write([]byte{0})
	h.Write(canonicalJSON(props))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(schemaVersion)))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// canonicalJSON renders a JSON value with object keys sorted at every
// level, so equal props always produce equal bytes.
func canonicalJSON(v any) []byte {
	var b strings.Builder
	writeCanonical(&b, v)
	return []byte(b.String())
}

func writeCanonical(b *strings.Builder, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			writeCanonical(b, t[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, e)
		}
		b.WriteByte(']')
	default:
		enc, err := json.Marshal(t)
		if err != nil {
			enc, _ = json.Marshal(fmt.Sprint(t))
		}
		b.Write(enc)
	}
}
