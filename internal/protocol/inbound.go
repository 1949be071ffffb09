package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Inbound update tags.
const (
	TagGetInitialState = "getInitialState"
	TagCallMethod      = "callMethod"
	TagSubscribe       = "subscribe"
	TagUnsubscribe     = "unsubscribe"
	TagJoinRoom        = "joinRoom"
	TagLeaveRoom       = "leaveRoom"
	TagUploadBegin     = "uploadBegin"
	TagUploadChunk     = "uploadChunk"
	TagUploadEnd       = "uploadEnd"
	TagPing            = "ping"
)

// GetInitialState mounts or resumes a component instance and returns its
// initial state, id and fingerprint.
type GetInitialState struct {
	ComponentName  string         `json:"componentName"`
	Props          map[string]any `json:"props"`
	UserProvidedID string         `json:"userProvidedId,omitempty"`
	Fingerprint    string         `json:"fingerprint,omitempty"`
	RequestID      string         `json:"requestId,omitempty"`
}

// CallMethod invokes a method on an existing instance. State is an
// optimistic client snapshot used only for diagnostics and rehydration
// fallback; the server state is authoritative.
type CallMethod struct {
	Name             string         `json:"name"`
	ID               string         `json:"id"`
	MethodName       string         `json:"methodName"`
	Params           []any          `json:"params"`
	State            map[string]any `json:"state,omitempty"`
	Fingerprint      string         `json:"fingerprint,omitempty"`
	HydrationAttempt bool           `json:"hydrationAttempt,omitempty"`
	RequestID        string         `json:"requestId,omitempty"`
}

// Subscribe attaches the connection to an instance's update stream.
// KnownVersion lets the server detect a gap and resync immediately.
type Subscribe struct {
	ID           string `json:"id"`
	KnownVersion uint64 `json:"knownVersion,omitempty"`
	RequestID    string `json:"requestId,omitempty"`
}

// Unsubscribe detaches the connection from an instance's update stream.
type Unsubscribe struct {
	ID string `json:"id"`
}

// JoinRoom adds the instance to a named room.
type JoinRoom struct {
	ID   string `json:"id"`
	Room string `json:"room"`
}

// LeaveRoom removes the instance from a named room.
type LeaveRoom struct {
	ID   string `json:"id"`
	Room string `json:"room"`
}

// UploadBegin opens a chunked upload bound to an instance.
type UploadBegin struct {
	InstanceID string `json:"instanceId"`
	UploadID   string `json:"uploadId"`
	FileName   string `json:"fileName"`
	TotalBytes int64  `json:"totalBytes"`
	ChunkSize  int64  `json:"chunkSize"`
	SHA256     string `json:"sha256,omitempty"`
}

// UploadChunk carries one base64 chunk. Seq must match the number of
// chunks already received.
type UploadChunk struct {
	UploadID    string `json:"uploadId"`
	Seq         int64  `json:"seq"`
	BytesBase64 string `json:"bytesBase64"`
}

// UploadEnd finalizes an upload.
type UploadEnd struct {
	UploadID string `json:"uploadId"`
}

// Ping requests a pong frame. It is the only update processed before a
// principal is attached to the connection.
type Ping struct{}

// Inbound is one decoded client update.
type Inbound struct {
	Tag     string
	Payload any
}

type envelope struct {
	Updates []json.RawMessage `json:"updates"`
}

type tagProbe struct {
	Type string `json:"type"`
}

// DecodeFrame decodes one WebSocket frame into its inbound updates.
// It fails with BAD_FRAME on invalid JSON, a missing updates array, an
// unknown tag, or an oversize frame. Upload chunk updates are exempt from
// the frame cap; their payloads are bounded by the chunk size limit.
func DecodeFrame(data []byte, maxFrameBytes int64) ([]Inbound, error) {
	oversize := maxFrameBytes > 0 && int64(len(data)) > maxFrameBytes

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var env envelope
	if err := dec.Decode(&env); err != nil {
		return nil, BadFrame("invalid JSON: %v", err)
	}
	if env.Updates == nil {
		return nil, BadFrame("missing updates array")
	}

	updates := make([]Inbound, 0, len(env.Updates))
	for i, raw := range env.Updates {
		var probe tagProbe
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, BadFrame("update %d: %v", i, err)
		}
		if oversize && probe.Type != TagUploadChunk {
			return nil, BadFrame("frame of %d bytes exceeds limit %d", len(data), maxFrameBytes)
		}
		payload, err := decodeUpdate(probe.Type, raw)
		if err != nil {
			return nil, err
		}
		updates = append(updates, Inbound{Tag: probe.Type, Payload: payload})
	}
	return updates, nil
}

func decodeUpdate(tag string, raw json.RawMessage) (any, error) {
	var target any
	switch tag {
	case TagGetInitialState:
		target = &GetInitialState{}
	case TagCallMethod:
		target = &CallMethod{}
	case TagSubscribe:
		target = &Subscribe{}
	case TagUnsubscribe:
		target = &Unsubscribe{}
	case TagJoinRoom:
		target = &JoinRoom{}
	case TagLeaveRoom:
		target = &LeaveRoom{}
	case TagUploadBegin:
		target = &UploadBegin{}
	case TagUploadChunk:
		target = &UploadChunk{}
	case TagUploadEnd:
		target = &UploadEnd{}
	case TagPing:
		target = &Ping{}
	case "":
		return nil, BadFrame("update missing type tag")
	default:
		return nil, BadFrame("unknown update tag %q", tag)
	}
	// UseNumber keeps large integers in params and props exact.
	pd := json.NewDecoder(bytes.NewReader(raw))
	pd.UseNumber()
	if err := pd.Decode(target); err != nil {
		return nil, BadFrame("decode %s: %v", tag, err)
	}
	if err := validateUpdate(tag, target); err != nil {
		return nil, err
	}
	return target, nil
}

func validateUpdate(tag string, payload any) error {
	switch u := payload.(type) {
	case *GetInitialState:
		if u.ComponentName == "" {
			return BadFrame("%s: componentName is required", tag)
		}
	case *CallMethod:
		if u.Name == "" || u.ID == "" || u.MethodName == "" {
			return BadFrame("%s: name, id and methodName are required", tag)
		}
	case *Subscribe:
		if u.ID == "" {
			return BadFrame("%s: id is required", tag)
		}
	case *Unsubscribe:
		if u.ID == "" {
			return BadFrame("%s: id is required", tag)
		}
	case *JoinRoom:
		if u.ID == "" || u.Room == "" {
			return BadFrame("%s: id and room are required", tag)
		}
	case *LeaveRoom:
		if u.ID == "" || u.Room == "" {
			return BadFrame("%s: id and room are required", tag)
		}
	case *UploadBegin:
		if u.InstanceID == "" || u.UploadID == "" {
			return BadFrame("%s: instanceId and uploadId are required", tag)
		}
		if u.TotalBytes <= 0 || u.ChunkSize <= 0 {
			return BadFrame("%s: totalBytes and chunkSize must be positive", tag)
		}
	case *UploadChunk:
		if u.UploadID == "" {
			return BadFrame("%s: uploadId is required", tag)
		}
		if u.Seq < 0 {
			return BadFrame("%s: negative seq", tag)
		}
	case *UploadEnd:
		if u.UploadID == "" {
			return BadFrame("%s: uploadId is required", tag)
		}
	}
	return nil
}

// String implements fmt.Stringer for log output.
func (u Inbound) String() string {
	return fmt.Sprintf("inbound<%s>", u.Tag)
}
