package protocol

import (
	"encoding/json"

	"github.com/MarcosBrendonDePaula/fluxlive/internal/diff"
)

// Outbound update tags.
const (
	TagInitialState   = "initial_state"
	TagStateUpdate    = "state_update"
	TagEvent          = "event"
	TagFunctionResult = "function-result"
	TagFunctionError  = "function-error"
	TagUploadProgress = "upload-progress"
	TagPong           = "pong"
	TagError          = "error"
)

// Event scopes.
const (
	ScopeSelf      = "self"
	ScopeBroadcast = "broadcast"
	ScopeRoom      = "room"
)

// InitialState is the reply to getInitialState. The client must use the
// returned $ID on all subsequent callMethod frames.
type InitialState struct {
	Type          string         `json:"type"`
	ComponentName string         `json:"componentName"`
	State         map[string]any `json:"state"`
	ID            string         `json:"$ID"`
	Fingerprint   string         `json:"fingerprint"`
	Version       uint64         `json:"version"`
	RequestID     string         `json:"requestId,omitempty"`
}

// StateUpdate carries a version transition. When Full is true, State
// replaces the client state entirely; otherwise Patch lists JSON-Pointer
// operations from FromVersion to ToVersion.
type StateUpdate struct {
	Type        string         `json:"type"`
	ID          string         `json:"id"`
	FromVersion uint64         `json:"fromVersion"`
	ToVersion   uint64         `json:"toVersion"`
	Patch       []diff.Op      `json:"patch,omitempty"`
	State       map[string]any `json:"state,omitempty"`
	Full        bool           `json:"full"`
}

// Event is an emitted event; events are additive and never mutate state.
type Event struct {
	Type           string `json:"type"`
	Scope          string `json:"scope"`
	Name           string `json:"name"`
	Data           any    `json:"data,omitempty"`
	Room           string `json:"room,omitempty"`
	FromInstanceID string `json:"fromInstanceId"`
	RequestID      string `json:"requestId,omitempty"`
}

// FunctionResult reports a handler return value, correlated by requestId.
type FunctionResult struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Result    any    `json:"result"`
}

// FunctionError reports a handler failure with a sanitized message.
type FunctionError struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// UploadProgress reports received bytes to the initiating connection.
type UploadProgress struct {
	Type     string `json:"type"`
	UploadID string `json:"uploadId"`
	Received int64  `json:"received"`
	Total    int64  `json:"total"`
}

// Pong answers a ping update.
type Pong struct {
	Type string `json:"type"`
}

// ErrorFrame reports a protocol-level error.
type ErrorFrame struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// NewInitialState builds an initial_state update.
func NewInitialState(componentName, id, fingerprint, requestID string, state map[string]any, version uint64) *InitialState {
	return &InitialState{
		Type:          TagInitialState,
		ComponentName: componentName,
		State:         state,
		ID:            id,
		Fingerprint:   fingerprint,
		Version:       version,
		RequestID:     requestID,
	}
}

// NewPatchUpdate builds an incremental state_update.
func NewPatchUpdate(id string, from, to uint64, patch []diff.Op) *StateUpdate {
	return &StateUpdate{
		Type:        TagStateUpdate,
		ID:          id,
		FromVersion: from,
		ToVersion:   to,
		Patch:       patch,
	}
}

// NewFullUpdate builds a full=true resync state_update.
func NewFullUpdate(id string, from, to uint64, state map[string]any) *StateUpdate {
	return &StateUpdate{
		Type:        TagStateUpdate,
		ID:          id,
		FromVersion: from,
		ToVersion:   to,
		State:       state,
		Full:        true,
	}
}

// NewEvent builds an event update.
func NewEvent(scope, name, room, fromInstanceID, requestID string, data any) *Event {
	return &Event{
		Type:           TagEvent,
		Scope:          scope,
		Name:           name,
		Room:           room,
		Data:           data,
		FromInstanceID: fromInstanceID,
		RequestID:      requestID,
	}
}

// NewFunctionResult builds a function-result update.
func NewFunctionResult(requestID string, result any) *FunctionResult {
	return &FunctionResult{Type: TagFunctionResult, RequestID: requestID, Result: result}
}

// NewFunctionError builds a function-error update.
func NewFunctionError(requestID, code, message string) *FunctionError {
	return &FunctionError{Type: TagFunctionError, RequestID: requestID, Code: code, Message: message}
}

// NewUploadProgress builds an upload-progress update.
func NewUploadProgress(uploadID string, received, total int64) *UploadProgress {
	return &UploadProgress{Type: TagUploadProgress, UploadID: uploadID, Received: received, Total: total}
}

// NewPong builds a pong update.
func NewPong() *Pong {
	return &Pong{Type: TagPong}
}

// NewError builds an error update.
func NewError(code, message, requestID string) *ErrorFrame {
	return &ErrorFrame{Type: TagError, Code: code, Message: message, RequestID: requestID}
}

// ErrorFromWire converts a WireError into its error update.
func ErrorFromWire(err *WireError) *ErrorFrame {
	return NewError(err.Code, err.Message, err.RequestID)
}

// EncodeFrame wraps outbound updates into one envelope frame.
func EncodeFrame(updates ...any) ([]byte, error) {
	return json.Marshal(map[string]any{"updates": updates})
}
