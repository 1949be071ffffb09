// Package protocol implements the framed JSON wire codec for the live
// component runtime: one envelope per WebSocket frame, each envelope holding
// a list of tagged updates.
package protocol

import "fmt"

// Wire error codes carried by error and function-error frames.
const (
	CodeBadFrame      = "BAD_FRAME"
	CodeUnknownType   = "UNKNOWN_TYPE"
	CodeUnknownMethod = "UNKNOWN_METHOD"
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeRateLimited   = "RATE_LIMITED"
	CodeInternal      = "INTERNAL"
	CodeVersionGap    = "VERSION_GAP"
	CodeHandlerError  = "HANDLER_ERROR"
	CodeTimeout       = "TIMEOUT"
	CodeMountFailed   = "MOUNT_FAILED"
	CodeUnmountFailed = "UNMOUNT_FAILED"
	CodeOverloaded    = "OVERLOADED"
	CodeBackpressure  = "BACKPRESSURE"
	CodeBadSeq        = "BAD_SEQ"
	CodeSizeLimit     = "SIZE_LIMIT"
	CodeHashMismatch  = "HASH_MISMATCH"
	CodeQuarantined   = "INSTANCE_QUARANTINED"
)

// WebSocket close codes.
const (
	CloseNormal       = 1000
	CloseBadFrame     = 4001
	CloseUnauthorized = 4002
	CloseRateLimited  = 4003
	CloseBackpressure = 4008
	CloseOverloaded   = 4010
)

// WireError is a protocol-level error that maps to an error frame.
type WireError struct {
	Code      string
	Message   string
	RequestID string
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// BadFrame returns a WireError with code BAD_FRAME.
func BadFrame(format string, args ...any) *WireError {
	return &WireError{Code: CodeBadFrame, Message: fmt.Sprintf(format, args...)}
}

// Errf returns a WireError with the given code.
func Errf(code, format string, args ...any) *WireError {
	return &WireError{Code: code, Message: fmt.Sprintf(format, args...)}
}
