package logging

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// InvokeLog is one method invocation record, written as a JSON line.
type InvokeLog struct {
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	SpanID     string    `json:"span_id,omitempty"`
	Component  string    `json:"component"`
	InstanceID string    `json:"instance_id"`
	Method     string    `json:"method"`
	Connection string    `json:"connection,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Version    uint64    `json:"version,omitempty"`
}

// Logger appends invocation records to a file. Without an output it drops
// every record, so the hot path stays free when invoke logging is off.
type Logger struct {
	mu  sync.Mutex
	enc *json.Encoder
	f   *os.File
}

var invokeLogger = &Logger{}

// Default returns the process invocation logger.
func Default() *Logger {
	return invokeLogger
}

// SetOutput opens (or creates) the log file and starts appending to it.
func (l *Logger) SetOutput(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	l.mu.Lock()
	if l.f != nil {
		l.f.Close()
	}
	l.f = f
	l.enc = json.NewEncoder(f)
	l.mu.Unlock()
	return nil
}

// Log writes one record. No-op until SetOutput succeeds.
func (l *Logger) Log(entry *InvokeLog) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.enc == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if err := l.enc.Encode(entry); err != nil {
		Op().Warn("invoke log write failed", "error", err)
	}
}

// Close closes the log file if open.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enc = nil
	if l.f != nil {
		err := l.f.Close()
		l.f = nil
		return err
	}
	return nil
}
