// Package logging provides the process loggers: an slog operational logger
// with a hot-swappable handler, and a per-invocation JSON log.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var (
	level = new(slog.LevelVar)
	op    atomic.Pointer[slog.Logger]
)

func init() {
	op.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// Op returns the operational logger for runtime and infrastructure events.
// Component method calls go to the invocation Logger instead.
func Op() *slog.Logger {
	return op.Load()
}

// SetLevel changes the operational log level.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// SetLevelFromString maps "debug", "info", "warn" or "error" onto the log
// level. Unknown strings keep the current level.
func SetLevelFromString(s string) {
	switch strings.ToLower(s) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}
}

// InitStructured swaps the handler: "json" for log shippers, anything else
// human-readable text.
func InitStructured(format, lvl string) {
	SetLevelFromString(lvl)
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	op.Store(slog.New(h))
}
