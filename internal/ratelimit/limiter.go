package ratelimit

import (
	"context"
)

// Limiter enforces the per-connection method invocation budget.
type Limiter struct {
	backend Backend
	rps     float64
	burst   int
}

// NewLimiter creates a limiter with the given refill rate and burst size.
func NewLimiter(backend Backend, rps float64, burst int) *Limiter {
	if backend == nil {
		backend = NewLocalTokenBucketBackend()
	}
	if rps <= 0 {
		rps = 50
	}
	if burst <= 0 {
		burst = 100
	}
	return &Limiter{backend: backend, rps: rps, burst: burst}
}

// AllowInvoke consumes one token from the connection's bucket. A backend
// error fails open so a broken limiter never blocks traffic.
func (l *Limiter) AllowInvoke(ctx context.Context, connectionID string) bool {
	allowed, _, err := l.backend.CheckRateLimit(ctx, KeyForConnection(connectionID), l.burst, l.rps, 1)
	if err != nil {
		return true
	}
	return allowed
}

// Forget drops local bucket state for a closed connection.
func (l *Limiter) Forget(connectionID string) {
	type forgetter interface{ Forget(key string) }
	if f, ok := l.backend.(forgetter); ok {
		f.Forget(KeyForConnection(connectionID))
	}
}

// KeyForConnection returns the rate limit key for a connection.
func KeyForConnection(id string) string {
	return "conn:" + id
}
