// Package ratelimit implements token bucket rate limiting for method
// invocations. The default backend is in-memory; a Redis backend shares
// buckets across runtime replicas, with automatic local fallback when Redis
// is unavailable.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Backend checks whether a request may proceed under a token bucket keyed
// by an arbitrary string.
type Backend interface {
	// CheckRateLimit refills the bucket for key and tries to consume
	// requested tokens. Returns (allowed, remaining, error).
	CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error)
}

type bucket struct {
	tokens float64
	at     time.Time
}

// LocalTokenBucketBackend keeps one in-memory bucket per key.
type LocalTokenBucketBackend struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewLocalTokenBucketBackend creates an empty in-memory backend.
func NewLocalTokenBucketBackend() *LocalTokenBucketBackend {
	return &LocalTokenBucketBackend{buckets: make(map[string]*bucket)}
}

func (l *LocalTokenBucketBackend) CheckRateLimit(_ context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(maxTokens), at: now}
		l.buckets[key] = b
	}

	b.tokens += now.Sub(b.at).Seconds() * refillRate
	if limit := float64(maxTokens); b.tokens > limit {
		b.tokens = limit
	}
	b.at = now

	if b.tokens < float64(requested) {
		return false, int(b.tokens), nil
	}
	b.tokens -= float64(requested)
	return true, int(b.tokens), nil
}

// Forget drops the bucket for key. Called when a connection closes so
// per-connection buckets do not accumulate.
func (l *LocalTokenBucketBackend) Forget(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}
