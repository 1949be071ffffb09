package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcosBrendonDePaula/fluxlive/internal/logging"
)

// probeEvery bounds how often a degraded backend re-checks the primary.
const probeEvery = 5 * time.Second

// FallbackBackend serves from the primary backend until it errors, then
// switches to local buckets and probes the primary in the background until
// it answers again. Degrading loses cross-replica sharing but keeps every
// per-connection limit enforced.
type FallbackBackend struct {
	primary Backend
	local   *LocalTokenBucketBackend

	degraded  atomic.Bool
	probing   sync.Mutex
	lastProbe atomic.Int64 // unix nanos
}

// NewFallbackBackend wraps primary with a local in-memory fallback.
func NewFallbackBackend(primary Backend) *FallbackBackend {
	return &FallbackBackend{
		primary: primary,
		local:   NewLocalTokenBucketBackend(),
	}
}

func (f *FallbackBackend) CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error) {
	if f.degraded.Load() {
		if time.Since(time.Unix(0, f.lastProbe.Load())) > probeEvery {
			go f.probe(ctx)
		}
		return f.local.CheckRateLimit(ctx, key, maxTokens, refillRate, requested)
	}

	allowed, remaining, err := f.primary.CheckRateLimit(ctx, key, maxTokens, refillRate, requested)
	if err == nil {
		return allowed, remaining, nil
	}

	logging.Op().Warn("rate limit backend unreachable, using local buckets", "error", err)
	f.degraded.Store(true)
	f.lastProbe.Store(time.Now().UnixNano())
	return f.local.CheckRateLimit(ctx, key, maxTokens, refillRate, requested)
}

// probe asks the primary for a zero-token check; success restores it.
func (f *FallbackBackend) probe(ctx context.Context) {
	if !f.probing.TryLock() {
		return
	}
	defer f.probing.Unlock()
	f.lastProbe.Store(time.Now().UnixNano())

	if _, _, err := f.primary.CheckRateLimit(ctx, "probe", 1, 1, 0); err == nil {
		logging.Op().Info("rate limit backend recovered")
		f.degraded.Store(false)
	}
}

// Degraded reports whether local buckets are currently serving.
func (f *FallbackBackend) Degraded() bool {
	return f.degraded.Load()
}

// Forget clears local bucket state for key.
func (f *FallbackBackend) Forget(key string) {
	f.local.Forget(key)
}
