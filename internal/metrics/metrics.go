package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects and exposes live runtime metrics.
type Metrics struct {
	// Connection metrics
	ConnectionsOpened atomic.Int64
	ConnectionsClosed atomic.Int64
	FramesIn          atomic.Int64
	FramesOut         atomic.Int64
	FramesRejected    atomic.Int64

	// Invocation metrics
	TotalInvokes   atomic.Int64
	SuccessInvokes atomic.Int64
	FailedInvokes  atomic.Int64
	TimedOut       atomic.Int64
	RateLimited    atomic.Int64

	// Latency metrics (in milliseconds)
	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	// Instance metrics
	InstancesMounted   atomic.Int64
	InstancesEvicted   atomic.Int64
	InstancesRehydated atomic.Int64
	FullResyncs        atomic.Int64

	// Upload metrics
	UploadsStarted   atomic.Int64
	UploadsCompleted atomic.Int64
	UploadsFailed    atomic.Int64
	UploadBytes      atomic.Int64

	// Per-component metrics
	componentMetrics sync.Map // typeName -> *ComponentMetrics

	startTime time.Time
}

// ComponentMetrics tracks metrics for a single component type.
type ComponentMetrics struct {
	Invokes   atomic.Int64
	Successes atomic.Int64
	Failures  atomic.Int64
	TotalMs   atomic.Int64
	MinMs     atomic.Int64
	MaxMs     atomic.Int64
}

// Global metrics instance
var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1)) // Max int64
}

// Global returns the global metrics instance.
func Global() *Metrics {
	return global
}

// RecordInvoke records one method invocation result.
func (m *Metrics) RecordInvoke(typeName, method string, durationMs int64, success bool) {
	m.TotalInvokes.Add(1)
	if success {
		m.SuccessInvokes.Add(1)
	} else {
		m.FailedInvokes.Add(1)
	}

	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	cm := m.getComponentMetrics(typeName)
	cm.Invokes.Add(1)
	if success {
		cm.Successes.Add(1)
	} else {
		cm.Failures.Add(1)
	}
	cm.TotalMs.Add(durationMs)
	updateMin(&cm.MinMs, durationMs)
	updateMax(&cm.MaxMs, durationMs)

	// Prometheus bridge
	RecordPrometheusInvoke(typeName, method, durationMs, success)
}

// RecordTimeout records a handler wall-clock timeout.
func (m *Metrics) RecordTimeout() {
	m.TimedOut.Add(1)
}

// RecordRateLimited records a rejected invoke.
func (m *Metrics) RecordRateLimited() {
	m.RateLimited.Add(1)
	RecordPrometheusRateLimited()
}

// RecordConnectionOpened records a new WebSocket connection.
func (m *Metrics) RecordConnectionOpened() {
	m.ConnectionsOpened.Add(1)
	RecordPrometheusConnectionOpened()
}

// RecordConnectionClosed records a closed WebSocket connection.
func (m *Metrics) RecordConnectionClosed() {
	m.ConnectionsClosed.Add(1)
	RecordPrometheusConnectionClosed()
}

// RecordFrameIn records one inbound frame of the given size.
func (m *Metrics) RecordFrameIn(bytes int) {
	m.FramesIn.Add(1)
	RecordPrometheusFrame("in", bytes)
}

// RecordFrameOut records one outbound frame of the given size.
func (m *Metrics) RecordFrameOut(bytes int) {
	m.FramesOut.Add(1)
	RecordPrometheusFrame("out", bytes)
}

// RecordFrameRejected records a frame dropped with BAD_FRAME.
func (m *Metrics) RecordFrameRejected() {
	m.FramesRejected.Add(1)
}

// RecordMount records an instance mount.
func (m *Metrics) RecordMount(typeName string) {
	m.InstancesMounted.Add(1)
	RecordPrometheusMount(typeName)
}

// RecordEviction records an instance eviction.
func (m *Metrics) RecordEviction(typeName string) {
	m.InstancesEvicted.Add(1)
	RecordPrometheusEviction(typeName)
}

// RecordRehydration records a fingerprint-matched resume.
func (m *Metrics) RecordRehydration() {
	m.InstancesRehydated.Add(1)
}

// RecordFullResync records a full=true state update.
func (m *Metrics) RecordFullResync() {
	m.FullResyncs.Add(1)
	RecordPrometheusFullResync()
}

// RecordUploadStarted records a new chunked upload.
func (m *Metrics) RecordUploadStarted() {
	m.UploadsStarted.Add(1)
}

// RecordUploadDone records a finished upload and its byte count.
func (m *Metrics) RecordUploadDone(bytes int64, success bool) {
	if success {
		m.UploadsCompleted.Add(1)
		m.UploadBytes.Add(bytes)
	} else {
		m.UploadsFailed.Add(1)
	}
	RecordPrometheusUploadDone(bytes, success)
}

// SetActiveGauges pushes current instance/connection counts to Prometheus.
func SetActiveGauges(instances, connections, uploads int) {
	SetPrometheusActive(instances, connections, uploads)
}

func (m *Metrics) getComponentMetrics(typeName string) *ComponentMetrics {
	if v, ok := m.componentMetrics.Load(typeName); ok {
		return v.(*ComponentMetrics)
	}

	cm := &ComponentMetrics{}
	cm.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.componentMetrics.LoadOrStore(typeName, cm)
	return actual.(*ComponentMetrics)
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() map[string]any {
	total := m.TotalInvokes.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(total)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	return map[string]any{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"connections": map[string]any{
			"opened":          m.ConnectionsOpened.Load(),
			"closed":          m.ConnectionsClosed.Load(),
			"frames_in":       m.FramesIn.Load(),
			"frames_out":      m.FramesOut.Load(),
			"frames_rejected": m.FramesRejected.Load(),
		},
		"invokes": map[string]any{
			"total":        total,
			"success":      m.SuccessInvokes.Load(),
			"failed":       m.FailedInvokes.Load(),
			"timed_out":    m.TimedOut.Load(),
			"rate_limited": m.RateLimited.Load(),
		},
		"latency_ms": map[string]any{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"instances": map[string]any{
			"mounted":      m.InstancesMounted.Load(),
			"evicted":      m.InstancesEvicted.Load(),
			"rehydrated":   m.InstancesRehydated.Load(),
			"full_resyncs": m.FullResyncs.Load(),
		},
		"uploads": map[string]any{
			"started":   m.UploadsStarted.Load(),
			"completed": m.UploadsCompleted.Load(),
			"failed":    m.UploadsFailed.Load(),
			"bytes":     m.UploadBytes.Load(),
		},
	}
}

// ComponentStats returns per-component metrics.
func (m *Metrics) ComponentStats() map[string]any {
	result := make(map[string]any)

	m.componentMetrics.Range(func(key, value any) bool {
		typeName := key.(string)
		cm := value.(*ComponentMetrics)

		total := cm.Invokes.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(cm.TotalMs.Load()) / float64(total)
		}

		minMs := cm.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[typeName] = map[string]any{
			"invokes":   total,
			"successes": cm.Successes.Load(),
			"failures":  cm.Failures.Load(),
			"avg_ms":    avgMs,
			"min_ms":    minMs,
			"max_ms":    cm.MaxMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["components"] = m.ComponentStats()
		json.NewEncoder(w).Encode(result)
	})
}

// Helper functions

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
