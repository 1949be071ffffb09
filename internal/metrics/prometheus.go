package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for live runtime metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	invokesTotal       *prometheus.CounterVec
	framesTotal        *prometheus.CounterVec
	frameBytesTotal    *prometheus.CounterVec
	connectionsOpened  prometheus.Counter
	connectionsClosed  prometheus.Counter
	mountsTotal        *prometheus.CounterVec
	evictionsTotal     *prometheus.CounterVec
	fullResyncsTotal   prometheus.Counter
	rateLimitedTotal   prometheus.Counter
	uploadsTotal       *prometheus.CounterVec
	uploadBytesTotal   prometheus.Counter

	// Histograms
	invokeDuration *prometheus.HistogramVec

	// Gauges
	activeInstances   prometheus.Gauge
	activeConnections prometheus.Gauge
	activeUploads     prometheus.Gauge
}

// Default histogram buckets for invocation duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	// Register default Go and process collectors
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		invokesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invokes_total",
				Help:      "Total number of component method invocations",
			},
			[]string{"component", "method", "status"},
		),

		framesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_total",
				Help:      "Total WebSocket envelope frames by direction",
			},
			[]string{"direction"},
		),

		frameBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frame_bytes_total",
				Help:      "Total WebSocket frame bytes by direction",
			},
			[]string{"direction"},
		),

		connectionsOpened: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_opened_total",
				Help:      "Total WebSocket connections accepted",
			},
		),

		connectionsClosed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_closed_total",
				Help:      "Total WebSocket connections closed",
			},
		),

		mountsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instance_mounts_total",
				Help:      "Total component instances mounted",
			},
			[]string{"component"},
		),

		evictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instance_evictions_total",
				Help:      "Total component instances evicted",
			},
			[]string{"component"},
		),

		fullResyncsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "full_resyncs_total",
				Help:      "Total full-state resyncs sent to subscribers",
			},
		),

		rateLimitedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Total invocations rejected by the rate limiter",
			},
		),

		uploadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploads_total",
				Help:      "Total chunked uploads by outcome",
			},
			[]string{"outcome"},
		),

		uploadBytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upload_bytes_total",
				Help:      "Total bytes written to upload sinks",
			},
		),

		invokeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invoke_duration_ms",
				Help:      "Method invocation duration in milliseconds",
				Buckets:   buckets,
			},
			[]string{"component"},
		),

		activeInstances: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_instances",
				Help:      "Component instances currently live",
			},
		),

		activeConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "WebSocket connections currently open",
			},
		),

		activeUploads: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_uploads",
				Help:      "Chunked uploads currently receiving",
			},
		),
	}

	registry.MustRegister(
		pm.invokesTotal,
		pm.framesTotal,
		pm.frameBytesTotal,
		pm.connectionsOpened,
		pm.connectionsClosed,
		pm.mountsTotal,
		pm.evictionsTotal,
		pm.fullResyncsTotal,
		pm.rateLimitedTotal,
		pm.uploadsTotal,
		pm.uploadBytesTotal,
		pm.invokeDuration,
		pm.activeInstances,
		pm.activeConnections,
		pm.activeUploads,
	)

	promMetrics = pm
}

// Handler returns the Prometheus scrape handler. Until InitPrometheus runs
// it answers 503, so the route can be mounted unconditionally.
func Handler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// Bridge helpers; all no-op when Prometheus was not initialized.

func RecordPrometheusInvoke(component, method string, durationMs int64, success bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	promMetrics.invokesTotal.WithLabelValues(component, method, status).Inc()
	promMetrics.invokeDuration.WithLabelValues(component).Observe(float64(durationMs))
}

func RecordPrometheusFrame(direction string, bytes int) {
	if promMetrics == nil {
		return
	}
	promMetrics.framesTotal.WithLabelValues(direction).Inc()
	promMetrics.frameBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

func RecordPrometheusConnectionOpened() {
	if promMetrics == nil {
		return
	}
	promMetrics.connectionsOpened.Inc()
}

func RecordPrometheusConnectionClosed() {
	if promMetrics == nil {
		return
	}
	promMetrics.connectionsClosed.Inc()
}

func RecordPrometheusMount(component string) {
	if promMetrics == nil {
		return
	}
	promMetrics.mountsTotal.WithLabelValues(component).Inc()
}

func RecordPrometheusEviction(component string) {
	if promMetrics == nil {
		return
	}
	promMetrics.evictionsTotal.WithLabelValues(component).Inc()
}

func RecordPrometheusFullResync() {
	if promMetrics == nil {
		return
	}
	promMetrics.fullResyncsTotal.Inc()
}

func RecordPrometheusRateLimited() {
	if promMetrics == nil {
		return
	}
	promMetrics.rateLimitedTotal.Inc()
}

func RecordPrometheusUploadDone(bytes int64, success bool) {
	if promMetrics == nil {
		return
	}
	outcome := "done"
	if !success {
		outcome = "failed"
	}
	promMetrics.uploadsTotal.WithLabelValues(outcome).Inc()
	if success {
		promMetrics.uploadBytesTotal.Add(float64(bytes))
	}
}

func SetPrometheusActive(instances, connections, uploads int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeInstances.Set(float64(instances))
	promMetrics.activeConnections.Set(float64(connections))
	promMetrics.activeUploads.Set(float64(uploads))
}
