package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the edge-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "unleash_edge",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unleash_edge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "unleash_edge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
		},
		[]string{"method", "path"},
	)

	upstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unleash_edge",
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Total number of upstream requests by operation and status.",
		},
		[]string{"operation", "status"},
	)

	refreshOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unleash_edge",
			Subsystem: "refresher",
			Name:      "fetches_total",
			Help:      "Feature refresh attempts by outcome.",
		},
		[]string{"outcome"},
	)

	refreshTargets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "unleash_edge",
			Subsystem: "refresher",
			Name:      "targets",
			Help:      "Number of registered refresh targets.",
		},
	)

	metricsFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unleash_edge",
			Subsystem: "client_metrics",
			Name:      "flushes_total",
			Help:      "Metrics bucket flushes by result.",
		},
		[]string{"result"},
	)

	snapshotSaves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unleash_edge",
			Subsystem: "persistence",
			Name:      "saves_total",
			Help:      "Snapshot save operations by store and result.",
		},
		[]string{"store", "result"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		upstreamRequests,
		refreshOutcomes,
		refreshTargets,
		metricsFlushes,
		snapshotSaves,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/metrics") && strings.HasPrefix(r.URL.Path, "/internal-backstage") {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// ObserveUpstreamRequest records one upstream response.
func ObserveUpstreamRequest(operation string, status int) {
	upstreamRequests.WithLabelValues(operation, strconv.Itoa(status)).Inc()
}

// ObserveRefresh records one refresh attempt outcome
// (updated, not_modified, revoked, error).
func ObserveRefresh(outcome string) {
	refreshOutcomes.WithLabelValues(outcome).Inc()
}

// SetRefreshTargets records the registered target count.
func SetRefreshTargets(n int) {
	refreshTargets.Set(float64(n))
}

// ObserveMetricsFlush records one bucket flush result (sent, dropped, empty).
func ObserveMetricsFlush(result string) {
	metricsFlushes.WithLabelValues(result).Inc()
}

// ObserveSnapshotSave records one persistence save per store.
func ObserveSnapshotSave(store string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	snapshotSaves.WithLabelValues(store, result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) == 1 {
		return "/" + parts[0]
	}
	return "/" + parts[0] + "/" + parts[1]
}
