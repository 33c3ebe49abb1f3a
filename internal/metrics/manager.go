package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/ledgerd/ledgerd/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "ledgerd"

// Manager records dispatch and HTTP metrics.
type Manager interface {
	// ObserveDispatch is called once per routed request.
	ObserveDispatch(route, kind, outcome, errorKind string, duration time.Duration)
	RecordHTTPRequest(method, path, status string, duration time.Duration)

	// Handler serves the metrics in Prometheus text format.
	Handler() http.Handler
	Middleware() func(http.Handler) http.Handler
	Enabled() bool
}

type metricsManager struct {
	registry *prometheus.Registry

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	dispatchFailures *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewManager returns a Prometheus-backed manager, or a no-op one when
// metrics are disabled. dataDir, when set, is reported by a disk usage
// collector.
func NewManager(cfg config.MetricsConfig, dataDir string, logger *logrus.Logger) Manager {
	if !cfg.Enable {
		return noopManager{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	m := &metricsManager{registry: prometheus.NewRegistry()}
	m.initializeMetrics()

	m.registry.MustRegister(
		m.dispatchTotal,
		m.dispatchDuration,
		m.dispatchFailures,
		m.httpRequestsTotal,
		m.httpRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if dataDir != "" {
		m.registry.MustRegister(newDiskCollector(dataDir, logger))
	}
	return m
}

func (m *metricsManager) initializeMetrics() {
	m.dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "total",
			Help:      "Dispatched requests by route, kind and outcome",
		},
		[]string{"route", "kind", "outcome"},
	)

	m.dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time spent running a route, including commit",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "kind"},
	)

	m.dispatchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "failures_total",
			Help:      "Failed dispatches by route and error kind",
		},
		[]string{"route", "error_kind"},
	)

	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	m.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
}

func (m *metricsManager) ObserveDispatch(route, kind, outcome, errorKind string, duration time.Duration) {
	m.dispatchTotal.WithLabelValues(route, kind, outcome).Inc()
	m.dispatchDuration.WithLabelValues(route, kind).Observe(duration.Seconds())
	if errorKind != "" {
		m.dispatchFailures.WithLabelValues(route, errorKind).Inc()
	}
}

func (m *metricsManager) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (m *metricsManager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsManager) Enabled() bool { return true }

// Middleware labels requests by their mux path template so that route
// names in the URL do not explode label cardinality.
func (m *metricsManager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}
			m.RecordHTTPRequest(r.Method, path, strconv.Itoa(wrapped.statusCode), time.Since(start))
		})
	}
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// noopManager is used when metrics are disabled
type noopManager struct{}

func (noopManager) ObserveDispatch(route, kind, outcome, errorKind string, duration time.Duration) {}
func (noopManager) RecordHTTPRequest(method, path, status string, duration time.Duration)          {}
func (noopManager) Handler() http.Handler                                                          { return http.NotFoundHandler() }
func (noopManager) Enabled() bool                                                                  { return false }

func (noopManager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler { return next }
}
