package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's collectors on a registry of its own, so
// several servers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	forwardsTotal   *prometheus.CounterVec
	forwardDuration prometheus.Histogram
	adapterOps      *prometheus.CounterVec
	adapters        prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "splice",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"route", "method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "splice",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		forwardsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "splice",
				Name:      "forward_total",
				Help:      "Forward passes by outcome",
			},
			[]string{"outcome"},
		),
		forwardDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "splice",
				Name:      "forward_duration_seconds",
				Help:      "Duration of forward passes in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		adapterOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "splice",
				Name:      "adapter_operations_total",
				Help:      "Adapter management operations by kind and outcome",
			},
			[]string{"op", "outcome"},
		),
		adapters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "splice",
			Name:      "adapters",
			Help:      "Registered adapters",
		}),
	}
	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.forwardsTotal,
		m.forwardDuration,
		m.adapterOps,
		m.adapters,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) observeForward(start time.Time, err error) {
	m.forwardDuration.Observe(time.Since(start).Seconds())
	m.forwardsTotal.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) observeOp(op string, err error) {
	m.adapterOps.WithLabelValues(op, outcome(err)).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

type routeKey struct{}

// statusRecorder wraps http.ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// Middleware instruments requests. The route label is the pattern a
// handler was registered under, so path parameters do not multiply series.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := new(string)
		r = r.WithContext(context.WithValue(r.Context(), routeKey{}, route))
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sr, r)
		label := *route
		if label == "" {
			label = "unmatched"
		}
		m.requestsTotal.WithLabelValues(label, r.Method, strconv.Itoa(sr.status)).Inc()
		m.requestDuration.WithLabelValues(label, r.Method).Observe(time.Since(start).Seconds())
	})
}

// route tags the request with the pattern h is registered under.
func route(pattern string, h echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if p, ok := c.Request().Context().Value(routeKey{}).(*string); ok {
			*p = pattern
		}
		return h(c)
	}
}
