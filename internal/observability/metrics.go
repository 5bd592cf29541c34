package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Trigger results recorded by ObserveTrigger.
const (
	TriggerAccepted    = "accepted"
	TriggerRejected    = "rejected"
	TriggerUnavailable = "unavailable"
)

// Dependency names reported through ObserveDependency.
const (
	DependencyPostgres = "postgres"
	DependencyQueue    = "queue"
)

// Metrics is the ops registry behind /metrics. Job and closing collectors
// register on it through Registerer; the ops surface itself records request
// traffic, manual close triggers and dependency health.
type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	requests   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	triggers   *prometheus.CounterVec
	dependency *prometheus.GaugeVec
}

// NewMetrics builds a private registry so tests and multiple processes never
// collide on the global one.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coopledger",
			Subsystem: "ops",
			Name:      "requests_total",
			Help:      "Ops endpoint requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coopledger",
			Subsystem: "ops",
			Name:      "request_duration_seconds",
			Help:      "Ops endpoint latency by route.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"route"}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coopledger",
			Name:      "period_close_triggers_total",
			Help:      "Manual period close requests by result.",
		}, []string{"result"}),
		dependency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "coopledger",
			Name:      "dependency_up",
			Help:      "1 when the last health check of a dependency succeeded.",
		}, []string{"dependency"}),
	}
	m.registry.MustRegister(m.requests, m.latency, m.triggers, m.dependency)
	m.handler = promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
	return m
}

// Handler serves the registry; a nil Metrics answers 503.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registerer exposes the registry so job and closing metrics share /metrics.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// ObserveTrigger counts one manual close request.
func (m *Metrics) ObserveTrigger(result string) {
	if m == nil || result == "" {
		return
	}
	m.triggers.WithLabelValues(result).Inc()
}

// ObserveDependency records the outcome of a health check.
func (m *Metrics) ObserveDependency(name string, up bool) {
	if m == nil || name == "" {
		return
	}
	value := 0.0
	if up {
		value = 1
	}
	m.dependency.WithLabelValues(name).Set(value)
}

// Middleware counts requests under their chi route pattern. Paths that matched
// no route share the "unmatched" label to keep cardinality bounded.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		m.requests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.latency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
