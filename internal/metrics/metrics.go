// Package metrics holds the Prometheus collectors of the admission path.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/cache"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/threat"
)

const namespace = "keygate"

type Metrics struct {
	registry *prometheus.Registry

	admissions        *prometheus.CounterVec
	admissionDuration prometheus.Histogram
	rateLimitFallback prometheus.Counter
	auditDropped      prometheus.Counter
	threatEvents      *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		admissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "admission",
				Name:      "decisions_total",
				Help:      "Admission decisions by outcome and rejection reason",
			},
			[]string{"outcome", "reason"},
		),
		admissionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "admission",
				Name:      "duration_seconds",
				Help:      "Time spent deciding admission",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		rateLimitFallback: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "fallbacks_total",
				Help:      "Rate limit checks served by local counters because redis was unavailable",
			},
		),
		auditDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "dropped_total",
				Help:      "Audit events dropped on a full queue",
			},
		),
		threatEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "threat",
				Name:      "events_total",
				Help:      "Threat events by kind and severity",
			},
			[]string{"kind", "severity"},
		),
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveAdmission records one decision. An empty reason means admitted.
func (m *Metrics) ObserveAdmission(reason string, d time.Duration) {
	outcome := "admitted"
	if reason != "" {
		outcome = "rejected"
	}
	m.admissions.WithLabelValues(outcome, reason).Inc()
	m.admissionDuration.Observe(d.Seconds())
}

func (m *Metrics) RateLimitFallback(error) {
	m.rateLimitFallback.Inc()
}

func (m *Metrics) AuditDropped() {
	m.auditDropped.Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// ThreatSink counts threat events.
func (m *Metrics) ThreatSink() threat.Sink {
	return threat.SinkFunc(func(_ context.Context, e threat.Event) error {
		m.threatEvents.WithLabelValues(string(e.Kind), string(e.Severity)).Inc()
		return nil
	})
}

// WatchCache exposes the cache's own counters at scrape time.
func (m *Metrics) WatchCache(c cache.KeyCache) {
	factory := promauto.With(m.registry)
	stats := func() cache.Stats {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return c.Stats(ctx)
	}
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "hits_total",
		Help: "Key cache hits",
	}, func() float64 { return float64(stats().Hits) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "misses_total",
		Help: "Key cache misses",
	}, func() float64 { return float64(stats().Misses) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "cache", Name: "entries",
		Help: "Key cache entries, -1 when unknown",
	}, func() float64 { return float64(stats().Size) })
}
