// Package metrics exposes the Prometheus collectors for the sale pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry        *prometheus.Registry
	salesCreated    prometheus.Counter
	salesCancelled  prometheus.Counter
	saleRejections  *prometheus.CounterVec
	outboxDelivered prometheus.Counter
	outboxFailures  *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		salesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "possale",
			Name:      "sales_created_total",
			Help:      "Sales committed.",
		}),
		salesCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "possale",
			Name:      "sales_cancelled_total",
			Help:      "Sales cancelled and reversed.",
		}),
		saleRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "possale",
			Name:      "sale_rejections_total",
			Help:      "Sale create or cancel requests rejected, by error code.",
		}, []string{"operation", "code"}),
		outboxDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "possale",
			Name:      "outbox_delivered_total",
			Help:      "Outbox tasks delivered.",
		}),
		outboxFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "possale",
			Name:      "outbox_failures_total",
			Help:      "Outbox delivery attempts that failed; outcome is retry or dead.",
		}, []string{"outcome"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "possale",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.salesCreated,
		m.salesCancelled,
		m.saleRejections,
		m.outboxDelivered,
		m.outboxFailures,
		m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SaleCreated() {
	if m != nil {
		m.salesCreated.Inc()
	}
}

func (m *Metrics) SaleCancelled() {
	if m != nil {
		m.salesCancelled.Inc()
	}
}

func (m *Metrics) SaleRejected(operation string, code string) {
	if m != nil {
		m.saleRejections.WithLabelValues(operation, code).Inc()
	}
}

func (m *Metrics) OutboxDelivered(n int) {
	if m != nil && n > 0 {
		m.outboxDelivered.Add(float64(n))
	}
}

func (m *Metrics) OutboxFailed(dead bool) {
	if m == nil {
		return
	}
	outcome := "retry"
	if dead {
		outcome = "dead"
	}
	m.outboxFailures.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveHTTP(method string, route string, status int, elapsed time.Duration) {
	if m != nil {
		m.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
	}
}
