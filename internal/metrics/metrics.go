// Package metrics exposes the service's Prometheus collectors behind a
// dedicated registry so tests can run with isolated instances.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the domain and HTTP collectors.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	OrdersCreated    *prometheus.CounterVec
	Settlements      *prometheus.CounterVec
	CreditsGranted   prometheus.Counter
	CreditsSpent     prometheus.Counter
	WebhooksReceived *prometheus.CounterVec
	OrdersExpired    prometheus.Counter
}

// New builds a metrics set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "credit_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		OrdersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_orders_created_total",
			Help: "Purchase orders created by payment method.",
		}, []string{"method"}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_settlements_total",
			Help: "Settlement attempts by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		CreditsGranted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "credit_credits_granted_total",
			Help: "Credits granted through settled orders.",
		}),
		CreditsSpent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "credit_credits_spent_total",
			Help: "Credits debited for feature consumption.",
		}),
		WebhooksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_webhooks_received_total",
			Help: "Webhook deliveries by provider and verification result.",
		}, []string{"provider", "result"}),
		OrdersExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "credit_orders_expired_total",
			Help: "Pending orders failed by the expiry sweeper.",
		}),
	}
	reg.MustRegister(
		m.HTTPRequests, m.HTTPDuration,
		m.OrdersCreated, m.Settlements, m.CreditsGranted, m.CreditsSpent,
		m.WebhooksReceived, m.OrdersExpired,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
