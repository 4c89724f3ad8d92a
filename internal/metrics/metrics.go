// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"openai-proxy-go/internal/model"
)

// Default histogram buckets for API latency. LLM completions run long, so the
// upper end reaches past a minute.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ResponseBytes   prometheus.Counter

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openai_proxy_http_requests_total",
			Help: "Total inbound HTTP requests by method, status code and pipeline outcome.",
		}, []string{"method", "status_code", "outcome"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "openai_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "outcome"}),

		ResponseBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "openai_proxy_http_response_bytes_total",
			Help: "Total response body bytes written to clients.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "openai_proxy_upstream_request_duration_seconds",
			Help:    "Upstream call latency until response headers, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openai_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ResponseBytes,
		m.UpstreamDuration,
		m.UpstreamResponses,
	)

	return m
}

// Record implements events.Sink.
func (m *Metrics) Record(_ context.Context, ev model.RequestEvent) {
	method := NormalizeMethod(ev.Method)
	outcome := string(ev.Outcome)

	m.RequestsTotal.WithLabelValues(method, strconv.Itoa(ev.Status), outcome).Inc()
	m.RequestDuration.WithLabelValues(method, outcome).Observe(ev.Duration.Seconds())
	if ev.BytesOut > 0 {
		m.ResponseBytes.Add(float64(ev.BytesOut))
	}
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}
