// Package metrics registers the gateway's ambient Prometheus instruments.
// None of these are named components of the specification; they exist
// because every gateway-shaped repository in the reference set pairs
// request handling with Prometheus counters, and adding them does not
// change any request/response semantics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the instruments the gateway updates on the request path.
// Each Registry owns a private prometheus.Registry rather than registering
// against the global DefaultRegisterer, so constructing more than one (one
// per test, for instance) never collides with "duplicate metrics collector
// registration attempted" panics.
type Registry struct {
	registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	UpstreamLatency  prometheus.Histogram
	LeasesInFlight   prometheus.Gauge
	TokenRecordsSkip prometheus.Counter
}

// New builds and registers a fresh Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Registry{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oai_gateway_requests_total",
			Help: "Total proxied requests by method and response status.",
		}, []string{"method", "status"}),
		UpstreamLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "oai_gateway_upstream_latency_seconds",
			Help:    "Latency of upstream provider calls.",
			Buckets: prometheus.DefBuckets,
		}),
		LeasesInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "oai_gateway_leases_in_flight",
			Help: "Number of credential leases currently held.",
		}),
		TokenRecordsSkip: factory.NewCounter(prometheus.CounterOpts{
			Name: "oai_gateway_token_records_skipped_total",
			Help: "Token-usage records omitted due to parse/tokenizer failure.",
		}),
	}
}

// ObserveRequest records a completed proxied request.
func (r *Registry) ObserveRequest(method string, status int) {
	r.RequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

// Handler exposes this registry's instruments for scraping.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
