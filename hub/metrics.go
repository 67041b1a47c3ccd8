package hub

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the hub's Prometheus instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	LogsIngested  prometheus.Counter
	LogsRejected  prometheus.Counter
	ChainEvents   *prometheus.CounterVec
	HTTPRequests  *prometheus.CounterVec
	BundlersUp    prometheus.Gauge
	BundlersTotal prometheus.Gauge
	IntentsHeld   prometheus.Gauge
}

// NewMetrics builds and registers the hub metric set on a private
// registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		LogsIngested: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "opshub",
			Name:      "logs_ingested_total",
			Help:      "Structured log events accepted by the log hub.",
		}),
		LogsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "opshub",
			Name:      "logs_rejected_total",
			Help:      "Structured log events rejected at ingest.",
		}),
		ChainEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opshub",
			Name:      "chain_events_total",
			Help:      "Chain events consumed by the indexer.",
		}, []string{"variant"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opshub",
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route group and status class.",
		}, []string{"group", "status"}),
		BundlersUp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "opshub",
			Name:      "bundlers_up",
			Help:      "Registered bundler instances currently responding.",
		}),
		BundlersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "opshub",
			Name:      "bundlers_total",
			Help:      "Registered bundler instances.",
		}),
		IntentsHeld: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "opshub",
			Name:      "intent_summaries",
			Help:      "Intent summaries held by the analytics store.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
