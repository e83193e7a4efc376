// Package metrics exposes cache, provider and dispatch counters for Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/davidbz/aibridge/internal/domain"
)

const namespace = "aibridge"

// Collector implements domain.MetricsRecorder on a private registry.
type Collector struct {
	registry *prometheus.Registry

	cacheLookups  *prometheus.CounterVec
	cacheWrites   *prometheus.CounterVec
	providerCalls *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec

	// DispatchInFlight counts provider calls currently holding a dispatch slot.
	DispatchInFlight prometheus.Gauge
}

// NewCollector creates a collector (DI constructor).
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Cache lookups per tier, kind and result",
			},
			[]string{"tier", "kind", "result"},
		),
		cacheWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_writes_total",
				Help:      "Cache writes per tier, kind and result",
			},
			[]string{"tier", "kind", "result"},
		),
		providerCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Provider calls per kind, model and result",
			},
			[]string{"kind", "model", "result"},
		),
		httpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.005, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"method", "path", "status"},
		),
		DispatchInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dispatch_in_flight",
				Help:      "Provider calls currently running",
			},
		),
	}
}

// CacheLookup implements domain.MetricsRecorder.
func (c *Collector) CacheLookup(tier string, kind domain.Kind, result string) {
	c.cacheLookups.WithLabelValues(tier, string(kind), result).Inc()
}

// CacheWrite implements domain.MetricsRecorder.
func (c *Collector) CacheWrite(tier string, kind domain.Kind, result string) {
	c.cacheWrites.WithLabelValues(tier, string(kind), result).Inc()
}

// ProviderCall implements domain.MetricsRecorder.
func (c *Collector) ProviderCall(kind domain.Kind, model string, result string) {
	c.providerCalls.WithLabelValues(string(kind), model, result).Inc()
}

// ObserveHTTP records one served request.
func (c *Collector) ObserveHTTP(method, path string, status int, elapsed time.Duration) {
	c.httpDuration.WithLabelValues(method, path, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
