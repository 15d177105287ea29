package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for metahook.
// A Metrics value built from a disabled config, or a nil *Metrics, records nothing.
type Metrics struct {
	config MetricsConfig

	// Dependency cache metrics
	cacheHits          prometheus.Counter
	cacheMisses        prometheus.Counter
	cacheInvalidations prometheus.Counter
	cacheEntries       prometheus.Gauge
	dependenciesPruned prometheus.Counter

	// Delegation metrics
	delegations        *prometheus.CounterVec
	delegationDuration *prometheus.HistogramVec

	// Registry metrics
	lifecycleEvents *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.LatencyBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dependency_cache",
			Name:      "hits_total",
			Help:      "Total number of dependency cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dependency_cache",
			Name:      "misses_total",
			Help:      "Total number of dependency cache misses",
		}),
		cacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dependency_cache",
			Name:      "invalidations_total",
			Help:      "Total number of dependency cache entries removed",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dependency_cache",
			Name:      "entries",
			Help:      "Current number of cached dependency sets",
		}),
		dependenciesPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dependency_cache",
			Name:      "dependencies_pruned_total",
			Help:      "Total number of dead dependencies pruned from cached sets",
		}),

		delegations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delegations_total",
				Help:      "Total number of delegated resource lookups by outcome",
			},
			[]string{"operation", "outcome"},
		),
		delegationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delegation_duration_seconds",
				Help:      "Duration of delegated resource lookups in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),

		lifecycleEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lifecycle_events_total",
				Help:      "Total number of module lifecycle events observed",
			},
			[]string{"type"},
		),
	}

	registry.MustRegister(
		m.cacheHits,
		m.cacheMisses,
		m.cacheInvalidations,
		m.cacheEntries,
		m.dependenciesPruned,
		m.delegations,
		m.delegationDuration,
		m.lifecycleEvents,
	)

	return m, nil
}

// Dependency Cache Metrics

// RecordCacheHit increments the dependency cache hit counter.
func (m *Metrics) RecordCacheHit() {
	if m == nil || m.cacheHits == nil {
		return
	}
	m.cacheHits.Inc()
}

// RecordCacheMiss increments the dependency cache miss counter.
func (m *Metrics) RecordCacheMiss() {
	if m == nil || m.cacheMisses == nil {
		return
	}
	m.cacheMisses.Inc()
}

// RecordCacheInvalidation increments the invalidation counter.
func (m *Metrics) RecordCacheInvalidation() {
	if m == nil || m.cacheInvalidations == nil {
		return
	}
	m.cacheInvalidations.Inc()
}

// SetCacheEntries sets the current number of cache entries.
func (m *Metrics) SetCacheEntries(count int) {
	if m == nil || m.cacheEntries == nil {
		return
	}
	m.cacheEntries.Set(float64(count))
}

// RecordDependencyPruned increments the pruned dependency counter.
func (m *Metrics) RecordDependencyPruned() {
	if m == nil || m.dependenciesPruned == nil {
		return
	}
	m.dependenciesPruned.Inc()
}

// Delegation Metrics

// RecordDelegation records a delegated lookup with its outcome and duration.
func (m *Metrics) RecordDelegation(operation, outcome string, duration time.Duration) {
	if m == nil || m.delegations == nil {
		return
	}
	m.delegations.WithLabelValues(operation, outcome).Inc()
	m.delegationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// Registry Metrics

// RecordLifecycleEvent counts a lifecycle event by type.
func (m *Metrics) RecordLifecycleEvent(eventType string) {
	if m == nil || m.lifecycleEvents == nil {
		return
	}
	m.lifecycleEvents.WithLabelValues(eventType).Inc()
}

// Gatherer exposes the private registry, mainly for tests and the CLI summary output.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil || m.registry == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
// It is a no-op when metrics are disabled or no listen address is configured.
func (m *Metrics) StartMetricsServer() error {
	if m == nil || !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server failed")
		}
	}()

	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
