package delegation

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/metahook/pkg/engine"
	"github.com/openfroyo/metahook/pkg/telemetry"
)

// DependencyCache memoizes the dependency set of each requesting module.
//
// Registry calls are never made while the cache lock is held. Two goroutines missing on the
// same module may both compute; either write may win.
type DependencyCache struct {
	registry engine.ModuleRegistry
	logger   zerolog.Logger
	metrics  *telemetry.Metrics

	mu      sync.Mutex
	entries map[engine.ModuleID]DependencySet
	// pending tracks modules with a computation in flight. A computation that overlaps an
	// Invalidate of the same module is returned to its caller but not stored.
	pending map[engine.ModuleID]*computation
}

type computation struct {
	running    int
	generation uint64
}

// CacheOption configures a DependencyCache.
type CacheOption func(*DependencyCache)

// WithCacheLogger sets the logger used for invalidation and prune events.
func WithCacheLogger(logger zerolog.Logger) CacheOption {
	return func(c *DependencyCache) {
		c.logger = logger
	}
}

// WithCacheMetrics sets the metrics sink.
func WithCacheMetrics(metrics *telemetry.Metrics) CacheOption {
	return func(c *DependencyCache) {
		c.metrics = metrics
	}
}

// NewDependencyCache creates an empty cache backed by registry.
func NewDependencyCache(registry engine.ModuleRegistry, opts ...CacheOption) *DependencyCache {
	c := &DependencyCache{
		registry: registry,
		logger:   zerolog.Nop(),
		entries:  make(map[engine.ModuleID]DependencySet),
		pending:  make(map[engine.ModuleID]*computation),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a copy of the dependency set of module, computing and storing it on a miss.
func (c *DependencyCache) Get(ctx context.Context, module engine.ModuleID) DependencySet {
	c.mu.Lock()
	if deps, ok := c.entries[module]; ok {
		out := deps.clone()
		c.mu.Unlock()
		c.metrics.RecordCacheHit()
		return out
	}
	p, ok := c.pending[module]
	if !ok {
		p = &computation{}
		c.pending[module] = p
	}
	p.running++
	generation := p.generation
	c.mu.Unlock()

	c.metrics.RecordCacheMiss()
	deps := ComputeDependencies(ctx, c.registry, module)

	c.mu.Lock()
	defer c.mu.Unlock()
	p.running--
	if p.running == 0 {
		delete(c.pending, module)
	}
	if p.generation == generation {
		c.entries[module] = deps
		c.metrics.SetCacheEntries(len(c.entries))
	}
	c.logger.Debug().
		Uint64("module_id", uint64(module)).
		Int("dependencies", len(deps)).
		Msg("Computed module dependencies")
	return deps.clone()
}

// Invalidate removes the entry of module. It reports whether an entry existed.
func (c *DependencyCache) Invalidate(module engine.ModuleID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pending[module]; ok {
		p.generation++
	}
	if _, ok := c.entries[module]; !ok {
		return false
	}
	delete(c.entries, module)
	c.metrics.RecordCacheInvalidation()
	c.metrics.SetCacheEntries(len(c.entries))
	c.logger.Debug().Uint64("module_id", uint64(module)).Msg("Invalidated dependency cache entry")
	return true
}

// Prune removes dependency from the cached set of module, if both are present.
func (c *DependencyCache) Prune(module, dependency engine.ModuleID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	deps, ok := c.entries[module]
	if !ok || !deps.Contains(dependency) {
		return false
	}
	delete(deps, dependency)
	c.metrics.RecordDependencyPruned()
	c.logger.Debug().
		Uint64("module_id", uint64(module)).
		Uint64("dependency_id", uint64(dependency)).
		Msg("Pruned dead dependency")
	return true
}

// Len returns the number of cached entries.
func (c *DependencyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Cached reports whether module currently has an entry, without computing one.
func (c *DependencyCache) Cached(module engine.ModuleID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[module]
	return ok
}
