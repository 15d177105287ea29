package delegation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/openfroyo/metahook/pkg/engine"
	"github.com/openfroyo/metahook/pkg/telemetry"
)

// Operation names used in spans and metrics.
const (
	OperationResolveOne = "resolve_one"
	OperationResolveAll = "resolve_all"
)

// Outcome labels a delegated lookup.
type Outcome string

const (
	OutcomeHit        Outcome = "hit"
	OutcomeMiss       Outcome = "miss"
	OutcomeFiltered   Outcome = "filtered"
	OutcomeReentrant  Outcome = "reentrant"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeVetoed     Outcome = "vetoed"
)

// Descriptor resolvers whose lookups are never delegated by default. They already search the
// dependencies themselves and would see every descriptor twice.
const (
	NamespaceHandlerResolver = "org.springframework.osgi.context.support.DelegatedNamespaceHandlerResolver"
	EntityResolver           = "org.springframework.osgi.context.support.DelegatedEntityResolver"
)

// DefaultSuppressedInvokers returns the invoker identities suppressed when none are configured.
func DefaultSuppressedInvokers() []string {
	return []string{NamespaceHandlerResolver, EntityResolver}
}

// VetoFunc is consulted for eligible names before any dependency is searched.
// Returning true abandons the delegation.
type VetoFunc func(ctx context.Context, name string, module engine.ModuleID) bool

// Delegator answers resource lookups on behalf of a module by searching its live dependencies.
type Delegator struct {
	registry   engine.ModuleRegistry
	cache      *DependencyCache
	filter     Filter
	suppressed map[string]struct{}
	veto       VetoFunc

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer

	listener *cacheInvalidator
	mu       sync.Mutex
	started  bool
}

// Option configures a Delegator.
type Option func(*Delegator)

// WithFilter replaces the default name filter.
func WithFilter(filter Filter) Option {
	return func(d *Delegator) {
		d.filter = filter
	}
}

// WithSuppressedInvokers replaces the suppressed invoker set. Calling it with no identities
// disables suppression.
func WithSuppressedInvokers(invokers ...string) Option {
	return func(d *Delegator) {
		d.suppressed = make(map[string]struct{}, len(invokers))
		for _, invoker := range invokers {
			d.suppressed[invoker] = struct{}{}
		}
	}
}

// WithVeto installs a veto hook.
func WithVeto(veto VetoFunc) Option {
	return func(d *Delegator) {
		d.veto = veto
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Delegator) {
		d.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(d *Delegator) {
		d.metrics = metrics
	}
}

// WithTracer sets the tracer used for lookup spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Delegator) {
		d.tracer = tracer
	}
}

// New creates a Delegator over registry. The delegator does not observe lifecycle events until
// Start is called.
func New(registry engine.ModuleRegistry, opts ...Option) *Delegator {
	d := &Delegator{
		registry: registry,
		filter:   DefaultFilter(),
		logger:   zerolog.Nop(),
		tracer:   noop.NewTracerProvider().Tracer("metahook/delegation"),
	}
	WithSuppressedInvokers(DefaultSuppressedInvokers()...)(d)
	for _, opt := range opts {
		opt(d)
	}

	d.cache = NewDependencyCache(registry, WithCacheLogger(d.logger), WithCacheMetrics(d.metrics))
	d.listener = &cacheInvalidator{cache: d.cache, logger: d.logger}
	return d
}

// Cache returns the dependency cache backing the delegator.
func (d *Delegator) Cache() *DependencyCache {
	return d.cache
}

// ResolveOne returns the first matching entry among the live dependencies of module.
func (d *Delegator) ResolveOne(ctx context.Context, name string, module engine.ModuleID) (engine.Resource, bool) {
	var (
		found engine.Resource
		ok    bool
		start = time.Now()
	)

	ctxOut, span := d.startSpan(ctx, OperationResolveOne, name, module)
	defer span.End()

	outcome, admitted := d.admit(ctx, name, module)
	if admitted {
		outcome = OutcomeMiss
		d.eachLiveDependency(withSearchInProgress(ctxOut), module, func(ctx context.Context, dep engine.ModuleID) (bool, error) {
			res, hit, err := d.registry.FetchResource(ctx, dep, name)
			if err != nil || !hit {
				return false, err
			}
			found, ok = res, true
			return true, nil
		})
		if ok {
			outcome = OutcomeHit
		}
	}

	d.finish(span, OperationResolveOne, outcome, start)
	return found, ok
}

// ResolveAll returns every matching entry among the live dependencies of module, deduplicated
// and in first-seen order. The boolean is false when nothing was found.
func (d *Delegator) ResolveAll(ctx context.Context, name string, module engine.ModuleID) ([]engine.Resource, bool) {
	var (
		found []engine.Resource
		start = time.Now()
	)

	ctxOut, span := d.startSpan(ctx, OperationResolveAll, name, module)
	defer span.End()

	outcome, admitted := d.admit(ctx, name, module)
	if admitted {
		seen := make(map[engine.Resource]struct{})
		d.eachLiveDependency(withSearchInProgress(ctxOut), module, func(ctx context.Context, dep engine.ModuleID) (bool, error) {
			resources, err := d.registry.FetchResources(ctx, dep, name)
			if err != nil {
				return false, err
			}
			for _, res := range resources {
				if _, dup := seen[res]; dup {
					continue
				}
				seen[res] = struct{}{}
				found = append(found, res)
			}
			return false, nil
		})
		outcome = OutcomeMiss
		if len(found) > 0 {
			outcome = OutcomeHit
		}
	}

	d.finish(span, OperationResolveAll, outcome, start)
	if len(found) == 0 {
		return nil, false
	}
	return found, true
}

// admit applies the filter, reentrancy guard, invoker suppression and veto in that order.
func (d *Delegator) admit(ctx context.Context, name string, module engine.ModuleID) (Outcome, bool) {
	if !d.filter.Eligible(name) {
		return OutcomeFiltered, false
	}
	if searchInProgress(ctx) {
		return OutcomeReentrant, false
	}
	if invoker, ok := InvokerFromContext(ctx); ok {
		if _, suppressed := d.suppressed[invoker]; suppressed {
			return OutcomeSuppressed, false
		}
	}
	if d.veto != nil && d.veto(ctx, name, module) {
		return OutcomeVetoed, false
	}
	return "", true
}

// eachLiveDependency calls visit for each live dependency of module in ascending ID order until
// visit reports done. Dead dependencies are pruned as they are encountered.
func (d *Delegator) eachLiveDependency(ctx context.Context, module engine.ModuleID, visit func(context.Context, engine.ModuleID) (bool, error)) {
	if !d.requesterAlive(ctx, module) {
		d.cache.Invalidate(module)
		return
	}

	deps := d.cache.Get(ctx, module).Sorted()
	telemetry.SetAttributes(trace.SpanFromContext(ctx), telemetry.AttrDependencies.Int(len(deps)))

	for _, dep := range deps {
		var done bool
		err := d.guard(func() error {
			state, err := d.registry.ModuleState(ctx, dep)
			if err != nil {
				return err
			}
			if !state.IsLive() {
				d.cache.Prune(module, dep)
				return nil
			}
			done, err = visit(ctx, dep)
			return err
		})
		if err != nil {
			d.handleDependencyError(module, dep, err)
		}
		if done {
			return
		}
	}
}

// requesterAlive reports whether module is still known to the registry. Lookups on behalf of
// an uninstalled or unknown module must not leave a cache entry behind.
func (d *Delegator) requesterAlive(ctx context.Context, module engine.ModuleID) bool {
	var state engine.LifecycleState
	err := d.guard(func() error {
		var err error
		state, err = d.registry.ModuleState(ctx, module)
		return err
	})
	switch {
	case engine.IsInvalidModule(err):
		return false
	case err != nil:
		// Transient failures do not prove the module is gone.
		d.logger.Debug().Err(err).Uint64("module_id", uint64(module)).Msg("Requester state unavailable")
		return true
	default:
		return state != engine.StateUninstalled
	}
}

// guard converts a panic raised by the registry into a transient error.
func (d *Delegator) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = engine.NewTransientError("registry panicked", fmt.Errorf("%v", r))
		}
	}()
	return fn()
}

func (d *Delegator) handleDependencyError(module, dep engine.ModuleID, err error) {
	if engine.IsInvalidModule(err) {
		d.cache.Prune(module, dep)
		d.cache.Invalidate(dep)
		return
	}
	d.logger.Debug().
		Err(err).
		Uint64("module_id", uint64(module)).
		Uint64("dependency_id", uint64(dep)).
		Msg("Skipping dependency after failed lookup")
}

func (d *Delegator) startSpan(ctx context.Context, operation, name string, module engine.ModuleID) (context.Context, trace.Span) {
	return d.tracer.Start(ctx, "delegation."+operation, trace.WithAttributes(
		telemetry.AttrOperation.String(operation),
		telemetry.AttrModuleID.Int64(int64(module)),
		telemetry.AttrResourceName.String(name),
	))
}

func (d *Delegator) finish(span trace.Span, operation string, outcome Outcome, start time.Time) {
	span.SetAttributes(telemetry.AttrOutcome.String(string(outcome)))
	d.metrics.RecordDelegation(operation, string(outcome), time.Since(start))
}
