package delegation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/metahook/pkg/engine"
	"github.com/openfroyo/metahook/pkg/telemetry"
)

const serviceName = "META-INF/services/X"

func res(module engine.ModuleID, path string) engine.Resource {
	return engine.Resource{Module: module, Path: path}
}

// fanOutRegistry builds A depending on both B and C, each exposing serviceName.
func fanOutRegistry() *fakeRegistry {
	reg := newFakeRegistry()
	reg.addModule(modA, engine.StateActive)
	reg.addModule(modB, engine.StateActive)
	reg.addModule(modC, engine.StateResolved)
	reg.export(modB, "pkg1", modA)
	reg.export(modC, "pkg2", modA)
	reg.addResource(modB, serviceName, res(modB, serviceName))
	reg.addResource(modC, serviceName, res(modC, serviceName))
	return reg
}

func TestResolveOneQueriesOnlyDependencies(t *testing.T) {
	ctx := context.Background()
	reg := chainRegistry()
	h := res(modB, serviceName)
	reg.addResource(modB, serviceName, h)
	reg.addResource(modC, serviceName, res(modC, serviceName))

	d := New(reg)
	got, ok := d.ResolveOne(ctx, serviceName, modA)
	if !ok || got != h {
		t.Fatalf("ResolveOne = %v, %v; want %v", got, ok, h)
	}
	if fetched := reg.fetchedModules(); !slices.Equal(fetched, []engine.ModuleID{modB}) {
		t.Errorf("fetched from %v, want only B", fetched)
	}
}

func TestResolveOneFirstMatchIsLowestModuleID(t *testing.T) {
	ctx := context.Background()
	reg := fanOutRegistry()
	d := New(reg)

	for i := 0; i < 5; i++ {
		got, ok := d.ResolveOne(ctx, serviceName, modA)
		if !ok || got.Module != modB {
			t.Fatalf("ResolveOne = %v, %v; want entry from B", got, ok)
		}
	}
}

func TestResolveOneMiss(t *testing.T) {
	ctx := context.Background()
	d := New(fanOutRegistry())

	if got, ok := d.ResolveOne(ctx, "META-INF/services/Missing", modA); ok {
		t.Errorf("ResolveOne = %v, want absence", got)
	}
	if _, ok := d.ResolveOne(ctx, serviceName, modC); ok {
		t.Error("module without dependencies resolved a resource")
	}
}

func TestResolveAllCollectsEveryDependency(t *testing.T) {
	ctx := context.Background()
	d := New(fanOutRegistry())

	got, ok := d.ResolveAll(ctx, serviceName, modA)
	if !ok {
		t.Fatal("ResolveAll found nothing")
	}
	want := []engine.Resource{res(modB, serviceName), res(modC, serviceName)}
	if !slices.Equal(got, want) {
		t.Errorf("ResolveAll = %v, want %v", got, want)
	}
}

func TestResolveAllDeduplicates(t *testing.T) {
	ctx := context.Background()
	reg := fanOutRegistry()
	shared := res(modD, serviceName)
	reg.addResource(modB, serviceName, shared)
	reg.addResource(modC, serviceName, shared)
	reg.addResource(modC, serviceName, res(modC, serviceName))

	got, ok := New(reg).ResolveAll(ctx, serviceName, modA)
	if !ok {
		t.Fatal("ResolveAll found nothing")
	}
	want := []engine.Resource{res(modB, serviceName), shared, res(modC, serviceName)}
	if !slices.Equal(got, want) {
		t.Errorf("ResolveAll = %v, want %v", got, want)
	}
}

func TestResolveAllEmpty(t *testing.T) {
	got, ok := New(fanOutRegistry()).ResolveAll(context.Background(), "META-INF/none", modA)
	if ok || got != nil {
		t.Errorf("ResolveAll = %v, %v; want nil, false", got, ok)
	}
}

func TestFilteredNameLeavesCacheUntouched(t *testing.T) {
	ctx := context.Background()
	reg := fanOutRegistry()
	d := New(reg)

	names := []string{"META-INF/MANIFEST.MF", "META-INF/spring/foo.xml", "org/example/Foo.class"}
	for _, name := range names {
		if _, ok := d.ResolveOne(ctx, name, modA); ok {
			t.Errorf("ResolveOne(%q) found a resource", name)
		}
		if _, ok := d.ResolveAll(ctx, name, modA); ok {
			t.Errorf("ResolveAll(%q) found resources", name)
		}
	}

	if d.Cache().Len() != 0 {
		t.Errorf("cache has %d entries after filtered lookups", d.Cache().Len())
	}
	if reg.exportCalls.Load() != 0 {
		t.Error("filtered lookup consulted the registry")
	}

	reg.addResource(modB, "META-INF/spring/foo.txt", res(modB, "META-INF/spring/foo.txt"))
	if _, ok := d.ResolveOne(ctx, "META-INF/spring/foo.txt", modA); !ok {
		t.Error("non-xml spring entry was not delegated")
	}
}

func TestNestedLookupIsNotDelegated(t *testing.T) {
	ctx := context.Background()
	reg := fanOutRegistry()
	d := New(reg)

	var nestedCalls int
	var nestedFound bool
	reg.onFetch = func(ctx context.Context, id engine.ModuleID, name string) {
		nestedCalls++
		_, nestedFound = d.ResolveOne(ctx, name, modA)
	}

	if _, ok := d.ResolveOne(ctx, serviceName, modA); !ok {
		t.Fatal("outer lookup found nothing")
	}
	if nestedCalls == 0 {
		t.Fatal("fetch hook never ran")
	}
	if nestedFound {
		t.Error("nested lookup was delegated")
	}

	// The marker belongs to the outer call only.
	reg.onFetch = nil
	if _, ok := d.ResolveOne(ctx, serviceName, modA); !ok {
		t.Error("lookup after a nested call found nothing")
	}
}

func TestSuppressedInvoker(t *testing.T) {
	reg := fanOutRegistry()

	tests := []struct {
		name    string
		opts    []Option
		invoker string
		want    bool
	}{
		{name: "no invoker", want: true},
		{name: "namespace handler resolver", invoker: NamespaceHandlerResolver, want: false},
		{name: "entity resolver", invoker: EntityResolver, want: false},
		{name: "other invoker", invoker: "org.example.Loader", want: true},
		{name: "suppression disabled", opts: []Option{WithSuppressedInvokers()}, invoker: EntityResolver, want: true},
		{name: "custom set", opts: []Option{WithSuppressedInvokers("org.example.Loader")}, invoker: "org.example.Loader", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.invoker != "" {
				ctx = WithInvoker(ctx, tt.invoker)
			}
			_, ok := New(reg, tt.opts...).ResolveOne(ctx, serviceName, modA)
			if ok != tt.want {
				t.Errorf("ResolveOne found = %v, want %v", ok, tt.want)
			}
		})
	}
}

func TestVeto(t *testing.T) {
	ctx := context.Background()
	var vetoed []string
	d := New(fanOutRegistry(), WithVeto(func(ctx context.Context, name string, module engine.ModuleID) bool {
		vetoed = append(vetoed, name)
		return module == modA
	}))

	if _, ok := d.ResolveAll(ctx, serviceName, modA); ok {
		t.Error("vetoed lookup returned resources")
	}
	if _, ok := d.ResolveOne(ctx, "META-INF/MANIFEST.MF", modA); ok {
		t.Error("filtered lookup returned a resource")
	}
	if !slices.Equal(vetoed, []string{serviceName}) {
		t.Errorf("veto consulted for %v, want only the eligible name", vetoed)
	}
}

func TestDeadDependencyIsPruned(t *testing.T) {
	ctx := context.Background()
	reg := fanOutRegistry()
	d := New(reg)

	if deps := d.Cache().Get(ctx, modA).Sorted(); !slices.Equal(deps, []engine.ModuleID{modB, modC}) {
		t.Fatalf("dependencies = %v", deps)
	}

	reg.setState(modB, engine.StateUninstalled)

	got, ok := d.ResolveAll(ctx, serviceName, modA)
	if !ok || !slices.Equal(got, []engine.Resource{res(modC, serviceName)}) {
		t.Errorf("ResolveAll = %v, %v; want only C's entry", got, ok)
	}
	if d.Cache().Get(ctx, modA).Contains(modB) {
		t.Error("uninstalled dependency still cached")
	}
}

func TestInstalledDependencyIsPruned(t *testing.T) {
	ctx := context.Background()
	reg := fanOutRegistry()
	reg.setState(modB, engine.StateInstalled)
	d := New(reg)

	got, ok := d.ResolveOne(ctx, serviceName, modA)
	if !ok || got.Module != modC {
		t.Errorf("ResolveOne = %v, %v; want C's entry", got, ok)
	}
	if d.Cache().Get(ctx, modA).Contains(modB) {
		t.Error("unresolved dependency still cached")
	}
}

func TestInvalidDependencyIsPrunedAndInvalidated(t *testing.T) {
	ctx := context.Background()
	reg := fanOutRegistry()
	reg.export(modD, "pkg4", modB)
	reg.addModule(modD, engine.StateActive)
	d := New(reg)

	d.Cache().Get(ctx, modB)
	reg.markInvalid(modB)

	got, ok := d.ResolveOne(ctx, serviceName, modA)
	if !ok || got.Module != modC {
		t.Errorf("ResolveOne = %v, %v; want C's entry", got, ok)
	}
	if d.Cache().Get(ctx, modA).Contains(modB) {
		t.Error("invalid dependency still in A's set")
	}
	if d.Cache().Cached(modB) {
		t.Error("invalid module kept its own cache entry")
	}
}

func TestFetchFailureSkipsDependency(t *testing.T) {
	ctx := context.Background()
	reg := fanOutRegistry()
	reg.fetchErr[modB] = engine.NewTransientError("read failed", errors.New("EIO"))
	d := New(reg)

	got, ok := d.ResolveOne(ctx, serviceName, modA)
	if !ok || got.Module != modC {
		t.Errorf("ResolveOne = %v, %v; want C's entry", got, ok)
	}
	all, ok := d.ResolveAll(ctx, serviceName, modA)
	if !ok || len(all) != 1 {
		t.Errorf("ResolveAll = %v, %v; want C's entry only", all, ok)
	}
	if !d.Cache().Get(ctx, modA).Contains(modB) {
		t.Error("transient failure pruned the dependency")
	}
}

// partialRegistry returns the entries it holds together with an error from FetchResources.
type partialRegistry struct {
	*fakeRegistry
	failing engine.ModuleID
}

func (r *partialRegistry) FetchResources(ctx context.Context, id engine.ModuleID, name string) ([]engine.Resource, error) {
	found, err := r.fakeRegistry.FetchResources(ctx, id, name)
	if err == nil && id == r.failing {
		err = engine.NewTransientError("listing interrupted", errors.New("EIO"))
	}
	return found, err
}

func TestResolveAllDiscardsPartialResultOnError(t *testing.T) {
	ctx := context.Background()
	reg := &partialRegistry{fakeRegistry: fanOutRegistry(), failing: modB}
	d := New(reg)

	all, ok := d.ResolveAll(ctx, serviceName, modA)
	if !ok || !slices.Equal(all, []engine.Resource{res(modC, serviceName)}) {
		t.Errorf("ResolveAll = %v, %v; want C's entry only", all, ok)
	}
}

func TestLookupForGoneRequesterLeavesNoEntry(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown ids", func(t *testing.T) {
		reg := fanOutRegistry()
		d := New(reg)
		for id := engine.ModuleID(100); id < 200; id++ {
			reg.markInvalid(id)
			if _, ok := d.ResolveAll(ctx, serviceName, id); ok {
				t.Fatalf("ResolveAll for unknown module %d found entries", id)
			}
		}
		if n := d.Cache().Len(); n != 0 {
			t.Errorf("Cache().Len() = %d, want 0", n)
		}
	})

	t.Run("uninstalled requester", func(t *testing.T) {
		reg := fanOutRegistry()
		d := New(reg)
		if _, ok := d.ResolveOne(ctx, serviceName, modA); !ok {
			t.Fatal("ResolveOne missed while A was active")
		}
		if !d.Cache().Cached(modA) {
			t.Fatal("no entry for A after a lookup")
		}

		reg.setState(modA, engine.StateUninstalled)
		if _, ok := d.ResolveOne(ctx, serviceName, modA); ok {
			t.Error("ResolveOne found an entry for an uninstalled requester")
		}
		if d.Cache().Cached(modA) {
			t.Error("entry for the uninstalled requester survived")
		}
	})

	t.Run("invalid requester", func(t *testing.T) {
		reg := fanOutRegistry()
		d := New(reg)
		d.ResolveAll(ctx, serviceName, modA)

		reg.markInvalid(modA)
		if _, ok := d.ResolveAll(ctx, serviceName, modA); ok {
			t.Error("ResolveAll found entries for an invalid requester")
		}
		if d.Cache().Cached(modA) {
			t.Error("entry for the invalid requester survived")
		}
	})
}

func TestRegistryPanicIsContained(t *testing.T) {
	ctx := context.Background()
	reg := fanOutRegistry()
	reg.onFetch = func(ctx context.Context, id engine.ModuleID, name string) {
		if id == modB {
			panic("corrupt archive")
		}
	}
	d := New(reg)

	got, ok := d.ResolveOne(ctx, serviceName, modA)
	if !ok || got.Module != modC {
		t.Errorf("ResolveOne = %v, %v; want C's entry", got, ok)
	}

	reg.onFetch = nil
	if got, ok := d.ResolveOne(ctx, serviceName, modA); !ok || got.Module != modB {
		t.Errorf("ResolveOne after panic = %v, %v; want B's entry", got, ok)
	}
}

func TestUnresolvedEventInvalidates(t *testing.T) {
	ctx := context.Background()
	reg := fanOutRegistry()
	d := New(reg)
	d.Start()
	defer d.Stop()

	d.Cache().Get(ctx, modA)
	reg.addModule(modD, engine.StateActive)
	reg.export(modD, "pkg4", modA)
	reg.addResource(modD, "META-INF/only-d", res(modD, "META-INF/only-d"))

	reg.fire(engine.LifecycleEvent{Module: modA, Type: engine.EventStarted})
	if !d.Cache().Cached(modA) {
		t.Fatal("non-UNRESOLVED event dropped the entry")
	}
	if _, ok := d.ResolveOne(ctx, "META-INF/only-d", modA); ok {
		t.Fatal("stale entry observed new wiring")
	}

	reg.fire(engine.LifecycleEvent{Module: modA, Type: engine.EventUnresolved})
	if d.Cache().Cached(modA) {
		t.Fatal("UNRESOLVED event kept the entry")
	}
	if _, ok := d.ResolveOne(ctx, "META-INF/only-d", modA); !ok {
		t.Error("lookup after UNRESOLVED did not recompute dependencies")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	reg := fanOutRegistry()
	d := New(reg)

	d.Start()
	d.Start()
	if n := reg.listenerCount(); n != 1 {
		t.Fatalf("listeners after double Start = %d, want 1", n)
	}

	d.Stop()
	d.Stop()
	if n := reg.listenerCount(); n != 0 {
		t.Fatalf("listeners after double Stop = %d, want 0", n)
	}

	ctx := context.Background()
	d.Cache().Get(ctx, modA)
	reg.fire(engine.LifecycleEvent{Module: modA, Type: engine.EventUnresolved})
	if !d.Cache().Cached(modA) {
		t.Error("stopped delegator reacted to an event")
	}
}

func TestDelegationMetrics(t *testing.T) {
	metrics, err := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	ctx := context.Background()
	d := New(fanOutRegistry(), WithMetrics(metrics))

	d.ResolveOne(ctx, serviceName, modA)
	d.ResolveOne(ctx, serviceName, modA)
	d.ResolveOne(ctx, "META-INF/MANIFEST.MF", modA)
	d.ResolveAll(ctx, "META-INF/none", modA)

	tests := []struct {
		operation, outcome string
		want               float64
	}{
		{OperationResolveOne, "hit", 2},
		{OperationResolveOne, "filtered", 1},
		{OperationResolveAll, "miss", 1},
	}
	for _, tt := range tests {
		if got := delegationCount(t, metrics, tt.operation, tt.outcome); got != tt.want {
			t.Errorf("delegations{%s,%s} = %v, want %v", tt.operation, tt.outcome, got, tt.want)
		}
	}
}

func delegationCount(t *testing.T, metrics *telemetry.Metrics, operation, outcome string) float64 {
	t.Helper()
	families, err := metrics.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "metahook_delegations_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["operation"] == operation && labels["outcome"] == outcome {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestConcurrentLookupsAndInvalidations(t *testing.T) {
	reg := fanOutRegistry()
	d := New(reg)
	d.Start()
	defer d.Stop()

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			for j := 0; j < 200; j++ {
				if got, ok := d.ResolveOne(ctx, serviceName, modA); !ok || got.Module != modB {
					return fmt.Errorf("ResolveOne = %v, %v", got, ok)
				}
				all, ok := d.ResolveAll(ctx, serviceName, modA)
				if !ok || len(all) != 2 {
					return fmt.Errorf("ResolveAll = %v, %v", all, ok)
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for j := 0; j < 200; j++ {
			reg.fire(engine.LifecycleEvent{Module: modA, Type: engine.EventUnresolved})
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
