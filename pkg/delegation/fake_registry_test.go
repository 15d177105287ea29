package delegation

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/openfroyo/metahook/pkg/engine"
)

// fakeRegistry is an in-memory engine.ModuleRegistry for tests.
type fakeRegistry struct {
	mu        sync.Mutex
	states    map[engine.ModuleID]engine.LifecycleState
	exports   map[engine.ModuleID][]engine.ExportedPackage
	resources map[engine.ModuleID]map[string][]engine.Resource
	invalid   map[engine.ModuleID]bool
	fetchErr  map[engine.ModuleID]error
	listeners []engine.LifecycleListener

	// onFetch, when set, runs at the start of every FetchResource call.
	onFetch func(ctx context.Context, id engine.ModuleID, name string)

	exportCalls atomic.Int64
	fetched     []engine.ModuleID
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		states:    make(map[engine.ModuleID]engine.LifecycleState),
		exports:   make(map[engine.ModuleID][]engine.ExportedPackage),
		resources: make(map[engine.ModuleID]map[string][]engine.Resource),
		invalid:   make(map[engine.ModuleID]bool),
		fetchErr:  make(map[engine.ModuleID]error),
	}
}

func (f *fakeRegistry) addModule(id engine.ModuleID, state engine.LifecycleState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = state
}

// export records that exporter exports pkg and that importers are wired to it.
func (f *fakeRegistry) export(exporter engine.ModuleID, pkg string, importers ...engine.ModuleID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exports[exporter] = append(f.exports[exporter], engine.ExportedPackage{
		Name:      pkg,
		Exporter:  exporter,
		Importers: importers,
	})
}

func (f *fakeRegistry) addResource(id engine.ModuleID, name string, res engine.Resource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resources[id] == nil {
		f.resources[id] = make(map[string][]engine.Resource)
	}
	f.resources[id][name] = append(f.resources[id][name], res)
}

func (f *fakeRegistry) setState(id engine.ModuleID, state engine.LifecycleState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = state
}

func (f *fakeRegistry) markInvalid(id engine.ModuleID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalid[id] = true
}

func (f *fakeRegistry) fetchedModules() []engine.ModuleID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.fetched)
}

func (f *fakeRegistry) fire(event engine.LifecycleEvent) {
	f.mu.Lock()
	listeners := slices.Clone(f.listeners)
	f.mu.Unlock()
	for _, l := range listeners {
		l.ModuleChanged(event)
	}
}

func (f *fakeRegistry) Modules(ctx context.Context) []engine.ModuleID {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]engine.ModuleID, 0, len(f.states))
	for id := range f.states {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeRegistry) ExportedPackages(ctx context.Context, id engine.ModuleID) []engine.ExportedPackage {
	f.exportCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.exports[id])
}

func (f *fakeRegistry) ModuleState(ctx context.Context, id engine.ModuleID) (engine.LifecycleState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.invalid[id] {
		return 0, engine.NewInvalidModuleError(id, nil)
	}
	return f.states[id], nil
}

func (f *fakeRegistry) FetchResource(ctx context.Context, id engine.ModuleID, name string) (engine.Resource, bool, error) {
	if f.onFetch != nil {
		f.onFetch(ctx, id, name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, id)
	if err := f.fetchErr[id]; err != nil {
		return engine.Resource{}, false, err
	}
	found := f.resources[id][name]
	if len(found) == 0 {
		return engine.Resource{}, false, nil
	}
	return found[0], true, nil
}

func (f *fakeRegistry) FetchResources(ctx context.Context, id engine.ModuleID, name string) ([]engine.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, id)
	if err := f.fetchErr[id]; err != nil {
		return nil, err
	}
	return slices.Clone(f.resources[id][name]), nil
}

func (f *fakeRegistry) Subscribe(listener engine.LifecycleListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, listener)
}

func (f *fakeRegistry) Unsubscribe(listener engine.LifecycleListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = slices.DeleteFunc(f.listeners, func(l engine.LifecycleListener) bool {
		return l == listener
	})
}

func (f *fakeRegistry) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}
