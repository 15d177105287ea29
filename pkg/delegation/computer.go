package delegation

import (
	"context"
	"slices"

	"github.com/openfroyo/metahook/pkg/engine"
)

// DependencySet is the set of modules a module imports at least one package from.
type DependencySet map[engine.ModuleID]struct{}

// Contains reports whether id is in the set.
func (s DependencySet) Contains(id engine.ModuleID) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in ascending ModuleID order.
func (s DependencySet) Sorted() []engine.ModuleID {
	ids := make([]engine.ModuleID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s DependencySet) clone() DependencySet {
	out := make(DependencySet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// ComputeDependencies derives the dependency set of module from a registry snapshot: every
// other module exporting a package that module imports. The module's own state is irrelevant
// and the result never contains module itself.
//
// Cost grows with modules × exported packages × importers; callers cache the result.
func ComputeDependencies(ctx context.Context, registry engine.ModuleRegistry, module engine.ModuleID) DependencySet {
	deps := make(DependencySet)
	for _, candidate := range registry.Modules(ctx) {
		if candidate == module {
			continue
		}
		for _, pkg := range registry.ExportedPackages(ctx, candidate) {
			if slices.Contains(pkg.Importers, module) {
				deps[candidate] = struct{}{}
				break
			}
		}
	}
	return deps
}
