package engine

import (
	"context"
)

// ModuleRegistry is the view of the host module registry consumed by the delegation layer.
// Implementations must be safe for concurrent use and must not hold internal locks while
// calling lifecycle listeners.
type ModuleRegistry interface {
	// Modules returns a snapshot of all known module IDs.
	Modules(ctx context.Context) []ModuleID

	// ExportedPackages returns the packages exported by a module together with their importers.
	// An unknown or uninstalled module exports nothing.
	ExportedPackages(ctx context.Context, id ModuleID) []ExportedPackage

	// ModuleState returns the lifecycle state of a module.
	// It fails with an InvalidModule error if the module has been uninstalled.
	ModuleState(ctx context.Context, id ModuleID) (LifecycleState, error)

	// FetchResource looks up a single entry in a module.
	// The boolean is false when the module does not contain the entry.
	FetchResource(ctx context.Context, id ModuleID, name string) (Resource, bool, error)

	// FetchResources returns every entry matching name in a module, possibly none.
	FetchResources(ctx context.Context, id ModuleID, name string) ([]Resource, error)

	// Subscribe registers a listener for lifecycle events.
	Subscribe(listener LifecycleListener)

	// Unsubscribe removes a previously registered listener.
	Unsubscribe(listener LifecycleListener)
}

// LifecycleListener receives lifecycle events synchronously from the registry.
type LifecycleListener interface {
	// ModuleChanged is called once per lifecycle transition.
	ModuleChanged(event LifecycleEvent)
}
