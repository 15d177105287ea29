// Package engine provides the core types and interfaces shared by the metahook packages.
//
// # Overview
//
// metahook extends META-INF resource lookups made by a module to the modules it depends
// on. A module depends on another module when it imports a package the other module
// exports. The host runtime owns the modules; this package only describes them:
//
//   - ModuleID: identity handle assigned by the registry at install time
//   - LifecycleState: INSTALLED, RESOLVED, ACTIVE, STOPPING or UNINSTALLED
//   - ExportedPackage: a package exported by one module and the modules importing it
//   - Resource: a comparable handle to an entry inside a module
//   - LifecycleEvent: a lifecycle transition reported by the registry
//
// # Registry Interface
//
// The host module registry is consumed through the ModuleRegistry interface:
//
//	type ModuleRegistry interface {
//	    Modules(ctx context.Context) []ModuleID
//	    ExportedPackages(ctx context.Context, id ModuleID) []ExportedPackage
//	    ModuleState(ctx context.Context, id ModuleID) (LifecycleState, error)
//	    FetchResource(ctx context.Context, id ModuleID, name string) (Resource, bool, error)
//	    FetchResources(ctx context.Context, id ModuleID, name string) ([]Resource, error)
//	    Subscribe(listener LifecycleListener)
//	    Unsubscribe(listener LifecycleListener)
//	}
//
// # Error Classification
//
// Registry errors are classified so callers can recover locally:
//
//   - InvalidModule: the module was uninstalled concurrently
//   - Transient: an I/O-class failure reading from a module
//   - Permanent: invalid input such as a malformed manifest
package engine
