package engine

import (
	"fmt"
	"strings"
)

// ModuleID identifies a module for the lifetime of the registry that installed it.
type ModuleID uint64

// String renders the ID the way the registry prints module identities.
func (id ModuleID) String() string {
	return fmt.Sprintf("%d", uint64(id))
}

// LifecycleState represents the readiness of a module.
type LifecycleState int

const (
	// StateInstalled indicates the module is installed but its imports are not wired.
	StateInstalled LifecycleState = iota + 1

	// StateResolved indicates all mandatory imports of the module are wired.
	StateResolved

	// StateActive indicates the module has been started.
	StateActive

	// StateStopping indicates the module is being stopped.
	StateStopping

	// StateUninstalled indicates the module has been removed from the registry.
	StateUninstalled
)

var lifecycleStateNames = map[LifecycleState]string{
	StateInstalled:   "INSTALLED",
	StateResolved:    "RESOLVED",
	StateActive:      "ACTIVE",
	StateStopping:    "STOPPING",
	StateUninstalled: "UNINSTALLED",
}

// String implements fmt.Stringer.
func (s LifecycleState) String() string {
	if name, ok := lifecycleStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("LifecycleState(%d)", int(s))
}

// IsLive reports whether resources may be fetched from a module in this state.
func (s LifecycleState) IsLive() bool {
	return s == StateResolved || s == StateActive
}

// ParseLifecycleState parses the output of LifecycleState.String.
func ParseLifecycleState(s string) (LifecycleState, error) {
	for state, name := range lifecycleStateNames {
		if strings.EqualFold(name, s) {
			return state, nil
		}
	}
	return 0, fmt.Errorf("unknown lifecycle state: %q", s)
}

// MarshalText renders the state by name.
func (s LifecycleState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *LifecycleState) UnmarshalText(text []byte) error {
	parsed, err := ParseLifecycleState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ExportedPackage describes a package exported by one module.
type ExportedPackage struct {
	// Name is the package name (e.g., "org.example.api").
	Name string `json:"name"`

	// Exporter is the module exporting the package.
	Exporter ModuleID `json:"exporter"`

	// Importers are the modules wired to this export.
	Importers []ModuleID `json:"importers,omitempty"`
}

// Resource is a handle to an entry inside a module. Handles are compared by value.
type Resource struct {
	// Module is the module the entry was found in.
	Module ModuleID `json:"module"`

	// Path is the entry path relative to the module root, without a leading slash.
	Path string `json:"path"`
}

// String renders the resource as a bundleentry URL.
func (r Resource) String() string {
	return fmt.Sprintf("bundleentry://%d/%s", uint64(r.Module), strings.TrimPrefix(r.Path, "/"))
}

// EventType is the kind of lifecycle transition reported by the registry.
type EventType string

const (
	EventInstalled   EventType = "INSTALLED"
	EventResolved    EventType = "RESOLVED"
	EventStarted     EventType = "STARTED"
	EventStopped     EventType = "STOPPED"
	EventUnresolved  EventType = "UNRESOLVED"
	EventUninstalled EventType = "UNINSTALLED"
)

// LifecycleEvent is delivered to lifecycle listeners.
type LifecycleEvent struct {
	// Module is the module whose state changed.
	Module ModuleID `json:"module"`

	// Type is the transition that occurred.
	Type EventType `json:"type"`
}
