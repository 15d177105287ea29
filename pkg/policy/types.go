package policy

import (
	"time"
)

// Policy is a Rego module whose deny set vetoes resource delegation.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Source is the file the policy was loaded from, empty for built-in policies.
	Source string `json:"source,omitempty"`

	// Builtin marks policies shipped with metahook. They survive reloads.
	Builtin bool `json:"builtin"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// LoadedAt is when the policy was read.
	LoadedAt time.Time `json:"loaded_at"`
}

// Input is the document policies are evaluated against.
type Input struct {
	// Name is the requested resource name.
	Name string `json:"name"`

	// Module is the requesting module's ID.
	Module uint64 `json:"module"`

	// SymbolicName is the requesting module's name, if known.
	SymbolicName string `json:"symbolic_name,omitempty"`
}

// Decision is the combined result of every enabled policy.
type Decision struct {
	// Denied is true when any policy produced a deny entry.
	Denied bool `json:"denied"`

	// Reasons are the deny entries, prefixed with the policy name.
	Reasons []string `json:"reasons,omitempty"`

	// Evaluated lists the policies that were consulted.
	Evaluated []string `json:"evaluated"`
}
