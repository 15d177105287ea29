package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		pathTraversalPolicy(),
	}
}

// pathTraversalPolicy refuses names that climb out of the metadata directory.
func pathTraversalPolicy() Policy {
	return Policy{
		Name:        "path-traversal",
		Description: "Denies delegation of resource names containing parent directory segments",
		Builtin:     true,
		Enabled:     true,
		LoadedAt:    time.Now(),
		Rego: `package metahook.builtin.traversal

import rego.v1

deny contains msg if {
	some segment in split(input.name, "/")
	segment == ".."
	msg := sprintf("resource name %q contains a parent directory segment", [input.name])
}
`,
	}
}
