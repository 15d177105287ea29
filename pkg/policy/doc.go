// Package policy vetoes resource delegation with Open Policy Agent (OPA) Rego policies.
//
// Every policy is a Rego module with a partial set rule named deny. The engine
// evaluates each enabled policy against an Input describing the requested resource
// and the requesting module. Any deny entry vetoes the delegation.
//
//	package metahook.custom
//
//	import rego.v1
//
//	deny contains msg if {
//	    startswith(input.name, "META-INF/private/")
//	    msg := "private metadata is never shared"
//	}
//
// The engine plugs into the delegator through VetoFunc:
//
//	pe, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := pe.LoadPolicies(ctx, []string{"policies"}); err != nil {
//	    return err
//	}
//	d := delegation.New(registry, delegation.WithVeto(pe.VetoFunc(nil)))
//
// A Loader can watch policy directories and hand reloaded policies to
// Engine.ReplacePolicies. A failed reload leaves the previous policies in place.
//
// Built-in policies are always loaded and cannot be shadowed by user policies.
package policy
