// Package delegation extends META-INF resource lookups made by a module to the modules it
// depends on.
//
// A module depends on another module when it imports at least one package the other module
// exports. The dependency set of each requesting module is computed from the registry on first
// use and cached until the registry reports the module UNRESOLVED. Dependencies that turn out
// to be dead when a lookup iterates them are pruned from the cached set.
//
// Lookups are deliberately narrow:
//
//   - only names rooted at META-INF are delegated, excluding MANIFEST.MF and Spring
//     configuration fragments (see Filter)
//   - delegation is one level deep per call chain; a lookup started while another lookup is in
//     progress on the same context returns nothing
//   - callers identified by WithInvoker as a suppressed descriptor resolver get nothing
//
// A Delegator never returns an error. Absence means "continue with the default search".
//
// Dependencies are visited in ascending ModuleID order, so ResolveOne returns the entry of the
// earliest installed live dependency that has one.
package delegation
