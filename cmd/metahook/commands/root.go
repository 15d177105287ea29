package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "metahook",
		Short: "metahook - META-INF resource delegation for modular runtimes",
		Long: `metahook lets a module see the META-INF resources of the modules it is wired to.

A lookup for a metadata resource that a module cannot satisfy itself is delegated
to its live dependencies, in ascending module ID order. Dependencies are computed
from package wiring, cached per module, and pruned as modules go away.

The CLI manages a persistent module registry described by YAML manifests and
answers delegated lookups against it.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default metahook.cue)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newModulesCommand())
	rootCmd.AddCommand(newDepsCommand())
	rootCmd.AddCommand(newResolveCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newPoliciesCommand())
	rootCmd.AddCommand(newServeCommand())

	return rootCmd
}
