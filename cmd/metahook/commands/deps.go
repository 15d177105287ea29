package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/metahook/pkg/delegation"
	"github.com/openfroyo/metahook/pkg/engine"
)

type dependencyView struct {
	ID    engine.ModuleID       `json:"id"`
	Name  string                `json:"name"`
	State engine.LifecycleState `json:"state"`
}

func newDepsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "deps <name>",
		Short: "Show the modules a module delegates to",
		Long: `Show the dependency set of a module: every other module exporting a package
the module is wired to, in the order delegated lookups search them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, "deps", func(ctx context.Context, a *app) error {
				id, err := a.lookup(args[0])
				if err != nil {
					return err
				}

				deps := a.delegator.Cache().Get(ctx, id).Sorted()
				views := make([]dependencyView, 0, len(deps))
				for _, dep := range deps {
					view := dependencyView{ID: dep}
					if info, ok := a.registry.Module(dep); ok {
						view.Name = info.Name
						view.State = info.State
					}
					views = append(views, view)
				}

				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, views)
				}
				if len(views) == 0 {
					fmt.Fprintf(out, "%s has no dependencies\n", args[0])
					return nil
				}
				for _, v := range views {
					fmt.Fprintf(out, "%-4d %-24s %s\n", v.ID, v.Name, v.State)
				}
				return nil
			})
		},
	}
}

func newResolveCommand() *cobra.Command {
	var (
		all     bool
		invoker string
	)

	cmd := &cobra.Command{
		Use:   "resolve <name> <resource>",
		Short: "Delegate a resource lookup on behalf of a module",
		Long: `Look up a resource the named module could not find itself by searching its
live dependencies. Only names under the metadata prefix are delegated.`,
		Example: `  # First match
  metahook resolve app META-INF/services/org.example.Codec

  # Every match, as a lookup from a suppressed caller would see it
  metahook resolve app META-INF/spring.handlers --all \
    --invoker org.springframework.osgi.context.support.DelegatedNamespaceHandlerResolver`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, "resolve", func(ctx context.Context, a *app) error {
				id, err := a.lookup(args[0])
				if err != nil {
					return err
				}
				if invoker != "" {
					ctx = delegation.WithInvoker(ctx, invoker)
				}

				var found []engine.Resource
				if all {
					found, _ = a.delegator.ResolveAll(ctx, args[1], id)
				} else if r, ok := a.delegator.ResolveOne(ctx, args[1], id); ok {
					found = []engine.Resource{r}
				}

				out := cmd.OutOrStdout()
				if jsonOutput {
					if found == nil {
						found = []engine.Resource{}
					}
					return printJSON(out, found)
				}
				if len(found) == 0 {
					fmt.Fprintln(out, "not delegated")
					return nil
				}
				for _, r := range found {
					fmt.Fprintln(out, r.String())
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "return every match instead of the first")
	cmd.Flags().StringVar(&invoker, "invoker", "", "caller identity to attach to the lookup")

	return cmd
}
