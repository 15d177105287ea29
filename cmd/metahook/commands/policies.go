package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/metahook/pkg/policy"
)

func newPoliciesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Inspect delegation policies",
		Long: `Inspect the Rego policies that can veto delegation.

Built-in policies are always loaded. User policies are read from
delegation.policyPath.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, "policies.list", func(ctx context.Context, a *app) error {
				list := a.policies.ListPolicies()
				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, list)
				}
				for _, p := range list {
					source := p.Source
					if p.Builtin {
						source = "built-in"
					}
					fmt.Fprintf(out, "%-24s %-8v %-32s %s\n", p.Name, p.Enabled, source, p.Description)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check <name> <resource>",
		Short: "Evaluate policies for a lookup without delegating it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, "policies.check", func(ctx context.Context, a *app) error {
				id, err := a.lookup(args[0])
				if err != nil {
					return err
				}

				decision, err := a.policies.Evaluate(ctx, policy.Input{
					Name:         args[1],
					Module:       uint64(id),
					SymbolicName: args[0],
				})
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, decision)
				}
				if !decision.Denied {
					fmt.Fprintln(out, "allowed")
					return nil
				}
				for _, reason := range decision.Reasons {
					fmt.Fprintf(out, "denied: %s\n", reason)
				}
				return nil
			})
		},
	})

	return cmd
}
