package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/metahook/pkg/stores"
)

func newEventsCommand() *cobra.Command {
	var (
		limit  int
		module string
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recorded lifecycle events",
		Long:  `Show lifecycle events recorded by earlier commands, oldest first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, "events", func(ctx context.Context, a *app) error {
				filter := stores.EventFilter{Limit: limit}
				if module != "" {
					id, err := a.lookup(module)
					if err != nil {
						return err
					}
					filter.Module = id
				}

				events, err := a.store.ListEvents(ctx, filter)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, events)
				}
				for _, e := range events {
					fmt.Fprintf(out, "%s  %-4d %s\n", e.CreatedAt.Local().Format(time.RFC3339), e.Module, e.Type)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "show at most this many recent events (0 for all)")
	cmd.Flags().StringVar(&module, "module", "", "only show events for this module")

	return cmd
}
