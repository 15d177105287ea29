package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/openfroyo/metahook/pkg/policy"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Keep the registry loaded and expose metrics",
		Long: `Keep the registry and delegator loaded until interrupted.

When telemetry.metrics.listenAddress is set, Prometheus metrics are served on it.
When delegation.watch is set, the policy path is watched and reloaded on change.
The registry is persisted on shutdown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, "serve", func(ctx context.Context, a *app) error {
				if err := a.tel.StartMetricsServer(); err != nil {
					return err
				}

				if a.cfg.Delegation.Watch && a.cfg.Delegation.PolicyPath != "" {
					loader := policy.NewLoader(a.logger)
					err := loader.Watch(ctx, []string{a.cfg.Delegation.PolicyPath}, func(policies []policy.Policy) error {
						return a.policies.ReplacePolicies(ctx, policies)
					})
					if err != nil {
						return err
					}
					defer func() { _ = loader.StopWatching() }()
				}

				a.logger.Info().
					Int("modules", len(a.registry.List())).
					Str("metrics", a.cfg.Telemetry.Metrics.ListenAddress).
					Msg("Serving")

				<-ctx.Done()
				a.logger.Info().Msg("Shutting down")
				return nil
			})
		},
	}
}
