package commands

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/openfroyo/metahook/pkg/engine"
	"github.com/openfroyo/metahook/pkg/telemetry"
)

func newModulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modules",
		Short: "Manage the module registry",
		Long: `Install, start, stop and remove modules described by YAML manifests.

A manifest names the module, the packages it exports and imports, and the
entries it contains. The registry wires each import to the lowest-ID exporter.
Changes are persisted to the configured store.`,
	}

	cmd.AddCommand(newModulesInstallCommand())
	cmd.AddCommand(newModulesListCommand())
	cmd.AddCommand(newModulesLifecycleCommand("start", "Start a module, resolving it first if needed"))
	cmd.AddCommand(newModulesLifecycleCommand("stop", "Stop an active module"))
	cmd.AddCommand(newModulesLifecycleCommand("uninstall", "Uninstall a module; dependents keep their wires until refresh"))
	cmd.AddCommand(newModulesRefreshCommand())

	return cmd
}

func newModulesInstallCommand() *cobra.Command {
	var start bool

	cmd := &cobra.Command{
		Use:   "install [manifest.yaml...]",
		Short: "Install modules from manifests",
		Long: `Install modules from manifest files.

Without arguments every manifest in the configured modules directory is installed;
manifests already installed are skipped. Installed modules are resolved afterwards.`,
		Example: `  # Install two modules and start them
  metahook modules install api.yaml impl.yaml --start

  # Install everything under modules.directory
  metahook modules install`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, "modules.install", func(ctx context.Context, a *app) error {
				var (
					ids []engine.ModuleID
					err error
				)
				if len(args) == 0 {
					if a.cfg.Modules.Directory == "" {
						return fmt.Errorf("no manifests given and modules.directory is not configured")
					}
					ids, err = a.registry.ScanDirectory(ctx, a.cfg.Modules.Directory)
					err = dropAlreadyInstalled(err)
				} else {
					ids, err = installFiles(ctx, a, args)
				}
				if err != nil {
					return err
				}

				if err := a.registry.Resolve(ctx); err != nil {
					a.logger.Warn().Err(err).Msg("Some modules could not be resolved")
				}
				if start {
					for _, id := range ids {
						info, _ := a.registry.Module(id)
						if err := a.registry.Start(ctx, info.Name); err != nil {
							return err
						}
					}
				}

				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, ids)
				}
				for _, id := range ids {
					info, _ := a.registry.Module(id)
					fmt.Fprintf(out, "installed %s (id %d, %s)\n", info.Manifest.Key(), id, info.State)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&start, "start", false, "start the installed modules")

	return cmd
}

func installFiles(ctx context.Context, a *app, paths []string) ([]engine.ModuleID, error) {
	var ids []engine.ModuleID
	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return ids, err
		}

		spanCtx, span := a.tel.Tracer.StartRegistrySpan(ctx, "install", filepath.Base(path))
		id, err := a.registry.InstallFile(spanCtx, abs)
		if err != nil {
			telemetry.RecordError(span, err)
			span.End()
			return ids, err
		}
		telemetry.RecordSuccess(span)
		span.End()

		ids = append(ids, id)
	}
	return ids, nil
}

// dropAlreadyInstalled removes ALREADY_EXISTS failures from a directory scan.
func dropAlreadyInstalled(err error) error {
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		return err
	}

	exists := &engine.RegistryError{Class: engine.ErrorClassPermanent, Code: engine.ErrCodeAlreadyExists}
	var kept *multierror.Error
	for _, e := range merr.Errors {
		if !errors.Is(e, exists) {
			kept = multierror.Append(kept, e)
		}
	}
	return kept.ErrorOrNil()
}

func newModulesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed modules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, "modules.list", func(ctx context.Context, a *app) error {
				infos := a.registry.List()
				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, infos)
				}

				fmt.Fprintf(out, "%-4s %-24s %-10s %-12s %s\n", "ID", "NAME", "VERSION", "STATE", "WIRES")
				for _, info := range infos {
					wires := make([]string, 0, len(info.Wires))
					for pkg, exporter := range info.Wires {
						wires = append(wires, fmt.Sprintf("%s->%d", pkg, exporter))
					}
					slices.Sort(wires)
					fmt.Fprintf(out, "%-4d %-24s %-10s %-12s %s\n",
						info.ID, info.Name, info.Version, info.State, strings.Join(wires, ","))
				}
				return nil
			})
		},
	}
}

func newModulesLifecycleCommand(operation, short string) *cobra.Command {
	return &cobra.Command{
		Use:   operation + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withApp(cmd, "modules."+operation, func(ctx context.Context, a *app) (err error) {
				ctx, span := a.tel.Tracer.StartRegistrySpan(ctx, operation, name)
				defer func() {
					if err != nil {
						telemetry.RecordError(span, err)
					} else {
						telemetry.RecordSuccess(span)
					}
					span.End()
				}()

				switch operation {
				case "start":
					err = a.registry.Start(ctx, name)
				case "stop":
					err = a.registry.Stop(ctx, name)
				case "uninstall":
					err = a.registry.Uninstall(ctx, name)
				default:
					err = fmt.Errorf("unknown operation %q", operation)
				}
				if err != nil {
					return err
				}

				if !jsonOutput {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", operation, name)
				}
				return nil
			})
		},
	}
}

func newModulesRefreshCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Drop uninstalled modules and rewire their dependents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, "modules.refresh", func(ctx context.Context, a *app) error {
				ctx, span := a.tel.Tracer.StartRegistrySpan(ctx, "refresh", "")
				defer span.End()

				if err := a.registry.Refresh(ctx); err != nil {
					// Unresolvable dependents are reported but the refresh itself completed.
					telemetry.RecordError(span, err)
					a.logger.Warn().Err(err).Msg("Some modules could not be re-resolved")
				}
				if !jsonOutput {
					fmt.Fprintln(cmd.OutOrStdout(), "refreshed")
				}
				return nil
			})
		},
	}
}
