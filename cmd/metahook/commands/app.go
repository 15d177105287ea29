package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/metahook/pkg/config"
	"github.com/openfroyo/metahook/pkg/delegation"
	"github.com/openfroyo/metahook/pkg/engine"
	"github.com/openfroyo/metahook/pkg/policy"
	"github.com/openfroyo/metahook/pkg/registry"
	"github.com/openfroyo/metahook/pkg/stores"
	"github.com/openfroyo/metahook/pkg/telemetry"
)

// app holds the components one CLI invocation works with.
type app struct {
	cfg       *config.Config
	tel       *telemetry.Telemetry
	store     *stores.SQLiteStore
	registry  *registry.Registry
	policies  *policy.Engine
	delegator *delegation.Delegator
	recorder  *stores.EventRecorder
	logger    zerolog.Logger

	// restored is set once the registry mirrors the store. Until then close must not sync,
	// or the rows that failed to load would be deleted.
	restored bool
}

// openApp loads the configuration, opens the store and restores the registry from it.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.NewLoader().Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig(buildVersion))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a := &app{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("cli").Zerolog(),
	}

	if err := a.openStore(ctx); err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	a.registry = registry.New(
		registry.WithLogger(tel.Logger.NewComponentLogger("registry").Zerolog()),
		registry.WithMetrics(tel.Metrics),
	)

	if err := a.restore(ctx); err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	a.restored = true

	a.recorder = stores.NewEventRecorder(a.store, tel.Logger.NewComponentLogger("recorder").Zerolog())
	a.registry.Subscribe(a.recorder)

	a.policies, err = policy.NewEngine(tel.Logger.NewComponentLogger("policy").Zerolog())
	if err != nil {
		_ = a.close(ctx)
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if cfg.Delegation.PolicyPath != "" {
		if err := a.policies.LoadPolicies(ctx, []string{cfg.Delegation.PolicyPath}); err != nil {
			_ = a.close(ctx)
			return nil, err
		}
	}

	a.delegator = delegation.New(a.registry,
		delegation.WithFilter(cfg.Filter()),
		delegation.WithSuppressedInvokers(cfg.Delegation.SuppressedInvokers...),
		delegation.WithVeto(a.policies.VetoFunc(a.moduleName)),
		delegation.WithLogger(tel.Logger.NewComponentLogger("delegation").Zerolog()),
		delegation.WithMetrics(tel.Metrics),
		delegation.WithTracer(tel.Tracer.OTel()),
	)
	a.delegator.Start()

	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	path := a.cfg.Store.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return err
	}
	a.store = store
	return nil
}

// restore reinstalls stored modules under their original IDs and brings them back to
// their stored states. Modules that can no longer resolve stay INSTALLED.
func (a *app) restore(ctx context.Context) error {
	records, err := a.store.ListModules(ctx)
	if err != nil {
		return err
	}

	loader := registry.NewManifestLoader("")
	var live, active []*stores.ModuleRecord
	for _, rec := range records {
		manifest, err := loader.LoadFromBytes(rec.Manifest)
		if err != nil {
			return fmt.Errorf("stored module %s: %w", rec.Name, err)
		}
		if _, err := a.registry.Install(ctx, manifest, registry.WithModuleID(rec.ID)); err != nil {
			return fmt.Errorf("failed to restore module %s: %w", rec.Name, err)
		}
		if rec.State.IsLive() {
			live = append(live, rec)
		}
		if rec.State == engine.StateActive {
			active = append(active, rec)
		}
	}

	if len(live) == 0 {
		return nil
	}
	if err := a.registry.Resolve(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Some stored modules no longer resolve")
	}
	for _, rec := range active {
		if err := a.registry.Start(ctx, rec.Name); err != nil {
			a.logger.Warn().Err(err).Str("module", rec.Name).Msg("Failed to restart stored module")
		}
	}

	a.logger.Debug().Int("modules", len(records)).Msg("Registry restored from store")
	return nil
}

// sync writes the registry back to the store. Modules that left the registry are deleted.
func (a *app) sync(ctx context.Context) error {
	var merr *multierror.Error

	current := make(map[engine.ModuleID]bool)
	for _, info := range a.registry.List() {
		current[info.ID] = true

		data, err := info.Manifest.Marshal()
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		rec := &stores.ModuleRecord{
			ID:       info.ID,
			Name:     info.Name,
			Version:  info.Version,
			State:    info.State,
			Manifest: data,
		}
		if err := a.store.SaveModule(ctx, rec); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	stored, err := a.store.ListModules(ctx)
	if err != nil {
		return multierror.Append(merr, err).ErrorOrNil()
	}
	for _, rec := range stored {
		if current[rec.ID] {
			continue
		}
		if err := a.store.DeleteModule(ctx, rec.ID); err != nil && !errors.Is(err, stores.ErrNotFound) {
			merr = multierror.Append(merr, err)
		}
	}

	return merr.ErrorOrNil()
}

// close persists the registry and releases every component.
func (a *app) close(ctx context.Context) error {
	var merr *multierror.Error

	if a.delegator != nil {
		a.delegator.Stop()
	}
	if a.restored {
		if err := a.sync(ctx); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("failed to persist registry: %w", err))
		}
	}
	if a.recorder != nil {
		a.registry.Unsubscribe(a.recorder)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		merr = multierror.Append(merr, err)
	}

	return merr.ErrorOrNil()
}

// moduleName maps a module ID to its symbolic name for policy input.
func (a *app) moduleName(id engine.ModuleID) string {
	if info, ok := a.registry.Module(id); ok {
		return info.Name
	}
	return ""
}

// lookup returns the ID of an installed module or a NOT_FOUND error.
func (a *app) lookup(name string) (engine.ModuleID, error) {
	id, ok := a.registry.Lookup(name)
	if !ok {
		return 0, engine.NewPermanentError(fmt.Sprintf("module %s is not installed", name), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return id, nil
}

// withApp runs fn inside an instrumented operation with an open app, then persists the
// registry.
func withApp(cmd *cobra.Command, operation string, fn func(ctx context.Context, a *app) error) (err error) {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(context.WithoutCancel(cmd.Context())); cerr != nil && err == nil {
			err = cerr
		}
	}()

	op := telemetry.StartOperation(a.tel.WithContext(cmd.Context()), "cli."+operation)
	defer func() { op.End(err) }()

	op.Logger.Debug("Running command")
	return fn(op.Ctx, a)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
