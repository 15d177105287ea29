package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/openfroyo/metahook/pkg/engine"
	"github.com/openfroyo/metahook/pkg/telemetry"
)

// module is the registry's record of an installed module.
type module struct {
	id       engine.ModuleID
	manifest *Manifest
	state    engine.LifecycleState

	// wires maps each imported package to the module it was wired to at resolution time.
	// Wires survive uninstallation of the exporter until the next Refresh.
	wires map[string]engine.ModuleID

	fsys fs.FS
}

// ModuleInfo is a snapshot of a module's registry record.
type ModuleInfo struct {
	ID       engine.ModuleID            `json:"id"`
	Name     string                     `json:"name"`
	Version  string                     `json:"version"`
	State    engine.LifecycleState      `json:"state"`
	Wires    map[string]engine.ModuleID `json:"wires,omitempty"`
	Manifest *Manifest                  `json:"manifest,omitempty"`
}

// Registry is an in-memory module registry driven by manifests. It implements
// engine.ModuleRegistry.
type Registry struct {
	// mu protects the registry state. Listeners are never called while it is held.
	mu sync.RWMutex

	modules map[engine.ModuleID]*module
	byName  map[string]engine.ModuleID
	nextID  engine.ModuleID

	loader    *ManifestLoader
	listeners *xsync.MapOf[engine.LifecycleListener, struct{}]

	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

var _ engine.ModuleRegistry = (*Registry)(nil)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics sink for lifecycle events.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(r *Registry) {
		r.metrics = metrics
	}
}

// WithBaseDir sets the directory relative manifest paths are resolved against.
func WithBaseDir(dir string) Option {
	return func(r *Registry) {
		r.loader.BaseDir = dir
	}
}

// New creates an empty registry. Module IDs start at 1.
func New(opts ...Option) *Registry {
	r := &Registry{
		modules:   make(map[engine.ModuleID]*module),
		byName:    make(map[string]engine.ModuleID),
		nextID:    1,
		loader:    NewManifestLoader(""),
		listeners: xsync.NewMapOf[engine.LifecycleListener, struct{}](),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type installOptions struct {
	id engine.ModuleID
}

// InstallOption configures a single Install call.
type InstallOption func(*installOptions)

// WithModuleID installs the module under a fixed ID, e.g. one restored from a store.
func WithModuleID(id engine.ModuleID) InstallOption {
	return func(o *installOptions) {
		o.id = id
	}
}

// Install adds a module in the INSTALLED state.
func (r *Registry) Install(ctx context.Context, manifest *Manifest, opts ...InstallOption) (engine.ModuleID, error) {
	var o installOptions
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.Lock()
	name := manifest.Metadata.Name
	if existing, ok := r.byName[name]; ok {
		r.mu.Unlock()
		return 0, engine.NewPermanentError(fmt.Sprintf("module %s is already installed", name), nil).
			WithCode(engine.ErrCodeAlreadyExists).
			WithModule(existing).
			WithOperation("install")
	}

	id := o.id
	if id == 0 {
		id = r.nextID
	}
	if _, taken := r.modules[id]; taken {
		r.mu.Unlock()
		return 0, engine.NewPermanentError(fmt.Sprintf("module id %d is in use", id), nil).
			WithCode(engine.ErrCodeAlreadyExists).
			WithOperation("install")
	}
	if id >= r.nextID {
		r.nextID = id + 1
	}

	m := &module{
		id:       id,
		manifest: manifest,
		state:    engine.StateInstalled,
	}
	if manifest.Root != "" {
		m.fsys = os.DirFS(manifest.Root)
	}
	r.modules[id] = m
	r.byName[name] = id
	r.mu.Unlock()

	r.notify([]engine.LifecycleEvent{{Module: id, Type: engine.EventInstalled}})
	return id, nil
}

// InstallFile loads a manifest file and installs it.
func (r *Registry) InstallFile(ctx context.Context, path string, opts ...InstallOption) (engine.ModuleID, error) {
	manifest, err := r.loader.LoadFromFile(path)
	if err != nil {
		return 0, err
	}
	return r.Install(ctx, manifest, opts...)
}

// ScanDirectory installs every *.yaml or *.yml manifest in dir, and every manifest.yaml one
// level below it. Failures are collected; installation continues with the next manifest.
func (r *Registry) ScanDirectory(ctx context.Context, dir string) ([]engine.ModuleID, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var (
		installed []engine.ModuleID
		merr      *multierror.Error
	)
	for _, entry := range entries {
		var path string
		switch {
		case entry.IsDir():
			path = filepath.Join(dir, entry.Name(), "manifest.yaml")
			if _, err := os.Stat(path); err != nil {
				continue
			}
		case strings.HasSuffix(entry.Name(), ".yaml"), strings.HasSuffix(entry.Name(), ".yml"):
			path = filepath.Join(dir, entry.Name())
		default:
			continue
		}

		id, err := r.InstallFile(ctx, path)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		installed = append(installed, id)
	}

	return installed, merr.ErrorOrNil()
}

// Resolve wires every INSTALLED module whose mandatory imports can be satisfied, choosing the
// lowest-ID exporter of each package. Modules that stay INSTALLED are reported in the error.
func (r *Registry) Resolve(ctx context.Context) error {
	r.mu.Lock()
	events, err := r.resolveLocked()
	r.mu.Unlock()

	r.notify(events)
	return err
}

// Start resolves the named module if needed and moves it to ACTIVE.
func (r *Registry) Start(ctx context.Context, name string) error {
	r.mu.Lock()
	m, err := r.lookupLocked(name, "start")
	if err != nil {
		r.mu.Unlock()
		return err
	}

	var events []engine.LifecycleEvent
	if m.state == engine.StateInstalled {
		resolved, _ := r.resolveLocked()
		events = append(events, resolved...)
	}

	switch m.state {
	case engine.StateInstalled:
		err = r.unresolvedError(m).WithOperation("start")
	case engine.StateResolved:
		m.state = engine.StateActive
		events = append(events, engine.LifecycleEvent{Module: m.id, Type: engine.EventStarted})
	}
	r.mu.Unlock()

	r.notify(events)
	return err
}

// Stop moves an ACTIVE module back to RESOLVED. Stopping a module that is not active is a no-op.
func (r *Registry) Stop(ctx context.Context, name string) error {
	r.mu.Lock()
	m, err := r.lookupLocked(name, "stop")
	if err != nil {
		r.mu.Unlock()
		return err
	}

	var events []engine.LifecycleEvent
	if m.state == engine.StateActive {
		events = r.stopLocked(m)
	}
	r.mu.Unlock()

	r.notify(events)
	return nil
}

// Uninstall removes the named module. Modules wired to it keep their wires, and so their
// dependency on it, until Refresh.
func (r *Registry) Uninstall(ctx context.Context, name string) error {
	r.mu.Lock()
	m, err := r.lookupLocked(name, "uninstall")
	if err != nil {
		r.mu.Unlock()
		return err
	}

	var events []engine.LifecycleEvent
	if m.state == engine.StateActive {
		events = append(events, r.stopLocked(m)...)
	}
	if m.state.IsLive() {
		events = append(events, engine.LifecycleEvent{Module: m.id, Type: engine.EventUnresolved})
	}
	m.state = engine.StateUninstalled
	m.wires = nil
	events = append(events, engine.LifecycleEvent{Module: m.id, Type: engine.EventUninstalled})

	delete(r.byName, name)
	if len(r.importersLocked(m.id)) == 0 {
		delete(r.modules, m.id)
	}
	r.mu.Unlock()

	r.notify(events)
	return nil
}

// Refresh drops uninstalled modules still referenced by wires. Every module wired to one of
// them, directly or transitively, is unresolved and then re-resolved; modules that were active
// are restarted.
func (r *Registry) Refresh(ctx context.Context) error {
	r.mu.Lock()

	affected := make(map[engine.ModuleID]bool)
	for id, m := range r.modules {
		if m.state == engine.StateUninstalled {
			affected[id] = true
		}
	}
	for changed := true; changed; {
		changed = false
		for id, m := range r.modules {
			if affected[id] {
				continue
			}
			for _, exporter := range m.wires {
				if affected[exporter] {
					affected[id] = true
					changed = true
					break
				}
			}
		}
	}

	var (
		events     []engine.LifecycleEvent
		wasActive  []engine.ModuleID
		unresolved []engine.ModuleID
	)
	for _, id := range r.sortedIDsLocked() {
		m := r.modules[id]
		if !affected[id] {
			continue
		}
		if m.state == engine.StateUninstalled {
			delete(r.modules, id)
			continue
		}
		if m.state == engine.StateActive {
			events = append(events, r.stopLocked(m)...)
			wasActive = append(wasActive, id)
		}
		if m.state.IsLive() {
			events = append(events, engine.LifecycleEvent{Module: id, Type: engine.EventUnresolved})
			unresolved = append(unresolved, id)
		}
		m.state = engine.StateInstalled
		m.wires = nil
	}

	resolved, err := r.resolveLocked()
	events = append(events, resolved...)

	for _, id := range wasActive {
		if m := r.modules[id]; m.state == engine.StateResolved {
			m.state = engine.StateActive
			events = append(events, engine.LifecycleEvent{Module: id, Type: engine.EventStarted})
		}
	}
	r.mu.Unlock()

	r.logger.Debug().Int("unresolved", len(unresolved)).Msg("Registry refreshed")
	r.notify(events)
	return err
}

// Lookup returns the ID of an installed module by name.
func (r *Registry) Lookup(name string) (engine.ModuleID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	return id, ok
}

// Module returns a snapshot of a module record. Uninstalled modules are visible until Refresh.
func (r *Registry) Module(id engine.ModuleID) (ModuleInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[id]
	if !ok {
		return ModuleInfo{}, false
	}
	return m.info(), true
}

// List returns snapshots of all installed modules in ID order.
func (r *Registry) List() []ModuleInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ModuleInfo, 0, len(r.modules))
	for _, id := range r.sortedIDsLocked() {
		if m := r.modules[id]; m.state != engine.StateUninstalled {
			infos = append(infos, m.info())
		}
	}
	return infos
}

// Modules implements engine.ModuleRegistry.
func (r *Registry) Modules(ctx context.Context) []engine.ModuleID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]engine.ModuleID, 0, len(r.modules))
	for _, id := range r.sortedIDsLocked() {
		if r.modules[id].state != engine.StateUninstalled {
			ids = append(ids, id)
		}
	}
	return ids
}

// ExportedPackages implements engine.ModuleRegistry.
func (r *Registry) ExportedPackages(ctx context.Context, id engine.ModuleID) []engine.ExportedPackage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.modules[id]
	if !ok || m.state == engine.StateUninstalled {
		return nil
	}

	pkgs := make([]engine.ExportedPackage, 0, len(m.manifest.Exports))
	for _, name := range m.manifest.Exports {
		pkg := engine.ExportedPackage{Name: name, Exporter: id}
		for _, importer := range r.sortedIDsLocked() {
			if exporter, wired := r.modules[importer].wires[name]; wired && exporter == id {
				pkg.Importers = append(pkg.Importers, importer)
			}
		}
		pkgs = append(pkgs, pkg)
	}
	return pkgs
}

// ModuleState implements engine.ModuleRegistry.
func (r *Registry) ModuleState(ctx context.Context, id engine.ModuleID) (engine.LifecycleState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.modules[id]
	if !ok || m.state == engine.StateUninstalled {
		return 0, engine.NewInvalidModuleError(id, nil).WithOperation("module_state")
	}
	return m.state, nil
}

// FetchResource implements engine.ModuleRegistry. Entries come from the manifest's resource
// list and from files under the manifest root.
func (r *Registry) FetchResource(ctx context.Context, id engine.ModuleID, name string) (engine.Resource, bool, error) {
	r.mu.RLock()
	m, ok := r.modules[id]
	if !ok || m.state == engine.StateUninstalled {
		r.mu.RUnlock()
		return engine.Resource{}, false, engine.NewInvalidModuleError(id, nil).WithOperation("fetch_resource")
	}
	declared := m.manifest.Resources
	fsys := m.fsys
	r.mu.RUnlock()

	path := strings.TrimPrefix(name, "/")
	for _, entry := range declared {
		if strings.TrimPrefix(entry, "/") == path {
			return engine.Resource{Module: id, Path: path}, true, nil
		}
	}

	if fsys == nil {
		return engine.Resource{}, false, nil
	}

	info, err := fs.Stat(fsys, path)
	switch {
	case err == nil:
		if info.IsDir() {
			return engine.Resource{}, false, nil
		}
		return engine.Resource{Module: id, Path: path}, true, nil
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrInvalid):
		return engine.Resource{}, false, nil
	default:
		return engine.Resource{}, false, engine.NewTransientError("failed to read module entry", err).
			WithCode(engine.ErrCodeResourceFailure).
			WithModule(id).
			WithOperation("fetch_resource")
	}
}

// FetchResources implements engine.ModuleRegistry. A module holds at most one entry per name.
func (r *Registry) FetchResources(ctx context.Context, id engine.ModuleID, name string) ([]engine.Resource, error) {
	res, found, err := r.FetchResource(ctx, id, name)
	if err != nil || !found {
		return nil, err
	}
	return []engine.Resource{res}, nil
}

// Subscribe implements engine.ModuleRegistry.
func (r *Registry) Subscribe(listener engine.LifecycleListener) {
	r.listeners.Store(listener, struct{}{})
}

// Unsubscribe implements engine.ModuleRegistry.
func (r *Registry) Unsubscribe(listener engine.LifecycleListener) {
	r.listeners.Delete(listener)
}

// notify delivers events to every listener in order. Must be called without r.mu held.
func (r *Registry) notify(events []engine.LifecycleEvent) {
	for _, event := range events {
		r.metrics.RecordLifecycleEvent(string(event.Type))
		r.logger.Debug().
			Uint64("module_id", uint64(event.Module)).
			Str("event", string(event.Type)).
			Msg("Lifecycle event")

		r.listeners.Range(func(listener engine.LifecycleListener, _ struct{}) bool {
			listener.ModuleChanged(event)
			return true
		})
	}
}

func (r *Registry) resolveLocked() ([]engine.LifecycleEvent, error) {
	candidates := make(map[engine.ModuleID]bool, len(r.modules))
	for id, m := range r.modules {
		if m.state != engine.StateUninstalled {
			candidates[id] = true
		}
	}

	// Drop installed modules with an unsatisfiable mandatory import until nothing changes.
	for changed := true; changed; {
		changed = false
		for id := range candidates {
			m := r.modules[id]
			if m.state.IsLive() {
				continue
			}
			for _, imp := range m.manifest.Imports {
				if imp.Optional {
					continue
				}
				if _, ok := r.exporterLocked(imp.Package, id, candidates); !ok {
					delete(candidates, id)
					changed = true
					break
				}
			}
		}
	}

	var (
		events []engine.LifecycleEvent
		merr   *multierror.Error
	)
	for _, id := range r.sortedIDsLocked() {
		m := r.modules[id]
		if m.state != engine.StateInstalled {
			continue
		}
		if !candidates[id] {
			merr = multierror.Append(merr, r.unresolvedError(m).WithOperation("resolve"))
			continue
		}

		m.wires = make(map[string]engine.ModuleID, len(m.manifest.Imports))
		for _, imp := range m.manifest.Imports {
			if exporter, ok := r.exporterLocked(imp.Package, id, candidates); ok {
				m.wires[imp.Package] = exporter
			}
		}
		m.state = engine.StateResolved
		events = append(events, engine.LifecycleEvent{Module: id, Type: engine.EventResolved})
	}

	return events, merr.ErrorOrNil()
}

// exporterLocked picks the lowest-ID candidate other than importer exporting pkg, falling back
// to the importer itself.
func (r *Registry) exporterLocked(pkg string, importer engine.ModuleID, candidates map[engine.ModuleID]bool) (engine.ModuleID, bool) {
	self := false
	for _, id := range r.sortedIDsLocked() {
		if !candidates[id] || !slices.Contains(r.modules[id].manifest.Exports, pkg) {
			continue
		}
		if id == importer {
			self = true
			continue
		}
		return id, true
	}
	return importer, self
}

// stopLocked moves an active module to RESOLVED. STOPPING is never observable because the
// transition completes under the lock.
func (r *Registry) stopLocked(m *module) []engine.LifecycleEvent {
	m.state = engine.StateResolved
	return []engine.LifecycleEvent{{Module: m.id, Type: engine.EventStopped}}
}

// importersLocked returns modules other than id holding a wire to id.
func (r *Registry) importersLocked(id engine.ModuleID) []engine.ModuleID {
	var importers []engine.ModuleID
	for _, other := range r.sortedIDsLocked() {
		if other == id {
			continue
		}
		for _, exporter := range r.modules[other].wires {
			if exporter == id {
				importers = append(importers, other)
				break
			}
		}
	}
	return importers
}

func (r *Registry) lookupLocked(name, operation string) (*module, error) {
	id, ok := r.byName[name]
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("module %s not found", name), nil).
			WithCode(engine.ErrCodeNotFound).
			WithOperation(operation)
	}
	return r.modules[id], nil
}

func (r *Registry) unresolvedError(m *module) *engine.RegistryError {
	var missing []string
	for _, imp := range m.manifest.Imports {
		if imp.Optional {
			continue
		}
		if _, ok := r.exporterLocked(imp.Package, m.id, r.liveOrInstalledLocked()); !ok {
			missing = append(missing, imp.Package)
		}
	}
	msg := fmt.Sprintf("module %s cannot be resolved", m.manifest.Key())
	if len(missing) > 0 {
		msg += ": missing " + strings.Join(missing, ", ")
	}
	return engine.NewPermanentError(msg, nil).
		WithCode(engine.ErrCodeUnresolved).
		WithModule(m.id)
}

func (r *Registry) liveOrInstalledLocked() map[engine.ModuleID]bool {
	set := make(map[engine.ModuleID]bool, len(r.modules))
	for id, m := range r.modules {
		if m.state != engine.StateUninstalled {
			set[id] = true
		}
	}
	return set
}

func (r *Registry) sortedIDsLocked() []engine.ModuleID {
	ids := make([]engine.ModuleID, 0, len(r.modules))
	for id := range r.modules {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (m *module) info() ModuleInfo {
	info := ModuleInfo{
		ID:       m.id,
		Name:     m.manifest.Metadata.Name,
		Version:  m.manifest.Metadata.Version,
		State:    m.state,
		Manifest: m.manifest,
	}
	if len(m.wires) > 0 {
		info.Wires = make(map[string]engine.ModuleID, len(m.wires))
		for pkg, exporter := range m.wires {
			info.Wires[pkg] = exporter
		}
	}
	return info
}
