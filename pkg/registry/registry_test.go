package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/openfroyo/metahook/pkg/engine"
)

type recorder struct {
	mu     sync.Mutex
	events []engine.LifecycleEvent
}

func (r *recorder) ModuleChanged(event engine.LifecycleEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) take() []engine.LifecycleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

func manifest(name string, exports []string, imports ...string) *Manifest {
	m := &Manifest{
		Metadata: Metadata{Name: name, Version: "1.0.0"},
		Exports:  exports,
	}
	for _, pkg := range imports {
		m.Imports = append(m.Imports, Import{Package: pkg})
	}
	return m
}

func mustInstall(t *testing.T, r *Registry, m *Manifest) engine.ModuleID {
	t.Helper()
	id, err := r.Install(context.Background(), m)
	if err != nil {
		t.Fatalf("Install(%s) error = %v", m.Metadata.Name, err)
	}
	return id
}

func state(t *testing.T, r *Registry, id engine.ModuleID) engine.LifecycleState {
	t.Helper()
	s, err := r.ModuleState(context.Background(), id)
	if err != nil {
		t.Fatalf("ModuleState(%d) error = %v", id, err)
	}
	return s
}

func TestInstallAssignsSequentialIDs(t *testing.T) {
	r := New()
	rec := &recorder{}
	r.Subscribe(rec)

	a := mustInstall(t, r, manifest("a", nil))
	b := mustInstall(t, r, manifest("b", nil))
	if a != 1 || b != 2 {
		t.Errorf("ids = %d, %d; want 1, 2", a, b)
	}

	_, err := r.Install(context.Background(), manifest("a", nil))
	var regErr *engine.RegistryError
	if !errors.As(err, &regErr) || regErr.Code != engine.ErrCodeAlreadyExists {
		t.Errorf("duplicate Install error = %v", err)
	}

	c, err := r.Install(context.Background(), manifest("c", nil), WithModuleID(10))
	if err != nil || c != 10 {
		t.Fatalf("Install with id = %d, %v", c, err)
	}
	if d := mustInstall(t, r, manifest("d", nil)); d != 11 {
		t.Errorf("next id = %d, want 11", d)
	}
	if _, err := r.Install(context.Background(), manifest("e", nil), WithModuleID(a)); err == nil {
		t.Error("Install reused a taken id")
	}

	events := rec.take()
	if len(events) != 4 || events[0] != (engine.LifecycleEvent{Module: a, Type: engine.EventInstalled}) {
		t.Errorf("events = %v", events)
	}
}

func TestResolveWiresLowestExporter(t *testing.T) {
	ctx := context.Background()
	r := New()
	a := mustInstall(t, r, manifest("a", nil, "pkg1"))
	b := mustInstall(t, r, manifest("b", []string{"pkg1"}, "pkg2"))
	c := mustInstall(t, r, manifest("c", []string{"pkg2"}))
	d := mustInstall(t, r, manifest("d", []string{"pkg1"}))

	if err := r.Resolve(ctx); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	for _, id := range []engine.ModuleID{a, b, c, d} {
		if s := state(t, r, id); s != engine.StateResolved {
			t.Errorf("module %d state = %s", id, s)
		}
	}

	pkgs := r.ExportedPackages(ctx, b)
	if len(pkgs) != 1 || !slices.Equal(pkgs[0].Importers, []engine.ModuleID{a}) {
		t.Errorf("ExportedPackages(b) = %+v", pkgs)
	}
	if pkgs := r.ExportedPackages(ctx, d); len(pkgs) != 1 || len(pkgs[0].Importers) != 0 {
		t.Errorf("ExportedPackages(d) = %+v, want no importers", pkgs)
	}
	if pkgs := r.ExportedPackages(ctx, c); !slices.Equal(pkgs[0].Importers, []engine.ModuleID{b}) {
		t.Errorf("ExportedPackages(c) = %+v", pkgs)
	}
}

func TestResolveReportsUnsatisfiedImports(t *testing.T) {
	ctx := context.Background()
	r := New()
	a := mustInstall(t, r, manifest("a", []string{"pkg1"}, "missing"))
	b := mustInstall(t, r, manifest("b", nil, "pkg1"))
	opt := manifest("opt", nil)
	opt.Imports = []Import{{Package: "missing", Optional: true}}
	o := mustInstall(t, r, opt)

	err := r.Resolve(ctx)
	if err == nil {
		t.Fatal("Resolve() succeeded with a missing import")
	}
	if !engine.IsPermanent(err) {
		t.Errorf("error %v is not permanent", err)
	}
	if s := state(t, r, a); s != engine.StateInstalled {
		t.Errorf("a state = %s", s)
	}
	if s := state(t, r, b); s != engine.StateInstalled {
		t.Errorf("b state = %s, its only exporter is unresolvable", s)
	}
	if s := state(t, r, o); s != engine.StateResolved {
		t.Errorf("optional importer state = %s", s)
	}
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	r := New()
	rec := &recorder{}
	r.Subscribe(rec)
	a := mustInstall(t, r, manifest("a", nil))
	mustInstall(t, r, manifest("b", nil, "nope"))
	rec.take()

	if err := r.Start(ctx, "a"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if s := state(t, r, a); s != engine.StateActive {
		t.Errorf("state = %s, want ACTIVE", s)
	}
	if err := r.Stop(ctx, "a"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := r.Stop(ctx, "a"); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}

	want := []engine.LifecycleEvent{
		{Module: a, Type: engine.EventResolved},
		{Module: a, Type: engine.EventStarted},
		{Module: a, Type: engine.EventStopped},
	}
	if got := rec.take(); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}

	var regErr *engine.RegistryError
	if err := r.Start(ctx, "b"); !errors.As(err, &regErr) || regErr.Code != engine.ErrCodeUnresolved {
		t.Errorf("Start(b) error = %v", err)
	}
	if err := r.Start(ctx, "zzz"); !errors.As(err, &regErr) || regErr.Code != engine.ErrCodeNotFound {
		t.Errorf("Start(unknown) error = %v", err)
	}
}

func TestUninstallLeavesStaleWiresUntilRefresh(t *testing.T) {
	ctx := context.Background()
	r := New()
	rec := &recorder{}
	a := mustInstall(t, r, manifest("a", nil, "pkg1"))
	b := mustInstall(t, r, manifest("b", []string{"pkg1"}))
	mustInstall(t, r, manifest("b2", []string{"pkg1"}))
	if err := r.Start(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	r.Subscribe(rec)

	if err := r.Uninstall(ctx, "b"); err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
	want := []engine.LifecycleEvent{
		{Module: b, Type: engine.EventStopped},
		{Module: b, Type: engine.EventUnresolved},
		{Module: b, Type: engine.EventUninstalled},
	}
	if got := rec.take(); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}

	if _, err := r.ModuleState(ctx, b); !engine.IsInvalidModule(err) {
		t.Errorf("ModuleState(uninstalled) error = %v", err)
	}
	if _, _, err := r.FetchResource(ctx, b, "META-INF/x"); !engine.IsInvalidModule(err) {
		t.Errorf("FetchResource(uninstalled) error = %v", err)
	}
	if slices.Contains(r.Modules(ctx), b) {
		t.Error("Modules() lists an uninstalled module")
	}
	if info, ok := r.Module(a); !ok || info.Wires["pkg1"] != b {
		t.Errorf("a wires = %v, want stale wire to %d", info.Wires, b)
	}
	if s := state(t, r, a); s != engine.StateActive {
		t.Errorf("a state = %s", s)
	}

	if err := r.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	want = []engine.LifecycleEvent{
		{Module: a, Type: engine.EventStopped},
		{Module: a, Type: engine.EventUnresolved},
		{Module: a, Type: engine.EventResolved},
		{Module: a, Type: engine.EventStarted},
	}
	if got := rec.take(); !slices.Equal(got, want) {
		t.Errorf("refresh events = %v, want %v", got, want)
	}
	if info, _ := r.Module(a); info.Wires["pkg1"] != 3 {
		t.Errorf("a rewired to %v, want 3", info.Wires)
	}
	if _, ok := r.Module(b); ok {
		t.Error("uninstalled module survived Refresh")
	}
}

func TestUnreferencedUninstallIsDroppedImmediately(t *testing.T) {
	ctx := context.Background()
	r := New()
	a := mustInstall(t, r, manifest("a", nil))

	if err := r.Uninstall(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Module(a); ok {
		t.Error("module without importers kept after Uninstall")
	}
	if _, ok := r.Lookup("a"); ok {
		t.Error("Lookup found an uninstalled module")
	}
	if err := r.Uninstall(ctx, "a"); err == nil {
		t.Error("second Uninstall succeeded")
	}
}

func TestFetchResource(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "META-INF", "services"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "META-INF", "services", "X"), []byte("impl"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := New()
	m := manifest("a", nil)
	m.Root = root
	m.Resources = []string{"/META-INF/declared.txt"}
	a := mustInstall(t, r, m)

	tests := []struct {
		name  string
		found bool
	}{
		{name: "META-INF/services/X", found: true},
		{name: "/META-INF/services/X", found: true},
		{name: "META-INF/declared.txt", found: true},
		{name: "META-INF/services", found: false},
		{name: "META-INF/services/Y", found: false},
		{name: "../escape", found: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, found, err := r.FetchResource(ctx, a, tt.name)
			if err != nil {
				t.Fatalf("FetchResource() error = %v", err)
			}
			if found != tt.found {
				t.Fatalf("found = %v, want %v", found, tt.found)
			}
			if found && (res.Module != a || res.Path[0] == '/') {
				t.Errorf("resource = %+v", res)
			}
			all, err := r.FetchResources(ctx, a, tt.name)
			if err != nil || len(all) != map[bool]int{true: 1, false: 0}[tt.found] {
				t.Errorf("FetchResources() = %v, %v", all, err)
			}
		})
	}
}

func TestScanDirectory(t *testing.T) {
	dir := t.TempDir()
	write := func(path, data string) {
		t.Helper()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write(filepath.Join(dir, "a.yaml"), "metadata: {name: a, version: '1'}\n")
	write(filepath.Join(dir, "b", "manifest.yaml"), "metadata: {name: b, version: '1'}\n")
	write(filepath.Join(dir, "broken.yml"), "metadata: {version: '1'}\n")
	write(filepath.Join(dir, "notes.txt"), "ignored")

	r := New()
	ids, err := r.ScanDirectory(context.Background(), dir)
	if err == nil {
		t.Error("ScanDirectory() ignored the broken manifest")
	}
	if len(ids) != 2 {
		t.Errorf("installed %v, want 2 modules", ids)
	}
	if _, ok := r.Lookup("b"); !ok {
		t.Error("subdirectory manifest not installed")
	}
}

func TestUnsubscribe(t *testing.T) {
	r := New()
	rec := &recorder{}
	r.Subscribe(rec)
	r.Subscribe(rec)
	mustInstall(t, r, manifest("a", nil))
	r.Unsubscribe(rec)
	mustInstall(t, r, manifest("b", nil))

	if got := rec.take(); len(got) != 1 {
		t.Errorf("events = %v, want exactly one", got)
	}
}
