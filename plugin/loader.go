package plugin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/GoCodeAlone/nexus/eventbus"
	"github.com/GoCodeAlone/nexus/store"
)

// DefaultLoadTimeout bounds Init when neither the artifact nor the host
// configures a timeout.
const DefaultLoadTimeout = 10 * time.Second

// DefaultMaxLoadTimeout caps the timeoutSeconds an artifact may ask for.
const DefaultMaxLoadTimeout = 5 * time.Minute

// Artifact is a discovered artifact file.
type Artifact struct {
	ID   string
	Path string
}

// Instance is a successfully initialized module and everything it contributed.
type Instance struct {
	ID       string
	Manifest *Manifest
	Info     ArtifactInfo
	Module   Module
	LoadedAt time.Time

	routes   []route
	views    []view
	admin    *AdminEntry
	frontend *Frontend
	tasks    []task
	events   *Events
}

// Namespace returns the instance's namespace.
func (i *Instance) Namespace() string { return i.Manifest.Namespace }

// Contributions summarizes what the instance contributes.
func (i *Instance) Contributions() Contributions {
	var c Contributions
	for _, r := range i.routes {
		c.Routes = append(c.Routes, RouteInfo{Method: r.method, Path: "/" + i.Namespace() + r.subPath, Tags: r.tags})
	}
	for _, v := range i.views {
		c.Views = append(c.Views, v.name)
	}
	for _, t := range i.tasks {
		c.Tasks = append(c.Tasks, TaskInfo{Name: t.name, Schedule: t.spec})
	}
	if i.admin != nil {
		a := *i.admin
		c.Admin = &a
	}
	if i.frontend != nil {
		f := *i.frontend
		c.Frontend = &f
	}
	return c
}

// Descriptor builds the registry record for an active instance.
func (i *Instance) Descriptor() *Descriptor {
	d := &Descriptor{
		ID:            i.ID,
		Enabled:       true,
		State:         StateActive,
		ArtifactPath:  i.Info.Path,
		Checksum:      i.Info.Checksum,
		LoadedAt:      i.LoadedAt,
		Contributions: i.Contributions(),
	}
	d.applyManifest(i.Manifest)
	return d
}

// Loader turns artifacts into initialized instances. It never touches host
// surfaces; a failed load leaves nothing behind.
type Loader struct {
	dir        string
	catalog    *Catalog
	bus        eventbus.Bus
	db         *store.DB
	sqlDBs     *store.ModuleDatabases
	timeout    time.Duration
	maxTimeout time.Duration
	logger     *slog.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithEventBus sets the bus behind each module's Events handle.
func WithEventBus(bus eventbus.Bus) LoaderOption { return func(l *Loader) { l.bus = bus } }

// WithDatabase sets the database behind each module's Store handle.
func WithDatabase(db *store.DB) LoaderOption { return func(l *Loader) { l.db = db } }

// WithModuleDatabases sets the private databases behind each module's SQL
// operations.
func WithModuleDatabases(m *store.ModuleDatabases) LoaderOption {
	return func(l *Loader) { l.sqlDBs = m }
}

// WithMaxLoadTimeout caps the Init timeout an artifact may request.
func WithMaxLoadTimeout(d time.Duration) LoaderOption { return func(l *Loader) { l.maxTimeout = d } }

// WithLoadTimeout sets the default Init timeout.
func WithLoadTimeout(d time.Duration) LoaderOption { return func(l *Loader) { l.timeout = d } }

// WithLoaderLogger sets the logger handed to modules and used by the loader.
func WithLoaderLogger(logger *slog.Logger) LoaderOption { return func(l *Loader) { l.logger = logger } }

// NewLoader creates a Loader reading artifacts from dir and resolving
// entrypoints in catalog.
func NewLoader(dir string, catalog *Catalog, opts ...LoaderOption) *Loader {
	l := &Loader{
		dir:        dir,
		catalog:    catalog,
		timeout:    DefaultLoadTimeout,
		maxTimeout: DefaultMaxLoadTimeout,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.maxTimeout <= 0 {
		l.maxTimeout = DefaultMaxLoadTimeout
	}
	if l.catalog == nil {
		l.catalog = DefaultCatalog()
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Dir returns the discovery directory.
func (l *Loader) Dir() string { return l.dir }

// Catalog returns the entrypoint catalog.
func (l *Loader) Catalog() *Catalog { return l.catalog }

// Discover lists artifacts in the discovery directory sorted by id, creating
// the directory when missing. When both suffixes exist for one id, the
// .plugin.yaml file wins.
func (l *Loader) Discover() ([]Artifact, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create plugins dir: %w", err)
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read plugins dir: %w", err)
	}
	byID := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, ok := IDFromFilename(e.Name())
		if !ok {
			continue
		}
		if prev, seen := byID[id]; seen && filepath.Ext(prev) == ".yaml" {
			continue
		}
		byID[id] = filepath.Join(l.dir, e.Name())
	}
	out := make([]Artifact, 0, len(byID))
	for id, p := range byID {
		out = append(out, Artifact{ID: id, Path: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Find returns the artifact for id, if one exists on disk.
func (l *Loader) Find(id string) (Artifact, bool) {
	for _, suffix := range []string{ArtifactSuffix, ArtifactSuffixAlt} {
		p := filepath.Join(l.dir, id+suffix)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return Artifact{ID: id, Path: p}, true
		}
	}
	return Artifact{}, false
}

// Validate checks artifact content for id without initializing anything:
// manifest parse and validation plus a known entrypoint.
func (l *Loader) Validate(id string, data []byte) (*Manifest, error) {
	if !ValidID(id) {
		return nil, newError(ErrArtifactUnreadable, id, fmt.Errorf("invalid module id %q", id))
	}
	m, err := ParseManifest(id, data)
	if err != nil {
		return nil, newError(ErrArtifactUnreadable, id, err)
	}
	if _, ok := l.catalog.Lookup(m.Entrypoint); !ok {
		return nil, newError(ErrArtifactUnreadable, id, fmt.Errorf("unknown entrypoint %q", m.Entrypoint))
	}
	return m, nil
}

// Inspect reads and validates an artifact without initializing it.
func (l *Loader) Inspect(a Artifact) (*Manifest, ArtifactInfo, error) {
	data, info, err := readArtifact(a)
	if err != nil {
		return nil, info, newError(ErrArtifactUnreadable, a.ID, err)
	}
	m, err := l.Validate(a.ID, data)
	return m, info, err
}

// Load reads, validates and initializes the module behind a. On failure all
// event subscriptions made during Init are cancelled and nothing else needs
// undoing.
func (l *Loader) Load(ctx context.Context, a Artifact) (*Instance, error) {
	m, info, err := l.Inspect(a)
	if err != nil {
		return nil, err
	}
	return l.Initialize(ctx, m, info)
}

// initTimeout is the artifact's timeoutSeconds, capped at the maximum, or
// the loader default.
func (l *Loader) initTimeout(m *Manifest) time.Duration {
	if m.TimeoutSeconds <= 0 {
		return l.timeout
	}
	if int64(m.TimeoutSeconds) >= int64(l.maxTimeout/time.Second) {
		return l.maxTimeout
	}
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// releaseStore closes the module's private SQL connection.
func (l *Loader) releaseStore(id string) {
	if err := l.sqlDBs.Release(id); err != nil {
		l.logger.Warn("Failed to close module database", "module", id, "error", err)
	}
}

// Initialize builds and initializes the module described by an inspected
// manifest.
func (l *Loader) Initialize(ctx context.Context, m *Manifest, info ArtifactInfo) (*Instance, error) {
	a := Artifact{ID: info.ID, Path: info.Path}
	factory, ok := l.catalog.Lookup(m.Entrypoint)
	if !ok {
		return nil, newError(ErrArtifactUnreadable, a.ID, fmt.Errorf("unknown entrypoint %q", m.Entrypoint))
	}

	logger := l.logger.With("module", a.ID)
	env := Env{Logger: logger, Artifact: info, Config: cloneConfig(m.Config)}
	mod, err := callFactory(factory, env)
	if err != nil {
		return nil, newError(ErrInitializationFailed, a.ID, err)
	}

	mount := newMount(m.Namespace)
	events := newEvents(l.bus, a.ID)
	caps := Capabilities{Mount: mount, Events: events, Store: store.ForModule(l.db, l.sqlDBs, a.ID)}

	err = runInit(ctx, mod, caps, l.initTimeout(m))
	mount.seal()
	if err != nil {
		events.release()
		return nil, newError(ErrInitializationFailed, a.ID, err)
	}

	inst := &Instance{
		ID:       a.ID,
		Manifest: m,
		Info:     info,
		Module:   mod,
		LoadedAt: time.Now().UTC(),
		routes:   mount.routes,
		admin:    mount.admin,
		tasks:    mount.tasks,
		events:   events,
	}
	if err := mergeDeclared(inst, mount.views); err != nil {
		events.release()
		return nil, newError(ErrContributionConflict, a.ID, err)
	}
	logger.Debug("Module initialized", "routes", len(inst.routes), "views", len(inst.views), "tasks", len(inst.tasks))
	return inst, nil
}

// mergeDeclared combines the views, admin entry and frontend declared in the
// manifest with those recorded during Init.
func mergeDeclared(inst *Instance, recorded []view) error {
	m := inst.Manifest
	seen := make(map[string]bool)
	names := make([]string, 0, len(m.Views))
	for name := range m.Views {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		seen[name] = true
		inst.views = append(inst.views, view{name: name, source: m.Views[name]})
	}
	for _, v := range recorded {
		if seen[v.name] {
			return fmt.Errorf("view %q contributed twice", v.name)
		}
		seen[v.name] = true
		inst.views = append(inst.views, v)
	}
	if inst.admin == nil && m.Admin != nil {
		a := *m.Admin
		inst.admin = &a
	}
	if inst.admin != nil {
		inst.admin.ModuleID = inst.ID
	}
	if m.Frontend != nil && (m.Frontend.CSS != "" || m.Frontend.JS != "") {
		f := *m.Frontend
		inst.frontend = &f
	}
	return nil
}

func readArtifact(a Artifact) ([]byte, ArtifactInfo, error) {
	info := ArtifactInfo{ID: a.ID, Path: a.Path}
	st, err := os.Stat(a.Path)
	if err != nil {
		return nil, info, err
	}
	if !st.Mode().IsRegular() {
		return nil, info, fmt.Errorf("%s is not a regular file", a.Path)
	}
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return nil, info, err
	}
	sum := sha256.Sum256(data)
	info.Size = int64(len(data))
	info.ModTime = st.ModTime().UTC()
	info.Checksum = hex.EncodeToString(sum[:])
	return data, info, nil
}

func callFactory(f Factory, env Env) (mod Module, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("factory panic: %v", r)
		}
	}()
	mod, err = f(env)
	if err == nil && mod == nil {
		err = errors.New("factory returned no module")
	}
	return mod, err
}

// runInit calls Init on its own goroutine so a module that ignores ctx still
// cannot hold the caller past timeout.
func runInit(ctx context.Context, mod Module, caps Capabilities, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("init panic: %v", r)
			}
		}()
		done <- mod.Init(ctx, caps)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("init did not complete within %s: %w", timeout, ctx.Err())
	}
}

// teardown releases the instance's event subscriptions and runs the module's
// Teardown under timeout.
func (i *Instance) teardown(ctx context.Context, timeout time.Duration) error {
	i.events.release()
	td, ok := i.Module.(Teardowner)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("teardown panic: %v", r)
			}
		}()
		done <- td.Teardown(ctx)
	}()
	select {
	case err := <-done:
		if err != nil {
			return newError(ErrTeardownFailed, i.ID, err)
		}
		return nil
	case <-ctx.Done():
		return newError(ErrTeardownFailed, i.ID, fmt.Errorf("teardown did not complete within %s", timeout))
	}
}
