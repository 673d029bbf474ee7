package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/nexus/eventbus"
	"github.com/GoCodeAlone/nexus/observability/tracing"
	"github.com/GoCodeAlone/nexus/store"
)

// Lifecycle event topics published by the manager.
const (
	TopicLoaded       = "module.loaded"
	TopicReloadFailed = "module.reload.failed"
	TopicUninstalled  = "module.uninstalled"
	TopicDisabled     = "module.disabled"
	TopicUploaded     = "module.uploaded"
)

// EventSource is the source recorded on host lifecycle events.
const EventSource = "host"

// DefaultTeardownTimeout bounds a module's Teardown.
const DefaultTeardownTimeout = 5 * time.Second

// Summary reports the outcome of LoadAll.
type Summary struct {
	Active   int               `json:"active"`
	Failed   int               `json:"failed"`
	Disabled int               `json:"disabled"`
	Failures map[string]string `json:"failures,omitempty"`
}

// Manager orchestrates module lifecycles. Operations on one id are strictly
// ordered by a per-id lock; changes to the registry and binder happen inside
// one manager-wide critical section so dispatch never observes a partial
// state. Loading runs outside that section, so a slow module does not block
// others.
type Manager struct {
	loader   *Loader
	binder   *Binder
	registry *Registry
	states   *store.StateStore
	bus      eventbus.Bus
	tracer   *tracing.LifecycleTracer
	metrics  *Metrics
	logger   *slog.Logger

	teardownTimeout time.Duration
	concurrency     int

	mu        sync.Mutex
	instances map[string]*Instance

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithStateStore persists enabled flags and lifecycle state.
func WithStateStore(s *store.StateStore) ManagerOption { return func(m *Manager) { m.states = s } }

// WithLifecycleBus overrides the bus lifecycle events are published on. It
// defaults to the loader's bus.
func WithLifecycleBus(bus eventbus.Bus) ManagerOption { return func(m *Manager) { m.bus = bus } }

// WithTracer records lifecycle spans.
func WithTracer(t *tracing.LifecycleTracer) ManagerOption { return func(m *Manager) { m.tracer = t } }

// WithMetrics records lifecycle metrics.
func WithMetrics(metrics *Metrics) ManagerOption { return func(m *Manager) { m.metrics = metrics } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption { return func(m *Manager) { m.logger = l } }

// WithTeardownTimeout bounds module teardown.
func WithTeardownTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.teardownTimeout = d }
}

// WithLoadConcurrency bounds concurrent loads in LoadAll.
func WithLoadConcurrency(n int) ManagerOption { return func(m *Manager) { m.concurrency = n } }

// NewManager creates a Manager.
func NewManager(loader *Loader, binder *Binder, opts ...ManagerOption) *Manager {
	m := &Manager{
		loader:          loader,
		binder:          binder,
		registry:        NewRegistry(),
		bus:             loader.bus,
		logger:          slog.Default(),
		teardownTimeout: DefaultTeardownTimeout,
		concurrency:     4,
		instances:       make(map[string]*Instance),
		locks:           make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.tracer == nil {
		m.tracer = tracing.NewLifecycleTracer(nil)
	}
	if m.concurrency < 1 {
		m.concurrency = 1
	}
	return m
}

// Loader returns the artifact loader.
func (m *Manager) Loader() *Loader { return m.loader }

// Binder returns the contribution binder.
func (m *Manager) Binder() *Binder { return m.binder }

// Bus returns the bus lifecycle events are published on, or nil.
func (m *Manager) Bus() eventbus.Bus { return m.bus }

// Lookup returns a copy of id's descriptor.
func (m *Manager) Lookup(id string) (*Descriptor, bool) { return m.registry.Lookup(id) }

// List returns copies of all descriptors in registration order.
func (m *Manager) List() []*Descriptor { return m.registry.List() }

func (m *Manager) lockID(id string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

type loadOutcome struct {
	artifact Artifact
	manifest *Manifest
	info     ArtifactInfo
	inst     *Instance
	disabled bool
	known    bool
	err      error
	took     time.Duration
}

// LoadAll discovers every artifact, loads them concurrently and mounts the
// successful ones one at a time. One module's failure never prevents the
// others from activating. Ids that are already registered are reloaded.
func (m *Manager) LoadAll(ctx context.Context) (Summary, error) {
	arts, err := m.loader.Discover()
	if err != nil {
		return Summary{}, err
	}

	outcomes := make([]loadOutcome, len(arts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, a := range arts {
		outcomes[i].artifact = a
		if _, known := m.registry.Lookup(a.ID); known {
			outcomes[i].known = true
			continue
		}
		g.Go(func() error {
			o := &outcomes[i]
			start := time.Now()
			o.manifest, o.info, o.err = m.loader.Inspect(a)
			if o.err == nil && !m.enabledFor(gctx, a.ID, o.manifest) {
				o.disabled = true
				return nil
			}
			if o.err == nil {
				o.inst, o.err = m.loader.Initialize(gctx, o.manifest, o.info)
			}
			o.took = time.Since(start)
			return nil
		})
	}
	_ = g.Wait()

	sum := Summary{Failures: make(map[string]string)}
	for i := range outcomes {
		desc, err := m.settle(ctx, &outcomes[i])
		switch {
		case err != nil:
			sum.Failed++
			sum.Failures[outcomes[i].artifact.ID] = err.Error()
		case desc.State == StateDisabled:
			sum.Disabled++
		default:
			sum.Active++
		}
	}
	m.logger.Info("Modules loaded", "active", sum.Active, "failed", sum.Failed, "disabled", sum.Disabled)
	return sum, nil
}

// settle finishes one LoadAll outcome under the module's id lock.
func (m *Manager) settle(ctx context.Context, o *loadOutcome) (desc *Descriptor, err error) {
	id := o.artifact.ID
	m.locked(ctx, id, func(ob *outbox) { desc, err = m.settleLocked(ctx, o, ob) })
	return desc, err
}

func (m *Manager) settleLocked(ctx context.Context, o *loadOutcome, ob *outbox) (*Descriptor, error) {
	id := o.artifact.ID
	if o.known {
		return m.reloadLocked(ctx, id, ob)
	}
	if _, taken := m.registry.Lookup(id); taken {
		// A concurrent Reload or upload handled this id first.
		if o.inst != nil {
			m.teardown(ctx, o.inst)
		}
		desc, _ := m.registry.Lookup(id)
		return desc, errorFromDescriptor(desc)
	}

	ctx, span := m.tracer.Start(ctx, "load", id)
	err := o.err
	var desc *Descriptor
	switch {
	case err == nil && o.disabled:
		desc = m.disabledDescriptor(id, o.artifact, o.manifest, o.info)
		m.registry.Register(desc)
	case err == nil:
		if err = m.attach(o.inst); err != nil {
			m.teardown(ctx, o.inst)
		}
	}
	if !o.disabled {
		m.metrics.observeLoad(err, o.took)
	}
	if err != nil {
		desc = m.failedDescriptor(id, o.artifact, o.manifest, nil, err)
		m.registry.Register(desc)
		m.logger.Warn("Module failed to load", "module", id, "kind", KindOf(err), "error", err)
	} else if desc == nil {
		desc = o.inst.Descriptor()
		m.logger.Info("Module active", "module", id, "routes", len(desc.Contributions.Routes))
	}
	m.tracer.End(span, err)
	m.persist(ctx, desc)
	if err == nil && desc.State == StateActive {
		ob.add(TopicLoaded, id, "loaded")
	}
	return desc, err
}

// Reload replaces id with a fresh load of its artifact. Old contributions
// are withdrawn before the new instance loads; when the load or mount fails
// the module is left failed with no contributions. An id with an artifact on
// disk but no registry entry is loaded fresh.
func (m *Manager) Reload(ctx context.Context, id string) (*Descriptor, error) {
	if !ValidID(id) {
		return nil, newError(ErrModuleNotFound, id, nil)
	}
	var (
		desc *Descriptor
		err  error
	)
	m.locked(ctx, id, func(ob *outbox) { desc, err = m.reloadLocked(ctx, id, ob) })
	return desc, err
}

func (m *Manager) reloadLocked(ctx context.Context, id string, ob *outbox) (desc *Descriptor, err error) {
	ctx, span := m.tracer.Start(ctx, "reload", id)
	defer func() { m.tracer.End(span, err) }()

	prev, known := m.registry.Lookup(id)
	art, onDisk := m.loader.Find(id)
	if !known && !onDisk {
		return nil, newError(ErrModuleNotFound, id, nil)
	}
	if known && prev.State == StateDisabled {
		return m.refreshDisabled(prev, art, onDisk), nil
	}

	old := m.detach(id, known)
	if old != nil {
		m.teardown(ctx, old)
	}

	if !onDisk {
		err = newError(ErrArtifactUnreadable, id, errors.New("artifact not found"))
		return m.reloadFailed(ctx, id, art, nil, prev, err, ob), err
	}

	start := time.Now()
	manifest, info, err := m.loader.Inspect(art)
	if err == nil && !known && !m.enabledFor(ctx, id, manifest) {
		desc = m.disabledDescriptor(id, art, manifest, info)
		m.registry.Register(desc)
		m.persist(ctx, desc)
		return desc, nil
	}
	var inst *Instance
	if err == nil {
		inst, err = m.loader.Initialize(ctx, manifest, info)
	}
	if err == nil {
		if err = m.attach(inst); err != nil {
			m.teardown(ctx, inst)
		}
	}
	m.metrics.observeLoad(err, time.Since(start))
	if err != nil {
		return m.reloadFailed(ctx, id, art, manifest, prev, err, ob), err
	}

	m.metrics.observeReload(nil)
	desc = inst.Descriptor()
	m.persist(ctx, desc)
	m.logger.Info("Module reloaded", "module", id, "checksum", desc.Checksum)
	ob.add(TopicLoaded, id, "reloaded")
	return desc, nil
}

func (m *Manager) reloadFailed(ctx context.Context, id string, art Artifact, manifest *Manifest, prev *Descriptor, err error, ob *outbox) *Descriptor {
	desc := m.failedDescriptor(id, art, manifest, prev, err)
	m.registry.Register(desc)
	m.metrics.observeReload(err)
	m.persist(ctx, desc)
	m.logger.Warn("Module reload failed", "module", id, "kind", KindOf(err), "error", err)
	ob.add(TopicReloadFailed, id, err.Error())
	return desc
}

// refreshDisabled updates a disabled module's metadata from its artifact
// without initializing it.
func (m *Manager) refreshDisabled(prev *Descriptor, art Artifact, onDisk bool) *Descriptor {
	if !onDisk {
		return prev
	}
	if manifest, info, err := m.loader.Inspect(art); err == nil {
		prev.applyManifest(manifest)
		prev.ArtifactPath = info.Path
		prev.Checksum = info.Checksum
		m.registry.Register(prev)
	}
	return prev
}

// Uninstall removes id completely: contributions, registry entry, artifact
// file and persisted state. It succeeds when id is already gone.
func (m *Manager) Uninstall(ctx context.Context, id string) (err error) {
	if !ValidID(id) {
		return nil
	}
	ctx, span := m.tracer.Start(ctx, "uninstall", id)
	defer func() { m.tracer.End(span, err) }()
	m.locked(ctx, id, func(ob *outbox) { err = m.remove(ctx, id, true, ob) })
	return err
}

// Unload removes id from the runtime but leaves its artifact on disk. The
// artifact watcher calls it after the file has already gone.
func (m *Manager) Unload(ctx context.Context, id string) (err error) {
	if !ValidID(id) {
		return nil
	}
	m.locked(ctx, id, func(ob *outbox) { err = m.remove(ctx, id, false, ob) })
	return err
}

func (m *Manager) remove(ctx context.Context, id string, removeFile bool, ob *outbox) error {
	prev, known := m.registry.Lookup(id)

	m.mu.Lock()
	inst := m.instances[id]
	delete(m.instances, id)
	m.binder.Unmount(id)
	m.registry.Remove(id)
	m.metrics.setActive(m.registry.CountState(StateActive))
	m.mu.Unlock()

	if inst != nil {
		m.teardown(ctx, inst)
	}
	m.loader.releaseStore(id)
	if known {
		if err := m.binder.PurgeViews(prev.Namespace); err != nil {
			m.logger.Warn("Failed to remove views", "module", id, "error", err)
		}
	}

	var errs []error
	removedFile := false
	if removeFile {
		for _, suffix := range []string{ArtifactSuffix, ArtifactSuffixAlt} {
			err := os.Remove(filepath.Join(m.loader.Dir(), id+suffix))
			switch {
			case err == nil:
				removedFile = true
			case !errors.Is(err, os.ErrNotExist):
				errs = append(errs, fmt.Errorf("remove artifact: %w", err))
			}
		}
	}
	if m.states != nil {
		if err := m.states.Delete(ctx, id); err != nil {
			m.logger.Warn("Failed to delete module state", "module", id, "error", err)
		}
	}

	if known || removedFile {
		m.metrics.observeUninstall()
		m.logger.Info("Module uninstalled", "module", id, "artifactRemoved", removedFile)
		ob.add(TopicUninstalled, id, "uninstalled")
	}
	return errors.Join(errs...)
}

// Disable withdraws id's contributions and keeps it registered as disabled.
// The flag is persisted so the module stays disabled across restarts.
func (m *Manager) Disable(ctx context.Context, id string) (desc *Descriptor, err error) {
	m.locked(ctx, id, func(ob *outbox) { desc, err = m.disableLocked(ctx, id, ob) })
	return desc, err
}

func (m *Manager) disableLocked(ctx context.Context, id string, ob *outbox) (*Descriptor, error) {
	desc, ok := m.registry.Lookup(id)
	if !ok {
		return nil, newError(ErrModuleNotFound, id, nil)
	}
	if desc.State == StateDisabled {
		return desc, nil
	}

	m.mu.Lock()
	inst := m.instances[id]
	delete(m.instances, id)
	m.binder.Unmount(id)
	desc.State = StateDisabled
	desc.Enabled = false
	desc.LastError = ""
	desc.ErrorKind = ""
	desc.Contributions = Contributions{}
	m.registry.Register(desc)
	m.metrics.setActive(m.registry.CountState(StateActive))
	m.mu.Unlock()

	if inst != nil {
		m.teardown(ctx, inst)
	}
	m.persist(ctx, desc)
	m.logger.Info("Module disabled", "module", id)
	ob.add(TopicDisabled, id, "disabled")
	return desc, nil
}

// Enable reactivates a disabled module by loading its artifact.
func (m *Manager) Enable(ctx context.Context, id string) (desc *Descriptor, err error) {
	m.locked(ctx, id, func(ob *outbox) { desc, err = m.enableLocked(ctx, id, ob) })
	return desc, err
}

func (m *Manager) enableLocked(ctx context.Context, id string, ob *outbox) (*Descriptor, error) {
	desc, ok := m.registry.Lookup(id)
	if !ok {
		return nil, newError(ErrModuleNotFound, id, nil)
	}
	if desc.State != StateDisabled {
		return desc, nil
	}
	desc.State = StateDiscovered
	desc.Enabled = true
	m.registry.Register(desc)
	m.persist(ctx, desc)
	return m.reloadLocked(ctx, id, ob)
}

// Shutdown tears down every active module.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	insts := make([]*Instance, 0, len(m.instances))
	for id, inst := range m.instances {
		insts = append(insts, inst)
		delete(m.instances, id)
	}
	m.binder.Close(ctx)
	m.mu.Unlock()

	for _, inst := range insts {
		m.teardown(ctx, inst)
	}
}

// attach mounts inst and records it as active in one critical section.
func (m *Manager) attach(inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.binder.Mount(inst); err != nil {
		return err
	}
	m.instances[inst.ID] = inst
	m.registry.Register(inst.Descriptor())
	m.metrics.setActive(m.registry.CountState(StateActive))
	return nil
}

// detach unmounts id and, when it is registered, marks it reloading.
func (m *Manager) detach(id string, known bool) *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst := m.instances[id]
	delete(m.instances, id)
	m.binder.Unmount(id)
	if known {
		if d, ok := m.registry.Lookup(id); ok {
			d.State = StateReloading
			d.Contributions = Contributions{}
			m.registry.Register(d)
		}
	}
	m.metrics.setActive(m.registry.CountState(StateActive))
	return inst
}

func (m *Manager) teardown(ctx context.Context, inst *Instance) {
	if err := inst.teardown(context.WithoutCancel(ctx), m.teardownTimeout); err != nil {
		m.logger.Warn("Module teardown failed", "module", inst.ID, "error", err)
	}
}

func (m *Manager) enabledFor(ctx context.Context, id string, manifest *Manifest) bool {
	if m.states != nil {
		if rec, err := m.states.Get(ctx, id); err == nil {
			return rec.Enabled
		}
	}
	return manifest.IsEnabled()
}

func (m *Manager) disabledDescriptor(id string, art Artifact, manifest *Manifest, info ArtifactInfo) *Descriptor {
	d := &Descriptor{
		ID:           id,
		State:        StateDisabled,
		ArtifactPath: art.Path,
		Checksum:     info.Checksum,
	}
	d.applyManifest(manifest)
	return d
}

func (m *Manager) failedDescriptor(id string, art Artifact, manifest *Manifest, prev *Descriptor, err error) *Descriptor {
	d := &Descriptor{ID: id, Name: id, Namespace: id}
	if prev != nil {
		d = prev.Clone()
	}
	if manifest != nil {
		d.applyManifest(manifest)
	}
	d.Enabled = true
	d.State = StateFailed
	d.ArtifactPath = art.Path
	d.LoadedAt = time.Time{}
	d.LastError = err.Error()
	d.ErrorKind = KindOf(err)
	d.Contributions = Contributions{}
	return d
}

func (m *Manager) persist(ctx context.Context, d *Descriptor) {
	if m.states == nil || d == nil {
		return
	}
	err := m.states.Save(ctx, store.StateRecord{
		ID:        d.ID,
		Enabled:   d.Enabled,
		Version:   d.Version,
		State:     string(d.State),
		LastError: d.LastError,
	})
	if err != nil {
		m.logger.Warn("Failed to persist module state", "module", d.ID, "error", err)
	}
}

// outbox collects the lifecycle events raised under an id lock. They are
// published only after the lock is released, so subscribers never run on the
// lifecycle path.
type outbox struct {
	events []lifecycleEvent
}

type lifecycleEvent struct {
	topic string
	data  map[string]any
}

func (o *outbox) add(topic, id, detail string) {
	o.events = append(o.events, lifecycleEvent{topic: topic, data: map[string]any{
		"id":        id,
		"detail":    detail,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}})
}

// locked runs fn under id's lock and publishes what it raised afterwards.
func (m *Manager) locked(ctx context.Context, id string, fn func(*outbox)) {
	var ob outbox
	defer func() {
		for _, ev := range ob.events {
			m.publishData(ctx, ev.topic, ev.data)
		}
	}()
	unlock := m.lockID(id)
	defer unlock()
	fn(&ob)
}

func (m *Manager) publishData(ctx context.Context, topic string, data map[string]any) {
	if m.bus == nil {
		return
	}
	if _, ok := data["timestamp"]; !ok {
		data["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if err := m.bus.Publish(context.WithoutCancel(ctx), topic, EventSource, data); err != nil {
		m.logger.Warn("Failed to publish lifecycle event", "topic", topic, "error", err)
	}
}

// errorFromDescriptor reconstructs the failure carried by a failed
// descriptor.
func errorFromDescriptor(d *Descriptor) error {
	if d == nil || d.State != StateFailed {
		return nil
	}
	for _, k := range kindNames {
		if k.name == d.ErrorKind {
			return newError(k.err, d.ID, errors.New(d.LastError))
		}
	}
	return errors.New(d.LastError)
}
