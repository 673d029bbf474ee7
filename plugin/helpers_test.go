package plugin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoCodeAlone/nexus/eventbus"
	"github.com/GoCodeAlone/nexus/scheduler"
	"github.com/GoCodeAlone/nexus/store"
)

// greeter mounts a single route answering with a fixed body. Config keys:
// method, path, body, view.
type greeter struct {
	env       Env
	teardowns *atomic.Int32
}

func (g *greeter) Init(_ context.Context, caps Capabilities) error {
	body := g.env.String("body", "hello from "+g.env.Artifact.ID)
	err := caps.Mount.HandleFunc(g.env.String("method", http.MethodGet), g.env.String("path", "/hello"),
		func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(body)) })
	if err != nil {
		return err
	}
	if name := g.env.String("view", ""); name != "" {
		return caps.Mount.View(name, "<p>{{.}}</p>")
	}
	return nil
}

func (g *greeter) Teardown(context.Context) error {
	if g.teardowns != nil {
		g.teardowns.Add(1)
	}
	return nil
}

type testHarness struct {
	t          *testing.T
	catalog    *Catalog
	bus        *eventbus.MemoryBus
	sched      *scheduler.Scheduler
	db         *store.DB
	moduleDBs  *store.ModuleDatabases
	pluginsDir string
	viewsDir   string
	loader     *Loader
	binder     *Binder
	manager    *Manager
	teardowns  atomic.Int32

	mu     sync.Mutex
	events []eventbus.Event
}

func newHarness(t *testing.T, opts ...ManagerOption) *testHarness {
	t.Helper()
	h := &testHarness{t: t, catalog: NewCatalog()}
	dir := t.TempDir()
	h.pluginsDir = filepath.Join(dir, "plugins")
	h.viewsDir = filepath.Join(dir, "views")
	h.bus = eventbus.NewMemoryBus(nil)
	t.Cleanup(h.bus.Close)
	h.sched = scheduler.New(nil)

	db, err := store.Open(context.Background(), store.Config{Driver: store.DriverSQLite, DSN: filepath.Join(dir, "nexus.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	h.db = db
	h.moduleDBs, err = store.NewModuleDatabases(store.DriverSQLite, store.ModuleConfig{Dir: filepath.Join(dir, "modules")})
	if err != nil {
		t.Fatalf("module databases: %v", err)
	}
	t.Cleanup(func() { _ = h.moduleDBs.Close() })

	h.register("greeter", func(env Env) (Module, error) {
		return &greeter{env: env, teardowns: &h.teardowns}, nil
	})
	h.register("failing", func(Env) (Module, error) {
		return ModuleFunc(func(context.Context, Capabilities) error { return errors.New("init exploded") }), nil
	})

	if _, err := h.bus.Subscribe("module.*", func(_ context.Context, ev eventbus.Event) error {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	h.loader = NewLoader(h.pluginsDir, h.catalog,
		WithEventBus(h.bus), WithDatabase(db), WithModuleDatabases(h.moduleDBs), WithLoadTimeout(time.Second))
	h.binder = NewBinder(h.viewsDir, WithScheduler(h.sched), WithAuthorizer(headerAuthorizer{}))
	mopts := append([]ManagerOption{WithStateStore(store.NewStateStore(db)), WithTeardownTimeout(time.Second)}, opts...)
	h.manager = NewManager(h.loader, h.binder, mopts...)
	t.Cleanup(func() { h.manager.Shutdown(context.Background()) })
	return h
}

func (h *testHarness) register(name string, f Factory) {
	h.t.Helper()
	if err := h.catalog.Register(name, f); err != nil {
		h.t.Fatalf("register %s: %v", name, err)
	}
}

func (h *testHarness) writeArtifact(id, content string) string {
	h.t.Helper()
	if err := os.MkdirAll(h.pluginsDir, 0o755); err != nil {
		h.t.Fatal(err)
	}
	p := filepath.Join(h.pluginsDir, id+ArtifactSuffix)
	if err := os.WriteFile(p, []byte(strings.TrimLeft(content, "\n")), 0o644); err != nil {
		h.t.Fatal(err)
	}
	return p
}

// serve performs a request against the binder.
func (h *testHarness) serve(method, path string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.binder.ServeHTTP(rec, req)
	return rec
}

// topics waits for pending deliveries and returns "topic:id" for every
// lifecycle event observed so far.
func (h *testHarness) topics() []string {
	h.t.Helper()
	flushBus(h.t, h.bus)
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.events))
	for i, ev := range h.events {
		out[i] = fmt.Sprintf("%s:%v", ev.Topic, ev.Data["id"])
	}
	return out
}

func (h *testHarness) mustState(id string, want State) *Descriptor {
	h.t.Helper()
	d, ok := h.manager.Lookup(id)
	if !ok {
		h.t.Fatalf("module %s not registered", id)
	}
	if d.State != want {
		h.t.Fatalf("module %s: expected state %s, got %s (error %q)", id, want, d.State, d.LastError)
	}
	return d
}

// headerAuthorizer treats X-Role as the caller's role; an empty header is
// anonymous.
type headerAuthorizer struct{}

func (headerAuthorizer) Authorize(r *http.Request, tags []string) int {
	role := r.Header.Get("X-Role")
	for _, tag := range tags {
		if role == "" {
			return http.StatusUnauthorized
		}
		if want, ok := strings.CutPrefix(tag, "role:"); ok && want != role {
			return http.StatusForbidden
		}
	}
	return http.StatusOK
}

func greeterArtifact(extra string) string {
	return "entrypoint: greeter\nversion: 1.0.0\n" + extra
}
