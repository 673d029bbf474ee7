package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/GoCodeAlone/nexus/eventbus"
	"github.com/GoCodeAlone/nexus/plugin"
)

func TestStatus_ReportsLifecycleEvents(t *testing.T) {
	dir := t.TempDir()
	pluginsDir := filepath.Join(dir, "plugins")
	if err := os.MkdirAll(pluginsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	write := func(id, content string) {
		if err := os.WriteFile(filepath.Join(pluginsDir, id+plugin.ArtifactSuffix), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("status", "entrypoint: status\nconfig:\n  history: 2\n")

	catalog := plugin.NewCatalog()
	if err := catalog.Register(Entrypoint, New); err != nil {
		t.Fatal(err)
	}
	if err := catalog.Register("noop", func(plugin.Env) (plugin.Module, error) {
		return plugin.ModuleFunc(func(context.Context, plugin.Capabilities) error { return nil }), nil
	}); err != nil {
		t.Fatal(err)
	}
	bus := eventbus.NewMemoryBus(nil)
	t.Cleanup(bus.Close)
	binder := plugin.NewBinder(filepath.Join(dir, "views"))
	manager := plugin.NewManager(plugin.NewLoader(pluginsDir, catalog, plugin.WithEventBus(bus)), binder)
	t.Cleanup(func() { manager.Shutdown(context.Background()) })
	ctx := context.Background()
	if _, err := manager.LoadAll(ctx); err != nil {
		t.Fatal(err)
	}

	write("other", "entrypoint: noop\n")
	for _, step := range []func() error{
		func() error { _, err := manager.Reload(ctx, "other"); return err },
		func() error { _, err := manager.Disable(ctx, "other"); return err },
		func() error { return manager.Uninstall(ctx, "other") },
	} {
		if err := step(); err != nil {
			t.Fatal(err)
		}
	}

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := bus.Flush(flushCtx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	rec := httptest.NewRecorder()
	binder.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Modules map[string]Observation `json:"modules"`
		Events  []Observation          `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Events) != 2 {
		t.Fatalf("expected history bounded to 2, got %+v", body.Events)
	}
	if body.Events[0].Topic != plugin.TopicDisabled || body.Events[1].Topic != plugin.TopicUninstalled {
		t.Errorf("unexpected events %+v", body.Events)
	}
	if body.Modules["other"].Topic != plugin.TopicUninstalled {
		t.Errorf("expected latest event per module, got %+v", body.Modules)
	}
}

func TestStatus_SubscriptionEndsOnUnload(t *testing.T) {
	bus := eventbus.NewMemoryBus(nil)
	t.Cleanup(bus.Close)
	catalog := plugin.NewCatalog()
	if err := catalog.Register(Entrypoint, New); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "status"+plugin.ArtifactSuffix), []byte("entrypoint: status\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	manager := plugin.NewManager(plugin.NewLoader(dir, catalog, plugin.WithEventBus(bus)), plugin.NewBinder(t.TempDir()))
	ctx := context.Background()
	if _, err := manager.LoadAll(ctx); err != nil {
		t.Fatal(err)
	}
	if bus.SubscriberCount() != 1 {
		t.Fatalf("expected one subscription, got %d", bus.SubscriberCount())
	}
	if err := manager.Unload(ctx, "status"); err != nil {
		t.Fatal(err)
	}
	if bus.SubscriberCount() != 0 {
		t.Errorf("subscription leaked after unload: %d", bus.SubscriberCount())
	}
}
