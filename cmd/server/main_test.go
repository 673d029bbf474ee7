package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/nexus/auth"
	"github.com/GoCodeAlone/nexus/config"
	"github.com/GoCodeAlone/nexus/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.PluginsDir = filepath.Join(dir, "plugins")
	cfg.ViewsDir = filepath.Join(dir, "views")
	cfg.Database.DSN = filepath.Join(dir, "db", "nexus.db")
	cfg.Database.Modules.Dir = filepath.Join(dir, "modules")
	cfg.Auth.JWTSecret = "test-secret"

	if err := os.MkdirAll(cfg.PluginsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"example.plugin.yaml", "status.plugin.yaml"} {
		data, err := os.ReadFile(filepath.Join("..", "..", "examples", "plugins", name))
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(cfg.PluginsDir, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return cfg
}

func startApp(t *testing.T, cfg *config.Config) (*app, http.Handler) {
	t.Helper()
	ctx := context.Background()
	a, err := newApp(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(func() { a.close(context.Background()) })
	if err := a.start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	return a, a.routes()
}

func (a *app) token(t *testing.T, role string) string {
	t.Helper()
	tok, err := a.verifier.Issue(auth.Identity{Subject: "ops", Role: role}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return "Bearer " + tok
}

func request(h http.Handler, method, path, authz string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_EndToEnd(t *testing.T) {
	a, h := startApp(t, testConfig(t))
	admin := a.token(t, auth.RoleAdmin)
	user := a.token(t, "user")

	rec := request(h, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"active":2`) {
		t.Fatalf("healthz: %d %s", rec.Code, rec.Body.String())
	}

	if rec := request(h, http.MethodGet, "/plugins/example/example", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for anonymous call, got %d", rec.Code)
	}
	if rec := request(h, http.MethodGet, "/plugins/example/example", "Bearer garbage", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for bad token, got %d", rec.Code)
	}
	rec = request(h, http.MethodGet, "/plugins/example/example", user, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Hello from Example Plugin!") {
		t.Errorf("example route: %d %s", rec.Code, rec.Body.String())
	}
	rec = request(h, http.MethodPost, "/plugins/example/example/echo", "", []byte(`{"message":"hi"}`))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"echoed":"hi"`) {
		t.Errorf("echo route: %d %s", rec.Code, rec.Body.String())
	}
	if rec := request(h, http.MethodGet, "/plugins/unknown/path", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unmounted path, got %d", rec.Code)
	}

	rec = request(h, http.MethodGet, "/plugins/status/status", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "module.loaded") {
		t.Errorf("status route: %d %s", rec.Code, rec.Body.String())
	}

	rec = request(h, http.MethodGet, "/views/example/dashboard", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Rendered for example/dashboard") {
		t.Errorf("view: %d %s", rec.Code, rec.Body.String())
	}
	if rec := request(h, http.MethodGet, "/views/example/card", "", nil); rec.Code != http.StatusOK {
		t.Errorf("code-contributed view: %d", rec.Code)
	}

	rec = request(h, http.MethodGet, "/plugins/assets/frontend.css", "", nil)
	if !strings.Contains(rec.Body.String(), ".example-plugin-card") {
		t.Errorf("frontend css missing module styles: %q", rec.Body.String())
	}

	rec = request(h, http.MethodGet, "/metrics", "", nil)
	if !strings.Contains(rec.Body.String(), "nexus_plugin_active_modules 2") {
		t.Errorf("metrics missing active gauge")
	}

	rec = request(h, http.MethodGet, "/api/plugins", "", nil)
	var public struct {
		Plugins []map[string]any `json:"plugins"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &public); err != nil || len(public.Plugins) != 2 {
		t.Errorf("public list: %s %v", rec.Body.String(), err)
	}

	if rec := request(h, http.MethodGet, "/api/admin/plugins/", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for anonymous admin call, got %d", rec.Code)
	}
	if rec := request(h, http.MethodGet, "/api/admin/plugins/", user, nil); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-admin, got %d", rec.Code)
	}
	if rec := request(h, http.MethodGet, "/api/admin/plugins/panels", admin, nil); rec.Code != http.StatusOK ||
		!strings.Contains(rec.Body.String(), "Example Plugin") {
		t.Errorf("panels: %d %s", rec.Code, rec.Body.String())
	}
}

func TestServer_AdminUploadAndUninstall(t *testing.T) {
	a, h := startApp(t, testConfig(t))
	admin := a.token(t, auth.RoleAdmin)

	artifact := []byte("entrypoint: status\nname: Second status\n")
	rec := request(h, http.MethodPost, "/api/admin/plugins/upload?id=status2", admin, artifact)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}
	if rec := request(h, http.MethodGet, "/plugins/status2/status", "", nil); rec.Code != http.StatusOK {
		t.Errorf("uploaded module not serving: %d", rec.Code)
	}

	rec = request(h, http.MethodPost, "/api/admin/plugins/upload?id=broken", admin, []byte("entrypoint: [oops"))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for malformed upload, got %d", rec.Code)
	}

	if rec := request(h, http.MethodDelete, "/api/admin/plugins/status2", admin, nil); rec.Code != http.StatusOK {
		t.Errorf("uninstall: %d %s", rec.Code, rec.Body.String())
	}
	if rec := request(h, http.MethodGet, "/plugins/status2/status", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("uninstalled module still serving: %d", rec.Code)
	}
	if _, err := os.Stat(filepath.Join(a.cfg.PluginsDir, "status2.plugin.yaml")); !os.IsNotExist(err) {
		t.Errorf("artifact not removed: %v", err)
	}
}

func TestServer_NoSecretRejectsAdmin(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = ""
	_, h := startApp(t, cfg)
	if rec := request(h, http.MethodGet, "/api/admin/plugins/", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
	if rec := request(h, http.MethodGet, "/plugins/example/example", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestNewLogger(t *testing.T) {
	cfg := config.Default()
	for _, tc := range []struct {
		level, format string
		ok            bool
	}{
		{"info", "text", true},
		{"debug", "json", true},
		{"warn", "", true},
		{"verbose", "text", false},
		{"info", "xml", false},
	} {
		cfg.LogLevel, cfg.LogFormat = tc.level, tc.format
		_, err := newLogger(cfg, io.Discard)
		if (err == nil) != tc.ok {
			t.Errorf("newLogger(%q, %q): err = %v", tc.level, tc.format, err)
		}
	}
}

func TestEnsureSQLiteDir(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "a", "b", "nexus.db")
	cfg := config.Default().Database
	cfg.DSN = dsn
	if err := ensureSQLiteDir(cfg); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Dir(dsn)); err != nil {
		t.Errorf("expected directory created: %v", err)
	}
	if err := ensureSQLiteDir(store.Config{Driver: store.DriverPostgres, DSN: "postgres://x/y"}); err != nil {
		t.Errorf("postgres DSN must be left alone: %v", err)
	}
}
