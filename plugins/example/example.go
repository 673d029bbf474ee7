// Package example is a demonstration module. It contributes an
// authenticated greeting that counts its hits in the module's key/value
// space, an echo endpoint that logs and publishes every message, a card
// view and a cleanup task for the echo log.
package example

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/GoCodeAlone/nexus/auth"
	"github.com/GoCodeAlone/nexus/plugin"
	"github.com/GoCodeAlone/nexus/store"
)

// Entrypoint is the catalog name artifacts use to select this module.
const Entrypoint = "example"

const cardView = `<div class="example-plugin-card">
  <h4>{{.Namespace}}</h4>
  <p>This card is contributed from module code.</p>
</div>
`

func init() { plugin.RegisterFactory(Entrypoint, New) }

// Module is the example module.
type Module struct {
	logger    *slog.Logger
	greeting  string
	retention time.Duration

	store  store.Scoped
	events *plugin.Events
	table  string
}

// New builds the module. Config keys: greeting (string) and retentionHours
// (int, how long echo log rows are kept).
func New(env plugin.Env) (plugin.Module, error) {
	hours := env.Int("retentionHours", 24*7)
	if hours <= 0 {
		return nil, fmt.Errorf("retentionHours must be positive, got %d", hours)
	}
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Module{
		logger:    logger,
		greeting:  env.String("greeting", "Hello from Example Plugin!"),
		retention: time.Duration(hours) * time.Hour,
	}, nil
}

// Init registers the module's contributions.
func (m *Module) Init(ctx context.Context, caps plugin.Capabilities) error {
	m.store = caps.Store
	m.events = caps.Events
	m.table = caps.Store.Table("logs")

	_, err := caps.Store.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+m.table+` (
		message TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`)
	switch {
	case errors.Is(err, store.ErrNoDatabase):
		m.table = ""
	case err != nil:
		return fmt.Errorf("create %s: %w", m.table, err)
	}

	if err := caps.Mount.HandleFunc(http.MethodGet, "/example", m.hello, plugin.RequireAuth()); err != nil {
		return err
	}
	if err := caps.Mount.HandleFunc(http.MethodPost, "/example/echo", m.echo); err != nil {
		return err
	}
	if err := caps.Mount.View("card", cardView); err != nil {
		return err
	}
	return caps.Mount.Schedule("cleanup", "0 */6 * * *", m.cleanup)
}

// Teardown is called before the module is replaced or removed.
func (m *Module) Teardown(context.Context) error {
	m.logger.Info("Example module torn down")
	return nil
}

func (m *Module) hello(w http.ResponseWriter, r *http.Request) {
	hits, err := m.countHit(r.Context())
	if err != nil {
		m.logger.Warn("Hit counter unavailable", "error", err)
	}
	resp := map[string]any{
		"success":   true,
		"message":   m.greeting,
		"timestamp": time.Now().UTC(),
		"hits":      hits,
	}
	if id, ok := auth.FromContext(r.Context()); ok {
		resp["user"] = id
	}
	writeJSON(w, http.StatusOK, resp)
}

func (m *Module) countHit(ctx context.Context) (int, error) {
	raw, _, err := m.store.Get(ctx, "hits")
	if err != nil {
		return 0, err
	}
	n, _ := strconv.Atoi(raw)
	n++
	return n, m.store.Put(ctx, "hits", strconv.Itoa(n))
}

func (m *Module) echo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid JSON body"})
		return
	}
	now := time.Now().UTC()
	if m.table != "" {
		if _, err := m.store.Exec(r.Context(),
			`INSERT INTO `+m.table+` (message, created_at) VALUES (?, ?)`, req.Message, now.Format(time.RFC3339)); err != nil {
			m.logger.Warn("Failed to record echo", "error", err)
		}
	}
	if err := m.events.Publish(r.Context(), "echo", map[string]any{"message": req.Message}); err != nil {
		m.logger.Warn("Failed to publish echo", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"echoed":      req.Message,
		"processedAt": now,
	})
}

// cleanup drops echo log rows older than the retention window.
func (m *Module) cleanup(ctx context.Context) error {
	if m.table == "" {
		return nil
	}
	cutoff := time.Now().UTC().Add(-m.retention).Format(time.RFC3339)
	res, err := m.store.Exec(ctx, `DELETE FROM `+m.table+` WHERE created_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup %s: %w", m.table, err)
	}
	n, _ := res.RowsAffected()
	m.logger.Info("Example cleanup finished", "removed", n)
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
