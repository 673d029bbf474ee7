// Package status contributes GET /status, a report of the lifecycle events
// the module has observed since it was loaded.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/GoCodeAlone/nexus/eventbus"
	"github.com/GoCodeAlone/nexus/plugin"
)

// Entrypoint is the catalog name artifacts use to select this module.
const Entrypoint = "status"

func init() { plugin.RegisterFactory(Entrypoint, New) }

// Observation is one lifecycle event seen by the module.
type Observation struct {
	Topic     string    `json:"topic"`
	Module    string    `json:"module"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Module records module.* events.
type Module struct {
	limit   int
	started time.Time

	mu     sync.Mutex
	events []Observation
	latest map[string]Observation
}

// New builds the module. Config key history bounds how many events are kept
// (default 50).
func New(env plugin.Env) (plugin.Module, error) {
	limit := env.Int("history", 50)
	if limit <= 0 {
		limit = 50
	}
	return &Module{limit: limit, latest: make(map[string]Observation)}, nil
}

func (m *Module) Init(_ context.Context, caps plugin.Capabilities) error {
	m.started = time.Now().UTC()
	if _, err := caps.Events.Subscribe("module.*", m.observe); err != nil {
		return err
	}
	return caps.Mount.HandleFunc(http.MethodGet, "/status", m.report)
}

func (m *Module) observe(_ context.Context, ev eventbus.Event) error {
	o := Observation{Topic: ev.Topic, Timestamp: ev.Timestamp}
	o.Module, _ = ev.Data["id"].(string)
	o.Detail, _ = ev.Data["detail"].(string)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, o)
	if len(m.events) > m.limit {
		m.events = m.events[len(m.events)-m.limit:]
	}
	if o.Module != "" {
		m.latest[o.Module] = o
	}
	return nil
}

// Snapshot returns the recorded events, oldest first, and the latest event
// per module.
func (m *Module) Snapshot() ([]Observation, map[string]Observation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := make([]Observation, len(m.events))
	copy(events, m.events)
	latest := make(map[string]Observation, len(m.latest))
	for k, v := range m.latest {
		latest[k] = v
	}
	return events, latest
}

func (m *Module) report(w http.ResponseWriter, _ *http.Request) {
	events, latest := m.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"since":   m.started,
		"modules": latest,
		"events":  events,
	})
}
