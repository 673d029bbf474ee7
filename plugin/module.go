// Package plugin is the module runtime: it discovers artifacts, initializes
// the compiled-in modules they name with a narrow capability set, mounts their
// contributions onto host surfaces and drives install, reload and uninstall.
package plugin

import (
	"context"
	"log/slog"
	"time"
)

// Module is a loaded extension. Init records contributions through caps; it
// must not retain caps.Mount beyond the call.
type Module interface {
	Init(ctx context.Context, caps Capabilities) error
}

// Teardowner is implemented by modules that hold resources needing release
// on reload or uninstall.
type Teardowner interface {
	Teardown(ctx context.Context) error
}

// ModuleFunc adapts a function to Module.
type ModuleFunc func(ctx context.Context, caps Capabilities) error

func (f ModuleFunc) Init(ctx context.Context, caps Capabilities) error { return f(ctx, caps) }

// Factory builds a module instance from its environment.
type Factory func(env Env) (Module, error)

// ArtifactInfo identifies the artifact an instance was loaded from.
type ArtifactInfo struct {
	ID       string    `json:"id"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"modTime"`
	Checksum string    `json:"checksum"`
}

// Env is everything from the host a factory may see.
type Env struct {
	Logger   *slog.Logger
	Artifact ArtifactInfo
	Config   map[string]any
}

// String returns Config[key] as a string, or def.
func (e Env) String(key, def string) string {
	if s, ok := e.Config[key].(string); ok && s != "" {
		return s
	}
	return def
}

// Int returns Config[key] as an int, or def.
func (e Env) Int(key string, def int) int {
	switch v := e.Config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}
