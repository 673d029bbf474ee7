// Package render resolves and executes the view templates modules
// contribute. Views live at <dir>/<namespace>/<view>.tmpl and are parsed on
// every call, so a reload or uninstall is visible to the next request.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/GoCodeAlone/nexus/plugin"
	"github.com/go-chi/chi/v5"
)

// ViewSuffix is the file suffix of a stored view.
const ViewSuffix = ".tmpl"

// ErrViewNotFound is returned when no module contributes the requested view.
var ErrViewNotFound = errors.New("view not found")

// Resolver executes contributed views.
type Resolver struct {
	dir    string
	logger *slog.Logger
}

// NewResolver creates a resolver over the binder's views directory.
func NewResolver(dir string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{dir: dir, logger: logger}
}

// Lookup parses the view namespace/view.
func (r *Resolver) Lookup(namespace, view string) (*template.Template, error) {
	if !plugin.ValidID(namespace) || !plugin.ValidViewName(view) {
		return nil, fmt.Errorf("%s/%s: %w", namespace, view, ErrViewNotFound)
	}
	p := filepath.Join(r.dir, namespace, view+ViewSuffix)
	src, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s/%s: %w", namespace, view, ErrViewNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read view %s/%s: %w", namespace, view, err)
	}
	t, err := template.New(namespace + "/" + view).Parse(string(src))
	if err != nil {
		return nil, fmt.Errorf("parse view %s/%s: %w", namespace, view, err)
	}
	return t, nil
}

// Render executes namespace/view with data into w. Nothing is written when
// execution fails.
func (r *Resolver) Render(w io.Writer, namespace, view string, data any) error {
	t, err := r.Lookup(namespace, view)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return fmt.Errorf("execute view %s/%s: %w", namespace, view, err)
	}
	_, err = buf.WriteTo(w)
	return err
}

// Handler serves GET /{namespace}/{view}. The template receives the
// namespace, the view name and the request's query parameters.
func (r *Resolver) Handler() http.Handler {
	router := chi.NewRouter()
	router.Get("/{namespace}/{view}", func(w http.ResponseWriter, req *http.Request) {
		ns, view := chi.URLParam(req, "namespace"), chi.URLParam(req, "view")
		data := map[string]any{
			"Namespace": ns,
			"View":      view,
			"Query":     req.URL.Query(),
		}
		var buf bytes.Buffer
		err := r.Render(&buf, ns, view, data)
		switch {
		case errors.Is(err, ErrViewNotFound):
			http.NotFound(w, req)
			return
		case err != nil:
			r.logger.Warn("View render failed", "namespace", ns, "view", view, "error", err)
			http.Error(w, "view render failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = buf.WriteTo(w)
	})
	return router
}
