package plugin

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// APIHandler serves the administrative and public module APIs.
type APIHandler struct {
	manager  *Manager
	uploader *Uploader
	operator func(*http.Request) string
	logger   *slog.Logger
}

// APIOption configures an APIHandler.
type APIOption func(*APIHandler)

// WithOperator sets how the operator name is read from a request. The host
// typically derives it from the authenticated identity.
func WithOperator(fn func(*http.Request) string) APIOption {
	return func(h *APIHandler) { h.operator = fn }
}

// WithAPILogger sets the logger.
func WithAPILogger(l *slog.Logger) APIOption { return func(h *APIHandler) { h.logger = l } }

// NewAPIHandler creates the API handler. uploader may be nil, in which case
// the upload route answers 404.
func NewAPIHandler(manager *Manager, uploader *Uploader, opts ...APIOption) *APIHandler {
	h := &APIHandler{
		manager:  manager,
		uploader: uploader,
		operator: func(*http.Request) string { return "anonymous" },
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// AdminRoutes returns the administrative router, meant to be mounted under
// /api/admin/plugins behind operator authentication.
func (h *APIHandler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.listAdmin)
	r.Get("/panels", h.panels)
	r.Get("/routes", h.routes)
	r.Get("/events", h.events)
	r.Post("/upload", h.upload)
	r.Get("/{id}", h.getAdmin)
	r.Post("/{id}/reload", h.reload)
	r.Post("/{id}/disable", h.disable)
	r.Post("/{id}/enable", h.enable)
	r.Delete("/{id}", h.uninstall)
	return r
}

// PublicRoutes returns the read-only router, meant to be mounted under
// /api/plugins.
func (h *APIHandler) PublicRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.listPublic)
	r.Get("/{id}", h.getPublic)
	return r
}

// publicInfo is the subset of a descriptor shown to unauthenticated callers.
type publicInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Version     string    `json:"version,omitempty"`
	Description string    `json:"description,omitempty"`
	Author      string    `json:"author,omitempty"`
	Enabled     bool      `json:"enabled"`
	State       State     `json:"state"`
	LoadedAt    time.Time `json:"loadedAt,omitzero"`
}

func toPublic(d *Descriptor) publicInfo {
	return publicInfo{
		ID:          d.ID,
		Name:        d.Name,
		Version:     d.Version,
		Description: d.Description,
		Author:      d.Author,
		Enabled:     d.Enabled,
		State:       d.State,
		LoadedAt:    d.LoadedAt,
	}
}

func (h *APIHandler) listPublic(w http.ResponseWriter, _ *http.Request) {
	descs := h.manager.List()
	out := make([]publicInfo, 0, len(descs))
	for _, d := range descs {
		out = append(out, toPublic(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "plugins": out})
}

func (h *APIHandler) getPublic(w http.ResponseWriter, r *http.Request) {
	d, ok := h.manager.Lookup(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "plugin not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "plugin": toPublic(d)})
}

func (h *APIHandler) listAdmin(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "plugins": h.manager.List()})
}

func (h *APIHandler) getAdmin(w http.ResponseWriter, r *http.Request) {
	d, ok := h.manager.Lookup(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "plugin not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "plugin": d})
}

func (h *APIHandler) panels(w http.ResponseWriter, _ *http.Request) {
	entries := h.manager.Binder().AdminEntries()
	if entries == nil {
		entries = []AdminEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "panels": entries})
}

func (h *APIHandler) routes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "routes": h.manager.Binder().Routes()})
}

func (h *APIHandler) reload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := h.manager.Reload(r.Context(), id)
	h.logger.Info("Reload requested", "operator", h.operator(r), "module", id, "error", err)
	h.writeLifecycle(w, d, err)
}

func (h *APIHandler) disable(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := h.manager.Disable(r.Context(), id)
	h.logger.Info("Disable requested", "operator", h.operator(r), "module", id, "error", err)
	h.writeLifecycle(w, d, err)
}

func (h *APIHandler) enable(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := h.manager.Enable(r.Context(), id)
	h.logger.Info("Enable requested", "operator", h.operator(r), "module", id, "error", err)
	h.writeLifecycle(w, d, err)
}

func (h *APIHandler) uninstall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.manager.Uninstall(r.Context(), id)
	h.logger.Info("Uninstall requested", "operator", h.operator(r), "module", id, "error", err)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

func (h *APIHandler) writeLifecycle(w http.ResponseWriter, d *Descriptor, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "plugin": d})
		return
	}
	body := map[string]any{"success": false, "error": err.Error(), "kind": KindOf(err)}
	if d != nil {
		body["plugin"] = d
	}
	writeJSON(w, statusFor(err), body)
}

func (h *APIHandler) upload(w http.ResponseWriter, r *http.Request) {
	if h.uploader == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "uploads are disabled"})
		return
	}
	data, name, err := readUpload(r, h.uploader.MaxBytes())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error(), "kind": "ArtifactUnreadable"})
		return
	}
	suggested := r.URL.Query().Get("id")
	if suggested == "" {
		suggested = name
	}

	res, err := h.uploader.Submit(r.Context(), Submission{
		Artifact:    data,
		SuggestedID: suggested,
		Operator:    h.operator(r),
	})
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{"success": false, "result": res, "error": res.Error, "kind": res.Kind})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": res})
}

// readUpload accepts a multipart form with a "plugin" file field or a raw
// body. It reads at most limit+1 bytes so oversize artifacts are reported by
// the uploader rather than silently truncated.
func readUpload(r *http.Request, limit int64) ([]byte, string, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		r.Body = http.MaxBytesReader(nil, r.Body, limit+64<<10)
		file, header, err := r.FormFile("plugin")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, "", fmt.Errorf("artifact exceeds %d bytes", limit)
			}
			return nil, "", fmt.Errorf("read form field %q: %w", "plugin", err)
		}
		defer file.Close()
		data, err := io.ReadAll(io.LimitReader(file, limit+1))
		if err != nil {
			return nil, "", fmt.Errorf("read artifact: %w", err)
		}
		return data, header.Filename, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read artifact: %w", err)
	}
	return data, "", nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrModuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrArtifactUnreadable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrContributionConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInitializationFailed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
