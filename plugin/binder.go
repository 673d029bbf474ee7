package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/GoCodeAlone/nexus/observability/tracing"
	"github.com/GoCodeAlone/nexus/scheduler"
)

// Authorizer decides whether a request may reach a tagged route. It returns
// http.StatusOK to allow, or the status to reject with.
type Authorizer interface {
	Authorize(r *http.Request, tags []string) int
}

// MountedRoute is a live route and its owner.
type MountedRoute struct {
	Module string `json:"module"`
	RouteInfo
}

// routeTable is an immutable dispatch snapshot.
type routeTable struct {
	mux    *http.ServeMux
	routes []MountedRoute
}

// Binder applies instance contributions to host surfaces: the route table it
// serves, the views directory and the scheduler. Dispatch reads an immutable
// snapshot and never waits for a mutation.
type Binder struct {
	viewsDir string
	sched    *scheduler.Scheduler
	auth     Authorizer
	metrics  *Metrics
	logger   *slog.Logger

	snapshot atomic.Pointer[routeTable]

	mu      sync.Mutex
	mounted map[string]*Instance
	order   []string
	// nsOwners maps a namespace to the mounted module that owns it.
	nsOwners map[string]string
}

// BinderOption configures a Binder.
type BinderOption func(*Binder)

// WithScheduler installs scheduled-task contributions on s.
func WithScheduler(s *scheduler.Scheduler) BinderOption { return func(b *Binder) { b.sched = s } }

// WithAuthorizer guards tagged routes. Without one, tagged routes answer 401.
func WithAuthorizer(a Authorizer) BinderOption { return func(b *Binder) { b.auth = a } }

// WithBinderMetrics records per-route request metrics.
func WithBinderMetrics(m *Metrics) BinderOption { return func(b *Binder) { b.metrics = m } }

// WithBinderLogger sets the logger.
func WithBinderLogger(l *slog.Logger) BinderOption { return func(b *Binder) { b.logger = l } }

// NewBinder creates a Binder writing views below viewsDir.
func NewBinder(viewsDir string, opts ...BinderOption) *Binder {
	b := &Binder{
		viewsDir: viewsDir,
		logger:   slog.Default(),
		mounted:  make(map[string]*Instance),
		nsOwners: make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.snapshot.Store(&routeTable{mux: http.NewServeMux()})
	return b
}

// ViewsDir returns the root directory of contributed views.
func (b *Binder) ViewsDir() string { return b.viewsDir }

// Mount applies every contribution of inst or none of them. Any failure
// undoes the steps already taken and returns a ContributionConflict.
func (b *Binder) Mount(inst *Instance) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.mounted[inst.ID]; exists {
		return newError(ErrContributionConflict, inst.ID, errors.New("module is already mounted"))
	}

	ns := inst.Namespace()
	if owner, taken := b.nsOwners[ns]; taken {
		return newError(ErrContributionConflict, inst.ID,
			fmt.Errorf("namespace %q is owned by module %q", ns, owner))
	}

	candidate, err := b.buildTable(inst)
	if err != nil {
		return newError(ErrContributionConflict, inst.ID, err)
	}

	if len(inst.tasks) > 0 {
		if b.sched == nil {
			return newError(ErrContributionConflict, inst.ID, errors.New("scheduled tasks contributed but no scheduler is configured"))
		}
		specs := make([]scheduler.Spec, len(inst.tasks))
		for i, t := range inst.tasks {
			specs[i] = scheduler.Spec{Name: t.name, CronExpr: t.spec, Task: scheduler.Task(t.fn)}
		}
		if err := b.sched.AddGroup(inst.ID, specs); err != nil {
			return newError(ErrContributionConflict, inst.ID, err)
		}
	}

	if len(inst.views) > 0 {
		if err := b.writeViews(ns, inst.views); err != nil {
			if b.sched != nil {
				b.sched.RemoveGroup(inst.ID)
			}
			return newError(ErrContributionConflict, inst.ID, fmt.Errorf("write views: %w", err))
		}
	}

	b.nsOwners[ns] = inst.ID
	b.mounted[inst.ID] = inst
	b.order = append(b.order, inst.ID)
	b.snapshot.Store(candidate)
	return nil
}

// Unmount withdraws every contribution of id. It reports whether id was
// mounted.
func (b *Binder) Unmount(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	inst, ok := b.mounted[id]
	if !ok {
		return false
	}
	delete(b.mounted, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}

	table, err := b.buildTable(nil)
	if err != nil {
		// Removing routes cannot introduce a conflict.
		b.logger.Error("Failed to rebuild route table", "module", id, "error", err)
	} else {
		b.snapshot.Store(table)
	}

	if b.sched != nil {
		b.sched.RemoveGroup(id)
	}
	ns := inst.Namespace()
	if b.nsOwners[ns] == id {
		delete(b.nsOwners, ns)
		if len(inst.views) > 0 {
			if err := os.RemoveAll(filepath.Join(b.viewsDir, ns)); err != nil {
				b.logger.Warn("Failed to remove views", "module", id, "namespace", ns, "error", err)
			}
		}
	}
	return true
}

// PurgeViews removes the view directory of ns unless a mounted module owns
// it. It clears views left behind by a previous process.
func (b *Binder) PurgeViews(ns string) error {
	if !ValidID(ns) {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, owned := b.nsOwners[ns]; owned {
		return nil
	}
	return os.RemoveAll(filepath.Join(b.viewsDir, ns))
}

// Mounted reports whether id currently has live contributions.
func (b *Binder) Mounted(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.mounted[id]
	return ok
}

// buildTable builds a snapshot of all mounted routes plus extra's.
func (b *Binder) buildTable(extra *Instance) (table *routeTable, err error) {
	insts := make([]*Instance, 0, len(b.order)+1)
	for _, id := range b.order {
		insts = append(insts, b.mounted[id])
	}
	if extra != nil {
		insts = append(insts, extra)
	}

	owners := make(map[string]string)
	table = &routeTable{mux: http.NewServeMux()}
	var current string
	defer func() {
		if r := recover(); r != nil {
			table = nil
			err = fmt.Errorf("route of module %q overlaps a mounted route: %v", current, r)
		}
	}()
	for _, inst := range insts {
		current = inst.ID
		for _, r := range inst.routes {
			path := "/" + inst.Namespace() + r.subPath
			key := r.method + " " + path
			if owner, dup := owners[key]; dup {
				return nil, fmt.Errorf("route %s is already mounted by module %q", key, owner)
			}
			owners[key] = inst.ID
			table.mux.Handle(key, b.wrap(inst.ID, path, r))
			table.routes = append(table.routes, MountedRoute{
				Module:    inst.ID,
				RouteInfo: RouteInfo{Method: r.method, Path: path, Tags: r.tags},
			})
		}
	}
	return table, nil
}

// ServeHTTP dispatches to the module owning the matching route, or 404. The
// mux's own answers (redirects to a cleaned or slash-terminated path, 405)
// are replaced by 404: the binder sits behind a stripped prefix, so those
// answers would point outside the host's mount.
func (b *Binder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	table := b.snapshot.Load()
	if h, _ := table.mux.Handler(r); !isRouteHandler(h) {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "not found"})
		return
	}
	table.mux.ServeHTTP(w, r)
}

// routeHandler guards a module handler with the route's tags, panic recovery
// and request metrics.
type routeHandler struct {
	b      *Binder
	module string
	path   string
	rt     route
}

func isRouteHandler(h http.Handler) bool {
	_, ok := h.(*routeHandler)
	return ok
}

func (b *Binder) wrap(module, path string, rt route) http.Handler {
	return &routeHandler{b: b, module: module, path: path, rt: rt}
}

func (h *routeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, module, rt := h.b, h.module, h.rt
	tracing.SetModuleRoute(r.Context(), module, h.path)
	if len(rt.tags) > 0 {
		status := http.StatusUnauthorized
		if b.auth != nil {
			status = b.auth.Authorize(r, rt.tags)
		}
		if status != http.StatusOK {
			b.metrics.observeRoute(module, status)
			writeJSON(w, status, map[string]any{"success": false, "error": http.StatusText(status)})
			return
		}
	}

	sw := &statusWriter{ResponseWriter: w}
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			b.logger.Error("Module handler panicked", "module", module, "method", r.Method, "path", r.URL.Path, "panic", rec)
			if !sw.wrote {
				writeJSON(sw, http.StatusInternalServerError, map[string]any{"success": false, "error": "internal error"})
			}
		}
		b.metrics.observeRoute(module, sw.statusCode())
	}()
	rt.handler.ServeHTTP(sw, r)
}

// Routes lists live routes ordered by module mount order.
func (b *Binder) Routes() []MountedRoute {
	routes := b.snapshot.Load().routes
	out := make([]MountedRoute, len(routes))
	copy(out, routes)
	return out
}

// AdminEntries lists admin panel entries of mounted modules sorted by name.
func (b *Binder) AdminEntries() []AdminEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []AdminEntry
	for _, id := range b.order {
		if a := b.mounted[id].admin; a != nil {
			out = append(out, *a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Frontend concatenates the css and js assets of mounted modules in mount
// order.
func (b *Binder) Frontend() Frontend {
	b.mu.Lock()
	defer b.mu.Unlock()
	var css, js strings.Builder
	for _, id := range b.order {
		f := b.mounted[id].frontend
		if f == nil {
			continue
		}
		if f.CSS != "" {
			fmt.Fprintf(&css, "/* %s */\n%s\n", id, f.CSS)
		}
		if f.JS != "" {
			fmt.Fprintf(&js, "/* %s */\n%s\n", id, f.JS)
		}
	}
	return Frontend{CSS: css.String(), JS: js.String()}
}

// writeViews stages the view set for ns in a sibling directory and swaps it
// into place by rename.
func (b *Binder) writeViews(ns string, views []view) error {
	if err := os.MkdirAll(b.viewsDir, 0o755); err != nil {
		return err
	}
	staging, err := os.MkdirTemp(b.viewsDir, ".staging-"+ns+"-")
	if err != nil {
		return err
	}
	cleanup := func() { _ = os.RemoveAll(staging) }
	for _, v := range views {
		if err := os.WriteFile(filepath.Join(staging, v.name+".tmpl"), []byte(v.source), 0o644); err != nil {
			cleanup()
			return err
		}
	}

	target := filepath.Join(b.viewsDir, ns)
	var superseded string
	if _, err := os.Stat(target); err == nil {
		superseded = staging + ".old"
		if err := os.Rename(target, superseded); err != nil {
			cleanup()
			return err
		}
	}
	if err := os.Rename(staging, target); err != nil {
		if superseded != "" {
			_ = os.Rename(superseded, target)
		}
		cleanup()
		return err
	}
	if superseded != "" {
		_ = os.RemoveAll(superseded)
	}
	return nil
}

// Close unmounts every module in reverse mount order.
func (b *Binder) Close(_ context.Context) {
	b.mu.Lock()
	ids := append([]string(nil), b.order...)
	b.mu.Unlock()
	for i := len(ids) - 1; i >= 0; i-- {
		b.Unmount(ids[i])
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.status = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if !w.wrote {
		w.status = http.StatusOK
		w.wrote = true
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusWriter) statusCode() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
