package plugin

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/GoCodeAlone/nexus/eventbus"
	"github.com/GoCodeAlone/nexus/scheduler"
	"github.com/GoCodeAlone/nexus/store"
)

// Capabilities is the complete set of host handles passed to Init.
type Capabilities struct {
	Mount  *Mount
	Events *Events
	Store  store.Scoped
}

// TaskFunc is the body of a scheduled task.
type TaskFunc func(ctx context.Context) error

// RouteOption tags a route contribution.
type RouteOption func(*route)

// RequireAuth restricts a route to authenticated callers.
func RequireAuth() RouteOption {
	return func(r *route) { r.tags = appendTag(r.tags, "auth") }
}

// RequireRole restricts a route to callers holding role.
func RequireRole(role string) RouteOption {
	return func(r *route) { r.tags = appendTag(r.tags, "role:"+role) }
}

func appendTag(tags []string, tag string) []string {
	if slices.Contains(tags, tag) {
		return tags
	}
	return append(tags, tag)
}

type route struct {
	method  string
	subPath string
	handler http.Handler
	tags    []string
}

type task struct {
	name string
	spec string
	fn   TaskFunc
}

type view struct {
	name   string
	source string
}

// Mount records a module's contributions during Init. Nothing recorded here
// is visible to the host until the binder mounts the finished set.
type Mount struct {
	namespace string

	mu     sync.Mutex
	sealed bool
	routes []route
	views  []view
	admin  *AdminEntry
	tasks  []task
}

func newMount(namespace string) *Mount {
	return &Mount{namespace: namespace}
}

// Namespace returns the path prefix routes are mounted under.
func (m *Mount) Namespace() string { return m.namespace }

// Handle records a route at /<namespace><subPath>. subPath may use net/http
// wildcards such as "/items/{id}".
func (m *Mount) Handle(method, subPath string, h http.Handler, opts ...RouteOption) error {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" || strings.ContainsAny(method, " /{}") {
		return fmt.Errorf("route %q: invalid method %q", subPath, method)
	}
	if !strings.HasPrefix(subPath, "/") {
		return fmt.Errorf("route %s %q: sub-path must start with /", method, subPath)
	}
	if h == nil {
		return fmt.Errorf("route %s %s: handler is nil", method, subPath)
	}
	if err := checkPattern(method, "/"+m.namespace+subPath); err != nil {
		return err
	}
	r := route{method: method, subPath: subPath, handler: h}
	for _, opt := range opts {
		opt(&r)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sealed {
		return ErrMountSealed
	}
	m.routes = append(m.routes, r)
	return nil
}

// HandleFunc is Handle for plain functions.
func (m *Mount) HandleFunc(method, subPath string, f http.HandlerFunc, opts ...RouteOption) error {
	if f == nil {
		return m.Handle(method, subPath, nil, opts...)
	}
	return m.Handle(method, subPath, f, opts...)
}

// View records an html/template source rendered under <namespace>/<name>.
func (m *Mount) View(name, source string) error {
	if err := validateView(name, source); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sealed {
		return ErrMountSealed
	}
	m.views = append(m.views, view{name: name, source: source})
	return nil
}

// Admin records the module's admin panel entry, replacing an earlier one.
func (m *Mount) Admin(entry AdminEntry) error {
	if entry.Name == "" {
		return fmt.Errorf("admin entry name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sealed {
		return ErrMountSealed
	}
	m.admin = &entry
	return nil
}

// Schedule records a task run on a standard cron expression.
func (m *Mount) Schedule(name, cronSpec string, fn TaskFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("scheduled task requires a name and a function")
	}
	if err := scheduler.Validate(cronSpec); err != nil {
		return fmt.Errorf("task %q: %w", name, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sealed {
		return ErrMountSealed
	}
	m.tasks = append(m.tasks, task{name: name, spec: cronSpec, fn: fn})
	return nil
}

func (m *Mount) seal() {
	m.mu.Lock()
	m.sealed = true
	m.mu.Unlock()
}

// checkPattern rejects patterns net/http would refuse to register.
func checkPattern(method, path string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("route %s %s: %v", method, path, r)
		}
	}()
	http.NewServeMux().Handle(method+" "+path, http.NotFoundHandler())
	return nil
}

// Events is a module's handle on the event bus. Publishing is confined to
// plugins.<id>.*; subscriptions may only observe host lifecycle topics
// (module.*) or the module's own space. The space is keyed by module id, not
// namespace, so two artifacts declaring the same namespace never share it.
type Events struct {
	bus    eventbus.Bus
	source string

	mu     sync.Mutex
	closed bool
	subs   []eventbus.Subscription
}

func newEvents(bus eventbus.Bus, id string) *Events {
	return &Events{bus: bus, source: id}
}

// Topic returns the fully qualified topic for a module-relative one.
func (e *Events) Topic(topic string) string {
	return "plugins." + e.source + "." + topic
}

// Publish emits data on plugins.<id>.<topic>.
func (e *Events) Publish(ctx context.Context, topic string, data map[string]any) error {
	if topic == "" {
		return fmt.Errorf("%w: empty topic", eventbus.ErrInvalidTopic)
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: event handle released", ErrCapabilityDenied)
	}
	if e.bus == nil {
		return nil
	}
	return e.bus.Publish(ctx, e.Topic(topic), e.source, data)
}

// Subscribe registers h for pattern. The subscription ends automatically when
// the module is reloaded, disabled or uninstalled.
func (e *Events) Subscribe(pattern string, h eventbus.Handler) (eventbus.Subscription, error) {
	if !e.allowed(pattern) {
		return nil, fmt.Errorf("%w: subscribe %q", ErrCapabilityDenied, pattern)
	}
	if e.bus == nil {
		return nil, fmt.Errorf("%w: no event bus", ErrCapabilityDenied)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("%w: event handle released", ErrCapabilityDenied)
	}
	sub, err := e.bus.Subscribe(pattern, h)
	if err != nil {
		return nil, err
	}
	e.subs = append(e.subs, sub)
	return sub, nil
}

func (e *Events) allowed(pattern string) bool {
	own := "plugins." + e.source + "."
	return (strings.HasPrefix(pattern, "module.") && len(pattern) > len("module.")) ||
		(strings.HasPrefix(pattern, own) && len(pattern) > len(own))
}

// release cancels every subscription and refuses further use.
func (e *Events) release() {
	e.mu.Lock()
	subs := e.subs
	e.subs = nil
	e.closed = true
	e.mu.Unlock()
	for _, s := range subs {
		s.Cancel()
	}
}
