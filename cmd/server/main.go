package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/GoCodeAlone/nexus/auth"
	"github.com/GoCodeAlone/nexus/config"
	"github.com/GoCodeAlone/nexus/eventbus"
	"github.com/GoCodeAlone/nexus/observability/tracing"
	"github.com/GoCodeAlone/nexus/plugin"
	_ "github.com/GoCodeAlone/nexus/plugins/all"
	"github.com/GoCodeAlone/nexus/render"
	"github.com/GoCodeAlone/nexus/scheduler"
	"github.com/GoCodeAlone/nexus/store"
)

var (
	configFile = flag.String("config", "", "Path to host configuration YAML file")
	addr       = flag.String("addr", "", "HTTP listen address (overrides listenAddr)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	logger, err := newLogger(cfg, os.Stdout)
	if err != nil {
		log.Fatalf("Invalid logging configuration: %v", err)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize host: %v", err)
	}
	if err := a.start(ctx); err != nil {
		a.close(context.Background())
		log.Fatalf("Failed to start host: %v", err)
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Starting server", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", "error", err)
	}
	a.close(shutdownCtx)
	logger.Info("Shutdown complete")
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("logLevel: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.LogFormat) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown logFormat %q", cfg.LogFormat)
	}
}

// app holds the wired host components.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	tracer     *tracing.Provider
	db         *store.DB
	moduleDBs  *store.ModuleDatabases
	bus        *eventbus.MemoryBus
	forwarders []eventbus.Forwarder
	sched      *scheduler.Scheduler
	metrics    *plugin.Metrics
	verifier   *auth.Verifier
	manager    *plugin.Manager
	uploader   *plugin.Uploader
	watcher    *plugin.Watcher
	resolver   *render.Resolver
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	lifecycle := tracing.NewLifecycleTracer(nil)
	if cfg.Tracing.Enabled() {
		if a.tracer, err = tracing.NewProvider(ctx, cfg.Tracing); err != nil {
			return nil, err
		}
		lifecycle = tracing.NewLifecycleTracer(a.tracer.Tracer())
		logger.Info("Tracing enabled", "endpoint", cfg.Tracing.Endpoint)
	}

	if err := ensureSQLiteDir(cfg.Database); err != nil {
		return nil, err
	}
	if a.db, err = store.Open(ctx, cfg.Database); err != nil {
		return nil, err
	}

	if a.moduleDBs, err = store.NewModuleDatabases(cfg.Database.Driver, cfg.Database.Modules); err != nil {
		return nil, err
	}

	a.bus = eventbus.NewMemoryBus(logger)
	if err := a.connectForwarders(ctx); err != nil {
		return nil, err
	}

	a.metrics = plugin.NewMetrics()
	a.sched = scheduler.New(logger,
		scheduler.WithTimeout(cfg.TaskTimeout),
		scheduler.WithObserver(func(rec scheduler.ExecutionRecord) {
			a.metrics.ObserveTask(rec.Group, string(rec.Status))
		}),
	)

	if cfg.Auth.JWTSecret != "" {
		if a.verifier, err = auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("No JWT secret configured; administrative API and authenticated module routes will reject every request")
	}

	loader := plugin.NewLoader(cfg.PluginsDir, plugin.DefaultCatalog(),
		plugin.WithEventBus(a.bus),
		plugin.WithDatabase(a.db),
		plugin.WithModuleDatabases(a.moduleDBs),
		plugin.WithLoadTimeout(cfg.LoadTimeout),
		plugin.WithLoaderLogger(logger),
	)
	binder := plugin.NewBinder(cfg.ViewsDir,
		plugin.WithScheduler(a.sched),
		plugin.WithAuthorizer(auth.TagAuthorizer{}),
		plugin.WithBinderMetrics(a.metrics),
		plugin.WithBinderLogger(logger),
	)
	a.manager = plugin.NewManager(loader, binder,
		plugin.WithStateStore(store.NewStateStore(a.db)),
		plugin.WithTracer(lifecycle),
		plugin.WithMetrics(a.metrics),
		plugin.WithLogger(logger),
		plugin.WithTeardownTimeout(cfg.TeardownTimeout),
		plugin.WithLoadConcurrency(cfg.LoadConcurrency),
	)
	a.uploader = plugin.NewUploader(a.manager,
		plugin.WithMaxBytes(cfg.UploadMaxBytes),
		plugin.WithRateLimit(cfg.UploadRatePerMinute),
		plugin.WithUploadLogger(logger),
	)
	if cfg.Watch {
		a.watcher = plugin.NewWatcher(a.manager,
			plugin.WithDebounce(cfg.WatchDebounce),
			plugin.WithWatcherLogger(logger),
		)
	}
	a.resolver = render.NewResolver(cfg.ViewsDir, logger)
	return a, nil
}

func (a *app) connectForwarders(ctx context.Context) error {
	ev := a.cfg.Events
	if ev.Redis.Addr != "" {
		f, err := eventbus.NewRedisForwarder(ctx, ev.Redis.Addr, ev.Redis.Password, ev.Redis.Prefix)
		if err != nil {
			return err
		}
		a.forwarders = append(a.forwarders, f)
	}
	if ev.NATS.URL != "" {
		f, err := eventbus.NewNATSForwarder(ev.NATS.URL, ev.NATS.SubjectPrefix)
		if err != nil {
			return err
		}
		a.forwarders = append(a.forwarders, f)
	}
	for _, f := range a.forwarders {
		if _, err := eventbus.Bridge(a.bus, ev.Forward, f, a.logger); err != nil {
			return fmt.Errorf("bridge %s: %w", f.Name(), err)
		}
		a.logger.Info("Forwarding events", "forwarder", f.Name(), "pattern", ev.Forward)
	}
	return nil
}

// start loads every artifact and starts the background components.
func (a *app) start(ctx context.Context) error {
	sum, err := a.manager.LoadAll(ctx)
	if err != nil {
		return err
	}
	for id, msg := range sum.Failures {
		a.logger.Warn("Module unavailable", "module", id, "error", msg)
	}
	a.sched.Start()
	if a.watcher != nil {
		if err := a.watcher.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) routes() http.Handler {
	mount := strings.TrimSuffix(a.cfg.MountPath, "/")
	binder := a.manager.Binder()
	api := plugin.NewAPIHandler(a.manager, a.uploader,
		plugin.WithOperator(operatorName),
		plugin.WithAPILogger(a.logger),
	)

	r := chi.NewRouter()
	if a.tracer != nil {
		r.Use(tracing.SpanMiddleware)
	}
	r.Use(auth.Middleware(a.verifier, a.logger))

	r.Get("/healthz", a.health)
	r.Handle("/metrics", a.metrics.Handler())

	r.Get(mount+"/assets/frontend.css", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		_, _ = io.WriteString(w, binder.Frontend().CSS)
	})
	r.Get(mount+"/assets/frontend.js", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
		_, _ = io.WriteString(w, binder.Frontend().JS)
	})
	r.Handle(mount+"/*", http.StripPrefix(mount, binder))

	r.Mount("/views", a.resolver.Handler())
	r.Mount("/api/plugins", api.PublicRoutes())
	r.Route("/api/admin/plugins", func(r chi.Router) {
		r.Use(auth.RequireRole(auth.RoleAdmin))
		r.Mount("/", api.AdminRoutes())
	})
	return r
}

func (a *app) health(w http.ResponseWriter, _ *http.Request) {
	counts := map[plugin.State]int{}
	for _, d := range a.manager.List() {
		counts[d.State]++
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"status":"ok","active":%d,"failed":%d,"disabled":%d}`,
		counts[plugin.StateActive], counts[plugin.StateFailed], counts[plugin.StateDisabled])
}

// close releases everything newApp acquired. It is safe on a partially
// built app.
func (a *app) close(ctx context.Context) {
	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			a.logger.Warn("Watcher stop error", "error", err)
		}
	}
	if a.manager != nil {
		a.manager.Shutdown(ctx)
	}
	if a.sched != nil {
		if err := a.sched.Stop(ctx); err != nil {
			a.logger.Warn("Scheduler stop error", "error", err)
		}
	}
	if a.bus != nil {
		a.bus.Close()
	}
	for _, f := range a.forwarders {
		if err := f.Close(); err != nil {
			a.logger.Warn("Forwarder close error", "forwarder", f.Name(), "error", err)
		}
	}
	if err := a.moduleDBs.Close(); err != nil {
		a.logger.Warn("Module database close error", "error", err)
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("Database close error", "error", err)
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("Tracer shutdown error", "error", err)
		}
	}
}

func operatorName(r *http.Request) string {
	if id, ok := auth.FromContext(r.Context()); ok {
		return id.Subject
	}
	return "anonymous"
}

// ensureSQLiteDir creates the parent directory of a file-backed SQLite
// database.
func ensureSQLiteDir(cfg store.Config) error {
	if cfg.Driver != "" && cfg.Driver != store.DriverSQLite {
		return nil
	}
	dsn := cfg.DSN
	if dsn == "" || dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create database dir: %w", err)
		}
	}
	return nil
}
