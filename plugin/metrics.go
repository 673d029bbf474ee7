package plugin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the Prometheus collector for the runtime. It owns a private
// registry so tests and multiple hosts in one process do not collide. All
// methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	loads         *prometheus.CounterVec
	reloads       *prometheus.CounterVec
	uninstalls    prometheus.Counter
	active        prometheus.Gauge
	loadDuration  prometheus.Histogram
	routeRequests *prometheus.CounterVec
	taskRuns      *prometheus.CounterVec
}

// NewMetrics creates and registers the runtime collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexus", Subsystem: "plugin", Name: "loads_total",
			Help: "Module load attempts by outcome",
		}, []string{"outcome"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexus", Subsystem: "plugin", Name: "reloads_total",
			Help: "Module reload attempts by outcome",
		}, []string{"outcome"}),
		uninstalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexus", Subsystem: "plugin", Name: "uninstalls_total",
			Help: "Modules uninstalled",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nexus", Subsystem: "plugin", Name: "active_modules",
			Help: "Modules currently active",
		}),
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nexus", Subsystem: "plugin", Name: "load_duration_seconds",
			Help:    "Time spent loading and initializing a module",
			Buckets: prometheus.DefBuckets,
		}),
		routeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexus", Subsystem: "plugin", Name: "route_requests_total",
			Help: "Requests dispatched to module routes",
		}, []string{"module", "status"}),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexus", Subsystem: "plugin", Name: "task_runs_total",
			Help: "Scheduled task runs by outcome",
		}, []string{"module", "outcome"}),
	}
	reg.MustRegister(m.loads, m.reloads, m.uninstalls, m.active, m.loadDuration, m.routeRequests, m.taskRuns)
	return m
}

// Registry returns the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeLoad(err error, d time.Duration) {
	if m == nil {
		return
	}
	m.loads.WithLabelValues(outcome(err)).Inc()
	m.loadDuration.Observe(d.Seconds())
}

func (m *Metrics) observeReload(err error) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) observeUninstall() {
	if m == nil {
		return
	}
	m.uninstalls.Inc()
}

func (m *Metrics) setActive(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}

func (m *Metrics) observeRoute(module string, status int) {
	if m == nil {
		return
	}
	m.routeRequests.WithLabelValues(module, strconv.Itoa(status)).Inc()
}

// ObserveTask records a scheduled task run. It is meant to be wired as the
// scheduler's observer.
func (m *Metrics) ObserveTask(module, result string) {
	if m == nil {
		return
	}
	m.taskRuns.WithLabelValues(module, result).Inc()
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	if kind := KindOf(err); kind != "" {
		return kind
	}
	return "error"
}
