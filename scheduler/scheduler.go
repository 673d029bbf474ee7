// Package scheduler runs the scheduled tasks contributed by plugin modules.
// Tasks are grouped by owner so a module's whole task set can be installed
// and removed as a unit.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ExecutionStatus represents the result of a task run.
type ExecutionStatus string

const (
	ExecStatusSuccess ExecutionStatus = "success"
	ExecStatusFailed  ExecutionStatus = "failed"
)

// Task is the unit of scheduled work.
type Task func(ctx context.Context) error

// Spec describes one task to install.
type Spec struct {
	Name     string
	CronExpr string
	Task     Task
}

// ExecutionRecord records the result of a single task run.
type ExecutionRecord struct {
	Group     string          `json:"group"`
	Name      string          `json:"name"`
	Status    ExecutionStatus `json:"status"`
	StartedAt time.Time       `json:"startedAt"`
	Duration  time.Duration   `json:"duration"`
	Error     string          `json:"error,omitempty"`
}

// EntryInfo describes an installed task.
type EntryInfo struct {
	Group    string    `json:"group"`
	Name     string    `json:"name"`
	CronExpr string    `json:"cronExpr"`
	NextRun  time.Time `json:"nextRun,omitempty"`
}

// ErrTaskNotFound is returned by ExecuteNow for unknown tasks.
var ErrTaskNotFound = errors.New("task not found")

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTimeout bounds each task run. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// WithObserver registers a callback invoked after every run.
func WithObserver(fn func(rec ExecutionRecord)) Option {
	return func(s *Scheduler) { s.observer = fn }
}

// WithHistoryLimit caps the number of records kept per group.
func WithHistoryLimit(n int) Option {
	return func(s *Scheduler) { s.historyLimit = n }
}

type entry struct {
	id   cron.EntryID
	spec Spec
}

// Scheduler wraps a cron runner with per-group bookkeeping.
type Scheduler struct {
	cron         *cron.Cron
	logger       *slog.Logger
	timeout      time.Duration
	observer     func(ExecutionRecord)
	historyLimit int

	mu      sync.Mutex
	groups  map[string]map[string]*entry
	history map[string][]ExecutionRecord
}

// New creates a stopped Scheduler.
func New(logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cron:         cron.New(),
		logger:       logger,
		timeout:      time.Minute,
		historyLimit: 50,
		groups:       make(map[string]map[string]*entry),
		history:      make(map[string][]ExecutionRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate checks a standard five-field cron expression (descriptors such as
// "@every 1h" are accepted too).
func Validate(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// AddGroup installs every spec under group. It is all-or-nothing: if any spec
// is invalid or the group already has tasks, nothing is installed.
func (s *Scheduler) AddGroup(group string, specs []Spec) error {
	if group == "" {
		return fmt.Errorf("group is required")
	}
	schedules := make([]cron.Schedule, len(specs))
	seen := make(map[string]bool, len(specs))
	for i, sp := range specs {
		if sp.Name == "" {
			return fmt.Errorf("task name is required")
		}
		if sp.Task == nil {
			return fmt.Errorf("task %q has no function", sp.Name)
		}
		if seen[sp.Name] {
			return fmt.Errorf("duplicate task name %q", sp.Name)
		}
		seen[sp.Name] = true
		sched, err := cron.ParseStandard(sp.CronExpr)
		if err != nil {
			return fmt.Errorf("task %q: invalid cron expression %q: %w", sp.Name, sp.CronExpr, err)
		}
		schedules[i] = sched
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.groups[group]) > 0 {
		return fmt.Errorf("group %q already has scheduled tasks", group)
	}
	entries := make(map[string]*entry, len(specs))
	for i, sp := range specs {
		sp := sp
		id := s.cron.Schedule(schedules[i], cron.FuncJob(func() {
			s.execute(context.Background(), group, sp)
		}))
		entries[sp.Name] = &entry{id: id, spec: sp}
	}
	if len(entries) > 0 {
		s.groups[group] = entries
	}
	return nil
}

// RemoveGroup uninstalls every task of group and returns how many were
// removed. Removing an unknown group is a no-op.
func (s *Scheduler) RemoveGroup(group string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.groups[group]
	for _, e := range entries {
		s.cron.Remove(e.id)
	}
	delete(s.groups, group)
	return len(entries)
}

// Entries lists the tasks of group sorted by name.
func (s *Scheduler) Entries(group string) []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryInfo, 0, len(s.groups[group]))
	for name, e := range s.groups[group] {
		out = append(out, EntryInfo{
			Group:    group,
			Name:     name,
			CronExpr: e.spec.CronExpr,
			NextRun:  s.cron.Entry(e.id).Next,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ExecuteNow runs a task immediately, bypassing its schedule.
func (s *Scheduler) ExecuteNow(ctx context.Context, group, name string) (ExecutionRecord, error) {
	s.mu.Lock()
	e, ok := s.groups[group][name]
	s.mu.Unlock()
	if !ok {
		return ExecutionRecord{}, fmt.Errorf("%s/%s: %w", group, name, ErrTaskNotFound)
	}
	return s.execute(ctx, group, e.spec), nil
}

// History returns the recorded runs of group, oldest first.
func (s *Scheduler) History(group string) []ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ExecutionRecord(nil), s.history[group]...)
}

// Start begins running scheduled tasks in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the runner and waits for running tasks or ctx expiry.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) execute(ctx context.Context, group string, sp Spec) ExecutionRecord {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	err := safeRun(ctx, sp.Task)
	rec := ExecutionRecord{
		Group:     group,
		Name:      sp.Name,
		Status:    ExecStatusSuccess,
		StartedAt: start,
		Duration:  time.Since(start),
	}
	if err != nil {
		rec.Status = ExecStatusFailed
		rec.Error = err.Error()
		s.logger.Warn("Scheduled task failed", "group", group, "task", sp.Name, "error", err)
	} else {
		s.logger.Debug("Scheduled task completed", "group", group, "task", sp.Name, "duration", rec.Duration)
	}

	s.mu.Lock()
	h := append(s.history[group], rec)
	if s.historyLimit > 0 && len(h) > s.historyLimit {
		h = h[len(h)-s.historyLimit:]
	}
	s.history[group] = h
	s.mu.Unlock()

	if s.observer != nil {
		s.observer(rec)
	}
	return rec
}

func safeRun(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in task: %v", r)
		}
	}()
	return task(ctx)
}
