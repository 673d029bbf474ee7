package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long a file must be quiet before it is reloaded.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatcherLogger sets the logger for the watcher.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithOnChange sets a callback invoked after each reload or unload the
// watcher triggers.
func WithOnChange(fn func(id string, removed bool, err error)) WatcherOption {
	return func(w *Watcher) { w.onChange = fn }
}

// Watcher reloads modules whose artifacts change on disk and unloads those
// whose artifacts disappear. It only ever calls Manager.Reload and
// Manager.Unload.
type Watcher struct {
	manager  *Manager
	dir      string
	debounce time.Duration
	logger   *slog.Logger
	onChange func(id string, removed bool, err error)

	fsWatcher *fsnotify.Watcher
	cancel    context.CancelFunc
	done      chan struct{}

	mu      sync.Mutex
	pending map[string]time.Time
}

// NewWatcher creates a watcher over the manager's discovery directory.
func NewWatcher(manager *Manager, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		manager:  manager,
		dir:      manager.Loader().Dir(),
		debounce: 500 * time.Millisecond,
		logger:   slog.Default(),
		pending:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w
}

// Start begins watching. Artifacts already present are left to LoadAll.
func (w *Watcher) Start(ctx context.Context) error {
	if w.done != nil {
		return errors.New("watcher already started")
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create plugins dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.fsWatcher = fsw
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.logger.Info("Watching plugin directory", "dir", w.dir, "debounce", w.debounce)

	go w.loop(ctx)
	return nil
}

// Stop terminates the watcher and waits for in-flight reloads.
func (w *Watcher) Stop() error {
	if w.done == nil {
		return nil
	}
	w.cancel()
	<-w.done
	return w.fsWatcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	tick := w.debounce / 2
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			id, isArtifact := IDFromFilename(event.Name)
			if !isArtifact {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.mark(id)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Plugin watcher error", "error", err)

		case <-ticker.C:
			w.processPending(ctx)
		}
	}
}

func (w *Watcher) mark(id string) {
	w.mu.Lock()
	w.pending[id] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) processPending(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	var ready []string
	for id, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			ready = append(ready, id)
			delete(w.pending, id)
		}
	}
	w.mu.Unlock()

	for _, id := range ready {
		w.apply(ctx, id)
	}
}

// apply decides from the filesystem, not the event, whether id still has an
// artifact: a rename-over looks like a removal followed by a create.
func (w *Watcher) apply(ctx context.Context, id string) {
	_, present := w.manager.Loader().Find(id)
	removed := !present
	var err error
	if present {
		_, err = w.manager.Reload(ctx, id)
		if err != nil {
			w.logger.Warn("Watched artifact failed to reload", "module", id, "error", err)
		} else {
			w.logger.Info("Watched artifact reloaded", "module", id)
		}
	} else {
		err = w.manager.Unload(ctx, id)
		if err == nil {
			w.logger.Info("Watched artifact removed", "module", id)
		}
	}
	if w.onChange != nil {
		w.onChange(id, removed, err)
	}
}
