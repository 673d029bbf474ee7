// Package eventbus provides the in-process publish/subscribe channel the plugin
// runtime uses to announce lifecycle changes, plus forwarders that fan events
// out to external brokers.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a single notification delivered to subscribers.
type Event struct {
	ID        string         `json:"id"`
	Topic     string         `json:"topic"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Handler processes an event. Returned errors are logged, never propagated to
// the publisher.
type Handler func(ctx context.Context, ev Event) error

// Subscription is the handle returned by Subscribe.
type Subscription interface {
	Pattern() string
	Cancel()
}

// Bus is the publish/subscribe contract shared by the host and modules.
type Bus interface {
	Publish(ctx context.Context, topic, source string, data map[string]any) error
	Subscribe(pattern string, h Handler) (Subscription, error)
}

// ErrInvalidTopic is returned for empty topics or malformed patterns.
var ErrInvalidTopic = errors.New("invalid topic")

// Delivery defaults.
const (
	DefaultDeliveryTimeout = 5 * time.Second
	DefaultQueueSize       = 256
)

// MemoryBus delivers events to matching in-process subscribers. Each
// subscription owns a bounded queue drained by its own goroutine, so Publish
// never waits for a handler and a stuck handler only delays its own
// subscription. Patterns use path.Match syntax, so "module.*" matches
// "module.reload.failed".
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	nextID  uint64
	timeout time.Duration
	queue   int
	logger  *slog.Logger

	pendingMu sync.Mutex
	pending   int
	idle      chan struct{}
}

// BusOption configures a MemoryBus.
type BusOption func(*MemoryBus)

// WithDeliveryTimeout bounds the context each handler runs with.
func WithDeliveryTimeout(d time.Duration) BusOption {
	return func(b *MemoryBus) { b.timeout = d }
}

// WithQueueSize sets how many undelivered events a subscription buffers
// before new ones are dropped.
func WithQueueSize(n int) BusOption {
	return func(b *MemoryBus) { b.queue = n }
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus(logger *slog.Logger, opts ...BusOption) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &MemoryBus{
		subs:    make(map[uint64]*subscription),
		timeout: DefaultDeliveryTimeout,
		queue:   DefaultQueueSize,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.timeout <= 0 {
		b.timeout = DefaultDeliveryTimeout
	}
	if b.queue < 1 {
		b.queue = 1
	}
	return b
}

type queued struct {
	ctx context.Context
	ev  Event
}

type subscription struct {
	id      uint64
	pattern string
	handler Handler
	bus     *MemoryBus
	queue   chan queued
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) Pattern() string { return s.pattern }

// Cancel stops delivery. Events still queued for the subscription are
// discarded; a handler already running is not interrupted.
func (s *subscription) Cancel() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.done)
	})
}

func (s *subscription) run() {
	for {
		select {
		case q := <-s.queue:
			s.bus.deliver(q.ctx, s, q.ev)
			s.bus.settle()
		case <-s.done:
			for {
				select {
				case <-s.queue:
					s.bus.settle()
				default:
					return
				}
			}
		}
	}
}

// Subscribe registers h for every topic matching pattern.
func (b *MemoryBus) Subscribe(pattern string, h Handler) (Subscription, error) {
	if pattern == "" || h == nil {
		return nil, fmt.Errorf("subscribe: %w", ErrInvalidTopic)
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("subscribe %q: %w", pattern, ErrInvalidTopic)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscription{
		id:      b.nextID,
		pattern: pattern,
		handler: h,
		bus:     b,
		queue:   make(chan queued, b.queue),
		done:    make(chan struct{}),
	}
	b.subs[sub.id] = sub
	go sub.run()
	return sub, nil
}

// Publish builds an Event and queues it for every matching subscriber. Each
// subscriber receives its own copy of data. Publish does not wait for
// delivery; a subscriber whose queue is full misses the event.
func (b *MemoryBus) Publish(ctx context.Context, topic, source string, data map[string]any) error {
	if topic == "" {
		return fmt.Errorf("publish: %w", ErrInvalidTopic)
	}
	ev := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Source:    source,
		Timestamp: time.Now().UTC(),
	}
	// Handlers outlive the publisher's request.
	ctx = context.WithoutCancel(ctx)

	b.mu.RLock()
	defer b.mu.RUnlock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if ok, _ := path.Match(sub.pattern, topic); ok {
			matched = append(matched, sub)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })

	for _, sub := range matched {
		cp := ev
		cp.Data = CloneData(data)
		b.acquire()
		select {
		case sub.queue <- queued{ctx: ctx, ev: cp}:
		default:
			b.settle()
			b.logger.Warn("Event dropped, subscriber queue full", "topic", topic, "pattern", sub.pattern)
		}
	}
	return nil
}

// Flush waits until every queued event has been handled or ctx is done.
func (b *MemoryBus) Flush(ctx context.Context) error {
	b.pendingMu.Lock()
	if b.pending == 0 {
		b.pendingMu.Unlock()
		return nil
	}
	idle := b.idle
	b.pendingMu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels every subscription.
func (b *MemoryBus) Close() {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		sub.Cancel()
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *MemoryBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *MemoryBus) acquire() {
	b.pendingMu.Lock()
	if b.pending == 0 {
		b.idle = make(chan struct{})
	}
	b.pending++
	b.pendingMu.Unlock()
}

func (b *MemoryBus) settle() {
	b.pendingMu.Lock()
	b.pending--
	if b.pending == 0 {
		close(b.idle)
	}
	b.pendingMu.Unlock()
}

func (b *MemoryBus) deliver(ctx context.Context, sub *subscription, ev Event) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked", "topic", ev.Topic, "pattern", sub.pattern, "panic", r)
		}
	}()
	if err := sub.handler(ctx, ev); err != nil {
		b.logger.Warn("Event handler failed", "topic", ev.Topic, "pattern", sub.pattern, "error", err)
	}
}

// CloneData copies data deeply enough that nested maps and slices are not
// shared between subscribers.
func CloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneData(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
