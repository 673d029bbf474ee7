package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// Forwarder relays bus events to an external broker so out-of-process
// observers (dashboards, notification workers) can follow plugin activity.
type Forwarder interface {
	Name() string
	Forward(ctx context.Context, ev Event) error
	Close() error
}

// Bridge subscribes f to every event matching pattern on bus.
func Bridge(bus Bus, pattern string, f Forwarder, logger *slog.Logger) (Subscription, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return bus.Subscribe(pattern, func(ctx context.Context, ev Event) error {
		if err := f.Forward(ctx, ev); err != nil {
			logger.Warn("Event forward failed", "forwarder", f.Name(), "topic", ev.Topic, "error", err)
			return err
		}
		return nil
	})
}

// RedisForwarder publishes events as JSON on a Redis pub/sub channel named
// <prefix><topic>.
type RedisForwarder struct {
	client *redis.Client
	prefix string
}

// NewRedisForwarder connects to addr. The connection is verified with PING.
func NewRedisForwarder(ctx context.Context, addr, password, prefix string) (*RedisForwarder, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis forwarder: ping %s: %w", addr, err)
	}
	return &RedisForwarder{client: client, prefix: prefix}, nil
}

// Name implements Forwarder.
func (f *RedisForwarder) Name() string { return "redis" }

// Channel returns the channel an event topic is published on.
func (f *RedisForwarder) Channel(topic string) string { return f.prefix + topic }

// Forward implements Forwarder.
func (f *RedisForwarder) Forward(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return f.client.Publish(ctx, f.Channel(ev.Topic), payload).Err()
}

// Close implements Forwarder.
func (f *RedisForwarder) Close() error { return f.client.Close() }

// NATSForwarder publishes events as JSON on the subject <prefix>.<topic>.
type NATSForwarder struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSForwarder connects to the NATS server at url.
func NewNATSForwarder(url, prefix string) (*NATSForwarder, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name("nexus-eventbus"))
	if err != nil {
		return nil, fmt.Errorf("nats forwarder: connect %s: %w", url, err)
	}
	return &NATSForwarder{conn: conn, prefix: strings.TrimSuffix(prefix, ".")}, nil
}

// Name implements Forwarder.
func (f *NATSForwarder) Name() string { return "nats" }

// Subject returns the subject an event topic is published on.
func (f *NATSForwarder) Subject(topic string) string {
	if f.prefix == "" {
		return topic
	}
	return f.prefix + "." + topic
}

// Forward implements Forwarder.
func (f *NATSForwarder) Forward(_ context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return f.conn.Publish(f.Subject(ev.Topic), payload)
}

// Close implements Forwarder.
func (f *NATSForwarder) Close() error {
	if err := f.conn.Drain(); err != nil {
		f.conn.Close()
		return err
	}
	return nil
}
