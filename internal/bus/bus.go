// Package bus adapts NATS as the orchestrator's message transport and
// durable key/value side-channel.
//
// Pub/sub channels map 1:1 to NATS subjects with JSON payloads. Delivery is
// at-least-once from the consumer's point of view (redeliveries happen
// around reconnects), so every handler in this codebase is idempotent.
// Ordering is only guaranteed within a single subject from a single
// publisher.
//
// The key/value side-channel is JetStream KV: one bucket for long-lived
// state and a second, TTL-bound bucket for signal lifecycle logs. Writes are
// whole-key replaces.
//
// Reconnection is delegated to the NATS client (unlimited reconnects with a
// configurable wait); subscriptions survive reconnects. No replay of missed
// messages is assumed — the reconciliation engine closes the gap.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"futures-orchestrator/internal/config"
)

// Publisher is the outbound half of the bus, accepted by components that
// only emit messages. *Conn implements it; tests substitute fakes.
type Publisher interface {
	Publish(channel string, v any) error
}

// KV is the minimal key/value surface the store needs. Get reports presence
// explicitly so a missing key (first boot) is not an error.
type KV interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
}

// Conn is a live bus connection: core NATS for pub/sub plus two JetStream
// KV buckets.
type Conn struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	state      nats.KeyValue
	lifecycles nats.KeyValue
	logger     *slog.Logger
}

// Connect dials NATS and ensures both KV buckets exist.
func Connect(cfg config.BusConfig, logger *slog.Logger) (*Conn, error) {
	log := logger.With("component", "bus")

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("bus disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("bus reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	state, err := ensureBucket(js, nats.KeyValueConfig{Bucket: cfg.StateBucket})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("state bucket: %w", err)
	}

	lifecycles, err := ensureBucket(js, nats.KeyValueConfig{
		Bucket: cfg.LifecycleBucket,
		TTL:    cfg.LifecycleTTL,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("lifecycle bucket: %w", err)
	}

	log.Info("bus connected", "url", nc.ConnectedUrl(),
		"state_bucket", cfg.StateBucket, "lifecycle_bucket", cfg.LifecycleBucket)

	return &Conn{
		nc:         nc,
		js:         js,
		state:      state,
		lifecycles: lifecycles,
		logger:     log,
	}, nil
}

func ensureBucket(js nats.JetStreamContext, cfg nats.KeyValueConfig) (nats.KeyValue, error) {
	kv, err := js.KeyValue(cfg.Bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, err
	}
	return js.CreateKeyValue(&cfg)
}

// Publish marshals v to JSON and publishes it on the channel. Errors are
// retryable from the caller's point of view; a disconnected client buffers
// writes until the pending limit is hit.
func (c *Conn) Publish(channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", channel, err)
	}
	if err := c.nc.Publish(channel, data); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers a handler for a channel. The handler receives the raw
// JSON payload and must be idempotent. Subscriptions are re-established by
// the client after reconnects.
func (c *Conn) Subscribe(channel string, handler func(data []byte)) (*nats.Subscription, error) {
	sub, err := c.nc.Subscribe(channel, func(m *nats.Msg) {
		handler(m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return sub, nil
}

// IsConnected reports whether the underlying NATS connection is up.
func (c *Conn) IsConnected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// State returns the long-lived KV bucket.
func (c *Conn) State() KV { return kvBucket{c.state} }

// Lifecycles returns the TTL-bound KV bucket for signal lifecycle logs.
func (c *Conn) Lifecycles() KV { return kvBucket{c.lifecycles} }

// Close flushes and closes the connection.
func (c *Conn) Close() {
	if c.nc == nil {
		return
	}
	if err := c.nc.Drain(); err != nil {
		c.logger.Warn("bus drain failed", "error", err)
		c.nc.Close()
	}
}

// kvBucket adapts a nats.KeyValue to the KV interface. Store keys use the
// historical colon-delimited names (signal:context, multi-strategy:state);
// colons are not legal in JetStream KV keys, so they are mapped to dots on
// the way in.
type kvBucket struct {
	kv nats.KeyValue
}

func kvKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}

func (b kvBucket) Get(key string) ([]byte, bool, error) {
	entry, err := b.kv.Get(kvKey(key))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return entry.Value(), true, nil
}

func (b kvBucket) Set(key string, value []byte) error {
	if _, err := b.kv.Put(kvKey(key), value); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}
