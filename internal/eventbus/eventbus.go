// Package eventbus publishes pipeline events to per-job Redis pub/sub
// channels and turns subscriptions into typed Go channels.
//
// Delivery is fire-and-forget: the bus never blocks a pipeline on a slow
// subscriber, and late subscribers only see messages published after they
// attach. The SSE backfill path compensates by replaying stored segments.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/carevox/carevox/internal/event"
)

// subscriberBuffer decouples the Redis pump from momentarily slow consumers.
const subscriberBuffer = 16

// Bus is a per-job publish/subscribe bus backed by Redis channels named
// <prefix>:<job_id>. All methods are safe for concurrent use.
type Bus struct {
	client *redis.Client
	prefix string
}

// Option configures a Bus.
type Option func(*Bus)

// WithChannelPrefix sets the Redis channel prefix. Default is "job_events".
func WithChannelPrefix(prefix string) Option {
	return func(b *Bus) {
		b.prefix = prefix
	}
}

// New creates a Bus on top of an existing Redis client.
func New(client *redis.Client, opts ...Option) *Bus {
	b := &Bus{
		client: client,
		prefix: "job_events",
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish sends msg to the job's channel. Failures are logged and swallowed;
// event delivery is best-effort by contract and must never fail a pipeline.
func (b *Bus) Publish(ctx context.Context, jobID string, msg event.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("event bus: marshal message", "job", jobID, "type", msg.Type, "error", err)
		return
	}
	if err := b.client.Publish(ctx, b.channel(jobID), data).Err(); err != nil {
		slog.Warn("event bus: publish failed", "job", jobID, "type", msg.Type, "error", err)
	}
}

// Subscribe attaches to the job's channel and returns a message channel plus
// an unsubscribe function. The message channel closes when ctx ends, when
// unsubscribe is called, or when the connection drops. Unsubscribe may be
// called more than once.
func (b *Bus) Subscribe(ctx context.Context, jobID string) (<-chan event.Message, func()) {
	out := make(chan event.Message, subscriberBuffer)

	sub := b.client.Subscribe(ctx, b.channel(jobID))
	// Wait for the subscription confirmation so callers never miss events
	// published right after Subscribe returns.
	if _, err := sub.Receive(ctx); err != nil {
		slog.Warn("event bus: subscribe failed", "job", jobID, "error", err)
		_ = sub.Close()
		close(out)
		return out, func() {}
	}

	done := make(chan struct{})
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { close(done) })
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = sub.Close()
	}()

	go func() {
		defer close(out)
		for m := range sub.Channel() {
			var msg event.Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				slog.Warn("event bus: drop malformed message", "channel", m.Channel, "error", err)
				continue
			}
			select {
			case out <- msg:
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, unsubscribe
}

func (b *Bus) channel(jobID string) string {
	return fmt.Sprintf("%s:%s", b.prefix, jobID)
}
