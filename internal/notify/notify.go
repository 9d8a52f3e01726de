// Package notify broadcasts job lifecycle events to observers. Delivery is
// fire-and-forget: a failed or slow observer never blocks the caller.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iago/membership-intake/internal/policy"
)

// Broadcaster publishes an event with a JSON-serializable payload.
type Broadcaster interface {
	Broadcast(ctx context.Context, event string, payload any)
}

// Event is the envelope sent on every channel.
type Event struct {
	Name      string    `json:"event"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// encode wraps the payload in an Event and redacts personal data from every
// string in it.
func encode(event string, payload any) ([]byte, error) {
	message, err := json.Marshal(Event{Name: event, Payload: payload, Timestamp: time.Now().UTC()})
	if err != nil {
		return nil, err
	}
	return policy.MaskPIIJSON(message), nil
}

type Nop struct{}

func (Nop) Broadcast(context.Context, string, any) {}

// Multi fans one event out to several broadcasters.
type Multi []Broadcaster

func (m Multi) Broadcast(ctx context.Context, event string, payload any) {
	for _, broadcaster := range m {
		if broadcaster != nil {
			broadcaster.Broadcast(ctx, event, payload)
		}
	}
}

// RedisPublisher publishes events on a Redis pub/sub channel so observers in
// other processes receive them.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

func NewRedisPublisher(client *redis.Client, channel string, logger *slog.Logger) *RedisPublisher {
	if channel == "" {
		channel = "bulk_uploads:events"
	}
	return &RedisPublisher{client: client, channel: channel, logger: logger}
}

func (p *RedisPublisher) Broadcast(ctx context.Context, event string, payload any) {
	message, err := encode(event, payload)
	if err == nil {
		err = p.client.Publish(ctx, p.channel, message).Err()
	}
	if err != nil && p.logger != nil {
		p.logger.Warn("publish event failed", "event", event, "error", err)
	}
}

// Logger records every event at debug level.
type Logger struct {
	logger *slog.Logger
}

func NewLogger(logger *slog.Logger) Logger {
	return Logger{logger: logger}
}

func (l Logger) Broadcast(ctx context.Context, event string, payload any) {
	if l.logger != nil {
		l.logger.DebugContext(ctx, "job event", "event", event, "payload", payload)
	}
}
