package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/matchcore/internal/domain"
)

// streamMaxLen is the approximate maximum length of the event stream,
// enforced via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// EventBus implements domain.EventPublisher. Each event goes to the Pub/Sub
// channel of its book for live listeners and to one capped stream for
// consumers that need to catch up.
type EventBus struct {
	rdb    *redis.Client
	prefix string
}

// NewEventBus creates an EventBus. Channels are "<prefix>:<market:outcome>"
// and the stream is "<prefix>:stream".
func NewEventBus(c *Client, prefix string) *EventBus {
	if prefix == "" {
		prefix = "matchcore:events"
	}
	return &EventBus{rdb: c.Conn(), prefix: prefix}
}

// Channel returns the Pub/Sub channel carrying a book's events.
func (b *EventBus) Channel(key domain.BookKey) string {
	return b.prefix + ":" + key.String()
}

// Stream returns the name of the capped event stream.
func (b *EventBus) Stream() string {
	return b.prefix + ":stream"
}

// Publish sends every event in one pipeline round trip.
func (b *EventBus) Publish(ctx context.Context, events []domain.MarketEvent) error {
	if len(events) == 0 {
		return nil
	}
	pipe := b.rdb.Pipeline()
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("redis: encode event %s: %w", ev.Type, err)
		}
		pipe.Publish(ctx, b.Channel(ev.Book), payload)
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: b.Stream(),
			MaxLen: streamMaxLen,
			Approx: true,
			Values: map[string]interface{}{
				"type":    ev.Type,
				"book":    ev.Book.String(),
				"payload": payload,
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish %d events: %w", len(events), err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.EventPublisher = (*EventBus)(nil)
