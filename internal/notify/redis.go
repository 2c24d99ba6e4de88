package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/pixora/api/internal/model"
)

// RedisBus carries session events over redis Pub/Sub so every process in a
// horizontally scaled deployment sees them, wherever the websocket
// connection happens to live.
type RedisBus struct {
	redis  *redis.Client
	prefix string
}

func NewRedisBus(redisClient *redis.Client) *RedisBus {
	return &RedisBus{redis: redisClient, prefix: "events:user:"}
}

func (b *RedisBus) channel(userID string) string {
	return b.prefix + userID
}

// Publish sends an event to the user's channel.
func (b *RedisBus) Publish(ctx context.Context, userID string, event *model.SessionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.redis.Publish(ctx, b.channel(userID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe streams the user's events until the cancel function is called.
func (b *RedisBus) Subscribe(ctx context.Context, userID string) (<-chan *model.SessionEvent, func(), error) {
	pubsub := b.redis.Subscribe(ctx, b.channel(userID))
	// Force the subscription to be established before returning.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan *model.SessionEvent, 16)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var event model.SessionEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("[Notify] Dropping malformed event on %s: %v", msg.Channel, err)
				continue
			}
			select {
			case out <- &event:
			default:
				// Slow consumer: drop rather than block the pubsub reader.
			}
		}
	}()

	return out, func() { _ = pubsub.Close() }, nil
}
