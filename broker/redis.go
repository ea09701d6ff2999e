package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/go-redis/redis/v8"
)

const redisSubscribeBuffer = 100

// RedisBroker implements MessageBroker on top of Redis pub/sub. It can share
// the client used by the state mirror.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker creates a Redis-backed message broker.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

// Publish sends a message to the specified channel.
func (b *RedisBroker) Publish(ctx context.Context, channel string, message Message) error {
	if err := b.client.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("redis publish to %s failed: %w", channel, err)
	}
	return nil
}

// Subscribe starts listening for messages on the specified channel.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	pubsub := b.client.Subscribe(ctx, channel)

	// Force the subscription to be established before returning, so a
	// caller that publishes immediately after Subscribe is not racing it.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe to %s failed: %w", channel, err)
	}

	messages := make(chan Message, redisSubscribeBuffer)
	go func() {
		defer close(messages)
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				var message Message
				if err := json.Unmarshal([]byte(msg.Payload), &message); err != nil {
					log.Printf("Redis broker: message decode error on %s: %v", channel, err)
					continue
				}
				select {
				case messages <- message:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return messages, nil
}

// Type identifies the broker implementation.
func (b *RedisBroker) Type() string {
	return "redis"
}

// Close is a no-op: the Redis client is shared and owned by the caller.
func (b *RedisBroker) Close() error {
	return nil
}
