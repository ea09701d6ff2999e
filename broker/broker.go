// Package broker abstracts the pub/sub transport used for cross-instance
// coordination: forwarding events to the instance that owns a user's
// connections and carrying migration packages during rolling restarts.
package broker

import (
	"context"
	"encoding/json"
)

// Channel names shared by every instance of the notifier.
const (
	// EventsChannel carries user-addressed events published by the
	// agent-execution collaborator or forwarded by a peer instance.
	EventsChannel = "notifier-events"
	// MigrationsChannel carries migration packages between instances.
	MigrationsChannel = "notifier-migrations"
	// AgentRequestsChannel carries raw client frames to the
	// agent-execution collaborator.
	AgentRequestsChannel = "agent-requests"
)

// Message kinds.
const (
	KindEvent     = "event"
	KindMigration = "migration"
)

// Message is the wire envelope. ServerID targets a specific instance; when
// empty, any instance holding a connection for UserID should act on it.
type Message struct {
	Kind     string          `json:"kind"`
	UserID   string          `json:"user_id"`
	ServerID string          `json:"server_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// MarshalBinary implements encoding.BinaryMarshaler so Messages can be
// handed straight to the Redis client.
func (m Message) MarshalBinary() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *Message) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, m)
}

// MessageBroker is the pub/sub contract. Implementations: Redis pub/sub and
// Kafka, selected by configuration.
type MessageBroker interface {
	// Publish sends a message to the specified channel.
	Publish(ctx context.Context, channel string, message Message) error
	// Subscribe starts listening for messages on the specified channel.
	// The returned channel is closed when ctx is cancelled.
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
	// Type identifies the implementation for logs and metrics.
	Type() string
	// Close cleans up resources.
	Close() error
}
