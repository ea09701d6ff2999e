// Command backend is a stand-in for the agent-execution collaborator. It
// emits the five lifecycle events for one user over the events channel, so
// a notifier instance (and a browser tab connected to it) can be exercised
// end to end without a real agent runtime.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Message mirrors the notifier's broker envelope.
type Message struct {
	Kind     string          `json:"kind"`
	UserID   string          `json:"user_id"`
	ServerID string          `json:"server_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Event mirrors the notifier's router event.
type Event struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data,omitempty"`
}

const eventsChannel = "notifier-events"

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func main() {
	redisAddr := getEnv("REDIS_ADDRESS", "localhost:6379")
	userID := getEnv("NOTIFY_USER_ID", "demo-user")
	log.Printf("Connecting to Redis at %s, emitting lifecycle events for user %s", redisAddr, userID)

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx := context.Background()

	executionID := uuid.New().String()
	sequence := []Event{
		{Type: "agent_started", Data: map[string]interface{}{"execution_id": executionID}},
		{Type: "agent_thinking", Data: map[string]interface{}{"execution_id": executionID}},
		{Type: "tool_executing", Data: map[string]interface{}{"execution_id": executionID, "tool": "web_search"}},
		{Type: "tool_completed", Data: map[string]interface{}{"execution_id": executionID, "tool": "web_search"}},
		{Type: "agent_completed", Data: map[string]interface{}{"execution_id": executionID}},
	}

	for _, event := range sequence {
		payload, err := json.Marshal(event)
		if err != nil {
			log.Fatalf("Failed to marshal event %s: %v", event.Type, err)
		}
		msg := Message{Kind: "event", UserID: userID, Payload: payload}
		data, err := json.Marshal(msg)
		if err != nil {
			log.Fatalf("Failed to marshal envelope: %v", err)
		}

		if err := rdb.Publish(ctx, eventsChannel, data).Err(); err != nil {
			log.Fatalf("Failed to publish %s: %v", event.Type, err)
		}
		log.Printf("Published %s for user %s", event.Type, userID)
		time.Sleep(500 * time.Millisecond)
	}
}
