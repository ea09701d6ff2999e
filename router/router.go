// Package router fans typed events out to every connection of one user.
// Per-connection delivery failures are folded into the result and trigger
// self-healing removal of the dead connection; they never abort delivery to
// the user's other connections.
package router

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/abdelmounim-dev/agent-notifier/broker"
	"github.com/abdelmounim-dev/agent-notifier/metrics"
	"github.com/abdelmounim-dev/agent-notifier/registry"
	"github.com/abdelmounim-dev/agent-notifier/state"
)

// Agent lifecycle event types emitted by the agent-execution collaborator.
// The router itself is event-type-agnostic; these constants only exist so
// producers and tests agree on spelling.
const (
	EventAgentStarted   = "agent_started"
	EventAgentThinking  = "agent_thinking"
	EventToolExecuting  = "tool_executing"
	EventToolCompleted  = "tool_completed"
	EventAgentCompleted = "agent_completed"
)

// Event types originated by the notification layer itself.
const (
	EventHeartbeatFailed    = "heartbeat_failed"
	EventTaskProgress       = "task_progress"
	EventMigrationStarted   = "migration_started"
	EventMigrationCompleted = "migration_completed"
)

// Event is one user-addressed message. Data carries free-form correlation
// fields (execution_id, thread_id, ...) owned by the producer.
type Event struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data,omitempty"`
	At   time.Time              `json:"at,omitempty"`
}

// ConnFailure records one failed delivery attempt.
type ConnFailure struct {
	ConnID string `json:"connection_id"`
	Reason string `json:"reason"`
}

// Result summarizes one SendToUser call. Sent is true when at least one
// connection accepted the event.
type Result struct {
	UserID    string        `json:"user_id"`
	Sent      bool          `json:"sent"`
	Attempts  int           `json:"attempts"`
	Forwarded bool          `json:"forwarded,omitempty"`
	Failures  []ConnFailure `json:"failures,omitempty"`
}

// Router delivers events to a user's local connections, and optionally
// forwards events for users homed on another instance via the broker.
type Router struct {
	reg      *registry.Registry
	store    *state.Store
	brk      broker.MessageBroker
	serverID string
}

// New creates a router over the given registry.
func New(reg *registry.Registry) *Router {
	return &Router{reg: reg}
}

// BindStore attaches the state store so a dead connection's WEBSOCKET-scope
// entries are purged when the router removes it.
func (r *Router) BindStore(store *state.Store) {
	r.store = store
}

// BindBroker attaches the cross-instance broker. Events for users with no
// local connection are published on the events channel so the owning
// instance can deliver them.
func (r *Router) BindBroker(brk broker.MessageBroker, serverID string) {
	r.brk = brk
	r.serverID = serverID
}

// SendToUser delivers the event to every connection in the user's set. One
// delivery attempt is made per connection; a failed attempt removes that
// connection from the registry and is reported in the result, never raised.
func (r *Router) SendToUser(ctx context.Context, userID string, event Event) Result {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	result := Result{UserID: userID}
	connIDs := r.reg.UserConnections(userID)

	if len(connIDs) == 0 {
		if r.brk != nil {
			result.Forwarded = r.forward(ctx, userID, event)
		}
		return result
	}

	for _, connID := range connIDs {
		conn, ok := r.reg.Get(connID)
		if !ok {
			// Removed concurrently between listing and delivery.
			continue
		}
		result.Attempts++

		if err := conn.Transport.Send(event); err != nil {
			log.Printf("Failed to deliver %s to connection %s (user %s): %v", event.Type, connID, userID, err)
			result.Failures = append(result.Failures, ConnFailure{ConnID: connID, Reason: err.Error()})
			metrics.DeliveryFailures.Inc()
			r.evict(ctx, connID)
			continue
		}
		metrics.EventsDelivered.Inc()
		result.Sent = true
	}
	return result
}

// evict removes a connection the router found dead, along with its
// WEBSOCKET-scope state.
func (r *Router) evict(ctx context.Context, connID string) {
	r.reg.Remove(connID)
	if r.store != nil {
		r.store.ClearScope(ctx, state.ScopeWebsocket, connID)
	}
}

// forward publishes the event on the broker for delivery by whichever
// instance holds the user's connections.
func (r *Router) forward(ctx context.Context, userID string, event Event) bool {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("Failed to marshal event %s for forwarding: %v", event.Type, err)
		return false
	}
	msg := broker.Message{
		Kind:    broker.KindEvent,
		UserID:  userID,
		Payload: payload,
	}
	if err := r.brk.Publish(ctx, broker.EventsChannel, msg); err != nil {
		log.Printf("Failed to forward event %s for user %s: %v", event.Type, userID, err)
		return false
	}
	metrics.EventsForwarded.Inc()
	metrics.BrokerMessagesPublished.WithLabelValues(r.brk.Type()).Inc()
	return true
}

// ListenForEvents consumes the broker's events channel and delivers each
// message addressed to a locally connected user. Messages carrying a
// ServerID for another instance are skipped.
func (r *Router) ListenForEvents(ctx context.Context) error {
	if r.brk == nil {
		return nil
	}
	messages, err := r.brk.Subscribe(ctx, broker.EventsChannel)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				log.Println("Broker events channel closed")
				return nil
			}
			if msg.Kind != broker.KindEvent {
				continue
			}
			if msg.ServerID != "" && msg.ServerID != r.serverID {
				continue
			}
			if !r.reg.IsActive(msg.UserID) {
				continue
			}

			var event Event
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				log.Printf("Broker event decode error for user %s: %v", msg.UserID, err)
				continue
			}
			r.SendToUser(ctx, msg.UserID, event)
		}
	}
}
