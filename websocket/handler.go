// Package websocket is the transport edge of the notification layer: it
// upgrades HTTP requests, resolves the owning user (via the JWT shim when
// auth is enabled), registers the connection with the core and runs the read
// loop. The core packages never see a gorilla connection, only the
// registry's Transport capability.
package websocket

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/abdelmounim-dev/agent-notifier/broker"
	"github.com/abdelmounim-dev/agent-notifier/config"
	"github.com/abdelmounim-dev/agent-notifier/metrics"
	"github.com/abdelmounim-dev/agent-notifier/registry"
	"github.com/abdelmounim-dev/agent-notifier/state"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler accepts WebSocket connections and wires them into the registry
// and state store.
type Handler struct {
	reg          *registry.Registry
	store        *state.Store
	brk          broker.MessageBroker
	jwtValidator *JWTValidator
	authConfig   *config.AuthConfig
	wsConfig     *config.WebSocketConfig
	serverID     string
}

// NewHandler creates a new websocket handler.
func NewHandler(reg *registry.Registry, store *state.Store, brk broker.MessageBroker, jwtValidator *JWTValidator, authConfig *config.AuthConfig, wsConfig *config.WebSocketConfig, serverID string) *Handler {
	return &Handler{
		reg:          reg,
		store:        store,
		brk:          brk,
		jwtValidator: jwtValidator,
		authConfig:   authConfig,
		wsConfig:     wsConfig,
		serverID:     serverID,
	}
}

// resolveUser produces the validated user id for the handshake. With auth
// enabled the id is the JWT subject; without it, the caller supplies it via
// query parameter (a deployment behind its own auth proxy).
func (h *Handler) resolveUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.authConfig.Enabled {
		if h.jwtValidator == nil {
			log.Printf("Auth Error: Auth is enabled but JWT validator is not initialized.")
			http.Error(w, "Internal server configuration error", http.StatusInternalServerError)
			return "", false
		}

		tokenString := r.URL.Query().Get(h.authConfig.TokenQueryParam)
		if tokenString == "" {
			metrics.AuthFailures.WithLabelValues("missing_token").Inc()
			log.Printf("Auth Error: Missing token in request from %s", r.RemoteAddr)
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return "", false
		}

		claims, err := h.jwtValidator.ValidateToken(r.Context(), tokenString)
		if err != nil {
			metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
			log.Printf("Auth Error: Invalid token from %s. Reason: %v", r.RemoteAddr, err)
			http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
			return "", false
		}
		metrics.AuthSuccess.Inc()
		return claims.Subject, true
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "Missing user_id", http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

// HandleWebSocket handles incoming websocket connections.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	connID := uuid.New().String()
	session := NewClientSession(connID, userID, conn, h.wsConfig)
	session.StartActivityTimer(func() {
		h.cleanup(connID, userID)
	})

	if err := h.reg.Add(&registry.Connection{
		ID:        connID,
		UserID:    userID,
		Transport: session,
		Metadata:  map[string]string{"remote_addr": r.RemoteAddr},
	}); err != nil {
		log.Printf("Failed to register connection %s for user %s: %v", connID, userID, err)
		conn.Close()
		return
	}
	defer h.cleanup(connID, userID)

	// Seed connection metadata so collaborators can correlate it.
	h.store.Set(r.Context(), state.ScopeWebsocket, connID, "connection", map[string]interface{}{
		"user_id":      userID,
		"remote_addr":  r.RemoteAddr,
		"connected_at": time.Now().UTC().Format(time.RFC3339),
		"server_id":    h.serverID,
	})

	if err := session.Send(map[string]string{
		"type":          "connection_established",
		"connection_id": connID,
	}); err != nil {
		log.Printf("Failed to send connection id to %s: %v", connID, err)
		return // defer handles cleanup
	}
	log.Printf("Connection %s established for user %s on server %s", connID, userID, h.serverID)

	h.readLoop(r.Context(), session)
}

// readLoop pumps inbound frames until the peer goes away. Client messages
// are handed to the agent-execution collaborator over the broker; the
// notification core itself never interprets them.
func (h *Handler) readLoop(ctx context.Context, session *ClientSession) {
	for {
		_, msg, err := session.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				log.Printf("Read error from connection %s: %v", session.ID, err)
			}
			session.Close(websocket.CloseNormalClosure, "Client disconnected")
			return
		}
		session.UpdateActivity()

		if h.brk == nil {
			continue
		}
		go func(payload []byte) {
			pubCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := h.brk.Publish(pubCtx, broker.AgentRequestsChannel, broker.Message{
				Kind:     broker.KindEvent,
				UserID:   session.UserID,
				ServerID: h.serverID,
				Payload:  payload,
			}); err != nil {
				log.Printf("Failed to publish message for user %s: %v", session.UserID, err)
				return
			}
			metrics.BrokerMessagesPublished.WithLabelValues(h.brk.Type()).Inc()
		}(msg)
	}
}

// cleanup purges everything tied to a departed connection: the registry
// entry, its WEBSOCKET-scope state, and, once the user's last connection is
// gone, the user's own scope.
func (h *Handler) cleanup(connID, userID string) {
	ctx := context.Background()
	if !h.reg.Remove(connID) {
		return // already cleaned up by another path
	}
	h.store.ClearScope(ctx, state.ScopeWebsocket, connID)
	if !h.reg.IsActive(userID) {
		h.store.ClearUserStates(ctx, userID)
		log.Printf("User %s has no remaining connections; user state cleared", userID)
	}
	log.Printf("Connection %s for user %s cleaned up", connID, userID)
}
