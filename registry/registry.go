// Package registry owns the mapping between live connections and the users
// they belong to. It is the lowest-level primitive of the notification layer:
// everything else (event fan-out, heartbeat eviction, migration) operates on
// top of the two maps maintained here.
package registry

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/abdelmounim-dev/agent-notifier/metrics"
)

// ErrDuplicateConnection is returned by Add when a connection ID is already
// registered. IDs are expected to be freshly generated per socket, so this is
// always a caller bug and is never retried.
var ErrDuplicateConnection = errors.New("connection id already registered")

// Transport is the capability a connection's underlying channel must provide.
// The registry and router depend only on this interface, never on a concrete
// websocket type.
type Transport interface {
	// Send delivers a single message to the peer. Implementations must
	// serialize concurrent writers.
	Send(v interface{}) error
	// Close terminates the channel with the given close code and reason.
	Close(code int, reason string) error
}

// Pinger is implemented by transports that support liveness probes. The
// heartbeat monitor skips transports that do not.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Connection represents one live transport channel owned by a single user.
// A connection ID maps to exactly one user ID for its lifetime.
type Connection struct {
	ID          string
	UserID      string
	Transport   Transport
	ConnectedAt time.Time
	Metadata    map[string]string
}

// Stats is the read-only diagnostic snapshot exposed on the ops surface.
type Stats struct {
	TotalConnections int `json:"total_connections"`
	UniqueUsers      int `json:"unique_users"`
}

// Registry tracks every live connection on this server instance together
// with the per-user connection sets. Both maps are guarded by a single mutex
// so the two-phase insert (connection map, then user set) is atomic with
// respect to concurrent removal.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Connection
	users map[string]map[string]struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
		users: make(map[string]map[string]struct{}),
	}
}

// Add registers a connection. It fails with ErrDuplicateConnection if the ID
// is already present; otherwise the connection is inserted into the global
// map and the owning user's set in one critical section.
func (r *Registry) Add(conn *Connection) error {
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[conn.ID]; exists {
		return ErrDuplicateConnection
	}

	r.conns[conn.ID] = conn
	set, ok := r.users[conn.UserID]
	if !ok {
		set = make(map[string]struct{})
		r.users[conn.UserID] = set
		metrics.UniqueUsers.Inc()
	}
	set[conn.ID] = struct{}{}

	metrics.ActiveConnections.Inc()
	metrics.TotalConnections.Inc()
	return nil
}

// Remove deletes a connection from both maps. It is idempotent: removing an
// absent ID is a no-op and returns false. Empty user sets are pruned so
// IsActive reflects reality immediately.
func (r *Registry) Remove(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(connID)
}

func (r *Registry) removeLocked(connID string) bool {
	conn, ok := r.conns[connID]
	if !ok {
		return false
	}
	delete(r.conns, connID)

	if set, ok := r.users[conn.UserID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.users, conn.UserID)
			metrics.UniqueUsers.Dec()
		}
	}
	metrics.ActiveConnections.Dec()
	return true
}

// Get returns the connection for the given ID, or false when unknown.
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// UserConnections returns the IDs of every open connection for a user,
// sorted for deterministic iteration. The slice may be empty; it is never an
// error.
func (r *Registry) UserConnections(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.users[userID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsActive reports whether the user currently has at least one open
// connection.
func (r *Registry) IsActive(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users[userID]) > 0
}

// Connections returns a snapshot of every registered connection. Used by
// the heartbeat monitor to probe liveness without holding the registry lock
// during I/O.
func (r *Registry) Connections() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	return out
}

// DisconnectUser closes and removes every connection owned by a user,
// returning the number of connections that were dropped.
func (r *Registry) DisconnectUser(userID string, code int, reason string) int {
	r.mu.Lock()
	set := r.users[userID]
	victims := make([]*Connection, 0, len(set))
	for id := range set {
		if conn, ok := r.conns[id]; ok {
			victims = append(victims, conn)
		}
	}
	for _, conn := range victims {
		r.removeLocked(conn.ID)
	}
	r.mu.Unlock()

	for _, conn := range victims {
		if err := conn.Transport.Close(code, reason); err != nil {
			log.Printf("Error closing connection %s for user %s: %v", conn.ID, userID, err)
		}
	}
	return len(victims)
}

// CloseAll closes every connection on this instance. Part of the graceful
// shutdown path.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	victims := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		victims = append(victims, conn)
	}
	r.conns = make(map[string]*Connection)
	r.users = make(map[string]map[string]struct{})
	r.mu.Unlock()

	for _, conn := range victims {
		log.Printf("Closing connection %s: %s", conn.ID, reason)
		if err := conn.Transport.Close(code, reason); err != nil {
			log.Printf("Error closing connection %s: %v", conn.ID, err)
		}
		metrics.ActiveConnections.Dec()
	}
	metrics.UniqueUsers.Set(0)
}

// Stats returns the diagnostic counters for the ops surface.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		TotalConnections: len(r.conns),
		UniqueUsers:      len(r.users),
	}
}
