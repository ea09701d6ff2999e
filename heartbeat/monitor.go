// Package heartbeat probes every registered connection on a fixed interval
// and evicts connections that stop answering. Per connection the state
// machine is HEALTHY -> DEGRADED (1..N-1 misses) -> UNHEALTHY (N misses) ->
// removed; any successful probe resets the miss counter.
package heartbeat

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/abdelmounim-dev/agent-notifier/metrics"
	"github.com/abdelmounim-dev/agent-notifier/registry"
	"github.com/abdelmounim-dev/agent-notifier/router"
	"github.com/abdelmounim-dev/agent-notifier/state"
)

// Status is a connection's current heartbeat health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Record tracks heartbeat bookkeeping for one connection.
type Record struct {
	Sent     int       `json:"sent"`
	Missed   int       `json:"missed"`
	Status   Status    `json:"status"`
	LastBeat time.Time `json:"last_beat"`
}

// ConnectionHealth is the per-connection entry of the ops surface.
type ConnectionHealth struct {
	ConnID  string `json:"connection_id"`
	Active  bool   `json:"active"`
	Healthy bool   `json:"healthy"`
}

// Notifier is the slice of the event router the monitor needs.
type Notifier interface {
	SendToUser(ctx context.Context, userID string, event router.Event) router.Result
}

// Config for the monitor. Zero values fall back to the defaults below.
type Config struct {
	Interval    time.Duration // time between probe rounds
	PingTimeout time.Duration // per-ping round-trip budget
	Threshold   int           // consecutive misses before eviction
}

const (
	defaultInterval    = 30 * time.Second
	defaultPingTimeout = 5 * time.Second
	defaultThreshold   = 3
)

// Monitor drives the heartbeat rounds.
type Monitor struct {
	reg      *registry.Registry
	store    *state.Store
	notifier Notifier
	cfg      Config

	mu      sync.Mutex
	records map[string]*Record
}

// New creates a monitor over the registry. store and notifier may be nil in
// tests; when present they receive the cleanup and the best-effort
// heartbeat_failed notification on eviction.
func New(reg *registry.Registry, store *state.Store, notifier Notifier, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	return &Monitor{
		reg:      reg,
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		records:  make(map[string]*Record),
	}
}

// Run probes all connections every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.beat(ctx)
		}
	}
}

// beat runs one probe round. The registry snapshot is taken up front so no
// lock is held during ping I/O.
func (m *Monitor) beat(ctx context.Context) {
	conns := m.reg.Connections()

	live := make(map[string]struct{}, len(conns))
	for _, conn := range conns {
		live[conn.ID] = struct{}{}
		m.probe(ctx, conn)
	}

	// Forget records for connections that left through other paths.
	m.mu.Lock()
	for id := range m.records {
		if _, ok := live[id]; !ok {
			delete(m.records, id)
		}
	}
	m.mu.Unlock()
}

func (m *Monitor) probe(ctx context.Context, conn *registry.Connection) {
	pinger, ok := conn.Transport.(registry.Pinger)
	if !ok {
		// Transport has no liveness probe; read errors are its only
		// failure signal.
		return
	}

	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	err := pinger.Ping(pingCtx)
	cancel()

	m.mu.Lock()
	rec, exists := m.records[conn.ID]
	if !exists {
		rec = &Record{Status: StatusHealthy}
		m.records[conn.ID] = rec
	}
	rec.Sent++

	if err == nil {
		rec.Missed = 0
		rec.Status = StatusHealthy
		rec.LastBeat = time.Now()
		m.mu.Unlock()
		return
	}

	rec.Missed++
	metrics.HeartbeatMisses.Inc()
	if rec.Missed >= m.cfg.Threshold {
		rec.Status = StatusUnhealthy
	} else {
		rec.Status = StatusDegraded
	}
	exhausted := rec.Missed >= m.cfg.Threshold
	if exhausted {
		delete(m.records, conn.ID)
	}
	m.mu.Unlock()

	log.Printf("Heartbeat miss %d/%d for connection %s (user %s): %v",
		minInt(rec.Missed, m.cfg.Threshold), m.cfg.Threshold, conn.ID, conn.UserID, err)

	if exhausted {
		m.evict(ctx, conn)
	}
}

// evict force-removes a connection that exhausted the miss threshold and
// notifies the user on their surviving connections. The notification is
// best-effort: the dead connection is usually the user's only one.
func (m *Monitor) evict(ctx context.Context, conn *registry.Connection) {
	m.reg.Remove(conn.ID)
	metrics.HeartbeatEvictions.Inc()
	log.Printf("Connection %s (user %s) removed after %d missed heartbeats", conn.ID, conn.UserID, m.cfg.Threshold)

	if err := conn.Transport.Close(1011, "heartbeat failed"); err != nil {
		log.Printf("Error closing unhealthy connection %s: %v", conn.ID, err)
	}
	if m.store != nil {
		m.store.ClearScope(ctx, state.ScopeWebsocket, conn.ID)
	}
	if m.notifier != nil {
		m.notifier.SendToUser(ctx, conn.UserID, router.Event{
			Type: router.EventHeartbeatFailed,
			Data: map[string]interface{}{"connection_id": conn.ID},
		})
	}
}

// Record returns the heartbeat record for a connection, if one exists.
func (m *Monitor) Record(connID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[connID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Health reports the per-connection active/healthy flags for a user.
func (m *Monitor) Health(userID string) []ConnectionHealth {
	connIDs := m.reg.UserConnections(userID)

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ConnectionHealth, 0, len(connIDs))
	for _, id := range connIDs {
		healthy := true
		if rec, ok := m.records[id]; ok {
			healthy = rec.Status == StatusHealthy
		}
		out = append(out, ConnectionHealth{ConnID: id, Active: true, Healthy: healthy})
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
