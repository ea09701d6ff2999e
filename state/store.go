// Package state implements the scoped, TTL-aware key/value store that backs
// the notification layer. Every entry is addressed by a (scope, scope key,
// logical key) triple; the scope key names the owning principal (user,
// thread, agent or connection), which is how multi-tenant isolation is
// enforced: a caller can only read a principal's state by supplying that
// principal's ID explicitly.
package state

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/abdelmounim-dev/agent-notifier/metrics"
)

// Scope partitions the store by owning principal kind.
type Scope uint8

const (
	ScopeGlobal Scope = iota
	ScopeUser
	ScopeThread
	ScopeAgent
	ScopeWebsocket
)

func (s Scope) String() string {
	switch s {
	case ScopeGlobal:
		return "global"
	case ScopeUser:
		return "user"
	case ScopeThread:
		return "thread"
	case ScopeAgent:
		return "agent"
	case ScopeWebsocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// keySeparator joins the composite key parts. NUL cannot appear in the
// string IDs handed to the store, so the composition is unambiguous.
const keySeparator = "\x00"

func compositeKey(scope Scope, scopeKey, key string) string {
	return scope.String() + keySeparator + scopeKey + keySeparator + key
}

// Change describes one successful mutation, delivered to subscribed
// listeners.
type Change struct {
	Op       string // "set", "update" or "clear"
	Scope    Scope
	ScopeKey string
	Key      string
	At       time.Time
}

// Listener receives change notifications. Invocation never blocks the
// writing caller.
type Listener func(Change)

// Snapshot is one entry copied out of the store, carrying enough to rebuild
// it elsewhere with its remaining lifetime intact.
type Snapshot struct {
	Scope     Scope       `json:"scope"`
	ScopeKey  string      `json:"scope_key"`
	Key       string      `json:"key"`
	Value     interface{} `json:"value"`
	ExpiresAt time.Time   `json:"expires_at"`
	Sliding   bool        `json:"sliding"`
}

// ConnectionLister is the slice of the connection registry the store needs
// for ClearUserStates. Injected at wiring time to avoid a package cycle.
type ConnectionLister interface {
	UserConnections(userID string) []string
}

type entry struct {
	value     interface{}
	expiresAt time.Time
	ttl       time.Duration
	sliding   bool
}

// Config carries the per-scope default TTLs and the sweep interval. Zero
// values fall back to the defaults below.
type Config struct {
	GlobalTTL     time.Duration
	UserTTL       time.Duration
	ThreadTTL     time.Duration
	AgentTTL      time.Duration
	WebsocketTTL  time.Duration
	SweepInterval time.Duration
}

const (
	defaultGlobalTTL     = 24 * time.Hour
	defaultUserTTL       = time.Hour
	defaultThreadTTL     = 30 * time.Minute
	defaultAgentTTL      = 15 * time.Minute
	defaultWebsocketTTL  = 5 * time.Minute
	defaultSweepInterval = time.Minute
)

func (c Config) withDefaults() Config {
	if c.GlobalTTL <= 0 {
		c.GlobalTTL = defaultGlobalTTL
	}
	if c.UserTTL <= 0 {
		c.UserTTL = defaultUserTTL
	}
	if c.ThreadTTL <= 0 {
		c.ThreadTTL = defaultThreadTTL
	}
	if c.AgentTTL <= 0 {
		c.AgentTTL = defaultAgentTTL
	}
	if c.WebsocketTTL <= 0 {
		c.WebsocketTTL = defaultWebsocketTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	return c
}

// Store is the scoped state store. Plain reads and writes share one RWMutex;
// Update additionally serializes per composite key so concurrent
// read-modify-write cycles on the same key never lose updates.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	updateMu sync.Mutex
	updates  map[string]*sync.Mutex

	listenerMu sync.RWMutex
	listeners  []Listener

	cfg    Config
	mirror *mirror
	conns  ConnectionLister

	// now is replaceable in tests to exercise TTL boundaries.
	now func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a store and starts its background sweep.
func New(cfg Config) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		updates: make(map[string]*sync.Mutex),
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// BindConnections injects the connection registry used to resolve a user's
// live connections during ClearUserStates.
func (s *Store) BindConnections(l ConnectionLister) {
	s.conns = l
}

// Close stops the background sweep.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *Store) defaultTTL(scope Scope) time.Duration {
	switch scope {
	case ScopeUser:
		return s.cfg.UserTTL
	case ScopeThread:
		return s.cfg.ThreadTTL
	case ScopeAgent:
		return s.cfg.AgentTTL
	case ScopeWebsocket:
		return s.cfg.WebsocketTTL
	default:
		return s.cfg.GlobalTTL
	}
}

// SetOption tunes one Set or Update call.
type SetOption func(*setOptions)

type setOptions struct {
	ttl     time.Duration
	sliding bool
}

// WithTTL overrides the scope's default TTL for this entry.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) { o.ttl = ttl }
}

// WithSliding makes the entry's expiry refresh on every successful read.
// Fixed expiry is the default.
func WithSliding() SetOption {
	return func(o *setOptions) { o.sliding = true }
}

// Set writes or overwrites an entry. A subsequent Set for the same triple
// replaces the value and resets the TTL.
func (s *Store) Set(ctx context.Context, scope Scope, scopeKey, key string, value interface{}, opts ...SetOption) {
	o := setOptions{ttl: s.defaultTTL(scope)}
	for _, opt := range opts {
		opt(&o)
	}

	ck := compositeKey(scope, scopeKey, key)
	e := &entry{
		value:     value,
		expiresAt: s.now().Add(o.ttl),
		ttl:       o.ttl,
		sliding:   o.sliding,
	}

	s.mu.Lock()
	_, existed := s.entries[ck]
	s.entries[ck] = e
	s.mu.Unlock()

	if !existed {
		metrics.StateEntries.Inc()
	}
	if s.mirror != nil {
		s.mirror.set(ctx, ck, value, o.ttl)
	}
	s.notify(Change{Op: "set", Scope: scope, ScopeKey: scopeKey, Key: key, At: s.now()})
}

// Lookup returns the value and whether it is present and unexpired. Expired
// entries are removed on the spot; sliding entries that survive the check
// have their expiry pushed out by their TTL.
func (s *Store) Lookup(ctx context.Context, scope Scope, scopeKey, key string) (interface{}, bool) {
	ck := compositeKey(scope, scopeKey, key)
	now := s.now()

	// Fast path under the read lock: a live fixed-expiry entry needs no
	// mutation, so readers proceed in parallel.
	s.mu.RLock()
	e, ok := s.entries[ck]
	if !ok {
		s.mu.RUnlock()
		return nil, false
	}
	if !e.sliding && !now.After(e.expiresAt) {
		value := e.value
		s.mu.RUnlock()
		return value, true
	}
	s.mu.RUnlock()

	// Slow path: expiry removal or sliding refresh. Re-checked under the
	// write lock since the entry may have changed hands in between.
	s.mu.Lock()
	e, ok = s.entries[ck]
	if !ok {
		s.mu.Unlock()
		return nil, false
	}
	if now.After(e.expiresAt) {
		delete(s.entries, ck)
		s.mu.Unlock()
		metrics.StateEntries.Dec()
		metrics.StateExpirations.Inc()
		if s.mirror != nil {
			s.mirror.delete(ctx, ck)
		}
		return nil, false
	}
	if e.sliding {
		e.expiresAt = now.Add(e.ttl)
	}
	value := e.value
	sliding := e.sliding
	ttl := e.ttl
	s.mu.Unlock()

	if sliding && s.mirror != nil {
		s.mirror.refresh(ctx, ck, ttl)
	}
	return value, true
}

// Get returns the value for the triple, or def when absent or expired.
// Absence is never an error.
func (s *Store) Get(ctx context.Context, scope Scope, scopeKey, key string, def interface{}) interface{} {
	if v, ok := s.Lookup(ctx, scope, scopeKey, key); ok {
		return v
	}
	return def
}

// Update performs an atomic read-modify-write. fn receives the current value
// (ok=false when absent or expired) and returns the replacement. Calls for
// the same composite key are serialized; different keys proceed in parallel.
func (s *Store) Update(ctx context.Context, scope Scope, scopeKey, key string, fn func(cur interface{}, ok bool) interface{}, opts ...SetOption) interface{} {
	ck := compositeKey(scope, scopeKey, key)

	keyLock := s.lockUpdateKey(ck)
	defer keyLock.Unlock()

	cur, present := s.Lookup(ctx, scope, scopeKey, key)
	next := fn(cur, present)

	o := setOptions{ttl: s.defaultTTL(scope)}
	for _, opt := range opts {
		opt(&o)
	}
	e := &entry{
		value:     next,
		expiresAt: s.now().Add(o.ttl),
		ttl:       o.ttl,
		sliding:   o.sliding,
	}

	s.mu.Lock()
	_, existed := s.entries[ck]
	s.entries[ck] = e
	s.mu.Unlock()

	if !existed {
		metrics.StateEntries.Inc()
	}
	if s.mirror != nil {
		s.mirror.set(ctx, ck, next, o.ttl)
	}
	s.notify(Change{Op: "update", Scope: scope, ScopeKey: scopeKey, Key: key, At: s.now()})
	return next
}

// lockUpdateKey returns the per-key update lock, held. The sweep prunes
// idle locks, so a lock fetched from the map can be stale by the time it is
// acquired; after acquiring, the lock must still be the one registered for
// the key or two Updates could proceed under different locks.
func (s *Store) lockUpdateKey(ck string) *sync.Mutex {
	for {
		s.updateMu.Lock()
		keyLock, ok := s.updates[ck]
		if !ok {
			keyLock = &sync.Mutex{}
			s.updates[ck] = keyLock
		}
		s.updateMu.Unlock()

		keyLock.Lock()

		s.updateMu.Lock()
		current := s.updates[ck]
		s.updateMu.Unlock()
		if current == keyLock {
			return keyLock
		}
		keyLock.Unlock()
	}
}

// Delete removes a single entry. Removing an absent entry is a no-op.
func (s *Store) Delete(ctx context.Context, scope Scope, scopeKey, key string) bool {
	ck := compositeKey(scope, scopeKey, key)

	s.mu.Lock()
	_, ok := s.entries[ck]
	delete(s.entries, ck)
	s.mu.Unlock()

	if ok {
		metrics.StateEntries.Dec()
		if s.mirror != nil {
			s.mirror.delete(ctx, ck)
		}
		s.notify(Change{Op: "clear", Scope: scope, ScopeKey: scopeKey, Key: key, At: s.now()})
	}
	return ok
}

// ClearScope removes every entry belonging to one scope instance and
// returns the count removed. Used on disconnect and thread teardown.
func (s *Store) ClearScope(ctx context.Context, scope Scope, scopeKey string) int {
	prefix := scope.String() + keySeparator + scopeKey + keySeparator

	s.mu.Lock()
	var removed []string
	for ck := range s.entries {
		if strings.HasPrefix(ck, prefix) {
			removed = append(removed, ck)
		}
	}
	for _, ck := range removed {
		delete(s.entries, ck)
	}
	s.mu.Unlock()

	for _, ck := range removed {
		metrics.StateEntries.Dec()
		if s.mirror != nil {
			s.mirror.delete(ctx, ck)
		}
	}
	if len(removed) > 0 {
		s.notify(Change{Op: "clear", Scope: scope, ScopeKey: scopeKey, At: s.now()})
	}
	return len(removed)
}

// ClearUserStates removes all USER-scope entries for the user plus the
// WEBSOCKET-scope entries of the user's current connections.
func (s *Store) ClearUserStates(ctx context.Context, userID string) int {
	removed := s.ClearScope(ctx, ScopeUser, userID)
	if s.conns != nil {
		for _, connID := range s.conns.UserConnections(userID) {
			removed += s.ClearScope(ctx, ScopeWebsocket, connID)
		}
	}
	return removed
}

// SnapshotScope copies every live entry of a scope instance. The snapshot
// carries absolute expiry instants so a restore on another instance keeps
// the remaining TTL.
func (s *Store) SnapshotScope(scope Scope, scopeKey string) []Snapshot {
	prefix := scope.String() + keySeparator + scopeKey + keySeparator
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Snapshot
	for ck, e := range s.entries {
		if !strings.HasPrefix(ck, prefix) || now.After(e.expiresAt) {
			continue
		}
		parts := strings.SplitN(ck, keySeparator, 3)
		out = append(out, Snapshot{
			Scope:     scope,
			ScopeKey:  scopeKey,
			Key:       parts[2],
			Value:     e.value,
			ExpiresAt: e.expiresAt,
			Sliding:   e.sliding,
		})
	}
	return out
}

// Restore replays snapshot entries into the store, preserving each entry's
// remaining lifetime. Entries that are already past their expiry are
// skipped. Returns the number of entries restored.
func (s *Store) Restore(ctx context.Context, snaps []Snapshot) (int, error) {
	restored := 0
	for _, snap := range snaps {
		if err := ctx.Err(); err != nil {
			return restored, err
		}
		remaining := snap.ExpiresAt.Sub(s.now())
		if remaining <= 0 {
			continue
		}
		opts := []SetOption{WithTTL(remaining)}
		if snap.Sliding {
			opts = append(opts, WithSliding())
		}
		s.Set(ctx, snap.Scope, snap.ScopeKey, snap.Key, snap.Value, opts...)
		restored++
	}
	return restored, nil
}

// Subscribe registers a change listener. Listeners are invoked on their own
// goroutine per notification so a slow listener never stalls a writer.
func (s *Store) Subscribe(l Listener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) notify(change Change) {
	s.listenerMu.RLock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenerMu.RUnlock()

	for _, l := range listeners {
		go l(change)
	}
}

// Len returns the number of live entries. Diagnostic only.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// sweepLoop proactively removes expired entries so memory stays bounded for
// keys that are never read again.
func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if n := s.sweep(); n > 0 {
				log.Printf("State sweep removed %d expired entries", n)
			}
		}
	}
}

func (s *Store) sweep() int {
	now := s.now()

	s.mu.Lock()
	var dead []string
	for ck, e := range s.entries {
		if now.After(e.expiresAt) {
			dead = append(dead, ck)
		}
	}
	for _, ck := range dead {
		delete(s.entries, ck)
	}
	s.mu.Unlock()

	for _, ck := range dead {
		metrics.StateEntries.Dec()
		metrics.StateExpirations.Inc()
		if s.mirror != nil {
			s.mirror.delete(context.Background(), ck)
		}
	}

	// Drop per-key update locks for entries that no longer exist, so the
	// lock map does not grow without bound. Locks currently held by an
	// in-flight Update are left alone.
	s.updateMu.Lock()
	s.mu.RLock()
	for ck, keyLock := range s.updates {
		if _, live := s.entries[ck]; !live && keyLock.TryLock() {
			keyLock.Unlock()
			delete(s.updates, ck)
		}
	}
	s.mu.RUnlock()
	s.updateMu.Unlock()

	return len(dead)
}
