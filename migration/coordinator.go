// Package migration moves a user's live session context between server
// instances during rolling restarts. The protocol: the source snapshots the
// user's USER-scope state into a single-use package, transfers it over the
// broker, the target replays it into its own store, and only then does the
// source drop its connections. A failed transfer or replay never costs the
// user their source session.
package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/abdelmounim-dev/agent-notifier/broker"
	"github.com/abdelmounim-dev/agent-notifier/metrics"
	"github.com/abdelmounim-dev/agent-notifier/registry"
	"github.com/abdelmounim-dev/agent-notifier/router"
	"github.com/abdelmounim-dev/agent-notifier/state"
)

// Reason codes carried by Failure.
type Reason string

const (
	ReasonTokenReused       Reason = "token_reused"
	ReasonTargetUnreachable Reason = "target_unreachable"
	ReasonReplayTimeout     Reason = "replay_timeout"
)

// Failure is a reason-coded migration error. The source connection is
// always preserved when one is returned; retrying is the caller's call.
type Failure struct {
	Reason Reason
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("migration failed (%s): %v", f.Reason, f.Err)
	}
	return fmt.Sprintf("migration failed (%s)", f.Reason)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

const (
	transferMaxRetries     = 3
	transferInitialBackoff = 100 * time.Millisecond
	transferMaxBackoff     = 2 * time.Second
	defaultReplayTimeout   = 10 * time.Second
)

// Package is the point-in-time snapshot handed from source to target.
// The token is single use: applying the same package twice fails with
// ReasonTokenReused.
type Package struct {
	UserID    string           `json:"user_id"`
	SourceID  string           `json:"source_id"`
	TargetID  string           `json:"target_id"`
	Token     string           `json:"token"`
	Entries   []state.Snapshot `json:"entries"`
	CreatedAt time.Time        `json:"created_at"`
}

// Notifier is the slice of the event router the coordinator needs.
type Notifier interface {
	SendToUser(ctx context.Context, userID string, event router.Event) router.Result
}

// Coordinator runs both sides of the protocol; an instance acts as source
// for its departing users and as target for arriving ones.
type Coordinator struct {
	reg        *registry.Registry
	store      *state.Store
	notifier   Notifier
	brk        broker.MessageBroker
	instanceID string

	replayTimeout time.Duration

	mu   sync.Mutex
	used map[string]struct{}
}

// New creates a coordinator for this instance. brk may be nil when packages
// are handed over in-process (tests, single-binary deployments).
func New(reg *registry.Registry, store *state.Store, notifier Notifier, brk broker.MessageBroker, instanceID string, replayTimeout time.Duration) *Coordinator {
	if replayTimeout <= 0 {
		replayTimeout = defaultReplayTimeout
	}
	return &Coordinator{
		reg:           reg,
		store:         store,
		notifier:      notifier,
		brk:           brk,
		instanceID:    instanceID,
		replayTimeout: replayTimeout,
		used:          make(map[string]struct{}),
	}
}

// Begin snapshots the user's USER-scope state into a fresh single-use
// package and tells the user a migration is starting. Source side.
func (c *Coordinator) Begin(ctx context.Context, userID, targetID string) (*Package, error) {
	pkg := &Package{
		UserID:    userID,
		SourceID:  c.instanceID,
		TargetID:  targetID,
		Token:     uuid.New().String(),
		Entries:   c.store.SnapshotScope(state.ScopeUser, userID),
		CreatedAt: time.Now(),
	}

	log.Printf("Migration %s: snapshotted %d entries for user %s (-> %s)", pkg.Token, len(pkg.Entries), userID, targetID)

	if c.notifier != nil {
		c.notifier.SendToUser(ctx, userID, router.Event{
			Type: router.EventMigrationStarted,
			Data: map[string]interface{}{
				"target": targetID,
				"token":  pkg.Token,
			},
		})
	}
	return pkg, nil
}

// Transfer publishes the package to the target instance over the broker,
// retrying with exponential backoff. Exhausted retries report
// ReasonTargetUnreachable; the source session stays untouched.
func (c *Coordinator) Transfer(ctx context.Context, pkg *Package) error {
	if c.brk == nil {
		return &Failure{Reason: ReasonTargetUnreachable, Err: errors.New("no broker configured")}
	}

	payload, err := json.Marshal(pkg)
	if err != nil {
		return &Failure{Reason: ReasonTargetUnreachable, Err: fmt.Errorf("failed to marshal package: %w", err)}
	}
	msg := broker.Message{
		Kind:     broker.KindMigration,
		UserID:   pkg.UserID,
		ServerID: pkg.TargetID,
		Payload:  payload,
	}

	operation := func() error {
		return c.brk.Publish(ctx, broker.MigrationsChannel, msg)
	}
	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(transferInitialBackoff),
				backoff.WithMaxInterval(transferMaxBackoff),
			),
			transferMaxRetries,
		),
		ctx,
	)

	err = backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		metrics.BrokerPublishRetries.WithLabelValues(c.brk.Type()).Inc()
		log.Printf("Retrying migration transfer for user %s: %v (next attempt in %s)", pkg.UserID, err, d)
	})
	if err != nil {
		metrics.Migrations.WithLabelValues(string(ReasonTargetUnreachable)).Inc()
		return &Failure{Reason: ReasonTargetUnreachable, Err: err}
	}
	metrics.BrokerMessagesPublished.WithLabelValues(c.brk.Type()).Inc()
	return nil
}

// Apply replays a package into this instance's store. Target side. A token
// is consumed exactly once: a second Apply of the same package fails with
// ReasonTokenReused and changes nothing. The replay itself runs under a
// bounded timeout so a wedged store write surfaces as ReasonReplayTimeout
// instead of hanging forever.
func (c *Coordinator) Apply(ctx context.Context, pkg *Package) error {
	c.mu.Lock()
	if _, reused := c.used[pkg.Token]; reused {
		c.mu.Unlock()
		metrics.Migrations.WithLabelValues(string(ReasonTokenReused)).Inc()
		return &Failure{Reason: ReasonTokenReused}
	}
	c.used[pkg.Token] = struct{}{}
	c.mu.Unlock()

	replayCtx, cancel := context.WithTimeout(ctx, c.replayTimeout)
	defer cancel()

	restored, err := c.store.Restore(replayCtx, pkg.Entries)
	if err != nil {
		metrics.Migrations.WithLabelValues(string(ReasonReplayTimeout)).Inc()
		return &Failure{Reason: ReasonReplayTimeout, Err: err}
	}

	log.Printf("Migration %s: restored %d/%d entries for user %s", pkg.Token, restored, len(pkg.Entries), pkg.UserID)
	metrics.Migrations.WithLabelValues("completed").Inc()

	if c.notifier != nil {
		c.notifier.SendToUser(ctx, pkg.UserID, router.Event{
			Type: router.EventMigrationCompleted,
			Data: map[string]interface{}{
				"source":   pkg.SourceID,
				"restored": restored,
			},
		})
	}
	return nil
}

// Complete drops the user's connections on the source instance. Only called
// after Transfer and Apply have both succeeded; until then the source
// session must survive so a failed migration loses nothing.
func (c *Coordinator) Complete(ctx context.Context, pkg *Package) int {
	// Capture the connection ids first: once DisconnectUser has run, the
	// registry no longer lists them, so their WEBSOCKET-scope entries would
	// otherwise linger until TTL.
	connIDs := c.reg.UserConnections(pkg.UserID)
	removed := c.reg.DisconnectUser(pkg.UserID, 1001, "session migrated to "+pkg.TargetID)
	for _, connID := range connIDs {
		c.store.ClearScope(ctx, state.ScopeWebsocket, connID)
	}
	c.store.ClearUserStates(ctx, pkg.UserID)
	log.Printf("Migration %s: source released %d connections for user %s", pkg.Token, removed, pkg.UserID)
	return removed
}

// ListenForPackages consumes the broker's migrations channel and applies
// packages addressed to this instance.
func (c *Coordinator) ListenForPackages(ctx context.Context) error {
	if c.brk == nil {
		return nil
	}
	messages, err := c.brk.Subscribe(ctx, broker.MigrationsChannel)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				log.Println("Broker migrations channel closed")
				return nil
			}
			if msg.Kind != broker.KindMigration || msg.ServerID != c.instanceID {
				continue
			}

			var pkg Package
			if err := json.Unmarshal(msg.Payload, &pkg); err != nil {
				log.Printf("Migration package decode error for user %s: %v", msg.UserID, err)
				continue
			}
			if err := c.Apply(ctx, &pkg); err != nil {
				log.Printf("Failed to apply migration package for user %s: %v", pkg.UserID, err)
			}
		}
	}
}
