package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/agent-notifier/router"
	"github.com/abdelmounim-dev/agent-notifier/state"
)

type stubNotifier struct {
	mu     sync.Mutex
	events []router.Event
}

func (n *stubNotifier) SendToUser(ctx context.Context, userID string, event router.Event) router.Result {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return router.Result{UserID: userID, Sent: true}
}

func (n *stubNotifier) captured() []router.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]router.Event, len(n.events))
	copy(out, n.events)
	return out
}

func newSupervisor(t *testing.T) (*Supervisor, *state.Store, *stubNotifier) {
	t.Helper()
	store := state.New(state.Config{SweepInterval: time.Hour})
	t.Cleanup(store.Close)
	notifier := &stubNotifier{}
	return New(store, notifier), store, notifier
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSupervisor_RunsToCompletion(t *testing.T) {
	sup, store, notifier := newSupervisor(t)

	done := make(chan struct{})
	err := sup.Start("u1", "export", func(ctx context.Context, p *Progress) error {
		p.Step(ctx, "collect")
		p.Step(ctx, "render")
		close(done)
		return nil
	})
	require.NoError(t, err)

	<-done
	waitFor(t, func() bool { return sup.Running() == 0 })

	// The progress counter survives completion.
	count, ok := store.Lookup(context.Background(), state.ScopeUser, "u1", "task:export:progress")
	require.True(t, ok)
	assert.Equal(t, 2, count)

	events := notifier.captured()
	require.Len(t, events, 2)
	assert.Equal(t, router.EventTaskProgress, events[0].Type)
	assert.Equal(t, "collect", events[0].Data["label"])
	assert.Equal(t, 1, events[0].Data["step"])
	assert.Equal(t, "render", events[1].Data["label"])
}

func TestSupervisor_DuplicateKeyRejected(t *testing.T) {
	sup, _, _ := newSupervisor(t)

	release := make(chan struct{})
	require.NoError(t, sup.Start("u1", "export", func(ctx context.Context, p *Progress) error {
		<-release
		return nil
	}))

	err := sup.Start("u1", "export", func(ctx context.Context, p *Progress) error { return nil })
	assert.ErrorIs(t, err, ErrTaskExists)

	// Same name for a different user is a different task.
	require.NoError(t, sup.Start("u2", "export", func(ctx context.Context, p *Progress) error { return nil }))

	close(release)
	waitFor(t, func() bool { return sup.Running() == 0 })

	// After the first run finished the key is free again.
	require.NoError(t, sup.Start("u1", "export", func(ctx context.Context, p *Progress) error { return nil }))
	waitFor(t, func() bool { return sup.Running() == 0 })
}

func TestSupervisor_CancelClearsProgress(t *testing.T) {
	sup, store, _ := newSupervisor(t)

	started := make(chan struct{})
	require.NoError(t, sup.Start("u1", "crawl", func(ctx context.Context, p *Progress) error {
		p.Step(ctx, "fetch")
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	<-started
	_, ok := store.Lookup(context.Background(), state.ScopeUser, "u1", "task:crawl:progress")
	require.True(t, ok)

	assert.True(t, sup.Cancel("u1", "crawl"))
	waitFor(t, func() bool { return sup.Running() == 0 })

	// Cancellation must not leave partial progress behind.
	_, ok = store.Lookup(context.Background(), state.ScopeUser, "u1", "task:crawl:progress")
	assert.False(t, ok)

	assert.False(t, sup.Cancel("u1", "crawl"), "cancelling a finished task reports false")
}

func TestSupervisor_FailureClearsProgress(t *testing.T) {
	sup, store, _ := newSupervisor(t)

	require.NoError(t, sup.Start("u1", "sync", func(ctx context.Context, p *Progress) error {
		p.Step(ctx, "connect")
		return errors.New("upstream refused")
	}))

	waitFor(t, func() bool { return sup.Running() == 0 })

	_, ok := store.Lookup(context.Background(), state.ScopeUser, "u1", "task:sync:progress")
	assert.False(t, ok)
}

func TestSupervisor_Status(t *testing.T) {
	sup, _, _ := newSupervisor(t)

	stepped := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, sup.Start("u1", "export", func(ctx context.Context, p *Progress) error {
		p.Step(ctx, "collect")
		close(stepped)
		<-release
		return nil
	}))

	<-stepped
	status := sup.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "u1", status[0].UserID)
	assert.Equal(t, "export", status[0].Name)
	assert.Equal(t, 1, status[0].Steps)
	assert.False(t, status[0].StartedAt.IsZero())

	close(release)
	waitFor(t, func() bool { return len(sup.Status()) == 0 })
}

func TestSupervisor_ShutdownDrainsTasks(t *testing.T) {
	sup, _, _ := newSupervisor(t)

	const n = 5
	started := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		name := string(rune('a' + i))
		require.NoError(t, sup.Start("u1", name, func(ctx context.Context, p *Progress) error {
			started <- struct{}{}
			<-ctx.Done()
			return ctx.Err()
		}))
	}
	for i := 0; i < n; i++ {
		<-started
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sup.Shutdown(ctx))
	assert.Equal(t, 0, sup.Running())
}

func TestSupervisor_ShutdownTimeout(t *testing.T) {
	sup, _, _ := newSupervisor(t)

	hang := make(chan struct{})
	defer close(hang)
	require.NoError(t, sup.Start("u1", "stuck", func(ctx context.Context, p *Progress) error {
		// Ignores cancellation on purpose.
		<-hang
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := sup.Shutdown(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
