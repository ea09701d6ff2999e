package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/agent-notifier/registry"
	"github.com/abdelmounim-dev/agent-notifier/router"
)

// pingableTransport fails pings on demand.
type pingableTransport struct {
	mu       sync.Mutex
	pingErr  error
	pings    int
	closed   bool
	sent     []router.Event
	sendFail bool
}

func (f *pingableTransport) Send(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendFail {
		return errors.New("closed")
	}
	if ev, ok := v.(router.Event); ok {
		f.sent = append(f.sent, ev)
	}
	return nil
}

func (f *pingableTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *pingableTransport) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *pingableTransport) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

// recordingNotifier captures heartbeat_failed notifications.
type recordingNotifier struct {
	mu     sync.Mutex
	events []router.Event
	users  []string
}

func (n *recordingNotifier) SendToUser(ctx context.Context, userID string, event router.Event) router.Result {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	n.users = append(n.users, userID)
	return router.Result{UserID: userID, Sent: true}
}

func setup(t *testing.T, threshold int) (*registry.Registry, *Monitor, *recordingNotifier) {
	t.Helper()
	reg := registry.New()
	notifier := &recordingNotifier{}
	monitor := New(reg, nil, notifier, Config{Threshold: threshold})
	return reg, monitor, notifier
}

func TestMonitor_HealthyConnection(t *testing.T) {
	reg, monitor, _ := setup(t, 3)
	tr := &pingableTransport{}
	require.NoError(t, reg.Add(&registry.Connection{ID: "c1", UserID: "u1", Transport: tr}))

	ctx := context.Background()
	monitor.beat(ctx)
	monitor.beat(ctx)

	rec, ok := monitor.Record("c1")
	require.True(t, ok)
	assert.Equal(t, StatusHealthy, rec.Status)
	assert.Equal(t, 2, rec.Sent)
	assert.Equal(t, 0, rec.Missed)
	assert.True(t, reg.IsActive("u1"))
}

func TestMonitor_DegradedThenRecovered(t *testing.T) {
	reg, monitor, _ := setup(t, 3)
	tr := &pingableTransport{}
	require.NoError(t, reg.Add(&registry.Connection{ID: "c1", UserID: "u1", Transport: tr}))

	ctx := context.Background()

	// N-1 misses degrade but do not evict.
	tr.setPingErr(errors.New("timeout"))
	monitor.beat(ctx)
	monitor.beat(ctx)

	rec, ok := monitor.Record("c1")
	require.True(t, ok)
	assert.Equal(t, StatusDegraded, rec.Status)
	assert.Equal(t, 2, rec.Missed)
	assert.True(t, reg.IsActive("u1"), "degraded connections stay registered")

	// One success resets the miss counter to zero.
	tr.setPingErr(nil)
	monitor.beat(ctx)

	rec, ok = monitor.Record("c1")
	require.True(t, ok)
	assert.Equal(t, StatusHealthy, rec.Status)
	assert.Equal(t, 0, rec.Missed)
}

func TestMonitor_ThresholdEvicts(t *testing.T) {
	reg, monitor, notifier := setup(t, 3)
	dead := &pingableTransport{}
	survivor := &pingableTransport{}
	require.NoError(t, reg.Add(&registry.Connection{ID: "c-dead", UserID: "u1", Transport: dead}))
	require.NoError(t, reg.Add(&registry.Connection{ID: "c-live", UserID: "u1", Transport: survivor}))

	ctx := context.Background()
	dead.setPingErr(errors.New("gone"))

	// Exactly N consecutive misses remove the connection.
	monitor.beat(ctx)
	monitor.beat(ctx)
	assert.True(t, reg.IsActive("u1"))
	_, hasRecord := monitor.Record("c-dead")
	assert.True(t, hasRecord)

	monitor.beat(ctx)

	assert.Equal(t, []string{"c-live"}, reg.UserConnections("u1"))
	assert.True(t, dead.closed)
	_, hasRecord = monitor.Record("c-dead")
	assert.False(t, hasRecord, "record dropped after eviction")

	// The user was told on their surviving connection.
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.events, 1)
	assert.Equal(t, router.EventHeartbeatFailed, notifier.events[0].Type)
	assert.Equal(t, "u1", notifier.users[0])
	assert.Equal(t, "c-dead", notifier.events[0].Data["connection_id"])
}

func TestMonitor_NonPingableTransportSkipped(t *testing.T) {
	reg := registry.New()
	monitor := New(reg, nil, &recordingNotifier{}, Config{Threshold: 1})

	// A transport without Ping support is never probed or evicted here.
	require.NoError(t, reg.Add(&registry.Connection{ID: "c1", UserID: "u1", Transport: plainTransport{}}))

	monitor.beat(context.Background())
	assert.True(t, reg.IsActive("u1"))
	_, ok := monitor.Record("c1")
	assert.False(t, ok)
}

type plainTransport struct{}

func (plainTransport) Send(interface{}) error  { return nil }
func (plainTransport) Close(int, string) error { return nil }

func TestMonitor_RecordsPrunedForDepartedConnections(t *testing.T) {
	reg, monitor, _ := setup(t, 3)
	tr := &pingableTransport{}
	require.NoError(t, reg.Add(&registry.Connection{ID: "c1", UserID: "u1", Transport: tr}))

	ctx := context.Background()
	monitor.beat(ctx)
	_, ok := monitor.Record("c1")
	require.True(t, ok)

	// Connection leaves through the normal disconnect path.
	reg.Remove("c1")
	monitor.beat(ctx)

	_, ok = monitor.Record("c1")
	assert.False(t, ok)
}

func TestMonitor_Health(t *testing.T) {
	reg, monitor, _ := setup(t, 3)
	healthy := &pingableTransport{}
	flaky := &pingableTransport{}
	require.NoError(t, reg.Add(&registry.Connection{ID: "a", UserID: "u1", Transport: healthy}))
	require.NoError(t, reg.Add(&registry.Connection{ID: "b", UserID: "u1", Transport: flaky}))

	ctx := context.Background()
	flaky.setPingErr(errors.New("slow"))
	monitor.beat(ctx)

	health := monitor.Health("u1")
	require.Len(t, health, 2)

	byID := map[string]ConnectionHealth{}
	for _, h := range health {
		byID[h.ConnID] = h
	}
	assert.True(t, byID["a"].Active)
	assert.True(t, byID["a"].Healthy)
	assert.True(t, byID["b"].Active)
	assert.False(t, byID["b"].Healthy)
}
