package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport implements Transport for tests.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []interface{}
	closed bool
	code   int
}

func (f *fakeTransport) Send(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
	return nil
}

func (f *fakeTransport) Ping(ctx context.Context) error { return nil }

func newConn(id, userID string) *Connection {
	return &Connection{ID: id, UserID: userID, Transport: &fakeTransport{}}
}

func TestRegistry_Add(t *testing.T) {
	reg := New()

	err := reg.Add(newConn("c1", "u1"))
	require.NoError(t, err)

	conn, ok := reg.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "u1", conn.UserID)
	assert.False(t, conn.ConnectedAt.IsZero(), "ConnectedAt should be stamped on Add")
	assert.True(t, reg.IsActive("u1"))
}

func TestRegistry_AddDuplicate(t *testing.T) {
	reg := New()

	require.NoError(t, reg.Add(newConn("c1", "u1")))
	err := reg.Add(newConn("c1", "u2"))
	assert.ErrorIs(t, err, ErrDuplicateConnection)

	// The original owner must be untouched.
	conn, ok := reg.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "u1", conn.UserID)
}

func TestRegistry_RemoveIdempotent(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Add(newConn("c1", "u1")))

	assert.True(t, reg.Remove("c1"))
	first := reg.Stats()

	// Removing again is a no-op, not an error, and observable state is
	// unchanged.
	assert.False(t, reg.Remove("c1"))
	assert.Equal(t, first, reg.Stats())

	_, ok := reg.Get("c1")
	assert.False(t, ok)
	assert.False(t, reg.IsActive("u1"))
}

func TestRegistry_UserConnections(t *testing.T) {
	reg := New()

	assert.Empty(t, reg.UserConnections("nobody"))

	require.NoError(t, reg.Add(newConn("c2", "u1")))
	require.NoError(t, reg.Add(newConn("c1", "u1")))
	require.NoError(t, reg.Add(newConn("c3", "u2")))

	assert.Equal(t, []string{"c1", "c2"}, reg.UserConnections("u1"))
	assert.Equal(t, []string{"c3"}, reg.UserConnections("u2"))
}

// Mirrors the canonical multi-device scenario: two tabs, one force-closed,
// the session survives until the last one goes.
func TestRegistry_MultiConnectionLifecycle(t *testing.T) {
	reg := New()

	require.NoError(t, reg.Add(newConn("c1", "u1")))
	require.NoError(t, reg.Add(newConn("c2", "u1")))
	assert.Equal(t, Stats{TotalConnections: 2, UniqueUsers: 1}, reg.Stats())

	reg.Remove("c1")
	assert.Equal(t, []string{"c2"}, reg.UserConnections("u1"))
	assert.True(t, reg.IsActive("u1"), "user stays active while one connection remains")

	reg.Remove("c2")
	assert.False(t, reg.IsActive("u1"))

	_, ok := reg.Get("c1")
	assert.False(t, ok)
	_, ok = reg.Get("c2")
	assert.False(t, ok)
}

func TestRegistry_DisconnectUser(t *testing.T) {
	reg := New()

	t1 := &fakeTransport{}
	t2 := &fakeTransport{}
	require.NoError(t, reg.Add(&Connection{ID: "c1", UserID: "u1", Transport: t1}))
	require.NoError(t, reg.Add(&Connection{ID: "c2", UserID: "u1", Transport: t2}))
	require.NoError(t, reg.Add(newConn("c3", "u2")))

	removed := reg.DisconnectUser("u1", 1000, "bye")
	assert.Equal(t, 2, removed)
	assert.False(t, reg.IsActive("u1"))
	assert.True(t, reg.IsActive("u2"), "other users are untouched")
	assert.True(t, t1.closed)
	assert.True(t, t2.closed)
	assert.Equal(t, 1000, t1.code)

	assert.Equal(t, 0, reg.DisconnectUser("u1", 1000, "bye"))
}

func TestRegistry_CloseAll(t *testing.T) {
	reg := New()
	transports := make([]*fakeTransport, 3)
	for i := range transports {
		transports[i] = &fakeTransport{}
		require.NoError(t, reg.Add(&Connection{
			ID:        fmt.Sprintf("c%d", i),
			UserID:    fmt.Sprintf("u%d", i),
			Transport: transports[i],
		}))
	}

	reg.CloseAll(1001, "shutdown")

	assert.Equal(t, Stats{}, reg.Stats())
	for _, tr := range transports {
		assert.True(t, tr.closed)
	}
}

// The two-phase insert must be atomic with respect to concurrent removal:
// hammer Add/Remove from many goroutines and check the maps stay coherent.
func TestRegistry_ConcurrentAddRemove(t *testing.T) {
	reg := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", n)
			user := fmt.Sprintf("u%d", n%5)
			for j := 0; j < 100; j++ {
				if err := reg.Add(newConn(id, user)); err != nil {
					continue
				}
				reg.Remove(id)
			}
		}(i)
	}
	wg.Wait()

	stats := reg.Stats()
	assert.Equal(t, 0, stats.TotalConnections)
	assert.Equal(t, 0, stats.UniqueUsers)
}

// A connection's owner never changes for its lifetime, regardless of what
// other keys are exercised.
func TestRegistry_AtMostOneOwner(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Add(newConn("c1", "u1")))
	require.NoError(t, reg.Add(newConn("c2", "u2")))

	for i := 0; i < 10; i++ {
		conn, ok := reg.Get("c1")
		require.True(t, ok)
		assert.Equal(t, "u1", conn.UserID)
		reg.Remove("c2")
		reg.Add(newConn("c2", "u2"))
	}
}
