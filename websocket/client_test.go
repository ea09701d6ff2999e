package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/agent-notifier/config"
)

func testWSConfig() *config.WebSocketConfig {
	return &config.WebSocketConfig{
		PongTimeout:     1,
		ActivityTimeout: 300,
		WriteTimeout:    5,
		KeepAlive:       true,
	}
}

// newSessionPair upgrades a loopback connection and wraps the server side in
// a ClientSession. The returned peer is the raw client-side conn.
func newSessionPair(t *testing.T, cfg *config.WebSocketConfig) (*ClientSession, *websocket.Conn) {
	t.Helper()

	serverConns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		serverConns <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	peer, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })

	session := NewClientSession("test-conn", "u1", <-serverConns, cfg)
	t.Cleanup(func() { session.Close(websocket.CloseNormalClosure, "test done") })
	return session, peer
}

func TestClientSession_SendOrder(t *testing.T) {
	session, peer := newSessionPair(t, testWSConfig())

	require.NoError(t, session.Send(map[string]string{"seq": "first"}))
	require.NoError(t, session.Send(map[string]string{"seq": "second"}))

	var got map[string]string
	require.NoError(t, peer.ReadJSON(&got))
	assert.Equal(t, "first", got["seq"])
	require.NoError(t, peer.ReadJSON(&got))
	assert.Equal(t, "second", got["seq"])
}

func TestClientSession_SendAfterClose(t *testing.T) {
	session, _ := newSessionPair(t, testWSConfig())

	require.NoError(t, session.Close(websocket.CloseNormalClosure, "going away"))

	err := session.Send(map[string]string{"seq": "late"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "test-conn")

	// Closing again is a no-op.
	assert.NoError(t, session.Close(websocket.CloseNormalClosure, "again"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, session.Ping(ctx))
}

func TestClientSession_PingPongAccounting(t *testing.T) {
	session, _ := newSessionPair(t, testWSConfig())
	ctx := context.Background()

	// A stale pong timestamp before the first ping is forgiven: the peer
	// has not been asked for one yet.
	session.lastPong.Store(time.Now().Add(-5 * time.Second).Unix())
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	assert.NoError(t, session.Ping(pingCtx))
	cancel()

	// From the second ping on, silence past the pong timeout is a miss.
	pingCtx, cancel = context.WithTimeout(ctx, time.Second)
	err := session.Ping(pingCtx)
	cancel()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no pong")

	// A pong resets the clock.
	require.NoError(t, session.pongHandler(""))
	pingCtx, cancel = context.WithTimeout(ctx, time.Second)
	assert.NoError(t, session.Ping(pingCtx))
	cancel()
}

func TestClientSession_PongRefreshesActivity(t *testing.T) {
	stale := time.Now().Add(-time.Minute)

	t.Run("KeepAlive on", func(t *testing.T) {
		session, _ := newSessionPair(t, testWSConfig())
		session.lastActivity.Store(stale.Unix())

		require.NoError(t, session.pongHandler(""))
		assert.WithinDuration(t, time.Now(), session.LastActivityTime(), 2*time.Second)
	})

	t.Run("KeepAlive off", func(t *testing.T) {
		cfg := testWSConfig()
		cfg.KeepAlive = false
		session, _ := newSessionPair(t, cfg)
		session.lastActivity.Store(stale.Unix())

		require.NoError(t, session.pongHandler(""))
		assert.Equal(t, stale.Unix(), session.lastActivity.Load())
	})
}
