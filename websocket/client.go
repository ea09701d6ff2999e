package websocket

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/abdelmounim-dev/agent-notifier/config"
)

const (
	websocketRetryDelay = 200 * time.Millisecond
	websocketMaxRetries = 3
)

// ClientSession wraps one gorilla connection and implements the registry's
// Transport and Pinger capabilities. All writes go through one mutex so
// sequential sends from a single producer reach the peer in call order.
type ClientSession struct {
	ID     string
	UserID string

	conn         *websocket.Conn
	cfg          *config.WebSocketConfig
	ctx          context.Context
	cancel       context.CancelFunc
	lastActivity atomic.Int64
	lastPong     atomic.Int64
	pingsSent    atomic.Int64

	activityTimer *time.Timer
	onTimeout     func()

	mu     sync.Mutex
	closed bool
}

// NewClientSession creates a session for an upgraded connection.
func NewClientSession(id, userID string, conn *websocket.Conn, cfg *config.WebSocketConfig) *ClientSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &ClientSession{
		ID:     id,
		UserID: userID,
		conn:   conn,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
	now := time.Now().Unix()
	s.lastActivity.Store(now)
	s.lastPong.Store(now)
	conn.SetPongHandler(s.pongHandler)
	return s
}

// Send writes one JSON message to the peer, retrying transient write
// failures a bounded number of times.
func (s *ClientSession) Send(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("connection %s is closed", s.ID)
	}

	operation := func() error {
		deadline := time.Now().Add(time.Duration(s.cfg.WriteTimeout) * time.Second)
		if err := s.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		return s.conn.WriteJSON(v)
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(websocketRetryDelay),
			websocketMaxRetries,
		),
		s.ctx,
	)

	return backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		log.Printf("Retrying WebSocket write to %s: %v (next attempt in %s)", s.ID, err, d)
	})
}

// Ping sends a control ping and reports the connection dead when the peer
// has not answered a previous ping within the pong timeout. The write
// deadline comes from ctx so one slow socket cannot stall a probe round.
func (s *ClientSession) Ping(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(time.Duration(s.cfg.WriteTimeout) * time.Second)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("connection %s is closed", s.ID)
	}
	err := s.conn.WriteControl(websocket.PingMessage, []byte{}, deadline)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("ping write failed: %w", err)
	}

	if s.pingsSent.Add(1) > 1 {
		sincePong := time.Since(time.Unix(s.lastPong.Load(), 0))
		if sincePong > time.Duration(s.cfg.PongTimeout)*time.Second {
			return fmt.Errorf("no pong for %s", sincePong.Round(time.Second))
		}
	}
	return nil
}

func (s *ClientSession) pongHandler(string) error {
	s.lastPong.Store(time.Now().Unix())
	if s.cfg.KeepAlive {
		s.UpdateActivity()
	}
	return nil
}

// StartActivityTimer arms the inactivity timeout. onTimeout fires once when
// the peer stays silent past the configured window.
func (s *ClientSession) StartActivityTimer(onTimeout func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTimeout = onTimeout
	s.activityTimer = time.AfterFunc(
		time.Duration(s.cfg.ActivityTimeout)*time.Second,
		s.onActivityTimeout,
	)
}

// UpdateActivity refreshes the last-activity timestamp and re-arms the
// inactivity timer. Called for genuine client traffic.
func (s *ClientSession) UpdateActivity() {
	s.lastActivity.Store(time.Now().Unix())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activityTimer != nil {
		s.activityTimer.Stop()
		s.activityTimer = time.AfterFunc(
			time.Duration(s.cfg.ActivityTimeout)*time.Second,
			s.onActivityTimeout,
		)
	}
}

// LastActivityTime returns the time of the last client activity.
func (s *ClientSession) LastActivityTime() time.Time {
	return time.Unix(s.lastActivity.Load(), 0)
}

func (s *ClientSession) onActivityTimeout() {
	log.Printf("Connection %s timed out", s.ID)
	s.Close(websocket.ClosePolicyViolation, "Inactivity timeout")
	s.mu.Lock()
	onTimeout := s.onTimeout
	s.mu.Unlock()
	if onTimeout != nil {
		onTimeout()
	}
}

// Done is closed when the session shuts down.
func (s *ClientSession) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Close sends a close frame and tears the connection down. Safe to call
// more than once.
func (s *ClientSession) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.activityTimer != nil {
		s.activityTimer.Stop()
	}
	s.cancel()

	writeTimeout := time.Duration(s.cfg.WriteTimeout) * time.Second
	err := s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeTimeout),
	)
	if err != nil {
		log.Printf("Error sending close message to %s: %v", s.ID, err)
	}

	return s.conn.Close()
}
