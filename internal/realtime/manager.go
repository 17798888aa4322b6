package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/parley-im/parley/internal/bus"
	"github.com/parley-im/parley/internal/status"
	"go.uber.org/zap"
)

const (
	defaultInitialDelay = time.Second
	defaultMaxDelay     = 5 * time.Second
	defaultMaxAttempts  = 5
)

// ErrNotConnected is returned when sending without a live connection.
var ErrNotConnected = errors.New("not connected")

// Manager owns the single realtime connection of a session: handshake with a
// fresh bearer token, the read loop feeding the router, and the bounded
// reconnect cycle. Connection failures surface as state transitions on the
// status machine, never as errors to callers.
type Manager struct {
	url     string
	tokens  TokenProvider
	machine *status.Machine
	router  *Router
	bus     *bus.Bus
	logger  *zap.Logger

	initialDelay time.Duration
	maxDelay     time.Duration
	maxAttempts  int
	dialer       *websocket.Dialer

	mu     sync.Mutex
	conn   *Conn
	cancel context.CancelFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetryPolicy overrides the reconnect delays and attempt budget.
func WithRetryPolicy(initial, max time.Duration, attempts int) Option {
	return func(m *Manager) {
		m.initialDelay = initial
		m.maxDelay = max
		m.maxAttempts = attempts
	}
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// NewManager creates a manager for the given websocket URL.
func NewManager(url string, tokens TokenProvider, machine *status.Machine, router *Router, b *bus.Bus, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		url:          url,
		tokens:       tokens,
		machine:      machine,
		router:       router,
		bus:          b,
		logger:       logger,
		initialDelay: defaultInitialDelay,
		maxDelay:     defaultMaxDelay,
		maxAttempts:  defaultMaxAttempts,
		dialer:       websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect starts the connection loop. Any existing connection is torn down
// first; there is never more than one live connection per manager. The call
// returns immediately; progress is observable on the status machine.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	_ = m.machine.Transition(status.Connecting)
	go m.run(runCtx)
}

// Disconnect tears the connection down and stops any reconnect cycle.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()

	_ = m.machine.Transition(status.Disconnected)
}

// Send emits an outbound event on the live connection.
func (m *Manager) Send(event string, v any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(event, v)
}

// SendMarkRead implements convo.AckSender.
func (m *Manager) SendMarkRead(conversationID string) error {
	return m.Send(EventMarkRead, ReadReceipt{ConversationID: conversationID})
}

// SendMessage submits a message over the realtime channel.
func (m *Manager) SendMessage(out OutboundMessage) error {
	return m.Send(EventSendMessage, out)
}

// run is the connection loop: dial, pump, and on failure retry with a
// fixed-step delay (initialDelay * attempt, capped at maxDelay) up to
// maxAttempts times. attempt 0 is the initial dial; after a successful
// connection the budget resets.
func (m *Manager) run(ctx context.Context) {
	attempt := 0
	for {
		if attempt > 0 {
			if attempt > m.maxAttempts {
				m.logger.Error("reconnect attempts exhausted", zap.Int("attempts", m.maxAttempts))
				_ = m.machine.Transition(status.Failed)
				return
			}
			delay := time.Duration(attempt) * m.initialDelay
			if delay > m.maxDelay {
				delay = m.maxDelay
			}
			m.logger.Info("reconnecting",
				zap.Int("attempt", attempt), zap.Duration("delay", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		conn, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("connection attempt failed", zap.Error(err))
			_ = m.machine.Transition(status.Reconnecting)
			attempt++
			continue
		}

		if !m.adopt(ctx, conn) {
			return
		}
		attempt = 0
		_ = m.machine.Transition(status.Connected)
		m.publish(bus.KindConnected)
		m.logger.Info("realtime channel connected")

		err = conn.readLoop(m.router.Handle)

		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("realtime channel dropped", zap.Error(err))
		_ = m.machine.Transition(status.Reconnecting)
		m.publish(bus.KindDisconnected)
		attempt = 1
	}
}

// adopt installs a freshly dialed connection. The dialer stops honoring the
// context once the handshake completes, so a Disconnect (or a newer Connect)
// racing the end of a dial would leave an orphaned socket feeding the router;
// re-checking the context under the lock closes that window.
func (m *Manager) adopt(ctx context.Context, conn *Conn) bool {
	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		conn.Close()
		return false
	}
	m.conn = conn
	m.mu.Unlock()
	return true
}

// dial requests a fresh token and opens one websocket carrying it. Tokens
// are short-lived, so nothing is cached between attempts.
func (m *Manager) dial(ctx context.Context) (*Conn, error) {
	token, err := m.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := m.dialer.DialContext(ctx, m.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return newConn(ws, m.logger), nil
}

func (m *Manager) publish(kind string) {
	if m.bus != nil {
		m.bus.Publish(bus.Event{Kind: kind, At: time.Now()})
	}
}
