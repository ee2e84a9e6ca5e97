// Package conn maintains the client's WebSocket session with the sync server.
//
// The manager owns a single connection at a time and moves through an
// explicit state machine: Disconnected, Connecting, Connected, Authenticated.
// On connection loss it reconnects with exponential backoff up to a bounded
// number of attempts, sends heartbeat pings while connected, and tears the
// session down when the server goes silent for two heartbeat intervals.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/studykit/studysync/internal/clock"
	syncpkg "github.com/studykit/studysync/internal/sync"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateAuthenticated State = "authenticated"
)

// Conn is the transport the manager drives. Satisfied by wsConn; tests
// substitute their own.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer establishes a transport connection.
type Dialer interface {
	Dial(ctx context.Context, url, token string) (Conn, error)
}

// TokenSource supplies and refreshes the bearer token.
type TokenSource interface {
	// Token returns the current token.
	Token(ctx context.Context) (string, error)

	// Refresh obtains a fresh token after the current one expired.
	Refresh(ctx context.Context) (string, error)
}

// Handlers are the manager's upward callbacks. All are optional.
type Handlers struct {
	// OnEnvelope receives every inbound protocol message except pongs,
	// which the manager consumes for liveness.
	OnEnvelope func(env syncpkg.Envelope)

	// OnStateChange observes lifecycle transitions.
	OnStateChange func(state State)

	// OnAuthenticated fires each time a session is (re)established,
	// after the state reaches Authenticated. Used to trigger catch-up
	// and queue flush.
	OnAuthenticated func()

	// OnGiveUp fires when the reconnect attempt budget is exhausted.
	OnGiveUp func()
}

// Config holds connection parameters.
type Config struct {
	// URL of the sync endpoint, e.g. "ws://host:8600/sync".
	URL string

	// HeartbeatInterval between pings. Two silent intervals tear the
	// session down.
	HeartbeatInterval time.Duration

	// BackoffBase is the first reconnect delay; it doubles per attempt.
	BackoffBase time.Duration

	// BackoffCap bounds the reconnect delay.
	BackoffCap time.Duration

	// MaxReconnectAttempts before giving up. Zero means the default.
	MaxReconnectAttempts int

	// WriteTimeout bounds a single message write.
	WriteTimeout time.Duration
}

// DefaultConfig returns the standard connection parameters.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		HeartbeatInterval:    30 * time.Second,
		BackoffBase:          1 * time.Second,
		BackoffCap:           30 * time.Second,
		MaxReconnectAttempts: 10,
		WriteTimeout:         5 * time.Second,
	}
}

// Manager owns the client's connection lifecycle.
type Manager struct {
	config   Config
	clock    clock.Clock
	dialer   Dialer
	tokens   TokenSource
	handlers Handlers
	logger   *slog.Logger

	mu           sync.Mutex
	state        State
	conn         Conn
	lastActivity time.Time
	intentional  bool

	wg sync.WaitGroup
}

// NewManager creates a connection manager. dialer may be nil to use the
// WebSocket dialer.
func NewManager(config Config, clk clock.Clock, dialer Dialer, tokens TokenSource, handlers Handlers, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.System()
	}
	if dialer == nil {
		dialer = wsDialer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxReconnectAttempts <= 0 {
		config.MaxReconnectAttempts = 10
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	return &Manager{
		config:   config,
		clock:    clk,
		dialer:   dialer,
		tokens:   tokens,
		handlers: handlers,
		logger:   logger,
		state:    StateDisconnected,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Run connects and keeps the session alive until ctx is canceled or the
// reconnect budget is exhausted.
func (m *Manager) Run(ctx context.Context) {
	attempt := 0
	for {
		m.mu.Lock()
		closed := m.intentional
		m.mu.Unlock()
		if closed || ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}

		conn, err := m.connect(ctx)
		if err != nil {
			attempt++
			if attempt >= m.config.MaxReconnectAttempts {
				m.logger.Error("Giving up after repeated connection failures",
					"attempts", attempt)
				m.setState(StateDisconnected)
				if m.handlers.OnGiveUp != nil {
					m.handlers.OnGiveUp()
				}
				return
			}

			delay := BackoffDelay(m.config.BackoffBase, m.config.BackoffCap, attempt)
			m.logger.Warn("Connection failed, backing off",
				"attempt", attempt, "delay", delay, "error", err)
			m.setState(StateDisconnected)

			select {
			case <-ctx.Done():
				return
			case <-m.clock.After(delay):
			}
			continue
		}

		// A live session resets the budget.
		attempt = 0
		m.runSession(ctx, conn)

		m.mu.Lock()
		intentional := m.intentional
		m.mu.Unlock()
		if intentional || ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}
		m.setState(StateDisconnected)
	}
}

// Close tears the session down for good. Run returns once the session ends.
func (m *Manager) Close() {
	m.mu.Lock()
	m.intentional = true
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.wg.Wait()
}

// connect dials and authenticates, refreshing the token once if it expired.
func (m *Manager) connect(ctx context.Context) (Conn, error) {
	m.setState(StateConnecting)

	token, err := m.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	conn, err := m.dialer.Dial(ctx, m.config.URL, token)
	if errors.Is(err, syncpkg.ErrAuthExpired) {
		m.logger.Info("Token expired, refreshing")
		token, err = m.tokens.Refresh(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to refresh token: %w", err)
		}
		conn, err = m.dialer.Dial(ctx, m.config.URL, token)
	}
	if err != nil {
		return nil, err
	}

	// The server validates the token during the upgrade, so a completed
	// handshake means the session is authenticated.
	m.mu.Lock()
	m.conn = conn
	m.lastActivity = m.clock.Now()
	m.mu.Unlock()

	m.setState(StateConnected)
	m.setState(StateAuthenticated)
	m.logger.Info("Session established", "url", m.config.URL)
	if m.handlers.OnAuthenticated != nil {
		m.handlers.OnAuthenticated()
	}
	return conn, nil
}

// runSession drives one live connection until it fails or is closed.
func (m *Manager) runSession(ctx context.Context, conn Conn) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.heartbeatLoop(sessionCtx, conn)
	}()

	m.readLoop(sessionCtx, conn)
	cancel()

	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	_ = conn.Close()
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("Connection lost", "error", err)
			}
			return
		}

		m.mu.Lock()
		m.lastActivity = m.clock.Now()
		m.mu.Unlock()

		var env syncpkg.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Warn("Dropping malformed message", "error", err)
			continue
		}

		if env.Type == syncpkg.MessageTypePong {
			continue // consumed for liveness above
		}
		if m.handlers.OnEnvelope != nil {
			m.handlers.OnEnvelope(env)
		}
	}
}

// heartbeatLoop pings on every interval and tears the session down after
// two silent intervals.
func (m *Manager) heartbeatLoop(ctx context.Context, conn Conn) {
	ticker := m.clock.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.mu.Lock()
			silent := m.clock.Now().Sub(m.lastActivity)
			m.mu.Unlock()

			if silent >= 2*m.config.HeartbeatInterval {
				m.logger.Warn("Server silent, tearing session down",
					"silent", silent)
				_ = conn.Close()
				return
			}

			ping := syncpkg.NewEnvelope(syncpkg.MessageTypePing, syncpkg.PingData{
				RequestID: uuid.NewString(),
			})
			if err := m.write(ctx, conn, ping); err != nil {
				m.logger.Warn("Heartbeat write failed", "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}

// Send transmits an envelope on the active session.
func (m *Manager) Send(env syncpkg.Envelope) error {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()

	if conn == nil || state != StateAuthenticated {
		return fmt.Errorf("%w: not connected", syncpkg.ErrTransient)
	}
	return m.write(context.Background(), conn, env)
}

// SendBatch transmits a change batch. Satisfies the coordinator's Sender.
func (m *Manager) SendBatch(batch syncpkg.ChangeBatch) error {
	return m.Send(syncpkg.NewEnvelope(syncpkg.MessageTypeBatchUpdate, syncpkg.BatchUpdateData{Batch: batch}))
}

// RequestCatchup asks the server for all changes above sinceVersion.
func (m *Manager) RequestCatchup(sinceVersion int64, deviceID string) error {
	return m.Send(syncpkg.NewEnvelope(syncpkg.MessageTypeForceSync, syncpkg.ForceSyncData{
		SinceVersion: sinceVersion,
		DeviceID:     deviceID,
	}))
}

func (m *Manager) write(ctx context.Context, conn Conn, env syncpkg.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, m.config.WriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, data)
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	changed := m.state != state
	m.state = state
	m.mu.Unlock()

	if changed && m.handlers.OnStateChange != nil {
		m.handlers.OnStateChange(state)
	}
}

// BackoffDelay returns the reconnect delay for the given attempt, starting
// at base for attempt 1 and doubling up to the cap.
func BackoffDelay(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}
