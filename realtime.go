package venturelink

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a ConnectionManager.
type RealtimeConfig struct {
	URL                  string
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	// HeartbeatInterval is the ping period; a negative value disables pings.
	HeartbeatInterval time.Duration
	Logger            *zerolog.Logger
	Metrics           *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// ConnectionState is the state of the realtime connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateClosing      ConnectionState = "closing"
)

// StateChange describes one connection state transition.
type StateChange struct {
	From ConnectionState
	To   ConnectionState
	// Attempt is the reconnect counter after the transition.
	Attempt int
	// Delay is the wait before the next automatic reconnect, zero when none
	// was scheduled.
	Delay time.Duration
	// Err is the failure that caused a transition to disconnected. It wraps
	// ErrReconnectExhausted when automatic reconnection has given up.
	Err error
}

// Exhausted reports whether this transition ended automatic reconnection.
func (c StateChange) Exhausted() bool {
	return errors.Is(c.Err, ErrReconnectExhausted)
}

// StateListener observes connection state transitions.
type StateListener func(StateChange)

type listenerEntry struct {
	id uint64
	fn StateListener
}

// backoffDelay returns base * 1.5^(attempt-1).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(base) * math.Pow(1.5, float64(attempt-1)))
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the realtime connection: it dials, reconnects with
// bounded exponential backoff, keeps the link alive with pings and hands
// every inbound frame to a single frame handler.
//
// Close code 1000, whether sent by us or by the server, never triggers a
// reconnect. Any other loss schedules one until MaxReconnectAttempts
// consecutive failures, after which a single exhausted transition is
// reported and the manager stays disconnected until Connect is called.
type ConnectionManager struct {
	cfg       RealtimeConfig
	transport Transport
	creds     CredentialProvider
	log       zerolog.Logger
	metrics   *Metrics

	mu         sync.Mutex
	state      ConnectionState
	attempts   int
	exhausted  bool
	closed     bool
	lastErr    error
	conn       Conn
	connGen    uint64
	cancelConn context.CancelFunc
	cancelDial context.CancelFunc
	dialGen    uint64
	timer      *time.Timer
	timerGen   uint64
	frames     func([]byte)

	listenersMu  sync.Mutex
	listeners    []listenerEntry
	nextListener uint64

	notifyMu  sync.Mutex
	pending   []StateChange
	notifying bool
}

func NewConnectionManager(cfg RealtimeConfig, transport Transport, creds CredentialProvider) *ConnectionManager {
	cfg.defaults()
	return &ConnectionManager{
		cfg:       cfg,
		transport: transport,
		creds:     creds,
		log:       cfg.Logger.With().Str("component", "connection").Logger(),
		metrics:   cfg.Metrics,
		state:     StateDisconnected,
	}
}

// HandleFrames sets the function that receives every inbound frame, in
// arrival order, while connected.
func (m *ConnectionManager) HandleFrames(fn func([]byte)) {
	m.mu.Lock()
	m.frames = fn
	m.mu.Unlock()
}

// OnStateChange registers a listener. Listeners run synchronously, in
// transition order, and each transition is delivered at most once even if
// a listener triggers another transition.
func (m *ConnectionManager) OnStateChange(fn StateListener) Unsubscribe {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.nextListener++
	id := m.nextListener
	m.listeners = append(m.listeners[:len(m.listeners):len(m.listeners)], listenerEntry{id: id, fn: fn})
	var once sync.Once
	return func() {
		once.Do(func() {
			m.listenersMu.Lock()
			defer m.listenersMu.Unlock()
			out := make([]listenerEntry, 0, len(m.listeners))
			for _, l := range m.listeners {
				if l.id != id {
					out = append(out, l)
				}
			}
			m.listeners = out
		})
	}
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the consecutive reconnect counter.
func (m *ConnectionManager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// LastError returns the most recent transport failure, if any.
func (m *ConnectionManager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Connect opens the connection. It is a no-op while connecting or
// connected. A manual Connect resets the reconnect counter and cancels any
// pending automatic reconnect. A missing credential is returned as
// ErrAuthMissing without a state change; a dial failure is returned as a
// *TransportError after automatic reconnection has been scheduled.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.stopTimerLocked()
	m.attempts = 0
	m.exhausted = false
	m.mu.Unlock()
	return m.dial(ctx)
}

func (m *ConnectionManager) dial(ctx context.Context) error {
	token, err := m.token(ctx)
	if err != nil {
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	dialCtx, cancel := context.WithCancel(ctx)
	m.cancelDial = cancel
	m.dialGen++
	dialGen := m.dialGen
	m.transitionLocked(StateConnecting, StateChange{})
	m.mu.Unlock()
	m.drain()

	m.log.Debug().Str("url", m.cfg.URL).Msg("dialing")
	conn, err := m.transport.Dial(dialCtx, m.cfg.URL, token)
	cancel()

	m.mu.Lock()
	if dialGen == m.dialGen {
		m.cancelDial = nil
	}
	if m.state != StateConnecting || dialGen != m.dialGen {
		// Disconnect or Close won the race.
		m.mu.Unlock()
		if conn != nil {
			conn.Close(StatusNormalClosure, "client disconnect")
		}
		if err != nil {
			return &TransportError{Op: "dial", Code: -1, Err: err}
		}
		return ErrNotConnected
	}
	if err != nil {
		terr := &TransportError{Op: "dial", Code: -1, Err: err}
		m.failLocked(terr)
		m.mu.Unlock()
		m.drain()
		return terr
	}

	connCtx, cancelConn := context.WithCancel(context.Background())
	m.conn = conn
	m.cancelConn = cancelConn
	m.connGen++
	gen := m.connGen
	m.attempts = 0
	m.exhausted = false
	m.lastErr = nil
	m.transitionLocked(StateConnected, StateChange{})
	m.mu.Unlock()

	m.log.Info().Str("url", m.cfg.URL).Msg("connected")
	go m.readLoop(connCtx, conn, gen)
	if m.cfg.HeartbeatInterval > 0 {
		go m.heartbeatLoop(connCtx, conn, gen)
	}
	m.drain()
	return nil
}

func (m *ConnectionManager) token(ctx context.Context) (string, error) {
	if m.creds == nil {
		return "", ErrAuthMissing
	}
	tok, err := m.creds.Token(ctx)
	if err != nil {
		if errors.Is(err, ErrAuthMissing) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrAuthMissing, err)
	}
	if tok == "" {
		return "", ErrAuthMissing
	}
	return tok, nil
}

// Send writes one frame. It fails with ErrNotConnected unless connected.
// Errors wrapping ErrSendRejected are returned as is; other write failures
// come back as *TransportError.
func (m *ConnectionManager) Send(ctx context.Context, frame []byte) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	if err := conn.Write(ctx, frame); err != nil {
		if errors.Is(err, ErrSendRejected) {
			return err
		}
		return &TransportError{Op: "write", Code: CloseStatus(err), Err: err}
	}
	return nil
}

// Disconnect closes the connection with code 1000 and cancels any pending
// reconnect. The manager can be connected again afterwards.
func (m *ConnectionManager) Disconnect() error {
	m.mu.Lock()
	m.stopTimerLocked()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	switch m.state {
	case StateConnecting:
		m.transitionLocked(StateDisconnected, StateChange{})
		m.mu.Unlock()
		m.drain()
		return nil
	case StateConnected:
	default:
		m.mu.Unlock()
		return nil
	}

	conn := m.conn
	cancelConn := m.cancelConn
	m.conn = nil
	m.cancelConn = nil
	m.connGen++
	m.transitionLocked(StateClosing, StateChange{})
	m.mu.Unlock()
	m.drain()

	m.log.Info().Msg("disconnecting")
	var err error
	if conn != nil {
		err = conn.Close(StatusNormalClosure, "client disconnect")
	}
	if cancelConn != nil {
		cancelConn()
	}

	m.mu.Lock()
	m.transitionLocked(StateDisconnected, StateChange{})
	m.mu.Unlock()
	m.drain()
	return err
}

// Close disconnects and makes the manager unusable.
func (m *ConnectionManager) Close() error {
	err := m.Disconnect()
	m.mu.Lock()
	m.closed = true
	m.stopTimerLocked()
	m.mu.Unlock()
	return err
}

func (m *ConnectionManager) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			m.connectionLost(conn, gen, err)
			return
		}

		m.mu.Lock()
		current := gen == m.connGen && m.state == StateConnected
		frames := m.frames
		m.mu.Unlock()
		if !current {
			return
		}
		m.metrics.frameReceived()
		if frames != nil {
			frames(data)
		}
	}
}

func (m *ConnectionManager) connectionLost(conn Conn, gen uint64, err error) {
	m.mu.Lock()
	if gen != m.connGen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	if m.cancelConn != nil {
		m.cancelConn()
		m.cancelConn = nil
	}
	m.conn = nil
	m.connGen++

	code := CloseStatus(err)
	if code == StatusNormalClosure {
		m.transitionLocked(StateDisconnected, StateChange{})
		m.mu.Unlock()
		m.log.Info().Msg("server closed connection normally")
		m.drain()
		return
	}

	terr := &TransportError{Op: "read", Code: code, Err: err}
	var ce *CloseError
	if errors.As(err, &ce) {
		terr.Reason = ce.Reason
	}
	m.log.Warn().Err(terr).Msg("connection lost")
	m.failLocked(terr)
	m.mu.Unlock()
	m.drain()
	conn.Close(StatusGoingAway, "connection lost")
}

func (m *ConnectionManager) heartbeatLoop(ctx context.Context, conn Conn, gen uint64) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			current := gen == m.connGen && m.state == StateConnected
			m.mu.Unlock()
			if !current {
				return
			}

			pingCtx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				// Heartbeat failed, force close so the read loop reconnects.
				m.log.Warn().Err(err).Msg("heartbeat failed")
				conn.Close(StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// failLocked records a failed dial or a lost connection, moves to
// disconnected and either schedules the next reconnect or reports
// exhaustion. m.mu must be held.
func (m *ConnectionManager) failLocked(err error) {
	m.lastErr = err
	change := StateChange{Err: err}
	if !m.closed {
		if m.attempts < m.cfg.MaxReconnectAttempts {
			m.attempts++
			change.Delay = backoffDelay(m.cfg.ReconnectBaseDelay, m.attempts)
			m.scheduleLocked(change.Delay)
			m.metrics.reconnectScheduled()
			m.log.Info().Int("attempt", m.attempts).Dur("delay", change.Delay).Msg("reconnect scheduled")
		} else if !m.exhausted {
			m.exhausted = true
			change.Err = fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, m.attempts, err)
			m.metrics.reconnectExhausted()
			m.log.Error().Err(err).Int("attempts", m.attempts).Msg("reconnect attempts exhausted")
		}
	}
	m.transitionLocked(StateDisconnected, change)
}

func (m *ConnectionManager) scheduleLocked(delay time.Duration) {
	m.stopTimerLocked()
	gen := m.timerGen
	m.timer = time.AfterFunc(delay, func() { m.reconnect(gen) })
}

func (m *ConnectionManager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerGen++
}

func (m *ConnectionManager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.timerGen || m.closed || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	if err := m.dial(context.Background()); err != nil && errors.Is(err, ErrAuthMissing) {
		m.log.Error().Err(err).Msg("reconnect stopped: no credential")
	}
}

// transitionLocked moves to state `to` and queues the notification.
// m.mu must be held; call drain after releasing it.
func (m *ConnectionManager) transitionLocked(to ConnectionState, change StateChange) {
	change.From = m.state
	change.To = to
	change.Attempt = m.attempts
	m.state = to
	m.metrics.transition(to)
	m.log.Debug().Str("from", string(change.From)).Str("to", string(to)).Int("attempt", change.Attempt).Msg("state change")

	m.notifyMu.Lock()
	m.pending = append(m.pending, change)
	m.notifyMu.Unlock()
}

// drain delivers queued notifications. Only one goroutine drains at a time;
// transitions queued by a listener are delivered after it returns.
func (m *ConnectionManager) drain() {
	m.notifyMu.Lock()
	if m.notifying {
		m.notifyMu.Unlock()
		return
	}
	m.notifying = true
	for len(m.pending) > 0 {
		change := m.pending[0]
		m.pending = m.pending[1:]
		m.notifyMu.Unlock()
		m.emit(change)
		m.notifyMu.Lock()
	}
	m.notifying = false
	m.notifyMu.Unlock()
}

func (m *ConnectionManager) emit(change StateChange) {
	m.listenersMu.Lock()
	listeners := m.listeners
	m.listenersMu.Unlock()
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error().Str("panic", fmt.Sprint(r)).Msg("state listener panicked")
				}
			}()
			l.fn(change)
		}()
	}
}
