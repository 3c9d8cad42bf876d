// Casaflow - Real-Estate Marketplace Client Sync Engine
// Copyright 2026 Casaflow contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casaflow/casaflow

// Package realtime owns the persistent websocket connection to the
// marketplace push gateway: at most one live connection per process,
// automatic recovery with capped backoff after loss, an outbound queue that
// survives disconnected stretches, and fan-out of inbound events through the
// event bus.
//
// Frames in both directions are JSON envelopes of shape {type, data}.
package realtime

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/casaflow/casaflow/internal/events"
	"github.com/casaflow/casaflow/internal/logging"
	"github.com/casaflow/casaflow/internal/metrics"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the state name used in logs.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Envelope is the wire frame for both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// TokenSource supplies the access credential used as a connection parameter.
// Satisfied by *auth.Coordinator.
type TokenSource interface {
	EnsureValid(ctx context.Context) (string, error)
}

// Options tunes connection behavior.
type Options struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string

	// HandshakeTimeout bounds the dial.
	HandshakeTimeout time.Duration

	// PingInterval is the keepalive ping period.
	PingInterval time.Duration

	// PongTimeout is the read deadline, extended on every pong.
	PongTimeout time.Duration

	// ReconnectBaseDelay is the base reconnect delay; the scheduled delay is
	// base * min(attempt, ReconnectDelayMultiplierCap).
	ReconnectBaseDelay time.Duration

	// ReconnectDelayMultiplierCap caps the backoff multiplier.
	ReconnectDelayMultiplierCap int

	// ReconnectMaxAttempts is the hard ceiling on automatic reconnects;
	// past it only an explicit Connect or Reconnect resumes.
	ReconnectMaxAttempts int

	// ConnectMinInterval is the thundering-herd guard between connection
	// attempts triggered by independent callers.
	ConnectMinInterval time.Duration
}

// DefaultOptions returns production defaults for the given endpoint.
func DefaultOptions(wsURL string) Options {
	return Options{
		URL:                         wsURL,
		HandshakeTimeout:            10 * time.Second,
		PingInterval:                30 * time.Second,
		PongTimeout:                 60 * time.Second,
		ReconnectBaseDelay:          2 * time.Second,
		ReconnectDelayMultiplierCap: 3,
		ReconnectMaxAttempts:        10,
		ConnectMinInterval:          2 * time.Second,
	}
}

// Manager maintains the realtime connection and its recovery policy.
//
// Thread Safety: all exported methods are safe for concurrent use; internal
// state is guarded by one mutex, writes to the socket by a second.
type Manager struct {
	opts   Options
	tokens TokenSource
	bus    *events.Bus

	// guard rate-limits externally triggered connection attempts.
	guard *rate.Limiter

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	done           chan struct{} // per-connection; closed on teardown so loops unblock
	queue          []Envelope
	reconnectTimer *time.Timer
	attempts       int
	gen            uint64 // bumped on every teardown to invalidate stale dials

	writeMu sync.Mutex
	wg      sync.WaitGroup

	knownTypes map[string]struct{}
}

// NewManager creates a manager. It does not connect; call Connect.
func NewManager(opts Options, tokens TokenSource, bus *events.Bus) *Manager {
	guardInterval := opts.ConnectMinInterval
	if guardInterval <= 0 {
		guardInterval = time.Second
	}

	return &Manager{
		opts:   opts,
		tokens: tokens,
		bus:    bus,
		guard:  rate.NewLimiter(rate.Every(guardInterval), 1),
		knownTypes: map[string]struct{}{
			events.TypeNotificationCreated: {},
			events.TypeNotificationUpdated: {},
			events.TypeNotificationDeleted: {},
		},
	}
}

// Connect opens the connection. It is a no-op when already Connecting or
// Connected, and within the minimum-interval guard window, so any number of
// concurrent callers produce at most one connection attempt. An explicit
// call also resets the automatic-reconnect attempt counter.
func (m *Manager) Connect(ctx context.Context) error {
	if !m.guard.Allow() {
		logging.Debug().Msg("Connect suppressed by minimum-interval guard")
		return nil
	}

	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()

	return m.connect(ctx)
}

// Reconnect forces a fresh connection with current credentials, used after
// login/logout. The same minimum-interval guard applies.
func (m *Manager) Reconnect(ctx context.Context) error {
	if !m.guard.Allow() {
		logging.Debug().Msg("Reconnect suppressed by minimum-interval guard")
		return nil
	}

	m.teardown(true)
	m.wg.Wait()

	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()

	return m.connect(ctx)
}

// connect performs one connection attempt. Guard checks happen in the public
// entry points; the internal reconnect timer calls this directly.
func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.setStateLocked(StateConnecting)
	gen := m.gen
	m.mu.Unlock()

	token, err := m.tokens.EnsureValid(ctx)
	if err != nil {
		m.connectFailed(gen)
		return fmt.Errorf("fetch connection credential: %w", err)
	}

	wsURL, err := m.buildURL(token)
	if err != nil {
		m.connectFailed(gen)
		return fmt.Errorf("build websocket url: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  m.opts.HandshakeTimeout,
		EnableCompression: true,
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		m.connectFailed(gen)
		if resp != nil {
			return fmt.Errorf("websocket dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial: %w", err)
	}

	m.mu.Lock()
	if m.gen != gen || m.state != StateConnecting {
		// A Disconnect or Reconnect raced the dial; this connection is stale.
		m.mu.Unlock()
		_ = conn.Close()
		return nil
	}

	m.conn = conn
	m.done = make(chan struct{})
	m.attempts = 0
	m.setStateLocked(StateConnected)

	pending := m.queue
	m.queue = nil
	metrics.MessagesQueued.Set(0)

	m.wg.Add(2)
	go m.readLoop(conn, gen)
	go m.pingLoop(conn, gen, m.done)
	m.mu.Unlock()

	logging.Info().Msg("Realtime connection established")
	m.bus.Publish(events.TypeConnection, events.ConnectionEvent{Connected: true})

	// Flush queued messages in enqueue order.
	for i, env := range pending {
		if err := m.write(conn, env); err != nil {
			logging.Warn().Err(err).Str("type", env.Type).Msg("Flush of queued message failed, re-queueing")
			m.requeue(pending[i:])
			m.connectionLost(gen, false)
			break
		}
		metrics.MessagesSent.Inc()
	}

	return nil
}

// connectFailed moves Connecting back to Disconnected and schedules a retry.
func (m *Manager) connectFailed(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gen != gen || m.state != StateConnecting {
		return
	}
	m.setStateLocked(StateDisconnected)
	m.scheduleReconnectLocked()
}

// Disconnect closes the connection cleanly and cancels any scheduled
// reconnect. The manager stays down until an explicit Connect.
func (m *Manager) Disconnect() {
	m.teardown(true)
	m.wg.Wait()
	logging.Info().Msg("Realtime connection closed")
}

// Send transmits immediately when connected; otherwise the message is queued
// in FIFO order and a connection attempt is triggered. Transport failures
// never surface to the caller: the message rides the queue through the next
// reconnect.
func (m *Manager) Send(eventType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	env := Envelope{Type: eventType, Data: data}

	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.queue = append(m.queue, env)
		metrics.MessagesQueued.Set(float64(len(m.queue)))
		m.mu.Unlock()

		go func() { _ = m.Connect(context.Background()) }()
		return nil
	}
	conn := m.conn
	gen := m.gen
	m.mu.Unlock()

	if err := m.write(conn, env); err != nil {
		logging.Warn().Err(err).Str("type", eventType).Msg("Write failed, queueing message")
		m.mu.Lock()
		m.queue = append(m.queue, env)
		metrics.MessagesQueued.Set(float64(len(m.queue)))
		m.mu.Unlock()
		m.connectionLost(gen, false)
		return nil
	}

	metrics.MessagesSent.Inc()
	return nil
}

// Subscribe registers a handler for a named event type and returns an
// idempotent removal function.
func (m *Manager) Subscribe(eventType string, handler events.Handler) func() {
	return m.bus.Subscribe(eventType, handler)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the connection is up.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// QueueDepth reports how many outbound messages are waiting for a connection.
func (m *Manager) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// write serializes one envelope onto the socket. Writes are serialized by
// writeMu because gorilla/websocket allows only one concurrent writer.
func (m *Manager) write(conn *websocket.Conn, env Envelope) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return conn.WriteJSON(env)
}

// requeue puts unflushed messages back at the head of the queue, preserving
// their original order ahead of anything enqueued since.
func (m *Manager) requeue(remaining []Envelope) {
	m.mu.Lock()
	m.queue = append(append([]Envelope{}, remaining...), m.queue...)
	metrics.MessagesQueued.Set(float64(len(m.queue)))
	m.mu.Unlock()
}

// readLoop consumes inbound frames until the connection dies.
func (m *Manager) readLoop(conn *websocket.Conn, gen uint64) {
	defer m.wg.Done()

	_ = conn.SetReadDeadline(time.Now().Add(m.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.opts.PongTimeout))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			clean := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			if clean {
				logging.Info().Msg("Realtime connection closed by server")
			} else {
				logging.Warn().Err(err).Msg("Realtime read error")
			}
			m.connectionLost(gen, clean)
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(m.opts.PongTimeout))
		m.handleMessage(message)
	}
}

// handleMessage deserializes one inbound frame and publishes it on the bus.
// Malformed frames are logged and dropped; unknown event types are dropped
// silently. Neither may take the manager down.
func (m *Manager) handleMessage(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logging.Error().Err(err).Msg("Malformed realtime frame dropped")
		metrics.MessagesDropped.Inc()
		return
	}

	if _, ok := m.knownTypes[env.Type]; !ok {
		metrics.MessagesDropped.Inc()
		return
	}

	m.bus.Publish(env.Type, env.Data)
}

// pingLoop sends keepalive pings; a failed ping tears the connection down so
// the reconnect policy takes over. The done channel is closed when this
// connection is torn down, so the loop exits without waiting out a tick.
func (m *Manager) pingLoop(conn *websocket.Conn, gen uint64, done <-chan struct{}) {
	defer m.wg.Done()

	interval := m.opts.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
			logging.Warn().Err(err).Msg("Realtime ping failed")
			m.connectionLost(gen, false)
			return
		}
	}
}

// connectionLost handles an unexpected teardown observed by one of the
// connection goroutines. Clean server closes do not schedule a reconnect.
func (m *Manager) connectionLost(gen uint64, clean bool) {
	m.mu.Lock()
	if m.gen != gen || m.conn == nil {
		// Another goroutine (or Disconnect) already handled this loss.
		m.mu.Unlock()
		return
	}

	_ = m.conn.Close()
	m.conn = nil
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
	m.gen++
	m.setStateLocked(StateDisconnected)
	if !clean {
		m.scheduleReconnectLocked()
	}
	m.mu.Unlock()

	m.bus.Publish(events.TypeConnection, events.ConnectionEvent{Connected: false})
}

// teardown closes everything intentionally: reconnect timer, socket, state.
func (m *Manager) teardown(sendClose bool) {
	m.mu.Lock()
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}

	conn := m.conn
	wasConnected := m.state == StateConnected
	m.conn = nil
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
	m.gen++
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if conn != nil {
		if sendClose {
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
		}
		_ = conn.Close()
	}

	if wasConnected {
		m.bus.Publish(events.TypeConnection, events.ConnectionEvent{Connected: false})
	}
}

// scheduleReconnectLocked arms the reconnect timer. Scheduling is a no-op
// when a timer is already armed or the attempt ceiling is reached; past the
// ceiling only an explicit Connect or Reconnect resumes. Must be called with
// mu held.
func (m *Manager) scheduleReconnectLocked() {
	if m.reconnectTimer != nil {
		return
	}
	if m.attempts >= m.opts.ReconnectMaxAttempts {
		logging.Warn().Int("attempts", m.attempts).Msg("Reconnect attempt ceiling reached, staying disconnected")
		return
	}

	m.attempts++
	multiplier := m.attempts
	if maxMult := m.opts.ReconnectDelayMultiplierCap; maxMult > 0 && multiplier > maxMult {
		multiplier = maxMult
	}
	delay := m.opts.ReconnectBaseDelay * time.Duration(multiplier)

	logging.Info().Int("attempt", m.attempts).Dur("delay", delay).Msg("Reconnect scheduled")
	metrics.Reconnects.Inc()

	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		m.mu.Unlock()

		if err := m.connect(context.Background()); err != nil {
			logging.Warn().Err(err).Msg("Reconnect attempt failed")
		}
	})
}

// setStateLocked updates state and the gauge. Must be called with mu held.
func (m *Manager) setStateLocked(s State) {
	m.state = s
	metrics.ConnectionState.Set(float64(s))
}

// buildURL appends the access credential as a query parameter.
func (m *Manager) buildURL(token string) (string, error) {
	parsed, err := url.Parse(m.opts.URL)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}

	q := parsed.Query()
	q.Set("token", token)
	parsed.RawQuery = q.Encode()

	return parsed.String(), nil
}
