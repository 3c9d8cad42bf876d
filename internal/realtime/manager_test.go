// Casaflow - Real-Estate Marketplace Client Sync Engine
// Copyright 2026 Casaflow contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casaflow/casaflow

package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/casaflow/casaflow/internal/events"
)

// staticTokens is a TokenSource handing out a fixed credential. The gate, if
// set, blocks EnsureValid until closed so tests can hold a connection in the
// Connecting state.
type staticTokens struct {
	token string
	gate  chan struct{}
}

func (s *staticTokens) EnsureValid(ctx context.Context) (string, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.token, nil
}

// pushServer is a websocket test backend. It records every upgraded
// connection and pumps inbound text frames into received.
type pushServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrades int32
	received chan Envelope

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()

	ps := &pushServer{
		t:        t,
		received: make(chan Envelope, 64),
	}

	upgrader := websocket.Upgrader{}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		atomic.AddInt32(&ps.upgrades, 1)

		ps.mu.Lock()
		ps.conns = append(ps.conns, conn)
		ps.mu.Unlock()

		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			ps.received <- env
		}
	}))
	t.Cleanup(ps.srv.Close)

	return ps
}

// URL returns the ws:// endpoint.
func (ps *pushServer) URL() string {
	return "ws" + strings.TrimPrefix(ps.srv.URL, "http")
}

// Upgrades returns how many connections were accepted.
func (ps *pushServer) Upgrades() int {
	return int(atomic.LoadInt32(&ps.upgrades))
}

// SendToClient writes a raw frame on the most recent connection.
func (ps *pushServer) SendToClient(data []byte) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	conn := ps.conns[len(ps.conns)-1]
	return conn.WriteMessage(websocket.TextMessage, data)
}

// CloseClean sends a normal-closure frame on the most recent connection.
func (ps *pushServer) CloseClean() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	conn := ps.conns[len(ps.conns)-1]
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second),
	)
	_ = conn.Close()
}

// DropClient severs the most recent connection without a close frame.
func (ps *pushServer) DropClient() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	conn := ps.conns[len(ps.conns)-1]
	_ = conn.UnderlyingConn().Close()
}

func testOptions(url string) Options {
	return Options{
		URL:                         url,
		HandshakeTimeout:            2 * time.Second,
		PingInterval:                50 * time.Millisecond,
		PongTimeout:                 time.Minute,
		ReconnectBaseDelay:          20 * time.Millisecond,
		ReconnectDelayMultiplierCap: 3,
		ReconnectMaxAttempts:        10,
		ConnectMinInterval:          10 * time.Millisecond,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// TestConnectEstablishesConnection tests the happy path and the connection
// event
func TestConnectEstablishesConnection(t *testing.T) {
	t.Parallel()

	ps := newPushServer(t)
	bus := events.New()

	var connected int32
	bus.Subscribe(events.TypeConnection, func(data interface{}) {
		if ev, ok := data.(events.ConnectionEvent); ok && ev.Connected {
			atomic.AddInt32(&connected, 1)
		}
	})

	m := NewManager(testOptions(ps.URL()), &staticTokens{token: "tok"}, bus)
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if !m.Connected() {
		t.Error("expected connected state")
	}
	if atomic.LoadInt32(&connected) != 1 {
		t.Error("expected one connection event")
	}
}

// TestDisconnectReturnsPromptly tests that teardown does not wait out a
// pending keepalive tick
func TestDisconnectReturnsPromptly(t *testing.T) {
	t.Parallel()

	ps := newPushServer(t)

	opts := testOptions(ps.URL())
	opts.PingInterval = time.Minute
	m := NewManager(opts, &staticTokens{token: "tok"}, events.New())
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	start := time.Now()
	m.Disconnect()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("disconnect took %v, expected prompt return", elapsed)
	}

	// Reconnect runs the same teardown and must not stall either.
	time.Sleep(20 * time.Millisecond)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	start = time.Now()
	if err := m.Reconnect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("reconnect took %v, expected prompt return", elapsed)
	}
}

// TestConnectGuardSuppressesBursts tests that a burst of Connect calls
// produces at most one connection attempt
func TestConnectGuardSuppressesBursts(t *testing.T) {
	t.Parallel()

	ps := newPushServer(t)

	opts := testOptions(ps.URL())
	opts.ConnectMinInterval = time.Minute
	m := NewManager(opts, &staticTokens{token: "tok"}, events.New())
	defer m.Disconnect()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Connect(context.Background())
		}()
	}
	wg.Wait()

	waitFor(t, time.Second, m.Connected, "never connected")
	if n := ps.Upgrades(); n != 1 {
		t.Errorf("expected 1 connection attempt for the burst, got %d", n)
	}
}

// TestSendWhileConnected tests direct transmission
func TestSendWhileConnected(t *testing.T) {
	t.Parallel()

	ps := newPushServer(t)
	m := NewManager(testOptions(ps.URL()), &staticTokens{token: "tok"}, events.New())
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := m.Send("mark_read", map[string]string{"id": "n-1"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case env := <-ps.received:
		if env.Type != "mark_read" {
			t.Errorf("expected mark_read, got %q", env.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("server never received the message")
	}
}

// TestSendQueuesWhileDisconnectedAndFlushesInOrder tests the outbound queue
func TestSendQueuesWhileDisconnectedAndFlushesInOrder(t *testing.T) {
	t.Parallel()

	ps := newPushServer(t)

	// The gate holds the auto-triggered connection in EnsureValid so all
	// three messages demonstrably queue first.
	tokens := &staticTokens{token: "tok", gate: make(chan struct{})}
	m := NewManager(testOptions(ps.URL()), tokens, events.New())
	defer m.Disconnect()

	for _, id := range []string{"n-1", "n-2", "n-3"} {
		if err := m.Send("mark_read", map[string]string{"id": id}); err != nil {
			t.Fatalf("send %s: %v", id, err)
		}
	}

	waitFor(t, time.Second, func() bool { return m.QueueDepth() == 3 }, "messages never queued")

	close(tokens.gate)

	for _, want := range []string{"n-1", "n-2", "n-3"} {
		select {
		case env := <-ps.received:
			var payload map[string]string
			if err := json.Unmarshal(env.Data, &payload); err != nil {
				t.Fatalf("decode payload: %v", err)
			}
			if payload["id"] != want {
				t.Errorf("expected %s, got %s", want, payload["id"])
			}
		case <-time.After(time.Second):
			t.Fatalf("message %s never flushed", want)
		}
	}

	if m.QueueDepth() != 0 {
		t.Errorf("expected empty queue after flush, got %d", m.QueueDepth())
	}
}

// TestInboundEventPublished tests fan-out of a known push type
func TestInboundEventPublished(t *testing.T) {
	t.Parallel()

	ps := newPushServer(t)
	bus := events.New()

	got := make(chan interface{}, 1)
	bus.Subscribe(events.TypeNotificationCreated, func(data interface{}) {
		got <- data
	})

	m := NewManager(testOptions(ps.URL()), &staticTokens{token: "tok"}, bus)
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	frame := []byte(`{"type":"notification_created","data":{"id":"n-9"}}`)
	if err := ps.SendToClient(frame); err != nil {
		t.Fatalf("server send: %v", err)
	}

	select {
	case data := <-got:
		raw, ok := data.(json.RawMessage)
		if !ok {
			t.Fatalf("expected raw payload, got %T", data)
		}
		if !strings.Contains(string(raw), "n-9") {
			t.Errorf("unexpected payload: %s", raw)
		}
	case <-time.After(time.Second):
		t.Fatal("event never published")
	}
}

// TestMalformedFrameDropped tests that garbage on the wire does not kill
// the connection
func TestMalformedFrameDropped(t *testing.T) {
	t.Parallel()

	ps := newPushServer(t)
	bus := events.New()

	got := make(chan interface{}, 1)
	bus.Subscribe(events.TypeNotificationCreated, func(data interface{}) {
		got <- data
	})

	m := NewManager(testOptions(ps.URL()), &staticTokens{token: "tok"}, bus)
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := ps.SendToClient([]byte(`{not json`)); err != nil {
		t.Fatalf("server send: %v", err)
	}
	if err := ps.SendToClient([]byte(`{"type":"listing_sold","data":{}}`)); err != nil {
		t.Fatalf("server send: %v", err)
	}
	if err := ps.SendToClient([]byte(`{"type":"notification_created","data":{"id":"after"}}`)); err != nil {
		t.Fatalf("server send: %v", err)
	}

	// Only the valid known-type frame arrives; the connection survived the
	// two drops ahead of it.
	select {
	case data := <-got:
		if !strings.Contains(string(data.(json.RawMessage)), "after") {
			t.Errorf("unexpected payload: %v", data)
		}
	case <-time.After(time.Second):
		t.Fatal("valid frame after malformed ones never arrived")
	}

	if !m.Connected() {
		t.Error("expected connection to survive malformed frames")
	}
}

// TestCleanServerCloseDoesNotReconnect tests that a normal closure parks
// the manager
func TestCleanServerCloseDoesNotReconnect(t *testing.T) {
	t.Parallel()

	ps := newPushServer(t)
	m := NewManager(testOptions(ps.URL()), &staticTokens{token: "tok"}, events.New())
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ps.CloseClean()

	waitFor(t, time.Second, func() bool { return !m.Connected() }, "never observed disconnect")

	// Long enough for a reconnect to have happened if one were scheduled.
	time.Sleep(150 * time.Millisecond)
	if n := ps.Upgrades(); n != 1 {
		t.Errorf("expected no reconnect after clean close, got %d connections", n)
	}
}

// TestUnexpectedDropSchedulesReconnect tests automatic recovery
func TestUnexpectedDropSchedulesReconnect(t *testing.T) {
	t.Parallel()

	ps := newPushServer(t)
	m := NewManager(testOptions(ps.URL()), &staticTokens{token: "tok"}, events.New())
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ps.DropClient()

	waitFor(t, 2*time.Second, func() bool { return ps.Upgrades() >= 2 }, "never reconnected after drop")
	waitFor(t, 2*time.Second, m.Connected, "never reached connected state again")
}

// TestReconnectCeilingParksManager tests the hard attempt ceiling
func TestReconnectCeilingParksManager(t *testing.T) {
	t.Parallel()

	// A server that never upgrades makes every attempt fail.
	var dials int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&dials, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	opts := testOptions("ws" + strings.TrimPrefix(srv.URL, "http"))
	opts.ReconnectBaseDelay = 5 * time.Millisecond
	opts.ReconnectMaxAttempts = 2
	m := NewManager(opts, &staticTokens{token: "tok"}, events.New())
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("expected dial failure")
	}

	// Initial attempt plus two scheduled retries, then the manager parks.
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&dials) >= 3 }, "retries never ran")
	time.Sleep(200 * time.Millisecond)

	if n := atomic.LoadInt32(&dials); n != 3 {
		t.Errorf("expected exactly 3 attempts before parking, got %d", n)
	}
	if m.Connected() {
		t.Error("expected parked manager to stay disconnected")
	}
}

// TestDisconnectCancelsRecovery tests that an explicit disconnect stops
// reconnection
func TestDisconnectCancelsRecovery(t *testing.T) {
	t.Parallel()

	ps := newPushServer(t)
	m := NewManager(testOptions(ps.URL()), &staticTokens{token: "tok"}, events.New())

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	m.Disconnect()
	if m.Connected() {
		t.Error("expected disconnected state")
	}

	time.Sleep(150 * time.Millisecond)
	if n := ps.Upgrades(); n != 1 {
		t.Errorf("expected no reconnect after Disconnect, got %d connections", n)
	}
}

// TestReconnectReplacesConnection tests the credential-change path
func TestReconnectReplacesConnection(t *testing.T) {
	t.Parallel()

	ps := newPushServer(t)

	opts := testOptions(ps.URL())
	opts.ConnectMinInterval = time.Millisecond
	m := NewManager(opts, &staticTokens{token: "tok"}, events.New())
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	time.Sleep(10 * time.Millisecond) // let the guard refill
	if err := m.Reconnect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	waitFor(t, time.Second, func() bool { return ps.Upgrades() == 2 }, "second connection never opened")
	if !m.Connected() {
		t.Error("expected connected state after reconnect")
	}
}

// TestBuildURL tests scheme validation and token injection
func TestBuildURL(t *testing.T) {
	t.Parallel()

	m := NewManager(testOptions("wss://push.example/ws"), &staticTokens{token: "tok"}, events.New())

	u, err := m.buildURL("secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(u, "token=secret") {
		t.Errorf("expected token in query, got %q", u)
	}

	m2 := NewManager(testOptions("https://push.example/ws"), &staticTokens{token: "tok"}, events.New())
	if _, err := m2.buildURL("secret"); err == nil {
		t.Error("expected http scheme to be rejected")
	}
}

// TestStateString tests the state names used in logs
func TestStateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state    State
		expected string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("state %d: expected %s, got %s", tt.state, tt.expected, got)
		}
	}
}
