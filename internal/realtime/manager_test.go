// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package realtime maintains the persistent notification channel to the
// kernel backend.
package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/morganforge/kernelchat/internal/model"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// wsTestServer accepts websocket connections, exposing each accepted
// connection, every inbound envelope, and the handshake query parameters.
type wsTestServer struct {
	*httptest.Server
	conns   chan *websocket.Conn
	inbound chan envelope
	queries chan url.Values
}

func newWSServer(t *testing.T) *wsTestServer {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := &wsTestServer{
		conns:   make(chan *websocket.Conn, 16),
		inbound: make(chan envelope, 64),
		queries: make(chan url.Values, 16),
	}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.queries <- r.URL.Query()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.conns <- conn
		for {
			var env envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			ts.inbound <- env
		}
	}))
	return ts
}

func (ts *wsTestServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func testConfig(wsURL string) Config {
	return Config{
		URL:                  wsURL,
		Token:                "test-token",
		UserID:               "user-1",
		ConnectTimeout:       2 * time.Second,
		MaxReconnectAttempts: 5,
		PingInterval:         time.Hour,
		BackoffFunc:          func(int) time.Duration { return 5 * time.Millisecond },
	}
}

// waitForState blocks until a state-change event with the wanted state
// arrives on ch.
func waitForState(t *testing.T, ch <-chan Event, want model.ConnState) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Status.State == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

// =============================================================================
// BACKOFF TESTS
// =============================================================================

func TestBackoff(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{7, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(tc.attempt); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

// =============================================================================
// CONNECT TESTS
// =============================================================================

func TestManager_ConnectSendsCredentials(t *testing.T) {
	server := newWSServer(t)
	defer server.Close()

	m := NewManager(testConfig(server.wsURL()))
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	query := <-server.queries
	if query.Get("token") != "test-token" {
		t.Errorf("token = %q, want credential in handshake", query.Get("token"))
	}
	if query.Get("user_id") != "user-1" {
		t.Errorf("user_id = %q, want user-1", query.Get("user_id"))
	}
	if got := m.Status().State; got != model.Connected {
		t.Errorf("State = %v, want connected", got)
	}
}

func TestManager_ConnectIdempotent(t *testing.T) {
	server := newWSServer(t)
	defer server.Close()

	m := NewManager(testConfig(server.wsURL()))
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}

	<-server.conns
	select {
	case <-server.conns:
		t.Error("second Connect must not open another connection")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManager_ConnectFailure(t *testing.T) {
	// Plain HTTP endpoint: the upgrade handshake fails.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := NewManager(testConfig("ws" + strings.TrimPrefix(server.URL, "http")))
	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("Connect against a non-websocket endpoint must fail")
	}
	if got := m.Status().State; got != model.Disconnected {
		t.Errorf("State = %v, want disconnected after failed connect", got)
	}
}

// =============================================================================
// DISPATCH TESTS
// =============================================================================

func TestManager_DispatchRegistrationOrder(t *testing.T) {
	server := newWSServer(t)
	defer server.Close()

	m := NewManager(testConfig(server.wsURL()))
	defer m.Disconnect()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	m.Subscribe(EventMessage, func(ev Event) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	m.Subscribe(EventMessage, func(ev Event) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		close(done)
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := <-server.conns
	if err := conn.WriteJSON(envelope{Type: "message", Data: []byte(`{"content":"hi"}`)}); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event was not dispatched")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("order = %v, want registration order", order)
	}
}

func TestManager_Unsubscribe(t *testing.T) {
	server := newWSServer(t)
	defer server.Close()

	m := NewManager(testConfig(server.wsURL()))
	defer m.Disconnect()

	got := make(chan Event, 4)
	id := m.Subscribe(EventMessage, func(ev Event) { got <- ev })
	m.Unsubscribe(EventMessage, id)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := <-server.conns
	conn.WriteJSON(envelope{Type: "message", Data: []byte(`{}`)})

	select {
	case <-got:
		t.Error("unsubscribed handler must not receive events")
	case <-time.After(100 * time.Millisecond):
	}
}

// =============================================================================
// PUBLISH TESTS
// =============================================================================

func TestManager_PublishEnvelope(t *testing.T) {
	server := newWSServer(t)
	defer server.Close()

	m := NewManager(testConfig(server.wsURL()))
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.SetStatus("online"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	select {
	case env := <-server.inbound:
		if env.Type != "status_update" {
			t.Errorf("Type = %q, want status_update", env.Type)
		}
		if env.Timestamp == "" {
			t.Error("outbound envelopes must carry a timestamp")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive the envelope")
	}
}

func TestManager_PublishWhileDisconnected(t *testing.T) {
	m := NewManager(testConfig("ws://127.0.0.1:1/ws"))
	if err := m.Publish(EventMessage, map[string]string{"content": "hi"}); err != nil {
		t.Errorf("Publish while disconnected = %v, want silent drop", err)
	}
}

func TestManager_TypingRateLimited(t *testing.T) {
	server := newWSServer(t)
	defer server.Close()

	cfg := testConfig(server.wsURL())
	cfg.TypingInterval = time.Hour
	m := NewManager(cfg)
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for i := 0; i < 5; i++ {
		m.SendTyping("42", true)
	}

	var received int
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case <-server.inbound:
			received++
		case <-deadline:
			if received != 1 {
				t.Errorf("typing envelopes = %d, want 1 (rate-limited)", received)
			}
			return
		}
	}
}

// =============================================================================
// RECONNECT TESTS
// =============================================================================

func TestManager_ReconnectAfterDrop(t *testing.T) {
	server := newWSServer(t)
	defer server.Close()

	m := NewManager(testConfig(server.wsURL()))
	defer m.Disconnect()

	states := make(chan Event, 32)
	m.Subscribe(EventStateChange, func(ev Event) { states <- ev })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitForState(t, states, model.Connected)

	// Sever the connection from the server side.
	conn := <-server.conns
	conn.Close()

	waitForState(t, states, model.Reconnecting)
	waitForState(t, states, model.Connected)

	select {
	case <-server.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("no replacement connection arrived")
	}
	if got := m.Status().Attempts; got != 0 {
		t.Errorf("Attempts = %d, want 0 after successful reconnect", got)
	}
}

func TestManager_ReconnectExhausted(t *testing.T) {
	server := newWSServer(t)

	cfg := testConfig(server.wsURL())
	cfg.MaxReconnectAttempts = 2
	m := NewManager(cfg)

	states := make(chan Event, 32)
	errs := make(chan Event, 8)
	m.Subscribe(EventStateChange, func(ev Event) { states <- ev })
	m.Subscribe(EventError, func(ev Event) { errs <- ev })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitForState(t, states, model.Connected)
	conn := <-server.conns

	// Kill the endpoint entirely so every reconnect attempt fails. The
	// hijacked websocket is no longer tracked by httptest, so sever it
	// explicitly to surface the outage to the client.
	server.CloseClientConnections()
	server.Close()
	conn.Close()

	select {
	case ev := <-errs:
		if !errors.Is(ev.Err, ErrReconnectExhausted) {
			t.Errorf("Err = %v, want ErrReconnectExhausted", ev.Err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no exhaustion event arrived")
	}

	// Exactly one exhaustion event per outage.
	select {
	case <-errs:
		t.Error("exhaustion event emitted more than once")
	case <-time.After(150 * time.Millisecond):
	}

	if got := m.Status().State; got != model.Disconnected {
		t.Errorf("State = %v, want disconnected after exhaustion", got)
	}
}

func TestManager_DisconnectStopsReconnect(t *testing.T) {
	server := newWSServer(t)
	defer server.Close()

	cfg := testConfig(server.wsURL())
	cfg.BackoffFunc = func(int) time.Duration { return 50 * time.Millisecond }
	m := NewManager(cfg)

	errs := make(chan Event, 8)
	m.Subscribe(EventError, func(ev Event) { errs <- ev })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := <-server.conns
	conn.Close()

	// Tear down while the reconnect cycle is sleeping.
	time.Sleep(10 * time.Millisecond)
	m.Disconnect()

	select {
	case ev := <-errs:
		t.Errorf("unexpected error event after Disconnect: %v", ev.Err)
	case <-time.After(300 * time.Millisecond):
	}
	if got := m.Status().State; got != model.Disconnected {
		t.Errorf("State = %v, want disconnected", got)
	}
}

func TestManager_DisconnectDiscardsSubscribers(t *testing.T) {
	server := newWSServer(t)
	defer server.Close()

	m := NewManager(testConfig(server.wsURL()))
	defer m.Disconnect()

	stale := make(chan Event, 4)
	m.Subscribe(EventMessage, func(ev Event) { stale <- ev })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-server.conns
	m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	conn := <-server.conns

	fresh := make(chan Event, 4)
	m.Subscribe(EventMessage, func(ev Event) { fresh <- ev })

	if err := conn.WriteJSON(envelope{Type: "message", Data: []byte(`{"content":"hi"}`)}); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case <-fresh:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber registered after reconnect did not receive the event")
	}
	select {
	case <-stale:
		t.Error("subscriber registered before Disconnect must not survive it")
	case <-time.After(100 * time.Millisecond):
	}
}
