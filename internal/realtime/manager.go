// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package realtime maintains the persistent notification channel to the
// kernel backend.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/morganforge/kernelchat/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrConnectTimeout indicates the handshake did not finish within the
	// configured connect timeout.
	ErrConnectTimeout = errors.New("connect timed out")

	// ErrReconnectExhausted indicates the reconnect attempt bound was hit.
	// It is emitted exactly once per outage, as an EventError.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Outbound-only envelope types. These never arrive inbound and have no
// subscriber-facing EventKind.
const (
	kindJoinConversation  EventKind = "join_conversation"
	kindLeaveConversation EventKind = "leave_conversation"
	kindStatusUpdate      EventKind = "status_update"
	kindPing              EventKind = "ping"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

const (
	// DefaultConnectTimeout bounds the websocket handshake.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultMaxReconnectAttempts bounds one reconnect cycle.
	DefaultMaxReconnectAttempts = 5

	// DefaultPingInterval is the keepalive cadence while connected.
	DefaultPingInterval = 30 * time.Second

	// DefaultTypingInterval is the minimum gap between typing publishes.
	DefaultTypingInterval = time.Second
)

// Config configures a Manager.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8000/ws.
	URL string

	// Token is the bearer credential, passed as a query parameter.
	Token string

	// UserID identifies this client to the backend.
	UserID string

	ConnectTimeout       time.Duration
	MaxReconnectAttempts int
	PingInterval         time.Duration
	TypingInterval       time.Duration

	// BackoffFunc maps a reconnect attempt number to a delay. Defaults to
	// Backoff.
	BackoffFunc func(attempt int) time.Duration
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.TypingInterval <= 0 {
		c.TypingInterval = DefaultTypingInterval
	}
	if c.BackoffFunc == nil {
		c.BackoffFunc = Backoff
	}
}

// =============================================================================
// BACKOFF
// =============================================================================

const (
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
)

// Backoff returns the reconnect delay before the given attempt: capped
// exponential starting at one second. Attempt numbers start at 1; values
// below 1 yield no delay.
func Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if attempt > 6 {
		return backoffCap
	}
	d := backoffBase << uint(attempt-1)
	if d > backoffCap {
		return backoffCap
	}
	return d
}

// =============================================================================
// MANAGER
// =============================================================================

type subscription struct {
	id      int
	handler Handler
}

// Manager owns the persistent websocket connection and fans inbound events
// out to subscribers.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	dialer *websocket.Dialer
	typing *rate.Limiter

	mu         sync.Mutex
	conn       *websocket.Conn
	state      model.ConnState
	attempts   int
	generation int
	subs       map[EventKind][]subscription
	nextSubID  int

	// writeMu serializes writes; the websocket permits one writer at a time.
	writeMu sync.Mutex
}

// NewManager creates a manager for the given endpoint. The connection is not
// opened until Connect.
func NewManager(cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		typing: rate.NewLimiter(rate.Every(cfg.TypingInterval), 1),
		subs:   make(map[EventKind][]subscription),
		logger: slog.Default().With("component", "realtime"),
	}
}

// WithLogger sets the logger.
func (m *Manager) WithLogger(logger *slog.Logger) *Manager {
	m.logger = logger.With("component", "realtime")
	return m
}

// Status returns the current connection state and reconnect attempt count.
func (m *Manager) Status() model.ConnStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return model.ConnStatus{State: m.state, Attempts: m.attempts}
}

// Connect opens the channel. It is idempotent: when already connected, or
// when a connect or reconnect cycle is underway, it returns nil immediately
// without waiting for that cycle to reach Connected — callers observing the
// state subscribe to EventStateChange. Otherwise it blocks until the
// handshake succeeds or fails.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != model.Disconnected {
		m.mu.Unlock()
		return nil
	}
	m.transitionLocked(model.Connecting)
	m.mu.Unlock()
	m.emitState()

	conn, err := m.dial(ctx)
	if err != nil {
		m.mu.Lock()
		m.transitionLocked(model.Disconnected)
		m.mu.Unlock()
		m.emitState()
		return err
	}

	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.conn = conn
	m.attempts = 0
	m.transitionLocked(model.Connected)
	m.mu.Unlock()
	m.emitState()

	go m.readPump(conn, gen)
	go m.pingLoop(gen)
	m.logger.Info("realtime channel connected", "url", m.cfg.URL)
	return nil
}

// Disconnect tears the channel down, stops any reconnect cycle, and discards
// all registered subscribers. The manager can be connected again afterwards;
// interested parties subscribe anew.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.generation++
	conn := m.conn
	m.conn = nil
	m.attempts = 0
	m.transitionLocked(model.Disconnected)
	subs := m.subs
	m.subs = make(map[EventKind][]subscription)
	status := model.ConnStatus{State: m.state}
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	// The discarded subscribers still see the final state change.
	ev := Event{Kind: EventStateChange, Status: status, Timestamp: time.Now()}
	for _, sub := range subs[EventStateChange] {
		sub.handler(ev)
	}
	m.logger.Info("realtime channel disconnected")
}

// Subscribe registers a handler for the given event kind and returns its
// subscription id. Handlers for a kind run in registration order.
func (m *Manager) Subscribe(kind EventKind, h Handler) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubID++
	m.subs[kind] = append(m.subs[kind], subscription{id: m.nextSubID, handler: h})
	return m.nextSubID
}

// Unsubscribe removes the subscription with the given id for the kind.
func (m *Manager) Unsubscribe(kind EventKind, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subs[kind]
	for i, sub := range subs {
		if sub.id == id {
			m.subs[kind] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish sends an envelope over the channel. Best-effort: while the channel
// is not connected the event is dropped with a debug log, never queued.
func (m *Manager) Publish(kind EventKind, payload any) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == model.Connected
	m.mu.Unlock()

	if !connected || conn == nil {
		m.logger.Debug("publish dropped, channel not connected", "kind", kind)
		return nil
	}

	env, err := newEnvelope(kind, payload)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", kind, err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteJSON(env); err != nil {
		// The read pump notices the broken connection and reconnects.
		m.logger.Debug("publish failed", "kind", kind, "error", err)
		return err
	}
	return nil
}

// SendTyping publishes a typing indicator for the conversation. Calls are
// rate-limited; excess indicators are silently dropped.
func (m *Manager) SendTyping(conversationID string, isTyping bool) error {
	if !m.typing.Allow() {
		return nil
	}
	return m.Publish(EventTyping, map[string]any{
		"conversation_id": conversationID,
		"is_typing":       isTyping,
	})
}

// JoinConversation subscribes this client to a conversation's room.
func (m *Manager) JoinConversation(conversationID string) error {
	return m.Publish(kindJoinConversation, map[string]any{
		"conversation_id": conversationID,
	})
}

// LeaveConversation unsubscribes this client from a conversation's room.
func (m *Manager) LeaveConversation(conversationID string) error {
	return m.Publish(kindLeaveConversation, map[string]any{
		"conversation_id": conversationID,
	})
}

// SetStatus broadcasts this user's presence status.
func (m *Manager) SetStatus(status string) error {
	return m.Publish(kindStatusUpdate, map[string]any{
		"status": status,
	})
}

// =============================================================================
// CONNECTION INTERNALS
// =============================================================================

// dial performs one handshake attempt within the configured timeout.
func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket url: %w", err)
	}
	q := u.Query()
	q.Set("token", m.cfg.Token)
	q.Set("user_id", m.cfg.UserID)
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := m.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

// stale reports whether gen no longer identifies the live connection.
func (m *Manager) stale(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen != m.generation
}

// readPump reads envelopes until the connection fails, then hands off to the
// reconnect cycle unless the connection was deliberately replaced.
func (m *Manager) readPump(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if m.stale(gen) {
				return
			}
			m.logger.Warn("realtime channel lost", "error", err)
			m.reconnect(gen)
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Debug("skipping malformed envelope", "error", err)
			continue
		}
		if env.Type == "pong" {
			continue
		}

		m.dispatch(eventFromEnvelope(env))
	}
}

// pingLoop sends keepalive envelopes while gen is the live connection.
func (m *Manager) pingLoop(gen int) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for range ticker.C {
		if m.stale(gen) {
			return
		}
		m.Publish(kindPing, nil)
	}
}

// reconnect runs one reconnect cycle for the failed generation gen. On
// success the attempt counter resets and a new read pump starts; on
// exhaustion exactly one ErrReconnectExhausted event is emitted and the
// channel remains disconnected.
func (m *Manager) reconnect(gen int) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.transitionLocked(model.Reconnecting)
	m.mu.Unlock()
	m.emitState()

	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		m.mu.Lock()
		m.attempts = attempt
		m.mu.Unlock()

		delay := m.cfg.BackoffFunc(attempt)
		m.logger.Debug("reconnecting", "attempt", attempt, "delay", delay)
		time.Sleep(delay)

		if m.stale(gen) {
			// Disconnect (or a fresh Connect) superseded this cycle.
			return
		}

		conn, err := m.dial(context.Background())
		if err != nil {
			m.logger.Debug("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		m.mu.Lock()
		if gen != m.generation {
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.generation++
		newGen := m.generation
		m.conn = conn
		m.attempts = 0
		m.transitionLocked(model.Connected)
		m.mu.Unlock()
		m.emitState()

		go m.readPump(conn, newGen)
		go m.pingLoop(newGen)
		m.logger.Info("realtime channel reconnected", "attempts", attempt)
		return
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.transitionLocked(model.Disconnected)
	m.mu.Unlock()
	m.emitState()

	m.logger.Error("reconnect exhausted", "attempts", m.cfg.MaxReconnectAttempts)
	m.dispatch(Event{
		Kind:      EventError,
		Err:       ErrReconnectExhausted,
		Timestamp: time.Now(),
	})
}

// transitionLocked moves to next when the transition is legal. Callers hold mu.
func (m *Manager) transitionLocked(next model.ConnState) {
	if m.state.CanTransition(next) {
		m.state = next
	}
}

// =============================================================================
// DISPATCH
// =============================================================================

// emitState delivers a state-change event to subscribers.
func (m *Manager) emitState() {
	m.mu.Lock()
	status := model.ConnStatus{State: m.state, Attempts: m.attempts}
	m.mu.Unlock()
	m.dispatch(Event{Kind: EventStateChange, Status: status, Timestamp: time.Now()})
}

// dispatch invokes subscribers for the event's kind in registration order,
// outside the manager lock.
func (m *Manager) dispatch(ev Event) {
	m.mu.Lock()
	handlers := make([]Handler, 0, len(m.subs[ev.Kind]))
	for _, sub := range m.subs[ev.Kind] {
		handlers = append(handlers, sub.handler)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

func eventFromEnvelope(env envelope) Event {
	ev := Event{
		Kind:      EventKind(env.Type),
		Data:      env.Data,
		Timestamp: time.Now(),
	}
	if env.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, env.Timestamp); err == nil {
			ev.Timestamp = ts
		}
	}
	return ev
}
