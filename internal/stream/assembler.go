// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream implements the assembler for streamed agent replies.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/morganforge/kernelchat/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrOpenFailed indicates the streaming request could not be opened.
	// No session exists when this is returned.
	ErrOpenFailed = errors.New("failed to open stream")

	// ErrTransportLost indicates the transport failed mid-stream. The
	// assembler never retries; retry policy belongs to the caller.
	ErrTransportLost = errors.New("stream transport lost")

	// ErrStreamTerminatedEarly indicates the end-of-stream sentinel (or
	// transport close) arrived without a prior complete fragment.
	ErrStreamTerminatedEarly = errors.New("stream terminated early")

	// ErrCancelled indicates the session was cancelled by the caller.
	ErrCancelled = errors.New("stream cancelled")
)

// StreamError wraps a terminal stream failure together with any partial
// content accumulated before it, so callers can decide what to do with text
// the user may already have seen.
type StreamError struct {
	Partial string
	Err     error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream error (partial content received: %d chars): %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error {
	return e.Err
}

// =============================================================================
// ASSEMBLER
// =============================================================================

// Assembler opens streaming query sessions against the kernel backend.
type Assembler struct {
	baseURL string
	token   string

	// No client timeout: stream lifetime is controlled via context.
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAssembler creates an assembler for the backend at baseURL using the
// given bearer credential.
func NewAssembler(baseURL, token string) *Assembler {
	return &Assembler{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   strings.TrimSpace(token),
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: slog.Default().With("component", "stream"),
	}
}

// WithHTTPClient sets a custom HTTP client.
func (a *Assembler) WithHTTPClient(hc *http.Client) *Assembler {
	a.httpClient = hc
	return a
}

// WithLogger sets the logger.
func (a *Assembler) WithLogger(logger *slog.Logger) *Assembler {
	a.logger = logger.With("component", "stream")
	return a
}

// Query is one outbound agent query.
type Query struct {
	Query          string
	UserID         string
	ConversationID string // empty for a fresh conversation

	// MessageID is the id of the triggering (optimistic) user message; it
	// becomes the session id.
	MessageID string
}

// Open issues the streaming request and returns a live session. A failure
// here is synchronous and wrapped in ErrOpenFailed; no session is created.
func (a *Assembler) Open(ctx context.Context, q Query) (*Session, error) {
	reqBody := map[string]any{
		"query":   q.Query,
		"user_id": q.UserID,
	}
	// The backend keys conversations numerically; local placeholder ids are
	// omitted so the server allocates a fresh conversation.
	if q.ConversationID != "" && !model.IsLocalID(q.ConversationID) {
		if n, err := strconv.ParseInt(q.ConversationID, 10, 64); err == nil {
			reqBody["conversation_id"] = n
		}
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/api/v1/agent/invoke-stream", bytes.NewReader(bodyBytes))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}

	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: status %d: %s", ErrOpenFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	session := &Session{
		id:     q.MessageID,
		state:  StateOpening,
		body:   resp.Body,
		cancel: cancel,
		logger: a.logger,
	}
	a.logger.Debug("stream opened", "session", session.id, "conversation", q.ConversationID)
	return session, nil
}

// =============================================================================
// SESSION
// =============================================================================

// SessionState is the lifecycle state of one streamed query.
type SessionState int

const (
	StateOpening SessionState = iota
	StateActive
	StateCompleted
	StateErrored
	StateCancelled
)

// String returns the string representation of the session state.
func (s SessionState) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the session has finished.
func (s SessionState) IsTerminal() bool {
	return s == StateCompleted || s == StateErrored || s == StateCancelled
}

// Callback receives each fragment as it arrives, in delivery order.
type Callback func(Fragment)

// Session is one outstanding streamed query. Its identifier is the id of
// the message that triggered it.
type Session struct {
	id string

	mu          sync.Mutex
	state       SessionState
	accumulated strings.Builder
	final       string
	usage       model.Usage
	sawComplete bool

	body       io.ReadCloser
	cancel     context.CancelFunc
	cancelOnce sync.Once
	logger     *slog.Logger
}

// ID returns the session identifier (the triggering message id).
func (s *Session) ID() string {
	return s.id
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cancel closes the underlying transport immediately. No further fragments
// are delivered. Safe to call repeatedly and after completion.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() {
		s.mu.Lock()
		if !s.state.IsTerminal() {
			s.state = StateCancelled
		}
		s.mu.Unlock()

		s.cancel()
		s.body.Close()
		s.logger.Debug("stream cancelled", "session", s.id)
	})
}

// Process consumes the stream, invoking callback for each fragment in
// delivery order, and blocks until the session reaches a terminal state.
// It returns nil on completion, ErrCancelled after Cancel, and otherwise a
// *StreamError wrapping the terminal failure.
func (s *Session) Process(callback Callback) error {
	s.setState(StateActive)
	defer func() {
		// The transport is always released, no matter how we exit.
		s.cancel()
		s.body.Close()
	}()

	reader := newSSEReader(s.body)
	for {
		data, err := reader.readData()
		if err != nil {
			if s.State() == StateCancelled {
				return ErrCancelled
			}
			if err == io.EOF {
				// Transport closed without the [DONE] sentinel.
				if s.completed() {
					return nil
				}
				return s.fail(ErrStreamTerminatedEarly)
			}
			return s.fail(fmt.Errorf("%w: %v", ErrTransportLost, err))
		}

		if bytes.Equal(data, endOfStream) {
			if s.completed() {
				s.setState(StateCompleted)
				return nil
			}
			return s.fail(ErrStreamTerminatedEarly)
		}

		var frag Fragment
		if err := json.Unmarshal(data, &frag); err != nil {
			// Malformed fragments are skipped, matching the backend's
			// best-effort delivery on this channel.
			s.logger.Debug("skipping malformed fragment", "session", s.id, "error", err)
			continue
		}

		s.apply(frag)
		callback(frag)

		if frag.Type == FragmentError {
			return s.fail(fmt.Errorf("agent error: %s", frag.Err))
		}
	}
}

// apply folds a fragment into the session's accumulated state.
func (s *Session) apply(frag Fragment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch frag.Type {
	case FragmentChunk:
		s.accumulated.WriteString(frag.Content)
	case FragmentComplete:
		s.sawComplete = true
		s.final = frag.Response
		s.usage = model.Usage{TokensUsed: frag.TokensUsed, CostUSD: frag.CostUSD}
		s.state = StateCompleted
	}
}

// FinalContent returns the authoritative reply content. The complete
// fragment's payload wins over the accumulated buffer; an empty complete
// payload keeps the buffer, since discarding text the user already saw is
// worse than trusting a lossy final fragment.
func (s *Session) FinalContent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.final != "" {
		return s.final
	}
	return s.accumulated.String()
}

// Accumulated returns the chunk buffer as received so far.
func (s *Session) Accumulated() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accumulated.String()
}

// Usage returns the usage metrics from the complete fragment, or a running
// estimate (~4 chars per token) while streaming.
func (s *Session) Usage() model.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.usage.IsZero() {
		return s.usage
	}
	return model.Usage{TokensUsed: (s.accumulated.Len() + 3) / 4}
}

func (s *Session) completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sawComplete
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.IsTerminal() {
		s.state = state
	}
}

// fail marks the session errored and wraps err with any partial content.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.state = StateErrored
	partial := s.accumulated.String()
	s.mu.Unlock()

	s.logger.Debug("stream failed", "session", s.id, "error", err)
	return &StreamError{Partial: partial, Err: err}
}
