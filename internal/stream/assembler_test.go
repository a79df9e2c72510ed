// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream implements the assembler for streamed agent replies.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// sseServer serves the given fragments as an SSE stream, then the [DONE]
// sentinel unless done is false.
func sseServer(t *testing.T, fragments []string, done bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("Accept = %q, want text/event-stream", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frag := range fragments {
			fmt.Fprintf(w, "data: %s\n\n", frag)
			flusher.Flush()
		}
		if done {
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
		}
	}))
}

func openSession(t *testing.T, serverURL string) *Session {
	t.Helper()
	asm := NewAssembler(serverURL, "test-token")
	session, err := asm.Open(context.Background(), Query{
		Query:     "hello",
		UserID:    "user-1",
		MessageID: "msg-1",
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return session
}

func collect(session *Session) ([]Fragment, error) {
	var fragments []Fragment
	err := session.Process(func(f Fragment) {
		fragments = append(fragments, f)
	})
	return fragments, err
}

// =============================================================================
// HAPPY PATH TESTS
// =============================================================================

func TestSession_CompletePayloadWins(t *testing.T) {
	server := sseServer(t, []string{
		`{"type": "chunk", "content": "Hi"}`,
		`{"type": "chunk", "content": " there"}`,
		`{"type": "complete", "response": "Hi there!", "tokens_used": 9, "cost_usd": 0.001}`,
	}, true)
	defer server.Close()

	session := openSession(t, server.URL)
	fragments, err := collect(session)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	// The complete payload supersedes the accumulated buffer.
	if got := session.FinalContent(); got != "Hi there!" {
		t.Errorf("FinalContent = %q, want %q", got, "Hi there!")
	}
	if got := session.Accumulated(); got != "Hi there" {
		t.Errorf("Accumulated = %q, want %q", got, "Hi there")
	}
	if session.State() != StateCompleted {
		t.Errorf("State = %v, want completed", session.State())
	}
	if session.Usage().TokensUsed != 9 {
		t.Errorf("TokensUsed = %d, want 9", session.Usage().TokensUsed)
	}
	if len(fragments) != 3 {
		t.Errorf("fragments = %d, want 3", len(fragments))
	}
}

func TestSession_EmptyCompleteKeepsBuffer(t *testing.T) {
	server := sseServer(t, []string{
		`{"type": "chunk", "content": "partial"}`,
		`{"type": "complete", "response": ""}`,
	}, true)
	defer server.Close()

	session := openSession(t, server.URL)
	if _, err := collect(session); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := session.FinalContent(); got != "partial" {
		t.Errorf("FinalContent = %q, want accumulated buffer", got)
	}
}

func TestSession_FragmentOrder(t *testing.T) {
	server := sseServer(t, []string{
		`{"type": "status", "message": "Processing your request..."}`,
		`{"type": "step", "step": "Analyzing request", "progress": "1/4"}`,
		`{"type": "chunk", "content": "a"}`,
		`{"type": "chunk", "content": "b"}`,
		`{"type": "complete", "response": "ab"}`,
	}, true)
	defer server.Close()

	session := openSession(t, server.URL)
	fragments, err := collect(session)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	want := []FragmentType{FragmentStatus, FragmentStep, FragmentChunk, FragmentChunk, FragmentComplete}
	if len(fragments) != len(want) {
		t.Fatalf("fragments = %d, want %d", len(fragments), len(want))
	}
	for i, frag := range fragments {
		if frag.Type != want[i] {
			t.Errorf("fragments[%d].Type = %v, want %v", i, frag.Type, want[i])
		}
	}

	// Informational fragments must not leak into content.
	if got := session.Accumulated(); got != "ab" {
		t.Errorf("Accumulated = %q, status/step must not be appended", got)
	}
}

func TestSession_MalformedFragmentSkipped(t *testing.T) {
	server := sseServer(t, []string{
		`{"type": "chunk", "content": "ok"}`,
		`{not json`,
		`{"type": "complete", "response": "ok"}`,
	}, true)
	defer server.Close()

	session := openSession(t, server.URL)
	fragments, err := collect(session)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(fragments) != 2 {
		t.Errorf("fragments = %d, malformed data must be skipped", len(fragments))
	}
}

// =============================================================================
// FAILURE TESTS
// =============================================================================

func TestAssembler_OpenFailed(t *testing.T) {
	// Refused connection: no listener on this address.
	asm := NewAssembler("http://127.0.0.1:1", "test-token")
	session, err := asm.Open(context.Background(), Query{Query: "hi", UserID: "u", MessageID: "m"})
	if !errors.Is(err, ErrOpenFailed) {
		t.Errorf("err = %v, want ErrOpenFailed", err)
	}
	if session != nil {
		t.Error("no session may exist after a failed open")
	}
}

func TestAssembler_OpenFailedOnErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	asm := NewAssembler(server.URL, "test-token")
	_, err := asm.Open(context.Background(), Query{Query: "hi", UserID: "u", MessageID: "m"})
	if !errors.Is(err, ErrOpenFailed) {
		t.Errorf("err = %v, want ErrOpenFailed", err)
	}
}

func TestSession_ErrorFragment(t *testing.T) {
	server := sseServer(t, []string{
		`{"type": "chunk", "content": "part"}`,
		`{"type": "error", "error": "rate_limited"}`,
	}, true)
	defer server.Close()

	session := openSession(t, server.URL)
	_, err := collect(session)

	var streamErr *StreamError
	if !errors.As(err, &streamErr) {
		t.Fatalf("err = %v, want *StreamError", err)
	}
	if streamErr.Partial != "part" {
		t.Errorf("Partial = %q, want content received before the error", streamErr.Partial)
	}
	if session.State() != StateErrored {
		t.Errorf("State = %v, want errored", session.State())
	}
}

func TestSession_TerminatedEarly(t *testing.T) {
	// [DONE] without a prior complete fragment.
	server := sseServer(t, []string{
		`{"type": "chunk", "content": "half"}`,
	}, true)
	defer server.Close()

	session := openSession(t, server.URL)
	_, err := collect(session)
	if !errors.Is(err, ErrStreamTerminatedEarly) {
		t.Errorf("err = %v, want ErrStreamTerminatedEarly", err)
	}
}

func TestSession_TransportCloseWithoutSentinel(t *testing.T) {
	// Server closes the body abruptly: no [DONE], no complete.
	server := sseServer(t, []string{
		`{"type": "chunk", "content": "half"}`,
	}, false)
	defer server.Close()

	session := openSession(t, server.URL)
	_, err := collect(session)
	if !errors.Is(err, ErrStreamTerminatedEarly) {
		t.Errorf("err = %v, want ErrStreamTerminatedEarly", err)
	}
}

// =============================================================================
// CANCELLATION TESTS
// =============================================================================

func TestSession_Cancel(t *testing.T) {
	blocker := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"type\": \"chunk\", \"content\": \"x\"}\n\n")
		flusher.Flush()
		<-blocker
	}))
	defer server.Close()
	defer close(blocker)

	session := openSession(t, server.URL)

	done := make(chan error, 1)
	go func() {
		done <- session.Process(func(Fragment) {})
	}()

	// Let the first fragment arrive, then cut the transport.
	time.Sleep(50 * time.Millisecond)
	session.Cancel()

	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("err = %v, want ErrCancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not return after Cancel")
	}

	if session.State() != StateCancelled {
		t.Errorf("State = %v, want cancelled", session.State())
	}

	// Cancel is idempotent.
	session.Cancel()
	session.Cancel()
}

func TestSession_RepeatedOpenCancel(t *testing.T) {
	server := sseServer(t, []string{`{"type": "chunk", "content": "x"}`}, false)
	defer server.Close()

	asm := NewAssembler(server.URL, "test-token")
	for i := 0; i < 10; i++ {
		session, err := asm.Open(context.Background(), Query{
			Query: "hi", UserID: "u", MessageID: fmt.Sprintf("m-%d", i),
		})
		if err != nil {
			t.Fatalf("Open #%d: %v", i, err)
		}
		session.Cancel()
	}
}

// =============================================================================
// REQUEST SHAPE TESTS
// =============================================================================

func TestAssembler_RequestBody(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\": \"complete\", \"response\": \"ok\"}\n\ndata: [DONE]\n\n")
	}))
	defer server.Close()

	asm := NewAssembler(server.URL, "test-token")
	session, err := asm.Open(context.Background(), Query{
		Query:          "what is up",
		UserID:         "user-1",
		ConversationID: "42",
		MessageID:      "msg-1",
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := session.Process(func(Fragment) {}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if gotBody["query"] != "what is up" {
		t.Errorf("query = %v", gotBody["query"])
	}
	if gotBody["conversation_id"] != float64(42) {
		t.Errorf("conversation_id = %v, want numeric 42", gotBody["conversation_id"])
	}
}

func TestAssembler_LocalConversationIDOmitted(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\": \"complete\", \"response\": \"ok\"}\n\ndata: [DONE]\n\n")
	}))
	defer server.Close()

	asm := NewAssembler(server.URL, "test-token")
	session, err := asm.Open(context.Background(), Query{
		Query:          "hi",
		UserID:         "user-1",
		ConversationID: "local-conv-abc",
		MessageID:      "msg-1",
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	session.Process(func(Fragment) {})

	if _, ok := gotBody["conversation_id"]; ok {
		t.Error("placeholder conversation ids must not be sent to the backend")
	}
}
