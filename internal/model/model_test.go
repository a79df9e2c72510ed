// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"strings"
	"testing"
)

// =============================================================================
// MESSAGE TESTS
// =============================================================================

func TestNewUserMessage(t *testing.T) {
	msg := NewUserMessage("conv-1", "hello")

	if msg.Role != RoleUser {
		t.Errorf("Role = %v, want %v", msg.Role, RoleUser)
	}
	if msg.Content != "hello" {
		t.Errorf("Content = %q, want %q", msg.Content, "hello")
	}
	if !msg.Pending {
		t.Error("new user message should be pending")
	}
	if !IsLocalID(msg.ID) {
		t.Errorf("ID %q should be a local placeholder", msg.ID)
	}
	if msg.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
}

func TestMessage_AppendChunk(t *testing.T) {
	msg := NewStreamingAssistantMessage("conv-1")

	msg.AppendChunk("Hi")
	msg.AppendChunk(" there")

	if got := msg.DisplayContent(); got != "Hi there" {
		t.Errorf("DisplayContent = %q, want %q", got, "Hi there")
	}
	if msg.Content != "" {
		t.Error("Content should stay empty until finalized")
	}
}

func TestMessage_AppendChunk_NotStreaming(t *testing.T) {
	msg := NewUserMessage("conv-1", "hello")
	msg.AppendChunk("ignored")

	if msg.DisplayContent() != "hello" {
		t.Error("AppendChunk on a non-streaming message should be a no-op")
	}
}

func TestMessage_FinalizeStream_CompleteWins(t *testing.T) {
	msg := NewStreamingAssistantMessage("conv-1")
	msg.AppendChunk("Hi")
	msg.AppendChunk(" there")

	// The authoritative completion payload wins over the buffer.
	msg.FinalizeStream("Hi there!", Usage{TokensUsed: 12, CostUSD: 0.002})

	if msg.Content != "Hi there!" {
		t.Errorf("Content = %q, want %q", msg.Content, "Hi there!")
	}
	if msg.IsStreaming {
		t.Error("message should not be streaming after finalize")
	}
	if msg.Pending {
		t.Error("message should not be pending after finalize")
	}
	if msg.Usage.TokensUsed != 12 {
		t.Errorf("TokensUsed = %d, want 12", msg.Usage.TokensUsed)
	}
}

func TestMessage_FinalizeStream_EmptyCompleteKeepsBuffer(t *testing.T) {
	msg := NewStreamingAssistantMessage("conv-1")
	msg.AppendChunk("partial answer")

	msg.FinalizeStream("", Usage{})

	if msg.Content != "partial answer" {
		t.Errorf("Content = %q, want accumulated buffer kept", msg.Content)
	}
}

func TestMessage_Preview(t *testing.T) {
	msg := NewUserMessage("conv-1", strings.Repeat("a", 100))

	preview := msg.Preview(10)
	if len([]rune(preview)) != 10 {
		t.Errorf("Preview length = %d, want 10", len([]rune(preview)))
	}
	if !strings.HasSuffix(preview, "...") {
		t.Errorf("Preview %q should end with ellipsis", preview)
	}

	short := NewUserMessage("conv-1", "hi")
	if short.Preview(10) != "hi" {
		t.Error("short content should not be truncated")
	}
}

func TestMessage_Preview_Unicode(t *testing.T) {
	msg := NewUserMessage("conv-1", strings.Repeat("héllo wörld ", 20))
	preview := msg.Preview(15)
	if len([]rune(preview)) != 15 {
		t.Errorf("rune length = %d, want 15", len([]rune(preview)))
	}
}

func TestMessage_HasAttachment(t *testing.T) {
	msg := NewUserMessage("conv-1", "see attached")
	if msg.HasAttachment() {
		t.Error("message without attachment should report false")
	}

	msg.Attachment = &Attachment{Kind: "image", URL: "https://cdn/img.png", Size: 1024}
	if !msg.HasAttachment() {
		t.Error("message with attachment URL should report true")
	}
}

// =============================================================================
// CONVERSATION TESTS
// =============================================================================

func TestNewConversation(t *testing.T) {
	conv := NewConversation("test chat")

	if conv.Title != "test chat" {
		t.Errorf("Title = %q, want %q", conv.Title, "test chat")
	}
	if conv.IsPersisted() {
		t.Error("new conversation should not be persisted")
	}
	if !conv.IsEmpty() {
		t.Error("new conversation should be empty")
	}
}

func TestConversation_AddMessage_PendingNotCounted(t *testing.T) {
	conv := NewConversation("")

	pending := NewUserMessage(conv.ID, "hello")
	conv.AddMessage(pending)

	if conv.MessageCount != 0 {
		t.Errorf("MessageCount = %d, pending messages must not be counted", conv.MessageCount)
	}
	if len(conv.Messages) != 1 {
		t.Fatalf("Messages length = %d, want 1", len(conv.Messages))
	}

	confirmed := &Message{ID: "42", ConversationID: conv.ID, Role: RoleUser, Content: "hello"}
	conv.AddMessage(confirmed)

	if conv.MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1", conv.MessageCount)
	}
}

func TestConversation_ReplaceMessage(t *testing.T) {
	conv := NewConversation("")
	pending := NewUserMessage(conv.ID, "hello")
	conv.AddMessage(pending)

	confirmed := &Message{ID: "srv-9", ConversationID: conv.ID, Role: RoleUser, Content: "hello"}
	if !conv.ReplaceMessage(pending.ID, confirmed) {
		t.Fatal("ReplaceMessage should find the pending message")
	}

	if conv.MessageByID(pending.ID) != nil {
		t.Error("placeholder id should be gone after reconciliation")
	}
	if conv.MessageByID("srv-9") == nil {
		t.Error("confirmed message should be present")
	}
	if conv.MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1 after reconciliation", conv.MessageCount)
	}
}

func TestConversation_RemoveMessage(t *testing.T) {
	conv := NewConversation("")
	msg := NewUserMessage(conv.ID, "hello")
	conv.AddMessage(msg)

	if !conv.RemoveMessage(msg.ID) {
		t.Fatal("RemoveMessage should succeed")
	}
	if !conv.IsEmpty() {
		t.Error("conversation should be empty after removal")
	}
	if conv.RemoveMessage(msg.ID) {
		t.Error("removing twice should fail")
	}
}

func TestConversation_InsertionOrder(t *testing.T) {
	conv := NewConversation("")
	for _, content := range []string{"one", "two", "three"} {
		conv.AddMessage(NewUserMessage(conv.ID, content))
	}

	want := []string{"one", "two", "three"}
	for i, msg := range conv.Messages {
		if msg.Content != want[i] {
			t.Errorf("Messages[%d] = %q, want %q", i, msg.Content, want[i])
		}
	}
}

func TestConversation_PendingMessages(t *testing.T) {
	conv := NewConversation("")
	conv.AddMessage(NewUserMessage(conv.ID, "pending one"))
	conv.AddMessage(&Message{ID: "7", Role: RoleAssistant, Content: "confirmed"})

	pending := conv.PendingMessages()
	if len(pending) != 1 {
		t.Fatalf("PendingMessages length = %d, want 1", len(pending))
	}
	if pending[0].Content != "pending one" {
		t.Errorf("pending content = %q", pending[0].Content)
	}
}

func TestConversation_GetTitle(t *testing.T) {
	conv := NewConversation("")
	if conv.GetTitle() != DefaultTitle {
		t.Errorf("GetTitle = %q, want default", conv.GetTitle())
	}

	conv.Title = "named"
	if conv.GetTitle() != "named" {
		t.Errorf("GetTitle = %q, want %q", conv.GetTitle(), "named")
	}
}

// =============================================================================
// CONNECTION STATE TESTS
// =============================================================================

func TestConnState_String(t *testing.T) {
	cases := map[ConnState]string{
		Disconnected: "disconnected",
		Connecting:   "connecting",
		Connected:    "connected",
		Reconnecting: "reconnecting",
	}
	for state, want := range cases {
		if state.String() != want {
			t.Errorf("%d.String() = %q, want %q", state, state.String(), want)
		}
	}
}

func TestConnState_CanTransition(t *testing.T) {
	legal := []struct{ from, to ConnState }{
		{Disconnected, Connecting},
		{Connecting, Connected},
		{Connected, Reconnecting},
		{Reconnecting, Connected},
		{Connected, Disconnected},
		{Reconnecting, Disconnected},
	}
	for _, tc := range legal {
		if !tc.from.CanTransition(tc.to) {
			t.Errorf("%v -> %v should be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to ConnState }{
		{Disconnected, Connected},
		{Disconnected, Reconnecting},
		{Connecting, Reconnecting},
		{Connected, Connecting},
		{Reconnecting, Connecting},
	}
	for _, tc := range illegal {
		if tc.from.CanTransition(tc.to) {
			t.Errorf("%v -> %v should be illegal", tc.from, tc.to)
		}
	}
}

// =============================================================================
// ID HELPERS
// =============================================================================

func TestLocalID(t *testing.T) {
	id := LocalID("msg")
	if !IsLocalID(id) {
		t.Errorf("LocalID output %q should be recognized as local", id)
	}
	if IsLocalID("42") {
		t.Error("server id should not be recognized as local")
	}

	other := LocalID("msg")
	if id == other {
		t.Error("local ids should be unique")
	}
}
