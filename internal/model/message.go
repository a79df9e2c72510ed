// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	default:
		return string(r)
	}
}

// =============================================================================
// ATTACHMENT TYPE
// =============================================================================

// Attachment describes media attached to a message. The URL is produced by
// an external upload collaborator; this client never creates it.
type Attachment struct {
	Kind string `json:"kind"` // "image", "audio", "file"
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
	URL  string `json:"url"`
}

// =============================================================================
// USAGE TYPE
// =============================================================================

// Usage holds token and cost metrics for a completed assistant message.
type Usage struct {
	TokensUsed int     `json:"tokens_used,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
}

// IsZero returns true if no usage has been recorded.
func (u Usage) IsZero() bool {
	return u.TokensUsed == 0 && u.CostUSD == 0
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a conversation.
type Message struct {
	// Identity
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	CreatedAt      time.Time `json:"created_at"`

	// Content
	Content    string      `json:"content"`
	Attachment *Attachment `json:"attachment,omitempty"`

	// Metrics (populated only for completed assistant messages)
	Usage Usage `json:"usage,omitempty"`

	// Pending marks an optimistic or in-flight message that has not been
	// confirmed by the backend.
	Pending bool `json:"-"`

	// Streaming state (not persisted)
	IsStreaming   bool `json:"-"`
	streamContent strings.Builder
}

// NewUserMessage creates a pending user message for optimistic local echo.
func NewUserMessage(conversationID, content string) *Message {
	return &Message{
		ID:             LocalID("msg"),
		ConversationID: conversationID,
		Role:           RoleUser,
		Content:        content,
		CreatedAt:      time.Now(),
		Pending:        true,
	}
}

// NewStreamingAssistantMessage creates a pending assistant message whose
// content grows as stream chunks arrive.
func NewStreamingAssistantMessage(conversationID string) *Message {
	return &Message{
		ID:             LocalID("msg"),
		ConversationID: conversationID,
		Role:           RoleAssistant,
		CreatedAt:      time.Now(),
		Pending:        true,
		IsStreaming:    true,
	}
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// AppendChunk appends streamed content to an in-flight message.
func (m *Message) AppendChunk(chunk string) {
	if m.IsStreaming {
		m.streamContent.WriteString(chunk)
	}
}

// FinalizeStream completes streaming with the authoritative content and
// usage metrics. When the completion record carries no content, the
// accumulated buffer is kept instead of being discarded.
func (m *Message) FinalizeStream(content string, usage Usage) {
	if !m.IsStreaming {
		return
	}

	if content != "" {
		m.Content = content
	} else {
		m.Content = m.streamContent.String()
	}
	m.streamContent.Reset()
	m.IsStreaming = false
	m.Pending = false
	m.Usage = usage
}

// DisplayContent returns the content to display (streaming or final).
func (m *Message) DisplayContent() string {
	if m.IsStreaming {
		return m.streamContent.String()
	}
	return m.Content
}

// Preview returns a truncated preview of the message content.
// Uses rune-based truncation to handle Unicode correctly.
func (m *Message) Preview(maxLen int) string {
	content := m.DisplayContent()
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}
	return string(runes[:maxLen-3]) + "..."
}

// IsEmpty returns true if the message has no content.
func (m *Message) IsEmpty() bool {
	return len(m.Content) == 0 && m.streamContent.Len() == 0
}

// HasAttachment returns true if the message carries an attachment descriptor.
func (m *Message) HasAttachment() bool {
	return m.Attachment != nil && m.Attachment.URL != ""
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// localPrefix marks identifiers generated before the backend has assigned one.
const localPrefix = "local-"

// LocalID creates a placeholder identifier for a not-yet-persisted record.
func LocalID(kind string) string {
	return localPrefix + kind + "-" + uuid.NewString()
}

// IsLocalID reports whether the id is a locally generated placeholder.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localPrefix)
}
