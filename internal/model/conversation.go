// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"time"
)

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation holds a chat conversation with its loaded messages and
// server-side metadata.
type Conversation struct {
	// Identity. The id is server-assigned once persisted; before that it is
	// a locally generated placeholder (see LocalID).
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// MessageCount is the persisted message count reported by the backend.
	// Pending messages are not included.
	MessageCount int `json:"message_count"`

	// Active marks the conversation the user is currently working in.
	Active bool `json:"-"`

	// Messages loaded for this conversation, in insertion order.
	Messages []*Message `json:"messages,omitempty"`
}

// NewConversation creates a not-yet-persisted conversation with a
// placeholder id.
func NewConversation(title string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        LocalID("conv"),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  make([]*Message, 0),
	}
}

// IsPersisted reports whether the backend has assigned this conversation an
// id.
func (c *Conversation) IsPersisted() bool {
	return !IsLocalID(c.ID)
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// AddMessage appends a message in insertion order.
func (c *Conversation) AddMessage(msg *Message) {
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = time.Now()
	if !msg.Pending {
		c.MessageCount++
	}
}

// RemoveMessage removes a message by id. Returns true if a message was
// removed.
func (c *Conversation) RemoveMessage(id string) bool {
	for i, msg := range c.Messages {
		if msg.ID == id {
			c.Messages = append(c.Messages[:i], c.Messages[i+1:]...)
			c.UpdatedAt = time.Now()
			if !msg.Pending {
				c.MessageCount--
			}
			return true
		}
	}
	return false
}

// ReplaceMessage swaps the message with the given id for its confirmed
// counterpart. The confirmed record must not be pending. Returns true if a
// replacement happened.
func (c *Conversation) ReplaceMessage(id string, confirmed *Message) bool {
	for i, msg := range c.Messages {
		if msg.ID == id {
			if msg.Pending && !confirmed.Pending {
				c.MessageCount++
			}
			c.Messages[i] = confirmed
			c.UpdatedAt = time.Now()
			return true
		}
	}
	return false
}

// MessageByID returns a message by its id, or nil.
func (c *Conversation) MessageByID(id string) *Message {
	for _, msg := range c.Messages {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

// LastMessage returns the most recent message, or nil if empty.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// PendingMessages returns the messages still awaiting confirmation.
func (c *Conversation) PendingMessages() []*Message {
	var pending []*Message
	for _, msg := range c.Messages {
		if msg.Pending {
			pending = append(pending, msg)
		}
	}
	return pending
}

// IsEmpty returns true if there are no loaded messages.
func (c *Conversation) IsEmpty() bool {
	return len(c.Messages) == 0
}

// =============================================================================
// TITLE MANAGEMENT
// =============================================================================

// DefaultTitle is used when the backend has not assigned a title yet.
const DefaultTitle = "New Conversation"

// GetTitle returns the conversation title or a default.
func (c *Conversation) GetTitle() string {
	if c.Title != "" {
		return c.Title
	}
	return DefaultTitle
}

// Preview returns a short preview for list rendering.
func (c *Conversation) Preview() string {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleUser {
			return c.Messages[i].Preview(100)
		}
	}
	if len(c.Messages) > 0 {
		return c.Messages[0].Preview(100)
	}
	return "Empty conversation"
}
