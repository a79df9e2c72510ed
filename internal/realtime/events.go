// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package realtime maintains the persistent notification channel to the
// kernel backend.
package realtime

import (
	"encoding/json"
	"time"

	"github.com/morganforge/kernelchat/internal/model"
)

// =============================================================================
// EVENT KINDS
// =============================================================================

// EventKind identifies a class of realtime event. The wire kinds mirror the
// backend's envelope types; kinds prefixed with an underscore are local to
// this process and never appear on the wire.
type EventKind string

const (
	// EventMessage is a message broadcast into a conversation room.
	EventMessage EventKind = "message"

	// EventTyping is a typing indicator from another participant.
	EventTyping EventKind = "typing"

	// EventUserStatus reports a user's presence change.
	EventUserStatus EventKind = "user_status"

	// EventConversationUpdated signals that conversation metadata changed
	// server-side and should be refetched.
	EventConversationUpdated EventKind = "conversation_updated"

	// EventAgentResponse is an agent reply pushed outside a streaming query.
	EventAgentResponse EventKind = "agent_response"

	// EventPaymentStatus reports a credit balance change.
	EventPaymentStatus EventKind = "payment_status"

	// EventSystemNotification is a broadcast notice for display.
	EventSystemNotification EventKind = "system_notification"

	// EventStateChange reports a connection state transition. Local only.
	EventStateChange EventKind = "_state_change"

	// EventError reports a channel-level failure, such as reconnect
	// exhaustion. Local only.
	EventError EventKind = "_error"
)

// Event is one delivered realtime event.
type Event struct {
	Kind EventKind

	// Data is the raw envelope payload for wire events.
	Data json.RawMessage

	// Timestamp is the backend's envelope timestamp when present, otherwise
	// the local receive time.
	Timestamp time.Time

	// Status is populated for EventStateChange.
	Status model.ConnStatus

	// Err is populated for EventError.
	Err error
}

// Handler receives events for a subscribed kind. Handlers run on the
// manager's dispatch goroutine and must not block.
type Handler func(Event)

// =============================================================================
// WIRE ENVELOPE
// =============================================================================

// envelope is the websocket wire format in both directions.
type envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

func newEnvelope(kind EventKind, payload any) (envelope, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return envelope{}, err
		}
		data = raw
	}
	return envelope{
		Type:      string(kind),
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, nil
}
