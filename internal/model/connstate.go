// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

// =============================================================================
// CONNECTION STATE
// =============================================================================

// ConnState is the state of the persistent notification channel.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Reconnecting
)

// String returns the string representation of the connection state.
func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// CanTransition reports whether moving from s to next is a legal transition.
// Legal paths: disconnected->connecting->connected->reconnecting, and from
// reconnecting back to connected or down to disconnected. Teardown to
// disconnected is always allowed.
func (s ConnState) CanTransition(next ConnState) bool {
	if next == Disconnected {
		return true
	}
	switch s {
	case Disconnected:
		return next == Connecting
	case Connecting:
		return next == Connected
	case Connected:
		return next == Reconnecting
	case Reconnecting:
		return next == Connected
	default:
		return false
	}
}

// ConnStatus pairs the channel state with the reconnection attempt counter.
// Attempts counts retries since the last successful connect.
type ConnStatus struct {
	State    ConnState
	Attempts int
}

// =============================================================================
// BALANCE
// =============================================================================

// Balance is the read-only credit balance reported by the backend. Billing
// flows live entirely server-side; this client only displays the numbers.
type Balance struct {
	CreditsRemaining float64 `json:"credits_remaining"`
	CreditsUsed      float64 `json:"credits_used"`
	PlanName         string  `json:"plan_name,omitempty"`
}
