// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ui provides the terminal user interface for kernelchat.
//
// The interface is a thin Bubble Tea program over the conversation store: a
// conversation list on the left, the message viewport and input on the
// right, and a status bar showing connection state and credit balance. All
// state lives in the store; the UI renders snapshots and issues commands.
//
// External collaborators push into the program via messages: StateChangedMsg
// when the store mutates, NoticeMsg for transient notices, and ConnStatusMsg
// when the realtime channel changes state.
package ui
