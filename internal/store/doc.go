// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store owns all conversation and message state for the client.
//
// The Store is the single writer: the UI renders snapshots and issues
// commands, the API client and stream assembler feed results back in, and
// every mutation happens under the store's lock. Change notifications and
// notices are delivered outside the lock.
//
// Sending a message follows the optimistic flow: a pending user echo is
// inserted immediately, a streaming session opens against the backend, the
// pending assistant message grows chunk by chunk, and the completion record
// reconciles both messages into confirmed state. On a stream failure the
// pending assistant message is removed while the user message stays pending,
// so the input is never lost.
//
// Push events from the realtime channel never mutate messages directly; they
// trigger authoritative refetches.
package store
