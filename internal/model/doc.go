// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// The types here are plain data owned by the conversation store. Two rules
// hold everywhere:
//
//   - A Pending record is a local optimistic write that has not been
//     confirmed by the backend. It is never counted against the
//     conversation's persisted message count.
//   - Records are reconciled by id: a confirmed record replaces its pending
//     counterpart; a confirmed record is never mutated in place by a later
//     speculative write.
package model
