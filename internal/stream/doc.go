// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream implements the assembler for streamed agent replies.
//
// One outbound query opens one Session over a Server-Sent-Events response.
// The session delivers fragments in arrival order (the backend guarantees
// ordering, no reordering or deduplication happens here) and finishes in
// exactly one of three ways: a complete fragment, an error, or cancellation
// by the caller.
//
// The completion record is canonical: when a complete fragment carries
// content it supersedes whatever the chunk buffer accumulated. Retry policy
// deliberately lives with the caller - a mid-stream failure is surfaced once
// and never retried here.
package stream
