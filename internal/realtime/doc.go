// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package realtime maintains the persistent notification channel to the
// kernel backend.
//
// A Manager owns a single websocket connection and a set of subscribers
// keyed by event kind. Inbound envelopes are fanned out to subscribers in
// registration order from one read pump goroutine. Delivery is at-most-once:
// events published while the channel is down are dropped, never replayed.
//
// On an unexpected read error the manager reconnects with capped exponential
// backoff up to a configured attempt bound. Exhausting the bound emits a
// single error event and leaves the channel disconnected until the caller
// asks for a fresh Connect.
package realtime
