// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api provides the HTTP client for the kernel conversation and
// credit APIs.
//
// All requests carry the bearer credential supplied at construction and
// every response is a JSON envelope {success, data, message?}. Failed calls
// surface as *APIError (or a wrapped sentinel for well-known statuses);
// nothing here is retried beyond transient 5xx/429 responses, and the client
// never mutates local state - that is the conversation store's job.
package api
