// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides utility functions for the kernelchat application.
//
// The string helpers are UTF-8 aware: truncation counts runes or display
// columns, never bytes, so multi-byte characters and double-width CJK text
// survive intact.
package util
