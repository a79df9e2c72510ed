// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream implements the assembler for streamed agent replies.
package stream

import (
	"bufio"
	"bytes"
	"io"
)

// =============================================================================
// FRAGMENT TYPES
// =============================================================================

// FragmentType identifies one unit of a streamed reply.
type FragmentType string

const (
	// FragmentStatus is informational and never appended to content.
	FragmentStatus FragmentType = "status"

	// FragmentChunk carries content to append to the accumulating buffer.
	FragmentChunk FragmentType = "chunk"

	// FragmentStep is an informational progress marker during plan execution.
	FragmentStep FragmentType = "step"

	// FragmentComplete carries the final authoritative content and usage
	// metrics. Terminal.
	FragmentComplete FragmentType = "complete"

	// FragmentError carries an error description. Terminal.
	FragmentError FragmentType = "error"
)

// Fragment is a single decoded unit of the stream.
type Fragment struct {
	Type FragmentType `json:"type"`

	// Chunk payload.
	Content string `json:"content,omitempty"`

	// Status payload.
	Message string `json:"message,omitempty"`

	// Step payload.
	Step     string `json:"step,omitempty"`
	Progress string `json:"progress,omitempty"`

	// Complete payload.
	Response       string  `json:"response,omitempty"`
	ConversationID int64   `json:"conversation_id,omitempty"`
	TokensUsed     int     `json:"tokens_used,omitempty"`
	CostUSD        float64 `json:"cost_usd,omitempty"`

	// Error payload.
	Err string `json:"error,omitempty"`
}

// IsTerminal reports whether the fragment ends the logical reply.
func (f Fragment) IsTerminal() bool {
	return f.Type == FragmentComplete || f.Type == FragmentError
}

// endOfStream is the transport-level sentinel that closes the channel. It is
// distinct from the complete fragment; seeing it without a prior complete
// means the stream died early.
var endOfStream = []byte("[DONE]")

// =============================================================================
// SSE READER
// =============================================================================

// sseReader parses Server-Sent Events from a response body.
type sseReader struct {
	reader *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{reader: bufio.NewReader(r)}
}

// readData returns the data payload of the next SSE event. Returns io.EOF
// when the transport closes.
func (s *sseReader) readData() ([]byte, error) {
	var dataLines [][]byte

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			return nil, err
		}

		line = bytes.TrimRight(line, "\r\n")

		// Empty line signals end of event.
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		if bytes.HasPrefix(line, []byte("data:")) {
			dataLines = append(dataLines, bytes.TrimSpace(line[5:]))
		}
		// Other fields (event:, id:, retry:, comments) are ignored; the
		// kernel only emits data lines.
	}
}
