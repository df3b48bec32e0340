// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// =============================================================================
// STREAM READER
// =============================================================================

var (
	dataPrefix  = []byte("data:")
	errorPrefix = []byte("error:")
)

// StreamReader parses the server-sent event stream of a completion. Each
// event is a single "data: {json}" line; blank lines separate events.
type StreamReader struct {
	reader      *bufio.Reader
	accumulator strings.Builder
	tokenCount  int
}

// NewStreamReader creates a new stream reader from an io.Reader.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{
		reader: bufio.NewReader(r),
	}
}

// Process reads events until the stop event, calling onToken for every
// non-empty fragment. It blocks until the stream ends or ctx is cancelled.
// A stream that ends without a stop event is an error.
func (s *StreamReader) Process(ctx context.Context, onToken TokenCallback) (*CompletionResult, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		event, err := s.readEvent()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, io.EOF) {
				return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "stream ended before completion"}
			}
			return nil, err
		}
		if event == nil {
			continue
		}

		if event.Error != nil {
			return nil, &ClientError{Type: ErrTypeServer, Message: event.Error.Message}
		}

		if event.Content != "" {
			s.accumulator.WriteString(event.Content)
			s.tokenCount++
			if onToken != nil {
				onToken(TokenData{Token: event.Content})
			}
		}

		if event.Stop {
			return s.result(event), nil
		}
	}
}

// readEvent reads and parses a single line. It returns nil, nil for lines
// that carry no event.
func (s *StreamReader) readEvent() (*streamEvent, error) {
	line, err := s.reader.ReadBytes('\n')
	if err != nil {
		if len(line) == 0 {
			return nil, err
		}
		// Process a final line without trailing newline.
	}

	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}

	var payload []byte
	switch {
	case bytes.HasPrefix(line, dataPrefix):
		payload = bytes.TrimSpace(line[len(dataPrefix):])
	case bytes.HasPrefix(line, errorPrefix):
		var apiErr apiError
		if json.Unmarshal(bytes.TrimSpace(line[len(errorPrefix):]), &apiErr) == nil && apiErr.Message != "" {
			return &streamEvent{Error: &apiErr}, nil
		}
		return nil, nil
	default:
		// Comments, event names and ids.
		return nil, nil
	}

	var event streamEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		// Skip malformed lines
		return nil, nil
	}
	return &event, nil
}

func (s *StreamReader) result(final *streamEvent) *CompletionResult {
	res := &CompletionResult{
		Content:         s.accumulator.String(),
		TokensPredicted: final.TokensPredicted,
		StoppedEOS:      final.StoppedEOS,
		StoppedWord:     final.StoppedWord,
		StoppedLimit:    final.StoppedLimit,
		StoppingWord:    final.StoppingWord,
	}
	if final.Timings != nil {
		res.Timings = *final.Timings
	}
	if res.TokensPredicted == 0 {
		res.TokensPredicted = s.tokenCount
	}
	return res
}
