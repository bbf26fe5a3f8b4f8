// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// doneSentinel is the reserved payload that signals clean end-of-stream.
	doneSentinel = "[DONE]"

	// dataPrefix frames every payload-carrying line.
	dataPrefix = "data:"

	// maxLineBytes bounds a single SSE line. Individual deltas are small but
	// some providers batch large tool-call payloads into one line.
	maxLineBytes = 1024 * 1024
)

// =============================================================================
// Event Scanner
// =============================================================================

// EventScanner incrementally parses a completion byte stream into Events.
//
// # Description
//
// EventScanner consumes an unbounded sequence of bytes from an io.Reader and
// produces a lazy, ordered, finite sequence of parsed events. The reader may
// deliver bytes in fragments of any size: a logical line split across two
// reads, or several lines in one read, both yield the identical event
// sequence. Framing follows the SSE-style wire format:
//
//   - Lines starting with ": " are comments/keep-alives and are discarded.
//   - Lines of the form "data: <payload>" carry either the [DONE] sentinel
//     or a JSON chat-completion chunk.
//   - Any other line is ignored.
//
// A payload that fails to parse as JSON is logged and skipped; malformed
// upstream framing never aborts an otherwise healthy stream. Once the
// sentinel is seen no further events are produced even if more bytes follow.
// A partial line buffered at end-of-input is never emitted.
//
// # Usage
//
//	sc := NewEventScanner(resp.Body)
//	for sc.Next() {
//	    ev := sc.Event()
//	    switch ev.Type {
//	    case EventContentDelta:
//	        accumulate(ev.Delta)
//	    case EventDone:
//	        // terminal
//	    }
//	}
//	if err := sc.Err(); err != nil {
//	    // transport failure, not a framing problem
//	}
//
// # Thread Safety
//
// Not safe for concurrent use. Each stream gets its own scanner.
type EventScanner struct {
	scanner *bufio.Scanner
	event   Event
	done    bool
	err     error
}

// NewEventScanner creates an EventScanner over the given reader.
//
// # Inputs
//
//   - r: Raw byte stream from the transport. Ownership of closing the
//     underlying body stays with the caller.
//
// # Outputs
//
//   - *EventScanner: Ready for the Next/Event/Err iteration protocol.
func NewEventScanner(r io.Reader) *EventScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &EventScanner{scanner: sc}
}

// Next advances to the next parsed event.
//
// # Description
//
// Reads complete lines from the underlying stream until one yields an event,
// the sentinel is seen, the stream ends, or a transport error occurs.
// Returns false when iteration is over; check Err() to distinguish clean
// termination from a transport failure.
//
// # Outputs
//
//   - bool: True if Event() now holds a fresh event.
func (s *EventScanner) Next() bool {
	if s.done || s.err != nil {
		return false
	}

	for s.scanner.Scan() {
		line := s.scanner.Text()

		payload, ok := framePayload(line)
		if !ok {
			continue
		}

		if payload == doneSentinel {
			s.done = true
			s.event = Event{Type: EventDone}
			return true
		}

		ev, ok := parsePayload(payload)
		if !ok {
			// Skip-and-continue: a single malformed line must not kill
			// the stream.
			slog.Warn("llm.parser: skipping malformed stream payload",
				"payload_snippet", snippet(payload, 120),
			)
			continue
		}

		s.event = ev
		return true
	}

	s.done = true
	if err := s.scanner.Err(); err != nil {
		s.err = err
	}
	return false
}

// Event returns the event produced by the last successful Next call.
func (s *EventScanner) Event() Event {
	return s.event
}

// Err returns the transport error that terminated iteration, if any.
//
// Framing errors are absorbed during iteration and never surface here;
// a non-nil Err means the underlying reader itself failed.
func (s *EventScanner) Err() error {
	return s.err
}

// =============================================================================
// Line and Payload Parsing
// =============================================================================

// framePayload extracts the data payload from a single wire line.
//
// Returns ok=false for comment lines, blank lines, and any line that is not
// a data line. The optional single space after "data:" is trimmed, matching
// how upstream providers emit it.
func framePayload(line string) (string, bool) {
	if line == "" || strings.HasPrefix(line, ": ") {
		return "", false
	}
	if !strings.HasPrefix(line, dataPrefix) {
		return "", false
	}
	payload := line[len(dataPrefix):]
	if len(payload) > 0 && payload[0] == ' ' {
		payload = payload[1:]
	}
	return payload, true
}

// streamErrorEnvelope matches the error object some providers emit inside
// the stream body instead of failing the HTTP request.
type streamErrorEnvelope struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// parsePayload classifies one JSON payload into an Event.
//
// Returns ok=false only when the payload is not valid JSON at all; every
// structurally valid payload maps to some variant, falling back to
// EventUnknown.
func parsePayload(payload string) (Event, bool) {
	// Provider-side errors arrive as {"error": {...}} rather than a chunk.
	var envelope streamErrorEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return Event{}, false
	}
	if envelope.Error != nil {
		return Event{Type: EventError, ErrMessage: envelope.Error.Message}, true
	}

	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return Event{}, false
	}

	if len(chunk.Choices) == 0 {
		return Event{Type: EventUnknown, Raw: payload}, true
	}

	choice := chunk.Choices[0]
	if choice.Delta.Content != "" {
		return Event{
			Type:         EventContentDelta,
			Delta:        choice.Delta.Content,
			FinishReason: string(choice.FinishReason),
		}, true
	}

	// Chunks with an empty delta (role announcements, finish_reason-only
	// frames) are structurally valid but carry no text.
	return Event{
		Type:         EventUnknown,
		FinishReason: string(choice.FinishReason),
		Raw:          payload,
	}, true
}

// snippet truncates s for log output.
func snippet(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
