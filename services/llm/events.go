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

// =============================================================================
// Parsed Stream Events
// =============================================================================

// EventType identifies the shape of a parsed completion stream event.
//
// # Description
//
// The event parser reduces every upstream payload to a small closed set of
// variants so downstream code can switch on a known shape instead of probing
// raw JSON defensively. Events the parser cannot classify are surfaced as
// EventUnknown rather than dropped, so callers can decide whether to log them.
type EventType int

const (
	// EventContentDelta carries an incremental fragment of generated text.
	EventContentDelta EventType = iota

	// EventDone signals clean end-of-stream (the upstream sentinel was seen).
	EventDone

	// EventError carries an error object emitted by the upstream provider
	// inside the stream body.
	EventError

	// EventUnknown is a structurally valid payload the parser could not
	// classify (no content delta, no error, no sentinel).
	EventUnknown
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventContentDelta:
		return "content_delta"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	case EventUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Event is a single parsed record from a completion stream.
//
// # Fields
//
//   - Type: Which variant this event is. Determines which other fields are set.
//   - Delta: Incremental text fragment. Set for EventContentDelta only.
//   - ErrMessage: Provider error description. Set for EventError only.
//   - FinishReason: Upstream finish reason ("stop", "length", ...) when the
//     provider includes one on the chunk. May accompany any variant.
//   - Raw: The raw payload for EventUnknown, kept for diagnostics.
type Event struct {
	Type         EventType
	Delta        string
	ErrMessage   string
	FinishReason string
	Raw          string
}
