// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// =============================================================================
// Fan-out Stream Records
// =============================================================================

// Stream record types delivered to attached connections.
const (
	// StreamEventContent carries one accumulated delta.
	StreamEventContent = "content"

	// StreamEventDone is the terminal record for clean completion.
	StreamEventDone = "done"

	// StreamEventError is the terminal record for a failed stream.
	StreamEventError = "error"
)

// StreamEvent is one tagged record fanned out to attached connections.
//
// # Description
//
// Every successfully parsed delta produces exactly one "content" record, and
// every stream ends with exactly one terminal record ("done" or "error") —
// the last record a subscriber will ever receive for that stream. Records
// are delivered at most once each, in generation order.
//
// # Fields
//
//   - Type: "content", "done", or "error".
//   - Content: Delta text for content records.
//   - Error: Sanitized failure description for error records.
//   - SessionId: Chat session id, set on terminal records for correlation.
//   - Id: UUID v4 assigned at write time for ordering and deduplication.
//   - CreatedAt: Unix milliseconds, assigned at write time.
//   - Hash: SHA-256 of the record content for integrity.
//   - PrevHash: Hash of the previous record, forming a verification chain.
type StreamEvent struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
	SessionId string `json:"session_id,omitempty"`
	Id        string `json:"id,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`
	Hash      string `json:"hash,omitempty"`
	PrevHash  string `json:"prev_hash,omitempty"`
}

// =============================================================================
// Stream Status
// =============================================================================

// StreamStatusResponse is the point-in-time snapshot of a stream session.
//
// Readers observe a consistent prefix of the accumulated content, never a
// torn write.
type StreamStatusResponse struct {
	StreamID           string `json:"stream_id"`
	ChatSessionID      string `json:"chat_session_id"`
	Active             bool   `json:"active"`
	AccumulatedContent string `json:"accumulated_content"`
	Error              string `json:"error,omitempty"`
	StopReason         string `json:"stop_reason,omitempty"`
	Connections        int    `json:"connections"`
	StartedAt          int64  `json:"started_at"`
}
