// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stream holds the live generation state between a remote completion
// stream and any number of attached client connections.
//
// A Session accumulates deltas and fans them out; the Manager owns the
// registry of sessions, the producer goroutines that feed them, and the idle
// sweep. Lock order is always manager registry first, then session, never
// the reverse.
package stream

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/taleforge/taleforge/services/orchestrator/datatypes"
	"github.com/taleforge/taleforge/services/orchestrator/observability"
)

// defaultSubscriberBuffer is the per-connection channel capacity used when
// the manager does not override it. A slow consumer drops records once its
// buffer fills rather than stalling the producer.
const defaultSubscriberBuffer = 256

// Stop reasons recorded on a session's terminal state.
const (
	StopReasonCompleted     = "completed"
	StopReasonTimeout       = "timeout"
	StopReasonNoConnections = "no connections"
)

// Session is the live state of one in-flight generation.
//
// # Description
//
// Holds the accumulated content, the terminal state, and the set of attached
// connections. All fields are guarded by a single mutex; methods never block
// on subscriber channels while holding it beyond a buffered send.
//
// # Thread Safety
//
// Safe for concurrent use. The producer calls AddContent/Stop while any
// number of handlers call AddConnection/RemoveConnection/Snapshot.
//
// The attached-connections gauge is maintained here, under the same lock as
// the subscriber set, so it always equals the total number of attached
// connections across sessions: +1 per registered attach, -1 per detach, and
// Stop releases whatever is still attached when the stream ends.
type Session struct {
	mu sync.Mutex

	streamID      string
	chatSessionID string
	startedAt     time.Time

	content    strings.Builder
	active     bool
	stopReason string
	errMessage string

	// everConnected latches once the first connection attaches. The
	// zero-connections early exit only applies after this latches, so a
	// stream is never killed in the window before its first client arrives.
	everConnected bool

	subscribers map[string]chan datatypes.StreamEvent
	bufferSize  int
}

// NewSession creates an active session for the given stream and chat ids.
// bufferSize <= 0 selects the default subscriber buffer.
func NewSession(streamID, chatSessionID string, bufferSize int) *Session {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	return &Session{
		streamID:      streamID,
		chatSessionID: chatSessionID,
		startedAt:     time.Now(),
		active:        true,
		subscribers:   make(map[string]chan datatypes.StreamEvent),
		bufferSize:    bufferSize,
	}
}

// StreamID returns the session's stream identifier.
func (s *Session) StreamID() string { return s.streamID }

// ChatSessionID returns the owning chat session identifier.
func (s *Session) ChatSessionID() string { return s.chatSessionID }

// AddContent appends one delta and fans it out to all attached connections.
//
// # Description
//
// No-op after the session has stopped: a late delta from a racing producer
// neither mutates the accumulated content nor reaches subscribers. Slow
// subscribers whose buffers are full miss the record; delivery is at most
// once per record per connection.
func (s *Session) AddContent(delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return
	}
	s.content.WriteString(delta)

	ev := datatypes.StreamEvent{
		Type:    datatypes.StreamEventContent,
		Content: delta,
	}
	for connID, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			slog.Warn("stream.session: subscriber buffer full, dropping record",
				"streamId", s.streamID, "connectionId", connID)
		}
	}
}

// Stop transitions the session to its terminal state.
//
// # Description
//
// Idempotent: the first call wins; later calls return false without
// touching state. On the winning call exactly one terminal record is fanned
// out ("done" for a completed stream, "error" otherwise) and every
// subscriber channel is closed so attached readers observe end-of-stream.
//
// # Inputs
//
//   - reason: Terminal reason. "completed" is the clean finish; anything
//     else marks the stream interrupted.
//   - errMessage: Sanitized failure detail carried on the error record.
//     Ignored for completed streams.
//
// # Outputs
//
//   - bool: True only on the call that performed the transition.
func (s *Session) Stop(reason, errMessage string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return false
	}
	s.active = false
	s.stopReason = reason
	s.errMessage = errMessage

	ev := datatypes.StreamEvent{
		Type:      datatypes.StreamEventDone,
		SessionId: s.chatSessionID,
	}
	if reason != StopReasonCompleted {
		ev.Type = datatypes.StreamEventError
		ev.Error = errMessage
		if ev.Error == "" {
			ev.Error = reason
		}
	}

	for connID, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			slog.Warn("stream.session: subscriber missed terminal record",
				"streamId", s.streamID, "connectionId", connID)
		}
		close(ch)
	}
	if n := len(s.subscribers); n > 0 {
		observability.StreamConnections.Sub(float64(n))
	}
	s.subscribers = make(map[string]chan datatypes.StreamEvent)
	return true
}

// AddConnection attaches a connection and returns its receive channel.
//
// A connection attaching after the session stopped gets a closed channel;
// the caller should consult Snapshot for the terminal state and accumulated
// content instead of waiting on records.
func (s *Session) AddConnection(connID string) <-chan datatypes.StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan datatypes.StreamEvent, s.bufferSize)
	if !s.active {
		close(ch)
		return ch
	}
	s.everConnected = true
	if old, ok := s.subscribers[connID]; ok {
		close(old)
	} else {
		observability.StreamConnections.Inc()
	}
	s.subscribers[connID] = ch
	return ch
}

// RemoveConnection detaches a connection. Unknown ids are a no-op; the
// return value reports whether a connection was actually removed.
func (s *Session) RemoveConnection(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.subscribers[connID]
	if !ok {
		return false
	}
	delete(s.subscribers, connID)
	close(ch)
	observability.StreamConnections.Dec()
	return true
}

// HasConnections reports whether any connection is attached.
func (s *Session) HasConnections() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers) > 0
}

// ConnectionCount returns the number of attached connections.
func (s *Session) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// Abandoned reports whether the stream has lost its audience: at least one
// connection attached at some point and none remain.
func (s *Session) Abandoned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.everConnected && len(s.subscribers) == 0
}

// Active reports whether the session has not yet reached a terminal state.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Age returns the wall-clock time since the session started.
func (s *Session) Age() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.startedAt)
}

// Snapshot returns a consistent point-in-time view of the session.
//
// The accumulated content in the snapshot is always a prefix of what the
// producer has written, never a torn read.
func (s *Session) Snapshot() datatypes.StreamStatusResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	return datatypes.StreamStatusResponse{
		StreamID:           s.streamID,
		ChatSessionID:      s.chatSessionID,
		Active:             s.active,
		AccumulatedContent: s.content.String(),
		Error:              s.errMessage,
		StopReason:         s.stopReason,
		Connections:        len(s.subscribers),
		StartedAt:          s.startedAt.UnixMilli(),
	}
}
