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
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/taleforge/taleforge/services/orchestrator/datatypes"
)

// GenerationParams carries free-form provider tunables for one request.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// CompletionClient defines the standard interface for a streaming LLM backend.
//
// # Description
//
// StreamChat issues the outbound streaming request and returns a
// CompletionStream the caller iterates for parsed events. Input validation
// is deterministic and happens before any network I/O; a request that fails
// validation never leaves the process.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; one client is shared
// across all producer goroutines.
type CompletionClient interface {
	StreamChat(ctx context.Context, model string, messages []datatypes.Message,
		params GenerationParams) (*CompletionStream, error)
}

// =============================================================================
// Completion Stream Handle
// =============================================================================

// CompletionStream is a live handle over one in-flight generation.
//
// # Description
//
// Wraps the transport response body and the incremental event parser.
// The caller owns the handle and must Close it to release the underlying
// connection, regardless of how iteration ended.
//
// # Thread Safety
//
// Not safe for concurrent use; exactly one producer drives each stream.
type CompletionStream struct {
	body    io.ReadCloser
	scanner *EventScanner
}

// NewCompletionStream wraps a wire-format byte stream in a parsed handle.
// Used by alternate transports and test doubles; the HTTP client calls it
// with the response body.
func NewCompletionStream(body io.ReadCloser) *CompletionStream {
	return &CompletionStream{
		body:    body,
		scanner: NewEventScanner(body),
	}
}

// Next advances to the next parsed event. See EventScanner.Next.
func (s *CompletionStream) Next() bool { return s.scanner.Next() }

// Event returns the current parsed event.
func (s *CompletionStream) Event() Event { return s.scanner.Event() }

// Err returns the transport error that terminated the stream, if any.
func (s *CompletionStream) Err() error { return s.scanner.Err() }

// Close releases the underlying transport connection. Idempotent.
func (s *CompletionStream) Close() error {
	if s.body == nil {
		return nil
	}
	err := s.body.Close()
	s.body = nil
	return err
}

// =============================================================================
// Error Taxonomy
// =============================================================================

// ValidationError reports a request rejected before any network I/O.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid completion request: %s: %s", e.Field, e.Reason)
}

// TransportError reports a failed HTTP exchange with the provider.
//
// Retryable is true for rate-limit and server-error classes; auth and
// malformed-request failures are terminal and propagate immediately.
type TransportError struct {
	StatusCode int
	Body       string
	Retryable  bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("completion endpoint returned status %d: %s",
		e.StatusCode, snippet(e.Body, 200))
}

// validateChatRequest enforces the deterministic pre-flight contract.
//
// # Description
//
// Rejects, without network I/O: an empty model id, an empty message list,
// any message with a role outside the closed role set, and any message whose
// content is empty after trimming whitespace.
func validateChatRequest(model string, messages []datatypes.Message) error {
	if strings.TrimSpace(model) == "" {
		return &ValidationError{Field: "model", Reason: "must not be empty"}
	}
	if len(messages) == 0 {
		return &ValidationError{Field: "messages", Reason: "must contain at least one message"}
	}
	for i, msg := range messages {
		if !datatypes.ValidRole(msg.Role) {
			return &ValidationError{
				Field:  fmt.Sprintf("messages[%d].role", i),
				Reason: fmt.Sprintf("%q is not one of system, user, assistant", msg.Role),
			}
		}
		if strings.TrimSpace(msg.Content) == "" {
			return &ValidationError{
				Field:  fmt.Sprintf("messages[%d].content", i),
				Reason: "must not be empty after trimming",
			}
		}
	}
	return nil
}
