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
	"log/slog"
)

// =============================================================================
// Diagnostic Sink
// =============================================================================

// DiagnosticSink mirrors outbound requests and their responses for debugging.
//
// # Description
//
// Every transport request and response is offered to the sink best-effort:
// a sink that drops records, blocks briefly, or is nil never affects the
// success or failure of the call itself. Implementations must not panic.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type DiagnosticSink interface {
	// RecordRequest mirrors one outbound request payload.
	RecordRequest(ctx context.Context, model string, payload []byte)

	// RecordResponse mirrors the response status and, for non-streaming
	// error bodies, the payload. Streaming bodies are summarized only.
	RecordResponse(ctx context.Context, statusCode int, payload []byte)
}

// slogDiagnosticSink logs exchanges via slog.
//
// Verbose mode logs full payloads at debug level; lightweight mode logs a
// metadata-only summary at debug level.
type slogDiagnosticSink struct {
	verbose bool
}

// NewSlogDiagnosticSink returns a DiagnosticSink backed by the default
// slog logger.
//
// # Inputs
//
//   - verbose: True to mirror full payloads, false for metadata summaries.
func NewSlogDiagnosticSink(verbose bool) DiagnosticSink {
	return &slogDiagnosticSink{verbose: verbose}
}

func (s *slogDiagnosticSink) RecordRequest(ctx context.Context, model string, payload []byte) {
	if s.verbose {
		slog.DebugContext(ctx, "llm.diagnostics: outbound request",
			"model", model,
			"payload", string(payload),
		)
		return
	}
	slog.DebugContext(ctx, "llm.diagnostics: outbound request",
		"model", model,
		"payload_bytes", len(payload),
	)
}

func (s *slogDiagnosticSink) RecordResponse(ctx context.Context, statusCode int, payload []byte) {
	if s.verbose && len(payload) > 0 {
		slog.DebugContext(ctx, "llm.diagnostics: response",
			"status_code", statusCode,
			"payload", string(payload),
		)
		return
	}
	slog.DebugContext(ctx, "llm.diagnostics: response",
		"status_code", statusCode,
		"payload_bytes", len(payload),
	)
}

var _ DiagnosticSink = (*slogDiagnosticSink)(nil)
