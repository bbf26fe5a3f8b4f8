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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/taleforge/taleforge/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("taleforge.llm.openai")

const (
	// defaultCompletionsPath is appended to the base URL for chat streaming.
	defaultCompletionsPath = "/v1/chat/completions"

	// initialRetryDelay is the delay before the first retry attempt.
	// Subsequent retries double this delay (1s, 2s, 4s).
	initialRetryDelay = 1 * time.Second

	// defaultMaxRetries bounds retry attempts for transient failures.
	defaultMaxRetries = 3
)

// =============================================================================
// Client
// =============================================================================

// StreamClientConfig configures an OpenAIStreamClient.
//
// # Fields
//
//   - BaseURL: Provider endpoint base (e.g. "https://api.openai.com").
//     Falls back to the LLM_BASE_URL environment variable.
//   - APIKey: Bearer token. Falls back to LLM_API_KEY.
//   - Timeout: Per-request HTTP timeout covering the full stream lifetime.
//     Zero means 5 minutes.
//   - MaxRetries: Retry attempts for transient failures. Zero means 3.
//   - Sink: Optional diagnostic sink. Nil disables mirroring.
type StreamClientConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	Sink       DiagnosticSink
}

// OpenAIStreamClient streams chat completions from an OpenAI-compatible
// endpoint.
//
// # Description
//
// Issues the authenticated streaming request over raw HTTP so the response
// body can be fed directly into the incremental EventScanner. Transient
// failures (429 and 5xx) are retried with exponential backoff; auth and
// malformed-request failures propagate immediately as *TransportError.
//
// # Thread Safety
//
// Safe for concurrent use; each StreamChat call creates its own request and
// stream handle.
type OpenAIStreamClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	maxRetries int
	sink       DiagnosticSink
}

// NewOpenAIStreamClient creates a streaming client from the given config.
//
// # Outputs
//
//   - *OpenAIStreamClient: Ready for StreamChat.
//   - error: Non-nil if no API key could be resolved.
func NewOpenAIStreamClient(cfg StreamClientConfig) (*OpenAIStreamClient, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("LLM_BASE_URL")
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com"
		slog.Warn("LLM_BASE_URL not set, defaulting to api.openai.com")
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("LLM_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("LLM_API_KEY is missing")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}

	slog.Info("Initializing OpenAI stream client", "base_url", baseURL, "max_retries", maxRetries)
	return &OpenAIStreamClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		maxRetries: maxRetries,
		sink:       cfg.Sink,
	}, nil
}

// StreamChat implements the CompletionClient interface.
//
// # Description
//
// Validates the request deterministically (no network I/O on failure),
// issues the streaming POST, and returns a CompletionStream over the
// response body. The caller must Close the returned stream.
//
// # Inputs
//
//   - ctx: Context for cancellation; the stream inherits it.
//   - model: Target model identifier. Must be non-empty.
//   - messages: Ordered role/content pairs. Roles are restricted to
//     system, user, assistant; content must be non-empty after trimming.
//   - params: Free-form provider tunables.
//
// # Outputs
//
//   - *CompletionStream: Live handle over the byte stream.
//   - error: *ValidationError before I/O, *TransportError after retries are
//     exhausted or for non-retryable statuses, or a wrapped network error.
func (c *OpenAIStreamClient) StreamChat(ctx context.Context, model string,
	messages []datatypes.Message, params GenerationParams) (*CompletionStream, error) {

	ctx, span := tracer.Start(ctx, "OpenAIStreamClient.StreamChat")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	if err := validateChatRequest(model, messages); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	payload := c.buildRequest(model, messages, params)
	reqBody, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	if c.sink != nil {
		c.sink.RecordRequest(ctx, model, reqBody)
	}

	// Retry loop with exponential backoff for transient failures.
	var lastErr error
	retryDelay := initialRetryDelay

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			slog.Info("Retrying completion request",
				"attempt", attempt,
				"delay", retryDelay,
				"lastError", lastErr,
			)
			select {
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				span.SetStatus(codes.Error, "context canceled during retry")
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
			retryDelay *= 2
		}

		stream, err := c.doStreamRequest(ctx, reqBody)
		if err == nil {
			span.SetAttributes(attribute.Int("llm.attempts", attempt+1))
			return stream, nil
		}

		lastErr = err
		if !isRetryableError(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "non-retryable transport error")
			return nil, err
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "all retries exhausted")
	return nil, fmt.Errorf("completion request failed after %d attempts: %w",
		c.maxRetries+1, lastErr)
}

// buildRequest assembles the provider payload using the canonical
// chat-completions request shape.
func (c *OpenAIStreamClient) buildRequest(model string, messages []datatypes.Message,
	params GenerationParams) openai.ChatCompletionRequest {

	apiMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		apiMessages = append(apiMessages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: apiMessages,
		Stream:   true,
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

// doStreamRequest performs a single HTTP attempt.
//
// On 200 the response body is handed to a CompletionStream without being
// read; on any other status the body is drained for the error message and
// closed here.
func (c *OpenAIStreamClient) doStreamRequest(ctx context.Context, reqBody []byte) (*CompletionStream, error) {
	url := c.baseURL + defaultCompletionsPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		_ = resp.Body.Close()
		if c.sink != nil {
			c.sink.RecordResponse(ctx, resp.StatusCode, body)
		}
		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
			Retryable:  isRetryableStatus(resp.StatusCode),
		}
	}

	if c.sink != nil {
		c.sink.RecordResponse(ctx, resp.StatusCode, nil)
	}
	return NewCompletionStream(resp.Body), nil
}

// isRetryableStatus reports whether an HTTP status is worth retrying.
// Rate limits and server errors are transient; everything else is terminal.
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// isRetryableError classifies an attempt error for the retry loop.
// Network-level failures (no status at all) are treated as transient.
func isRetryableError(err error) bool {
	var terr *TransportError
	if errors.As(err, &terr) {
		return terr.Retryable
	}
	return true
}

var _ CompletionClient = (*OpenAIStreamClient)(nil)
