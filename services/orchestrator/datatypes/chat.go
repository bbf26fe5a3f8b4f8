// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides request, response, and wire types for the
// orchestrator service.
//
// This file contains conversation message types and the send-message request
// that starts a streaming generation. Entity records live in entities.go;
// fan-out stream records live in stream.go.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	// Bounds memory per request regardless of upstream limits.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// RoleSystem, RoleUser, and RoleAssistant form the closed role set.
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ValidRole reports whether role belongs to the closed role set.
func ValidRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length (not rune count) so oversized payloads
// are rejected before they reach the transport.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Messages
// =============================================================================

// Message is one role/content pair in a conversation.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required,maxbytes"`
}

// =============================================================================
// Send Message Request
// =============================================================================

// SendMessageRequest starts a streaming generation for a chat session.
//
// # Description
//
// Posted to /v1/chats/:chatId/messages. The user content is persisted
// immediately, prior history is loaded to build the outbound message list,
// and a stream session is started for the chat. At most one stream may be
// active per chat session; a second request while one is running is a
// conflict, not a replace.
//
// # Fields
//
//   - RequestID: Optional client-side correlation id (UUID v4). Generated
//     server-side when absent.
//   - Content: Required. The user's message, 1 byte to 32KB.
//   - Model: Optional model override. Falls back to the chat session's
//     model preset.
//
// # Validation
//
// Uses go-playground/validator tags plus the maxbytes custom validator.
type SendMessageRequest struct {
	RequestID string `json:"request_id" validate:"omitempty,uuid4"`
	Content   string `json:"content" validate:"required,maxbytes"`
	Model     string `json:"model,omitempty"`
}

// Validate validates the SendMessageRequest fields.
func (r *SendMessageRequest) Validate() error {
	return chatValidate.Struct(r)
}

// EnsureDefaults populates a RequestID when the client did not send one.
func (r *SendMessageRequest) EnsureDefaults() {
	if r.RequestID == "" {
		r.RequestID = uuid.New().String()
	}
}

// SendMessageResponse acknowledges a started stream.
type SendMessageResponse struct {
	StreamID      string `json:"stream_id"`
	ChatSessionID string `json:"chat_session_id"`
	UserMessageID string `json:"user_message_id"`
	StartedAt     int64  `json:"started_at"`
}

// NewSendMessageResponse builds the acknowledgement for a started stream.
func NewSendMessageResponse(streamID, chatSessionID, userMessageID string) *SendMessageResponse {
	return &SendMessageResponse{
		StreamID:      streamID,
		ChatSessionID: chatSessionID,
		UserMessageID: userMessageID,
		StartedAt:     time.Now().UnixMilli(),
	}
}
