// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers contains the HTTP handlers for the orchestrator service.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/taleforge/taleforge/services/llm"
	"github.com/taleforge/taleforge/services/orchestrator/datatypes"
	"github.com/taleforge/taleforge/services/orchestrator/observability"
	"github.com/taleforge/taleforge/services/orchestrator/store"
	"github.com/taleforge/taleforge/services/orchestrator/stream"
)

// keepAliveInterval is how often an attached SSE connection receives a
// comment ping. Below common load balancer idle timeouts (ALB/nginx 60s).
const keepAliveInterval = 15 * time.Second

// StreamHandlers serves the message-send and stream-attach endpoints.
//
// # Description
//
// Bridges HTTP to the stream manager: starting generations, attaching SSE
// and WebSocket connections to live streams, stopping streams, and
// reporting status. Persistence of the user prompt and loading of prior
// history happen here, before the stream starts.
type StreamHandlers struct {
	manager      *stream.Manager
	store        *store.GormStore
	defaultModel string
}

// NewStreamHandlers wires the stream endpoints to their collaborators.
func NewStreamHandlers(manager *stream.Manager, st *store.GormStore, defaultModel string) *StreamHandlers {
	return &StreamHandlers{
		manager:      manager,
		store:        st,
		defaultModel: defaultModel,
	}
}

// =============================================================================
// POST /v1/chats/:chatId/messages
// =============================================================================

// HandleSendMessage accepts a user message and starts a generation stream.
//
// # Description
//
// Validates the request, persists the user's message, assembles the
// outbound message list (system prompt, prior history, new prompt), and
// starts a stream session for the chat. The response is 202 Accepted; the
// generated content arrives on the attach endpoints.
//
// # Responses
//
//   - 202: SendMessageResponse with the stream id.
//   - 400: Malformed JSON or validation failure.
//   - 404: Unknown chat session.
//   - 409: A stream is already active for this chat session.
//   - 500: Persistence failure.
func (h *StreamHandlers) HandleSendMessage(c *gin.Context) {
	chatID := c.Param("chatId")

	var req datatypes.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.EnsureDefaults()

	chat, err := h.store.GetChatSession(c.Request.Context(), chatID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat session not found"})
			return
		}
		slog.Error("handlers.stream: failed to load chat session", "chatSessionId", chatID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load chat session"})
		return
	}

	// Reject a conflicting send before persisting the prompt, or the orphan
	// message would ride into the next generation's history. StartStream
	// still enforces the invariant for the remaining race window.
	if existing, ok := h.manager.GetActiveStream(chatID); ok && existing.Active() {
		c.JSON(http.StatusConflict, gin.H{"error": "a stream is already active for this chat session"})
		return
	}

	model, params := h.resolveGeneration(c, chat, req.Model)
	if model == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no model configured for this chat session"})
		return
	}

	messages, err := h.assembleMessages(c, chat)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation history"})
		return
	}
	messages = append(messages, datatypes.Message{Role: datatypes.RoleUser, Content: req.Content})

	// Persist the prompt before starting so a crash mid-stream never loses it.
	userMessageID, err := h.store.WriteMessage(c.Request.Context(), chatID,
		datatypes.RoleUser, req.Content, false)
	if err != nil {
		slog.Error("handlers.stream: failed to persist user message", "chatSessionId", chatID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist message"})
		return
	}

	session, err := h.manager.StartStream(chatID, model, messages, params)
	if err != nil {
		if errors.Is(err, stream.ErrStreamActive) {
			c.JSON(http.StatusConflict, gin.H{"error": "a stream is already active for this chat session"})
			return
		}
		slog.Error("handlers.stream: failed to start stream", "chatSessionId", chatID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start stream"})
		return
	}

	slog.Info("handlers.stream: message accepted",
		"chatSessionId", chatID,
		"streamId", session.StreamID(),
		"requestId", req.RequestID,
		"model", model)
	c.JSON(http.StatusAccepted, datatypes.NewSendMessageResponse(
		session.StreamID(), chatID, userMessageID))
}

// resolveGeneration picks the model and tunables for a request. Explicit
// request model wins, then the chat's preset, then the server default.
func (h *StreamHandlers) resolveGeneration(c *gin.Context, chat *datatypes.ChatSession,
	override string) (string, llm.GenerationParams) {

	model := override
	var params llm.GenerationParams

	if chat.ModelPresetID != "" {
		preset, err := h.store.GetModelPreset(c.Request.Context(), chat.ModelPresetID)
		if err != nil {
			slog.Warn("handlers.stream: model preset lookup failed, using defaults",
				"presetId", chat.ModelPresetID, "error", err)
		} else {
			if model == "" {
				model = preset.ModelID
			}
			params.Temperature = preset.Temperature
			params.TopP = preset.TopP
			params.MaxTokens = preset.MaxTokens
		}
	}
	if model == "" {
		model = h.defaultModel
	}
	return model, params
}

// assembleMessages builds the outbound list: system prompt (plus character
// framing when the chat has one), then prior history oldest-first.
func (h *StreamHandlers) assembleMessages(c *gin.Context, chat *datatypes.ChatSession) ([]datatypes.Message, error) {
	var messages []datatypes.Message

	systemContent := ""
	if chat.SystemPromptID != "" {
		prompt, err := h.store.GetSystemPrompt(c.Request.Context(), chat.SystemPromptID)
		if err != nil {
			slog.Warn("handlers.stream: system prompt lookup failed, omitting",
				"promptId", chat.SystemPromptID, "error", err)
		} else {
			systemContent = prompt.Content
		}
	}
	if chat.CharacterID != "" {
		character, err := h.store.GetCharacter(c.Request.Context(), chat.CharacterID)
		if err != nil {
			slog.Warn("handlers.stream: character lookup failed, omitting",
				"characterId", chat.CharacterID, "error", err)
		} else if character.Description != "" {
			if systemContent != "" {
				systemContent += "\n\n"
			}
			systemContent += "You are playing the character " + character.Name + ". " + character.Description
		}
	}
	if systemContent != "" {
		messages = append(messages, datatypes.Message{Role: datatypes.RoleSystem, Content: systemContent})
	}

	history, err := h.store.History(c.Request.Context(), chat.ID)
	if err != nil {
		slog.Error("handlers.stream: failed to load history", "chatSessionId", chat.ID, "error", err)
		return nil, err
	}
	return append(messages, history...), nil
}

// =============================================================================
// GET /v1/chats/:chatId/stream
// =============================================================================

// HandleStreamAttach attaches an SSE connection to the chat's live stream.
//
// # Description
//
// Replays nothing: the connection receives records generated from the
// moment it attaches. A keepalive comment is sent every 15 seconds. The
// handler returns when the stream reaches its terminal record or the
// client disconnects; a client disconnect detaches the connection, and the
// manager abandons the stream once the last connection is gone.
//
// # Responses
//
//   - 200: text/event-stream until the terminal record.
//   - 404: No active stream for this chat session.
func (h *StreamHandlers) HandleStreamAttach(c *gin.Context) {
	chatID := c.Param("chatId")
	connID := uuid.New().String()

	ch, session, err := h.manager.AddConnection(chatID, connID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active stream for this chat session"})
		return
	}
	defer h.manager.RemoveConnection(chatID, connID)

	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Flush()

	slog.Info("handlers.stream: connection attached",
		"chatSessionId", chatID, "streamId", session.StreamID(), "connectionId", connID)

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			observability.ClientDisconnects.Inc()
			slog.Info("handlers.stream: client disconnected",
				"chatSessionId", chatID, "connectionId", connID)
			return

		case <-ticker.C:
			observability.KeepAlives.Inc()
			if err := writer.WriteKeepAlive(); err != nil {
				return
			}

		case ev, ok := <-ch:
			if !ok {
				// Channel closed without a terminal record reaching this
				// subscriber (buffer overflow); recover it from the snapshot.
				h.writeTerminalFromSnapshot(writer, session)
				return
			}
			if done := h.writeRecord(writer, ev); done {
				return
			}
		}
	}
}

// writeRecord forwards one fan-out record; returns true on terminal records
// or write failure.
func (h *StreamHandlers) writeRecord(writer SSEWriter, ev datatypes.StreamEvent) bool {
	switch ev.Type {
	case datatypes.StreamEventContent:
		return writer.WriteContent(ev.Content) != nil
	case datatypes.StreamEventDone:
		_ = writer.WriteDone(ev.SessionId)
		return true
	case datatypes.StreamEventError:
		_ = writer.WriteError(ev.Error)
		return true
	default:
		return false
	}
}

// writeTerminalFromSnapshot emits the terminal record for a subscriber whose
// channel closed before it arrived.
func (h *StreamHandlers) writeTerminalFromSnapshot(writer SSEWriter, session *stream.Session) {
	snap := session.Snapshot()
	if snap.StopReason == stream.StopReasonCompleted {
		_ = writer.WriteDone(snap.ChatSessionID)
		return
	}
	msg := snap.Error
	if msg == "" {
		msg = snap.StopReason
	}
	if msg == "" {
		msg = "stream ended"
	}
	_ = writer.WriteError(msg)
}

// =============================================================================
// DELETE /v1/chats/:chatId/stream
// =============================================================================

// HandleStreamStop cooperatively cancels the chat's live stream.
//
// # Responses
//
//   - 200: {"stopped": true}. Partial content is persisted as interrupted.
//   - 404: No active stream to stop (including a repeated stop).
func (h *StreamHandlers) HandleStreamStop(c *gin.Context) {
	chatID := c.Param("chatId")

	if !h.manager.StopStream(chatID, "client requested") {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active stream for this chat session"})
		return
	}
	slog.Info("handlers.stream: stream stopped by client", "chatSessionId", chatID)
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

// =============================================================================
// GET /v1/chats/:chatId/stream/status
// =============================================================================

// HandleStreamStatus reports the point-in-time snapshot of the chat's stream.
//
// # Responses
//
//   - 200: StreamStatusResponse.
//   - 404: No active stream for this chat session.
func (h *StreamHandlers) HandleStreamStatus(c *gin.Context) {
	chatID := c.Param("chatId")

	snap, err := h.manager.Snapshot(chatID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active stream for this chat session"})
		return
	}
	c.JSON(http.StatusOK, snap)
}
