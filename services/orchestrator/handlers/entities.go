// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taleforge/taleforge/services/orchestrator/datatypes"
	"github.com/taleforge/taleforge/services/orchestrator/store"
)

// EntityHandlers serves CRUD for the roleplay entities: characters, user
// profiles, model presets, system prompts, and chat sessions.
type EntityHandlers struct {
	store *store.GormStore
}

// NewEntityHandlers wires the entity endpoints to the store.
func NewEntityHandlers(st *store.GormStore) *EntityHandlers {
	return &EntityHandlers{store: st}
}

// respondStoreError maps store errors onto HTTP statuses.
func respondStoreError(c *gin.Context, err error, kind string) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": kind + " not found"})
		return
	}
	slog.Error("handlers.entities: store operation failed", "kind", kind, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "storage operation failed"})
}

// =============================================================================
// Characters
// =============================================================================

func (h *EntityHandlers) CreateCharacter(c *gin.Context) {
	var body datatypes.Character
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if body.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	if err := h.store.CreateCharacter(c.Request.Context(), &body); err != nil {
		respondStoreError(c, err, "character")
		return
	}
	c.JSON(http.StatusCreated, body)
}

func (h *EntityHandlers) GetCharacter(c *gin.Context) {
	record, err := h.store.GetCharacter(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, err, "character")
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *EntityHandlers) ListCharacters(c *gin.Context) {
	records, err := h.store.ListCharacters(c.Request.Context())
	if err != nil {
		respondStoreError(c, err, "character")
		return
	}
	c.JSON(http.StatusOK, records)
}

func (h *EntityHandlers) UpdateCharacter(c *gin.Context) {
	var body datatypes.Character
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	body.ID = c.Param("id")
	if err := h.store.UpdateCharacter(c.Request.Context(), &body); err != nil {
		respondStoreError(c, err, "character")
		return
	}
	c.JSON(http.StatusOK, body)
}

func (h *EntityHandlers) DeleteCharacter(c *gin.Context) {
	if err := h.store.DeleteCharacter(c.Request.Context(), c.Param("id")); err != nil {
		respondStoreError(c, err, "character")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// =============================================================================
// User Profiles
// =============================================================================

func (h *EntityHandlers) CreateUserProfile(c *gin.Context) {
	var body datatypes.UserProfile
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if body.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	if err := h.store.CreateUserProfile(c.Request.Context(), &body); err != nil {
		respondStoreError(c, err, "user profile")
		return
	}
	c.JSON(http.StatusCreated, body)
}

func (h *EntityHandlers) GetUserProfile(c *gin.Context) {
	record, err := h.store.GetUserProfile(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, err, "user profile")
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *EntityHandlers) ListUserProfiles(c *gin.Context) {
	records, err := h.store.ListUserProfiles(c.Request.Context())
	if err != nil {
		respondStoreError(c, err, "user profile")
		return
	}
	c.JSON(http.StatusOK, records)
}

func (h *EntityHandlers) UpdateUserProfile(c *gin.Context) {
	var body datatypes.UserProfile
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	body.ID = c.Param("id")
	if err := h.store.UpdateUserProfile(c.Request.Context(), &body); err != nil {
		respondStoreError(c, err, "user profile")
		return
	}
	c.JSON(http.StatusOK, body)
}

func (h *EntityHandlers) DeleteUserProfile(c *gin.Context) {
	if err := h.store.DeleteUserProfile(c.Request.Context(), c.Param("id")); err != nil {
		respondStoreError(c, err, "user profile")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// =============================================================================
// Model Presets
// =============================================================================

func (h *EntityHandlers) CreateModelPreset(c *gin.Context) {
	var body datatypes.ModelPreset
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if body.Name == "" || body.ModelID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and model_id are required"})
		return
	}
	if err := h.store.CreateModelPreset(c.Request.Context(), &body); err != nil {
		respondStoreError(c, err, "model preset")
		return
	}
	c.JSON(http.StatusCreated, body)
}

func (h *EntityHandlers) GetModelPreset(c *gin.Context) {
	record, err := h.store.GetModelPreset(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, err, "model preset")
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *EntityHandlers) ListModelPresets(c *gin.Context) {
	records, err := h.store.ListModelPresets(c.Request.Context())
	if err != nil {
		respondStoreError(c, err, "model preset")
		return
	}
	c.JSON(http.StatusOK, records)
}

func (h *EntityHandlers) UpdateModelPreset(c *gin.Context) {
	var body datatypes.ModelPreset
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	body.ID = c.Param("id")
	if err := h.store.UpdateModelPreset(c.Request.Context(), &body); err != nil {
		respondStoreError(c, err, "model preset")
		return
	}
	c.JSON(http.StatusOK, body)
}

func (h *EntityHandlers) DeleteModelPreset(c *gin.Context) {
	if err := h.store.DeleteModelPreset(c.Request.Context(), c.Param("id")); err != nil {
		respondStoreError(c, err, "model preset")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// =============================================================================
// System Prompts
// =============================================================================

func (h *EntityHandlers) CreateSystemPrompt(c *gin.Context) {
	var body datatypes.SystemPrompt
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if body.Name == "" || body.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and content are required"})
		return
	}
	if err := h.store.CreateSystemPrompt(c.Request.Context(), &body); err != nil {
		respondStoreError(c, err, "system prompt")
		return
	}
	c.JSON(http.StatusCreated, body)
}

func (h *EntityHandlers) GetSystemPrompt(c *gin.Context) {
	record, err := h.store.GetSystemPrompt(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, err, "system prompt")
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *EntityHandlers) ListSystemPrompts(c *gin.Context) {
	records, err := h.store.ListSystemPrompts(c.Request.Context())
	if err != nil {
		respondStoreError(c, err, "system prompt")
		return
	}
	c.JSON(http.StatusOK, records)
}

func (h *EntityHandlers) UpdateSystemPrompt(c *gin.Context) {
	var body datatypes.SystemPrompt
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	body.ID = c.Param("id")
	if err := h.store.UpdateSystemPrompt(c.Request.Context(), &body); err != nil {
		respondStoreError(c, err, "system prompt")
		return
	}
	c.JSON(http.StatusOK, body)
}

func (h *EntityHandlers) DeleteSystemPrompt(c *gin.Context) {
	if err := h.store.DeleteSystemPrompt(c.Request.Context(), c.Param("id")); err != nil {
		respondStoreError(c, err, "system prompt")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// =============================================================================
// Chat Sessions
// =============================================================================

func (h *EntityHandlers) CreateChatSession(c *gin.Context) {
	var body datatypes.ChatSession
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.store.CreateChatSession(c.Request.Context(), &body); err != nil {
		respondStoreError(c, err, "chat session")
		return
	}
	c.JSON(http.StatusCreated, body)
}

func (h *EntityHandlers) GetChatSession(c *gin.Context) {
	record, err := h.store.GetChatSession(c.Request.Context(), c.Param("chatId"))
	if err != nil {
		respondStoreError(c, err, "chat session")
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *EntityHandlers) ListChatSessions(c *gin.Context) {
	records, err := h.store.ListChatSessions(c.Request.Context())
	if err != nil {
		respondStoreError(c, err, "chat session")
		return
	}
	c.JSON(http.StatusOK, records)
}

func (h *EntityHandlers) UpdateChatSession(c *gin.Context) {
	var body datatypes.ChatSession
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	body.ID = c.Param("chatId")
	if err := h.store.UpdateChatSession(c.Request.Context(), &body); err != nil {
		respondStoreError(c, err, "chat session")
		return
	}
	c.JSON(http.StatusOK, body)
}

func (h *EntityHandlers) DeleteChatSession(c *gin.Context) {
	if err := h.store.DeleteChatSession(c.Request.Context(), c.Param("chatId")); err != nil {
		respondStoreError(c, err, "chat session")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// ListChatMessages returns a chat session's persisted messages, oldest
// first. Interrupted assistant turns are included and flagged.
func (h *EntityHandlers) ListChatMessages(c *gin.Context) {
	records, err := h.store.Messages(c.Request.Context(), c.Param("chatId"))
	if err != nil {
		respondStoreError(c, err, "chat message")
		return
	}
	c.JSON(http.StatusOK, records)
}
