// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Roleplay entity records persisted by the store. These map 1:1 to database
// tables via GORM; the streaming core never touches them directly and only
// sees messages through the store interfaces.
package datatypes

import (
	"time"

	"gorm.io/gorm"
)

// Character is a roleplay persona the assistant plays.
type Character struct {
	ID          string `gorm:"type:uuid;primaryKey" json:"id"`
	Name        string `gorm:"not null" json:"name" validate:"required,max=120"`
	Description string `json:"description"`
	Greeting    string `json:"greeting"`
	AvatarURL   string `json:"avatar_url"`
	gorm.Model  `json:"-"`
}

// UserProfile is the human-side persona attached to chat sessions.
type UserProfile struct {
	ID          string `gorm:"type:uuid;primaryKey" json:"id"`
	Name        string `gorm:"not null" json:"name" validate:"required,max=120"`
	Description string `json:"description"`
	gorm.Model  `json:"-"`
}

// ModelPreset names a remote generation model plus default tunables.
type ModelPreset struct {
	ID          string   `gorm:"type:uuid;primaryKey" json:"id"`
	Name        string   `gorm:"not null" json:"name" validate:"required,max=120"`
	ModelID     string   `gorm:"not null" json:"model_id" validate:"required"`
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	gorm.Model  `json:"-"`
}

// SystemPrompt is a reusable system instruction block.
type SystemPrompt struct {
	ID         string `gorm:"type:uuid;primaryKey" json:"id"`
	Name       string `gorm:"not null" json:"name" validate:"required,max=120"`
	Content    string `gorm:"not null" json:"content" validate:"required"`
	gorm.Model `json:"-"`
}

// ChatSession is one logical conversation. At most one generation stream is
// active per chat session at any time.
type ChatSession struct {
	ID             string `gorm:"type:uuid;primaryKey" json:"id"`
	Title          string `json:"title"`
	CharacterID    string `gorm:"type:uuid" json:"character_id"`
	UserProfileID  string `gorm:"type:uuid" json:"user_profile_id"`
	ModelPresetID  string `gorm:"type:uuid" json:"model_preset_id"`
	SystemPromptID string `gorm:"type:uuid" json:"system_prompt_id"`
	gorm.Model     `json:"-"`
}

// ChatMessage is one persisted turn of a conversation.
//
// Interrupted marks an assistant message whose stream stopped before the
// remote generation finished; the partial content is preserved rather than
// silently discarded.
type ChatMessage struct {
	ID            string    `gorm:"type:uuid;primaryKey" json:"id"`
	ChatSessionID string    `gorm:"type:uuid;index" json:"chat_session_id"`
	Role          string    `gorm:"type:text;not null" json:"role"`
	Content       string    `json:"content"`
	Interrupted   bool      `json:"interrupted"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"-"`
}
