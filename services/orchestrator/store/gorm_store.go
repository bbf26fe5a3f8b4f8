// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/taleforge/taleforge/services/orchestrator/datatypes"
)

// =============================================================================
// GormStore
// =============================================================================

// GormStore is the SQLite-backed persistence layer.
//
// # Description
//
// Implements MessageWriter, HistoryReader, and CredentialProvider for the
// streaming core, plus CRUD for the roleplay entities served by the REST
// layer. A single *gorm.DB handle is shared; SQLite serializes writes
// internally.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens (or creates) the SQLite database at path and migrates
// the entity tables.
//
// # Inputs
//
//   - path: SQLite file path, or ":memory:" for tests.
//
// # Outputs
//
//   - *GormStore: Ready for use.
//   - error: Non-nil if the database cannot be opened or migrated.
func NewGormStore(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database at %s: %w", path, err)
	}

	err = db.AutoMigrate(
		&datatypes.Character{},
		&datatypes.UserProfile{},
		&datatypes.ModelPreset{},
		&datatypes.SystemPrompt{},
		&datatypes.ChatSession{},
		&datatypes.ChatMessage{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	slog.Info("store.gorm: database ready", "path", path)
	return &GormStore{db: db}, nil
}

// =============================================================================
// MessageWriter / HistoryReader
// =============================================================================

// WriteMessage implements the MessageWriter interface.
func (s *GormStore) WriteMessage(ctx context.Context, chatSessionID, role,
	content string, interrupted bool) (string, error) {

	if !datatypes.ValidRole(role) {
		return "", fmt.Errorf("invalid message role %q", role)
	}

	msg := datatypes.ChatMessage{
		ID:            uuid.New().String(),
		ChatSessionID: chatSessionID,
		Role:          role,
		Content:       content,
		Interrupted:   interrupted,
		CreatedAt:     time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return "", fmt.Errorf("failed to write message: %w", err)
	}
	return msg.ID, nil
}

// History implements the HistoryReader interface. Interrupted assistant
// messages are included; their partial content is still conversation state.
func (s *GormStore) History(ctx context.Context, chatSessionID string) ([]datatypes.Message, error) {
	var rows []datatypes.ChatMessage
	err := s.db.WithContext(ctx).
		Where("chat_session_id = ?", chatSessionID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	messages := make([]datatypes.Message, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, datatypes.Message{
			Role:    row.Role,
			Content: row.Content,
		})
	}
	return messages, nil
}

// Messages returns the full persisted rows for a chat session, oldest first.
// Used by the REST layer; the streaming core goes through History.
func (s *GormStore) Messages(ctx context.Context, chatSessionID string) ([]datatypes.ChatMessage, error) {
	var rows []datatypes.ChatMessage
	err := s.db.WithContext(ctx).
		Where("chat_session_id = ?", chatSessionID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	return rows, nil
}

// =============================================================================
// CredentialProvider
// =============================================================================

// EnvCredentialProvider resolves the API key and tunables from environment
// variables with sane defaults. Kept separate from GormStore so tests can
// swap in a fixed provider.
type EnvCredentialProvider struct{}

// Credentials implements the CredentialProvider interface.
func (EnvCredentialProvider) Credentials(_ context.Context) (string, Tunables, error) {
	apiKey := os.Getenv("LLM_API_KEY")
	if apiKey == "" {
		return "", Tunables{}, fmt.Errorf("LLM_API_KEY is missing")
	}

	t := Tunables{
		RequestTimeout:   envDuration("LLM_REQUEST_TIMEOUT", 5*time.Minute),
		MaxRetries:       envInt("LLM_MAX_RETRIES", 3),
		SubscriberBuffer: envInt("STREAM_SUBSCRIBER_BUFFER", 256),
		MaxSessionAge:    envDuration("STREAM_MAX_SESSION_AGE", 30*time.Minute),
		SweepInterval:    envDuration("STREAM_SWEEP_INTERVAL", 1*time.Minute),
	}
	return apiKey, t, nil
}

// envDuration reads a duration env var, warning and defaulting on bad input.
func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("store.env: invalid duration, using default",
			"key", key, "value", raw, "default", fallback)
		return fallback
	}
	return d
}

// envInt reads an integer env var, warning and defaulting on bad input.
func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		slog.Warn("store.env: invalid integer, using default",
			"key", key, "value", raw, "default", fallback)
		return fallback
	}
	return n
}

// =============================================================================
// Entity CRUD
// =============================================================================

// CreateCharacter inserts a new character, assigning its id.
func (s *GormStore) CreateCharacter(ctx context.Context, c *datatypes.Character) error {
	c.ID = uuid.New().String()
	return s.create(ctx, c, "character")
}

// GetCharacter loads one character by id.
func (s *GormStore) GetCharacter(ctx context.Context, id string) (*datatypes.Character, error) {
	var c datatypes.Character
	if err := s.getByID(ctx, &c, id, "character"); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCharacters returns all characters.
func (s *GormStore) ListCharacters(ctx context.Context) ([]datatypes.Character, error) {
	var out []datatypes.Character
	if err := s.db.WithContext(ctx).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list characters: %w", err)
	}
	return out, nil
}

// UpdateCharacter saves changed character fields.
func (s *GormStore) UpdateCharacter(ctx context.Context, c *datatypes.Character) error {
	return s.update(ctx, c, c.ID, "character")
}

// DeleteCharacter removes one character by id.
func (s *GormStore) DeleteCharacter(ctx context.Context, id string) error {
	return s.deleteByID(ctx, &datatypes.Character{}, id, "character")
}

// CreateUserProfile inserts a new user profile, assigning its id.
func (s *GormStore) CreateUserProfile(ctx context.Context, p *datatypes.UserProfile) error {
	p.ID = uuid.New().String()
	return s.create(ctx, p, "user profile")
}

// GetUserProfile loads one user profile by id.
func (s *GormStore) GetUserProfile(ctx context.Context, id string) (*datatypes.UserProfile, error) {
	var p datatypes.UserProfile
	if err := s.getByID(ctx, &p, id, "user profile"); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListUserProfiles returns all user profiles.
func (s *GormStore) ListUserProfiles(ctx context.Context) ([]datatypes.UserProfile, error) {
	var out []datatypes.UserProfile
	if err := s.db.WithContext(ctx).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list user profiles: %w", err)
	}
	return out, nil
}

// UpdateUserProfile saves changed user profile fields.
func (s *GormStore) UpdateUserProfile(ctx context.Context, p *datatypes.UserProfile) error {
	return s.update(ctx, p, p.ID, "user profile")
}

// DeleteUserProfile removes one user profile by id.
func (s *GormStore) DeleteUserProfile(ctx context.Context, id string) error {
	return s.deleteByID(ctx, &datatypes.UserProfile{}, id, "user profile")
}

// CreateModelPreset inserts a new model preset, assigning its id.
func (s *GormStore) CreateModelPreset(ctx context.Context, m *datatypes.ModelPreset) error {
	m.ID = uuid.New().String()
	return s.create(ctx, m, "model preset")
}

// GetModelPreset loads one model preset by id.
func (s *GormStore) GetModelPreset(ctx context.Context, id string) (*datatypes.ModelPreset, error) {
	var m datatypes.ModelPreset
	if err := s.getByID(ctx, &m, id, "model preset"); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListModelPresets returns all model presets.
func (s *GormStore) ListModelPresets(ctx context.Context) ([]datatypes.ModelPreset, error) {
	var out []datatypes.ModelPreset
	if err := s.db.WithContext(ctx).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list model presets: %w", err)
	}
	return out, nil
}

// UpdateModelPreset saves changed model preset fields.
func (s *GormStore) UpdateModelPreset(ctx context.Context, m *datatypes.ModelPreset) error {
	return s.update(ctx, m, m.ID, "model preset")
}

// DeleteModelPreset removes one model preset by id.
func (s *GormStore) DeleteModelPreset(ctx context.Context, id string) error {
	return s.deleteByID(ctx, &datatypes.ModelPreset{}, id, "model preset")
}

// CreateSystemPrompt inserts a new system prompt, assigning its id.
func (s *GormStore) CreateSystemPrompt(ctx context.Context, p *datatypes.SystemPrompt) error {
	p.ID = uuid.New().String()
	return s.create(ctx, p, "system prompt")
}

// GetSystemPrompt loads one system prompt by id.
func (s *GormStore) GetSystemPrompt(ctx context.Context, id string) (*datatypes.SystemPrompt, error) {
	var p datatypes.SystemPrompt
	if err := s.getByID(ctx, &p, id, "system prompt"); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListSystemPrompts returns all system prompts.
func (s *GormStore) ListSystemPrompts(ctx context.Context) ([]datatypes.SystemPrompt, error) {
	var out []datatypes.SystemPrompt
	if err := s.db.WithContext(ctx).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list system prompts: %w", err)
	}
	return out, nil
}

// UpdateSystemPrompt saves changed system prompt fields.
func (s *GormStore) UpdateSystemPrompt(ctx context.Context, p *datatypes.SystemPrompt) error {
	return s.update(ctx, p, p.ID, "system prompt")
}

// DeleteSystemPrompt removes one system prompt by id.
func (s *GormStore) DeleteSystemPrompt(ctx context.Context, id string) error {
	return s.deleteByID(ctx, &datatypes.SystemPrompt{}, id, "system prompt")
}

// CreateChatSession inserts a new chat session, assigning its id.
func (s *GormStore) CreateChatSession(ctx context.Context, c *datatypes.ChatSession) error {
	c.ID = uuid.New().String()
	return s.create(ctx, c, "chat session")
}

// GetChatSession loads one chat session by id.
func (s *GormStore) GetChatSession(ctx context.Context, id string) (*datatypes.ChatSession, error) {
	var c datatypes.ChatSession
	if err := s.getByID(ctx, &c, id, "chat session"); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListChatSessions returns all chat sessions.
func (s *GormStore) ListChatSessions(ctx context.Context) ([]datatypes.ChatSession, error) {
	var out []datatypes.ChatSession
	if err := s.db.WithContext(ctx).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list chat sessions: %w", err)
	}
	return out, nil
}

// UpdateChatSession saves changed chat session fields.
func (s *GormStore) UpdateChatSession(ctx context.Context, c *datatypes.ChatSession) error {
	return s.update(ctx, c, c.ID, "chat session")
}

// DeleteChatSession removes a chat session and its messages.
func (s *GormStore) DeleteChatSession(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_session_id = ?", id).
			Delete(&datatypes.ChatMessage{}).Error; err != nil {
			return fmt.Errorf("failed to delete chat messages: %w", err)
		}
		res := tx.Delete(&datatypes.ChatSession{}, "id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("failed to delete chat session: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// =============================================================================
// Shared Helpers
// =============================================================================

func (s *GormStore) create(ctx context.Context, record any, kind string) error {
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to create %s: %w", kind, err)
	}
	return nil
}

func (s *GormStore) getByID(ctx context.Context, record any, id, kind string) error {
	err := s.db.WithContext(ctx).First(record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", kind, err)
	}
	return nil
}

func (s *GormStore) update(ctx context.Context, record any, id, kind string) error {
	if id == "" {
		return fmt.Errorf("cannot update %s without an id", kind)
	}
	res := s.db.WithContext(ctx).Model(record).Where("id = ?", id).Updates(record)
	if res.Error != nil {
		return fmt.Errorf("failed to update %s: %w", kind, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) deleteByID(ctx context.Context, record any, id, kind string) error {
	res := s.db.WithContext(ctx).Delete(record, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete %s: %w", kind, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

var (
	_ MessageWriter      = (*GormStore)(nil)
	_ HistoryReader      = (*GormStore)(nil)
	_ CredentialProvider = EnvCredentialProvider{}
)
