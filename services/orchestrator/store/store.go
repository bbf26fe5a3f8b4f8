// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists roleplay entities and conversation messages and
// supplies credentials/tunables to the streaming core.
//
// The streaming core depends only on the three narrow interfaces below;
// the GORM-backed implementation in gorm_store.go also carries the entity
// CRUD used by the REST layer.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/taleforge/taleforge/services/orchestrator/datatypes"
)

// ErrNotFound is returned by lookups for records that do not exist.
var ErrNotFound = errors.New("record not found")

// =============================================================================
// Interfaces Consumed by the Streaming Core
// =============================================================================

// MessageWriter durably stores one conversation message.
//
// # Description
//
// Used to persist the user's prompt immediately when a stream starts, and
// the assistant's accumulated response once the stream reaches its terminal
// state. Partial content from an interrupted stream is persisted with
// interrupted=true so no generation work is silently lost.
type MessageWriter interface {
	// WriteMessage stores one message and returns its identifier.
	WriteMessage(ctx context.Context, chatSessionID, role, content string,
		interrupted bool) (string, error)
}

// HistoryReader loads prior conversation turns in chronological order.
type HistoryReader interface {
	// History returns the chat session's messages, oldest first.
	History(ctx context.Context, chatSessionID string) ([]datatypes.Message, error)
}

// Tunables are the numeric knobs the credential provider resolves for the
// streaming core.
type Tunables struct {
	// RequestTimeout covers the full transport stream lifetime.
	RequestTimeout time.Duration

	// MaxRetries bounds transient-failure retries in the transport client.
	MaxRetries int

	// SubscriberBuffer is the per-connection fan-out channel capacity.
	SubscriberBuffer int

	// MaxSessionAge is the idle-sweep eviction threshold.
	MaxSessionAge time.Duration

	// SweepInterval is how often the idle sweep runs.
	SweepInterval time.Duration
}

// CredentialProvider resolves the transport API key and numeric tunables.
type CredentialProvider interface {
	Credentials(ctx context.Context) (apiKey string, tunables Tunables, err error)
}
