// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taleforge/taleforge/services/llm"
	"github.com/taleforge/taleforge/services/orchestrator/datatypes"
	"github.com/taleforge/taleforge/services/orchestrator/handlers"
	"github.com/taleforge/taleforge/services/orchestrator/store"
	"github.com/taleforge/taleforge/services/orchestrator/stream"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type blockedClient struct{}

func (blockedClient) StreamChat(ctx context.Context, model string,
	messages []datatypes.Message, params llm.GenerationParams) (*llm.CompletionStream, error) {

	pr, pw := io.Pipe()
	go func() {
		<-ctx.Done()
		_ = pw.CloseWithError(ctx.Err())
	}()
	return llm.NewCompletionStream(pr), nil
}

func newTestRouter(t *testing.T, apiKey string) *gin.Engine {
	t.Helper()

	st, err := store.NewGormStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	manager, err := stream.NewManager(stream.ManagerConfig{Client: blockedClient{}, Writer: st})
	require.NoError(t, err)

	router := gin.New()
	SetupRoutes(router,
		handlers.NewStreamHandlers(manager, st, "test-model"),
		handlers.NewEntityHandlers(st),
		apiKey)
	return router
}

func TestSetupRoutes_HealthAndMetricsAreUnauthenticated(t *testing.T) {
	router := newTestRouter(t, "secret")

	for _, path := range []string{"/health", "/metrics"} {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", path, nil)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestSetupRoutes_V1RequiresAPIKey(t *testing.T) {
	router := newTestRouter(t, "secret")

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/characters", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/v1/characters", nil)
	req.Header.Set("Authorization", "Bearer secret")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSetupRoutes_EntityEndpointsWired(t *testing.T) {
	router := newTestRouter(t, "")

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/characters",
		bytes.NewBufferString(`{"name":"Mira"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/v1/chats", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSetupRoutes_StreamEndpointsWired(t *testing.T) {
	router := newTestRouter(t, "")

	// No chat session and no stream: the handlers answer, not the router.
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/chats/nope/stream/status", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("DELETE", "/v1/chats/nope/stream", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
