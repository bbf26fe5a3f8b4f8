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
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taleforge/taleforge/services/orchestrator/datatypes"
	"github.com/taleforge/taleforge/services/orchestrator/store"
)

func newEntityRouter(t *testing.T) (*gin.Engine, *store.GormStore) {
	t.Helper()
	st, err := store.NewGormStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	eh := NewEntityHandlers(st)
	router := gin.New()
	router.POST("/v1/characters", eh.CreateCharacter)
	router.GET("/v1/characters", eh.ListCharacters)
	router.GET("/v1/characters/:id", eh.GetCharacter)
	router.PUT("/v1/characters/:id", eh.UpdateCharacter)
	router.DELETE("/v1/characters/:id", eh.DeleteCharacter)
	router.POST("/v1/presets", eh.CreateModelPreset)
	return router, st
}

func entityRequest(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req, _ = http.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, _ = http.NewRequest(method, path, nil)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestCharacterHandlers_CRUDRoundTrip(t *testing.T) {
	router, _ := newEntityRouter(t)

	w := entityRequest(router, "POST", "/v1/characters",
		`{"name":"Captain Mira","description":"a weathered starship captain"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var created datatypes.Character
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	w = entityRequest(router, "GET", "/v1/characters/"+created.ID, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = entityRequest(router, "PUT", "/v1/characters/"+created.ID,
		`{"name":"Captain Mira","description":"retired"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = entityRequest(router, "GET", "/v1/characters", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []datatypes.Character
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "retired", list[0].Description)

	w = entityRequest(router, "DELETE", "/v1/characters/"+created.ID, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = entityRequest(router, "GET", "/v1/characters/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCharacterHandlers_ValidationAndNotFound(t *testing.T) {
	router, _ := newEntityRouter(t)

	w := entityRequest(router, "POST", "/v1/characters", `{"description":"nameless"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = entityRequest(router, "POST", "/v1/characters", `{bad json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = entityRequest(router, "GET", "/v1/characters/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = entityRequest(router, "DELETE", "/v1/characters/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestModelPresetHandler_RequiresModelID(t *testing.T) {
	router, _ := newEntityRouter(t)

	w := entityRequest(router, "POST", "/v1/presets", `{"name":"creative"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = entityRequest(router, "POST", "/v1/presets",
		`{"name":"creative","model_id":"gpt-4o-mini","temperature":0.9}`)
	assert.Equal(t, http.StatusCreated, w.Code)
}
