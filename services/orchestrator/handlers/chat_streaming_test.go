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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taleforge/taleforge/services/llm"
	"github.com/taleforge/taleforge/services/orchestrator/datatypes"
	"github.com/taleforge/taleforge/services/orchestrator/store"
	"github.com/taleforge/taleforge/services/orchestrator/stream"
)

// fakeCompletionClient serves each StreamChat call from an io.Pipe the test
// feeds wire-format bytes into.
type fakeCompletionClient struct {
	mu      sync.Mutex
	writers []*io.PipeWriter
}

func (c *fakeCompletionClient) StreamChat(ctx context.Context, model string,
	messages []datatypes.Message, params llm.GenerationParams) (*llm.CompletionStream, error) {

	pr, pw := io.Pipe()
	go func() {
		<-ctx.Done()
		_ = pw.CloseWithError(ctx.Err())
	}()
	c.mu.Lock()
	c.writers = append(c.writers, pw)
	c.mu.Unlock()
	return llm.NewCompletionStream(pr), nil
}

func (c *fakeCompletionClient) writer(t *testing.T, n int) *io.PipeWriter {
	t.Helper()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.writers) > n
	}, time.Second, 5*time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writers[n]
}

func wireDelta(content string) string {
	return fmt.Sprintf(`data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":%q}}]}`+"\n", content)
}

type streamFixture struct {
	router *gin.Engine
	store  *store.GormStore
	client *fakeCompletionClient
	chatID string
}

func newStreamFixture(t *testing.T) *streamFixture {
	t.Helper()

	st, err := store.NewGormStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	client := &fakeCompletionClient{}
	manager, err := stream.NewManager(stream.ManagerConfig{Client: client, Writer: st})
	require.NoError(t, err)

	chat := &datatypes.ChatSession{Title: "fixture"}
	require.NoError(t, st.CreateChatSession(context.Background(), chat))

	sh := NewStreamHandlers(manager, st, "test-model")

	router := gin.New()
	router.POST("/v1/chats/:chatId/messages", sh.HandleSendMessage)
	router.GET("/v1/chats/:chatId/stream", sh.HandleStreamAttach)
	router.DELETE("/v1/chats/:chatId/stream", sh.HandleStreamStop)
	router.GET("/v1/chats/:chatId/stream/status", sh.HandleStreamStatus)

	return &streamFixture{router: router, store: st, client: client, chatID: chat.ID}
}

func (f *streamFixture) sendMessage(t *testing.T, chatID, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/chats/"+chatID+"/messages",
		bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	f.router.ServeHTTP(w, req)
	return w
}

// =============================================================================
// Send Message
// =============================================================================

func TestHandleSendMessage_AcceptsAndStartsStream(t *testing.T) {
	f := newStreamFixture(t)

	w := f.sendMessage(t, f.chatID, `{"content":"once upon a time"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp datatypes.SendMessageResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.StreamID)
	assert.Equal(t, f.chatID, resp.ChatSessionID)
	assert.NotEmpty(t, resp.UserMessageID)

	// The prompt was persisted before the stream started.
	history, err := f.store.History(context.Background(), f.chatID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "once upon a time", history[0].Content)
}

func TestHandleSendMessage_RejectsEmptyContent(t *testing.T) {
	f := newStreamFixture(t)

	w := f.sendMessage(t, f.chatID, `{"content":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSendMessage_RejectsMalformedJSON(t *testing.T) {
	f := newStreamFixture(t)

	w := f.sendMessage(t, f.chatID, `{"content": oops`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSendMessage_UnknownChatIs404(t *testing.T) {
	f := newStreamFixture(t)

	w := f.sendMessage(t, "no-such-chat", `{"content":"hello"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleSendMessage_SecondSendIsConflict(t *testing.T) {
	f := newStreamFixture(t)

	w := f.sendMessage(t, f.chatID, `{"content":"first"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = f.sendMessage(t, f.chatID, `{"content":"second"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	// The rejected prompt must not be persisted, or it would ride into the
	// next generation's history.
	history, err := f.store.History(context.Background(), f.chatID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "first", history[0].Content)
}

// =============================================================================
// Status and Stop
// =============================================================================

func TestHandleStreamStatus_ReportsAccumulation(t *testing.T) {
	f := newStreamFixture(t)

	require.Equal(t, http.StatusAccepted,
		f.sendMessage(t, f.chatID, `{"content":"go"}`).Code)

	pw := f.client.writer(t, 0)
	_, err := io.WriteString(pw, wireDelta("growing"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/v1/chats/"+f.chatID+"/stream/status", nil)
		f.router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			return false
		}
		var snap datatypes.StreamStatusResponse
		if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
			return false
		}
		return snap.Active && snap.AccumulatedContent == "growing"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleStreamStatus_NoStreamIs404(t *testing.T) {
	f := newStreamFixture(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/chats/"+f.chatID+"/stream/status", nil)
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleStreamStop_StopsOnceThen404(t *testing.T) {
	f := newStreamFixture(t)

	require.Equal(t, http.StatusAccepted,
		f.sendMessage(t, f.chatID, `{"content":"go"}`).Code)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("DELETE", "/v1/chats/"+f.chatID+"/stream", nil)
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("DELETE", "/v1/chats/"+f.chatID+"/stream", nil)
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// SSE Attach
// =============================================================================

func TestHandleStreamAttach_NoStreamIs404(t *testing.T) {
	f := newStreamFixture(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/chats/"+f.chatID+"/stream", nil)
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleStreamAttach_DeliversRecordsUntilDone(t *testing.T) {
	f := newStreamFixture(t)
	server := httptest.NewServer(f.router)
	defer server.Close()

	require.Equal(t, http.StatusAccepted,
		f.sendMessage(t, f.chatID, `{"content":"tell me a story"}`).Code)

	resp, err := http.Get(server.URL + "/v1/chats/" + f.chatID + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	pw := f.client.writer(t, 0)
	_, err = io.WriteString(pw, wireDelta("Hel")+wireDelta("lo")+"data: [DONE]\n")
	require.NoError(t, err)
	_ = pw.Close()

	var events []datatypes.StreamEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev datatypes.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(line[len("data: "):]), &ev))
		events = append(events, ev)
		if ev.Type == datatypes.StreamEventDone || ev.Type == datatypes.StreamEventError {
			break
		}
	}

	require.Len(t, events, 3)
	assert.Equal(t, "Hel", events[0].Content)
	assert.Equal(t, "lo", events[1].Content)
	assert.Equal(t, datatypes.StreamEventDone, events[2].Type)

	// Hash chain links each record to its predecessor.
	assert.Empty(t, events[0].PrevHash)
	assert.Equal(t, events[0].Hash, events[1].PrevHash)
	assert.Equal(t, events[1].Hash, events[2].PrevHash)

	// The assistant turn was persisted on completion.
	require.Eventually(t, func() bool {
		history, err := f.store.History(context.Background(), f.chatID)
		return err == nil && len(history) == 2 && history[1].Content == "Hello"
	}, 2*time.Second, 10*time.Millisecond)
}
