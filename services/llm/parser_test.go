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
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader delivers its payload in fixed-size fragments to exercise
// lines split across reads.
type chunkReader struct {
	data []byte
	size int
	pos  int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	end := r.pos + r.size
	if end > len(r.data) {
		end = len(r.data)
	}
	n := copy(p, r.data[r.pos:end])
	r.pos += n
	return n, nil
}

// failingReader yields some bytes and then a transport error.
type failingReader struct {
	data []byte
	err  error
	sent bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, r.data), nil
	}
	return 0, r.err
}

func deltaLine(content string) string {
	return fmt.Sprintf(`data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":%q}}]}`+"\n", content)
}

func collectEvents(t *testing.T, r io.Reader) []Event {
	t.Helper()
	sc := NewEventScanner(r)
	var events []Event
	for sc.Next() {
		events = append(events, sc.Event())
	}
	require.NoError(t, sc.Err())
	return events
}

// =============================================================================
// Framing and Ordering
// =============================================================================

func TestEventScanner_ParsesDeltasInOrder(t *testing.T) {
	wire := deltaLine("Hel") + deltaLine("lo, ") + deltaLine("world") + "data: [DONE]\n"

	events := collectEvents(t, strings.NewReader(wire))

	require.Len(t, events, 4)
	assert.Equal(t, EventContentDelta, events[0].Type)
	assert.Equal(t, "Hel", events[0].Delta)
	assert.Equal(t, "lo, ", events[1].Delta)
	assert.Equal(t, "world", events[2].Delta)
	assert.Equal(t, EventDone, events[3].Type)
}

func TestEventScanner_ChunkSizeInvariance(t *testing.T) {
	wire := deltaLine("alpha") + ": ping\n" + deltaLine("beta") + deltaLine("gamma") + "data: [DONE]\n"

	want := collectEvents(t, strings.NewReader(wire))
	require.Len(t, want, 4)

	for _, size := range []int{1, 2, 3, 7, 16, 1024} {
		got := collectEvents(t, &chunkReader{data: []byte(wire), size: size})
		assert.Equal(t, want, got, "chunk size %d must yield the same event sequence", size)
	}
}

func TestEventScanner_SentinelWithoutSpace(t *testing.T) {
	wire := deltaLine("x") + "data:[DONE]\n"

	events := collectEvents(t, strings.NewReader(wire))

	require.Len(t, events, 2)
	assert.Equal(t, EventDone, events[1].Type)
}

func TestEventScanner_StopsAtSentinel(t *testing.T) {
	wire := "data: [DONE]\n" + deltaLine("after the end")

	sc := NewEventScanner(strings.NewReader(wire))
	require.True(t, sc.Next())
	assert.Equal(t, EventDone, sc.Event().Type)
	assert.False(t, sc.Next())
	assert.NoError(t, sc.Err())
}

func TestEventScanner_DiscardsCommentsAndBlankLines(t *testing.T) {
	wire := ": keepalive\n\n" + deltaLine("hi") + ": another ping\n" + "data: [DONE]\n"

	events := collectEvents(t, strings.NewReader(wire))

	require.Len(t, events, 2)
	assert.Equal(t, "hi", events[0].Delta)
	assert.Equal(t, EventDone, events[1].Type)
}

func TestEventScanner_IgnoresNonDataLines(t *testing.T) {
	wire := "event: message\n" + "id: 42\n" + deltaLine("payload") + "data: [DONE]\n"

	events := collectEvents(t, strings.NewReader(wire))

	require.Len(t, events, 2)
	assert.Equal(t, "payload", events[0].Delta)
}

// =============================================================================
// Malformed Input
// =============================================================================

func TestEventScanner_SkipsMalformedJSON(t *testing.T) {
	wire := deltaLine("good") + "data: {not json at all\n" + deltaLine("still good") + "data: [DONE]\n"

	events := collectEvents(t, strings.NewReader(wire))

	require.Len(t, events, 3)
	assert.Equal(t, "good", events[0].Delta)
	assert.Equal(t, "still good", events[1].Delta)
	assert.Equal(t, EventDone, events[2].Type)
}

func TestEventScanner_EmptyDeltaIsUnknown(t *testing.T) {
	wire := `data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}` + "\n" +
		"data: [DONE]\n"

	events := collectEvents(t, strings.NewReader(wire))

	require.Len(t, events, 2)
	assert.Equal(t, EventUnknown, events[0].Type)
	assert.Equal(t, "stop", events[0].FinishReason)
}

func TestEventScanner_PartialLineAtEOFNotEmitted(t *testing.T) {
	wire := deltaLine("complete") + `data: {"id":"c1","obj`

	events := collectEvents(t, strings.NewReader(wire))

	require.Len(t, events, 1)
	assert.Equal(t, "complete", events[0].Delta)
}

// =============================================================================
// Errors
// =============================================================================

func TestEventScanner_InStreamErrorEnvelope(t *testing.T) {
	wire := deltaLine("partial") +
		`data: {"error":{"message":"rate limit exceeded","type":"rate_limit"}}` + "\n"

	events := collectEvents(t, strings.NewReader(wire))

	require.Len(t, events, 2)
	assert.Equal(t, EventError, events[1].Type)
	assert.Equal(t, "rate limit exceeded", events[1].ErrMessage)
}

func TestEventScanner_TransportErrorSurfacesViaErr(t *testing.T) {
	bang := errors.New("connection reset")
	sc := NewEventScanner(&failingReader{data: []byte(deltaLine("ok")), err: bang})

	require.True(t, sc.Next())
	assert.Equal(t, "ok", sc.Event().Delta)
	assert.False(t, sc.Next())
	assert.ErrorIs(t, sc.Err(), bang)
}

func TestEventScanner_NextAfterDoneStaysFalse(t *testing.T) {
	sc := NewEventScanner(strings.NewReader("data: [DONE]\n"))

	require.True(t, sc.Next())
	assert.False(t, sc.Next())
	assert.False(t, sc.Next())
}
