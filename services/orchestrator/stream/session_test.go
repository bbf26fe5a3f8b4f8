// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stream

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taleforge/taleforge/services/orchestrator/datatypes"
	"github.com/taleforge/taleforge/services/orchestrator/observability"
)

func drain(ch <-chan datatypes.StreamEvent) []datatypes.StreamEvent {
	var out []datatypes.StreamEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

// =============================================================================
// Accumulation
// =============================================================================

func TestSession_AccumulatesDeltasInOrder(t *testing.T) {
	s := NewSession("stream-1", "chat-1", 0)

	s.AddContent("Hel")
	s.AddContent("lo, ")
	s.AddContent("world")

	snap := s.Snapshot()
	assert.Equal(t, "Hello, world", snap.AccumulatedContent)
	assert.True(t, snap.Active)
	assert.Equal(t, "stream-1", snap.StreamID)
	assert.Equal(t, "chat-1", snap.ChatSessionID)
}

func TestSession_SnapshotIsConsistentUnderConcurrentWrites(t *testing.T) {
	s := NewSession("stream-1", "chat-1", 0)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			s.AddContent("ab")
		}
	}()

	// Every observed snapshot must be a prefix of the final content, which
	// for a fixed repeating delta means even length.
	for i := 0; i < 200; i++ {
		snap := s.Snapshot()
		assert.Equal(t, 0, len(snap.AccumulatedContent)%2, "torn read observed")
	}
	wg.Wait()

	assert.Equal(t, 1000, len(s.Snapshot().AccumulatedContent))
}

func TestSession_AddContentAfterStopIsNoOp(t *testing.T) {
	s := NewSession("stream-1", "chat-1", 0)
	s.AddContent("kept")
	require.True(t, s.Stop(StopReasonCompleted, ""))

	s.AddContent(" dropped")

	assert.Equal(t, "kept", s.Snapshot().AccumulatedContent)
}

// =============================================================================
// Stop Semantics
// =============================================================================

func TestSession_StopIsIdempotent(t *testing.T) {
	s := NewSession("stream-1", "chat-1", 0)

	assert.True(t, s.Stop(StopReasonCompleted, ""))
	assert.False(t, s.Stop("error: too late", "nope"))

	snap := s.Snapshot()
	assert.False(t, snap.Active)
	assert.Equal(t, StopReasonCompleted, snap.StopReason)
	assert.Empty(t, snap.Error)
}

func TestSession_StopFansOutDoneRecord(t *testing.T) {
	s := NewSession("stream-1", "chat-1", 0)
	ch := s.AddConnection("conn-1")

	s.AddContent("hi")
	s.Stop(StopReasonCompleted, "")

	events := drain(ch)
	require.Len(t, events, 2)
	assert.Equal(t, datatypes.StreamEventContent, events[0].Type)
	assert.Equal(t, "hi", events[0].Content)
	assert.Equal(t, datatypes.StreamEventDone, events[1].Type)
	assert.Equal(t, "chat-1", events[1].SessionId)
}

func TestSession_StopFansOutErrorRecord(t *testing.T) {
	s := NewSession("stream-1", "chat-1", 0)
	ch := s.AddConnection("conn-1")

	s.Stop("error: upstream", "upstream returned status 500")

	events := drain(ch)
	require.Len(t, events, 1)
	assert.Equal(t, datatypes.StreamEventError, events[0].Type)
	assert.Equal(t, "upstream returned status 500", events[0].Error)
}

func TestSession_ErrorRecordFallsBackToReason(t *testing.T) {
	s := NewSession("stream-1", "chat-1", 0)
	ch := s.AddConnection("conn-1")

	s.Stop(StopReasonTimeout, "")

	events := drain(ch)
	require.Len(t, events, 1)
	assert.Equal(t, StopReasonTimeout, events[0].Error)
}

// =============================================================================
// Connections
// =============================================================================

func TestSession_FansOutToAllConnections(t *testing.T) {
	s := NewSession("stream-1", "chat-1", 0)
	a := s.AddConnection("conn-a")
	b := s.AddConnection("conn-b")

	s.AddContent("x")
	s.Stop(StopReasonCompleted, "")

	for _, ch := range []<-chan datatypes.StreamEvent{a, b} {
		events := drain(ch)
		require.Len(t, events, 2)
		assert.Equal(t, "x", events[0].Content)
		assert.Equal(t, datatypes.StreamEventDone, events[1].Type)
	}
}

func TestSession_AttachAfterStopGetsClosedChannel(t *testing.T) {
	s := NewSession("stream-1", "chat-1", 0)
	s.Stop(StopReasonCompleted, "")

	ch := s.AddConnection("late")
	_, open := <-ch
	assert.False(t, open)
	assert.False(t, s.Abandoned(), "a post-stop attach must not count as ever connected")
}

func TestSession_RemoveConnectionTolerant(t *testing.T) {
	s := NewSession("stream-1", "chat-1", 0)
	assert.False(t, s.RemoveConnection("never-attached"))

	s.AddConnection("conn-1")
	assert.True(t, s.RemoveConnection("conn-1"))
	assert.False(t, s.RemoveConnection("conn-1"))
}

func TestSession_AbandonedOnlyAfterFirstAttach(t *testing.T) {
	s := NewSession("stream-1", "chat-1", 0)
	assert.False(t, s.Abandoned(), "never-connected session is not abandoned")

	s.AddConnection("conn-1")
	assert.False(t, s.Abandoned())

	s.RemoveConnection("conn-1")
	assert.True(t, s.Abandoned())

	s.AddConnection("conn-2")
	assert.False(t, s.Abandoned())
}

func TestSession_ConnectionGaugeTracksSubscribers(t *testing.T) {
	baseline := testutil.ToFloat64(observability.StreamConnections)
	s := NewSession("stream-1", "chat-1", 0)

	s.AddConnection("conn-a")
	s.AddConnection("conn-b")
	assert.Equal(t, baseline+2, testutil.ToFloat64(observability.StreamConnections))

	// Replacing a connection id keeps the count.
	s.AddConnection("conn-a")
	assert.Equal(t, baseline+2, testutil.ToFloat64(observability.StreamConnections))

	require.True(t, s.RemoveConnection("conn-b"))
	assert.Equal(t, baseline+1, testutil.ToFloat64(observability.StreamConnections))

	// An unknown detach must not move the gauge.
	require.False(t, s.RemoveConnection("conn-b"))
	assert.Equal(t, baseline+1, testutil.ToFloat64(observability.StreamConnections))

	// Stop releases whatever is still attached.
	require.True(t, s.Stop(StopReasonCompleted, ""))
	assert.Equal(t, baseline, testutil.ToFloat64(observability.StreamConnections))

	// A post-stop attach gets a closed channel and is never counted, so the
	// caller's detach (which finds nothing) cannot drive the gauge negative.
	ch := s.AddConnection("late")
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, baseline, testutil.ToFloat64(observability.StreamConnections))

	require.False(t, s.RemoveConnection("late"))
	assert.Equal(t, baseline, testutil.ToFloat64(observability.StreamConnections))
}

func TestSession_SlowSubscriberDropsRecordsWithoutBlocking(t *testing.T) {
	s := NewSession("stream-1", "chat-1", 1)
	ch := s.AddConnection("slow")

	// Buffer holds one record; the rest are dropped, never block the writer.
	s.AddContent("first")
	s.AddContent("second")
	s.AddContent("third")

	assert.Equal(t, "firstsecondthird", s.Snapshot().AccumulatedContent)
	assert.Len(t, ch, 1)
}
