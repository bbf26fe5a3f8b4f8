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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taleforge/taleforge/services/llm"
	"github.com/taleforge/taleforge/services/orchestrator/datatypes"
	"github.com/taleforge/taleforge/services/orchestrator/observability"
	"github.com/taleforge/taleforge/services/orchestrator/store"
)

// Sentinel errors for stream lifecycle conflicts.
var (
	// ErrStreamActive is returned when a chat session already has a live
	// stream. The existing stream is never replaced.
	ErrStreamActive = errors.New("a stream is already active for this chat session")

	// ErrNoActiveStream is returned by operations that require a live stream
	// when the chat session has none.
	ErrNoActiveStream = errors.New("no active stream for this chat session")
)

// ManagerConfig carries the manager's tunables and collaborators.
type ManagerConfig struct {
	// Client produces completion streams. Required.
	Client llm.CompletionClient

	// Writer persists assistant messages when streams end. Optional; nil
	// disables persistence.
	Writer store.MessageWriter

	// SubscriberBuffer is the per-connection channel capacity. Zero selects
	// the default.
	SubscriberBuffer int

	// MaxSessionAge is the idle-sweep eviction threshold. Zero means 30m.
	MaxSessionAge time.Duration

	// SweepInterval is how often the background sweep runs. Zero means 1m.
	SweepInterval time.Duration
}

// managedSession pairs a session with the cancel func for its producer.
type managedSession struct {
	session *Session
	cancel  context.CancelFunc
}

// Manager owns the registry of live stream sessions.
//
// # Description
//
// Enforces the one-active-stream-per-chat invariant, runs one producer
// goroutine per stream, relays stop requests to producers through context
// cancellation, and periodically sweeps idle sessions. The registry mutex is
// always taken before any session mutex, never after.
//
// # Thread Safety
//
// Safe for concurrent use from request handlers and the sweeper.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*managedSession // keyed by chat session id

	client llm.CompletionClient
	writer store.MessageWriter

	subscriberBuffer int
	maxSessionAge    time.Duration
	sweepInterval    time.Duration

	sweepDone chan struct{}
	sweepWG   sync.WaitGroup
}

// NewManager creates a stream manager. The sweeper is not started; call
// StartSweeper once collaborators are wired.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("stream.manager: completion client is required")
	}
	maxAge := cfg.MaxSessionAge
	if maxAge == 0 {
		maxAge = 30 * time.Minute
	}
	interval := cfg.SweepInterval
	if interval == 0 {
		interval = 1 * time.Minute
	}
	return &Manager{
		sessions:         make(map[string]*managedSession),
		client:           cfg.Client,
		writer:           cfg.Writer,
		subscriberBuffer: cfg.SubscriberBuffer,
		maxSessionAge:    maxAge,
		sweepInterval:    interval,
	}, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// StartStream begins a generation stream for a chat session.
//
// # Description
//
// Registers a new session and launches its producer goroutine. The producer
// runs on a context derived from context.Background, not the caller's request
// context, so generation survives the initiating HTTP request returning.
//
// # Inputs
//
//   - chatSessionID: Owning conversation. Must not already have a live stream.
//   - model: Target model identifier.
//   - messages: Full outbound message list (history plus the new prompt).
//   - params: Generation tunables forwarded to the transport.
//
// # Outputs
//
//   - *Session: The registered live session.
//   - error: ErrStreamActive on conflict.
func (m *Manager) StartStream(chatSessionID, model string,
	messages []datatypes.Message, params llm.GenerationParams) (*Session, error) {

	m.mu.Lock()
	if existing, ok := m.sessions[chatSessionID]; ok && existing.session.Active() {
		m.mu.Unlock()
		return nil, ErrStreamActive
	}

	session := NewSession(uuid.New().String(), chatSessionID, m.subscriberBuffer)
	ctx, cancel := context.WithCancel(context.Background())
	m.sessions[chatSessionID] = &managedSession{session: session, cancel: cancel}
	m.mu.Unlock()

	observability.StreamsStarted.Inc()
	observability.ActiveStreams.Inc()
	slog.Info("stream.manager: stream started",
		"streamId", session.StreamID(), "chatSessionId", chatSessionID, "model", model)

	go m.produce(ctx, session, model, messages, params)
	return session, nil
}

// produce drives one remote completion stream into its session.
//
// Runs until the remote stream ends, the context is canceled, or the
// audience abandons the stream. Always stops the session, persists the
// accumulated content, and deregisters on exit; a failure here never
// affects other sessions.
func (m *Manager) produce(ctx context.Context, session *Session, model string,
	messages []datatypes.Message, params llm.GenerationParams) {

	start := time.Now()
	reason := StopReasonCompleted
	errMessage := ""

	defer func() {
		if session.Stop(reason, errMessage) {
			if reason != StopReasonCompleted {
				observability.StreamErrors.WithLabelValues(reason).Inc()
			}
		}
		observability.ActiveStreams.Dec()
		observability.StreamDuration.Observe(time.Since(start).Seconds())
		m.persist(session, reason)
		m.deregister(session)
		slog.Info("stream.manager: stream finished",
			"streamId", session.StreamID(),
			"chatSessionId", session.ChatSessionID(),
			"reason", reason,
			"duration", time.Since(start))
	}()

	cs, err := m.client.StreamChat(ctx, model, messages, params)
	if err != nil {
		if ctx.Err() != nil {
			reason, errMessage = m.cancellationReason(session)
			return
		}
		reason = "error: transport"
		errMessage = sanitizeError(err)
		return
	}
	defer cs.Close()

	for cs.Next() {
		select {
		case <-ctx.Done():
			reason, errMessage = m.cancellationReason(session)
			return
		default:
		}

		if session.Abandoned() {
			reason = StopReasonNoConnections
			return
		}

		ev := cs.Event()
		switch ev.Type {
		case llm.EventContentDelta:
			session.AddContent(ev.Delta)
			observability.StreamDeltas.Inc()
		case llm.EventError:
			reason = "error: upstream"
			errMessage = ev.ErrMessage
			return
		case llm.EventDone:
			return
		}
	}

	if err := cs.Err(); err != nil {
		if ctx.Err() != nil {
			reason, errMessage = m.cancellationReason(session)
			return
		}
		reason = "error: stream"
		errMessage = sanitizeError(err)
	}
}

// cancellationReason distinguishes a deliberate stop from abandonment when
// the producer context is canceled.
func (m *Manager) cancellationReason(session *Session) (string, string) {
	// StopStream stamps its reason on the session before canceling; that
	// must win. Stopping also drains the subscriber set, so Abandoned() is
	// meaningful only while the session is still live.
	snap := session.Snapshot()
	if !snap.Active && snap.StopReason != "" {
		return snap.StopReason, snap.Error
	}
	if session.Abandoned() {
		return StopReasonNoConnections, ""
	}
	return "cancelled: producer context canceled", ""
}

// persist writes the accumulated assistant content once the stream ends.
// Anything other than a clean completion is stored as interrupted.
func (m *Manager) persist(session *Session, reason string) {
	if m.writer == nil {
		return
	}
	snap := session.Snapshot()
	if snap.AccumulatedContent == "" {
		return
	}
	interrupted := reason != StopReasonCompleted

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := m.writer.WriteMessage(ctx, session.ChatSessionID(),
		datatypes.RoleAssistant, snap.AccumulatedContent, interrupted)
	if err != nil {
		slog.Error("stream.manager: failed to persist assistant message",
			"streamId", session.StreamID(),
			"chatSessionId", session.ChatSessionID(),
			"error", err)
	}
}

// deregister removes a finished session from the registry, but only if the
// registry still points at this exact stream. A newer stream for the same
// chat session is left alone.
func (m *Manager) deregister(session *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ms, ok := m.sessions[session.ChatSessionID()]; ok &&
		ms.session.StreamID() == session.StreamID() {
		delete(m.sessions, session.ChatSessionID())
	}
}

// StopStream requests cooperative cancellation of a chat session's stream.
//
// # Outputs
//
//   - bool: True if a registered stream was found; false when there was
//     nothing to stop. A second stop for the same stream returns false
//     because the first removed it from the registry. A found session that
//     already reached its terminal state still reports true.
func (m *Manager) StopStream(chatSessionID, reason string) bool {
	m.mu.Lock()
	ms, ok := m.sessions[chatSessionID]
	if ok {
		delete(m.sessions, chatSessionID)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	ms.session.Stop("cancelled: "+reason, "")
	ms.cancel()
	return true
}

// =============================================================================
// Lookup and Connections
// =============================================================================

// GetActiveStream returns the live session for a chat session, if any.
func (m *Manager) GetActiveStream(chatSessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[chatSessionID]
	if !ok {
		return nil, false
	}
	return ms.session, true
}

// AddConnection attaches a connection to a chat session's live stream.
//
// # Outputs
//
//   - <-chan datatypes.StreamEvent: Record channel; closed at stream end.
//   - *Session: The session, for Snapshot after the channel closes.
//   - error: ErrNoActiveStream when the chat session has no live stream.
func (m *Manager) AddConnection(chatSessionID, connID string) (<-chan datatypes.StreamEvent, *Session, error) {
	m.mu.Lock()
	ms, ok := m.sessions[chatSessionID]
	m.mu.Unlock()

	if !ok {
		return nil, nil, ErrNoActiveStream
	}
	return ms.session.AddConnection(connID), ms.session, nil
}

// RemoveConnection detaches a connection. Tolerates both unknown chat
// sessions and unknown connection ids. When the last connection detaches
// from a stream that once had one, the producer is canceled.
func (m *Manager) RemoveConnection(chatSessionID, connID string) {
	m.mu.Lock()
	ms, ok := m.sessions[chatSessionID]
	m.mu.Unlock()

	if !ok {
		return
	}
	if !ms.session.RemoveConnection(connID) {
		return
	}

	if ms.session.Abandoned() {
		slog.Info("stream.manager: last connection detached, abandoning stream",
			"streamId", ms.session.StreamID(), "chatSessionId", chatSessionID)
		ms.cancel()
	}
}

// Snapshot returns the point-in-time status of a chat session's stream.
func (m *Manager) Snapshot(chatSessionID string) (datatypes.StreamStatusResponse, error) {
	m.mu.Lock()
	ms, ok := m.sessions[chatSessionID]
	m.mu.Unlock()

	if !ok {
		return datatypes.StreamStatusResponse{}, ErrNoActiveStream
	}
	return ms.session.Snapshot(), nil
}

// ActiveCount returns the number of registered sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// =============================================================================
// Idle Sweep
// =============================================================================

// SweepIdle evicts sessions older than maxAge that have no attached
// connections. Sessions with an attached connection are never evicted
// regardless of age.
//
// # Outputs
//
//   - int: Number of sessions evicted.
func (m *Manager) SweepIdle(maxAge time.Duration) int {
	m.mu.Lock()
	var victims []*managedSession
	for chatID, ms := range m.sessions {
		if ms.session.HasConnections() {
			continue
		}
		if ms.session.Age() > maxAge {
			victims = append(victims, ms)
			delete(m.sessions, chatID)
		}
	}
	m.mu.Unlock()

	for _, ms := range victims {
		ms.session.Stop(StopReasonTimeout, "")
		ms.cancel()
		observability.StreamsSwept.Inc()
		slog.Info("stream.manager: swept idle stream",
			"streamId", ms.session.StreamID(),
			"chatSessionId", ms.session.ChatSessionID(),
			"age", ms.session.Age())
	}
	return len(victims)
}

// StartSweeper launches the background idle sweep on the configured
// interval. Idempotent start is not supported; call once.
func (m *Manager) StartSweeper() {
	m.sweepDone = make(chan struct{})
	m.sweepWG.Add(1)

	go func() {
		defer m.sweepWG.Done()
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()

		slog.Info("stream.manager: sweeper started",
			"interval", m.sweepInterval, "maxAge", m.maxSessionAge)
		for {
			select {
			case <-ticker.C:
				if n := m.SweepIdle(m.maxSessionAge); n > 0 {
					slog.Info("stream.manager: sweep complete", "evicted", n)
				}
			case <-m.sweepDone:
				slog.Info("stream.manager: sweeper stopped")
				return
			}
		}
	}()
}

// StopSweeper stops the background sweep and waits for it to exit.
func (m *Manager) StopSweeper() {
	if m.sweepDone == nil {
		return
	}
	close(m.sweepDone)
	m.sweepWG.Wait()
	m.sweepDone = nil
}

// sanitizeError reduces a transport error to a client-safe message. Status
// codes survive; bodies and URLs (which may embed keys) do not.
func sanitizeError(err error) string {
	var terr *llm.TransportError
	if errors.As(err, &terr) {
		return fmt.Sprintf("upstream returned status %d", terr.StatusCode)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "generation canceled"
	}
	return "upstream request failed"
}
