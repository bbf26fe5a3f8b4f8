// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the orchestrator.
//
// # Description
//
// Covers the streaming lifecycle: streams started/swept, active streams and
// attached connections, delta throughput, terminal errors by reason, and
// stream duration. All metrics are registered on the default registry at
// package load and exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace   = "taleforge"
	streamingSubsystem = "streaming"
)

var (
	// StreamsStarted counts generation streams started.
	StreamsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: streamingSubsystem,
		Name:      "streams_started_total",
		Help:      "Total number of generation streams started",
	})

	// ActiveStreams tracks streams that have not reached a terminal state.
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: streamingSubsystem,
		Name:      "active_streams",
		Help:      "Number of currently active generation streams",
	})

	// StreamConnections tracks client connections attached to live streams.
	StreamConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: streamingSubsystem,
		Name:      "attached_connections",
		Help:      "Number of client connections attached to live streams",
	})

	// StreamDeltas counts content deltas accumulated across all streams.
	StreamDeltas = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: streamingSubsystem,
		Name:      "deltas_total",
		Help:      "Total content deltas accumulated across all streams",
	})

	// StreamErrors counts streams that ended in a non-completed state.
	// Labels: reason (error: transport, error: upstream, timeout, ...).
	StreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: streamingSubsystem,
		Name:      "errors_total",
		Help:      "Total streams that ended in a non-completed state, by reason",
	}, []string{"reason"})

	// StreamDuration measures wall-clock stream lifetime in seconds.
	StreamDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: streamingSubsystem,
		Name:      "stream_duration_seconds",
		Help:      "Total stream duration in seconds",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
	})

	// StreamsSwept counts idle sessions evicted by the background sweep.
	StreamsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: streamingSubsystem,
		Name:      "streams_swept_total",
		Help:      "Total idle stream sessions evicted by the background sweep",
	})

	// KeepAlives counts heartbeat comments sent to attached SSE connections.
	KeepAlives = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: streamingSubsystem,
		Name:      "keepalives_total",
		Help:      "Total keepalive pings sent to attached connections",
	})

	// ClientDisconnects counts connections that detached before stream end.
	ClientDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: streamingSubsystem,
		Name:      "client_disconnects_total",
		Help:      "Total client disconnections before stream end",
	})
)
