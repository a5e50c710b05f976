/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mixdeck"

// Decode cache metrics.
var (
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "decode_cache",
		Name:      "lookups_total",
		Help:      "Decode cache lookups by result (hit, miss, shared).",
	}, []string{"result"})

	CacheDecodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "decode_cache",
		Name:      "failures_total",
		Help:      "Failed loads by stage (fetch, decode).",
	}, []string{"op"})

	CacheDecodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "decode_cache",
		Name:      "decode_seconds",
		Help:      "Time spent fetching and decoding one source.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"format"})

	CacheBuffers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "decode_cache",
		Name:      "buffers",
		Help:      "Decoded buffers currently held.",
	})

	CacheBufferedSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "decode_cache",
		Name:      "buffered_seconds",
		Help:      "Total audio seconds held in decoded buffers.",
	})
)

// Engine metrics.
var (
	EnginePlaying = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "playing",
		Help:      "1 while the transport is playing.",
	})

	EngineLiveNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "live_nodes",
		Help:      "Playback nodes scheduled or sounding.",
	})

	EngineTransportOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "transport_operations_total",
		Help:      "Transport operations by name.",
	}, []string{"op"})

	EngineScheduleSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "schedule_skips_total",
		Help:      "Audible tracks not scheduled, by reason (no_buffer, elapsed).",
	}, []string{"reason"})

	EngineTimeListeners = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "time_listeners",
		Help:      "Registered time-update listeners.",
	})

	EngineEventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "events_dropped_total",
		Help:      "Engine events dropped because the publish queue was full.",
	}, []string{"event_type"})
)

// Output metrics.
var (
	OutputUnderruns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "output",
		Name:      "late_frames_total",
		Help:      "Render ticks that fell behind the wall clock.",
	})

	WebRTCPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "webrtc",
		Name:      "peers",
		Help:      "Connected WebRTC listeners.",
	})

	WebRTCPacketsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webrtc",
		Name:      "packets_sent_total",
		Help:      "Opus RTP packets written to the shared track.",
	})

	WebRTCEncodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webrtc",
		Name:      "encode_errors_total",
		Help:      "Opus frames that failed to encode.",
	})
)

// Event bus metrics.
var (
	EventBusRemoteDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "eventbus",
		Name:      "remote_dropped_total",
		Help:      "Events not mirrored to the broker because the outbound queue was full.",
	}, []string{"backend"})
)

// API metrics.
var (
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route and status.",
	}, []string{"method", "endpoint", "status"})

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by method, route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "active_connections",
		Help:      "In-flight HTTP requests.",
	})

	APIWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "websocket_connections",
		Help:      "Open time-update websockets.",
	})
)

// Database metrics.
var (
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "db",
		Name:      "query_duration_seconds",
		Help:      "Project store query latency by operation and table.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"operation", "table"})

	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "db",
		Name:      "errors_total",
		Help:      "Failed project store operations.",
	}, []string{"operation", "error_type"})

	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db",
		Name:      "connections_active",
		Help:      "Open database connections.",
	})
)

// Handler exposes metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
