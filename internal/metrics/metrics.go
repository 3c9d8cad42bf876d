// Casaflow - Real-Estate Marketplace Client Sync Engine
// Copyright 2026 Casaflow contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casaflow/casaflow

// Package metrics provides Prometheus instrumentation for the sync engine.
//
// The collectors cover the resilience-critical paths:
//   - Request coordination (cache efficiency, single-flight dedup, retries)
//   - Credential refresh
//   - Realtime connection lifecycle
//   - Polling fallback
//
// The agent binary exposes these on its debug listener; embedded builds can
// scrape the default registry through the host app's diagnostics channel.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "casaflow_cache_hits_total",
			Help: "Total number of response cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "casaflow_cache_misses_total",
			Help: "Total number of response cache misses",
		},
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "casaflow_cache_evictions_total",
			Help: "Total number of cache entries evicted (expired or invalidated)",
		},
	)

	// Request coordinator metrics
	RequestsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "casaflow_requests_deduplicated_total",
			Help: "Requests that joined an in-flight execution instead of issuing their own",
		},
	)

	RequestRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "casaflow_request_retries_total",
			Help: "Transient-failure retries issued by the request coordinator",
		},
	)

	RequestOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casaflow_request_outcomes_total",
			Help: "Terminal request outcomes by error kind (ok, transient, auth, terminal)",
		},
		[]string{"kind"},
	)

	// Circuit breaker metrics
	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "casaflow_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casaflow_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)

	// Token refresh metrics
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casaflow_token_refreshes_total",
			Help: "Credential refresh calls by outcome (success, failure, throttled)",
		},
		[]string{"outcome"},
	)

	// Realtime connection metrics
	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "casaflow_connection_state",
			Help: "Realtime connection state (0=disconnected, 1=connecting, 2=connected)",
		},
	)

	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "casaflow_reconnects_total",
			Help: "Reconnect attempts scheduled after connection loss",
		},
	)

	MessagesQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "casaflow_outbound_queue_depth",
			Help: "Messages waiting for the connection to come up",
		},
	)

	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "casaflow_messages_sent_total",
			Help: "Outbound realtime messages transmitted",
		},
	)

	MessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "casaflow_messages_dropped_total",
			Help: "Inbound frames dropped (malformed or unknown type)",
		},
	)

	// Polling metrics
	PollCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casaflow_poll_cycles_total",
			Help: "Notification poll cycles by outcome (success, failure, throttled)",
		},
		[]string{"outcome"},
	)
)
