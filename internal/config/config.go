// Casaflow - Real-Estate Marketplace Client Sync Engine
// Copyright 2026 Casaflow contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casaflow/casaflow

// Package config loads and validates Casaflow engine configuration.
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (CASAFLOW_* style names, see envTransformFunc)
//   - Config file (casaflow.yaml)
//   - Built-in defaults
package config

import "time"

// Config is the root configuration for the sync engine.
type Config struct {
	API      APIConfig      `koanf:"api"`
	Auth     AuthConfig     `koanf:"auth"`
	Realtime RealtimeConfig `koanf:"realtime"`
	Polling  PollingConfig  `koanf:"polling"`
	Cache    CacheConfig    `koanf:"cache"`
	Breaker  BreakerConfig  `koanf:"breaker"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// APIConfig configures the marketplace HTTP boundary.
type APIConfig struct {
	// BaseURL is the marketplace API root (e.g. "https://api.casa.example").
	BaseURL string `koanf:"base_url"`

	// Timeout bounds every individual HTTP call.
	Timeout time.Duration `koanf:"timeout"`

	// RetryMaxAttempts is the total attempt count for transient failures
	// (first try included).
	RetryMaxAttempts int `koanf:"retry_max_attempts"`

	// RetryBaseDelay is the first backoff delay; subsequent delays double.
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`
}

// AuthConfig configures credential refresh behavior.
type AuthConfig struct {
	// RefreshPath is the token refresh endpoint, relative to api.base_url.
	RefreshPath string `koanf:"refresh_path"`

	// MinRefreshInterval throttles consecutive refreshes after a success,
	// preventing refresh loops on a persistently rejected credential.
	MinRefreshInterval time.Duration `koanf:"min_refresh_interval"`

	// ExpiryLeeway triggers a proactive refresh when the access token's
	// exp claim is within this window.
	ExpiryLeeway time.Duration `koanf:"expiry_leeway"`
}

// RealtimeConfig configures the persistent websocket connection.
type RealtimeConfig struct {
	// URL is the websocket endpoint (ws:// or wss://). When empty, it is
	// derived from api.base_url with an http->ws scheme swap and "/ws" path.
	URL string `koanf:"url"`

	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`

	// PingInterval is the keepalive ping period.
	PingInterval time.Duration `koanf:"ping_interval"`

	// PongTimeout is the read deadline; a missed pong closes the connection.
	PongTimeout time.Duration `koanf:"pong_timeout"`

	// ReconnectBaseDelay is the base reconnect delay. The actual delay is
	// base * min(attempt, reconnect_delay_multiplier_cap).
	ReconnectBaseDelay time.Duration `koanf:"reconnect_base_delay"`

	// ReconnectDelayMultiplierCap caps the backoff multiplier.
	ReconnectDelayMultiplierCap int `koanf:"reconnect_delay_multiplier_cap"`

	// ReconnectMaxAttempts is the hard ceiling; past it the manager stays
	// disconnected until an explicit Connect or Reconnect.
	ReconnectMaxAttempts int `koanf:"reconnect_max_attempts"`

	// ConnectMinInterval is the thundering-herd guard between connection
	// attempts triggered by independent callers.
	ConnectMinInterval time.Duration `koanf:"connect_min_interval"`
}

// PollingConfig configures the notification polling fallback.
type PollingConfig struct {
	// Interval is the repeating poll period.
	Interval time.Duration `koanf:"interval"`

	// MinInterval throttles unforced polls triggered by multiple consumers.
	MinInterval time.Duration `koanf:"min_interval"`

	// PageSize is the notification feed page size.
	PageSize int `koanf:"page_size"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	// TTL is the default entry lifetime.
	TTL time.Duration `koanf:"ttl"`

	// CleanupInterval is the background sweep period for expired entries.
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

// BreakerConfig configures the circuit breaker around outbound requests.
type BreakerConfig struct {
	// MaxRequests allowed through in half-open state.
	MaxRequests uint32 `koanf:"max_requests"`

	// Interval is the cyclic reset period for counts in closed state.
	Interval time.Duration `koanf:"interval"`

	// Timeout is the open-state duration before probing half-open.
	Timeout time.Duration `koanf:"timeout"`

	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold uint32 `koanf:"failure_threshold"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// defaultConfig returns a Config struct with all sensible default values.
// These defaults are applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:          "",
			Timeout:          15 * time.Second,
			RetryMaxAttempts: 3,
			RetryBaseDelay:   500 * time.Millisecond,
		},
		Auth: AuthConfig{
			RefreshPath:        "/v1/auth/refresh",
			MinRefreshInterval: 30 * time.Second,
			ExpiryLeeway:       time.Minute,
		},
		Realtime: RealtimeConfig{
			URL:                         "",
			HandshakeTimeout:            10 * time.Second,
			PingInterval:                30 * time.Second,
			PongTimeout:                 60 * time.Second,
			ReconnectBaseDelay:          2 * time.Second,
			ReconnectDelayMultiplierCap: 3,
			ReconnectMaxAttempts:        10,
			ConnectMinInterval:          2 * time.Second,
		},
		Polling: PollingConfig{
			Interval:    30 * time.Second,
			MinInterval: 5 * time.Second,
			PageSize:    50,
		},
		Cache: CacheConfig{
			TTL:             5 * time.Minute,
			CleanupInterval: 5 * time.Minute,
		},
		Breaker: BreakerConfig{
			MaxRequests:      3,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
