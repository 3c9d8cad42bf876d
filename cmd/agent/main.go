// Casaflow - Real-Estate Marketplace Client Sync Engine
// Copyright 2026 Casaflow contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casaflow/casaflow

// Package main is the entry point for the Casaflow sync agent.
//
// Casaflow keeps a real-estate marketplace client responsive on unreliable
// networks. The agent maintains a cached, deduplicated request path to the
// marketplace API, a self-healing websocket for push notifications, and a
// polling fallback that keeps the notification feed current when push is
// degraded.
//
// # Application Architecture
//
// The agent initializes components in the following order:
//
//  1. Configuration: settings from environment variables and config files (Koanf v2)
//  2. Cache: in-memory TTL response cache with background sweeping
//  3. Request coordinator: deduplication, retries, and circuit breaking
//  4. Token coordinator: single-flight refresh of expiring credentials
//  5. API client: typed marketplace operations over the coordinated path
//  6. Realtime manager: websocket connection with reconnect backoff
//  7. Polling syncer: notification feed fallback
//  8. Supervisor tree: keeps the long-running components alive
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (CASAFLOW_API_BASE_URL, ...)
//   - Config file (casaflow.yaml, or CASAFLOW_CONFIG_PATH)
//   - Built-in defaults
//
// Credentials are taken from the environment only:
//   - CASAFLOW_ACCESS_TOKEN: current access token (optional)
//   - CASAFLOW_REFRESH_TOKEN: refresh token for the token endpoint
//   - CASAFLOW_USER_ID: identity key for the notification poller
//
// # Signal Handling
//
// The agent handles graceful shutdown on SIGINT and SIGTERM: the websocket
// closes with a normal-closure frame, pollers stop, and the cache sweeper
// shuts down.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/casaflow/casaflow/internal/api"
	"github.com/casaflow/casaflow/internal/auth"
	"github.com/casaflow/casaflow/internal/cache"
	"github.com/casaflow/casaflow/internal/config"
	"github.com/casaflow/casaflow/internal/events"
	"github.com/casaflow/casaflow/internal/logging"
	"github.com/casaflow/casaflow/internal/models"
	"github.com/casaflow/casaflow/internal/notify"
	"github.com/casaflow/casaflow/internal/realtime"
	"github.com/casaflow/casaflow/internal/request"
	"github.com/casaflow/casaflow/internal/supervisor"
)

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	// Instance ID distinguishes concurrent agents for the same account in
	// server-side logs.
	instanceID := uuid.NewString()
	logging.Info().
		Str("instance", instanceID).
		Str("api_url", cfg.API.BaseURL).
		Msg("Starting Casaflow sync agent")

	// Response cache with background sweeping
	store := cache.New(cfg.Cache.TTL, cfg.Cache.CleanupInterval)
	defer store.Stop()

	// Request coordinator: deduplication, retry, circuit breaker
	coordinator := request.NewCoordinator(store, request.Options{
		MaxAttempts:             cfg.API.RetryMaxAttempts,
		BaseDelay:               cfg.API.RetryBaseDelay,
		BreakerMaxRequests:      cfg.Breaker.MaxRequests,
		BreakerInterval:         cfg.Breaker.Interval,
		BreakerTimeout:          cfg.Breaker.Timeout,
		BreakerFailureThreshold: cfg.Breaker.FailureThreshold,
	})

	// Token coordinator: credentials come from the environment, refreshes
	// are single-flighted against the marketplace token endpoint.
	creds := auth.NewMemoryStore()
	creds.SetTokens(os.Getenv("CASAFLOW_ACCESS_TOKEN"), os.Getenv("CASAFLOW_REFRESH_TOKEN"))

	refresher := auth.NewHTTPRefresher(
		cfg.API.BaseURL+cfg.Auth.RefreshPath,
		&http.Client{Timeout: cfg.API.Timeout},
	)
	tokens := auth.NewCoordinator(creds, refresher, auth.Options{
		MinRefreshInterval: cfg.Auth.MinRefreshInterval,
		ExpiryLeeway:       cfg.Auth.ExpiryLeeway,
	})

	// Event bus connects push messages to their consumers
	bus := events.New()

	// Typed marketplace client over the coordinated request path
	client := api.NewClient(api.Options{
		BaseURL:  cfg.API.BaseURL,
		Timeout:  cfg.API.Timeout,
		CacheTTL: cfg.Cache.TTL,
	}, tokens, coordinator)

	// Push-driven cache invalidation: a listing change observed over the
	// websocket drops cached listing reads so the next fetch is fresh.
	bus.Subscribe(events.TypeNotificationCreated, func(interface{}) {
		client.InvalidateListings()
	})

	// Websocket connection manager
	manager := realtime.NewManager(realtime.Options{
		URL:                         realtimeURL(cfg),
		HandshakeTimeout:            cfg.Realtime.HandshakeTimeout,
		PingInterval:                cfg.Realtime.PingInterval,
		PongTimeout:                 cfg.Realtime.PongTimeout,
		ReconnectBaseDelay:          cfg.Realtime.ReconnectBaseDelay,
		ReconnectDelayMultiplierCap: cfg.Realtime.ReconnectDelayMultiplierCap,
		ReconnectMaxAttempts:        cfg.Realtime.ReconnectMaxAttempts,
		ConnectMinInterval:          cfg.Realtime.ConnectMinInterval,
	}, tokens, bus)

	// Polling fallback for the notification feed
	syncer := notify.NewSyncer(client, bus, notify.Options{
		Interval:    cfg.Polling.Interval,
		MinInterval: cfg.Polling.MinInterval,
		PageSize:    cfg.Polling.PageSize,
	})
	defer syncer.Close()

	syncer.SetOnAlert(func(userID string, latest models.Notification) {
		logging.Info().
			Str("user", userID).
			Str("notification", latest.ID).
			Msg("New notification while backgrounded")
	})

	userID := os.Getenv("CASAFLOW_USER_ID")
	if userID == "" {
		userID = "default"
	}

	// Supervisor tree keeps the connection and pollers alive. The slog
	// adapter bridges zerolog to sutureslog.
	slogLogger := slog.New(logging.NewSlogHandler())
	tree := supervisor.NewTree(slogLogger, supervisor.DefaultTreeConfig())
	tree.AddRealtimeService(supervisor.NewRealtimeService(manager))
	tree.AddSyncService(supervisor.NewPollingService(syncer, userID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := tree.ServeBackground(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("Shutting down")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			logging.Error().Err(err).Msg("Supervisor tree stopped")
		}
	}

	logging.Info().Msg("Casaflow sync agent stopped")
}

// realtimeURL returns the configured websocket endpoint, deriving it from
// the API base URL when unset.
func realtimeURL(cfg *config.Config) string {
	if cfg.Realtime.URL != "" {
		return cfg.Realtime.URL
	}
	u := cfg.API.BaseURL
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}
