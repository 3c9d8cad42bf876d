// Casaflow - Real-Estate Marketplace Client Sync Engine
// Copyright 2026 Casaflow contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casaflow/casaflow

package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that required configuration is present and valid.
func (c *Config) Validate() error {
	if err := c.validateAPI(); err != nil {
		return err
	}

	if err := c.validateAuth(); err != nil {
		return err
	}

	if err := c.validateRealtime(); err != nil {
		return err
	}

	if err := c.validatePolling(); err != nil {
		return err
	}

	return c.validateLogging()
}

// validateAPI validates the HTTP boundary configuration.
func (c *Config) validateAPI() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}

	parsed, err := url.Parse(c.API.BaseURL)
	if err != nil {
		return fmt.Errorf("api.base_url is not a valid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("api.base_url must use http or https, got %q", parsed.Scheme)
	}

	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive")
	}
	if c.API.RetryMaxAttempts < 1 {
		return fmt.Errorf("api.retry_max_attempts must be at least 1")
	}
	if c.API.RetryBaseDelay <= 0 {
		return fmt.Errorf("api.retry_base_delay must be positive")
	}

	return nil
}

// validateAuth validates credential refresh configuration.
func (c *Config) validateAuth() error {
	if c.Auth.RefreshPath == "" {
		return fmt.Errorf("auth.refresh_path is required")
	}
	if !strings.HasPrefix(c.Auth.RefreshPath, "/") {
		return fmt.Errorf("auth.refresh_path must start with /")
	}
	if c.Auth.MinRefreshInterval < 0 {
		return fmt.Errorf("auth.min_refresh_interval must not be negative")
	}
	return nil
}

// validateRealtime validates websocket configuration. The URL is optional
// (derived from api.base_url when empty) but must be ws/wss when set.
func (c *Config) validateRealtime() error {
	if c.Realtime.URL != "" {
		parsed, err := url.Parse(c.Realtime.URL)
		if err != nil {
			return fmt.Errorf("realtime.url is not a valid URL: %w", err)
		}
		if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
			return fmt.Errorf("realtime.url must use ws or wss, got %q", parsed.Scheme)
		}
	}

	if c.Realtime.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("realtime.reconnect_base_delay must be positive")
	}
	if c.Realtime.ReconnectDelayMultiplierCap < 1 {
		return fmt.Errorf("realtime.reconnect_delay_multiplier_cap must be at least 1")
	}
	if c.Realtime.ReconnectMaxAttempts < 1 {
		return fmt.Errorf("realtime.reconnect_max_attempts must be at least 1")
	}

	return nil
}

// validatePolling validates the polling fallback configuration.
func (c *Config) validatePolling() error {
	if c.Polling.Interval <= 0 {
		return fmt.Errorf("polling.interval must be positive")
	}
	if c.Polling.MinInterval > c.Polling.Interval {
		return fmt.Errorf("polling.min_interval must not exceed polling.interval")
	}
	if c.Polling.PageSize < 1 {
		return fmt.Errorf("polling.page_size must be at least 1")
	}
	return nil
}

// validateLogging validates logger configuration.
func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "disabled", "":
	default:
		return fmt.Errorf("logging.level %q is not a valid level", c.Logging.Level)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "console", "":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	return nil
}
