// Casaflow - Real-Estate Marketplace Client Sync Engine
// Copyright 2026 Casaflow contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casaflow/casaflow

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order
// of priority. The first file found will be used.
var DefaultConfigPaths = []string{
	"casaflow.yaml",
	"casaflow.yml",
	"/etc/casaflow/casaflow.yaml",
	"/etc/casaflow/casaflow.yml",
}

// ConfigPathEnvVar is the environment variable that can override the config file path.
const ConfigPathEnvVar = "CASAFLOW_CONFIG_PATH"

// Load loads configuration using Koanf v2 with layered sources:
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML file (if exists)
//  3. Environment variables: override any setting
//
// Precedence: ENV > file > defaults.
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults from struct
	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: config file (optional)
	configPath := findConfigFile()
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: environment variables (highest priority)
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
// Returns the path to the first file found, or empty string if none found.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// envTransformFunc transforms environment variable names to koanf config paths.
//
// Examples:
//   - CASAFLOW_API_BASE_URL -> api.base_url
//   - CASAFLOW_REALTIME_URL -> realtime.url
//   - CASAFLOW_LOG_LEVEL -> logging.level
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// API mappings
		"casaflow_api_base_url":       "api.base_url",
		"casaflow_api_timeout":        "api.timeout",
		"casaflow_api_retry_attempts": "api.retry_max_attempts",
		"casaflow_api_retry_delay":    "api.retry_base_delay",

		// Auth mappings
		"casaflow_auth_refresh_path":        "auth.refresh_path",
		"casaflow_auth_min_refresh":         "auth.min_refresh_interval",
		"casaflow_auth_expiry_leeway":       "auth.expiry_leeway",

		// Realtime mappings
		"casaflow_realtime_url":                  "realtime.url",
		"casaflow_realtime_handshake_timeout":    "realtime.handshake_timeout",
		"casaflow_realtime_ping_interval":        "realtime.ping_interval",
		"casaflow_realtime_pong_timeout":         "realtime.pong_timeout",
		"casaflow_reconnect_base_delay":          "realtime.reconnect_base_delay",
		"casaflow_reconnect_multiplier_cap":      "realtime.reconnect_delay_multiplier_cap",
		"casaflow_reconnect_max_attempts":        "realtime.reconnect_max_attempts",
		"casaflow_connect_min_interval":          "realtime.connect_min_interval",

		// Polling mappings
		"casaflow_poll_interval":     "polling.interval",
		"casaflow_poll_min_interval": "polling.min_interval",
		"casaflow_poll_page_size":    "polling.page_size",

		// Cache mappings
		"casaflow_cache_ttl":              "cache.ttl",
		"casaflow_cache_cleanup_interval": "cache.cleanup_interval",

		// Breaker mappings
		"casaflow_breaker_max_requests":      "breaker.max_requests",
		"casaflow_breaker_interval":          "breaker.interval",
		"casaflow_breaker_timeout":           "breaker.timeout",
		"casaflow_breaker_failure_threshold": "breaker.failure_threshold",

		// Logging mappings
		"casaflow_log_level":  "logging.level",
		"casaflow_log_format": "logging.format",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}

	// For unmapped keys, return empty string to skip them.
	// This prevents random environment variables from polluting config.
	return ""
}
