// Casaflow - Real-Estate Marketplace Client Sync Engine
// Copyright 2026 Casaflow contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casaflow/casaflow

package auth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/casaflow/casaflow/internal/request"
)

// Refresher exchanges a refresh credential for a new access/refresh pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (access, refresh string, err error)
}

// HTTPRefresher calls the marketplace token refresh endpoint.
type HTTPRefresher struct {
	url    string // absolute refresh endpoint URL
	client *http.Client
}

// NewHTTPRefresher creates a refresher for the given absolute endpoint URL.
func NewHTTPRefresher(url string, client *http.Client) *HTTPRefresher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRefresher{url: url, client: client}
}

// refreshRequest is the refresh endpoint request body.
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// refreshResponse is the refresh endpoint response body.
type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Refresh implements Refresher. A 401 from the refresh endpoint means the
// refresh credential itself is no longer honored and surfaces as an auth
// error; callers are expected to sign the user out.
func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (string, string, error) {
	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return "", "", fmt.Errorf("encode refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", "", request.Transient("refresh endpoint unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", "", request.FromStatus(resp.StatusCode, "credential refresh rejected")
	}

	var parsed refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", "", request.Transient("decode refresh response", err)
	}
	if parsed.AccessToken == "" {
		return "", "", request.Transient("refresh response missing access token", nil)
	}

	return parsed.AccessToken, parsed.RefreshToken, nil
}
