// Casaflow - Real-Estate Marketplace Client Sync Engine
// Copyright 2026 Casaflow contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casaflow/casaflow

package auth

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/casaflow/casaflow/internal/request"
)

// forgeToken builds an unsigned JWT with the given expiration. Signature
// content is irrelevant: the coordinator parses claims without verifying.
func forgeToken(t *testing.T, exp time.Time) string {
	t.Helper()

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload, err := json.Marshal(map[string]interface{}{
		"sub": "user-1",
		"exp": exp.Unix(),
	})
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	claims := base64.RawURLEncoding.EncodeToString(payload)
	return header + "." + claims + "."
}

// newRefreshServer returns a test refresh endpoint and a counter of how many
// refresh calls actually hit it.
func newRefreshServer(t *testing.T, status int, access, refresh string) (*httptest.Server, *int32) {
	t.Helper()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)

		var body struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RefreshToken == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		w.WriteHeader(status)
		if status == http.StatusOK {
			_ = json.NewEncoder(w).Encode(map[string]string{
				"access_token":  access,
				"refresh_token": refresh,
			})
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

// TestEnsureValidReturnsCurrentToken tests that a healthy token skips refresh
func TestEnsureValidReturnsCurrentToken(t *testing.T) {
	t.Parallel()

	srv, calls := newRefreshServer(t, http.StatusOK, "new-access", "new-refresh")

	store := NewMemoryStore()
	store.SetTokens(forgeToken(t, time.Now().Add(time.Hour)), "refresh-1")

	c := NewCoordinator(store, NewHTTPRefresher(srv.URL, nil), Options{
		ExpiryLeeway: time.Minute,
	})

	token, err := c.EnsureValid(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != store.AccessToken() {
		t.Error("expected the stored token back")
	}
	if n := atomic.LoadInt32(calls); n != 0 {
		t.Errorf("expected no refresh calls, got %d", n)
	}
}

// TestEnsureValidRefreshesExpiringToken tests proactive refresh within the
// leeway window
func TestEnsureValidRefreshesExpiringToken(t *testing.T) {
	t.Parallel()

	srv, calls := newRefreshServer(t, http.StatusOK, "new-access", "new-refresh")

	store := NewMemoryStore()
	store.SetTokens(forgeToken(t, time.Now().Add(10*time.Second)), "refresh-1")

	c := NewCoordinator(store, NewHTTPRefresher(srv.URL, nil), Options{
		ExpiryLeeway: time.Minute,
	})

	token, err := c.EnsureValid(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "new-access" {
		t.Errorf("expected new-access, got %q", token)
	}
	if n := atomic.LoadInt32(calls); n != 1 {
		t.Errorf("expected 1 refresh call, got %d", n)
	}
	if store.RefreshToken() != "new-refresh" {
		t.Errorf("expected rotated refresh token, got %q", store.RefreshToken())
	}
}

// TestEnsureValidTreatsOpaqueTokenAsValid tests that non-JWT tokens skip
// proactive refresh and rely on 401 handling
func TestEnsureValidTreatsOpaqueTokenAsValid(t *testing.T) {
	t.Parallel()

	srv, calls := newRefreshServer(t, http.StatusOK, "new-access", "")

	store := NewMemoryStore()
	store.SetTokens("opaque-session-token", "refresh-1")

	c := NewCoordinator(store, NewHTTPRefresher(srv.URL, nil), Options{
		ExpiryLeeway: time.Minute,
	})

	token, err := c.EnsureValid(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "opaque-session-token" {
		t.Errorf("expected opaque token back, got %q", token)
	}
	if n := atomic.LoadInt32(calls); n != 0 {
		t.Errorf("expected no refresh calls, got %d", n)
	}
}

// TestConcurrentRefreshCollapsesToOneCall tests the single-flight guarantee
func TestConcurrentRefreshCollapsesToOneCall(t *testing.T) {
	t.Parallel()

	var calls int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "shared-access"})
	}))
	t.Cleanup(srv.Close)

	store := NewMemoryStore()
	store.SetTokens("", "refresh-1")

	c := NewCoordinator(store, NewHTTPRefresher(srv.URL, nil), Options{})

	const waiters = 8
	var wg sync.WaitGroup
	tokens := make([]string, waiters)
	errs := make([]error, waiters)

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tokens[n], errs[n] = c.Refresh(context.Background())
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < waiters; i++ {
		if errs[i] != nil {
			t.Fatalf("waiter %d: unexpected error: %v", i, errs[i])
		}
		if tokens[i] != "shared-access" {
			t.Errorf("waiter %d: expected shared-access, got %q", i, tokens[i])
		}
	}

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected exactly 1 backend refresh, got %d", n)
	}
}

// TestRefreshThrottleAfterSuccess tests that a refresh right after a
// success returns the fresh token without a backend call
func TestRefreshThrottleAfterSuccess(t *testing.T) {
	t.Parallel()

	srv, calls := newRefreshServer(t, http.StatusOK, "access-1", "refresh-2")

	store := NewMemoryStore()
	store.SetTokens("", "refresh-1")

	c := NewCoordinator(store, NewHTTPRefresher(srv.URL, nil), Options{
		MinRefreshInterval: time.Minute,
	})

	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}

	token, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if token != "access-1" {
		t.Errorf("expected throttled refresh to return current token, got %q", token)
	}
	if n := atomic.LoadInt32(calls); n != 1 {
		t.Errorf("expected 1 backend call, got %d", n)
	}
}

// TestRefreshWithoutCredential tests the missing-refresh-token failure
func TestRefreshWithoutCredential(t *testing.T) {
	t.Parallel()

	srv, calls := newRefreshServer(t, http.StatusOK, "access-1", "")

	store := NewMemoryStore()
	c := NewCoordinator(store, NewHTTPRefresher(srv.URL, nil), Options{})

	_, err := c.Refresh(context.Background())
	if !request.IsAuth(err) {
		t.Errorf("expected auth error without a refresh credential, got %v", err)
	}
	if n := atomic.LoadInt32(calls); n != 0 {
		t.Errorf("expected no backend calls, got %d", n)
	}
}

// TestRefreshRejectedCredential tests a 401 from the refresh endpoint
func TestRefreshRejectedCredential(t *testing.T) {
	t.Parallel()

	srv, _ := newRefreshServer(t, http.StatusUnauthorized, "", "")

	store := NewMemoryStore()
	store.SetTokens("stale-access", "revoked-refresh")

	c := NewCoordinator(store, NewHTTPRefresher(srv.URL, nil), Options{})

	_, err := c.Refresh(context.Background())
	if !request.IsAuth(err) {
		t.Errorf("expected auth error for rejected credential, got %v", err)
	}
}

// TestRefreshKeepsOldRefreshTokenWithoutRotation tests deployments that
// rotate only the access token
func TestRefreshKeepsOldRefreshTokenWithoutRotation(t *testing.T) {
	t.Parallel()

	srv, _ := newRefreshServer(t, http.StatusOK, "access-2", "")

	store := NewMemoryStore()
	store.SetTokens("", "refresh-1")

	c := NewCoordinator(store, NewHTTPRefresher(srv.URL, nil), Options{})

	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.RefreshToken() != "refresh-1" {
		t.Errorf("expected unrotated refresh token preserved, got %q", store.RefreshToken())
	}
	if store.AccessToken() != "access-2" {
		t.Errorf("expected new access token stored, got %q", store.AccessToken())
	}
}

// TestRefreshEndpointUnreachable tests classification of network failures
func TestRefreshEndpointUnreachable(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	store.SetTokens("", "refresh-1")

	refresher := NewHTTPRefresher("http://127.0.0.1:1/refresh", &http.Client{Timeout: 200 * time.Millisecond})
	c := NewCoordinator(store, refresher, Options{})

	_, err := c.Refresh(context.Background())
	if !request.IsTransient(err) {
		t.Errorf("expected transient error for unreachable endpoint, got %v", err)
	}
}

// TestMemoryStore tests the credential store basics
func TestMemoryStore(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	store.SetTokens("a", "r")
	if store.AccessToken() != "a" || store.RefreshToken() != "r" {
		t.Error("tokens not stored")
	}

	store.Clear()
	if store.AccessToken() != "" || store.RefreshToken() != "" {
		t.Error("tokens not cleared")
	}
}

// TestForgedTokenShape sanity-checks the test JWT helper against the
// coordinator's claim parsing
func TestForgedTokenShape(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(NewMemoryStore(), nil, Options{ExpiryLeeway: time.Minute})

	expired := forgeToken(t, time.Now().Add(-time.Hour))
	if !c.expiringSoon(expired) {
		t.Error("expected an expired token to be flagged")
	}

	fresh := forgeToken(t, time.Now().Add(time.Hour))
	if c.expiringSoon(fresh) {
		t.Error("expected a fresh token not to be flagged")
	}
}
