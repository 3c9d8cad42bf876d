// Casaflow - Real-Estate Marketplace Client Sync Engine
// Copyright 2026 Casaflow contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casaflow/casaflow

package auth

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/casaflow/casaflow/internal/logging"
	"github.com/casaflow/casaflow/internal/metrics"
	"github.com/casaflow/casaflow/internal/request"
)

// Options tunes refresh behavior.
type Options struct {
	// MinRefreshInterval throttles refreshes after a success: a refresh
	// requested within the window returns the current access token instead
	// of hitting the backend, breaking 401-refresh loops caused by a
	// persistently rejected credential.
	MinRefreshInterval time.Duration

	// ExpiryLeeway triggers a proactive refresh when the access token's exp
	// claim falls within the window. Zero disables proactive refresh.
	ExpiryLeeway time.Duration
}

// Coordinator serializes credential refresh. However many callers observe a
// 401 concurrently, exactly one refresh call reaches the backend; every
// waiter receives that one call's outcome.
type Coordinator struct {
	store     CredentialStore
	refresher Refresher
	opts      Options

	sf singleflight.Group

	mu          sync.Mutex
	lastSuccess time.Time
}

// NewCoordinator creates a refresh coordinator over the given store.
func NewCoordinator(store CredentialStore, refresher Refresher, opts Options) *Coordinator {
	return &Coordinator{
		store:     store,
		refresher: refresher,
		opts:      opts,
	}
}

// EnsureValid returns an access token ready for use: the current one when it
// is present and not about to expire, otherwise the result of a (possibly
// shared) refresh.
func (c *Coordinator) EnsureValid(ctx context.Context) (string, error) {
	token := c.store.AccessToken()
	if token != "" && !c.expiringSoon(token) {
		return token, nil
	}
	return c.Refresh(ctx)
}

// Refresh exchanges the refresh credential for a new token pair. Concurrent
// calls collapse into one backend request. Failures are not retried here;
// the caller decides whether to sign the user out.
func (c *Coordinator) Refresh(ctx context.Context) (string, error) {
	// Detached from the first caller's cancellation: the shared refresh
	// serves every waiter, not just the caller that happened to start it.
	refreshCtx := context.WithoutCancel(ctx)

	result, err, _ := c.sf.Do("refresh", func() (interface{}, error) {
		return c.doRefresh(refreshCtx)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// doRefresh performs the actual refresh. Runs at most once per singleflight
// round.
func (c *Coordinator) doRefresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	sinceSuccess := time.Since(c.lastSuccess)
	c.mu.Unlock()

	if sinceSuccess < c.opts.MinRefreshInterval {
		// A refresh just succeeded; hand out the resulting token instead of
		// burning another backend call.
		if token := c.store.AccessToken(); token != "" {
			metrics.TokenRefreshes.WithLabelValues("throttled").Inc()
			return token, nil
		}
	}

	refreshToken := c.store.RefreshToken()
	if refreshToken == "" {
		metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		return "", request.NewError(request.KindAuth, 0, "no refresh credential available", nil)
	}

	access, newRefresh, err := c.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		logging.Warn().Err(err).Msg("Credential refresh failed")
		return "", err
	}

	if newRefresh == "" {
		// Some deployments rotate only the access token.
		newRefresh = refreshToken
	}
	c.store.SetTokens(access, newRefresh)

	c.mu.Lock()
	c.lastSuccess = time.Now()
	c.mu.Unlock()

	metrics.TokenRefreshes.WithLabelValues("success").Inc()
	logging.Info().Msg("Credential refreshed")
	return access, nil
}

// expiringSoon inspects the access token's exp claim without verifying the
// signature (the client has no signing key; the backend is the authority).
// Opaque tokens are treated as valid and left to 401 handling.
func (c *Coordinator) expiringSoon(token string) bool {
	if c.opts.ExpiryLeeway <= 0 {
		return false
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}

	return time.Until(exp.Time) < c.opts.ExpiryLeeway
}
