// Casaflow - Real-Estate Marketplace Client Sync Engine
// Copyright 2026 Casaflow contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casaflow/casaflow

// Package request coordinates outbound read requests: response caching,
// single-flight deduplication of concurrent identical calls, retry with
// exponential backoff for transient failures, and a circuit breaker that
// sheds load when the backend is persistently unhealthy.
//
// Callers identify a request by a deterministic fingerprint key (see
// cache.GenerateKey) and supply an executor that performs the actual HTTP
// call. For any set of concurrent Fetch calls with the same key, exactly one
// executor runs; every caller receives that one execution's outcome.
package request

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"

	"github.com/casaflow/casaflow/internal/cache"
	"github.com/casaflow/casaflow/internal/logging"
	"github.com/casaflow/casaflow/internal/metrics"
)

// Executor performs the underlying call for a cache miss. It must honor ctx
// cancellation and bound its own network timeout.
type Executor func(ctx context.Context) (interface{}, error)

// Options tunes retry and circuit breaker behavior.
type Options struct {
	// MaxAttempts is the total number of tries for transient failures,
	// first attempt included. Minimum 1.
	MaxAttempts int

	// BaseDelay is the first backoff delay; it doubles per attempt.
	BaseDelay time.Duration

	// BreakerMaxRequests allowed through in half-open state.
	BreakerMaxRequests uint32

	// BreakerInterval is the closed-state count reset period.
	BreakerInterval time.Duration

	// BreakerTimeout is the open-state duration before half-open probing.
	BreakerTimeout time.Duration

	// BreakerFailureThreshold is the consecutive-failure trip count.
	BreakerFailureThreshold uint32
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:             3,
		BaseDelay:               500 * time.Millisecond,
		BreakerMaxRequests:      3,
		BreakerInterval:         time.Minute,
		BreakerTimeout:          30 * time.Second,
		BreakerFailureThreshold: 5,
	}
}

// Coordinator owns the response cache and the in-flight request map.
// No other component mutates either; all interaction goes through Fetch and
// the explicit invalidation methods.
type Coordinator struct {
	store *cache.Store
	sf    singleflight.Group
	cb    *gobreaker.CircuitBreaker[interface{}]
	opts  Options
}

// NewCoordinator creates a coordinator over the given cache store.
func NewCoordinator(store *cache.Store, opts Options) *Coordinator {
	defaults := DefaultOptions()
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaults.BaseDelay
	}
	// A zero threshold would trip the breaker on the first failure.
	if opts.BreakerFailureThreshold == 0 {
		opts.BreakerFailureThreshold = defaults.BreakerFailureThreshold
	}
	if opts.BreakerMaxRequests == 0 {
		opts.BreakerMaxRequests = defaults.BreakerMaxRequests
	}
	if opts.BreakerInterval <= 0 {
		opts.BreakerInterval = defaults.BreakerInterval
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = defaults.BreakerTimeout
	}

	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        "marketplace-api",
		MaxRequests: opts.BreakerMaxRequests,
		Interval:    opts.BreakerInterval,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailureThreshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			fromStr := breakerStateString(from)
			toStr := breakerStateString(to)
			logging.Info().Str("from", fromStr).Str("to", toStr).Msg("Circuit breaker state transition")
			metrics.BreakerState.Set(breakerStateFloat(to))
			metrics.BreakerTransitions.WithLabelValues(fromStr, toStr).Inc()
		},
		// Auth and terminal failures describe the request, not backend
		// health. Only transient failures count toward tripping.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
	})

	return &Coordinator{
		store: store,
		cb:    cb,
		opts:  opts,
	}
}

// Fetch returns the result for key, from cache when a valid entry exists,
// from an in-flight execution when one is already running, or by invoking
// executor. On a successful execution the result is stored with the given
// TTL and fanned out to every waiting caller; failures fan out without being
// cached.
//
// Aborting ctx removes only this caller's interest: the shared execution
// continues for other waiters and still populates the cache.
func (c *Coordinator) Fetch(ctx context.Context, key string, ttl time.Duration, executor Executor) (interface{}, error) {
	if data, ok := c.store.Get(key); ok {
		return data, nil
	}

	// The execution is detached from this caller's cancellation so that one
	// unmounted screen cannot abort a request other callers are waiting on.
	execCtx := context.WithoutCancel(ctx)

	ch := c.sf.DoChan(key, func() (interface{}, error) {
		return c.execute(execCtx, key, ttl, executor)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			metrics.RequestsDeduplicated.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val, nil
	}
}

// execute runs the executor through the circuit breaker with an explicit
// retry loop. Only transient failures are retried; the final outcome is
// cached on success.
func (c *Coordinator) execute(ctx context.Context, key string, ttl time.Duration, executor Executor) (interface{}, error) {
	var lastErr error

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		result, err := c.cb.Execute(func() (interface{}, error) {
			return executor(ctx)
		})
		if err == nil {
			c.store.SetWithTTL(key, result, ttl)
			metrics.RequestOutcomes.WithLabelValues("ok").Inc()
			return result, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = Transient("backend temporarily unavailable", err)
		}

		if !IsTransient(err) {
			metrics.RequestOutcomes.WithLabelValues(KindOf(err).String()).Inc()
			return nil, err
		}

		lastErr = err
		if attempt == c.opts.MaxAttempts {
			break
		}

		delay := c.opts.BaseDelay << (attempt - 1)
		logging.Warn().Err(err).Str("key", key).Int("attempt", attempt).Dur("delay", delay).Msg("Transient failure, retrying")
		metrics.RequestRetries.Inc()

		select {
		case <-ctx.Done():
			return nil, Transient("request aborted during backoff", ctx.Err())
		case <-time.After(delay):
		}
	}

	metrics.RequestOutcomes.WithLabelValues("transient").Inc()
	if _, ok := lastErr.(*Error); ok { //nolint:errorlint // direct result of classification above
		return nil, lastErr
	}
	return nil, Transient("request failed after retries", lastErr)
}

// Invalidate removes the cached result for an exact key. Mutation paths call
// this after the write completes.
func (c *Coordinator) Invalidate(key string) {
	c.store.Delete(key)
}

// InvalidatePrefix removes every cached result in a key namespace, e.g.
// "listings:" after a listing mutation. Returns the number of entries
// removed.
func (c *Coordinator) InvalidatePrefix(prefix string) int {
	return c.store.DeletePrefix(prefix)
}

// RefreshTTL extends the freshness window of an existing cached entry.
// Used by 304 Not Modified handling.
func (c *Coordinator) RefreshTTL(key string, ttl time.Duration) bool {
	return c.store.Touch(key, ttl)
}

// Cached returns the valid cache entry for key, if any, without executing
// anything.
func (c *Coordinator) Cached(key string) (interface{}, bool) {
	return c.store.Get(key)
}

func breakerStateString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func breakerStateFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
