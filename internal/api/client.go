// Casaflow - Real-Estate Marketplace Client Sync Engine
// Copyright 2026 Casaflow contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casaflow/casaflow

/*
Package api is the typed marketplace HTTP client.

Client Features:
  - HTTP client with configurable timeout
  - Bearer token authentication with transparent refresh-and-retry on 401
  - All reads routed through the request coordinator (cache, deduplication,
    retry, circuit breaker)
  - ETag revalidation for profile reads, with 304 extending the cache entry
  - Mutations invalidate the affected cache prefixes on success

401 Handling:
A 401 triggers exactly one token refresh followed by exactly one replay of
the original request. A second 401 surfaces as an auth error to the caller;
the client never loops refresh attempts.

Thread Safety: all methods are safe for concurrent use.
*/
package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/casaflow/casaflow/internal/cache"
	"github.com/casaflow/casaflow/internal/logging"
	"github.com/casaflow/casaflow/internal/models"
	"github.com/casaflow/casaflow/internal/request"
)

// maxErrorBodySize limits how much of an error response body is read for
// diagnostics. Prevents unbounded allocation on large error pages.
const maxErrorBodySize = 64 * 1024 // 64KB

// Cache key prefixes. Invalidation is prefix-scoped so a mutation clears
// every variant of the affected resource.
const (
	prefixListings      = "listings"
	prefixProfile       = "profile"
	prefixNotifications = "notifications"
)

// TokenSource provides bearer tokens. Satisfied by *auth.Coordinator.
type TokenSource interface {
	EnsureValid(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Fetcher runs reads through the coordination layer. Satisfied by
// *request.Coordinator.
type Fetcher interface {
	Fetch(ctx context.Context, key string, ttl time.Duration, fn request.Executor) (interface{}, error)
	Invalidate(key string)
	InvalidatePrefix(prefix string) int
	RefreshTTL(key string, ttl time.Duration) bool
	Cached(key string) (interface{}, bool)
}

// SearchParams narrows a listing search. Zero values are omitted from the
// query string.
type SearchParams struct {
	City     string  `json:"city,omitempty"`
	MinPrice float64 `json:"min_price,omitempty"`
	MaxPrice float64 `json:"max_price,omitempty"`
	MinRooms int     `json:"min_rooms,omitempty"`
	Page     int     `json:"page,omitempty"`
	PageSize int     `json:"page_size,omitempty"`
}

// Options configures the client.
type Options struct {
	// BaseURL is the marketplace API root, e.g. https://api.example.com.
	BaseURL string

	// Timeout bounds each HTTP round trip.
	Timeout time.Duration

	// CacheTTL is the default lifetime for cached reads.
	CacheTTL time.Duration
}

// DefaultOptions returns production defaults for baseURL.
func DefaultOptions(baseURL string) Options {
	return Options{
		BaseURL:  baseURL,
		Timeout:  15 * time.Second,
		CacheTTL: 5 * time.Minute,
	}
}

// Client is the marketplace API client. Reads go through the request
// coordinator; mutations go straight to the wire and invalidate caches.
type Client struct {
	opts    Options
	client  *http.Client
	tokens  TokenSource
	fetcher Fetcher

	// etags maps cache key to the ETag of the cached representation.
	etagMu sync.Mutex
	etags  map[string]string
}

// NewClient creates a marketplace client.
func NewClient(opts Options, tokens TokenSource, fetcher Fetcher) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	return &Client{
		opts:    opts,
		client:  &http.Client{Timeout: opts.Timeout},
		tokens:  tokens,
		fetcher: fetcher,
		etags:   make(map[string]string),
	}
}

// SearchListings returns a page of listings matching params.
func (c *Client) SearchListings(ctx context.Context, params SearchParams) (*models.ListingPage, error) {
	key := cache.GenerateKey(prefixListings+":search", params)

	result, err := c.fetcher.Fetch(ctx, key, c.opts.CacheTTL, func(ctx context.Context) (interface{}, error) {
		var page models.ListingPage
		if err := c.getJSON(ctx, "/v1/listings", searchQuery(params), "", &page); err != nil {
			return nil, err
		}
		return &page, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*models.ListingPage), nil
}

// GetListing returns a single listing by ID.
func (c *Client) GetListing(ctx context.Context, id string) (*models.Listing, error) {
	key := cache.GenerateKey(prefixListings+":get", map[string]string{"id": id})

	result, err := c.fetcher.Fetch(ctx, key, c.opts.CacheTTL, func(ctx context.Context) (interface{}, error) {
		var listing models.Listing
		if err := c.getJSON(ctx, "/v1/listings/"+url.PathEscape(id), nil, "", &listing); err != nil {
			return nil, err
		}
		return &listing, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*models.Listing), nil
}

// GetProfile returns the authenticated user's profile. When a cached
// representation exists and has since expired, the conditional request
// carries If-None-Match; a 304 extends the cache entry instead of
// transferring the body again.
func (c *Client) GetProfile(ctx context.Context) (*models.Profile, error) {
	key := cache.GenerateKey(prefixProfile+":me", nil)

	result, err := c.fetcher.Fetch(ctx, key, c.opts.CacheTTL, func(ctx context.Context) (interface{}, error) {
		etag := c.etag(key)

		var profile models.Profile
		status, err := c.getJSONResponse(ctx, "/v1/profile", nil, etag, &profile)
		if err != nil {
			return nil, err
		}

		if status == http.StatusNotModified {
			// Representation unchanged. Resurrect the stale entry and keep
			// serving it.
			if c.fetcher.RefreshTTL(key, c.opts.CacheTTL) {
				if cached, ok := c.fetcher.Cached(key); ok {
					return cached, nil
				}
			}
			// The stale entry was swept between expiry and revalidation.
			// Fetch unconditionally.
			c.setEtag(key, "")
			status, err = c.getJSONResponse(ctx, "/v1/profile", nil, "", &profile)
			if err != nil {
				return nil, err
			}
			if status == http.StatusNotModified {
				return nil, request.NewError(request.KindTerminal, status, "server returned 304 to an unconditional request", nil)
			}
		}

		c.setEtag(key, profile.ETag)
		return &profile, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*models.Profile), nil
}

// Notifications returns the notification feed. Implements notify.Feed.
func (c *Client) Notifications(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	key := cache.GenerateKey(prefixNotifications+":feed", map[string]interface{}{
		"user":  userID,
		"limit": limit,
	})

	result, err := c.fetcher.Fetch(ctx, key, c.opts.CacheTTL, func(ctx context.Context) (interface{}, error) {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		var feed []models.Notification
		if err := c.getJSON(ctx, "/v1/notifications", q, "", &feed); err != nil {
			return nil, err
		}
		return feed, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]models.Notification), nil
}

// MarkNotificationRead marks a notification as read and invalidates the
// cached feed.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	err := c.doMutation(ctx, http.MethodPost, "/v1/notifications/"+url.PathEscape(id)+"/read", nil)
	if err != nil {
		return err
	}
	c.fetcher.InvalidatePrefix(prefixNotifications)
	return nil
}

// SetFavorite sets or clears the favorite flag on a listing. Listing caches
// are invalidated so the next read reflects the change.
func (c *Client) SetFavorite(ctx context.Context, listingID string, favorite bool) error {
	body := map[string]bool{"favorite": favorite}
	err := c.doMutation(ctx, http.MethodPut, "/v1/listings/"+url.PathEscape(listingID)+"/favorite", body)
	if err != nil {
		return err
	}
	c.fetcher.InvalidatePrefix(prefixListings)
	return nil
}

// UpdateProfile updates the profile and invalidates the cached copy.
func (c *Client) UpdateProfile(ctx context.Context, profile *models.Profile) error {
	err := c.doMutation(ctx, http.MethodPut, "/v1/profile", profile)
	if err != nil {
		return err
	}
	c.fetcher.InvalidatePrefix(prefixProfile)
	return nil
}

// InvalidateListings drops all cached listing reads. Exposed for push
// handlers that learn of listing changes out of band.
func (c *Client) InvalidateListings() int {
	return c.fetcher.InvalidatePrefix(prefixListings)
}

// getJSON performs an authenticated GET and decodes the body into out.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, etag string, out interface{}) error {
	status, err := c.getJSONResponse(ctx, path, query, etag, out)
	if err != nil {
		return err
	}
	if status == http.StatusNotModified {
		return request.NewError(request.KindTerminal, status, "server returned 304 to an unconditional request", nil)
	}
	return nil
}

// getJSONResponse performs an authenticated GET, decoding the body into out
// on 200 and returning the status code. A 304 returns without touching out.
func (c *Client) getJSONResponse(ctx context.Context, path string, query url.Values, etag string, out interface{}) (int, error) {
	resp, err := c.doAuthed(ctx, func(token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL(path, query), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if etag != "" {
			req.Header.Set("If-None-Match", etag)
		}
		return req, nil
	})
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotModified {
		return resp.StatusCode, nil
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, statusError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, request.Transient("decoding response body", err)
	}
	if p, ok := out.(*models.Profile); ok {
		p.ETag = resp.Header.Get("ETag")
	}
	return resp.StatusCode, nil
}

// doMutation performs an authenticated write with an optional JSON body.
func (c *Client) doMutation(ctx context.Context, method, path string, body interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return request.NewError(request.KindTerminal, 0, "encoding request body", err)
		}
	}

	resp, err := c.doAuthed(ctx, func(token string) (*http.Request, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path, nil), reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	return nil
}

// doAuthed executes a request with a valid bearer token. On 401 it refreshes
// once and replays once; a second 401 surfaces to the caller.
func (c *Client) doAuthed(ctx context.Context, build func(token string) (*http.Request, error)) (*http.Response, error) {
	token, err := c.tokens.EnsureValid(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(build, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	_ = resp.Body.Close()

	logging.Debug().Msg("Received 401, refreshing token and retrying once")

	token, err = c.tokens.Refresh(ctx)
	if err != nil {
		return nil, err
	}

	resp, err = c.send(build, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		defer func() { _ = resp.Body.Close() }()
		return nil, statusError(resp)
	}
	return resp, nil
}

// send builds and executes one attempt. Network failures are transient.
func (c *Client) send(build func(token string) (*http.Request, error), token string) (*http.Response, error) {
	req, err := build(token)
	if err != nil {
		return nil, request.NewError(request.KindTerminal, 0, "building request", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, request.Transient("executing request", err)
	}
	return resp, nil
}

// buildURL joins the base URL, path and query.
func (c *Client) buildURL(path string, query url.Values) string {
	u := c.opts.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// etag returns the recorded ETag for a cache key, if any.
func (c *Client) etag(key string) string {
	c.etagMu.Lock()
	defer c.etagMu.Unlock()
	return c.etags[key]
}

func (c *Client) setEtag(key, etag string) {
	c.etagMu.Lock()
	defer c.etagMu.Unlock()
	if etag == "" {
		delete(c.etags, key)
		return
	}
	c.etags[key] = etag
}

// statusError converts a non-success response into a typed error, reading a
// bounded amount of the body for diagnostics.
func statusError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		body = []byte("(failed to read response body)")
	}
	msg := fmt.Sprintf("%s %s returned %d", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode)
	if len(body) > 0 {
		msg += ": " + string(body)
	}
	return request.FromStatus(resp.StatusCode, msg)
}

// searchQuery converts search params to a query string, omitting zero
// values.
func searchQuery(p SearchParams) url.Values {
	q := url.Values{}
	if p.City != "" {
		q.Set("city", p.City)
	}
	if p.MinPrice > 0 {
		q.Set("min_price", strconv.FormatFloat(p.MinPrice, 'f', -1, 64))
	}
	if p.MaxPrice > 0 {
		q.Set("max_price", strconv.FormatFloat(p.MaxPrice, 'f', -1, 64))
	}
	if p.MinRooms > 0 {
		q.Set("min_rooms", strconv.Itoa(p.MinRooms))
	}
	if p.Page > 0 {
		q.Set("page", strconv.Itoa(p.Page))
	}
	if p.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(p.PageSize))
	}
	return q
}
