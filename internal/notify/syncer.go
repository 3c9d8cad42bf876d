// Casaflow - Real-Estate Marketplace Client Sync Engine
// Copyright 2026 Casaflow contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casaflow/casaflow

/*
Package notify keeps the notification feed current when the push channel
cannot be trusted.

Why this exists:
  - The websocket may be down, degraded, or silently stale on a flaky
    mobile network
  - Polling through the request coordinator provides redundancy without
    duplicate work across concurrent UI consumers

One poll loop and at most one in-flight fetch exist per user identity. Each
poll fully replaces the locally held list (the feed has replace semantics,
not delta semantics) and advances a monotonic cursor; push events advance the
same cursor, so poll results that merely repeat pushed items never re-alert.
*/
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/casaflow/casaflow/internal/events"
	"github.com/casaflow/casaflow/internal/logging"
	"github.com/casaflow/casaflow/internal/metrics"
	"github.com/casaflow/casaflow/internal/models"
)

// Feed fetches the notification feed for a user. Satisfied by *api.Client.
type Feed interface {
	Notifications(ctx context.Context, userID string, limit int) ([]models.Notification, error)
}

// AlertFunc is invoked when a poll or push observes a notification newer
// than the cursor while the consuming surface is not visible.
type AlertFunc func(userID string, latest models.Notification)

// Options tunes polling behavior.
type Options struct {
	// Interval is the repeating poll period.
	Interval time.Duration

	// MinInterval throttles unforced polls triggered by multiple consumers.
	MinInterval time.Duration

	// PageSize is the feed page size.
	PageSize int
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		Interval:    30 * time.Second,
		MinInterval: 5 * time.Second,
		PageSize:    50,
	}
}

// userState is the per-identity polling state. Guarded by Syncer.mu for
// lookup; its own mutex guards cursor and items.
type userState struct {
	mu       sync.Mutex
	cursor   int64
	items    []models.Notification
	inFlight bool

	limiter *rate.Limiter

	polling  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Syncer runs the polling fallback and consumes push events to keep the
// cursor and local list current on both paths.
type Syncer struct {
	feed Feed
	bus  *events.Bus
	opts Options

	mu    sync.Mutex
	users map[string]*userState

	visibleMu sync.RWMutex
	visible   bool

	alertMu sync.RWMutex
	onAlert AlertFunc

	unsubscribe []func()
}

// NewSyncer creates a syncer and subscribes it to the push notification
// events so the cursor advances on either channel.
func NewSyncer(feed Feed, bus *events.Bus, opts Options) *Syncer {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.PageSize < 1 {
		opts.PageSize = 50
	}

	s := &Syncer{
		feed:    feed,
		bus:     bus,
		opts:    opts,
		users:   make(map[string]*userState),
		visible: true,
	}

	s.unsubscribe = []func(){
		bus.Subscribe(events.TypeNotificationCreated, s.onPushUpsert),
		bus.Subscribe(events.TypeNotificationUpdated, s.onPushUpsert),
		bus.Subscribe(events.TypeNotificationDeleted, s.onPushDelete),
	}

	return s
}

// Close detaches the syncer from the bus and stops all loops.
func (s *Syncer) Close() {
	for _, unsub := range s.unsubscribe {
		unsub()
	}

	s.mu.Lock()
	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Stop(id)
	}
}

// SetVisible records whether the consuming surface is in the foreground.
// Alerts fire only while it is not.
func (s *Syncer) SetVisible(visible bool) {
	s.visibleMu.Lock()
	s.visible = visible
	s.visibleMu.Unlock()
}

// SetOnAlert registers the out-of-band alert callback.
func (s *Syncer) SetOnAlert(fn AlertFunc) {
	s.alertMu.Lock()
	s.onAlert = fn
	s.alertMu.Unlock()
}

// Start performs an immediate poll and arms the repeating timer for userID.
// Starting twice for the same identity is a no-op after the first call.
func (s *Syncer) Start(ctx context.Context, userID string) {
	st := s.state(userID)

	st.mu.Lock()
	if st.polling {
		st.mu.Unlock()
		return
	}
	st.polling = true
	st.stopChan = make(chan struct{})
	stop := st.stopChan
	st.mu.Unlock()

	logging.Info().Str("user", userID).Dur("interval", s.opts.Interval).Msg("Starting notification poller")

	st.wg.Add(1)
	go s.pollLoop(ctx, userID, st, stop)
}

// Stop cancels the repeating timer and marks the identity as no longer
// polling. The cursor survives so a later Start cannot re-alert on old items.
func (s *Syncer) Stop(userID string) {
	st := s.state(userID)

	st.mu.Lock()
	if !st.polling {
		st.mu.Unlock()
		return
	}
	st.polling = false
	close(st.stopChan)
	st.mu.Unlock()

	st.wg.Wait()
	logging.Info().Str("user", userID).Msg("Notification poller stopped")
}

// Polling reports whether a loop is running for userID.
func (s *Syncer) Polling(userID string) bool {
	st := s.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.polling
}

// Snapshot returns the locally held feed for userID.
func (s *Syncer) Snapshot(userID string) []models.Notification {
	st := s.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]models.Notification, len(st.items))
	copy(out, st.items)
	return out
}

// Cursor returns the last-seen feed position for userID.
func (s *Syncer) Cursor(userID string) int64 {
	st := s.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cursor
}

// Poll fetches the feed once. Unforced polls are throttled to at most one
// per MinInterval across all consumers of the same identity, and only one
// fetch may be in flight per identity at any time.
func (s *Syncer) Poll(ctx context.Context, userID string, force bool) error {
	st := s.state(userID)

	if !force && !st.limiter.Allow() {
		metrics.PollCycles.WithLabelValues("throttled").Inc()
		return nil
	}

	st.mu.Lock()
	if st.inFlight {
		st.mu.Unlock()
		metrics.PollCycles.WithLabelValues("throttled").Inc()
		return nil
	}
	st.inFlight = true
	st.mu.Unlock()

	defer func() {
		st.mu.Lock()
		st.inFlight = false
		st.mu.Unlock()
	}()

	items, err := s.feed.Notifications(ctx, userID, s.opts.PageSize)
	if err != nil {
		metrics.PollCycles.WithLabelValues("failure").Inc()
		logging.Warn().Err(err).Str("user", userID).Msg("Notification poll failed")
		return err
	}

	var newest models.Notification
	var maxSeen int64
	for _, n := range items {
		if n.CreatedAt > maxSeen {
			maxSeen = n.CreatedAt
			newest = n
		}
	}

	st.mu.Lock()
	advanced := maxSeen > st.cursor
	if advanced {
		st.cursor = maxSeen
	}
	// Replace semantics: the feed is authoritative, not a delta stream.
	st.items = items
	st.mu.Unlock()

	if advanced {
		s.maybeAlert(userID, newest)
	}

	metrics.PollCycles.WithLabelValues("success").Inc()
	return nil
}

// pollLoop runs the periodic polling until stopped.
func (s *Syncer) pollLoop(ctx context.Context, userID string, st *userState, stop chan struct{}) {
	defer st.wg.Done()

	// Initial poll bypasses the throttle: Start means "sync now".
	_ = s.Poll(ctx, userID, true)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			_ = s.Poll(ctx, userID, false)
		}
	}
}

// state returns (lazily creating) the per-identity state.
func (s *Syncer) state(userID string) *userState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.users[userID]
	if !ok {
		minInterval := s.opts.MinInterval
		if minInterval <= 0 {
			minInterval = time.Second
		}
		st = &userState{
			limiter: rate.NewLimiter(rate.Every(minInterval), 1),
		}
		s.users[userID] = st
	}
	return st
}

// maybeAlert fires the out-of-band alert when the surface is backgrounded.
func (s *Syncer) maybeAlert(userID string, latest models.Notification) {
	s.visibleMu.RLock()
	visible := s.visible
	s.visibleMu.RUnlock()
	if visible {
		return
	}

	s.alertMu.RLock()
	fn := s.onAlert
	s.alertMu.RUnlock()
	if fn != nil {
		fn(userID, latest)
	}
}

// pushEvent is the inbound push payload shape for notification events.
type pushEvent struct {
	UserID       string              `json:"user_id"`
	Notification models.Notification `json:"notification"`
}

// onPushUpsert handles notification_created and notification_updated pushes:
// the local list is updated in place and the cursor advances monotonically.
func (s *Syncer) onPushUpsert(data interface{}) {
	ev, ok := s.decodePush(data)
	if !ok {
		return
	}

	st := s.state(ev.UserID)

	st.mu.Lock()
	replaced := false
	for i := range st.items {
		if st.items[i].ID == ev.Notification.ID {
			st.items[i] = ev.Notification
			replaced = true
			break
		}
	}
	if !replaced {
		st.items = append([]models.Notification{ev.Notification}, st.items...)
	}

	advanced := ev.Notification.CreatedAt > st.cursor
	if advanced {
		st.cursor = ev.Notification.CreatedAt
	}
	st.mu.Unlock()

	if advanced {
		s.maybeAlert(ev.UserID, ev.Notification)
	}
}

// onPushDelete handles notification_deleted pushes.
func (s *Syncer) onPushDelete(data interface{}) {
	ev, ok := s.decodePush(data)
	if !ok {
		return
	}

	st := s.state(ev.UserID)

	st.mu.Lock()
	for i := range st.items {
		if st.items[i].ID == ev.Notification.ID {
			st.items = append(st.items[:i], st.items[i+1:]...)
			break
		}
	}
	// Deletes still advance the cursor: the feed moved.
	if ev.Notification.CreatedAt > st.cursor {
		st.cursor = ev.Notification.CreatedAt
	}
	st.mu.Unlock()
}

// decodePush tolerates both raw JSON (from the wire) and typed payloads
// (from tests and in-process publishers).
func (s *Syncer) decodePush(data interface{}) (pushEvent, bool) {
	switch v := data.(type) {
	case pushEvent:
		return v, true
	case json.RawMessage:
		var ev pushEvent
		if err := json.Unmarshal(v, &ev); err != nil {
			logging.Warn().Err(err).Msg("Malformed notification push dropped")
			return pushEvent{}, false
		}
		return ev, true
	case []byte:
		var ev pushEvent
		if err := json.Unmarshal(v, &ev); err != nil {
			logging.Warn().Err(err).Msg("Malformed notification push dropped")
			return pushEvent{}, false
		}
		return ev, true
	default:
		return pushEvent{}, false
	}
}
