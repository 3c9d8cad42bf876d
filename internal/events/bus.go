// Casaflow - Real-Estate Marketplace Client Sync Engine
// Copyright 2026 Casaflow contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casaflow/casaflow

// Package events provides the in-process publish/subscribe registry the
// connection manager fans inbound server events out through. Handlers run
// synchronously in registration order; a panicking handler is isolated so it
// cannot break delivery to the rest.
package events

import (
	"sync"

	"github.com/casaflow/casaflow/internal/logging"
)

// Well-known event types the UI layer binds to.
const (
	TypeNotificationCreated = "notification_created"
	TypeNotificationUpdated = "notification_updated"
	TypeNotificationDeleted = "notification_deleted"
	TypeConnection          = "connection"
)

// ConnectionEvent is the payload published under TypeConnection whenever the
// realtime link goes up or down. It is the only transport-state surface
// exposed to the application layer.
type ConnectionEvent struct {
	Connected bool
}

// Handler consumes one published event payload.
type Handler func(data interface{})

// subscription pairs a handler with its registration; the pointer identity
// is what Unsubscribe removes (Go funcs are not comparable).
type subscription struct {
	handler Handler
}

// Bus is the subscription registry. The zero value is not usable; call New.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*subscription
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[string][]*subscription),
	}
}

// Subscribe registers handler for eventType and returns an idempotent
// disposer. Delivery order follows registration order.
func (b *Bus) Subscribe(eventType string, handler Handler) func() {
	sub := &subscription{handler: handler}

	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.remove(eventType, sub)
		})
	}
}

// remove deletes one subscription; the last removal for a type drops the
// type entry entirely.
func (b *Bus) remove(eventType string, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[eventType]
	for i, s := range list {
		if s == sub {
			b.subs[eventType] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[eventType]) == 0 {
		delete(b.subs, eventType)
	}
}

// Publish delivers data to every handler currently registered for eventType,
// in registration order. A handler panic is logged and delivery continues
// with the next handler.
func (b *Bus) Publish(eventType string, data interface{}) {
	b.mu.RLock()
	list := b.subs[eventType]
	snapshot := make([]*subscription, len(list))
	copy(snapshot, list)
	b.mu.RUnlock()

	for _, sub := range snapshot {
		b.deliver(eventType, sub, data)
	}
}

// deliver invokes one handler with panic isolation.
func (b *Bus) deliver(eventType string, sub *subscription, data interface{}) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Str("event_type", eventType).Interface("panic", r).Msg("Event handler panicked")
		}
	}()
	sub.handler(data)
}

// SubscriberCount reports the number of handlers registered for eventType.
func (b *Bus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}
