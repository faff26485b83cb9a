// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package bus

import (
	"sync"
	"time"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

// EventType identifies a notification event.
type EventType string

const (
	// EventSessionWarning fires when a session is approaching a timeout.
	EventSessionWarning EventType = "session-warning"

	// EventSessionLogout fires when a session ends, with the logout reason.
	EventSessionLogout EventType = "session-logout"

	// EventTokenRefreshed fires after a successful token refresh.
	EventTokenRefreshed EventType = "token-refreshed"

	// EventSecurityThreat fires when the threat engine records an event.
	EventSecurityThreat EventType = "security-threat"
)

// Event is a single notification delivered to subscribers.
type Event struct {
	// Type identifies the notification.
	Type EventType

	// Timestamp is when the event was published.
	Timestamp time.Time

	// Reason carries the logout reason for EventSessionLogout
	// ("idle_timeout", "max_session", "refresh_failed", "security", "user", ...).
	Reason string

	// Payload carries event-specific data (warning remaining time, threat
	// summary). Consumers type-assert on it based on Type.
	Payload any
}

// Handler receives published events.
type Handler func(Event)

// =============================================================================
// BUS
// =============================================================================

// Bus is a synchronous in-process publish/subscribe dispatcher.
// One instance is owned by the security facade and threaded through the
// composition root; components never reach for a global.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[EventType]map[int]Handler
	all    map[int]Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[EventType]map[int]Handler),
		all:  make(map[int]Handler),
	}
}

// Subscribe registers a handler for one event type.
// The returned function removes the subscription; calling it twice is a no-op.
func (b *Bus) Subscribe(t EventType, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	if b.subs[t] == nil {
		b.subs[t] = make(map[int]Handler)
	}
	b.subs[t][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[t], id)
	}
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.all[id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.all, id)
	}
}

// Publish delivers an event to all matching subscribers synchronously.
// Handlers run outside the bus lock so a handler may subscribe or publish.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[ev.Type])+len(b.all))
	for _, h := range b.subs[ev.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.all {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// SubscriberCount returns the number of handlers registered for a type,
// excluding SubscribeAll handlers.
func (b *Bus) SubscriberCount(t EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t])
}
