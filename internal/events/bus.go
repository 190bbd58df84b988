// Package events carries typed in-process notifications between the
// registry, health supervisor, tool index, and HTTP surface.
package events

import (
	"sync"
	"time"
)

// EventType represents an event category broadcast to subscribers.
type EventType string

const (
	// EventServiceRegistered is emitted after a service record is created.
	EventServiceRegistered EventType = "service.registered"
	// EventServiceUpdated is emitted after a service record is modified.
	EventServiceUpdated EventType = "service.updated"
	// EventServiceRemoved is emitted after a service record is deleted.
	EventServiceRemoved EventType = "service.removed"
	// EventServiceToggled is emitted when a service is enabled or disabled.
	EventServiceToggled EventType = "service.toggled"
	// EventHealthChanged is emitted when a probe moves a service between states.
	EventHealthChanged EventType = "health.changed"
	// EventInventoryUpdated is emitted when a probe observes a changed tool list.
	EventInventoryUpdated EventType = "inventory.updated"
	// EventScopesReloaded is emitted after the scope policy document is rewritten.
	EventScopesReloaded EventType = "scopes.reloaded"
	// EventProxyReloadRequested is emitted after the proxy fragment is rewritten.
	EventProxyReloadRequested EventType = "proxy.reload_requested"
	// EventIndexRebuilt is emitted after a tool index rebuild completes.
	EventIndexRebuilt EventType = "index.rebuilt"
)

// Event is a typed notification published on the bus.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// New builds an event stamped with the current UTC time.
func New(eventType EventType, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

const defaultEventBuffer = 256

// Bus fans events out to subscribers. Publishing never blocks; a subscriber
// that falls behind loses events rather than stalling the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber and returns its channel. Callers must
// not close the returned channel; use Unsubscribe when finished.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, defaultEventBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the subscriber and closes the channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	for ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.RUnlock()
}

// Emit is shorthand for Publish(New(eventType, payload)).
func (b *Bus) Emit(eventType EventType, payload map[string]any) {
	b.Publish(New(eventType, payload))
}
