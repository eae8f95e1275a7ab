// Package events provides the in-process pub/sub bus that fans server
// action outcomes out to the push channel, the audit trail, and the search
// index.
package events

import (
	"sync"
	"time"

	"watchtower-go/internal/config"
	"watchtower-go/internal/registry"
)

// EventType represents the type of event
type EventType string

const (
	// StatusUpdate carries the updated entity after a completed transition.
	StatusUpdate EventType = "status_update"

	// ActionFailure is emitted when an action fails during the async
	// transition (unrecognized action type). It never reaches the HTTP
	// response of the dispatch that caused it.
	ActionFailure EventType = "action_failure"

	// ActionDispatched fires synchronously when an action is accepted,
	// before the transition runs. Consumed by the audit trail; the push
	// channel does not forward it.
	ActionDispatched EventType = "action_dispatched"
)

// Event represents a single event in the system
type Event struct {
	Type       EventType              `json:"type"`
	ServerID   string                 `json:"server_id,omitempty"`
	ActionID   string                 `json:"action_id,omitempty"`
	ActionType string                 `json:"action_type,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Entity     *registry.ServerEntity `json:"entity,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Bus is a thread-safe event bus for pub/sub messaging
type Bus struct {
	mu             sync.RWMutex
	subscribers    map[EventType][]chan Event
	allSubscribers []chan Event
	closed         bool
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
	}
}

// Subscribe subscribes to a specific event type and returns a channel for
// receiving events. The channel is buffered to prevent blocking publishers.
func (b *Bus) Subscribe(eventType EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, config.EventChannelBufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
	return ch
}

// SubscribeAll subscribes to every event type, including types first
// published after the subscription.
func (b *Bus) SubscribeAll() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, config.EventChannelBufferSizeAll)
	b.allSubscribers = append(b.allSubscribers, ch)
	return ch
}

// Unsubscribe removes a subscription channel
func (b *Bus) Unsubscribe(eventType EventType, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subscribers, exists := b.subscribers[eventType]
	if !exists {
		return
	}

	for i, subscriber := range subscribers {
		if subscriber == ch {
			// Remove from slice without preserving order
			subscribers[i] = subscribers[len(subscribers)-1]
			b.subscribers[eventType] = subscribers[:len(subscribers)-1]
			break
		}
	}

	if len(b.subscribers[eventType]) == 0 {
		delete(b.subscribers, eventType)
	}
}

// Publish publishes an event to all subscribers of that event type.
// Non-blocking: if a subscriber's channel is full, the event is dropped for
// that subscriber.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// Channel full, drop to avoid blocking the publisher
		}
	}
	for _, ch := range b.allSubscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes the event bus and all subscriber channels
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, subscribers := range b.subscribers {
		for _, ch := range subscribers {
			close(ch)
		}
	}
	for _, ch := range b.allSubscribers {
		close(ch)
	}

	b.subscribers = make(map[EventType][]chan Event)
	b.allSubscribers = nil
}

// SubscriberCount returns the number of subscribers for a specific event type
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subscribers[eventType])
}

// TotalSubscribers returns the total number of subscriber channels
func (b *Bus) TotalSubscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := len(b.allSubscribers)
	for _, subscribers := range b.subscribers {
		total += len(subscribers)
	}
	return total
}

// IsClosed returns whether the bus has been closed
func (b *Bus) IsClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.closed
}
