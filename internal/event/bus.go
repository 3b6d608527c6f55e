package event

import (
	"runtime/debug"
	"sync"

	"github.com/Iron-Ham/iolink/internal/logging"
)

// Handler is a function that handles an event.
type Handler func(Event)

// wildcard is the subscription key that matches every event type.
const wildcard = "*"

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous pub-sub event bus. Handlers run on the publishing
// goroutine, which may be a completion context: handlers must not block.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID uint64
	logger *logging.Logger
}

// NewBus creates a new event bus. A nil logger discards handler panics
// reports.
func NewBus(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Bus{
		subs:   make(map[string][]subscription),
		logger: logger.WithComponent("event"),
	}
}

// Subscribe registers a handler for a specific event type and returns an ID
// for Unsubscribe.
func (b *Bus) Subscribe(eventType string, handler Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs[eventType] = append(b.subs[eventType], subscription{id: b.nextID, handler: handler})
	return b.nextID
}

// SubscribeAll registers a handler for all event types.
func (b *Bus) SubscribeAll(handler Handler) uint64 {
	return b.Subscribe(wildcard, handler)
}

// Unsubscribe removes a subscription by ID.
// Returns true if the subscription was found and removed.
func (b *Bus) Unsubscribe(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subs {
		for i, sub := range subs {
			if sub.id == id {
				b.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish dispatches an event to the handlers of its type, then to wildcard
// handlers, each group in registration order. A panicking handler is logged
// and skipped.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	specific := b.subs[e.EventType()]
	all := b.subs[wildcard]
	targets := make([]subscription, 0, len(specific)+len(all))
	targets = append(targets, specific...)
	targets = append(targets, all...)
	b.mu.RUnlock()

	for _, sub := range targets {
		b.safeCall(sub.handler, e)
	}
}

func (b *Bus) safeCall(handler Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", e.EventType(),
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	handler(e)
}

// SubscriptionCount returns the total number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, subs := range b.subs {
		count += len(subs)
	}
	return count
}
