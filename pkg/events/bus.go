// Package events provides the in-process event bus. Dispatch is synchronous
// and ordered: handlers for one event type run in subscription order, and a
// panicking handler never takes down its siblings or the publisher.
package events

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event types emitted by the engine.
const (
	MemoryAdded        = "memory_added"
	MemoryUpdated      = "memory_updated"
	MemoryDeleted      = "memory_deleted"
	MemoryDecayed      = "memory_decayed"
	MemoryConsolidated = "memory_consolidated"
	QueryExecuted      = "query_executed"
	FactCreated        = "temporal:fact:created"
	FactUpdated        = "temporal:fact:updated"
	FactDeleted        = "temporal:fact:deleted"
	EdgeCreated        = "temporal:edge:created"
	EdgeUpdated        = "temporal:edge:updated"
	EdgeDeleted        = "temporal:edge:deleted"
)

// maxListeners bounds subscriptions per event type.
const maxListeners = 100

// ErrTooManyListeners indicates the per-type subscription cap was hit.
var ErrTooManyListeners = errors.New("events: too many listeners")

// Envelope is the immutable payload handed to handlers. Handlers must not
// mutate Payload; publishers copy what they need before emitting.
type Envelope struct {
	// Type is one of the event type constants.
	Type string

	// UserID scopes the event to a tenant; empty for system events.
	UserID string

	// Payload carries event data keyed by field name.
	Payload map[string]interface{}

	// At is the emit time in Unix milliseconds.
	At int64
}

// Handler consumes one event.
type Handler func(ev Envelope)

// Bus is a synchronous typed publish/subscribe hub.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *zap.Logger
}

// NewBus creates a bus. A nil logger falls back to zap.NewNop.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

// Subscribe registers fn for eventType. Registration order is dispatch
// order.
func (b *Bus) Subscribe(eventType string, fn Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.handlers[eventType]) >= maxListeners {
		return ErrTooManyListeners
	}
	b.handlers[eventType] = append(b.handlers[eventType], fn)
	return nil
}

// Publish dispatches the event to every subscriber of its type, in order.
// Handler panics are recovered and logged so one bad listener cannot block
// the rest.
func (b *Bus) Publish(eventType, userID string, payload map[string]interface{}) {
	b.mu.RLock()
	handlers := b.handlers[eventType]
	b.mu.RUnlock()
	if len(handlers) == 0 {
		return
	}

	ev := Envelope{
		Type:    eventType,
		UserID:  userID,
		Payload: payload,
		At:      time.Now().UnixMilli(),
	}
	for _, fn := range handlers {
		b.dispatch(fn, ev)
	}
}

func (b *Bus) dispatch(fn Handler, ev Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic",
				zap.String("event", ev.Type),
				zap.Any("panic", r))
		}
	}()
	fn(ev)
}

// ListenerCount reports the subscriber count for eventType.
func (b *Bus) ListenerCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}
