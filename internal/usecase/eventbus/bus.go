// Package eventbus fans tool-relay events out to in-process subscribers:
// the gateway's client connections, the audit log and metrics.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"toolrelay/internal/domain"
)

// filter decides whether a subscription receives an event.
type filter func(domain.Event) bool

type subscription struct {
	id      uint64
	accept  filter
	handler domain.EventHandler
}

// Bus is an in-process, goroutine-safe event bus. Every handler runs on its
// own goroutine so a slow subscriber cannot stall a tool invocation.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID atomic.Uint64
	logger *slog.Logger
	wg     sync.WaitGroup
	closed atomic.Bool

	published atomic.Int64
	panics    atomic.Int64
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Publish fans out an event to every subscription whose filter accepts it.
// Panicking handlers are recovered and counted.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ConversationID == "" {
		event.ConversationID = domain.ConversationIDFromContext(ctx)
	}
	b.published.Add(1)

	b.mu.RLock()
	subs := slices.Clone(b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.accept == nil || sub.accept(event) {
			b.dispatch(ctx, event, sub)
		}
	}
}

// Emit marshals payload and publishes it as an event of type typ for the
// given conversation. A payload that cannot be marshalled is logged and the
// event is published without it.
func (b *Bus) Emit(ctx context.Context, typ domain.EventType, conversationID string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			b.logger.Warn("event payload not encodable", "event", string(typ), "error", err)
		} else {
			raw = data
		}
	}
	b.Publish(ctx, domain.Event{
		Type:           typ,
		Timestamp:      time.Now(),
		ConversationID: conversationID,
		Payload:        raw,
	})
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.panics.Add(1)
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"conversation_id", event.ConversationID,
					"panic", r,
				)
			}
		}()
		sub.handler(ctx, event)
	}()
}

func (b *Bus) subscribe(accept filter, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.subs = append(b.subs, subscription{id: id, accept: accept, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs = slices.DeleteFunc(b.subs, func(s subscription) bool { return s.id == id })
	}
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.subscribe(func(e domain.Event) bool { return e.Type == eventType }, handler)
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.subscribe(nil, handler)
}

// SubscribeConversation registers a handler that receives the events of one
// conversation, optionally narrowed to the given types.
func (b *Bus) SubscribeConversation(conversationID string, handler domain.EventHandler, types ...domain.EventType) func() {
	return b.subscribe(func(e domain.Event) bool {
		if e.ConversationID != conversationID {
			return false
		}
		return len(types) == 0 || slices.Contains(types, e.Type)
	}, handler)
}

// Stats is a point-in-time snapshot of bus activity.
type Stats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Panics      int64 `json:"handler_panics"`
}

// Stats returns current counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{Subscribers: n, Published: b.published.Load(), Panics: b.panics.Load()}
}

// Close prevents new publishes and waits for all in-flight handlers to finish.
// Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}
