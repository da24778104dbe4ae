package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"toolrelay/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.Default())
}

func newEvent(t domain.EventType, conversationID string) domain.Event {
	return domain.Event{Type: t, Timestamp: time.Now(), ConversationID: conversationID}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventToolCallCompleted, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventToolCallCompleted {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventToolCallCompleted, "c1"))
	bus.Publish(context.Background(), newEvent(domain.EventToolCallStarted, "c1"))
	bus.Close() // drain
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventToolApprovalReq, "c1"))
	bus.Publish(context.Background(), newEvent(domain.EventToolCallStarted, "c2"))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2, got %d", got.Load())
	}
}

func TestSubscribeConversation(t *testing.T) {
	bus := newTestBus()

	var all, approvals atomic.Int32
	bus.SubscribeConversation("c1", func(_ context.Context, _ domain.Event) { all.Add(1) })
	bus.SubscribeConversation("c1", func(_ context.Context, _ domain.Event) { approvals.Add(1) },
		domain.EventToolApprovalReq, domain.EventToolApprovalResp)

	ctx := context.Background()
	bus.Publish(ctx, newEvent(domain.EventToolApprovalReq, "c1"))
	bus.Publish(ctx, newEvent(domain.EventToolCallCompleted, "c1"))
	bus.Publish(ctx, newEvent(domain.EventToolApprovalReq, "c2"))
	bus.Close()

	if all.Load() != 2 {
		t.Errorf("conversation subscriber: expected 2, got %d", all.Load())
	}
	if approvals.Load() != 1 {
		t.Errorf("narrowed subscriber: expected 1, got %d", approvals.Load())
	}
}

func TestPublishFillsConversationFromContext(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeConversation("c9", func(_ context.Context, e domain.Event) {
		if !e.Timestamp.IsZero() {
			got.Add(1)
		}
	})

	ctx := domain.ContextWithConversationID(context.Background(), "c9")
	bus.Publish(ctx, domain.Event{Type: domain.EventStreamStarted})
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestEmit(t *testing.T) {
	bus := newTestBus()

	var mu sync.Mutex
	var payload domain.ApprovalEventPayload
	bus.Subscribe(domain.EventToolApprovalResp, func(_ context.Context, e domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.Unmarshal(e.Payload, &payload)
	})

	bus.Emit(context.Background(), domain.EventToolApprovalResp, "c1", domain.ApprovalEventPayload{
		ToolCallID: "call-1",
		Decision:   domain.ApprovalYes,
	})
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	if payload.ToolCallID != "call-1" || payload.Decision != domain.ApprovalYes {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	unsub := bus.Subscribe(domain.EventToolCallCompleted, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})
	if bus.Stats().Subscribers != 1 {
		t.Fatalf("expected 1 subscriber, got %d", bus.Stats().Subscribers)
	}

	unsub()
	bus.Publish(context.Background(), newEvent(domain.EventToolCallCompleted, "c1"))
	bus.Close()

	if got.Load() != 0 {
		t.Fatalf("expected no delivery after unsub, got %d", got.Load())
	}
	if bus.Stats().Subscribers != 0 {
		t.Fatalf("expected 0 subscribers, got %d", bus.Stats().Subscribers)
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventToolCallCompleted, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), newEvent(domain.EventToolCallCompleted, "c1"))
		}()
	}
	wg.Wait()
	bus.Close()

	if got.Load() != 100 {
		t.Fatalf("expected 100, got %d", got.Load())
	}
	if bus.Stats().Published != 100 {
		t.Fatalf("expected 100 published, got %d", bus.Stats().Published)
	}
}

func TestPanicRecovery(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventToolCallCompleted, func(_ context.Context, _ domain.Event) {
		panic("boom")
	})
	bus.Subscribe(domain.EventToolCallCompleted, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventToolCallCompleted, "c1"))
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("expected 1 (second handler), got %d", got.Load())
	}
	if bus.Stats().Panics != 1 {
		t.Fatalf("expected 1 recorded panic, got %d", bus.Stats().Panics)
	}
}

func TestCloseDrainsAndRejectsNew(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventToolCallCompleted, func(_ context.Context, _ domain.Event) {
		time.Sleep(50 * time.Millisecond)
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventToolCallCompleted, "c1"))
	bus.Close() // blocks until the handler finishes

	if got.Load() != 1 {
		t.Fatalf("expected handler to have run, got %d", got.Load())
	}

	bus.Publish(context.Background(), newEvent(domain.EventToolCallCompleted, "c1"))
	time.Sleep(20 * time.Millisecond)
	if got.Load() != 1 {
		t.Fatalf("expected no delivery after close, got %d", got.Load())
	}
	bus.Close()
}
