package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"toolrelay/internal/domain"
)

func BenchmarkPublish(b *testing.B) {
	bus := New(slog.Default())
	ctx := context.Background()
	event := newEvent(domain.EventToolCallCompleted, "bench")
	bus.Subscribe(domain.EventToolCallCompleted, func(context.Context, domain.Event) {})

	b.ReportAllocs()
	for b.Loop() {
		bus.Publish(ctx, event)
	}
	bus.Close()
}

// Many open conversations, each with a gateway subscription.
func BenchmarkPublishManyConversations(b *testing.B) {
	bus := New(slog.Default())
	ctx := context.Background()
	for i := range 100 {
		bus.SubscribeConversation(fmt.Sprintf("c%d", i), func(context.Context, domain.Event) {})
	}
	event := newEvent(domain.EventToolCallCompleted, "c42")

	b.ReportAllocs()
	for b.Loop() {
		bus.Publish(ctx, event)
	}
	bus.Close()
}
