package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/coachpo/optflow/internal/domain/schema"
)

func receive(t *testing.T, ch <-chan schema.StreamEvent) schema.StreamEvent {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return schema.StreamEvent{}
}

func TestMemoryBusPublishNoSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 4})
	defer bus.Close()

	if err := bus.Publish(context.Background(), schema.StreamEvent{Kind: schema.EventQuoteDropped}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMemoryBusPublishEmptyKind(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	if err := bus.Publish(context.Background(), schema.StreamEvent{}); err == nil {
		t.Fatal("expected error for empty kind")
	}
}

func TestMemoryBusRoutesByKind(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 4})
	defer bus.Close()
	ctx := context.Background()

	_, orders, err := bus.Subscribe(ctx, schema.EventOrderTransition)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_, all, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	_ = bus.Publish(ctx, schema.StreamEvent{Kind: schema.EventQuoteDropped, Instrument: "NIFTY25JAN30C"})
	_ = bus.Publish(ctx, schema.StreamEvent{Kind: schema.EventOrderTransition, To: "FILLED"})

	if got := receive(t, orders); got.Kind != schema.EventOrderTransition {
		t.Fatalf("unexpected kind %s", got.Kind)
	}
	if got := receive(t, all); got.Kind != schema.EventQuoteDropped {
		t.Fatalf("expected drop first on wildcard subscriber, got %s", got.Kind)
	}
	if got := receive(t, all); got.Kind != schema.EventOrderTransition {
		t.Fatalf("unexpected kind %s", got.Kind)
	}
	select {
	case evt := <-orders:
		t.Fatalf("unexpected extra event %v", evt)
	default:
	}
}

func TestMemoryBusDropsOldestWhenFull(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 2})
	defer bus.Close()
	ctx := context.Background()

	_, ch, _ := bus.Subscribe(ctx, schema.EventLegTransition)
	for _, leg := range []string{"a", "b", "c"} {
		if err := bus.Publish(ctx, schema.StreamEvent{Kind: schema.EventLegTransition, Leg: leg}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if got := receive(t, ch); got.Leg != "b" {
		t.Fatalf("expected oldest to be evicted, got %q", got.Leg)
	}
	if got := receive(t, ch); got.Leg != "c" {
		t.Fatalf("expected newest retained, got %q", got.Leg)
	}
}

func TestMemoryBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	id, ch, _ := bus.Subscribe(context.Background(), schema.EventUnreconciled)
	bus.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	// publishing after unsubscribe must not panic
	_ = bus.Publish(context.Background(), schema.StreamEvent{Kind: schema.EventUnreconciled})
}

func TestMemoryBusContextCancelRemovesSubscriber(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	_, ch, _ := bus.Subscribe(ctx, schema.EventUnreconciled)
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestMemoryBusCloseRejectsPublish(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	_, ch, _ := bus.Subscribe(context.Background())
	bus.Close()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	if err := bus.Publish(context.Background(), schema.StreamEvent{Kind: schema.EventUnreconciled}); err == nil {
		t.Fatal("expected error after close")
	}
}
