// Package eventbus defines the pub/sub stream of observability events.
package eventbus

import (
	"context"

	"github.com/coachpo/optflow/internal/domain/schema"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Bus delivers stream events to interested subscribers.
type Bus interface {
	Publish(ctx context.Context, evt schema.StreamEvent) error
	// Subscribe registers for the given kinds; no kinds means every kind.
	Subscribe(ctx context.Context, kinds ...schema.EventKind) (SubscriptionID, <-chan schema.StreamEvent, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// Publisher is the narrow write side used by producers.
type Publisher interface {
	Publish(ctx context.Context, evt schema.StreamEvent) error
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, schema.StreamEvent) error { return nil }

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize    int
	FanoutWorkers int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}
