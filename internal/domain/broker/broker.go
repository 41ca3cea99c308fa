// Package broker defines the capability surface the runtime requires from a brokerage.
package broker

import (
	"context"

	"github.com/coachpo/optflow/internal/domain/schema"
)

// QuoteSource streams raw market-data frames for the requested instruments.
type QuoteSource interface {
	StreamQuotes(ctx context.Context, instruments []string) (<-chan schema.RawTick, error)
}

// OrderPlacer submits, cancels and queries orders.
//
// Implementations must treat ClientRequestID as an idempotency key where the
// broker supports it, and wrap retryable transport failures with errs.Transient.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.Ack, error)
	CancelOrder(ctx context.Context, ref schema.OrderRef) error
	FetchOrderStatus(ctx context.Context, ref schema.OrderRef) (schema.BrokerOrderEvent, error)
}

// UpdateSource delivers asynchronous order status callbacks.
type UpdateSource interface {
	OrderUpdates() <-chan schema.BrokerOrderEvent
}

// Modifier is implemented by adapters that can amend a working order.
type Modifier interface {
	ModifyOrder(ctx context.Context, ref schema.OrderRef, req schema.ModifyRequest) error
}

// Adapter is the full broker capability.
type Adapter interface {
	QuoteSource
	OrderPlacer
	UpdateSource
}
