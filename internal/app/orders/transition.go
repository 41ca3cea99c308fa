package orders

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/optflow/internal/domain/schema"
)

// verdict is the outcome of judging a broker event against an order.
type verdict uint8

const (
	verdictApply verdict = iota
	verdictStale
)

// judge decides whether ev advances order. The rule: terminal orders never
// move; events older than the last applied broker timestamp are stale; the
// lifecycle rank never decreases; a reported cumulative fill below the
// recorded one is stale whatever the status; within PartiallyFilled only a
// strictly larger cumulative fill counts.
func judge(order schema.OrderSnapshot, ev schema.BrokerOrderEvent) verdict {
	if order.State.IsTerminal() {
		return verdictStale
	}
	if !ev.Timestamp.IsZero() && ev.Timestamp.Before(order.LastBrokerEventAt) {
		return verdictStale
	}
	next := ev.Status.Rank()
	cur := order.State.Rank()
	if next <= schema.OrderStateCreated.Rank() {
		return verdictStale
	}
	if next < cur {
		return verdictStale
	}
	if ev.FilledQuantity.IsPositive() && ev.FilledQuantity.LessThan(order.FilledQuantity) {
		return verdictStale
	}
	if ev.Status == schema.OrderStatePartiallyFilled {
		if !ev.FilledQuantity.GreaterThan(order.FilledQuantity) {
			return verdictStale
		}
		return verdictApply
	}
	if next == cur {
		return verdictStale
	}
	return verdictApply
}

// apply mutates order with an event judge accepted.
func apply(order *schema.OrderSnapshot, ev schema.BrokerOrderEvent, now time.Time) {
	order.State = ev.Status
	switch ev.Status {
	case schema.OrderStateFilled:
		filled := ev.FilledQuantity
		if !filled.IsPositive() {
			filled = order.Quantity
		}
		order.FilledQuantity = decimal.Max(filled, order.FilledQuantity)
	case schema.OrderStatePartiallyFilled, schema.OrderStateCancelled:
		if ev.FilledQuantity.GreaterThan(order.FilledQuantity) {
			order.FilledQuantity = ev.FilledQuantity
		}
	case schema.OrderStateRejected:
		order.RejectReason = ev.Reason
	}
	if ev.AvgFillPrice.IsPositive() {
		order.AvgFillPrice = ev.AvgFillPrice
	} else if ev.Status == schema.OrderStateFilled && order.AvgFillPrice.IsZero() && order.Type == schema.OrderTypeLimit {
		order.AvgFillPrice = order.Price
	}
	if ev.OrderID != "" && order.OrderID == "" {
		order.OrderID = ev.OrderID
	}
	if ev.Timestamp.After(order.LastBrokerEventAt) {
		order.LastBrokerEventAt = ev.Timestamp
	}
	order.UpdatedAt = now
}
