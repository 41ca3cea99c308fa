package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType distinguishes market and limit orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderState enumerates the lifecycle states of an order.
type OrderState string

const (
	OrderStateCreated         OrderState = "CREATED"
	OrderStateSubmitted       OrderState = "SUBMITTED"
	OrderStateAcknowledged    OrderState = "ACKNOWLEDGED"
	OrderStatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderStateFilled          OrderState = "FILLED"
	OrderStateRejected        OrderState = "REJECTED"
	OrderStateCancelled       OrderState = "CANCELLED"
)

// IsTerminal reports whether no further transitions are possible.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateRejected, OrderStateCancelled:
		return true
	default:
		return false
	}
}

// Rank orders states along the lifecycle. Terminal states share the top rank.
func (s OrderState) Rank() int {
	switch s {
	case OrderStateCreated:
		return 0
	case OrderStateSubmitted:
		return 1
	case OrderStateAcknowledged:
		return 2
	case OrderStatePartiallyFilled:
		return 3
	case OrderStateFilled, OrderStateRejected, OrderStateCancelled:
		return 4
	default:
		return -1
	}
}

// Cancellable reports whether cancel or modify may be requested from this state.
func (s OrderState) Cancellable() bool {
	switch s {
	case OrderStateSubmitted, OrderStateAcknowledged, OrderStatePartiallyFilled:
		return true
	default:
		return false
	}
}

// ParseOrderState maps a broker status string to an OrderState.
func ParseOrderState(raw string) (OrderState, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "CREATED":
		return OrderStateCreated, nil
	case "SUBMITTED", "PUT ORDER REQ RECEIVED", "VALIDATION PENDING", "OPEN PENDING":
		return OrderStateSubmitted, nil
	case "ACKNOWLEDGED", "OPEN", "TRIGGER PENDING", "NEW":
		return OrderStateAcknowledged, nil
	case "PARTIALLY_FILLED", "PARTIALLY FILLED", "PARTIAL":
		return OrderStatePartiallyFilled, nil
	case "FILLED", "COMPLETE":
		return OrderStateFilled, nil
	case "REJECTED":
		return OrderStateRejected, nil
	case "CANCELLED", "CANCELED":
		return OrderStateCancelled, nil
	default:
		return "", fmt.Errorf("unknown order status %q", raw)
	}
}

// OrderRef locates an order by broker id or client request id. Either may be empty.
type OrderRef struct {
	OrderID         string `json:"orderId,omitempty"`
	ClientRequestID string `json:"clientRequestId,omitempty"`
}

func (r OrderRef) String() string {
	if r.OrderID != "" {
		return r.OrderID
	}
	return r.ClientRequestID
}

// OrderRequest represents an order submission from a strategy.
type OrderRequest struct {
	ClientRequestID string          `json:"clientRequestId"`
	StrategyID      string          `json:"strategyId"`
	Leg             string          `json:"leg,omitempty"`
	Instrument      string          `json:"instrument"`
	Side            Side            `json:"side"`
	Type            OrderType       `json:"type"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
}

// ModifyRequest carries the replacement price and/or quantity for a working order.
type ModifyRequest struct {
	Price    *decimal.Decimal `json:"price,omitempty"`
	Quantity *decimal.Decimal `json:"quantity,omitempty"`
}

// Ack is the broker's synchronous response to an accepted submission.
type Ack struct {
	OrderID    string    `json:"orderId"`
	AcceptedAt time.Time `json:"acceptedAt"`
}

// BrokerOrderEvent is an asynchronous order status callback, or the result of a status fetch.
type BrokerOrderEvent struct {
	OrderID         string          `json:"orderId"`
	ClientRequestID string          `json:"clientRequestId,omitempty"`
	Status          OrderState      `json:"status"`
	FilledQuantity  decimal.Decimal `json:"filledQuantity"`
	AvgFillPrice    decimal.Decimal `json:"avgFillPrice"`
	Reason          string          `json:"reason,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// OrderSnapshot is a read-only copy of an order's current view.
type OrderSnapshot struct {
	OrderID           string          `json:"orderId,omitempty"`
	ClientRequestID   string          `json:"clientRequestId"`
	StrategyID        string          `json:"strategyId"`
	Leg               string          `json:"leg,omitempty"`
	Instrument        string          `json:"instrument"`
	Side              Side            `json:"side"`
	Type              OrderType       `json:"type"`
	Quantity          decimal.Decimal `json:"quantity"`
	Price             decimal.Decimal `json:"price"`
	State             OrderState      `json:"state"`
	FilledQuantity    decimal.Decimal `json:"filledQuantity"`
	AvgFillPrice      decimal.Decimal `json:"avgFillPrice"`
	CancelRequested   bool            `json:"cancelRequested"`
	RejectReason      string          `json:"rejectReason,omitempty"`
	LastBrokerEventAt time.Time       `json:"lastBrokerEventAt"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Ref returns the snapshot's lookup reference.
func (o OrderSnapshot) Ref() OrderRef {
	return OrderRef{OrderID: o.OrderID, ClientRequestID: o.ClientRequestID}
}

// SignedFill returns the filled quantity, negative for sells.
func (o OrderSnapshot) SignedFill() decimal.Decimal {
	if o.Side == SideSell {
		return o.FilledQuantity.Neg()
	}
	return o.FilledQuantity
}

// Position is the net exposure of one strategy in one instrument, derived from fills.
type Position struct {
	StrategyID string          `json:"strategyId"`
	Instrument string          `json:"instrument"`
	Quantity   decimal.Decimal `json:"quantity"`
	AvgPrice   decimal.Decimal `json:"avgPrice"`
}
