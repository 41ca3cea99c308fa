// Package paper is an in-process simulated broker. It fills market orders at
// the last observed price and limit orders once the market crosses them, and
// reports progress through the same asynchronous callback channel a live
// broker would use.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/optflow/internal/domain/broker"
	"github.com/coachpo/optflow/internal/domain/errs"
	"github.com/coachpo/optflow/internal/domain/schema"
	"github.com/coachpo/optflow/internal/observability"
)

// Options configures a Broker.
type Options struct {
	// Prices seeds the synthetic feed and the initial last price per instrument.
	Prices       map[string]decimal.Decimal
	TickInterval time.Duration
	Model        PriceModel
	// DuplicateCallbacks sends every order event twice, as some brokers do.
	DuplicateCallbacks bool
	// RejectAbove rejects orders whose quantity exceeds it. Zero disables.
	RejectAbove decimal.Decimal
	Buffer      int
	Clock       func() time.Time
	Logger      observability.Logger
}

type order struct {
	req    schema.OrderRequest
	id     string
	status schema.OrderState
	filled decimal.Decimal
	avg    decimal.Decimal
	reason string
	at     time.Time
}

func (o *order) event() schema.BrokerOrderEvent {
	return schema.BrokerOrderEvent{
		OrderID:         o.id,
		ClientRequestID: o.req.ClientRequestID,
		Status:          o.status,
		FilledQuantity:  o.filled,
		AvgFillPrice:    o.avg,
		Reason:          o.reason,
		Timestamp:       o.at,
	}
}

// Broker implements broker.Adapter and broker.Modifier.
type Broker struct {
	opts Options

	mu       sync.Mutex
	next     int
	byID     map[string]*order
	byClient map[string]*order
	last     map[string]decimal.Decimal

	updates chan schema.BrokerOrderEvent
}

var (
	_ broker.Adapter  = (*Broker)(nil)
	_ broker.Modifier = (*Broker)(nil)
)

// New constructs a paper broker.
func New(opts Options) *Broker {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = observability.Log()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	b := &Broker{
		opts:     opts,
		byID:     make(map[string]*order),
		byClient: make(map[string]*order),
		last:     make(map[string]decimal.Decimal),
		updates:  make(chan schema.BrokerOrderEvent, opts.Buffer),
	}
	for inst, px := range opts.Prices {
		b.last[inst] = px
	}
	return b
}

// OrderUpdates implements broker.UpdateSource.
func (b *Broker) OrderUpdates() <-chan schema.BrokerOrderEvent {
	return b.updates
}

// Observe records a market price and fills any working order it crosses.
func (b *Broker) Observe(q schema.Quote) {
	if !q.LastPrice.IsPositive() {
		return
	}
	b.mu.Lock()
	b.last[q.Instrument] = q.LastPrice
	var events []schema.BrokerOrderEvent
	for _, o := range b.byID {
		if o.req.Instrument == q.Instrument && b.tryFillLocked(o) {
			events = append(events, o.event())
		}
	}
	b.mu.Unlock()
	b.emit(events...)
}

// PlaceOrder implements broker.OrderPlacer. Re-sending a known client request
// id returns the original order id.
func (b *Broker) PlaceOrder(_ context.Context, req schema.OrderRequest) (schema.Ack, error) {
	now := b.opts.Clock()
	b.mu.Lock()
	if o, ok := b.byClient[req.ClientRequestID]; ok && req.ClientRequestID != "" {
		b.mu.Unlock()
		return schema.Ack{OrderID: o.id, AcceptedAt: now}, nil
	}
	b.next++
	o := &order{req: req, id: fmt.Sprintf("PAPER-%06d", b.next), status: schema.OrderStateAcknowledged, at: now}
	b.byID[o.id] = o
	if req.ClientRequestID != "" {
		b.byClient[req.ClientRequestID] = o
	}
	events := []schema.BrokerOrderEvent{o.event()}
	if limit := b.opts.RejectAbove; limit.IsPositive() && req.Quantity.GreaterThan(limit) {
		o.status, o.reason = schema.OrderStateRejected, "quantity above freeze limit"
		events = append(events, o.event())
	} else if b.tryFillLocked(o) {
		events = append(events, o.event())
	}
	b.mu.Unlock()

	b.opts.Logger.Debug("paper: order accepted",
		observability.F("order_id", o.id),
		observability.F("client_request_id", req.ClientRequestID),
		observability.F("instrument", req.Instrument),
		observability.F("side", req.Side))
	b.emit(events...)
	return schema.Ack{OrderID: o.id, AcceptedAt: now}, nil
}

// CancelOrder implements broker.OrderPlacer.
func (b *Broker) CancelOrder(_ context.Context, ref schema.OrderRef) error {
	b.mu.Lock()
	o := b.lookupLocked(ref)
	if o == nil {
		b.mu.Unlock()
		return errs.New("paper/cancel", errs.CodeNotFound, errs.WithCanonicalCode(errs.CanonicalOrderNotFound), errs.WithField("ref", ref.String()))
	}
	if o.status.IsTerminal() {
		state := o.status
		b.mu.Unlock()
		return errs.New("paper/cancel", errs.CodeInvalidState, errs.WithMessage("order already "+string(state)))
	}
	o.status, o.at = schema.OrderStateCancelled, b.opts.Clock()
	ev := o.event()
	b.mu.Unlock()
	b.emit(ev)
	return nil
}

// ModifyOrder implements broker.Modifier.
func (b *Broker) ModifyOrder(_ context.Context, ref schema.OrderRef, req schema.ModifyRequest) error {
	b.mu.Lock()
	o := b.lookupLocked(ref)
	if o == nil {
		b.mu.Unlock()
		return errs.New("paper/modify", errs.CodeNotFound, errs.WithCanonicalCode(errs.CanonicalOrderNotFound))
	}
	if o.status.IsTerminal() {
		b.mu.Unlock()
		return errs.New("paper/modify", errs.CodeInvalidState, errs.WithMessage("order already "+string(o.status)))
	}
	if req.Price != nil {
		o.req.Price = *req.Price
	}
	if req.Quantity != nil {
		o.req.Quantity = *req.Quantity
	}
	var events []schema.BrokerOrderEvent
	if b.tryFillLocked(o) {
		events = append(events, o.event())
	}
	b.mu.Unlock()
	b.emit(events...)
	return nil
}

// FetchOrderStatus implements broker.OrderPlacer.
func (b *Broker) FetchOrderStatus(_ context.Context, ref schema.OrderRef) (schema.BrokerOrderEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o := b.lookupLocked(ref)
	if o == nil {
		return schema.BrokerOrderEvent{}, errs.New("paper/status", errs.CodeNotFound, errs.WithCanonicalCode(errs.CanonicalOrderNotFound), errs.WithField("ref", ref.String()))
	}
	return o.event(), nil
}

func (b *Broker) lookupLocked(ref schema.OrderRef) *order {
	if o, ok := b.byID[ref.OrderID]; ok {
		return o
	}
	if o, ok := b.byClient[ref.ClientRequestID]; ok {
		return o
	}
	return nil
}

// tryFillLocked fills o completely when the market allows it.
func (b *Broker) tryFillLocked(o *order) bool {
	if o.status.IsTerminal() {
		return false
	}
	last, ok := b.last[o.req.Instrument]
	if !ok {
		return false
	}
	if o.req.Type == schema.OrderTypeLimit {
		crossed := (o.req.Side == schema.SideBuy && last.LessThanOrEqual(o.req.Price)) ||
			(o.req.Side == schema.SideSell && last.GreaterThanOrEqual(o.req.Price))
		if !crossed {
			return false
		}
		last = o.req.Price
	}
	o.status = schema.OrderStateFilled
	o.filled = o.req.Quantity
	o.avg = last
	o.at = b.opts.Clock()
	return true
}

func (b *Broker) emit(events ...schema.BrokerOrderEvent) {
	for _, ev := range events {
		copies := 1
		if b.opts.DuplicateCallbacks {
			copies = 2
		}
		for i := 0; i < copies; i++ {
			select {
			case b.updates <- ev:
			default:
				b.opts.Logger.Error("paper: update buffer full, callback lost",
					observability.F("order_id", ev.OrderID),
					observability.F("status", ev.Status))
			}
		}
	}
}
