// Package strategy runs per-leg option strategies against the quote
// dispatcher and the order lifecycle manager.
//
// Each leg follows Flat → Entering → Open → ExitRequested → Closed. All
// decisions happen on the strategy's own delivery goroutine as quotes arrive;
// order progress is pulled from the manager on the same goroutine, so a leg
// never races against itself. Legs are independent: nothing couples the
// entry or exit of one leg to another.
package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/optflow/internal/app/dispatcher"
	"github.com/coachpo/optflow/internal/app/orders"
	"github.com/coachpo/optflow/internal/app/session"
	"github.com/coachpo/optflow/internal/domain/errs"
	"github.com/coachpo/optflow/internal/domain/schema"
	"github.com/coachpo/optflow/internal/infra/bus/eventbus"
	"github.com/coachpo/optflow/internal/observability"
	"github.com/coachpo/optflow/internal/risk"
	"github.com/coachpo/optflow/internal/telemetry"
)

// QuoteRouter is the subset of the dispatcher a runtime needs.
type QuoteRouter interface {
	Subscribe(consumerID string, instruments []string, handler dispatcher.Handler) (dispatcher.SubscriptionID, error)
	Unsubscribe(id dispatcher.SubscriptionID) bool
}

// OrderBook is the subset of the order manager a runtime needs.
type OrderBook interface {
	PlaceWithRetry(ctx context.Context, req schema.OrderRequest) (schema.OrderSnapshot, error)
	Order(ref schema.OrderRef) (schema.OrderSnapshot, bool)
	Position(strategyID, instrument string) schema.Position
}

// Deps are the collaborators of a Runtime. Router and Orders are required.
type Deps struct {
	Router QuoteRouter
	Orders OrderBook
	Policy Policy
	Gate   session.Gate
	Events eventbus.Publisher
	Logger observability.Logger
	Clock  func() time.Time
}

type leg struct {
	cfg  LegConfig
	snap schema.LegSnapshot
	// heldUntil suppresses new entry and exit orders after the broker
	// refused one outright.
	heldUntil time.Time
}

// Runtime is one running strategy instance.
type Runtime struct {
	cfg   Config
	deps  Deps
	guard *risk.Guard
	log   observability.Logger

	mu           sync.Mutex
	legs         []*leg
	byInstrument map[string][]*leg
	sub          dispatcher.SubscriptionID
	running      bool
	ctx          context.Context
	cancel       context.CancelFunc

	transitions metric.Int64Counter
}

// New validates cfg and builds a stopped Runtime.
func New(cfg Config, deps Deps) (*Runtime, error) {
	cfg.Legs = append([]LegConfig(nil), cfg.Legs...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Router == nil || deps.Orders == nil {
		return nil, errs.New("strategy/new", errs.CodeInvalid, errs.WithMessage("router and order book required"))
	}
	if deps.Policy == nil {
		deps.Policy = FloorPolicy{}
	}
	if deps.Gate == nil {
		deps.Gate = session.Always{}
	}
	if deps.Events == nil {
		deps.Events = eventbus.Discard
	}
	if deps.Logger == nil {
		deps.Logger = observability.Log()
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	r := &Runtime{
		cfg:          cfg,
		deps:         deps,
		guard:        risk.NewGuard(cfg.Risk),
		log:          observability.With(deps.Logger, observability.F("strategy", cfg.ID)),
		byInstrument: make(map[string][]*leg),
	}
	now := deps.Clock()
	for _, lc := range cfg.Legs {
		l := &leg{cfg: lc, snap: schema.LegSnapshot{
			Name:       lc.Name,
			Instrument: lc.Instrument,
			State:      schema.LegFlat,
			Side:       lc.Side,
			ExitFloor:  lc.ExitFloor,
			UpdatedAt:  now,
		}}
		r.legs = append(r.legs, l)
		r.byInstrument[lc.Instrument] = append(r.byInstrument[lc.Instrument], l)
	}
	r.transitions, _ = otel.Meter("strategy").Int64Counter("strategy.leg.transitions",
		metric.WithDescription("Leg state transitions"),
		metric.WithUnit("{transition}"))
	return r, nil
}

// ID returns the strategy id.
func (r *Runtime) ID() string { return r.cfg.ID }

// Config returns a copy of the configuration.
func (r *Runtime) Config() Config {
	cfg := r.cfg
	cfg.Legs = append([]LegConfig(nil), r.cfg.Legs...)
	return cfg
}

// Start subscribes to the legs' instruments. Orders placed by the runtime
// use a context derived from ctx.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errs.New("strategy/start", errs.CodeInvalidState, errs.WithMessage("already running"), errs.WithField("strategy", r.cfg.ID))
	}
	runCtx, cancel := context.WithCancel(ctx)
	id, err := r.deps.Router.Subscribe(r.cfg.ID, r.cfg.Instruments(), r.onQuote)
	if err != nil {
		cancel()
		return err
	}
	r.sub, r.ctx, r.cancel, r.running = id, runCtx, cancel, true
	r.log.Info("strategy: started", observability.F("instruments", r.cfg.Instruments()))
	return nil
}

// Stop unsubscribes. It returns after any in-flight quote handling finished.
// Orders already sent to the broker are left to the order manager.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	sub, cancel := r.sub, r.cancel
	r.running = false
	r.mu.Unlock()

	r.deps.Router.Unsubscribe(sub)
	cancel()
	r.log.Info("strategy: stopped")
}

// Running reports whether the runtime is subscribed.
func (r *Runtime) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Legs returns snapshots of every leg in configuration order.
func (r *Runtime) Legs() []schema.LegSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schema.LegSnapshot, len(r.legs))
	for i, l := range r.legs {
		out[i] = l.snap
	}
	return out
}

// Position returns the net broker-confirmed position of the named leg.
func (r *Runtime) Position(legName string) (schema.Position, bool) {
	for _, l := range r.legs {
		if l.cfg.Name == legName {
			return r.deps.Orders.Position(r.cfg.ID, l.cfg.Instrument), true
		}
	}
	return schema.Position{}, false
}

func (r *Runtime) onQuote(_ context.Context, quote schema.Quote) {
	r.mu.Lock()
	ctx := r.ctx
	legs := r.byInstrument[quote.Instrument]
	r.mu.Unlock()
	if ctx == nil {
		return
	}
	for _, l := range legs {
		r.step(ctx, l, quote)
	}
}

// step advances one leg for one quote.
func (r *Runtime) step(ctx context.Context, l *leg, quote schema.Quote) {
	r.mu.Lock()
	l.snap.LastPrice = quote.LastPrice
	state := l.snap.State
	r.mu.Unlock()

	switch state {
	case schema.LegFlat:
		r.maybeEnter(ctx, l, quote)
	case schema.LegEntering:
		if r.followEntry(ctx, l, quote) {
			r.maybeExit(ctx, l, quote)
		}
	case schema.LegOpen:
		r.maybeExit(ctx, l, quote)
	case schema.LegExitRequested:
		r.followExit(ctx, l)
	}
}

func (r *Runtime) maybeEnter(ctx context.Context, l *leg, quote schema.Quote) {
	if !r.deps.Gate.IsOpen(r.deps.Clock()) || r.held(l) {
		return
	}
	if !r.deps.Policy.ShouldEnter(r.view(l), quote) {
		return
	}
	req := r.request(l, l.cfg.Side, l.cfg.Quantity)
	r.transition(ctx, l, schema.LegEntering, "entry signal at "+quote.LastPrice.String(), func(s *schema.LegSnapshot) {
		s.EntryOrder = schema.OrderRef{ClientRequestID: req.ClientRequestID}
	})
	if err := r.submit(ctx, l, req); refused(err) {
		r.abandon(ctx, l, true, err)
	}
}

// followEntry tracks the entry order. It reports true when the leg just opened.
func (r *Runtime) followEntry(ctx context.Context, l *leg, quote schema.Quote) bool {
	order, ok := r.deps.Orders.Order(r.ref(l, true))
	if !ok {
		return false
	}
	switch order.State {
	case schema.OrderStateCreated:
		r.resubmit(ctx, l, order, true)
	case schema.OrderStateFilled:
		r.open(ctx, l, order, quote, order.FilledQuantity)
		return true
	case schema.OrderStateCancelled:
		if order.FilledQuantity.IsPositive() {
			r.open(ctx, l, order, quote, order.FilledQuantity)
			return true
		}
		r.transition(ctx, l, schema.LegFlat, "entry order cancelled", nil)
	case schema.OrderStateRejected:
		r.transition(ctx, l, schema.LegFlat, "entry order rejected: "+order.RejectReason, nil)
	}
	return false
}

func (r *Runtime) open(ctx context.Context, l *leg, order schema.OrderSnapshot, quote schema.Quote, qty decimal.Decimal) {
	price := order.AvgFillPrice
	if !price.IsPositive() {
		price = quote.LastPrice
	}
	r.transition(ctx, l, schema.LegOpen, "entry filled at "+price.String(), func(s *schema.LegSnapshot) {
		s.EntryOrder.OrderID = order.OrderID
		s.EntryPrice = price
		s.Quantity = qty
	})
}

func (r *Runtime) maybeExit(ctx context.Context, l *leg, quote schema.Quote) {
	if r.held(l) || !r.deps.Policy.ShouldExit(r.view(l), quote) {
		return
	}
	r.mu.Lock()
	qty := l.snap.Quantity
	r.mu.Unlock()
	req := r.request(l, l.cfg.Side.Opposite(), qty)
	r.transition(ctx, l, schema.LegExitRequested, "exit signal at "+quote.LastPrice.String(), func(s *schema.LegSnapshot) {
		s.ExitOrder = schema.OrderRef{ClientRequestID: req.ClientRequestID}
	})
	if err := r.submit(ctx, l, req); refused(err) {
		r.abandon(ctx, l, false, err)
	}
}

// followExit tracks the closing order. A failed exit reopens the leg and the
// exit is evaluated again on the next quote.
func (r *Runtime) followExit(ctx context.Context, l *leg) {
	order, ok := r.deps.Orders.Order(r.ref(l, false))
	if !ok {
		return
	}
	switch order.State {
	case schema.OrderStateCreated:
		r.resubmit(ctx, l, order, false)
	case schema.OrderStateFilled:
		r.transition(ctx, l, schema.LegClosed, "exit filled at "+order.AvgFillPrice.String(), func(s *schema.LegSnapshot) {
			s.ExitOrder.OrderID = order.OrderID
			s.Quantity = decimal.Zero
		})
	case schema.OrderStateCancelled, schema.OrderStateRejected:
		r.mu.Lock()
		remaining := l.snap.Quantity.Sub(order.FilledQuantity)
		r.mu.Unlock()
		if !remaining.IsPositive() {
			r.transition(ctx, l, schema.LegClosed, "exit completed by partial fills", func(s *schema.LegSnapshot) {
				s.Quantity = decimal.Zero
			})
			return
		}
		r.transition(ctx, l, schema.LegOpen, "exit order "+string(order.State)+" "+order.RejectReason, func(s *schema.LegSnapshot) {
			s.Quantity = remaining
		})
	}
}

// resubmit retries an order whose last submission failed transiently, under
// the same client request id so the broker sees at most one order.
func (r *Runtime) resubmit(ctx context.Context, l *leg, order schema.OrderSnapshot, entry bool) {
	req := schema.OrderRequest{
		ClientRequestID: order.ClientRequestID,
		StrategyID:      order.StrategyID,
		Leg:             order.Leg,
		Instrument:      order.Instrument,
		Side:            order.Side,
		Type:            order.Type,
		Quantity:        order.Quantity,
		Price:           order.Price,
	}
	if err := r.submit(ctx, l, req); refused(err) {
		r.abandon(ctx, l, entry, err)
	}
}

// refused reports whether err is final. Transient network failures leave
// the order Created so the next quote resubmits it; anything else is not
// retried.
func refused(err error) bool {
	return err != nil && !errs.IsTransient(err)
}

// abandon gives up on an order that could not be placed and returns the leg
// to where it was before the signal: Flat for an entry, Open for an exit.
// A broker refusal also holds the leg for RejectCooldown so the same request
// is not sent again on the next quote.
func (r *Runtime) abandon(ctx context.Context, l *leg, entry bool, err error) {
	if errs.HasCode(err, errs.CodeSubmission) {
		r.mu.Lock()
		l.heldUntil = r.deps.Clock().Add(r.cfg.RejectCooldown)
		r.mu.Unlock()
	}
	if entry {
		r.transition(ctx, l, schema.LegFlat, "entry not placed: "+err.Error(), func(s *schema.LegSnapshot) {
			s.EntryOrder = schema.OrderRef{}
		})
		return
	}
	r.transition(ctx, l, schema.LegOpen, "exit not placed: "+err.Error(), func(s *schema.LegSnapshot) {
		s.ExitOrder = schema.OrderRef{}
	})
}

func (r *Runtime) held(l *leg) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deps.Clock().Before(l.heldUntil)
}

func (r *Runtime) submit(ctx context.Context, l *leg, req schema.OrderRequest) error {
	if err := r.guard.CheckOrder(ctx, req); err != nil {
		r.log.Error("strategy: order blocked by risk guard",
			observability.F("leg", l.cfg.Name), observability.Err(err))
		return err
	}
	snap, err := r.deps.Orders.PlaceWithRetry(ctx, req)
	if err != nil {
		r.log.Error("strategy: order submission failed",
			observability.F("leg", l.cfg.Name),
			observability.F("client_request_id", req.ClientRequestID),
			observability.Err(err))
		return err
	}
	r.log.Debug("strategy: order placed",
		observability.F("leg", l.cfg.Name),
		observability.F("client_request_id", snap.ClientRequestID),
		observability.F("order_id", snap.OrderID),
		observability.F("state", snap.State))
	return nil
}

func (r *Runtime) request(l *leg, side schema.Side, qty decimal.Decimal) schema.OrderRequest {
	return schema.OrderRequest{
		ClientRequestID: orders.NewClientRequestID(),
		StrategyID:      r.cfg.ID,
		Leg:             l.cfg.Name,
		Instrument:      l.cfg.Instrument,
		Side:            side,
		Type:            schema.OrderTypeMarket,
		Quantity:        qty,
	}
}

func (r *Runtime) ref(l *leg, entry bool) schema.OrderRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry {
		return l.snap.EntryOrder
	}
	return l.snap.ExitOrder
}

func (r *Runtime) view(l *leg) LegView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return LegView{StrategyID: r.cfg.ID, SymbolRoot: r.cfg.SymbolRoot, Config: l.cfg, LegSnapshot: l.snap}
}

func (r *Runtime) transition(ctx context.Context, l *leg, to schema.LegState, detail string, mutate func(*schema.LegSnapshot)) {
	r.mu.Lock()
	from := l.snap.State
	if mutate != nil {
		mutate(&l.snap)
	}
	l.snap.State = to
	l.snap.UpdatedAt = r.deps.Clock()
	snap := l.snap
	r.mu.Unlock()

	ref := snap.EntryOrder
	if to == schema.LegExitRequested || to == schema.LegClosed || from == schema.LegExitRequested {
		ref = snap.ExitOrder
	}
	r.transitions.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrStrategy.String(r.cfg.ID),
		telemetry.AttrLeg.String(snap.Name),
		telemetry.AttrFromState.String(string(from)),
		telemetry.AttrOrderState.String(string(to))))
	r.log.Info("strategy: leg transition",
		observability.F("leg", snap.Name),
		observability.F("instrument", snap.Instrument),
		observability.F("from", from),
		observability.F("to", to),
		observability.F("detail", detail))
	_ = r.deps.Events.Publish(ctx, schema.StreamEvent{
		Kind:            schema.EventLegTransition,
		At:              snap.UpdatedAt,
		StrategyID:      r.cfg.ID,
		Leg:             snap.Name,
		Instrument:      snap.Instrument,
		ClientRequestID: ref.ClientRequestID,
		OrderID:         ref.OrderID,
		From:            string(from),
		To:              string(to),
		Detail:          detail,
	})
}
