// Package orders owns the canonical state of every order this process places.
//
// The Manager accepts order commands from strategies, forwards them to the
// broker, and folds asynchronous broker callbacks into a per-order state
// machine that never regresses. Each order is guarded by its own mutex; the
// index maps are guarded separately and no lock is held across broker I/O.
package orders

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/optflow/internal/domain/broker"
	"github.com/coachpo/optflow/internal/domain/errs"
	"github.com/coachpo/optflow/internal/domain/orderstore"
	"github.com/coachpo/optflow/internal/domain/schema"
	"github.com/coachpo/optflow/internal/infra/bus/eventbus"
	"github.com/coachpo/optflow/internal/observability"
	"github.com/coachpo/optflow/internal/telemetry"
)

// Callbacks for unknown broker ids are held for replay on bind: at most
// maxOrphans ids, each keeping its latest maxOrphanEvents events.
const (
	maxOrphans      = 1024
	maxOrphanEvents = 16
)

// Config configures a Manager.
type Config struct {
	Placer  broker.OrderPlacer
	Journal orderstore.Journal
	Events  eventbus.Publisher
	Logger  observability.Logger
	Clock   func() time.Time

	// StuckAfter is how long an order may sit in Submitted or Acknowledged
	// without broker activity before the sweep queries its status.
	StuckAfter    time.Duration
	SweepInterval time.Duration
	SweepWorkers  int
	Retry         RetryPolicy
}

func (c Config) normalize() Config {
	if c.Journal == nil {
		c.Journal = nopJournal{}
	}
	if c.Events == nil {
		c.Events = eventbus.Discard
	}
	if c.Logger == nil {
		c.Logger = observability.Log()
	}
	if c.Clock == nil {
		c.Clock = func() time.Time { return time.Now().UTC() }
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.SweepWorkers <= 0 {
		c.SweepWorkers = 4
	}
	c.Retry = c.Retry.normalize()
	return c
}

type entry struct {
	mu         sync.Mutex
	order      schema.OrderSnapshot
	version    int64
	submitting bool
	// needsSync marks orders restored from the journal whose broker state is unknown.
	needsSync    bool
	lastActivity time.Time
	changed      chan struct{}
}

// Manager is the order lifecycle manager.
type Manager struct {
	cfg Config

	mu       sync.RWMutex
	byClient map[string]*entry
	byBroker map[string]*entry
	orphans  map[string][]schema.BrokerOrderEvent

	transitionCounter   metric.Int64Counter
	staleCounter        metric.Int64Counter
	unreconciledCounter metric.Int64Counter
	submitDuration      metric.Float64Histogram
	sweepCounter        metric.Int64Counter
}

// NewManager constructs a Manager. Placer is required.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Placer == nil {
		return nil, errs.New("orders/new", errs.CodeInvalid, errs.WithMessage("order placer required"))
	}
	m := &Manager{
		cfg:      cfg.normalize(),
		byClient: make(map[string]*entry),
		byBroker: make(map[string]*entry),
		orphans:  make(map[string][]schema.BrokerOrderEvent),
	}
	meter := otel.Meter("orders")
	m.transitionCounter, _ = meter.Int64Counter("orders.transitions",
		metric.WithDescription("Accepted order state transitions"),
		metric.WithUnit("{transition}"))
	m.staleCounter, _ = meter.Int64Counter("orders.events.stale",
		metric.WithDescription("Broker events ignored as stale or duplicate"),
		metric.WithUnit("{event}"))
	m.unreconciledCounter, _ = meter.Int64Counter("orders.events.unreconciled",
		metric.WithDescription("Broker events for unknown orders"),
		metric.WithUnit("{event}"))
	m.submitDuration, _ = meter.Float64Histogram("orders.submit.duration",
		metric.WithDescription("Broker submission latency"),
		metric.WithUnit("ms"))
	m.sweepCounter, _ = meter.Int64Counter("orders.reconcile.queries",
		metric.WithDescription("Status queries issued by the reconciliation sweep"),
		metric.WithUnit("{query}"))
	return m, nil
}

// NewClientRequestID returns a fresh idempotency key.
func NewClientRequestID() string {
	return uuid.NewString()
}

// PlaceOrder submits req, idempotently on req.ClientRequestID.
//
// An order already known under the same id is returned as is without another
// broker call, unless it is still Created after a failed submission, in which
// case the submission is retried. A broker error yields a submission error
// and leaves the order Created.
func (m *Manager) PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderSnapshot, error) {
	if err := validateRequest(&req); err != nil {
		return schema.OrderSnapshot{}, err
	}
	now := m.cfg.Clock()

	m.mu.Lock()
	e, exists := m.byClient[req.ClientRequestID]
	if !exists {
		e = &entry{
			order: schema.OrderSnapshot{
				ClientRequestID: req.ClientRequestID,
				StrategyID:      req.StrategyID,
				Leg:             req.Leg,
				Instrument:      req.Instrument,
				Side:            req.Side,
				Type:            req.Type,
				Quantity:        req.Quantity,
				Price:           req.Price,
				State:           schema.OrderStateCreated,
				CreatedAt:       now,
				UpdatedAt:       now,
			},
			lastActivity: now,
			changed:      make(chan struct{}),
		}
		m.byClient[req.ClientRequestID] = e
	}
	m.mu.Unlock()

	e.mu.Lock()
	if !exists {
		m.persistLocked(ctx, e)
	}
	if e.submitting || e.order.State != schema.OrderStateCreated {
		snap := e.order
		e.mu.Unlock()
		return snap, nil
	}
	e.submitting = true
	submitReq := req
	submitReq.Quantity = e.order.Quantity
	submitReq.Price = e.order.Price
	e.mu.Unlock()

	start := time.Now()
	ack, err := m.cfg.Placer.PlaceOrder(ctx, submitReq)
	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultFailure
	}
	m.submitDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000,
		metric.WithAttributes(telemetry.OperationAttributes("place", result)...))

	e.mu.Lock()
	e.submitting = false
	e.lastActivity = m.cfg.Clock()
	if err != nil {
		snap := e.order
		e.mu.Unlock()
		m.cfg.Logger.Error("orders: submission failed",
			observability.F("client_request_id", req.ClientRequestID),
			observability.F("instrument", req.Instrument),
			observability.F("transient", errs.IsTransient(err)),
			observability.Err(err))
		m.emit(ctx, schema.StreamEvent{
			Kind:            schema.EventSubmissionError,
			StrategyID:      snap.StrategyID,
			Leg:             snap.Leg,
			Instrument:      snap.Instrument,
			ClientRequestID: snap.ClientRequestID,
			Detail:          err.Error(),
		})
		return snap, errs.New("orders/place", errs.CodeSubmission,
			errs.WithMessage("broker submission failed"),
			errs.WithField("client_request_id", req.ClientRequestID),
			errs.WithCause(err))
	}
	bindID := ""
	if ack.OrderID != "" && e.order.OrderID == "" {
		e.order.OrderID = ack.OrderID
		bindID = ack.OrderID
	}
	if e.order.State == schema.OrderStateCreated {
		m.transitionLocked(ctx, e, schema.OrderStateSubmitted, func(o *schema.OrderSnapshot) {
			o.UpdatedAt = m.cfg.Clock()
		})
	} else if bindID != "" {
		m.touchLocked(ctx, e)
	}
	snap := e.order
	e.mu.Unlock()

	if bindID != "" {
		m.bind(ctx, bindID, e)
	}
	return snap, nil
}

// OnOrderUpdate folds one broker callback into local state. It returns
// errs.ErrStaleEvent when the event was ignored and errs.ErrUnreconciled when
// no local order matches; neither is fatal.
func (m *Manager) OnOrderUpdate(ctx context.Context, ev schema.BrokerOrderEvent) error {
	e, bindID := m.match(ev)
	if e == nil {
		m.unreconciled(ctx, ev)
		return errs.ErrUnreconciled
	}
	err := m.applyEvent(ctx, e, ev)
	if bindID != "" {
		m.bind(ctx, bindID, e)
	}
	return err
}

func (m *Manager) applyEvent(ctx context.Context, e *entry, ev schema.BrokerOrderEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastActivity = m.cfg.Clock()
	if judge(e.order, ev) == verdictStale {
		m.staleCounter.Add(ctx, 1)
		m.cfg.Logger.Debug("orders: stale event ignored",
			observability.F("client_request_id", e.order.ClientRequestID),
			observability.F("order_id", ev.OrderID),
			observability.F("state", e.order.State),
			observability.F("event_status", ev.Status))
		m.emit(ctx, schema.StreamEvent{
			Kind:            schema.EventStaleIgnored,
			StrategyID:      e.order.StrategyID,
			Instrument:      e.order.Instrument,
			ClientRequestID: e.order.ClientRequestID,
			OrderID:         e.order.OrderID,
			From:            string(e.order.State),
			To:              string(ev.Status),
		})
		return errs.ErrStaleEvent
	}
	m.transitionLocked(ctx, e, ev.Status, func(o *schema.OrderSnapshot) {
		apply(o, ev, m.cfg.Clock())
	})
	e.needsSync = false
	return nil
}

// match resolves the local order for ev. The second return value is a broker
// id that should be bound to the entry because the match was by client id.
func (m *Manager) match(ev schema.BrokerOrderEvent) (*entry, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ev.OrderID != "" {
		if e, ok := m.byBroker[ev.OrderID]; ok {
			return e, ""
		}
	}
	if ev.ClientRequestID != "" {
		if e, ok := m.byClient[ev.ClientRequestID]; ok {
			e.mu.Lock()
			known := e.order.OrderID
			e.mu.Unlock()
			if ev.OrderID != "" && known != "" && known != ev.OrderID {
				return nil, ""
			}
			return e, ev.OrderID
		}
	}
	return nil, ""
}

// bind indexes e under its broker id and replays callbacks that arrived
// before the id was known.
func (m *Manager) bind(ctx context.Context, orderID string, e *entry) {
	m.mu.Lock()
	if _, ok := m.byBroker[orderID]; !ok {
		m.byBroker[orderID] = e
	}
	pending := m.orphans[orderID]
	delete(m.orphans, orderID)
	m.mu.Unlock()

	for _, ev := range pending {
		_ = m.applyEvent(ctx, e, ev)
	}
}

func (m *Manager) unreconciled(ctx context.Context, ev schema.BrokerOrderEvent) {
	m.unreconciledCounter.Add(ctx, 1)
	if ev.OrderID != "" {
		m.mu.Lock()
		pending, known := m.orphans[ev.OrderID]
		if known || len(m.orphans) < maxOrphans {
			if len(pending) >= maxOrphanEvents {
				n := copy(pending, pending[1:])
				pending = pending[:n]
			}
			m.orphans[ev.OrderID] = append(pending, ev)
		}
		m.mu.Unlock()
	}
	m.cfg.Logger.Error("orders: unreconciled broker event",
		observability.F("order_id", ev.OrderID),
		observability.F("client_request_id", ev.ClientRequestID),
		observability.F("status", ev.Status))
	m.emit(ctx, schema.StreamEvent{
		Kind:            schema.EventUnreconciled,
		OrderID:         ev.OrderID,
		ClientRequestID: ev.ClientRequestID,
		To:              string(ev.Status),
		Detail:          ev.Reason,
	})
}

// CancelOrder requests cancellation. The order is marked Cancelled only when
// the broker confirms through a callback or a status query.
func (m *Manager) CancelOrder(ctx context.Context, ref schema.OrderRef) error {
	e := m.lookup(ref)
	if e == nil {
		return errs.New("orders/cancel", errs.CodeNotFound,
			errs.WithCanonicalCode(errs.CanonicalOrderNotFound), errs.WithField("ref", ref.String()))
	}
	e.mu.Lock()
	state := e.order.State
	brokerRef := e.order.Ref()
	e.mu.Unlock()
	if !state.Cancellable() {
		return invalidState("orders/cancel", brokerRef, state)
	}

	if err := m.cfg.Placer.CancelOrder(ctx, brokerRef); err != nil {
		return errs.New("orders/cancel", errs.CodeExchange,
			errs.WithMessage("broker cancel failed"), errs.WithField("ref", brokerRef.String()), errs.WithCause(err))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastActivity = m.cfg.Clock()
	if !e.order.State.IsTerminal() && !e.order.CancelRequested {
		e.order.CancelRequested = true
		e.order.UpdatedAt = m.cfg.Clock()
		m.touchLocked(ctx, e)
	}
	return nil
}

// ModifyOrder amends price and/or quantity of a working order. The adapter
// must implement broker.Modifier.
func (m *Manager) ModifyOrder(ctx context.Context, ref schema.OrderRef, req schema.ModifyRequest) (schema.OrderSnapshot, error) {
	modifier, ok := m.cfg.Placer.(broker.Modifier)
	if !ok {
		return schema.OrderSnapshot{}, errs.NotSupported("broker adapter cannot modify orders")
	}
	if req.Price == nil && req.Quantity == nil {
		return schema.OrderSnapshot{}, errs.New("orders/modify", errs.CodeInvalid, errs.WithMessage("price or quantity required"))
	}
	e := m.lookup(ref)
	if e == nil {
		return schema.OrderSnapshot{}, errs.New("orders/modify", errs.CodeNotFound,
			errs.WithCanonicalCode(errs.CanonicalOrderNotFound), errs.WithField("ref", ref.String()))
	}
	e.mu.Lock()
	state := e.order.State
	brokerRef := e.order.Ref()
	filled := e.order.FilledQuantity
	e.mu.Unlock()
	if !state.Cancellable() {
		return schema.OrderSnapshot{}, invalidState("orders/modify", brokerRef, state)
	}
	if req.Quantity != nil && (!req.Quantity.IsPositive() || req.Quantity.LessThan(filled)) {
		return schema.OrderSnapshot{}, errs.New("orders/modify", errs.CodeInvalid,
			errs.WithMessage("quantity must be positive and not below the filled quantity"))
	}
	if req.Price != nil && !req.Price.IsPositive() {
		return schema.OrderSnapshot{}, errs.New("orders/modify", errs.CodeInvalid, errs.WithMessage("price must be positive"))
	}

	if err := modifier.ModifyOrder(ctx, brokerRef, req); err != nil {
		return schema.OrderSnapshot{}, errs.New("orders/modify", errs.CodeExchange,
			errs.WithMessage("broker modify failed"), errs.WithField("ref", brokerRef.String()), errs.WithCause(err))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.order.State.IsTerminal() {
		return e.order, invalidState("orders/modify", brokerRef, e.order.State)
	}
	if req.Price != nil {
		e.order.Price = *req.Price
	}
	if req.Quantity != nil {
		e.order.Quantity = *req.Quantity
	}
	e.order.UpdatedAt = m.cfg.Clock()
	e.lastActivity = e.order.UpdatedAt
	m.touchLocked(ctx, e)
	return e.order, nil
}

// Order returns the current snapshot for ref.
func (m *Manager) Order(ref schema.OrderRef) (schema.OrderSnapshot, bool) {
	e := m.lookup(ref)
	if e == nil {
		return schema.OrderSnapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.order, true
}

// Orders returns snapshots matching the query, oldest first.
func (m *Manager) Orders(query orderstore.OrderQuery) []schema.OrderSnapshot {
	out := make([]schema.OrderSnapshot, 0)
	for _, e := range m.entries() {
		e.mu.Lock()
		snap := e.order
		version := e.version
		e.mu.Unlock()
		if query.Matches(orderstore.OrderRecord{OrderSnapshot: snap, Version: version}) {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ClientRequestID < out[j].ClientRequestID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[len(out)-query.Limit:]
	}
	return out
}

// Await blocks until the order satisfies cond or ctx ends.
func (m *Manager) Await(ctx context.Context, ref schema.OrderRef, cond func(schema.OrderSnapshot) bool) (schema.OrderSnapshot, error) {
	e := m.lookup(ref)
	if e == nil {
		return schema.OrderSnapshot{}, errs.New("orders/await", errs.CodeNotFound, errs.WithField("ref", ref.String()))
	}
	for {
		e.mu.Lock()
		snap := e.order
		changed := e.changed
		e.mu.Unlock()
		if cond(snap) {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-changed:
		}
	}
}

func (m *Manager) lookup(ref schema.OrderRef) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ref.OrderID != "" {
		if e, ok := m.byBroker[ref.OrderID]; ok {
			return e
		}
	}
	if ref.ClientRequestID != "" {
		if e, ok := m.byClient[ref.ClientRequestID]; ok {
			return e
		}
	}
	return nil
}

func (m *Manager) entries() []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*entry, 0, len(m.byClient))
	for _, e := range m.byClient {
		out = append(out, e)
	}
	return out
}

// transitionLocked moves e to state, persists the record, then notifies. e.mu must be held.
func (m *Manager) transitionLocked(ctx context.Context, e *entry, to schema.OrderState, mutate func(*schema.OrderSnapshot)) {
	from := e.order.State
	mutate(&e.order)
	e.order.State = to
	m.persistLocked(ctx, e)

	m.transitionCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.OrderTransitionAttributes(e.order.StrategyID, string(from), string(to))...))
	m.cfg.Logger.Info("orders: transition",
		observability.F("client_request_id", e.order.ClientRequestID),
		observability.F("order_id", e.order.OrderID),
		observability.F("instrument", e.order.Instrument),
		observability.F("from", from),
		observability.F("to", to),
		observability.F("filled", e.order.FilledQuantity.String()))
	m.emit(ctx, schema.StreamEvent{
		Kind:            schema.EventOrderTransition,
		StrategyID:      e.order.StrategyID,
		Leg:             e.order.Leg,
		Instrument:      e.order.Instrument,
		ClientRequestID: e.order.ClientRequestID,
		OrderID:         e.order.OrderID,
		From:            string(from),
		To:              string(to),
		Detail:          e.order.RejectReason,
	})
	m.broadcastLocked(e)
}

// touchLocked persists a non-state change such as a bound broker id.
func (m *Manager) touchLocked(ctx context.Context, e *entry) {
	m.persistLocked(ctx, e)
	m.broadcastLocked(e)
}

func (m *Manager) persistLocked(ctx context.Context, e *entry) {
	e.version++
	record := orderstore.OrderRecord{OrderSnapshot: e.order, Version: e.version}
	if err := m.cfg.Journal.Save(ctx, record); err != nil {
		m.cfg.Logger.Error("orders: journal write failed",
			observability.F("client_request_id", e.order.ClientRequestID),
			observability.Err(err))
	}
}

func (m *Manager) broadcastLocked(e *entry) {
	close(e.changed)
	e.changed = make(chan struct{})
}

func (m *Manager) emit(ctx context.Context, evt schema.StreamEvent) {
	if evt.At.IsZero() {
		evt.At = m.cfg.Clock()
	}
	_ = m.cfg.Events.Publish(ctx, evt)
}

func validateRequest(req *schema.OrderRequest) error {
	req.ClientRequestID = strings.TrimSpace(req.ClientRequestID)
	if req.ClientRequestID == "" {
		req.ClientRequestID = NewClientRequestID()
	}
	if strings.TrimSpace(req.Instrument) == "" {
		return errs.New("orders/place", errs.CodeInvalid, errs.WithMessage("instrument required"))
	}
	if req.Side != schema.SideBuy && req.Side != schema.SideSell {
		return errs.New("orders/place", errs.CodeInvalid, errs.WithMessage("side must be BUY or SELL"))
	}
	if !req.Quantity.IsPositive() {
		return errs.New("orders/place", errs.CodeInvalid, errs.WithMessage("quantity must be positive"))
	}
	switch req.Type {
	case "":
		req.Type = schema.OrderTypeMarket
	case schema.OrderTypeMarket:
	case schema.OrderTypeLimit:
		if !req.Price.IsPositive() {
			return errs.New("orders/place", errs.CodeInvalid, errs.WithMessage("limit orders need a positive price"))
		}
	default:
		return errs.New("orders/place", errs.CodeInvalid, errs.WithMessage("unknown order type "+string(req.Type)))
	}
	return nil
}

func invalidState(op string, ref schema.OrderRef, state schema.OrderState) error {
	return errs.New(op, errs.CodeInvalidState,
		errs.WithMessage("operation not valid in state "+string(state)),
		errs.WithField("ref", ref.String()),
		errs.WithField("state", string(state)))
}

type nopJournal struct{}

func (nopJournal) Save(context.Context, orderstore.OrderRecord) error { return nil }
func (nopJournal) LoadOpen(context.Context) ([]orderstore.OrderRecord, error) {
	return nil, nil
}
func (nopJournal) List(context.Context, orderstore.OrderQuery) ([]orderstore.OrderRecord, error) {
	return nil, nil
}
func (nopJournal) Close() error { return nil }
