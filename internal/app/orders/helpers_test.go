package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/optflow/internal/domain/errs"
	"github.com/coachpo/optflow/internal/domain/orderstore"
	"github.com/coachpo/optflow/internal/domain/schema"
	"github.com/coachpo/optflow/internal/infra/bus/eventbus"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 20, 4, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// stubPlacer is a scriptable broker.OrderPlacer.
type stubPlacer struct {
	mu          sync.Mutex
	placeCalls  []schema.OrderRequest
	placeErrs   []error
	ids         map[string]string
	next        int
	cancelCalls []schema.OrderRef
	cancelErr   error
	status      map[string]schema.BrokerOrderEvent
	statusErr   error
	gate        chan struct{}
	entered     chan struct{}
}

func newStubPlacer() *stubPlacer {
	return &stubPlacer{ids: make(map[string]string), status: make(map[string]schema.BrokerOrderEvent)}
}

func (s *stubPlacer) PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.Ack, error) {
	s.mu.Lock()
	s.placeCalls = append(s.placeCalls, req)
	gate, entered := s.gate, s.entered
	var err error
	if len(s.placeErrs) > 0 {
		err, s.placeErrs = s.placeErrs[0], s.placeErrs[1:]
	}
	s.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return schema.Ack{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ids[req.ClientRequestID]
	if !ok {
		s.next++
		id = fmt.Sprintf("B%d", s.next)
	}
	return schema.Ack{OrderID: id, AcceptedAt: time.Now()}, nil
}

func (s *stubPlacer) CancelOrder(ctx context.Context, ref schema.OrderRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelCalls = append(s.cancelCalls, ref)
	return s.cancelErr
}

func (s *stubPlacer) FetchOrderStatus(ctx context.Context, ref schema.OrderRef) (schema.BrokerOrderEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusErr != nil {
		return schema.BrokerOrderEvent{}, s.statusErr
	}
	ev, ok := s.status[ref.OrderID]
	if !ok {
		ev, ok = s.status[ref.ClientRequestID]
	}
	if !ok {
		return schema.BrokerOrderEvent{}, errs.New("stub/status", errs.CodeNotFound)
	}
	return ev, nil
}

func (s *stubPlacer) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.placeCalls)
}

type modifyingPlacer struct {
	*stubPlacer
	modified []schema.ModifyRequest
}

func (p *modifyingPlacer) ModifyOrder(ctx context.Context, ref schema.OrderRef, req schema.ModifyRequest) error {
	p.modified = append(p.modified, req)
	return nil
}

type harness struct {
	m      *Manager
	placer *stubPlacer
	clock  *fakeClock
	bus    *eventbus.MemoryBus
	events <-chan schema.StreamEvent
}

func newHarness(t *testing.T, placer *stubPlacer, journal orderstore.Journal) *harness {
	t.Helper()
	clock := newFakeClock()
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: 256})
	t.Cleanup(bus.Close)
	_, events, err := bus.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	m, err := NewManager(Config{
		Placer:     placer,
		Journal:    journal,
		Events:     bus,
		Clock:      clock.Now,
		StuckAfter: 30 * time.Second,
		Retry:      RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return &harness{m: m, placer: placer, clock: clock, bus: bus, events: events}
}

func sellReq(id string) schema.OrderRequest {
	return schema.OrderRequest{
		ClientRequestID: id,
		StrategyID:      "strangle-1",
		Leg:             "CE",
		Instrument:      "NIFTY25JAN30C",
		Side:            schema.SideSell,
		Type:            schema.OrderTypeMarket,
		Quantity:        decimal.NewFromInt(50),
	}
}

func (h *harness) event(orderID string, status schema.OrderState, filled int64, offset time.Duration) schema.BrokerOrderEvent {
	return schema.BrokerOrderEvent{
		OrderID:        orderID,
		Status:         status,
		FilledQuantity: decimal.NewFromInt(filled),
		AvgFillPrice:   decimal.NewFromInt(20),
		Timestamp:      h.clock.Now().Add(offset),
	}
}

func (h *harness) waitEvent(t *testing.T, kind schema.EventKind) schema.StreamEvent {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case evt := <-h.events:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
		}
	}
}

var errBoom = errors.New("boom")
