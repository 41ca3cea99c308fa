package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/optflow/internal/domain/errs"
	"github.com/coachpo/optflow/internal/domain/schema"
	"github.com/coachpo/optflow/internal/infra/persistence/memory"
)

func TestNewManagerRequiresPlacer(t *testing.T) {
	_, err := NewManager(Config{})
	require.Error(t, err)
}

func TestPlaceOrderSubmitsOnceAndIsIdempotent(t *testing.T) {
	h := newHarness(t, newStubPlacer(), nil)
	ctx := context.Background()

	first, err := h.m.PlaceOrder(ctx, sellReq("X1"))
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStateSubmitted, first.State)
	assert.Equal(t, "B1", first.OrderID)

	again, err := h.m.PlaceOrder(ctx, sellReq("X1"))
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, again.OrderID)
	assert.Equal(t, 1, h.placer.calls(), "duplicate placement must not reach the broker")

	byBroker, ok := h.m.Order(schema.OrderRef{OrderID: "B1"})
	require.True(t, ok)
	assert.Equal(t, "X1", byBroker.ClientRequestID)
}

func TestPlaceOrderValidation(t *testing.T) {
	h := newHarness(t, newStubPlacer(), nil)
	ctx := context.Background()

	bad := sellReq("V1")
	bad.Quantity = decimal.Zero
	_, err := h.m.PlaceOrder(ctx, bad)
	assert.True(t, errs.HasCode(err, errs.CodeInvalid))

	limit := sellReq("V2")
	limit.Type = schema.OrderTypeLimit
	_, err = h.m.PlaceOrder(ctx, limit)
	assert.True(t, errs.HasCode(err, errs.CodeInvalid))

	noID := sellReq("")
	snap, err := h.m.PlaceOrder(ctx, noID)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ClientRequestID)
	assert.Equal(t, 1, h.placer.calls())
}

func TestDuplicateAckScenario(t *testing.T) {
	h := newHarness(t, newStubPlacer(), nil)
	ctx := context.Background()

	_, err := h.m.PlaceOrder(ctx, sellReq("X1"))
	require.NoError(t, err)

	ack := h.event("B1", schema.OrderStateAcknowledged, 0, time.Second)
	require.NoError(t, h.m.OnOrderUpdate(ctx, ack))
	assert.ErrorIs(t, h.m.OnOrderUpdate(ctx, ack), errs.ErrStaleEvent)

	snap, _ := h.m.Order(schema.OrderRef{ClientRequestID: "X1"})
	assert.Equal(t, schema.OrderStateAcknowledged, snap.State)
	assert.True(t, snap.FilledQuantity.IsZero())

	partial := h.event("B1", schema.OrderStatePartiallyFilled, 20, 2*time.Second)
	require.NoError(t, h.m.OnOrderUpdate(ctx, partial))
	assert.ErrorIs(t, h.m.OnOrderUpdate(ctx, partial), errs.ErrStaleEvent)
	lower := h.event("B1", schema.OrderStatePartiallyFilled, 10, 3*time.Second)
	assert.ErrorIs(t, h.m.OnOrderUpdate(ctx, lower), errs.ErrStaleEvent)

	snap, _ = h.m.Order(schema.OrderRef{OrderID: "B1"})
	assert.Equal(t, schema.OrderStatePartiallyFilled, snap.State)
	assert.True(t, snap.FilledQuantity.Equal(decimal.NewFromInt(20)), "fill counted once, got %s", snap.FilledQuantity)

	h.waitEvent(t, schema.EventStaleIgnored)
}

func TestOlderTimestampAndRegressionIgnored(t *testing.T) {
	h := newHarness(t, newStubPlacer(), nil)
	ctx := context.Background()
	_, _ = h.m.PlaceOrder(ctx, sellReq("X1"))

	require.NoError(t, h.m.OnOrderUpdate(ctx, h.event("B1", schema.OrderStatePartiallyFilled, 10, 5*time.Second)))
	assert.ErrorIs(t, h.m.OnOrderUpdate(ctx, h.event("B1", schema.OrderStatePartiallyFilled, 30, time.Second)), errs.ErrStaleEvent)
	assert.ErrorIs(t, h.m.OnOrderUpdate(ctx, h.event("B1", schema.OrderStateAcknowledged, 0, 6*time.Second)), errs.ErrStaleEvent)

	snap, _ := h.m.Order(schema.OrderRef{OrderID: "B1"})
	assert.Equal(t, schema.OrderStatePartiallyFilled, snap.State)
	assert.True(t, snap.FilledQuantity.Equal(decimal.NewFromInt(10)))
}

func TestLowerFillOnTerminalEventIgnored(t *testing.T) {
	h := newHarness(t, newStubPlacer(), nil)
	ctx := context.Background()
	_, _ = h.m.PlaceOrder(ctx, sellReq("X1"))

	require.NoError(t, h.m.OnOrderUpdate(ctx, h.event("B1", schema.OrderStatePartiallyFilled, 30, time.Second)))
	assert.ErrorIs(t, h.m.OnOrderUpdate(ctx, h.event("B1", schema.OrderStateFilled, 20, 2*time.Second)), errs.ErrStaleEvent)
	assert.ErrorIs(t, h.m.OnOrderUpdate(ctx, h.event("B1", schema.OrderStateCancelled, 10, 3*time.Second)), errs.ErrStaleEvent)

	snap, _ := h.m.Order(schema.OrderRef{OrderID: "B1"})
	assert.Equal(t, schema.OrderStatePartiallyFilled, snap.State)
	assert.True(t, snap.FilledQuantity.Equal(decimal.NewFromInt(30)), "recorded fill kept, got %s", snap.FilledQuantity)

	require.NoError(t, h.m.OnOrderUpdate(ctx, h.event("B1", schema.OrderStateFilled, 50, 4*time.Second)))
	snap, _ = h.m.Order(schema.OrderRef{OrderID: "B1"})
	assert.Equal(t, schema.OrderStateFilled, snap.State)
	assert.True(t, snap.FilledQuantity.Equal(decimal.NewFromInt(50)))
}

func TestTerminalStateIsFinal(t *testing.T) {
	h := newHarness(t, newStubPlacer(), nil)
	ctx := context.Background()
	_, _ = h.m.PlaceOrder(ctx, sellReq("X1"))

	require.NoError(t, h.m.OnOrderUpdate(ctx, h.event("B1", schema.OrderStateFilled, 0, time.Second)))
	snap, _ := h.m.Order(schema.OrderRef{OrderID: "B1"})
	assert.True(t, snap.FilledQuantity.Equal(decimal.NewFromInt(50)), "zero-fill Filled means fully filled")

	for _, status := range []schema.OrderState{schema.OrderStateCancelled, schema.OrderStateRejected, schema.OrderStatePartiallyFilled, schema.OrderStateFilled} {
		assert.ErrorIs(t, h.m.OnOrderUpdate(ctx, h.event("B1", status, 60, time.Hour)), errs.ErrStaleEvent)
	}
	snap, _ = h.m.Order(schema.OrderRef{OrderID: "B1"})
	assert.Equal(t, schema.OrderStateFilled, snap.State)

	again, err := h.m.PlaceOrder(ctx, sellReq("X1"))
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStateFilled, again.State)
	assert.Equal(t, 1, h.placer.calls())
}

func TestSubmissionErrorLeavesOrderCreatedAndRetrySucceeds(t *testing.T) {
	placer := newStubPlacer()
	placer.placeErrs = []error{errBoom}
	h := newHarness(t, placer, nil)
	ctx := context.Background()

	snap, err := h.m.PlaceOrder(ctx, sellReq("X1"))
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeSubmission))
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, schema.OrderStateCreated, snap.State)
	h.waitEvent(t, schema.EventSubmissionError)

	snap, err = h.m.PlaceOrder(ctx, sellReq("X1"))
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStateSubmitted, snap.State)
	require.Equal(t, 2, placer.calls())
	assert.Equal(t, "X1", placer.placeCalls[1].ClientRequestID)
}

func TestConcurrentPlaceWithSameIDSubmitsOnce(t *testing.T) {
	placer := newStubPlacer()
	placer.gate = make(chan struct{})
	placer.entered = make(chan struct{}, 1)
	h := newHarness(t, placer, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = h.m.PlaceOrder(ctx, sellReq("X1"))
	}()
	<-placer.entered

	snap, err := h.m.PlaceOrder(ctx, sellReq("X1"))
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStateCreated, snap.State)
	close(placer.gate)
	wg.Wait()
	assert.Equal(t, 1, placer.calls())
}

func TestCallbackBeforeAckIsReplayedOnBind(t *testing.T) {
	placer := newStubPlacer()
	placer.gate = make(chan struct{})
	placer.entered = make(chan struct{}, 1)
	h := newHarness(t, placer, nil)
	ctx := context.Background()

	done := make(chan schema.OrderSnapshot)
	go func() {
		snap, _ := h.m.PlaceOrder(ctx, sellReq("X1"))
		done <- snap
	}()
	<-placer.entered
	assert.ErrorIs(t, h.m.OnOrderUpdate(ctx, h.event("B1", schema.OrderStateAcknowledged, 0, time.Second)), errs.ErrUnreconciled)
	close(placer.gate)
	<-done

	snap, ok := h.m.Order(schema.OrderRef{OrderID: "B1"})
	require.True(t, ok)
	assert.Equal(t, schema.OrderStateAcknowledged, snap.State)
}

func TestMatchByClientRequestIDBindsBrokerID(t *testing.T) {
	placer := newStubPlacer()
	placer.gate = make(chan struct{})
	placer.entered = make(chan struct{}, 1)
	h := newHarness(t, placer, nil)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		_, _ = h.m.PlaceOrder(ctx, sellReq("X1"))
		close(done)
	}()
	<-placer.entered
	ev := h.event("B1", schema.OrderStateAcknowledged, 0, time.Second)
	ev.ClientRequestID = "X1"
	require.NoError(t, h.m.OnOrderUpdate(ctx, ev))
	close(placer.gate)
	<-done

	snap, ok := h.m.Order(schema.OrderRef{OrderID: "B1"})
	require.True(t, ok)
	assert.Equal(t, schema.OrderStateAcknowledged, snap.State, "ack must not regress to submitted")
}

func TestUnknownOrderIsUnreconciled(t *testing.T) {
	h := newHarness(t, newStubPlacer(), nil)
	err := h.m.OnOrderUpdate(context.Background(), h.event("ZZ", schema.OrderStateFilled, 1, 0))
	assert.ErrorIs(t, err, errs.ErrUnreconciled)
	evt := h.waitEvent(t, schema.EventUnreconciled)
	assert.Equal(t, "ZZ", evt.OrderID)
}

func TestUnreconciledBacklogIsBoundedPerOrder(t *testing.T) {
	h := newHarness(t, newStubPlacer(), nil)
	ctx := context.Background()

	total := maxOrphanEvents + 5
	for i := 1; i <= total; i++ {
		ev := h.event("Z9", schema.OrderStatePartiallyFilled, int64(i), time.Duration(i)*time.Second)
		assert.ErrorIs(t, h.m.OnOrderUpdate(ctx, ev), errs.ErrUnreconciled)
	}

	h.m.mu.RLock()
	pending := append([]schema.BrokerOrderEvent(nil), h.m.orphans["Z9"]...)
	h.m.mu.RUnlock()
	require.Len(t, pending, maxOrphanEvents)
	assert.True(t, pending[0].FilledQuantity.Equal(decimal.NewFromInt(6)), "oldest events evicted first")
	assert.True(t, pending[len(pending)-1].FilledQuantity.Equal(decimal.NewFromInt(int64(total))))
}

func TestCancelLifecycle(t *testing.T) {
	placer := newStubPlacer()
	placer.placeErrs = []error{errBoom}
	h := newHarness(t, placer, nil)
	ctx := context.Background()

	_, _ = h.m.PlaceOrder(ctx, sellReq("X1"))
	err := h.m.CancelOrder(ctx, schema.OrderRef{ClientRequestID: "X1"})
	assert.True(t, errs.HasCode(err, errs.CodeInvalidState), "created orders cannot be cancelled: %v", err)

	_, err = h.m.PlaceOrder(ctx, sellReq("X1"))
	require.NoError(t, err)
	require.NoError(t, h.m.CancelOrder(ctx, schema.OrderRef{OrderID: "B1"}))
	snap, _ := h.m.Order(schema.OrderRef{OrderID: "B1"})
	assert.Equal(t, schema.OrderStateSubmitted, snap.State, "cancel is requested, not assumed")
	assert.True(t, snap.CancelRequested)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	go func() {
		_ = h.m.OnOrderUpdate(ctx, h.event("B1", schema.OrderStateCancelled, 0, time.Second))
	}()
	snap, err = h.m.Await(waitCtx, schema.OrderRef{OrderID: "B1"}, func(o schema.OrderSnapshot) bool {
		return o.State.IsTerminal()
	})
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStateCancelled, snap.State)

	err = h.m.CancelOrder(ctx, schema.OrderRef{OrderID: "B1"})
	assert.True(t, errs.HasCode(err, errs.CodeInvalidState))

	err = h.m.CancelOrder(ctx, schema.OrderRef{OrderID: "nope"})
	assert.True(t, errs.HasCode(err, errs.CodeNotFound))
}

func TestModifyOrder(t *testing.T) {
	h := newHarness(t, newStubPlacer(), nil)
	ctx := context.Background()
	_, _ = h.m.PlaceOrder(ctx, sellReq("X1"))
	price := decimal.NewFromInt(21)

	_, err := h.m.ModifyOrder(ctx, schema.OrderRef{OrderID: "B1"}, schema.ModifyRequest{Price: &price})
	var e *errs.E
	require.True(t, errors.As(err, &e))
	assert.Equal(t, errs.CanonicalCapabilityMissing, e.Canonical)

	mod := &modifyingPlacer{stubPlacer: newStubPlacer()}
	h2 := newHarness(t, mod.stubPlacer, nil)
	h2.m.cfg.Placer = mod
	_, _ = h2.m.PlaceOrder(ctx, sellReq("X2"))
	snap, err := h2.m.ModifyOrder(ctx, schema.OrderRef{OrderID: "B1"}, schema.ModifyRequest{Price: &price})
	require.NoError(t, err)
	assert.True(t, snap.Price.Equal(price))
	assert.Len(t, mod.modified, 1)

	tooSmall := decimal.NewFromInt(-1)
	_, err = h2.m.ModifyOrder(ctx, schema.OrderRef{OrderID: "B1"}, schema.ModifyRequest{Quantity: &tooSmall})
	assert.True(t, errs.HasCode(err, errs.CodeInvalid))
}

func TestReconcileQueriesStuckOrders(t *testing.T) {
	placer := newStubPlacer()
	h := newHarness(t, placer, nil)
	ctx := context.Background()
	_, _ = h.m.PlaceOrder(ctx, sellReq("X1"))
	_, _ = h.m.PlaceOrder(ctx, sellReq("X2"))

	assert.Zero(t, h.m.Reconcile(ctx).Checked, "fresh orders are not stuck")

	placer.status["B1"] = schema.BrokerOrderEvent{Status: schema.OrderStateFilled, FilledQuantity: decimal.NewFromInt(50), AvgFillPrice: decimal.NewFromInt(20), Timestamp: h.clock.Now()}
	h.clock.Advance(time.Minute)
	res := h.m.Reconcile(ctx)
	assert.Equal(t, 2, res.Checked)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Failed)

	snap, _ := h.m.Order(schema.OrderRef{OrderID: "B1"})
	assert.Equal(t, schema.OrderStateFilled, snap.State)
}

func TestPlaceWithRetry(t *testing.T) {
	placer := newStubPlacer()
	placer.placeErrs = []error{errs.Transient("stub", errBoom), errs.Transient("stub", errBoom)}
	h := newHarness(t, placer, nil)
	ctx := context.Background()

	snap, err := h.m.PlaceWithRetry(ctx, sellReq("R1"))
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStateSubmitted, snap.State)
	require.Equal(t, 3, placer.calls())
	for _, call := range placer.placeCalls {
		assert.Equal(t, "R1", call.ClientRequestID)
	}

	placer.placeErrs = []error{errBoom}
	_, err = h.m.PlaceWithRetry(ctx, sellReq("R2"))
	require.Error(t, err)
	assert.Equal(t, 4, placer.calls(), "permanent failures are not retried")

	placer.placeErrs = []error{errs.Transient("stub", errBoom), errs.Transient("stub", errBoom), errs.Transient("stub", errBoom)}
	_, err = h.m.PlaceWithRetry(ctx, sellReq("R3"))
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
	assert.Equal(t, 7, placer.calls(), "attempts are bounded")
}

func TestRestoreFromJournalAndSync(t *testing.T) {
	journal := memory.NewJournal()
	placer := newStubPlacer()
	h := newHarness(t, placer, journal)
	ctx := context.Background()
	_, _ = h.m.PlaceOrder(ctx, sellReq("X1"))
	_, _ = h.m.PlaceOrder(ctx, sellReq("X2"))
	require.NoError(t, h.m.OnOrderUpdate(ctx, h.event("B2", schema.OrderStateFilled, 50, time.Second)))

	restarted := newHarness(t, placer, journal)
	n, err := restarted.m.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only open orders are restored")

	placer.status["B1"] = schema.BrokerOrderEvent{Status: schema.OrderStatePartiallyFilled, FilledQuantity: decimal.NewFromInt(10), Timestamp: restarted.clock.Now()}
	res := restarted.m.Reconcile(ctx)
	assert.Equal(t, 1, res.Updated)
	snap, ok := restarted.m.Order(schema.OrderRef{OrderID: "B1"})
	require.True(t, ok)
	assert.Equal(t, schema.OrderStatePartiallyFilled, snap.State)
}

func TestPositionFromFills(t *testing.T) {
	h := newHarness(t, newStubPlacer(), nil)
	ctx := context.Background()
	_, _ = h.m.PlaceOrder(ctx, sellReq("S1"))
	require.NoError(t, h.m.OnOrderUpdate(ctx, h.event("B1", schema.OrderStateFilled, 50, time.Second)))

	pos := h.m.Position("strangle-1", "NIFTY25JAN30C")
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(-50)))
	assert.True(t, pos.AvgPrice.Equal(decimal.NewFromInt(20)))

	buy := sellReq("C1")
	buy.Side = schema.SideBuy
	_, _ = h.m.PlaceOrder(ctx, buy)
	require.NoError(t, h.m.OnOrderUpdate(ctx, h.event("B2", schema.OrderStateFilled, 50, time.Second)))
	pos = h.m.Position("strangle-1", "NIFTY25JAN30C")
	assert.True(t, pos.Quantity.IsZero())
}

func TestRunAppliesUpdatesUntilCancelled(t *testing.T) {
	h := newHarness(t, newStubPlacer(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	_, _ = h.m.PlaceOrder(ctx, sellReq("X1"))

	updates := make(chan schema.BrokerOrderEvent, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- h.m.Run(ctx, updates) }()
	updates <- h.event("B1", schema.OrderStateAcknowledged, 0, time.Second)

	waitCtx, waitCancel := context.WithTimeout(ctx, time.Second)
	defer waitCancel()
	_, err := h.m.Await(waitCtx, schema.OrderRef{OrderID: "B1"}, func(o schema.OrderSnapshot) bool {
		return o.State == schema.OrderStateAcknowledged
	})
	require.NoError(t, err)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}
