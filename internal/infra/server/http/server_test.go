package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/optflow/internal/app/dispatcher"
	"github.com/coachpo/optflow/internal/app/orders"
	"github.com/coachpo/optflow/internal/domain/orderstore"
	"github.com/coachpo/optflow/internal/domain/schema"
	"github.com/coachpo/optflow/internal/infra/bus/eventbus"
)

type fakeOrders struct {
	orders     []schema.OrderSnapshot
	lastQuery  orderstore.OrderQuery
	reconciled int
}

func (f *fakeOrders) Orders(query orderstore.OrderQuery) []schema.OrderSnapshot {
	f.lastQuery = query
	return f.orders
}

func (f *fakeOrders) Order(ref schema.OrderRef) (schema.OrderSnapshot, bool) {
	for _, o := range f.orders {
		if o.OrderID == ref.OrderID || o.ClientRequestID == ref.ClientRequestID {
			return o, true
		}
	}
	return schema.OrderSnapshot{}, false
}

func (f *fakeOrders) Reconcile(context.Context) orders.SweepResult {
	f.reconciled++
	return orders.SweepResult{Checked: 2, Updated: 1}
}

type fakeStrategy struct{ id string }

func (f fakeStrategy) ID() string    { return f.id }
func (f fakeStrategy) Running() bool { return true }
func (f fakeStrategy) Legs() []schema.LegSnapshot {
	return []schema.LegSnapshot{{Name: "call", Instrument: "NIFTY25JAN23500CE", State: schema.LegOpen}}
}

type fakeStats struct{}

func (fakeStats) AllStats() []dispatcher.ConsumerStats {
	return []dispatcher.ConsumerStats{{ConsumerID: "s1", Delivered: 10, Dropped: 1}}
}

func newTestHandler(t *testing.T, bus eventbus.Bus) (http.Handler, *fakeOrders) {
	t.Helper()
	fo := &fakeOrders{orders: []schema.OrderSnapshot{{
		OrderID:         "B1",
		ClientRequestID: "c1",
		StrategyID:      "s1",
		State:           schema.OrderStateFilled,
		Quantity:        decimal.NewFromInt(50),
	}}}
	deps := Deps{
		Environment: "dev",
		Orders:      fo,
		Strategies:  func() []Strategy { return []Strategy{fakeStrategy{id: "s1"}} },
		Dispatcher:  fakeStats{},
	}
	if bus != nil {
		deps.Events = bus
	}
	return NewHandler(deps), fo
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	rec := do(t, h, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "dev", body["environment"])
}

func TestListOrdersParsesQuery(t *testing.T) {
	h, fo := newTestHandler(t, nil)
	rec := do(t, h, http.MethodGet, "/orders?strategy=s1&state=filled,open&limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "s1", fo.lastQuery.StrategyID)
	assert.Equal(t, []schema.OrderState{schema.OrderStateFilled, schema.OrderStateAcknowledged}, fo.lastQuery.States)
	assert.Equal(t, 5, fo.lastQuery.Limit)

	var body struct {
		Orders []schema.OrderSnapshot `json:"orders"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Orders, 1)
	assert.Equal(t, "c1", body.Orders[0].ClientRequestID)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/orders?state=bogus").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/orders?limit=-1").Code)
}

func TestGetOrderByEitherID(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/orders/B1").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/orders/c1").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/orders/zzz").Code)
}

func TestReconcileRequiresPost(t *testing.T) {
	h, fo := newTestHandler(t, nil)
	rec := do(t, h, http.MethodPost, "/orders/reconcile")
	require.Equal(t, http.StatusOK, rec.Code)
	var res orders.SweepResult
	decode(t, rec, &res)
	assert.Equal(t, 2, res.Checked)
	assert.Equal(t, 1, fo.reconciled)

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodDelete, "/health").Code)
}

func TestStrategiesAndDispatcherStats(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	rec := do(t, h, http.MethodGet, "/strategies")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"s1"`)
	assert.Contains(t, rec.Body.String(), `"running":true`)

	rec = do(t, h, http.MethodGet, "/dispatcher/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"dropped":1`)
}

func TestUnavailableDependencies(t *testing.T) {
	h := NewHandler(Deps{})
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/orders").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/dispatcher/stats").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/events").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/strategies").Code)
}

func TestCORSPreflight(t *testing.T) {
	h := NewHandler(Deps{AllowedOrigins: []string{"http://localhost:3000"}})
	req := httptest.NewRequest(http.MethodOptions, "/orders", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestEventStreamForwardsBusEvents(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: 16})
	defer bus.Close()
	h, _ := newTestHandler(t, bus)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events?kinds=leg.transition"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	// The subscription is registered after the upgrade, so keep publishing until one lands.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = bus.Publish(context.Background(), schema.StreamEvent{Kind: schema.EventOrderTransition, OrderID: "ignored"})
				_ = bus.Publish(context.Background(), schema.StreamEvent{Kind: schema.EventLegTransition, StrategyID: "s1", Leg: "call", To: "OPEN"})
			}
		}
	}()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var evt schema.StreamEvent
	require.NoError(t, json.Unmarshal(data, &evt))
	assert.Equal(t, schema.EventLegTransition, evt.Kind)
	assert.Equal(t, "call", evt.Leg)
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
}
