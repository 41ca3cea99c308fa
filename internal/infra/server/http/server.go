// Package httpserver exposes the read-mostly status API: orders, strategies,
// dispatcher statistics and a live stream of bus events.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/coachpo/optflow/internal/app/dispatcher"
	"github.com/coachpo/optflow/internal/app/orders"
	"github.com/coachpo/optflow/internal/domain/orderstore"
	"github.com/coachpo/optflow/internal/domain/schema"
	"github.com/coachpo/optflow/internal/infra/bus/eventbus"
	"github.com/coachpo/optflow/internal/observability"
)

const (
	healthPath        = "/health"
	ordersPath        = "/orders"
	orderDetailPath   = ordersPath + "/{ref}"
	reconcilePath     = ordersPath + "/reconcile"
	strategiesPath    = "/strategies"
	dispatcherPath    = "/dispatcher/stats"
	eventsPath        = "/events"
	defaultOrderLimit = 200
)

// OrderService is the order manager surface the API reads.
type OrderService interface {
	Orders(query orderstore.OrderQuery) []schema.OrderSnapshot
	Order(ref schema.OrderRef) (schema.OrderSnapshot, bool)
	Reconcile(ctx context.Context) orders.SweepResult
}

// Strategy is a running strategy instance.
type Strategy interface {
	ID() string
	Running() bool
	Legs() []schema.LegSnapshot
}

// StatsSource reports per-consumer dispatcher statistics.
type StatsSource interface {
	AllStats() []dispatcher.ConsumerStats
}

// EventSource is the subscribe side of the event bus.
type EventSource interface {
	Subscribe(ctx context.Context, kinds ...schema.EventKind) (eventbus.SubscriptionID, <-chan schema.StreamEvent, error)
	Unsubscribe(id eventbus.SubscriptionID)
}

// Deps wires the handler. Nil sources disable their endpoints with 503.
type Deps struct {
	Environment    string
	Orders         OrderService
	Strategies     func() []Strategy
	Dispatcher     StatsSource
	Events         EventSource
	AllowedOrigins []string
	Logger         observability.Logger
	Clock          func() time.Time
}

type httpServer struct {
	deps    Deps
	started time.Time
}

type strategyView struct {
	ID      string               `json:"id"`
	Running bool                 `json:"running"`
	Legs    []schema.LegSnapshot `json:"legs"`
}

// NewHandler builds the router with CORS applied.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = observability.Log()
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	server := &httpServer{deps: deps, started: deps.Clock()}

	router := mux.NewRouter()
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		methodNotAllowed(w)
	})
	router.HandleFunc(healthPath, server.health).Methods(http.MethodGet)
	router.HandleFunc(reconcilePath, server.reconcile).Methods(http.MethodPost)
	router.HandleFunc(ordersPath, server.listOrders).Methods(http.MethodGet)
	router.HandleFunc(orderDetailPath, server.getOrder).Methods(http.MethodGet)
	router.HandleFunc(strategiesPath, server.listStrategies).Methods(http.MethodGet)
	router.HandleFunc(dispatcherPath, server.dispatcherStats).Methods(http.MethodGet)
	router.HandleFunc(eventsPath, server.streamEvents).Methods(http.MethodGet)

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(router)
}

// Serve runs the API on addr until ctx ends, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger observability.Logger) error {
	if logger == nil {
		logger = observability.Log()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api: listening", observability.F("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	now := s.deps.Clock()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"environment": s.deps.Environment,
		"time":        now,
		"uptime":      now.Sub(s.started).Round(time.Second).String(),
	})
}

func (s *httpServer) listOrders(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orders == nil {
		writeError(w, http.StatusServiceUnavailable, "order manager unavailable")
		return
	}
	query, err := orderQueryFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": s.deps.Orders.Orders(query)})
}

func orderQueryFrom(r *http.Request) (orderstore.OrderQuery, error) {
	values := r.URL.Query()
	query := orderstore.OrderQuery{
		StrategyID: strings.TrimSpace(values.Get("strategy")),
		Limit:      defaultOrderLimit,
	}
	if raw := strings.TrimSpace(values.Get("state")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			state, err := schema.ParseOrderState(part)
			if err != nil {
				return orderstore.OrderQuery{}, err
			}
			query.States = append(query.States, state)
		}
	}
	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return orderstore.OrderQuery{}, errors.New("limit must be a positive integer")
		}
		query.Limit = limit
	}
	if raw := strings.TrimSpace(values.Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return orderstore.OrderQuery{}, errors.New("since must be RFC3339")
		}
		query.Since = since
	}
	return query, nil
}

func (s *httpServer) getOrder(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orders == nil {
		writeError(w, http.StatusServiceUnavailable, "order manager unavailable")
		return
	}
	ref := strings.TrimSpace(mux.Vars(r)["ref"])
	order, ok := s.deps.Orders.Order(schema.OrderRef{OrderID: ref, ClientRequestID: ref})
	if !ok {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *httpServer) reconcile(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orders == nil {
		writeError(w, http.StatusServiceUnavailable, "order manager unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Orders.Reconcile(r.Context()))
}

func (s *httpServer) listStrategies(w http.ResponseWriter, _ *http.Request) {
	views := make([]strategyView, 0)
	if s.deps.Strategies != nil {
		for _, st := range s.deps.Strategies() {
			views = append(views, strategyView{ID: st.ID(), Running: st.Running(), Legs: st.Legs()})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategies": views})
}

func (s *httpServer) dispatcherStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatcher unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"consumers": s.deps.Dispatcher.AllStats()})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
