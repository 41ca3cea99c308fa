// Package orderstore defines persistence contracts for order lifecycle state.
package orderstore

import (
	"context"
	"time"

	"github.com/coachpo/optflow/internal/domain/schema"
)

// OrderRecord is the persisted form of an order, written after every accepted transition.
type OrderRecord struct {
	schema.OrderSnapshot
	// Version increments with every accepted transition so stale writes can be rejected.
	Version int64 `json:"version"`
}

// Open reports whether the order still needs reconciliation after a restart.
func (r OrderRecord) Open() bool {
	return !r.State.IsTerminal()
}

// OrderQuery scopes order lookups.
type OrderQuery struct {
	StrategyID string               `json:"strategyId,omitempty"`
	States     []schema.OrderState `json:"states,omitempty"`
	Since      time.Time           `json:"since,omitempty"`
	Limit      int                 `json:"limit,omitempty"`
}

// Matches applies the query filter to a record.
func (q OrderQuery) Matches(r OrderRecord) bool {
	if q.StrategyID != "" && r.StrategyID != q.StrategyID {
		return false
	}
	if !q.Since.IsZero() && r.UpdatedAt.Before(q.Since) {
		return false
	}
	if len(q.States) == 0 {
		return true
	}
	for _, s := range q.States {
		if s == r.State {
			return true
		}
	}
	return false
}

// Journal persists order records so a restarted process can reconcile open orders.
type Journal interface {
	// Save upserts the record keyed by client request id. Records with a
	// version lower than the stored one are ignored.
	Save(ctx context.Context, record OrderRecord) error
	// LoadOpen returns every record whose state is not terminal.
	LoadOpen(ctx context.Context) ([]OrderRecord, error)
	// List returns records matching the query, most recently updated first.
	List(ctx context.Context, query OrderQuery) ([]OrderRecord, error)
	Close() error
}
