package orders

import (
	"context"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"

	"github.com/coachpo/optflow/internal/domain/errs"
	"github.com/coachpo/optflow/internal/domain/schema"
	"github.com/coachpo/optflow/internal/observability"
)

// SweepResult summarizes one reconciliation pass.
type SweepResult struct {
	Checked int `json:"checked"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// Run consumes broker callbacks in arrival order and runs the periodic
// reconciliation sweep until ctx ends. A nil updates channel disables
// callback consumption but keeps the sweep.
func (m *Manager) Run(ctx context.Context, updates <-chan schema.BrokerOrderEvent) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			_ = m.OnOrderUpdate(ctx, ev)
		case <-ticker.C:
			res := m.Reconcile(ctx)
			if res.Checked > 0 {
				m.cfg.Logger.Debug("orders: reconcile sweep",
					observability.F("checked", res.Checked),
					observability.F("updated", res.Updated),
					observability.F("failed", res.Failed))
			}
		}
	}
}

// Reconcile queries the broker for every order stuck in Submitted or
// Acknowledged longer than StuckAfter, plus restored orders not yet synced,
// and applies the answers through the normal update rule.
func (m *Manager) Reconcile(ctx context.Context) SweepResult {
	cutoff := m.cfg.Clock().Add(-m.cfg.StuckAfter)
	var refs []schema.OrderRef
	for _, e := range m.entries() {
		e.mu.Lock()
		state := e.order.State
		stuck := (state == schema.OrderStateSubmitted || state == schema.OrderStateAcknowledged) &&
			e.lastActivity.Before(cutoff)
		due := !e.submitting && (stuck || e.needsSync && !state.IsTerminal())
		ref := e.order.Ref()
		e.mu.Unlock()
		if due {
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		return SweepResult{}
	}

	var updated, failed atomic.Int64
	p := concpool.New().WithMaxGoroutines(m.cfg.SweepWorkers)
	for _, ref := range refs {
		p.Go(func() {
			m.sweepCounter.Add(ctx, 1)
			ev, err := m.cfg.Placer.FetchOrderStatus(ctx, ref)
			if errs.HasCode(err, errs.CodeNotFound) {
				m.markSynced(ref)
			}
			if err != nil {
				failed.Add(1)
				m.cfg.Logger.Error("orders: status query failed",
					observability.F("ref", ref.String()), observability.Err(err))
				return
			}
			if ev.ClientRequestID == "" {
				ev.ClientRequestID = ref.ClientRequestID
			}
			if ev.OrderID == "" {
				ev.OrderID = ref.OrderID
			}
			if m.OnOrderUpdate(ctx, ev) == nil {
				updated.Add(1)
				return
			}
			m.markSynced(ref)
		})
	}
	p.Wait()
	return SweepResult{Checked: len(refs), Updated: int(updated.Load()), Failed: int(failed.Load())}
}

// markSynced records a successful status query that changed nothing, so the
// order is not queried again until it is stuck by age.
func (m *Manager) markSynced(ref schema.OrderRef) {
	if e := m.lookup(ref); e != nil {
		e.mu.Lock()
		e.needsSync = false
		e.lastActivity = m.cfg.Clock()
		e.mu.Unlock()
	}
}

// Restore reloads non-terminal orders from the journal after a restart. They
// are queried on the next sweep.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	records, err := m.cfg.Journal.LoadOpen(ctx)
	if err != nil {
		return 0, errs.New("orders/restore", errs.CodeUnavailable, errs.WithCause(err))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	restored := 0
	for _, rec := range records {
		if rec.ClientRequestID == "" || rec.State.IsTerminal() {
			continue
		}
		if _, exists := m.byClient[rec.ClientRequestID]; exists {
			continue
		}
		e := &entry{
			order:     rec.OrderSnapshot,
			version:   rec.Version,
			needsSync: true,
			changed:   make(chan struct{}),
		}
		m.byClient[rec.ClientRequestID] = e
		if rec.OrderID != "" {
			m.byBroker[rec.OrderID] = e
		}
		restored++
	}
	if restored > 0 {
		m.cfg.Logger.Info("orders: restored open orders", observability.F("count", restored))
	}
	return restored, nil
}
