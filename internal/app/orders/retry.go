package orders

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/optflow/internal/domain/errs"
	"github.com/coachpo/optflow/internal/domain/schema"
	"github.com/coachpo/optflow/internal/observability"
)

// RetryPolicy bounds caller-side retries of transient broker failures.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 200 * time.Millisecond
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 5 * time.Second
	}
	return p
}

func (p RetryPolicy) backoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Reset()
	return b
}

// PlaceWithRetry calls PlaceOrder with the same client request id until it
// succeeds, fails permanently, or the policy's attempts are exhausted. Only
// transient network failures are retried; a broker rejection is returned at once.
func (m *Manager) PlaceWithRetry(ctx context.Context, req schema.OrderRequest) (schema.OrderSnapshot, error) {
	if req.ClientRequestID == "" {
		req.ClientRequestID = NewClientRequestID()
	}
	var snap schema.OrderSnapshot
	err := m.retry(ctx, "place", req.ClientRequestID, func() error {
		var err error
		snap, err = m.PlaceOrder(ctx, req)
		return err
	})
	return snap, err
}

// CancelWithRetry calls CancelOrder under the same policy as PlaceWithRetry.
func (m *Manager) CancelWithRetry(ctx context.Context, ref schema.OrderRef) error {
	return m.retry(ctx, "cancel", ref.String(), func() error {
		return m.CancelOrder(ctx, ref)
	})
}

func (m *Manager) retry(ctx context.Context, op, key string, fn func() error) error {
	policy := m.cfg.Retry
	b := policy.backoff()
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !errs.IsTransient(err) || attempt >= policy.MaxAttempts {
			return err
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		m.cfg.Logger.Info("orders: retrying after transient failure",
			observability.F("op", op),
			observability.F("key", key),
			observability.F("attempt", attempt),
			observability.F("wait", wait.String()))
		select {
		case <-ctx.Done():
			return err
		case <-time.After(wait):
		}
	}
}
