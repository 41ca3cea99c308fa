// Package risk implements the pre-trade guard applied to every order a
// strategy runtime issues. It is a per-runtime throttle and size check, not
// portfolio risk.
package risk

import (
	"context"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/optflow/internal/domain/errs"
	"github.com/coachpo/optflow/internal/domain/schema"
)

// Limits defines risk parameters for a single strategy.
type Limits struct {
	// MaxOrderQuantity caps the quantity of a single order. Zero disables the check.
	MaxOrderQuantity decimal.Decimal `yaml:"maxOrderQuantity"`

	// OrderThrottle is the maximum rate of orders per second. Zero disables throttling.
	OrderThrottle float64 `yaml:"orderThrottle"`

	// Burst is the number of orders allowed at once before throttling applies.
	Burst int `yaml:"burst"`
}

// Guard enforces Limits.
type Guard struct {
	limits  Limits
	limiter *rate.Limiter
}

// NewGuard creates a guard with the given limits.
func NewGuard(limits Limits) *Guard {
	limit := rate.Inf
	if limits.OrderThrottle > 0 {
		limit = rate.Limit(limits.OrderThrottle)
	}
	burst := limits.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Guard{limits: limits, limiter: rate.NewLimiter(limit, burst)}
}

// Limits returns the configured limits.
func (g *Guard) Limits() Limits {
	return g.limits
}

// CheckOrder evaluates req against the limits. It waits for throttle capacity
// until ctx ends.
func (g *Guard) CheckOrder(ctx context.Context, req schema.OrderRequest) error {
	if g == nil {
		return nil
	}
	if limit := g.limits.MaxOrderQuantity; limit.IsPositive() && req.Quantity.GreaterThan(limit) {
		return errs.New("risk/check", errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalRiskLimit),
			errs.WithMessage("order quantity "+req.Quantity.String()+" exceeds max order quantity "+limit.String()),
			errs.WithField("instrument", req.Instrument))
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return errs.New("risk/check", errs.CodeRateLimited,
			errs.WithCanonicalCode(errs.CanonicalRiskLimit),
			errs.WithMessage("order throttle limit exceeded"),
			errs.WithCause(err))
	}
	return nil
}
