package strategy

import "github.com/coachpo/optflow/internal/domain/schema"

// LegView is what a policy sees of a leg when a quote arrives.
type LegView struct {
	StrategyID string
	SymbolRoot string
	Config     LegConfig
	schema.LegSnapshot
}

// Policy decides when a leg enters and exits. Implementations are called from
// the strategy's delivery goroutine only.
type Policy interface {
	ShouldEnter(leg LegView, quote schema.Quote) bool
	ShouldExit(leg LegView, quote schema.Quote) bool
}

// FloorPolicy enters once the last price reaches the leg's entry price (at
// once when none is configured) and exits when the last price falls to the
// exit floor or below.
type FloorPolicy struct{}

// ShouldEnter implements Policy.
func (FloorPolicy) ShouldEnter(leg LegView, quote schema.Quote) bool {
	if leg.Config.EntryPrice.IsZero() {
		return true
	}
	return quote.LastPrice.GreaterThanOrEqual(leg.Config.EntryPrice)
}

// ShouldExit implements Policy.
func (FloorPolicy) ShouldExit(leg LegView, quote schema.Quote) bool {
	return leg.Config.ExitFloor.IsPositive() && quote.LastPrice.LessThanOrEqual(leg.Config.ExitFloor)
}
