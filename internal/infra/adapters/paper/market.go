package paper

import (
	"context"
	"math/rand/v2"
	"sort"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/optflow/internal/domain/errs"
	"github.com/coachpo/optflow/internal/domain/schema"
)

// Source tags raw frames produced by the synthetic feed. They use the generic
// JSON tick layout.
const Source = "paper"

// PriceModel drives the synthetic random walk.
type PriceModel struct {
	// Drift and Volatility are per-tick fractions of the current price.
	Drift            float64 `yaml:"drift"`
	Volatility       float64 `yaml:"volatility"`
	ShockProbability float64 `yaml:"shockProbability"`
	ShockMagnitude   float64 `yaml:"shockMagnitude"`
	// TickSize rounds generated prices. NSE options trade in 0.05 steps.
	TickSize decimal.Decimal `yaml:"tickSize"`
	Seed     uint64          `yaml:"seed"`
}

type tickFrame struct {
	Instrument string          `json:"instrument"`
	LastPrice  decimal.Decimal `json:"last_price"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	Timestamp  string          `json:"timestamp"`
	Sequence   uint64          `json:"sequence"`
}

// StreamQuotes implements broker.QuoteSource with a synthetic feed. Every
// requested instrument needs a seed price in Options.Prices.
func (b *Broker) StreamQuotes(ctx context.Context, instruments []string) (<-chan schema.RawTick, error) {
	if len(instruments) == 0 {
		return nil, errs.New("paper/stream", errs.CodeInvalid, errs.WithMessage("no instruments requested"))
	}
	walk := make(map[string]decimal.Decimal, len(instruments))
	for _, inst := range instruments {
		px, ok := b.opts.Prices[inst]
		if !ok || !px.IsPositive() {
			return nil, errs.New("paper/stream", errs.CodeInvalid,
				errs.WithMessage("no seed price"), errs.WithField("instrument", inst))
		}
		walk[inst] = px
	}
	names := append([]string(nil), instruments...)
	sort.Strings(names)

	model := b.opts.Model
	rng := newRand(model.Seed)
	out := make(chan schema.RawTick, len(names))

	go func() {
		defer close(out)
		ticker := time.NewTicker(b.opts.TickInterval)
		defer ticker.Stop()
		var seq uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			now := b.opts.Clock()
			for _, inst := range names {
				px := model.step(rng, walk[inst])
				walk[inst] = px
				seq++
				spread := model.tick()
				payload, err := json.Marshal(tickFrame{
					Instrument: inst,
					LastPrice:  px,
					Bid:        px.Sub(spread),
					Ask:        px.Add(spread),
					Timestamp:  now.Format(time.RFC3339Nano),
					Sequence:   seq,
				})
				if err != nil {
					b.opts.Logger.Error("paper: encode tick failed")
					continue
				}
				select {
				case out <- schema.RawTick{Source: Source, Payload: payload, ReceivedAt: now}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func (m PriceModel) tick() decimal.Decimal {
	if m.TickSize.IsPositive() {
		return m.TickSize
	}
	return decimal.RequireFromString("0.05")
}

// step advances price by one tick of the walk. The result never drops below one tick.
func (m PriceModel) step(rng *rand.Rand, price decimal.Decimal) decimal.Decimal {
	change := m.Drift + m.Volatility*rng.NormFloat64()
	if m.ShockProbability > 0 && rng.Float64() < m.ShockProbability {
		if rng.IntN(2) == 0 {
			change -= m.ShockMagnitude
		} else {
			change += m.ShockMagnitude
		}
	}
	next := price.Mul(decimal.NewFromFloat(1 + change))
	tick := m.tick()
	next = next.Div(tick).Round(0).Mul(tick)
	if next.LessThan(tick) {
		next = tick
	}
	return next
}
