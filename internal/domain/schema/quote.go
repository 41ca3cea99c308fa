// Package schema defines the canonical market-data, order and stream event types.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/optflow/internal/domain/errs"
)

// Quote is the canonical, normalized market-data tick for one instrument.
type Quote struct {
	Instrument string          `json:"instrument"`
	LastPrice  decimal.Decimal `json:"last"`
	BidPrice   decimal.Decimal `json:"bid"`
	AskPrice   decimal.Decimal `json:"ask"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   uint64          `json:"sequence"`
}

// HasBook reports whether both sides of the top of book are present.
func (q Quote) HasBook() bool {
	return q.BidPrice.IsPositive() && q.AskPrice.IsPositive()
}

// Mid returns the midpoint of bid and ask, falling back to the last traded price.
func (q Quote) Mid() decimal.Decimal {
	if !q.HasBook() {
		return q.LastPrice
	}
	return q.BidPrice.Add(q.AskPrice).Div(decimal.NewFromInt(2))
}

// Validate checks the structural invariants of a quote.
func (q Quote) Validate() error {
	if strings.TrimSpace(q.Instrument) == "" {
		return errs.New("schema/quote", errs.CodeInvalid, errs.WithMessage("instrument required"))
	}
	if !q.LastPrice.IsPositive() {
		return errs.New("schema/quote", errs.CodeInvalid,
			errs.WithMessage("last price must be positive"), errs.WithField("instrument", q.Instrument))
	}
	if q.BidPrice.IsNegative() || q.AskPrice.IsNegative() {
		return errs.New("schema/quote", errs.CodeInvalid,
			errs.WithMessage("negative book price"), errs.WithField("instrument", q.Instrument))
	}
	if q.HasBook() && q.BidPrice.GreaterThan(q.AskPrice) {
		return errs.New("schema/quote", errs.CodeInvalid,
			errs.WithMessage("crossed book"), errs.WithField("instrument", q.Instrument))
	}
	return nil
}

// RawTick is an undecoded frame received from a broker market-data stream.
type RawTick struct {
	Source     string
	Payload    []byte
	ReceivedAt time.Time
}
