package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// LegState enumerates the per-leg strategy states.
type LegState string

const (
	LegFlat          LegState = "FLAT"
	LegEntering      LegState = "ENTERING"
	LegOpen          LegState = "OPEN"
	LegExitRequested LegState = "EXIT_REQUESTED"
	LegClosed        LegState = "CLOSED"
)

// LegSnapshot is a read-only view of one strategy leg.
type LegSnapshot struct {
	Name       string          `json:"name"`
	Instrument string          `json:"instrument"`
	State      LegState        `json:"state"`
	Side       Side            `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryOrder OrderRef        `json:"entryOrder"`
	ExitOrder  OrderRef        `json:"exitOrder"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	ExitFloor  decimal.Decimal `json:"exitFloor"`
	LastPrice  decimal.Decimal `json:"lastPrice"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}
