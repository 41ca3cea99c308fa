package schema

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestOrderStateRankAndTerminal(t *testing.T) {
	ordered := []OrderState{OrderStateCreated, OrderStateSubmitted, OrderStateAcknowledged, OrderStatePartiallyFilled}
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Rank() <= ordered[i-1].Rank() {
			t.Fatalf("%s should rank above %s", ordered[i], ordered[i-1])
		}
	}
	for _, s := range []OrderState{OrderStateFilled, OrderStateRejected, OrderStateCancelled} {
		if !s.IsTerminal() {
			t.Fatalf("%s should be terminal", s)
		}
		if s.Cancellable() {
			t.Fatalf("%s should not be cancellable", s)
		}
	}
	if OrderStateCreated.Cancellable() {
		t.Fatalf("created orders are not cancellable")
	}
}

func TestParseOrderStateBrokerAliases(t *testing.T) {
	cases := map[string]OrderState{
		"COMPLETE":         OrderStateFilled,
		"open":             OrderStateAcknowledged,
		"Canceled":         OrderStateCancelled,
		"PARTIALLY FILLED": OrderStatePartiallyFilled,
	}
	for raw, want := range cases {
		got, err := ParseOrderState(raw)
		if err != nil || got != want {
			t.Fatalf("ParseOrderState(%q) = %s, %v; want %s", raw, got, err, want)
		}
	}
	if _, err := ParseOrderState("MYSTERY"); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestQuoteValidate(t *testing.T) {
	q := Quote{Instrument: "NIFTY25JAN30C", LastPrice: decimal.NewFromInt(20), BidPrice: decimal.NewFromInt(19), AskPrice: decimal.NewFromInt(21)}
	if err := q.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.Mid().Equal(decimal.NewFromInt(20)) {
		t.Fatalf("unexpected mid %s", q.Mid())
	}
	crossed := q
	crossed.BidPrice = decimal.NewFromInt(22)
	if err := crossed.Validate(); err == nil {
		t.Fatalf("expected crossed book error")
	}
	zero := q
	zero.LastPrice = decimal.Zero
	if err := zero.Validate(); err == nil {
		t.Fatalf("expected zero price error")
	}
}

func TestStreamEventAlertable(t *testing.T) {
	if !(StreamEvent{Kind: EventOrderTransition, To: string(OrderStateFilled)}).Alertable() {
		t.Fatalf("fills should alert")
	}
	if (StreamEvent{Kind: EventOrderTransition, To: string(OrderStateAcknowledged)}).Alertable() {
		t.Fatalf("acks should not alert")
	}
	if (StreamEvent{Kind: EventQuoteDropped}).Alertable() {
		t.Fatalf("drops should not alert")
	}
}

func TestStreamEventSummary(t *testing.T) {
	evt := StreamEvent{
		Kind:       EventLegTransition,
		Leg:        "CE",
		Instrument: "NIFTY25JAN30C",
		From:       string(LegOpen),
		To:         string(LegExitRequested),
		Detail:     "exit signal at 14",
	}
	want := "leg CE (NIFTY25JAN30C) OPEN -> EXIT_REQUESTED: exit signal at 14"
	if got := evt.Summary(); got != want {
		t.Fatalf("Summary() = %q, want %q", got, want)
	}
	unreconciled := StreamEvent{Kind: EventUnreconciled, OrderID: "ZZ", To: string(OrderStateFilled)}
	if got := unreconciled.Summary(); got != "unreconciled broker event order=ZZ status=FILLED" {
		t.Fatalf("Summary() = %q", got)
	}
}
