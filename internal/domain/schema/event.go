package schema

import (
	"fmt"
	"strings"
	"time"
)

// EventKind identifies the type of a StreamEvent.
type EventKind string

const (
	EventOrderTransition EventKind = "ORDER.TRANSITION"
	EventQuoteDropped    EventKind = "QUOTE.DROPPED"
	EventQuoteRejected   EventKind = "QUOTE.REJECTED"
	EventStaleIgnored    EventKind = "ORDER.STALE_IGNORED"
	EventUnreconciled    EventKind = "ORDER.UNRECONCILED"
	EventLegTransition   EventKind = "LEG.TRANSITION"
	EventSubmissionError EventKind = "ORDER.SUBMISSION_ERROR"
)

// StreamEvent is the observability record published on the event bus.
type StreamEvent struct {
	Kind            EventKind `json:"kind"`
	At              time.Time `json:"at"`
	StrategyID      string    `json:"strategyId,omitempty"`
	ConsumerID      string    `json:"consumerId,omitempty"`
	Leg             string    `json:"leg,omitempty"`
	Instrument      string    `json:"instrument,omitempty"`
	ClientRequestID string    `json:"clientRequestId,omitempty"`
	OrderID         string    `json:"orderId,omitempty"`
	From            string    `json:"from,omitempty"`
	To              string    `json:"to,omitempty"`
	Dropped         uint64    `json:"dropped,omitempty"`
	Detail          string    `json:"detail,omitempty"`
}

// Alertable reports whether the event warrants an operator notification.
func (e StreamEvent) Alertable() bool {
	switch e.Kind {
	case EventUnreconciled, EventSubmissionError, EventLegTransition:
		return true
	case EventOrderTransition:
		switch OrderState(e.To) {
		case OrderStateFilled, OrderStateRejected, OrderStateCancelled:
			return true
		}
	}
	return false
}

// Summary renders the event as one human-readable line for alerts and reports.
func (e StreamEvent) Summary() string {
	var b strings.Builder
	switch e.Kind {
	case EventLegTransition:
		fmt.Fprintf(&b, "leg %s (%s) %s -> %s", e.Leg, e.Instrument, e.From, e.To)
	case EventOrderTransition:
		fmt.Fprintf(&b, "order %s %s %s -> %s", e.ClientRequestID, e.Instrument, e.From, e.To)
	case EventUnreconciled:
		fmt.Fprintf(&b, "unreconciled broker event order=%s status=%s", e.OrderID, e.To)
	case EventSubmissionError:
		fmt.Fprintf(&b, "order %s %s submission failed", e.ClientRequestID, e.Instrument)
	case EventQuoteDropped:
		fmt.Fprintf(&b, "consumer %s dropped %d quotes of %s", e.ConsumerID, e.Dropped, e.Instrument)
	default:
		fmt.Fprintf(&b, "%s %s", e.Kind, e.Instrument)
	}
	if e.OrderID != "" && e.Kind != EventUnreconciled {
		fmt.Fprintf(&b, " [%s]", e.OrderID)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}
