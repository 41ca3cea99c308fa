package telemetry

import "go.opentelemetry.io/otel/attribute"

// Attribute keys shared by optflow instruments.
const (
	AttrEnvironment = attribute.Key("environment")
	AttrInstrument  = attribute.Key("instrument")
	AttrConsumer    = attribute.Key("consumer.id")
	AttrStrategy    = attribute.Key("strategy.id")
	AttrLeg         = attribute.Key("strategy.leg")
	AttrOrderState  = attribute.Key("order.state")
	AttrFromState   = attribute.Key("order.state.from")
	AttrReason      = attribute.Key("reason")
	AttrResult      = attribute.Key("result")
	AttrOperation   = attribute.Key("operation")
	AttrJournal     = attribute.Key("journal.driver")
)

// Result values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// QuoteAttributes returns attributes for quote pipeline metrics.
func QuoteAttributes(instrument, reason string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrEnvironment.String(Environment())}
	if instrument != "" {
		attrs = append(attrs, AttrInstrument.String(instrument))
	}
	if reason != "" {
		attrs = append(attrs, AttrReason.String(reason))
	}
	return attrs
}

// OrderTransitionAttributes returns attributes for order state transition metrics.
func OrderTransitionAttributes(strategy, from, to string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrStrategy.String(strategy),
		AttrFromState.String(from),
		AttrOrderState.String(to),
	}
}

// OperationAttributes returns attributes for an operation outcome.
func OperationAttributes(operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// JournalAttributes returns attributes for journal write metrics.
func JournalAttributes(driver, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrJournal.String(driver),
		AttrResult.String(result),
	}
}
