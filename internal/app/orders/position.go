package orders

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/optflow/internal/domain/orderstore"
	"github.com/coachpo/optflow/internal/domain/schema"
)

// Position derives the net position of strategyID in instrument from filled
// quantities. Buys count positive. The average price covers fills on the side
// of the net position.
func (m *Manager) Position(strategyID, instrument string) schema.Position {
	pos := schema.Position{StrategyID: strategyID, Instrument: instrument}
	var buyQty, buyNotional, sellQty, sellNotional decimal.Decimal
	for _, o := range m.Orders(orderstore.OrderQuery{StrategyID: strategyID}) {
		if o.Instrument != instrument || !o.FilledQuantity.IsPositive() {
			continue
		}
		notional := o.FilledQuantity.Mul(o.AvgFillPrice)
		if o.Side == schema.SideBuy {
			buyQty = buyQty.Add(o.FilledQuantity)
			buyNotional = buyNotional.Add(notional)
		} else {
			sellQty = sellQty.Add(o.FilledQuantity)
			sellNotional = sellNotional.Add(notional)
		}
	}
	pos.Quantity = buyQty.Sub(sellQty)
	switch {
	case pos.Quantity.IsPositive() && buyQty.IsPositive():
		pos.AvgPrice = buyNotional.Div(buyQty)
	case pos.Quantity.IsNegative() && sellQty.IsPositive():
		pos.AvgPrice = sellNotional.Div(sellQty)
	}
	return pos
}
