// Package engine implements order matching: a polling engine, an
// event-driven engine fed by push ticks, and the supervisor that picks
// and hot-swaps between them.
package engine

import (
	"paper-trader/internal/models"
)

// Evaluate decides whether an order fills against last-traded price
// last, and at what price. Fills are all-or-nothing.
//
//	MARKET        fills at last.
//	LIMIT  BUY    fills at the limit price when last <= price.
//	LIMIT  SELL   fills at the limit price when last >= price.
//	SL     BUY    fills at the limit price when last >= trigger and last <= price.
//	SL     SELL   fills at the limit price when last <= trigger and last >= price.
//	SL-M   BUY    fills at last when last >= trigger.
//	SL-M   SELL   fills at last when last <= trigger.
func Evaluate(order *models.Order, last int64) (fillPrice int64, ok bool) {
	if last <= 0 {
		return 0, false
	}
	buy := order.Side == models.OrderSideBuy

	switch order.PriceType {
	case models.PriceTypeMarket:
		return last, true

	case models.PriceTypeLimit:
		if buy && last <= order.Price {
			return order.Price, true
		}
		if !buy && last >= order.Price {
			return order.Price, true
		}

	case models.PriceTypeStopLoss:
		if buy && last >= order.TriggerPrice && last <= order.Price {
			return order.Price, true
		}
		if !buy && last <= order.TriggerPrice && last >= order.Price {
			return order.Price, true
		}

	case models.PriceTypeStopLossM:
		if buy && last >= order.TriggerPrice {
			return last, true
		}
		if !buy && last <= order.TriggerPrice {
			return last, true
		}
	}
	return 0, false
}
