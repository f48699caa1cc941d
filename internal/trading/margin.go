package trading

import (
	"context"

	"paper-trader/internal/config"
	"paper-trader/internal/marketdata"
	"paper-trader/internal/models"
)

// MarginCalculator computes the margin required to carry an order. The
// leverage table lives in the settings store per (exchange, product,
// instrument class); delivery always requires full value.
type MarginCalculator struct {
	settings *config.Store
	refdata  *marketdata.RefData
}

// NewMarginCalculator creates a margin calculator.
func NewMarginCalculator(settings *config.Store, refdata *marketdata.RefData) *MarginCalculator {
	return &MarginCalculator{settings: settings, refdata: refdata}
}

// MarginRequired reports whether the order side consumes margin. BUY
// always does; SELL only when writing options. Intraday equity shorts
// and delivery sells block nothing.
func MarginRequired(side models.OrderSide, class models.InstrumentClass) bool {
	if side == models.OrderSideBuy {
		return true
	}
	return class == models.ClassOption
}

// Required returns the margin in paise for an order of the given shape at
// the given reference price. Returns zero for sides that block nothing.
func (c *MarginCalculator) Required(ctx context.Context, symbol string, exchange models.Exchange,
	side models.OrderSide, product models.ProductType, quantity, price int64) (int64, error) {

	inst, err := c.refdata.Get(ctx, symbol, exchange)
	if err != nil {
		return 0, err
	}
	if !MarginRequired(side, inst.Class) {
		return 0, nil
	}

	tradeValue := price * quantity
	leverage := c.settings.Leverage(string(exchange), string(product), string(inst.Class))
	if product == models.ProductCNC {
		leverage = 1 // delivery requires full value
	}

	// Round up so the blocked amount always covers the exposure.
	return (tradeValue + leverage - 1) / leverage, nil
}
