package trading

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"paper-trader/internal/models"
	"paper-trader/internal/store"
)

// HoldingsLedger settles delivery positions into holdings on T+1 and
// tracks sellable settled inventory.
type HoldingsLedger struct {
	store   store.DataStore
	funds   *FundLedger
	session *SessionManager
	logger  zerolog.Logger
}

// NewHoldingsLedger creates the holdings ledger.
func NewHoldingsLedger(st store.DataStore, funds *FundLedger, session *SessionManager, logger zerolog.Logger) *HoldingsLedger {
	return &HoldingsLedger{
		store:   st,
		funds:   funds,
		session: session,
		logger:  logger.With().Str("component", "holdings").Logger(),
	}
}

// List returns the user's holdings.
func (l *HoldingsLedger) List(ctx context.Context, user string) ([]*models.Holding, error) {
	return l.store.ListHoldings(ctx, user)
}

// Get returns one holding row, or nil.
func (l *HoldingsLedger) Get(ctx context.Context, user, symbol string, exchange models.Exchange) (*models.Holding, error) {
	return l.store.GetHolding(ctx, user, symbol, exchange)
}

// ProcessT1Settlement merges every delivery position created before the
// given trading-day boundary into the matching holding, transfers its
// margin out of used (the value now lives in the holding), and removes
// the source position. Idempotent: settled positions are gone, so a
// second run finds nothing.
func (l *HoldingsLedger) ProcessT1Settlement(ctx context.Context, now time.Time) (int, error) {
	dayStart := l.session.TradingDayStart(now)

	positions, err := l.store.ListPositions(ctx, store.PositionFilter{
		Product:       models.ProductCNC,
		OpenOnly:      true,
		CreatedBefore: dayStart,
	})
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, p := range positions {
		if p.Quantity <= 0 {
			// Delivery shorts cannot exist; a negative row here is drift,
			// leave it for reconciliation.
			continue
		}

		err := l.funds.WithUser(p.User, func() error {
			holding, err := l.store.GetHolding(ctx, p.User, p.Symbol, p.Exchange)
			if err != nil {
				return err
			}

			merged := MergeIntoHolding(holding, p, dayStart)

			fund, err := l.funds.Get(ctx, p.User)
			if err != nil {
				return err
			}
			ApplyHoldingsTransfer(fund, p.MarginBlocked)
			fund.UpdatedAt = now

			return l.store.SaveFillCommit(ctx, &store.FillCommit{
				Position:       p,
				DeletePosition: true,
				Holding:        merged,
				Fund:           fund,
			})
		})
		if err != nil {
			l.logger.Error().Err(err).Str("user", p.User).Str("symbol", p.Symbol).Msg("t1 settlement failed")
			continue
		}

		settled++
		l.logger.Info().Str("user", p.User).Str("symbol", p.Symbol).
			Int64("quantity", p.Quantity).
			Msg("delivery position settled to holdings")
	}
	return settled, nil
}

// MergeIntoHolding folds a settling delivery position into an existing
// holding (nil for none) with weighted-average pricing. Pure.
func MergeIntoHolding(holding *models.Holding, p *models.Position, settlementDate time.Time) *models.Holding {
	if holding == nil {
		return &models.Holding{
			User:           p.User,
			Symbol:         p.Symbol,
			Exchange:       p.Exchange,
			Quantity:       p.Quantity,
			AveragePrice:   p.AveragePrice,
			LastPrice:      p.LastPrice,
			SettlementDate: settlementDate,
			UpdatedAt:      settlementDate,
		}
	}

	merged := *holding
	total := merged.Quantity + p.Quantity
	if total > 0 {
		merged.AveragePrice = (merged.AveragePrice*merged.Quantity + p.AveragePrice*p.Quantity) / total
	}
	merged.Quantity = total
	merged.LastPrice = p.LastPrice
	merged.SettlementDate = settlementDate
	merged.UpdatedAt = settlementDate
	return &merged
}

// ConsumeForSale reduces a holding by a sold quantity and returns the
// mutated holding (nil when fully consumed), the sale proceeds and the
// realized P&L over the holding's average price. Pure.
func ConsumeForSale(holding *models.Holding, quantity, price int64, now time.Time) (remaining *models.Holding, proceeds, realized int64) {
	proceeds = price * quantity
	realized = (price - holding.AveragePrice) * quantity

	h := *holding
	h.Quantity -= quantity
	h.LastPrice = price
	h.UpdatedAt = now
	if h.Quantity <= 0 {
		return nil, proceeds, realized
	}
	return &h, proceeds, realized
}
