package trading

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"paper-trader/internal/marketdata"
	"paper-trader/internal/models"
	"paper-trader/internal/store"
	"paper-trader/pkg/utils"
)

// FillEffect is the outcome of applying one trade to a position: the
// mutated position plus the fund-side consequences. Margin was blocked
// at order placement, so a fill only ever releases.
type FillEffect struct {
	Position *models.Position
	Release  int64 // paise moved used -> available
	Realized int64 // paise, may be negative
	Created  bool  // true when a new position row was opened
}

// PositionLedger maintains net positions, one row per (user, symbol,
// exchange, product), and the netting arithmetic over them.
type PositionLedger struct {
	store   store.DataStore
	session *SessionManager
	logger  zerolog.Logger
}

// NewPositionLedger creates the position ledger.
func NewPositionLedger(st store.DataStore, session *SessionManager, logger zerolog.Logger) *PositionLedger {
	return &PositionLedger{
		store:   st,
		session: session,
		logger:  logger.With().Str("component", "positions").Logger(),
	}
}

// ApplyTrade nets one trade into the existing position (nil for none)
// and returns the resulting position and fund effects. orderMargin is
// the margin the order book pre-blocked for this order. Pure: neither
// argument is mutated and nothing is persisted.
//
// Cases: open new, same-sign add (weighted average), partial offset
// (pro-rata realization), exact close (row kept at zero), reversal
// (close old, open remainder at the fill price).
func ApplyTrade(existing *models.Position, trade *models.Trade, orderMargin int64) *FillEffect {
	delta := trade.SignedQuantity()
	now := trade.Timestamp

	if existing == nil || existing.Quantity == 0 {
		pos := &models.Position{
			User:          trade.User,
			Symbol:        trade.Symbol,
			Exchange:      trade.Exchange,
			Product:       trade.Product,
			Quantity:      delta,
			AveragePrice:  trade.Price,
			LastPrice:     trade.Price,
			MarginBlocked: orderMargin,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if existing != nil {
			// Reopened closed row: keep its accumulated history.
			pos.TodayRealizedPnL = existing.TodayRealizedPnL
			pos.AccumulatedRealizedPnL = existing.AccumulatedRealizedPnL
			pos.CreatedAt = now
		}
		return &FillEffect{Position: pos, Created: existing == nil}
	}

	pos := *existing
	pos.LastPrice = trade.Price
	pos.UpdatedAt = now

	sameSign := (pos.Quantity > 0) == (delta > 0)
	if sameSign {
		// Weighted-average add.
		oldQty := abs(pos.Quantity)
		addQty := abs(delta)
		pos.AveragePrice = (pos.AveragePrice*oldQty + trade.Price*addQty) / (oldQty + addQty)
		pos.Quantity += delta
		pos.MarginBlocked += orderMargin
		pos.UnrealizedPnL = unrealized(&pos)
		return &FillEffect{Position: &pos}
	}

	oldQty := abs(pos.Quantity)
	offQty := abs(delta)
	direction := sign(pos.Quantity)

	switch {
	case offQty < oldQty:
		// Partial offset: realize pro-rata, release margin pro-rata. The
		// offsetting order's own pre-block is released too.
		realized := (trade.Price - pos.AveragePrice) * offQty * direction
		release := utils.ProRata(pos.MarginBlocked, offQty, oldQty)
		pos.MarginBlocked -= release
		pos.Quantity += delta
		pos.TodayRealizedPnL += realized
		pos.UnrealizedPnL = unrealized(&pos)
		return &FillEffect{Position: &pos, Release: release + orderMargin, Realized: realized}

	case offQty == oldQty:
		// Exact close: row kept at zero quantity.
		realized := (trade.Price - pos.AveragePrice) * oldQty * direction
		release := pos.MarginBlocked
		pos.Quantity = 0
		pos.MarginBlocked = 0
		pos.UnrealizedPnL = 0
		pos.TodayRealizedPnL += realized
		return &FillEffect{Position: &pos, Release: release + orderMargin, Realized: realized}

	default:
		// Reversal: realize on the full old quantity, open the remainder
		// fresh at the fill price. The order's pre-block covers the whole
		// offsetting quantity; only the remainder's share stays blocked.
		realized := (trade.Price - pos.AveragePrice) * oldQty * direction
		remainder := offQty - oldQty
		keepMargin := utils.ProRata(orderMargin, remainder, offQty)

		release := pos.MarginBlocked + (orderMargin - keepMargin)
		pos.Quantity = -direction * remainder
		pos.AveragePrice = trade.Price
		pos.MarginBlocked = keepMargin
		pos.TodayRealizedPnL += realized
		pos.UnrealizedPnL = 0
		pos.CreatedAt = now
		return &FillEffect{Position: &pos, Release: release, Realized: realized}
	}
}

func unrealized(p *models.Position) int64 {
	return (p.LastPrice - p.AveragePrice) * p.Quantity
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v int64) int64 {
	if v < 0 {
		return -1
	}
	return 1
}

// Get returns the position row for the key, or nil.
func (l *PositionLedger) Get(ctx context.Context, user, symbol string, exchange models.Exchange, product models.ProductType) (*models.Position, error) {
	return l.store.GetPosition(ctx, user, symbol, exchange, product)
}

// List returns the user's positions for the current session: every open
// row plus rows closed today. Rows closed in prior sessions are hidden.
func (l *PositionLedger) List(ctx context.Context, user string, now time.Time) ([]*models.Position, error) {
	all, err := l.store.ListPositions(ctx, store.PositionFilter{User: user})
	if err != nil {
		return nil, err
	}
	dayStart := l.session.TradingDayStart(now)
	out := all[:0]
	for _, p := range all {
		if p.Quantity != 0 || !p.UpdatedAt.Before(dayStart) {
			out = append(out, p)
		}
	}
	return out, nil
}

// ListOpen returns every open position, optionally for one user.
func (l *PositionLedger) ListOpen(ctx context.Context, user string) ([]*models.Position, error) {
	return l.store.ListPositions(ctx, store.PositionFilter{User: user, OpenOnly: true})
}

// UpdateMTM revalues open positions at current quotes and refreshes each
// user's unrealized P&L. Skipped entirely while every market is closed.
func (l *PositionLedger) UpdateMTM(ctx context.Context, quotes marketdata.QuoteService, funds *FundLedger, now time.Time) error {
	if !l.session.AnyMarketOpen(now) {
		return nil
	}

	positions, err := l.store.ListPositions(ctx, store.PositionFilter{OpenOnly: true})
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		return nil
	}

	keySet := make(map[marketdata.Key]struct{})
	for _, p := range positions {
		keySet[marketdata.Key{Symbol: p.Symbol, Exchange: p.Exchange}] = struct{}{}
	}
	keys := make([]marketdata.Key, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}

	priced, err := quotes.GetQuotes(ctx, keys)
	if err != nil {
		// Transient: try again next interval.
		l.logger.Debug().Err(err).Msg("mtm skipped, quotes unavailable")
		return nil
	}

	perUser := make(map[string]int64)
	for _, p := range positions {
		if q, ok := priced[marketdata.Key{Symbol: p.Symbol, Exchange: p.Exchange}]; ok {
			p.LastPrice = q.LastPrice
			p.UnrealizedPnL = unrealized(p)
			p.UpdatedAt = now
			if err := l.store.UpsertPosition(ctx, p); err != nil {
				return err
			}
		}
		perUser[p.User] += p.UnrealizedPnL
	}

	for user, total := range perUser {
		if err := funds.UpdateUnrealizedPnL(ctx, user, total); err != nil {
			l.logger.Warn().Err(err).Str("user", user).Msg("unrealized refresh failed")
		}
	}
	return nil
}

// ExpirySettlement closes F&O positions whose contract expiry has
// passed. Options settle at zero, futures at the last known price (or
// average price when none was recorded). Rows are back-dated to the
// expiry so they drop out of today's activity.
func (l *PositionLedger) ExpirySettlement(ctx context.Context, refdata *marketdata.RefData, funds *FundLedger, now time.Time) error {
	positions, err := l.store.ListPositions(ctx, store.PositionFilter{OpenOnly: true})
	if err != nil {
		return err
	}
	today := l.session.TradingDayStart(now)

	for _, p := range positions {
		inst, err := refdata.Get(ctx, p.Symbol, p.Exchange)
		if err != nil || inst.Class == models.ClassEquity || inst.Expiry.IsZero() {
			continue
		}
		if !inst.Expiry.Before(today) {
			continue
		}

		settlePrice := int64(0)
		if inst.Class == models.ClassFuture {
			settlePrice = p.LastPrice
			if settlePrice == 0 {
				settlePrice = p.AveragePrice
			}
		}

		realized := (settlePrice - p.AveragePrice) * abs(p.Quantity) * sign(p.Quantity)
		release := p.MarginBlocked

		p.TodayRealizedPnL += realized
		p.Quantity = 0
		p.MarginBlocked = 0
		p.UnrealizedPnL = 0
		p.LastPrice = settlePrice
		p.UpdatedAt = inst.Expiry // drops out of today's activity

		err = funds.WithUser(p.User, func() error {
			fund, err := funds.Get(ctx, p.User)
			if err != nil {
				return err
			}
			ApplyRelease(fund, release, realized)
			fund.UpdatedAt = now
			return l.store.SaveFillCommit(ctx, &store.FillCommit{Position: p, Fund: fund})
		})
		if err != nil {
			l.logger.Error().Err(err).Str("symbol", p.Symbol).Str("user", p.User).Msg("expiry settlement failed")
			continue
		}

		l.logger.Info().Str("user", p.User).Str("symbol", p.Symbol).
			Str("class", string(inst.Class)).
			Int64("settle_price", settlePrice).
			Int64("realized", realized).
			Msg("expired contract settled")
	}
	return nil
}
