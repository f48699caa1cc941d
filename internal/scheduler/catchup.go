package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"paper-trader/internal/models"
	"paper-trader/internal/store"
)

// CatchUp applies settlement and rollover actions the process missed
// while it was down. It runs exactly once, after reference data is
// loaded and before the engines start.
type CatchUp struct {
	deps   Deps
	logger zerolog.Logger
}

// NewCatchUp creates the catch-up processor.
func NewCatchUp(deps Deps, logger zerolog.Logger) *CatchUp {
	return &CatchUp{
		deps:   deps,
		logger: logger.With().Str("component", "catchup").Logger(),
	}
}

// Run performs, in order: force-close of intraday positions from prior
// sessions (P&L to accumulated, not today's), T+1 settlement of aged
// delivery positions, zeroing of stale today-realized P&L, a best-effort
// approximate backfill of yesterday's DailyPnL snapshot, and a margin
// reconciliation over every fund account.
func (c *CatchUp) Run(ctx context.Context, now time.Time) error {
	dayStart := c.deps.Session.TradingDayStart(now)

	if err := c.closeStaleIntraday(ctx, dayStart); err != nil {
		return err
	}

	if n, err := c.deps.Service.Holdings().ProcessT1Settlement(ctx, now); err != nil {
		return err
	} else if n > 0 {
		c.logger.Info().Int("settled", n).Msg("caught up T+1 settlement")
	}

	if err := c.zeroStaleTodayRealized(ctx, dayStart); err != nil {
		return err
	}

	if err := c.backfillDailyPnL(ctx, now); err != nil {
		return err
	}

	if err := c.reconcileFunds(ctx); err != nil {
		return err
	}

	c.logger.Info().Msg("catch-up complete")
	return nil
}

// reconcileFunds runs last: whatever the earlier steps (or a crash
// mid-fill in the previous session) left behind, used margin must equal
// the sum blocked across open positions and orders again.
func (c *CatchUp) reconcileFunds(ctx context.Context) error {
	funds, err := c.deps.Store.ListFunds(ctx)
	if err != nil {
		return err
	}
	for _, fund := range funds {
		if err := c.deps.Service.Funds().Reconcile(ctx, fund.User); err != nil {
			return err
		}
	}
	return nil
}

// closeStaleIntraday force-closes intraday positions that predate the
// current session boundary. Their P&L belongs to the session they were
// opened in, so it is credited to accumulated realized, not today's.
func (c *CatchUp) closeStaleIntraday(ctx context.Context, dayStart time.Time) error {
	positions, err := c.deps.Store.ListPositions(ctx, store.PositionFilter{
		Product:       models.ProductMIS,
		OpenOnly:      true,
		CreatedBefore: dayStart,
	})
	if err != nil {
		return err
	}

	for _, p := range positions {
		price := p.LastPrice
		if price == 0 {
			price = p.AveragePrice
		}
		if err := c.deps.Service.ClosePositionAtMarket(ctx, p, price, "missed square-off catch-up", true); err != nil {
			c.logger.Error().Err(err).Str("user", p.User).Str("symbol", p.Symbol).
				Msg("stale intraday close failed")
		}
	}
	if len(positions) > 0 {
		c.logger.Info().Int("closed", len(positions)).Msg("caught up missed square-offs")
	}
	return nil
}

// zeroStaleTodayRealized rolls today-realized figures left over from a
// prior session into accumulated history.
func (c *CatchUp) zeroStaleTodayRealized(ctx context.Context, dayStart time.Time) error {
	positions, err := c.deps.Store.ListPositions(ctx, store.PositionFilter{UpdatedBefore: dayStart})
	if err != nil {
		return err
	}
	for _, p := range positions {
		if p.TodayRealizedPnL == 0 {
			continue
		}
		p.AccumulatedRealizedPnL += p.TodayRealizedPnL
		p.TodayRealizedPnL = 0
		if err := c.deps.Store.UpsertPosition(ctx, p); err != nil {
			return err
		}
	}

	funds, err := c.deps.Store.ListFunds(ctx)
	if err != nil {
		return err
	}
	for _, fund := range funds {
		if fund.TodayRealizedPnL == 0 || !fund.UpdatedAt.Before(dayStart) {
			continue
		}
		if err := c.deps.Service.Funds().ZeroTodayRealized(ctx, fund.User); err != nil {
			return err
		}
		c.logger.Info().Str("user", fund.User).Msg("stale today-realized zeroed")
	}
	return nil
}

// backfillDailyPnL writes yesterday's missing snapshot from what can
// still be reconstructed. Unrealized cannot be recovered after the fact
// and is recorded as zero; the row is flagged approximate.
func (c *CatchUp) backfillDailyPnL(ctx context.Context, now time.Time) error {
	yesterday := c.deps.Session.PreviousTradingDay(now)

	funds, err := c.deps.Store.ListFunds(ctx)
	if err != nil {
		return err
	}
	for _, fund := range funds {
		existing, err := c.deps.Store.GetDailyPnL(ctx, fund.User, yesterday)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}

		realized := fund.RealizedPnL - fund.TodayRealizedPnL
		snap := &models.DailyPnL{
			User:           fund.User,
			Date:           yesterday,
			RealizedPnL:    realized,
			TotalMTM:       realized,
			PortfolioValue: fund.AvailableBalance + fund.UsedMargin,
			Approximate:    true,
			CreatedAt:      time.Now(),
		}
		if err := c.deps.Store.SaveDailyPnL(ctx, snap); err != nil {
			return err
		}
		c.logger.Info().Str("user", fund.User).Str("date", yesterday.Format("2006-01-02")).
			Msg("approximate daily P&L backfilled")
	}
	return nil
}
