package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "paper-trader/internal/errors"
	"paper-trader/internal/marketdata"
	"paper-trader/internal/models"
	"paper-trader/internal/store"
)

// JobStatus describes one scheduled job for status reporting.
type JobStatus struct {
	ID       string
	NextFire time.Time
}

// SchedulerControl is the slice of the scheduler the facade exposes to
// callers.
type SchedulerControl interface {
	Reload(ctx context.Context) error
	Status() []JobStatus
}

// Service is the in-process facade the UI layer consumes. It composes
// the ledgers and owns the atomic fill path shared by both matching
// engines.
type Service struct {
	store     store.DataStore
	funds     *FundLedger
	positions *PositionLedger
	holdings  *HoldingsLedger
	orders    *OrderBook
	quotes    marketdata.QuoteService
	session   *SessionManager
	logger    zerolog.Logger

	notifier  EngineNotifier
	scheduler SchedulerControl
}

// NewService wires the facade.
func NewService(st store.DataStore, funds *FundLedger, positions *PositionLedger,
	holdings *HoldingsLedger, orders *OrderBook, quotes marketdata.QuoteService,
	session *SessionManager, logger zerolog.Logger) *Service {
	return &Service{
		store:     st,
		funds:     funds,
		positions: positions,
		holdings:  holdings,
		orders:    orders,
		quotes:    quotes,
		session:   session,
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// SetNotifier wires the matching engine supervisor into the facade and
// the order book.
func (s *Service) SetNotifier(n EngineNotifier) {
	s.notifier = n
	s.orders.SetNotifier(n)
}

// SetScheduler wires the scheduler for reload/status calls.
func (s *Service) SetScheduler(sc SchedulerControl) { s.scheduler = sc }

// Funds returns the fund ledger.
func (s *Service) Funds() *FundLedger { return s.funds }

// Positions returns the position ledger.
func (s *Service) Positions() *PositionLedger { return s.positions }

// Holdings returns the holdings ledger.
func (s *Service) Holdings() *HoldingsLedger { return s.holdings }

// Session returns the session manager.
func (s *Service) Session() *SessionManager { return s.session }

// PlaceOrder validates and persists a new order.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceRequest) (*models.Order, error) {
	if _, err := s.funds.Initialize(ctx, req.User); err != nil {
		return nil, err
	}
	return s.orders.Place(ctx, req)
}

// ModifyOrder changes an open order.
func (s *Service) ModifyOrder(ctx context.Context, id string, req ModifyRequest) (*models.Order, error) {
	return s.orders.Modify(ctx, id, req)
}

// CancelOrder cancels an open order and releases its margin.
func (s *Service) CancelOrder(ctx context.Context, id string) (*models.Order, error) {
	return s.orders.Cancel(ctx, id)
}

// GetOrder returns one order.
func (s *Service) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return s.orders.Get(ctx, id)
}

// ListOrders returns orders matching the filter.
func (s *Service) ListOrders(ctx context.Context, filter store.OrderFilter) ([]*models.Order, error) {
	return s.orders.List(ctx, filter)
}

// ListPositions returns the user's current-session positions.
func (s *Service) ListPositions(ctx context.Context, user string) ([]*models.Position, error) {
	return s.positions.List(ctx, user, time.Now())
}

// ListHoldings returns the user's settled holdings.
func (s *Service) ListHoldings(ctx context.Context, user string) ([]*models.Holding, error) {
	return s.holdings.List(ctx, user)
}

// ListTrades returns trades matching the filter.
func (s *Service) ListTrades(ctx context.Context, filter store.TradeFilter) ([]*models.Trade, error) {
	return s.store.ListTrades(ctx, filter)
}

// GetFunds returns the user's fund summary.
func (s *Service) GetFunds(ctx context.Context, user string) (*models.Fund, error) {
	return s.funds.Get(ctx, user)
}

// ResetUser restores the user to starting capital.
func (s *Service) ResetUser(ctx context.Context, user string) error {
	return s.funds.Reset(ctx, user)
}

// ReloadSchedule re-reads schedule settings and replaces the job table.
func (s *Service) ReloadSchedule(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not wired")
	}
	return s.scheduler.Reload(ctx)
}

// ScheduleStatus reports job ids and next fire times.
func (s *Service) ScheduleStatus() []JobStatus {
	if s.scheduler == nil {
		return nil
	}
	return s.scheduler.Status()
}

// ExecuteFill completes an open order at the given price: one trade is
// recorded, the position is netted and the fund adjusted, all committed
// in a single transaction under the user's ledger lock. The order state
// is re-checked inside the lock so an in-flight evaluation racing a
// cancel cannot commit. A commit failure leaves the order open for
// retry.
func (s *Service) ExecuteFill(ctx context.Context, orderID string, price int64) error {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return fmt.Errorf("order %s: %w", orderID, apperrors.ErrOrderNotFound)
	}
	if order.Status != models.OrderOpen {
		return fmt.Errorf("order %s is %s: %w", orderID, order.Status, apperrors.ErrOrderNotOpen)
	}

	var completed *models.Order
	err = s.funds.WithUser(order.User, func() error {
		// Re-check under the lock: a cancel may have won the race.
		order, err = s.store.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order == nil || order.Status != models.OrderOpen {
			return fmt.Errorf("order %s: %w", orderID, apperrors.ErrOrderNotOpen)
		}

		now := time.Now()
		trade := &models.Trade{
			ID:        uuid.NewString(),
			OrderID:   order.ID,
			User:      order.User,
			Symbol:    order.Symbol,
			Exchange:  order.Exchange,
			Side:      order.Side,
			Product:   order.Product,
			Quantity:  order.Quantity,
			Price:     price,
			Timestamp: now,
		}

		order.Status = models.OrderComplete
		order.AveragePrice = price
		order.UpdatedAt = now

		fund, err := s.funds.Get(ctx, order.User)
		if err != nil {
			return err
		}

		commit := &store.FillCommit{Order: order, Trade: trade, Fund: fund}

		if order.Product == models.ProductCNC && order.Side == models.OrderSideSell {
			if err := s.fillDeliverySell(ctx, order, trade, fund, commit); err != nil {
				return err
			}
		} else {
			existing, err := s.store.GetPosition(ctx, order.User, order.Symbol, order.Exchange, order.Product)
			if err != nil {
				return err
			}
			effect := ApplyTrade(existing, trade, order.MarginBlocked)
			ApplyRelease(fund, effect.Release, effect.Realized)
			commit.Position = effect.Position
		}

		fund.UpdatedAt = now
		if err := s.store.SaveFillCommit(ctx, commit); err != nil {
			return apperrors.Wrap(err, "committing fill")
		}
		completed = order
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info().Str("order_id", completed.ID).Str("user", completed.User).
		Str("symbol", completed.Symbol).Str("side", string(completed.Side)).
		Int64("quantity", completed.Quantity).Int64("price", price).
		Msg("order filled")

	if s.notifier != nil {
		s.notifier.NotifyOrderCompleted(completed)
	}
	return nil
}

// fillDeliverySell consumes today's open delivery position first (its
// close realizes P&L and releases margin), then settled holdings (their
// sale credits proceeds directly).
func (s *Service) fillDeliverySell(ctx context.Context, order *models.Order,
	trade *models.Trade, fund *models.Fund, commit *store.FillCommit) error {

	remaining := order.Quantity

	pos, err := s.store.GetPosition(ctx, order.User, order.Symbol, order.Exchange, models.ProductCNC)
	if err != nil {
		return err
	}
	if pos != nil && pos.Quantity > 0 {
		fromPos := pos.Quantity
		if fromPos > remaining {
			fromPos = remaining
		}
		sub := *trade
		sub.Quantity = fromPos
		effect := ApplyTrade(pos, &sub, 0)
		ApplyRelease(fund, effect.Release, effect.Realized)
		commit.Position = effect.Position
		remaining -= fromPos
	}

	if remaining == 0 {
		return nil
	}

	holding, err := s.store.GetHolding(ctx, order.User, order.Symbol, order.Exchange)
	if err != nil {
		return err
	}
	if holding == nil || holding.Quantity < remaining {
		return fmt.Errorf("order %s: %w", order.ID, apperrors.ErrShortDelivery)
	}

	left, proceeds, realized := ConsumeForSale(holding, remaining, trade.Price, trade.Timestamp)
	ApplySaleProceeds(fund, proceeds, realized)
	if left == nil {
		commit.Holding = holding
		commit.DeleteHolding = true
	} else {
		commit.Holding = left
	}
	return nil
}

// ClosePositionAtMarket force-closes one position at the given price via
// a synthetic market order. When toAccumulated is set the realized P&L
// bypasses today's counters (catch-up for prior sessions).
func (s *Service) ClosePositionAtMarket(ctx context.Context, key *models.Position, price int64, reason string, toAccumulated bool) error {
	return s.funds.WithUser(key.User, func() error {
		pos, err := s.store.GetPosition(ctx, key.User, key.Symbol, key.Exchange, key.Product)
		if err != nil {
			return err
		}
		if pos == nil || pos.Quantity == 0 {
			return nil // already closed, the job is idempotent
		}

		now := time.Now()
		side := models.OrderSideSell
		if pos.Quantity < 0 {
			side = models.OrderSideBuy
		}

		order := &models.Order{
			ID:           uuid.NewString(),
			User:         pos.User,
			Symbol:       pos.Symbol,
			Exchange:     pos.Exchange,
			Side:         side,
			PriceType:    models.PriceTypeMarket,
			Product:      pos.Product,
			Quantity:     abs(pos.Quantity),
			Status:       models.OrderComplete,
			Reason:       reason,
			AveragePrice: price,
			PlacedAt:     now,
			UpdatedAt:    now,
		}
		trade := &models.Trade{
			ID:        uuid.NewString(),
			OrderID:   order.ID,
			User:      pos.User,
			Symbol:    pos.Symbol,
			Exchange:  pos.Exchange,
			Side:      side,
			Product:   pos.Product,
			Quantity:  order.Quantity,
			Price:     price,
			Timestamp: now,
		}

		effect := ApplyTrade(pos, trade, 0)

		fund, err := s.funds.Get(ctx, pos.User)
		if err != nil {
			return err
		}
		ApplyRelease(fund, effect.Release, effect.Realized)
		if toAccumulated {
			fund.TodayRealizedPnL -= effect.Realized
			effect.Position.TodayRealizedPnL -= effect.Realized
			effect.Position.AccumulatedRealizedPnL += effect.Realized
		}
		fund.UpdatedAt = now

		if err := s.store.SaveFillCommit(ctx, &store.FillCommit{
			Order:    order,
			Trade:    trade,
			Position: effect.Position,
			Fund:     fund,
		}); err != nil {
			return apperrors.Wrap(err, "committing forced close")
		}

		s.logger.Info().Str("user", pos.User).Str("symbol", pos.Symbol).
			Str("reason", reason).Int64("price", price).
			Int64("realized", effect.Realized).
			Msg("position force-closed")
		return nil
	})
}

// SquareOffExchange cancels open intraday orders and force-closes open
// intraday positions on one exchange. Safe to run repeatedly.
func (s *Service) SquareOffExchange(ctx context.Context, exchange models.Exchange) error {
	orders, err := s.store.ListOrders(ctx, store.OrderFilter{
		Status:   models.OrderOpen,
		Exchange: exchange,
		Product:  models.ProductMIS,
	})
	if err != nil {
		return err
	}
	for _, o := range orders {
		if _, err := s.orders.Cancel(ctx, o.ID); err != nil && !apperrors.Is(err, apperrors.ErrOrderNotOpen) {
			s.logger.Error().Err(err).Str("order_id", o.ID).Msg("square-off cancel failed")
		}
	}

	positions, err := s.store.ListPositions(ctx, store.PositionFilter{
		Exchange: exchange,
		Product:  models.ProductMIS,
		OpenOnly: true,
	})
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		return nil
	}

	keys := make([]marketdata.Key, 0, len(positions))
	seen := make(map[marketdata.Key]struct{})
	for _, p := range positions {
		k := marketdata.Key{Symbol: p.Symbol, Exchange: p.Exchange}
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	quotes, err := s.quotes.GetQuotes(ctx, keys)
	if err != nil {
		return apperrors.Wrap(err, "square-off quotes")
	}

	for _, p := range positions {
		price := p.LastPrice
		if q, ok := quotes[marketdata.Key{Symbol: p.Symbol, Exchange: p.Exchange}]; ok {
			price = q.LastPrice
		}
		if price == 0 {
			price = p.AveragePrice // no price ever seen, close flat
		}
		if err := s.ClosePositionAtMarket(ctx, p, price, "intraday square-off", false); err != nil {
			s.logger.Error().Err(err).Str("user", p.User).Str("symbol", p.Symbol).Msg("square-off close failed")
		}
	}
	return nil
}

// ForceSquareOffAll squares off intraday orders and positions on every
// exchange immediately.
func (s *Service) ForceSquareOffAll(ctx context.Context) error {
	for _, exchange := range []models.Exchange{models.NSE, models.BSE, models.NFO, models.MCX} {
		if err := s.SquareOffExchange(ctx, exchange); err != nil {
			return err
		}
	}
	return nil
}

// SnapshotDailyPnL writes one append-only DailyPnL row per user for the
// given trading day.
func (s *Service) SnapshotDailyPnL(ctx context.Context, day time.Time) error {
	funds, err := s.store.ListFunds(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, fund := range funds {
		positions, err := s.store.ListPositions(ctx, store.PositionFilter{User: fund.User, OpenOnly: true})
		if err != nil {
			return err
		}
		var posUnrealized int64
		for _, p := range positions {
			posUnrealized += p.UnrealizedPnL
		}

		holdings, err := s.store.ListHoldings(ctx, fund.User)
		if err != nil {
			return err
		}
		var holdUnrealized, holdValue int64
		for _, h := range holdings {
			holdUnrealized += (h.LastPrice - h.AveragePrice) * h.Quantity
			holdValue += h.LastPrice * h.Quantity
		}

		snap := &models.DailyPnL{
			User:                fund.User,
			Date:                day,
			RealizedPnL:         fund.TodayRealizedPnL,
			PositionsUnrealized: posUnrealized,
			HoldingsUnrealized:  holdUnrealized,
			TotalMTM:            fund.TodayRealizedPnL + posUnrealized + holdUnrealized,
			PortfolioValue:      fund.AvailableBalance + fund.UsedMargin + holdValue + posUnrealized,
			CreatedAt:           now,
		}
		if err := s.store.SaveDailyPnL(ctx, snap); err != nil {
			return err
		}
	}
	return nil
}
