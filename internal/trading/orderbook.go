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

// EngineNotifier receives order lifecycle notifications so the matching
// engine's pending index stays current without per-tick rebuilds.
type EngineNotifier interface {
	NotifyOrderPlaced(order *models.Order)
	NotifyOrderCompleted(order *models.Order)
}

// PlaceRequest describes a new order.
type PlaceRequest struct {
	User         string
	Symbol       string
	Exchange     models.Exchange
	Side         models.OrderSide
	PriceType    models.PriceType
	Product      models.ProductType
	Quantity     int64
	Price        int64 // paise
	TriggerPrice int64 // paise
}

// ModifyRequest carries the mutable fields of an open order. Zero values
// leave the field unchanged.
type ModifyRequest struct {
	Quantity     int64
	Price        int64
	TriggerPrice int64
}

// OrderBook validates, persists and transitions orders, pre-blocking
// margin at placement. A rejected order is always persisted with its
// reason, never silently dropped.
type OrderBook struct {
	store    store.DataStore
	funds    *FundLedger
	margin   *MarginCalculator
	refdata  *marketdata.RefData
	quotes   marketdata.QuoteService
	logger   zerolog.Logger
	notifier EngineNotifier
}

// NewOrderBook creates the order book.
func NewOrderBook(st store.DataStore, funds *FundLedger, margin *MarginCalculator,
	refdata *marketdata.RefData, quotes marketdata.QuoteService, logger zerolog.Logger) *OrderBook {
	return &OrderBook{
		store:   st,
		funds:   funds,
		margin:  margin,
		refdata: refdata,
		quotes:  quotes,
		logger:  logger.With().Str("component", "orderbook").Logger(),
	}
}

// SetNotifier wires the matching engine supervisor. Must be called
// before serving placements.
func (b *OrderBook) SetNotifier(n EngineNotifier) { b.notifier = n }

// Place validates and persists a new order, blocking margin for it. On
// validation or margin failure the order persists as rejected with a
// reason and the error is returned alongside it.
func (b *OrderBook) Place(ctx context.Context, req PlaceRequest) (*models.Order, error) {
	now := time.Now()
	order := &models.Order{
		ID:           uuid.NewString(),
		User:         req.User,
		Symbol:       req.Symbol,
		Exchange:     req.Exchange,
		Side:         req.Side,
		PriceType:    req.PriceType,
		Product:      req.Product,
		Quantity:     req.Quantity,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
		Status:       models.OrderOpen,
		PlacedAt:     now,
		UpdatedAt:    now,
	}

	if err := validateShape(req); err != nil {
		return b.reject(ctx, order, err)
	}

	inst, err := b.refdata.Get(ctx, req.Symbol, req.Exchange)
	if err != nil {
		return b.reject(ctx, order, err)
	}
	if inst.LotSize > 1 && req.Quantity%inst.LotSize != 0 {
		return b.reject(ctx, order, fmt.Errorf("quantity %d, lot size %d: %w",
			req.Quantity, inst.LotSize, apperrors.ErrLotSizeViolation))
	}

	if req.Product == models.ProductCNC && req.Side == models.OrderSideSell {
		if err := b.checkDeliverySell(ctx, req); err != nil {
			return b.reject(ctx, order, err)
		}
	}

	refPrice, err := b.referencePrice(ctx, order)
	if err != nil {
		return b.reject(ctx, order, err)
	}

	required, err := b.margin.Required(ctx, req.Symbol, req.Exchange, req.Side, req.Product, req.Quantity, refPrice)
	if err != nil {
		return b.reject(ctx, order, err)
	}

	if required > 0 {
		if err := b.funds.BlockMargin(ctx, req.User, required); err != nil {
			return b.reject(ctx, order, err)
		}
		order.MarginBlocked = required
	}

	if err := b.store.SaveOrder(ctx, order); err != nil {
		// Margin must not stay blocked for an order that never persisted.
		if required > 0 {
			if rerr := b.funds.ReleaseMargin(ctx, req.User, required, 0); rerr != nil {
				b.logger.Error().Err(rerr).Str("user", req.User).Msg("margin release after failed persist")
			}
		}
		return nil, apperrors.Wrap(err, "persisting order")
	}

	b.logger.Info().Str("order_id", order.ID).Str("user", order.User).
		Str("symbol", order.Symbol).Str("side", string(order.Side)).
		Int64("quantity", order.Quantity).Int64("margin", order.MarginBlocked).
		Msg("order placed")

	if b.notifier != nil {
		b.notifier.NotifyOrderPlaced(order)
	}
	return order, nil
}

// reject persists the order as rejected with a human-readable reason and
// returns the original error.
func (b *OrderBook) reject(ctx context.Context, order *models.Order, cause error) (*models.Order, error) {
	order.Status = models.OrderRejected
	order.Reason = cause.Error()
	order.UpdatedAt = time.Now()

	if err := b.store.SaveOrder(ctx, order); err != nil {
		b.logger.Error().Err(err).Str("order_id", order.ID).Msg("persisting rejected order")
	}

	b.logger.Warn().Str("order_id", order.ID).Str("user", order.User).
		Str("symbol", order.Symbol).Str("reason", order.Reason).
		Msg("order rejected")

	return order, apperrors.NewOrderError(order.ID, order.Symbol, "place", order.Reason, cause)
}

func validateShape(req PlaceRequest) error {
	if req.User == "" {
		return apperrors.NewValidationError("user", req.User, "must not be empty")
	}
	if req.Symbol == "" {
		return apperrors.NewValidationError("symbol", req.Symbol, "must not be empty")
	}
	switch req.Exchange {
	case models.NSE, models.BSE, models.NFO, models.MCX:
	default:
		return apperrors.NewValidationError("exchange", req.Exchange, "unknown exchange")
	}
	if req.Side != models.OrderSideBuy && req.Side != models.OrderSideSell {
		return apperrors.NewValidationError("side", req.Side, "must be BUY or SELL")
	}
	if req.Quantity <= 0 {
		return apperrors.NewValidationError("quantity", req.Quantity, "must be positive")
	}
	switch req.Product {
	case models.ProductMIS, models.ProductCNC, models.ProductNRML:
	default:
		return apperrors.NewValidationError("product", req.Product, "unknown product type")
	}

	switch req.PriceType {
	case models.PriceTypeMarket:
	case models.PriceTypeLimit:
		if req.Price <= 0 {
			return apperrors.NewValidationError("price", req.Price, "limit orders require a price")
		}
	case models.PriceTypeStopLoss:
		if req.Price <= 0 {
			return apperrors.NewValidationError("price", req.Price, "SL orders require a price")
		}
		if req.TriggerPrice <= 0 {
			return apperrors.NewValidationError("trigger_price", req.TriggerPrice, "SL orders require a trigger")
		}
	case models.PriceTypeStopLossM:
		if req.TriggerPrice <= 0 {
			return apperrors.NewValidationError("trigger_price", req.TriggerPrice, "SL-M orders require a trigger")
		}
	default:
		return apperrors.NewValidationError("price_type", req.PriceType, "unknown price type")
	}
	return nil
}

// checkDeliverySell enforces no short delivery: settled holdings plus
// today's open delivery position must cover the sale.
func (b *OrderBook) checkDeliverySell(ctx context.Context, req PlaceRequest) error {
	var available int64

	holding, err := b.store.GetHolding(ctx, req.User, req.Symbol, req.Exchange)
	if err != nil {
		return err
	}
	if holding != nil {
		available += holding.Quantity
	}

	pos, err := b.store.GetPosition(ctx, req.User, req.Symbol, req.Exchange, models.ProductCNC)
	if err != nil {
		return err
	}
	if pos != nil && pos.Quantity > 0 {
		available += pos.Quantity
	}

	if available < req.Quantity {
		return fmt.Errorf("selling %d with %d deliverable: %w",
			req.Quantity, available, apperrors.ErrShortDelivery)
	}
	return nil
}

// referencePrice picks the price margin is sized at: the limit price,
// the trigger for SL-M, or the live quote for MARKET orders.
func (b *OrderBook) referencePrice(ctx context.Context, order *models.Order) (int64, error) {
	switch order.PriceType {
	case models.PriceTypeLimit, models.PriceTypeStopLoss:
		return order.Price, nil
	case models.PriceTypeStopLossM:
		return order.TriggerPrice, nil
	default:
		quote, err := b.quotes.GetQuote(ctx, order.Symbol, order.Exchange)
		if err != nil {
			return 0, err
		}
		return quote.LastPrice, nil
	}
}

// Modify changes quantity/price/trigger of an open order, re-pricing its
// margin block.
func (b *OrderBook) Modify(ctx context.Context, id string, req ModifyRequest) (*models.Order, error) {
	order, err := b.mustOpen(ctx, id)
	if err != nil {
		return nil, err
	}

	updated := *order
	if req.Quantity > 0 {
		updated.Quantity = req.Quantity
	}
	if req.Price > 0 {
		updated.Price = req.Price
	}
	if req.TriggerPrice > 0 {
		updated.TriggerPrice = req.TriggerPrice
	}

	if err := validateShape(PlaceRequest{
		User: updated.User, Symbol: updated.Symbol, Exchange: updated.Exchange,
		Side: updated.Side, PriceType: updated.PriceType, Product: updated.Product,
		Quantity: updated.Quantity, Price: updated.Price, TriggerPrice: updated.TriggerPrice,
	}); err != nil {
		return nil, err
	}

	refPrice, err := b.referencePrice(ctx, &updated)
	if err != nil {
		return nil, err
	}
	required, err := b.margin.Required(ctx, updated.Symbol, updated.Exchange,
		updated.Side, updated.Product, updated.Quantity, refPrice)
	if err != nil {
		return nil, err
	}

	// Re-price the margin block by the delta.
	switch {
	case required > order.MarginBlocked:
		if err := b.funds.BlockMargin(ctx, order.User, required-order.MarginBlocked); err != nil {
			return nil, err
		}
	case required < order.MarginBlocked:
		if err := b.funds.ReleaseMargin(ctx, order.User, order.MarginBlocked-required, 0); err != nil {
			return nil, err
		}
	}
	updated.MarginBlocked = required
	updated.UpdatedAt = time.Now()

	if err := b.store.UpdateOrder(ctx, &updated); err != nil {
		return nil, apperrors.Wrap(err, "persisting modified order")
	}

	b.logger.Info().Str("order_id", id).Int64("quantity", updated.Quantity).
		Int64("price", updated.Price).Int64("margin", updated.MarginBlocked).
		Msg("order modified")
	return &updated, nil
}

// Cancel transitions an open order to cancelled and releases its margin.
func (b *OrderBook) Cancel(ctx context.Context, id string) (*models.Order, error) {
	order, err := b.mustOpen(ctx, id)
	if err != nil {
		return nil, err
	}

	order.Status = models.OrderCancelled
	order.UpdatedAt = time.Now()
	if err := b.store.UpdateOrder(ctx, order); err != nil {
		return nil, apperrors.Wrap(err, "persisting cancelled order")
	}

	if order.MarginBlocked > 0 {
		if err := b.funds.ReleaseMargin(ctx, order.User, order.MarginBlocked, 0); err != nil {
			b.logger.Error().Err(err).Str("order_id", id).Msg("margin release on cancel")
		}
	}

	b.logger.Info().Str("order_id", id).Str("user", order.User).Msg("order cancelled")

	if b.notifier != nil {
		b.notifier.NotifyOrderCompleted(order)
	}
	return order, nil
}

func (b *OrderBook) mustOpen(ctx context.Context, id string) (*models.Order, error) {
	order, err := b.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("order %s: %w", id, apperrors.ErrOrderNotFound)
	}
	if order.Status != models.OrderOpen {
		return nil, fmt.Errorf("order %s is %s: %w", id, order.Status, apperrors.ErrOrderNotOpen)
	}
	return order, nil
}

// Get returns one order.
func (b *OrderBook) Get(ctx context.Context, id string) (*models.Order, error) {
	order, err := b.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("order %s: %w", id, apperrors.ErrOrderNotFound)
	}
	return order, nil
}

// List returns orders matching the filter.
func (b *OrderBook) List(ctx context.Context, filter store.OrderFilter) ([]*models.Order, error) {
	return b.store.ListOrders(ctx, filter)
}
