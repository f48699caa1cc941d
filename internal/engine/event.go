package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "paper-trader/internal/errors"
	"paper-trader/internal/marketdata"
	"paper-trader/internal/models"
	"paper-trader/internal/store"
	"paper-trader/internal/trading"
)

// EventEngine evaluates orders the instant a tick arrives. It keeps a
// pending index (exchange, symbol) -> order ids, maintained by explicit
// order book notifications rather than per-tick rebuilds, and holds one
// feed subscription per instrument, reference-counted per user.
type EventEngine struct {
	store   store.DataStore
	service *trading.Service
	feed    marketdata.Feed
	logger  zerolog.Logger

	mu         sync.Mutex
	index      map[marketdata.Key]map[string]string // key -> order id -> user
	refs       map[marketdata.Key]map[string]int    // key -> user -> open order count
	running    bool
	registered bool
	runCtx     context.Context
	cancel     context.CancelFunc
}

// NewEventEngine creates the event-driven engine.
func NewEventEngine(st store.DataStore, service *trading.Service, feed marketdata.Feed, logger zerolog.Logger) *EventEngine {
	return &EventEngine{
		store:   st,
		service: service,
		feed:    feed,
		logger:  logger.With().Str("component", "event_engine").Logger(),
	}
}

// Start seeds the pending index from persisted open orders, subscribes
// to their instruments and begins evaluating ticks. Pending orders
// placed while the polling engine was live are picked up here, so an
// engine upgrade loses nothing.
func (e *EventEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.index = make(map[marketdata.Key]map[string]string)
	e.refs = make(map[marketdata.Key]map[string]int)
	e.runCtx, e.cancel = context.WithCancel(ctx)
	e.running = true
	register := !e.registered
	e.registered = true
	e.mu.Unlock()

	if register {
		e.feed.OnTick(e.onTick)
	}

	orders, err := e.store.ListOrders(ctx, store.OrderFilter{Status: models.OrderOpen})
	if err != nil {
		return apperrors.Wrap(err, "seeding pending index")
	}
	for _, o := range orders {
		e.NotifyOrderPlaced(o)
	}

	e.logger.Info().Int("pending", len(orders)).Msg("event engine started")
	return nil
}

// Stop halts tick evaluation. Feed subscriptions are left in place so a
// restart resumes without churn; the feed itself is owned by the caller.
func (e *EventEngine) Stop(timeout time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}
	e.running = false
	e.cancel()
	e.logger.Info().Msg("event engine stopped")
	return nil
}

// Running reports whether tick evaluation is active.
func (e *EventEngine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// NotifyOrderPlaced adds an order to the pending index, subscribing to
// its instrument on the first reference.
func (e *EventEngine) NotifyOrderPlaced(order *models.Order) {
	k := marketdata.Key{Symbol: order.Symbol, Exchange: order.Exchange}

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	if e.index[k] == nil {
		e.index[k] = make(map[string]string)
	}
	if _, dup := e.index[k][order.ID]; dup {
		e.mu.Unlock()
		return
	}
	e.index[k][order.ID] = order.User

	if e.refs[k] == nil {
		e.refs[k] = make(map[string]int)
	}
	e.refs[k][order.User]++
	subscribe := e.total(k) == 1
	e.mu.Unlock()

	if subscribe {
		if err := e.feed.Subscribe([]marketdata.Key{k}); err != nil {
			e.logger.Warn().Err(err).Str("key", k.String()).Msg("subscribe failed")
		}
	}
}

// NotifyOrderCompleted removes an order from the pending index,
// unsubscribing only when the last dependent order is gone.
func (e *EventEngine) NotifyOrderCompleted(order *models.Order) {
	k := marketdata.Key{Symbol: order.Symbol, Exchange: order.Exchange}

	e.mu.Lock()
	if e.index[k] == nil {
		e.mu.Unlock()
		return
	}
	user, ok := e.index[k][order.ID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.index[k], order.ID)
	if len(e.index[k]) == 0 {
		delete(e.index, k)
	}

	if e.refs[k] != nil {
		e.refs[k][user]--
		if e.refs[k][user] <= 0 {
			delete(e.refs[k], user)
		}
		if len(e.refs[k]) == 0 {
			delete(e.refs, k)
		}
	}
	unsubscribe := e.total(k) == 0
	e.mu.Unlock()

	if unsubscribe {
		if err := e.feed.Unsubscribe([]marketdata.Key{k}); err != nil {
			e.logger.Warn().Err(err).Str("key", k.String()).Msg("unsubscribe failed")
		}
	}
}

// total returns the open order count for a key. Caller holds e.mu.
func (e *EventEngine) total(k marketdata.Key) int {
	n := 0
	for _, c := range e.refs[k] {
		n += c
	}
	return n
}

func (e *EventEngine) onTick(tick models.Tick) {
	k := marketdata.Key{Symbol: tick.Symbol, Exchange: tick.Exchange}

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	ctx := e.runCtx
	ids := make([]string, 0, len(e.index[k]))
	for id := range e.index[k] {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.evaluateOne(ctx, id, tick.LastPrice)
	}
}

func (e *EventEngine) evaluateOne(ctx context.Context, orderID string, last int64) {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		e.logger.Error().Err(err).Str("order_id", orderID).Msg("loading order for tick")
		return
	}
	if order == nil || order.Status != models.OrderOpen {
		// Completed or cancelled elsewhere; drop the index entry.
		if order != nil {
			e.NotifyOrderCompleted(order)
		}
		return
	}

	price, ok := Evaluate(order, last)
	if !ok {
		return
	}
	if err := e.service.ExecuteFill(ctx, order.ID, price); err != nil {
		if apperrors.Is(err, apperrors.ErrOrderNotOpen) {
			return
		}
		e.logger.Error().Err(err).Str("order_id", order.ID).Msg("fill failed, order left open")
	}
}
