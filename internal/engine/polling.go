package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"paper-trader/internal/config"
	apperrors "paper-trader/internal/errors"
	"paper-trader/internal/marketdata"
	"paper-trader/internal/models"
	"paper-trader/internal/store"
	"paper-trader/internal/trading"
)

// PollingEngine scans open orders on a fixed interval, fetching one
// batched quote per (symbol, exchange) group with a pause between
// batches. Errors are isolated per order so one bad order cannot halt
// the scan.
type PollingEngine struct {
	store    store.DataStore
	service  *trading.Service
	quotes   marketdata.QuoteService
	settings *config.Store
	logger   zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewPollingEngine creates the polling engine.
func NewPollingEngine(st store.DataStore, service *trading.Service, quotes marketdata.QuoteService,
	settings *config.Store, logger zerolog.Logger) *PollingEngine {
	return &PollingEngine{
		store:    st,
		service:  service,
		quotes:   quotes,
		settings: settings,
		logger:   logger.With().Str("component", "polling_engine").Logger(),
	}
}

// Start launches the scan loop. Idempotent while running.
func (e *PollingEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true

	go e.loop(runCtx)
	e.logger.Info().Msg("polling engine started")
	return nil
}

// Stop halts the scan loop, waiting up to timeout for the current scan.
func (e *PollingEngine) Stop(timeout time.Duration) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	cancel()
	select {
	case <-done:
		e.logger.Info().Msg("polling engine stopped")
		return nil
	case <-time.After(timeout):
		return apperrors.ErrTimeout
	}
}

// Running reports whether the scan loop is active.
func (e *PollingEngine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// NotifyOrderPlaced is a no-op: the next scan picks the order up.
func (e *PollingEngine) NotifyOrderPlaced(order *models.Order) {}

// NotifyOrderCompleted is a no-op for the polling engine.
func (e *PollingEngine) NotifyOrderCompleted(order *models.Order) {}

func (e *PollingEngine) loop(ctx context.Context) {
	defer close(e.done)

	for {
		interval := e.settings.GetDuration(config.KeyPollInterval, time.Second, 5*time.Second)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		e.scan(ctx)
	}
}

// scan evaluates every open order once.
func (e *PollingEngine) scan(ctx context.Context) {
	orders, err := e.store.ListOrders(ctx, store.OrderFilter{Status: models.OrderOpen})
	if err != nil {
		e.logger.Error().Err(err).Msg("loading open orders")
		return
	}
	if len(orders) == 0 {
		return
	}

	groups := make(map[marketdata.Key][]*models.Order)
	for _, o := range orders {
		k := marketdata.Key{Symbol: o.Symbol, Exchange: o.Exchange}
		groups[k] = append(groups[k], o)
	}

	pause := e.settings.GetDuration(config.KeyBatchPause, time.Millisecond, 200*time.Millisecond)
	first := true
	for k, group := range groups {
		if ctx.Err() != nil {
			return
		}
		if !first {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pause):
			}
		}
		first = false

		quote, err := e.quotes.GetQuote(ctx, k.Symbol, k.Exchange)
		if err != nil {
			// Quote unavailable this cycle, never fatal.
			e.logger.Debug().Err(err).Str("symbol", k.Symbol).Msg("quote unavailable this cycle")
			continue
		}

		for _, o := range group {
			e.evaluateOne(ctx, o, quote.LastPrice)
		}
	}
}

func (e *PollingEngine) evaluateOne(ctx context.Context, order *models.Order, last int64) {
	price, ok := Evaluate(order, last)
	if !ok {
		return
	}
	if err := e.service.ExecuteFill(ctx, order.ID, price); err != nil {
		if apperrors.Is(err, apperrors.ErrOrderNotOpen) {
			return // lost the race to a cancel or the other engine
		}
		e.logger.Error().Err(err).Str("order_id", order.ID).Msg("fill failed, order left open")
	}
}
