package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "paper-trader/internal/errors"
	"paper-trader/internal/models"
)

// SimFeed is an in-memory Feed used by tests. Ticks are injected with
// Push and delivered synchronously to the handler.
type SimFeed struct {
	mu         sync.RWMutex
	connected  bool
	subscribed map[Key]int
	onTick     func(models.Tick)
	lastTickAt time.Time
}

// NewSimFeed creates a simulated feed.
func NewSimFeed() *SimFeed {
	return &SimFeed{subscribed: make(map[Key]int)}
}

// Connect marks the feed connected.
func (f *SimFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

// Close marks the feed disconnected.
func (f *SimFeed) Close() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

// Subscribe records interest. Counts are kept so tests can assert on
// subscription churn.
func (f *SimFeed) Subscribe(keys []Key) error {
	f.mu.Lock()
	for _, k := range keys {
		f.subscribed[k]++
	}
	f.mu.Unlock()
	return nil
}

// Unsubscribe removes interest.
func (f *SimFeed) Unsubscribe(keys []Key) error {
	f.mu.Lock()
	for _, k := range keys {
		delete(f.subscribed, k)
	}
	f.mu.Unlock()
	return nil
}

// Subscribed reports whether the instrument currently has a subscription.
func (f *SimFeed) Subscribed(k Key) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.subscribed[k] > 0
}

// OnTick registers the tick handler.
func (f *SimFeed) OnTick(fn func(models.Tick)) {
	f.mu.Lock()
	f.onTick = fn
	f.mu.Unlock()
}

// IsConnected reports the simulated connection state.
func (f *SimFeed) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// LastTickAt returns the receive time of the last pushed tick.
func (f *SimFeed) LastTickAt() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastTickAt
}

// Push injects a tick at the given paise price.
func (f *SimFeed) Push(symbol string, exchange models.Exchange, price int64) {
	tick := models.Tick{
		Symbol:     symbol,
		Exchange:   exchange,
		LastPrice:  price,
		ReceivedAt: time.Now(),
	}

	f.mu.Lock()
	f.lastTickAt = tick.ReceivedAt
	handler := f.onTick
	f.mu.Unlock()

	if handler != nil {
		handler(tick)
	}
}

var _ Feed = (*SimFeed)(nil)

// StaticQuotes is a fixed-price QuoteService for tests.
type StaticQuotes struct {
	mu     sync.RWMutex
	prices map[Key]int64 // paise
	fail   bool
}

// NewStaticQuotes creates a static quote source.
func NewStaticQuotes() *StaticQuotes {
	return &StaticQuotes{prices: make(map[Key]int64)}
}

// SetPrice sets the price for an instrument in paise.
func (s *StaticQuotes) SetPrice(symbol string, exchange models.Exchange, price int64) {
	s.mu.Lock()
	s.prices[Key{Symbol: symbol, Exchange: exchange}] = price
	s.mu.Unlock()
}

// SetFailing makes all lookups fail with ErrQuoteUnavailable.
func (s *StaticQuotes) SetFailing(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

// GetQuote returns the configured price.
func (s *StaticQuotes) GetQuote(ctx context.Context, symbol string, exchange models.Exchange) (*models.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fail {
		return nil, apperrors.ErrQuoteUnavailable
	}
	price, ok := s.prices[Key{Symbol: symbol, Exchange: exchange}]
	if !ok {
		return nil, fmt.Errorf("%s:%s: %w", exchange, symbol, apperrors.ErrQuoteUnavailable)
	}
	return &models.Quote{
		Symbol:    symbol,
		Exchange:  exchange,
		LastPrice: price,
		Timestamp: time.Now(),
	}, nil
}

// GetQuotes returns configured prices, omitting unknown instruments.
func (s *StaticQuotes) GetQuotes(ctx context.Context, keys []Key) (map[Key]*models.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fail {
		return nil, apperrors.ErrQuoteUnavailable
	}
	now := time.Now()
	quotes := make(map[Key]*models.Quote, len(keys))
	for _, k := range keys {
		if price, ok := s.prices[k]; ok {
			quotes[k] = &models.Quote{
				Symbol:    k.Symbol,
				Exchange:  k.Exchange,
				LastPrice: price,
				Timestamp: now,
			}
		}
	}
	return quotes, nil
}

var _ QuoteService = (*StaticQuotes)(nil)
