package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "paper-trader/internal/errors"
	"paper-trader/internal/models"
	"paper-trader/pkg/utils"
)

// QuoteService supplies last-traded prices on demand. Both matching
// engines and the MTM refresher consume it.
type QuoteService interface {
	// GetQuote returns the current quote for one instrument.
	GetQuote(ctx context.Context, symbol string, exchange models.Exchange) (*models.Quote, error)
	// GetQuotes returns quotes for a batch of instruments. Instruments
	// with no available quote are absent from the result rather than
	// failing the whole batch.
	GetQuotes(ctx context.Context, keys []Key) (map[Key]*models.Quote, error)
}

// wireQuote is the JSON quote payload from the quote endpoint.
type wireQuote struct {
	Symbol    string  `json:"symbol"`
	Exchange  string  `json:"exchange"`
	LastPrice float64 `json:"last_price"` // rupees
}

// HTTPQuoteService fetches quotes from a REST endpoint with
// retry-with-backoff on transient failures.
type HTTPQuoteService struct {
	baseURL string
	client  *http.Client
	retry   utils.RetryConfig
	logger  zerolog.Logger
}

// NewHTTPQuoteService creates a quote service against the given base URL.
func NewHTTPQuoteService(baseURL string, timeout time.Duration, logger zerolog.Logger) *HTTPQuoteService {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPQuoteService{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		retry:   utils.DefaultRetryConfig(),
		logger:  logger.With().Str("component", "quotes").Logger(),
	}
}

// GetQuote fetches one quote.
func (s *HTTPQuoteService) GetQuote(ctx context.Context, symbol string, exchange models.Exchange) (*models.Quote, error) {
	quotes, err := s.GetQuotes(ctx, []Key{{Symbol: symbol, Exchange: exchange}})
	if err != nil {
		return nil, err
	}
	q, ok := quotes[Key{Symbol: symbol, Exchange: exchange}]
	if !ok {
		return nil, fmt.Errorf("%s:%s: %w", exchange, symbol, apperrors.ErrQuoteUnavailable)
	}
	return q, nil
}

// GetQuotes fetches a batch of quotes in one request.
func (s *HTTPQuoteService) GetQuotes(ctx context.Context, keys []Key) (map[Key]*models.Quote, error) {
	if len(keys) == 0 {
		return map[Key]*models.Quote{}, nil
	}

	params := url.Values{}
	for _, k := range keys {
		params.Add("i", k.String())
	}
	reqURL := s.baseURL + "/quotes?" + params.Encode()

	wire, err := utils.RetryWithResult(ctx, s.retry, func() ([]wireQuote, error) {
		return s.fetch(ctx, reqURL)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching quotes: %w", err)
	}

	now := time.Now()
	quotes := make(map[Key]*models.Quote, len(wire))
	for _, wq := range wire {
		if wq.Symbol == "" || wq.LastPrice <= 0 {
			continue
		}
		k := Key{Symbol: wq.Symbol, Exchange: models.Exchange(wq.Exchange)}
		quotes[k] = &models.Quote{
			Symbol:    wq.Symbol,
			Exchange:  k.Exchange,
			LastPrice: utils.ToPaise(wq.LastPrice),
			Timestamp: now,
		}
	}
	return quotes, nil
}

func (s *HTTPQuoteService) fetch(ctx context.Context, reqURL string) ([]wireQuote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quote endpoint returned %d", resp.StatusCode)
	}

	var wire []wireQuote
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decoding quotes: %w", err)
	}
	return wire, nil
}

// TickCache is a QuoteService backed by feed ticks, falling back to a
// delegate for instruments the feed has not priced recently. Wire its
// Update to the feed's OnTick. Entries older than maxAge are never
// served; a feed outage must not freeze the prices the polling engine
// and the MTM refresher see.
type TickCache struct {
	mu       sync.RWMutex
	last     map[Key]*models.Quote
	fallback QuoteService
	maxAge   time.Duration
}

// NewTickCache creates a tick-backed quote cache. fallback may be nil.
// maxAge <= 0 selects a 30s default.
func NewTickCache(fallback QuoteService, maxAge time.Duration) *TickCache {
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}
	return &TickCache{
		last:     make(map[Key]*models.Quote),
		fallback: fallback,
		maxAge:   maxAge,
	}
}

func (c *TickCache) fresh(q *models.Quote) bool {
	return time.Since(q.Timestamp) <= c.maxAge
}

// Update records a tick.
func (c *TickCache) Update(tick models.Tick) {
	c.mu.Lock()
	c.last[Key{Symbol: tick.Symbol, Exchange: tick.Exchange}] = &models.Quote{
		Symbol:    tick.Symbol,
		Exchange:  tick.Exchange,
		LastPrice: tick.LastPrice,
		Timestamp: tick.ReceivedAt,
	}
	c.mu.Unlock()
}

// GetQuote serves from the cache, then the fallback.
func (c *TickCache) GetQuote(ctx context.Context, symbol string, exchange models.Exchange) (*models.Quote, error) {
	c.mu.RLock()
	q, ok := c.last[Key{Symbol: symbol, Exchange: exchange}]
	c.mu.RUnlock()
	if ok && c.fresh(q) {
		return q, nil
	}
	if c.fallback != nil {
		return c.fallback.GetQuote(ctx, symbol, exchange)
	}
	return nil, fmt.Errorf("%s:%s: %w", exchange, symbol, apperrors.ErrQuoteUnavailable)
}

// GetQuotes serves cached instruments and fetches the rest from the
// fallback in one batch.
func (c *TickCache) GetQuotes(ctx context.Context, keys []Key) (map[Key]*models.Quote, error) {
	result := make(map[Key]*models.Quote, len(keys))
	var missing []Key

	c.mu.RLock()
	for _, k := range keys {
		if q, ok := c.last[k]; ok && c.fresh(q) {
			result[k] = q
		} else {
			missing = append(missing, k)
		}
	}
	c.mu.RUnlock()

	if len(missing) > 0 && c.fallback != nil {
		fetched, err := c.fallback.GetQuotes(ctx, missing)
		if err != nil {
			// Serve what the cache had; a partial result beats none.
			if len(result) > 0 {
				return result, nil
			}
			return nil, err
		}
		for k, q := range fetched {
			result[k] = q
		}
	}
	return result, nil
}

var (
	_ QuoteService = (*HTTPQuoteService)(nil)
	_ QuoteService = (*TickCache)(nil)
)
