package marketdata

import (
	"context"
	"fmt"
	"sync"

	apperrors "paper-trader/internal/errors"
	"paper-trader/internal/models"
	"paper-trader/internal/store"
)

// RefData supplies instrument reference data (lot size, tick size, expiry,
// class) from the instruments table, cached in memory.
type RefData struct {
	store store.DataStore
	mu    sync.RWMutex
	cache map[Key]*models.Instrument
}

// NewRefData creates the reference-data lookup.
func NewRefData(st store.DataStore) *RefData {
	return &RefData{
		store: st,
		cache: make(map[Key]*models.Instrument),
	}
}

// Bootstrap loads instruments into the store and primes the cache.
func (r *RefData) Bootstrap(ctx context.Context, instruments []models.Instrument) error {
	if err := r.store.UpsertInstruments(ctx, instruments); err != nil {
		return fmt.Errorf("loading instruments: %w", err)
	}
	r.mu.Lock()
	for i := range instruments {
		inst := instruments[i]
		r.cache[Key{Symbol: inst.Symbol, Exchange: inst.Exchange}] = &inst
	}
	r.mu.Unlock()
	return nil
}

// Get returns reference data for an instrument. Unknown instruments yield
// ErrSymbolNotFound.
func (r *RefData) Get(ctx context.Context, symbol string, exchange models.Exchange) (*models.Instrument, error) {
	k := Key{Symbol: symbol, Exchange: exchange}

	r.mu.RLock()
	inst, ok := r.cache[k]
	r.mu.RUnlock()
	if ok {
		return inst, nil
	}

	inst, err := r.store.GetInstrument(ctx, symbol, exchange)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, fmt.Errorf("%s:%s: %w", exchange, symbol, apperrors.ErrSymbolNotFound)
	}

	r.mu.Lock()
	r.cache[k] = inst
	r.mu.Unlock()
	return inst, nil
}

// LotSize returns the instrument's lot size. Unknown symbols are an
// error, not lot size 1.
func (r *RefData) LotSize(ctx context.Context, symbol string, exchange models.Exchange) (int64, error) {
	inst, err := r.Get(ctx, symbol, exchange)
	if err != nil {
		return 0, err
	}
	if inst.LotSize < 1 {
		return 1, nil
	}
	return inst.LotSize, nil
}
