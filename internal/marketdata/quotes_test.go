package marketdata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "paper-trader/internal/errors"
	"paper-trader/internal/models"
	"paper-trader/internal/store"
)

func TestHTTPQuoteServiceConvertsRupeesToPaise(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quotes", r.URL.Path)
		assert.ElementsMatch(t, []string{"NSE:RELIANCE", "NSE:TCS"}, r.URL.Query()["i"])
		json.NewEncoder(w).Encode([]wireQuote{
			{Symbol: "RELIANCE", Exchange: "NSE", LastPrice: 2500.55},
			{Symbol: "TCS", Exchange: "NSE", LastPrice: 0}, // no price, dropped
		})
	}))
	defer srv.Close()

	svc := NewHTTPQuoteService(srv.URL, time.Second, zerolog.Nop())

	quotes, err := svc.GetQuotes(context.Background(), []Key{
		{Symbol: "RELIANCE", Exchange: models.NSE},
		{Symbol: "TCS", Exchange: models.NSE},
	})
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, int64(250055), quotes[Key{Symbol: "RELIANCE", Exchange: models.NSE}].LastPrice)

	_, err = svc.GetQuote(context.Background(), "TCS", models.NSE)
	assert.True(t, apperrors.Is(err, apperrors.ErrQuoteUnavailable))
}

func TestHTTPQuoteServiceRetriesTransientFailures(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode([]wireQuote{
			{Symbol: "RELIANCE", Exchange: "NSE", LastPrice: 2500},
		})
	}))
	defer srv.Close()

	svc := NewHTTPQuoteService(srv.URL, time.Second, zerolog.Nop())

	quote, err := svc.GetQuote(context.Background(), "RELIANCE", models.NSE)
	require.NoError(t, err)
	assert.Equal(t, int64(250000), quote.LastPrice)
	assert.Equal(t, 3, attempts)
}

func TestTickCache(t *testing.T) {
	ctx := context.Background()
	key := Key{Symbol: "RELIANCE", Exchange: models.NSE}

	fallback := NewStaticQuotes()
	fallback.SetPrice("TCS", models.NSE, 300000)
	cache := NewTickCache(fallback, time.Minute)

	t.Run("serves ticks over the fallback", func(t *testing.T) {
		cache.Update(models.Tick{Symbol: "RELIANCE", Exchange: models.NSE, LastPrice: 250000, ReceivedAt: time.Now()})

		q, err := cache.GetQuote(ctx, "RELIANCE", models.NSE)
		require.NoError(t, err)
		assert.Equal(t, int64(250000), q.LastPrice)

		cache.Update(models.Tick{Symbol: "RELIANCE", Exchange: models.NSE, LastPrice: 251000, ReceivedAt: time.Now()})
		q, err = cache.GetQuote(ctx, "RELIANCE", models.NSE)
		require.NoError(t, err)
		assert.Equal(t, int64(251000), q.LastPrice)
	})

	t.Run("aged ticks fall through to the fallback", func(t *testing.T) {
		fallback.SetPrice("RELIANCE", models.NSE, 20000)
		cache.Update(models.Tick{
			Symbol: "RELIANCE", Exchange: models.NSE,
			LastPrice: 10000, ReceivedAt: time.Now().Add(-time.Hour),
		})

		q, err := cache.GetQuote(ctx, "RELIANCE", models.NSE)
		require.NoError(t, err)
		assert.Equal(t, int64(20000), q.LastPrice, "a pre-outage price must not be served")

		// A fresh tick takes over again.
		cache.Update(models.Tick{Symbol: "RELIANCE", Exchange: models.NSE, LastPrice: 251000, ReceivedAt: time.Now()})
		q, err = cache.GetQuote(ctx, "RELIANCE", models.NSE)
		require.NoError(t, err)
		assert.Equal(t, int64(251000), q.LastPrice)
	})

	t.Run("aged tick with a failing fallback is an error", func(t *testing.T) {
		cache.Update(models.Tick{
			Symbol: "RELIANCE", Exchange: models.NSE,
			LastPrice: 10000, ReceivedAt: time.Now().Add(-time.Hour),
		})
		fallback.SetFailing(true)
		defer func() {
			fallback.SetFailing(false)
			cache.Update(models.Tick{Symbol: "RELIANCE", Exchange: models.NSE, LastPrice: 251000, ReceivedAt: time.Now()})
		}()

		_, err := cache.GetQuotes(ctx, []Key{key})
		assert.Error(t, err)
	})

	t.Run("falls back for unpriced instruments", func(t *testing.T) {
		q, err := cache.GetQuote(ctx, "TCS", models.NSE)
		require.NoError(t, err)
		assert.Equal(t, int64(300000), q.LastPrice)
	})

	t.Run("partial result beats a failing fallback", func(t *testing.T) {
		fallback.SetFailing(true)
		defer fallback.SetFailing(false)

		quotes, err := cache.GetQuotes(ctx, []Key{key, {Symbol: "INFY", Exchange: models.NSE}})
		require.NoError(t, err)
		require.Len(t, quotes, 1)
		assert.Contains(t, quotes, key)
	})

	t.Run("nothing cached and fallback down is an error", func(t *testing.T) {
		fallback.SetFailing(true)
		defer fallback.SetFailing(false)

		_, err := cache.GetQuotes(ctx, []Key{{Symbol: "INFY", Exchange: models.NSE}})
		assert.Error(t, err)
	})
}

func TestRefData(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "refdata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	r := NewRefData(st)
	require.NoError(t, r.Bootstrap(ctx, []models.Instrument{
		{Symbol: "RELIANCE", Exchange: models.NSE, Class: models.ClassEquity, LotSize: 1, TickSize: 5},
		{Symbol: "NIFTYFUT", Exchange: models.NFO, Class: models.ClassFuture, LotSize: 25, TickSize: 5},
	}))

	inst, err := r.Get(ctx, "RELIANCE", models.NSE)
	require.NoError(t, err)
	assert.Equal(t, models.ClassEquity, inst.Class)

	lot, err := r.LotSize(ctx, "NIFTYFUT", models.NFO)
	require.NoError(t, err)
	assert.Equal(t, int64(25), lot)

	_, err = r.Get(ctx, "NOSUCH", models.NSE)
	assert.True(t, apperrors.Is(err, apperrors.ErrSymbolNotFound))

	// A second RefData over the same store reads through without a
	// fresh bootstrap.
	r2 := NewRefData(st)
	inst, err = r2.Get(ctx, "RELIANCE", models.NSE)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inst.LotSize)
}
