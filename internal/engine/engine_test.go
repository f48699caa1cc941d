package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paper-trader/internal/config"
	"paper-trader/internal/marketdata"
	"paper-trader/internal/models"
	"paper-trader/internal/store"
	"paper-trader/internal/trading"
)

type testStack struct {
	store    store.DataStore
	settings *config.Store
	quotes   *marketdata.StaticQuotes
	feed     *marketdata.SimFeed
	svc      *trading.Service
}

func newStack(t *testing.T) *testStack {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	settings, err := config.NewStore(ctx, st)
	require.NoError(t, err)

	refdata := marketdata.NewRefData(st)
	require.NoError(t, refdata.Bootstrap(ctx, []models.Instrument{
		{Symbol: "RELIANCE", Exchange: models.NSE, Class: models.ClassEquity, LotSize: 1, TickSize: 5},
		{Symbol: "TCS", Exchange: models.NSE, Class: models.ClassEquity, LotSize: 1, TickSize: 5},
	}))

	quotes := marketdata.NewStaticQuotes()
	quotes.SetPrice("RELIANCE", models.NSE, 250000)
	quotes.SetPrice("TCS", models.NSE, 300000)

	logger := zerolog.Nop()
	session := trading.NewSessionManager(time.UTC)
	funds := trading.NewFundLedger(st, settings, logger)
	positions := trading.NewPositionLedger(st, session, logger)
	holdings := trading.NewHoldingsLedger(st, funds, session, logger)
	margin := trading.NewMarginCalculator(settings, refdata)
	book := trading.NewOrderBook(st, funds, margin, refdata, quotes, logger)
	svc := trading.NewService(st, funds, positions, holdings, book, quotes, session, logger)

	return &testStack{
		store:    st,
		settings: settings,
		quotes:   quotes,
		feed:     marketdata.NewSimFeed(),
		svc:      svc,
	}
}

func (ts *testStack) placeLimitBuy(t *testing.T, user string, price int64) *models.Order {
	t.Helper()
	order, err := ts.svc.PlaceOrder(context.Background(), trading.PlaceRequest{
		User: user, Symbol: "RELIANCE", Exchange: models.NSE,
		Side: models.OrderSideBuy, PriceType: models.PriceTypeLimit,
		Product: models.ProductMIS, Quantity: 10, Price: price,
	})
	require.NoError(t, err)
	return order
}

func TestEventEngineFillsOnTick(t *testing.T) {
	ts := newStack(t)
	ctx := context.Background()
	key := marketdata.Key{Symbol: "RELIANCE", Exchange: models.NSE}

	eng := NewEventEngine(ts.store, ts.svc, ts.feed, zerolog.Nop())
	ts.svc.SetNotifier(eng)
	require.NoError(t, eng.Start(ctx))
	defer eng.Stop(time.Second)

	order := ts.placeLimitBuy(t, "alice", 250000)
	assert.True(t, ts.feed.Subscribed(key), "placing subscribes the instrument")

	// Above the limit: no fill.
	ts.feed.Push("RELIANCE", models.NSE, 251000)
	got, err := ts.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderOpen, got.Status)

	// At the limit: fills synchronously.
	ts.feed.Push("RELIANCE", models.NSE, 250000)
	got, err = ts.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderComplete, got.Status)
	assert.Equal(t, int64(250000), got.AveragePrice)

	pos, err := ts.store.GetPosition(ctx, "alice", "RELIANCE", models.NSE, models.ProductMIS)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, int64(10), pos.Quantity)

	assert.False(t, ts.feed.Subscribed(key), "last order gone, instrument unsubscribed")
}

func TestEventEngineSeedsFromPersistedOrders(t *testing.T) {
	ts := newStack(t)
	ctx := context.Background()

	// Order placed before the engine exists, e.g. while polling served.
	order := ts.placeLimitBuy(t, "bob", 249000)

	eng := NewEventEngine(ts.store, ts.svc, ts.feed, zerolog.Nop())
	ts.svc.SetNotifier(eng)
	require.NoError(t, eng.Start(ctx))
	defer eng.Stop(time.Second)

	assert.True(t, ts.feed.Subscribed(marketdata.Key{Symbol: "RELIANCE", Exchange: models.NSE}))

	ts.feed.Push("RELIANCE", models.NSE, 248000)
	got, err := ts.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderComplete, got.Status)
}

func TestEventEngineSubscriptionRefCounting(t *testing.T) {
	ts := newStack(t)
	ctx := context.Background()
	key := marketdata.Key{Symbol: "RELIANCE", Exchange: models.NSE}

	eng := NewEventEngine(ts.store, ts.svc, ts.feed, zerolog.Nop())
	ts.svc.SetNotifier(eng)
	require.NoError(t, eng.Start(ctx))
	defer eng.Stop(time.Second)

	first := ts.placeLimitBuy(t, "alice", 200000)
	second := ts.placeLimitBuy(t, "bob", 201000)
	require.True(t, ts.feed.Subscribed(key))

	_, err := ts.svc.CancelOrder(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, ts.feed.Subscribed(key), "one order still pending")

	_, err = ts.svc.CancelOrder(ctx, second.ID)
	require.NoError(t, err)
	assert.False(t, ts.feed.Subscribed(key), "no pending orders left")
}

func TestEventEngineIgnoresTicksWhenStopped(t *testing.T) {
	ts := newStack(t)
	ctx := context.Background()

	eng := NewEventEngine(ts.store, ts.svc, ts.feed, zerolog.Nop())
	ts.svc.SetNotifier(eng)
	require.NoError(t, eng.Start(ctx))

	order := ts.placeLimitBuy(t, "carol", 250000)
	require.NoError(t, eng.Stop(time.Second))

	ts.feed.Push("RELIANCE", models.NSE, 249000)
	got, err := ts.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderOpen, got.Status)
}

func TestPollingEngineScan(t *testing.T) {
	ts := newStack(t)
	ctx := context.Background()

	eng := NewPollingEngine(ts.store, ts.svc, ts.quotes, ts.settings, zerolog.Nop())

	filled := ts.placeLimitBuy(t, "dave", 250000) // quote is 250000, fills
	waiting := ts.placeLimitBuy(t, "dave", 240000)

	eng.scan(ctx)

	got, err := ts.store.GetOrder(ctx, filled.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderComplete, got.Status)

	got, err = ts.store.GetOrder(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderOpen, got.Status)
}

func TestPollingEngineScanSurvivesQuoteOutage(t *testing.T) {
	ts := newStack(t)
	ctx := context.Background()

	eng := NewPollingEngine(ts.store, ts.svc, ts.quotes, ts.settings, zerolog.Nop())
	order := ts.placeLimitBuy(t, "erin", 250000)

	ts.quotes.SetFailing(true)
	eng.scan(ctx)

	got, err := ts.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderOpen, got.Status, "order survives the outage for the next cycle")
}

func TestSupervisorModeSelection(t *testing.T) {
	t.Run("feed unreachable selects polling", func(t *testing.T) {
		ts := newStack(t)
		event := NewEventEngine(ts.store, ts.svc, ts.feed, zerolog.Nop())
		polling := NewPollingEngine(ts.store, ts.svc, ts.quotes, ts.settings, zerolog.Nop())
		health := NewHealthMonitor(ts.feed, polling, ts.settings, zerolog.Nop())
		dialErr := errors.New("connection refused")
		sup := NewSupervisor(event, polling, health,
			func(ctx context.Context) error { return dialErr }, zerolog.Nop())

		require.NoError(t, sup.Start(context.Background()))
		assert.Equal(t, ModePolling, sup.Mode())
		assert.True(t, polling.Running())
		assert.False(t, event.Running())

		require.NoError(t, sup.Stop(time.Second))
		assert.Equal(t, ModeStopped, sup.Mode())
	})

	t.Run("feed reachable selects event-driven", func(t *testing.T) {
		ts := newStack(t)
		event := NewEventEngine(ts.store, ts.svc, ts.feed, zerolog.Nop())
		polling := NewPollingEngine(ts.store, ts.svc, ts.quotes, ts.settings, zerolog.Nop())
		health := NewHealthMonitor(ts.feed, polling, ts.settings, zerolog.Nop())
		sup := NewSupervisor(event, polling, health, ts.feed.Connect, zerolog.Nop())

		require.NoError(t, sup.Start(context.Background()))
		assert.Equal(t, ModeEvent, sup.Mode())
		assert.True(t, event.Running())
		assert.False(t, polling.Running())

		require.NoError(t, sup.Stop(time.Second))
	})
}

func TestHealthMonitorStartsFallbackOnStaleFeed(t *testing.T) {
	ts := newStack(t)
	ctx := context.Background()

	polling := NewPollingEngine(ts.store, ts.svc, ts.quotes, ts.settings, zerolog.Nop())
	health := NewHealthMonitor(ts.feed, polling, ts.settings, zerolog.Nop())

	// Disconnected feed with no ticks is stale.
	health.check(ctx)
	assert.True(t, health.FallbackActive())
	assert.True(t, polling.Running())

	// Fresh tick on a connected feed recovers.
	require.NoError(t, ts.feed.Connect(ctx))
	ts.feed.Push("RELIANCE", models.NSE, 250000)
	health.check(ctx)
	assert.False(t, health.FallbackActive())
	assert.False(t, polling.Running())
}

func TestHealthMonitorIdleConnectedFeedIsFresh(t *testing.T) {
	ts := newStack(t)
	ctx := context.Background()

	polling := NewPollingEngine(ts.store, ts.svc, ts.quotes, ts.settings, zerolog.Nop())
	health := NewHealthMonitor(ts.feed, polling, ts.settings, zerolog.Nop())

	// Connected but no subscriptions yet, so no ticks: that is idle, not
	// stale, and must not wake the fallback.
	require.NoError(t, ts.feed.Connect(ctx))
	health.check(ctx)
	assert.False(t, health.FallbackActive())
	assert.False(t, polling.Running())

	// Once ticks have flowed, silence beyond the threshold is stale.
	ts.feed.Push("RELIANCE", models.NSE, 250000)
	require.NoError(t, ts.settings.Set(ctx, config.KeyFeedStaleAfter, "0"))
	health.check(ctx)
	assert.True(t, health.FallbackActive())
	assert.True(t, polling.Running())
}
