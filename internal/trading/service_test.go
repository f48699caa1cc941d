package trading

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paper-trader/internal/config"
	apperrors "paper-trader/internal/errors"
	"paper-trader/internal/marketdata"
	"paper-trader/internal/models"
	"paper-trader/internal/store"
)

const testCapital = int64(100000000)

type fixture struct {
	store    store.DataStore
	settings *config.Store
	session  *SessionManager
	quotes   *marketdata.StaticQuotes
	funds    *FundLedger
	holdings *HoldingsLedger
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	settings, err := config.NewStore(ctx, st)
	require.NoError(t, err)

	refdata := marketdata.NewRefData(st)
	require.NoError(t, refdata.Bootstrap(ctx, []models.Instrument{
		{Symbol: "RELIANCE", Exchange: models.NSE, Class: models.ClassEquity, LotSize: 1, TickSize: 5},
		{Symbol: "TCS", Exchange: models.NSE, Class: models.ClassEquity, LotSize: 1, TickSize: 5},
		{Symbol: "NIFTYFUT", Exchange: models.NFO, Class: models.ClassFuture, LotSize: 25, TickSize: 5},
	}))

	quotes := marketdata.NewStaticQuotes()
	quotes.SetPrice("RELIANCE", models.NSE, 250000)

	logger := zerolog.Nop()
	session := NewSessionManager(time.UTC)
	funds := NewFundLedger(st, settings, logger)
	positions := NewPositionLedger(st, session, logger)
	holdings := NewHoldingsLedger(st, funds, session, logger)
	margin := NewMarginCalculator(settings, refdata)
	book := NewOrderBook(st, funds, margin, refdata, quotes, logger)
	svc := NewService(st, funds, positions, holdings, book, quotes, session, logger)

	return &fixture{
		store:    st,
		settings: settings,
		session:  session,
		quotes:   quotes,
		funds:    funds,
		holdings: holdings,
		svc:      svc,
	}
}

func (f *fixture) fund(t *testing.T, user string) *models.Fund {
	t.Helper()
	fund, err := f.funds.Get(context.Background(), user)
	require.NoError(t, err)
	return fund
}

func TestIntradayRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	buy, err := f.svc.PlaceOrder(ctx, PlaceRequest{
		User: "alice", Symbol: "RELIANCE", Exchange: models.NSE,
		Side: models.OrderSideBuy, PriceType: models.PriceTypeMarket,
		Product: models.ProductMIS, Quantity: 10,
	})
	require.NoError(t, err)
	require.Equal(t, models.OrderOpen, buy.Status)
	// 10 x 2500.00 at 5x intraday leverage.
	assert.Equal(t, int64(500000), buy.MarginBlocked)

	fund := f.fund(t, "alice")
	assert.Equal(t, int64(500000), fund.UsedMargin)
	assert.Equal(t, testCapital-500000, fund.AvailableBalance)

	require.NoError(t, f.svc.ExecuteFill(ctx, buy.ID, 250000))

	pos, err := f.store.GetPosition(ctx, "alice", "RELIANCE", models.NSE, models.ProductMIS)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, int64(10), pos.Quantity)
	assert.Equal(t, int64(250000), pos.AveragePrice)
	assert.Equal(t, int64(500000), pos.MarginBlocked)

	// The blocked margin moved from the order to the position; the fund
	// figure is unchanged.
	fund = f.fund(t, "alice")
	assert.Equal(t, int64(500000), fund.UsedMargin)

	sell, err := f.svc.PlaceOrder(ctx, PlaceRequest{
		User: "alice", Symbol: "RELIANCE", Exchange: models.NSE,
		Side: models.OrderSideSell, PriceType: models.PriceTypeMarket,
		Product: models.ProductMIS, Quantity: 10,
	})
	require.NoError(t, err)
	assert.Zero(t, sell.MarginBlocked, "equity sells block nothing")

	require.NoError(t, f.svc.ExecuteFill(ctx, sell.ID, 260000))

	pos, err = f.store.GetPosition(ctx, "alice", "RELIANCE", models.NSE, models.ProductMIS)
	require.NoError(t, err)
	require.NotNil(t, pos, "closed row is kept at zero quantity")
	assert.Zero(t, pos.Quantity)
	assert.Zero(t, pos.MarginBlocked)
	assert.Equal(t, int64(100000), pos.TodayRealizedPnL)

	fund = f.fund(t, "alice")
	assert.Zero(t, fund.UsedMargin)
	assert.Equal(t, testCapital+100000, fund.AvailableBalance)
	assert.Equal(t, int64(100000), fund.RealizedPnL)
	assert.Equal(t, int64(100000), fund.TodayRealizedPnL)

	trades, err := f.svc.ListTrades(ctx, store.TradeFilter{User: "alice"})
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

func TestReversalFill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.quotes.SetPrice("RELIANCE", models.NSE, 10000)

	buy, err := f.svc.PlaceOrder(ctx, PlaceRequest{
		User: "bob", Symbol: "RELIANCE", Exchange: models.NSE,
		Side: models.OrderSideBuy, PriceType: models.PriceTypeMarket,
		Product: models.ProductMIS, Quantity: 100,
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.ExecuteFill(ctx, buy.ID, 10000))

	f.quotes.SetPrice("RELIANCE", models.NSE, 12000)
	sell, err := f.svc.PlaceOrder(ctx, PlaceRequest{
		User: "bob", Symbol: "RELIANCE", Exchange: models.NSE,
		Side: models.OrderSideSell, PriceType: models.PriceTypeMarket,
		Product: models.ProductMIS, Quantity: 200,
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.ExecuteFill(ctx, sell.ID, 12000))

	pos, err := f.store.GetPosition(ctx, "bob", "RELIANCE", models.NSE, models.ProductMIS)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, int64(-100), pos.Quantity)
	assert.Equal(t, int64(12000), pos.AveragePrice, "reversal reopens at the fill price")
	assert.Equal(t, int64(100*2000), pos.TodayRealizedPnL, "only the first 100 units realize")

	fund := f.fund(t, "bob")
	assert.Zero(t, fund.UsedMargin, "equity short carries no blocked margin")
	assert.Equal(t, testCapital+200000, fund.AvailableBalance)
}

func TestPlaceRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	place := func(req PlaceRequest) (*models.Order, error) {
		return f.svc.PlaceOrder(ctx, req)
	}
	base := PlaceRequest{
		User: "carol", Symbol: "RELIANCE", Exchange: models.NSE,
		Side: models.OrderSideBuy, PriceType: models.PriceTypeMarket,
		Product: models.ProductMIS, Quantity: 10,
	}

	t.Run("unknown symbol", func(t *testing.T) {
		req := base
		req.Symbol = "NOSUCH"
		order, err := place(req)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrSymbolNotFound))
		require.NotNil(t, order)
		assert.Equal(t, models.OrderRejected, order.Status)
		assert.NotEmpty(t, order.Reason)

		persisted, gerr := f.store.GetOrder(ctx, order.ID)
		require.NoError(t, gerr)
		require.NotNil(t, persisted, "rejections are persisted, not dropped")
		assert.Equal(t, models.OrderRejected, persisted.Status)
	})

	t.Run("lot size violation", func(t *testing.T) {
		req := base
		req.Symbol = "NIFTYFUT"
		req.Exchange = models.NFO
		req.Quantity = 30 // lot size 25
		req.PriceType = models.PriceTypeLimit
		req.Price = 2000000
		_, err := place(req)
		assert.True(t, apperrors.Is(err, apperrors.ErrLotSizeViolation))
	})

	t.Run("insufficient funds", func(t *testing.T) {
		req := base
		req.Quantity = 10000 // 10000 x 2500.00 / 5x far exceeds capital
		order, err := place(req)
		assert.True(t, apperrors.Is(err, apperrors.ErrInsufficientFunds))
		assert.Equal(t, models.OrderRejected, order.Status)

		fund := f.fund(t, "carol")
		assert.Zero(t, fund.UsedMargin, "nothing stays blocked for a rejection")
		assert.Equal(t, testCapital, fund.AvailableBalance)
	})

	t.Run("sl without trigger", func(t *testing.T) {
		req := base
		req.PriceType = models.PriceTypeStopLoss
		req.Price = 250000
		req.TriggerPrice = 0
		_, err := place(req)
		require.Error(t, err)
		var verr *apperrors.ValidationError
		assert.True(t, apperrors.As(err, &verr))
	})

	t.Run("short delivery", func(t *testing.T) {
		req := base
		req.Side = models.OrderSideSell
		req.Product = models.ProductCNC
		_, err := place(req)
		assert.True(t, apperrors.Is(err, apperrors.ErrShortDelivery))
	})

	t.Run("quote unavailable for market order", func(t *testing.T) {
		req := base
		req.Symbol = "TCS" // known instrument, no price configured
		_, err := place(req)
		assert.True(t, apperrors.Is(err, apperrors.ErrQuoteUnavailable))
	})
}

func TestCancelReleasesMargin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.PlaceOrder(ctx, PlaceRequest{
		User: "dave", Symbol: "RELIANCE", Exchange: models.NSE,
		Side: models.OrderSideBuy, PriceType: models.PriceTypeLimit,
		Product: models.ProductMIS, Quantity: 10, Price: 240000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(480000), order.MarginBlocked)

	cancelled, err := f.svc.CancelOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, cancelled.Status)

	fund := f.fund(t, "dave")
	assert.Zero(t, fund.UsedMargin)
	assert.Equal(t, testCapital, fund.AvailableBalance)

	err = f.svc.ExecuteFill(ctx, order.ID, 240000)
	assert.True(t, apperrors.Is(err, apperrors.ErrOrderNotOpen))
}

func TestModifyRepricesMargin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.PlaceOrder(ctx, PlaceRequest{
		User: "erin", Symbol: "RELIANCE", Exchange: models.NSE,
		Side: models.OrderSideBuy, PriceType: models.PriceTypeLimit,
		Product: models.ProductMIS, Quantity: 10, Price: 240000,
	})
	require.NoError(t, err)
	require.Equal(t, int64(480000), order.MarginBlocked)

	updated, err := f.svc.ModifyOrder(ctx, order.ID, ModifyRequest{Price: 250000})
	require.NoError(t, err)
	assert.Equal(t, int64(250000), updated.Price)
	assert.Equal(t, int64(500000), updated.MarginBlocked)

	fund := f.fund(t, "erin")
	assert.Equal(t, int64(500000), fund.UsedMargin)
}

func TestDeliverySellConsumesPositionThenHoldings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.funds.Initialize(ctx, "frank")
	require.NoError(t, err)
	require.NoError(t, f.store.UpsertHolding(ctx, &models.Holding{
		User: "frank", Symbol: "RELIANCE", Exchange: models.NSE,
		Quantity: 10, AveragePrice: 200000, LastPrice: 250000,
		SettlementDate: time.Now().AddDate(0, 0, -2),
		UpdatedAt:      time.Now().AddDate(0, 0, -2),
	}))

	buy, err := f.svc.PlaceOrder(ctx, PlaceRequest{
		User: "frank", Symbol: "RELIANCE", Exchange: models.NSE,
		Side: models.OrderSideBuy, PriceType: models.PriceTypeMarket,
		Product: models.ProductCNC, Quantity: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1250000), buy.MarginBlocked, "delivery blocks full value")
	require.NoError(t, f.svc.ExecuteFill(ctx, buy.ID, 250000))

	// Sell 12: today's position of 5 goes first, then 7 from holdings.
	f.quotes.SetPrice("RELIANCE", models.NSE, 260000)
	sell, err := f.svc.PlaceOrder(ctx, PlaceRequest{
		User: "frank", Symbol: "RELIANCE", Exchange: models.NSE,
		Side: models.OrderSideSell, PriceType: models.PriceTypeMarket,
		Product: models.ProductCNC, Quantity: 12,
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.ExecuteFill(ctx, sell.ID, 260000))

	pos, err := f.store.GetPosition(ctx, "frank", "RELIANCE", models.NSE, models.ProductCNC)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Zero(t, pos.Quantity)

	holding, err := f.store.GetHolding(ctx, "frank", "RELIANCE", models.NSE)
	require.NoError(t, err)
	require.NotNil(t, holding)
	assert.Equal(t, int64(3), holding.Quantity)

	fund := f.fund(t, "frank")
	assert.Zero(t, fund.UsedMargin)
	// Position leg realizes 5 x 10.00, holdings leg 7 x 60.00; the sale
	// proceeds of 7 x 2600.00 come back as cash.
	assert.Equal(t, int64(50000+7*60000), fund.RealizedPnL)
	assert.Equal(t, testCapital+50000+7*260000, fund.AvailableBalance)
}

func TestT1SettlementIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	_, err := f.funds.Initialize(ctx, "gina")
	require.NoError(t, err)

	// Yesterday's delivery buy, still an open position with its margin.
	require.NoError(t, f.store.UpsertPosition(ctx, &models.Position{
		User: "gina", Symbol: "TCS", Exchange: models.NSE, Product: models.ProductCNC,
		Quantity: 10, AveragePrice: 200000, LastPrice: 210000,
		MarginBlocked: 2000000,
		CreatedAt:     now.AddDate(0, 0, -1),
		UpdatedAt:     now.AddDate(0, 0, -1),
	}))
	fund := f.fund(t, "gina")
	fund.UsedMargin = 2000000
	fund.AvailableBalance = testCapital - 2000000
	require.NoError(t, f.store.SaveFund(ctx, fund))

	settled, err := f.holdings.ProcessT1Settlement(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	pos, err := f.store.GetPosition(ctx, "gina", "TCS", models.NSE, models.ProductCNC)
	require.NoError(t, err)
	assert.Nil(t, pos, "settled position is removed")

	holding, err := f.store.GetHolding(ctx, "gina", "TCS", models.NSE)
	require.NoError(t, err)
	require.NotNil(t, holding)
	assert.Equal(t, int64(10), holding.Quantity)
	assert.Equal(t, int64(200000), holding.AveragePrice)

	// Margin transferred, not refunded: the value lives in the holding.
	fund = f.fund(t, "gina")
	assert.Zero(t, fund.UsedMargin)
	assert.Equal(t, testCapital-2000000, fund.AvailableBalance)

	settled, err = f.holdings.ProcessT1Settlement(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, settled, "second run finds nothing")
}

func TestSquareOffIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	buy, err := f.svc.PlaceOrder(ctx, PlaceRequest{
		User: "hank", Symbol: "RELIANCE", Exchange: models.NSE,
		Side: models.OrderSideBuy, PriceType: models.PriceTypeMarket,
		Product: models.ProductMIS, Quantity: 10,
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.ExecuteFill(ctx, buy.ID, 250000))

	pending, err := f.svc.PlaceOrder(ctx, PlaceRequest{
		User: "hank", Symbol: "RELIANCE", Exchange: models.NSE,
		Side: models.OrderSideBuy, PriceType: models.PriceTypeLimit,
		Product: models.ProductMIS, Quantity: 10, Price: 240000,
	})
	require.NoError(t, err)

	f.quotes.SetPrice("RELIANCE", models.NSE, 255000)
	require.NoError(t, f.svc.SquareOffExchange(ctx, models.NSE))

	order, err := f.svc.GetOrder(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, order.Status)

	pos, err := f.store.GetPosition(ctx, "hank", "RELIANCE", models.NSE, models.ProductMIS)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Zero(t, pos.Quantity)
	assert.Equal(t, int64(50000), pos.TodayRealizedPnL)

	fund := f.fund(t, "hank")
	assert.Zero(t, fund.UsedMargin)
	assert.Equal(t, testCapital+50000, fund.AvailableBalance)

	trades, err := f.svc.ListTrades(ctx, store.TradeFilter{User: "hank"})
	require.NoError(t, err)
	require.Len(t, trades, 2)

	// A second pass finds nothing open and writes nothing.
	require.NoError(t, f.svc.SquareOffExchange(ctx, models.NSE))
	trades, err = f.svc.ListTrades(ctx, store.TradeFilter{User: "hank"})
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

func TestResetRestoresCapital(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	buy, err := f.svc.PlaceOrder(ctx, PlaceRequest{
		User: "iris", Symbol: "RELIANCE", Exchange: models.NSE,
		Side: models.OrderSideBuy, PriceType: models.PriceTypeMarket,
		Product: models.ProductMIS, Quantity: 10,
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.ExecuteFill(ctx, buy.ID, 250000))

	require.NoError(t, f.svc.ResetUser(ctx, "iris"))

	fund := f.fund(t, "iris")
	assert.Equal(t, testCapital, fund.TotalCapital)
	assert.Equal(t, testCapital, fund.AvailableBalance)
	assert.Zero(t, fund.UsedMargin)
	assert.Zero(t, fund.RealizedPnL)
	assert.Equal(t, int64(1), fund.ResetCount)

	positions, err := f.store.ListPositions(ctx, store.PositionFilter{User: "iris"})
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestReconcileCorrectsMarginDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// An open limit order is the only legitimate margin consumer.
	order, err := f.svc.PlaceOrder(ctx, PlaceRequest{
		User: "jules", Symbol: "RELIANCE", Exchange: models.NSE,
		Side: models.OrderSideBuy, PriceType: models.PriceTypeLimit,
		Product: models.ProductMIS, Quantity: 10, Price: 240000,
	})
	require.NoError(t, err)
	require.Equal(t, int64(480000), order.MarginBlocked)

	// Corrupt the fund row the way a crash mid-fill would.
	fund := f.fund(t, "jules")
	fund.UsedMargin += 7000
	fund.AvailableBalance -= 7000
	require.NoError(t, f.store.SaveFund(ctx, fund))

	require.NoError(t, f.funds.Reconcile(ctx, "jules"))

	fund = f.fund(t, "jules")
	assert.Equal(t, int64(480000), fund.UsedMargin)
	assert.Equal(t, testCapital-480000, fund.AvailableBalance)

	// Consistent books are left alone.
	require.NoError(t, f.funds.Reconcile(ctx, "jules"))
	again := f.fund(t, "jules")
	assert.Equal(t, fund.UsedMargin, again.UsedMargin)
	assert.Equal(t, fund.AvailableBalance, again.AvailableBalance)
}
