// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"paper-trader/internal/models"
)

// DataStore defines the interface for data persistence.
type DataStore interface {
	// Orders
	SaveOrder(ctx context.Context, order *models.Order) error
	UpdateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]*models.Order, error)

	// Trades
	SaveTrade(ctx context.Context, trade *models.Trade) error
	ListTrades(ctx context.Context, filter TradeFilter) ([]*models.Trade, error)

	// Positions
	UpsertPosition(ctx context.Context, pos *models.Position) error
	GetPosition(ctx context.Context, user, symbol string, exchange models.Exchange, product models.ProductType) (*models.Position, error)
	ListPositions(ctx context.Context, filter PositionFilter) ([]*models.Position, error)
	DeletePosition(ctx context.Context, user, symbol string, exchange models.Exchange, product models.ProductType) error

	// Holdings
	UpsertHolding(ctx context.Context, holding *models.Holding) error
	GetHolding(ctx context.Context, user, symbol string, exchange models.Exchange) (*models.Holding, error)
	ListHoldings(ctx context.Context, user string) ([]*models.Holding, error)
	DeleteHolding(ctx context.Context, user, symbol string, exchange models.Exchange) error

	// Funds
	SaveFund(ctx context.Context, fund *models.Fund) error
	GetFund(ctx context.Context, user string) (*models.Fund, error)
	ListFunds(ctx context.Context) ([]*models.Fund, error)

	// Daily P&L snapshots
	SaveDailyPnL(ctx context.Context, snap *models.DailyPnL) error
	GetDailyPnL(ctx context.Context, user string, date time.Time) (*models.DailyPnL, error)

	// Atomic fill commit: order transition + trade + position + fund (and
	// optionally holding) are written in one transaction.
	SaveFillCommit(ctx context.Context, fc *FillCommit) error

	// Settings (backs the config store)
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value, description string) error
	AllSettings(ctx context.Context) (map[string]string, error)

	// Reference data
	UpsertInstruments(ctx context.Context, instruments []models.Instrument) error
	GetInstrument(ctx context.Context, symbol string, exchange models.Exchange) (*models.Instrument, error)

	// Scheduler crash-recovery state
	GetNextFire(ctx context.Context, jobID string) (time.Time, bool, error)
	SetNextFire(ctx context.Context, jobID string, at time.Time) error
	ListNextFires(ctx context.Context) (map[string]time.Time, error)

	// Lifecycle
	Close() error
}

// OrderFilter represents filters for querying orders.
type OrderFilter struct {
	User     string
	Status   models.OrderStatus
	Exchange models.Exchange
	Product  models.ProductType
	Limit    int
}

// TradeFilter represents filters for querying trades.
type TradeFilter struct {
	User      string
	Symbol    string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// PositionFilter represents filters for querying positions.
type PositionFilter struct {
	User          string
	Exchange      models.Exchange
	Product       models.ProductType
	OpenOnly      bool      // quantity != 0
	CreatedBefore time.Time // zero means no bound
	UpdatedBefore time.Time // zero means no bound
}

// FillCommit is the unit of work for one fill. All writes succeed or none
// do, so a half-applied fill cannot be observed.
type FillCommit struct {
	Order          *models.Order
	Trade          *models.Trade
	Position       *models.Position
	Fund           *models.Fund
	Holding        *models.Holding
	DeleteHolding  bool
	DeletePosition bool
}
