package models

import "time"

// Position represents the net position per (user, symbol, exchange,
// product). The row is kept at quantity zero on full close rather than
// deleted; session-boundary filtering hides stale closed rows.
type Position struct {
	User                   string
	Symbol                 string
	Exchange               Exchange
	Product                ProductType
	Quantity               int64 // signed, negative for short
	AveragePrice           int64 // paise
	LastPrice              int64 // paise
	UnrealizedPnL          int64 // paise
	TodayRealizedPnL       int64 // paise
	AccumulatedRealizedPnL int64 // paise
	MarginBlocked          int64 // paise
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Key returns the unique position key.
func (p *Position) Key() string {
	return string(p.Exchange) + ":" + p.Symbol + ":" + string(p.Product) + ":" + p.User
}

// Value returns the current notional value of the position in paise.
func (p *Position) Value() int64 {
	return p.LastPrice * p.Quantity
}

// Holding represents settled delivery inventory per (user, symbol,
// exchange). Holdings are sellable without blocking margin.
type Holding struct {
	User           string
	Symbol         string
	Exchange       Exchange
	Quantity       int64
	AveragePrice   int64 // paise
	LastPrice      int64 // paise
	SettlementDate time.Time
	UpdatedAt      time.Time
}

// Fund represents a user's virtual capital account.
//
// Invariant: UsedMargin equals the sum of MarginBlocked across the user's
// open positions and open orders.
type Fund struct {
	User             string
	TotalCapital     int64 // paise
	AvailableBalance int64 // paise
	UsedMargin       int64 // paise
	RealizedPnL      int64 // paise, accumulated across sessions
	UnrealizedPnL    int64 // paise
	TodayRealizedPnL int64 // paise
	LastResetDate    time.Time
	ResetCount       int64
	UpdatedAt        time.Time
}

// TotalPnL returns realized plus unrealized P&L in paise.
func (f *Fund) TotalPnL() int64 {
	return f.RealizedPnL + f.UnrealizedPnL
}

// DailyPnL is an append-only end-of-day snapshot, one row per user per
// trading day.
type DailyPnL struct {
	User                string
	Date                time.Time
	RealizedPnL         int64 // paise
	PositionsUnrealized int64 // paise
	HoldingsUnrealized  int64 // paise
	TotalMTM            int64 // paise
	PortfolioValue      int64 // paise
	Approximate         bool  // true for catch-up backfills
	CreatedAt           time.Time
}
