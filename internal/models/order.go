package models

import "time"

// Order represents a simulated trading order.
//
// An order is created by the order book, mutated only by the matching
// engine (fill) or the order book (modify/cancel), and is immutable once
// its status is terminal.
type Order struct {
	ID            string
	User          string
	Symbol        string
	Exchange      Exchange
	Side          OrderSide
	PriceType     PriceType
	Product       ProductType
	Quantity      int64
	Price         int64 // paise, limit price for LIMIT/SL
	TriggerPrice  int64 // paise, for SL/SL-M
	Status        OrderStatus
	Reason        string // rejection reason, empty otherwise
	MarginBlocked int64  // paise reserved against this order while open
	AveragePrice  int64  // paise, fill price once complete
	PlacedAt      time.Time
	UpdatedAt     time.Time
}

// Trade represents a completed fill. Trades are append-only.
type Trade struct {
	ID        string
	OrderID   string
	User      string
	Symbol    string
	Exchange  Exchange
	Side      OrderSide
	Product   ProductType
	Quantity  int64
	Price     int64 // paise
	Timestamp time.Time
}

// SignedQuantity returns +qty for BUY and -qty for SELL.
func (t *Trade) SignedQuantity() int64 {
	if t.Side == OrderSideSell {
		return -t.Quantity
	}
	return t.Quantity
}
