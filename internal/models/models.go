// Package models provides domain models for the virtual trading simulator.
//
// All monetary amounts are fixed-point int64 paise (1 rupee = 100 paise).
// float64 appears only at the market-data boundary and is converted once
// on ingest.
package models

import (
	"time"
)

// Exchange represents a stock exchange.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	NFO Exchange = "NFO" // F&O
	MCX Exchange = "MCX" // Commodity
)

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// PriceType represents how an order prices its fill.
type PriceType string

const (
	PriceTypeMarket    PriceType = "MARKET"
	PriceTypeLimit     PriceType = "LIMIT"
	PriceTypeStopLoss  PriceType = "SL"
	PriceTypeStopLossM PriceType = "SL-M"
)

// ProductType represents the product type of an order.
type ProductType string

const (
	ProductMIS  ProductType = "MIS"  // Intraday, squared off by session end
	ProductCNC  ProductType = "CNC"  // Delivery, settles T+1 into holdings
	ProductNRML ProductType = "NRML" // Carry-forward derivatives
)

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "OPEN"
	OrderComplete  OrderStatus = "COMPLETE"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
)

// Terminal reports whether the status permits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == OrderComplete || s == OrderCancelled || s == OrderRejected
}

// InstrumentClass classifies an instrument for leverage lookup.
type InstrumentClass string

const (
	ClassEquity InstrumentClass = "EQ"
	ClassFuture InstrumentClass = "FUT"
	ClassOption InstrumentClass = "OPT"
)

// Quote represents a market quote.
type Quote struct {
	Symbol    string
	Exchange  Exchange
	LastPrice int64 // paise
	Timestamp time.Time
}

// Tick represents a pushed real-time price update.
type Tick struct {
	Symbol     string
	Exchange   Exchange
	LastPrice  int64 // paise
	ReceivedAt time.Time
}

// Instrument represents a tradeable instrument from reference data.
type Instrument struct {
	Symbol   string
	Exchange Exchange
	Name     string
	Class    InstrumentClass
	LotSize  int64
	TickSize int64 // paise
	Expiry   time.Time
	Strike   int64 // paise
}
