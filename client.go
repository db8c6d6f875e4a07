// FILE: client.go
// Package main – Exchange capability surface shared by engine and simulator.
//
// This file defines the interface the trading engine needs to talk to an
// exchange backend, plus the normalized response records. The simulator
// (exchange.go) is the only implementation in this repo; a production client
// would satisfy the same interface. The engine receives the client through
// explicit injection — never by patching globals after construction.
//
// The record types mirror the venue's wire dictionaries field for field
// (id, clientOrderId, amount, stopPrice, average, reduceOnly, info, …) so an
// engine that still expects dict-like access can adapt with a thin map view.

package main

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the side of a trade.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// Ticker is the normalized spot/futures ticker view.
type Ticker struct {
	Symbol     string         `json:"symbol"`
	Last       float64        `json:"last"`
	Bid        float64        `json:"bid"`
	Ask        float64        `json:"ask"`
	High       float64        `json:"high"`
	Low        float64        `json:"low"`
	Open       float64        `json:"open"`
	Close      float64        `json:"close"`
	Volume     float64        `json:"volume"`
	Percentage float64        `json:"percentage"`
	Info       map[string]any `json:"info"`
}

// FuturesTicker is the richer bulk-ticker view for perpetuals.
type FuturesTicker struct {
	Symbol       string          `json:"symbol"`
	MarkPrice    decimal.Decimal `json:"markPrice"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	Volume24h    decimal.Decimal `json:"volume24h"`
	OpenInterest decimal.Decimal `json:"openInterest"`
	FundingRate  decimal.Decimal `json:"fundingRate"`
}

// Market is one tradable market entry.
type Market struct {
	Symbol string `json:"symbol"`
	Active bool   `json:"active"`
}

// Instrument is one futures instrument definition.
type Instrument struct {
	Symbol       string  `json:"symbol"`
	ContractSize float64 `json:"contractSize"`
	TickSize     float64 `json:"tickSize"`
	Type         string  `json:"type"`
}

// OrderView is the normalized order response. Price-ish fields are pointers
// because the venue omits them when not applicable.
type OrderView struct {
	ID            string         `json:"id"`
	ClientOrderID string         `json:"clientOrderId,omitempty"`
	Symbol        string         `json:"symbol"`
	Side          OrderSide      `json:"side"`
	Type          string         `json:"type"`
	Amount        float64        `json:"amount"`
	Price         *float64       `json:"price,omitempty"`
	StopPrice     *float64       `json:"stopPrice,omitempty"`
	Status        string         `json:"status"`
	Filled        float64        `json:"filled"`
	Remaining     float64        `json:"remaining"`
	Average       *float64       `json:"average,omitempty"`
	ReduceOnly    bool           `json:"reduceOnly"`
	Datetime      string         `json:"datetime,omitempty"`
	Timestamp     int64          `json:"timestamp,omitempty"`
	Info          map[string]any `json:"info"`
}

// PositionView is the normalized open-position response.
type PositionView struct {
	Symbol        string         `json:"symbol"`
	Side          PositionSide   `json:"side"`
	Contracts     float64        `json:"contracts"`
	ContractSize  float64        `json:"contractSize"`
	EntryPrice    float64        `json:"entryPrice"`
	UnrealizedPnl float64        `json:"unrealizedPnl"`
	Leverage      float64        `json:"leverage"`
	Percentage    float64        `json:"percentage"`
	Info          map[string]any `json:"info"`
}

// BalanceView is one currency's balance bucket.
type BalanceView struct {
	Free  float64 `json:"free"`
	Used  float64 `json:"used"`
	Total float64 `json:"total"`
}

// AccountInfo is the futures account snapshot.
type AccountInfo struct {
	Equity          float64 `json:"equity"`
	AvailableMargin float64 `json:"availableMargin"`
	MarginUsed      float64 `json:"marginUsed"`
	UnrealizedPnl   float64 `json:"unrealizedPnl"`
	Leverage        float64 `json:"leverage"`
}

// CancelResult reports a cancellation outcome.
type CancelResult struct {
	Result  string `json:"result"`
	OrderID string `json:"order_id"`
}

// OrderRequest carries the loose create_order params bag.
type OrderRequest struct {
	ClientOrderID string
	ReduceOnly    bool
	StopPrice     *decimal.Decimal
	Leverage      *decimal.Decimal
}

// ExchangeClient is the full capability set the trading engine consumes.
// Every method may be short-circuited by the fault injector.
type ExchangeClient interface {
	// Lifecycle
	Initialize(ctx context.Context) error
	Close(ctx context.Context) error

	// Market data
	GetSpotMarkets(ctx context.Context) (map[string]Market, error)
	GetFuturesMarkets(ctx context.Context) (map[string]Market, error)
	GetSpotTicker(ctx context.Context, symbol string) (Ticker, error)
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	FetchTicker(ctx context.Context, symbol string) (Ticker, error)
	GetSpotTickersBulk(ctx context.Context, symbols []string) (map[string]Ticker, error)
	GetSpotOHLCV(ctx context.Context, symbol, timeframe string, sinceMillis int64, limit int) ([]Candle, error)
	GetFuturesOHLCV(ctx context.Context, symbol, timeframe string, sinceMillis int64, limit int) ([]Candle, error)
	GetFuturesMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetFuturesTickersBulk(ctx context.Context) (map[string]decimal.Decimal, error)
	GetFuturesTickersBulkFull(ctx context.Context) (map[string]FuturesTicker, error)
	GetFuturesInstruments(ctx context.Context) ([]Instrument, error)

	// Account
	GetSpotBalance(ctx context.Context) (map[string]BalanceView, error)
	GetAccountBalance(ctx context.Context) (map[string]decimal.Decimal, error)
	GetFuturesBalance(ctx context.Context) (map[string]BalanceView, error)
	GetFuturesAccountInfo(ctx context.Context) (AccountInfo, error)

	// Positions
	GetFuturesPosition(ctx context.Context, symbol string) (*PositionView, error)
	GetAllFuturesPositions(ctx context.Context) ([]PositionView, error)

	// Orders
	PlaceFuturesOrder(ctx context.Context, symbol string, side OrderSide, orderType string,
		size decimal.Decimal, price, stopPrice *decimal.Decimal, reduceOnly bool,
		leverage *decimal.Decimal, clientOrderID string) (OrderView, error)
	CreateOrder(ctx context.Context, symbol, orderType string, side OrderSide,
		amount float64, price *float64, req *OrderRequest) (OrderView, error)
	CancelFuturesOrder(ctx context.Context, orderID, symbol string) (CancelResult, error)
	CancelOrder(ctx context.Context, orderID, symbol string) (CancelResult, error)
	CancelAllOrders(ctx context.Context, symbol string) ([]CancelResult, error)
	EditFuturesOrder(ctx context.Context, orderID, symbol string, stopPrice, price *decimal.Decimal) (OrderView, error)
	GetFuturesOpenOrders(ctx context.Context) ([]OrderView, error)
	FetchOrder(ctx context.Context, orderID, symbol string) (*OrderView, error)
	ClosePosition(ctx context.Context, symbol string) (OrderView, error)
}

// Candle is the float64 OHLCV row the engine's indicators consume.
// The store keeps decimal CandleBars; this is the engine-facing conversion.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// candleFromBar converts a store bar into the engine view.
func candleFromBar(b CandleBar) Candle {
	return Candle{
		Time:   b.Timestamp,
		Open:   b.Open.InexactFloat64(),
		High:   b.High.InexactFloat64(),
		Low:    b.Low.InexactFloat64(),
		Close:  b.Close.InexactFloat64(),
		Volume: b.Volume.InexactFloat64(),
	}
}
