package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketType identifies the venue segment a connection serves.
type MarketType string

const (
	MarketFutures MarketType = "futures"
	MarketSpot    MarketType = "spot"
)

// EventType discriminates the canonical event variants.
type EventType string

const (
	EventTicker    EventType = "ticker"
	EventTrade     EventType = "trade"
	EventCandle    EventType = "candle"
	EventBookDelta EventType = "book_delta"
	EventControl   EventType = "control"
)

// Event is the canonical, exchange-agnostic market-data message. Exactly one
// of the payload pointers matching Type is non-nil. Events are immutable once
// constructed.
type Event struct {
	Type       EventType
	Exchange   string     // e.g. "bitget", "kucoin"
	MarketType MarketType // futures or spot
	Symbol     string     // instrument ID; empty for connection-level control events
	ExchangeTS int64      // exchange-supplied event time, ms since epoch (0 if absent)
	ReceivedAt time.Time  // local receipt time

	Ticker    *Ticker
	Trade     *Trade
	Candle    *Candle
	BookDelta *BookDelta
	Control   *Control
}

// Ticker is a top-of-book price update.
type Ticker struct {
	Last      decimal.Decimal
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	Volume24h decimal.Decimal // zero if the venue does not report it
}

// Trade is a single executed trade.
type Trade struct {
	TradeID string
	Price   decimal.Decimal
	Size    decimal.Decimal
	Side    string // "buy" or "sell", taker side
}

// Candle is one OHLCV bar.
type Candle struct {
	Interval string // e.g. "1m"
	OpenTime int64  // bar open, ms since epoch
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// PriceLevel is one side entry of an order-book message.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal // zero means the level was removed
}

// BookDelta is an order-book snapshot or incremental update.
type BookDelta struct {
	Snapshot bool // true for a full snapshot, false for an incremental delta
	Sequence int64
	Bids     []PriceLevel
	Asks     []PriceLevel
}

// ControlKind classifies control events. Connection lifecycle notifications
// and protocol diagnostics travel the same dispatcher path as market data so
// consumers observe them in order.
type ControlKind string

const (
	ControlConnected          ControlKind = "connected"
	ControlDisconnected       ControlKind = "disconnected"
	ControlSubscriptionAcked  ControlKind = "subscription_acked"
	ControlSubscriptionFailed ControlKind = "subscription_failed"
	ControlProtocolError      ControlKind = "protocol_error"
	ControlFatalError         ControlKind = "fatal_error"
)

// Control is a non-market event: lifecycle notification or diagnostic.
type Control struct {
	Kind    ControlKind
	Channel string // set for subscription acks/failures
	Reason  string // human-readable detail, empty for clean lifecycle events
	Raw     []byte // offending payload for protocol errors, nil otherwise
}
