// Package model defines core data types for the footprint candle engine.
//
// This package contains the fundamental data structures shared across the
// system: the immutable instrument configuration, the footprint candle and
// its per-price volume profile, the connection lifecycle states, and the
// diagnostic counters exposed by the status endpoints.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TimeframeDurations maps the supported timeframe labels to their bar
// duration. An engine instance owns exactly one symbol/timeframe pair.
var TimeframeDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
}

// Instrument is the immutable per-engine configuration of the traded
// contract: its symbol, timeframe, bar duration, minimum price increment and
// the decimal precision derived from it. It is created once at engine start
// and never mutated afterwards.
type Instrument struct {
	// Symbol is the short contract symbol (e.g. "ENQ").
	Symbol string

	// Timeframe is the bar timeframe label (e.g. "1m").
	Timeframe string

	// BarDuration is the fixed candle bucket length.
	BarDuration time.Duration

	// TickSize is the minimum price increment of the contract.
	TickSize float64

	// TickDecimals is the number of decimal places implied by TickSize,
	// used when converting tick indices back to display prices.
	TickDecimals int32
}

// NewInstrument builds an Instrument from configuration values, resolving
// the bar duration from the timeframe label and deriving the tick decimal
// precision from the tick size.
func NewInstrument(symbol, timeframe string, tickSize float64) (Instrument, error) {
	if symbol == "" {
		return Instrument{}, fmt.Errorf("symbol cannot be empty")
	}
	if tickSize <= 0 {
		return Instrument{}, fmt.Errorf("tick size must be positive, got %v", tickSize)
	}

	bar, ok := TimeframeDurations[timeframe]
	if !ok {
		return Instrument{}, fmt.Errorf("unsupported timeframe %q", timeframe)
	}

	// decimal gives an exact exponent for the tick size, so 0.25 yields a
	// precision of 2 without string inspection of the float.
	decimals := -decimal.NewFromFloat(tickSize).Exponent()
	if decimals < 0 {
		decimals = 0
	}

	return Instrument{
		Symbol:       symbol,
		Timeframe:    timeframe,
		BarDuration:  bar,
		TickSize:     tickSize,
		TickDecimals: decimals,
	}, nil
}

// VendorSymbol returns the vendor-qualified contract symbol used on the
// wire ("F.US.{SYMBOL}").
func (i Instrument) VendorSymbol() string {
	return "F.US." + i.Symbol
}

// BarMillis returns the bar duration in milliseconds, the unit all bucket
// arithmetic is performed in.
func (i Instrument) BarMillis() int64 {
	return i.BarDuration.Milliseconds()
}

// ConnState is the single mutable connection lifecycle value owned by the
// engine. Transitions are driven exclusively by transport events and the
// scheduler.
type ConnState int

const (
	// Disconnected means no live transport handle exists.
	Disconnected ConnState = iota

	// Connecting means a dial is in flight.
	Connecting

	// HandshakeSent means the transport opened and the protocol
	// negotiation frame has been written.
	HandshakeSent

	// SubscribeSent means the handshake was acknowledged and subscribe
	// requests for both channels are awaiting confirmation.
	SubscribeSent

	// Subscribed means both channel subscriptions were confirmed.
	Subscribed
)

// String returns the canonical upper-case state label.
func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case HandshakeSent:
		return "HANDSHAKE_SENT"
	case SubscribeSent:
		return "SUBSCRIBE_SENT"
	case Subscribed:
		return "SUBSCRIBED"
	default:
		return "DISCONNECTED"
	}
}

// Metrics holds the cumulative engine counters surfaced by the metrics
// endpoint. All failure signals in the engine surface only through these
// counters and logs.
type Metrics struct {
	TradesProcessed int64 `json:"tradesProcessed"`
	ParseErrors     int64 `json:"parseErrors"`
	Reconnects      int64 `json:"reconnects"`
	LateDropped     int64 `json:"lateDropped"`
	CandlesFlushed  int64 `json:"candlesFlushed"`
	RawFlushed      int64 `json:"rawFlushed"`
	StaleResets     int64 `json:"staleResets"`
}

// SubFlags tracks per-channel subscription confirmation.
type SubFlags struct {
	Trade bool `json:"trade"`
	Quote bool `json:"quote"`
}

// Status is the diagnostic snapshot returned by the debug endpoint.
type Status struct {
	Symbol       string   `json:"symbol"`
	Timeframe    string   `json:"timeframe"`
	BarMS        int64    `json:"bar_ms"`
	ConnState    string   `json:"ws_state"`
	Subs         SubFlags `json:"subs"`
	TokenValid   bool     `json:"token_valid"`
	LastMsgAgeMS int64    `json:"last_msg_age_ms"` // -1 when no message seen yet
	BufferLen    int      `json:"buffer_len"`
	CandleOpen   bool     `json:"candle_open"`
	LastPrice    float64  `json:"last_price"`
	BestBid      float64  `json:"best_bid"`
	BestAsk      float64  `json:"best_ask"`
}
