package model

import (
	"math"
	"time"
)

// SchemaVersion is the version stamp written into every persisted candle
// record.
const SchemaVersion = 3

// ValueAreaFraction is the share of bar volume the value area must cover.
const ValueAreaFraction = 0.7

// OHLC holds open/high/low/close values, either as display prices or as
// integer tick indices depending on context.
type OHLC struct {
	O float64 `json:"o"`
	H float64 `json:"h"`
	L float64 `json:"l"`
	C float64 `json:"c"`
}

// OHLCTicks is the tick-index form of the bar extremes, kept during
// accumulation for exact comparisons and discarded before serialization.
type OHLCTicks struct {
	O int64
	H int64
	L int64
	C int64
}

// ProfileBucket is the sparse per-tick volume split maintained while the
// candle is open.
type ProfileBucket struct {
	Bid float64
	Ask float64
}

// Level is one rung of the finalized, gap-free price ladder. Pt is the
// integer tick index; P the display price; BV/AV the seller- and
// buyer-initiated volume that printed at the level.
type Level struct {
	Pt int64   `json:"pt"`
	P  float64 `json:"p"`
	BV float64 `json:"bv"`
	AV float64 `json:"av"`
}

// AggressorModes counts how each trade in the bar was classified: against a
// live quote, by the venue type flag inside the spread, or by the type flag
// because no quote existed.
type AggressorModes struct {
	Quote    int64 `json:"quote"`
	Type     int64 `json:"type"`
	Fallback int64 `json:"fallback"`
}

// TradeStats aggregates per-trade size and direction statistics for a bar.
type TradeStats struct {
	Count       int64   `json:"count"`
	BuyCount    int64   `json:"buy_count"`
	SellCount   int64   `json:"sell_count"`
	SizeSum     float64 `json:"size_sum"`
	SizeMax     float64 `json:"size_max"`
	SizeAvg     float64 `json:"size_avg"`
	LargeTrades int64   `json:"large_trades"`
	LargeVol    float64 `json:"large_vol"`
}

// QuoteStats aggregates spread and mid-price statistics, updated on every
// inbound quote while the candle is open (event-driven, not sampled).
type QuoteStats struct {
	Updates   int64   `json:"updates"`
	SpreadMin float64 `json:"spread_min"`
	SpreadMax float64 `json:"spread_max"`
	SpreadSum float64 `json:"spread_sum"`
	SpreadAvg float64 `json:"spread_avg"`
	MidFirst  float64 `json:"mid_first"`
	MidLast   float64 `json:"mid_last"`
}

// SpeedStats aggregates inter-trade timing statistics for a bar.
type SpeedStats struct {
	FirstTradeTS    int64   `json:"first_trade_ts"`
	LastTradeTS     int64   `json:"last_trade_ts"`
	MinGapMS        float64 `json:"min_gap_ms"`
	MaxGapMS        float64 `json:"max_gap_ms"`
	TradesPerSecAvg float64 `json:"trades_per_sec_avg"`
}

// Quality carries the per-bar data quality audit: the fraction of trades
// classified against a live quote, and how many late trades were dropped
// while this bar was open.
type Quality struct {
	AggrConf   float64 `json:"aggr_conf"`
	LateTrades int64   `json:"late_trades"`
}

// Derived holds the analytics computed at finalization time from the
// completed ladder: VWAP and the 70% value area around the point of control.
type Derived struct {
	Gen      string  `json:"gen"`
	VAMethod string  `json:"va_method"`
	VWAP     float64 `json:"vwap"`
	VAHPt    int64   `json:"vah_pt"`
	VALPt    int64   `json:"val_pt"`
	VAH      float64 `json:"vah"`
	VAL      float64 `json:"val"`
	VAVol    float64 `json:"va_vol"`
}

// Candle is the footprint candle for one time bucket. While open it is
// owned exclusively by the accumulator and mutated on the engine goroutine
// only; finalization freezes it into the immutable persisted record.
//
// The sparse Profile map and the tick-index OHLC are working state: they are
// excluded from serialization and discarded when the dense ladder is
// materialized.
type Candle struct {
	V         int     `json:"v"`
	Symbol    string  `json:"symbol"`
	Tick      float64 `json:"tick"`
	BarMS     int64   `json:"bar_ms"`
	Timeframe string  `json:"timeframe"`

	// T0/T1 are the RFC3339 bucket boundaries; Time is the bucket start in
	// epoch milliseconds and the record key.
	T0   string `json:"t0"`
	T1   string `json:"t1"`
	Time int64  `json:"time"`

	OHLC   OHLC      `json:"ohlc"`
	OHLCPt OHLCTicks `json:"-"`

	Vol      float64 `json:"vol"`
	Delta    float64 `json:"delta"`
	TotalBid float64 `json:"total_bid"`
	TotalAsk float64 `json:"total_ask"`

	// Profile is the sparse tick-index -> volume-split map kept during
	// accumulation; Levels is the dense high-to-low ladder produced at
	// finalization.
	Profile map[int64]*ProfileBucket `json:"-"`
	Levels  []Level                  `json:"levels"`

	PocPt int64   `json:"poc_pt"`
	Poc   float64 `json:"poc"`

	Derived    *Derived       `json:"derived,omitempty"`
	AggrModes  AggressorModes `json:"aggr_modes"`
	TradeStats TradeStats     `json:"trade_stats"`
	QuoteStats QuoteStats     `json:"quote_stats"`
	SpeedStats SpeedStats     `json:"speed_stats"`
	Quality    Quality        `json:"quality"`

	// Flushed guarantees at-most-once emission even when rollover is
	// triggered from two code paths queued on the engine goroutine.
	Flushed bool `json:"-"`
}

// NewCandle opens a candle for the bucket starting at startMS, seeded with
// the first traded tick index.
func NewCandle(inst Instrument, startMS int64, pt int64, price float64) *Candle {
	return &Candle{
		V:         SchemaVersion,
		Symbol:    inst.VendorSymbol(),
		Tick:      inst.TickSize,
		BarMS:     inst.BarMillis(),
		Timeframe: inst.Timeframe,
		T0:        msToRFC3339(startMS),
		T1:        msToRFC3339(startMS + inst.BarMillis()),
		Time:      startMS,
		OHLC:      OHLC{O: price, H: price, L: price, C: price},
		OHLCPt:    OHLCTicks{O: pt, H: pt, L: pt, C: pt},
		Profile:   map[int64]*ProfileBucket{},
		QuoteStats: QuoteStats{
			SpreadMin: math.Inf(1),
		},
		SpeedStats: SpeedStats{
			MinGapMS: math.Inf(1),
		},
	}
}

// EndMillis returns the exclusive bucket end in epoch milliseconds.
func (c *Candle) EndMillis() int64 {
	return c.Time + c.BarMS
}

func msToRFC3339(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z")
}
