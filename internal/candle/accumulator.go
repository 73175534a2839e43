// Package candle builds footprint candles from a classified tick stream.
//
// The Accumulator owns the single in-progress candle for the current time
// bucket and applies every accepted trade and quote to it. The finalizer in
// this package closes a bucket, materializes the dense price ladder, derives
// the point of control, value area and VWAP, and validates the volume
// conservation invariants.
//
// Thread safety: all methods must be called from the single engine
// goroutine. The accumulator performs no locking of its own.
package candle

import (
	"time"

	"github.com/rs/zerolog/log"

	"footprint/internal/model"
	"footprint/internal/ticks"
)

// Outcome reports how OnTrade treated a trade.
type Outcome int

const (
	// TradeAccepted means the trade mutated the open candle.
	TradeAccepted Outcome = iota

	// TradeLate means the trade's bucket precedes the open candle and was
	// dropped without touching OHLC or volume.
	TradeLate

	// TradeInvalid means the trade carried a zero/invalid price or volume
	// and was ignored entirely.
	TradeInvalid
)

// Accumulator owns the in-progress candle for one instrument/timeframe
// pair. When a trade arrives for a newer bucket the open candle is handed
// to the onClose callback before the new bucket opens.
type Accumulator struct {
	inst  model.Instrument
	conv  ticks.Converter
	class *ticks.Classifier

	// largeTradeThreshold is the volume at or above which a trade counts
	// into the large-trade statistics.
	largeTradeThreshold float64

	// onClose receives the finished candle on bucket rollover. The
	// callback runs synchronously on the engine goroutine.
	onClose func(*model.Candle)

	current *model.Candle
}

// NewAccumulator creates an Accumulator. The classifier supplies aggressor
// decisions and the latest quote; onClose is invoked with the outgoing
// candle whenever a bucket rolls over.
func NewAccumulator(inst model.Instrument, class *ticks.Classifier, largeTradeThreshold float64, onClose func(*model.Candle)) *Accumulator {
	return &Accumulator{
		inst:                inst,
		conv:                ticks.NewConverter(inst.TickSize, inst.TickDecimals),
		class:               class,
		largeTradeThreshold: largeTradeThreshold,
		onClose:             onClose,
	}
}

// Current returns the open candle, nil when none is open.
func (a *Accumulator) Current() *model.Candle {
	return a.current
}

// Converter exposes the accumulator's tick/price converter.
func (a *Accumulator) Converter() ticks.Converter {
	return a.conv
}

// OnTrade applies one trade to the candle state. It computes the trade's
// bucket from its event time, opens or rolls the candle as needed, and
// updates OHLC, volume, delta, the per-tick profile and the running
// statistics.
//
// A trade whose bucket is older than the open candle is dropped: late ticks
// cannot reopen a closed profile without risking double-counted volume
// after finalization.
func (a *Accumulator) OnTrade(price, vol float64, tradeType int, eventTimeMS int64) Outcome {
	if price <= 0 || vol <= 0 {
		return TradeInvalid
	}

	pt := ticks.ToIndex(price, a.inst.TickSize)
	bucket := (eventTimeMS / a.inst.BarMillis()) * a.inst.BarMillis()

	if a.current != nil {
		switch {
		case bucket > a.current.Time:
			// Rollover: hand the finished candle off before opening the
			// new bucket.
			a.onClose(a.current)
			a.open(bucket, pt)
		case bucket < a.current.Time:
			a.current.Quality.LateTrades++
			log.Warn().
				Str("component", "accumulator").
				Time("bucket", time.UnixMilli(bucket).UTC()).
				Msg("dropping late trade")
			return TradeLate
		}
	}

	if a.current == nil {
		a.open(bucket, pt)
	}

	a.update(a.current, pt, vol, tradeType, eventTimeMS)
	return TradeAccepted
}

// OnQuote feeds a quote update into the running spread/mid statistics of
// the open candle. Quote state itself lives on the classifier; this method
// only touches per-bar statistics, so it is a no-op when no candle is open
// or either side is missing.
func (a *Accumulator) OnQuote(bid, ask float64) {
	if a.current == nil || bid <= 0 || ask <= 0 {
		return
	}

	qs := &a.current.QuoteStats
	spread := ask - bid
	mid := (bid + ask) / 2

	qs.Updates++
	qs.SpreadSum += spread
	if spread < qs.SpreadMin {
		qs.SpreadMin = spread
	}
	if spread > qs.SpreadMax {
		qs.SpreadMax = spread
	}
	qs.MidLast = mid
	if qs.MidFirst == 0 {
		qs.MidFirst = mid
	}
}

// CloseExpired force-closes the open candle when wall-clock time has passed
// its bucket boundary, so candles close on schedule even during silent
// periods. Returns true when a candle was handed to onClose.
func (a *Accumulator) CloseExpired(nowMS int64) bool {
	if a.current == nil || a.current.Flushed {
		return false
	}
	if nowMS < a.current.EndMillis() {
		return false
	}
	c := a.current
	a.current = nil
	a.onClose(c)
	return true
}

// open starts a candle for the bucket, seeding the first-quote midpoint
// from the latest known quote if one exists.
func (a *Accumulator) open(bucketMS int64, pt int64) {
	c := model.NewCandle(a.inst, bucketMS, pt, a.conv.Price(pt))
	if mid := a.class.Mid(); mid > 0 {
		c.QuoteStats.MidFirst = mid
	}
	a.current = c
}

// update applies a same-bucket trade to the open candle.
func (a *Accumulator) update(c *model.Candle, pt int64, vol float64, tradeType int, tradeTS int64) {
	// OHLC is tick-aligned from the index, not the raw vendor price.
	if pt > c.OHLCPt.H {
		c.OHLCPt.H = pt
		c.OHLC.H = a.conv.Price(pt)
	}
	if pt < c.OHLCPt.L {
		c.OHLCPt.L = pt
		c.OHLC.L = a.conv.Price(pt)
	}
	c.OHLCPt.C = pt
	c.OHLC.C = a.conv.Price(pt)

	c.Vol += vol

	ts := &c.TradeStats
	ts.Count++
	ts.SizeSum += vol
	if vol > ts.SizeMax {
		ts.SizeMax = vol
	}
	if vol >= a.largeTradeThreshold {
		ts.LargeTrades++
		ts.LargeVol += vol
	}

	ss := &c.SpeedStats
	if ss.FirstTradeTS == 0 {
		ss.FirstTradeTS = tradeTS
	} else if gap := float64(tradeTS - ss.LastTradeTS); gap > 0 {
		if gap < ss.MinGapMS {
			ss.MinGapMS = gap
		}
		if gap > ss.MaxGapMS {
			ss.MaxGapMS = gap
		}
	}
	ss.LastTradeTS = tradeTS

	isBuy, mode := a.class.Classify(pt, tradeType)
	switch mode {
	case ticks.ModeQuote:
		c.AggrModes.Quote++
	case ticks.ModeType:
		c.AggrModes.Type++
	default:
		c.AggrModes.Fallback++
	}

	if isBuy {
		c.Delta += vol
		c.TotalAsk += vol
		ts.BuyCount++
	} else {
		c.Delta -= vol
		c.TotalBid += vol
		ts.SellCount++
	}

	bucket := c.Profile[pt]
	if bucket == nil {
		bucket = &model.ProfileBucket{}
		c.Profile[pt] = bucket
	}
	if isBuy {
		bucket.Ask += vol
	} else {
		bucket.Bid += vol
	}
}
