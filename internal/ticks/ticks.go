// Package ticks converts raw prices to integer tick indices and classifies
// the aggressor side of trades.
//
// All price comparisons in the aggregation pipeline happen on integer tick
// indices rather than floating-point prices. Conversion hardens against
// binary float boundary jitter with a small epsilon, and quantizes quoted
// prices with a directional bias (bid floored, ask ceiled) so the spread
// used for classification is never narrower than reality.
package ticks

import (
	"math"

	"github.com/shopspring/decimal"
)

// epsilon removes binary float jitter at tick boundaries (e.g. a price of
// 100.25 with tick 0.25 computing as 400.9999...).
const epsilon = 1e-9

// ToIndex converts a trade price to its integer tick index.
func ToIndex(price, tick float64) int64 {
	return int64(math.Round(price/tick + epsilon))
}

// BidIndex converts a bid price to a tick index, flooring so the buy
// boundary stays conservative.
func BidIndex(bid, tick float64) int64 {
	return int64(math.Floor(bid/tick + epsilon))
}

// AskIndex converts an ask price to a tick index, ceiling so the sell
// boundary stays conservative.
func AskIndex(ask, tick float64) int64 {
	return int64(math.Ceil(ask/tick - epsilon))
}

// Converter maps integer tick indices back to display prices rounded to the
// instrument's tick precision. Conversion runs through decimal so the
// rounding is exact rather than float-formatted.
type Converter struct {
	tick     decimal.Decimal
	decimals int32
}

// NewConverter builds a Converter for the given tick size and decimal
// precision.
func NewConverter(tickSize float64, decimals int32) Converter {
	return Converter{
		tick:     decimal.NewFromFloat(tickSize),
		decimals: decimals,
	}
}

// Price returns the display price for a tick index.
func (c Converter) Price(pt int64) float64 {
	p, _ := decimal.NewFromInt(pt).Mul(c.tick).Round(c.decimals).Float64()
	return p
}

// Mode identifies which rule resolved an aggressor classification.
type Mode int

const (
	// ModeQuote means the trade printed at or through a live quoted side.
	ModeQuote Mode = iota

	// ModeType means the trade printed strictly inside a live spread and
	// the venue-supplied type flag decided the side.
	ModeType

	// ModeFallback means no valid quote existed and the type flag decided
	// the side unconditionally.
	ModeFallback
)

// Classifier holds the latest best bid/ask in raw and tick-quantized form
// and decides the aggressor side of each trade. It carries no per-bar
// state; classification counters live on the open candle.
type Classifier struct {
	tick float64

	bestBid float64
	bestAsk float64
	bidPt   int64
	askPt   int64
}

// NewClassifier creates a Classifier for the given tick size with no quote
// known yet.
func NewClassifier(tickSize float64) *Classifier {
	return &Classifier{tick: tickSize}
}

// SetQuote records a new best bid/ask. Either side may be absent (zero) and
// leaves the previous value untouched, matching latest-value-wins quote
// semantics.
func (cl *Classifier) SetQuote(bid, ask float64) {
	if bid > 0 {
		cl.bestBid = bid
		cl.bidPt = BidIndex(bid, cl.tick)
	}
	if ask > 0 {
		cl.bestAsk = ask
		cl.askPt = AskIndex(ask, cl.tick)
	}
}

// HasQuote reports whether both sides of a quote are known.
func (cl *Classifier) HasQuote() bool {
	return cl.bidPt > 0 && cl.askPt > 0
}

// BestBid returns the latest raw best bid, zero if none seen.
func (cl *Classifier) BestBid() float64 { return cl.bestBid }

// BestAsk returns the latest raw best ask, zero if none seen.
func (cl *Classifier) BestAsk() float64 { return cl.bestAsk }

// Mid returns the quote midpoint, zero when no full quote is known.
func (cl *Classifier) Mid() float64 {
	if cl.bestBid <= 0 || cl.bestAsk <= 0 {
		return 0
	}
	return (cl.bestBid + cl.bestAsk) / 2
}

// Classify decides whether the trade at tick index pt was buyer-initiated.
// Priority order: a trade at or above the quoted ask is a buy and at or
// below the quoted bid a sell; inside the spread the venue type flag
// decides (0 = buy, 1 = sell); without a valid quote the flag decides
// unconditionally.
func (cl *Classifier) Classify(pt int64, tradeType int) (isBuy bool, mode Mode) {
	if cl.HasQuote() {
		switch {
		case pt >= cl.askPt:
			return true, ModeQuote
		case pt <= cl.bidPt:
			return false, ModeQuote
		default:
			return tradeType == 0, ModeType
		}
	}
	return tradeType == 0, ModeFallback
}
