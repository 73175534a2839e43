package candle

import (
	"math"
	"sort"

	"github.com/rs/zerolog/log"

	"footprint/internal/model"
	"footprint/internal/ticks"
)

// derivedGen stamps finalized records with the generation of the derivation
// logic that produced them.
const derivedGen = "v4.2"

// valueAreaMethod documents how the value area is computed: levels sorted
// by volume descending, accumulated until 70% of bar volume is covered.
const valueAreaMethod = "top_levels_70pct"

// invariantTolerance absorbs float summation noise when checking volume
// conservation over the ladder.
const invariantTolerance = 1e-6

// Finalize closes a candle: it materializes the dense high-to-low price
// ladder from the sparse profile, derives POC, value area and VWAP,
// finishes the running statistics, and validates the conservation
// invariants. The profile map is discarded afterwards.
//
// Finalize is idempotent: a candle that has already been flushed is left
// untouched and false is returned. An invariant violation is logged as a
// data-integrity warning but never blocks emission; the record keeps the
// observed values.
func Finalize(c *model.Candle, conv ticks.Converter) bool {
	if c.Flushed {
		return false
	}
	c.Flushed = true

	buildLadder(c, conv)
	deriveValueArea(c, conv)
	finishStats(c)
	checkInvariants(c)

	// The sparse profile is working state only; the ladder replaces it.
	c.Profile = nil

	return true
}

// buildLadder turns the sparse profile into a contiguous ladder from the
// highest to the lowest touched tick, filling untouched interior ticks with
// zero volume, and locates the point of control. Volume ties resolve to the
// first level scanned, i.e. the higher price.
func buildLadder(c *model.Candle, conv ticks.Converter) {
	if len(c.Profile) == 0 {
		c.Levels = []model.Level{}
		return
	}

	keys := make([]int64, 0, len(c.Profile))
	for pt := range c.Profile {
		keys = append(keys, pt)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	lo, hi := keys[0], keys[len(keys)-1]
	levels := make([]model.Level, 0, hi-lo+1)

	maxVol := -1.0
	var pocPt int64

	for pt := hi; pt >= lo; pt-- {
		var bid, ask float64
		if b := c.Profile[pt]; b != nil {
			bid, ask = b.Bid, b.Ask
		}
		if total := bid + ask; total > maxVol {
			maxVol = total
			pocPt = pt
		}
		levels = append(levels, model.Level{
			Pt: pt,
			P:  conv.Price(pt),
			BV: bid,
			AV: ask,
		})
	}

	c.Levels = levels
	c.PocPt = pocPt
	c.Poc = conv.Price(pocPt)
}

// deriveValueArea computes VWAP over the full ladder and the value area:
// levels sorted by volume descending are accumulated until the target
// fraction of bar volume is reached; the area bounds are seeded at the POC.
func deriveValueArea(c *model.Candle, conv ticks.Converter) {
	var vwapNum, vwapDenom float64
	for _, lv := range c.Levels {
		lvVol := lv.BV + lv.AV
		vwapNum += lv.P * lvVol
		vwapDenom += lvVol
	}

	byVol := make([]model.Level, len(c.Levels))
	copy(byVol, c.Levels)
	sort.SliceStable(byVol, func(i, j int) bool {
		return byVol[i].BV+byVol[i].AV > byVol[j].BV+byVol[j].AV
	})

	target := c.Vol * model.ValueAreaFraction
	vahPt, valPt := c.PocPt, c.PocPt
	var vaVol float64
	for _, lv := range byVol {
		if vaVol >= target {
			break
		}
		vaVol += lv.BV + lv.AV
		if lv.Pt > vahPt {
			vahPt = lv.Pt
		}
		if lv.Pt < valPt {
			valPt = lv.Pt
		}
	}

	var vwap float64
	if vwapDenom > 0 {
		vwap = vwapNum / vwapDenom
	}

	c.Derived = &model.Derived{
		Gen:      derivedGen,
		VAMethod: valueAreaMethod,
		VWAP:     vwap,
		VAHPt:    vahPt,
		VALPt:    valPt,
		VAH:      conv.Price(vahPt),
		VAL:      conv.Price(valPt),
		VAVol:    vaVol,
	}
}

// finishStats derives the per-candle averages from the running sums and
// replaces untouched min sentinels with zero for serialization.
func finishStats(c *model.Candle) {
	if c.TradeStats.Count > 0 {
		c.TradeStats.SizeAvg = c.TradeStats.SizeSum / float64(c.TradeStats.Count)
	}

	if c.QuoteStats.Updates > 0 {
		c.QuoteStats.SpreadAvg = c.QuoteStats.SpreadSum / float64(c.QuoteStats.Updates)
	}
	if math.IsInf(c.QuoteStats.SpreadMin, 1) {
		c.QuoteStats.SpreadMin = 0
	}

	ss := &c.SpeedStats
	if ss.FirstTradeTS > 0 && ss.LastTradeTS > ss.FirstTradeTS {
		durationSec := float64(ss.LastTradeTS-ss.FirstTradeTS) / 1000
		if durationSec > 0 {
			ss.TradesPerSecAvg = float64(c.TradeStats.Count) / durationSec
		}
	}
	if math.IsInf(ss.MinGapMS, 1) {
		ss.MinGapMS = 0
	}

	totalClassified := c.AggrModes.Quote + c.AggrModes.Type + c.AggrModes.Fallback
	if totalClassified > 0 {
		c.Quality.AggrConf = float64(c.AggrModes.Quote) / float64(totalClassified)
	}
}

// checkInvariants verifies volume conservation over the ladder: total
// volume must equal the bid+ask sum and delta the ask-bid difference.
// Mismatches are expected only in bars that dropped late trades; they are
// logged, never repaired.
func checkInvariants(c *model.Candle) {
	var sumBid, sumAsk float64
	for _, lv := range c.Levels {
		sumBid += lv.BV
		sumAsk += lv.AV
	}

	if math.Abs(c.Vol-(sumBid+sumAsk)) > invariantTolerance {
		log.Warn().
			Str("component", "finalizer").
			Str("t0", c.T0).
			Float64("vol", c.Vol).
			Float64("ladder_vol", sumBid+sumAsk).
			Msg("volume invariant mismatch")
	}
	if math.Abs(c.Delta-(sumAsk-sumBid)) > invariantTolerance {
		log.Warn().
			Str("component", "finalizer").
			Str("t0", c.T0).
			Float64("delta", c.Delta).
			Float64("ladder_delta", sumAsk-sumBid).
			Msg("delta invariant mismatch")
	}
}
