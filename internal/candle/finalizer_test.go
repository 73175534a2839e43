package candle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"footprint/internal/model"
	"footprint/internal/ticks"
)

// buildCandle runs a trade sequence through a fresh accumulator and returns
// the open candle plus the converter needed to finalize it.
func buildCandle(t *testing.T, trades []struct {
	price float64
	vol   float64
	typ   int
}) (*model.Candle, ticks.Converter) {
	t.Helper()

	h := newTestHarness(t)
	for i, tr := range trades {
		outcome := h.acc.OnTrade(tr.price, tr.vol, tr.typ, bucketStart+int64(i)*100)
		require.Equal(t, TradeAccepted, outcome, "Fixture trade %d must be accepted", i)
	}

	c := h.acc.Current()
	require.NotNil(t, c, "Fixture must leave a candle open")
	return c, h.acc.Converter()
}

// Test_Finalize_LadderIsContiguous tests that the ladder spans every tick
// between the traded extremes, high to low, with untraded interior levels
// zero-filled.
func Test_Finalize_LadderIsContiguous(t *testing.T) {
	// Trades at 100.00 and 100.75 leave a two-tick interior gap.
	c, conv := buildCandle(t, []struct {
		price float64
		vol   float64
		typ   int
	}{
		{price: 100.00, vol: 5, typ: 0},
		{price: 100.75, vol: 3, typ: 1},
	})

	require.True(t, Finalize(c, conv))

	require.Len(t, c.Levels, 4, "Ladder must cover 100.75 down to 100.00 inclusive")
	assert.Nil(t, c.Profile, "Sparse profile is discarded after finalization")

	// Descending by price, gap levels zero-filled.
	assert.Equal(t, 100.75, c.Levels[0].P)
	assert.Equal(t, 100.50, c.Levels[1].P)
	assert.Equal(t, 100.25, c.Levels[2].P)
	assert.Equal(t, 100.00, c.Levels[3].P)

	assert.Zero(t, c.Levels[1].BV+c.Levels[1].AV, "Untraded interior level carries zero volume")
	assert.Zero(t, c.Levels[2].BV+c.Levels[2].AV, "Untraded interior level carries zero volume")

	for i := 1; i < len(c.Levels); i++ {
		assert.Equal(t, c.Levels[i-1].Pt-1, c.Levels[i].Pt, "Adjacent rungs must differ by exactly one tick")
	}
}

// Test_Finalize_PointOfControl tests POC selection including the tie rule.
func Test_Finalize_PointOfControl(t *testing.T) {
	tests := []struct {
		name        string
		trades      []struct {
			price float64
			vol   float64
			typ   int
		}
		expectedPoc float64
		description string
	}{
		{
			name: "Distinct maximum",
			trades: []struct {
				price float64
				vol   float64
				typ   int
			}{
				{price: 100.00, vol: 2, typ: 0},
				{price: 100.25, vol: 9, typ: 0},
				{price: 100.50, vol: 1, typ: 1},
			},
			expectedPoc: 100.25,
			description: "POC is the level with the most total volume",
		},
		{
			name: "Volume tie resolves to higher price",
			trades: []struct {
				price float64
				vol   float64
				typ   int
			}{
				{price: 100.00, vol: 5, typ: 0},
				{price: 100.50, vol: 5, typ: 1},
			},
			expectedPoc: 100.50,
			description: "Ties break toward the higher price",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, conv := buildCandle(t, tt.trades)
			require.True(t, Finalize(c, conv))

			assert.Equal(t, tt.expectedPoc, c.Poc, tt.description)
			assert.Equal(t, ticks.ToIndex(tt.expectedPoc, 0.25), c.PocPt)
		})
	}
}

// Test_Finalize_ValueArea tests the 70% value area derivation: levels by
// volume descending, accumulated until the target, bounds seeded at POC.
func Test_Finalize_ValueArea(t *testing.T) {
	// Volume distribution: 100.25 -> 10, 100.50 -> 6, 100.00 -> 4.
	// Target is 0.7 * 20 = 14, reached by the top two levels.
	c, conv := buildCandle(t, []struct {
		price float64
		vol   float64
		typ   int
	}{
		{price: 100.25, vol: 10, typ: 0},
		{price: 100.50, vol: 6, typ: 1},
		{price: 100.00, vol: 4, typ: 1},
	})

	require.True(t, Finalize(c, conv))
	require.NotNil(t, c.Derived)

	d := c.Derived
	assert.Equal(t, "v4.2", d.Gen)
	assert.Equal(t, "top_levels_70pct", d.VAMethod)
	assert.Equal(t, 100.50, d.VAH, "Value area high covers the second-heaviest level")
	assert.Equal(t, 100.25, d.VAL, "Value area low stays at the POC")
	assert.Equal(t, 16.0, d.VAVol, "Accumulation stops after crossing the 14.0 target")

	// VWAP over the full ladder: (100.25*10 + 100.50*6 + 100.00*4) / 20.
	assert.InDelta(t, 100.275, d.VWAP, 1e-9, "VWAP weighs every level by its volume")
}

// Test_Finalize_VolumeInvariants verifies conservation over the ladder for
// a mixed-direction bar.
func Test_Finalize_VolumeInvariants(t *testing.T) {
	c, conv := buildCandle(t, []struct {
		price float64
		vol   float64
		typ   int
	}{
		{price: 100.00, vol: 7, typ: 0},
		{price: 100.25, vol: 2, typ: 1},
		{price: 100.00, vol: 3, typ: 1},
		{price: 100.50, vol: 8, typ: 0},
	})

	require.True(t, Finalize(c, conv))

	var sumBid, sumAsk float64
	for _, lv := range c.Levels {
		sumBid += lv.BV
		sumAsk += lv.AV
	}

	assert.InDelta(t, c.Vol, sumBid+sumAsk, 1e-6, "Ladder volume must equal bar volume")
	assert.InDelta(t, c.Delta, sumAsk-sumBid, 1e-6, "Ladder delta must equal bar delta")
	assert.Equal(t, c.TotalBid, sumBid)
	assert.Equal(t, c.TotalAsk, sumAsk)
}

// Test_Finalize_Idempotent tests that a second finalization is refused and
// leaves the record untouched.
func Test_Finalize_Idempotent(t *testing.T) {
	c, conv := buildCandle(t, []struct {
		price float64
		vol   float64
		typ   int
	}{
		{price: 100.00, vol: 5, typ: 0},
	})

	require.True(t, Finalize(c, conv), "First finalization should run")
	firstLevels := c.Levels

	assert.False(t, Finalize(c, conv), "Second finalization must be refused")
	assert.Equal(t, firstLevels, c.Levels, "Repeat call must not rebuild the ladder")
}

// Test_Finalize_FinishedStats tests derived averages and sentinel zeroing.
func Test_Finalize_FinishedStats(t *testing.T) {
	h := newTestHarness(t)
	h.class.SetQuote(100.00, 100.25)

	h.acc.OnTrade(100.25, 4, 0, bucketStart+0)
	h.acc.OnTrade(100.25, 2, 0, bucketStart+2000) // 3 trades over 2s
	h.acc.OnTrade(100.00, 6, 1, bucketStart+2000)
	h.acc.OnQuote(100.00, 100.25)

	c := h.acc.Current()
	require.True(t, Finalize(c, h.acc.Converter()))

	assert.InDelta(t, 4.0, c.TradeStats.SizeAvg, 1e-9, "Average size is sum over count")
	assert.InDelta(t, 0.25, c.QuoteStats.SpreadAvg, 1e-9)
	assert.InDelta(t, 1.5, c.SpeedStats.TradesPerSecAvg, 1e-9, "3 trades over a 2 second active window")
	assert.Equal(t, 1.0, c.Quality.AggrConf, "Every trade classified against a live quote")
}

// Test_Finalize_EmptyCandleSentinels tests that a candle with a single
// trade and no quotes serializes zeros instead of +Inf sentinels.
func Test_Finalize_EmptyCandleSentinels(t *testing.T) {
	c, conv := buildCandle(t, []struct {
		price float64
		vol   float64
		typ   int
	}{
		{price: 100.00, vol: 1, typ: 0},
	})

	require.True(t, Finalize(c, conv))

	assert.Zero(t, c.QuoteStats.SpreadMin, "Untouched spread min sentinel must serialize as zero")
	assert.Zero(t, c.SpeedStats.MinGapMS, "Untouched gap min sentinel must serialize as zero")
	assert.Zero(t, c.SpeedStats.TradesPerSecAvg, "One trade has no active window")
}
