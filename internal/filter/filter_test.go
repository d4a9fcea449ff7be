package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"perpbot/internal/cache"
	"perpbot/internal/model"
)

func TestSectorOfKnownAndUnknown(t *testing.T) {
	assert.Equal(t, SectorL1, SectorOf("BTCUSDT"))
	assert.Equal(t, SectorMeme, SectorOf("DOGEUSDT"))
	assert.Equal(t, SectorOther, SectorOf("UNKNOWNUSDT"))
}

func TestDailyReturns(t *testing.T) {
	returns := DailyReturns([]float64{100, 110, 99})
	assert.Len(t, returns, 2)
	assert.InDelta(t, 0.10, returns[0], 1e-9)
}

func TestCorrelationFilterRejectsHighlyCorrelatedPair(t *testing.T) {
	f := NewCorrelationFilter(cache.New())
	btcReturns := []float64{0.01, 0.02, -0.01, 0.03, -0.02, 0.01, 0.02}
	ethReturns := []float64{0.011, 0.019, -0.009, 0.031, -0.021, 0.011, 0.021} // near-identical

	candidates := []Candidate{
		{Signal: model.Signal{Symbol: "ETHUSDT"}, DailyReturns: ethReturns},
	}
	openReturns := map[string][]float64{"BTCUSDT": btcReturns}

	out := f.Apply(candidates, nil, openReturns, 0.5, 2)
	assert.Empty(t, out)
}

func TestCorrelationFilterAcceptsUncorrelatedPair(t *testing.T) {
	f := NewCorrelationFilter(cache.New())
	a := []float64{0.01, 0.02, -0.01, 0.03, -0.02, 0.01, 0.02}
	b := []float64{-0.02, 0.01, 0.015, -0.03, 0.02, -0.01, -0.015}

	candidates := []Candidate{
		{Signal: model.Signal{Symbol: "SOLUSDT"}, DailyReturns: b},
	}
	openReturns := map[string][]float64{"BTCUSDT": a}

	out := f.Apply(candidates, nil, openReturns, 0.5, 2)
	assert.Len(t, out, 1)
}

func TestCorrelationFilterEnforcesSectorCap(t *testing.T) {
	f := NewCorrelationFilter(cache.New())
	candidates := []Candidate{
		{Signal: model.Signal{Symbol: "DOGEUSDT"}, DailyReturns: []float64{0.01, 0.02}},
	}
	open := []model.OpenExchangePosition{{Symbol: "SHIBUSDT"}, {Symbol: "PEPEUSDT"}}
	out := f.Apply(candidates, open, nil, 0.9, 2)
	assert.Empty(t, out)
}

func klinesWithCloses(closes []float64) []model.Kline {
	out := make([]model.Kline, len(closes))
	for i, c := range closes {
		out[i] = model.Kline{Close: c, Volume: 100}
	}
	return out
}

func TestClassifyUptrend(t *testing.T) {
	k1h := klinesWithCloses([]float64{100, 101})
	k4h := klinesWithCloses([]float64{95, 100})
	snap := Classify(k1h, k4h)
	assert.Equal(t, RegimeUptrend, snap.Regime)
	assert.True(t, snap.Allows(model.Long))
	assert.False(t, snap.Allows(model.Short))
}

func TestClassifyRangeAllowsBoth(t *testing.T) {
	k1h := klinesWithCloses([]float64{100, 100.1})
	k4h := klinesWithCloses([]float64{100, 100.2})
	snap := Classify(k1h, k4h)
	assert.Equal(t, RegimeRange, snap.Regime)
	assert.True(t, snap.Allows(model.Long))
	assert.True(t, snap.Allows(model.Short))
}
