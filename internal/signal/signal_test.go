package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"perpbot/internal/config"
	"perpbot/internal/model"
)

func flatKlines(n int, price, volume float64) []model.Kline {
	out := make([]model.Kline, n)
	for i := 0; i < n; i++ {
		out[i] = model.Kline{
			OpenTime: time.Unix(int64(i)*3600, 0),
			Open:     price,
			High:     price * 1.001,
			Low:      price * 0.999,
			Close:    price,
			Volume:   volume,
		}
	}
	return out
}

func testSettings() *config.Settings {
	return &config.Settings{
		ProdMinScore:             65,
		ProdVolumeThreshold:      1.2,
		ProdRSIOversold:          30,
		ProdRSIOverbought:        70,
		RequireTrendConfirmation: true,
		MinMomentumThresholdPct:  0.15,
		RRMinTrend:               1.5,
		RRMinRange:               1.2,
		EnableADXFilter:          true,
		ADXMinTrendStrength:      20,
		EnableFundingAware:       false,
	}
}

func TestGenerateRejectsInsufficientHistory(t *testing.T) {
	g := New(nil)
	in := Input{Symbol: "BTCUSDT", Klines1h: flatKlines(50, 100, 10)}
	sig, reason := g.Generate(in, testSettings())
	assert.Nil(t, sig)
	assert.Equal(t, "insufficient 1h history", reason)
}

func TestGenerateRejectsLowVolume(t *testing.T) {
	g := New(nil)
	in := Input{Symbol: "BTCUSDT", Klines1h: flatKlines(220, 100, 1)}
	sig, reason := g.Generate(in, testSettings())
	assert.Nil(t, sig)
	assert.Equal(t, "volume below threshold", reason)
}

func oscillatingKlines(n int, base, volume float64) []model.Kline {
	out := make([]model.Kline, n)
	price := base
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			price += 1
		} else {
			price -= 1
		}
		out[i] = model.Kline{
			OpenTime: time.Unix(int64(i)*3600, 0),
			Open:     price,
			High:     price * 1.001,
			Low:      price * 0.999,
			Close:    price,
			Volume:   volume,
		}
	}
	return out
}

func TestGenerateRejectsWhenRSINotActionable(t *testing.T) {
	g := New(nil)
	klines := oscillatingKlines(220, 100, 1000)
	klines[len(klines)-1].Volume = 2000 // volume ratio 2.0 clears the 1.2 filter, so the RSI check is reached
	in := Input{Symbol: "BTCUSDT", Klines1h: klines}
	sig, reason := g.Generate(in, testSettings())
	assert.Nil(t, sig)
	assert.Contains(t, []string{"rsi not in actionable range", "rsi unavailable"}, reason)
}

func TestDeriveLeverageRejectsOnPoorRR(t *testing.T) {
	_, ok := deriveLeverage(1.0, 2.0, 50, false)
	assert.False(t, ok)
}

func TestDeriveLeverageRejectsOnLowVolume(t *testing.T) {
	_, ok := deriveLeverage(2.0, 0.5, 50, false)
	assert.False(t, ok)
}

func TestDeriveLeverageTopTiersStayUnderMax(t *testing.T) {
	// Base 5 + volume >= 3 (+6) + R:R >= 3 (+5) + RSI < 15 extreme (+2) = 18,
	// inside the [3, 20] clamp.
	lev, ok := deriveLeverage(5, 5, 10, true)
	assert.True(t, ok)
	assert.Equal(t, 18, lev)
}

func TestDeriveLeverageBaseTier(t *testing.T) {
	lev, ok := deriveLeverage(1.5, 0.8, 50, false)
	assert.True(t, ok)
	assert.Equal(t, 5, lev)
}

func TestDeriveLeverageClampsToMin(t *testing.T) {
	lev, ok := deriveLeverage(1.5, 0.8, 50, false)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, lev, 3)
}

func TestChandelierStopLong(t *testing.T) {
	settings := testSettings()
	sl := chandelierStop(100, 2, model.Long, settings)
	assert.Less(t, sl, 100.0)
	assert.InDelta(t, 96, sl, 0.01)
}

func TestChandelierStopShort(t *testing.T) {
	settings := testSettings()
	sl := chandelierStop(100, 2, model.Short, settings)
	assert.Greater(t, sl, 100.0)
	assert.InDelta(t, 104, sl, 0.01)
}

func TestChandelierStopClampsToMinDistance(t *testing.T) {
	settings := testSettings()
	sl := chandelierStop(100, 0.01, model.Long, settings)
	assert.InDelta(t, 99, sl, 0.01)
}

func TestChandelierStopClampsToMaxDistance(t *testing.T) {
	settings := testSettings()
	sl := chandelierStop(100, 100, model.Long, settings)
	assert.InDelta(t, 85, sl, 0.01)
}

func TestTargetLadderLongOrdering(t *testing.T) {
	tp1, tp2, tp3 := targetLadder(100, 2, model.Long, false)
	assert.True(t, tp1 < tp2)
	assert.True(t, tp2 < tp3)
	assert.Greater(t, tp1, 100.0)
}

func TestTargetLadderShortOrdering(t *testing.T) {
	tp1, tp2, tp3 := targetLadder(100, 2, model.Short, false)
	assert.True(t, tp1 > tp2)
	assert.True(t, tp2 > tp3)
	assert.Less(t, tp1, 100.0)
}

func TestIsTrendingFalseWhenFlat(t *testing.T) {
	assert.False(t, isTrending(100, 100))
}

func TestIsTrendingTrueWhenEMAsDiverge(t *testing.T) {
	assert.True(t, isTrending(110, 100))
}

func TestBarVWAPWeightsByVolume(t *testing.T) {
	klines := []model.Kline{
		{High: 101, Low: 99, Close: 100, Volume: 1},
		{High: 111, Low: 109, Close: 110, Volume: 100},
	}
	vwap := barVWAP(klines, 2)
	assert.InDelta(t, 110, vwap, 1)
}

func TestLastNCandleChangePct(t *testing.T) {
	klines := []model.Kline{
		{Close: 100}, {Close: 100}, {Close: 100}, {Close: 110},
	}
	pct := lastNCandleChangePct(klines, 3)
	assert.InDelta(t, 10, pct, 1e-9)
}

func TestLastNCandleChangePctInsufficientData(t *testing.T) {
	klines := []model.Kline{{Close: 100}}
	assert.Equal(t, 0.0, lastNCandleChangePct(klines, 3))
}
