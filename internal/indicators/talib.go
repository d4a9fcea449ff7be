package indicators

import (
	"github.com/markcheno/go-talib"

	"perpbot/internal/common"
	"perpbot/internal/model"
)

// Bollinger holds the upper/middle/lower band values of a Bollinger Bands
// calculation.
type Bollinger struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// MACD holds the MACD line, signal line, and histogram.
type MACD struct {
	Value     float64
	Signal    float64
	Histogram float64
}

func closes(klines []model.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Close
	}
	return out
}

func highs(klines []model.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.High
	}
	return out
}

func lows(klines []model.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Low
	}
	return out
}

func lastValid(series []float64) (float64, bool) {
	if len(series) == 0 {
		return 0, false
	}
	v := series[len(series)-1]
	if v != v { // NaN
		return 0, false
	}
	return v, true
}

// EMA returns the last value of an n-period exponential moving average, or
// ok=false if there isn't enough data.
func EMA(klines []model.Kline, period int) (float64, bool) {
	if len(klines) < period {
		return 0, false
	}
	return lastValid(talib.Ema(closes(klines), period))
}

// RSI returns the last value of an n-period relative strength index.
func RSI(klines []model.Kline, period int) (float64, bool) {
	if len(klines) < period+1 {
		return 0, false
	}
	return lastValid(talib.Rsi(closes(klines), period))
}

// MACDValues computes MACD with the given fast/slow/signal periods.
func MACDValues(klines []model.Kline, fast, slow, signal int) (MACD, bool) {
	if len(klines) < slow+signal {
		return MACD{}, false
	}
	macd, macdSignal, macdHist := talib.Macd(closes(klines), fast, slow, signal)
	v, ok := lastValid(macd)
	if !ok {
		return MACD{}, false
	}
	s, _ := lastValid(macdSignal)
	h, _ := lastValid(macdHist)
	return MACD{Value: v, Signal: s, Histogram: h}, true
}

// BollingerBands computes Bollinger Bands over the given period and standard
// deviation multiplier (MAType 0 = SMA, matching the scoring engine's
// convention for the middle band).
func BollingerBands(klines []model.Kline, period int, stdDev float64) (Bollinger, bool) {
	if len(klines) < period {
		return Bollinger{}, false
	}
	upper, middle, lower := talib.BBands(closes(klines), period, stdDev, stdDev, 0)
	u, ok := lastValid(upper)
	if !ok {
		return Bollinger{}, false
	}
	m, _ := lastValid(middle)
	l, _ := lastValid(lower)
	return Bollinger{Upper: u, Middle: m, Lower: l}, true
}

// ADX returns the last value of an n-period average directional index,
// the trend-strength filter used to gate the trend-confirmation requirement.
func ADX(klines []model.Kline, period int) (float64, bool) {
	if len(klines) < period*2 {
		return 0, false
	}
	return lastValid(talib.Adx(highs(klines), lows(klines), closes(klines), period))
}

// BollingerPosition returns where the last close sits within the bands,
// 0.0 at the lower band and 1.0 at the upper band, clamped.
func BollingerPosition(klines []model.Kline, period int, stdDev float64) (float64, bool) {
	bands, ok := BollingerBands(klines, period, stdDev)
	if !ok {
		return 0, false
	}
	width := bands.Upper - bands.Lower
	if width == 0 {
		return 0.5, true
	}
	last := klines[len(klines)-1].Close
	pos := (last - bands.Lower) / width
	return common.Clamp(pos, 0, 1), true
}
