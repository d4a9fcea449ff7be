package signal

import (
	"github.com/markcheno/go-talib"

	"perpbot/internal/model"
)

// Divergence classifies an RSI/price divergence over the trailing window.
type Divergence string

const (
	DivergenceNone           Divergence = ""
	DivergenceRegularBull    Divergence = "REGULAR_BULLISH"
	DivergenceHiddenBull     Divergence = "HIDDEN_BULLISH"
	DivergenceRegularBear    Divergence = "REGULAR_BEARISH"
	DivergenceHiddenBear     Divergence = "HIDDEN_BEARISH"
)

// DetectDivergence compares price and RSI extrema over the trailing
// 14-bar window: regular divergence is price making a new extreme while
// RSI does not (reversal warning); hidden divergence is the opposite
// (trend continuation).
func DetectDivergence(klines []model.Kline, window int) Divergence {
	n := len(klines)
	if n < window+1 {
		return DivergenceNone
	}
	closes := make([]float64, n)
	for i, k := range klines {
		closes[i] = k.Close
	}
	rsiSeries := talib.Rsi(closes, 14)
	if len(rsiSeries) < window {
		return DivergenceNone
	}

	start := n - window
	priceLow, priceLowIdx := closes[start], start
	priceHigh, priceHighIdx := closes[start], start
	for i := start; i < n; i++ {
		if closes[i] < priceLow {
			priceLow, priceLowIdx = closes[i], i
		}
		if closes[i] > priceHigh {
			priceHigh, priceHighIdx = closes[i], i
		}
	}

	rsiAt := func(i int) float64 {
		if i < len(rsiSeries) {
			return rsiSeries[i]
		}
		return rsiSeries[len(rsiSeries)-1]
	}

	last := n - 1
	lastRSI := rsiAt(last)

	// Price made a new low late in the window (near the last bar) while
	// RSI's value there is higher than at the prior low -> regular bullish.
	if priceLowIdx >= n-3 && priceLowIdx != start {
		if lastRSI > rsiAt(start) {
			return DivergenceRegularBull
		}
	}
	if priceHighIdx >= n-3 && priceHighIdx != start {
		if lastRSI < rsiAt(start) {
			return DivergenceRegularBear
		}
	}
	// Hidden divergence: price makes a higher low (uptrend continuation)
	// while RSI makes a lower low, or a lower high while RSI makes a
	// higher high.
	if closes[last] > closes[start] && lastRSI < rsiAt(start) && priceLowIdx == start {
		return DivergenceHiddenBull
	}
	if closes[last] < closes[start] && lastRSI > rsiAt(start) && priceHighIdx == start {
		return DivergenceHiddenBear
	}
	return DivergenceNone
}
