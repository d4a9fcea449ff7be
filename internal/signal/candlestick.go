package signal

import "perpbot/internal/model"

// Pattern identifies a recognized single/two-candle reversal shape.
type Pattern string

const (
	PatternNone         Pattern = ""
	PatternHammer       Pattern = "HAMMER"
	PatternShootingStar Pattern = "SHOOTING_STAR"
	PatternEngulfing    Pattern = "ENGULFING"
	PatternDoji         Pattern = "DOJI"
)

// bullish reports whether the pattern is a bullish reversal signal.
func (p Pattern) bullish() bool { return p == PatternHammer || p == PatternEngulfing }

// DetectCandlestick inspects the last two candles for a reversal pattern,
// requiring volume confirmation (current volume >= prior bar's volume).
func DetectCandlestick(klines []model.Kline) (Pattern, bool) {
	n := len(klines)
	if n < 2 {
		return PatternNone, false
	}
	cur, prev := klines[n-1], klines[n-2]
	volumeConfirmed := cur.Volume >= prev.Volume

	body := cur.Close - cur.Open
	absBody := abs(body)
	fullRange := cur.High - cur.Low
	if fullRange == 0 {
		return PatternNone, false
	}
	upperWick := cur.High - maxf(cur.Open, cur.Close)
	lowerWick := minf(cur.Open, cur.Close) - cur.Low

	if absBody/fullRange < 0.1 {
		return PatternDoji, volumeConfirmed
	}
	if lowerWick > absBody*2 && upperWick < absBody*0.5 {
		return PatternHammer, volumeConfirmed
	}
	if upperWick > absBody*2 && lowerWick < absBody*0.5 {
		return PatternShootingStar, volumeConfirmed
	}

	prevBody := prev.Close - prev.Open
	if body > 0 && prevBody < 0 && cur.Close > prev.Open && cur.Open < prev.Close {
		return PatternEngulfing, volumeConfirmed
	}
	if body < 0 && prevBody > 0 && cur.Open > prev.Close && cur.Close < prev.Open {
		return PatternEngulfing, volumeConfirmed
	}

	return PatternNone, false
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
