// Package signal converts scanner output into scored trade signals. The
// scoring pipeline in Generate mirrors the fourteen-step algorithm: volume
// filter, RSI-driven direction selection, ADX/VWAP/divergence/momentum/
// MACD/Bollinger/candlestick scoring, the derivatives gate, the ATR-based
// stop/target ladder, and leverage derivation.
package signal

import (
	"time"

	"perpbot/internal/config"
	"perpbot/internal/filter"
	"perpbot/internal/indicators"
	"perpbot/internal/ml"
	"perpbot/internal/model"
	"perpbot/internal/risk"
)

// Derivatives bundles the funding/OI/taker-ratio snapshot the derivatives
// gate needs; nil when ENABLE_FUNDING_AWARE is off or data is unavailable.
type Derivatives struct {
	FundingRate      float64
	MinutesToFunding float64
	OIChangePct      float64
	TakerRatio       float64
}

// Input bundles a single scanner item with the context the generator needs
// to score it.
type Input struct {
	Symbol      string
	Klines1h    []model.Kline
	Klines4h    []model.Kline
	Regime      filter.Snapshot
	Derivatives *Derivatives
}

// Generator produces scored signals from scanner items.
type Generator struct {
	predictor ml.PredictorInterface
}

func New(predictor ml.PredictorInterface) *Generator {
	return &Generator{predictor: predictor}
}

// Generate scores one symbol, returning a signal or a human-readable
// rejection reason. Never returns a signal scoring below settings.ProdMinScore.
func (g *Generator) Generate(in Input, settings *config.Settings) (*model.Signal, string) {
	k1h := in.Klines1h
	if len(k1h) < 210 {
		return nil, "insufficient 1h history"
	}

	volRatio := risk.VolumeRatio(k1h)
	if volRatio < settings.ProdVolumeThreshold {
		return nil, "volume below threshold"
	}

	rsi, ok := indicators.RSI(k1h, 14)
	if !ok {
		return nil, "rsi unavailable"
	}

	var direction model.Direction
	extreme := false
	switch {
	case rsi < settings.ProdRSIOversold:
		direction = model.Long
		extreme = rsi < 20
	case rsi > settings.ProdRSIOverbought:
		direction = model.Short
		extreme = rsi > 80
	default:
		return nil, "rsi not in actionable range"
	}

	ema200, _ := indicators.EMA(k1h, 200)
	ema50, _ := indicators.EMA(k1h, 50)
	lastClose := k1h[len(k1h)-1].Close
	if ema200 > 0 {
		distFromEMA200 := (lastClose - ema200) / ema200
		if direction == model.Long && distFromEMA200 < -0.05 {
			extreme = true
		}
		if direction == model.Short && distFromEMA200 > 0.05 {
			extreme = true
		}
	}

	score := 0

	if settings.EnableADXFilter {
		adx, ok := indicators.ADX(k1h, 14)
		if ok && adx < settings.ADXMinTrendStrength {
			return nil, "adx below trend-strength floor"
		}
	}

	vwap := barVWAP(k1h, 20)
	if vwap > 0 {
		distPct := (lastClose - vwap) / vwap * 100
		if direction == model.Long && distPct < -1 {
			score += 10
		}
		if direction == model.Short && distPct > 1 {
			score += 10
		}
	}

	div := DetectDivergence(k1h, 14)
	isReversal := false
	switch {
	case direction == model.Long && div == DivergenceRegularBull:
		score += 20
		isReversal = true
	case direction == model.Long && div == DivergenceHiddenBull:
		score += 15
	case direction == model.Short && div == DivergenceRegularBear:
		score += 20
		isReversal = true
	case direction == model.Short && div == DivergenceHiddenBear:
		score += 15
	}
	if extreme {
		isReversal = true
	}

	if settings.RequireTrendConfirmation {
		trendUp := in.Regime.Change4hPct > 0
		confirmed := (direction == model.Long && trendUp) || (direction == model.Short && !trendUp)
		if !confirmed {
			if !isReversal {
				return nil, "4h trend not confirmed"
			}
			score -= 5
		}
	}

	momentumPct := lastNCandleChangePct(k1h, 3)
	agrees := (direction == model.Long && momentumPct >= settings.MinMomentumThresholdPct) ||
		(direction == model.Short && momentumPct <= -settings.MinMomentumThresholdPct)
	if !agrees {
		return nil, "momentum disagrees with direction"
	}
	if abs(momentumPct) >= settings.MinMomentumThresholdPct*2 {
		score += 10
	} else {
		score += 5
	}

	macd, ok := indicators.MACDValues(k1h, 12, 26, 9)
	if ok {
		aligned := (direction == model.Long && macd.Histogram > 0) || (direction == model.Short && macd.Histogram < 0)
		if aligned {
			if abs(macd.Histogram) > abs(macd.Value)*0.5 {
				score += 15
			} else {
				score += 8
			}
		}
	}

	bbPos, ok := indicators.BollingerPosition(k1h, 20, 2)
	if ok {
		if direction == model.Long && bbPos < 0.1 {
			score += 15
		} else if direction == model.Long && bbPos < 0.2 {
			score += 10
		}
		if direction == model.Short && bbPos > 0.9 {
			score += 15
		} else if direction == model.Short && bbPos > 0.8 {
			score += 10
		}
	}

	pattern, volConfirmed := DetectCandlestick(k1h)
	if pattern != PatternNone && volConfirmed {
		patternAligned := (direction == model.Long && pattern.bullish()) || (direction == model.Short && !pattern.bullish() && pattern != PatternDoji)
		if patternAligned {
			score += 12
		}
	}

	if settings.EnableFundingAware && in.Derivatives != nil {
		d := in.Derivatives
		adverse := (direction == model.Long && d.FundingRate > settings.FundingAdverseThreshold) ||
			(direction == model.Short && d.FundingRate < -settings.FundingAdverseThreshold)
		if adverse && d.MinutesToFunding <= float64(settings.FundingBlockWindowMinutes) {
			return nil, "blocked by adverse funding window"
		}
		if abs(d.OIChangePct) >= settings.OIChangeMinAbs {
			if (direction == model.Long && d.OIChangePct > 0) || (direction == model.Short && d.OIChangePct < 0) {
				score += 5
			} else {
				score -= 5
			}
		}
		if direction == model.Long && d.TakerRatio >= settings.TakerRatioLongMin {
			score += 5
		}
		if direction == model.Short && d.TakerRatio <= settings.TakerRatioShortMax {
			score += 5
		}
	}

	atrAbs := risk.ATR(k1h)
	atrPct := 0.0
	if lastClose > 0 {
		atrPct = atrAbs / lastClose * 100
	}

	entry := lastClose
	sl := chandelierStop(entry, atrAbs, direction, settings)

	momentumStrong := abs(momentumPct) >= settings.MinMomentumThresholdPct*3
	tp1, tp2, tp3 := targetLadder(entry, atrAbs, direction, momentumStrong)

	slDist := abs(entry - sl)
	tp1Dist := abs(tp1 - entry)
	rr := 0.0
	if slDist > 0 {
		rr = tp1Dist / slDist
	}

	trending := isTrending(ema50, ema200)
	rrFloor := settings.RRMinRange
	if trending {
		rrFloor = settings.RRMinTrend
	}
	if rr < rrFloor {
		return nil, "risk:reward below regime floor"
	}

	leverage, ok := deriveLeverage(rr, volRatio, rsi, extreme)
	if !ok {
		return nil, "setup fails leverage gate"
	}

	if score > 100 {
		score = 100
	}
	if score < settings.ProdMinScore {
		return nil, "score below minimum"
	}

	sig := &model.Signal{
		Symbol:      in.Symbol,
		Direction:   direction,
		EntryPrice:  entry,
		StopLoss:    sl,
		TakeProfit1: tp1,
		TakeProfit2: tp2,
		TakeProfit3: tp3,
		Leverage:    leverage,
		Score:       score,
		CreatedAt:   time.Now(),
		Enrichment: model.SignalEnrichment{
			RSI:         rsi,
			VolumeRatio: volRatio,
			ATR:         atrAbs,
			RR:          rr,
			IsReversal:  isReversal,
		},
	}
	if in.Derivatives != nil {
		sig.Enrichment.FundingRate = in.Derivatives.FundingRate
		sig.Enrichment.MinutesToFunding = in.Derivatives.MinutesToFunding
		sig.Enrichment.OIChangePct = in.Derivatives.OIChangePct
		sig.Enrichment.TakerRatio = in.Derivatives.TakerRatio
	}
	_ = atrPct

	if g.predictor != nil {
		features := mlFeatures(rsi, volRatio, atrPct, rr, float64(score))
		if !g.predictor.Approve(features, 0.5) {
			return nil, "ml predictor rejected"
		}
		if pred, err := g.predictor.Predict(features); err == nil && len(pred) > 0 {
			blended := float64(sig.Score)*0.7 + float64(pred[0])*30
			sig.Enrichment.MarketSentimentScore = float64(pred[0])
			if blended < float64(settings.ProdMinScore) {
				return nil, "ml-blended score below minimum"
			}
			sig.Score = int(min(100, blended))
		}
	}

	return sig, ""
}

func barVWAP(klines []model.Kline, window int) float64 {
	n := len(klines)
	start := n - window
	if start < 0 {
		start = 0
	}
	var pv, vv float64
	for i := start; i < n; i++ {
		k := klines[i]
		typical := (k.High + k.Low + k.Close) / 3
		pv += typical * k.Volume
		vv += k.Volume
	}
	if vv == 0 {
		return 0
	}
	return pv / vv
}

func lastNCandleChangePct(klines []model.Kline, n int) float64 {
	l := len(klines)
	if l < n+1 {
		return 0
	}
	prev := klines[l-1-n].Close
	if prev == 0 {
		return 0
	}
	return (klines[l-1].Close - prev) / prev * 100
}

func chandelierStop(entry, atr float64, direction model.Direction, settings *config.Settings) float64 {
	dist := atr * 2.0
	minDist := entry * 0.01
	maxDist := entry * 0.15
	if dist < minDist {
		dist = minDist
	}
	if dist > maxDist {
		dist = maxDist
	}
	if direction == model.Long {
		return entry - dist
	}
	return entry + dist
}

func targetLadder(entry, atr float64, direction model.Direction, strong bool) (tp1, tp2, tp3 float64) {
	sign := 1.0
	if direction == model.Short {
		sign = -1.0
	}
	if strong {
		return entryFib(entry, atr, sign, 1.618), entryFib(entry, atr, sign, 2.618), entryFib(entry, atr, sign, 4.236)
	}
	return entry + sign*atr*4, entry + sign*atr*6, entry + sign*atr*8
}

func entryFib(entry, atr, sign, mult float64) float64 {
	return entry + sign*atr*mult
}

func isTrending(ema50, ema200 float64) bool {
	if ema200 == 0 {
		return false
	}
	slope := (ema50 - ema200) / ema200
	return abs(slope) > 0.01
}

// deriveLeverage implements §4.5 step 13: start at 5, reject if R:R<1.5 or
// volume<0.8, then add by volume/R:R/RSI-extremity tiers, clamp [3,20].
func deriveLeverage(rr, volRatio, rsi float64, extreme bool) (int, bool) {
	if rr < 1.5 || volRatio < 0.8 {
		return 0, false
	}
	lev := 5
	switch {
	case volRatio >= 3:
		lev += 6
	case volRatio >= 2:
		lev += 4
	case volRatio >= 1.5:
		lev += 2
	}
	switch {
	case rr >= 3:
		lev += 5
	case rr >= 2.5:
		lev += 3
	case rr >= 2:
		lev += 1
	}
	if extreme {
		if rsi < 15 || rsi > 85 {
			lev += 2
		} else {
			lev += 1
		}
	}
	if lev < 3 {
		lev = 3
	}
	if lev > 20 {
		lev = 20
	}
	return lev, true
}

func mlFeatures(rsi, volRatio, atrPct, rr, score float64) []float32 {
	return []float32{float32(rsi) / 100, float32(volRatio), float32(atrPct), float32(rr), float32(score) / 100}
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
