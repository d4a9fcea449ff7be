// Package risk implements position sizing, dynamic stop-loss distance, and
// trade admissibility. Calculator is stateful only in the rolling
// performance streak; Manager layers hard stops and admission serialization
// on top of it. Formulas are grounded on
// original_source/backend/modules/risk_calculator.py and
// original_source/backend/modules/risk_manager.py, generalized from Python's
// dict-returning functions into typed Go results, per the "strict record
// instead of dict" and "result types instead of exceptions" design notes.
package risk

import (
	"sync"

	"perpbot/internal/common"
	"perpbot/internal/model"
)

// Calculator computes position size and dynamic stop-loss distance from a
// signal and account state. It owns the rolling win/loss streak.
type Calculator struct {
	mu   sync.Mutex
	perf model.PerformanceState
}

func NewCalculator() *Calculator {
	return &Calculator{}
}

// DynamicStopLoss derives the stop-loss distance percentage (as a fraction,
// e.g. 0.10 for 10%) from the current streak, win rate, and ATR%, per §4.2.
func (c *Calculator) DynamicStopLoss(atrPct float64) float64 {
	c.mu.Lock()
	wins, losses, winRate := c.perf.ConsecutiveWins, c.perf.ConsecutiveLosses, c.perf.WinRate()
	c.mu.Unlock()

	sl := 0.10

	switch {
	case wins >= 5:
		sl *= 0.60
	case wins >= 3:
		sl *= 0.75
	}

	switch {
	case losses >= 3:
		sl *= 1.4
	case losses >= 2:
		sl *= 1.2
	}

	switch {
	case winRate > 0.70:
		sl *= 0.85
	case winRate < 0.40:
		sl *= 1.15
	}

	if atrPct > 3 {
		sl *= min(1.5, 1+(atrPct-3)/5)
	}

	return common.Clamp(sl, 0.05, 0.15)
}

// PositionSizeInput bundles the parameters position_size() needs; a plain
// struct keeps the call site readable given the breadth of §4.2's formula.
type PositionSizeInput struct {
	Symbol    string
	Direction model.Direction
	Entry     float64
	StopLoss  float64
	Leverage  int
	Balance   float64
	OpenMargin float64
	Score     int
	ATRPct    float64
	StepSize  float64
	MinNotional float64
	MaxTotalCapitalUsage float64
}

// PositionSizeResult mirrors the dict the original returns, typed.
type PositionSizeResult struct {
	Approved      bool
	RejectReason  string
	Quantity      float64
	Margin        float64
	StopLoss      float64
	PotentialLoss float64
	RiskPct       float64
}

// PositionSize computes {quantity, margin} and the effective stop-loss for a
// signal given current account state, per §4.2.
func (c *Calculator) PositionSize(in PositionSizeInput) PositionSizeResult {
	if in.Balance <= 0 || in.Entry <= 0 {
		return PositionSizeResult{RejectReason: "invalid balance or entry"}
	}

	maxCapUsage := in.MaxTotalCapitalUsage
	if maxCapUsage <= 0 {
		maxCapUsage = 0.90
	}
	available := in.Balance*maxCapUsage - in.OpenMargin
	if available <= 0 {
		return PositionSizeResult{RejectReason: "no available capital"}
	}

	dynSL := c.DynamicStopLoss(in.ATRPct)
	sl := in.StopLoss
	slDist := absf(in.Entry-sl) / in.Entry
	if slDist > dynSL {
		if in.Direction == model.Long {
			sl = in.Entry * (1 - dynSL)
		} else {
			sl = in.Entry * (1 + dynSL)
		}
		slDist = dynSL
	}

	adjustedFraction := c.adjustMarginForPerformance(baseMarginFraction(in.Score))

	maxMargin := min(in.Balance*adjustedFraction, available)
	if in.Leverage <= 0 {
		return PositionSizeResult{RejectReason: "invalid leverage"}
	}
	quantity := maxMargin * float64(in.Leverage) / in.Entry
	quantity = common.RoundStep(quantity, in.StepSize)
	if quantity <= 0 {
		return PositionSizeResult{RejectReason: "quantity rounds to zero"}
	}
	if in.MinNotional > 0 && quantity*in.Entry < in.MinNotional {
		return PositionSizeResult{RejectReason: "below min notional"}
	}

	margin := quantity * in.Entry / float64(in.Leverage)
	if margin/in.Balance > adjustedFraction+0.002 {
		return PositionSizeResult{RejectReason: "margin exceeds adjusted fraction tolerance"}
	}

	potentialLoss := quantity * in.Entry * slDist
	riskPct := potentialLoss / in.Balance

	return PositionSizeResult{
		Approved:      true,
		Quantity:      quantity,
		Margin:        margin,
		StopLoss:      sl,
		PotentialLoss: potentialLoss,
		RiskPct:       riskPct,
	}
}

// baseMarginFraction implements the score-aware floor: score>=80 raises the
// margin-fraction floor to >=20%, 60-80 to >=15%, otherwise the 30% default
// base applies unmodified (the "default" in the spec is the unconditional
// base fraction; the floors only ever raise it for lower scores, they do
// not cap the high end).
func baseMarginFraction(score int) float64 {
	const base = 0.30
	switch {
	case score >= 80:
		return maxf(base, 0.20)
	case score >= 60:
		return maxf(base, 0.15)
	default:
		return base
	}
}

// adjustMarginForPerformance applies the streak-based +/-10-30% modulation,
// with "no penalty when no history" (no outcomes recorded yet) preserved
// exactly per the original.
func (c *Calculator) adjustMarginForPerformance(fraction float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.perf.RecentOutcomes) == 0 {
		return fraction
	}

	switch {
	case c.perf.ConsecutiveWins >= 5:
		fraction *= 1.30
	case c.perf.ConsecutiveWins >= 3:
		fraction *= 1.10
	case c.perf.ConsecutiveLosses >= 3:
		fraction *= 0.60
	case c.perf.ConsecutiveLosses >= 2:
		fraction *= 0.80
	}
	return fraction
}

// UpdatePerformance records a trade outcome, resetting the opposite streak.
func (c *Calculator) UpdatePerformance(win bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perf.RecordOutcome(win)
}

// Performance returns a snapshot copy of the current streak state.
func (c *Calculator) Performance() model.PerformanceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.perf
	out.RecentOutcomes = append([]bool(nil), c.perf.RecentOutcomes...)
	return out
}

// ATR computes the 14-period true-range mean over the given klines. Klines
// must be ordered oldest-first and have at least 15 entries for a non-zero
// result (needs a prior close for the first true-range term).
func ATR(klines []model.Kline) float64 {
	const period = 14
	if len(klines) < period+1 {
		return 0
	}
	start := len(klines) - period
	var sum float64
	for i := start; i < len(klines); i++ {
		prevClose := klines[i-1].Close
		k := klines[i]
		tr := maxf(k.High-k.Low, maxf(absf(k.High-prevClose), absf(k.Low-prevClose)))
		sum += tr
	}
	return sum / period
}

// VolumeRatio compares the most recent bar's volume against the mean of the
// preceding 20 bars.
func VolumeRatio(klines []model.Kline) float64 {
	const window = 20
	if len(klines) < window+1 {
		return 1
	}
	last := klines[len(klines)-1]
	start := len(klines) - 1 - window
	var sum float64
	for i := start; i < len(klines)-1; i++ {
		sum += klines[i].Volume
	}
	avg := sum / window
	if avg == 0 {
		return 1
	}
	return last.Volume / avg
}

func absf(v float64) float64 {
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
