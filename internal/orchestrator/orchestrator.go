// Package orchestrator runs the top-level autonomous trading loop, §4.12:
// per cycle it checks the exchange ban flag, derives a volatility-bucketed
// scan interval from BTC's 24h move, consults macro sentiment, scans the
// market, generates signals, runs them through the market/correlation/
// blacklist filters, and executes up to the number of free position slots.
// The scan stage and each execution run under a context timeout; every
// stage logs a warning when it exceeds its time budget. It satisfies supervisor.BotController
// and supervisor.ActivityTracker so the supervisor can poll and cycle it
// in-process, the way the original system's external supervisor polled its
// bot process over HTTP (original_source/backend/scripts/supervisor.py).
package orchestrator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"perpbot/internal/common"
	"perpbot/internal/config"
	"perpbot/internal/eventbus"
	"perpbot/internal/exchange"
	"perpbot/internal/executor"
	"perpbot/internal/filter"
	"perpbot/internal/model"
	"perpbot/internal/risk"
	"perpbot/internal/scanner"
	"perpbot/internal/signal"
)

// Store is the subset of trade persistence the orchestrator needs, for the
// idle-activity check the supervisor drives through ActivityTracker.
type Store interface {
	OpenTrades() ([]model.Trade, error)
	AllTrades() ([]model.Trade, error)
}

// Blacklist reports whether a symbol is currently excluded from new entries.
type Blacklist interface {
	IsBlacklisted(symbol string) bool
}

// Notifier delivers a fire-and-forget message about a cycle outcome.
type Notifier interface {
	Notify(msg string)
}

// Orchestrator wires the scanner, signal generator, filters, and executor
// into one cyclic pass.
type Orchestrator struct {
	exchange     *exchange.Client
	scanner      *scanner.Scanner
	generator    *signal.Generator
	correlation  *filter.CorrelationFilter
	execClient   *executor.Executor
	riskManager  *risk.Manager
	store        Store
	blacklist    Blacklist
	notifier     Notifier
	bus          *eventbus.Bus
	dashboard    *Dashboard

	mu      sync.Mutex
	cancel  context.CancelFunc
	running atomic.Bool
}

func New(
	ex *exchange.Client,
	sc *scanner.Scanner,
	gen *signal.Generator,
	corr *filter.CorrelationFilter,
	execClient *executor.Executor,
	riskManager *risk.Manager,
	store Store,
	bl Blacklist,
	notifier Notifier,
	bus *eventbus.Bus,
) *Orchestrator {
	return &Orchestrator{
		exchange:    ex,
		scanner:     sc,
		generator:   gen,
		correlation: corr,
		execClient:  execClient,
		riskManager: riskManager,
		store:       store,
		blacklist:   bl,
		notifier:    notifier,
		bus:         bus,
		dashboard:   NewDashboard(),
	}
}

// Dashboard exposes the rolling cycle-metrics aggregator for internal/metrics
// to read.
func (o *Orchestrator) Dashboard() *Dashboard { return o.dashboard }

func (o *Orchestrator) notify(msg string) {
	if o.notifier != nil {
		o.notifier.Notify(msg)
	}
}

// Running, Stop, and Start satisfy supervisor.BotController.

func (o *Orchestrator) Running() bool { return o.running.Load() }

func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Start launches the cycle loop on its own goroutine if it is not already
// running. The loop paces itself off the scan interval RunCycle derives
// each pass (§4.12 step 3) rather than a fixed ticker.
func (o *Orchestrator) Start() {
	if o.running.Load() {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	o.running.Store(true)
	go o.loop(ctx)
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer o.running.Store(false)

	interval := time.Duration(common.DefaultScanIntervalMediumSec) * time.Second
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			next, err := o.RunCycle(ctx, config.Current())
			if err != nil {
				log.Error().Err(err).Msg("orchestrator: cycle failed")
			}
			if next <= 0 {
				next = interval
			}
			interval = next
			timer.Reset(interval)
		}
	}
}

// TradesToday and OpenPositionsCount satisfy supervisor.ActivityTracker.

func (o *Orchestrator) TradesToday() (int, error) {
	all, err := o.store.AllTrades()
	if err != nil {
		return 0, err
	}
	since := time.Now().UTC().Truncate(24 * time.Hour)
	count := 0
	for _, t := range all {
		if !t.OpenedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (o *Orchestrator) OpenPositionsCount() (int, error) {
	open, err := o.store.OpenTrades()
	if err != nil {
		return 0, err
	}
	return len(open), nil
}

// RunCycle runs one full pass of §4.12 and returns the scan interval the
// caller should wait before the next cycle.
func (o *Orchestrator) RunCycle(ctx context.Context, settings *config.Settings) (time.Duration, error) {
	cycleID := uuid.NewString()
	start := time.Now()
	metrics := CycleMetrics{CycleID: cycleID, At: start}

	o.bus.Publish(eventbus.TopicCycleStarted, cycleID)
	defer func() {
		metrics.TotalMS = float64(time.Since(start).Milliseconds())
		o.dashboard.record(metrics)
		o.bus.Publish(eventbus.TopicCycleEnded, metrics)

		cycleTimeout := time.Duration(common.DefaultCycleTimeoutSec) * time.Second
		if time.Since(start) > cycleTimeout {
			log.Error().Str("cycle_id", cycleID).Dur("elapsed", time.Since(start)).Msg("orchestrator: whole-cycle timeout exceeded")
		}
	}()

	if banned, remaining := o.exchange.Banned(); banned {
		sleep := remaining
		if cap := time.Duration(common.DefaultBanSleepCapSec) * time.Second; sleep > cap {
			sleep = cap
		}
		log.Warn().Str("cycle_id", cycleID).Dur("sleep", sleep).Msg("orchestrator: exchange ban flag set, sleeping")
		select {
		case <-ctx.Done():
		case <-time.After(sleep):
		}
		return time.Duration(common.DefaultScanIntervalMediumSec) * time.Second, nil
	}

	btc1h, err := o.exchange.Klines(ctx, "BTCUSDT", "1h", 250)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: fetch BTC 1h klines: %w", err)
	}
	btc4h, err := o.exchange.Klines(ctx, "BTCUSDT", "4h", 250)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: fetch BTC 4h klines: %w", err)
	}

	scanInterval, volFactor := volatilityBucket(btc1h)
	o.riskManager.UpdateMarketVolatility(volFactor)
	regime := filter.Classify(btc1h, btc4h)

	balance, err := o.exchange.AccountBalance(ctx)
	if err != nil {
		return scanInterval, fmt.Errorf("orchestrator: fetch account balance: %w", err)
	}
	positions, err := o.exchange.OpenPositions(ctx)
	if err != nil {
		return scanInterval, fmt.Errorf("orchestrator: fetch open positions: %w", err)
	}

	freeSlots := settings.MaxPositions - len(positions)
	if freeSlots <= 0 {
		log.Info().Str("cycle_id", cycleID).Msg("orchestrator: no free position slots, skipping cycle")
		return scanInterval, nil
	}

	scanStart := time.Now()
	scanCtx, cancelScan := context.WithTimeout(ctx, time.Duration(common.DefaultScanStageTimeoutSec)*time.Second)
	items, err := o.scanner.Scan(scanCtx, settings)
	cancelScan()
	metrics.ScanMS = float64(time.Since(scanStart).Milliseconds())
	warnStageOverrun(cycleID, "scan", time.Since(scanStart), common.DefaultScanStageTimeoutSec)
	if err != nil {
		return scanInterval, fmt.Errorf("orchestrator: scan: %w", err)
	}
	metrics.Scanned = len(items)
	if len(items) == 0 {
		return scanInterval, nil
	}

	signalsStart := time.Now()
	candidates := o.generateSignals(items, regime, settings)
	metrics.SignalsMS = float64(time.Since(signalsStart).Milliseconds())
	metrics.Generated = len(candidates)
	warnStageOverrun(cycleID, "signals", time.Since(signalsStart), common.DefaultSignalStageTimeoutSec)
	if len(candidates) == 0 {
		return scanInterval, nil
	}

	filterStart := time.Now()
	accepted := o.filterSignals(ctx, candidates, positions, settings)
	metrics.FilterMS = float64(time.Since(filterStart).Milliseconds())
	metrics.Filtered = len(accepted)
	warnStageOverrun(cycleID, "filter", time.Since(filterStart), common.DefaultFilterStageTimeoutSec)
	if len(accepted) == 0 {
		return scanInterval, nil
	}

	sort.Slice(accepted, func(i, j int) bool { return accepted[i].Score > accepted[j].Score })
	if len(accepted) > freeSlots {
		accepted = accepted[:freeSlots]
	}

	execStart := time.Now()
	executed, rejected := o.executeSignals(ctx, accepted, balance.Total, positions, settings, cycleID)
	metrics.ExecMS = float64(time.Since(execStart).Milliseconds())
	metrics.Executed = executed
	metrics.Rejected = rejected
	warnStageOverrun(cycleID, "execution", time.Since(execStart), common.DefaultExecuteStageTimeoutSec)

	return scanInterval, nil
}

func warnStageOverrun(cycleID, stage string, elapsed time.Duration, capSec int) {
	if elapsed > time.Duration(capSec)*time.Second {
		log.Warn().Str("cycle_id", cycleID).Str("stage", stage).Dur("elapsed", elapsed).Msg("orchestrator: stage exceeded its time budget")
	}
}

// volatilityBucket derives the next scan interval and the risk manager's
// market-volatility factor from BTC's trailing 24h absolute move on 1h
// candles (24 bars), per §4.12 step 3's three buckets.
func volatilityBucket(btc1h []model.Kline) (time.Duration, float64) {
	n := len(btc1h)
	if n < 25 || btc1h[n-25].Close == 0 {
		return time.Duration(common.DefaultScanIntervalMediumSec) * time.Second, 1.0
	}
	change := math.Abs((btc1h[n-1].Close - btc1h[n-25].Close) / btc1h[n-25].Close * 100)

	switch {
	case change >= common.DefaultVolatilityBucketHighPct:
		return time.Duration(common.DefaultScanIntervalHighSec) * time.Second, 1.5
	case change >= common.DefaultVolatilityBucketLowPct:
		return time.Duration(common.DefaultScanIntervalMediumSec) * time.Second, 1.0
	default:
		return time.Duration(common.DefaultScanIntervalLowSec) * time.Second, 0.7
	}
}

// generateSignals scores every scanned item and keeps the ones the macro
// market filter allows for their direction.
func (o *Orchestrator) generateSignals(items []scanner.Item, regime filter.Snapshot, settings *config.Settings) []model.Signal {
	out := make([]model.Signal, 0, len(items))
	for _, it := range items {
		sig, reason := o.generator.Generate(signal.Input{
			Symbol:   it.Symbol,
			Klines1h: it.Klines1h,
			Klines4h: it.Klines4h,
			Regime:   regime,
		}, settings)
		if sig == nil {
			if reason != "" {
				log.Debug().Str("symbol", it.Symbol).Str("reason", reason).Msg("orchestrator: signal rejected")
			}
			continue
		}
		if !regime.Allows(sig.Direction) {
			continue
		}
		out = append(out, *sig)
	}
	return out
}

// filterSignals applies the blacklist, then correlation/sector filter.
func (o *Orchestrator) filterSignals(ctx context.Context, signals []model.Signal, positions []model.OpenExchangePosition, settings *config.Settings) []model.Signal {
	notBlacklisted := make([]model.Signal, 0, len(signals))
	for _, s := range signals {
		if o.blacklist != nil && o.blacklist.IsBlacklisted(s.Symbol) {
			continue
		}
		notBlacklisted = append(notBlacklisted, s)
	}
	if len(notBlacklisted) == 0 {
		return nil
	}

	sort.Slice(notBlacklisted, func(i, j int) bool { return notBlacklisted[i].Score > notBlacklisted[j].Score })

	candidates := make([]filter.Candidate, 0, len(notBlacklisted))
	for _, s := range notBlacklisted {
		candidates = append(candidates, filter.Candidate{Signal: s, DailyReturns: o.dailyReturns(ctx, s.Symbol, settings)})
	}

	openReturns := make(map[string][]float64, len(positions))
	for _, p := range positions {
		openReturns[p.Symbol] = o.dailyReturns(ctx, p.Symbol, settings)
	}

	return o.correlation.Apply(candidates, positions, openReturns, settings.MaxCorrelation, settings.MaxPositionsPerSector)
}

func (o *Orchestrator) dailyReturns(ctx context.Context, symbol string, settings *config.Settings) []float64 {
	window := common.DefaultCorrWindowDays
	klines, err := o.exchange.Klines(ctx, symbol, "1d", window+1)
	if err != nil || len(klines) < 2 {
		return nil
	}
	closes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
	}
	return filter.DailyReturns(closes)
}

// executeSignals submits every accepted signal to the executor in score
// order, tracking open margin as positions fill within the cycle so later
// signals in the same cycle see an accurate headroom estimate.
func (o *Orchestrator) executeSignals(ctx context.Context, signals []model.Signal, balance float64, positions []model.OpenExchangePosition, settings *config.Settings, cycleID string) (executed, rejected int) {
	openMargin := openMarginFromPositions(positions)

	for _, sig := range signals {
		execCtx, cancel := context.WithTimeout(ctx, time.Duration(common.DefaultExecuteStageTimeoutSec)*time.Second)
		result, err := o.execClient.Execute(execCtx, sig, balance, openMargin, settings)
		cancel()
		if err != nil {
			rejected++
			log.Warn().Str("cycle_id", cycleID).Str("symbol", sig.Symbol).Err(err).Msg("orchestrator: execution failed")
			continue
		}
		executed++
		margin := result.Trade.Quantity * result.Trade.EntryPrice / float64(maxInt(result.Trade.Leverage, 1))
		openMargin += margin
		o.notify(fmt.Sprintf("orchestrator: opened %s %s @ %.4f", sig.Symbol, sig.Direction, result.AvgFill))
	}
	return executed, rejected
}

func openMarginFromPositions(positions []model.OpenExchangePosition) float64 {
	var sum float64
	for _, p := range positions {
		lev := p.Leverage
		if lev <= 0 {
			lev = 1
		}
		sum += math.Abs(p.PositionAmt) * p.EntryPrice / float64(lev)
	}
	return sum
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
