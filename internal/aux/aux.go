// Package aux runs the auxiliary position-management loops that sit
// alongside the position monitor: DCA, pyramiding, time-based exit, the
// sniper entry loop, and periodic exchange/store reconciliation. Each loop
// shares the same cancellation-safe ticker-and-backoff shape as the
// donor's order tracker poll loop (internal/exec/bitunix/order_tracker.go's
// monitorOrders), generalized from order-status polling to the five
// cadences in the spec.
package aux

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"perpbot/internal/cache"
	"perpbot/internal/common"
	"perpbot/internal/config"
	"perpbot/internal/executor"
	"perpbot/internal/indicators"
	"perpbot/internal/model"
	"perpbot/internal/scanner"
)

// Exchange is the subset of the exchange client the auxiliary loops need.
type Exchange interface {
	AccountBalance(ctx context.Context) (model.AccountBalance, error)
	OpenPositions(ctx context.Context) ([]model.OpenExchangePosition, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]model.Kline, error)
	CreateOrder(ctx context.Context, req model.OrderRequest) (model.Order, error)
	SymbolPrice(ctx context.Context, symbol string) (float64, error)
}

// Store is the subset of trade persistence the auxiliary loops need.
type Store interface {
	OpenTrades() ([]model.Trade, error)
	AllTrades() ([]model.Trade, error)
	UpdateTrade(model.Trade) error
}

// Executor submits a synthetic sniper signal through the normal admission
// and entry pipeline.
type Executor interface {
	Execute(ctx context.Context, sig model.Signal, balance, openMargin float64, settings *config.Settings) (executor.Result, error)
}

// Scanner supplies sniper candidates.
type Scanner interface {
	SniperCandidates(ctx context.Context, limit int) ([]scanner.SniperCandidate, error)
}

// Blacklist is the position monitor's blacklist surface: read for the
// skip-if-blacklisted check every loop shares, written by the periodic
// sync loop's history-analysis pass.
type Blacklist interface {
	IsBlacklisted(symbol string) bool
	Blacklist(symbol string, settings *config.Settings)
}

// Notifier delivers a fire-and-forget message about an auxiliary-loop event.
type Notifier interface {
	Notify(msg string)
}

// HeartbeatRecorder receives a liveness ping at the top of every loop
// iteration; the supervisor implements this to drive its restart policy.
type HeartbeatRecorder interface {
	Heartbeat(name string)
}

// Runner owns the collaborators shared by every auxiliary loop. Each
// RunXCycle is safe to call concurrently with the others (they touch
// disjoint trades most of the time) but not with itself.
type Runner struct {
	exchange  Exchange
	store     Store
	exec      Executor
	scanner   Scanner
	blacklist Blacklist
	cache     *cache.Cache
	notifier  Notifier
	heartbeat HeartbeatRecorder
}

func New(ex Exchange, store Store, execClient Executor, sc Scanner, bl Blacklist, c *cache.Cache, notifier Notifier, hb HeartbeatRecorder) *Runner {
	return &Runner{
		exchange:  ex,
		store:     store,
		exec:      execClient,
		scanner:   sc,
		blacklist: bl,
		cache:     c,
		notifier:  notifier,
		heartbeat: hb,
	}
}

func (r *Runner) notify(msg string) {
	if r.notifier != nil {
		r.notifier.Notify(msg)
	}
}

func (r *Runner) isBlacklisted(symbol string) bool {
	return r.blacklist != nil && r.blacklist.IsBlacklisted(symbol)
}

// runLoop drives one auxiliary loop on a fixed cadence: heartbeat, run,
// cancellation-safe exponential backoff on error, capped at 30s, reset on
// the next successful iteration. Shared by every Start* method per §4.10's
// "all share: heartbeat emission, cancellation-safe backoff on errors".
func (r *Runner) runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context, *config.Settings) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.heartbeat != nil {
				r.heartbeat.Heartbeat(name)
			}
			if err := fn(ctx, config.Current()); err != nil {
				log.Warn().Err(err).Str("loop", name).Msg("auxiliary loop iteration failed")
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > 30*time.Second {
					backoff = 30 * time.Second
				}
				continue
			}
			backoff = time.Second
		}
	}
}

// StartDCA runs the DCA loop at its 1-minute cadence until ctx is canceled.
func (r *Runner) StartDCA(ctx context.Context) { r.runLoop(ctx, "dca", time.Minute, r.RunDCACycle) }

// StartPyramiding runs the pyramiding loop at its 2-minute cadence.
func (r *Runner) StartPyramiding(ctx context.Context) {
	r.runLoop(ctx, "pyramiding", 2*time.Minute, r.RunPyramidingCycle)
}

// StartTimeExit runs the time-based exit loop at its 5-minute cadence.
func (r *Runner) StartTimeExit(ctx context.Context) {
	r.runLoop(ctx, "time_exit", 5*time.Minute, r.RunTimeExitCycle)
}

// StartSniper runs the sniper entry loop at its 2-minute cadence.
func (r *Runner) StartSniper(ctx context.Context) {
	r.runLoop(ctx, "sniper", 2*time.Minute, r.RunSniperCycle)
}

// Note: the periodic sync loop is scheduled by internal/supervisor's cron
// scheduler rather than runLoop, since it runs on a several-minutes cadence
// more naturally expressed as a cron expression than a hand-rolled ticker
// (see Supervisor.ScheduleMaintenance). RunPeriodicSyncCycle below is the
// job body that scheduler invokes.

// RunDCACycle implements §4.10's DCA loop body for one iteration.
func (r *Runner) RunDCACycle(ctx context.Context, settings *config.Settings) error {
	if !settings.DCAEnabled {
		return nil
	}
	trades, err := r.store.OpenTrades()
	if err != nil {
		return fmt.Errorf("open trades: %w", err)
	}

	maxCount := settings.MaxDCACount
	if maxCount <= 0 {
		maxCount = common.DefaultMaxDCACount
	}
	threshold := settings.DCAThresholdPct
	if threshold == 0 {
		threshold = common.DefaultDCAThresholdPct
	}

	for _, trade := range trades {
		if trade.PnLPercentage >= threshold || trade.DCACount >= maxCount || r.isBlacklisted(trade.Symbol) {
			continue
		}

		klines, err := r.exchange.Klines(ctx, trade.Symbol, "1h", 15)
		if err != nil {
			log.Warn().Err(err).Str("symbol", trade.Symbol).Msg("dca: failed to fetch klines")
			continue
		}
		rsi, ok := indicators.RSI(klines, 14)
		if !ok {
			continue
		}
		triggered := (trade.Direction == model.Long && rsi < 35) || (trade.Direction == model.Short && rsi > 65)
		if !triggered {
			continue
		}

		multiplier := settings.DCAMultiplier
		if multiplier <= 0 {
			multiplier = common.DefaultDCAMultiplier
		}
		addQty := common.RoundStep(trade.Quantity*multiplier, 0.000001)
		if addQty <= 0 {
			continue
		}

		side := model.SideBuy
		if trade.Direction == model.Short {
			side = model.SideSell
		}
		order, err := r.exchange.CreateOrder(ctx, model.OrderRequest{
			Symbol: trade.Symbol, Side: side, Type: model.OrderMarket, Quantity: addQty,
		})
		if err != nil {
			log.Warn().Err(err).Str("symbol", trade.Symbol).Msg("dca: order failed")
			continue
		}

		fillPrice := order.AvgPrice
		if fillPrice <= 0 {
			fillPrice = trade.EntryPrice
		}
		totalQty := trade.Quantity + addQty
		trade.EntryPrice = (trade.EntryPrice*trade.Quantity + fillPrice*addQty) / totalQty
		trade.Quantity = totalQty
		trade.DCACount++

		if err := r.store.UpdateTrade(trade); err != nil {
			log.Warn().Err(err).Str("symbol", trade.Symbol).Msg("dca: failed to persist trade")
		}
		// Mirrors the durable per-trade DCACount above into a 7-day cache
		// counter per §4.10; the trade field stays the gating authority
		// since the cache entry can be evicted independently.
		r.cache.IncrWithTTL("dca_count:"+trade.Symbol, 7*24*time.Hour)
		r.notify(fmt.Sprintf("DCA triggered on %s: added %.4f at %.4f (count %d)", trade.Symbol, addQty, fillPrice, trade.DCACount))
	}
	return nil
}

// RunPyramidingCycle implements §4.10's pyramiding loop body.
func (r *Runner) RunPyramidingCycle(ctx context.Context, settings *config.Settings) error {
	trades, err := r.store.OpenTrades()
	if err != nil {
		return fmt.Errorf("open trades: %w", err)
	}

	threshold := settings.PyramidingThreshold
	if threshold <= 0 {
		threshold = common.DefaultPyramidingThreshold
	}

	for _, trade := range trades {
		if trade.Pyramided || trade.PnLPercentage < threshold || r.isBlacklisted(trade.Symbol) {
			continue
		}

		multiplier := settings.PyramidingMultiplier
		if multiplier <= 0 {
			multiplier = common.DefaultPyramidingMultiplier
		}
		addQty := common.RoundStep(trade.Quantity*multiplier, 0.000001)
		if addQty <= 0 {
			continue
		}

		side := model.SideBuy
		if trade.Direction == model.Short {
			side = model.SideSell
		}
		order, err := r.exchange.CreateOrder(ctx, model.OrderRequest{
			Symbol: trade.Symbol, Side: side, Type: model.OrderMarket, Quantity: addQty,
		})
		if err != nil {
			log.Warn().Err(err).Str("symbol", trade.Symbol).Msg("pyramiding: order failed")
			continue
		}

		fillPrice := order.AvgPrice
		if fillPrice <= 0 {
			fillPrice = trade.CurrentPrice
		}
		totalQty := trade.Quantity + addQty
		trade.EntryPrice = (trade.EntryPrice*trade.Quantity + fillPrice*addQty) / totalQty
		trade.Quantity = totalQty
		trade.Pyramided = true

		if trade.Direction == model.Long {
			if trade.StopLoss < trade.EntryPrice {
				trade.StopLoss = trade.EntryPrice
			}
		} else if trade.StopLoss == 0 || trade.StopLoss > trade.EntryPrice {
			trade.StopLoss = trade.EntryPrice
		}

		if err := r.store.UpdateTrade(trade); err != nil {
			log.Warn().Err(err).Str("symbol", trade.Symbol).Msg("pyramiding: failed to persist trade")
		}
		r.notify(fmt.Sprintf("pyramided %s: added %.4f at %.4f", trade.Symbol, addQty, fillPrice))
	}
	return nil
}

// RunTimeExitCycle implements §4.10's time-based exit loop body.
func (r *Runner) RunTimeExitCycle(ctx context.Context, settings *config.Settings) error {
	trades, err := r.store.OpenTrades()
	if err != nil {
		return fmt.Errorf("open trades: %w", err)
	}

	hours := settings.TimeExitHours
	if hours <= 0 {
		hours = common.DefaultTimeExitHours
	}
	minProfit := settings.TimeExitMinProfitPct
	if minProfit <= 0 {
		minProfit = common.DefaultTimeExitMinProfit
	}
	maxAge := time.Duration(hours * float64(time.Hour))

	for _, trade := range trades {
		if time.Since(trade.OpenedAt) < maxAge || trade.PnLPercentage >= minProfit {
			continue
		}

		side := model.SideSell
		if trade.Direction == model.Short {
			side = model.SideBuy
		}
		if _, err := r.exchange.CreateOrder(ctx, model.OrderRequest{
			Symbol: trade.Symbol, Side: side, Type: model.OrderMarket, Quantity: trade.Quantity, ReduceOnly: true,
		}); err != nil {
			log.Warn().Err(err).Str("symbol", trade.Symbol).Msg("time exit: close order failed")
			continue
		}

		now := time.Now()
		trade.Status = model.StatusClosed
		trade.ExitPrice = trade.CurrentPrice
		trade.ClosedAt = &now
		trade.ExitTime = &now

		if err := r.store.UpdateTrade(trade); err != nil {
			log.Warn().Err(err).Str("symbol", trade.Symbol).Msg("time exit: failed to persist trade")
		}
		r.notify(fmt.Sprintf("time-based exit on %s: held %.1fh at %.2f%% pnl", trade.Symbol, time.Since(trade.OpenedAt).Hours(), trade.PnLPercentage))
	}
	return nil
}

// RunSniperCycle implements §4.10's sniper loop body: if free slots exist,
// build a synthetic forced signal per candidate and submit it through the
// normal executor pipeline (which still enforces admission).
func (r *Runner) RunSniperCycle(ctx context.Context, settings *config.Settings) error {
	positions, err := r.exchange.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("open positions: %w", err)
	}

	slots := settings.MaxPositions + settings.SniperExtraSlots
	if len(positions) >= slots {
		return nil
	}

	candidates, err := r.scanner.SniperCandidates(ctx, slots-len(positions))
	if err != nil {
		return fmt.Errorf("sniper candidates: %w", err)
	}

	leverage := settings.SniperDefaultLeverage
	if leverage <= 0 {
		leverage = common.DefaultSniperDefaultLeverage
	}
	slPct := settings.SniperSLPct
	if slPct <= 0 {
		slPct = common.DefaultSniperSLPct
	}
	tpPct := settings.SniperTPPct
	if tpPct <= 0 {
		tpPct = common.DefaultSniperTPPct
	}

	for _, c := range candidates {
		if len(positions) >= slots {
			break
		}
		if r.isBlacklisted(c.Symbol) {
			continue
		}

		price, err := r.exchange.SymbolPrice(ctx, c.Symbol)
		if err != nil || price <= 0 {
			continue
		}

		direction := model.Long
		sl, tp := price*(1-slPct), price*(1+tpPct)
		if c.PriceChangePct < 0 {
			direction = model.Short
			sl, tp = price*(1+slPct), price*(1-tpPct)
		}

		// A single synthetic TP level fills all three ladder slots; the
		// executor's take-profit-parts split still applies at that price.
		sig := model.Signal{
			Symbol:      c.Symbol,
			Direction:   direction,
			EntryPrice:  price,
			StopLoss:    sl,
			TakeProfit1: tp,
			TakeProfit2: tp,
			TakeProfit3: tp,
			Leverage:    leverage,
			Score:       100,
			Flags:       model.SignalFlags{Force: true, Sniper: true},
			CreatedAt:   time.Now(),
		}

		balance, err := r.exchange.AccountBalance(ctx)
		if err != nil {
			return fmt.Errorf("account balance: %w", err)
		}

		if _, err := r.exec.Execute(ctx, sig, balance.Total, openMarginFromPositions(positions), settings); err != nil {
			log.Warn().Err(err).Str("symbol", c.Symbol).Msg("sniper: execution failed")
			continue
		}
		r.notify(fmt.Sprintf("sniper entry submitted on %s (%s)", c.Symbol, direction))
		positions = append(positions, model.OpenExchangePosition{Symbol: c.Symbol, PositionAmt: 1})
	}
	return nil
}

// RunPeriodicSyncCycle implements §4.10's periodic sync loop: reconcile
// exchange positions against the store, and kick off an asynchronous
// history-analysis pass that may extend the monitor's blacklist.
func (r *Runner) RunPeriodicSyncCycle(ctx context.Context, settings *config.Settings) error {
	positions, err := r.exchange.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("open positions: %w", err)
	}
	openTrades, err := r.store.OpenTrades()
	if err != nil {
		return fmt.Errorf("open trades: %w", err)
	}

	tracked := make(map[string]bool, len(openTrades))
	for _, t := range openTrades {
		tracked[t.Symbol] = true
	}
	for _, p := range positions {
		if p.PositionAmt != 0 && !tracked[p.Symbol] {
			log.Warn().Str("symbol", p.Symbol).Msg("periodic sync: untracked position found, awaiting next monitor cycle")
		}
	}

	all, err := r.store.AllTrades()
	if err != nil {
		return fmt.Errorf("all trades: %w", err)
	}
	go r.runHistoryAnalysis(all, settings)
	return nil
}

// runHistoryAnalysis blacklists symbols with a recent losing streak. Run
// asynchronously from RunPeriodicSyncCycle so a slow scan of trade history
// never delays the reconciliation pass itself.
func (r *Runner) runHistoryAnalysis(trades []model.Trade, settings *config.Settings) {
	const lossStreakThreshold = 3

	closed := make([]model.Trade, 0, len(trades))
	for _, t := range trades {
		if t.Status == model.StatusClosed && t.ClosedAt != nil {
			closed = append(closed, t)
		}
	}
	// The store has no chronological guarantee on iteration order, so sort
	// explicitly before computing a "recent" streak.
	sort.Slice(closed, func(i, j int) bool { return closed[i].ClosedAt.Before(*closed[j].ClosedAt) })

	losses := make(map[string]int)
	for _, t := range closed {
		if t.PnL < 0 {
			losses[t.Symbol]++
		} else {
			losses[t.Symbol] = 0
		}
	}
	for symbol, count := range losses {
		if count >= lossStreakThreshold && r.blacklist != nil {
			r.blacklist.Blacklist(symbol, settings)
			r.notify(fmt.Sprintf("history analysis: blacklisted %s after %d recent losses", symbol, count))
		}
	}
}

func openMarginFromPositions(positions []model.OpenExchangePosition) float64 {
	var total float64
	for _, p := range positions {
		leverage := p.Leverage
		if leverage < 1 {
			leverage = 1
		}
		total += absf(p.PositionAmt) * p.EntryPrice / float64(leverage)
	}
	return total
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
