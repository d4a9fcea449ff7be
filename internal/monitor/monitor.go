// Package monitor revalues open positions every cycle and drives the exit
// side of the trade lifecycle: kill switch, exchange/store reconciliation,
// trailing stop, partial take-profit, emergency stop, and max-loss
// blacklist. Every close also reports back into the risk gate's admission
// bookkeeping and win/loss circuit breaker. It mirrors the donor's
// TrailingStop and CircuitBreakerState shapes (internal/exec/executor.go)
// and its mutex-guarded map-of-symbol state, generalized from strategy
// bookkeeping to the fixed per-trade revaluation pipeline.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"perpbot/internal/cache"
	"perpbot/internal/common"
	"perpbot/internal/config"
	"perpbot/internal/eventbus"
	"perpbot/internal/model"
	"perpbot/internal/risk"
)

// PerformanceTracker is the subset of *risk.Manager the monitor drives from
// the trade-close path: freeing the admission capacity a closed trade held
// and feeding the outcome into the shared win/loss streak and circuit
// breaker. Declared locally per the package-wide narrow-interface
// convention.
type PerformanceTracker interface {
	ReleaseCapacity(sniper bool, riskPct float64)
	UpdatePerformance(settings *config.Settings, win bool, balance float64, now time.Time)
}

// Exchange is the subset of the exchange client the monitor needs.
type Exchange interface {
	AccountBalance(ctx context.Context) (model.AccountBalance, error)
	OpenPositions(ctx context.Context) ([]model.OpenExchangePosition, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]model.Kline, error)
	CreateOrder(ctx context.Context, req model.OrderRequest) (model.Order, error)
}

// Store is the subset of trade persistence the monitor needs.
type Store interface {
	OpenTrades() ([]model.Trade, error)
	UpdateTrade(model.Trade) error
	SaveEquitySnapshot(balance float64, at time.Time) error
	FirstEquitySnapshot() (float64, bool, error)
}

// Notifier delivers a fire-and-forget message about a position event.
type Notifier interface {
	Notify(msg string)
}

// Monitor runs one position-revaluation cycle at a time; RunCycle is not
// safe to call concurrently with itself, matching the single supervising
// goroutine the spec's auxiliary-loop model assumes.
type Monitor struct {
	exchange Exchange
	store    Store
	cache    *cache.Cache
	notifier Notifier
	bus      *eventbus.Bus
	manager  PerformanceTracker

	mu                sync.Mutex
	initialBalance    float64
	balanceSet        bool
	killSwitchTripped bool
	maeBySymbol       map[string]float64
	mfeBySymbol       map[string]float64
	lastWarning       map[string]time.Time
}

// New wires a Monitor against its exchange, store, cache, and notifier
// collaborators. manager receives the outcome of every closed trade (freed
// admission capacity, win/loss streak, circuit breaker); the spec models one
// global circuit breaker owned by the risk gate rather than a second one
// here, so the monitor no longer tracks consecutive losses on its own.
func New(ex Exchange, store Store, c *cache.Cache, notifier Notifier, manager PerformanceTracker) *Monitor {
	return &Monitor{
		exchange:    ex,
		store:       store,
		cache:       c,
		notifier:    notifier,
		manager:     manager,
		maeBySymbol: make(map[string]float64),
		mfeBySymbol: make(map[string]float64),
		lastWarning: make(map[string]time.Time),
	}
}

func (m *Monitor) notify(msg string) {
	if m.notifier != nil {
		m.notifier.Notify(msg)
	}
}

// SetBus wires the eventbus publisher used to announce closed trades and a
// tripped kill switch. Optional: a Monitor with no bus set simply never
// publishes.
func (m *Monitor) SetBus(bus *eventbus.Bus) { m.bus = bus }

// warn logs and notifies at most once per (symbol, kind) per the rate-limit
// window, per §4.9 step 6.
func (m *Monitor) warn(settings *config.Settings, symbol, kind, msg string) {
	key := symbol + ":" + kind
	window := time.Duration(settings.WarningRateLimitMinutes) * time.Minute
	if window <= 0 {
		window = 5 * time.Minute
	}

	m.mu.Lock()
	last, ok := m.lastWarning[key]
	if ok && time.Since(last) < window {
		m.mu.Unlock()
		return
	}
	m.lastWarning[key] = time.Now()
	m.mu.Unlock()

	log.Warn().Str("symbol", symbol).Str("kind", kind).Msg(msg)
	m.notify(fmt.Sprintf("[%s] %s: %s", symbol, kind, msg))
}

// RunCycle executes one full §4.9 monitor pass. Returns an error when the
// kill switch trips or when the balance, open positions or open trades
// cannot be read; per-trade failures are logged/notified and do not abort
// the cycle.
func (m *Monitor) RunCycle(ctx context.Context, settings *config.Settings) error {
	m.mu.Lock()
	if m.killSwitchTripped {
		m.mu.Unlock()
		return common.NewRiskRejected(common.RejectKillSwitch, "kill switch previously tripped")
	}
	m.mu.Unlock()

	balance, err := m.exchange.AccountBalance(ctx)
	if err != nil {
		return fmt.Errorf("account balance: %w", err)
	}

	if err := m.ensureInitialBalance(balance.Total); err != nil {
		log.Warn().Err(err).Msg("failed to persist equity snapshot")
	}

	if tripped := m.checkKillSwitch(balance.Total, settings); tripped {
		m.notify(fmt.Sprintf("kill switch tripped: balance %.2f vs initial %.2f", balance.Total, m.initialBalance))
		if m.bus != nil {
			m.bus.Publish(eventbus.TopicKillSwitchFired, balance.Total)
		}
		return common.NewRiskRejected(common.RejectKillSwitch, "max drawdown exceeded")
	}

	positions, err := m.exchange.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("open positions: %w", err)
	}
	trades, err := m.store.OpenTrades()
	if err != nil {
		return fmt.Errorf("open trades: %w", err)
	}

	trades = m.autoSync(positions, trades)

	byPosition := make(map[string]model.OpenExchangePosition, len(positions))
	for _, p := range positions {
		byPosition[p.Symbol] = p
	}

	for _, trade := range trades {
		pos, ok := byPosition[trade.Symbol]
		if !ok {
			continue // reconciled away or closed manually at the venue
		}
		m.evaluateTrade(ctx, trade, pos, balance.Total, settings)
	}

	return nil
}

func (m *Monitor) ensureInitialBalance(balance float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balanceSet {
		return nil
	}
	if saved, ok, err := m.store.FirstEquitySnapshot(); err == nil && ok {
		m.initialBalance = saved
		m.balanceSet = true
		return nil
	}
	m.initialBalance = balance
	m.balanceSet = true
	return m.store.SaveEquitySnapshot(balance, time.Now())
}

func (m *Monitor) checkKillSwitch(balance float64, settings *config.Settings) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialBalance <= 0 {
		return false
	}
	drawdownPct := (m.initialBalance - balance) / m.initialBalance * 100
	maxDrawdown := settings.MaxDrawdownPct * 100
	if maxDrawdown <= 0 {
		maxDrawdown = common.DefaultMaxDrawdownPct * 100
	}
	if drawdownPct >= maxDrawdown {
		m.killSwitchTripped = true
		return true
	}
	return false
}

// autoSync produces reconstructed Trades for exchange positions with no
// matching open trade, per §4.9 step 4, and persists them.
func (m *Monitor) autoSync(positions []model.OpenExchangePosition, trades []model.Trade) []model.Trade {
	bySymbol := make(map[string]bool, len(trades))
	for _, t := range trades {
		bySymbol[t.Symbol] = true
	}

	for _, p := range positions {
		if bySymbol[p.Symbol] || p.PositionAmt == 0 {
			continue
		}
		direction := model.Long
		if p.PositionAmt < 0 {
			direction = model.Short
		}
		reconstructed := model.Trade{
			ID:         fmt.Sprintf("sync-%s-%d", p.Symbol, time.Now().UnixNano()),
			Symbol:     p.Symbol,
			Direction:  direction,
			EntryPrice: p.EntryPrice,
			Quantity:   absf(p.PositionAmt),
			Leverage:   p.Leverage,
			Status:     model.StatusOpen,
			OpenedAt:   time.Now(),
		}
		if err := m.store.UpdateTrade(reconstructed); err != nil {
			log.Warn().Err(err).Str("symbol", p.Symbol).Msg("failed to persist auto-synced trade")
			continue
		}
		trades = append(trades, reconstructed)
		m.notify(fmt.Sprintf("auto-synced untracked position %s", p.Symbol))
	}
	return trades
}

func (m *Monitor) evaluateTrade(ctx context.Context, trade model.Trade, pos model.OpenExchangePosition, balance float64, settings *config.Settings) {
	effectiveEntry := trade.EntryPrice
	if effectiveEntry <= 0 {
		effectiveEntry = pos.EntryPrice
	}
	if effectiveEntry <= 0 {
		effectiveEntry = pos.MarkPrice
	}
	if effectiveEntry <= 0 || trade.Quantity <= 0 {
		return
	}

	pnlPct := pos.UnrealizedPnL / (effectiveEntry * trade.Quantity) * 100
	trade.CurrentPrice = pos.MarkPrice
	trade.PnL = pos.UnrealizedPnL
	trade.PnLPercentage = pnlPct

	m.updateExcursion(trade.Symbol, pnlPct)

	if pnlPct > trade.MaxPnLPercentage {
		trade.MaxPnLPercentage = pnlPct
		trade.TrailingPeakPrice = pos.MarkPrice
	}

	if closed, reason := m.checkExits(ctx, &trade, pos, settings); closed {
		m.closeTrade(ctx, trade, pos, balance, reason, settings)
		return
	}

	if err := m.store.UpdateTrade(trade); err != nil {
		log.Warn().Err(err).Str("symbol", trade.Symbol).Msg("failed to persist trade revaluation")
	}
}

func (m *Monitor) updateExcursion(symbol string, pnlPct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pnlPct < m.maeBySymbol[symbol] {
		m.maeBySymbol[symbol] = pnlPct
	}
	if pnlPct > m.mfeBySymbol[symbol] {
		m.mfeBySymbol[symbol] = pnlPct
	}
}

// checkExits evaluates the §4.9 step 5 exits in this priority order:
// emergency stop, max loss, trailing stop, then partial TP. Returns whether the position
// should close and why.
func (m *Monitor) checkExits(ctx context.Context, trade *model.Trade, pos model.OpenExchangePosition, settings *config.Settings) (bool, string) {
	pnlPct := trade.PnLPercentage

	emergencyStop := settings.EmergencyStopPct
	if emergencyStop == 0 {
		emergencyStop = common.DefaultEmergencyStopPct
	}
	if pnlPct <= emergencyStop {
		return true, "Emergency Stop"
	}

	maxLoss := settings.MaxLossPct
	if maxLoss == 0 {
		maxLoss = common.DefaultMaxLossPct
	}
	if pnlPct <= maxLoss {
		m.blacklist(trade.Symbol, settings)
		return true, "Max Loss"
	}

	activation := settings.TrailingActivationPct
	if activation <= 0 {
		activation = common.DefaultTrailingActivationPct
	}
	if trade.MaxPnLPercentage > activation {
		atrPct := m.atrPct(ctx, trade.Symbol)
		threshold := common.Clamp(atrPct, settings.TSLCallbackPctMin, settings.TSLCallbackPctMax)
		if threshold < 0.5 {
			threshold = 0.5
		}
		retracement := (trade.MaxPnLPercentage - pnlPct) / trade.MaxPnLPercentage * 100
		if retracement > threshold {
			return true, "Trailing Stop"
		}
	}

	partialThreshold := settings.PartialTPThresholdPct
	if partialThreshold <= 0 {
		partialThreshold = common.DefaultPartialTPThresholdPct
	}
	if pnlPct >= partialThreshold && !trade.PartialTaken {
		m.takePartial(ctx, trade, pos, settings)
	}

	return false, ""
}

func (m *Monitor) atrPct(ctx context.Context, symbol string) float64 {
	klines, err := m.exchange.Klines(ctx, symbol, "1h", 20)
	if err != nil || len(klines) == 0 {
		return 0
	}
	atr := risk.ATR(klines)
	last := klines[len(klines)-1].Close
	if last <= 0 {
		return 0
	}
	return atr / last * 100
}

// takePartial executes a reduceOnly MARKET close of a volatility-scaled
// fraction of the position and moves the stop to breakeven, per §4.9
// step 5's partial-TP bullet.
func (m *Monitor) takePartial(ctx context.Context, trade *model.Trade, pos model.OpenExchangePosition, settings *config.Settings) {
	klines, err := m.exchange.Klines(ctx, trade.Symbol, "1h", 14)
	if err != nil {
		m.warn(settings, trade.Symbol, "partial_tp_data", "failed to fetch volatility klines")
		return
	}
	vol := volatilityPct(klines)

	fraction := 0.5
	switch {
	case vol > 8:
		fraction = 0.30
	case vol < 3:
		fraction = 0.70
	}

	qty := common.RoundStep(trade.Quantity*fraction, 0.000001)
	if qty <= 0 {
		return
	}

	side := model.SideSell
	if pos.PositionAmt < 0 {
		side = model.SideBuy
	}

	if _, err := m.exchange.CreateOrder(ctx, model.OrderRequest{
		Symbol:     trade.Symbol,
		Side:       side,
		Type:       model.OrderMarket,
		Quantity:   qty,
		ReduceOnly: true,
	}); err != nil {
		m.warn(settings, trade.Symbol, "partial_tp_failed", err.Error())
		return
	}

	trade.Quantity -= qty
	trade.PartialTaken = true
	trade.StopLoss = trade.EntryPrice
	m.notify(fmt.Sprintf("partial take profit on %s: closed %.4f (%.0f%% of position)", trade.Symbol, qty, fraction*100))
}

// volatilityPct is the stdev of 1h close-to-close returns over the window,
// as a percentage, used to scale the partial-TP fraction.
func volatilityPct(klines []model.Kline) float64 {
	if len(klines) < 2 {
		return 0
	}
	var returns []float64
	for i := 1; i < len(klines); i++ {
		prev := klines[i-1].Close
		if prev == 0 {
			continue
		}
		returns = append(returns, (klines[i].Close-prev)/prev*100)
	}
	if len(returns) == 0 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	return sqrt(variance)
}

func sqrt(v float64) float64 {
	if v <= 0 {
		return 0
	}
	x := v
	for i := 0; i < 20; i++ {
		x = 0.5 * (x + v/x)
	}
	return x
}

func (m *Monitor) blacklist(symbol string, settings *config.Settings) {
	hours := settings.BlacklistDurationHours
	if hours <= 0 {
		hours = common.DefaultBlacklistDurationHours
	}
	m.cache.Set("blacklist:"+symbol, true, time.Duration(hours)*time.Hour)
}

// IsBlacklisted reports whether symbol is under a max-loss blacklist.
func (m *Monitor) IsBlacklisted(symbol string) bool {
	_, ok := m.cache.Get("blacklist:" + symbol)
	return ok
}

// Blacklist adds symbol to the max-loss blacklist directly, for callers
// outside the exit pipeline (the periodic-sync history-analysis pass).
func (m *Monitor) Blacklist(symbol string, settings *config.Settings) {
	m.blacklist(symbol, settings)
}

func (m *Monitor) closeTrade(ctx context.Context, trade model.Trade, pos model.OpenExchangePosition, balance float64, reason string, settings *config.Settings) {
	side := model.SideSell
	if pos.PositionAmt < 0 {
		side = model.SideBuy
	}

	_, err := m.exchange.CreateOrder(ctx, model.OrderRequest{
		Symbol:     trade.Symbol,
		Side:       side,
		Type:       model.OrderMarket,
		Quantity:   trade.Quantity,
		ReduceOnly: true,
	})
	if err != nil {
		m.warn(settings, trade.Symbol, "close_failed", fmt.Sprintf("%s close order failed: %v", reason, err))
		return
	}

	now := time.Now()
	trade.Status = model.StatusClosed
	trade.ExitPrice = pos.MarkPrice
	trade.ClosedAt = &now
	trade.ExitTime = &now
	trade.PnL = pos.UnrealizedPnL

	if err := m.store.UpdateTrade(trade); err != nil {
		log.Error().Err(err).Str("symbol", trade.Symbol).Msg("failed to persist closed trade")
	}

	if m.manager != nil {
		m.manager.ReleaseCapacity(trade.Sniper, trade.RiskPct)
		m.manager.UpdatePerformance(settings, trade.PnL >= 0, balance, now)
	}
	m.notify(fmt.Sprintf("closed %s: %s (pnl %.2f, %.2f%%)", trade.Symbol, reason, trade.PnL, trade.PnLPercentage))
	if m.bus != nil {
		m.bus.Publish(eventbus.TopicTradeClosed, trade)
	}
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
