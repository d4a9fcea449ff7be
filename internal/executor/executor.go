// Package executor turns an admitted signal into a live position: it sizes
// the trade, clears it past the risk manager, submits the entry (iceberg,
// limit-with-requote, or market fallback), attaches protective orders, and
// persists the resulting trade. The pipeline mirrors the donor's OrderReq/
// TrailingStop/CircuitBreakerState shape and the order tracker's retry-and-
// requote loop, generalized from strategy-driven execution to the fixed
// sequence in the spec: spread check, size, leverage cap, admit, guardrails,
// margin mode, leverage, execution path, protective orders, trailing stop,
// headroom trim, persist.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"perpbot/internal/cache"
	"perpbot/internal/common"
	"perpbot/internal/config"
	"perpbot/internal/eventbus"
	"perpbot/internal/exchange"
	"perpbot/internal/model"
	"perpbot/internal/risk"
)

// Store is the subset of trade persistence the executor needs.
type Store interface {
	SaveTrade(model.Trade) error
}

// Notifier delivers a fire-and-forget message about a completed or rejected
// execution.
type Notifier interface {
	Notify(msg string)
}

// Executor runs the order-placement pipeline for one admitted signal at a
// time; concurrent Execute calls are safe, each operates on its own state
// and only touches shared collaborators (risk manager, exchange client)
// that already serialize themselves.
type Executor struct {
	exchange *exchange.Client
	calc     *risk.Calculator
	manager  *risk.Manager
	cache    *cache.Cache
	store    Store
	notifier Notifier
	bus      *eventbus.Bus

	mu      sync.Mutex
	metrics ExecutionSnapshot
}

func New(ex *exchange.Client, calc *risk.Calculator, manager *risk.Manager, c *cache.Cache, store Store, notifier Notifier) *Executor {
	return &Executor{exchange: ex, calc: calc, manager: manager, cache: c, store: store, notifier: notifier}
}

// SetBus wires the eventbus publisher used to announce newly opened trades.
// Optional: an Executor with no bus set simply never publishes.
func (e *Executor) SetBus(bus *eventbus.Bus) { e.bus = bus }

// ExecutionSnapshot accumulates execution outcomes. Every counter is zeroed
// once 100 samples have been recorded, so a snapshot covers the executions
// since the last reset (at most 100); it is not a sliding window.
// internal/metrics reads it through Executor.Snapshot() to publish
// Prometheus gauges.
type ExecutionSnapshot struct {
	LimitCount, MarketCount, IcebergCount int
	MakerCount, TakerCount                int
	SlippageSum, ExecTimeSum              float64
	RetryCount, RequoteCount              int
	Samples                               int
}

func (e *Executor) record(f func(*ExecutionSnapshot)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.metrics.Samples >= 100 {
		e.metrics = ExecutionSnapshot{}
	}
	f(&e.metrics)
	e.metrics.Samples++
}

// Snapshot returns a copy of the execution metrics accumulated since the
// last reset.
func (e *Executor) Snapshot() ExecutionSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics
}

// Result is the composite outcome of one Execute call: the persisted trade,
// plus the fill diagnostics used for logging and metrics.
type Result struct {
	Trade       model.Trade
	AvgFill     float64
	SlippagePct float64
	Maker       bool
	OrderIDs    []string
}

func (e *Executor) notify(msg string) {
	if e.notifier != nil {
		e.notifier.Notify(msg)
	}
}

func (e *Executor) reject(reason common.RejectionReason, detail string) (Result, error) {
	return Result{}, common.NewRiskRejected(reason, detail)
}

// Execute runs the full §4.8 pipeline for a single signal. balance and
// openMargin reflect account state as of the start of the current cycle,
// including any trades already executed earlier in the same cycle.
func (e *Executor) Execute(ctx context.Context, sig model.Signal, balance, openMargin float64, settings *config.Settings) (Result, error) {
	start := time.Now()

	book, err := e.exchange.OrderBook(ctx, sig.Symbol, 5)
	if err != nil {
		return Result{}, fmt.Errorf("order book: %w", err)
	}
	if book.BestAsk <= 0 {
		return e.reject(common.RejectSpread, "no ask quote")
	}
	spreadPct := (book.BestAsk - book.BestBid) / book.BestAsk * 100
	maxSpread := settings.MaxSpreadPctCore
	if sig.Flags.Sniper {
		maxSpread = settings.MaxSpreadPctSniper
	}
	if spreadPct > maxSpread {
		return e.reject(common.RejectSpread, "spread exceeds limit")
	}

	symInfo, err := e.exchange.SymbolInfo(ctx, sig.Symbol)
	if err != nil {
		return Result{}, fmt.Errorf("symbol info: %w", err)
	}
	if symInfo.MaxQty <= 0 {
		return e.reject(common.RejectMaxQty, "max qty unavailable")
	}

	leverage := sig.Leverage
	brackets, err := e.exchange.LeverageBrackets(ctx, sig.Symbol)
	if err == nil {
		for _, b := range brackets {
			if leverage <= b.MaxInitialLeverage {
				break
			}
			leverage = b.MaxInitialLeverage
		}
	}
	if leverage <= 0 {
		return e.reject(common.RejectBracketLeverage, "no usable leverage bracket")
	}

	atrAbs := sig.Enrichment.ATR
	atrPct := 0.0
	if sig.EntryPrice > 0 {
		atrPct = atrAbs / sig.EntryPrice * 100
	}

	sizeResult := e.calc.PositionSize(risk.PositionSizeInput{
		Symbol:               sig.Symbol,
		Direction:            sig.Direction,
		Entry:                sig.EntryPrice,
		StopLoss:             sig.StopLoss,
		Leverage:             leverage,
		Balance:              balance,
		OpenMargin:           openMargin,
		Score:                sig.Score,
		ATRPct:               atrPct,
		StepSize:             symInfo.StepSize,
		MinNotional:          symInfo.MinNotional,
		MaxTotalCapitalUsage: settings.MaxTotalCapitalUsage,
	})
	if !sizeResult.Approved {
		return e.reject(common.RejectMinNotional, sizeResult.RejectReason)
	}
	if sizeResult.Quantity > symInfo.MaxQty {
		sizeResult.Quantity = common.RoundStep(symInfo.MaxQty, symInfo.StepSize)
	}

	sig.StopLoss = sizeResult.StopLoss
	sig.RiskPct = sizeResult.RiskPct

	if !(sig.Flags.Force && settings.AllowRiskBypassForForce) {
		admission := e.manager.Admit(settings, risk.AdmissionRequest{Signal: sig, Balance: balance, Now: time.Now()})
		if !admission.Approved {
			return Result{}, common.NewRiskRejected(admission.Reason, admission.Detail)
		}
	}

	qty := common.RoundStep(sizeResult.Quantity, symInfo.StepSize)
	if qty <= 0 {
		return e.reject(common.RejectMinNotional, "quantity rounds to zero")
	}
	if qty*sig.EntryPrice < symInfo.MinNotional {
		return e.reject(common.RejectMinNotional, "below min notional after rounding")
	}

	isolated := leverage >= settings.AutoIsolateMinLeverage || !settings.DefaultMarginCrossed
	if settings.AllowMarginModeOverride {
		if err := e.exchange.EnsureMarginType(ctx, sig.Symbol, isolated); err != nil {
			log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("margin type change failed")
		}
	}
	if err := e.exchange.ChangeLeverage(ctx, sig.Symbol, leverage); err != nil {
		log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("leverage change failed")
	}

	side := model.SideBuy
	if sig.Direction == model.Short {
		side = model.SideSell
	}

	fill, err := e.executeEntry(ctx, sig, side, qty, book, settings)
	if err != nil {
		return Result{}, err
	}

	e.attachProtectiveOrders(ctx, sig, side, fill.Quantity, settings)

	if settings.EnableTrailingStop {
		e.attachTrailingStop(ctx, sig, side, fill.Quantity, atrPct, settings)
	}

	e.trimHeadroom(ctx, sig.Symbol, sig.EntryPrice, settings)

	trade := model.Trade{
		ID:            uuid.New().String(),
		Symbol:        sig.Symbol,
		Direction:     sig.Direction,
		EntryPrice:    fill.AvgPrice,
		CurrentPrice:  fill.AvgPrice,
		Quantity:      fill.Quantity,
		Leverage:      leverage,
		StopLoss:      sig.StopLoss,
		TakeProfit1:   sig.TakeProfit1,
		TakeProfit2:   sig.TakeProfit2,
		TakeProfit3:   sig.TakeProfit3,
		Status:        model.StatusOpen,
		OpenedAt:      time.Now(),
		OrderID:       fill.OrderIDs[0],
		Sniper:        sig.Flags.Sniper,
		RiskPct:       sig.RiskPct,
		ClientOrderID: sig.ClientOrderID,
	}
	if e.store != nil {
		if err := e.store.SaveTrade(trade); err != nil {
			log.Error().Err(err).Str("symbol", sig.Symbol).Msg("failed to persist trade")
		}
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.TopicTradeOpened, trade)
	}

	slippage := 0.0
	if sig.EntryPrice > 0 {
		slippage = absf(fill.AvgPrice-sig.EntryPrice) / sig.EntryPrice * 100
	}
	e.record(func(m *ExecutionSnapshot) {
		switch fill.Path {
		case pathIceberg:
			m.IcebergCount++
		case pathMarket:
			m.MarketCount++
		default:
			m.LimitCount++
		}
		if fill.Maker {
			m.MakerCount++
		} else {
			m.TakerCount++
		}
		m.SlippageSum += slippage
		m.ExecTimeSum += time.Since(start).Seconds()
		m.RetryCount += fill.Retries
		m.RequoteCount += fill.Requotes
	})

	e.notify(fmt.Sprintf("opened %s %s qty=%.4f entry=%.4f lev=%dx", sig.Symbol, sig.Direction, fill.Quantity, fill.AvgPrice, leverage))

	return Result{Trade: trade, AvgFill: fill.AvgPrice, SlippagePct: slippage, Maker: fill.Maker, OrderIDs: fill.OrderIDs}, nil
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
