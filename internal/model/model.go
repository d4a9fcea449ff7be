// Package model defines the shared data types passed between the scanner,
// signal generator, risk gate, executor, and position monitor. Definitions
// here are the strict records the design notes call for in place of
// dict/duck-typed signals: conversions from external (exchange) shapes
// happen at the collaborator boundary, not here.
package model

import "time"

// Direction is a trade or signal side.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// TradeStatus is the lifecycle state of a Trade. It only ever moves
// open -> closed.
type TradeStatus string

const (
	StatusOpen   TradeStatus = "open"
	StatusClosed TradeStatus = "closed"
)

// Symbol describes a tradable perpetual contract's exchange metadata.
// Immutable within a session; cached with a 1h TTL by the exchange client.
type Symbol struct {
	Symbol            string
	Status            string
	TickSize          float64
	StepSize          float64
	MinQty            float64
	MaxQty            float64
	MinNotional        float64
	PricePrecision    int
	QuantityPrecision int
}

// Kline is one OHLCV candle on a fixed interval.
type Kline struct {
	OpenTime    time.Time
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
	QuoteVolume float64
	NumTrades   int64
}

// SignalFlags carries the boolean modifiers that change admission and
// sizing behavior for a signal.
type SignalFlags struct {
	Force  bool
	Sniper bool
}

// SignalEnrichment holds the diagnostic/auxiliary fields attached to a
// signal that do not themselves drive admission but are useful downstream
// (logging, ML blending, dashboards).
type SignalEnrichment struct {
	RSI                 float64
	VolumeRatio         float64
	ATR                 float64
	RR                  float64
	FundingRate         float64
	MinutesToFunding    float64
	OIChangePct         float64
	TakerRatio          float64
	IsReversal          bool
	MarketSentimentScore float64
}

// Signal is produced by the signal generator, consumed by the risk gate and
// executor, and discarded after one admission attempt.
type Signal struct {
	Symbol        string
	Direction     Direction
	EntryPrice    float64
	StopLoss      float64
	TakeProfit1   float64
	TakeProfit2   float64
	TakeProfit3   float64
	Leverage      int
	Score         int
	RiskPct       float64
	Flags         SignalFlags
	Enrichment    SignalEnrichment
	ClientOrderID string
	CreatedAt     time.Time
}

// Trade is the persistent record tracked by the trade store. Invariant:
// while Status == StatusOpen there must exist a matching nonzero position at
// the exchange for Symbol; the reconciliation loop in the position monitor
// enforces this.
type Trade struct {
	ID                  string
	Symbol              string
	Direction           Direction
	EntryPrice          float64
	CurrentPrice        float64
	Quantity            float64
	Leverage            int
	StopLoss            float64
	TakeProfit1         float64
	TakeProfit2         float64
	TakeProfit3         float64
	Status              TradeStatus
	PnL                 float64
	PnLPercentage       float64
	OpenedAt            time.Time
	ClosedAt            *time.Time
	OrderID             string
	ExitPrice           float64
	ExitTime            *time.Time
	MaxPnLPercentage    float64
	TrailingPeakPrice   float64
	Pyramided           bool
	PartialTaken        bool
	DCACount            int
	Sniper              bool
	RiskPct             float64
	ClientOrderID       string
}

// OpenExchangePosition mirrors a position as reported by the venue. Ephemeral
// and re-read each monitor cycle; never persisted.
type OpenExchangePosition struct {
	Symbol            string
	PositionAmt       float64 // signed: >0 long, <0 short
	EntryPrice        float64
	MarkPrice         float64
	UnrealizedPnL     float64
	Leverage          int
	MarginType        string
	LiquidationPrice  float64
	IsolatedMargin    float64
}

// PerformanceState tracks the rolling win/loss streak used by the risk
// calculator and risk manager to modulate stop-loss distance and per-trade
// risk. Owned jointly; updated on every trade close.
type PerformanceState struct {
	ConsecutiveWins   int
	ConsecutiveLosses int
	RecentOutcomes    []bool // true = win; capped at 20, oldest dropped first
}

// WinRate returns the rolling win rate over the retained outcome window, or
// 0.5 (neutral) if no trades have closed yet.
func (p *PerformanceState) WinRate() float64 {
	if len(p.RecentOutcomes) == 0 {
		return 0.5
	}
	wins := 0
	for _, w := range p.RecentOutcomes {
		if w {
			wins++
		}
	}
	return float64(wins) / float64(len(p.RecentOutcomes))
}

// RecordOutcome updates the streak counters and the rolling window.
func (p *PerformanceState) RecordOutcome(win bool) {
	if win {
		p.ConsecutiveWins++
		p.ConsecutiveLosses = 0
	} else {
		p.ConsecutiveLosses++
		p.ConsecutiveWins = 0
	}
	p.RecentOutcomes = append(p.RecentOutcomes, win)
	const maxWindow = 20
	if len(p.RecentOutcomes) > maxWindow {
		p.RecentOutcomes = p.RecentOutcomes[len(p.RecentOutcomes)-maxWindow:]
	}
}

// DailyRiskCheckpoint is the per-UTC-day balance snapshot persisted through
// the cache collaborator so a restart mid-day recovers the correct
// drawdown reference points.
type DailyRiskCheckpoint struct {
	Date                 string // YYYY-MM-DD, UTC
	DailyStartBalance    float64
	IntradayPeakBalance  float64
	IntradayTroughBalance float64
}

// LeverageBracket is one row of the exchange's notional-range -> max-leverage
// table, ascending by Floor.
type LeverageBracket struct {
	Floor             float64
	Cap               float64
	MaxInitialLeverage int
}

// PremiumIndex is the funding/mark-price snapshot for a symbol.
type PremiumIndex struct {
	Mark            float64
	Index           float64
	LastFundingRate float64
	NextFundingTime time.Time
}

// AccountBalance is the {total, available, positions[]} tuple used for
// sizing, kill-switch checks, and daily checkpoints.
type AccountBalance struct {
	Total     float64
	Available float64
	Positions []OpenExchangePosition
}

// OrderSide, OrderType and TimeInForce mirror the order parameters the
// exchange contract accepts (§6).
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

type OrderType string

const (
	OrderLimit               OrderType = "LIMIT"
	OrderMarket              OrderType = "MARKET"
	OrderStopMarket          OrderType = "STOP_MARKET"
	OrderTrailingStopMarket  OrderType = "TRAILING_STOP_MARKET"
)

type TimeInForce string

const (
	TIFGtc TimeInForce = "GTC"
	TIFGtx TimeInForce = "GTX" // post-only
)

type WorkingType string

const (
	WorkingMarkPrice     WorkingType = "MARK_PRICE"
	WorkingContractPrice WorkingType = "CONTRACT_PRICE"
)

// OrderRequest is the normalized shape submitted to the exchange client.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Price         float64
	StopPrice     float64
	Quantity      float64
	TimeInForce   TimeInForce
	ReduceOnly    bool
	WorkingType   WorkingType
	CallbackRate  float64
	ClientOrderID string
}

// Order is the exchange's view of a submitted order.
type Order struct {
	OrderID     string
	ClientID    string
	Symbol      string
	Status      string
	AvgPrice    float64
	ExecutedQty float64
	UpdateTime  time.Time
}
