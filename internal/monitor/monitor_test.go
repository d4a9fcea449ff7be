package monitor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpbot/internal/cache"
	"perpbot/internal/common"
	"perpbot/internal/config"
	"perpbot/internal/model"
	"perpbot/internal/risk"
)

func testManager() *risk.Manager {
	return risk.NewManager(risk.NewCalculator(), cache.New())
}

type fakeExchange struct {
	balance   model.AccountBalance
	positions []model.OpenExchangePosition
	klines    []model.Kline
	orders    []model.OrderRequest
	orderErr  error
}

func (f *fakeExchange) AccountBalance(ctx context.Context) (model.AccountBalance, error) {
	return f.balance, nil
}

func (f *fakeExchange) OpenPositions(ctx context.Context) ([]model.OpenExchangePosition, error) {
	return f.positions, nil
}

func (f *fakeExchange) Klines(ctx context.Context, symbol, interval string, limit int) ([]model.Kline, error) {
	return f.klines, nil
}

func (f *fakeExchange) CreateOrder(ctx context.Context, req model.OrderRequest) (model.Order, error) {
	f.orders = append(f.orders, req)
	if f.orderErr != nil {
		return model.Order{}, f.orderErr
	}
	return model.Order{OrderID: "1", Status: "FILLED"}, nil
}

type fakeStore struct {
	open     []model.Trade
	updated  []model.Trade
	snapshot float64
	hasSnap  bool
}

func (f *fakeStore) OpenTrades() ([]model.Trade, error) { return f.open, nil }

func (f *fakeStore) UpdateTrade(t model.Trade) error {
	f.updated = append(f.updated, t)
	for i, o := range f.open {
		if o.ID == t.ID {
			f.open[i] = t
			return nil
		}
	}
	f.open = append(f.open, t)
	return nil
}

func (f *fakeStore) SaveEquitySnapshot(balance float64, at time.Time) error {
	if !f.hasSnap {
		f.snapshot = balance
		f.hasSnap = true
	}
	return nil
}

func (f *fakeStore) FirstEquitySnapshot() (float64, bool, error) {
	return f.snapshot, f.hasSnap, nil
}

type fakeNotifier struct {
	messages []string
}

func (f *fakeNotifier) Notify(msg string) { f.messages = append(f.messages, msg) }

func testSettings() *config.Settings {
	return &config.Settings{
		MaxDrawdownPct:           0.15,
		TrailingActivationPct:    3.0,
		PartialTPThresholdPct:    5.0,
		EmergencyStopPct:         -15.0,
		MaxLossPct:               -8.0,
		BlacklistDurationHours:   2,
		CircuitBreakerLosses:     3,
		CircuitBreakerCooldownHr: 1,
		WarningRateLimitMinutes:  5,
		TSLCallbackPctMin:        0.4,
		TSLCallbackPctMax:        1.2,
		MaxPositions:             5,
		SniperExtraSlots:         2,
		RiskPerTrade:             0.02,
		SniperRiskPerTrade:       0.01,
		MaxPortfolioRisk:         0.10,
		DailyMaxLossPct:          0.05,
		IntradayDrawdownHardPct:  0.08,
	}
}

func TestRunCycleTripsKillSwitch(t *testing.T) {
	ex := &fakeExchange{balance: model.AccountBalance{Total: 10000}}
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	mon := New(ex, store, cache.New(), notifier, testManager())

	require.NoError(t, mon.RunCycle(context.Background(), testSettings()))

	ex.balance.Total = 8000 // 20% drawdown > 15% threshold
	err := mon.RunCycle(context.Background(), testSettings())
	require.Error(t, err)
	assert.NotEmpty(t, notifier.messages)

	err = mon.RunCycle(context.Background(), testSettings())
	require.Error(t, err)
}

func TestRunCycleAutoSyncsUntrackedPosition(t *testing.T) {
	ex := &fakeExchange{
		balance: model.AccountBalance{Total: 10000},
		positions: []model.OpenExchangePosition{
			{Symbol: "BTCUSDT", PositionAmt: 1, EntryPrice: 100, MarkPrice: 101, UnrealizedPnL: 1},
		},
	}
	store := &fakeStore{}
	mon := New(ex, store, cache.New(), nil, testManager())

	require.NoError(t, mon.RunCycle(context.Background(), testSettings()))
	assert.Len(t, store.open, 1)
	assert.Equal(t, "BTCUSDT", store.open[0].Symbol)
}

func TestEvaluateTradeClosesOnEmergencyStop(t *testing.T) {
	ex := &fakeExchange{balance: model.AccountBalance{Total: 10000}}
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	mon := New(ex, store, cache.New(), notifier, testManager())

	trade := model.Trade{ID: "t1", Symbol: "BTCUSDT", EntryPrice: 100, Quantity: 1, Status: model.StatusOpen}
	pos := model.OpenExchangePosition{Symbol: "BTCUSDT", PositionAmt: 1, EntryPrice: 100, MarkPrice: 80, UnrealizedPnL: -20}

	mon.evaluateTrade(context.Background(), trade, pos, 10000, testSettings())

	require.Len(t, ex.orders, 1)
	assert.True(t, ex.orders[0].ReduceOnly)
	require.Len(t, store.updated, 1)
	assert.Equal(t, model.StatusClosed, store.updated[0].Status)
}

func TestEvaluateTradeBlacklistsOnMaxLoss(t *testing.T) {
	ex := &fakeExchange{balance: model.AccountBalance{Total: 10000}}
	store := &fakeStore{}
	c := cache.New()
	mon := New(ex, store, c, nil, testManager())

	trade := model.Trade{ID: "t1", Symbol: "ETHUSDT", EntryPrice: 100, Quantity: 1, Status: model.StatusOpen}
	pos := model.OpenExchangePosition{Symbol: "ETHUSDT", PositionAmt: 1, EntryPrice: 100, MarkPrice: 91, UnrealizedPnL: -9}

	mon.evaluateTrade(context.Background(), trade, pos, 10000, testSettings())

	assert.True(t, mon.IsBlacklisted("ETHUSDT"))
}

func TestEvaluateTradePartialTakeProfit(t *testing.T) {
	klines := make([]model.Kline, 14)
	price := 100.0
	for i := range klines {
		klines[i] = model.Kline{Close: price}
		price += 0.1
	}
	ex := &fakeExchange{balance: model.AccountBalance{Total: 10000}, klines: klines}
	store := &fakeStore{}
	mon := New(ex, store, cache.New(), nil, testManager())

	trade := model.Trade{ID: "t1", Symbol: "BTCUSDT", EntryPrice: 100, Quantity: 2, Status: model.StatusOpen}
	pos := model.OpenExchangePosition{Symbol: "BTCUSDT", PositionAmt: 2, EntryPrice: 100, MarkPrice: 106, UnrealizedPnL: 12}

	mon.evaluateTrade(context.Background(), trade, pos, 10000, testSettings())

	require.Len(t, ex.orders, 1)
	require.Len(t, store.updated, 1)
	assert.True(t, store.updated[0].PartialTaken)
	assert.Less(t, store.updated[0].Quantity, 2.0)
}

// closeTrade drives the shared risk gate's admission bookkeeping and
// circuit breaker directly, rather than the monitor tracking its own
// second consecutive-loss counter.
func TestCloseTradeReleasesCapacityAndUpdatesPerformance(t *testing.T) {
	ex := &fakeExchange{balance: model.AccountBalance{Total: 10000}}
	store := &fakeStore{}
	manager := testManager()
	mon := New(ex, store, cache.New(), nil, manager)
	settings := testSettings()

	admit := manager.Admit(settings, risk.AdmissionRequest{
		Signal:  model.Signal{Symbol: "BTCUSDT", RiskPct: 0.01},
		Balance: 10000,
		Now:     time.Now(),
	})
	require.True(t, admit.Approved)

	trade := model.Trade{ID: "t1", Symbol: "BTCUSDT", EntryPrice: 100, Quantity: 1, RiskPct: 0.01, Status: model.StatusOpen}
	pos := model.OpenExchangePosition{Symbol: "BTCUSDT", PositionAmt: 1, EntryPrice: 100, MarkPrice: 80, UnrealizedPnL: -20}

	mon.evaluateTrade(context.Background(), trade, pos, 10000, settings)

	require.Len(t, store.updated, 1)
	assert.Equal(t, model.StatusClosed, store.updated[0].Status)

	rejected := manager.Admit(settings, risk.AdmissionRequest{
		Signal:  model.Signal{Symbol: "ETHUSDT", RiskPct: 0.01},
		Balance: 10000,
		Now:     time.Now(),
	})
	assert.True(t, rejected.Approved, "released capacity should allow a new admission")
}

func TestCircuitBreakerTripsAfterConsecutiveLosses(t *testing.T) {
	ex := &fakeExchange{balance: model.AccountBalance{Total: 10000}}
	store := &fakeStore{}
	manager := testManager()
	mon := New(ex, store, cache.New(), nil, manager)
	settings := testSettings()

	for i := 0; i < 3; i++ {
		trade := model.Trade{ID: fmt.Sprintf("t%d", i), Symbol: "BTCUSDT", EntryPrice: 100, Quantity: 1, Status: model.StatusOpen}
		pos := model.OpenExchangePosition{Symbol: "BTCUSDT", PositionAmt: 1, EntryPrice: 100, MarkPrice: 80, UnrealizedPnL: -20}
		mon.evaluateTrade(context.Background(), trade, pos, 10000, settings)
	}

	result := manager.Admit(settings, risk.AdmissionRequest{
		Signal:  model.Signal{Symbol: "ETHUSDT"},
		Balance: 10000,
		Now:     time.Now(),
	})
	assert.False(t, result.Approved)
	assert.Equal(t, common.RejectCircuitBreaker, result.Reason)
}

func TestVolatilityPct(t *testing.T) {
	flat := []model.Kline{{Close: 100}, {Close: 100}, {Close: 100}}
	assert.Equal(t, 0.0, volatilityPct(flat))

	volatile := []model.Kline{{Close: 100}, {Close: 110}, {Close: 90}, {Close: 105}}
	assert.Greater(t, volatilityPct(volatile), 0.0)
}
