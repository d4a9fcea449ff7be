package aux

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpbot/internal/cache"
	"perpbot/internal/config"
	"perpbot/internal/executor"
	"perpbot/internal/model"
	"perpbot/internal/scanner"
)

type fakeExchange struct {
	balance   model.AccountBalance
	positions []model.OpenExchangePosition
	klines    []model.Kline
	price     float64
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
	return model.Order{OrderID: "1", Status: "FILLED", AvgPrice: req.Price}, nil
}

func (f *fakeExchange) SymbolPrice(ctx context.Context, symbol string) (float64, error) {
	return f.price, nil
}

type fakeStore struct {
	open    []model.Trade
	all     []model.Trade
	updated []model.Trade
}

func (f *fakeStore) OpenTrades() ([]model.Trade, error) { return f.open, nil }
func (f *fakeStore) AllTrades() ([]model.Trade, error)  { return f.all, nil }
func (f *fakeStore) UpdateTrade(t model.Trade) error {
	f.updated = append(f.updated, t)
	for i, o := range f.open {
		if o.ID == t.ID {
			f.open[i] = t
			return nil
		}
	}
	return nil
}

type fakeExecutor struct {
	calls []model.Signal
}

func (f *fakeExecutor) Execute(ctx context.Context, sig model.Signal, balance, openMargin float64, settings *config.Settings) (executor.Result, error) {
	f.calls = append(f.calls, sig)
	return executor.Result{}, nil
}

type fakeScanner struct {
	candidates []scanner.SniperCandidate
}

func (f *fakeScanner) SniperCandidates(ctx context.Context, limit int) ([]scanner.SniperCandidate, error) {
	return f.candidates, nil
}

type fakeBlacklist struct {
	blacklisted map[string]bool
	added       []string
}

func (f *fakeBlacklist) IsBlacklisted(symbol string) bool { return f.blacklisted[symbol] }
func (f *fakeBlacklist) Blacklist(symbol string, settings *config.Settings) {
	f.added = append(f.added, symbol)
}

func testSettings() *config.Settings {
	return &config.Settings{
		DCAEnabled:            true,
		MaxDCACount:           2,
		DCAThresholdPct:       -3.0,
		DCAMultiplier:         1.5,
		PyramidingThreshold:   5.0,
		PyramidingMultiplier:  0.5,
		TimeExitHours:         4.0,
		TimeExitMinProfitPct:  0.3,
		PositionsAutoSyncMins: 15,
		MaxPositions:          3,
		SniperExtraSlots:      1,
		SniperDefaultLeverage: 5,
		SniperSLPct:           0.01,
		SniperTPPct:           0.015,
	}
}

func downtrendKlines() []model.Kline {
	// Monotonically falling closes push RSI well below 35.
	klines := make([]model.Kline, 20)
	price := 100.0
	for i := range klines {
		klines[i] = model.Kline{Close: price}
		price -= 1.0
	}
	return klines
}

func TestRunDCACycleTriggersOnOversoldLong(t *testing.T) {
	ex := &fakeExchange{klines: downtrendKlines()}
	store := &fakeStore{open: []model.Trade{
		{ID: "t1", Symbol: "BTCUSDT", Direction: model.Long, EntryPrice: 100, Quantity: 1, PnLPercentage: -5, DCACount: 0},
	}}
	r := New(ex, store, nil, nil, nil, cache.New(), nil, nil)

	require.NoError(t, r.RunDCACycle(context.Background(), testSettings()))

	require.Len(t, ex.orders, 1)
	require.Len(t, store.updated, 1)
	assert.Equal(t, 1, store.updated[0].DCACount)
	assert.Greater(t, store.updated[0].Quantity, 1.0)
}

func TestRunDCACycleSkipsWhenAboveThreshold(t *testing.T) {
	ex := &fakeExchange{klines: downtrendKlines()}
	store := &fakeStore{open: []model.Trade{
		{ID: "t1", Symbol: "BTCUSDT", Direction: model.Long, EntryPrice: 100, Quantity: 1, PnLPercentage: -1},
	}}
	r := New(ex, store, nil, nil, nil, cache.New(), nil, nil)

	require.NoError(t, r.RunDCACycle(context.Background(), testSettings()))
	assert.Empty(t, ex.orders)
}

func TestRunDCACycleSkipsBlacklisted(t *testing.T) {
	ex := &fakeExchange{klines: downtrendKlines()}
	store := &fakeStore{open: []model.Trade{
		{ID: "t1", Symbol: "BTCUSDT", Direction: model.Long, EntryPrice: 100, Quantity: 1, PnLPercentage: -5},
	}}
	bl := &fakeBlacklist{blacklisted: map[string]bool{"BTCUSDT": true}}
	r := New(ex, store, nil, nil, bl, cache.New(), nil, nil)

	require.NoError(t, r.RunDCACycle(context.Background(), testSettings()))
	assert.Empty(t, ex.orders)
}

func TestRunPyramidingCycleAddsOnProfit(t *testing.T) {
	ex := &fakeExchange{}
	store := &fakeStore{open: []model.Trade{
		{ID: "t1", Symbol: "ETHUSDT", Direction: model.Long, EntryPrice: 100, CurrentPrice: 110, Quantity: 2, PnLPercentage: 6, StopLoss: 90},
	}}
	r := New(ex, store, nil, nil, nil, cache.New(), nil, nil)

	require.NoError(t, r.RunPyramidingCycle(context.Background(), testSettings()))

	require.Len(t, store.updated, 1)
	assert.True(t, store.updated[0].Pyramided)
	assert.GreaterOrEqual(t, store.updated[0].StopLoss, 100.0)
}

func TestRunPyramidingCycleSkipsAlreadyPyramided(t *testing.T) {
	ex := &fakeExchange{}
	store := &fakeStore{open: []model.Trade{
		{ID: "t1", Symbol: "ETHUSDT", Direction: model.Long, PnLPercentage: 6, Pyramided: true},
	}}
	r := New(ex, store, nil, nil, nil, cache.New(), nil, nil)

	require.NoError(t, r.RunPyramidingCycle(context.Background(), testSettings()))
	assert.Empty(t, ex.orders)
}

func TestRunTimeExitCycleClosesStaleLosers(t *testing.T) {
	ex := &fakeExchange{}
	store := &fakeStore{open: []model.Trade{
		{ID: "t1", Symbol: "BTCUSDT", Direction: model.Long, Quantity: 1, PnLPercentage: 0.1, OpenedAt: time.Now().Add(-5 * time.Hour)},
	}}
	r := New(ex, store, nil, nil, nil, cache.New(), nil, nil)

	require.NoError(t, r.RunTimeExitCycle(context.Background(), testSettings()))

	require.Len(t, ex.orders, 1)
	assert.True(t, ex.orders[0].ReduceOnly)
	require.Len(t, store.updated, 1)
	assert.Equal(t, model.StatusClosed, store.updated[0].Status)
}

func TestRunTimeExitCycleSkipsFreshOrProfitable(t *testing.T) {
	ex := &fakeExchange{}
	store := &fakeStore{open: []model.Trade{
		{ID: "t1", Symbol: "BTCUSDT", PnLPercentage: 0.1, OpenedAt: time.Now()},
		{ID: "t2", Symbol: "ETHUSDT", PnLPercentage: 5, OpenedAt: time.Now().Add(-5 * time.Hour)},
	}}
	r := New(ex, store, nil, nil, nil, cache.New(), nil, nil)

	require.NoError(t, r.RunTimeExitCycle(context.Background(), testSettings()))
	assert.Empty(t, ex.orders)
}

func TestRunSniperCycleSubmitsWithinFreeSlots(t *testing.T) {
	ex := &fakeExchange{balance: model.AccountBalance{Total: 10000}, price: 50}
	store := &fakeStore{}
	execClient := &fakeExecutor{}
	sc := &fakeScanner{candidates: []scanner.SniperCandidate{
		{Symbol: "DOGEUSDT", PriceChangePct: 3},
	}}
	r := New(ex, store, execClient, sc, nil, cache.New(), nil, nil)

	require.NoError(t, r.RunSniperCycle(context.Background(), testSettings()))

	require.Len(t, execClient.calls, 1)
	assert.Equal(t, model.Long, execClient.calls[0].Direction)
	assert.True(t, execClient.calls[0].Flags.Sniper)
	assert.True(t, execClient.calls[0].Flags.Force)
}

func TestRunSniperCycleSkipsWhenNoFreeSlots(t *testing.T) {
	ex := &fakeExchange{
		balance: model.AccountBalance{Total: 10000},
		positions: []model.OpenExchangePosition{
			{Symbol: "A"}, {Symbol: "B"}, {Symbol: "C"}, {Symbol: "D"},
		},
	}
	execClient := &fakeExecutor{}
	sc := &fakeScanner{candidates: []scanner.SniperCandidate{{Symbol: "DOGEUSDT"}}}
	r := New(ex, &fakeStore{}, execClient, sc, nil, cache.New(), nil, nil)

	require.NoError(t, r.RunSniperCycle(context.Background(), testSettings()))
	assert.Empty(t, execClient.calls)
}

func TestRunPeriodicSyncCycleBlacklistsLossStreak(t *testing.T) {
	ex := &fakeExchange{}
	closedLoss := func(id string, offset time.Duration) model.Trade {
		closedAt := time.Now().Add(offset)
		return model.Trade{ID: id, Symbol: "BTCUSDT", Status: model.StatusClosed, PnL: -5, ClosedAt: &closedAt}
	}
	store := &fakeStore{all: []model.Trade{
		closedLoss("t1", -3*time.Hour),
		closedLoss("t2", -2*time.Hour),
		closedLoss("t3", -1*time.Hour),
	}}
	bl := &fakeBlacklist{blacklisted: map[string]bool{}}
	r := New(ex, store, nil, nil, bl, cache.New(), nil, nil)

	require.NoError(t, r.RunPeriodicSyncCycle(context.Background(), testSettings()))

	require.Eventually(t, func() bool {
		return len(bl.added) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "BTCUSDT", bl.added[0])
}

func TestOpenMarginFromPositions(t *testing.T) {
	positions := []model.OpenExchangePosition{
		{PositionAmt: 2, EntryPrice: 100, Leverage: 5},
		{PositionAmt: -1, EntryPrice: 50, Leverage: 0},
	}
	assert.Equal(t, 2*100/5.0+1*50, openMarginFromPositions(positions))
}
