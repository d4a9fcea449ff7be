package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpbot/internal/cache"
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

// --- fakes ---

type fakeStore struct {
	open []model.Trade
	all  []model.Trade
}

func (f *fakeStore) OpenTrades() ([]model.Trade, error) { return f.open, nil }
func (f *fakeStore) AllTrades() ([]model.Trade, error)  { return f.all, nil }

type fakeBlacklist struct {
	blocked map[string]bool
}

func (f *fakeBlacklist) IsBlacklisted(symbol string) bool { return f.blocked[symbol] }

type fakeNotifier struct {
	messages []string
}

func (f *fakeNotifier) Notify(msg string) { f.messages = append(f.messages, msg) }

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// flatKlineRows returns n candle rows, flat at price, in the raw
// [][]any shape exchange.Client.Klines expects off the wire.
func flatKlineRows(n int, price float64) [][]any {
	rows := make([][]any, n)
	base := time.Now().Add(-time.Duration(n) * time.Hour).UnixMilli()
	for i := 0; i < n; i++ {
		t := base + int64(i)*3_600_000
		rows[i] = []any{
			float64(t),
			fmt.Sprintf("%.4f", price), fmt.Sprintf("%.4f", price),
			fmt.Sprintf("%.4f", price), fmt.Sprintf("%.4f", price),
			"100.0", float64(t + 3_600_000), "10000.0",
		}
	}
	return rows
}

func newOrchestrator(t *testing.T, srv *httptest.Server, store Store, bl Blacklist, notifier *fakeNotifier) *Orchestrator {
	t.Helper()
	c := cache.New()
	ex := exchange.New("key", "secret", srv.URL, 0, c)
	sc := scanner.New(ex, c)
	gen := signal.New(nil)
	corr := filter.NewCorrelationFilter(c)
	calc := risk.NewCalculator()
	riskMgr := risk.NewManager(calc, c)
	execStore := &executorFakeStore{}
	execC := executor.New(ex, calc, riskMgr, c, execStore, notifier)
	bus := eventbus.New()
	return New(ex, sc, gen, corr, execC, riskMgr, store, bl, notifier, bus)
}

type executorFakeStore struct{ saved []model.Trade }

func (f *executorFakeStore) SaveTrade(tr model.Trade) error {
	f.saved = append(f.saved, tr)
	return nil
}

func testSettings() *config.Settings {
	return &config.Settings{
		MaxPositions:            3,
		MaxCorrelation:          0.9,
		MaxPositionsPerSector:   0,
		ScannerTopN:             50,
		ScannerMaxSymbols:       20,
		ScannerConcurrency:      4,
		MinQuoteVolumeUSDT24h:   0,
		MaxSpreadPctCore:        1.0,
		MaxSpreadPctSniper:      1.0,
		RiskPerTrade:            0.02,
		MaxPortfolioRisk:        0.5,
		MaxTotalCapitalUsage:    0.9,
		AutoIsolateMinLeverage:  100,
		DefaultMarginCrossed:    true,
		OrderTimeoutSec:         2,
		AutoMakerSpreadBps:      1000000,
		LimitBufferPct:          0.1,
		TakeProfitParts:         []float64{0.5, 0.3, 0.2},
		IcebergThresholdUSD:     1_000_000,
		DailyMaxLossPct:         1,
		IntradayDrawdownHardPct: 1,
	}
}

// --- pure function tests ---

func TestVolatilityBucketInsufficientData(t *testing.T) {
	interval, factor := volatilityBucket(nil)
	assert.Equal(t, time.Duration(common.DefaultScanIntervalMediumSec)*time.Second, interval)
	assert.Equal(t, 1.0, factor)
}

func TestVolatilityBucketLow(t *testing.T) {
	klines := make([]model.Kline, 30)
	for i := range klines {
		klines[i] = model.Kline{Close: 100}
	}
	interval, factor := volatilityBucket(klines)
	assert.Equal(t, time.Duration(common.DefaultScanIntervalLowSec)*time.Second, interval)
	assert.Equal(t, 0.7, factor)
}

func TestVolatilityBucketMedium(t *testing.T) {
	klines := make([]model.Kline, 30)
	for i := range klines {
		klines[i] = model.Kline{Close: 100}
	}
	klines[len(klines)-1].Close = 103 // 3% move, between 2% and 5%
	interval, factor := volatilityBucket(klines)
	assert.Equal(t, time.Duration(common.DefaultScanIntervalMediumSec)*time.Second, interval)
	assert.Equal(t, 1.0, factor)
}

func TestVolatilityBucketHigh(t *testing.T) {
	klines := make([]model.Kline, 30)
	for i := range klines {
		klines[i] = model.Kline{Close: 100}
	}
	klines[len(klines)-1].Close = 110 // 10% move
	interval, factor := volatilityBucket(klines)
	assert.Equal(t, time.Duration(common.DefaultScanIntervalHighSec)*time.Second, interval)
	assert.Equal(t, 1.5, factor)
}

func TestOpenMarginFromPositions(t *testing.T) {
	positions := []model.OpenExchangePosition{
		{Symbol: "BTCUSDT", PositionAmt: 1, EntryPrice: 100, Leverage: 10},
		{Symbol: "ETHUSDT", PositionAmt: -2, EntryPrice: 50, Leverage: 0}, // zero leverage floors to 1
	}
	margin := openMarginFromPositions(positions)
	assert.InDelta(t, 10+100, margin, 0.0001)
}

func TestMaxInt(t *testing.T) {
	assert.Equal(t, 5, maxInt(5, 3))
	assert.Equal(t, 5, maxInt(3, 5))
}

// --- ActivityTracker tests ---

func TestTradesTodayCountsSinceUTCMidnight(t *testing.T) {
	store := &fakeStore{all: []model.Trade{
		{OpenedAt: time.Now().UTC()},
		{OpenedAt: time.Now().UTC().Add(-48 * time.Hour)},
	}}
	o := &Orchestrator{store: store}
	n, err := o.TradesToday()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOpenPositionsCountReturnsLength(t *testing.T) {
	store := &fakeStore{open: []model.Trade{{ID: "1"}, {ID: "2"}}}
	o := &Orchestrator{store: store}
	n, err := o.OpenPositionsCount()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// --- RunCycle early-exit tests ---

func TestRunCycleSkipsWhenBanned(t *testing.T) {
	klineCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/ticker/price", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTeapot)
	})
	mux.HandleFunc("/fapi/v1/klines", func(w http.ResponseWriter, r *http.Request) {
		klineCalls++
		writeJSON(w, flatKlineRows(30, 100))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := &fakeStore{}
	notifier := &fakeNotifier{}
	o := newOrchestrator(t, srv, store, &fakeBlacklist{}, notifier)

	_, err := o.exchange.SymbolPrice(context.Background(), "BTCUSDT")
	require.Error(t, err)
	banned, _ := o.exchange.Banned()
	require.True(t, banned)

	next, err := o.RunCycle(context.Background(), testSettings())
	require.NoError(t, err)
	assert.Greater(t, next, time.Duration(0))
	assert.Zero(t, klineCalls, "banned cycle must not fetch BTC klines")
}

func TestRunCycleSkipsWhenNoFreeSlots(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/klines", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, flatKlineRows(250, 100))
	})
	mux.HandleFunc("/fapi/v2/account", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"totalWalletBalance": "10000",
			"availableBalance":   "10000",
			"positions": []map[string]any{
				{"symbol": "BTCUSDT", "positionAmt": "1", "entryPrice": "100", "markPrice": "100", "unrealizedProfit": "0", "leverage": "10", "marginType": "isolated", "liquidationPrice": "0", "isolatedMargin": "10"},
				{"symbol": "ETHUSDT", "positionAmt": "1", "entryPrice": "100", "markPrice": "100", "unrealizedProfit": "0", "leverage": "10", "marginType": "isolated", "liquidationPrice": "0", "isolatedMargin": "10"},
				{"symbol": "SOLUSDT", "positionAmt": "1", "entryPrice": "100", "markPrice": "100", "unrealizedProfit": "0", "leverage": "10", "marginType": "isolated", "liquidationPrice": "0", "isolatedMargin": "10"},
			},
		})
	})
	scanCalled := false
	mux.HandleFunc("/fapi/v1/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		scanCalled = true
		writeJSON(w, map[string]any{"symbols": []map[string]any{}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	settings := testSettings()
	settings.MaxPositions = 3

	o := newOrchestrator(t, srv, &fakeStore{}, &fakeBlacklist{}, &fakeNotifier{})
	next, err := o.RunCycle(context.Background(), settings)
	require.NoError(t, err)
	assert.Greater(t, next, time.Duration(0))
	assert.False(t, scanCalled, "no free slots must skip the scan stage")
}

func TestRunCycleSkipsWhenScanIsEmpty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/klines", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, flatKlineRows(250, 100))
	})
	mux.HandleFunc("/fapi/v2/account", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"totalWalletBalance": "10000",
			"availableBalance":   "10000",
			"positions":          []map[string]any{},
		})
	})
	mux.HandleFunc("/fapi/v1/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"symbols": []map[string]any{}})
	})
	mux.HandleFunc("/fapi/v1/ticker/24hr", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	o := newOrchestrator(t, srv, &fakeStore{}, &fakeBlacklist{}, &fakeNotifier{})
	next, err := o.RunCycle(context.Background(), testSettings())
	require.NoError(t, err)
	assert.Greater(t, next, time.Duration(0))
	assert.Equal(t, 1, o.dashboard.Snapshot().Samples, "RunCycle's deferred metrics record must run even on an early-empty-scan return")
	assert.Equal(t, 0.0, o.dashboard.Snapshot().AvgScanned)
}

// --- filterSignals tests ---

func TestFilterSignalsDropsBlacklistedSymbols(t *testing.T) {
	o := &Orchestrator{blacklist: &fakeBlacklist{blocked: map[string]bool{"BTCUSDT": true}}, correlation: filter.NewCorrelationFilter(cache.New())}
	signals := []model.Signal{{Symbol: "BTCUSDT", Direction: model.Long, Score: 80}}
	out := o.filterSignals(context.Background(), signals, nil, testSettings())
	assert.Empty(t, out)
}

func TestFilterSignalsPassesThroughWhenPermissive(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/klines", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, flatKlineRows(31, 100))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := cache.New()
	ex := exchange.New("key", "secret", srv.URL, 0, c)
	o := &Orchestrator{
		exchange:    ex,
		blacklist:   &fakeBlacklist{},
		correlation: filter.NewCorrelationFilter(c),
	}
	signals := []model.Signal{
		{Symbol: "BTCUSDT", Direction: model.Long, Score: 90},
		{Symbol: "ETHUSDT", Direction: model.Long, Score: 80},
	}
	settings := testSettings()
	settings.MaxCorrelation = 1.1 // above any possible |corr|, nothing rejected on correlation grounds
	out := o.filterSignals(context.Background(), signals, nil, settings)
	assert.Len(t, out, 2)
}

// --- executeSignals tests ---

func newTestSignal(symbol string) model.Signal {
	return model.Signal{
		Symbol:      symbol,
		Direction:   model.Long,
		EntryPrice:  100,
		StopLoss:    95,
		TakeProfit1: 105,
		TakeProfit2: 110,
		TakeProfit3: 115,
		Leverage:    10,
		Score:       70,
		Enrichment:  model.SignalEnrichment{ATR: 2},
	}
}

func newExecFillMux(t *testing.T, filled bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/depth", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"bids": [][]string{{"100.0", "10"}},
			"asks": [][]string{{"100.1", "10"}},
		})
	})
	mux.HandleFunc("/fapi/v1/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"symbols": []map[string]any{
				{
					"symbol": "BTCUSDT", "status": "TRADING",
					"pricePrecision": 2, "quantityPrecision": 3,
					"filters": []map[string]any{
						{"filterType": "PRICE_FILTER", "tickSize": "0.01"},
						{"filterType": "LOT_SIZE", "stepSize": "0.001", "minQty": "0.001", "maxQty": "1000"},
						{"filterType": "MIN_NOTIONAL", "notional": "5"},
					},
				},
			},
		})
	})
	mux.HandleFunc("/fapi/v1/leverageBracket", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{
			{"symbol": "BTCUSDT", "brackets": []map[string]any{
				{"bracket": 1, "initialLeverage": 20, "notionalCap": 50000.0, "notionalFloor": 0.0},
			}},
		})
	})
	mux.HandleFunc("/fapi/v1/leverage", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"leverage": 10, "symbol": "BTCUSDT"})
	})
	mux.HandleFunc("/fapi/v1/marginType", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"code": 200})
	})
	orderCalls := 0
	mux.HandleFunc("/fapi/v1/order", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			orderCalls++
			status, avgPrice, qty := "NEW", "0", "0"
			if filled {
				status, avgPrice, qty = "FILLED", "100.1", "1.0"
			}
			writeJSON(w, map[string]any{"orderId": orderCalls, "clientOrderId": "c1", "status": status, "avgPrice": avgPrice, "executedQty": qty})
			return
		}
		writeJSON(w, map[string]any{"orderId": orderCalls, "clientOrderId": "c1", "status": "FILLED", "avgPrice": "100.1", "executedQty": "1.0"})
	})
	return httptest.NewServer(mux)
}

func TestExecuteSignalsCountsExecutedAndTracksMargin(t *testing.T) {
	srv := newExecFillMux(t, true)
	defer srv.Close()

	notifier := &fakeNotifier{}
	o := newOrchestrator(t, srv, &fakeStore{}, &fakeBlacklist{}, notifier)

	signals := []model.Signal{newTestSignal("BTCUSDT")}
	executed, rejected := o.executeSignals(context.Background(), signals, 10000, nil, testSettings(), "cycle-1")
	assert.Equal(t, 1, executed)
	assert.Equal(t, 0, rejected)
	assert.NotEmpty(t, notifier.messages)
}

func TestExecuteSignalsCountsRejectedOnWideSpread(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/depth", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"bids": [][]string{{"90.0", "10"}},
			"asks": [][]string{{"100.0", "10"}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	notifier := &fakeNotifier{}
	o := newOrchestrator(t, srv, &fakeStore{}, &fakeBlacklist{}, notifier)

	signals := []model.Signal{newTestSignal("BTCUSDT")}
	executed, rejected := o.executeSignals(context.Background(), signals, 10000, nil, testSettings(), "cycle-1")
	assert.Equal(t, 0, executed)
	assert.Equal(t, 1, rejected)
	assert.Empty(t, notifier.messages)
}
