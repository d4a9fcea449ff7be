package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpbot/internal/cache"
	"perpbot/internal/common"
	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/model"
	"perpbot/internal/risk"
)

type fakeStore struct {
	saved []model.Trade
}

func (f *fakeStore) SaveTrade(t model.Trade) error {
	f.saved = append(f.saved, t)
	return nil
}

type fakeNotifier struct {
	messages []string
}

func (f *fakeNotifier) Notify(msg string) { f.messages = append(f.messages, msg) }

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestServer(t *testing.T, filled bool) *httptest.Server {
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
			{
				"symbol": "BTCUSDT",
				"brackets": []map[string]any{
					{"bracket": 1, "initialLeverage": 20, "notionalCap": 50000.0, "notionalFloor": 0.0},
				},
			},
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
			status := "NEW"
			avgPrice := "0"
			executedQty := "0"
			if filled {
				status = "FILLED"
				avgPrice = "100.1"
				executedQty = "1.0"
			}
			writeJSON(w, map[string]any{
				"orderId": orderCalls, "clientOrderId": "c1", "status": status,
				"avgPrice": avgPrice, "executedQty": executedQty,
			})
			return
		}
		// GET poll: when filled is false the limit order never fills,
		// forcing pollOrder to time out and executeLimitWithFallback to
		// requote and eventually fall back to MARKET.
		if !filled {
			writeJSON(w, map[string]any{
				"orderId": orderCalls, "clientOrderId": "c1", "status": "NEW",
				"avgPrice": "0", "executedQty": "0",
			})
			return
		}
		writeJSON(w, map[string]any{
			"orderId": orderCalls, "clientOrderId": "c1", "status": "FILLED",
			"avgPrice": "100.1", "executedQty": "1.0",
		})
	})

	return httptest.NewServer(mux)
}

func testExecutorSettings() *config.Settings {
	return &config.Settings{
		MaxSpreadPctCore:        1.0,
		MaxSpreadPctSniper:      1.0,
		MaxPositions:            10,
		RiskPerTrade:            0.02,
		MaxPortfolioRisk:        0.5,
		MaxTotalCapitalUsage:    0.9,
		AutoIsolateMinLeverage:  100,
		DefaultMarginCrossed:    true,
		AllowMarginModeOverride: false,
		OrderTimeoutSec:         2,
		UsePostOnlyEntries:      false,
		AutoMakerSpreadBps:      1000000,
		LimitBufferPct:          0.1,
		TakeProfitParts:         []float64{0.5, 0.3, 0.2},
		EnableBracketBatch:      false,
		EnableTrailingStop:      false,
		HeadroomMinPct:          0,
		IcebergThresholdUSD:     1_000_000,
		DailyMaxLossPct:         1,
		IntradayDrawdownHardPct: 1,
		AllowRiskBypassForForce: false,
	}
}

func newTestSignal() model.Signal {
	return model.Signal{
		Symbol:      "BTCUSDT",
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

func newExecutorAgainst(srv *httptest.Server, store Store, notifier Notifier) *Executor {
	c := cache.New()
	ex := exchange.New("key", "secret", srv.URL, 0, c)
	calc := risk.NewCalculator()
	manager := risk.NewManager(calc, c)
	return New(ex, calc, manager, c, store, notifier)
}

func TestExecuteRejectsOnWideSpread(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/depth", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"bids": [][]string{{"90.0", "10"}},
			"asks": [][]string{{"100.0", "10"}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := &fakeStore{}
	ex := newExecutorAgainst(srv, store, nil)
	_, err := ex.Execute(context.Background(), newTestSignal(), 10000, 0, testExecutorSettings())
	require.Error(t, err)
	reason, ok := common.RejectionOf(err)
	assert.True(t, ok)
	assert.Equal(t, "spread", string(reason))
	assert.Empty(t, store.saved)
}

func TestExecuteHappyPathPersistsTrade(t *testing.T) {
	srv := newTestServer(t, true)
	defer srv.Close()

	store := &fakeStore{}
	notifier := &fakeNotifier{}
	ex := newExecutorAgainst(srv, store, notifier)

	result, err := ex.Execute(context.Background(), newTestSignal(), 10000, 0, testExecutorSettings())
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", result.Trade.Symbol)
	assert.Equal(t, model.StatusOpen, result.Trade.Status)
	assert.Greater(t, result.Trade.Quantity, 0.0)
	require.Len(t, store.saved, 1)
	assert.NotEmpty(t, notifier.messages)
}

func TestExecuteFallsBackToMarketOnTimeout(t *testing.T) {
	srv := newTestServer(t, false)
	defer srv.Close()

	store := &fakeStore{}
	ex := newExecutorAgainst(srv, store, nil)

	settings := testExecutorSettings()
	settings.OrderTimeoutSec = 1

	result, err := ex.Execute(context.Background(), newTestSignal(), 10000, 0, settings)
	require.NoError(t, err)
	require.Len(t, store.saved, 1)
	assert.Greater(t, result.AvgFill, 0.0)
}
