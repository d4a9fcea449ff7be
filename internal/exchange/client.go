// Package exchange is the single collaborator through which the rest of
// the bot talks to the venue: REST for account/order/market-data calls and
// a WebSocket feed for the user-data and mini-ticker streams. Every call
// retries transient failures with exponential backoff and surfaces fatal
// codes (bans, bad config) immediately as common.ErrFatalExchange, per
// the exchange client's collaborator contract.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"

	"perpbot/internal/cache"
	"perpbot/internal/common"
	"perpbot/internal/model"
)

// httpStatusIPBan is the venue's IP-ban status code; distinct from the
// ordinary 429 rate-limit code, which stays a transient/retryable error.
const httpStatusIPBan = 418

// Client is a USDM-futures-style REST client, pooled and retried the way
// the donor's bitunix REST client was, generalized to the exchange
// contract's full operation set.
type Client struct {
	key, secret, base string
	rest              *resty.Client
	cache             *cache.Cache
	bannedUntil       atomic.Int64 // unix nanos; 0 means not banned
}

// New builds a Client against baseURL, using c for the account-balance,
// price, and symbol-info TTL caches described in §6.
func New(key, secret, baseURL string, timeout time.Duration, c *cache.Cache) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	r := resty.New().SetTransport(transport)
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	r.SetTimeout(timeout)

	return &Client{key: key, secret: secret, base: strings.TrimRight(baseURL, "/"), rest: r, cache: c}
}

// retry runs fn up to 3 times with 1s/2s/4s backoff, per §4.1's failure
// model. A fatal error (wrapping common.ErrFatalExchange) short-circuits
// immediately without consuming remaining attempts.
func retry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	b := &backoff.Backoff{Min: time.Second, Max: 4 * time.Second, Factor: 2, Jitter: false}
	var zero T
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		var ke *common.KindError
		if errors.As(err, &ke) && ke.Kind == common.ErrFatalExchange {
			return zero, err
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return zero, lastErr
}

func (c *Client) signQuery(params url.Values) url.Values {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	params.Set("timestamp", ts)
	sig := sign(c.secret, params.Encode())
	params.Set("signature", sig)
	return params
}

func (c *Client) get(ctx context.Context, path string, params url.Values, signed bool, out any) error {
	req := c.rest.R().SetContext(ctx)
	if c.key != "" {
		req.SetHeader("X-MBX-APIKEY", c.key)
	}
	if signed {
		params = c.signQuery(params)
	}
	req.SetQueryParamsFromValues(params)
	resp, err := req.Get(c.base + path)
	if err != nil {
		return common.NewTransient("exchange request failed", err)
	}
	return c.classify(resp, out)
}

func (c *Client) post(ctx context.Context, path string, params url.Values) (*resty.Response, error) {
	req := c.rest.R().SetContext(ctx).SetHeader("X-MBX-APIKEY", c.key)
	params = c.signQuery(params)
	req.SetFormDataFromValues(params)
	resp, err := req.Post(c.base + path)
	if err != nil {
		return nil, common.NewTransient("exchange request failed", err)
	}
	if err := c.classify(resp, nil); err != nil {
		return resp, err
	}
	return resp, nil
}

func (c *Client) delete(ctx context.Context, path string, params url.Values) error {
	req := c.rest.R().SetContext(ctx).SetHeader("X-MBX-APIKEY", c.key)
	params = c.signQuery(params)
	req.SetQueryParamsFromValues(params)
	resp, err := req.Delete(c.base + path)
	if err != nil {
		return common.NewTransient("exchange request failed", err)
	}
	return c.classify(resp, nil)
}

// Banned reports whether the client is still inside a venue-imposed ban
// window (HTTP 418) and, if so, how much of it remains. The orchestrator
// checks this at the top of every cycle and sleeps rather than scanning.
func (c *Client) Banned() (bool, time.Duration) {
	until := c.bannedUntil.Load()
	if until == 0 {
		return false, 0
	}
	remaining := time.Until(time.Unix(0, until))
	if remaining <= 0 {
		return false, 0
	}
	return true, remaining
}

func (c *Client) classify(resp *resty.Response, out any) error {
	if resp.StatusCode() == httpStatusIPBan {
		retryAfter := 60 * time.Second
		if ra := resp.Header().Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		c.bannedUntil.Store(time.Now().Add(retryAfter).UnixNano())
		return common.NewFatalExchange("exchange banned this client", fmt.Errorf("status 418, retry after %s", retryAfter))
	}
	if resp.StatusCode() == http.StatusForbidden || resp.StatusCode() == http.StatusUnauthorized {
		return common.NewFatalExchange("exchange rejected credentials", fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}
	if resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500 {
		return common.NewTransient(fmt.Sprintf("exchange returned status %d", resp.StatusCode()), nil)
	}
	if resp.StatusCode() >= 400 {
		return common.NewFatalExchange("exchange rejected request", fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return common.NewDataQuality("malformed exchange response", err)
	}
	return nil
}

// AccountBalance returns {total, available, positions[]}, cached 10s.
func (c *Client) AccountBalance(ctx context.Context) (model.AccountBalance, error) {
	const key = "binance:account:balance"
	if v, ok := c.cache.Get(key); ok {
		return v.(model.AccountBalance), nil
	}
	bal, err := retry(ctx, func() (model.AccountBalance, error) {
		var raw struct {
			TotalWalletBalance     string `json:"totalWalletBalance"`
			AvailableBalance       string `json:"availableBalance"`
			Positions              []struct {
				Symbol           string `json:"symbol"`
				PositionAmt      string `json:"positionAmt"`
				EntryPrice       string `json:"entryPrice"`
				MarkPrice        string `json:"markPrice"`
				UnrealizedProfit string `json:"unrealizedProfit"`
				Leverage         string `json:"leverage"`
				MarginType       string `json:"marginType"`
				LiquidationPrice string `json:"liquidationPrice"`
				IsolatedMargin   string `json:"isolatedMargin"`
			} `json:"positions"`
		}
		if err := c.get(ctx, "/fapi/v2/account", url.Values{}, true, &raw); err != nil {
			return model.AccountBalance{}, err
		}
		total := parseFloat(raw.TotalWalletBalance)
		avail := parseFloat(raw.AvailableBalance)
		if total < 0 || avail < 0 {
			return model.AccountBalance{}, common.NewDataQuality("negative balance reported", nil)
		}
		positions := make([]model.OpenExchangePosition, 0, len(raw.Positions))
		for _, p := range raw.Positions {
			amt := parseFloat(p.PositionAmt)
			if amt == 0 {
				continue
			}
			positions = append(positions, model.OpenExchangePosition{
				Symbol:           p.Symbol,
				PositionAmt:      amt,
				EntryPrice:       parseFloat(p.EntryPrice),
				MarkPrice:        parseFloat(p.MarkPrice),
				UnrealizedPnL:    parseFloat(p.UnrealizedProfit),
				Leverage:         int(parseFloat(p.Leverage)),
				MarginType:       p.MarginType,
				LiquidationPrice: parseFloat(p.LiquidationPrice),
				IsolatedMargin:   parseFloat(p.IsolatedMargin),
			})
		}
		return model.AccountBalance{Total: total, Available: avail, Positions: positions}, nil
	})
	if err != nil {
		return model.AccountBalance{}, err
	}
	c.cache.Set(key, bal, 10*time.Second)
	return bal, nil
}

// SymbolPrice returns the last traded price, cached 2s (WS-overwritten 10s).
func (c *Client) SymbolPrice(ctx context.Context, symbol string) (float64, error) {
	key := "binance:price:" + symbol
	if v, ok := c.cache.GetFloat(key); ok {
		return v, nil
	}
	price, err := retry(ctx, func() (float64, error) {
		var raw struct {
			Price string `json:"price"`
		}
		params := url.Values{"symbol": {symbol}}
		if err := c.get(ctx, "/fapi/v1/ticker/price", params, false, &raw); err != nil {
			return 0, err
		}
		p := parseFloat(raw.Price)
		if p <= 0 {
			return 0, common.NewDataQuality("non-positive price reported", nil)
		}
		return p, nil
	})
	if err != nil {
		return 0, err
	}
	c.cache.Set(key, price, 2*time.Second)
	return price, nil
}

// UpdatePrice pushes a WS mini-ticker tick into the price cache with the
// 10s WS-overwritten TTL.
func (c *Client) UpdatePrice(symbol string, price float64) {
	c.cache.Set("binance:price:"+symbol, price, 10*time.Second)
}

// Klines fetches limit candles at interval for symbol.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]model.Kline, error) {
	return retry(ctx, func() ([]model.Kline, error) {
		var raw [][]any
		params := url.Values{"symbol": {symbol}, "interval": {interval}, "limit": {strconv.Itoa(limit)}}
		if err := c.get(ctx, "/fapi/v1/klines", params, false, &raw); err != nil {
			return nil, err
		}
		out := make([]model.Kline, 0, len(raw))
		for _, row := range raw {
			if len(row) < 8 {
				continue
			}
			openTime, _ := row[0].(float64)
			out = append(out, model.Kline{
				OpenTime:    time.UnixMilli(int64(openTime)),
				Open:        parseFloat(fmt.Sprint(row[1])),
				High:        parseFloat(fmt.Sprint(row[2])),
				Low:         parseFloat(fmt.Sprint(row[3])),
				Close:       parseFloat(fmt.Sprint(row[4])),
				Volume:      parseFloat(fmt.Sprint(row[5])),
				QuoteVolume: parseFloat(fmt.Sprint(row[7])),
			})
		}
		return out, nil
	})
}

// SymbolInfo returns tick/step/min-max-qty/min-notional/precisions, cached 1h.
func (c *Client) SymbolInfo(ctx context.Context, symbol string) (model.Symbol, error) {
	key := "binance:symbol_info:" + symbol
	if v, ok := c.cache.Get(key); ok {
		return v.(model.Symbol), nil
	}
	info, err := retry(ctx, func() (model.Symbol, error) {
		var raw struct {
			Symbols []struct {
				Symbol            string `json:"symbol"`
				Status            string `json:"status"`
				PricePrecision    int    `json:"pricePrecision"`
				QuantityPrecision int    `json:"quantityPrecision"`
				Filters           []struct {
					FilterType  string `json:"filterType"`
					TickSize    string `json:"tickSize"`
					StepSize    string `json:"stepSize"`
					MinQty      string `json:"minQty"`
					MaxQty      string `json:"maxQty"`
					Notional    string `json:"notional"`
				} `json:"filters"`
			} `json:"symbols"`
		}
		params := url.Values{"symbol": {symbol}}
		if err := c.get(ctx, "/fapi/v1/exchangeInfo", params, false, &raw); err != nil {
			return model.Symbol{}, err
		}
		if len(raw.Symbols) == 0 {
			return model.Symbol{}, common.NewDataQuality("symbol not found in exchange info", nil)
		}
		s := raw.Symbols[0]
		out := model.Symbol{Symbol: s.Symbol, Status: s.Status, PricePrecision: s.PricePrecision, QuantityPrecision: s.QuantityPrecision}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				out.TickSize = parseFloat(f.TickSize)
			case "LOT_SIZE":
				out.StepSize = parseFloat(f.StepSize)
				out.MinQty = parseFloat(f.MinQty)
				out.MaxQty = parseFloat(f.MaxQty)
			case "MIN_NOTIONAL":
				out.MinNotional = parseFloat(f.Notional)
			}
		}
		return out, nil
	})
	if err != nil {
		return model.Symbol{}, err
	}
	c.cache.Set(key, info, time.Hour)
	return info, nil
}

// Ticker24h is one symbol's rolling 24h window from the exchange ticker
// endpoint, the scanner's ranking input.
type Ticker24h struct {
	Symbol          string
	PriceChangePct  float64
	LastPrice       float64
	QuoteVolume     float64
}

// Tickers24h returns the 24h ticker window for every symbol.
func (c *Client) Tickers24h(ctx context.Context) ([]Ticker24h, error) {
	return retry(ctx, func() ([]Ticker24h, error) {
		var raw []struct {
			Symbol             string `json:"symbol"`
			PriceChangePercent string `json:"priceChangePercent"`
			LastPrice          string `json:"lastPrice"`
			QuoteVolume        string `json:"quoteVolume"`
		}
		if err := c.get(ctx, "/fapi/v1/ticker/24hr", url.Values{}, false, &raw); err != nil {
			return nil, err
		}
		out := make([]Ticker24h, len(raw))
		for i, r := range raw {
			out[i] = Ticker24h{
				Symbol:         r.Symbol,
				PriceChangePct: parseFloat(r.PriceChangePercent),
				LastPrice:      parseFloat(r.LastPrice),
				QuoteVolume:    parseFloat(r.QuoteVolume),
			}
		}
		return out, nil
	})
}

// ExchangeSymbols lists every USDT-quoted, TRADING, PERPETUAL contract.
func (c *Client) ExchangeSymbols(ctx context.Context) ([]string, error) {
	return retry(ctx, func() ([]string, error) {
		var raw struct {
			Symbols []struct {
				Symbol       string `json:"symbol"`
				Status       string `json:"status"`
				QuoteAsset   string `json:"quoteAsset"`
				ContractType string `json:"contractType"`
			} `json:"symbols"`
		}
		if err := c.get(ctx, "/fapi/v1/exchangeInfo", url.Values{}, false, &raw); err != nil {
			return nil, err
		}
		out := make([]string, 0, len(raw.Symbols))
		for _, s := range raw.Symbols {
			if s.QuoteAsset == "USDT" && s.Status == "TRADING" && s.ContractType == "PERPETUAL" {
				out = append(out, s.Symbol)
			}
		}
		return out, nil
	})
}

// OpenPositions lists currently open positions from the exchange.
func (c *Client) OpenPositions(ctx context.Context) ([]model.OpenExchangePosition, error) {
	bal, err := c.AccountBalance(ctx)
	if err != nil {
		return nil, err
	}
	return bal.Positions, nil
}

// CreateOrder submits an order and returns the exchange's view of it.
func (c *Client) CreateOrder(ctx context.Context, req model.OrderRequest) (model.Order, error) {
	return retry(ctx, func() (model.Order, error) {
		params := url.Values{
			"symbol":   {req.Symbol},
			"side":     {string(req.Side)},
			"type":     {string(req.Type)},
			"quantity": {strconv.FormatFloat(req.Quantity, 'f', -1, 64)},
		}
		if req.Price > 0 {
			params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
		}
		if req.StopPrice > 0 {
			params.Set("stopPrice", strconv.FormatFloat(req.StopPrice, 'f', -1, 64))
		}
		if req.TimeInForce != "" {
			params.Set("timeInForce", string(req.TimeInForce))
		}
		if req.ReduceOnly {
			params.Set("reduceOnly", "true")
		}
		if req.WorkingType != "" {
			params.Set("workingType", string(req.WorkingType))
		}
		if req.CallbackRate > 0 {
			params.Set("callbackRate", strconv.FormatFloat(req.CallbackRate, 'f', -1, 64))
		}
		if req.ClientOrderID != "" {
			params.Set("newClientOrderId", req.ClientOrderID)
		}
		var raw struct {
			OrderID       int64  `json:"orderId"`
			ClientOrderID string `json:"clientOrderId"`
			Status        string `json:"status"`
			AvgPrice      string `json:"avgPrice"`
			ExecutedQty   string `json:"executedQty"`
		}
		resp, err := c.post(ctx, "/fapi/v1/order", params)
		if err != nil {
			return model.Order{}, err
		}
		if err := json.Unmarshal(resp.Body(), &raw); err != nil {
			return model.Order{}, common.NewDataQuality("malformed order response", err)
		}
		return model.Order{
			OrderID:       strconv.FormatInt(raw.OrderID, 10),
			ClientID: raw.ClientOrderID,
			Symbol:        req.Symbol,
			Status:        raw.Status,
			AvgPrice:      parseFloat(raw.AvgPrice),
			ExecutedQty:   parseFloat(raw.ExecutedQty),
		}, nil
	})
}

// CancelOrder cancels a single resting order.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := retry(ctx, func() (struct{}, error) {
		params := url.Values{"symbol": {symbol}, "orderId": {orderID}}
		return struct{}{}, c.delete(ctx, "/fapi/v1/order", params)
	})
	return err
}

// CancelAllOpenOrders cancels every resting order on symbol.
func (c *Client) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	_, err := retry(ctx, func() (struct{}, error) {
		params := url.Values{"symbol": {symbol}}
		return struct{}{}, c.delete(ctx, "/fapi/v1/allOpenOrders", params)
	})
	return err
}

// GetOrder fetches the current state of an order.
func (c *Client) GetOrder(ctx context.Context, symbol, orderID string) (model.Order, error) {
	return retry(ctx, func() (model.Order, error) {
		var raw struct {
			OrderID       int64  `json:"orderId"`
			ClientOrderID string `json:"clientOrderId"`
			Status        string `json:"status"`
			AvgPrice      string `json:"avgPrice"`
			ExecutedQty   string `json:"executedQty"`
		}
		params := url.Values{"symbol": {symbol}, "orderId": {orderID}}
		if err := c.get(ctx, "/fapi/v1/order", params, true, &raw); err != nil {
			return model.Order{}, err
		}
		return model.Order{
			OrderID: strconv.FormatInt(raw.OrderID, 10), ClientID: raw.ClientOrderID,
			Symbol: symbol, Status: raw.Status, AvgPrice: parseFloat(raw.AvgPrice), ExecutedQty: parseFloat(raw.ExecutedQty),
		}, nil
	})
}

// ChangeLeverage sets symbol's leverage.
func (c *Client) ChangeLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := retry(ctx, func() (struct{}, error) {
		params := url.Values{"symbol": {symbol}, "leverage": {strconv.Itoa(leverage)}}
		_, err := c.post(ctx, "/fapi/v1/leverage", params)
		return struct{}{}, err
	})
	return err
}

// EnsureMarginType sets symbol's margin type. Any error from the request is
// logged at debug level and treated as the margin type already being set;
// the error code is not inspected, so a rejected request never surfaces as
// an error.
func (c *Client) EnsureMarginType(ctx context.Context, symbol string, isolated bool) error {
	mode := "CROSSED"
	if isolated {
		mode = "ISOLATED"
	}
	_, err := retry(ctx, func() (struct{}, error) {
		params := url.Values{"symbol": {symbol}, "marginType": {mode}}
		_, err := c.post(ctx, "/fapi/v1/marginType", params)
		if err != nil {
			log.Debug().Err(err).Str("symbol", symbol).Msg("margin type change rejected, assuming already set")
			return struct{}{}, nil
		}
		return struct{}{}, nil
	})
	return err
}

// EnsurePositionMode sets hedge (dual-side) vs one-way position mode.
func (c *Client) EnsurePositionMode(ctx context.Context, dualSide bool) error {
	_, err := retry(ctx, func() (struct{}, error) {
		params := url.Values{"dualSidePosition": {strconv.FormatBool(dualSide)}}
		_, err := c.post(ctx, "/fapi/v1/positionSide/dual", params)
		if err != nil {
			return struct{}{}, nil
		}
		return struct{}{}, nil
	})
	return err
}

// LeverageBrackets returns the ascending-floor notional/leverage table.
func (c *Client) LeverageBrackets(ctx context.Context, symbol string) ([]model.LeverageBracket, error) {
	return retry(ctx, func() ([]model.LeverageBracket, error) {
		var raw []struct {
			Symbol   string `json:"symbol"`
			Brackets []struct {
				Bracket          int     `json:"bracket"`
				InitialLeverage  int     `json:"initialLeverage"`
				NotionalCap      float64 `json:"notionalCap"`
				NotionalFloor    float64 `json:"notionalFloor"`
			} `json:"brackets"`
		}
		params := url.Values{"symbol": {symbol}}
		if err := c.get(ctx, "/fapi/v1/leverageBracket", params, true, &raw); err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			return nil, common.NewDataQuality("no leverage brackets returned", nil)
		}
		out := make([]model.LeverageBracket, 0, len(raw[0].Brackets))
		for _, b := range raw[0].Brackets {
			out = append(out, model.LeverageBracket{Floor: b.NotionalFloor, Cap: b.NotionalCap, MaxInitialLeverage: b.InitialLeverage})
		}
		return out, nil
	})
}

// PremiumIndex returns the mark/index/funding snapshot for symbol.
func (c *Client) PremiumIndex(ctx context.Context, symbol string) (model.PremiumIndex, error) {
	return retry(ctx, func() (model.PremiumIndex, error) {
		var raw struct {
			MarkPrice       string `json:"markPrice"`
			IndexPrice      string `json:"indexPrice"`
			LastFundingRate string `json:"lastFundingRate"`
			NextFundingTime int64  `json:"nextFundingTime"`
		}
		params := url.Values{"symbol": {symbol}}
		if err := c.get(ctx, "/fapi/v1/premiumIndex", params, false, &raw); err != nil {
			return model.PremiumIndex{}, err
		}
		return model.PremiumIndex{
			Mark: parseFloat(raw.MarkPrice), Index: parseFloat(raw.IndexPrice),
			LastFundingRate: parseFloat(raw.LastFundingRate), NextFundingTime: time.UnixMilli(raw.NextFundingTime),
		}, nil
	})
}

// OpenInterest returns the current open-interest notional for symbol.
func (c *Client) OpenInterest(ctx context.Context, symbol string) (float64, error) {
	return retry(ctx, func() (float64, error) {
		var raw struct {
			OpenInterest string `json:"openInterest"`
		}
		params := url.Values{"symbol": {symbol}}
		if err := c.get(ctx, "/fapi/v1/openInterest", params, false, &raw); err != nil {
			return 0, err
		}
		return parseFloat(raw.OpenInterest), nil
	})
}

// OpenInterestHistory returns open-interest values over lookback periods.
func (c *Client) OpenInterestHistory(ctx context.Context, symbol, period string, limit int) ([]float64, error) {
	return retry(ctx, func() ([]float64, error) {
		var raw []struct {
			SumOpenInterest string `json:"sumOpenInterest"`
		}
		params := url.Values{"symbol": {symbol}, "period": {period}, "limit": {strconv.Itoa(limit)}}
		if err := c.get(ctx, "/futures/data/openInterestHist", params, false, &raw); err != nil {
			return nil, err
		}
		out := make([]float64, len(raw))
		for i, r := range raw {
			out[i] = parseFloat(r.SumOpenInterest)
		}
		return out, nil
	})
}

// TakerLongShortRatio returns the taker buy/sell volume ratio series.
func (c *Client) TakerLongShortRatio(ctx context.Context, symbol, period string, limit int) ([]float64, error) {
	return retry(ctx, func() ([]float64, error) {
		var raw []struct {
			BuySellRatio string `json:"buySellRatio"`
		}
		params := url.Values{"symbol": {symbol}, "period": {period}, "limit": {strconv.Itoa(limit)}}
		if err := c.get(ctx, "/futures/data/takerlongshortRatio", params, false, &raw); err != nil {
			return nil, err
		}
		out := make([]float64, len(raw))
		for i, r := range raw {
			out[i] = parseFloat(r.BuySellRatio)
		}
		return out, nil
	})
}

// OrderBook returns the best bid/ask volumes, used for the spread check.
type OrderBook struct {
	BestBid, BestAsk       float64
	BestBidQty, BestAskQty float64
}

func (c *Client) OrderBook(ctx context.Context, symbol string, limit int) (OrderBook, error) {
	return retry(ctx, func() (OrderBook, error) {
		var raw struct {
			Bids [][]string `json:"bids"`
			Asks [][]string `json:"asks"`
		}
		params := url.Values{"symbol": {symbol}, "limit": {strconv.Itoa(limit)}}
		if err := c.get(ctx, "/fapi/v1/depth", params, false, &raw); err != nil {
			return OrderBook{}, err
		}
		if len(raw.Bids) == 0 || len(raw.Asks) == 0 {
			return OrderBook{}, common.NewDataQuality("empty order book", nil)
		}
		return OrderBook{
			BestBid: parseFloat(raw.Bids[0][0]), BestBidQty: parseFloat(raw.Bids[0][1]),
			BestAsk: parseFloat(raw.Asks[0][0]), BestAskQty: parseFloat(raw.Asks[0][1]),
		}, nil
	})
}

// ListenKeyStart/Keepalive/Close manage the user-data stream's listen key.
func (c *Client) ListenKeyStart(ctx context.Context) (string, error) {
	return retry(ctx, func() (string, error) {
		var raw struct {
			ListenKey string `json:"listenKey"`
		}
		resp, err := c.post(ctx, "/fapi/v1/listenKey", url.Values{})
		if err != nil {
			return "", err
		}
		if err := json.Unmarshal(resp.Body(), &raw); err != nil {
			return "", common.NewDataQuality("malformed listen key response", err)
		}
		return raw.ListenKey, nil
	})
}

func (c *Client) ListenKeyKeepalive(ctx context.Context) error {
	_, err := retry(ctx, func() (struct{}, error) {
		_, err := c.post(ctx, "/fapi/v1/listenKey", url.Values{})
		return struct{}{}, err
	})
	return err
}

func (c *Client) ListenKeyClose(ctx context.Context) error {
	_, err := retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.delete(ctx, "/fapi/v1/listenKey", url.Values{})
	})
	return err
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}
