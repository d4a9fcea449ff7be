// Package scanner ranks the tradable symbol universe by recent movement
// and pre-fetches the klines the signal generator needs, grounded on the
// donor's concurrency-capped WS/REST fan-out pattern generalized from
// single-symbol streaming to a semaphore-bounded multi-symbol sweep.
package scanner

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"perpbot/internal/cache"
	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/model"
)

// Item is one scanned symbol with its pre-fetched klines and movement
// score, the scanner's output per §4.4.
type Item struct {
	Symbol         string
	Klines1h       []model.Kline
	Klines4h       []model.Kline
	PriceChangePct float64
	Volatility     float64
	MovementScore  float64
}

// Scanner produces the ranked symbol list consumed by the signal generator.
type Scanner struct {
	exchange *exchange.Client
	cache    *cache.Cache
}

func New(ex *exchange.Client, c *cache.Cache) *Scanner {
	return &Scanner{exchange: ex, cache: c}
}

// Scan runs the full §4.4 algorithm and returns the ranked, truncated list.
func (s *Scanner) Scan(ctx context.Context, settings *config.Settings) ([]Item, error) {
	symbols, err := s.exchange.ExchangeSymbols(ctx)
	if err != nil {
		return nil, err
	}

	tickers, err := s.exchange.Tickers24h(ctx)
	if err != nil {
		return nil, err
	}
	bySymbol := make(map[string]exchange.Ticker24h, len(tickers))
	for _, t := range tickers {
		bySymbol[t.Symbol] = t
	}

	eligible := make([]exchange.Ticker24h, 0, len(symbols))
	allowed := allowedSet(symbols)
	for _, sym := range symbols {
		if !allowed[sym] {
			continue
		}
		t, ok := bySymbol[sym]
		if !ok {
			continue
		}
		eligible = append(eligible, t)
	}

	sort.Slice(eligible, func(i, j int) bool { return eligible[i].QuoteVolume > eligible[j].QuoteVolume })
	if len(eligible) > settings.ScannerTopN {
		eligible = eligible[:settings.ScannerTopN]
	}

	minVolume := settings.MinQuoteVolumeUSDT24h
	testnet := settings.Testnet
	whitelist := whitelistSet(settings, testnet)
	strict := settings.ScannerStrictWhitelist || (testnet && settings.ScannerTestnetStrictWhitelist)

	filtered := eligible[:0]
	for _, t := range eligible {
		if !testnet && minVolume > 0 && t.QuoteVolume < minVolume {
			continue
		}
		if strict && len(whitelist) > 0 && !whitelist[t.Symbol] {
			continue
		}
		filtered = append(filtered, t)
	}

	validated := s.validatePrices(ctx, filtered, settings.ScannerConcurrency)

	items := s.fetchKlinesAndScore(ctx, validated, settings.ScannerConcurrency)

	sort.Slice(items, func(i, j int) bool { return items[i].MovementScore > items[j].MovementScore })
	if len(items) > settings.ScannerMaxSymbols {
		items = items[:settings.ScannerMaxSymbols]
	}
	return items, nil
}

func allowedSet(symbols []string) map[string]bool {
	m := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		m[s] = true
	}
	return m
}

func whitelistSet(settings *config.Settings, testnet bool) map[string]bool {
	list := settings.SymbolWhitelist
	if testnet && len(settings.TestnetWhitelist) > 0 {
		list = settings.TestnetWhitelist
	}
	m := make(map[string]bool, len(list))
	for _, s := range list {
		m[strings.ToUpper(s)] = true
	}
	return m
}

func (s *Scanner) validatePrices(ctx context.Context, tickers []exchange.Ticker24h, concurrency int) []exchange.Ticker24h {
	if concurrency <= 0 {
		concurrency = 4
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var out []exchange.Ticker24h

	for _, t := range tickers {
		t := t
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			price, err := s.exchange.SymbolPrice(ctx, t.Symbol)
			if err != nil || price <= 0 {
				return
			}
			mu.Lock()
			out = append(out, t)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

func (s *Scanner) fetchKlinesAndScore(ctx context.Context, tickers []exchange.Ticker24h, concurrency int) []Item {
	if concurrency <= 0 {
		concurrency = 4
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var out []Item

	for _, t := range tickers {
		t := t
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			cacheKey := "scanner:klines:" + t.Symbol
			var k1h, k4h []model.Kline
			if v, ok := s.cache.Get(cacheKey); ok {
				cached := v.([2][]model.Kline)
				k1h, k4h = cached[0], cached[1]
			} else {
				var err error
				k1h, err = s.exchange.Klines(ctx, t.Symbol, "1h", 200)
				if err != nil {
					return
				}
				k4h, err = s.exchange.Klines(ctx, t.Symbol, "4h", 200)
				if err != nil {
					return
				}
				s.cache.Set(cacheKey, [2][]model.Kline{k1h, k4h}, 60*time.Second)
			}
			if len(k1h) < 15 {
				return
			}

			score := movementScore(k1h)
			mu.Lock()
			out = append(out, Item{
				Symbol:         t.Symbol,
				Klines1h:       k1h,
				Klines4h:       k4h,
				PriceChangePct: t.PriceChangePct,
				Volatility:     meanRange(k1h),
				MovementScore:  score,
			})
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// movementScore = 0.6*|last-1h delta close%| + 0.4*mean((high-low)/low)% over
// the last 14 1h candles, per §4.4.
func movementScore(k1h []model.Kline) float64 {
	n := len(k1h)
	deltaPct := 0.0
	if n >= 2 {
		prev := k1h[n-2].Close
		if prev != 0 {
			deltaPct = math.Abs((k1h[n-1].Close-prev)/prev) * 100
		}
	}
	return 0.6*deltaPct + 0.4*meanRange(k1h)
}

func meanRange(k1h []model.Kline) float64 {
	const window = 14
	n := len(k1h)
	start := n - window
	if start < 0 {
		start = 0
	}
	var sum float64
	count := 0
	for i := start; i < n; i++ {
		k := k1h[i]
		if k.Low == 0 {
			continue
		}
		sum += (k.High - k.Low) / k.Low * 100
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// SniperCandidate is one mid-cap movement candidate per the
// sniper_candidates() auxiliary operation.
type SniperCandidate struct {
	Symbol        string
	PriceChangePct float64
	QuoteVolume   float64
	Rank          float64
}

// SniperCandidates selects mid-cap symbols with 24h volume in [1M, 50M]
// USDT and |change| >= 2%, ranked by change * (1e7/(volume+1)).
func (s *Scanner) SniperCandidates(ctx context.Context, limit int) ([]SniperCandidate, error) {
	tickers, err := s.exchange.Tickers24h(ctx)
	if err != nil {
		return nil, err
	}
	const minVol, maxVol = 1_000_000.0, 50_000_000.0
	candidates := make([]SniperCandidate, 0)
	for _, t := range tickers {
		if t.QuoteVolume < minVol || t.QuoteVolume > maxVol {
			continue
		}
		if math.Abs(t.PriceChangePct) < 2 {
			continue
		}
		rank := t.PriceChangePct * (1e7 / (t.QuoteVolume + 1))
		candidates = append(candidates, SniperCandidate{
			Symbol: t.Symbol, PriceChangePct: t.PriceChangePct, QuoteVolume: t.QuoteVolume, Rank: rank,
		})
	}
	sort.Slice(candidates, func(i, j int) bool { return math.Abs(candidates[i].Rank) > math.Abs(candidates[j].Rank) })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}
