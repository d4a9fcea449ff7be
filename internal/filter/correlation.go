// Package filter implements the correlation/sector exposure gate and the
// BTC macro-regime gate applied to scanner/signal output before admission,
// per §4.6 and §4.7.
package filter

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"perpbot/internal/cache"
	"perpbot/internal/model"
)

// CorrelationFilter rejects a candidate symbol whose daily-return
// correlation with any open or already-selected symbol exceeds the
// configured maximum, and enforces the per-sector exposure cap.
type CorrelationFilter struct {
	cache *cache.Cache
}

func NewCorrelationFilter(c *cache.Cache) *CorrelationFilter {
	return &CorrelationFilter{cache: c}
}

// pairKey returns an order-independent cache key for a symbol pair.
func pairKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return "corr:" + pair[0] + ":" + pair[1]
}

// correlation returns the Pearson correlation between two daily-return
// series, cached for 1h under the unordered pair key.
func (f *CorrelationFilter) correlation(a, b string, returnsA, returnsB []float64) float64 {
	key := pairKey(a, b)
	if v, ok := f.cache.GetFloat(key); ok {
		return v
	}
	n := minLen(len(returnsA), len(returnsB))
	if n < 2 {
		return 0
	}
	corr := stat.Correlation(returnsA[:n], returnsB[:n], nil)
	f.cache.Set(key, corr, time.Hour)
	return corr
}

func minLen(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// DailyReturns converts an ordered close-price series into simple daily
// returns, the series correlation is computed over.
func DailyReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		out = append(out, (closes[i]-closes[i-1])/closes[i-1])
	}
	return out
}

// Candidate bundles a signal with the data the filter needs to score it.
type Candidate struct {
	Signal      model.Signal
	DailyReturns []float64
}

// Apply trims signals whose correlation with any open position or
// higher-priority candidate exceeds maxCorrelation, or whose sector is
// already at its exposure cap. Input order is the priority order (e.g.
// already sorted by score); output preserves that order.
func (f *CorrelationFilter) Apply(candidates []Candidate, openPositions []model.OpenExchangePosition, openReturns map[string][]float64, maxCorrelation float64, maxPerSector int) []model.Signal {
	sectorCounts := make(map[Sector]int)
	for _, p := range openPositions {
		sectorCounts[SectorOf(p.Symbol)]++
	}

	var accepted []Candidate
	out := make([]model.Signal, 0, len(candidates))

	for _, c := range candidates {
		sym := c.Signal.Symbol
		sector := SectorOf(sym)
		if maxPerSector > 0 && sectorCounts[sector] >= maxPerSector {
			continue
		}

		violatesCorr := false
		for otherSym, returns := range openReturns {
			if f.correlation(sym, otherSym, c.DailyReturns, returns) > maxCorrelation {
				violatesCorr = true
				break
			}
		}
		if !violatesCorr {
			for _, a := range accepted {
				if f.correlation(sym, a.Signal.Symbol, c.DailyReturns, a.DailyReturns) > maxCorrelation {
					violatesCorr = true
					break
				}
			}
		}
		if violatesCorr {
			continue
		}

		accepted = append(accepted, c)
		sectorCounts[sector]++
		out = append(out, c.Signal)
	}
	return out
}
