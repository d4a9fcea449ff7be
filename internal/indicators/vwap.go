// Package indicators computes the technical indicator battery the signal
// generator scores against: trend (EMA/ADX), momentum (RSI/MACD),
// volatility (Bollinger; ATR lives in internal/risk), and the microstructure features (VWAP,
// depth/tick imbalance) carried over from the donor's feature package.
package indicators

import (
	"container/ring"
	"math"
	"sync"
	"time"
)

type sample struct {
	p, v float64
	t    time.Time
}

// VWAP is a volume-weighted average price calculator over a sliding time
// window, backed by a ring buffer with a sample pool to keep allocations off
// the hot path during streaming trade ingestion.
type VWAP struct {
	win         time.Duration
	ring        *ring.Ring
	mu          sync.RWMutex
	maxSize     int
	currentSize int
	pool        sync.Pool
}

// NewVWAP creates a VWAP accumulator over the given time window, retaining
// up to size samples.
func NewVWAP(win time.Duration, size int) *VWAP {
	if size <= 0 {
		size = 1
	}
	if win <= 0 {
		win = time.Minute
	}
	return &VWAP{
		win:     win,
		ring:    ring.New(size),
		maxSize: size,
		pool: sync.Pool{
			New: func() any { return &sample{} },
		},
	}
}

// Add records a trade print.
func (v *VWAP) Add(price, volume float64) {
	if math.IsNaN(price) || math.IsInf(price, 0) || price < 0 {
		return
	}
	if math.IsNaN(volume) || math.IsInf(volume, 0) || volume < 0 {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	s := v.pool.Get().(*sample)
	s.p, s.v, s.t = price, volume, time.Now()

	if old, ok := v.ring.Value.(*sample); ok && old != nil {
		v.pool.Put(old)
	}
	v.ring.Value = s
	v.ring = v.ring.Next()

	if v.currentSize < v.maxSize {
		v.currentSize++
	}
}

// Calc returns the volume-weighted average price and standard deviation of
// samples within the time window.
func (v *VWAP) Calc() (value, std float64) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.currentSize == 0 {
		return 0, 0
	}

	cutoff := time.Now().Add(-v.win)
	var pv, vv float64
	var count int
	valid := make([]sample, 0, v.currentSize)

	v.ring.Do(func(x any) {
		s, ok := x.(*sample)
		if !ok || s == nil || !s.t.After(cutoff) {
			return
		}
		pv += s.p * s.v
		vv += s.v
		valid = append(valid, *s)
		count++
	})

	if vv == 0 || count == 0 {
		return 0, 0
	}
	value = pv / vv
	if count == 1 {
		return value, 0
	}

	var weightedVariance float64
	for _, s := range valid {
		d := s.p - value
		weightedVariance += s.v * d * d
	}
	variance := weightedVariance / vv
	if variance > 0 {
		std = math.Sqrt(variance)
	}
	return value, std
}

// Reset clears all recorded samples.
func (v *VWAP) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	cur := v.ring
	for i := 0; i < v.maxSize; i++ {
		if s, ok := cur.Value.(*sample); ok && s != nil {
			v.pool.Put(s)
		}
		cur.Value = nil
		cur = cur.Next()
	}
	v.currentSize = 0
}

// Size returns the current number of samples held in the window.
func (v *VWAP) Size() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.currentSize
}
