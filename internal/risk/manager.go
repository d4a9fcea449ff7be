package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"perpbot/internal/cache"
	"perpbot/internal/common"
	"perpbot/internal/config"
	"perpbot/internal/model"
)

// Manager admits or rejects signals and enforces the daily/intraday hard
// stops. Admissions are serialized behind a single mutex so concurrent
// cycles cannot over-allocate portfolio risk, per §5's "single-writer mutex
// around validate_trade" requirement and testable property 3.
type Manager struct {
	mu sync.Mutex

	calc  *Calculator
	cache *cache.Cache

	checkpoint      model.DailyRiskCheckpoint
	marketVolFactor float64

	openCorePositions   int
	openSniperPositions int
	totalRiskAllocated  float64

	cbLosses       int
	cbTrippedUntil time.Time

	rejections map[common.RejectionReason]int64
}

func NewManager(calc *Calculator, c *cache.Cache) *Manager {
	return &Manager{
		calc:            calc,
		cache:           c,
		marketVolFactor: 1.0,
		rejections:      make(map[common.RejectionReason]int64),
	}
}

// AdmissionRequest bundles the inputs validate_trade() needs.
type AdmissionRequest struct {
	Signal  model.Signal
	Balance float64
	Now     time.Time
}

// AdmissionResult mirrors validate_trade()'s returned decision.
type AdmissionResult struct {
	Approved bool
	Reason   common.RejectionReason
	Detail   string
}

// Admit runs the full admission sequence from §4.3. It is the single-writer
// critical section: the whole function body runs under Manager.mu so two
// concurrent signals cannot double-count capacity (testable property 3).
func (m *Manager) Admit(settings *config.Settings, req AdmissionRequest) AdmissionResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rolloverDaily(req.Now, req.Balance)

	// 1. Position cap.
	cap := settings.MaxPositions
	if req.Signal.Flags.Sniper {
		cap += settings.SniperExtraSlots
	}
	openCount := m.openCorePositions
	if req.Signal.Flags.Sniper {
		openCount += m.openSniperPositions
	}
	if openCount >= cap {
		return m.reject(common.RejectPositionCap, "position cap reached")
	}

	// 3. Daily hard stop.
	if m.checkpoint.DailyStartBalance > 0 {
		drawdown := (m.checkpoint.DailyStartBalance - req.Balance) / m.checkpoint.DailyStartBalance
		if drawdown >= settings.DailyMaxLossPct {
			return m.reject(common.RejectDailyHardStop, "daily max loss reached")
		}
	}

	// 4. Intraday drawdown hard stop.
	if m.checkpoint.IntradayPeakBalance > 0 {
		drawdown := (m.checkpoint.IntradayPeakBalance - req.Balance) / m.checkpoint.IntradayPeakBalance
		if drawdown >= settings.IntradayDrawdownHardPct {
			return m.reject(common.RejectIntradayHardStop, "intraday drawdown hard stop reached")
		}
	}

	// Circuit breaker: 3 consecutive losses -> 1h pause on new entries.
	if !m.cbTrippedUntil.IsZero() && req.Now.Before(m.cbTrippedUntil) {
		return m.reject(common.RejectCircuitBreaker, "circuit breaker tripped")
	}

	// 5. Per-trade risk base, adjusted by streak and market volatility.
	base := settings.RiskPerTrade
	if req.Signal.Flags.Sniper {
		base = settings.SniperRiskPerTrade
	}
	adjusted := m.adjustRiskForPerformance(base) * common.Clamp(m.marketVolFactor, 0.5, 1.5)
	if req.Signal.RiskPct > adjusted {
		if req.Signal.Flags.Force && settings.AllowRiskBypassForForce {
			// bypass granted; fall through
		} else {
			return m.reject(common.RejectPerTradeRisk, "signal risk exceeds adjusted per-trade budget")
		}
	}

	// 6. Portfolio risk cap.
	projected := m.totalRiskAllocated + adjusted
	if projected > settings.MaxPortfolioRisk {
		return m.reject(common.RejectPortfolioRisk, "projected portfolio risk exceeds cap")
	}

	// Admitted: reserve capacity.
	if req.Signal.Flags.Sniper {
		m.openSniperPositions++
	} else {
		m.openCorePositions++
	}
	m.totalRiskAllocated += req.Signal.RiskPct

	return AdmissionResult{Approved: true}
}

func (m *Manager) reject(reason common.RejectionReason, detail string) AdmissionResult {
	m.rejections[reason]++
	return AdmissionResult{Approved: false, Reason: reason, Detail: detail}
}

// ReleaseCapacity is called when a trade closes, freeing the position slot
// and risk allocation it held.
func (m *Manager) ReleaseCapacity(sniper bool, riskPct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sniper {
		if m.openSniperPositions > 0 {
			m.openSniperPositions--
		}
	} else if m.openCorePositions > 0 {
		m.openCorePositions--
	}
	m.totalRiskAllocated -= riskPct
	if m.totalRiskAllocated < 0 {
		m.totalRiskAllocated = 0
	}
}

// UpdatePerformance records a trade outcome on both the calculator's streak
// and the circuit breaker, and updates intraday extrema. settings supplies
// the consecutive-loss threshold and cooldown, falling back to the package
// defaults when unset, matching every other tunable in Admit.
func (m *Manager) UpdatePerformance(settings *config.Settings, win bool, balance float64, now time.Time) {
	m.calc.UpdatePerformance(win)

	m.mu.Lock()
	defer m.mu.Unlock()
	if win {
		m.cbLosses = 0
	} else {
		m.cbLosses++
		losses := settings.CircuitBreakerLosses
		if losses <= 0 {
			losses = common.DefaultCircuitBreakerLosses
		}
		if m.cbLosses >= losses {
			cooldown := settings.CircuitBreakerCooldownHr
			if cooldown <= 0 {
				cooldown = common.DefaultCircuitBreakerCooldown
			}
			m.cbTrippedUntil = now.Add(time.Duration(cooldown) * time.Hour)
			m.cbLosses = 0
			log.Warn().Time("until", m.cbTrippedUntil).Msg("circuit breaker tripped after consecutive losses")
		}
	}
	m.updateExtrema(balance)
}

// UpdateMarketVolatility sets the [0.5, 1.5]-clamped volatility factor used
// to scale per-trade risk.
func (m *Manager) UpdateMarketVolatility(factor float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marketVolFactor = common.Clamp(factor, 0.5, 1.5)
}

func (m *Manager) adjustRiskForPerformance(base float64) float64 {
	perf := m.calc.Performance()
	switch {
	case perf.ConsecutiveWins >= 5:
		return base * 1.30
	case perf.ConsecutiveWins >= 3:
		return base * 1.20
	case perf.ConsecutiveLosses >= 3:
		return base * 0.60
	case perf.ConsecutiveLosses >= 2:
		return base * 0.80
	default:
		return base
	}
}

// rolloverDaily hydrates or resets the daily checkpoint when the UTC date
// changes, persisting through the cache collaborator under the date-stamped
// keys from §6 with a 48h TTL so a restart mid-day recovers the checkpoint.
func (m *Manager) rolloverDaily(now time.Time, balance float64) {
	today := common.UTCDateKey(now)
	if m.checkpoint.Date == today {
		m.updateExtrema(balance)
		return
	}

	const ttl = 48 * time.Hour
	startKey := "risk:daily_balance:" + today
	peakKey := "risk:intraday_peak:" + today
	troughKey := "risk:intraday_trough:" + today

	if start, ok := m.cache.GetFloat(startKey); ok {
		peak, _ := m.cache.GetFloat(peakKey)
		trough, _ := m.cache.GetFloat(troughKey)
		m.checkpoint = model.DailyRiskCheckpoint{
			Date:                  today,
			DailyStartBalance:     start,
			IntradayPeakBalance:   peak,
			IntradayTroughBalance: trough,
		}
		return
	}

	m.checkpoint = model.DailyRiskCheckpoint{
		Date:                  today,
		DailyStartBalance:     balance,
		IntradayPeakBalance:   balance,
		IntradayTroughBalance: balance,
	}
	m.cache.Set(startKey, balance, ttl)
	m.cache.Set(peakKey, balance, ttl)
	m.cache.Set(troughKey, balance, ttl)
}

func (m *Manager) updateExtrema(balance float64) {
	changed := false
	if balance > m.checkpoint.IntradayPeakBalance {
		m.checkpoint.IntradayPeakBalance = balance
		changed = true
	}
	if m.checkpoint.IntradayTroughBalance == 0 || balance < m.checkpoint.IntradayTroughBalance {
		m.checkpoint.IntradayTroughBalance = balance
		changed = true
	}
	if changed {
		const ttl = 48 * time.Hour
		m.cache.Set("risk:intraday_peak:"+m.checkpoint.Date, m.checkpoint.IntradayPeakBalance, ttl)
		m.cache.Set("risk:intraday_trough:"+m.checkpoint.Date, m.checkpoint.IntradayTroughBalance, ttl)
	}
}

// RejectionCounts returns a snapshot of rejection reason counters, consumed
// by the metrics package.
func (m *Manager) RejectionCounts() map[common.RejectionReason]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[common.RejectionReason]int64, len(m.rejections))
	for k, v := range m.rejections {
		out[k] = v
	}
	return out
}

// Checkpoint returns a copy of the current daily risk checkpoint.
func (m *Manager) Checkpoint() model.DailyRiskCheckpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoint
}
