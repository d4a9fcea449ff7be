package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"perpbot/internal/common"
	"perpbot/internal/eventbus"
	"perpbot/internal/executor"
	"perpbot/internal/model"
	"perpbot/internal/orchestrator"
)

// ExecutionSnapshotter is the subset of *executor.Executor the collector
// pulls from. Declared locally, per the package-wide convention of
// redefining narrow consumer-side interfaces instead of sharing one.
type ExecutionSnapshotter interface {
	Snapshot() executor.ExecutionSnapshot
}

// CycleSnapshotter is the subset of *orchestrator.Dashboard the collector
// pulls from.
type CycleSnapshotter interface {
	Snapshot() orchestrator.DashboardSnapshot
}

// RejectionCounter is the subset of *risk.Manager the collector pulls from.
type RejectionCounter interface {
	RejectionCounts() map[common.RejectionReason]int64
}

// PositionCounter is the subset of *orchestrator.Orchestrator the collector
// pulls from to report currently open positions.
type PositionCounter interface {
	OpenPositionsCount() (int, error)
}

// Collector keeps the Prometheus metrics in Metrics current. It has two feed
// mechanisms, mirroring the donor's mix of direct wrapper calls (for
// request-path events) and a periodic reconciliation pass: an eventbus
// subscription for lifecycle events that happen once (a trade opens, a trade
// closes, the kill switch fires) and a ticker loop that pulls the rolling
// snapshots the executor and orchestrator already maintain (execution mix,
// cycle latencies, cumulative risk rejections) since those are cheap to
// recompute from scratch and have no natural "event" to hang off of.
type Collector struct {
	metrics *Metrics
	bus     *eventbus.Bus
	exec      ExecutionSnapshotter
	cycles    CycleSnapshotter
	risk      RejectionCounter
	positions PositionCounter

	pullInterval time.Duration
}

// NewCollector wires a Collector against the given metrics, bus, and pull
// sources. Any of exec/cycles/risk/positions may be nil, in which case the
// corresponding gauges are simply never updated.
func NewCollector(m *Metrics, bus *eventbus.Bus, exec ExecutionSnapshotter, cycles CycleSnapshotter, risk RejectionCounter, positions PositionCounter) *Collector {
	return &Collector{metrics: m, bus: bus, exec: exec, cycles: cycles, risk: risk, positions: positions, pullInterval: 15 * time.Second}
}

// Run subscribes to the eventbus and pulls the rolling snapshots every
// pullInterval until ctx is cancelled. It is meant to be started as its own
// goroutine from cmd/perpbot/main.go, alongside the orchestrator and
// supervisor loops.
func (c *Collector) Run(ctx context.Context) {
	opened := c.bus.Subscribe(eventbus.TopicTradeOpened, 64)
	closed := c.bus.Subscribe(eventbus.TopicTradeClosed, 64)
	killed := c.bus.Subscribe(eventbus.TopicKillSwitchFired, 16)
	cycleEnded := c.bus.Subscribe(eventbus.TopicCycleEnded, 64)

	ticker := time.NewTicker(c.pullInterval)
	defer ticker.Stop()

	c.pull()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-opened:
			c.onTradeOpened(ev)
		case ev := <-closed:
			c.onTradeClosed(ev)
		case <-killed:
			c.metrics.KillSwitchFiredTotal.Inc()
		case ev := <-cycleEnded:
			c.onCycleEnded(ev)
		case <-ticker.C:
			c.pull()
		}
	}
}

func (c *Collector) onTradeOpened(ev eventbus.Event) {
	if _, ok := ev.Payload.(model.Trade); !ok {
		log.Warn().Str("topic", ev.Topic).Msg("trade.opened payload was not a model.Trade")
		return
	}
	c.metrics.TradesOpenedTotal.Inc()
}

func (c *Collector) onTradeClosed(ev eventbus.Event) {
	trade, ok := ev.Payload.(model.Trade)
	if !ok {
		log.Warn().Str("topic", ev.Topic).Msg("trade.closed payload was not a model.Trade")
		return
	}
	c.metrics.TradesClosedTotal.Inc()
	c.metrics.PnLTotal.Set(trade.PnL)
}

func (c *Collector) onCycleEnded(ev eventbus.Event) {
	cycle, ok := ev.Payload.(orchestrator.CycleMetrics)
	if !ok {
		log.Warn().Str("topic", ev.Topic).Msg("cycle.ended payload was not an orchestrator.CycleMetrics")
		return
	}
	c.metrics.CycleDuration.Observe(cycle.TotalMS / 1000)
}

// pull reconciles the gauges that are cheapest read fresh than tracked
// incrementally: execution mix, cycle rolling averages, and cumulative risk
// rejections.
func (c *Collector) pull() {
	if c.exec != nil {
		c.pullExecution(c.exec.Snapshot())
	}
	if c.cycles != nil {
		c.pullCycles(c.cycles.Snapshot())
	}
	if c.risk != nil {
		c.pullRejections(c.risk.RejectionCounts())
	}
	if c.positions != nil {
		if n, err := c.positions.OpenPositionsCount(); err != nil {
			log.Warn().Err(err).Msg("open positions count failed")
		} else {
			c.metrics.ActivePositions.Set(float64(n))
		}
	}
}

func (c *Collector) pullExecution(snap executor.ExecutionSnapshot) {
	if snap.Samples == 0 {
		return
	}
	n := float64(snap.Samples)
	c.metrics.ExecLimitRatio.Set(float64(snap.LimitCount) / n)
	c.metrics.ExecMarketRatio.Set(float64(snap.MarketCount) / n)
	c.metrics.ExecIcebergRatio.Set(float64(snap.IcebergCount) / n)
	c.metrics.ExecMakerRatio.Set(float64(snap.MakerCount) / n)
	c.metrics.ExecAvgSlippagePct.Set(snap.SlippageSum / n)
	c.metrics.ExecAvgDuration.Set(snap.ExecTimeSum / n)
	c.metrics.ExecRetriesTotal.Set(float64(snap.RetryCount))
	c.metrics.ExecRequotesTotal.Set(float64(snap.RequoteCount))
}

func (c *Collector) pullCycles(snap orchestrator.DashboardSnapshot) {
	c.metrics.CyclesRecorded.Set(float64(snap.Samples))
	if snap.Samples == 0 {
		return
	}
	c.metrics.CycleAvgScanMS.Set(snap.AvgScanMS)
	c.metrics.CycleAvgSignalsMS.Set(snap.AvgSignalsMS)
	c.metrics.CycleAvgFilterMS.Set(snap.AvgFilterMS)
	c.metrics.CycleAvgExecMS.Set(snap.AvgExecMS)
	c.metrics.CycleAvgTotalMS.Set(snap.AvgTotalMS)
	c.metrics.CycleAvgScanned.Set(snap.AvgScanned)
	c.metrics.CycleAvgGenerated.Set(snap.AvgGenerated)
	c.metrics.CycleAvgFiltered.Set(snap.AvgFiltered)
	c.metrics.CycleAvgExecuted.Set(snap.AvgExecuted)
	c.metrics.CycleAvgRejected.Set(snap.AvgRejected)
}

func (c *Collector) pullRejections(counts map[common.RejectionReason]int64) {
	total := counts[common.RejectDailyHardStop] + counts[common.RejectIntradayHardStop]
	c.metrics.RiskRejectionsTotal.Set(float64(total))
}
