// Package metrics exposes the bot's trading and execution performance as
// Prometheus gauges, counters, and histograms. It is a pure consumer: the
// executor and orchestrator packages know nothing about it. A Collector
// (collector.go) pulls the executor's rolling execution snapshot and the
// orchestrator's rolling cycle dashboard on a timer and subscribes to the
// eventbus for trade-lifecycle and risk-event counters, mirroring the
// donor's Metrics/MetricsWrapper split but repointed at this engine's own
// domain instead of ML predictions and websocket reconnects.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the bot publishes.
type Metrics struct {
	// Trade lifecycle, driven off eventbus.TopicTradeOpened/TopicTradeClosed.
	TradesOpenedTotal prometheus.Counter
	TradesClosedTotal prometheus.Counter
	PnLTotal          prometheus.Gauge
	ActivePositions   prometheus.Gauge

	// Risk events. KillSwitchFiredTotal is driven off
	// eventbus.TopicKillSwitchFired; RiskRejectionsTotal is pulled each tick
	// from risk.Manager.RejectionCounts() (daily + intraday hard-stop
	// rejections, the closest analogue to a drawdown warning the risk gate
	// produces).
	KillSwitchFiredTotal prometheus.Counter
	RiskRejectionsTotal  prometheus.Gauge

	// Execution mix, pulled each tick from executor.Executor.Snapshot().
	ExecLimitRatio     prometheus.Gauge
	ExecMarketRatio    prometheus.Gauge
	ExecIcebergRatio   prometheus.Gauge
	ExecMakerRatio     prometheus.Gauge
	ExecAvgSlippagePct prometheus.Gauge
	ExecAvgDuration    prometheus.Gauge
	ExecRetriesTotal   prometheus.Gauge
	ExecRequotesTotal  prometheus.Gauge

	// Cycle dashboard, pulled each tick from orchestrator.Dashboard().Snapshot().
	CycleAvgScanMS    prometheus.Gauge
	CycleAvgSignalsMS prometheus.Gauge
	CycleAvgFilterMS  prometheus.Gauge
	CycleAvgExecMS    prometheus.Gauge
	CycleAvgTotalMS   prometheus.Gauge
	CycleAvgScanned   prometheus.Gauge
	CycleAvgGenerated prometheus.Gauge
	CycleAvgFiltered  prometheus.Gauge
	CycleAvgExecuted  prometheus.Gauge
	CycleAvgRejected  prometheus.Gauge
	CyclesRecorded    prometheus.Gauge
	CycleDuration     prometheus.Histogram

	// System.
	ErrorsTotal prometheus.Counter
}

// New creates and registers every metric against the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics against a custom registry, for isolated
// test registration.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		TradesOpenedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "trades_opened_total",
			Help: "Total number of trades opened",
		}),
		TradesClosedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "trades_closed_total",
			Help: "Total number of trades closed",
		}),
		PnLTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pnl_total",
			Help: "Most recently closed trade's realized PnL",
		}),
		ActivePositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "active_positions",
			Help: "Number of currently open positions",
		}),
		RiskRejectionsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "risk_rejections_total",
			Help: "Cumulative daily + intraday hard-stop rejections reported by the risk gate",
		}),
		KillSwitchFiredTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "kill_switch_fired_total",
			Help: "Total number of times the daily kill switch tripped",
		}),
		ExecLimitRatio: factory.NewGauge(prometheus.GaugeOpts{
			Name: "exec_limit_ratio",
			Help: "Fraction of executions since the last 100-sample reset filled via limit order",
		}),
		ExecMarketRatio: factory.NewGauge(prometheus.GaugeOpts{
			Name: "exec_market_ratio",
			Help: "Fraction of executions since the last 100-sample reset filled via market fallback",
		}),
		ExecIcebergRatio: factory.NewGauge(prometheus.GaugeOpts{
			Name: "exec_iceberg_ratio",
			Help: "Fraction of executions since the last 100-sample reset filled via iceberg slicing",
		}),
		ExecMakerRatio: factory.NewGauge(prometheus.GaugeOpts{
			Name: "exec_maker_ratio",
			Help: "Fraction of executions since the last 100-sample reset filled as maker",
		}),
		ExecAvgSlippagePct: factory.NewGauge(prometheus.GaugeOpts{
			Name: "exec_avg_slippage_pct",
			Help: "Average slippage percent over executions since the last 100-sample reset",
		}),
		ExecAvgDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "exec_avg_duration_seconds",
			Help: "Average execution duration in seconds over executions since the last 100-sample reset",
		}),
		ExecRetriesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "exec_retries_total",
			Help: "Total order-placement retries over executions since the last 100-sample reset",
		}),
		ExecRequotesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "exec_requotes_total",
			Help: "Total limit-order requotes over executions since the last 100-sample reset",
		}),
		CycleAvgScanMS: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cycle_avg_scan_ms",
			Help: "Average scan-stage duration in milliseconds over recorded cycles",
		}),
		CycleAvgSignalsMS: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cycle_avg_signals_ms",
			Help: "Average signal-generation-stage duration in milliseconds over recorded cycles",
		}),
		CycleAvgFilterMS: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cycle_avg_filter_ms",
			Help: "Average filter-stage duration in milliseconds over recorded cycles",
		}),
		CycleAvgExecMS: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cycle_avg_exec_ms",
			Help: "Average execution-stage duration in milliseconds over recorded cycles",
		}),
		CycleAvgTotalMS: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cycle_avg_total_ms",
			Help: "Average whole-cycle duration in milliseconds over recorded cycles",
		}),
		CycleAvgScanned: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cycle_avg_scanned",
			Help: "Average number of symbols the scanner returned per cycle",
		}),
		CycleAvgGenerated: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cycle_avg_generated",
			Help: "Average number of signals generated per cycle",
		}),
		CycleAvgFiltered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cycle_avg_filtered",
			Help: "Average number of signals surviving the filter stage per cycle",
		}),
		CycleAvgExecuted: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cycle_avg_executed",
			Help: "Average number of signals executed per cycle",
		}),
		CycleAvgRejected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cycle_avg_rejected",
			Help: "Average number of signals rejected by the executor per cycle",
		}),
		CyclesRecorded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cycles_recorded",
			Help: "Number of cycles currently retained in the rolling dashboard",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cycle_duration_seconds",
			Help:    "Whole-cycle duration in seconds, observed at the end of every cycle",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors encountered",
		}),
	}
}
