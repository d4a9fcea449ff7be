package common

// Environment variable keys for exchange credentials and transport.
const (
	EnvAPIKey           = "EXCHANGE_API_KEY"
	EnvSecretKey        = "EXCHANGE_SECRET_KEY"
	EnvForceLiveTrading = "FORCE_LIVE_TRADING"
	EnvSymbols          = "SYMBOLS"
	EnvBaseURL          = "BASE_URL"
	EnvWsURL            = "WS_URL"
	EnvTestnet          = "TESTNET"
	EnvDataPath         = "DATA_PATH"
	EnvDryRun           = "DRY_RUN"
	EnvMetricsPort      = "METRICS_PORT"
	EnvTelegramToken    = "TELEGRAM_BOT_TOKEN"
	EnvTelegramChatID   = "TELEGRAM_CHAT_ID"
)

// Environment variable keys for sizing and risk.
const (
	EnvMaxPositions            = "MAX_POSITIONS"
	EnvRiskPerTrade            = "RISK_PER_TRADE"
	EnvSniperRiskPerTrade      = "SNIPER_RISK_PER_TRADE"
	EnvMaxPortfolioRisk        = "MAX_PORTFOLIO_RISK"
	EnvMaxTotalCapitalUsage    = "MAX_TOTAL_CAPITAL_USAGE"
	EnvDefaultLeverage         = "DEFAULT_LEVERAGE"
	EnvSniperDefaultLeverage   = "SNIPER_DEFAULT_LEVERAGE"
	EnvAutoIsolateMinLeverage = "AUTO_ISOLATE_MIN_LEVERAGE"
	EnvMaxSpreadPctCore        = "MAX_SPREAD_PCT_CORE"
	EnvMaxSpreadPctSniper      = "MAX_SPREAD_PCT_SNIPER"
	EnvSniperTPPct             = "SNIPER_TP_PCT"
	EnvSniperSLPct             = "SNIPER_SL_PCT"
	EnvSniperExtraSlots        = "SNIPER_EXTRA_SLOTS"
	EnvDefaultMarginCrossed    = "DEFAULT_MARGIN_CROSSED"
	EnvAllowMarginModeOverride = "ALLOW_MARGIN_MODE_OVERRIDE"
)

// Environment variable keys for protective orders and execution.
const (
	EnvEnableTrailingStop      = "ENABLE_TRAILING_STOP"
	EnvTSLCallbackPctMin       = "TSL_CALLBACK_PCT_MIN"
	EnvTSLCallbackPctMax       = "TSL_CALLBACK_PCT_MAX"
	EnvTSLATRLookbackInterval  = "TSL_ATR_LOOKBACK_INTERVAL"
	EnvEnableBracketBatch      = "ENABLE_BRACKET_BATCH"
	EnvUseMarkPriceForStops    = "USE_MARK_PRICE_FOR_STOPS"
	EnvOrderTimeoutSec         = "ORDER_TIMEOUT_SEC"
	EnvUsePostOnlyEntries      = "USE_POST_ONLY_ENTRIES"
	EnvAutoPostOnlyEntries     = "AUTO_POST_ONLY_ENTRIES"
	EnvAutoMakerSpreadBps      = "AUTO_MAKER_SPREAD_BPS"
	EnvTakeProfitParts         = "TAKE_PROFIT_PARTS"
	EnvHeadroomMinPct          = "HEADROOM_MIN_PCT"
	EnvReduceStepPct           = "REDUCE_STEP_PCT"
	EnvAllowRiskBypassForForce = "ALLOW_RISK_BYPASS_FOR_FORCE"
	EnvICEBERGThresholdUSD     = "ICEBERG_THRESHOLD"
	EnvICEBERGChunkSizeUSD     = "ICEBERG_CHUNK_SIZE"
	EnvLimitBufferPct          = "LIMIT_BUFFER_PCT"
)

// Environment variable keys for funding/derivatives gating.
const (
	EnvEnableFundingAware         = "ENABLE_FUNDING_AWARE"
	EnvFundingAdverseThreshold    = "FUNDING_ADVERSE_THRESHOLD"
	EnvFundingBlockWindowMinutes  = "FUNDING_BLOCK_WINDOW_MINUTES"
	EnvEnableFundingExits         = "ENABLE_FUNDING_EXITS"
	EnvFundingExitThreshold       = "FUNDING_EXIT_THRESHOLD"
	EnvOIChangePeriod             = "OI_CHANGE_PERIOD"
	EnvOIChangeLookback           = "OI_CHANGE_LOOKBACK"
	EnvOIChangeMinAbs             = "OI_CHANGE_MIN_ABS"
	EnvTakerRatioLongMin          = "TAKER_RATIO_LONG_MIN"
	EnvTakerRatioShortMax         = "TAKER_RATIO_SHORT_MAX"
)

// Environment variable keys for the market scanner.
const (
	EnvScannerTopN                   = "SCANNER_TOP_N"
	EnvScannerMaxSymbols             = "SCANNER_MAX_SYMBOLS"
	EnvMinQuoteVolumeUSDT24h         = "MIN_QUOTE_VOLUME_USDT_24H"
	EnvScannerConcurrency            = "SCANNER_CONCURRENCY"
	EnvScannerStrictWhitelist        = "SCANNER_STRICT_WHITELIST"
	EnvScannerTestnetStrictWhitelist = "SCANNER_TESTNET_STRICT_WHITELIST"
	EnvSymbolWhitelist               = "SYMBOL_WHITELIST"
	EnvTestnetWhitelist              = "TESTNET_WHITELIST"
)

// Environment variable keys for auxiliary loops.
const (
	EnvDCAEnabled            = "DCA_ENABLED"
	EnvMaxDCACount           = "MAX_DCA_COUNT"
	EnvDCAThresholdPct       = "DCA_THRESHOLD_PCT"
	EnvDCAMultiplier         = "DCA_MULTIPLIER"
	EnvPyramidingThreshold   = "PYRAMIDING_THRESHOLD"
	EnvPyramidingMultiplier  = "PYRAMIDING_MULTIPLIER"
	EnvTimeExitHours         = "TIME_EXIT_HOURS"
	EnvTimeExitMinProfitPct  = "TIME_EXIT_MIN_PROFIT_PCT"
	EnvPositionsAutoSyncMins = "POSITIONS_AUTO_SYNC_MINUTES"
)

// Environment variable keys for the signal generator.
const (
	EnvProdMinScore               = "PROD_MIN_SCORE"
	EnvProdVolumeThreshold        = "PROD_VOLUME_THRESHOLD"
	EnvProdRSIOversold            = "PROD_RSI_OVERSOLD"
	EnvProdRSIOverbought          = "PROD_RSI_OVERBOUGHT"
	EnvRequireTrendConfirmation   = "REQUIRE_TREND_CONFIRMATION"
	EnvMinMomentumThresholdPct    = "MIN_MOMENTUM_THRESHOLD_PCT"
	EnvRRMinTrend                 = "RR_MIN_TREND"
	EnvRRMinRange                 = "RR_MIN_RANGE"
	EnvEnableADXFilter            = "ENABLE_ADX_FILTER"
	EnvADXMinTrendStrength        = "ADX_MIN_TREND_STRENGTH"
)

// Environment variable keys for correlation/sector and drawdown gates.
const (
	EnvCorrWindowDays          = "CORR_WINDOW_DAYS"
	EnvMaxCorrelation          = "MAX_CORRELATION"
	EnvMaxPositionsPerSector   = "MAX_POSITIONS_PER_SECTOR"
	EnvDailyMaxLossPct         = "DAILY_MAX_LOSS_PCT"
	EnvIntradayDrawdownHardPct = "INTRADAY_DRAWDOWN_HARD_STOP_PCT"
	EnvMaxDrawdownPct          = "MAX_DRAWDOWN_PCT"
)

// Environment variable keys for the position monitor and supervisor.
const (
	EnvMonitorIntervalSec      = "MONITOR_INTERVAL_SEC"
	EnvTrailingActivationPct   = "TRAILING_ACTIVATION_PCT"
	EnvPartialTPThresholdPct   = "PARTIAL_TP_THRESHOLD_PCT"
	EnvEmergencyStopPct        = "EMERGENCY_STOP_PCT"
	EnvMaxLossPct              = "MAX_LOSS_PCT"
	EnvBlacklistDurationHours  = "BLACKLIST_DURATION_HOURS"
	EnvCircuitBreakerLosses    = "CIRCUIT_BREAKER_LOSSES"
	EnvCircuitBreakerCooldown  = "CIRCUIT_BREAKER_COOLDOWN_HOURS"
	EnvWarningRateLimitMinutes = "WARNING_RATE_LIMIT_MINUTES"
	EnvSupervisorIntervalSec   = "SUPERVISOR_INTERVAL_SEC"
	EnvHeartbeatThresholdSec   = "HEARTBEAT_THRESHOLD_SEC"
	EnvInactiveMins            = "INACTIVE_MINS"
)

// Default values, following original_source/backend/config/settings.py where the
// distilled spec is silent on a concrete number.
const (
	DefaultBaseURL = "https://fapi.binance.com"
	DefaultWsURL   = "wss://fstream.binance.com"

	DefaultMaxPositions          = 5
	DefaultRiskPerTrade          = 0.02
	DefaultSniperRiskPerTrade    = 0.01
	DefaultMaxPortfolioRisk      = 0.10
	DefaultMaxTotalCapitalUsage  = 0.90
	DefaultDefaultLeverage       = 10
	DefaultSniperDefaultLeverage = 5
	DefaultAutoIsolateMinLev     = 15
	DefaultMaxSpreadPctCore      = 0.2
	DefaultMaxSpreadPctSniper    = 0.3
	DefaultSniperTPPct           = 0.015
	DefaultSniperSLPct           = 0.01
	DefaultSniperExtraSlots      = 2

	DefaultTSLCallbackPctMin      = 0.4
	DefaultTSLCallbackPctMax      = 1.2
	DefaultTSLATRLookbackInterval = 14
	DefaultOrderTimeoutSec        = 15
	DefaultAutoMakerSpreadBps     = 5.0
	DefaultHeadroomMinPct         = 3.0
	DefaultReduceStepPct          = 0.25
	DefaultICEBERGThresholdUSD    = 20000.0
	DefaultICEBERGChunkSizeUSD    = 5000.0
	DefaultLimitBufferPct         = 0.05

	DefaultFundingAdverseThreshold   = 0.0005
	DefaultFundingBlockWindowMinutes = 15
	DefaultFundingExitThreshold      = 0.001
	DefaultOIChangePeriod            = "5m"
	DefaultOIChangeLookback          = 6
	DefaultOIChangeMinAbs            = 0.03
	DefaultTakerRatioLongMin         = 1.05
	DefaultTakerRatioShortMax        = 0.95

	DefaultScannerTopN           = 100
	DefaultScannerMaxSymbols     = 30
	DefaultMinQuoteVolumeUSDT24h = 5_000_000.0
	DefaultScannerConcurrency    = 8

	DefaultMaxDCACount          = 2
	DefaultDCAThresholdPct      = -3.0
	DefaultDCAMultiplier        = 1.5
	DefaultPyramidingThreshold  = 5.0
	DefaultPyramidingMultiplier = 0.5
	DefaultTimeExitHours        = 4.0
	DefaultTimeExitMinProfit    = 0.3
	DefaultPositionsAutoSync    = 15

	DefaultProdMinScore            = 65
	DefaultProdVolumeThreshold     = 1.2
	DefaultProdRSIOversold         = 30.0
	DefaultProdRSIOverbought       = 70.0
	DefaultMinMomentumThresholdPct = 0.15
	DefaultRRMinTrend              = 1.5
	DefaultRRMinRange              = 1.2
	DefaultADXMinTrendStrength     = 20.0

	DefaultCorrWindowDays          = 30
	DefaultMaxCorrelation          = 0.5
	DefaultMaxPositionsPerSector   = 2
	DefaultDailyMaxLossPct         = 0.05
	DefaultIntradayDrawdownHardPct = 0.25
	DefaultMaxDrawdownPct          = 0.15

	DefaultMonitorIntervalSec     = 6
	DefaultTrailingActivationPct  = 3.0
	DefaultPartialTPThresholdPct  = 5.0
	DefaultEmergencyStopPct       = -15.0
	DefaultMaxLossPct             = -8.0
	DefaultBlacklistDurationHours = 2
	DefaultCircuitBreakerLosses   = 3
	DefaultCircuitBreakerCooldown = 1 // hours
	DefaultWarningRateLimitMins   = 5
	DefaultSupervisorIntervalSec  = 30
	DefaultHeartbeatThresholdSec  = 120
	DefaultInactiveMins           = 60

	DefaultMetricsPort = 9090

	MinMetricsPort = 1024
	MaxMetricsPort = 65535

	// Orchestrator cycle tuning, §4.12.
	DefaultScanIntervalLowSec    = 900 // 15m, BTC 24h volatility below DefaultVolatilityBucketLowPct
	DefaultScanIntervalMediumSec = 600 // 10m
	DefaultScanIntervalHighSec   = 300 // 5m, above DefaultVolatilityBucketHighPct
	DefaultVolatilityBucketLowPct  = 2.0
	DefaultVolatilityBucketHighPct = 5.0
	DefaultBanSleepCapSec          = 60

	DefaultScanStageTimeoutSec    = 30
	DefaultSignalStageTimeoutSec  = 30
	DefaultFilterStageTimeoutSec  = 15
	DefaultExecuteStageTimeoutSec = 60
	DefaultCycleTimeoutSec        = 180
)

// RejectionReason enumerates the reasons an admission or execution step can
// fail, recorded in cycle metrics per the error-handling design.
type RejectionReason string

const (
	RejectSpread            RejectionReason = "spread"
	RejectBracketLeverage    RejectionReason = "bracket_leverage"
	RejectMinNotional        RejectionReason = "min_notional"
	RejectMaxQty              RejectionReason = "max_qty"
	RejectHeadroom            RejectionReason = "headroom"
	RejectPositionCap         RejectionReason = "position_cap"
	RejectDailyHardStop       RejectionReason = "daily_hard_stop"
	RejectIntradayHardStop    RejectionReason = "intraday_hard_stop"
	RejectPerTradeRisk        RejectionReason = "per_trade_risk"
	RejectPortfolioRisk       RejectionReason = "portfolio_risk"
	RejectCorrelation         RejectionReason = "correlation"
	RejectSector              RejectionReason = "sector"
	RejectMarketFilter        RejectionReason = "market_filter"
	RejectBlacklisted         RejectionReason = "blacklisted"
	RejectCircuitBreaker      RejectionReason = "circuit_breaker"
	RejectKillSwitch          RejectionReason = "kill_switch"
	RejectFunding             RejectionReason = "funding"
)
