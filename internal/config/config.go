// Package config loads and validates the bot's settings: a YAML file for
// structural defaults, .env for local secrets, and environment variables as
// the final override layer — the same three-tier load order as the donor's
// internal/cfg package. The live Settings are held behind an
// atomic.Pointer so Reload() can publish a new snapshot without callers
// taking a lock, per the "config as an immutable snapshot" design note.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"perpbot/internal/common"
)

// Settings is the complete, validated configuration snapshot. Every field
// here corresponds to one of the environment variables enumerated in the
// spec's external-interfaces section.
type Settings struct {
	// Exchange credentials & transport.
	APIKey    string
	SecretKey string
	BaseURL   string
	WsURL     string
	Testnet   bool
	DryRun    bool

	Symbols     []string
	DataPath    string
	MetricsPort int

	TelegramToken  string
	TelegramChatID string

	// Sizing & portfolio risk.
	MaxPositions            int
	RiskPerTrade            float64
	SniperRiskPerTrade      float64
	MaxPortfolioRisk        float64
	MaxTotalCapitalUsage    float64
	DefaultLeverage         int
	SniperDefaultLeverage   int
	AutoIsolateMinLeverage  int
	MaxSpreadPctCore        float64
	MaxSpreadPctSniper      float64
	SniperTPPct             float64
	SniperSLPct             float64
	SniperExtraSlots        int
	DefaultMarginCrossed    bool
	AllowMarginModeOverride bool

	// Protective orders & execution.
	EnableTrailingStop      bool
	TSLCallbackPctMin       float64
	TSLCallbackPctMax       float64
	TSLATRLookbackInterval  int
	EnableBracketBatch      bool
	UseMarkPriceForStops    bool
	OrderTimeoutSec         int
	UsePostOnlyEntries      bool
	AutoPostOnlyEntries     bool
	AutoMakerSpreadBps      float64
	TakeProfitParts         []float64
	HeadroomMinPct          float64
	ReduceStepPct           float64
	AllowRiskBypassForForce bool
	IcebergThresholdUSD     float64
	IcebergChunkSizeUSD     float64
	LimitBufferPct          float64

	// Funding/derivatives gate.
	EnableFundingAware        bool
	FundingAdverseThreshold   float64
	FundingBlockWindowMinutes int
	EnableFundingExits        bool
	FundingExitThreshold      float64
	OIChangePeriod            string
	OIChangeLookback          int
	OIChangeMinAbs            float64
	TakerRatioLongMin         float64
	TakerRatioShortMax        float64

	// Market scanner.
	ScannerTopN                   int
	ScannerMaxSymbols              int
	MinQuoteVolumeUSDT24h          float64
	ScannerConcurrency              int
	ScannerStrictWhitelist          bool
	ScannerTestnetStrictWhitelist   bool
	SymbolWhitelist                 []string
	TestnetWhitelist                []string

	// Auxiliary loops.
	DCAEnabled            bool
	MaxDCACount           int
	DCAThresholdPct       float64
	DCAMultiplier         float64
	PyramidingThreshold   float64
	PyramidingMultiplier  float64
	TimeExitHours         float64
	TimeExitMinProfitPct  float64
	PositionsAutoSyncMins int

	// Signal generator.
	ProdMinScore             int
	ProdVolumeThreshold      float64
	ProdRSIOversold          float64
	ProdRSIOverbought        float64
	RequireTrendConfirmation bool
	MinMomentumThresholdPct  float64
	RRMinTrend               float64
	RRMinRange               float64
	EnableADXFilter          bool
	ADXMinTrendStrength      float64

	// Correlation/sector and drawdown gates.
	CorrWindowDays             int
	MaxCorrelation             float64
	MaxPositionsPerSector      int
	DailyMaxLossPct            float64
	IntradayDrawdownHardPct    float64
	MaxDrawdownPct             float64

	MonitorInterval           time.Duration
	TrailingActivationPct    float64
	PartialTPThresholdPct    float64
	EmergencyStopPct         float64
	MaxLossPct               float64
	BlacklistDurationHours   int
	CircuitBreakerLosses     int
	CircuitBreakerCooldownHr int
	WarningRateLimitMinutes  int

	SupervisorInterval time.Duration
	HeartbeatThreshold time.Duration
	InactiveMins       int
}

// fileConfig mirrors the subset of Settings that may come from the YAML
// config file; env vars always take precedence over it.
type fileConfig struct {
	Symbols         []string `yaml:"symbols"`
	BaseURL         string   `yaml:"base_url"`
	WsURL           string   `yaml:"ws_url"`
	Testnet         bool     `yaml:"testnet"`
	MaxPositions    int      `yaml:"max_positions"`
	RiskPerTrade    float64  `yaml:"risk_per_trade"`
	SymbolWhitelist []string `yaml:"symbol_whitelist"`
}

var current atomic.Pointer[Settings]

// Load reads config.yaml (if present) then .env (if present) then the
// process environment, validates the result, and publishes it as the
// current snapshot.
func Load(yamlPath string) (*Settings, error) {
	fc := loadYAML(yamlPath)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("failed to load .env file, continuing with process environment")
	}

	s := &Settings{
		APIKey:    os.Getenv(common.EnvAPIKey),
		SecretKey: os.Getenv(common.EnvSecretKey),
		BaseURL:   getEnvOrDefault(common.EnvBaseURL, firstNonEmpty(fc.BaseURL, common.DefaultBaseURL)),
		WsURL:     getEnvOrDefault(common.EnvWsURL, firstNonEmpty(fc.WsURL, common.DefaultWsURL)),
		Testnet:   getBoolOrDefault(common.EnvTestnet, fc.Testnet),
		DryRun:    getBoolOrDefault(common.EnvDryRun, true),

		Symbols:     getSymbolsOrDefault(common.EnvSymbols, fc.Symbols),
		DataPath:    getEnvOrDefault(common.EnvDataPath, "data/trades.db"),
		MetricsPort: getIntOrDefault(common.EnvMetricsPort, common.DefaultMetricsPort),

		TelegramToken:  os.Getenv(common.EnvTelegramToken),
		TelegramChatID: os.Getenv(common.EnvTelegramChatID),

		MaxPositions:            getIntOrDefault(common.EnvMaxPositions, firstNonZeroInt(fc.MaxPositions, common.DefaultMaxPositions)),
		RiskPerTrade:            getFloatOrDefault(common.EnvRiskPerTrade, firstNonZeroFloat(fc.RiskPerTrade, common.DefaultRiskPerTrade)),
		SniperRiskPerTrade:      getFloatOrDefault(common.EnvSniperRiskPerTrade, common.DefaultSniperRiskPerTrade),
		MaxPortfolioRisk:        getFloatOrDefault(common.EnvMaxPortfolioRisk, common.DefaultMaxPortfolioRisk),
		MaxTotalCapitalUsage:    getFloatOrDefault(common.EnvMaxTotalCapitalUsage, common.DefaultMaxTotalCapitalUsage),
		DefaultLeverage:         getIntOrDefault(common.EnvDefaultLeverage, common.DefaultDefaultLeverage),
		SniperDefaultLeverage:   getIntOrDefault(common.EnvSniperDefaultLeverage, common.DefaultSniperDefaultLeverage),
		AutoIsolateMinLeverage:  getIntOrDefault(common.EnvAutoIsolateMinLeverage, common.DefaultAutoIsolateMinLev),
		MaxSpreadPctCore:        getFloatOrDefault(common.EnvMaxSpreadPctCore, common.DefaultMaxSpreadPctCore),
		MaxSpreadPctSniper:      getFloatOrDefault(common.EnvMaxSpreadPctSniper, common.DefaultMaxSpreadPctSniper),
		SniperTPPct:             getFloatOrDefault(common.EnvSniperTPPct, common.DefaultSniperTPPct),
		SniperSLPct:             getFloatOrDefault(common.EnvSniperSLPct, common.DefaultSniperSLPct),
		SniperExtraSlots:        getIntOrDefault(common.EnvSniperExtraSlots, common.DefaultSniperExtraSlots),
		DefaultMarginCrossed:    getBoolOrDefault(common.EnvDefaultMarginCrossed, false),
		AllowMarginModeOverride: getBoolOrDefault(common.EnvAllowMarginModeOverride, true),

		EnableTrailingStop:     getBoolOrDefault(common.EnvEnableTrailingStop, true),
		TSLCallbackPctMin:      getFloatOrDefault(common.EnvTSLCallbackPctMin, common.DefaultTSLCallbackPctMin),
		TSLCallbackPctMax:      getFloatOrDefault(common.EnvTSLCallbackPctMax, common.DefaultTSLCallbackPctMax),
		TSLATRLookbackInterval: getIntOrDefault(common.EnvTSLATRLookbackInterval, common.DefaultTSLATRLookbackInterval),
		EnableBracketBatch:     getBoolOrDefault(common.EnvEnableBracketBatch, true),
		UseMarkPriceForStops:   getBoolOrDefault(common.EnvUseMarkPriceForStops, true),
		OrderTimeoutSec:        getIntOrDefault(common.EnvOrderTimeoutSec, common.DefaultOrderTimeoutSec),
		UsePostOnlyEntries:     getBoolOrDefault(common.EnvUsePostOnlyEntries, false),
		AutoPostOnlyEntries:    getBoolOrDefault(common.EnvAutoPostOnlyEntries, true),
		AutoMakerSpreadBps:     getFloatOrDefault(common.EnvAutoMakerSpreadBps, common.DefaultAutoMakerSpreadBps),
		TakeProfitParts:        getFloatsOrDefault(common.EnvTakeProfitParts, []float64{0.5, 0.3, 0.2}),
		HeadroomMinPct:         getFloatOrDefault(common.EnvHeadroomMinPct, common.DefaultHeadroomMinPct),
		ReduceStepPct:          getFloatOrDefault(common.EnvReduceStepPct, common.DefaultReduceStepPct),
		AllowRiskBypassForForce: getBoolOrDefault(common.EnvAllowRiskBypassForForce, false),
		IcebergThresholdUSD:    getFloatOrDefault(common.EnvICEBERGThresholdUSD, common.DefaultICEBERGThresholdUSD),
		IcebergChunkSizeUSD:    getFloatOrDefault(common.EnvICEBERGChunkSizeUSD, common.DefaultICEBERGChunkSizeUSD),
		LimitBufferPct:         getFloatOrDefault(common.EnvLimitBufferPct, common.DefaultLimitBufferPct),

		EnableFundingAware:        getBoolOrDefault(common.EnvEnableFundingAware, true),
		FundingAdverseThreshold:   getFloatOrDefault(common.EnvFundingAdverseThreshold, common.DefaultFundingAdverseThreshold),
		FundingBlockWindowMinutes: getIntOrDefault(common.EnvFundingBlockWindowMinutes, common.DefaultFundingBlockWindowMinutes),
		EnableFundingExits:        getBoolOrDefault(common.EnvEnableFundingExits, false),
		FundingExitThreshold:      getFloatOrDefault(common.EnvFundingExitThreshold, common.DefaultFundingExitThreshold),
		OIChangePeriod:            getEnvOrDefault(common.EnvOIChangePeriod, common.DefaultOIChangePeriod),
		OIChangeLookback:          getIntOrDefault(common.EnvOIChangeLookback, common.DefaultOIChangeLookback),
		OIChangeMinAbs:            getFloatOrDefault(common.EnvOIChangeMinAbs, common.DefaultOIChangeMinAbs),
		TakerRatioLongMin:         getFloatOrDefault(common.EnvTakerRatioLongMin, common.DefaultTakerRatioLongMin),
		TakerRatioShortMax:        getFloatOrDefault(common.EnvTakerRatioShortMax, common.DefaultTakerRatioShortMax),

		ScannerTopN:                   getIntOrDefault(common.EnvScannerTopN, common.DefaultScannerTopN),
		ScannerMaxSymbols:             getIntOrDefault(common.EnvScannerMaxSymbols, common.DefaultScannerMaxSymbols),
		MinQuoteVolumeUSDT24h:         getFloatOrDefault(common.EnvMinQuoteVolumeUSDT24h, common.DefaultMinQuoteVolumeUSDT24h),
		ScannerConcurrency:            getIntOrDefault(common.EnvScannerConcurrency, common.DefaultScannerConcurrency),
		ScannerStrictWhitelist:        getBoolOrDefault(common.EnvScannerStrictWhitelist, false),
		ScannerTestnetStrictWhitelist: getBoolOrDefault(common.EnvScannerTestnetStrictWhitelist, true),
		SymbolWhitelist:               getSymbolsOrDefault(common.EnvSymbolWhitelist, fc.SymbolWhitelist),
		TestnetWhitelist:              getSymbolsOrDefault(common.EnvTestnetWhitelist, nil),

		DCAEnabled:            getBoolOrDefault(common.EnvDCAEnabled, true),
		MaxDCACount:           getIntOrDefault(common.EnvMaxDCACount, common.DefaultMaxDCACount),
		DCAThresholdPct:       getFloatOrDefault(common.EnvDCAThresholdPct, common.DefaultDCAThresholdPct),
		DCAMultiplier:         getFloatOrDefault(common.EnvDCAMultiplier, common.DefaultDCAMultiplier),
		PyramidingThreshold:   getFloatOrDefault(common.EnvPyramidingThreshold, common.DefaultPyramidingThreshold),
		PyramidingMultiplier:  getFloatOrDefault(common.EnvPyramidingMultiplier, common.DefaultPyramidingMultiplier),
		TimeExitHours:         getFloatOrDefault(common.EnvTimeExitHours, common.DefaultTimeExitHours),
		TimeExitMinProfitPct:  getFloatOrDefault(common.EnvTimeExitMinProfitPct, common.DefaultTimeExitMinProfit),
		PositionsAutoSyncMins: getIntOrDefault(common.EnvPositionsAutoSyncMins, common.DefaultPositionsAutoSync),

		ProdMinScore:             getIntOrDefault(common.EnvProdMinScore, common.DefaultProdMinScore),
		ProdVolumeThreshold:      getFloatOrDefault(common.EnvProdVolumeThreshold, common.DefaultProdVolumeThreshold),
		ProdRSIOversold:          getFloatOrDefault(common.EnvProdRSIOversold, common.DefaultProdRSIOversold),
		ProdRSIOverbought:        getFloatOrDefault(common.EnvProdRSIOverbought, common.DefaultProdRSIOverbought),
		RequireTrendConfirmation: getBoolOrDefault(common.EnvRequireTrendConfirmation, true),
		MinMomentumThresholdPct:  getFloatOrDefault(common.EnvMinMomentumThresholdPct, common.DefaultMinMomentumThresholdPct),
		RRMinTrend:               getFloatOrDefault(common.EnvRRMinTrend, common.DefaultRRMinTrend),
		RRMinRange:               getFloatOrDefault(common.EnvRRMinRange, common.DefaultRRMinRange),
		EnableADXFilter:          getBoolOrDefault(common.EnvEnableADXFilter, true),
		ADXMinTrendStrength:      getFloatOrDefault(common.EnvADXMinTrendStrength, common.DefaultADXMinTrendStrength),

		CorrWindowDays:          getIntOrDefault(common.EnvCorrWindowDays, common.DefaultCorrWindowDays),
		MaxCorrelation:          getFloatOrDefault(common.EnvMaxCorrelation, common.DefaultMaxCorrelation),
		MaxPositionsPerSector:   getIntOrDefault(common.EnvMaxPositionsPerSector, common.DefaultMaxPositionsPerSector),
		DailyMaxLossPct:         getFloatOrDefault(common.EnvDailyMaxLossPct, common.DefaultDailyMaxLossPct),
		IntradayDrawdownHardPct: getFloatOrDefault(common.EnvIntradayDrawdownHardPct, common.DefaultIntradayDrawdownHardPct),
		MaxDrawdownPct:          getFloatOrDefault(common.EnvMaxDrawdownPct, common.DefaultMaxDrawdownPct),

		MonitorInterval:          time.Duration(getIntOrDefault(common.EnvMonitorIntervalSec, common.DefaultMonitorIntervalSec)) * time.Second,
		TrailingActivationPct:    getFloatOrDefault(common.EnvTrailingActivationPct, common.DefaultTrailingActivationPct),
		PartialTPThresholdPct:    getFloatOrDefault(common.EnvPartialTPThresholdPct, common.DefaultPartialTPThresholdPct),
		EmergencyStopPct:         getFloatOrDefault(common.EnvEmergencyStopPct, common.DefaultEmergencyStopPct),
		MaxLossPct:               getFloatOrDefault(common.EnvMaxLossPct, common.DefaultMaxLossPct),
		BlacklistDurationHours:   getIntOrDefault(common.EnvBlacklistDurationHours, common.DefaultBlacklistDurationHours),
		CircuitBreakerLosses:     getIntOrDefault(common.EnvCircuitBreakerLosses, common.DefaultCircuitBreakerLosses),
		CircuitBreakerCooldownHr: getIntOrDefault(common.EnvCircuitBreakerCooldown, common.DefaultCircuitBreakerCooldown),
		WarningRateLimitMinutes:  getIntOrDefault(common.EnvWarningRateLimitMinutes, common.DefaultWarningRateLimitMins),

		SupervisorInterval: time.Duration(getIntOrDefault(common.EnvSupervisorIntervalSec, common.DefaultSupervisorIntervalSec)) * time.Second,
		HeartbeatThreshold: time.Duration(getIntOrDefault(common.EnvHeartbeatThresholdSec, common.DefaultHeartbeatThresholdSec)) * time.Second,
		InactiveMins:       getIntOrDefault(common.EnvInactiveMins, common.DefaultInactiveMins),
	}

	if err := Validate(s); err != nil {
		return nil, err
	}
	current.Store(s)
	return s, nil
}

// Current returns the live settings snapshot. Safe to call concurrently;
// readers that call this once per operation keep a consistent view even if
// Reload runs mid-operation.
func Current() *Settings { return current.Load() }

// Reload re-loads from disk/env and atomically publishes the new snapshot.
func Reload(yamlPath string) (*Settings, error) {
	return Load(yamlPath)
}

func loadYAML(path string) fileConfig {
	var fc fileConfig
	if path == "" {
		return fc
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fc
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to parse config file, ignoring")
	}
	return fc
}

// Validate rejects an inconsistent configuration at startup, the donor's
// validateSettings()-with-sub-validators pattern, generalized to this
// domain's parameter set.
func Validate(s *Settings) error {
	if !s.DryRun {
		if os.Getenv(common.EnvForceLiveTrading) != "true" {
			return fmt.Errorf("live trading requires %s=true", common.EnvForceLiveTrading)
		}
		if s.APIKey == "" || s.SecretKey == "" {
			return fmt.Errorf("%s and %s are required for live trading", common.EnvAPIKey, common.EnvSecretKey)
		}
	}
	if s.BaseURL == "" {
		return fmt.Errorf("%s is required", common.EnvBaseURL)
	}
	if s.WsURL == "" {
		return fmt.Errorf("%s is required", common.EnvWsURL)
	}
	if len(s.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required via %s", common.EnvSymbols)
	}
	if s.MaxPositions <= 0 {
		return fmt.Errorf("%s must be positive", common.EnvMaxPositions)
	}
	if s.RiskPerTrade <= 0 || s.RiskPerTrade > 1 {
		return fmt.Errorf("%s must be in (0, 1]", common.EnvRiskPerTrade)
	}
	if s.MaxPortfolioRisk <= 0 || s.MaxPortfolioRisk > 1 {
		return fmt.Errorf("%s must be in (0, 1]", common.EnvMaxPortfolioRisk)
	}
	if s.MaxTotalCapitalUsage <= 0 || s.MaxTotalCapitalUsage > 1 {
		return fmt.Errorf("%s must be in (0, 1]", common.EnvMaxTotalCapitalUsage)
	}
	if s.DefaultLeverage < 3 || s.DefaultLeverage > 20 {
		return fmt.Errorf("%s must be in [3, 20]", common.EnvDefaultLeverage)
	}
	if s.MetricsPort < common.MinMetricsPort || s.MetricsPort > common.MaxMetricsPort {
		return fmt.Errorf("%s must be in [%d, %d]", common.EnvMetricsPort, common.MinMetricsPort, common.MaxMetricsPort)
	}
	sum := 0.0
	for _, p := range s.TakeProfitParts {
		sum += p
	}
	if len(s.TakeProfitParts) == 0 || (sum < 0.99 || sum > 1.01) {
		return fmt.Errorf("%s fractions must sum to 1", common.EnvTakeProfitParts)
	}
	if s.DailyMaxLossPct <= 0 || s.DailyMaxLossPct > 1 {
		return fmt.Errorf("%s must be in (0, 1]", common.EnvDailyMaxLossPct)
	}
	if s.IntradayDrawdownHardPct <= 0 || s.IntradayDrawdownHardPct > 1 {
		return fmt.Errorf("%s must be in (0, 1]", common.EnvIntradayDrawdownHardPct)
	}
	return nil
}

func getEnvOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getIntOrDefault(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloatOrDefault(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBoolOrDefault(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getSymbolsOrDefault(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return splitCSV(v)
	}
	return def
}

func getFloatsOrDefault(key string, def []float64) []float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	parts := splitCSV(v)
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return def
		}
		out = append(out, f)
	}
	return out
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstNonZeroInt(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}

func firstNonZeroFloat(a, b float64) float64 {
	if a != 0 {
		return a
	}
	return b
}
