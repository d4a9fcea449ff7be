package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"EXCHANGE_API_KEY", "EXCHANGE_SECRET_KEY", "FORCE_LIVE_TRADING",
		"SYMBOLS", "BASE_URL", "WS_URL", "DRY_RUN", "MAX_POSITIONS",
		"RISK_PER_TRADE", "MAX_PORTFOLIO_RISK", "TAKE_PROFIT_PARTS",
	} {
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("SYMBOLS", "BTCUSDT,ETHUSDT")
	defer clearEnv(t)

	s, err := Load("")
	require.NoError(t, err)
	assert.True(t, s.DryRun)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, s.Symbols)
	assert.Equal(t, 5, s.MaxPositions)
	assert.InDelta(t, 0.02, s.RiskPerTrade, 1e-9)
	assert.Equal(t, []float64{0.5, 0.3, 0.2}, s.TakeProfitParts)
}

func TestLoadRejectsLiveTradingWithoutForceFlag(t *testing.T) {
	clearEnv(t)
	os.Setenv("SYMBOLS", "BTCUSDT")
	os.Setenv("DRY_RUN", "false")
	defer clearEnv(t)

	_, err := Load("")
	require.Error(t, err)
}

func TestLoadRejectsMissingSymbols(t *testing.T) {
	clearEnv(t)
	defer clearEnv(t)

	_, err := Load("")
	require.Error(t, err)
}

func TestLoadRejectsBadTakeProfitParts(t *testing.T) {
	clearEnv(t)
	os.Setenv("SYMBOLS", "BTCUSDT")
	os.Setenv("TAKE_PROFIT_PARTS", "0.5,0.6")
	defer clearEnv(t)

	_, err := Load("")
	require.Error(t, err)
}

func TestCurrentReflectsLoad(t *testing.T) {
	clearEnv(t)
	os.Setenv("SYMBOLS", "BTCUSDT")
	defer clearEnv(t)

	s, err := Load("")
	require.NoError(t, err)
	assert.Same(t, s, Current())
}
