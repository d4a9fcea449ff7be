package scanner

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"perpbot/internal/config"
	"perpbot/internal/model"
)

func TestMovementScore(t *testing.T) {
	klines := make([]model.Kline, 20)
	for i := range klines {
		klines[i] = model.Kline{Close: 100, High: 102, Low: 98}
	}
	klines[len(klines)-1].Close = 105
	score := movementScore(klines)
	assert.Greater(t, score, 0.0)
}

func TestMeanRangeEmptyOnZeroLow(t *testing.T) {
	klines := []model.Kline{{High: 10, Low: 0}}
	assert.Equal(t, 0.0, meanRange(klines))
}

func TestAllowedSet(t *testing.T) {
	set := allowedSet([]string{"BTCUSDT", "ETHUSDT"})
	assert.True(t, set["BTCUSDT"])
	assert.False(t, set["SOLUSDT"])
}

func TestWhitelistSetUsesTestnetList(t *testing.T) {
	s := &config.Settings{Testnet: true, SymbolWhitelist: []string{"BTCUSDT"}, TestnetWhitelist: []string{"ETHUSDT"}}
	set := whitelistSet(s, true)
	assert.True(t, set["ETHUSDT"])
	assert.False(t, set["BTCUSDT"])
}
