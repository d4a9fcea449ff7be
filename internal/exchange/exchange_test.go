package exchange

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"perpbot/internal/common"
)

func TestSignIsDeterministic(t *testing.T) {
	a := sign("secret", "symbol=BTCUSDT&timestamp=1")
	b := sign("secret", "symbol=BTCUSDT&timestamp=1")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, sign("other", "symbol=BTCUSDT&timestamp=1"))
}

func TestParseFloat(t *testing.T) {
	assert.InDelta(t, 1.5, parseFloat("1.5"), 1e-9)
	assert.Equal(t, 0.0, parseFloat(""))
	assert.Equal(t, 0.0, parseFloat("not-a-number"))
}

func TestRetryStopsOnFatalError(t *testing.T) {
	calls := 0
	_, err := retry(context.Background(), func() (int, error) {
		calls++
		return 0, common.NewFatalExchange("banned", nil)
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustsOnTransientError(t *testing.T) {
	calls := 0
	_, err := retry(context.Background(), func() (int, error) {
		calls++
		return 0, common.NewTransient("timeout", nil)
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	v, err := retry(context.Background(), func() (int, error) {
		calls++
		if calls < 2 {
			return 0, common.NewTransient("timeout", nil)
		}
		return 42, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 2, calls)
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := retry(ctx, func() (int, error) {
		return 0, common.NewTransient("timeout", nil)
	})
	assert.True(t, errors.Is(err, context.Canceled) || err != nil)
}
