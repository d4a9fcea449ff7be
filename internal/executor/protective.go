package executor

import (
	"context"

	"github.com/rs/zerolog/log"

	"perpbot/internal/common"
	"perpbot/internal/config"
	"perpbot/internal/model"
)

// attachProtectiveOrders places the stop-loss and take-profit ladder as
// reduceOnly orders, per §4.8 step 9. The donor's bracket-batch endpoint has
// no equivalent in this venue's order API, so both the batch and fallback
// branches place the same sequence of individual reduceOnly orders; the
// flag only changes whether a failure to place one leg aborts the rest.
func (e *Executor) attachProtectiveOrders(ctx context.Context, sig model.Signal, entrySide model.OrderSide, qty float64, settings *config.Settings) {
	closeSide := model.SideSell
	if entrySide == model.SideSell {
		closeSide = model.SideBuy
	}

	working := model.WorkingContractPrice
	if settings.UseMarkPriceForStops {
		working = model.WorkingMarkPrice
	}

	slOrder := model.OrderRequest{
		Symbol:      sig.Symbol,
		Side:        closeSide,
		Type:        model.OrderStopMarket,
		StopPrice:   sig.StopLoss,
		Quantity:    qty,
		ReduceOnly:  true,
		WorkingType: working,
	}
	if _, err := e.exchange.CreateOrder(ctx, slOrder); err != nil {
		log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("stop-loss order failed")
		if settings.EnableBracketBatch {
			return
		}
	}

	parts := settings.TakeProfitParts
	if len(parts) == 0 {
		parts = []float64{0.5, 0.3, 0.2}
	}
	targets := []float64{sig.TakeProfit1, sig.TakeProfit2, sig.TakeProfit3}

	for i, frac := range parts {
		if i >= len(targets) || targets[i] <= 0 {
			continue
		}
		tpQty := common.RoundStep(qty*frac, 0.000001)
		if tpQty <= 0 {
			continue
		}
		tpOrder := model.OrderRequest{
			Symbol:      sig.Symbol,
			Side:        closeSide,
			Type:        model.OrderLimit,
			Price:       targets[i],
			Quantity:    tpQty,
			TimeInForce: model.TIFGtc,
			ReduceOnly:  true,
		}
		if _, err := e.exchange.CreateOrder(ctx, tpOrder); err != nil {
			log.Warn().Err(err).Str("symbol", sig.Symbol).Int("tp_index", i).Msg("take-profit order failed")
			if settings.EnableBracketBatch {
				return
			}
		}
	}
}

// attachTrailingStop submits a TRAILING_STOP_MARKET order with a callback
// rate derived from ATR, clamped to the configured bounds, per §4.8 step 10.
func (e *Executor) attachTrailingStop(ctx context.Context, sig model.Signal, entrySide model.OrderSide, qty, atrPct float64, settings *config.Settings) {
	closeSide := model.SideSell
	if entrySide == model.SideSell {
		closeSide = model.SideBuy
	}

	callback := common.Clamp(atrPct, settings.TSLCallbackPctMin, settings.TSLCallbackPctMax)
	callback = roundTenth(callback)
	if callback <= 0 {
		return
	}

	order := model.OrderRequest{
		Symbol:       sig.Symbol,
		Side:         closeSide,
		Type:         model.OrderTrailingStopMarket,
		Quantity:     qty,
		ReduceOnly:   true,
		CallbackRate: callback,
	}
	if _, err := e.exchange.CreateOrder(ctx, order); err != nil {
		log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("trailing stop order failed")
	}
}

func roundTenth(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}

// trimHeadroom issues up to 3 reduceOnly MARKET trims when liquidation
// distance falls below the configured minimum, per §4.8 step 11.
func (e *Executor) trimHeadroom(ctx context.Context, symbol string, entry float64, settings *config.Settings) {
	if settings.HeadroomMinPct <= 0 || entry <= 0 {
		return
	}

	for i := 0; i < 3; i++ {
		positions, err := e.exchange.OpenPositions(ctx)
		if err != nil {
			return
		}
		var pos *model.OpenExchangePosition
		for j := range positions {
			if positions[j].Symbol == symbol {
				pos = &positions[j]
				break
			}
		}
		if pos == nil || pos.LiquidationPrice <= 0 {
			return
		}

		headroomPct := absf(entry-pos.LiquidationPrice) / entry * 100
		if headroomPct >= settings.HeadroomMinPct {
			return
		}

		trimQty := common.RoundStep(absf(pos.PositionAmt)*settings.ReduceStepPct/100, 0.000001)
		if trimQty <= 0 {
			return
		}
		side := model.SideSell
		if pos.PositionAmt < 0 {
			side = model.SideBuy
		}
		if _, err := e.exchange.CreateOrder(ctx, model.OrderRequest{
			Symbol:     symbol,
			Side:       side,
			Type:       model.OrderMarket,
			Quantity:   trimQty,
			ReduceOnly: true,
		}); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("headroom trim order failed")
			return
		}
	}
}
