package executor

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"perpbot/internal/common"
	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/model"
)

type execPath string

const (
	pathLimit    execPath = "limit"
	pathMarket   execPath = "market"
	pathIceberg  execPath = "iceberg"
)

type fillResult struct {
	AvgPrice float64
	Quantity float64
	OrderIDs []string
	Maker    bool
	Path     execPath
	Retries  int
	Requotes int
}

// executeEntry dispatches to the iceberg or single-order path depending on
// notional size, per §4.8 step 8.
func (e *Executor) executeEntry(ctx context.Context, sig model.Signal, side model.OrderSide, qty float64, book exchange.OrderBook, settings *config.Settings) (fillResult, error) {
	notional := sig.EntryPrice * qty
	if settings.IcebergThresholdUSD > 0 && notional > settings.IcebergThresholdUSD {
		return e.executeIceberg(ctx, sig, side, qty, settings)
	}
	return e.executeLimitWithFallback(ctx, sig, side, qty, book, settings)
}

// executeIceberg splits the order into notional-sized chunks, executing each
// through the limit path sequentially with a 1s gap, then aggregates the
// fills into a size-weighted average.
func (e *Executor) executeIceberg(ctx context.Context, sig model.Signal, side model.OrderSide, qty float64, settings *config.Settings) (fillResult, error) {
	chunkUSD := settings.IcebergChunkSizeUSD
	if chunkUSD <= 0 {
		chunkUSD = sig.EntryPrice * qty
	}
	chunkQty := chunkUSD / sig.EntryPrice
	if chunkQty <= 0 {
		chunkQty = qty
	}

	remaining := qty
	var totalQty, weightedPrice float64
	var ids []string
	var retries, requotes int
	anyMaker := true

	book, err := e.exchange.OrderBook(ctx, sig.Symbol, 5)
	if err != nil {
		return fillResult{}, err
	}

	for remaining > 0 {
		chunk := math.Min(chunkQty, remaining)
		res, err := e.executeLimitWithFallback(ctx, sig, side, chunk, book, settings)
		if err != nil {
			if totalQty > 0 {
				break
			}
			return fillResult{}, err
		}
		ids = append(ids, res.OrderIDs...)
		totalQty += res.Quantity
		weightedPrice += res.AvgPrice * res.Quantity
		retries += res.Retries
		requotes += res.Requotes
		if !res.Maker {
			anyMaker = false
		}
		remaining -= chunk
		if remaining > 0 {
			time.Sleep(time.Second)
		}
	}

	if totalQty == 0 {
		return fillResult{}, common.NewExecutionFailed("iceberg produced no fills", nil)
	}

	return fillResult{
		AvgPrice: weightedPrice / totalQty,
		Quantity: totalQty,
		OrderIDs: ids,
		Maker:    anyMaker,
		Path:     pathIceberg,
		Retries:  retries,
		Requotes: requotes,
	}, nil
}

// executeLimitWithFallback implements the LIMIT retry/requote loop, falling
// back to MARKET after the final attempt, per §4.8 step 8.
func (e *Executor) executeLimitWithFallback(ctx context.Context, sig model.Signal, side model.OrderSide, qty float64, book exchange.OrderBook, settings *config.Settings) (fillResult, error) {
	const maxAttempts = 5
	requotes := 0

	for attempt := 0; attempt < maxAttempts; attempt++ {
		price, tif, maker := limitPrice(sig.Direction, book, settings)

		order, err := e.exchange.CreateOrder(ctx, model.OrderRequest{
			Symbol:      sig.Symbol,
			Side:        side,
			Type:        model.OrderLimit,
			Price:       price,
			Quantity:    qty,
			TimeInForce: tif,
		})
		if err != nil {
			log.Warn().Err(err).Str("symbol", sig.Symbol).Int("attempt", attempt).Msg("limit order submission failed")
			requotes++
			continue
		}

		filled, timedOut := e.pollOrder(ctx, sig.Symbol, order.OrderID, settings.OrderTimeoutSec)
		if filled.ExecutedQty > 0 {
			return fillResult{
				AvgPrice: filled.AvgPrice,
				Quantity: filled.ExecutedQty,
				OrderIDs: []string{order.OrderID},
				Maker:    maker,
				Path:     pathLimit,
				Requotes: requotes,
			}, nil
		}
		if timedOut {
			_ = e.exchange.CancelOrder(ctx, sig.Symbol, order.OrderID)
			requotes++
			refreshed, err := e.exchange.OrderBook(ctx, sig.Symbol, 5)
			if err == nil {
				book = refreshed
			}
		}
	}

	return e.executeMarket(ctx, sig, side, qty, requotes)
}

// pollOrder polls fill status at 500ms intervals up to timeoutSec.
func (e *Executor) pollOrder(ctx context.Context, symbol, orderID string, timeoutSec int) (model.Order, bool) {
	if timeoutSec <= 0 {
		timeoutSec = 10
	}
	deadline := time.Now().Add(time.Duration(timeoutSec) * time.Second)
	for time.Now().Before(deadline) {
		order, err := e.exchange.GetOrder(ctx, symbol, orderID)
		if err == nil && order.ExecutedQty > 0 && order.Status == "FILLED" {
			return order, false
		}
		select {
		case <-ctx.Done():
			return model.Order{}, true
		case <-time.After(500 * time.Millisecond):
		}
	}
	return model.Order{}, true
}

func (e *Executor) executeMarket(ctx context.Context, sig model.Signal, side model.OrderSide, qty float64, requotes int) (fillResult, error) {
	order, err := e.exchange.CreateOrder(ctx, model.OrderRequest{
		Symbol:   sig.Symbol,
		Side:     side,
		Type:     model.OrderMarket,
		Quantity: qty,
	})
	if err != nil {
		return fillResult{}, common.NewExecutionFailed("market fallback failed", err)
	}

	avgPrice := order.AvgPrice
	if avgPrice == 0 {
		avgPrice = sig.EntryPrice
	}
	executed := order.ExecutedQty
	if executed == 0 {
		executed = qty
	}

	return fillResult{
		AvgPrice: avgPrice,
		Quantity: executed,
		OrderIDs: []string{order.OrderID},
		Maker:    false,
		Path:     pathMarket,
		Requotes: requotes,
	}, nil
}

// limitPrice computes the entry price, time-in-force, and maker flag for
// one limit attempt, per §4.8 step 8's post-only/plain-limit branch.
func limitPrice(direction model.Direction, book exchange.OrderBook, settings *config.Settings) (float64, model.TimeInForce, bool) {
	if book.BestAsk <= 0 || book.BestBid <= 0 {
		return 0, model.TIFGtc, false
	}
	spreadBps := (book.BestAsk - book.BestBid) / book.BestAsk * 10000
	usePostOnly := settings.UsePostOnlyEntries || spreadBps >= settings.AutoMakerSpreadBps
	const epsilon = 0.0002

	if usePostOnly {
		if direction == model.Long {
			return book.BestBid * (1 - epsilon), model.TIFGtx, true
		}
		return book.BestAsk * (1 + epsilon), model.TIFGtx, true
	}

	buf := settings.LimitBufferPct / 100
	mid := (book.BestBid + book.BestAsk) / 2
	if direction == model.Long {
		return mid * (1 + buf), model.TIFGtc, false
	}
	return mid * (1 - buf), model.TIFGtc, false
}
