package hedger

import (
	"context"
	"fmt"
	"math"
	"time"

	"bybit-hedge-bot/internal/config"
	"bybit-hedge-bot/internal/models"
)

// SizingInputs is everything ComputeHedgeParams needs from the outside
// world, gathered up front so sizing itself stays deterministic.
type SizingInputs struct {
	Snapshot          models.MarketSnapshot
	SpotInstrument    models.InstrumentInfo
	FuturesInstrument models.InstrumentInfo
	SpotTakerFee      float64
	MMR               float64
	Collateral        float64
	Now               time.Time
}

// ComputeHedgeParams sizes one hedge. The spot quantity is the quote
// sum at the observed price truncated to the spot lot step; the futures
// quantity shorts the spot quantity net of the spot taker fee so both
// legs carry equal notional. The volatility buffer and maintenance
// margin only gate feasibility: the position must stay under the
// configured leverage ceiling through a move of the given magnitude.
func ComputeHedgeParams(req models.HedgeRequest, in SizingInputs, cfg config.HedgeConfig) (models.HedgeParams, error) {
	var p models.HedgeParams
	if req.Sum <= 0 {
		return p, ErrInvalidAmount
	}
	if req.Volatility < 0 {
		return p, fmt.Errorf("%w: volatility must not be negative", ErrInvalidAmount)
	}
	if in.Snapshot.Price <= 0 {
		return p, fmt.Errorf("%w: no price for %s", ErrUnknownSymbol, req.Symbol)
	}
	if cfg.MaxMarketAge > 0 && in.Now.Sub(in.Snapshot.ObservedAt) > cfg.MaxMarketAge {
		return p, fmt.Errorf("%w: snapshot is %s old", ErrStaleMarketData, in.Now.Sub(in.Snapshot.ObservedAt).Round(time.Millisecond))
	}

	required := (1 + req.Volatility) * (1 + in.MMR)
	if cfg.MaxLeverage > 0 && required > cfg.MaxLeverage {
		return p, fmt.Errorf("%w: need %.2fx, limit %.2fx", ErrLeverageExceeded, required, cfg.MaxLeverage)
	}

	spotQty := truncToStep(req.Sum/in.Snapshot.Price, in.SpotInstrument.QtyStep)
	if spotQty <= 0 || spotQty < in.SpotInstrument.MinQty {
		return p, fmt.Errorf("%w: spot qty %v below min %v", ErrQuantityBelowMinimum, spotQty, in.SpotInstrument.MinQty)
	}

	futQty := truncToStep(spotQty*(1-in.SpotTakerFee), in.FuturesInstrument.QtyStep)
	if futQty <= 0 || futQty < in.FuturesInstrument.MinQty {
		return p, fmt.Errorf("%w: futures qty %v below min %v", ErrQuantityBelowMinimum, futQty, in.FuturesInstrument.MinQty)
	}

	limit := in.Snapshot.Price - float64(cfg.TickOffset)*in.SpotInstrument.TickSize
	if limit <= 0 {
		return p, fmt.Errorf("%w: limit price %v not positive", ErrInvalidAmount, limit)
	}

	return models.HedgeParams{
		Symbol:              req.Symbol,
		FuturesSymbol:       req.Symbol,
		SpotPrice:           in.Snapshot.Price,
		InitialLimitPrice:   limit,
		SpotQty:             spotQty,
		FuturesQty:          futQty,
		SpotValue:           spotQty * in.Snapshot.Price,
		AvailableCollateral: in.Collateral,
		SpotQtyStep:         in.SpotInstrument.QtyStep,
		FuturesQtyStep:      in.FuturesInstrument.QtyStep,
		MinSpotQty:          in.SpotInstrument.MinQty,
		MinFuturesQty:       in.FuturesInstrument.MinQty,
		TickSize:            in.SpotInstrument.TickSize,
		FuturesTickSize:     in.FuturesInstrument.TickSize,
		MMR:                 in.MMR,
	}, nil
}

// truncToStep rounds v down to a multiple of step. The relative nudge
// keeps quantities like 0.02 from landing one step short after binary
// float division.
func truncToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	n := math.Floor(v/step + 1e-9)
	return n * step
}

// gatherSizingInputs pulls the market state sizing depends on. The MMR
// from the request wins over the exchange's risk limit tier when set.
func (s *Service) gatherSizingInputs(ctx context.Context, req models.HedgeRequest) (SizingInputs, error) {
	snap, err := s.exchange.GetMarketSnapshot(ctx, models.MarketSpot, req.Symbol)
	if err != nil {
		return SizingInputs{}, fmt.Errorf("%w: %s: %v", ErrUnknownSymbol, req.Symbol, err)
	}
	spotInfo, err := s.exchange.GetInstrumentInfo(ctx, models.MarketSpot, req.Symbol)
	if err != nil {
		return SizingInputs{}, fmt.Errorf("spot instrument info: %w", err)
	}
	futInfo, err := s.exchange.GetInstrumentInfo(ctx, models.MarketFutures, s.futuresSymbol(req.Symbol))
	if err != nil {
		return SizingInputs{}, fmt.Errorf("futures instrument info: %w", err)
	}
	fee, err := s.exchange.GetFeeRate(ctx, models.MarketSpot, req.Symbol)
	if err != nil {
		return SizingInputs{}, fmt.Errorf("spot fee rate: %w", err)
	}
	mmr, err := s.exchange.GetMMR(ctx, s.futuresSymbol(req.Symbol))
	if err != nil {
		return SizingInputs{}, fmt.Errorf("maintenance margin rate: %w", err)
	}
	var collateral float64
	if bal, err := s.exchange.GetWalletBalance(ctx, s.cfg.QuoteCurrency); err == nil {
		collateral = bal.Free
	}
	return SizingInputs{
		Snapshot:          snap,
		SpotInstrument:    spotInfo,
		FuturesInstrument: futInfo,
		SpotTakerFee:      fee,
		MMR:               mmr,
		Collateral:        collateral,
		Now:               s.now(),
	}, nil
}
