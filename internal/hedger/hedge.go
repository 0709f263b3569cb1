package hedger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"bybit-hedge-bot/internal/models"
)

// Hedge runs one full delta neutral entry for the chat: admit, size,
// buy spot passively, short futures for the realized spot amount, then
// reconcile against the wallet. At most one operation per (chat,
// symbol) is in flight; a duplicate request fails before any sizing.
func (s *Service) Hedge(ctx context.Context, chatID int64, req models.HedgeRequest, sink ProgressFunc) (HedgeResult, error) {
	var res HedgeResult

	op, err := s.reg.TryAdmit(chatID, req.Symbol, models.KindHedge)
	if err != nil {
		return res, err
	}
	defer s.reg.Release(chatID, req.Symbol)
	s.metrics.HedgesStarted.Inc()

	in, err := s.gatherSizingInputs(ctx, req)
	if err != nil {
		s.metrics.HedgesFailed.Inc()
		return res, err
	}
	params, err := ComputeHedgeParams(req, in, s.cfg)
	if err != nil {
		s.metrics.HedgesFailed.Inc()
		return res, err
	}
	res.Params = params

	sessionID, err := s.store.InsertSession(ctx, models.Session{
		ChatID:     chatID,
		Symbol:     req.Symbol,
		Sum:        req.Sum,
		Volatility: req.Volatility,
		MMR:        in.MMR,
		HasMMR:     true,
		SpotQty:    params.SpotQty,
		FuturesQty: params.FuturesQty,
		Kind:       models.KindHedge,
		Status:     models.SessionPending,
	})
	if err != nil {
		s.metrics.HedgesFailed.Inc()
		return res, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	op.SetSessionID(sessionID)
	res.SessionID = sessionID

	leverage := (1 + req.Volatility) * (1 + in.MMR)
	if err := s.exchange.SetLeverage(ctx, params.FuturesSymbol, leverage); err != nil {
		s.finishSession(sessionID, models.SessionFailed)
		s.metrics.HedgesFailed.Inc()
		return res, fmt.Errorf("set leverage: %w", err)
	}
	if err := s.store.UpdateSessionStatus(ctx, sessionID, models.SessionExecuting); err != nil {
		s.metrics.HedgesFailed.Inc()
		return res, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}

	s.log.Info("hedge started",
		zap.Int64("chat_id", chatID), zap.String("symbol", req.Symbol),
		zap.Int64("session_id", sessionID),
		zap.Float64("spot_qty", params.SpotQty), zap.Float64("futures_qty", params.FuturesQty),
		zap.Float64("limit_price", params.InitialLimitPrice))

	spotRes, err := s.runStage(ctx, op, sessionID, stage{
		market:   models.MarketSpot,
		symbol:   params.Symbol,
		side:     models.SideBuy,
		target:   params.SpotQty,
		qtyStep:  params.SpotQtyStep,
		minQty:   params.MinSpotQty,
		tickSize: params.TickSize,
		progress: StageSpot,
	}, sink)
	res.SpotFilled = spotRes.Filled
	res.SpotAvgPrice = spotRes.AvgPrice
	if err != nil {
		return res, s.failHedge(ctx, sessionID, res, err)
	}

	// The futures leg shorts what actually landed in the wallet, not
	// the planned quantity: spot fees and partial fills both shrink it.
	futTarget := truncToStep(res.SpotFilled*(1-in.SpotTakerFee), params.FuturesQtyStep)
	if futTarget < params.MinFuturesQty {
		return res, s.failHedge(ctx, sessionID, res,
			fmt.Errorf("%w: futures qty %v below min %v after spot fill", ErrQuantityBelowMinimum, futTarget, params.MinFuturesQty))
	}

	futRes, err := s.runStage(ctx, op, sessionID, stage{
		market:   models.MarketFutures,
		symbol:   params.FuturesSymbol,
		side:     models.SideSell,
		target:   futTarget,
		qtyStep:  params.FuturesQtyStep,
		minQty:   params.MinFuturesQty,
		tickSize: params.FuturesTickSize,
		progress: StageFutures,
	}, sink)
	res.FuturesFilled = futRes.Filled
	res.FuturesAvgPrice = futRes.AvgPrice
	if err != nil {
		return res, s.failHedge(ctx, sessionID, res, err)
	}

	if err := s.store.UpdateSessionQuantities(ctx, sessionID, res.SpotFilled, res.FuturesFilled); err != nil {
		return res, s.failHedge(ctx, sessionID, res, fmt.Errorf("%w: %v", ErrPersistenceFailed, err))
	}

	res.NetSpotQty, res.BalanceVerified = s.verifyBalance(ctx, req.Symbol, res.SpotFilled)
	if !s.finishSession(sessionID, models.SessionCompleted) {
		s.metrics.HedgesFailed.Inc()
		return res, ErrPersistenceFailed
	}
	s.metrics.HedgesCompleted.Inc()
	s.recordHistory(sessionID)
	s.report(sink, Progress{Stage: StageComplete, Symbol: req.Symbol, FilledQty: res.FuturesFilled, TargetQty: futTarget})
	s.log.Info("hedge completed",
		zap.Int64("session_id", sessionID),
		zap.Float64("spot_filled", res.SpotFilled), zap.Float64("futures_filled", res.FuturesFilled),
		zap.Bool("balance_verified", res.BalanceVerified))
	return res, nil
}

// failHedge records partial fills, moves the session to its terminal
// status and passes the stage error through. Cancellation wins over
// any other classification.
func (s *Service) failHedge(ctx context.Context, sessionID int64, res HedgeResult, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if err := s.store.UpdateSessionQuantities(ctx, sessionID, res.SpotFilled, res.FuturesFilled); err != nil {
		s.log.Error("partial fill persistence failed",
			zap.Int64("session_id", sessionID), zap.Error(err))
	}
	status := models.SessionFailed
	if errors.Is(cause, ErrCancelled) {
		status = models.SessionCancelled
		s.metrics.HedgesCancelled.Inc()
	} else {
		s.metrics.HedgesFailed.Inc()
	}
	s.finishSession(sessionID, status)
	s.recordHistory(sessionID)
	s.log.Warn("hedge did not complete",
		zap.Int64("session_id", sessionID), zap.String("status", string(status)), zap.Error(cause))
	return cause
}

// finishSession writes a terminal status on a context detached from
// the operation; a cancelled operation must still reach a terminal row.
func (s *Service) finishSession(sessionID int64, status models.SessionStatus) bool {
	if err := s.store.UpdateSessionStatus(context.Background(), sessionID, status); err != nil {
		s.log.Error("terminal status update failed",
			zap.Int64("session_id", sessionID), zap.String("status", string(status)), zap.Error(err))
		return false
	}
	return true
}

// verifyBalance reads back the base coin wallet and returns the free
// balance as the authoritative net quantity. When the endpoint fails
// the computed gross fill is trusted alone and the degradation is
// surfaced through the verified flag and counter.
func (s *Service) verifyBalance(ctx context.Context, symbol string, spotFilled float64) (float64, bool) {
	base := strings.TrimSuffix(symbol, s.cfg.QuoteCurrency)
	if base == "" {
		base = symbol
	}
	bal, err := s.exchange.GetWalletBalance(ctx, base)
	if err != nil {
		s.log.Warn("balance reconciliation unavailable, trusting order state",
			zap.String("coin", base), zap.Error(err))
		s.metrics.ReconciliationFallbacks.Inc()
		return spotFilled, false
	}
	if bal.Total+1e-9 < spotFilled {
		s.log.Warn("wallet balance below recorded fill",
			zap.String("coin", base), zap.Float64("balance", bal.Total), zap.Float64("filled", spotFilled))
		return bal.Free, false
	}
	return bal.Free, true
}
