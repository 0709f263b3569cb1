package hedger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"bybit-hedge-bot/internal/models"
)

// Unhedge unwinds the chat's most recent completed hedge in the
// symbol: buy back the futures short first, then sell the spot. The
// source session is linked to the unwind so it is never unwound twice.
func (s *Service) Unhedge(ctx context.Context, chatID int64, req models.UnhedgeRequest, sink ProgressFunc) (UnhedgeResult, error) {
	var res UnhedgeResult

	op, err := s.reg.TryAdmit(chatID, req.Symbol, models.KindUnhedge)
	if err != nil {
		return res, err
	}
	defer s.reg.Release(chatID, req.Symbol)
	s.metrics.HedgesStarted.Inc()

	candidates, err := s.store.CompletedUnhedgedSessions(ctx, chatID, req.Symbol)
	if err != nil {
		s.metrics.HedgesFailed.Inc()
		return res, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	if len(candidates) == 0 {
		s.metrics.HedgesFailed.Inc()
		return res, fmt.Errorf("%w: %s", ErrNothingToUnhedge, req.Symbol)
	}
	source := candidates[0]
	res.SourceSessionID = source.ID

	spotInfo, err := s.exchange.GetInstrumentInfo(ctx, models.MarketSpot, req.Symbol)
	if err != nil {
		s.metrics.HedgesFailed.Inc()
		return res, fmt.Errorf("spot instrument info: %w", err)
	}
	futInfo, err := s.exchange.GetInstrumentInfo(ctx, models.MarketFutures, s.futuresSymbol(req.Symbol))
	if err != nil {
		s.metrics.HedgesFailed.Inc()
		return res, fmt.Errorf("futures instrument info: %w", err)
	}

	sum := req.Sum
	if sum == 0 {
		sum = source.Sum
	}
	sessionID, err := s.store.InsertSession(ctx, models.Session{
		ChatID:     chatID,
		Symbol:     req.Symbol,
		Sum:        sum,
		SpotQty:    source.SpotQty,
		FuturesQty: source.FuturesQty,
		Kind:       models.KindUnhedge,
		Status:     models.SessionPending,
	})
	if err != nil {
		s.metrics.HedgesFailed.Inc()
		return res, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	op.SetSessionID(sessionID)
	res.SessionID = sessionID

	if err := s.store.UpdateSessionStatus(ctx, sessionID, models.SessionExecuting); err != nil {
		s.metrics.HedgesFailed.Inc()
		return res, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}

	s.log.Info("unhedge started",
		zap.Int64("chat_id", chatID), zap.String("symbol", req.Symbol),
		zap.Int64("session_id", sessionID), zap.Int64("source_session_id", source.ID),
		zap.Float64("spot_qty", source.SpotQty), zap.Float64("futures_qty", source.FuturesQty))

	// Close the short before selling the spot: between the legs the
	// book is long-only, never short-only.
	futRes, err := s.runStage(ctx, op, sessionID, stage{
		market:   models.MarketFutures,
		symbol:   s.futuresSymbol(req.Symbol),
		side:     models.SideBuy,
		target:   source.FuturesQty,
		qtyStep:  futInfo.QtyStep,
		minQty:   futInfo.MinQty,
		tickSize: futInfo.TickSize,
		progress: StageFutures,
	}, sink)
	res.FuturesFilled = futRes.Filled
	if err != nil {
		return res, s.failUnhedge(ctx, sessionID, res, err)
	}

	spotRes, err := s.runStage(ctx, op, sessionID, stage{
		market:   models.MarketSpot,
		symbol:   req.Symbol,
		side:     models.SideSell,
		target:   source.SpotQty,
		qtyStep:  spotInfo.QtyStep,
		minQty:   spotInfo.MinQty,
		tickSize: spotInfo.TickSize,
		progress: StageSpot,
	}, sink)
	res.SpotFilled = spotRes.Filled
	if err != nil {
		return res, s.failUnhedge(ctx, sessionID, res, err)
	}

	if err := s.store.UpdateSessionQuantities(ctx, sessionID, res.SpotFilled, res.FuturesFilled); err != nil {
		return res, s.failUnhedge(ctx, sessionID, res, fmt.Errorf("%w: %v", ErrPersistenceFailed, err))
	}
	if err := s.store.MarkSessionUnhedged(ctx, source.ID, sessionID); err != nil {
		return res, s.failUnhedge(ctx, sessionID, res, fmt.Errorf("%w: %v", ErrPersistenceFailed, err))
	}

	_, res.BalanceVerified = s.verifyBalance(ctx, req.Symbol, 0)
	if !s.finishSession(sessionID, models.SessionCompleted) {
		s.metrics.HedgesFailed.Inc()
		return res, ErrPersistenceFailed
	}
	s.metrics.HedgesCompleted.Inc()
	s.recordHistory(sessionID)
	s.report(sink, Progress{Stage: StageComplete, Symbol: req.Symbol, FilledQty: res.SpotFilled, TargetQty: source.SpotQty})
	s.log.Info("unhedge completed",
		zap.Int64("session_id", sessionID), zap.Int64("source_session_id", source.ID),
		zap.Float64("spot_filled", res.SpotFilled), zap.Float64("futures_filled", res.FuturesFilled))
	return res, nil
}

func (s *Service) failUnhedge(ctx context.Context, sessionID int64, res UnhedgeResult, cause error) error {
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
	s.log.Warn("unhedge did not complete",
		zap.Int64("session_id", sessionID), zap.String("status", string(status)), zap.Error(cause))
	return cause
}
