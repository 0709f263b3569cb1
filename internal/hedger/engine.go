package hedger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bybit-hedge-bot/internal/models"
	"bybit-hedge-bot/internal/registry"
)

// orderLookupGrace bounds how long a just-placed order may be missing
// from the status endpoints before it is assumed filled. Fast fills can
// move an order to history before the first realtime query lands.
const orderLookupGrace = 5 * time.Second

// stage describes one leg of an operation for the execution loop.
type stage struct {
	market   models.Market
	symbol   string
	side     models.OrderSide
	target   float64
	qtyStep  float64
	minQty   float64
	tickSize float64
	progress ProgressStage
}

type stageResult struct {
	Filled      float64
	AvgPrice    float64
	Repositions int
}

// limitPrice computes the passive price for the stage's side: a buy
// rests below the market, a sell above it.
func (st stage) limitPrice(marketPrice float64, tickOffset int) float64 {
	offset := float64(tickOffset) * st.tickSize
	if st.side == models.SideBuy {
		return marketPrice - offset
	}
	return marketPrice + offset
}

// runStage drives one leg to completion: place a limit order, poll it,
// reposition when the market walks away, stop on fill or cancellation.
// The returned fill is cumulative across repositions and never exceeds
// the target.
func (s *Service) runStage(ctx context.Context, op *registry.Operation, sessionID int64, st stage, sink ProgressFunc) (stageResult, error) {
	var res stageResult
	remaining := truncToStep(st.target, st.qtyStep)
	if remaining <= 0 {
		return res, nil
	}

	snap, err := s.exchange.GetMarketSnapshot(ctx, st.market, st.symbol)
	if err != nil {
		return res, fmt.Errorf("market snapshot: %w", err)
	}
	price := st.limitPrice(snap.Price, s.cfg.TickOffset)

	orderID, orderRowID, err := s.placeOrder(ctx, sessionID, st, remaining, price)
	if err != nil {
		return res, err
	}
	placedPrice := price
	op.OrderID.Store(orderID)
	s.metrics.OrdersPlaced.Inc()
	s.report(sink, Progress{Stage: st.progress, Symbol: st.symbol, Side: st.side, OrderID: orderID, LimitPrice: price, FilledQty: res.Filled, TargetQty: st.target})

	started := s.now()
	placedAt := started
	lastReported := res.Filled
	var notFoundSince time.Time

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.abandonOrder(st, orderID, orderRowID, &res)
			return res, ErrCancelled
		case <-op.Cancelled():
			s.cancelStage(ctx, st, orderID, orderRowID, &res)
			return res, ErrCancelled
		case <-ticker.C:
		}

		state, err := s.exchange.GetOrderStatus(ctx, st.market, st.symbol, orderID)
		if err != nil {
			if !isNotFound(err) {
				s.log.Warn("order status query failed",
					zap.String("order_id", orderID), zap.Error(err))
				continue
			}
			// Missing from both realtime and history. Give the exchange
			// a grace window, then treat the order as fully filled.
			if notFoundSince.IsZero() {
				notFoundSince = s.now()
				continue
			}
			if s.now().Sub(notFoundSince) < orderLookupGrace {
				continue
			}
			s.log.Warn("order missing beyond grace, assuming filled",
				zap.String("order_id", orderID), zap.Float64("qty", remaining))
			s.metrics.ReconciliationFallbacks.Inc()
			res.Filled = clamp(res.Filled+remaining, st.target)
			op.Filled.Store(res.Filled)
			if err := s.store.UpdateOrderStatus(ctx, orderRowID, models.OrderFilled); err != nil {
				return res, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
			}
			return res, nil
		}
		notFoundSince = time.Time{}

		if state.Phase == models.PhaseRejected {
			if err := s.store.UpdateOrderStatus(ctx, orderRowID, models.OrderCancelled); err != nil {
				return res, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
			}
			return res, fmt.Errorf("%w: order %s", ErrExchangeRejected, orderID)
		}

		live := clamp(res.Filled+state.FilledQty, st.target)
		op.Filled.Store(live)
		if state.AvgPrice > 0 {
			res.AvgPrice = state.AvgPrice
		}
		// Fill movement is a progress trigger of its own; the order
		// book fills in discrete chunks, so this is naturally bounded.
		if live > lastReported {
			lastReported = live
			s.report(sink, Progress{Stage: st.progress, Symbol: st.symbol, Side: st.side, OrderID: orderID, LimitPrice: placedPrice, FilledQty: live, TargetQty: st.target, Repositions: res.Repositions})
		}

		if state.Phase == models.PhaseFilled {
			res.Filled = live
			if err := s.store.UpdateOrderStatus(ctx, orderRowID, models.OrderFilled); err != nil {
				return res, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
			}
			return res, nil
		}
		if state.Phase == models.PhaseCancelled {
			// Cancelled outside the engine, e.g. by the operator on the
			// exchange UI. Reposition the unfilled remainder.
			res.Filled = live
			if err := s.store.UpdateOrderStatus(ctx, orderRowID, models.OrderCancelled); err != nil {
				return res, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
			}
			orderID, orderRowID, placedPrice, placedAt, err = s.reposition(ctx, op, sessionID, st, &res, sink)
			if err != nil || orderID == "" {
				return res, err
			}
			continue
		}

		if s.cfg.MaxLifetime > 0 && s.now().Sub(started) > s.cfg.MaxLifetime {
			s.cancelStage(ctx, st, orderID, orderRowID, &res)
			return res, fmt.Errorf("%w: stage exceeded %s", ErrRepositionLimit, s.cfg.MaxLifetime)
		}

		if !s.shouldReposition(ctx, st, placedAt, placedPrice) {
			continue
		}
		if s.cfg.MaxRepositions > 0 && res.Repositions >= s.cfg.MaxRepositions {
			s.cancelStage(ctx, st, orderID, orderRowID, &res)
			return res, fmt.Errorf("%w: %d repositions", ErrRepositionLimit, res.Repositions)
		}

		filledDelta, err := s.exchange.CancelOrder(ctx, st.market, st.symbol, orderID)
		if err != nil {
			s.log.Warn("cancel before reposition failed",
				zap.String("order_id", orderID), zap.Error(err))
			continue
		}
		res.Filled = clamp(res.Filled+filledDelta, st.target)
		op.Filled.Store(res.Filled)
		if err := s.store.UpdateOrderStatus(ctx, orderRowID, models.OrderCancelled); err != nil {
			return res, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
		}

		orderID, orderRowID, placedPrice, placedAt, err = s.reposition(ctx, op, sessionID, st, &res, sink)
		if err != nil || orderID == "" {
			return res, err
		}
	}
}

// shouldReposition reports whether the resting order should be moved:
// either it sat beyond the reposition timeout, or the market drifted
// more than twice the passive offset away from where it was placed.
func (s *Service) shouldReposition(ctx context.Context, st stage, placedAt time.Time, placedPrice float64) bool {
	if s.now().Sub(placedAt) >= s.cfg.RepositionTimeout {
		return true
	}
	snap, err := s.exchange.GetMarketSnapshot(ctx, st.market, st.symbol)
	if err != nil {
		return false
	}
	drift := snap.Price - placedPrice
	if drift < 0 {
		drift = -drift
	}
	return drift > 2*float64(s.cfg.TickOffset)*st.tickSize
}

// reposition places a fresh order for the unfilled remainder at a price
// recomputed from the current market. An empty order id with a nil
// error means the remainder fell under the lot minimum and the stage is
// done.
func (s *Service) reposition(ctx context.Context, op *registry.Operation, sessionID int64, st stage, res *stageResult, sink ProgressFunc) (string, int64, float64, time.Time, error) {
	remaining := truncToStep(st.target-res.Filled, st.qtyStep)
	if remaining <= 0 || remaining < st.minQty {
		// Dust remainder. The hedge proceeds with what actually filled.
		return "", 0, 0, time.Time{}, nil
	}

	snap, err := s.exchange.GetMarketSnapshot(ctx, st.market, st.symbol)
	if err != nil {
		return "", 0, 0, time.Time{}, fmt.Errorf("market snapshot for reposition: %w", err)
	}
	price := st.limitPrice(snap.Price, s.cfg.TickOffset)

	orderID, orderRowID, err := s.placeOrder(ctx, sessionID, st, remaining, price)
	if err != nil {
		return "", 0, 0, time.Time{}, err
	}
	op.OrderID.Store(orderID)
	res.Repositions++
	s.metrics.OrdersPlaced.Inc()
	s.metrics.OrdersRepositioned.Inc()
	s.log.Info("order repositioned",
		zap.String("symbol", st.symbol), zap.String("order_id", orderID),
		zap.Float64("price", price), zap.Float64("qty", remaining),
		zap.Int("repositions", res.Repositions))
	s.report(sink, Progress{Stage: st.progress, Symbol: st.symbol, Side: st.side, OrderID: orderID, LimitPrice: price, FilledQty: res.Filled, TargetQty: st.target, Repositions: res.Repositions})
	return orderID, orderRowID, price, s.now(), nil
}

// placeOrder submits a limit order and records its row. A persistence
// failure after submission cancels the order best effort; running an
// exchange position the database does not know about is worse than
// aborting.
func (s *Service) placeOrder(ctx context.Context, sessionID int64, st stage, qty, price float64) (string, int64, error) {
	orderID, err := s.exchange.PlaceLimitOrder(ctx, st.market, st.symbol, st.side, qty, price, uuid.New().String())
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrExchangeRejected, err)
	}
	rowID, err := s.store.InsertOrder(ctx, models.Order{
		SessionID: sessionID,
		OrderID:   orderID,
		Side:      st.side,
		Market:    st.market,
		Price:     price,
		HasPrice:  true,
		Qty:       qty,
		Status:    models.OrderOpen,
	})
	if err != nil {
		if _, cerr := s.exchange.CancelOrder(context.WithoutCancel(ctx), st.market, st.symbol, orderID); cerr != nil {
			s.log.Error("orphaned order: cancel after persistence failure failed",
				zap.String("order_id", orderID), zap.Error(cerr))
		}
		return "", 0, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	return orderID, rowID, nil
}

// cancelStage stops the resting order on operator cancellation and
// folds any last-moment fill into the result.
func (s *Service) cancelStage(ctx context.Context, st stage, orderID string, orderRowID int64, res *stageResult) {
	ctx = context.WithoutCancel(ctx)
	filledDelta, err := s.exchange.CancelOrder(ctx, st.market, st.symbol, orderID)
	if err != nil {
		s.log.Warn("cancel on stop failed", zap.String("order_id", orderID), zap.Error(err))
	} else {
		res.Filled = clamp(res.Filled+filledDelta, st.target)
	}
	if err := s.store.UpdateOrderStatus(ctx, orderRowID, models.OrderCancelled); err != nil {
		s.log.Error("order status update on stop failed",
			zap.Int64("order_row", orderRowID), zap.Error(err))
	}
}

// abandonOrder handles process-level shutdown where the parent context
// is already dead: best effort cancel on a fresh context.
func (s *Service) abandonOrder(st stage, orderID string, orderRowID int64, res *stageResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.cancelStage(ctx, st, orderID, orderRowID, res)
}

func clamp(v, max float64) float64 {
	if v > max {
		return max
	}
	return v
}

func isNotFound(err error) bool {
	return errors.Is(err, models.ErrOrderNotFound)
}
