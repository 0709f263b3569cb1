// Package hedger sizes and executes delta neutral spot/futures
// operations: a spot buy mirrored by a futures short of matching
// notional, and the reverse unwind. Execution is limit-only with
// repositioning; every state transition is persisted before the next
// exchange call.
package hedger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"bybit-hedge-bot/internal/config"
	"bybit-hedge-bot/internal/metrics"
	"bybit-hedge-bot/internal/models"
	"bybit-hedge-bot/internal/registry"
	"bybit-hedge-bot/internal/storage"
)

var (
	ErrInvalidAmount        = errors.New("hedger: amount must be positive")
	ErrUnknownSymbol        = errors.New("hedger: unknown symbol")
	ErrStaleMarketData      = errors.New("hedger: market data too old")
	ErrQuantityBelowMinimum = errors.New("hedger: computed quantity below exchange minimum")
	ErrLeverageExceeded     = errors.New("hedger: required leverage above configured maximum")
	ErrCancelled            = errors.New("hedger: cancelled by operator")
	ErrPersistenceFailed    = errors.New("hedger: persistence failure")
	ErrExchangeRejected     = errors.New("hedger: order rejected by exchange")
	ErrRepositionLimit      = errors.New("hedger: reposition limit reached")
	ErrNothingToUnhedge     = errors.New("hedger: no completed hedge to unwind")
)

// Exchange is the trading surface the engine needs. *rest.Client
// satisfies it; tests substitute a scripted fake.
type Exchange interface {
	GetMarketSnapshot(ctx context.Context, market models.Market, symbol string) (models.MarketSnapshot, error)
	GetInstrumentInfo(ctx context.Context, market models.Market, symbol string) (models.InstrumentInfo, error)
	GetMMR(ctx context.Context, symbol string) (float64, error)
	GetFeeRate(ctx context.Context, market models.Market, symbol string) (float64, error)
	GetWalletBalance(ctx context.Context, coin string) (models.WalletBalance, error)
	SetLeverage(ctx context.Context, symbol string, leverage float64) error
	PlaceLimitOrder(ctx context.Context, market models.Market, symbol string, side models.OrderSide, qty, price float64, orderLinkID string) (string, error)
	CancelOrder(ctx context.Context, market models.Market, symbol, orderID string) (float64, error)
	GetOrderStatus(ctx context.Context, market models.Market, symbol, orderID string) (models.OrderState, error)
}

// HistoryRecorder receives finished sessions for long term analytics.
// A nil recorder disables recording.
type HistoryRecorder interface {
	EnqueueSession(s models.Session)
}

// ProgressStage identifies which leg of the operation a progress event
// refers to.
type ProgressStage string

const (
	StageSpot     ProgressStage = "spot"
	StageFutures  ProgressStage = "futures"
	StageComplete ProgressStage = "complete"
)

// Progress is a best effort execution update. Delivery failures are
// swallowed; reporting never perturbs the engine.
type Progress struct {
	Stage       ProgressStage
	Symbol      string
	Side        models.OrderSide
	OrderID     string
	LimitPrice  float64
	FilledQty   float64
	TargetQty   float64
	Repositions int
}

// ProgressFunc consumes progress events. It runs on the engine
// goroutine and must not block for long.
type ProgressFunc func(Progress)

type HedgeResult struct {
	SessionID       int64
	Params          models.HedgeParams
	SpotFilled      float64
	SpotAvgPrice    float64
	FuturesFilled   float64
	FuturesAvgPrice float64
	// NetSpotQty is the base coin actually in the wallet after the
	// hedge, read back from the exchange. When the balance query fails
	// it falls back to the computed gross fill and BalanceVerified is
	// false.
	NetSpotQty      float64
	BalanceVerified bool
}

type UnhedgeResult struct {
	SessionID       int64
	SourceSessionID int64
	SpotFilled      float64
	FuturesFilled   float64
	BalanceVerified bool
}

// Service orchestrates sizing, execution and persistence for hedge and
// unhedge operations.
type Service struct {
	exchange Exchange
	store    storage.Store
	reg      *registry.Registry
	metrics  *metrics.Metrics
	history  HistoryRecorder
	cfg      config.HedgeConfig
	log      *zap.Logger

	now func() time.Time
}

func NewService(exchange Exchange, store storage.Store, reg *registry.Registry, m *metrics.Metrics, history HistoryRecorder, cfg config.HedgeConfig, log *zap.Logger) *Service {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Service{
		exchange: exchange,
		store:    store,
		reg:      reg,
		metrics:  m,
		history:  history,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

func (s *Service) futuresSymbol(spotSymbol string) string {
	// Bybit uses the same symbol string for spot and linear perpetuals.
	return spotSymbol
}

func (s *Service) report(sink ProgressFunc, p Progress) {
	if sink == nil {
		return
	}
	defer func() {
		// A panicking sink must not take the engine down with it.
		_ = recover()
	}()
	sink(p)
}

func (s *Service) recordHistory(sessionID int64) {
	if s.history == nil {
		return
	}
	sess, err := s.store.SessionByID(context.Background(), sessionID)
	if err != nil {
		s.log.Warn("history snapshot failed", zap.Int64("session_id", sessionID), zap.Error(err))
		return
	}
	s.history.EnqueueSession(sess)
}
