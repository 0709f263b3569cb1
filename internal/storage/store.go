package storage

import (
	"context"
	"errors"
	"time"

	"bybit-hedge-bot/internal/models"
)

var ErrNotFound = errors.New("storage: not found")

// Store is the persistence gateway for session/order lifecycles and the
// funding rate feed. Implementations must make session status updates
// transition-safe: terminal statuses are only ever written over live
// ones (pending/executing), never over another terminal status.
type Store interface {
	InsertSession(ctx context.Context, s models.Session) (int64, error)
	UpdateSessionStatus(ctx context.Context, sessionID int64, status models.SessionStatus) error
	UpdateSessionQuantities(ctx context.Context, sessionID int64, spotQty, futuresQty float64) error
	SessionByID(ctx context.Context, sessionID int64) (models.Session, error)
	CompletedUnhedgedSessions(ctx context.Context, chatID int64, symbol string) ([]models.Session, error)
	MarkSessionUnhedged(ctx context.Context, sessionID, unhedgeSessionID int64) error
	LiveSessions(ctx context.Context) ([]models.Session, error)

	InsertOrder(ctx context.Context, o models.Order) (int64, error)
	UpdateOrderStatus(ctx context.Context, orderRowID int64, status models.OrderStatus) error
	OrdersForSession(ctx context.Context, sessionID int64) ([]models.Order, error)

	InsertFundingSample(ctx context.Context, sample models.FundingRateSample) error
	FundingSamplesSince(ctx context.Context, symbol string, since time.Time) ([]models.FundingRateSample, error)

	// Get/Set back small operational state (telegram update offsets).
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error

	Close() error
}
