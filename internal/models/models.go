package models

import (
	"errors"
	"time"
)

// ErrOrderNotFound reports an order id unknown to both the realtime
// and history order endpoints.
var ErrOrderNotFound = errors.New("order not found")

type OrderSide string

type Market string

type SessionStatus string

type OrderStatus string

type OperationKind string

const (
	SideBuy  OrderSide = "Buy"
	SideSell OrderSide = "Sell"
)

const (
	MarketSpot    Market = "spot"
	MarketFutures Market = "futures"
)

const (
	SessionPending   SessionStatus = "pending"
	SessionExecuting SessionStatus = "executing"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
	SessionFailed    SessionStatus = "failed"
)

const (
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

const (
	KindHedge   OperationKind = "hedge"
	KindUnhedge OperationKind = "unhedge"
)

// HedgeRequest is the user's ask: spend Sum quote units on a hedged
// position in Symbol, sized for the assumed Volatility.
type HedgeRequest struct {
	Sum        float64
	Symbol     string
	Volatility float64
}

// UnhedgeRequest asks to reverse the most recent completed hedge in
// Symbol. The unwind always covers the source session's full position;
// Sum is informational and, when zero, the source session's sum is
// recorded on the unwind's row instead.
type UnhedgeRequest struct {
	Sum    float64
	Symbol string
}

// HedgeParams is the sizing result. Quantities are already truncated to
// the instruments' lot steps and validated against exchange minimums.
type HedgeParams struct {
	Symbol              string
	FuturesSymbol       string
	SpotPrice           float64
	InitialLimitPrice   float64
	SpotQty             float64
	FuturesQty          float64
	SpotValue           float64
	AvailableCollateral float64
	SpotQtyStep         float64
	FuturesQtyStep      float64
	MinSpotQty          float64
	MinFuturesQty       float64
	TickSize            float64
	FuturesTickSize     float64
	MMR                 float64
}

// Session is one row of the sessions table: a hedge or unhedge
// lifecycle from admission to terminal status.
type Session struct {
	ID          int64
	ChatID      int64
	Symbol      string
	Sum         float64
	Volatility  float64
	MMR         float64
	HasMMR      bool
	SpotQty     float64
	FuturesQty  float64
	Kind        OperationKind
	Status      SessionStatus
	UnhedgedBy  int64
	HasUnhedged bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Order is one row of the orders table. A repositioned limit order is a
// new row referencing the same session; Qty is the quantity requested
// at placement time, never the filled amount.
type Order struct {
	ID        int64
	SessionID int64
	OrderID   string
	Side      OrderSide
	Market    Market
	Price     float64
	HasPrice  bool
	Qty       float64
	Status    OrderStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

type FundingRateSample struct {
	Symbol    string
	Rate      float64
	Timestamp time.Time
}

// MarketSnapshot is a point-in-time price observation used for sizing
// and limit price recomputation.
type MarketSnapshot struct {
	Symbol     string
	Price      float64
	BidPrice   float64
	AskPrice   float64
	ObservedAt time.Time
}

// InstrumentInfo carries the exchange's lot and tick filters for one
// instrument on one market.
type InstrumentInfo struct {
	Symbol   string
	QtyStep  float64
	MinQty   float64
	TickSize float64
}

type WalletBalance struct {
	Coin  string
	Free  float64
	Total float64
}

type OrderPhase string

const (
	PhaseNew             OrderPhase = "new"
	PhasePartiallyFilled OrderPhase = "partially_filled"
	PhaseFilled          OrderPhase = "filled"
	PhaseCancelled       OrderPhase = "cancelled"
	PhaseRejected        OrderPhase = "rejected"
)

// OrderState is the exchange's view of one order. FilledQty is
// cumulative for that exchange order, not for the whole operation.
type OrderState struct {
	OrderID      string
	Phase        OrderPhase
	FilledQty    float64
	RemainingQty float64
	AvgPrice     float64
}

func (s OrderState) Terminal() bool {
	switch s.Phase {
	case PhaseFilled, PhaseCancelled, PhaseRejected:
		return true
	}
	return false
}
