package rest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"bybit-hedge-bot/internal/models"
)

func orderPhase(status string) models.OrderPhase {
	switch status {
	case "New", "Untriggered":
		return models.PhaseNew
	case "PartiallyFilled":
		return models.PhasePartiallyFilled
	case "Filled":
		return models.PhaseFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return models.PhaseCancelled
	case "Rejected":
		return models.PhaseRejected
	}
	return models.PhaseNew
}

func (c *Client) PlaceLimitOrder(ctx context.Context, market models.Market, symbol string, side models.OrderSide, qty, price float64, orderLinkID string) (string, error) {
	body := map[string]string{
		"category":    category(market),
		"symbol":      symbol,
		"side":        string(side),
		"orderType":   "Limit",
		"qty":         strconv.FormatFloat(qty, 'f', -1, 64),
		"price":       strconv.FormatFloat(price, 'f', -1, 64),
		"timeInForce": "GTC",
	}
	if orderLinkID != "" {
		body["orderLinkId"] = orderLinkID
	}
	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := c.post(ctx, "/v5/order/create", body, &result); err != nil {
		return "", err
	}
	if result.OrderID == "" {
		return "", errors.New("empty order id in create response")
	}
	return result.OrderID, nil
}

// CancelOrder cancels an open order and returns the quantity that
// filled before cancellation took effect.
func (c *Client) CancelOrder(ctx context.Context, market models.Market, symbol, orderID string) (float64, error) {
	body := map[string]string{
		"category": category(market),
		"symbol":   symbol,
		"orderId":  orderID,
	}
	if err := c.post(ctx, "/v5/order/cancel", body, nil); err != nil {
		var apiErr *APIError
		// 110001: order does not exist or is already finished. Fall
		// through to the status query to pick up the final fill.
		if !errors.As(err, &apiErr) || apiErr.Code != 110001 {
			return 0, err
		}
	}
	state, err := c.GetOrderStatus(ctx, market, symbol, orderID)
	if err != nil {
		return 0, nil
	}
	return state.FilledQty, nil
}

func (c *Client) GetOrderStatus(ctx context.Context, market models.Market, symbol, orderID string) (models.OrderState, error) {
	params := url.Values{}
	params.Set("category", category(market))
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderStatus string `json:"orderStatus"`
			Qty         string `json:"qty"`
			CumExecQty  string `json:"cumExecQty"`
			LeavesQty   string `json:"leavesQty"`
			AvgPrice    string `json:"avgPrice"`
		} `json:"list"`
	}
	err := c.retry(ctx, func() error {
		return c.get(ctx, "/v5/order/realtime", params, true, &result)
	})
	if err != nil {
		return models.OrderState{}, err
	}
	if len(result.List) == 0 {
		// Realtime only serves recent orders; fall back to history.
		return c.orderFromHistory(ctx, market, symbol, orderID)
	}
	return parseOrderState(result.List[0].OrderID, result.List[0].OrderStatus,
		result.List[0].CumExecQty, result.List[0].LeavesQty, result.List[0].AvgPrice)
}

func (c *Client) orderFromHistory(ctx context.Context, market models.Market, symbol, orderID string) (models.OrderState, error) {
	params := url.Values{}
	params.Set("category", category(market))
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderStatus string `json:"orderStatus"`
			CumExecQty  string `json:"cumExecQty"`
			LeavesQty   string `json:"leavesQty"`
			AvgPrice    string `json:"avgPrice"`
		} `json:"list"`
	}
	err := c.retry(ctx, func() error {
		return c.get(ctx, "/v5/order/history", params, true, &result)
	})
	if err != nil {
		return models.OrderState{}, err
	}
	if len(result.List) == 0 {
		return models.OrderState{}, fmt.Errorf("order %s: %w", orderID, models.ErrOrderNotFound)
	}
	item := result.List[0]
	return parseOrderState(item.OrderID, item.OrderStatus, item.CumExecQty, item.LeavesQty, item.AvgPrice)
}

func parseOrderState(orderID, status, cumExec, leaves, avgPrice string) (models.OrderState, error) {
	filled, err := strconv.ParseFloat(cumExec, 64)
	if err != nil {
		filled = 0
	}
	remaining, err := strconv.ParseFloat(leaves, 64)
	if err != nil {
		remaining = 0
	}
	avg, err := strconv.ParseFloat(avgPrice, 64)
	if err != nil {
		avg = 0
	}
	return models.OrderState{
		OrderID:      orderID,
		Phase:        orderPhase(status),
		FilledQty:    filled,
		RemainingQty: remaining,
		AvgPrice:     avg,
	}, nil
}
