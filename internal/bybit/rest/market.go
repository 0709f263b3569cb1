package rest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"bybit-hedge-bot/internal/models"
)

func category(market models.Market) string {
	if market == models.MarketFutures {
		return "linear"
	}
	return "spot"
}

func (c *Client) GetMarketSnapshot(ctx context.Context, market models.Market, symbol string) (models.MarketSnapshot, error) {
	params := url.Values{}
	params.Set("category", category(market))
	params.Set("symbol", symbol)
	var result struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
		} `json:"list"`
	}
	err := c.retry(ctx, func() error {
		return c.get(ctx, "/v5/market/tickers", params, false, &result)
	})
	if err != nil {
		return models.MarketSnapshot{}, err
	}
	if len(result.List) == 0 {
		return models.MarketSnapshot{}, fmt.Errorf("no ticker for %s %s", category(market), symbol)
	}
	ticker := result.List[0]
	price, err := strconv.ParseFloat(ticker.LastPrice, 64)
	if err != nil || price <= 0 {
		return models.MarketSnapshot{}, fmt.Errorf("invalid last price %q for %s", ticker.LastPrice, symbol)
	}
	bid, _ := strconv.ParseFloat(ticker.Bid1Price, 64)
	ask, _ := strconv.ParseFloat(ticker.Ask1Price, 64)
	return models.MarketSnapshot{
		Symbol:     symbol,
		Price:      price,
		BidPrice:   bid,
		AskPrice:   ask,
		ObservedAt: time.Now().UTC(),
	}, nil
}

func (c *Client) GetInstrumentInfo(ctx context.Context, market models.Market, symbol string) (models.InstrumentInfo, error) {
	params := url.Values{}
	params.Set("category", category(market))
	params.Set("symbol", symbol)
	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			LotSizeFilter struct {
				BasePrecision string `json:"basePrecision"`
				QtyStep       string `json:"qtyStep"`
				MinOrderQty   string `json:"minOrderQty"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	err := c.retry(ctx, func() error {
		return c.get(ctx, "/v5/market/instruments-info", params, false, &result)
	})
	if err != nil {
		return models.InstrumentInfo{}, err
	}
	if len(result.List) == 0 {
		return models.InstrumentInfo{}, fmt.Errorf("unknown instrument %s on %s", symbol, category(market))
	}
	item := result.List[0]
	step := item.LotSizeFilter.QtyStep
	if step == "" {
		// Spot instruments publish basePrecision instead of qtyStep.
		step = item.LotSizeFilter.BasePrecision
	}
	qtyStep, err := strconv.ParseFloat(step, 64)
	if err != nil || qtyStep <= 0 {
		return models.InstrumentInfo{}, fmt.Errorf("invalid qty step %q for %s", step, symbol)
	}
	minQty, err := strconv.ParseFloat(item.LotSizeFilter.MinOrderQty, 64)
	if err != nil {
		return models.InstrumentInfo{}, fmt.Errorf("invalid min qty %q for %s", item.LotSizeFilter.MinOrderQty, symbol)
	}
	tickSize, err := strconv.ParseFloat(item.PriceFilter.TickSize, 64)
	if err != nil || tickSize <= 0 {
		return models.InstrumentInfo{}, fmt.Errorf("invalid tick size %q for %s", item.PriceFilter.TickSize, symbol)
	}
	return models.InstrumentInfo{
		Symbol:   item.Symbol,
		QtyStep:  qtyStep,
		MinQty:   minQty,
		TickSize: tickSize,
	}, nil
}

// GetMMR returns the maintenance margin requirement for the first risk
// limit tier of a linear contract.
func (c *Client) GetMMR(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("category", "linear")
	params.Set("symbol", symbol)
	var result struct {
		List []struct {
			MaintenanceMargin string `json:"maintenanceMargin"`
		} `json:"list"`
	}
	err := c.retry(ctx, func() error {
		return c.get(ctx, "/v5/market/risk-limit", params, false, &result)
	})
	if err != nil {
		return 0, err
	}
	if len(result.List) == 0 {
		return 0, fmt.Errorf("no risk limit for %s", symbol)
	}
	mmr, err := strconv.ParseFloat(result.List[0].MaintenanceMargin, 64)
	if err != nil || mmr < 0 {
		return 0, fmt.Errorf("invalid maintenance margin %q for %s", result.List[0].MaintenanceMargin, symbol)
	}
	return mmr, nil
}

func (c *Client) GetFeeRate(ctx context.Context, market models.Market, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("category", category(market))
	params.Set("symbol", symbol)
	var result struct {
		List []struct {
			TakerFeeRate string `json:"takerFeeRate"`
		} `json:"list"`
	}
	err := c.retry(ctx, func() error {
		return c.get(ctx, "/v5/account/fee-rate", params, true, &result)
	})
	if err != nil {
		return 0, err
	}
	if len(result.List) == 0 {
		return 0, errors.New("fee rate not available")
	}
	return strconv.ParseFloat(result.List[0].TakerFeeRate, 64)
}

func (c *Client) GetWalletBalance(ctx context.Context, coin string) (models.WalletBalance, error) {
	params := url.Values{}
	params.Set("accountType", "UNIFIED")
	params.Set("coin", coin)
	var result struct {
		List []struct {
			Coin []struct {
				Coin                string `json:"coin"`
				WalletBalance       string `json:"walletBalance"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	}
	err := c.retry(ctx, func() error {
		return c.get(ctx, "/v5/account/wallet-balance", params, true, &result)
	})
	if err != nil {
		return models.WalletBalance{}, err
	}
	for _, account := range result.List {
		for _, entry := range account.Coin {
			if entry.Coin != coin {
				continue
			}
			total, err := strconv.ParseFloat(entry.WalletBalance, 64)
			if err != nil {
				return models.WalletBalance{}, fmt.Errorf("invalid wallet balance %q: %w", entry.WalletBalance, err)
			}
			free := total
			if entry.AvailableToWithdraw != "" {
				if parsed, err := strconv.ParseFloat(entry.AvailableToWithdraw, 64); err == nil {
					free = parsed
				}
			}
			return models.WalletBalance{Coin: coin, Free: free, Total: total}, nil
		}
	}
	return models.WalletBalance{}, fmt.Errorf("no balance entry for %s", coin)
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	value := strconv.FormatFloat(leverage, 'f', 2, 64)
	body := map[string]string{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  value,
		"sellLeverage": value,
	}
	err := c.post(ctx, "/v5/position/set-leverage", body, nil)
	var apiErr *APIError
	// 110043: leverage not modified. Setting the current value is fine.
	if errors.As(err, &apiErr) && apiErr.Code == 110043 {
		return nil
	}
	return err
}
