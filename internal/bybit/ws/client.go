package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Client maintains one connection to the Bybit public stream and
// replays subscriptions after each reconnect.
type Client struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	topics []string
}

func New(url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Client {
	return &Client{url: url, reconnectDelay: reconnectDelay, pingInterval: pingInterval, log: log}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

// SubscribeTicker registers a tickers.{symbol} topic. Safe to call
// before Run; the topic is (re)sent on every (re)connect.
func (c *Client) SubscribeTicker(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, "tickers."+symbol)
}

// TickerUpdate is the subset of the tickers topic the bot consumes.
type TickerUpdate struct {
	Symbol      string
	LastPrice   float64
	FundingRate float64
	HasFunding  bool
	ReceivedAt  time.Time
}

func (c *Client) Run(ctx context.Context, handler func(TickerUpdate)) error {
	for {
		if err := c.ensureConnected(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("ws connect failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.reconnectDelay):
			}
			continue
		}
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			c.pingLoop(pingCtx)
		}()
		err := c.readLoop(ctx, handler)
		cancel()
		<-pingDone
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("ws read loop ended", zap.Error(err))
		c.resetConn()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Client) ensureConnected(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	topics := append([]string(nil), c.topics...)
	c.mu.Unlock()
	if len(topics) == 0 {
		return nil
	}
	sub := map[string]any{"op": "subscribe", "args": topics}
	return writeJSON(ctx, conn, sub)
}

func (c *Client) readLoop(ctx context.Context, handler func(TickerUpdate)) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		update, ok, err := parseTickerFrame(data)
		if err != nil {
			c.log.Debug("ws frame parse failed", zap.Error(err))
			continue
		}
		if ok && handler != nil {
			handler(update)
		}
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	interval := c.pingInterval
	c.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, map[string]any{"op": "ping"}); err != nil {
				return
			}
		}
	}
}

func (c *Client) resetConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "reset")
		c.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// parseTickerFrame extracts a ticker update from one stream frame.
// Non-ticker frames (subscription acks, pong) report ok=false.
func parseTickerFrame(data []byte) (TickerUpdate, bool, error) {
	var frame struct {
		Topic string `json:"topic"`
		Data  struct {
			Symbol      string `json:"symbol"`
			LastPrice   string `json:"lastPrice"`
			FundingRate string `json:"fundingRate"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return TickerUpdate{}, false, err
	}
	if !strings.HasPrefix(frame.Topic, "tickers.") {
		return TickerUpdate{}, false, nil
	}
	update := TickerUpdate{
		Symbol:     frame.Data.Symbol,
		ReceivedAt: time.Now().UTC(),
	}
	if frame.Data.Symbol == "" {
		return TickerUpdate{}, false, errors.New("ticker frame missing symbol")
	}
	if frame.Data.LastPrice != "" {
		price, err := strconv.ParseFloat(frame.Data.LastPrice, 64)
		if err != nil {
			return TickerUpdate{}, false, fmt.Errorf("bad lastPrice %q: %w", frame.Data.LastPrice, err)
		}
		update.LastPrice = price
	}
	if frame.Data.FundingRate != "" {
		rate, err := strconv.ParseFloat(frame.Data.FundingRate, 64)
		if err != nil {
			return TickerUpdate{}, false, fmt.Errorf("bad fundingRate %q: %w", frame.Data.FundingRate, err)
		}
		update.FundingRate = rate
		update.HasFunding = true
	}
	return update, true, nil
}
