package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func TestParseTickerFrame(t *testing.T) {
	frame := []byte(`{"topic":"tickers.BTCUSDT","type":"snapshot","data":{"symbol":"BTCUSDT","lastPrice":"50000.5","fundingRate":"0.0001"}}`)
	update, ok, err := parseTickerFrame(frame)
	if err != nil {
		t.Fatalf("parse frame: %v", err)
	}
	if !ok {
		t.Fatalf("expected ticker frame to be recognized")
	}
	if update.Symbol != "BTCUSDT" {
		t.Fatalf("expected symbol BTCUSDT, got %q", update.Symbol)
	}
	if update.LastPrice != 50000.5 {
		t.Fatalf("expected last price 50000.5, got %v", update.LastPrice)
	}
	if !update.HasFunding || update.FundingRate != 0.0001 {
		t.Fatalf("expected funding rate 0.0001, got %v (has=%v)", update.FundingRate, update.HasFunding)
	}
	if update.ReceivedAt.IsZero() {
		t.Fatalf("expected received timestamp")
	}
}

func TestParseTickerFrameDeltaWithoutFunding(t *testing.T) {
	frame := []byte(`{"topic":"tickers.ETHUSDT","type":"delta","data":{"symbol":"ETHUSDT","lastPrice":"3000"}}`)
	update, ok, err := parseTickerFrame(frame)
	if err != nil {
		t.Fatalf("parse frame: %v", err)
	}
	if !ok {
		t.Fatalf("expected ticker frame to be recognized")
	}
	if update.HasFunding {
		t.Fatalf("expected no funding rate in delta frame")
	}
	if update.LastPrice != 3000 {
		t.Fatalf("expected last price 3000, got %v", update.LastPrice)
	}
}

func TestParseTickerFrameIgnoresAcks(t *testing.T) {
	for _, raw := range []string{
		`{"op":"subscribe","success":true}`,
		`{"op":"pong"}`,
	} {
		_, ok, err := parseTickerFrame([]byte(raw))
		if err != nil {
			t.Fatalf("parse %s: %v", raw, err)
		}
		if ok {
			t.Fatalf("expected non-ticker frame %s to be ignored", raw)
		}
	}
}

func TestParseTickerFrameRejectsBadPrice(t *testing.T) {
	frame := []byte(`{"topic":"tickers.BTCUSDT","data":{"symbol":"BTCUSDT","lastPrice":"not-a-number"}}`)
	if _, _, err := parseTickerFrame(frame); err == nil {
		t.Fatalf("expected error for malformed price")
	}
}

func TestClientResubscribesOnConnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	msgCh := make(chan map[string]any, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			select {
			case msgCh <- msg:
			default:
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client := New(wsURL, 10*time.Millisecond, time.Hour, zap.NewNop())
	client.SubscribeTicker("BTCUSDT")

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() {
		_ = client.Run(runCtx, nil)
	}()

	select {
	case msg := <-msgCh:
		if msg["op"] != "subscribe" {
			t.Fatalf("expected subscribe message, got %v", msg)
		}
		args, _ := msg["args"].([]any)
		if len(args) != 1 || args[0] != "tickers.BTCUSDT" {
			t.Fatalf("expected tickers.BTCUSDT arg, got %v", msg["args"])
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for subscribe")
	}
}
