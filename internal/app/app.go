// Package app wires the pieces together: storage, exchange clients,
// the execution service, the funding collector, the Telegram bot and
// the metrics endpoint.
package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"bybit-hedge-bot/internal/bybit/rest"
	"bybit-hedge-bot/internal/bybit/ws"
	"bybit-hedge-bot/internal/config"
	"bybit-hedge-bot/internal/hedger"
	"bybit-hedge-bot/internal/history"
	"bybit-hedge-bot/internal/metrics"
	"bybit-hedge-bot/internal/models"
	"bybit-hedge-bot/internal/notifier"
	"bybit-hedge-bot/internal/registry"
	"bybit-hedge-bot/internal/stats"
	"bybit-hedge-bot/internal/storage/sqlite"
)

// fundingWriteInterval caps how often an unchanged funding rate is
// re-recorded per symbol.
const fundingWriteInterval = time.Minute

type App struct {
	cfg     *config.Config
	log     *zap.Logger
	store   *sqlite.Store
	rest    *rest.Client
	ws      *ws.Client
	reg     *registry.Registry
	metrics *metrics.Prometheus
	history *history.Writer
	service *hedger.Service
	stats   *stats.Aggregator
	bot     *notifier.Bot
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, err
	}

	apiKey := strings.TrimSpace(os.Getenv("BYBIT_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("BYBIT_API_KEY is required")
	}
	apiSecret := strings.TrimSpace(os.Getenv("BYBIT_API_SECRET"))
	if apiSecret == "" {
		return nil, errors.New("BYBIT_API_SECRET is required")
	}
	restClient := rest.New(cfg.REST.BaseURL, apiKey, apiSecret, cfg.REST.Timeout, log)
	wsClient := ws.New(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
	for _, symbol := range cfg.WS.Symbols {
		wsClient.SubscribeTicker(strings.ToUpper(strings.TrimSpace(symbol)))
	}

	hist, err := history.New(cfg.History, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	prom := metrics.NewPrometheus()
	reg := registry.New()
	service := hedger.NewService(restClient, store, reg, prom.Metrics, hist, cfg.Hedge, log)
	agg := stats.New(store)

	var bot *notifier.Bot
	if cfg.Telegram.Enabled {
		token := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
		if token == "" {
			store.Close()
			return nil, errors.New("TELEGRAM_BOT_TOKEN is required when telegram is enabled")
		}
		client := notifier.NewClient(token, log)
		bot = notifier.NewBot(client, service, agg, reg, store, cfg.Telegram, log)
	}

	return &App{
		cfg:     cfg,
		log:     log,
		store:   store,
		rest:    restClient,
		ws:      wsClient,
		reg:     reg,
		metrics: prom,
		history: hist,
		service: service,
		stats:   agg,
		bot:     bot,
	}, nil
}

// Run starts the background loops and blocks until the context ends.
func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.history.Close()

	if err := a.recoverInterrupted(ctx); err != nil {
		return err
	}

	a.history.Start(ctx)

	var wg sync.WaitGroup

	if len(a.cfg.WS.Symbols) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.collectFunding(ctx)
		}()
	}

	var metricsSrv *http.Server
	if a.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		metricsSrv = &http.Server{Addr: a.cfg.Metrics.ListenAddr, Handler: mux}
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.log.Info("metrics listening", zap.String("addr", a.cfg.Metrics.ListenAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Warn("metrics server failed", zap.Error(err))
			}
		}()
	}

	if a.bot != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.bot.Run(ctx)
		}()
	}

	<-ctx.Done()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	wg.Wait()
	return ctx.Err()
}

// recoverInterrupted marks sessions left live by a crash as failed.
// Their exchange orders, if still resting, were GTC; the operator is
// told to check the account rather than have the bot guess.
func (a *App) recoverInterrupted(ctx context.Context) error {
	live, err := a.store.LiveSessions(ctx)
	if err != nil {
		return err
	}
	for _, sess := range live {
		a.log.Warn("marking interrupted session failed",
			zap.Int64("session_id", sess.ID), zap.String("symbol", sess.Symbol),
			zap.String("status", string(sess.Status)))
		if err := a.store.UpdateSessionStatus(ctx, sess.ID, models.SessionFailed); err != nil {
			return err
		}
		a.history.EnqueueSession(sess)
	}
	if len(live) > 0 {
		a.log.Warn("interrupted sessions recovered, verify open orders on the exchange",
			zap.Int("count", len(live)))
	}
	return nil
}

// collectFunding turns ticker stream updates into stored funding
// samples, throttled per symbol so a quiet stream does not flood the
// table with identical rates.
func (a *App) collectFunding(ctx context.Context) {
	type lastSample struct {
		rate    float64
		written time.Time
	}
	last := make(map[string]lastSample)
	var mu sync.Mutex

	err := a.ws.Run(ctx, func(upd ws.TickerUpdate) {
		if !upd.HasFunding {
			return
		}
		mu.Lock()
		prev, seen := last[upd.Symbol]
		if seen && prev.rate == upd.FundingRate && upd.ReceivedAt.Sub(prev.written) < fundingWriteInterval {
			mu.Unlock()
			return
		}
		last[upd.Symbol] = lastSample{rate: upd.FundingRate, written: upd.ReceivedAt}
		mu.Unlock()

		sample := models.FundingRateSample{
			Symbol:    upd.Symbol,
			Rate:      upd.FundingRate,
			Timestamp: upd.ReceivedAt,
		}
		if err := a.store.InsertFundingSample(ctx, sample); err != nil {
			a.log.Warn("funding sample insert failed",
				zap.String("symbol", upd.Symbol), zap.Error(err))
			return
		}
		a.history.EnqueueFunding(sample)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("funding stream stopped", zap.Error(err))
	}
}
