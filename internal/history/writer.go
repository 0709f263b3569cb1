// Package history ships finished sessions and funding samples to a
// Postgres archive for long term analytics. Writes go through bounded
// queues; when the archive is slow or down events are dropped, never
// the trading path blocked.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"bybit-hedge-bot/internal/config"
	"bybit-hedge-bot/internal/models"
)

const writeTimeout = 3 * time.Second

type Writer struct {
	db          *sql.DB
	log         *zap.Logger
	schema      string
	sessions    chan models.Session
	funding     chan models.FundingRateSample
	started     atomic.Bool
	dropSession atomic.Uint64
	dropFunding atomic.Uint64
}

// New connects and prepares the archive tables. A disabled config
// yields a nil writer; every method tolerates the nil receiver.
func New(cfg config.HistoryConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("history dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	w := &Writer{
		db:       db,
		log:      log,
		schema:   schema,
		sessions: make(chan models.Session, queueSize),
		funding:  make(chan models.FundingRateSample, queueSize),
	}
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueSession(s models.Session) {
	if w == nil {
		return
	}
	select {
	case w.sessions <- s:
		return
	default:
		if w.dropSession.Add(1) == 1 && w.log != nil {
			w.log.Warn("history session queue full")
		}
	}
}

func (w *Writer) EnqueueFunding(sample models.FundingRateSample) {
	if w == nil {
		return
	}
	select {
	case w.funding <- sample:
		return
	default:
		if w.dropFunding.Add(1) == 1 && w.log != nil {
			w.log.Warn("history funding queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-w.sessions:
			w.writeSession(ctx, s)
		case sample := <-w.funding:
			w.writeFunding(ctx, sample)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("history db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		session_id BIGINT NOT NULL,
		chat_id BIGINT NOT NULL,
		symbol TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		sum DOUBLE PRECISION NOT NULL,
		volatility DOUBLE PRECISION NOT NULL,
		mmr DOUBLE PRECISION,
		spot_qty DOUBLE PRECISION NOT NULL,
		futures_qty DOUBLE PRECISION NOT NULL,
		unhedged_by BIGINT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (session_id, updated_at)
	)`, w.table("hedge_sessions"))); err != nil {
		return err
	}
	return w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		rate DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (ts, symbol)
	)`, w.table("funding_rates")))
}

func (w *Writer) writeSession(ctx context.Context, s models.Session) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	var mmr any
	if s.HasMMR {
		mmr = s.MMR
	}
	var unhedgedBy any
	if s.HasUnhedged {
		unhedgedBy = s.UnhedgedBy
	}
	query := fmt.Sprintf(`INSERT INTO %s (
		session_id, chat_id, symbol, kind, status, sum, volatility, mmr,
		spot_qty, futures_qty, unhedged_by, created_at, updated_at
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
	) ON CONFLICT (session_id, updated_at) DO NOTHING`, w.table("hedge_sessions"))
	if _, err := w.db.ExecContext(ctx, query,
		s.ID,
		s.ChatID,
		s.Symbol,
		string(s.Kind),
		string(s.Status),
		s.Sum,
		s.Volatility,
		mmr,
		s.SpotQty,
		s.FuturesQty,
		unhedgedBy,
		s.CreatedAt,
		s.UpdatedAt,
	); err != nil && w.log != nil {
		w.log.Warn("history session insert failed", zap.Error(err))
	}
}

func (w *Writer) writeFunding(ctx context.Context, sample models.FundingRateSample) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (ts, symbol, rate) VALUES ($1,$2,$3)
		ON CONFLICT (ts, symbol) DO UPDATE SET rate = EXCLUDED.rate`, w.table("funding_rates"))
	if _, err := w.db.ExecContext(ctx, query,
		sample.Timestamp,
		sample.Symbol,
		sample.Rate,
	); err != nil && w.log != nil {
		w.log.Warn("history funding upsert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
