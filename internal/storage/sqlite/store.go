package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"bybit-hedge-bot/internal/models"
	"bybit-hedge-bot/internal/storage"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			sum REAL NOT NULL,
			volatility REAL NOT NULL,
			mmr REAL,
			spot_qty REAL NOT NULL DEFAULT 0,
			futures_qty REAL NOT NULL DEFAULT 0,
			kind TEXT NOT NULL DEFAULT 'hedge',
			status TEXT NOT NULL,
			unhedged_by INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			order_id TEXT NOT NULL,
			side TEXT NOT NULL,
			market TEXT NOT NULL,
			price REAL,
			qty REAL NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS funding_rates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			rate REAL NOT NULL,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_funding_rates_symbol_ts ON funding_rates(symbol, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_session ON orders(session_id)`,
		`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) InsertSession(ctx context.Context, sess models.Session) (int64, error) {
	now := time.Now().Unix()
	var mmr any
	if sess.HasMMR {
		mmr = sess.MMR
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (chat_id, symbol, sum, volatility, mmr, spot_qty, futures_qty, kind, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ChatID, sess.Symbol, sess.Sum, sess.Volatility, mmr,
		sess.SpotQty, sess.FuturesQty, string(sess.Kind), string(sess.Status), now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateSessionStatus writes a terminal status only while the session
// is still live, so a late failure can never clobber a cancellation.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID int64, status models.SessionStatus) error {
	now := time.Now().Unix()
	switch status {
	case models.SessionCompleted, models.SessionCancelled, models.SessionFailed:
		_, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
			string(status), now, sessionID, string(models.SessionPending), string(models.SessionExecuting))
		return err
	default:
		_, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), now, sessionID)
		return err
	}
}

func (s *Store) UpdateSessionQuantities(ctx context.Context, sessionID int64, spotQty, futuresQty float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET spot_qty = ?, futures_qty = ?, updated_at = ? WHERE id = ?`,
		spotQty, futuresQty, time.Now().Unix(), sessionID)
	return err
}

const sessionColumns = `id, chat_id, symbol, sum, volatility, mmr, spot_qty, futures_qty, kind, status, unhedged_by, created_at, updated_at`

func (s *Store) SessionByID(ctx context.Context, sessionID int64) (models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, storage.ErrNotFound
	}
	return sess, err
}

func (s *Store) CompletedUnhedgedSessions(ctx context.Context, chatID int64, symbol string) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE chat_id = ? AND symbol = ? AND kind = ? AND status = ? AND unhedged_by IS NULL
		 ORDER BY updated_at DESC`,
		chatID, symbol, string(models.KindHedge), string(models.SessionCompleted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *Store) MarkSessionUnhedged(ctx context.Context, sessionID, unhedgeSessionID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET unhedged_by = ?, updated_at = ? WHERE id = ? AND status = ? AND unhedged_by IS NULL`,
		unhedgeSessionID, time.Now().Unix(), sessionID, string(models.SessionCompleted))
	return err
}

func (s *Store) LiveSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status IN (?, ?) ORDER BY created_at ASC`,
		string(models.SessionPending), string(models.SessionExecuting))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *Store) InsertOrder(ctx context.Context, o models.Order) (int64, error) {
	now := time.Now().Unix()
	var price any
	if o.HasPrice {
		price = o.Price
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (session_id, order_id, side, market, price, qty, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.SessionID, o.OrderID, string(o.Side), string(o.Market), price, o.Qty, string(o.Status), now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) UpdateOrderStatus(ctx context.Context, orderRowID int64, status models.OrderStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().Unix(), orderRowID)
	return err
}

func (s *Store) OrdersForSession(ctx context.Context, sessionID int64) ([]models.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, order_id, side, market, price, qty, status, created_at, updated_at
		 FROM orders WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Order
	for rows.Next() {
		var o models.Order
		var price sql.NullFloat64
		var side, market, status string
		var created, updated int64
		if err := rows.Scan(&o.ID, &o.SessionID, &o.OrderID, &side, &market, &price, &o.Qty, &status, &created, &updated); err != nil {
			return nil, err
		}
		o.Side = models.OrderSide(side)
		o.Market = models.Market(market)
		o.Status = models.OrderStatus(status)
		if price.Valid {
			o.Price = price.Float64
			o.HasPrice = true
		}
		o.CreatedAt = time.Unix(created, 0).UTC()
		o.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) InsertFundingSample(ctx context.Context, sample models.FundingRateSample) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO funding_rates (symbol, rate, timestamp) VALUES (?, ?, ?)`,
		sample.Symbol, sample.Rate, sample.Timestamp.Unix())
	return err
}

func (s *Store) FundingSamplesSince(ctx context.Context, symbol string, since time.Time) ([]models.FundingRateSample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, rate, timestamp FROM funding_rates WHERE symbol = ? AND timestamp >= ? ORDER BY timestamp ASC`,
		symbol, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.FundingRateSample
	for rows.Next() {
		var sample models.FundingRateSample
		var ts int64
		if err := rows.Scan(&sample.Symbol, &sample.Rate, &ts); err != nil {
			return nil, err
		}
		sample.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, sample)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (models.Session, error) {
	var sess models.Session
	var mmr sql.NullFloat64
	var unhedgedBy sql.NullInt64
	var kind, status string
	var created, updated int64
	err := row.Scan(&sess.ID, &sess.ChatID, &sess.Symbol, &sess.Sum, &sess.Volatility,
		&mmr, &sess.SpotQty, &sess.FuturesQty, &kind, &status, &unhedgedBy, &created, &updated)
	if err != nil {
		return models.Session{}, err
	}
	sess.Kind = models.OperationKind(kind)
	sess.Status = models.SessionStatus(status)
	if mmr.Valid {
		sess.MMR = mmr.Float64
		sess.HasMMR = true
	}
	if unhedgedBy.Valid {
		sess.UnhedgedBy = unhedgedBy.Int64
		sess.HasUnhedged = true
	}
	sess.CreatedAt = time.Unix(created, 0).UTC()
	sess.UpdatedAt = time.Unix(updated, 0).UTC()
	return sess, nil
}

func scanSessions(rows *sql.Rows) ([]models.Session, error) {
	var out []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
