package storage

// sqlite.go — journal durable del bot.
//
// Tablas:
//   trades             — trades propios por estado (MATCHED, CONFIRMED, FAILED...)
//   order_lifecycle    — una fila por orden, upsert en cada transición
//   position_history   — snapshot de posiciones cada 300s
//   reward_snapshots   — reward horario estimado de las órdenes en reposo
//   alerts             — alertas operacionales
//   simulation_balance — histórico de saldo de las corridas dry-run
//
// Retención: Cleanup borra lo que sale de la ventana de cada tabla.

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    trade_id     TEXT     NOT NULL,
    asset        TEXT     NOT NULL,
    condition_id TEXT     NOT NULL DEFAULT '',
    side         TEXT     NOT NULL,
    price        REAL     NOT NULL,
    size         REAL     NOT NULL,
    status       TEXT     NOT NULL,
    maker        INTEGER  NOT NULL DEFAULT 0,
    simulated    INTEGER  NOT NULL DEFAULT 0,
    at           DATETIME NOT NULL,
    UNIQUE(trade_id, status)
);

CREATE TABLE IF NOT EXISTS order_lifecycle (
    order_id     TEXT PRIMARY KEY,
    asset        TEXT     NOT NULL,
    condition_id TEXT     NOT NULL DEFAULT '',
    side         TEXT     NOT NULL,
    price        REAL     NOT NULL,
    size         REAL     NOT NULL,
    filled       REAL     NOT NULL DEFAULT 0,
    status       TEXT     NOT NULL,
    simulated    INTEGER  NOT NULL DEFAULT 0,
    created_at   DATETIME NOT NULL,
    updated_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS position_history (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    asset        TEXT     NOT NULL,
    condition_id TEXT     NOT NULL DEFAULT '',
    size         REAL     NOT NULL,
    avg_price    REAL     NOT NULL,
    realized_pnl REAL     NOT NULL DEFAULT 0,
    mark         REAL     NOT NULL DEFAULT 0,
    at           DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS reward_snapshots (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    condition_id  TEXT     NOT NULL,
    asset         TEXT     NOT NULL,
    mid           REAL     NOT NULL,
    order_price   REAL     NOT NULL,
    order_size    REAL     NOT NULL,
    max_spread    REAL     NOT NULL,
    daily_rate    REAL     NOT NULL,
    hourly_reward REAL     NOT NULL,
    at            DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS alerts (
    id      INTEGER PRIMARY KEY AUTOINCREMENT,
    level   TEXT     NOT NULL,
    kind    TEXT     NOT NULL,
    message TEXT     NOT NULL,
    at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS simulation_balance (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id         TEXT     NOT NULL,
    usdc           REAL     NOT NULL,
    position_value REAL     NOT NULL,
    realized_pnl   REAL     NOT NULL,
    unrealized_pnl REAL     NOT NULL,
    at             DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_at      ON trades(at);
CREATE INDEX IF NOT EXISTS idx_lifecycle_upd  ON order_lifecycle(updated_at);
CREATE INDEX IF NOT EXISTS idx_positions_at   ON position_history(at);
CREATE INDEX IF NOT EXISTS idx_rewards_at     ON reward_snapshots(at);
CREATE INDEX IF NOT EXISTS idx_alerts_at      ON alerts(at);
CREATE INDEX IF NOT EXISTS idx_sim_balance_run ON simulation_balance(run_id, at);
`

// Retention son las ventanas de retención por tabla. Los ceros toman
// DefaultRetention.
type Retention struct {
	Trades          time.Duration
	RewardSnapshots time.Duration
	PositionHistory time.Duration
	Alerts          time.Duration
	FinishedOrders  time.Duration
}

const day = 24 * time.Hour

// DefaultRetention: trades 30d, rewards 7d, posiciones 30d, alertas 30d,
// órdenes terminadas 7d.
func DefaultRetention() Retention {
	return Retention{
		Trades:          30 * day,
		RewardSnapshots: 7 * day,
		PositionHistory: 30 * day,
		Alerts:          30 * day,
		FinishedOrders:  7 * day,
	}
}

func (r *Retention) setDefaults() {
	d := DefaultRetention()
	if r.Trades <= 0 {
		r.Trades = d.Trades
	}
	if r.RewardSnapshots <= 0 {
		r.RewardSnapshots = d.RewardSnapshots
	}
	if r.PositionHistory <= 0 {
		r.PositionHistory = d.PositionHistory
	}
	if r.Alerts <= 0 {
		r.Alerts = d.Alerts
	}
	if r.FinishedOrders <= 0 {
		r.FinishedOrders = d.FinishedOrders
	}
}

// SQLiteStorage implementa ports.Journal usando SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db        *sql.DB
	retention Retention
}

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada y aplica el schema.
func NewSQLiteStorage(path string, retention Retention) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}
	retention.setDefaults()
	return &SQLiteStorage{db: db, retention: retention}, nil
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// LogTrade inserta un trade. La misma transición (trade_id, status) se ignora
// si ya existe: el canal de usuario entrega at-least-once.
func (s *SQLiteStorage) LogTrade(ctx context.Context, t domain.TradeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (trade_id, asset, condition_id, side, price, size, status, maker, simulated, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trade_id, status) DO NOTHING`,
		t.ID, t.Asset, t.ConditionID, string(t.Side), t.Price, t.Size, string(t.Status),
		boolToInt(t.Maker), boolToInt(t.Simulated), t.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage.LogTrade: %w", err)
	}
	return nil
}

// LogOrderLifecycle hace upsert del estado de una orden.
func (s *SQLiteStorage) LogOrderLifecycle(ctx context.Context, o domain.OrderLifecycle) error {
	at := o.At.UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_lifecycle
			(order_id, asset, condition_id, side, price, size, filled, status, simulated, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			filled     = MAX(filled, excluded.filled),
			status     = excluded.status,
			updated_at = excluded.updated_at`,
		o.OrderID, o.Asset, o.ConditionID, string(o.Side), o.Price, o.Size, o.Filled,
		string(o.Status), boolToInt(o.Simulated), at, at,
	)
	if err != nil {
		return fmt.Errorf("storage.LogOrderLifecycle %s: %w", o.OrderID, err)
	}
	return nil
}

// LogPosition inserta una fila en position_history.
func (s *SQLiteStorage) LogPosition(ctx context.Context, p domain.PositionSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO position_history (asset, condition_id, size, avg_price, realized_pnl, mark, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.Asset, p.ConditionID, p.Position.Size, p.Position.AvgPrice, p.Position.RealizedPnL, p.Mark, p.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage.LogPosition: %w", err)
	}
	return nil
}

// LogRewardSnapshot inserta una estimación de reward.
func (s *SQLiteStorage) LogRewardSnapshot(ctx context.Context, r domain.RewardSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reward_snapshots
			(condition_id, asset, mid, order_price, order_size, max_spread, daily_rate, hourly_reward, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ConditionID, r.Asset, r.Mid, r.OrderPrice, r.OrderSize, r.MaxSpread, r.DailyRate, r.HourlyReward, r.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage.LogRewardSnapshot: %w", err)
	}
	return nil
}

// LogAlert inserta una alerta.
func (s *SQLiteStorage) LogAlert(ctx context.Context, a domain.Alert) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (level, kind, message, at) VALUES (?, ?, ?, ?)`,
		string(a.Level), a.Kind, a.Message, a.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage.LogAlert: %w", err)
	}
	return nil
}

// Cleanup borra las filas fuera de la ventana de retención. Las órdenes sólo
// se borran si están en un estado terminal.
func (s *SQLiteStorage) Cleanup(ctx context.Context, now time.Time) error {
	now = now.UTC()
	stmts := []struct {
		query string
		keep  time.Duration
	}{
		{`DELETE FROM trades WHERE at < ?`, s.retention.Trades},
		{`DELETE FROM reward_snapshots WHERE at < ?`, s.retention.RewardSnapshots},
		{`DELETE FROM position_history WHERE at < ?`, s.retention.PositionHistory},
		{`DELETE FROM alerts WHERE at < ?`, s.retention.Alerts},
		{`DELETE FROM order_lifecycle WHERE updated_at < ? AND status IN ('FILLED', 'CANCELLED', 'REJECTED')`, s.retention.FinishedOrders},
	}
	for _, st := range stmts {
		if _, err := s.db.ExecContext(ctx, st.query, now.Add(-st.keep)); err != nil {
			return fmt.Errorf("storage.Cleanup: %w", err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
