package storage

// simulation.go — histórico de saldo de las corridas dry-run, leído por
// `maker -report`.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

// LogSimulationBalance inserta un punto del histórico de saldo simulado.
func (s *SQLiteStorage) LogSimulationBalance(ctx context.Context, b domain.SimulationBalance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO simulation_balance (run_id, usdc, position_value, realized_pnl, unrealized_pnl, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.RunID, b.USDC, b.PositionValue, b.RealizedPnL, b.UnrealizedPnL, b.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage.LogSimulationBalance: %w", err)
	}
	return nil
}

// LatestRunID devuelve la corrida con el punto de saldo más reciente.
// "" si no hay ninguna.
func (s *SQLiteStorage) LatestRunID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id FROM simulation_balance ORDER BY at DESC, id DESC LIMIT 1`,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("storage.LatestRunID: %w", err)
	}
	return id, nil
}

// SimulationHistory devuelve el histórico de saldo de una corrida, en orden
// cronológico.
func (s *SQLiteStorage) SimulationHistory(ctx context.Context, runID string) ([]domain.SimulationBalance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, usdc, position_value, realized_pnl, unrealized_pnl, at
		FROM simulation_balance
		WHERE run_id = ?
		ORDER BY at ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage.SimulationHistory: query: %w", err)
	}
	defer rows.Close()

	var out []domain.SimulationBalance
	for rows.Next() {
		var b domain.SimulationBalance
		if err := rows.Scan(&b.RunID, &b.USDC, &b.PositionValue, &b.RealizedPnL, &b.UnrealizedPnL, &b.At); err != nil {
			return nil, fmt.Errorf("storage.SimulationHistory: scan: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SimulatedTrades cuenta los fills simulados de la tabla trades.
func (s *SQLiteStorage) SimulatedTrades(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trades WHERE simulated = 1`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage.SimulatedTrades: %w", err)
	}
	return n, nil
}
