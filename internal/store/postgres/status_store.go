package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantara-dev/perpbot/internal/domain"
)

// StatusStore implements domain.StatusStore using PostgreSQL.
type StatusStore struct {
	pool *pgxpool.Pool
}

// NewStatusStore creates a new StatusStore backed by the given connection pool.
func NewStatusStore(pool *pgxpool.Pool) *StatusStore {
	return &StatusStore{pool: pool}
}

var _ domain.StatusStore = (*StatusStore)(nil)

// Append records one cycle outcome.
func (s *StatusStore) Append(ctx context.Context, out domain.CycleOutcome) error {
	const query = `
		INSERT INTO cycle_status (
			id, symbol, strategy_name, signal, action, reason,
			price, rsi, balance, error, started_at, elapsed_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := s.pool.Exec(ctx, query,
		out.ID, out.Symbol, out.Strategy, string(out.Signal), string(out.Action),
		out.Reason, out.Price, out.RSI, out.Balance, out.Err,
		out.StartedAt, out.Elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("postgres: append cycle status: %w", err)
	}
	return nil
}

// ListRecent returns the most recent cycle outcomes, newest first.
func (s *StatusStore) ListRecent(ctx context.Context, limit int) ([]domain.CycleOutcome, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, symbol, strategy_name, signal, action, reason,
		        price, rsi, balance, error, started_at, elapsed_ms
		 FROM cycle_status
		 ORDER BY started_at DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list cycle status: %w", err)
	}
	defer rows.Close()

	var outs []domain.CycleOutcome
	for rows.Next() {
		var (
			o              domain.CycleOutcome
			signal, action string
			elapsedMs      int64
		)
		if err := rows.Scan(
			&o.ID, &o.Symbol, &o.Strategy, &signal, &action, &o.Reason,
			&o.Price, &o.RSI, &o.Balance, &o.Err, &o.StartedAt, &elapsedMs,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan cycle status: %w", err)
		}
		o.Signal = domain.SignalAction(signal)
		o.Action = domain.CycleAction(action)
		o.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		outs = append(outs, o)
	}
	return outs, rows.Err()
}
