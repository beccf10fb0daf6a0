package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantara-dev/perpbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. One row per
// symbol holds the latest snapshot; Save is an upsert so a transition is
// durable in a single statement.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

var _ domain.PositionStore = (*PositionStore)(nil)

// Save upserts the position snapshot for its symbol.
func (s *PositionStore) Save(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			symbol, side, status, entry_price, quantity, opened_at, epoch,
			stop_loss_price, trailing_stop_price, best_price, max_hold_until,
			strategy_name, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (symbol) DO UPDATE SET
			side                = EXCLUDED.side,
			status              = EXCLUDED.status,
			entry_price         = EXCLUDED.entry_price,
			quantity            = EXCLUDED.quantity,
			opened_at           = EXCLUDED.opened_at,
			epoch               = EXCLUDED.epoch,
			stop_loss_price     = EXCLUDED.stop_loss_price,
			trailing_stop_price = EXCLUDED.trailing_stop_price,
			best_price          = EXCLUDED.best_price,
			max_hold_until      = EXCLUDED.max_hold_until,
			strategy_name       = EXCLUDED.strategy_name,
			updated_at          = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		p.Symbol, string(p.Side), string(p.Status),
		p.EntryPrice, p.Quantity, nullTime(p.OpenedAt), p.Epoch,
		p.StopLossPrice, p.TrailingStopPrice, p.BestPrice, nullTime(p.MaxHoldUntil),
		p.Strategy, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save position %s: %w", p.Symbol, err)
	}
	return nil
}

// Load returns the snapshot for a symbol, or ErrNotFound when none was ever
// saved.
func (s *PositionStore) Load(ctx context.Context, symbol string) (domain.Position, error) {
	const query = `
		SELECT symbol, side, status, entry_price, quantity, opened_at, epoch,
		       stop_loss_price, trailing_stop_price, best_price, max_hold_until,
		       strategy_name, updated_at
		FROM positions WHERE symbol = $1`

	var (
		p            domain.Position
		side, status string
		openedAt     *time.Time
		maxHold      *time.Time
	)
	err := s.pool.QueryRow(ctx, query, symbol).Scan(
		&p.Symbol, &side, &status,
		&p.EntryPrice, &p.Quantity, &openedAt, &p.Epoch,
		&p.StopLossPrice, &p.TrailingStopPrice, &p.BestPrice, &maxHold,
		&p.Strategy, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: load position %s: %w", symbol, err)
	}
	p.Side = domain.PositionSide(side)
	p.Status = domain.PositionStatus(status)
	if openedAt != nil {
		p.OpenedAt = *openedAt
	}
	if maxHold != nil {
		p.MaxHoldUntil = *maxHold
	}
	return p, nil
}

// nullTime maps the zero time to NULL so "never" round-trips as absence.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
