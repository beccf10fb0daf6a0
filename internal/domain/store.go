package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists the single current-position snapshot. Save must
// complete before a transition is considered committed; Load returns
// ErrNotFound when no snapshot has ever been written.
type PositionStore interface {
	Save(ctx context.Context, pos Position) error
	Load(ctx context.Context, symbol string) (Position, error)
}

// TradeStore is the append-only history of completed round trips.
type TradeStore interface {
	Append(ctx context.Context, rec TradeRecord) error
	List(ctx context.Context, symbol string, opts ListOpts) ([]TradeRecord, error)
	// ListBefore returns trades closed strictly before the cutoff, for
	// archival.
	ListBefore(ctx context.Context, before time.Time) ([]TradeRecord, error)
	SumPnL(ctx context.Context, symbol string, since time.Time) (float64, error)
}

// StatusStore records one row per scheduler tick for the monitor.
type StatusStore interface {
	Append(ctx context.Context, out CycleOutcome) error
	ListRecent(ctx context.Context, limit int) ([]CycleOutcome, error)
}

// PriceCache holds the latest mark price pushed by the websocket feed so the
// risk checks between candle fetches see fresh data.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, symbol string) (float64, time.Time, error)
}

// OutcomeBus publishes cycle outcomes for read-only consumers. The monitor
// tails it; the engine never reads it back.
type OutcomeBus interface {
	Publish(ctx context.Context, out CycleOutcome) error
	Tail(ctx context.Context, lastID string, block time.Duration) ([]CycleOutcome, string, error)
}

// BlobWriter uploads a blob to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
}
