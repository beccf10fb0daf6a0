package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantara-dev/perpbot/internal/domain"
)

// TradeArchiveStore is the read access the archiver needs: it only lists
// trades older than a cutoff, never the full store surface.
type TradeArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error)
}

// Archiver periodically copies closed trades older than the retention window
// to object storage as JSONL, one file per calendar month at
// archive/trades/YYYY-MM.jsonl.
//
// Deletion of archived rows from the primary store is intentionally not
// performed here; the database stays the source of truth and the archive is a
// redundant copy.
type Archiver struct {
	writer    domain.BlobWriter
	trades    TradeArchiveStore
	retention time.Duration
	logger    *slog.Logger
}

// NewArchiver creates an Archiver that archives trades older than retention.
func NewArchiver(writer domain.BlobWriter, trades TradeArchiveStore, retention time.Duration, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:    writer,
		trades:    trades,
		retention: retention,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// Run archives once at startup and then every interval until ctx is
// cancelled.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	if n, err := a.ArchiveTrades(ctx, time.Now().UTC().Add(-a.retention)); err != nil {
		a.logger.Error("trade archival failed", slog.String("error", err.Error()))
	} else if n > 0 {
		a.logger.Info("trades archived", slog.Int64("count", n))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := a.ArchiveTrades(ctx, time.Now().UTC().Add(-a.retention))
			if err != nil {
				a.logger.Error("trade archival failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				a.logger.Info("trades archived", slog.Int64("count", n))
			}
		}
	}
}

// ArchiveTrades queries all trades closed before the cutoff, groups them by
// calendar month, and uploads one JSONL object per month. It returns the
// number of archived records.
func (a *Archiver) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	trades, err := a.trades.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	if len(trades) == 0 {
		return 0, nil
	}

	byMonth := make(map[string][]domain.TradeRecord)
	for _, t := range trades {
		month := t.ClosedAt.UTC().Format("2006-01")
		byMonth[month] = append(byMonth[month], t)
	}

	var total int64
	for month, batch := range byMonth {
		buf, err := marshalJSONL(batch)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive trades marshal: %w", err)
		}
		path := fmt.Sprintf("archive/trades/%s.jsonl", month)
		if err := a.writer.Put(ctx, path, buf, "application/x-ndjson"); err != nil {
			return total, fmt.Errorf("s3blob: archive trades upload: %w", err)
		}
		total += int64(len(batch))
	}
	return total, nil
}

// marshalJSONL serializes a slice of records as newline-delimited JSON.
func marshalJSONL(records []domain.TradeRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
