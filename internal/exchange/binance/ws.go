package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MarkPriceHandler is invoked for each mark-price update.
type MarkPriceHandler func(ctx context.Context, symbol string, price float64, ts time.Time)

// MarkPriceFeed connects to the futures mark-price stream for a single symbol
// and invokes the handler on each update. It reconnects with backoff on
// disconnect. The feed keeps the price cache fresh between scheduler ticks so
// trailing-stop checks see live data rather than the last candle close.
type MarkPriceFeed struct {
	wsURL     string
	symbol    string
	onPrice   MarkPriceHandler
	logger    *slog.Logger
	closeOnce sync.Once
	done      chan struct{}
}

// NewMarkPriceFeed creates a feed for the given symbol. wsURL is the stream
// host (see WsURL).
func NewMarkPriceFeed(wsURL, symbol string, onPrice MarkPriceHandler, logger *slog.Logger) *MarkPriceFeed {
	return &MarkPriceFeed{
		wsURL:   wsURL,
		symbol:  symbol,
		onPrice: onPrice,
		logger:  logger.With(slog.String("component", "mark_price_feed")),
		done:    make(chan struct{}),
	}
}

// Run connects and processes updates until ctx is cancelled. Reconnects with
// a fixed backoff on disconnect.
func (f *MarkPriceFeed) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("mark price stream disconnected, reconnecting",
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (f *MarkPriceFeed) runConnection(ctx context.Context) error {
	streamURL := fmt.Sprintf("%s/ws/%s@markPrice@1s", f.wsURL, strings.ToLower(f.symbol))

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", streamURL, err)
	}
	defer conn.Close()

	f.logger.Info("mark price stream connected", slog.String("symbol", f.symbol))

	// Close the connection when ctx is cancelled so ReadMessage unblocks.
	go func() {
		select {
		case <-ctx.Done():
		case <-f.done:
		}
		_ = conn.Close()
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var update struct {
			EventType string `json:"e"`
			EventTime int64  `json:"E"`
			Symbol    string `json:"s"`
			MarkPrice string `json:"p"`
		}
		if err := json.Unmarshal(msg, &update); err != nil {
			f.logger.Debug("skipping unparseable stream message",
				slog.String("error", err.Error()),
			)
			continue
		}
		if update.EventType != "markPriceUpdate" {
			continue
		}

		price, err := strconv.ParseFloat(update.MarkPrice, 64)
		if err != nil {
			continue
		}
		if f.onPrice != nil {
			f.onPrice(ctx, update.Symbol, price, time.UnixMilli(update.EventTime).UTC())
		}
	}
}

// Close stops the feed.
func (f *MarkPriceFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}
