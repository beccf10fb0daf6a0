package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/quantara-dev/perpbot/internal/domain"
)

// TradeHandler serves completed trade history and PnL summaries.
type TradeHandler struct {
	trades domain.TradeStore
	symbol string
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler for the traded symbol.
func NewTradeHandler(trades domain.TradeStore, symbol string, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{
		trades: trades,
		symbol: symbol,
		logger: logHandler(logger, "trade"),
	}
}

// ListTrades responds with completed round trips, newest first.
// GET /api/trades?limit=&offset=&since=&until=
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.trades.List(r.Context(), h.symbol, parseListOpts(r))
	if err != nil {
		h.logger.Error("list trades failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "could not list trades")
		return
	}
	if trades == nil {
		trades = []domain.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol": h.symbol,
		"trades": trades,
		"count":  len(trades),
	})
}

// GetPnL responds with the realized PnL total since the given time
// (default: last 30 days).
// GET /api/pnl?since=
func (h *TradeHandler) GetPnL(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().AddDate(0, 0, -30)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		since = t
	}

	total, err := h.trades.SumPnL(r.Context(), h.symbol, since)
	if err != nil {
		h.logger.Error("sum pnl failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "could not compute pnl")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":       h.symbol,
		"since":        since.Format(time.RFC3339),
		"realized_pnl": total,
	})
}
