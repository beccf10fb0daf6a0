package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/quantara-dev/perpbot/internal/domain"
)

// PositionHandler serves the current position snapshot.
type PositionHandler struct {
	positions domain.PositionStore
	prices    domain.PriceCache
	symbol    string
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler. prices may be nil, in which
// case unrealized PnL is omitted.
func NewPositionHandler(positions domain.PositionStore, prices domain.PriceCache, symbol string, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		prices:    prices,
		symbol:    symbol,
		logger:    logHandler(logger, "position"),
	}
}

// GetPosition responds with the persisted position snapshot, enriched with
// the cached mark price and unrealized PnL when available.
// GET /api/position
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.positions.Load(r.Context(), h.symbol)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusOK, domain.NewFlatPosition(h.symbol))
			return
		}
		h.logger.Error("load position failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "could not load position")
		return
	}

	resp := map[string]any{"position": pos}
	if h.prices != nil && pos.Status == domain.StatusOpen {
		if price, ts, err := h.prices.GetPrice(r.Context(), h.symbol); err == nil {
			resp["mark_price"] = price
			resp["mark_price_at"] = ts
			resp["unrealized_pnl"] = pos.UnrealizedPnL(price)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
