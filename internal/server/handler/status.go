package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/quantara-dev/perpbot/internal/domain"
)

// StatusHandler serves the bot's runtime status and recent cycle outcomes.
type StatusHandler struct {
	statuses domain.StatusStore
	bus      domain.OutcomeBus
	mode     string
	strategy string
	symbol   string
	started  time.Time
	logger   *slog.Logger
}

// NewStatusHandler creates a StatusHandler. bus may be nil, which disables
// the streaming endpoint.
func NewStatusHandler(statuses domain.StatusStore, bus domain.OutcomeBus, mode, strategy, symbol string, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		statuses: statuses,
		bus:      bus,
		mode:     mode,
		strategy: strategy,
		symbol:   symbol,
		started:  time.Now().UTC(),
		logger:   logHandler(logger, "status"),
	}
}

// GetStatus responds with the runtime mode, strategy, and the latest cycle.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"mode":     h.mode,
		"strategy": h.strategy,
		"symbol":   h.symbol,
		"uptime":   time.Since(h.started).Round(time.Second).String(),
	}
	if h.statuses != nil {
		if recent, err := h.statuses.ListRecent(r.Context(), 1); err == nil && len(recent) > 0 {
			resp["last_cycle"] = recent[0]
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListCycles responds with recent cycle outcomes, newest first.
// GET /api/cycles?limit=
func (h *StatusHandler) ListCycles(w http.ResponseWriter, r *http.Request) {
	if h.statuses == nil {
		writeError(w, http.StatusServiceUnavailable, "status store not configured")
		return
	}
	opts := parseListOpts(r)
	cycles, err := h.statuses.ListRecent(r.Context(), opts.Limit)
	if err != nil {
		h.logger.Error("list cycles failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "could not list cycles")
		return
	}
	if cycles == nil {
		cycles = []domain.CycleOutcome{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cycles": cycles,
		"count":  len(cycles),
	})
}

// StreamCycles tails the outcome bus and pushes each new cycle outcome as a
// server-sent event until the client disconnects.
// GET /api/cycles/stream
func (h *StatusHandler) StreamCycles(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "outcome bus not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	lastID := "$"
	for {
		select {
		case <-r.Context().Done():
			return
		default:
		}

		outs, nextID, err := h.bus.Tail(r.Context(), lastID, 15*time.Second)
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			h.logger.Warn("outcome tail failed", slog.String("error", err.Error()))
			return
		}
		lastID = nextID

		if len(outs) == 0 {
			// Keep-alive comment so intermediaries do not drop the stream.
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
			continue
		}
		for _, out := range outs {
			data, err := json.Marshal(out)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		flusher.Flush()
	}
}
