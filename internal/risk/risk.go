// Package risk computes order sizing and enforces the exit guards: stop-loss,
// trailing stop, and maximum holding time. Its checks run at the start of
// every cycle and take precedence over strategy output; an armed stop forces
// an exit even when the strategy says hold or reverse.
package risk

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/quantara-dev/perpbot/internal/domain"
)

// Config holds the tunable risk parameters, fixed at startup.
type Config struct {
	// FixedQuantity is used when RiskPercentage is zero (conservative
	// sizing).
	FixedQuantity float64
	// RiskPercentage sizes orders as a fraction of balance divided by the
	// stop distance (aggressive sizing).
	RiskPercentage float64
	// SLPercentage is the stop distance from entry, e.g. 0.02 = 2%.
	SLPercentage float64
	// TrailingActivationPct is the profit fraction beyond which the trailing
	// stop arms. Zero arms it immediately.
	TrailingActivationPct float64
	// MaxHolding forces an exit after this duration. Zero means unlimited.
	MaxHolding time.Duration
	Filters    domain.SymbolFilters
}

// Parameters are the sizing and limit values attached to a position when it
// opens. They are immutable afterwards; the trailing stop is the only risk
// value that later mutates, and only through UpdateTrailing.
type Parameters struct {
	Quantity      float64
	StopLossPrice float64
	MaxHoldUntil  time.Time
}

// Engine evaluates risk rules against live prices.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// NewEngine creates an Engine with the given configuration.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "risk")),
	}
}

// EntryParameters computes order quantity, initial stop-loss price, and
// holding deadline for a new entry at the given price. Quantity is rounded
// DOWN to the exchange step size; a result below the exchange minimum returns
// ErrQuantityBelowMinimum rather than rounding up.
func (e *Engine) EntryParameters(side domain.PositionSide, price, balance float64, now time.Time) (Parameters, error) {
	if price <= 0 {
		return Parameters{}, fmt.Errorf("risk: entry price must be positive, got %g", price)
	}

	var qty float64
	if e.cfg.RiskPercentage > 0 {
		stopDistance := price * e.cfg.SLPercentage
		if stopDistance <= 0 {
			return Parameters{}, fmt.Errorf("risk: zero stop distance at price %g", price)
		}
		qty = balance * e.cfg.RiskPercentage / stopDistance
	} else {
		qty = e.cfg.FixedQuantity
	}

	qty = roundDownToStep(qty, e.cfg.Filters.StepSize)
	if qty < e.cfg.Filters.MinQuantity {
		return Parameters{}, fmt.Errorf("risk: computed quantity %g below minimum %g: %w",
			qty, e.cfg.Filters.MinQuantity, domain.ErrQuantityBelowMinimum)
	}

	params := Parameters{
		Quantity:      qty,
		StopLossPrice: StopLossPrice(side, price, e.cfg.SLPercentage),
	}
	if e.cfg.MaxHolding > 0 {
		params.MaxHoldUntil = now.Add(e.cfg.MaxHolding)
	}
	return params, nil
}

// StopForEntry recomputes the initial stop at the actual fill price, which
// can differ from the estimate quoted when sizing.
func (e *Engine) StopForEntry(side domain.PositionSide, entry float64) float64 {
	return StopLossPrice(side, entry, e.cfg.SLPercentage)
}

// MaxHolding returns the configured holding limit, zero when unlimited.
func (e *Engine) MaxHolding() time.Duration {
	return e.cfg.MaxHolding
}

// StopLossPrice computes the initial stop for the given side:
// entry × (1 − pct) for longs, entry × (1 + pct) for shorts.
func StopLossPrice(side domain.PositionSide, entry, pct float64) float64 {
	if side == domain.SideShort {
		return entry * (1 + pct)
	}
	return entry * (1 - pct)
}

// CheckExit evaluates the exit guards for an open position against the given
// mark price. Precedence: stop-loss, then trailing stop, then holding time.
// It returns the close reason and true when any guard fires.
func (e *Engine) CheckExit(pos domain.Position, markPrice float64, now time.Time) (domain.CloseReason, bool) {
	if pos.Flat() {
		return "", false
	}

	if breached(pos.Side, markPrice, pos.StopLossPrice) {
		e.logger.Warn("stop-loss breached",
			slog.Float64("mark_price", markPrice),
			slog.Float64("stop_loss", pos.StopLossPrice),
		)
		return domain.CloseReasonStopLoss, true
	}

	if pos.TrailingStopPrice > 0 && breached(pos.Side, markPrice, pos.TrailingStopPrice) {
		e.logger.Info("trailing stop breached",
			slog.Float64("mark_price", markPrice),
			slog.Float64("trailing_stop", pos.TrailingStopPrice),
		)
		return domain.CloseReasonTrailingStop, true
	}

	if !pos.MaxHoldUntil.IsZero() && now.After(pos.MaxHoldUntil) {
		e.logger.Info("max holding time exceeded",
			slog.Time("opened_at", pos.OpenedAt),
			slog.Time("deadline", pos.MaxHoldUntil),
		)
		return domain.CloseReasonMaxHolding, true
	}

	return "", false
}

// UpdateTrailing advances the trailing stop for an open position at the given
// mark price and returns the updated copy. The stop arms once unrealized
// profit exceeds the activation margin and afterwards only ever tightens: a
// long's trailing stop is non-decreasing, a short's non-increasing.
func (e *Engine) UpdateTrailing(pos domain.Position, markPrice float64) domain.Position {
	if pos.Flat() || markPrice <= 0 {
		return pos
	}

	// Track the best favorable price seen.
	switch pos.Side {
	case domain.SideLong:
		if markPrice > pos.BestPrice {
			pos.BestPrice = markPrice
		}
	case domain.SideShort:
		if pos.BestPrice == 0 || markPrice < pos.BestPrice {
			pos.BestPrice = markPrice
		}
	}

	// Arm only past the activation margin.
	var profitPct float64
	switch pos.Side {
	case domain.SideLong:
		profitPct = (pos.BestPrice - pos.EntryPrice) / pos.EntryPrice
	case domain.SideShort:
		profitPct = (pos.EntryPrice - pos.BestPrice) / pos.EntryPrice
	}
	if profitPct < e.cfg.TrailingActivationPct {
		return pos
	}

	candidate := StopLossPrice(pos.Side, pos.BestPrice, e.cfg.SLPercentage)
	switch pos.Side {
	case domain.SideLong:
		if candidate > pos.TrailingStopPrice {
			pos.TrailingStopPrice = candidate
		}
	case domain.SideShort:
		if pos.TrailingStopPrice == 0 || candidate < pos.TrailingStopPrice {
			pos.TrailingStopPrice = candidate
		}
	}
	return pos
}

// breached reports whether price has crossed the stop level against the
// position.
func breached(side domain.PositionSide, price, stop float64) bool {
	if stop <= 0 {
		return false
	}
	switch side {
	case domain.SideLong:
		return price <= stop
	case domain.SideShort:
		return price >= stop
	default:
		return false
	}
}

// roundDownToStep floors q to a multiple of step. The epsilon guards against
// float error turning an exact multiple into the next lower step.
func roundDownToStep(q, step float64) float64 {
	if step <= 0 {
		return q
	}
	steps := math.Floor((q + 1e-9) / step)
	return steps * step
}
