// Package engine owns the position lifecycle. The Machine is the only
// component that mutates the position; it drives every transition through the
// flat -> opening -> open -> closing -> flat cycle, persists each step before
// treating it as committed, and reconciles against the exchange whenever an
// order's fate is ambiguous. The Scheduler wraps the Machine in a fixed-rate
// decision loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantara-dev/perpbot/internal/domain"
	"github.com/quantara-dev/perpbot/internal/risk"
)

// Notifier is the subset of the notification system the engine raises events
// through. A nil Notifier disables notifications.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Notification event types emitted by the engine.
const (
	EventPositionOpened = "position_opened"
	EventPositionClosed = "position_closed"
	EventStopLoss       = "stop_loss"
	EventError          = "error"
)

const (
	reconcileAttempts = 3
	reconcileDelay    = 2 * time.Second
)

// Machine executes position transitions against the exchange. All methods are
// safe for concurrent use, though in practice only the scheduler and the
// shutdown path call into it.
type Machine struct {
	symbol    string
	gateway   domain.Gateway
	positions domain.PositionStore
	trades    domain.TradeStore
	risk      *risk.Engine
	notifier  Notifier
	logger    *slog.Logger

	mu  sync.Mutex
	pos domain.Position
}

// NewMachine creates a Machine for a single symbol. Call Resume before the
// first transition so the in-memory position reflects the persisted snapshot.
func NewMachine(
	symbol string,
	gateway domain.Gateway,
	positions domain.PositionStore,
	trades domain.TradeStore,
	riskEngine *risk.Engine,
	notifier Notifier,
	logger *slog.Logger,
) *Machine {
	return &Machine{
		symbol:    symbol,
		gateway:   gateway,
		positions: positions,
		trades:    trades,
		risk:      riskEngine,
		notifier:  notifier,
		logger:    logger.With(slog.String("component", "engine"), slog.String("symbol", symbol)),
		pos:       domain.NewFlatPosition(symbol),
	}
}

// Position returns a copy of the current position.
func (m *Machine) Position() domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos
}

// Parked reports whether the position is in closed_error and automated
// trading is suspended.
func (m *Machine) Parked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos.Status == domain.StatusClosedError
}

// Resume loads the persisted position snapshot and reconciles any transition
// that was in flight when the previous process died. It must run before the
// first scheduled cycle.
func (m *Machine) Resume(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, err := m.positions.Load(ctx, m.symbol)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		pos = domain.NewFlatPosition(m.symbol)
		if err := m.save(ctx, pos); err != nil {
			return fmt.Errorf("engine: persist initial position: %w", err)
		}
	case err != nil:
		return fmt.Errorf("engine: load position: %w", err)
	}
	m.pos = pos

	m.logger.Info("resuming position",
		slog.String("status", string(pos.Status)),
		slog.String("side", string(pos.Side)),
		slog.Int64("epoch", pos.Epoch),
	)

	switch pos.Status {
	case domain.StatusFlat:
		return nil

	case domain.StatusOpen:
		if err := m.verifyOpen(ctx); err != nil {
			if errors.Is(err, domain.ErrPositionParked) {
				m.logger.Warn("open position parked at startup", slog.String("error", err.Error()))
				return nil
			}
			return err
		}
		return nil

	case domain.StatusOpening:
		req := m.orderFor(pos.Side, 0, purposeOpen)
		if err := m.reconcileOpening(ctx, req, time.Now().UTC()); err != nil {
			m.logger.Warn("opening reconciliation unresolved", slog.String("error", err.Error()))
		}
		return nil

	case domain.StatusClosing:
		req := m.orderFor(pos.Side.Opposite(), pos.Quantity, purposeClose)
		if _, err := m.reconcileClosing(ctx, req, domain.CloseReasonManual, time.Now().UTC()); err != nil {
			m.logger.Warn("closing reconciliation unresolved", slog.String("error", err.Error()))
		}
		return nil

	case domain.StatusClosedError:
		return m.recoverParked(ctx)

	default:
		return fmt.Errorf("engine: unknown position status %q", pos.Status)
	}
}

// Open enters a new position on the given side. The position must be flat.
// On a confirmed fill the position becomes open with stops derived from the
// fill price; on rejection it reverts to flat; on an ambiguous outcome the
// exchange is consulted until the fate is known or the position parks.
func (m *Machine) Open(ctx context.Context, side domain.PositionSide, strategyName string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pos.Status == domain.StatusClosedError {
		return domain.ErrPositionParked
	}
	if !m.pos.Flat() || m.pos.Status != domain.StatusFlat {
		return fmt.Errorf("engine: cannot open from status %q", m.pos.Status)
	}

	price, err := m.gateway.GetMarkPrice(ctx, m.symbol)
	if err != nil {
		return fmt.Errorf("engine: fetch mark price: %w", err)
	}
	balance, err := m.gateway.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("engine: fetch balance: %w", err)
	}
	params, err := m.risk.EntryParameters(side, price, balance, now)
	if err != nil {
		return err
	}

	// Commit the opening intent before anything touches the exchange. A crash
	// after this point resumes into reconcileOpening with the same epoch and
	// therefore the same client order ID.
	next := m.pos
	next.Epoch++
	next.Side = side
	next.Status = domain.StatusOpening
	next.Strategy = strategyName
	next.Quantity = params.Quantity
	next.StopLossPrice = params.StopLossPrice
	next.MaxHoldUntil = params.MaxHoldUntil
	next.TrailingStopPrice = 0
	next.BestPrice = 0
	if err := m.save(ctx, next); err != nil {
		return fmt.Errorf("engine: persist opening: %w", err)
	}
	m.pos = next

	req := m.orderFor(side, params.Quantity, purposeOpen)
	res, err := m.submitIdempotent(ctx, req)
	if err != nil || res.Outcome == domain.OutcomeUnknown {
		if err != nil {
			m.logger.Warn("entry submission ambiguous", slog.String("error", err.Error()))
		}
		return m.reconcileOpening(ctx, req, now)
	}

	switch res.Outcome {
	case domain.OutcomeConfirmed:
		return m.commitOpen(ctx, res.Fill, now)
	case domain.OutcomeRejected:
		m.logger.Warn("entry order rejected", slog.String("reason", res.Reason))
		if err := m.revertFlat(ctx); err != nil {
			return err
		}
		return fmt.Errorf("engine: entry %s: %w", res.Reason, domain.ErrOrderRejected)
	default:
		return m.reconcileOpening(ctx, req, now)
	}
}

// Close exits the current position. The position must be open. On a confirmed
// fill a trade record is appended and the position returns to flat; on
// rejection the position stays open so the next cycle retries; on an
// ambiguous outcome the exchange is consulted until the fate is known or the
// position parks.
func (m *Machine) Close(ctx context.Context, reason domain.CloseReason, now time.Time) (domain.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked(ctx, reason, now)
}

func (m *Machine) closeLocked(ctx context.Context, reason domain.CloseReason, now time.Time) (domain.TradeRecord, error) {
	if m.pos.Status == domain.StatusClosedError {
		return domain.TradeRecord{}, domain.ErrPositionParked
	}
	if m.pos.Status != domain.StatusOpen {
		return domain.TradeRecord{}, fmt.Errorf("engine: cannot close from status %q", m.pos.Status)
	}

	next := m.pos
	next.Status = domain.StatusClosing
	if err := m.save(ctx, next); err != nil {
		return domain.TradeRecord{}, fmt.Errorf("engine: persist closing: %w", err)
	}
	m.pos = next

	req := m.orderFor(m.pos.Side.Opposite(), m.pos.Quantity, purposeClose)
	res, err := m.submitIdempotent(ctx, req)
	if err != nil || res.Outcome == domain.OutcomeUnknown {
		if err != nil {
			m.logger.Warn("exit submission ambiguous", slog.String("error", err.Error()))
		}
		return m.reconcileClosing(ctx, req, reason, now)
	}

	switch res.Outcome {
	case domain.OutcomeConfirmed:
		return m.commitClose(ctx, res.Fill.AvgPrice, reason, now)
	case domain.OutcomeRejected:
		m.logger.Warn("exit order rejected, staying open", slog.String("reason", res.Reason))
		reverted := m.pos
		reverted.Status = domain.StatusOpen
		if err := m.save(ctx, reverted); err != nil {
			return domain.TradeRecord{}, fmt.Errorf("engine: persist open revert: %w", err)
		}
		m.pos = reverted
		return domain.TradeRecord{}, fmt.Errorf("engine: exit %s: %w", res.Reason, domain.ErrOrderRejected)
	default:
		return m.reconcileClosing(ctx, req, reason, now)
	}
}

// Reverse closes the current position and opens a new one on the opposite
// side. The close must confirm before the entry is attempted; if the close
// fails or parks, no new exposure is taken.
func (m *Machine) Reverse(ctx context.Context, strategyName string, now time.Time) error {
	m.mu.Lock()
	target := m.pos.Side.Opposite()
	if target == domain.SideFlat {
		m.mu.Unlock()
		return fmt.Errorf("engine: cannot reverse a flat position")
	}
	_, err := m.closeLocked(ctx, domain.CloseReasonSignal, now)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("engine: reverse close leg: %w", err)
	}
	if err := m.Open(ctx, target, strategyName, now); err != nil {
		return fmt.Errorf("engine: reverse open leg: %w", err)
	}
	return nil
}

// UpdateStops advances the trailing stop against a fresh mark price and
// persists the position when anything moved. It returns the updated position.
func (m *Machine) UpdateStops(ctx context.Context, markPrice float64) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pos.Status != domain.StatusOpen {
		return m.pos, nil
	}
	updated := m.risk.UpdateTrailing(m.pos, markPrice)
	if updated.BestPrice == m.pos.BestPrice && updated.TrailingStopPrice == m.pos.TrailingStopPrice {
		return m.pos, nil
	}
	if err := m.save(ctx, updated); err != nil {
		return m.pos, fmt.Errorf("engine: persist trailing update: %w", err)
	}
	m.pos = updated
	return m.pos, nil
}

// CloseIfOpen flattens an open position, used by the optional
// flatten-on-shutdown path. A position that is not open is left untouched.
func (m *Machine) CloseIfOpen(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pos.Status != domain.StatusOpen {
		return nil
	}
	_, err := m.closeLocked(ctx, domain.CloseReasonManual, now)
	return err
}

// submitIdempotent queries the exchange for the deterministic client order ID
// before submitting. A previous attempt that reached the exchange (crash
// between submit and commit) is picked up instead of duplicated.
func (m *Machine) submitIdempotent(ctx context.Context, req domain.OrderRequest) (domain.SubmitResult, error) {
	res, err := m.gateway.QueryOrder(ctx, req.Symbol, req.ClientOrderID)
	if err == nil {
		m.logger.Info("found existing order for client ID, adopting",
			slog.String("client_order_id", req.ClientOrderID),
			slog.String("outcome", string(res.Outcome)),
		)
		return res, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.SubmitResult{Outcome: domain.OutcomeUnknown}, err
	}
	return m.gateway.SubmitOrder(ctx, req)
}

// reconcileOpening resolves an entry order whose submission outcome is
// unknown. It polls the order by client ID, then falls back to the exchange's
// position view, and parks the position if neither yields an answer.
func (m *Machine) reconcileOpening(ctx context.Context, req domain.OrderRequest, now time.Time) error {
	for attempt := 1; attempt <= reconcileAttempts; attempt++ {
		res, err := m.gateway.QueryOrder(ctx, req.Symbol, req.ClientOrderID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			// The order never reached the exchange; no exposure exists.
			m.logger.Info("entry order not found on exchange, reverting to flat")
			if err := m.revertFlat(ctx); err != nil {
				return err
			}
			return fmt.Errorf("engine: entry never reached exchange: %w", domain.ErrAmbiguousOutcome)
		case err != nil:
			m.logger.Warn("entry reconciliation query failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		case res.Outcome == domain.OutcomeConfirmed:
			return m.commitOpen(ctx, res.Fill, now)
		case res.Outcome == domain.OutcomeRejected:
			if err := m.revertFlat(ctx); err != nil {
				return err
			}
			return fmt.Errorf("engine: entry %s: %w", res.Reason, domain.ErrOrderRejected)
		}
		if !sleepCtx(ctx, reconcileDelay) {
			return ctx.Err()
		}
	}

	// The order's fate is still unknown; the position ledger is the last word.
	exch, err := m.gateway.GetPosition(ctx, m.symbol)
	if err != nil {
		return m.park(ctx, fmt.Errorf("entry unresolved and position query failed: %w", err))
	}
	if exch.Side() == m.pos.Side && exch.Quantity != 0 {
		fill := domain.OrderFill{
			ClientOrderID: req.ClientOrderID,
			AvgPrice:      exch.EntryPrice,
			Quantity:      absQty(exch.Quantity),
			FilledAt:      now,
		}
		m.logger.Warn("adopting exchange position after unresolved entry",
			slog.Float64("entry_price", exch.EntryPrice),
			slog.Float64("quantity", fill.Quantity),
		)
		return m.commitOpen(ctx, fill, now)
	}
	if exch.Side() == domain.SideFlat {
		m.logger.Info("exchange flat after unresolved entry, reverting to flat")
		if err := m.revertFlat(ctx); err != nil {
			return err
		}
		return fmt.Errorf("engine: entry resolved to no fill: %w", domain.ErrAmbiguousOutcome)
	}
	return m.park(ctx, fmt.Errorf("exchange shows unexpected %s exposure", exch.Side()))
}

// reconcileClosing resolves an exit order whose submission outcome is
// unknown. Closing without confirmation is never assumed: if the exchange
// still shows the position, it stays open and the next cycle retries.
func (m *Machine) reconcileClosing(ctx context.Context, req domain.OrderRequest, reason domain.CloseReason, now time.Time) (domain.TradeRecord, error) {
	for attempt := 1; attempt <= reconcileAttempts; attempt++ {
		res, err := m.gateway.QueryOrder(ctx, req.Symbol, req.ClientOrderID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			m.logger.Info("exit order not found on exchange, staying open")
			reverted := m.pos
			reverted.Status = domain.StatusOpen
			if err := m.save(ctx, reverted); err != nil {
				return domain.TradeRecord{}, fmt.Errorf("engine: persist open revert: %w", err)
			}
			m.pos = reverted
			return domain.TradeRecord{}, fmt.Errorf("engine: exit never reached exchange: %w", domain.ErrAmbiguousOutcome)
		case err != nil:
			m.logger.Warn("exit reconciliation query failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		case res.Outcome == domain.OutcomeConfirmed:
			return m.commitClose(ctx, res.Fill.AvgPrice, reason, now)
		case res.Outcome == domain.OutcomeRejected:
			reverted := m.pos
			reverted.Status = domain.StatusOpen
			if err := m.save(ctx, reverted); err != nil {
				return domain.TradeRecord{}, fmt.Errorf("engine: persist open revert: %w", err)
			}
			m.pos = reverted
			return domain.TradeRecord{}, fmt.Errorf("engine: exit %s: %w", res.Reason, domain.ErrOrderRejected)
		}
		if !sleepCtx(ctx, reconcileDelay) {
			return domain.TradeRecord{}, ctx.Err()
		}
	}

	exch, err := m.gateway.GetPosition(ctx, m.symbol)
	if err != nil {
		return domain.TradeRecord{}, m.park(ctx, fmt.Errorf("exit unresolved and position query failed: %w", err))
	}
	if exch.Side() == domain.SideFlat {
		// The exit did fill, only the confirmation was lost. The exact fill
		// price is unavailable, so the current mark price stands in.
		exit := exch.MarkPrice
		if exit <= 0 {
			if exit, err = m.gateway.GetMarkPrice(ctx, m.symbol); err != nil {
				exit = m.pos.EntryPrice
			}
		}
		m.logger.Warn("exchange flat after unresolved exit, settling at mark price",
			slog.Float64("exit_price", exit),
		)
		return m.commitClose(ctx, exit, reason, now)
	}
	if exch.Side() == m.pos.Side {
		m.logger.Info("exchange still holds position after unresolved exit, staying open")
		reverted := m.pos
		reverted.Status = domain.StatusOpen
		if err := m.save(ctx, reverted); err != nil {
			return domain.TradeRecord{}, fmt.Errorf("engine: persist open revert: %w", err)
		}
		m.pos = reverted
		return domain.TradeRecord{}, fmt.Errorf("engine: exit unresolved: %w", domain.ErrAmbiguousOutcome)
	}
	return domain.TradeRecord{}, m.park(ctx, fmt.Errorf("exchange shows unexpected %s exposure", exch.Side()))
}

// verifyOpen cross-checks a persisted open position against the exchange at
// startup. A position the exchange no longer holds is settled at the current
// mark price rather than traded against; opposite exposure parks the machine
// so no further orders can stack on top of it.
func (m *Machine) verifyOpen(ctx context.Context) error {
	exch, err := m.gateway.GetPosition(ctx, m.symbol)
	if err != nil {
		m.logger.Warn("could not verify open position at startup", slog.String("error", err.Error()))
		return nil
	}
	if exch.Side() == m.pos.Side {
		if qty := absQty(exch.Quantity); qty != m.pos.Quantity {
			m.logger.Warn("adjusting quantity to exchange value",
				slog.Float64("local", m.pos.Quantity),
				slog.Float64("exchange", qty),
			)
			adjusted := m.pos
			adjusted.Quantity = qty
			if err := m.save(ctx, adjusted); err != nil {
				return fmt.Errorf("engine: persist quantity adjustment: %w", err)
			}
			m.pos = adjusted
		}
		return nil
	}

	if exch.Side() != domain.SideFlat {
		// Opposite exposure means a transition went wrong somewhere.
		// Settling here would strand a live position on the exchange.
		return m.park(ctx, fmt.Errorf("exchange shows unexpected %s exposure", exch.Side()))
	}

	m.logger.Warn("exchange no longer holds the persisted position, settling",
		slog.String("local_side", string(m.pos.Side)),
	)
	exit := exch.MarkPrice
	if exit <= 0 {
		if exit, err = m.gateway.GetMarkPrice(ctx, m.symbol); err != nil {
			exit = m.pos.EntryPrice
		}
	}
	if _, err := m.commitClose(ctx, exit, domain.CloseReasonManual, time.Now().UTC()); err != nil {
		return err
	}
	return nil
}

// recoverParked attempts to resolve a closed_error position at startup by
// trusting the exchange's position ledger.
func (m *Machine) recoverParked(ctx context.Context) error {
	exch, err := m.gateway.GetPosition(ctx, m.symbol)
	if err != nil {
		m.logger.Error("parked position could not be reconciled, staying parked",
			slog.String("error", err.Error()),
		)
		return nil
	}

	if exch.Side() == domain.SideFlat {
		m.logger.Info("exchange flat, recovering parked position to flat")
		return m.revertFlat(ctx)
	}

	// The exchange holds exposure; adopt it as an open position so the risk
	// guards apply again.
	recovered := m.pos
	recovered.Side = exch.Side()
	recovered.Status = domain.StatusOpen
	recovered.Quantity = absQty(exch.Quantity)
	recovered.EntryPrice = exch.EntryPrice
	recovered.StopLossPrice = m.risk.StopForEntry(recovered.Side, exch.EntryPrice)
	recovered.TrailingStopPrice = 0
	recovered.BestPrice = exch.EntryPrice
	recovered.OpenedAt = time.Now().UTC()
	if hold := m.risk.MaxHolding(); hold > 0 {
		recovered.MaxHoldUntil = recovered.OpenedAt.Add(hold)
	}
	if err := m.save(ctx, recovered); err != nil {
		return fmt.Errorf("engine: persist recovered position: %w", err)
	}
	m.pos = recovered
	m.logger.Warn("adopted exchange position while recovering from parked state",
		slog.String("side", string(recovered.Side)),
		slog.Float64("quantity", recovered.Quantity),
		slog.Float64("entry_price", recovered.EntryPrice),
	)
	return nil
}

// commitOpen finalizes a confirmed entry fill.
func (m *Machine) commitOpen(ctx context.Context, fill domain.OrderFill, now time.Time) error {
	next := m.pos
	next.Status = domain.StatusOpen
	next.EntryPrice = fill.AvgPrice
	if fill.Quantity > 0 {
		next.Quantity = fill.Quantity
	}
	next.OpenedAt = now
	next.StopLossPrice = m.risk.StopForEntry(next.Side, fill.AvgPrice)
	next.TrailingStopPrice = 0
	next.BestPrice = fill.AvgPrice
	if hold := m.risk.MaxHolding(); hold > 0 {
		next.MaxHoldUntil = now.Add(hold)
	} else {
		next.MaxHoldUntil = time.Time{}
	}
	if err := m.save(ctx, next); err != nil {
		return fmt.Errorf("engine: persist open: %w", err)
	}
	m.pos = next

	m.logger.Info("position opened",
		slog.String("side", string(next.Side)),
		slog.Float64("entry_price", next.EntryPrice),
		slog.Float64("quantity", next.Quantity),
		slog.Float64("stop_loss", next.StopLossPrice),
		slog.Int64("epoch", next.Epoch),
	)
	m.notify(ctx, EventPositionOpened, "Position opened",
		fmt.Sprintf("%s %s %.6f @ %.4f (stop %.4f)",
			m.symbol, next.Side, next.Quantity, next.EntryPrice, next.StopLossPrice))
	return nil
}

// commitClose finalizes a confirmed exit at the given price: the trade record
// is appended, then the position returns to flat.
func (m *Machine) commitClose(ctx context.Context, exitPrice float64, reason domain.CloseReason, now time.Time) (domain.TradeRecord, error) {
	rec := domain.TradeRecord{
		ID:          uuid.New().String(),
		Symbol:      m.symbol,
		Strategy:    m.pos.Strategy,
		Side:        m.pos.Side,
		Quantity:    m.pos.Quantity,
		EntryPrice:  m.pos.EntryPrice,
		ExitPrice:   exitPrice,
		RealizedPnL: m.pos.UnrealizedPnL(exitPrice),
		CloseReason: reason,
		OpenedAt:    m.pos.OpenedAt,
		ClosedAt:    now,
	}
	if err := m.trades.Append(ctx, rec); err != nil {
		// Trade history is secondary to position consistency; log and go on.
		m.logger.Error("trade record append failed", slog.String("error", err.Error()))
	}

	if err := m.revertFlat(ctx); err != nil {
		return rec, err
	}

	m.logger.Info("position closed",
		slog.String("side", string(rec.Side)),
		slog.String("reason", string(reason)),
		slog.Float64("exit_price", exitPrice),
		slog.Float64("realized_pnl", rec.RealizedPnL),
	)
	event := EventPositionClosed
	if reason == domain.CloseReasonStopLoss {
		event = EventStopLoss
	}
	m.notify(ctx, event, "Position closed",
		fmt.Sprintf("%s %s %.6f @ %.4f, PnL %.4f (%s)",
			m.symbol, rec.Side, rec.Quantity, exitPrice, rec.RealizedPnL, reason))
	return rec, nil
}

// revertFlat clears exposure state back to flat, preserving the epoch.
func (m *Machine) revertFlat(ctx context.Context) error {
	next := domain.NewFlatPosition(m.symbol)
	next.Epoch = m.pos.Epoch
	if err := m.save(ctx, next); err != nil {
		return fmt.Errorf("engine: persist flat: %w", err)
	}
	m.pos = next
	return nil
}

// park marks the position closed_error. Automated trading halts until an
// operator or a restart reconciliation resolves it.
func (m *Machine) park(ctx context.Context, cause error) error {
	m.logger.Error("parking position, manual reconciliation required",
		slog.String("cause", cause.Error()),
	)
	next := m.pos
	next.Status = domain.StatusClosedError
	if err := m.save(ctx, next); err != nil {
		m.logger.Error("could not persist parked state", slog.String("error", err.Error()))
	}
	m.pos = next
	m.notify(ctx, EventError, "Position parked",
		fmt.Sprintf("%s requires manual reconciliation: %v", m.symbol, cause))
	return fmt.Errorf("engine: %v: %w", cause, domain.ErrPositionParked)
}

func (m *Machine) orderFor(side domain.PositionSide, qty float64, purpose orderPurpose) domain.OrderRequest {
	return domain.OrderRequest{
		Symbol:        m.symbol,
		Side:          domain.OrderSideFor(side),
		Quantity:      qty,
		ClientOrderID: ClientOrderID(m.symbol, m.pos.Epoch, purpose),
		ReduceOnly:    purpose == purposeClose,
	}
}

func (m *Machine) save(ctx context.Context, pos domain.Position) error {
	pos.UpdatedAt = time.Now().UTC()
	return m.positions.Save(ctx, pos)
}

func (m *Machine) notify(ctx context.Context, event, title, message string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, event, title, message); err != nil {
		m.logger.Warn("notification failed", slog.String("error", err.Error()))
	}
}

func absQty(q float64) float64 {
	if q < 0 {
		return -q
	}
	return q
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
