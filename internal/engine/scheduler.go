package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantara-dev/perpbot/internal/domain"
	"github.com/quantara-dev/perpbot/internal/risk"
	"github.com/quantara-dev/perpbot/internal/strategy"
)

// SchedulerConfig are the fixed parameters of the decision loop.
type SchedulerConfig struct {
	Symbol      string
	Interval    string
	CandleLimit int
	// CycleInterval is the spacing between decision cycles.
	CycleInterval time.Duration
	// FlattenOnShutdown closes any open position when the loop stops.
	FlattenOnShutdown bool
}

// Scheduler runs the decision loop: every CycleInterval it fetches candles,
// applies risk checks, evaluates the strategy, and executes the resulting
// transition through the Machine. Cycles never overlap; a tick that arrives
// while the previous cycle is still running is skipped and recorded as such.
type Scheduler struct {
	cfg      SchedulerConfig
	machine  *Machine
	strat    strategy.Strategy
	riskEng  *risk.Engine
	gateway  domain.Gateway
	statuses domain.StatusStore
	bus      domain.OutcomeBus
	prices   domain.PriceCache
	logger   *slog.Logger

	cycleMu sync.Mutex
}

// NewScheduler wires the decision loop. statuses, bus, and prices may be nil
// when the corresponding backend is not configured.
func NewScheduler(
	cfg SchedulerConfig,
	machine *Machine,
	strat strategy.Strategy,
	riskEng *risk.Engine,
	gateway domain.Gateway,
	statuses domain.StatusStore,
	bus domain.OutcomeBus,
	prices domain.PriceCache,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		machine:  machine,
		strat:    strat,
		riskEng:  riskEng,
		gateway:  gateway,
		statuses: statuses,
		bus:      bus,
		prices:   prices,
		logger:   logger.With(slog.String("component", "scheduler"), slog.String("symbol", cfg.Symbol)),
	}
}

// Run resumes the persisted position, clears stray orders, then executes one
// cycle immediately and further cycles on the ticker until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler starting",
		slog.String("strategy", s.strat.Name()),
		slog.Duration("cycle_interval", s.cfg.CycleInterval),
		slog.String("candle_interval", s.cfg.Interval),
	)

	if err := s.machine.Resume(ctx); err != nil {
		return err
	}
	if err := s.gateway.CancelAllOrders(ctx, s.cfg.Symbol); err != nil {
		s.logger.Warn("startup order cleanup failed", slog.String("error", err.Error()))
	}

	s.RunCycle(ctx)

	ticker := time.NewTicker(s.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-ticker.C:
			// Each tick runs detached so an overdue tick hits the overlap
			// guard and is recorded as skipped instead of queueing behind
			// a slow cycle.
			go s.RunCycle(ctx)
		}
	}
}

// RunCycle executes a single decision cycle. If another cycle is still in
// flight the call returns immediately with a skipped outcome; a slow exchange
// must never stack transitions.
func (s *Scheduler) RunCycle(ctx context.Context) domain.CycleOutcome {
	if !s.cycleMu.TryLock() {
		out := s.newOutcome()
		out.Action = domain.CycleActionSkipped
		out.Reason = "previous cycle still running"
		s.logger.Warn("cycle skipped, previous still running")
		s.record(ctx, out)
		return out
	}
	defer s.cycleMu.Unlock()

	out := s.cycle(ctx)
	s.record(ctx, out)
	return out
}

func (s *Scheduler) newOutcome() domain.CycleOutcome {
	return domain.CycleOutcome{
		ID:        uuid.New().String(),
		Symbol:    s.cfg.Symbol,
		Strategy:  s.strat.Name(),
		StartedAt: time.Now().UTC(),
	}
}

// cycle is one pass through the decision pipeline. Order matters: risk
// guards run before the strategy and preempt its recommendation.
func (s *Scheduler) cycle(ctx context.Context) (out domain.CycleOutcome) {
	out = s.newOutcome()
	defer func() { out.Elapsed = time.Since(out.StartedAt) }()

	if s.machine.Parked() {
		out.Action = domain.CycleActionSkipped
		out.Reason = "position parked, manual reconciliation required"
		return out
	}

	candles, err := s.gateway.GetCandles(ctx, s.cfg.Symbol, s.cfg.Interval, s.cfg.CandleLimit)
	if err != nil {
		return s.fail(out, "fetch candles", err)
	}
	if len(candles) == 0 {
		out.Action = domain.CycleActionSkipped
		out.Reason = "no candles returned"
		return out
	}

	price := s.currentPrice(ctx, candles)
	out.Price = price

	if balance, err := s.gateway.GetBalance(ctx); err == nil {
		out.Balance = balance
	}

	// Risk guards first. An armed stop closes the position regardless of
	// what the strategy would say this cycle.
	pos, err := s.machine.UpdateStops(ctx, price)
	if err != nil {
		return s.fail(out, "update trailing stop", err)
	}
	now := time.Now().UTC()
	if pos.Status == domain.StatusOpen {
		if reason, hit := s.riskEng.CheckExit(pos, price, now); hit {
			if _, err := s.machine.Close(ctx, reason, now); err != nil {
				return s.fail(out, "risk exit", err)
			}
			out.Action = domain.CycleActionClosed
			out.Reason = string(reason)
			return out
		}
	}

	sig, err := s.strat.Evaluate(candles, s.machine.Position())
	if err != nil {
		return s.fail(out, "evaluate strategy", err)
	}
	out.Signal = sig.Action
	out.RSI = sig.Indicators.RSI

	switch sig.Action {
	case domain.ActionHold:
		out.Action = domain.CycleActionNone

	case domain.ActionEnterLong, domain.ActionEnterShort:
		side := sig.EntrySide(s.machine.Position().Side)
		if err := s.machine.Open(ctx, side, s.strat.Name(), now); err != nil {
			if errors.Is(err, domain.ErrQuantityBelowMinimum) {
				out.Action = domain.CycleActionSkipped
				out.Reason = err.Error()
				return out
			}
			return s.fail(out, "open position", err)
		}
		out.Action = domain.CycleActionOpened
		out.Reason = string(sig.Action)

	case domain.ActionExit:
		if _, err := s.machine.Close(ctx, domain.CloseReasonSignal, now); err != nil {
			return s.fail(out, "close position", err)
		}
		out.Action = domain.CycleActionClosed
		out.Reason = string(domain.CloseReasonSignal)

	case domain.ActionReverse:
		if err := s.machine.Reverse(ctx, s.strat.Name(), now); err != nil {
			return s.fail(out, "reverse position", err)
		}
		out.Action = domain.CycleActionReversed

	default:
		out.Action = domain.CycleActionNone
	}
	return out
}

// currentPrice prefers the live mark price; the websocket cache and last
// candle close are fallbacks so a REST hiccup does not blind the risk checks.
func (s *Scheduler) currentPrice(ctx context.Context, candles []domain.Candle) float64 {
	price, err := s.gateway.GetMarkPrice(ctx, s.cfg.Symbol)
	if err == nil && price > 0 {
		return price
	}
	s.logger.Warn("mark price fetch failed, falling back", slog.String("error", errString(err)))

	if s.prices != nil {
		cached, ts, cerr := s.prices.GetPrice(ctx, s.cfg.Symbol)
		if cerr == nil && cached > 0 && time.Since(ts) < s.cfg.CycleInterval {
			return cached
		}
	}
	return candles[len(candles)-1].Close
}

func (s *Scheduler) fail(out domain.CycleOutcome, stage string, err error) domain.CycleOutcome {
	out.Action = domain.CycleActionError
	out.Reason = stage
	out.Err = err.Error()
	s.logger.Error("cycle failed",
		slog.String("stage", stage),
		slog.String("error", err.Error()),
	)
	return out
}

// record writes the outcome to the status log and the outcome bus. Both are
// best-effort; a monitoring failure never blocks trading.
func (s *Scheduler) record(ctx context.Context, out domain.CycleOutcome) {
	s.logger.Info("cycle complete",
		slog.String("signal", string(out.Signal)),
		slog.String("action", string(out.Action)),
		slog.String("reason", out.Reason),
		slog.Float64("price", out.Price),
		slog.Duration("elapsed", out.Elapsed),
	)
	if s.statuses != nil {
		if err := s.statuses.Append(ctx, out); err != nil {
			s.logger.Warn("status append failed", slog.String("error", err.Error()))
		}
	}
	if s.bus != nil {
		if err := s.bus.Publish(ctx, out); err != nil {
			s.logger.Warn("outcome publish failed", slog.String("error", err.Error()))
		}
	}
}

// shutdown runs the optional flatten pass with a fresh context, since the run
// context is already cancelled by the time it executes.
func (s *Scheduler) shutdown() {
	// Wait out any in-flight cycle before touching the position.
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	if !s.cfg.FlattenOnShutdown {
		return
	}
	s.logger.Info("flattening position on shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.machine.CloseIfOpen(ctx, time.Now().UTC()); err != nil {
		s.logger.Error("shutdown flatten failed", slog.String("error", err.Error()))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
