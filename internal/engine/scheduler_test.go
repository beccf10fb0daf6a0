package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantara-dev/perpbot/internal/domain"
	"github.com/quantara-dev/perpbot/internal/risk"
	"github.com/quantara-dev/perpbot/internal/strategy"
)

// stubStrategy returns a fixed signal for every evaluation, after an
// optional delay that stands in for a slow exchange round-trip.
type stubStrategy struct {
	sig   domain.Signal
	err   error
	delay time.Duration
}

var _ strategy.Strategy = (*stubStrategy)(nil)

func (s *stubStrategy) Name() string { return "stub" }

func (s *stubStrategy) Evaluate(candles []domain.Candle, pos domain.Position) (domain.Signal, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.sig, s.err
}

type memStatusStore struct {
	mu   sync.Mutex
	outs []domain.CycleOutcome
}

var _ domain.StatusStore = (*memStatusStore)(nil)

func (s *memStatusStore) Append(ctx context.Context, out domain.CycleOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outs = append(s.outs, out)
	return nil
}

func (s *memStatusStore) ListRecent(ctx context.Context, limit int) ([]domain.CycleOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.CycleOutcome(nil), s.outs...), nil
}

func (s *memStatusStore) all() []domain.CycleOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.CycleOutcome(nil), s.outs...)
}

type memBus struct {
	mu   sync.Mutex
	outs []domain.CycleOutcome
}

var _ domain.OutcomeBus = (*memBus)(nil)

func (b *memBus) Publish(ctx context.Context, out domain.CycleOutcome) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outs = append(b.outs, out)
	return nil
}

func (b *memBus) Tail(ctx context.Context, lastID string, block time.Duration) ([]domain.CycleOutcome, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.CycleOutcome(nil), b.outs...), lastID, nil
}

func testCandles(n int, price float64) []domain.Candle {
	out := make([]domain.Candle, n)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = domain.Candle{
			OpenTime:  base.Add(time.Duration(i) * time.Minute),
			CloseTime: base.Add(time.Duration(i+1) * time.Minute),
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
		}
	}
	return out
}

func newTestScheduler(gw *fakeGateway, sig domain.Signal) (*Scheduler, *Machine, *memStatusStore, *memBus) {
	m, _, _, _ := newTestMachine(gw)
	statuses := &memStatusStore{}
	bus := &memBus{}
	s := NewScheduler(
		SchedulerConfig{
			Symbol:        testSymbol,
			Interval:      "5m",
			CandleLimit:   100,
			CycleInterval: time.Minute,
		},
		m, &stubStrategy{sig: sig}, testRiskEngine(), gw, statuses, bus, nil, testLogger(),
	)
	return s, m, statuses, bus
}

func TestRunCycleHold(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{markPrice: 50000, balance: 10000, candles: testCandles(30, 50000)}
	s, _, statuses, bus := newTestScheduler(gw, domain.Signal{Action: domain.ActionHold})

	out := s.RunCycle(context.Background())

	assert.Equal(t, domain.CycleActionNone, out.Action)
	assert.Equal(t, domain.ActionHold, out.Signal)
	assert.InDelta(t, 50000, out.Price, 1e-9)
	assert.InDelta(t, 10000, out.Balance, 1e-9)
	assert.NotEmpty(t, out.ID)

	// Every cycle lands in the status log and on the bus.
	require.Len(t, statuses.all(), 1)
	assert.Equal(t, out.ID, statuses.all()[0].ID)
	require.Len(t, bus.outs, 1)
}

func TestRunCycleEntersOnSignal(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{markPrice: 50000, balance: 10000, candles: testCandles(30, 50000)}
	s, m, _, _ := newTestScheduler(gw, domain.Signal{Action: domain.ActionEnterLong})

	out := s.RunCycle(context.Background())

	assert.Equal(t, domain.CycleActionOpened, out.Action)
	pos := m.Position()
	assert.Equal(t, domain.StatusOpen, pos.Status)
	assert.Equal(t, domain.SideLong, pos.Side)
}

func TestRunCycleRiskPreemptsStrategy(t *testing.T) {
	t.Parallel()

	// The strategy wants to enter short while the stop-loss on the open long
	// has been breached; the risk exit wins and no new entry happens.
	gw := &fakeGateway{markPrice: 50000, balance: 10000, candles: testCandles(30, 48000)}
	s, m, _, _ := newTestScheduler(gw, domain.Signal{Action: domain.ActionEnterShort})
	openLong(t, m) // entry 50000, stop 49000

	gw.mu.Lock()
	gw.markPrice = 48000
	gw.mu.Unlock()

	out := s.RunCycle(context.Background())

	assert.Equal(t, domain.CycleActionClosed, out.Action)
	assert.Equal(t, string(domain.CloseReasonStopLoss), out.Reason)
	assert.Equal(t, domain.StatusFlat, m.Position().Status)
	assert.Len(t, gw.submits, 2, "only the risk exit was submitted, no short entry")
}

func TestRunCycleExitsOnSignal(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{markPrice: 50000, balance: 10000, candles: testCandles(30, 50000)}
	s, m, _, _ := newTestScheduler(gw, domain.Signal{Action: domain.ActionExit})
	openLong(t, m)

	out := s.RunCycle(context.Background())

	assert.Equal(t, domain.CycleActionClosed, out.Action)
	assert.Equal(t, string(domain.CloseReasonSignal), out.Reason)
	assert.Equal(t, domain.StatusFlat, m.Position().Status)
}

func TestRunCycleReversesOnSignal(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{markPrice: 50000, balance: 10000, candles: testCandles(30, 50000)}
	s, m, _, _ := newTestScheduler(gw, domain.Signal{Action: domain.ActionReverse})
	openLong(t, m)

	out := s.RunCycle(context.Background())

	assert.Equal(t, domain.CycleActionReversed, out.Action)
	pos := m.Position()
	assert.Equal(t, domain.StatusOpen, pos.Status)
	assert.Equal(t, domain.SideShort, pos.Side)
}

func TestRunCycleSkipsWhilePreviousRuns(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{markPrice: 50000, balance: 10000, candles: testCandles(30, 50000)}
	s, _, statuses, _ := newTestScheduler(gw, domain.Signal{Action: domain.ActionHold})

	s.cycleMu.Lock()
	out := s.RunCycle(context.Background())
	s.cycleMu.Unlock()

	assert.Equal(t, domain.CycleActionSkipped, out.Action)
	assert.Equal(t, "previous cycle still running", out.Reason)
	require.Len(t, statuses.all(), 1, "skipped cycles are still recorded")
}

func TestRunSkipsOverdueTicks(t *testing.T) {
	t.Parallel()

	// Cycles take three ticker intervals, so most ticks come due while a
	// cycle is in flight. They must be skipped and recorded, never queued.
	gw := &fakeGateway{markPrice: 50000, balance: 10000, candles: testCandles(30, 50000)}
	m, _, _, _ := newTestMachine(gw)
	statuses := &memStatusStore{}
	slow := &stubStrategy{sig: domain.Signal{Action: domain.ActionHold}, delay: 120 * time.Millisecond}
	s := NewScheduler(
		SchedulerConfig{Symbol: testSymbol, Interval: "5m", CandleLimit: 100, CycleInterval: 40 * time.Millisecond},
		m, slow, testRiskEngine(), gw, statuses, nil, nil, testLogger(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Run(ctx), context.DeadlineExceeded)

	var executed, skipped int
	for _, out := range statuses.all() {
		if out.Action == domain.CycleActionSkipped && out.Reason == "previous cycle still running" {
			skipped++
		} else {
			executed++
		}
	}
	assert.GreaterOrEqual(t, skipped, 1, "overdue ticks are recorded as skipped")
	assert.LessOrEqual(t, executed, 6, "ticks never queue up behind a slow cycle")
}

func TestRunCycleSkipsWhenParked(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{markPrice: 50000, balance: 10000, candles: testCandles(30, 50000)}
	s, m, _, _ := newTestScheduler(gw, domain.Signal{Action: domain.ActionEnterLong})
	m.pos.Status = domain.StatusClosedError

	out := s.RunCycle(context.Background())

	assert.Equal(t, domain.CycleActionSkipped, out.Action)
	assert.Zero(t, gw.submitCalls)
}

func TestRunCycleCandleFetchError(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{candlesErr: errors.New("rate limited")}
	s, _, statuses, _ := newTestScheduler(gw, domain.Signal{Action: domain.ActionHold})

	out := s.RunCycle(context.Background())

	assert.Equal(t, domain.CycleActionError, out.Action)
	assert.Equal(t, "fetch candles", out.Reason)
	assert.NotEmpty(t, out.Err)
	require.Len(t, statuses.all(), 1)
}

func TestRunCycleSkipsOnEmptyCandles(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{markPrice: 50000, balance: 10000}
	s, _, _, _ := newTestScheduler(gw, domain.Signal{Action: domain.ActionEnterLong})

	out := s.RunCycle(context.Background())
	assert.Equal(t, domain.CycleActionSkipped, out.Action)
	assert.Zero(t, gw.submitCalls)
}

func TestRunCycleSkipsUndersizedEntry(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{markPrice: 50000, balance: 10000, candles: testCandles(30, 50000)}
	undersized := risk.NewEngine(risk.Config{
		FixedQuantity: 0.0001, // below the 0.001 minimum
		SLPercentage:  0.02,
		Filters:       domain.SymbolFilters{StepSize: 0.0001, MinQuantity: 0.001},
	}, testLogger())
	s := NewScheduler(
		SchedulerConfig{Symbol: testSymbol, Interval: "5m", CandleLimit: 100, CycleInterval: time.Minute},
		NewMachine(testSymbol, gw, newMemPositionStore(), &memTradeStore{}, undersized, nil, testLogger()),
		&stubStrategy{sig: domain.Signal{Action: domain.ActionEnterLong}},
		undersized, gw, nil, nil, nil, testLogger(),
	)

	out := s.RunCycle(context.Background())

	assert.Equal(t, domain.CycleActionSkipped, out.Action)
	assert.Zero(t, gw.submitCalls, "an undersized entry never reaches the exchange")
}

func TestCurrentPriceFallsBackToLastClose(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{
		markErr: errors.New("rest timeout"),
		balance: 10000,
		candles: testCandles(30, 49750),
	}
	s, _, _, _ := newTestScheduler(gw, domain.Signal{Action: domain.ActionHold})

	out := s.RunCycle(context.Background())
	assert.InDelta(t, 49750, out.Price, 1e-9)
}

