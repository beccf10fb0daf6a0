package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantara-dev/perpbot/internal/domain"
	"github.com/quantara-dev/perpbot/internal/risk"
)

const testSymbol = "BTCUSDT"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGateway is a scriptable exchange. Query and submit behavior is driven
// by the optional function fields, keyed by call number (1-based); the zero
// value answers every query with ErrNotFound and confirms every submission at
// the configured mark price.
type fakeGateway struct {
	mu sync.Mutex

	markPrice  float64
	markErr    error
	balance    float64
	balanceErr error
	candles    []domain.Candle
	candlesErr error
	pos        domain.ExchangePosition
	posErr     error
	cancelErr  error

	queryFn  func(call int, clientOrderID string) (domain.SubmitResult, error)
	submitFn func(call int, req domain.OrderRequest) (domain.SubmitResult, error)

	queryCalls  int
	queriedIDs  []string
	submitCalls int
	submits     []domain.OrderRequest
	cancelCalls int
}

var _ domain.Gateway = (*fakeGateway)(nil)

func (g *fakeGateway) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.candles, g.candlesErr
}

func (g *fakeGateway) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.markPrice, g.markErr
}

func (g *fakeGateway) GetBalance(ctx context.Context) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balance, g.balanceErr
}

func (g *fakeGateway) GetPosition(ctx context.Context, symbol string) (domain.ExchangePosition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pos, g.posErr
}

func (g *fakeGateway) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.SubmitResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitCalls++
	g.submits = append(g.submits, req)
	if g.submitFn != nil {
		return g.submitFn(g.submitCalls, req)
	}
	return domain.SubmitResult{
		Outcome: domain.OutcomeConfirmed,
		Fill: domain.OrderFill{
			ClientOrderID: req.ClientOrderID,
			AvgPrice:      g.markPrice,
			Quantity:      req.Quantity,
			FilledAt:      time.Now().UTC(),
		},
	}, nil
}

func (g *fakeGateway) QueryOrder(ctx context.Context, symbol, clientOrderID string) (domain.SubmitResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queryCalls++
	g.queriedIDs = append(g.queriedIDs, clientOrderID)
	if g.queryFn != nil {
		return g.queryFn(g.queryCalls, clientOrderID)
	}
	return domain.SubmitResult{}, domain.ErrNotFound
}

func (g *fakeGateway) CancelAllOrders(ctx context.Context, symbol string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelCalls++
	return g.cancelErr
}

// memPositionStore records every Save in order, on top of the current
// snapshot.
type memPositionStore struct {
	mu    sync.Mutex
	saves []domain.Position
	cur   map[string]domain.Position
}

var _ domain.PositionStore = (*memPositionStore)(nil)

func newMemPositionStore() *memPositionStore {
	return &memPositionStore{cur: make(map[string]domain.Position)}
}

func (s *memPositionStore) Save(ctx context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, pos)
	s.cur[pos.Symbol] = pos
	return nil
}

func (s *memPositionStore) Load(ctx context.Context, symbol string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.cur[symbol]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (s *memPositionStore) statuses() []domain.PositionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PositionStatus, len(s.saves))
	for i, p := range s.saves {
		out[i] = p.Status
	}
	return out
}

type memTradeStore struct {
	mu   sync.Mutex
	recs []domain.TradeRecord
}

var _ domain.TradeStore = (*memTradeStore)(nil)

func (s *memTradeStore) Append(ctx context.Context, rec domain.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recs {
		if r.ID == rec.ID {
			return nil
		}
	}
	s.recs = append(s.recs, rec)
	return nil
}

func (s *memTradeStore) List(ctx context.Context, symbol string, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.TradeRecord(nil), s.recs...), nil
}

func (s *memTradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TradeRecord
	for _, r := range s.recs {
		if r.ClosedAt.Before(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memTradeStore) SumPnL(ctx context.Context, symbol string, since time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum float64
	for _, r := range s.recs {
		sum += r.RealizedPnL
	}
	return sum, nil
}

func (s *memTradeStore) all() []domain.TradeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.TradeRecord(nil), s.recs...)
}

type memNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *memNotifier) Notify(ctx context.Context, event, title, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func testRiskEngine() *risk.Engine {
	return risk.NewEngine(risk.Config{
		FixedQuantity:         0.01,
		SLPercentage:          0.02,
		TrailingActivationPct: 0.01,
		Filters: domain.SymbolFilters{
			StepSize:    0.001,
			MinQuantity: 0.001,
		},
	}, testLogger())
}

func newTestMachine(gw *fakeGateway) (*Machine, *memPositionStore, *memTradeStore, *memNotifier) {
	positions := newMemPositionStore()
	trades := &memTradeStore{}
	notifier := &memNotifier{}
	m := NewMachine(testSymbol, gw, positions, trades, testRiskEngine(), notifier, testLogger())
	return m, positions, trades, notifier
}

// openLong drives the machine into a confirmed open long at the gateway's
// mark price.
func openLong(t *testing.T, m *Machine) {
	t.Helper()
	require.NoError(t, m.Open(context.Background(), domain.SideLong, "conservative", time.Now().UTC()))
	require.Equal(t, domain.StatusOpen, m.Position().Status)
}

func TestClientOrderID(t *testing.T) {
	t.Parallel()

	id := ClientOrderID("BTCUSDT", 7, purposeOpen)
	assert.Equal(t, "pb-btcusdt-7-open", id)
	assert.Equal(t, id, ClientOrderID("BTCUSDT", 7, purposeOpen), "same inputs must yield the same ID")
	assert.NotEqual(t, id, ClientOrderID("BTCUSDT", 7, purposeClose))
	assert.NotEqual(t, id, ClientOrderID("BTCUSDT", 8, purposeOpen))
	assert.LessOrEqual(t, len(ClientOrderID("BTCUSDT", 1<<40, purposeClose)), 36)
}

func TestOpenConfirmed(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{markPrice: 50000, balance: 10000}
	gw.submitFn = func(call int, req domain.OrderRequest) (domain.SubmitResult, error) {
		return domain.SubmitResult{
			Outcome: domain.OutcomeConfirmed,
			Fill:    domain.OrderFill{AvgPrice: 50010, Quantity: req.Quantity},
		}, nil
	}
	m, positions, _, notifier := newTestMachine(gw)

	now := time.Now().UTC()
	require.NoError(t, m.Open(context.Background(), domain.SideLong, "conservative", now))

	pos := m.Position()
	assert.Equal(t, domain.StatusOpen, pos.Status)
	assert.Equal(t, domain.SideLong, pos.Side)
	assert.InDelta(t, 50010, pos.EntryPrice, 1e-9)
	assert.InDelta(t, 0.01, pos.Quantity, 1e-9)
	assert.InDelta(t, 50010*0.98, pos.StopLossPrice, 1e-6, "stop derives from the fill price, not the quote")
	assert.InDelta(t, 50010, pos.BestPrice, 1e-9)
	assert.EqualValues(t, 1, pos.Epoch)

	require.Len(t, gw.submits, 1)
	req := gw.submits[0]
	assert.Equal(t, "pb-btcusdt-1-open", req.ClientOrderID)
	assert.Equal(t, domain.OrderSideBuy, req.Side)
	assert.False(t, req.ReduceOnly)

	// The opening intent is persisted before the exchange sees anything.
	statuses := positions.statuses()
	require.GreaterOrEqual(t, len(statuses), 2)
	assert.Equal(t, domain.StatusOpening, statuses[0])
	assert.Equal(t, domain.StatusOpen, statuses[len(statuses)-1])

	assert.Contains(t, notifier.events, EventPositionOpened)
}

func TestOpenAdoptsExistingOrder(t *testing.T) {
	t.Parallel()

	// The query-before-submit finds an order from a previous attempt; no new
	// submission happens.
	gw := &fakeGateway{markPrice: 50000, balance: 10000}
	gw.queryFn = func(call int, id string) (domain.SubmitResult, error) {
		return domain.SubmitResult{
			Outcome: domain.OutcomeConfirmed,
			Fill:    domain.OrderFill{ClientOrderID: id, AvgPrice: 49990, Quantity: 0.01},
		}, nil
	}
	m, _, _, _ := newTestMachine(gw)

	require.NoError(t, m.Open(context.Background(), domain.SideLong, "conservative", time.Now().UTC()))

	assert.Zero(t, gw.submitCalls, "an adopted order must not be resubmitted")
	pos := m.Position()
	assert.Equal(t, domain.StatusOpen, pos.Status)
	assert.InDelta(t, 49990, pos.EntryPrice, 1e-9)
}

func TestOpenRejected(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{markPrice: 50000, balance: 10000}
	gw.submitFn = func(call int, req domain.OrderRequest) (domain.SubmitResult, error) {
		return domain.SubmitResult{Outcome: domain.OutcomeRejected, Reason: "margin insufficient"}, nil
	}
	m, _, _, _ := newTestMachine(gw)

	err := m.Open(context.Background(), domain.SideLong, "conservative", time.Now().UTC())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrOrderRejected)

	pos := m.Position()
	assert.Equal(t, domain.StatusFlat, pos.Status)
	assert.EqualValues(t, 1, pos.Epoch, "the consumed epoch is not reused")
}

func TestOpenUnknownResolvesByQuery(t *testing.T) {
	t.Parallel()

	// Submission times out; the reconciliation poll finds the order filled.
	gw := &fakeGateway{markPrice: 50000, balance: 10000}
	gw.submitFn = func(call int, req domain.OrderRequest) (domain.SubmitResult, error) {
		return domain.SubmitResult{Outcome: domain.OutcomeUnknown}, nil
	}
	gw.queryFn = func(call int, id string) (domain.SubmitResult, error) {
		if call == 1 {
			return domain.SubmitResult{}, domain.ErrNotFound
		}
		return domain.SubmitResult{
			Outcome: domain.OutcomeConfirmed,
			Fill:    domain.OrderFill{ClientOrderID: id, AvgPrice: 50005, Quantity: 0.01},
		}, nil
	}
	m, _, _, _ := newTestMachine(gw)

	require.NoError(t, m.Open(context.Background(), domain.SideLong, "conservative", time.Now().UTC()))

	pos := m.Position()
	assert.Equal(t, domain.StatusOpen, pos.Status)
	assert.InDelta(t, 50005, pos.EntryPrice, 1e-9)
	assert.GreaterOrEqual(t, gw.queryCalls, 2)
}

func TestOpenUnknownNeverReachedExchange(t *testing.T) {
	t.Parallel()

	// Submission errors out; the order is nowhere to be found, so no exposure
	// exists and the position safely reverts.
	gw := &fakeGateway{markPrice: 50000, balance: 10000}
	gw.submitFn = func(call int, req domain.OrderRequest) (domain.SubmitResult, error) {
		return domain.SubmitResult{Outcome: domain.OutcomeUnknown}, errors.New("dial tcp: timeout")
	}
	m, _, _, _ := newTestMachine(gw)

	err := m.Open(context.Background(), domain.SideLong, "conservative", time.Now().UTC())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAmbiguousOutcome)
	assert.Equal(t, domain.StatusFlat, m.Position().Status)
	assert.False(t, m.Parked())
}

func TestOpenUnknownAdoptsExchangePosition(t *testing.T) {
	t.Parallel()

	// The order's fate never resolves by query, but the exchange ledger shows
	// the fill happened.
	gw := &fakeGateway{
		markPrice: 50000,
		balance:   10000,
		pos:       domain.ExchangePosition{Symbol: testSymbol, Quantity: 0.01, EntryPrice: 50020},
	}
	gw.queryFn = func(call int, id string) (domain.SubmitResult, error) {
		if call == 1 {
			return domain.SubmitResult{}, domain.ErrNotFound
		}
		return domain.SubmitResult{Outcome: domain.OutcomeUnknown}, nil
	}
	gw.submitFn = func(call int, req domain.OrderRequest) (domain.SubmitResult, error) {
		return domain.SubmitResult{Outcome: domain.OutcomeUnknown}, nil
	}
	m, _, _, _ := newTestMachine(gw)

	require.NoError(t, m.Open(context.Background(), domain.SideLong, "conservative", time.Now().UTC()))

	pos := m.Position()
	assert.Equal(t, domain.StatusOpen, pos.Status)
	assert.InDelta(t, 50020, pos.EntryPrice, 1e-9, "fill details come from the exchange ledger")
}

func TestOpenParksWhenExchangeUnreachable(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{
		markPrice: 50000,
		balance:   10000,
		posErr:    errors.New("exchange unavailable"),
	}
	gw.queryFn = func(call int, id string) (domain.SubmitResult, error) {
		if call == 1 {
			return domain.SubmitResult{}, domain.ErrNotFound
		}
		return domain.SubmitResult{Outcome: domain.OutcomeUnknown}, nil
	}
	gw.submitFn = func(call int, req domain.OrderRequest) (domain.SubmitResult, error) {
		return domain.SubmitResult{Outcome: domain.OutcomeUnknown}, nil
	}
	m, _, _, notifier := newTestMachine(gw)

	err := m.Open(context.Background(), domain.SideLong, "conservative", time.Now().UTC())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPositionParked)
	assert.True(t, m.Parked())
	assert.Equal(t, domain.StatusClosedError, m.Position().Status)
	assert.Contains(t, notifier.events, EventError)

	// Every further transition is refused until reconciliation.
	assert.ErrorIs(t, m.Open(context.Background(), domain.SideShort, "conservative", time.Now().UTC()), domain.ErrPositionParked)
}

func TestCloseConfirmed(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{markPrice: 50000, balance: 10000}
	m, _, trades, notifier := newTestMachine(gw)
	openLong(t, m)

	gw.mu.Lock()
	gw.submitFn = func(call int, req domain.OrderRequest) (domain.SubmitResult, error) {
		return domain.SubmitResult{
			Outcome: domain.OutcomeConfirmed,
			Fill:    domain.OrderFill{AvgPrice: 51000, Quantity: req.Quantity},
		}, nil
	}
	gw.mu.Unlock()

	rec, err := m.Close(context.Background(), domain.CloseReasonSignal, time.Now().UTC())
	require.NoError(t, err)

	assert.InDelta(t, (51000-50000)*0.01, rec.RealizedPnL, 1e-6)
	assert.Equal(t, domain.CloseReasonSignal, rec.CloseReason)
	assert.Equal(t, domain.SideLong, rec.Side)

	pos := m.Position()
	assert.Equal(t, domain.StatusFlat, pos.Status)
	assert.EqualValues(t, 1, pos.Epoch)

	require.Len(t, trades.all(), 1)
	assert.NotEmpty(t, trades.all()[0].ID)

	require.Len(t, gw.submits, 2)
	exit := gw.submits[1]
	assert.Equal(t, "pb-btcusdt-1-close", exit.ClientOrderID)
	assert.Equal(t, domain.OrderSideSell, exit.Side)
	assert.True(t, exit.ReduceOnly)

	assert.Contains(t, notifier.events, EventPositionClosed)
}

func TestCloseStopLossNotifiesStopEvent(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{markPrice: 50000, balance: 10000}
	m, _, _, notifier := newTestMachine(gw)
	openLong(t, m)

	_, err := m.Close(context.Background(), domain.CloseReasonStopLoss, time.Now().UTC())
	require.NoError(t, err)
	assert.Contains(t, notifier.events, EventStopLoss)
}

func TestCloseRejectedStaysOpen(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{markPrice: 50000, balance: 10000}
	m, _, trades, _ := newTestMachine(gw)
	openLong(t, m)

	gw.mu.Lock()
	gw.submitFn = func(call int, req domain.OrderRequest) (domain.SubmitResult, error) {
		return domain.SubmitResult{Outcome: domain.OutcomeRejected, Reason: "reduce-only reject"}, nil
	}
	gw.mu.Unlock()

	_, err := m.Close(context.Background(), domain.CloseReasonSignal, time.Now().UTC())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrOrderRejected)

	// The position stays open so the next cycle can retry the exit.
	assert.Equal(t, domain.StatusOpen, m.Position().Status)
	assert.Empty(t, trades.all())
}

func TestCloseUnknownSettlesWhenExchangeFlat(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{markPrice: 50000, balance: 10000}
	m, _, trades, _ := newTestMachine(gw)
	openLong(t, m)

	// The exit times out and never resolves by query, but the exchange shows
	// no exposure left: the fill happened and only its confirmation was lost.
	gw.mu.Lock()
	gw.submitFn = func(call int, req domain.OrderRequest) (domain.SubmitResult, error) {
		return domain.SubmitResult{Outcome: domain.OutcomeUnknown}, nil
	}
	gw.queryFn = func(call int, id string) (domain.SubmitResult, error) {
		return domain.SubmitResult{Outcome: domain.OutcomeUnknown}, nil
	}
	gw.pos = domain.ExchangePosition{Symbol: testSymbol, MarkPrice: 50800}
	gw.mu.Unlock()

	rec, err := m.Close(context.Background(), domain.CloseReasonTrailingStop, time.Now().UTC())
	require.NoError(t, err)
	assert.InDelta(t, 50800, rec.ExitPrice, 1e-9)
	assert.Equal(t, domain.StatusFlat, m.Position().Status)
	require.Len(t, trades.all(), 1)
}

func TestReverse(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{markPrice: 50000, balance: 10000}
	m, _, trades, _ := newTestMachine(gw)
	openLong(t, m)

	require.NoError(t, m.Reverse(context.Background(), "aggressive", time.Now().UTC()))

	pos := m.Position()
	assert.Equal(t, domain.StatusOpen, pos.Status)
	assert.Equal(t, domain.SideShort, pos.Side)
	assert.EqualValues(t, 2, pos.Epoch)

	// The close leg is submitted, and confirmed, before the entry leg.
	require.Len(t, gw.submits, 3)
	assert.Equal(t, "pb-btcusdt-1-close", gw.submits[1].ClientOrderID)
	assert.True(t, gw.submits[1].ReduceOnly)
	assert.Equal(t, "pb-btcusdt-2-open", gw.submits[2].ClientOrderID)
	assert.False(t, gw.submits[2].ReduceOnly)

	recs := trades.all()
	require.Len(t, recs, 1)
	assert.Equal(t, domain.CloseReasonSignal, recs[0].CloseReason)
}

func TestReverseAbortsWhenCloseFails(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{markPrice: 50000, balance: 10000}
	m, _, _, _ := newTestMachine(gw)
	openLong(t, m)

	gw.mu.Lock()
	gw.submitFn = func(call int, req domain.OrderRequest) (domain.SubmitResult, error) {
		return domain.SubmitResult{Outcome: domain.OutcomeRejected, Reason: "nope"}, nil
	}
	gw.mu.Unlock()

	err := m.Reverse(context.Background(), "aggressive", time.Now().UTC())
	require.Error(t, err)

	// No new exposure was attempted: one open, one failed close.
	assert.Len(t, gw.submits, 2)
	pos := m.Position()
	assert.Equal(t, domain.StatusOpen, pos.Status)
	assert.Equal(t, domain.SideLong, pos.Side)
}

func TestUpdateStopsPersistsOnlyOnChange(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{markPrice: 50000, balance: 10000}
	m, positions, _, _ := newTestMachine(gw)
	openLong(t, m)

	before := len(positions.statuses())

	// A price below the best seen so far moves nothing.
	_, err := m.UpdateStops(context.Background(), 49900)
	require.NoError(t, err)
	assert.Len(t, positions.statuses(), before)

	// +1.2% arms the trailing stop and persists.
	pos, err := m.UpdateStops(context.Background(), 50600)
	require.NoError(t, err)
	assert.Greater(t, pos.TrailingStopPrice, 0.0)
	assert.Len(t, positions.statuses(), before+1)
}

func TestResume(t *testing.T) {
	t.Parallel()

	t.Run("no snapshot starts flat", func(t *testing.T) {
		t.Parallel()
		gw := &fakeGateway{markPrice: 50000, balance: 10000}
		m, positions, _, _ := newTestMachine(gw)

		require.NoError(t, m.Resume(context.Background()))
		assert.Equal(t, domain.StatusFlat, m.Position().Status)

		// The initial snapshot is persisted so the next boot finds it.
		_, err := positions.Load(context.Background(), testSymbol)
		assert.NoError(t, err)
	})

	t.Run("opening snapshot reconciles by epoch ID", func(t *testing.T) {
		t.Parallel()
		gw := &fakeGateway{markPrice: 50000, balance: 10000}
		gw.queryFn = func(call int, id string) (domain.SubmitResult, error) {
			return domain.SubmitResult{
				Outcome: domain.OutcomeConfirmed,
				Fill:    domain.OrderFill{ClientOrderID: id, AvgPrice: 50030, Quantity: 0.01},
			}, nil
		}
		m, positions, _, _ := newTestMachine(gw)
		require.NoError(t, positions.Save(context.Background(), domain.Position{
			Symbol:   testSymbol,
			Side:     domain.SideLong,
			Status:   domain.StatusOpening,
			Quantity: 0.01,
			Epoch:    5,
		}))

		require.NoError(t, m.Resume(context.Background()))

		require.NotEmpty(t, gw.queriedIDs)
		assert.Equal(t, "pb-btcusdt-5-open", gw.queriedIDs[0], "the crashed attempt's ID is regenerated, not reinvented")
		pos := m.Position()
		assert.Equal(t, domain.StatusOpen, pos.Status)
		assert.InDelta(t, 50030, pos.EntryPrice, 1e-9)
	})

	t.Run("open snapshot settles when exchange is flat", func(t *testing.T) {
		t.Parallel()
		gw := &fakeGateway{
			markPrice: 50000,
			balance:   10000,
			pos:       domain.ExchangePosition{Symbol: testSymbol, MarkPrice: 51000},
		}
		m, positions, trades, _ := newTestMachine(gw)
		require.NoError(t, positions.Save(context.Background(), domain.Position{
			Symbol:     testSymbol,
			Side:       domain.SideLong,
			Status:     domain.StatusOpen,
			EntryPrice: 50000,
			Quantity:   0.01,
			Epoch:      3,
		}))

		require.NoError(t, m.Resume(context.Background()))

		assert.Equal(t, domain.StatusFlat, m.Position().Status)
		recs := trades.all()
		require.Len(t, recs, 1)
		assert.Equal(t, domain.CloseReasonManual, recs[0].CloseReason)
		assert.InDelta(t, 51000, recs[0].ExitPrice, 1e-9)
	})

	t.Run("open snapshot parks on opposite exchange exposure", func(t *testing.T) {
		t.Parallel()
		gw := &fakeGateway{
			markPrice: 50000,
			balance:   10000,
			pos:       domain.ExchangePosition{Symbol: testSymbol, Quantity: -0.05, EntryPrice: 49800, MarkPrice: 49900},
		}
		m, positions, trades, _ := newTestMachine(gw)
		require.NoError(t, positions.Save(context.Background(), domain.Position{
			Symbol:     testSymbol,
			Side:       domain.SideLong,
			Status:     domain.StatusOpen,
			EntryPrice: 50000,
			Quantity:   0.01,
			Epoch:      3,
		}))

		require.NoError(t, m.Resume(context.Background()))

		assert.True(t, m.Parked())
		assert.Equal(t, domain.StatusClosedError, m.Position().Status)
		assert.Empty(t, trades.all(), "live exposure is never settled away")
	})

	t.Run("open snapshot adjusts quantity to exchange", func(t *testing.T) {
		t.Parallel()
		gw := &fakeGateway{
			markPrice: 50000,
			balance:   10000,
			pos:       domain.ExchangePosition{Symbol: testSymbol, Quantity: 0.008, EntryPrice: 50000},
		}
		m, positions, _, _ := newTestMachine(gw)
		require.NoError(t, positions.Save(context.Background(), domain.Position{
			Symbol:     testSymbol,
			Side:       domain.SideLong,
			Status:     domain.StatusOpen,
			EntryPrice: 50000,
			Quantity:   0.01,
			Epoch:      3,
		}))

		require.NoError(t, m.Resume(context.Background()))
		assert.InDelta(t, 0.008, m.Position().Quantity, 1e-9)
	})

	t.Run("parked recovers to flat when exchange is flat", func(t *testing.T) {
		t.Parallel()
		gw := &fakeGateway{markPrice: 50000, balance: 10000}
		m, positions, _, _ := newTestMachine(gw)
		require.NoError(t, positions.Save(context.Background(), domain.Position{
			Symbol: testSymbol,
			Side:   domain.SideLong,
			Status: domain.StatusClosedError,
			Epoch:  4,
		}))

		require.NoError(t, m.Resume(context.Background()))
		assert.False(t, m.Parked())
		assert.Equal(t, domain.StatusFlat, m.Position().Status)
	})

	t.Run("parked adopts exchange exposure", func(t *testing.T) {
		t.Parallel()
		gw := &fakeGateway{
			markPrice: 50000,
			balance:   10000,
			pos:       domain.ExchangePosition{Symbol: testSymbol, Quantity: -0.02, EntryPrice: 49500},
		}
		m, positions, _, _ := newTestMachine(gw)
		require.NoError(t, positions.Save(context.Background(), domain.Position{
			Symbol: testSymbol,
			Status: domain.StatusClosedError,
			Epoch:  4,
		}))

		require.NoError(t, m.Resume(context.Background()))

		pos := m.Position()
		assert.Equal(t, domain.StatusOpen, pos.Status)
		assert.Equal(t, domain.SideShort, pos.Side)
		assert.InDelta(t, 0.02, pos.Quantity, 1e-9)
		assert.InDelta(t, 49500*1.02, pos.StopLossPrice, 1e-6, "stops are recomputed for the adopted entry")
	})

	t.Run("parked stays parked when exchange unreachable", func(t *testing.T) {
		t.Parallel()
		gw := &fakeGateway{posErr: errors.New("exchange unavailable")}
		m, positions, _, _ := newTestMachine(gw)
		require.NoError(t, positions.Save(context.Background(), domain.Position{
			Symbol: testSymbol,
			Status: domain.StatusClosedError,
			Epoch:  4,
		}))

		require.NoError(t, m.Resume(context.Background()))
		assert.True(t, m.Parked())
	})
}

func TestCloseIfOpen(t *testing.T) {
	t.Parallel()

	t.Run("flattens an open position", func(t *testing.T) {
		t.Parallel()
		gw := &fakeGateway{markPrice: 50000, balance: 10000}
		m, _, trades, _ := newTestMachine(gw)
		openLong(t, m)

		require.NoError(t, m.CloseIfOpen(context.Background(), time.Now().UTC()))
		assert.Equal(t, domain.StatusFlat, m.Position().Status)
		recs := trades.all()
		require.Len(t, recs, 1)
		assert.Equal(t, domain.CloseReasonManual, recs[0].CloseReason)
	})

	t.Run("no-op when flat", func(t *testing.T) {
		t.Parallel()
		gw := &fakeGateway{markPrice: 50000, balance: 10000}
		m, _, _, _ := newTestMachine(gw)
		require.NoError(t, m.CloseIfOpen(context.Background(), time.Now().UTC()))
		assert.Zero(t, gw.submitCalls)
	})
}
