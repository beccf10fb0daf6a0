package domain

import (
	"context"
	"time"
)

// OrderSide indicates whether an order buys or sells.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderSideFor maps a target position side to the order side that opens it.
func OrderSideFor(side PositionSide) OrderSide {
	if side == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// SubmitOutcome is the three-way result of an order submission. Callers must
// treat OutcomeUnknown as "the order may or may not exist" and reconcile
// against the exchange before acting again.
type SubmitOutcome string

const (
	OutcomeConfirmed SubmitOutcome = "confirmed"
	OutcomeRejected  SubmitOutcome = "rejected"
	OutcomeUnknown   SubmitOutcome = "unknown"
)

// OrderRequest describes a market order to submit. ClientOrderID is assigned
// by the caller and must be deterministic so a crash-retry is recognized by
// the exchange as a duplicate rather than a second order.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Quantity      float64
	ClientOrderID string
	ReduceOnly    bool
}

// OrderFill is the confirmed result of a submitted order.
type OrderFill struct {
	OrderID       int64
	ClientOrderID string
	AvgPrice      float64
	Quantity      float64
	FilledAt      time.Time
}

// SubmitResult wraps the outcome of an order submission. Fill is only valid
// when Outcome is OutcomeConfirmed; Reason carries the exchange message on
// rejection.
type SubmitResult struct {
	Outcome SubmitOutcome
	Fill    OrderFill
	Reason  string
}

// ExchangePosition is the exchange's authoritative view of exposure, used for
// reconciliation. Quantity is signed: positive long, negative short, zero flat.
type ExchangePosition struct {
	Symbol     string
	Quantity   float64
	EntryPrice float64
	MarkPrice  float64
}

// Side derives the position side from the signed quantity.
func (p ExchangePosition) Side() PositionSide {
	switch {
	case p.Quantity > 0:
		return SideLong
	case p.Quantity < 0:
		return SideShort
	default:
		return SideFlat
	}
}

// Gateway is the exchange contract the engine executes against. Submission is
// the only call allowed to block for a bounded timeout; on timeout it reports
// OutcomeUnknown rather than an error.
type Gateway interface {
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
	GetBalance(ctx context.Context) (float64, error)
	GetPosition(ctx context.Context, symbol string) (ExchangePosition, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (SubmitResult, error)
	QueryOrder(ctx context.Context, symbol, clientOrderID string) (SubmitResult, error)
	CancelAllOrders(ctx context.Context, symbol string) error
}

// SymbolFilters are the exchange trading rules for a symbol: the quantity
// step orders must be a multiple of and the minimum accepted quantity.
type SymbolFilters struct {
	StepSize    float64
	MinQuantity float64
}
