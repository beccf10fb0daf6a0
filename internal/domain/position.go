package domain

import "time"

// PositionSide is the direction of market exposure.
type PositionSide string

const (
	SideFlat  PositionSide = "flat"
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// Opposite returns the reverse of a non-flat side.
func (s PositionSide) Opposite() PositionSide {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	default:
		return SideFlat
	}
}

// PositionStatus tracks where a position is in its lifecycle.
type PositionStatus string

const (
	// StatusFlat means no exposure and no in-flight order.
	StatusFlat PositionStatus = "flat"
	// StatusOpening means an entry order has been submitted but not confirmed.
	StatusOpening PositionStatus = "opening"
	// StatusOpen means the entry fill is confirmed and stops are tracked.
	StatusOpen PositionStatus = "open"
	// StatusClosing means an exit order has been submitted but not confirmed.
	StatusClosing PositionStatus = "closing"
	// StatusClosedError is terminal for automated logic: the local and
	// exchange state could not be reconciled and an operator must intervene.
	StatusClosedError PositionStatus = "closed_error"
)

// Position is the bot's belief about its current exposure in the traded
// symbol. Exactly one Position exists at a time; only the engine mutates it
// and every other component receives copies.
type Position struct {
	Symbol     string
	Side       PositionSide
	Status     PositionStatus
	EntryPrice float64
	Quantity   float64
	OpenedAt   time.Time

	// Epoch increments every time the position leaves flat. Client order IDs
	// are derived from it so a crash-retry resubmits the same identifier.
	Epoch int64

	StopLossPrice float64
	// TrailingStopPrice is zero until unrealized profit exceeds the
	// activation margin; afterwards it only ever tightens.
	TrailingStopPrice float64
	// BestPrice is the most favorable mark price seen while open; it anchors
	// the trailing stop.
	BestPrice float64

	// MaxHoldUntil is the forced-exit deadline, zero when unlimited.
	MaxHoldUntil time.Time

	Strategy  string
	UpdatedAt time.Time
}

// Flat reports whether the position carries no exposure.
func (p Position) Flat() bool {
	return p.Side == SideFlat || p.Quantity == 0
}

// UnrealizedPnL computes the open profit at the given mark price.
func (p Position) UnrealizedPnL(markPrice float64) float64 {
	switch p.Side {
	case SideLong:
		return (markPrice - p.EntryPrice) * p.Quantity
	case SideShort:
		return (p.EntryPrice - markPrice) * p.Quantity
	default:
		return 0
	}
}

// NewFlatPosition returns the initial flat position for a symbol.
func NewFlatPosition(symbol string) Position {
	return Position{
		Symbol:    symbol,
		Side:      SideFlat,
		Status:    StatusFlat,
		UpdatedAt: time.Now().UTC(),
	}
}
