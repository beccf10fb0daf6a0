package domain

import "time"

// CloseReason records why a position was closed.
type CloseReason string

const (
	CloseReasonSignal       CloseReason = "signal-exit"
	CloseReasonStopLoss     CloseReason = "stop-loss"
	CloseReasonTrailingStop CloseReason = "trailing-stop"
	CloseReasonMaxHolding   CloseReason = "max-holding-time"
	CloseReasonManual       CloseReason = "manual"
)

// TradeRecord is one completed round trip, written once when the closing fill
// is confirmed and never mutated afterwards.
type TradeRecord struct {
	ID          string
	Symbol      string
	Strategy    string
	Side        PositionSide
	Quantity    float64
	EntryPrice  float64
	ExitPrice   float64
	RealizedPnL float64
	CloseReason CloseReason
	OpenedAt    time.Time
	ClosedAt    time.Time
}
