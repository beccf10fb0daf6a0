package domain

import "time"

// CycleAction is what the engine actually did in one scheduler tick, as
// opposed to what the strategy recommended.
type CycleAction string

const (
	CycleActionNone     CycleAction = "none"
	CycleActionOpened   CycleAction = "opened"
	CycleActionClosed   CycleAction = "closed"
	CycleActionReversed CycleAction = "reversed"
	CycleActionSkipped  CycleAction = "skipped"
	CycleActionError    CycleAction = "error"
)

// CycleOutcome summarizes one scheduler tick for logging and the monitor
// feed. It is ephemeral: recorded in the status log and published on the
// outcome bus, but never consulted by later cycles.
type CycleOutcome struct {
	ID        string
	Symbol    string
	Strategy  string
	Signal    SignalAction
	Action    CycleAction
	Reason    string
	Price     float64
	RSI       float64
	Balance   float64
	Err       string
	StartedAt time.Time
	Elapsed   time.Duration
}
