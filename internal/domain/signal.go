package domain

import "time"

// SignalAction is the action a strategy recommends for one cycle.
type SignalAction string

const (
	ActionHold       SignalAction = "hold"
	ActionEnterLong  SignalAction = "enter_long"
	ActionEnterShort SignalAction = "enter_short"
	ActionExit       SignalAction = "exit"
	ActionReverse    SignalAction = "reverse"
)

// Signal is the output of a strategy evaluation for one cycle.
type Signal struct {
	Action     SignalAction
	Strategy   string
	// Strength is in [0,1] and is used only for sizing hints; execution
	// decisions never depend on it.
	Strength   float64
	Indicators IndicatorSet
	CreatedAt  time.Time
}

// Entering reports whether the action opens new exposure on the given side.
func (s Signal) Entering() bool {
	return s.Action == ActionEnterLong || s.Action == ActionEnterShort
}

// EntrySide maps an entering or reversing action to the target side.
func (s Signal) EntrySide(current PositionSide) PositionSide {
	switch s.Action {
	case ActionEnterLong:
		return SideLong
	case ActionEnterShort:
		return SideShort
	case ActionReverse:
		return current.Opposite()
	default:
		return SideFlat
	}
}
