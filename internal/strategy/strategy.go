// Package strategy maps indicator output and the current position to a
// trading signal. Strategies are pure: they perform no IO and produce the
// same Signal for the same candle series and position, which keeps every
// decision replayable from the status log.
package strategy

import (
	"fmt"
	"strings"
	"time"

	"github.com/quantara-dev/perpbot/internal/domain"
)

// Strategy is the contract both evaluation variants implement. Evaluate never
// places orders; it only recommends an action. Risk checks run before the
// recommendation is acted on and can preempt it.
type Strategy interface {
	Name() string
	Evaluate(candles []domain.Candle, pos domain.Position) (domain.Signal, error)
}

// Params holds the indicator thresholds shared by the strategy variants.
type Params struct {
	RSIPeriod       int
	RSIOversold     float64
	RSIOverbought   float64
	BollingerPeriod int
	BollingerStdDev float64
}

// MinCandles returns the shortest candle series Evaluate accepts.
func (p Params) MinCandles() int {
	n := p.RSIPeriod + 2
	if b := p.BollingerPeriod + 2; b > n {
		n = b
	}
	return n
}

// New selects a strategy variant by name. Names match the config values:
// "conservative" (Bollinger mean-reversion) or "aggressive" (RSI momentum).
func New(name string, params Params) (Strategy, error) {
	switch strings.ToLower(name) {
	case "conservative":
		return NewConservative(params), nil
	case "aggressive":
		return NewAggressive(params), nil
	default:
		return nil, fmt.Errorf("strategy: unknown strategy %q", name)
	}
}

// resolve turns a raw directional lean into the final action given the
// current position: a matching position holds, an opposing position with a
// fresh opposite signal reverses, and a flat book enters.
func resolve(want domain.PositionSide, pos domain.Position) domain.SignalAction {
	switch {
	case pos.Flat():
		if want == domain.SideLong {
			return domain.ActionEnterLong
		}
		return domain.ActionEnterShort
	case pos.Side == want:
		return domain.ActionHold
	default:
		return domain.ActionReverse
	}
}

func newSignal(name string, action domain.SignalAction, strength float64, ind domain.IndicatorSet) domain.Signal {
	if strength < 0 {
		strength = 0
	}
	if strength > 1 {
		strength = 1
	}
	return domain.Signal{
		Action:     action,
		Strategy:   name,
		Strength:   strength,
		Indicators: ind,
		CreatedAt:  time.Now().UTC(),
	}
}
