package strategy

import (
	"fmt"

	"github.com/quantara-dev/perpbot/internal/domain"
	"github.com/quantara-dev/perpbot/internal/indicator"
)

// rsiMidline is the neutral RSI level; crossing back through it while in a
// position closes the trade.
const rsiMidline = 50.0

// Aggressive is the RSI momentum variant: it enters long when RSI crosses
// below the oversold threshold, enters short when it crosses above the
// overbought threshold, and exits (or reverses on a fresh opposite extreme)
// when RSI crosses back through the midline.
type Aggressive struct {
	params Params
}

// NewAggressive creates the RSI variant.
func NewAggressive(params Params) *Aggressive {
	return &Aggressive{params: params}
}

// Name implements Strategy.
func (s *Aggressive) Name() string { return "aggressive" }

// Evaluate implements Strategy.
func (s *Aggressive) Evaluate(candles []domain.Candle, pos domain.Position) (domain.Signal, error) {
	if len(candles) < s.params.MinCandles() {
		return domain.Signal{}, fmt.Errorf("aggressive: need at least %d candles, got %d",
			s.params.MinCandles(), len(candles))
	}

	closes := domain.Closes(candles)
	last := len(closes) - 1

	series := indicator.RSI(closes, s.params.RSIPeriod)
	cur := series[last]
	prev := series[last-1]

	ind := domain.IndicatorSet{
		Close:     closes[last],
		PrevClose: closes[last-1],
		RSI:       cur,
		PrevRSI:   prev,
	}

	crossedOversold := prev >= s.params.RSIOversold && cur < s.params.RSIOversold
	crossedOverbought := prev <= s.params.RSIOverbought && cur > s.params.RSIOverbought

	switch {
	case crossedOversold:
		strength := (s.params.RSIOversold - cur) / s.params.RSIOversold
		return newSignal(s.Name(), resolve(domain.SideLong, pos), strength, ind), nil
	case crossedOverbought:
		strength := (cur - s.params.RSIOverbought) / (100 - s.params.RSIOverbought)
		return newSignal(s.Name(), resolve(domain.SideShort, pos), strength, ind), nil
	}

	// Momentum normalized: a midline cross against the position closes it.
	if pos.Side == domain.SideLong && prev < rsiMidline && cur >= rsiMidline {
		return newSignal(s.Name(), domain.ActionExit, 1, ind), nil
	}
	if pos.Side == domain.SideShort && prev > rsiMidline && cur <= rsiMidline {
		return newSignal(s.Name(), domain.ActionExit, 1, ind), nil
	}

	return newSignal(s.Name(), domain.ActionHold, 0, ind), nil
}
