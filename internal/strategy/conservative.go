package strategy

import (
	"fmt"

	"github.com/quantara-dev/perpbot/internal/domain"
	"github.com/quantara-dev/perpbot/internal/indicator"
)

// Conservative is the Bollinger mean-reversion variant: it enters long when
// price crosses below the lower band, enters short when it crosses above the
// upper band, and exits when price reverts to the middle band. Sizing is a
// fixed quantity, so Strength is informational only.
type Conservative struct {
	params Params
}

// NewConservative creates the Bollinger variant.
func NewConservative(params Params) *Conservative {
	return &Conservative{params: params}
}

// Name implements Strategy.
func (s *Conservative) Name() string { return "conservative" }

// Evaluate implements Strategy.
func (s *Conservative) Evaluate(candles []domain.Candle, pos domain.Position) (domain.Signal, error) {
	if len(candles) < s.params.MinCandles() {
		return domain.Signal{}, fmt.Errorf("conservative: need at least %d candles, got %d",
			s.params.MinCandles(), len(candles))
	}

	closes := domain.Closes(candles)
	last := len(closes) - 1

	bands := indicator.Bollinger(closes, s.params.BollingerPeriod, s.params.BollingerStdDev)
	prevBands := indicator.BollingerAt(closes, last-1, s.params.BollingerPeriod, s.params.BollingerStdDev)

	price := closes[last]
	prevPrice := closes[last-1]

	ind := domain.IndicatorSet{
		Close:           price,
		PrevClose:       prevPrice,
		BollingerUpper:  bands.Upper,
		BollingerMiddle: bands.Middle,
		BollingerLower:  bands.Lower,
	}

	crossedBelowLower := prevPrice >= prevBands.Lower && price < bands.Lower
	crossedAboveUpper := prevPrice <= prevBands.Upper && price > bands.Upper

	switch {
	case crossedBelowLower:
		strength := bandDistance(bands.Lower, price, bands.Middle-bands.Lower)
		return newSignal(s.Name(), resolve(domain.SideLong, pos), strength, ind), nil
	case crossedAboveUpper:
		strength := bandDistance(price, bands.Upper, bands.Upper-bands.Middle)
		return newSignal(s.Name(), resolve(domain.SideShort, pos), strength, ind), nil
	}

	// Mean reversion complete: close at the middle band.
	if pos.Side == domain.SideLong && price >= bands.Middle {
		return newSignal(s.Name(), domain.ActionExit, 1, ind), nil
	}
	if pos.Side == domain.SideShort && price <= bands.Middle {
		return newSignal(s.Name(), domain.ActionExit, 1, ind), nil
	}

	return newSignal(s.Name(), domain.ActionHold, 0, ind), nil
}

// bandDistance normalizes how far price pushed past a band against the band
// half-width.
func bandDistance(a, b, halfWidth float64) float64 {
	if halfWidth <= 0 {
		return 0
	}
	return (a - b) / halfWidth
}
