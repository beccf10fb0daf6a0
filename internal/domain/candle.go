package domain

import "time"

// Candle is a single OHLCV bar as returned by the exchange klines endpoint.
type Candle struct {
	OpenTime  time.Time
	CloseTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Closes extracts the close series from a candle slice, oldest first.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// IndicatorSet carries the indicator values computed for one cycle. It is
// attached to the emitted Signal for auditing.
type IndicatorSet struct {
	Close           float64
	RSI             float64
	PrevRSI         float64
	BollingerUpper  float64
	BollingerMiddle float64
	BollingerLower  float64
	PrevClose       float64
}
