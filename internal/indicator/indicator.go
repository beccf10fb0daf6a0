// Package indicator computes the technical indicators the strategies consume.
// All functions are pure: given the same close series they return the same
// values, which keeps strategy evaluation deterministic and testable.
package indicator

import "math"

// Bands holds one Bollinger band triple.
type Bands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// SMA returns the simple moving average of the last period values. It returns
// 0 when the series is shorter than period.
func SMA(closes []float64, period int) float64 {
	if period <= 0 || len(closes) < period {
		return 0
	}
	sum := 0.0
	for _, c := range closes[len(closes)-period:] {
		sum += c
	}
	return sum / float64(period)
}

// RSI computes the Relative Strength Index with Wilder smoothing and returns
// the full series aligned with closes. Entries before the warmup index are
// zero; callers should only read values at index >= period.
func RSI(closes []float64, period int) []float64 {
	rsi := make([]float64, len(closes))
	if period < 2 || len(closes) < period+1 {
		return rsi
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d >= 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	rsi[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if d >= 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		rsi[i] = rsiValue(avgGain, avgLoss)
	}
	return rsi
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// Bollinger computes the Bollinger bands over the last period closes: a
// simple moving average plus/minus multiplier standard deviations. It returns
// a zero-valued Bands when the series is too short.
func Bollinger(closes []float64, period int, multiplier float64) Bands {
	if period <= 1 || len(closes) < period {
		return Bands{}
	}

	window := closes[len(closes)-period:]
	ma := 0.0
	for _, c := range window {
		ma += c
	}
	ma /= float64(period)

	variance := 0.0
	for _, c := range window {
		d := c - ma
		variance += d * d
	}
	stdDev := math.Sqrt(variance / float64(period))

	return Bands{
		Upper:  ma + multiplier*stdDev,
		Middle: ma,
		Lower:  ma - multiplier*stdDev,
	}
}

// BollingerAt computes the bands for the series truncated at index i
// (inclusive). It lets strategies compare the previous bar against the bands
// that existed at that bar.
func BollingerAt(closes []float64, i, period int, multiplier float64) Bands {
	if i+1 > len(closes) {
		return Bands{}
	}
	return Bollinger(closes[:i+1], period, multiplier)
}
