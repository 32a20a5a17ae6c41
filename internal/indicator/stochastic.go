package indicator

import "math"

// Stochastic computes the smoothed stochastic oscillator over closing prices.
//
// The raw value at index i >= kPeriod-1 is
// (close[i] - min(window)) / (max(window) - min(window)) * 100 over the last
// kPeriod closes; a flat window (max == min) maps to exactly 50 to stay
// neutral instead of dividing by zero. The %K line is LWMA(raw, slowing)
// and the %D signal line is LWMA(%K, dPeriod).
//
// All periods must be >= 1. Callers need at least
// kPeriod+slowing+dPeriod-2 values before the %D line is defined.
func Stochastic(close []float64, kPeriod, dPeriod, slowing int) (k, d []float64) {
	if kPeriod < 1 || dPeriod < 1 || slowing < 1 {
		panic("indicator: all stochastic periods must be >= 1")
	}

	raw := make([]float64, len(close))
	for i := range close {
		if i < kPeriod-1 {
			raw[i] = math.NaN()
			continue
		}
		lo, hi := math.Inf(1), math.Inf(-1)
		for j := i - kPeriod + 1; j <= i; j++ {
			v := close[j]
			if math.IsNaN(v) {
				lo = math.NaN()
				break
			}
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		switch {
		case math.IsNaN(lo):
			raw[i] = math.NaN()
		case hi == lo:
			raw[i] = 50.0
		default:
			raw[i] = (close[i] - lo) / (hi - lo) * 100.0
		}
	}

	k = LWMA(raw, slowing)
	d = LWMA(k, dPeriod)
	return k, d
}
