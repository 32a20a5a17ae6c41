// Package indicator provides pure technical-indicator math over ordered
// slices of values (typically closing prices).
//
// Indexes with insufficient history carry math.NaN ("not yet available")
// rather than zero. None of the functions perform I/O or hold state; the
// decision helpers (Cross, Zone.Contains, Order) treat NaN inputs as
// "no result" instead of guessing.
package indicator

import "math"

// LWMA computes the linearly weighted moving average with the given period.
// The value at index i >= period-1 is sum(v[i-period+1+j] * (j+1)) / (period*(period+1)/2);
// earlier indexes, and windows containing NaN, are NaN.
//
// period must be >= 1.
func LWMA(values []float64, period int) []float64 {
	if period < 1 {
		panic("indicator: LWMA period must be >= 1")
	}
	out := make([]float64, len(values))
	denom := float64(period) * float64(period+1) / 2

	for i := range values {
		if i < period-1 {
			out[i] = math.NaN()
			continue
		}
		sum := 0.0
		for j := 0; j < period; j++ {
			v := values[i-period+1+j]
			if math.IsNaN(v) {
				sum = math.NaN()
				break
			}
			sum += v * float64(j+1)
		}
		out[i] = sum / denom
	}
	return out
}
