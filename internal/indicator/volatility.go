package indicator

import "math"

// wilders applies Wilder's smoothing: seed with the mean of the defined
// values in the first period, then next = (prev*(period-1) + current) / period.
func wilders(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}
	if len(values) < period {
		return out
	}

	seed, defined := 0.0, 0
	for i := 0; i < period; i++ {
		if math.IsNaN(values[i]) {
			continue
		}
		seed += values[i]
		defined++
	}
	if defined == 0 {
		return out
	}
	out[period-1] = seed / float64(defined)
	for i := period; i < len(values); i++ {
		out[i] = (out[i-1]*float64(period-1) + values[i]) / float64(period)
	}
	return out
}

// ATR computes the average true range with Wilder smoothing.
// high, low, and close must have equal length; period must be >= 1.
func ATR(high, low, close []float64, period int) []float64 {
	if period < 1 {
		panic("indicator: ATR period must be >= 1")
	}
	tr := make([]float64, len(close))
	for i := range close {
		r := high[i] - low[i]
		if i > 0 {
			r = math.Max(r, math.Abs(high[i]-close[i-1]))
			r = math.Max(r, math.Abs(low[i]-close[i-1]))
		}
		tr[i] = r
	}
	return wilders(tr, period)
}

// ADX computes the average directional index with Wilder smoothing.
// Used by the optional regime filter to gate signals in trendless markets.
func ADX(high, low, close []float64, period int) []float64 {
	if period < 1 {
		panic("indicator: ADX period must be >= 1")
	}
	n := len(close)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		up := high[i] - high[i-1]
		down := low[i-1] - low[i]
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	atr := ATR(high, low, close, period)
	plusDI := wilders(plusDM, period)
	minusDI := wilders(minusDM, period)

	dx := make([]float64, n)
	for i := range dx {
		p := 100.0 * plusDI[i] / atr[i]
		m := 100.0 * minusDI[i] / atr[i]
		sum := p + m
		if math.IsNaN(sum) || sum == 0 {
			dx[i] = math.NaN()
			continue
		}
		dx[i] = 100.0 * math.Abs(p-m) / sum
	}
	return wilders(dx, period)
}
