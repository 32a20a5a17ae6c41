package indicator

import "math"

// Trend is the result of ordering two lines by their latest values.
type Trend string

const (
	Bullish Trend = "bullish"
	Bearish Trend = "bearish"
	Neutral Trend = "neutral"
)

// Cross tests whether line a crossed line b between index i-1 and index i.
//
// crossedAbove: a[i-1] <= b[i-1] and a[i] > b[i].
// crossedBelow: a[i-1] >= b[i-1] and a[i] < b[i].
//
// Both results are false when i < 1, when either slice is too short, or
// when any of the four involved values is NaN. At most one can be true.
func Cross(a, b []float64, i int) (crossedAbove, crossedBelow bool) {
	if i < 1 || i >= len(a) || i >= len(b) {
		return false, false
	}
	prevA, curA := a[i-1], a[i]
	prevB, curB := b[i-1], b[i]
	if math.IsNaN(prevA) || math.IsNaN(curA) || math.IsNaN(prevB) || math.IsNaN(curB) {
		return false, false
	}
	crossedAbove = prevA <= prevB && curA > curB
	crossedBelow = prevA >= prevB && curA < curB
	return crossedAbove, crossedBelow
}

// CrossLatest tests the crossover at the last index of both lines.
func CrossLatest(a, b []float64) (crossedAbove, crossedBelow bool) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	return Cross(a, b, n-1)
}

// Zone is an inclusive numeric range used to classify oscillator values.
type Zone struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Contains reports inclusive membership: Low <= v <= High.
// NaN is never inside a zone.
func (z Zone) Contains(v float64) bool {
	return v >= z.Low && v <= z.High
}

// Order classifies the latest relationship of two lines by strict
// comparison. NaN on either side yields Neutral.
func Order(fast, slow float64) Trend {
	if math.IsNaN(fast) || math.IsNaN(slow) {
		return Neutral
	}
	switch {
	case fast > slow:
		return Bullish
	case fast < slow:
		return Bearish
	}
	return Neutral
}
