package indicator

import (
	"math"
	"testing"
)

func TestATR_ConstantRange(t *testing.T) {
	n := 30
	high := make([]float64, n)
	low := make([]float64, n)
	close := make([]float64, n)
	for i := range high {
		high[i] = 101.0
		low[i] = 99.0
		close[i] = 100.0
	}

	atr := ATR(high, low, close, 14)
	for i := 0; i < 13; i++ {
		if !math.IsNaN(atr[i]) {
			t.Errorf("atr[%d]: expected NaN before seed, got %v", i, atr[i])
		}
	}
	for i := 13; i < n; i++ {
		if math.Abs(atr[i]-2.0) > 1e-9 {
			t.Errorf("atr[%d]: constant 2-point range must give ATR=2, got %v", i, atr[i])
		}
	}
}

func TestADX_TrendingVsFlat(t *testing.T) {
	n := 60
	high := make([]float64, n)
	low := make([]float64, n)
	close := make([]float64, n)

	// Steady uptrend: directional movement is all positive.
	for i := range high {
		base := 100.0 + float64(i)
		high[i] = base + 0.5
		low[i] = base - 0.5
		close[i] = base
	}
	adx := ADX(high, low, close, 14)
	last := adx[n-1]
	if math.IsNaN(last) {
		t.Fatal("expected defined ADX at the end of a long trend")
	}
	if last < 50 {
		t.Errorf("steady trend should produce strong ADX, got %v", last)
	}
}
