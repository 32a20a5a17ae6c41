package indicator

import (
	"math"
	"testing"
)

func TestLWMA_ConstantSeries(t *testing.T) {
	values := make([]float64, 50)
	for i := range values {
		values[i] = 123.45
	}

	out := LWMA(values, 10)
	for i := 9; i < len(out); i++ {
		if out[i] != 123.45 {
			t.Errorf("index %d: expected exactly 123.45, got %v", i, out[i])
		}
	}
}

func TestLWMA_UndefinedPrefix(t *testing.T) {
	out := LWMA([]float64{1, 2, 3, 4, 5}, 3)
	for i := 0; i < 2; i++ {
		if !math.IsNaN(out[i]) {
			t.Errorf("index %d: expected NaN before period-1, got %v", i, out[i])
		}
	}
	for i := 2; i < len(out); i++ {
		if math.IsNaN(out[i]) {
			t.Errorf("index %d: expected defined value, got NaN", i)
		}
	}
}

func TestLWMA_Weights(t *testing.T) {
	// LWMA(period=3) over 1,2,3 = (1*1 + 2*2 + 3*3) / 6 = 14/6
	out := LWMA([]float64{1, 2, 3}, 3)
	want := 14.0 / 6.0
	if math.Abs(out[2]-want) > 1e-12 {
		t.Errorf("expected %v, got %v", want, out[2])
	}
}

func TestLWMA_NaNWindowPropagates(t *testing.T) {
	values := []float64{1, math.NaN(), 3, 4, 5}
	out := LWMA(values, 3)
	if !math.IsNaN(out[2]) || !math.IsNaN(out[3]) {
		t.Errorf("windows containing NaN must be NaN, got %v %v", out[2], out[3])
	}
	if math.IsNaN(out[4]) {
		t.Errorf("window past the NaN must be defined, got NaN")
	}
}

func TestLWMA_InvalidPeriodPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for period=0")
		}
	}()
	LWMA([]float64{1, 2, 3}, 0)
}
