package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"signalbot/internal/indicator"
	"signalbot/internal/model"
	"signalbot/internal/strategy"
)

// Primary closes engineered so the buy gates pass only at index 10 of 12:
// the downtrend breaks with a spike-and-dip pattern that leaves %K rising
// out of the oversold zone exactly once.
var replayPrimaryCloses = []float64{
	115, 114, 113, 112, 111, 113.125, 97.5, 110, 100, 101, 100.4, 100.8,
}

// Confirmation closes with a fast-over-slow LWMA cross on the final bar
// (dips at the second-to-last close, recovers above the two-back close).
var replayConfCloses = []float64{
	101, 100.6, 100.2, 100.4, 100.1, 100.3, 100.2, 100.0, 100.0, 99.8, 99.9, 100.5,
}

var replayParams = strategy.Params{
	LWMAFast:     2,
	LWMASlow:     3,
	StochK:       3,
	StochD:       2,
	StochSlowing: 2,
	BuyZone:      indicator.Zone{Low: 5, High: 45},
	SellZone:     indicator.Zone{Low: 55, High: 95},
}

type fakeSource struct {
	bars    map[model.Timeframe][]model.Bar
	fetches map[model.Timeframe]int
	err     error
}

func (f *fakeSource) FetchBars(_ context.Context, _ string, tf model.Timeframe, _ int) ([]model.Bar, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.fetches == nil {
		f.fetches = make(map[model.Timeframe]int)
	}
	f.fetches[tf]++
	return f.bars[tf], nil
}

func closesToBars(closes []float64, end time.Time, step time.Duration) []model.Bar {
	out := make([]model.Bar, len(closes))
	start := end.Add(-time.Duration(len(closes)-1) * step)
	for i, c := range closes {
		out[i] = model.Bar{
			Time:  start.Add(time.Duration(i) * step),
			Open:  c,
			High:  c + 0.5,
			Low:   c - 0.5,
			Close: c,
		}
	}
	return out
}

func newReplayFixture(t *testing.T) (*fakeSource, *strategy.Evaluator, []model.Bar) {
	t.Helper()
	eval, err := strategy.New(replayParams, strategy.RegimeFilter{}, strategy.RiskConfig{})
	if err != nil {
		t.Fatalf("strategy.New: %v", err)
	}
	// Primary bars end one slot past the qualifying bar, so the replayed
	// window [9, 10, 11] has the setup in the middle.
	end := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)
	primary := closesToBars(replayPrimaryCloses, end, 15*time.Minute)
	middle := primary[10].Time
	confirmation := closesToBars(replayConfCloses, middle, time.Minute)
	src := &fakeSource{bars: map[model.Timeframe][]model.Bar{
		model.M15: primary,
		model.M1:  confirmation,
	}}
	return src, eval, primary
}

func TestRunRecoversOnlyMiddleBar(t *testing.T) {
	src, eval, primary := newReplayFixture(t)

	var emitted []*model.Signal
	emit := func(_ context.Context, sig *model.Signal) error {
		emitted = append(emitted, sig)
		return nil
	}
	c, err := New(src, eval, emit, model.M15, model.M1, 3, len(replayPrimaryCloses))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cursors, err := c.Run(context.Background(), []string{"EURUSD"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(emitted) != 1 {
		t.Fatalf("emitted %d signals, want exactly 1", len(emitted))
	}
	sig := emitted[0]
	if sig.Scenario != model.BuyS2 {
		t.Errorf("scenario = %s, want %s", sig.Scenario, model.BuyS2)
	}
	if !sig.PrimaryBarTime.Equal(primary[10].Time) {
		t.Errorf("primary bar time = %v, want middle bar %v", sig.PrimaryBarTime, primary[10].Time)
	}
	if !cursors["EURUSD"].Equal(primary[11].Time) {
		t.Errorf("cursor = %v, want last bar %v", cursors["EURUSD"], primary[11].Time)
	}
}

func TestReplayMatchesLiveEvaluation(t *testing.T) {
	src, eval, primary := newReplayFixture(t)

	var emitted []*model.Signal
	c, err := New(src, eval, func(_ context.Context, s *model.Signal) error {
		emitted = append(emitted, s)
		return nil
	}, model.M15, model.M1, 3, len(replayPrimaryCloses))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Run(context.Background(), []string{"EURUSD"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(emitted) != 1 {
		t.Fatalf("emitted %d signals, want 1", len(emitted))
	}

	// A live evaluation at the same boundary with the same raw bars must
	// compute bit-identical indicator values.
	boundary := primary[10].Time
	live, err := eval.Evaluate(
		primary[:11],
		model.Truncate(src.bars[model.M1], boundary),
		"EURUSD", boundary, 0)
	if err != nil || live == nil {
		t.Fatalf("live evaluation: (%+v, %v)", live, err)
	}
	got, want := emitted[0], live
	if got.Scenario != want.Scenario || got.Price != want.Price {
		t.Errorf("replayed (%s, %v) != live (%s, %v)", got.Scenario, got.Price, want.Scenario, want.Price)
	}
	if *got.PrimaryIndicators != *want.PrimaryIndicators {
		t.Errorf("primary indicators differ: %+v vs %+v", got.PrimaryIndicators, want.PrimaryIndicators)
	}
	if *got.ConfirmationIndicators != *want.ConfirmationIndicators {
		t.Errorf("confirmation indicators differ: %+v vs %+v", got.ConfirmationIndicators, want.ConfirmationIndicators)
	}
}

func TestConfirmationFetchedLazily(t *testing.T) {
	src, eval, _ := newReplayFixture(t)

	c, err := New(src, eval, func(context.Context, *model.Signal) error { return nil },
		model.M15, model.M1, 3, len(replayPrimaryCloses))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Run(context.Background(), []string{"EURUSD"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// One primary fetch, and the confirmation fetch happens once even
	// though three bars were replayed.
	if src.fetches[model.M15] != 1 || src.fetches[model.M1] != 1 {
		t.Errorf("fetches = %v, want one per timeframe", src.fetches)
	}
}

func TestUnfetchableSymbolSkipped(t *testing.T) {
	eval, err := strategy.New(replayParams, strategy.RegimeFilter{}, strategy.RiskConfig{})
	if err != nil {
		t.Fatalf("strategy.New: %v", err)
	}
	src := &fakeSource{err: errors.New("upstream down")}
	c, err := New(src, eval, func(context.Context, *model.Signal) error { return nil },
		model.M15, model.M1, 3, 12)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cursors, err := c.Run(context.Background(), []string{"EURUSD", "GBPUSD"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(cursors) != 0 {
		t.Errorf("cursors = %v, want none for unfetchable symbols", cursors)
	}
}
