package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"signalbot/internal/dedup"
	"signalbot/internal/indicator"
	"signalbot/internal/journal"
	"signalbot/internal/model"
	"signalbot/internal/session"
	"signalbot/internal/strategy"
)

// Closes engineered so the dual-timeframe buy gates pass exactly once, at
// the second-to-last primary bar (see the replay package tests for the
// same series).
var (
	cyclePrimaryCloses = []float64{
		115, 114, 113, 112, 111, 113.125, 97.5, 110, 100, 101, 100.4, 100.8,
	}
	cycleConfCloses = []float64{
		101, 100.6, 100.2, 100.4, 100.1, 100.3, 100.2, 100.0, 100.0, 99.8, 99.9, 100.5,
	}
	cycleParams = strategy.Params{
		LWMAFast:     2,
		LWMASlow:     3,
		StochK:       3,
		StochD:       2,
		StochSlowing: 2,
		BuyZone:      indicator.Zone{Low: 5, High: 45},
		SellZone:     indicator.Zone{Low: 55, High: 95},
	}
)

type fakeBars struct {
	bars    map[model.Timeframe][]model.Bar
	fetches map[model.Timeframe]int
	err     error
}

func (f *fakeBars) FetchBars(_ context.Context, _ string, tf model.Timeframe, _ int) ([]model.Bar, error) {
	if f.fetches == nil {
		f.fetches = make(map[model.Timeframe]int)
	}
	f.fetches[tf]++
	if f.err != nil {
		return nil, f.err
	}
	return f.bars[tf], nil
}

type recordingNotifier struct {
	signals []*model.Signal
	texts   []string
	fail    bool
}

func (r *recordingNotifier) SendSignal(_ context.Context, sig *model.Signal) error {
	if r.fail {
		return errors.New("notifier down")
	}
	r.signals = append(r.signals, sig)
	return nil
}

func (r *recordingNotifier) SendText(_ context.Context, text string) error {
	if r.fail {
		return errors.New("notifier down")
	}
	r.texts = append(r.texts, text)
	return nil
}

type fixedPrices struct{ price float64 }

func (p fixedPrices) CurrentPrice(string) float64 { return p.price }

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

func testSignal(barTime time.Time) *model.Signal {
	return &model.Signal{
		ID:             model.NewSignalID(),
		Symbol:         "EURUSD",
		Direction:      model.Buy,
		Scenario:       model.BuyS2,
		Price:          1.1,
		CreatedAt:      barTime,
		PrimaryBarTime: barTime,
	}
}

// newTestOrchestrator builds an orchestrator with a real evaluator and dedup
// store, the cycle fixture as its bar source, and nil metrics/journal unless
// the caller wires them in afterwards.
func newTestOrchestrator(t *testing.T, notifier *recordingNotifier) (*Orchestrator, *fakeBars, time.Time) {
	t.Helper()
	eval, err := strategy.New(cycleParams, strategy.RegimeFilter{}, strategy.RiskConfig{})
	if err != nil {
		t.Fatalf("strategy.New: %v", err)
	}
	store, err := dedup.Open(filepath.Join(t.TempDir(), "dedup.json"), time.Hour, 72*time.Hour)
	if err != nil {
		t.Fatalf("dedup.Open: %v", err)
	}

	// Primary series ends at the setup bar, so the latest closed bar is the
	// one that fires.
	end := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)
	primary := closesToBars(cyclePrimaryCloses[:11], end, 15*time.Minute)
	confirmation := closesToBars(cycleConfCloses, end, time.Minute)
	src := &fakeBars{bars: map[model.Timeframe][]model.Bar{
		model.M15: primary,
		model.M1:  confirmation,
	}}

	o, err := New(Config{
		Symbols:        map[string]string{"EURUSD": "EURUSD"},
		PrimaryTF:      model.M15,
		ConfirmationTF: model.M1,
		CandleBuffer:   len(cyclePrimaryCloses),
	}, Deps{
		Bars:     src,
		Prices:   fixedPrices{},
		Eval:     eval,
		Store:    store,
		Notifier: notifier,
		Logger:   slog.Default(),
	}, map[string]time.Time{"EURUSD": primary[9].Time})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	o.now = func() time.Time { return end.Add(2 * time.Second) }
	return o, src, end
}

func TestCycleEmitsSignalOnce(t *testing.T) {
	notifier := &recordingNotifier{}
	o, _, boundary := newTestOrchestrator(t, notifier)

	o.runCycle(context.Background(), boundary)
	if len(notifier.signals) != 1 {
		t.Fatalf("sent %d signals, want 1", len(notifier.signals))
	}
	sig := notifier.signals[0]
	if sig.Scenario != model.BuyS2 {
		t.Errorf("scenario = %s, want %s", sig.Scenario, model.BuyS2)
	}
	if !sig.PrimaryBarTime.Equal(boundary) {
		t.Errorf("primary bar time = %v, want %v", sig.PrimaryBarTime, boundary)
	}

	// A second cycle at the same boundary is a no-op: the cursor already
	// covers it.
	o.runCycle(context.Background(), boundary)
	if len(notifier.signals) != 1 {
		t.Errorf("sent %d signals after repeat cycle, want 1", len(notifier.signals))
	}
}

func TestCycleUsesLivePrice(t *testing.T) {
	notifier := &recordingNotifier{}
	o, _, boundary := newTestOrchestrator(t, notifier)
	o.prices = fixedPrices{price: 100.75}

	o.runCycle(context.Background(), boundary)
	if len(notifier.signals) != 1 {
		t.Fatalf("sent %d signals, want 1", len(notifier.signals))
	}
	if got := notifier.signals[0].Price; got != 100.75 {
		t.Errorf("price = %v, want live quote 100.75", got)
	}
}

func TestCycleSkipsOnFetchError(t *testing.T) {
	notifier := &recordingNotifier{}
	o, src, boundary := newTestOrchestrator(t, notifier)
	src.err = errors.New("upstream down")
	before := o.cursors["EURUSD"]

	o.runCycle(context.Background(), boundary)
	if len(notifier.signals) != 0 {
		t.Errorf("sent %d signals, want 0 on fetch error", len(notifier.signals))
	}
	if !o.cursors["EURUSD"].Equal(before) {
		t.Errorf("cursor = %v, want unchanged %v after fetch error", o.cursors["EURUSD"], before)
	}
}

func TestCycleBackfillsMissedBoundaries(t *testing.T) {
	notifier := &recordingNotifier{}
	o, src, _ := newTestOrchestrator(t, notifier)

	// Extend the fixture by the 12th close; the setup bar is now the
	// second-to-last and three boundaries sit past the cursor.
	end := time.Date(2024, 5, 6, 12, 15, 0, 0, time.UTC)
	primary := closesToBars(cyclePrimaryCloses, end, 15*time.Minute)
	src.bars[model.M15] = primary
	src.bars[model.M1] = closesToBars(cycleConfCloses, primary[10].Time, time.Minute)
	o.cursors["EURUSD"] = primary[8].Time

	o.runCycle(context.Background(), end)
	if len(notifier.signals) != 1 {
		t.Fatalf("sent %d signals, want 1 from the backfilled setup bar", len(notifier.signals))
	}
	if got := notifier.signals[0].PrimaryBarTime; !got.Equal(primary[10].Time) {
		t.Errorf("signal bar = %v, want backfilled bar %v", got, primary[10].Time)
	}
	if !o.cursors["EURUSD"].Equal(primary[11].Time) {
		t.Errorf("cursor = %v, want newest bar %v", o.cursors["EURUSD"], primary[11].Time)
	}
}

func TestCycleBackfillCapped(t *testing.T) {
	notifier := &recordingNotifier{}
	o, src, _ := newTestOrchestrator(t, notifier)
	o.cfg.MaxBackfill = 1

	end := time.Date(2024, 5, 6, 12, 15, 0, 0, time.UTC)
	primary := closesToBars(cyclePrimaryCloses, end, 15*time.Minute)
	src.bars[model.M15] = primary
	src.bars[model.M1] = closesToBars(cycleConfCloses, primary[10].Time, time.Minute)
	o.cursors["EURUSD"] = primary[8].Time

	// Only the newest boundary is processed; the setup bar at index 10
	// falls outside the cap and is skipped.
	o.runCycle(context.Background(), end)
	if len(notifier.signals) != 0 {
		t.Errorf("sent %d signals, want 0 with the setup bar capped away", len(notifier.signals))
	}
	if !o.cursors["EURUSD"].Equal(primary[11].Time) {
		t.Errorf("cursor = %v, want newest bar %v", o.cursors["EURUSD"], primary[11].Time)
	}
}

func TestCycleOutsideSessionAdvancesCursor(t *testing.T) {
	notifier := &recordingNotifier{}
	o, _, boundary := newTestOrchestrator(t, notifier)

	sess, err := session.New("UTC", []string{"00:00-00:01"}, false)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	o.sess = sess

	o.runCycle(context.Background(), boundary)
	if len(notifier.signals) != 0 {
		t.Errorf("sent %d signals, want 0 outside the session", len(notifier.signals))
	}
	if !o.cursors["EURUSD"].Equal(boundary) {
		t.Errorf("cursor = %v, want skipped boundary %v", o.cursors["EURUSD"], boundary)
	}
}

func TestEmitRecordsOnlyAfterDelivery(t *testing.T) {
	notifier := &recordingNotifier{fail: true}
	o, _, boundary := newTestOrchestrator(t, notifier)
	sig := testSignal(boundary)

	if err := o.Emit(context.Background(), sig); err == nil {
		t.Fatal("Emit did not surface the delivery error")
	}
	// The failure must not poison the dedup map: a retry of the same setup
	// is still allowed.
	if !o.store.ShouldEmit(sig) {
		t.Fatal("failed delivery was folded into the dedup store")
	}

	notifier.fail = false
	if err := o.Emit(context.Background(), sig); err != nil {
		t.Fatalf("Emit after recovery: %v", err)
	}
	if o.store.ShouldEmit(sig) {
		t.Error("delivered signal not recorded in the dedup store")
	}
	if len(notifier.signals) != 1 {
		t.Errorf("sent %d signals, want 1", len(notifier.signals))
	}
}

func TestEmitJournalsOutbox(t *testing.T) {
	notifier := &recordingNotifier{}
	o, _, boundary := newTestOrchestrator(t, notifier)

	j, err := journal.Open(filepath.Join(t.TempDir(), "signals.db"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	defer j.Close()
	o.journal = j

	delivered := testSignal(boundary)
	if err := o.Emit(context.Background(), delivered); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	notifier.fail = true
	failed := testSignal(boundary.Add(15 * time.Minute))
	failed.Direction = model.Sell // distinct cooldown key
	failed.Scenario = model.SellS2
	if err := o.Emit(context.Background(), failed); err == nil {
		t.Fatal("Emit did not surface the delivery error")
	}

	pending, err := j.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending rows = %d, want 0 (both resolved)", len(pending))
	}
	recent, err := j.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	statuses := map[string]string{}
	for _, r := range recent {
		statuses[r.ID] = r.Status
	}
	if statuses[delivered.ID] != journal.StatusDelivered {
		t.Errorf("delivered signal status = %q, want %q", statuses[delivered.ID], journal.StatusDelivered)
	}
	if statuses[failed.ID] != journal.StatusFailed {
		t.Errorf("failed signal status = %q, want %q", statuses[failed.ID], journal.StatusFailed)
	}
}

func TestEmitSuppressedByDedup(t *testing.T) {
	notifier := &recordingNotifier{}
	o, _, boundary := newTestOrchestrator(t, notifier)

	sig := testSignal(boundary)
	if err := o.Emit(context.Background(), sig); err != nil {
		t.Fatalf("first Emit: %v", err)
	}
	dup := testSignal(boundary)
	if err := o.Emit(context.Background(), dup); err != nil {
		t.Fatalf("duplicate Emit: %v", err)
	}
	if len(notifier.signals) != 1 {
		t.Errorf("sent %d signals, want 1 (duplicate suppressed)", len(notifier.signals))
	}
}

func TestDrainCandidatesEmitsQueued(t *testing.T) {
	notifier := &recordingNotifier{}
	o, _, boundary := newTestOrchestrator(t, notifier)

	o.candidates <- &model.Signal{
		ID: model.NewSignalID(), Symbol: "EURUSD", Direction: model.Buy,
		Scenario: model.BuyM1, Price: 1.1, ConfirmationBarTime: boundary,
	}
	o.candidates <- &model.Signal{
		ID: model.NewSignalID(), Symbol: "GBPUSD", Direction: model.Sell,
		Scenario: model.SellM1, Price: 1.3, ConfirmationBarTime: boundary,
	}

	o.drainCandidates(context.Background())
	if len(notifier.signals) != 2 {
		t.Fatalf("sent %d signals, want 2", len(notifier.signals))
	}
	if len(o.candidates) != 0 {
		t.Errorf("candidate channel still holds %d entries", len(o.candidates))
	}
}

func TestHeartbeatReportsCounts(t *testing.T) {
	notifier := &recordingNotifier{}
	o, _, boundary := newTestOrchestrator(t, notifier)

	if err := o.Emit(context.Background(), testSignal(boundary)); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	o.heartbeat(context.Background())
	if len(notifier.texts) != 1 {
		t.Fatalf("sent %d texts, want 1", len(notifier.texts))
	}
	want := "heartbeat: 1 symbols, 1 idempotency keys, 1 cooldown keys"
	if notifier.texts[0] != want {
		t.Errorf("heartbeat = %q, want %q", notifier.texts[0], want)
	}
}

func TestHeartbeatWritesFile(t *testing.T) {
	notifier := &recordingNotifier{}
	o, _, _ := newTestOrchestrator(t, notifier)
	o.cfg.HeartbeatFile = filepath.Join(t.TempDir(), "heartbeat.json")

	o.heartbeat(context.Background())

	data, err := os.ReadFile(o.cfg.HeartbeatFile)
	if err != nil {
		t.Fatalf("read heartbeat file: %v", err)
	}
	var hb struct {
		At      time.Time `json:"at_utc"`
		Symbols int       `json:"symbols"`
	}
	if err := json.Unmarshal(data, &hb); err != nil {
		t.Fatalf("unmarshal heartbeat: %v", err)
	}
	if hb.Symbols != 1 || hb.At.IsZero() {
		t.Errorf("heartbeat = %+v, want 1 symbol and a timestamp", hb)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	notifier := &recordingNotifier{}
	o, _, _ := newTestOrchestrator(t, notifier)
	o.sleep = func(ctx context.Context, _ time.Duration) bool { return false }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := o.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}
