// Package orchestrator runs the live evaluation loop: wake at each primary
// bar close, evaluate every symbol sequentially, and push accepted signals
// through the dedup store, journal, and notifier.
//
// The dual-timeframe loop is the single consumer of all emissions. The
// optional single-timeframe task runs on its own faster clock and hands
// candidates over a bounded channel, so dedup state stays single-writer.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"signalbot/internal/dedup"
	"signalbot/internal/journal"
	"signalbot/internal/logger"
	"signalbot/internal/metrics"
	"signalbot/internal/model"
	"signalbot/internal/notification"
	"signalbot/internal/session"
	"signalbot/internal/strategy"
)

// boundaryGrace delays each cycle slightly past the bar boundary so the
// broker has finished publishing the closed bar.
const boundaryGrace = 2 * time.Second

// candidateBuffer bounds the single-timeframe handoff channel.
const candidateBuffer = 16

// Config holds orchestration settings.
type Config struct {
	Symbols         map[string]string // display name -> broker symbol
	PrimaryTF       model.Timeframe
	ConfirmationTF  model.Timeframe
	CandleBuffer    int
	MaxBackfill     int // closed boundaries caught up per symbol per cycle
	SingleTFEnabled bool
	HeartbeatPeriod time.Duration
	HeartbeatFile   string
}

// Orchestrator owns the sequential evaluation loop.
type Orchestrator struct {
	cfg      Config
	bars     model.BarSource
	trad     model.TradabilityChecker
	prices   model.PriceSource // optional
	eval     *strategy.Evaluator
	store    *dedup.Store
	journal  *journal.Journal
	notifier notification.Notifier
	alerter  *notification.HealthAlerter
	sess     *session.Filter
	met      *metrics.Metrics
	health   *metrics.HealthStatus
	log      *slog.Logger

	// Failed-queue retry hook; nil when the notifier has no queue.
	retryQueue func(ctx context.Context) int
	queueSize  func() int

	symbols    []string // sorted display names, fixed iteration order
	cursors    map[string]time.Time
	candidates chan *model.Signal

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Bars     model.BarSource
	Trad     model.TradabilityChecker
	Prices   model.PriceSource
	Eval     *strategy.Evaluator
	Store    *dedup.Store
	Journal  *journal.Journal
	Notifier notification.Notifier
	Alerter  *notification.HealthAlerter
	Session  *session.Filter
	Metrics  *metrics.Metrics
	Health   *metrics.HealthStatus
	Logger   *slog.Logger

	RetryQueue func(ctx context.Context) int
	QueueSize  func() int
}

// New builds an orchestrator. Cursors carries the last processed primary
// boundary per symbol, typically from replay.
func New(cfg Config, deps Deps, cursors map[string]time.Time) (*Orchestrator, error) {
	if len(cfg.Symbols) == 0 {
		return nil, errors.New("orchestrator: no symbols configured")
	}
	if cfg.MaxBackfill < 1 {
		cfg.MaxBackfill = 3
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	names := make([]string, 0, len(cfg.Symbols))
	for name := range cfg.Symbols {
		names = append(names, name)
	}
	sort.Strings(names)
	if cursors == nil {
		cursors = make(map[string]time.Time)
	}
	return &Orchestrator{
		cfg:        cfg,
		bars:       deps.Bars,
		trad:       deps.Trad,
		prices:     deps.Prices,
		eval:       deps.Eval,
		store:      deps.Store,
		journal:    deps.Journal,
		notifier:   deps.Notifier,
		alerter:    deps.Alerter,
		sess:       deps.Session,
		met:        deps.Metrics,
		health:     deps.Health,
		log:        deps.Logger,
		retryQueue: deps.RetryQueue,
		queueSize:  deps.QueueSize,
		symbols:    names,
		cursors:    cursors,
		candidates: make(chan *model.Signal, candidateBuffer),
		now:        func() time.Time { return time.Now().UTC() },
		sleep:      sleepCtx,
	}, nil
}

// SetCursors seeds the per-symbol resume points, typically the replay
// output. Must be called before Run.
func (o *Orchestrator) SetCursors(cursors map[string]time.Time) {
	for name, t := range cursors {
		o.cursors[name] = t
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Run executes the live loop until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.cfg.SingleTFEnabled {
		go o.singleTFLoop(ctx)
	}

	var heartbeatC <-chan time.Time
	if o.cfg.HeartbeatPeriod > 0 {
		ticker := time.NewTicker(o.cfg.HeartbeatPeriod)
		defer ticker.Stop()
		heartbeatC = ticker.C
	}

	for {
		boundary := o.cfg.PrimaryTF.NextBoundary(o.now())
		if !o.sleep(ctx, boundary.Add(boundaryGrace).Sub(o.now())) {
			return ctx.Err()
		}

		select {
		case <-heartbeatC:
			o.heartbeat(ctx)
		default:
		}

		o.drainCandidates(ctx)
		if o.retryQueue != nil {
			o.retryQueue(ctx)
			if o.met != nil && o.queueSize != nil {
				o.met.FailedQueueSize.Set(float64(o.queueSize()))
			}
		}
		o.runCycle(ctx, boundary)
	}
}

// runCycle evaluates every symbol at one primary boundary.
func (o *Orchestrator) runCycle(ctx context.Context, boundary time.Time) {
	if o.met != nil {
		o.met.CyclesTotal.Inc()
	}
	if o.health != nil {
		o.health.SetLastCycleAt(o.now())
	}

	active := o.sess == nil || o.sess.Active(o.now())
	if o.met != nil {
		if active {
			o.met.SessionActive.Set(1)
		} else {
			o.met.SessionActive.Set(0)
		}
	}
	if !active {
		// Boundaries outside the session are never evaluated later, so the
		// cursors still advance past them.
		for _, name := range o.symbols {
			if boundary.After(o.cursors[name]) {
				o.cursors[name] = boundary
			}
		}
		o.log.Debug("cycle skipped, outside trading session", "boundary", boundary)
		return
	}

	for _, name := range o.symbols {
		if ctx.Err() != nil {
			return
		}
		o.evaluateSymbol(ctx, name, boundary)
	}
}

func (o *Orchestrator) evaluateSymbol(ctx context.Context, name string, boundary time.Time) {
	brokerSym := o.cfg.Symbols[name]
	lg := o.log.With("symbol", name, "boundary", boundary)

	if cursor, ok := o.cursors[name]; ok && !boundary.After(cursor) {
		return // boundary already processed (e.g. covered by replay)
	}

	if o.trad != nil {
		tradable, err := o.trad.IsTradable(ctx, brokerSym)
		if err != nil {
			lg.Warn("tradability check failed", "error", err)
			return
		}
		if !tradable {
			lg.Debug("market closed, skipping")
			return
		}
	}

	primary, err := o.fetchBars(ctx, brokerSym, o.cfg.PrimaryTF)
	if err != nil {
		lg.Warn("primary fetch failed", "error", err)
		if o.alerter != nil {
			o.alerter.OnFetchFailure(ctx, name, err)
		}
		return
	}
	primary = model.Truncate(primary, boundary)

	// Every closed boundary past the cursor is caught up chronologically,
	// capped so a long outage cannot flood the channel with stale alerts.
	cursor := o.cursors[name]
	start := len(primary)
	for start > 0 && primary[start-1].Time.After(cursor) {
		start--
	}
	if start == len(primary) {
		lg.Debug("no new closed bar yet")
		return
	}
	if skipped := len(primary) - start - o.cfg.MaxBackfill; skipped > 0 {
		lg.Warn("backfill capped, skipping oldest missed bars", "skipped", skipped)
		start = len(primary) - o.cfg.MaxBackfill
	}

	var confirmation []model.Bar
	last := len(primary) - 1
	for i := start; i <= last; i++ {
		barBoundary := primary[i].Time
		window := primary[:i+1]

		if o.met != nil {
			o.met.EvaluationsTotal.WithLabelValues("dual").Inc()
		}
		started := o.now()

		need, err := o.eval.RequiresConfirmation(window, barBoundary)
		if err != nil {
			// Available history for a closed boundary never grows, so an
			// undecidable bar is skipped rather than retried.
			o.noteInsufficient(lg, err)
			o.cursors[name] = barBoundary
			continue
		}
		var sig *model.Signal
		if need {
			if confirmation == nil {
				confirmation, err = o.fetchBars(ctx, brokerSym, o.cfg.ConfirmationTF)
				if err != nil {
					// Cursor stays behind this bar; next cycle retries it.
					lg.Warn("confirmation fetch failed", "error", err)
					if o.alerter != nil {
						o.alerter.OnFetchFailure(ctx, name, err)
					}
					return
				}
			}
			// Live quote prices only apply to the newest bar; backfilled
			// boundaries use their confirmation close.
			price := 0.0
			if i == last {
				price = o.livePrice(brokerSym)
			}
			sig, err = o.eval.Evaluate(window, model.Truncate(confirmation, barBoundary), name, barBoundary, price)
			if err != nil {
				o.noteInsufficient(lg, err)
				o.cursors[name] = barBoundary
				continue
			}
		}
		if o.met != nil {
			o.met.EvaluationDur.Observe(o.now().Sub(started).Seconds())
		}
		o.cursors[name] = barBoundary
		if sig == nil {
			continue
		}
		emitCtx := logger.WithCycleID(ctx, logger.NewCycleID(name, barBoundary))
		if err := o.Emit(emitCtx, sig); err != nil {
			lg.Error("emit failed", "scenario", sig.Scenario, "error", err)
		}
	}
}

// Emit runs the shared acceptance path: dedup check, outbox journaling,
// delivery, and dedup record. Replay and the single-timeframe task go
// through the same method.
func (o *Orchestrator) Emit(ctx context.Context, sig *model.Signal) error {
	lg := o.log
	if id := logger.CycleID(ctx); id != "" {
		lg = lg.With("cycle_id", id)
	}
	if !o.store.ShouldEmit(sig) {
		if o.met != nil {
			o.met.DedupSuppressed.Inc()
		}
		lg.Info("signal suppressed by dedup",
			"symbol", sig.Symbol, "scenario", sig.Scenario, "key", sig.IdempotencyKey())
		return nil
	}

	if o.journal != nil {
		if err := o.journal.RecordPending(sig); err != nil {
			return fmt.Errorf("journal pending: %w", err)
		}
	}

	start := o.now()
	sendErr := o.notifier.SendSignal(ctx, sig)
	if o.met != nil {
		o.met.DeliveryDur.Observe(o.now().Sub(start).Seconds())
	}

	if sendErr != nil {
		if o.met != nil {
			o.met.DeliveryFailures.Inc()
		}
		if o.journal != nil {
			if err := o.journal.MarkFailed(sig.ID, sendErr); err != nil {
				lg.Error("journal mark failed", "error", err)
			}
		}
		// Not folded into the dedup map: delivery never succeeded.
		return fmt.Errorf("delivery: %w", sendErr)
	}

	if o.journal != nil {
		if err := o.journal.MarkDelivered(sig.ID); err != nil {
			lg.Error("journal mark delivered", "error", err)
		}
	}
	if err := o.store.Record(sig); err != nil {
		// The dedup invariant is broken without a durable record.
		return fmt.Errorf("dedup record: %w", err)
	}
	if o.met != nil {
		o.met.SignalsEmitted.WithLabelValues(string(sig.Scenario)).Inc()
	}
	if o.health != nil {
		o.health.SetLastSignalAt(o.now())
	}
	lg.Info("signal sent",
		"symbol", sig.Symbol, "direction", sig.Direction, "scenario", sig.Scenario, "price", sig.Price)
	return nil
}

// singleTFLoop runs the low-confidence single-timeframe scan on the
// confirmation timeframe's own clock, handing candidates to the main loop.
func (o *Orchestrator) singleTFLoop(ctx context.Context) {
	for {
		boundary := o.cfg.ConfirmationTF.NextBoundary(o.now())
		if !o.sleep(ctx, boundary.Add(boundaryGrace).Sub(o.now())) {
			return
		}
		if o.sess != nil && !o.sess.Active(o.now()) {
			continue
		}
		for _, name := range o.symbols {
			if ctx.Err() != nil {
				return
			}
			brokerSym := o.cfg.Symbols[name]
			bars, err := o.fetchBars(ctx, brokerSym, o.cfg.ConfirmationTF)
			if err != nil {
				continue
			}
			if o.met != nil {
				o.met.EvaluationsTotal.WithLabelValues("single").Inc()
			}
			sig, err := o.eval.EvaluateSingleTF(bars, name, o.livePrice(brokerSym))
			if err != nil || sig == nil {
				continue
			}
			select {
			case o.candidates <- sig:
			default:
				o.log.Warn("candidate channel full, dropping single-timeframe signal",
					"symbol", name, "scenario", sig.Scenario)
			}
		}
	}
}

// drainCandidates emits queued single-timeframe candidates sequentially,
// inside the main loop so dedup stays single-writer.
func (o *Orchestrator) drainCandidates(ctx context.Context) {
	for {
		select {
		case sig := <-o.candidates:
			if err := o.Emit(ctx, sig); err != nil {
				o.log.Error("candidate emit failed", "symbol", sig.Symbol, "error", err)
			}
		default:
			return
		}
	}
}

func (o *Orchestrator) heartbeat(ctx context.Context) {
	idem, cooldown := o.store.Counts()
	queued := 0
	if o.queueSize != nil {
		queued = o.queueSize()
	}
	if o.cfg.HeartbeatFile != "" {
		if err := o.writeHeartbeat(idem, cooldown, queued); err != nil {
			o.log.Warn("heartbeat file write failed", "error", err)
		}
	}
	msg := fmt.Sprintf("heartbeat: %d symbols, %d idempotency keys, %d cooldown keys",
		len(o.symbols), idem, cooldown)
	if o.queueSize != nil {
		msg += fmt.Sprintf(", %d queued sends", queued)
	}
	if err := o.notifier.SendText(ctx, msg); err != nil {
		o.log.Warn("heartbeat send failed", "error", err)
	}
}

// writeHeartbeat replaces the heartbeat file atomically so a monitor never
// reads a torn write.
func (o *Orchestrator) writeHeartbeat(idem, cooldown, queued int) error {
	data, err := json.Marshal(struct {
		At          time.Time `json:"at_utc"`
		Symbols     int       `json:"symbols"`
		Idempotency int       `json:"idempotency_keys"`
		Cooldown    int       `json:"cooldown_keys"`
		QueuedSends int       `json:"queued_sends"`
	}{o.now(), len(o.symbols), idem, cooldown, queued})
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(o.cfg.HeartbeatFile), ".heartbeat-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), o.cfg.HeartbeatFile)
}

func (o *Orchestrator) fetchBars(ctx context.Context, symbol string, tf model.Timeframe) ([]model.Bar, error) {
	start := o.now()
	bars, err := o.bars.FetchBars(ctx, symbol, tf, o.cfg.CandleBuffer)
	if o.met != nil {
		o.met.FetchDur.Observe(o.now().Sub(start).Seconds())
		if err != nil {
			o.met.FetchErrors.WithLabelValues(string(tf)).Inc()
		}
	}
	return bars, err
}

func (o *Orchestrator) livePrice(brokerSym string) float64 {
	if o.prices == nil {
		return 0
	}
	return o.prices.CurrentPrice(brokerSym)
}

func (o *Orchestrator) noteInsufficient(lg *slog.Logger, err error) {
	if errors.Is(err, strategy.ErrInsufficientData) {
		if o.met != nil {
			o.met.InsufficientData.Inc()
		}
		lg.Debug("insufficient data for bar, skipping")
		return
	}
	lg.Warn("evaluation error", "error", err)
}
