// Package replay reconstructs decisions for recently closed primary bars
// on startup, so signals that fired while the process was down are still
// emitted. Each replayed bar sees only data at or before its own close
// time, and bars are processed strictly oldest to newest so cooldown
// entries suppress in the same order they would have live.
package replay

import (
	"context"
	"fmt"
	"log"
	"time"

	"signalbot/internal/model"
	"signalbot/internal/strategy"
)

// EmitFunc is the shared emission path: dedup check, journaling, delivery
// and record. Replay and the live loop use the same one.
type EmitFunc func(ctx context.Context, sig *model.Signal) error

// Coordinator replays the most recent closed primary bars per symbol.
type Coordinator struct {
	source         model.BarSource
	eval           *strategy.Evaluator
	emit           EmitFunc
	primaryTF      model.Timeframe
	confirmationTF model.Timeframe
	lookback       int // closed primary bars to replay
	fetchCount     int // bars fetched per timeframe
}

// New builds a coordinator. lookback is the number of most recent closed
// primary bars replayed per symbol; fetchCount must cover the evaluator's
// minimum sequence length plus the lookback.
func New(source model.BarSource, eval *strategy.Evaluator, emit EmitFunc,
	primaryTF, confirmationTF model.Timeframe, lookback, fetchCount int) (*Coordinator, error) {
	if lookback < 1 {
		return nil, fmt.Errorf("replay: lookback must be >= 1, got %d", lookback)
	}
	if min := eval.Params().MinBars() + lookback; fetchCount < min {
		return nil, fmt.Errorf("replay: fetch count %d cannot cover %d bars", fetchCount, min)
	}
	return &Coordinator{
		source:         source,
		eval:           eval,
		emit:           emit,
		primaryTF:      primaryTF,
		confirmationTF: confirmationTF,
		lookback:       lookback,
		fetchCount:     fetchCount,
	}, nil
}

// Run replays each symbol and returns the close time of the newest primary
// bar processed per symbol, for the live loop to resume from. A symbol
// whose data cannot be fetched is skipped with a warning; replay never
// aborts startup.
func (c *Coordinator) Run(ctx context.Context, symbols []string) (map[string]time.Time, error) {
	cursors := make(map[string]time.Time, len(symbols))
	for _, symbol := range symbols {
		cursor, err := c.replaySymbol(ctx, symbol)
		if err != nil {
			if ctx.Err() != nil {
				return cursors, ctx.Err()
			}
			log.Printf("[replay] %s: skipped: %v", symbol, err)
			continue
		}
		cursors[symbol] = cursor
	}
	return cursors, nil
}

func (c *Coordinator) replaySymbol(ctx context.Context, symbol string) (time.Time, error) {
	primary, err := c.source.FetchBars(ctx, symbol, c.primaryTF, c.fetchCount)
	if err != nil {
		return time.Time{}, fmt.Errorf("fetch %s bars: %w", c.primaryTF, err)
	}
	if len(primary) == 0 {
		return time.Time{}, fmt.Errorf("no %s bars", c.primaryTF)
	}

	start := len(primary) - c.lookback
	if start < 0 {
		start = 0
	}

	// Confirmation bars are fetched lazily: most replayed bars fail the
	// primary gates and never need them.
	var confirmation []model.Bar

	for i := start; i < len(primary); i++ {
		boundary := primary[i].Time
		window := primary[:i+1]

		need, err := c.eval.RequiresConfirmation(window, boundary)
		if err != nil || !need {
			continue
		}
		if confirmation == nil {
			confirmation, err = c.source.FetchBars(ctx, symbol, c.confirmationTF, c.fetchCount)
			if err != nil {
				return time.Time{}, fmt.Errorf("fetch %s bars: %w", c.confirmationTF, err)
			}
		}

		sig, err := c.eval.Evaluate(window, model.Truncate(confirmation, boundary), symbol, boundary, 0)
		if err != nil || sig == nil {
			continue
		}
		log.Printf("[replay] %s: recovered %s at %s", symbol, sig.Scenario, boundary.Format(time.RFC3339))
		if err := c.emit(ctx, sig); err != nil {
			log.Printf("[replay] %s: emit failed: %v", symbol, err)
		}
	}
	return primary[len(primary)-1].Time, nil
}
