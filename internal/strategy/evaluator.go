// Package strategy implements the dual-timeframe strategy evaluator.
//
// Each evaluation is a pure function of its inputs: a primary-timeframe bar
// sequence, an optional confirmation-timeframe sequence, and the evaluation
// boundary. No state survives between calls, so results are exactly
// reproducible given identical bars.
//
// Gate order for a BUY (mirrored for SELL):
//
//  1. trend: primary fast LWMA strictly above slow LWMA
//  2. zone: primary stochastic %K inside the buy zone
//  3. cross: primary %K crossed above %D on the last two closed bars
//  4. confirmation selection: the latest confirmation bar inside
//     (previousPrimaryBoundary, currentPrimaryBoundary]; none → no signal
//  5. variant S1: confirmation %K crossed above %D and is inside the zone
//  6. variant S2: confirmation fast LWMA crossed above slow LWMA
//
// The first satisfied variant wins, in the fixed order BUY_S1, BUY_S2,
// SELL_S1, SELL_S2. Later gates are never evaluated once an earlier gate
// fails; in particular callers can use RequiresConfirmation to skip the
// confirmation fetch entirely.
package strategy

import (
	"errors"
	"time"

	"signalbot/internal/indicator"
	"signalbot/internal/model"
)

// ErrInsufficientData reports that a sequence was too short or contained
// undefined indicator values at the decision indexes. Distinct from a
// "no setup" outcome (nil signal, nil error): callers should skip the
// cycle rather than treat it as a strategy rejection.
var ErrInsufficientData = errors.New("strategy: insufficient data for evaluation")

// lines bundles the four indicator series computed over one sequence.
type lines struct {
	fast, slow, k, d []float64
}

// computeFunc derives indicator lines from closing prices. Replaceable in
// tests to drive the gates directly.
type computeFunc func(close []float64, p Params) lines

func computeLines(close []float64, p Params) lines {
	k, d := indicator.Stochastic(close, p.StochK, p.StochD, p.StochSlowing)
	return lines{
		fast: indicator.LWMA(close, p.LWMAFast),
		slow: indicator.LWMA(close, p.LWMASlow),
		k:    k,
		d:    d,
	}
}

// Evaluator applies the strategy gates. Stateless between calls and safe
// for sequential reuse across symbols.
type Evaluator struct {
	params  Params
	regime  RegimeFilter
	risk    RiskConfig
	compute computeFunc
	now     func() time.Time
}

// New validates the parameters and returns an evaluator.
func New(params Params, regime RegimeFilter, risk RiskConfig) (*Evaluator, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if regime.Enabled && regime.ADXPeriod < 1 {
		return nil, errors.New("strategy: regime filter ADX period must be >= 1")
	}
	if risk.Enabled && risk.ATRPeriod < 1 {
		return nil, errors.New("strategy: risk context ATR period must be >= 1")
	}
	return &Evaluator{
		params:  params,
		regime:  regime,
		risk:    risk,
		compute: computeLines,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Params returns the evaluator's indicator parameters.
func (e *Evaluator) Params() Params { return e.params }

// context holds one sequence with its computed lines.
type context struct {
	bars  []model.Bar
	lines lines
	idx   int // last closed index
}

func (c *context) snapshotAt(i int) *model.IndicatorSnapshot {
	return &model.IndicatorSnapshot{
		LWMAFast: c.lines.fast[i],
		LWMASlow: c.lines.slow[i],
		StochK:   c.lines.k[i],
		StochD:   c.lines.d[i],
	}
}

// definedAt reports whether all four lines are defined at i-1 and i.
func (c *context) definedAt(i int) bool {
	for _, series := range [][]float64{c.lines.fast, c.lines.slow, c.lines.k, c.lines.d} {
		if isNaN(series[i-1]) || isNaN(series[i]) {
			return false
		}
	}
	return true
}

func isNaN(v float64) bool { return v != v }

// buildContext truncates bars to the boundary (non-look-ahead), enforces
// the length precondition, and computes the indicator lines.
func (e *Evaluator) buildContext(bars []model.Bar, boundary time.Time) (*context, error) {
	if !boundary.IsZero() {
		bars = model.Truncate(bars, boundary)
	}
	if len(bars) < e.params.MinBars() {
		return nil, ErrInsufficientData
	}
	return &context{
		bars:  bars,
		lines: e.compute(model.Closes(bars), e.params),
		idx:   len(bars) - 1,
	}, nil
}

// preGates evaluates the primary-only gates (trend, zone, cross) in order.
func (e *Evaluator) preGates(p *context) (buy, sell bool, err error) {
	if !p.definedAt(p.idx) {
		return false, false, ErrInsufficientData
	}
	trend := indicator.Order(p.lines.fast[p.idx], p.lines.slow[p.idx])
	kCur := p.lines.k[p.idx]
	crossAbove, crossBelow := indicator.Cross(p.lines.k, p.lines.d, p.idx)

	buy = trend == indicator.Bullish && e.params.BuyZone.Contains(kCur) && crossAbove
	sell = trend == indicator.Bearish && e.params.SellZone.Contains(kCur) && crossBelow
	return buy, sell, nil
}

// RequiresConfirmation reports whether the primary-only gates pass at the
// boundary, letting the caller skip the confirmation-timeframe fetch when
// they do not. The answer accounts for the regime filter, so a true result
// means Evaluate will proceed to the confirmation gates.
func (e *Evaluator) RequiresConfirmation(primary []model.Bar, boundary time.Time) (bool, error) {
	p, err := e.buildContext(primary, boundary)
	if err != nil {
		return false, err
	}
	buy, sell, err := e.preGates(p)
	if err != nil {
		return false, err
	}
	if !buy && !sell {
		return false, nil
	}
	return e.passesRegime(p.bars), nil
}

// Evaluate runs the full dual-timeframe gate sequence and returns the first
// matching signal, nil when no setup exists, or ErrInsufficientData.
// livePrice, when positive, overrides the confirmation bar close as the
// signal price.
func (e *Evaluator) Evaluate(primary, confirmation []model.Bar, symbol string, boundary time.Time, livePrice float64) (*model.Signal, error) {
	p, err := e.buildContext(primary, boundary)
	if err != nil {
		return nil, err
	}
	buyPre, sellPre, err := e.preGates(p)
	if err != nil {
		return nil, err
	}
	if !buyPre && !sellPre {
		return nil, nil
	}
	if !e.passesRegime(p.bars) {
		return nil, nil
	}

	curBoundary := p.bars[p.idx].Time
	prevBoundary := p.bars[p.idx-1].Time

	c, err := e.buildContext(confirmation, curBoundary)
	if err != nil {
		return nil, err
	}
	pos := latestInWindow(c.bars, prevBoundary, curBoundary)
	if pos < 0 {
		// Stale or absent confirmation is a hard rejection.
		return nil, nil
	}
	if pos < 1 || !c.definedAt(pos) {
		return nil, ErrInsufficientData
	}

	price := livePrice
	if price <= 0 {
		price = c.bars[pos].Close
	}

	stochAbove, stochBelow := indicator.Cross(c.lines.k, c.lines.d, pos)
	lwmaAbove, lwmaBelow := indicator.Cross(c.lines.fast, c.lines.slow, pos)

	if buyPre {
		if stochAbove && e.params.BuyZone.Contains(c.lines.k[pos]) {
			return e.dualSignal(model.BuyS1, symbol, price, p, c, pos), nil
		}
		if lwmaAbove {
			return e.dualSignal(model.BuyS2, symbol, price, p, c, pos), nil
		}
		return nil, nil
	}
	if stochBelow && e.params.SellZone.Contains(c.lines.k[pos]) {
		return e.dualSignal(model.SellS1, symbol, price, p, c, pos), nil
	}
	if lwmaBelow {
		return e.dualSignal(model.SellS2, symbol, price, p, c, pos), nil
	}
	return nil, nil
}

// EvaluateSingleTF runs the weaker single-timeframe gates over the
// confirmation-resolution sequence alone: an LWMA crossover plus stochastic
// zone membership on the latest closed bar. Resulting signals are tagged
// with the low-confidence scenarios.
func (e *Evaluator) EvaluateSingleTF(bars []model.Bar, symbol string, livePrice float64) (*model.Signal, error) {
	c, err := e.buildContext(bars, time.Time{})
	if err != nil {
		return nil, err
	}
	if !c.definedAt(c.idx) {
		return nil, ErrInsufficientData
	}

	price := livePrice
	if price <= 0 {
		price = c.bars[c.idx].Close
	}
	kCur := c.lines.k[c.idx]
	crossAbove, crossBelow := indicator.Cross(c.lines.fast, c.lines.slow, c.idx)

	switch {
	case crossAbove && e.params.BuyZone.Contains(kCur):
		return e.singleSignal(model.BuyM1, symbol, price, c), nil
	case crossBelow && e.params.SellZone.Contains(kCur):
		return e.singleSignal(model.SellM1, symbol, price, c), nil
	}
	return nil, nil
}

func (e *Evaluator) dualSignal(sc model.Scenario, symbol string, price float64, p, c *context, pos int) *model.Signal {
	return &model.Signal{
		ID:                     model.NewSignalID(),
		Symbol:                 symbol,
		Direction:              sc.Direction(),
		Scenario:               sc,
		Price:                  price,
		CreatedAt:              e.now(),
		PrimaryBarTime:         p.bars[p.idx].Time,
		ConfirmationBarTime:    c.bars[pos].Time,
		PrimaryIndicators:      p.snapshotAt(p.idx),
		ConfirmationIndicators: c.snapshotAt(pos),
		Risk:                   e.riskContext(p, sc.Direction(), price),
	}
}

func (e *Evaluator) singleSignal(sc model.Scenario, symbol string, price float64, c *context) *model.Signal {
	return &model.Signal{
		ID:                     model.NewSignalID(),
		Symbol:                 symbol,
		Direction:              sc.Direction(),
		Scenario:               sc,
		Price:                  price,
		CreatedAt:              e.now(),
		ConfirmationBarTime:    c.bars[c.idx].Time,
		ConfirmationIndicators: c.snapshotAt(c.idx),
	}
}

// passesRegime applies the optional ADX regime filter over primary bars.
func (e *Evaluator) passesRegime(bars []model.Bar) bool {
	if !e.regime.Enabled {
		return true
	}
	if len(bars) < e.regime.ADXPeriod {
		return false
	}
	adx := indicator.ADX(model.Highs(bars), model.Lows(bars), model.Closes(bars), e.regime.ADXPeriod)
	last := adx[len(adx)-1]
	return !isNaN(last) && last >= e.regime.MinADX
}

// riskContext derives ATR-based management levels, or nil when disabled or
// not computable.
func (e *Evaluator) riskContext(p *context, dir model.Direction, entry float64) *model.RiskContext {
	if !e.risk.Enabled || len(p.bars) < e.risk.ATRPeriod {
		return nil
	}
	atr := indicator.ATR(model.Highs(p.bars), model.Lows(p.bars), model.Closes(p.bars), e.risk.ATRPeriod)
	last := atr[len(atr)-1]
	if isNaN(last) {
		return nil
	}
	stop := last * e.risk.StopMultiplier
	sign := 1.0
	if dir == model.Sell {
		sign = -1.0
	}
	return &model.RiskContext{
		StopDistance:      stop,
		InvalidationPrice: p.lines.fast[p.idx],
		TP1Price:          entry + sign*stop*e.risk.RR1,
		TP2Price:          entry + sign*stop*e.risk.RR2,
	}
}

// latestInWindow returns the index of the latest bar with
// low < bar.Time <= high, or -1 when none exists.
func latestInWindow(bars []model.Bar, low, high time.Time) int {
	for i := len(bars) - 1; i >= 0; i-- {
		t := bars[i].Time
		if t.After(high) {
			continue
		}
		if t.After(low) {
			return i
		}
		break // ordered sequence: everything earlier is out of window too
	}
	return -1
}
