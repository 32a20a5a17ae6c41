package strategy

import (
	"fmt"

	"signalbot/internal/indicator"
)

// crossSafety is the extra history required so that crossover tests always
// have two defined values behind them.
const crossSafety = 2

// Params holds the indicator configuration shared by both timeframes.
type Params struct {
	LWMAFast     int
	LWMASlow     int
	StochK       int
	StochD       int
	StochSlowing int
	BuyZone      indicator.Zone
	SellZone     indicator.Zone
}

// Validate rejects malformed parameters before any numeric work happens.
func (p Params) Validate() error {
	for name, v := range map[string]int{
		"lwma fast":     p.LWMAFast,
		"lwma slow":     p.LWMASlow,
		"stoch k":       p.StochK,
		"stoch d":       p.StochD,
		"stoch slowing": p.StochSlowing,
	} {
		if v < 1 {
			return fmt.Errorf("strategy: %s period must be >= 1, got %d", name, v)
		}
	}
	if p.LWMAFast >= p.LWMASlow {
		return fmt.Errorf("strategy: lwma fast period (%d) must be below slow period (%d)", p.LWMAFast, p.LWMASlow)
	}
	for name, z := range map[string]indicator.Zone{
		"buy":  p.BuyZone,
		"sell": p.SellZone,
	} {
		if z.Low > z.High {
			return fmt.Errorf("strategy: %s zone bounds inverted: [%v, %v]", name, z.Low, z.High)
		}
	}
	return nil
}

// MinBars returns the minimum sequence length required before any gate can
// be evaluated: enough history for the slowest line plus the cross-safety
// margin.
func (p Params) MinBars() int {
	stochReady := p.StochK + p.StochSlowing + p.StochD
	min := p.LWMASlow
	if stochReady > min {
		min = stochReady
	}
	return min + crossSafety
}

// RegimeFilter optionally suppresses signals in trendless markets by
// requiring a minimum ADX on the primary timeframe.
type RegimeFilter struct {
	Enabled   bool
	ADXPeriod int
	MinADX    float64
}

// RiskConfig optionally attaches ATR-derived trade management levels to
// emitted signals.
type RiskConfig struct {
	Enabled        bool
	ATRPeriod      int
	StopMultiplier float64
	RR1            float64
	RR2            float64
}
