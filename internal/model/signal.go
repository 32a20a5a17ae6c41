package model

import (
	"time"

	"github.com/google/uuid"
)

// Direction is the trade side of a signal.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// Scenario identifies which setup variant produced a signal. The set is
// closed: every consumer must switch exhaustively over these values.
type Scenario string

const (
	// Dual-timeframe scenarios: primary gates passed, confirmed on the
	// confirmation timeframe by a stochastic cross in zone (S1) or an
	// LWMA cross (S2).
	BuyS1  Scenario = "BUY_S1"
	BuyS2  Scenario = "BUY_S2"
	SellS1 Scenario = "SELL_S1"
	SellS2 Scenario = "SELL_S2"

	// Single-timeframe, low-confidence scenarios.
	BuyM1  Scenario = "BUY_M1"
	SellM1 Scenario = "SELL_M1"
)

// Direction returns the trade side implied by the scenario.
func (s Scenario) Direction() Direction {
	switch s {
	case BuyS1, BuyS2, BuyM1:
		return Buy
	case SellS1, SellS2, SellM1:
		return Sell
	}
	return ""
}

// LowConfidence reports whether the scenario comes from single-timeframe
// evaluation (no dual-timeframe triangulation).
func (s Scenario) LowConfidence() bool {
	return s == BuyM1 || s == SellM1
}

// IndicatorSnapshot captures the indicator values at the bar that produced
// a signal. Derived and ephemeral: recomputed per evaluation, persisted
// only as part of an emitted Signal.
type IndicatorSnapshot struct {
	LWMAFast float64 `json:"lwma_fast"`
	LWMASlow float64 `json:"lwma_slow"`
	StochK   float64 `json:"stoch_k"`
	StochD   float64 `json:"stoch_d"`
}

// RiskContext carries optional ATR-derived trade management levels.
type RiskContext struct {
	StopDistance      float64 `json:"stop_distance"`
	InvalidationPrice float64 `json:"invalidation_price"`
	TP1Price          float64 `json:"tp1_price"`
	TP2Price          float64 `json:"tp2_price"`
}

// Signal is one tradeable setup detected by the strategy evaluator.
// Immutable after creation; its lifetime ends when handed to the notifier.
//
// PrimaryBarTime is the close boundary of the primary bar that triggered
// the evaluation; it is zero for single-timeframe scenarios, where only
// ConfirmationBarTime is set.
type Signal struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`
	Scenario  Scenario  `json:"scenario"`
	Price     float64   `json:"price"`
	CreatedAt time.Time `json:"created_at_utc"`

	PrimaryBarTime      time.Time `json:"primary_bar_time_utc,omitempty"`
	ConfirmationBarTime time.Time `json:"confirmation_bar_time_utc,omitempty"`

	PrimaryIndicators      *IndicatorSnapshot `json:"primary_indicators,omitempty"`
	ConfirmationIndicators *IndicatorSnapshot `json:"confirmation_indicators,omitempty"`

	Risk *RiskContext `json:"risk,omitempty"`
}

// NewSignalID returns an opaque unique signal token.
func NewSignalID() string {
	return uuid.NewString()
}

// BarTime returns the bar time used for identity: the primary bar when
// present, otherwise the confirmation bar.
func (s *Signal) BarTime() time.Time {
	if !s.PrimaryBarTime.IsZero() {
		return s.PrimaryBarTime
	}
	return s.ConfirmationBarTime
}

// IdempotencyKey uniquely identifies one specific setup occurrence.
func (s *Signal) IdempotencyKey() string {
	return s.Symbol + "|" + string(s.Direction) + "|" + string(s.Scenario) +
		"|" + s.BarTime().UTC().Format(time.RFC3339)
}

// CooldownKey identifies the (symbol, direction) pair used to suppress
// same-direction alerts within the cooldown window.
func (s *Signal) CooldownKey() string {
	return s.Symbol + "|" + string(s.Direction)
}
