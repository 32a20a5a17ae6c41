// Package model defines the core domain types shared across the bot:
// candle bars, timeframes, signals, and the narrow ports the decision
// core consumes (bar source, tradability, live prices).
package model

import (
	"fmt"
	"time"
)

// Timeframe is a candle resolution, e.g. M1, M15.
type Timeframe string

const (
	M1  Timeframe = "M1"
	M5  Timeframe = "M5"
	M15 Timeframe = "M15"
	M30 Timeframe = "M30"
	H1  Timeframe = "H1"
)

var timeframeDurations = map[Timeframe]time.Duration{
	M1:  time.Minute,
	M5:  5 * time.Minute,
	M15: 15 * time.Minute,
	M30: 30 * time.Minute,
	H1:  time.Hour,
}

// ParseTimeframe validates a timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeDurations[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Duration returns the length of one bar of this timeframe.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// NextBoundary returns the next bar-close boundary strictly after t.
// Boundaries are aligned to UTC midnight, which all supported
// timeframes divide evenly.
func (tf Timeframe) NextBoundary(t time.Time) time.Time {
	d := tf.Duration()
	return t.UTC().Truncate(d).Add(d)
}

// Bar is one closed OHLC candle for a single (symbol, timeframe).
//
// Time is the bar's close boundary in UTC. Sequences are ordered by
// strictly increasing Time and every element is a fully closed bar;
// the core never sees a still-forming candle.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// Closes extracts the close prices of a bar sequence.
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// Highs extracts the high prices of a bar sequence.
func Highs(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.High
	}
	return out
}

// Lows extracts the low prices of a bar sequence.
func Lows(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Low
	}
	return out
}

// Truncate returns the prefix of bars whose Time is at or before boundary.
// Input must be ordered by Time; the result shares the backing array.
func Truncate(bars []Bar, boundary time.Time) []Bar {
	n := len(bars)
	for n > 0 && bars[n-1].Time.After(boundary) {
		n--
	}
	return bars[:n]
}
