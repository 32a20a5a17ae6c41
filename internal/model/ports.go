package model

import (
	"context"
	"errors"
)

// ── External Collaborator Ports ──
// These interfaces decouple the decision core from the broker adapter and
// its caching layers. The broker client satisfies all of them; decorators
// (e.g. the Redis bar cache) satisfy BarSource only.

// ErrNoData signals that the bar source has no data for a symbol and
// timeframe. Distinct from an empty-but-valid fetch, which never occurs:
// sources must return this error instead of a silent empty sequence.
var ErrNoData = errors.New("model: no bar data available")

// BarSource provides closed candle history.
type BarSource interface {
	// FetchBars returns up to count closed bars for symbol at tf, ordered
	// by strictly increasing Time (UTC close boundaries). The last element
	// is always a closed bar. Returns ErrNoData when nothing is available.
	FetchBars(ctx context.Context, symbol string, tf Timeframe, count int) ([]Bar, error)
}

// TradabilityChecker reports whether a symbol can currently be traded.
// False means "skip this symbol for this cycle", not an error.
type TradabilityChecker interface {
	IsTradable(ctx context.Context, symbol string) (bool, error)
}

// PriceSource exposes the latest live price for a symbol, typically fed by
// a streaming quote feed. Returns 0 when no quote has been seen yet.
type PriceSource interface {
	CurrentPrice(symbol string) float64
}
