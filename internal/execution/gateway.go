// Package execution places, cancels and queries grid orders, either on a
// live venue or against replayed candles.
package execution

import (
	"context"

	"github.com/shopspring/decimal"

	"grid-core/pkg/exchanges/common"
)

// Capabilities describes what a Gateway does on its own. It is fixed at
// construction.
type Capabilities struct {
	// SyncFills means fills are produced by Replay.Advance and never need
	// polling.
	SyncFills bool
	// Authoritative means balances live on a venue and the ledger should be
	// resynced from it.
	Authoritative bool
	// Streaming means a push ticker feed is available.
	Streaming bool
}

// Gateway is the order execution contract shared by live and replay modes.
type Gateway interface {
	Capabilities() Capabilities
	Pair() string

	// PlaceMarket buys or sells amount near price, retrying until the whole
	// amount is filled or the retry budget runs out.
	PlaceMarket(ctx context.Context, side common.Side, amount, price decimal.Decimal) (common.OrderRecord, error)
	// PlaceLimit places a resting order once.
	PlaceLimit(ctx context.Context, side common.Side, amount, price decimal.Decimal) (common.OrderRecord, error)
	// Cancel cancels id and returns the order's final state.
	Cancel(ctx context.Context, id string) (common.OrderRecord, error)
	// Fetch returns ok=false when the venue does not know id.
	Fetch(ctx context.Context, id string) (common.OrderRecord, bool, error)
	GetBalance(ctx context.Context) (common.Balances, error)
}

// LatencyObserver receives the duration of each venue call.
type LatencyObserver interface {
	ObserveGatewayLatency(op string, seconds float64)
}

type nopObserver struct{}

func (nopObserver) ObserveGatewayLatency(string, float64) {}
