package common

import (
	"context"

	"github.com/shopspring/decimal"
)

// Capabilities lists optional venue features. It is resolved once when the
// gateway is constructed; callers branch on these flags instead of probing
// for methods at runtime.
type Capabilities struct {
	Streaming    bool // StreamTicker is backed by a push feed
	OrderQuery   bool // FetchOrder reports fills
	BalanceQuery bool // GetBalance returns authoritative balances
}

// Gateway abstracts a trading venue.
type Gateway interface {
	Name() string
	Capabilities() Capabilities

	GetBalance(ctx context.Context) (Balances, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderRecord, error)
	CancelOrder(ctx context.Context, pair, id string) (OrderStatus, error)
	// FetchOrder reports ok=false when the venue has no order with that id.
	FetchOrder(ctx context.Context, pair, id string) (rec OrderRecord, ok bool, err error)
	FetchTicker(ctx context.Context, pair string) (Ticker, error)
	// StreamTicker pushes ticker updates until ctx is cancelled or the
	// connection drops, at which point the channel is closed.
	StreamTicker(ctx context.Context, pair string) (<-chan Ticker, error)
}

// BalanceReader is the narrow slice of Gateway used for ledger resyncs.
type BalanceReader interface {
	GetBalance(ctx context.Context) (Balances, error)
}

// Balances maps a currency code to its balance.
type Balances map[string]Balance

// Free returns the free amount for currency, zero when absent.
func (b Balances) Free(currency string) decimal.Decimal {
	if bal, ok := b[currency]; ok {
		return bal.Free
	}
	return decimal.Zero
}

// Total returns the total amount for currency, zero when absent.
func (b Balances) Total(currency string) decimal.Decimal {
	if bal, ok := b[currency]; ok {
		return bal.Total
	}
	return decimal.Zero
}
