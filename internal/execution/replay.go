package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-core/internal/market"
	"grid-core/pkg/exchanges/common"
)

var (
	ErrNoCandle = errors.New("replay: no current candle")
	ErrNoVenue  = errors.New("replay: balances are simulated by the ledger")
)

// ReplayConfig tunes the simulator.
type ReplayConfig struct {
	Pair string
	// Slippage moves market fills away from the close: up for buys, down
	// for sells.
	Slippage decimal.Decimal
	FeeRate  decimal.Decimal
}

// Replay fills orders against historical candles. Market orders execute at
// the current close; limit orders rest until a later candle trades through
// their price. Order ids come from a counter, so identical inputs produce
// identical runs.
type Replay struct {
	cfg ReplayConfig
	log *zap.Logger

	mu      sync.Mutex
	seq     int
	candle  market.Candle
	ready   bool
	orders  map[string]*common.OrderRecord
	resting []string
}

func NewReplay(cfg ReplayConfig, log *zap.Logger) *Replay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Replay{cfg: cfg, log: log.Named("replay"), orders: make(map[string]*common.OrderRecord)}
}

func (r *Replay) Capabilities() Capabilities { return Capabilities{SyncFills: true} }

func (r *Replay) Pair() string { return r.cfg.Pair }

// Advance makes c the current candle and returns the resting orders it
// fills, in placement order. Buys fill when the low reaches their price and
// sells when the high does; both fill at their limit price.
func (r *Replay) Advance(c market.Candle) []common.OrderRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.candle, r.ready = c, true

	var fills []common.OrderRecord
	still := r.resting[:0]
	for _, id := range r.resting {
		o := r.orders[id]
		hit := (o.Side == common.SideBuy && c.Low.LessThanOrEqual(o.Price)) ||
			(o.Side == common.SideSell && c.High.GreaterThanOrEqual(o.Price))
		if !hit {
			still = append(still, id)
			continue
		}
		r.fill(o, o.Price, c)
		fills = append(fills, *o)
	}
	r.resting = still
	return fills
}

// PlaceMarket fills immediately at the current close adjusted by slippage.
func (r *Replay) PlaceMarket(_ context.Context, side common.Side, amount, _ decimal.Decimal) (common.OrderRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		return common.OrderRecord{}, &OrderExecutionFailedError{
			Side: side, Type: common.OrderTypeMarket, Pair: r.cfg.Pair, Amount: amount, Attempts: 1, Err: ErrNoCandle,
		}
	}
	px := r.candle.Close
	if side == common.SideBuy {
		px = px.Mul(decimal.NewFromInt(1).Add(r.cfg.Slippage))
	} else {
		px = px.Mul(decimal.NewFromInt(1).Sub(r.cfg.Slippage))
	}
	o := r.newOrder(side, common.OrderTypeMarket, amount, r.candle.Close)
	r.fill(o, px, r.candle)
	return *o, nil
}

// PlaceLimit rests an order until Advance fills it.
func (r *Replay) PlaceLimit(_ context.Context, side common.Side, amount, price decimal.Decimal) (common.OrderRecord, error) {
	if !amount.IsPositive() || !price.IsPositive() {
		return common.OrderRecord{}, &common.ExchangeError{Op: "place", Msg: fmt.Sprintf("invalid amount %s or price %s", amount, price)}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.newOrder(side, common.OrderTypeLimit, amount, price)
	r.resting = append(r.resting, o.ID)
	return *o, nil
}

func (r *Replay) Cancel(_ context.Context, id string) (common.OrderRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return common.OrderRecord{}, &common.ExchangeError{Op: "cancel", Msg: "unknown order " + id}
	}
	if o.Status == common.StatusOpen {
		o.Status = common.StatusCanceled
		for i, rid := range r.resting {
			if rid == id {
				r.resting = append(r.resting[:i], r.resting[i+1:]...)
				break
			}
		}
	}
	return *o, nil
}

func (r *Replay) Fetch(_ context.Context, id string) (common.OrderRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return common.OrderRecord{}, false, nil
	}
	return *o, true, nil
}

func (r *Replay) GetBalance(context.Context) (common.Balances, error) {
	return nil, ErrNoVenue
}

// Resting returns the number of open simulated orders.
func (r *Replay) Resting() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.resting)
}

// newOrder must be called with mu held.
func (r *Replay) newOrder(side common.Side, typ common.OrderType, amount, price decimal.Decimal) *common.OrderRecord {
	r.seq++
	o := &common.OrderRecord{
		ID:        fmt.Sprintf("replay-%06d", r.seq),
		Pair:      r.cfg.Pair,
		Side:      side,
		Type:      typ,
		Status:    common.StatusOpen,
		Price:     price,
		Amount:    amount,
		Timestamp: r.candle.Time,
	}
	o.VenueID = o.ID
	r.orders[o.ID] = o
	return o
}

// fill must be called with mu held.
func (r *Replay) fill(o *common.OrderRecord, px decimal.Decimal, c market.Candle) {
	o.Status = common.StatusClosed
	o.Filled = o.Amount
	o.AvgPrice = px
	o.Fee = o.Amount.Mul(px).Mul(r.cfg.FeeRate)
	o.Timestamp = c.Time
	r.log.Debug("simulated fill",
		zap.String("id", o.ID),
		zap.String("side", string(o.Side)),
		zap.String("price", px.String()),
		zap.String("amount", o.Amount.String()))
}
