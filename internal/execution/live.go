package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-core/pkg/exchanges/common"
)

// LiveConfig tunes the live gateway's retry policy.
type LiveConfig struct {
	Pair       string
	MaxRetries int
	// RetryDelay is the fixed wait between market attempts and between
	// cancel attempts.
	RetryDelay time.Duration
	// Slippage is the total price concession spread across MaxRetries
	// market attempts.
	Slippage decimal.Decimal
	// Backoff governs idempotent reads such as order and balance queries.
	Backoff Backoff
}

// Live executes orders on an exchange.
type Live struct {
	ex    common.Gateway
	cfg   LiveConfig
	log   *zap.Logger
	obs   LatencyObserver
	newID func() string
}

// NewLive wraps ex. obs may be nil.
func NewLive(ex common.Gateway, cfg LiveConfig, log *zap.Logger, obs LatencyObserver) *Live {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.Backoff.Attempts == 0 {
		cfg.Backoff = DefaultBackoff
	}
	if log == nil {
		log = zap.NewNop()
	}
	if obs == nil {
		obs = nopObserver{}
	}
	return &Live{
		ex:    ex,
		cfg:   cfg,
		log:   log.Named("live").With(zap.String("venue", ex.Name()), zap.String("pair", cfg.Pair)),
		obs:   obs,
		newID: func() string { return "grid-" + uuid.NewString()[:18] },
	}
}

func (g *Live) Capabilities() Capabilities {
	caps := g.ex.Capabilities()
	return Capabilities{Authoritative: caps.BalanceQuery, Streaming: caps.Streaming}
}

func (g *Live) Pair() string { return g.cfg.Pair }

// Exchange exposes the underlying venue, e.g. for ticker streams.
func (g *Live) Exchange() common.Gateway { return g.ex }

// SlippagePrice concedes slippage/maxRetries × attempt of price in the
// direction that helps the order fill: up for buys, down for sells.
func SlippagePrice(side common.Side, price, slippage decimal.Decimal, maxRetries, attempt int) decimal.Decimal {
	if attempt <= 0 || maxRetries <= 0 || slippage.IsZero() {
		return price
	}
	step := slippage.Div(decimal.NewFromInt(int64(maxRetries))).Mul(decimal.NewFromInt(int64(attempt)))
	if side == common.SideBuy {
		return price.Mul(decimal.NewFromInt(1).Add(step))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(step))
}

// PlaceMarket fills amount across up to MaxRetries attempts. Before every
// retry the previous attempt's order is looked up by its client id: a CLOSED
// order is returned as is, an OPEN one is cancelled and only the unfilled
// remainder is placed again. Nothing is re-placed while the outcome of a
// previous attempt is unknown.
func (g *Live) PlaceMarket(ctx context.Context, side common.Side, amount, price decimal.Decimal) (common.OrderRecord, error) {
	agg := fillAggregate{pair: g.cfg.Pair, side: side, amount: amount, price: price}
	fail := func(attempts int, err error) error {
		g.log.Error("market order failed",
			zap.String("side", string(side)),
			zap.String("amount", amount.String()),
			zap.String("filled", agg.filled.String()),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return &OrderExecutionFailedError{
			Side: side, Type: common.OrderTypeMarket, Pair: g.cfg.Pair,
			Amount: amount, Price: price, Attempts: attempts,
			Partial: agg.record(), Err: err,
		}
	}

	var (
		prevID  string
		lastErr error
	)
	for attempt := 0; attempt < g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, g.cfg.RetryDelay); err != nil {
				return common.OrderRecord{}, fail(attempt, err)
			}
		}

		if prevID != "" {
			switch state, err := g.resolve(ctx, prevID, &agg); state {
			case resolvedClosed:
				return agg.record(), nil
			case resolvedStuck:
				return common.OrderRecord{}, fail(attempt, err)
			case resolvedUnknown:
				lastErr = err
				continue
			}
			prevID = ""
		}

		remaining := amount.Sub(agg.filled)
		if !remaining.IsPositive() {
			return agg.record(), nil
		}

		id := g.newID()
		prevID = id
		req := common.OrderRequest{
			Pair:     g.cfg.Pair,
			Side:     side,
			Type:     common.OrderTypeMarket,
			Amount:   remaining,
			Price:    SlippagePrice(side, price, g.cfg.Slippage, g.cfg.MaxRetries, attempt),
			ClientID: id,
		}
		rec, err := g.place(ctx, req)
		if err != nil {
			if common.IsRejected(err) {
				return common.OrderRecord{}, fail(attempt+1, err)
			}
			g.log.Warn("market order attempt failed", zap.Int("attempt", attempt+1), zap.String("client_id", id), zap.Error(err))
			lastErr = err
			continue
		}
		if rec.Status == common.StatusClosed {
			agg.add(rec)
			return agg.record(), nil
		}
		lastErr = fmt.Errorf("order %s %s with %s of %s filled", id, rec.Status, rec.Filled, rec.Amount)
		g.log.Info("market order not fully filled", zap.Int("attempt", attempt+1), zap.String("client_id", id), zap.String("filled", rec.Filled.String()))
	}

	// The last attempt may still be working on the venue.
	if prevID != "" {
		switch state, err := g.resolve(ctx, prevID, &agg); state {
		case resolvedClosed:
			return agg.record(), nil
		case resolvedStuck, resolvedUnknown:
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = errors.New("retries exhausted")
	}
	return common.OrderRecord{}, fail(g.cfg.MaxRetries, lastErr)
}

type resolution int

const (
	resolvedClear   resolution = iota // nothing rests on the venue, remainder may be re-placed
	resolvedClosed                    // previous attempt completed the order
	resolvedUnknown                   // could not learn the outcome; do not place
	resolvedStuck                     // order still rests and cancel failed
)

func (g *Live) resolve(ctx context.Context, id string, agg *fillAggregate) (resolution, error) {
	rec, ok, err := g.Fetch(ctx, id)
	if err != nil {
		g.log.Warn("cannot confirm previous attempt", zap.String("client_id", id), zap.Error(err))
		return resolvedUnknown, err
	}
	if !ok {
		// The placement never reached the venue.
		return resolvedClear, nil
	}
	switch rec.Status {
	case common.StatusClosed:
		agg.add(rec)
		g.log.Info("previous attempt already filled", zap.String("client_id", id))
		return resolvedClosed, nil
	case common.StatusCanceled:
		agg.add(rec)
		return resolvedClear, nil
	}

	final, err := g.cancel(ctx, id, rec)
	if err != nil {
		// Whatever filled is real even though the remainder may still rest.
		agg.add(rec)
		return resolvedStuck, err
	}
	agg.add(final)
	if final.Status == common.StatusClosed || !amountLeft(agg) {
		return resolvedClosed, nil
	}
	return resolvedClear, nil
}

func amountLeft(agg *fillAggregate) bool { return agg.amount.Sub(agg.filled).IsPositive() }

// PlaceLimit places a resting order once. When the response is lost to a
// network error the client id is looked up before giving up, so an order
// that did reach the venue is still tracked.
func (g *Live) PlaceLimit(ctx context.Context, side common.Side, amount, price decimal.Decimal) (common.OrderRecord, error) {
	id := g.newID()
	rec, err := g.place(ctx, common.OrderRequest{
		Pair: g.cfg.Pair, Side: side, Type: common.OrderTypeLimit,
		Amount: amount, Price: price, ClientID: id,
	})
	if err == nil {
		return rec, nil
	}
	if common.IsRetryable(err) {
		if found, ok, ferr := g.Fetch(ctx, id); ferr == nil && ok {
			g.log.Info("limit order found after lost response", zap.String("client_id", id))
			return found, nil
		}
	}
	return common.OrderRecord{}, fmt.Errorf("place limit %s %s @ %s: %w", side, amount, price, err)
}

// Cancel cancels id, retrying with a fixed delay.
func (g *Live) Cancel(ctx context.Context, id string) (common.OrderRecord, error) {
	return g.cancel(ctx, id, common.OrderRecord{ID: id, Pair: g.cfg.Pair, Status: common.StatusUnknown})
}

// cancel returns the order's state after cancellation. last is the most
// recent known state, used when the final lookup fails.
func (g *Live) cancel(ctx context.Context, id string, last common.OrderRecord) (common.OrderRecord, error) {
	var err error
	for attempt := 0; attempt < g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if serr := sleep(ctx, g.cfg.RetryDelay); serr != nil {
				break
			}
		}
		start := time.Now()
		var status common.OrderStatus
		status, err = g.ex.CancelOrder(ctx, g.cfg.Pair, id)
		g.obs.ObserveGatewayLatency("cancel", time.Since(start).Seconds())
		if err == nil {
			if rec, ok, ferr := g.Fetch(ctx, id); ferr == nil && ok {
				return rec, nil
			}
			last.Status = status
			return last, nil
		}
		g.log.Warn("cancel attempt failed", zap.String("client_id", id), zap.Int("attempt", attempt+1), zap.Error(err))
	}

	// A cancel is refused once the order is done; check before reporting.
	if rec, ok, ferr := g.Fetch(ctx, id); ferr == nil && ok && rec.Status != common.StatusOpen && rec.Status != common.StatusUnknown {
		return rec, nil
	}
	g.log.Error("cancel failed, order may still rest on venue", zap.String("client_id", id), zap.Int("attempts", g.cfg.MaxRetries), zap.Error(err))
	return last, fmt.Errorf("cancel %s: %w", id, err)
}

func (g *Live) Fetch(ctx context.Context, id string) (common.OrderRecord, bool, error) {
	type found struct {
		rec common.OrderRecord
		ok  bool
	}
	res, err := withRetry(ctx, g.cfg.Backoff, g.log, "fetch", func(ctx context.Context) (found, error) {
		start := time.Now()
		rec, ok, err := g.ex.FetchOrder(ctx, g.cfg.Pair, id)
		g.obs.ObserveGatewayLatency("fetch", time.Since(start).Seconds())
		return found{rec, ok}, err
	})
	return res.rec, res.ok, err
}

func (g *Live) GetBalance(ctx context.Context) (common.Balances, error) {
	return withRetry(ctx, g.cfg.Backoff, g.log, "balance", func(ctx context.Context) (common.Balances, error) {
		start := time.Now()
		defer func() { g.obs.ObserveGatewayLatency("balance", time.Since(start).Seconds()) }()
		return g.ex.GetBalance(ctx)
	})
}

func (g *Live) place(ctx context.Context, req common.OrderRequest) (common.OrderRecord, error) {
	start := time.Now()
	rec, err := g.ex.PlaceOrder(ctx, req)
	g.obs.ObserveGatewayLatency("place", time.Since(start).Seconds())
	if err == nil && rec.ID == "" {
		rec.ID = req.ClientID
	}
	return rec, err
}

// fillAggregate sums fills of successive attempts of one market order.
type fillAggregate struct {
	pair   string
	side   common.Side
	amount decimal.Decimal
	price  decimal.Decimal

	lastID string
	filled decimal.Decimal
	cost   decimal.Decimal
	fee    decimal.Decimal
}

func (a *fillAggregate) add(rec common.OrderRecord) {
	a.lastID = rec.ID
	if !rec.Filled.IsPositive() {
		return
	}
	px := rec.AvgPrice
	if !px.IsPositive() {
		px = rec.Price
	}
	a.filled = a.filled.Add(rec.Filled)
	a.cost = a.cost.Add(rec.Filled.Mul(px))
	a.fee = a.fee.Add(rec.Fee)
}

func (a *fillAggregate) record() common.OrderRecord {
	rec := common.OrderRecord{
		ID:        a.lastID,
		Pair:      a.pair,
		Side:      a.side,
		Type:      common.OrderTypeMarket,
		Status:    common.StatusOpen,
		Price:     a.price,
		Amount:    a.amount,
		Filled:    a.filled,
		Fee:       a.fee,
		Timestamp: time.Now(),
	}
	if a.filled.IsPositive() {
		rec.AvgPrice = a.cost.Div(a.filled)
	}
	if a.filled.GreaterThanOrEqual(a.amount) {
		rec.Status = common.StatusClosed
	}
	return rec
}
