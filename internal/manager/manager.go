// Package manager runs the grid state machine: it deploys initial capital
// when the trigger price is reached, keeps one order on every level, and
// recycles each fill into the opposite order one level away.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-core/internal/balance"
	"grid-core/internal/events"
	"grid-core/internal/execution"
	"grid-core/internal/grid"
	"grid-core/internal/order"
	"grid-core/internal/session"
	"grid-core/pkg/exchanges/common"
)

var one = decimal.NewFromInt(1)

// Config sizes orders and bounds the post-purchase resync.
type Config struct {
	// Budget caps the fiat used to size the grid. Zero means the ledger's
	// free fiat at deployment.
	Budget decimal.Decimal
	// OrderAmount fixes the base amount per level. Zero derives it from
	// the budget.
	OrderAmount     decimal.Decimal
	AmountPrecision int32
	// Slippage is added to market buy reservations.
	Slippage       decimal.Decimal
	ResyncAttempts int
	ResyncDelay    time.Duration
}

// Recorder receives order counters. monitor.Metrics implements it.
type Recorder interface {
	OrderPlaced(side, typ string)
	OrderFilled(side string, fee float64)
	OrderFailed(reason string)
}

type nopRecorder struct{}

func (nopRecorder) OrderPlaced(string, string)  {}
func (nopRecorder) OrderFilled(string, float64) {}
func (nopRecorder) OrderFailed(string)          {}

// Stats summarises trading activity for reports.
type Stats struct {
	State      State
	Paused     bool
	Amount     decimal.Decimal // per-level base amount
	GridTrades int             // completed buy-then-sell round trips
	Realized   decimal.Decimal // profit of those round trips net of fees
	Orders     int
}

// Manager drives one session. All operations are serialised; ledger and book
// mutations inside them are short and never span a venue call.
type Manager struct {
	cfg    Config
	sess   *session.Session
	gw     execution.Gateway
	bus    *events.Bus
	log    *zap.Logger
	rec    Recorder
	ladder *grid.Ladder
	ledger *balance.Ledger
	book   *order.Book

	mu         sync.Mutex
	state      State
	last       decimal.Decimal
	hasLast    bool
	paused     bool
	amount     decimal.Decimal
	entries    map[string]decimal.Decimal // paired sell id -> buy fill price
	owed       map[int]owedOrder          // level -> pair waiting on that level's own fill
	settled    map[string]bool
	gridTrades int
	realized   decimal.Decimal
	haltErr    error
}

// owedOrder is a paired order whose level still held an order that had
// closed on the venue but whose fill was not yet handled.
type owedOrder struct {
	side  common.Side
	ref   decimal.Decimal
	entry decimal.Decimal
}

// New creates a manager for sess. rec may be nil.
func New(sess *session.Session, gw execution.Gateway, bus *events.Bus, cfg Config, rec Recorder, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Manager{
		cfg:     cfg,
		sess:    sess,
		gw:      gw,
		bus:     bus,
		log:     log.Named("manager").With(zap.String("session", sess.ID), zap.String("pair", sess.Pair)),
		rec:     rec,
		ladder:  sess.Ladder,
		ledger:  sess.Ledger,
		book:    sess.Book,
		entries: make(map[string]decimal.Decimal),
		owed:    make(map[int]owedOrder),
		settled: make(map[string]bool),
	}
}

// Attach subscribes the manager to fill, cancel and trend topics. The
// returned function detaches it.
func (m *Manager) Attach(ctx context.Context) func() {
	offs := []func(){
		m.bus.On(events.EventOrderFilled, func(p any) {
			if f, ok := p.(events.Fill); ok {
				m.OnFill(ctx, f)
			}
		}),
		m.bus.On(events.EventOrderCanceled, func(p any) {
			if c, ok := p.(events.OrderChange); ok {
				m.OnCanceled(c)
			}
		}),
		m.bus.On(events.EventTrendPause, func(any) { m.SetPaused(true) }),
		m.bus.On(events.EventTrendResume, func(any) { m.SetPaused(false) }),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// HaltReason returns the error that halted the manager, if any.
func (m *Manager) HaltReason() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.haltErr
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		State:      m.state,
		Paused:     m.paused,
		Amount:     m.amount,
		GridTrades: m.gridTrades,
		Realized:   m.realized,
		Orders:     m.book.Len(),
	}
}

// SetPaused suspends or resumes new placements. Resting orders are kept and
// fills are still settled; their paired orders wait for the resume.
func (m *Manager) SetPaused(p bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused != p {
		m.log.Info("trend pause changed", zap.Bool("paused", p))
	}
	m.paused = p
}

// Halt stops all further placement until the session is rebuilt.
func (m *Manager) Halt(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halt(err)
}

func (m *Manager) halt(err error) {
	if m.state == Halted || m.state == Stopped {
		return
	}
	m.state = Halted
	m.haltErr = err
	m.rec.OrderFailed("halted")
	m.log.Error("trading halted pending manual intervention", zap.Error(err))
}

// OnPrice advances the state machine with the latest price.
func (m *Manager) OnPrice(ctx context.Context, price decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer func() { m.last, m.hasLast = price, true }()

	switch m.state {
	case AwaitingTrigger:
		if m.paused || !m.triggered(price) {
			return nil
		}
		m.log.Info("trigger reached", zap.String("price", price.String()), zap.String("trigger", m.sess.Trigger().String()))
		m.state = Deploying
		if err := m.deploy(ctx, price); err != nil {
			if m.state == Deploying {
				m.state = AwaitingTrigger
			}
			return err
		}
		m.state = GridActive
		m.placePending(ctx, price)
	case GridActive:
		if !m.paused {
			m.placePending(ctx, price)
		}
	}
	return nil
}

// triggered reports whether price crossed the trigger since the last update
// or already sits inside the grid.
func (m *Manager) triggered(price decimal.Decimal) bool {
	if m.sess.Grid.Contains(price) {
		return true
	}
	if !m.hasLast {
		return false
	}
	trig := m.sess.Trigger()
	return m.last.Sub(trig).Sign()*price.Sub(trig).Sign() <= 0
}

// deploy buys enough crypto to back every sell level.
func (m *Manager) deploy(ctx context.Context, price decimal.Decimal) error {
	g := m.sess.Grid
	buys, sells := g.Counts()

	amount, err := m.levelAmount(buys + sells)
	if err != nil {
		return err
	}
	m.amount = amount

	need := amount.Mul(decimal.NewFromInt(int64(sells))).Sub(m.ledger.Snapshot().FreeCrypto)
	authoritative := m.gw.Capabilities().Authoritative
	if authoritative {
		// the venue takes its fee out of the bought crypto
		need = need.Mul(one.Add(m.ledger.FeeRate()))
	}
	need = need.RoundCeil(m.cfg.AmountPrecision)

	if need.IsPositive() {
		reserve := need.Mul(price).Mul(one.Add(m.cfg.Slippage)).Mul(one.Add(m.ledger.FeeRate()))
		if err := m.ledger.Reserve(m.sess.Ledger.Quote(), reserve); err != nil {
			m.rec.OrderFailed("insufficient_balance")
			return fmt.Errorf("initial purchase: %w", err)
		}
		rec, err := m.gw.PlaceMarket(ctx, common.SideBuy, need, price)
		if err != nil {
			m.rec.OrderFailed("execution")
			m.settleFailedMarket(common.SideBuy, reserve, err)
			m.log.Error("initial purchase failed, grid not deployed", zap.Error(err))
			return fmt.Errorf("initial purchase: %w", err)
		}
		m.recordMarket(rec, reserve)
		if err := m.settle(common.SideBuy, reserve, rec.Filled, fillPrice(rec)); err != nil {
			return err
		}
		m.log.Info("initial purchase filled",
			zap.String("amount", rec.Filled.String()),
			zap.String("avg_price", fillPrice(rec).String()))
	}

	if authoritative {
		if err := m.ledger.ResyncAfterPurchase(ctx, m.gw, m.cfg.ResyncAttempts, m.cfg.ResyncDelay); err != nil {
			m.halt(err)
			return fmt.Errorf("abort grid placement: %w", err)
		}
	}
	m.log.Info("grid deployed",
		zap.Int("buy_levels", buys),
		zap.Int("sell_levels", sells),
		zap.String("amount_per_level", amount.String()))
	return nil
}

func (m *Manager) levelAmount(levels int) (decimal.Decimal, error) {
	if m.cfg.OrderAmount.IsPositive() {
		return m.cfg.OrderAmount.Truncate(m.cfg.AmountPrecision), nil
	}
	budget := m.ledger.Snapshot().FreeFiat
	if m.cfg.Budget.IsPositive() && m.cfg.Budget.LessThan(budget) {
		budget = m.cfg.Budget
	}
	if levels == 0 {
		return decimal.Zero, errors.New("grid has no tradable levels")
	}
	amount := budget.Div(decimal.NewFromInt(int64(levels))).Div(m.sess.Trigger()).Truncate(m.cfg.AmountPrecision)
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("budget %s too small for %d levels", budget, levels)
	}
	return amount, nil
}

// placePending places every level that still owes an order, provided the
// side makes sense at price: buys below it, sells above it.
func (m *Manager) placePending(ctx context.Context, price decimal.Decimal) {
	for _, slot := range m.ladder.Pending() {
		m.placeLevel(ctx, slot.Level, slot.Side, price, decimal.Zero)
	}
}

func (m *Manager) placeLevel(ctx context.Context, lvl grid.Level, side common.Side, price, entry decimal.Decimal) {
	if m.state != GridActive || m.paused {
		m.ladder.MarkEmpty(lvl.Index, side)
		return
	}
	if (side == common.SideBuy && !lvl.Price.LessThan(price)) || (side == common.SideSell && !lvl.Price.GreaterThan(price)) {
		m.ladder.MarkEmpty(lvl.Index, side)
		return
	}

	currency, reserve := m.ledger.Base(), m.amount
	if side == common.SideBuy {
		currency = m.ledger.Quote()
		reserve = m.amount.Mul(lvl.Price).Mul(one.Add(m.ledger.FeeRate()))
	}
	if err := m.ledger.Reserve(currency, reserve); err != nil {
		m.log.Warn("level left empty", zap.Int("level", lvl.Index), zap.String("side", string(side)), zap.Error(err))
		m.rec.OrderFailed("insufficient_balance")
		m.ladder.MarkEmpty(lvl.Index, side)
		return
	}

	rec, err := m.gw.PlaceLimit(ctx, side, m.amount, lvl.Price)
	if err != nil {
		if rerr := m.ledger.Release(currency, reserve); rerr != nil {
			m.halt(rerr)
		}
		m.log.Warn("grid order failed, level will be retried",
			zap.Int("level", lvl.Index), zap.String("side", string(side)),
			zap.String("price", lvl.Price.String()), zap.Error(err))
		m.rec.OrderFailed(failureReason(err))
		m.ladder.MarkEmpty(lvl.Index, side)
		return
	}

	o := order.FromRecord(rec, reserve)
	// an immediate fill is picked up by the status poll
	o.Status = common.StatusOpen
	if err := m.book.Add(o); err != nil {
		m.log.Error("order book rejected order, level will be retried", zap.String("order_id", o.ID), zap.Error(err))
		if rerr := m.ledger.Release(currency, reserve); rerr != nil {
			m.halt(rerr)
		}
		m.rec.OrderFailed("book")
		m.ladder.MarkEmpty(lvl.Index, side)
		return
	}
	m.ladder.MarkPlaced(lvl.Index, o.ID, side)
	if entry.IsPositive() {
		m.entries[o.ID] = entry
	}
	m.rec.OrderPlaced(string(side), string(common.OrderTypeLimit))
	m.log.Debug("grid order placed", zap.Int("level", lvl.Index), zap.String("side", string(side)), zap.String("price", lvl.Price.String()), zap.String("order_id", o.ID))
	m.bus.Publish(events.EventOrderPlaced, events.OrderChange{
		OrderID: o.ID, Side: side, Type: common.OrderTypeLimit, Price: lvl.Price, Amount: m.amount, Level: lvl.Index,
	})
}

// OnFill settles a completed order and places its pair one level away: a
// buy fill gets a sell above, a sell fill gets a buy below.
func (m *Manager) OnFill(ctx context.Context, f events.Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.book.Get(f.OrderID)
	if !ok {
		m.log.Warn("fill for unknown order", zap.String("order_id", f.OrderID))
		return
	}
	if done, err := m.settleOrder(o); done || err != nil {
		return
	}
	fee := m.ledger.Fee(o.Filled, o.FillPrice())
	m.rec.OrderFilled(string(o.Side), fee.InexactFloat64())

	if entry, ok := m.entries[o.ID]; ok {
		delete(m.entries, o.ID)
		buyFee := m.ledger.Fee(o.Filled, entry)
		pnl := order.CalculatePnL(common.SideBuy, o.Filled, entry, o.FillPrice(), fee.Add(buyFee))
		m.gridTrades++
		m.realized = m.realized.Add(pnl)
		m.log.Info("grid round trip", zap.String("profit", pnl.String()), zap.Int("trades", m.gridTrades))
	}

	i, onLevel := m.ladder.LevelForOrder(o.ID)
	if !onLevel {
		return
	}
	m.ladder.MarkFilled(i)
	defer m.placeOwed(ctx, i)

	var (
		target grid.Level
		found  bool
		side   = o.Side.Opposite()
	)
	if o.Side == common.SideBuy {
		target, found = m.sess.Grid.Above(i)
	} else {
		target, found = m.sess.Grid.Below(i)
	}
	if !found {
		return
	}
	entry := decimal.Zero
	if o.Side == common.SideBuy {
		entry = o.FillPrice()
	}
	if slot := m.ladder.Slot(target.Index); slot.Occupancy == grid.OrderPlaced {
		// An order of the filled side beyond this one was crossed first, so
		// its own fill is on the way even if the book has not seen it yet.
		if held, ok := m.book.Get(slot.OrderID); slot.Side == o.Side || (ok && held.Status != common.StatusOpen) {
			m.owed[target.Index] = owedOrder{side: side, ref: o.FillPrice(), entry: entry}
			m.log.Debug("paired order deferred", zap.Int("level", target.Index), zap.String("waiting_on", slot.OrderID))
			return
		}
		m.log.Warn("paired level already holds an order", zap.Int("level", target.Index), zap.String("order_id", slot.OrderID))
		return
	}
	m.placeLevel(ctx, target, side, o.FillPrice(), entry)
}

// placeOwed places the pair deferred onto level i, if any.
func (m *Manager) placeOwed(ctx context.Context, i int) {
	ow, ok := m.owed[i]
	if !ok {
		return
	}
	delete(m.owed, i)
	m.placeLevel(ctx, m.ladder.Slot(i).Level, ow.side, ow.ref, ow.entry)
}

// OnCanceled settles whatever part of a venue-cancelled order filled, frees
// the rest, and leaves the level to be retried.
func (m *Manager) OnCanceled(c events.OrderChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.book.Get(c.OrderID)
	if !ok || o.Status != common.StatusCanceled {
		return
	}
	if done, err := m.settleOrder(o); done || err != nil {
		return
	}
	delete(m.entries, o.ID)
	if i, ok := m.ladder.LevelForOrder(o.ID); ok {
		want := o.Side
		if ow, owed := m.owed[i]; owed {
			delete(m.owed, i)
			want = ow.side
		}
		m.ladder.MarkEmpty(i, want)
	}
}

// Liquidate cancels every resting order and sells all free crypto at
// market, leaving the manager Stopped.
func (m *Manager) Liquidate(ctx context.Context, reason string) error {
	// Published after the lock is released; the manager listens too.
	var canceled []events.OrderChange
	defer func() {
		for _, c := range canceled {
			m.bus.Publish(events.EventOrderCanceled, c)
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Stopped || m.state == Liquidating {
		return nil
	}
	m.state = Liquidating
	m.log.Warn("liquidating", zap.String("reason", reason))
	defer func() { m.state = Stopped }()
	clear(m.owed)

	for _, o := range m.book.Open() {
		rec, err := m.gw.Cancel(ctx, o.ID)
		if err != nil {
			m.log.Error("cancel during liquidation failed", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		var (
			done order.Order
			ok   bool
		)
		if rec.Status == common.StatusClosed {
			// filled before the cancel landed
			done, ok = m.book.MarkClosed(rec)
		} else {
			done, ok = m.book.MarkCanceled(rec)
		}
		if ok {
			_, _ = m.settleOrder(done)
			canceled = append(canceled, events.OrderChange{
				OrderID: done.ID, Side: done.Side, Type: done.Type, Price: done.Price, Amount: done.Amount, Level: -1,
			})
		}
		if i, onLevel := m.ladder.LevelForOrder(o.ID); onLevel {
			m.ladder.MarkEmpty(i, "")
		}
	}

	qty := m.ledger.Snapshot().FreeCrypto.Truncate(m.cfg.AmountPrecision)
	if !qty.IsPositive() {
		return nil
	}
	if err := m.ledger.Reserve(m.ledger.Base(), qty); err != nil {
		return err
	}
	rec, err := m.gw.PlaceMarket(ctx, common.SideSell, qty, m.last)
	if err != nil {
		m.rec.OrderFailed("execution")
		m.settleFailedMarket(common.SideSell, qty, err)
		return fmt.Errorf("liquidation sell: %w", err)
	}
	m.recordMarket(rec, qty)
	if err := m.settle(common.SideSell, qty, rec.Filled, fillPrice(rec)); err != nil {
		return err
	}
	m.log.Info("liquidated", zap.String("amount", rec.Filled.String()), zap.String("avg_price", fillPrice(rec).String()))
	return nil
}

// settleOrder settles o once. done reports that it was already settled.
func (m *Manager) settleOrder(o order.Order) (done bool, err error) {
	if m.settled[o.ID] {
		return true, nil
	}
	if err := m.settle(o.Side, o.Reserved, o.Filled, o.FillPrice()); err != nil {
		return false, err
	}
	m.settled[o.ID] = true
	return false, nil
}

// settle books a fill against its reservation. A buy that cost more than
// was reserved tops the reservation up from free fiat first. Accounting
// errors halt the manager.
func (m *Manager) settle(side common.Side, reserved, filled, price decimal.Decimal) error {
	var err error
	if side == common.SideBuy {
		debit := filled.Mul(price).Mul(one.Add(m.ledger.FeeRate()))
		if extra := debit.Sub(reserved); extra.IsPositive() {
			if err = m.ledger.Reserve(m.ledger.Quote(), extra); err == nil {
				reserved = reserved.Add(extra)
			}
		}
		if err == nil {
			_, err = m.ledger.SettleBuyFill(reserved, filled, price)
		}
	} else {
		_, err = m.ledger.SettleSellFill(reserved, filled, price)
	}
	if err != nil {
		m.halt(err)
	}
	return err
}

// settleFailedMarket books any partial fill of a failed market order and
// frees the rest of its reservation.
func (m *Manager) settleFailedMarket(side common.Side, reserved decimal.Decimal, err error) {
	var fe *execution.OrderExecutionFailedError
	if errors.As(err, &fe) && fe.Partial.Filled.IsPositive() {
		m.log.Warn("market order partially filled before failing", zap.String("filled", fe.Partial.Filled.String()))
		m.recordMarket(fe.Partial, reserved)
		_ = m.settle(side, reserved, fe.Partial.Filled, fillPrice(fe.Partial))
		return
	}
	currency := m.ledger.Base()
	if side == common.SideBuy {
		currency = m.ledger.Quote()
	}
	if rerr := m.ledger.Release(currency, reserved); rerr != nil {
		m.halt(rerr)
	}
}

func (m *Manager) recordMarket(rec common.OrderRecord, reserved decimal.Decimal) {
	if rec.ID == "" {
		return
	}
	o := order.FromRecord(rec, reserved)
	if err := m.book.Add(o); err != nil {
		m.log.Warn("market order already in book", zap.String("order_id", o.ID))
	}
	m.settled[o.ID] = true
	m.rec.OrderPlaced(string(rec.Side), string(common.OrderTypeMarket))
	m.rec.OrderFilled(string(rec.Side), m.ledger.Fee(rec.Filled, fillPrice(rec)).InexactFloat64())
}

func fillPrice(rec common.OrderRecord) decimal.Decimal {
	if rec.AvgPrice.IsPositive() {
		return rec.AvgPrice
	}
	return rec.Price
}

func failureReason(err error) string {
	switch {
	case common.IsRetryable(err):
		return "network"
	case common.IsRejected(err):
		return "rejected"
	}
	return "other"
}
