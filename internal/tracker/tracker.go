// Package tracker polls the venue for orders that completed outside the
// engine's view and publishes them onto the bus.
package tracker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"grid-core/internal/events"
	"grid-core/internal/order"
	"grid-core/internal/session"
	"grid-core/pkg/exchanges/common"
)

// Fetcher looks up an order by client id.
type Fetcher interface {
	Fetch(ctx context.Context, id string) (common.OrderRecord, bool, error)
}

// Tracker checks every OPEN order in the book on a fixed interval.
type Tracker struct {
	book     *order.Book
	gw       Fetcher
	bus      *events.Bus
	interval time.Duration
	log      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a tracker over the session's order book.
func New(sess *session.Session, gw Fetcher, bus *events.Bus, interval time.Duration, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Tracker{
		book:     sess.Book,
		gw:       gw,
		bus:      bus,
		interval: interval,
		log:      log.Named("tracker").With(zap.String("session", sess.ID)),
	}
}

// Start launches the polling loop. Calling Start on a running tracker is a no-op.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done != nil {
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	go t.loop(ctx, t.done)
}

// Stop ends the loop and waits for an in-flight poll to finish.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (t *Tracker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Poll(ctx)
		}
	}
}

// Poll checks every OPEN order once. Each venue call runs on a context that
// ignores cancellation so an answer already on its way is still recorded;
// ctx is only consulted between orders. Results are applied after the sweep,
// fills in pairing order.
func (t *Tracker) Poll(ctx context.Context) {
	var recs []common.OrderRecord
	for _, o := range t.book.Open() {
		if ctx.Err() != nil {
			break
		}
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		rec, ok, err := t.gw.Fetch(callCtx, o.ID)
		cancel()
		if err != nil {
			t.log.Warn("order status query failed", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		if !ok {
			t.log.Warn("venue does not know order", zap.String("order_id", o.ID))
			continue
		}
		recs = append(recs, rec)
	}
	order.SortFills(recs)
	for _, rec := range recs {
		t.apply(rec)
	}
}

func (t *Tracker) apply(rec common.OrderRecord) {
	switch rec.Status {
	case common.StatusClosed:
		o, ok := t.book.MarkClosed(rec)
		if !ok {
			return
		}
		t.log.Info("order filled", zap.String("order_id", o.ID), zap.String("side", string(o.Side)), zap.String("price", o.FillPrice().String()))
		t.bus.Publish(events.EventOrderFilled, events.Fill{
			OrderID: o.ID,
			Side:    o.Side,
			Amount:  o.Filled,
			Price:   o.FillPrice(),
			Time:    o.UpdatedAt,
		})
	case common.StatusCanceled:
		o, ok := t.book.MarkCanceled(rec)
		if !ok {
			return
		}
		t.log.Info("order canceled on venue", zap.String("order_id", o.ID), zap.String("filled", o.Filled.String()))
		t.bus.Publish(events.EventOrderCanceled, events.OrderChange{
			OrderID: o.ID, Side: o.Side, Type: o.Type, Price: o.Price, Amount: o.Amount, Level: -1,
		})
	default:
		t.book.Update(rec)
	}
}
