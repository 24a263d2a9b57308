package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-core/internal/balance"
	"grid-core/internal/events"
	"grid-core/internal/grid"
	"grid-core/internal/order"
	"grid-core/internal/session"
	"grid-core/pkg/config"
	"grid-core/pkg/exchanges/common"
)

type fakeFetcher struct {
	mu    sync.Mutex
	recs  map[string]common.OrderRecord
	calls int
}

func (f *fakeFetcher) Fetch(ctx context.Context, id string) (common.OrderRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	rec, ok := f.recs[id]
	return rec, ok, nil
}

func (f *fakeFetcher) set(rec common.OrderRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs[rec.ID] = rec
}

func newSession(t *testing.T) *session.Session {
	t.Helper()
	g, err := grid.New(grid.Params{Bottom: decimal.NewFromInt(90), Top: decimal.NewFromInt(110), Count: 4})
	if err != nil {
		t.Fatal(err)
	}
	ledger := balance.NewLedger("BTC", "USDT", decimal.NewFromInt(1000), decimal.Zero, decimal.Zero, nil)
	return session.New(config.ModeLive, "BTC/USDT", g, ledger)
}

func seed(book *order.Book, ids ...string) {
	for _, id := range ids {
		_ = book.Add(order.Order{
			ID: id, Side: common.SideBuy, Type: common.OrderTypeLimit, Status: common.StatusOpen,
			Price: decimal.NewFromInt(95), Amount: decimal.NewFromInt(10), CreatedAt: time.Now(),
		})
	}
}

func TestPollPublishesEachFillOnce(t *testing.T) {
	sess := newSession(t)
	book := sess.Book
	seed(book, "a", "b", "c")
	f := &fakeFetcher{recs: map[string]common.OrderRecord{
		"a": {ID: "a", Status: common.StatusClosed, Filled: decimal.NewFromInt(10), AvgPrice: decimal.NewFromInt(95)},
		"b": {ID: "b", Status: common.StatusOpen, Filled: decimal.NewFromInt(3)},
		"c": {ID: "c", Status: common.StatusCanceled},
	}}
	bus := events.NewBus(zap.NewNop())
	var fills []events.Fill
	var canceled []string
	bus.On(events.EventOrderFilled, func(p any) { fills = append(fills, p.(events.Fill)) })
	bus.On(events.EventOrderCanceled, func(p any) { canceled = append(canceled, p.(events.OrderChange).OrderID) })

	tr := New(sess, f, bus, time.Hour, zap.NewNop())
	tr.Poll(context.Background())
	tr.Poll(context.Background())

	if len(fills) != 1 || fills[0].OrderID != "a" || !fills[0].Price.Equal(decimal.NewFromInt(95)) {
		t.Fatalf("fills = %+v", fills)
	}
	if len(canceled) != 1 || canceled[0] != "c" {
		t.Fatalf("canceled = %v", canceled)
	}
	if o, _ := book.Get("b"); o.Status != common.StatusOpen || !o.Filled.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("b = %+v", o)
	}
	// second poll only asks about the still-open order
	if f.calls != 4 {
		t.Fatalf("fetch calls = %d, want 4", f.calls)
	}
}

func TestStartStop(t *testing.T) {
	sess := newSession(t)
	book := sess.Book
	seed(book, "a")
	f := &fakeFetcher{recs: map[string]common.OrderRecord{"a": {ID: "a", Status: common.StatusOpen}}}
	bus := events.NewBus(nil)
	filled := make(chan struct{}, 1)
	bus.On(events.EventOrderFilled, func(any) { filled <- struct{}{} })

	tr := New(sess, f, bus, 5*time.Millisecond, nil)
	tr.Start(context.Background())
	tr.Start(context.Background()) // no second loop

	f.set(common.OrderRecord{ID: "a", Status: common.StatusClosed, Filled: decimal.NewFromInt(10)})
	select {
	case <-filled:
	case <-time.After(2 * time.Second):
		t.Fatalf("fill not published")
	}
	tr.Stop()
	tr.Stop()
}

func TestPollPublishesSimultaneousFillsInPairingOrder(t *testing.T) {
	sess := newSession(t)
	add := func(id string, side common.Side, price int64) {
		_ = sess.Book.Add(order.Order{
			ID: id, Side: side, Type: common.OrderTypeLimit, Status: common.StatusOpen,
			Price: decimal.NewFromInt(price), Amount: decimal.NewFromInt(1), CreatedAt: time.Now(),
		})
	}
	// placed lowest level first, as the manager deploys them
	add("b90", common.SideBuy, 90)
	add("b95", common.SideBuy, 95)
	add("s105", common.SideSell, 105)
	add("s110", common.SideSell, 110)

	f := &fakeFetcher{recs: map[string]common.OrderRecord{}}
	for _, o := range sess.Book.Open() {
		f.recs[o.ID] = common.OrderRecord{
			ID: o.ID, Side: o.Side, Price: o.Price, Status: common.StatusClosed,
			Amount: o.Amount, Filled: o.Amount, AvgPrice: o.Price,
		}
	}
	bus := events.NewBus(zap.NewNop())
	var got []string
	bus.On(events.EventOrderFilled, func(p any) { got = append(got, p.(events.Fill).OrderID) })

	New(sess, f, bus, time.Hour, zap.NewNop()).Poll(context.Background())

	want := []string{"b95", "b90", "s105", "s110"}
	if len(got) != len(want) {
		t.Fatalf("fills = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("fills = %v, want %v", got, want)
		}
	}
}
