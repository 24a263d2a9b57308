package order

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"grid-core/pkg/exchanges/common"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func openOrder(id string, side common.Side, at time.Time) Order {
	return Order{
		ID: id, Pair: "BTC/USDT", Side: side, Type: common.OrderTypeLimit,
		Status: common.StatusOpen, Price: d("95"), Amount: d("10"), CreatedAt: at,
	}
}

func TestBookAddGet(t *testing.T) {
	b := NewBook()
	if err := b.Add(openOrder("a", common.SideBuy, time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := b.Add(openOrder("a", common.SideBuy, time.Now())); err != ErrDuplicateOrder {
		t.Fatalf("duplicate add err = %v", err)
	}
	o, ok := b.Get("a")
	if !ok || o.Side != common.SideBuy {
		t.Fatalf("Get = %+v %v", o, ok)
	}
	o.Status = common.StatusClosed
	if got, _ := b.Get("a"); got.Status != common.StatusOpen {
		t.Fatalf("Get returned an alias")
	}
}

func TestMarkClosedOnce(t *testing.T) {
	b := NewBook()
	_ = b.Add(openOrder("a", common.SideBuy, time.Now()))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := b.MarkClosed(common.OrderRecord{ID: "a", Filled: d("10"), AvgPrice: d("95")}); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("MarkClosed succeeded %d times", wins.Load())
	}
	o, _ := b.Get("a")
	if o.Status != common.StatusClosed || !o.IsFullyFilled() || !o.FillPrice().Equal(d("95")) {
		t.Fatalf("order = %+v", o)
	}
	if _, ok := b.MarkCanceled(common.OrderRecord{ID: "a"}); ok {
		t.Fatalf("closed order was canceled")
	}
}

func TestMarkCanceledKeepsPartialFill(t *testing.T) {
	b := NewBook()
	_ = b.Add(openOrder("a", common.SideSell, time.Now()))
	o, ok := b.MarkCanceled(common.OrderRecord{ID: "a", Filled: d("4")})
	if !ok || !o.IsPartiallyFilled() || !o.RemainingQty().Equal(d("6")) {
		t.Fatalf("canceled = %+v %v", o, ok)
	}
}

func TestOpenAndBySideOrdering(t *testing.T) {
	b := NewBook()
	t0 := time.Now()
	_ = b.Add(openOrder("late", common.SideBuy, t0.Add(time.Second)))
	_ = b.Add(openOrder("early", common.SideBuy, t0))
	_ = b.Add(openOrder("sell", common.SideSell, t0))
	b.MarkClosed(common.OrderRecord{ID: "sell"})

	open := b.Open()
	if len(open) != 2 || open[0].ID != "early" || open[1].ID != "late" {
		t.Fatalf("open = %+v", open)
	}
	if sells := b.BySide(common.SideSell); len(sells) != 1 || sells[0].Status != common.StatusClosed {
		t.Fatalf("sells = %+v", sells)
	}
	if b.Len() != 3 {
		t.Fatalf("len = %d", b.Len())
	}
}

func TestCalculatePnL(t *testing.T) {
	got := CalculatePnL(common.SideBuy, d("10"), d("95"), d("98"), d("1.93"))
	if !got.Equal(d("28.07")) {
		t.Fatalf("pnl = %s", got)
	}
	if !CalculatePnL(common.SideSell, d("0"), d("1"), d("2"), d("0")).IsZero() {
		t.Fatalf("zero qty must yield zero pnl")
	}
}

func TestSortFills(t *testing.T) {
	recs := []common.OrderRecord{
		{ID: "b89", Side: common.SideBuy, Price: d("89")},
		{ID: "s104", Side: common.SideSell, Price: d("104")},
		{ID: "b95", Side: common.SideBuy, Price: d("95")},
		{ID: "s101", Side: common.SideSell, Price: d("101")},
		{ID: "b92", Side: common.SideBuy, Price: d("92")},
	}
	SortFills(recs)
	want := []string{"b95", "b92", "b89", "s101", "s104"}
	for i, id := range want {
		if recs[i].ID != id {
			t.Fatalf("position %d = %s, want %s (%+v)", i, recs[i].ID, id, recs)
		}
	}
}
