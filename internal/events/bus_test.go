package events

import (
	"testing"

	"go.uber.org/zap"
)

func TestHandlersRunInOrder(t *testing.T) {
	b := NewBus(zap.NewNop())
	var got []int
	b.On(EventOrderFilled, func(any) { got = append(got, 1) })
	b.On(EventOrderFilled, func(any) { got = append(got, 2) })
	b.On(EventStopSession, func(any) { got = append(got, 99) })

	b.Publish(EventOrderFilled, Fill{OrderID: "x"})
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("dispatch order = %v", got)
	}
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	b := NewBus(nil)
	called := false
	b.On(EventStopSession, func(any) { panic("boom") })
	b.On(EventStopSession, func(p any) { called = p.(Stop).Reason == "tp" })

	b.Publish(EventStopSession, Stop{Reason: "tp"})
	if !called {
		t.Fatalf("second handler not invoked")
	}
}

func TestSubscribeDropsWhenFull(t *testing.T) {
	b := NewBus(nil)
	ch, unsub := b.Subscribe(EventEquitySnapshot, 1)

	b.Publish(EventEquitySnapshot, 1)
	b.Publish(EventEquitySnapshot, 2) // dropped

	if v := <-ch; v != 1 {
		t.Fatalf("first payload = %v", v)
	}
	select {
	case v := <-ch:
		t.Fatalf("unexpected payload %v", v)
	default:
	}

	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed after unsubscribe")
	}
	b.Publish(EventEquitySnapshot, 3) // must not panic on closed channel
}

func TestOffRemovesOnlyThatHandler(t *testing.T) {
	b := NewBus(nil)
	var got []string
	off := b.On(EventTrendPause, func(any) { got = append(got, "a") })
	b.On(EventTrendPause, func(any) { got = append(got, "b") })
	off()
	off()
	b.Publish(EventTrendPause, Trend{})
	if len(got) != 1 || got[0] != "b" {
		t.Fatalf("got %v", got)
	}
}
