package monitor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-core/internal/events"
)

func TestMetricsRecorder(t *testing.T) {
	m := NewMetrics()
	m.OrderPlaced("BUY", "LIMIT")
	m.OrderPlaced("BUY", "LIMIT")
	m.OrderFilled("BUY", 0.95)
	m.OrderFailed("network")
	m.ObserveGatewayLatency("place", 0.02)

	if got := testutil.ToFloat64(m.orders.WithLabelValues("BUY", "LIMIT")); got != 2 {
		t.Fatalf("orders=%v, expected 2", got)
	}
	if got := testutil.ToFloat64(m.fees); got != 0.95 {
		t.Fatalf("fees=%v, expected 0.95", got)
	}
	if got := testutil.ToFloat64(m.failures.WithLabelValues("network")); got != 1 {
		t.Fatalf("failures=%v, expected 1", got)
	}
	if n := testutil.CollectAndCount(m.latency); n != 1 {
		t.Fatalf("latency series=%d, expected 1", n)
	}
}

type chanSink chan string

func (c chanSink) Send(msg string) error {
	c <- msg
	return nil
}

func TestMonitorFeedsEquityAndAlerts(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	metrics := NewMetrics()
	sink := make(chanSink, 1)
	mon := &Monitor{Bus: bus, Metrics: metrics, Sink: sink}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mon.Start(ctx)

	bus.Publish(events.EventEquitySnapshot, events.Equity{Value: decimal.NewFromInt(10250)})
	bus.Publish(events.EventStopSession, events.Stop{Reason: "take profit"})

	select {
	case msg := <-sink:
		if !strings.Contains(msg, "take profit") {
			t.Fatalf("unexpected alert %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("alert not delivered")
	}

	deadline := time.Now().Add(time.Second)
	for testutil.ToFloat64(metrics.equity) != 10250 {
		if time.Now().After(deadline) {
			t.Fatalf("equity gauge=%v, expected 10250", testutil.ToFloat64(metrics.equity))
		}
		time.Sleep(5 * time.Millisecond)
	}
}
