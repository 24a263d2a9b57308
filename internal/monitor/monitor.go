package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"grid-core/internal/events"
)

// Monitor watches the bus, feeds the equity gauge and raises alerts when a
// session is stopped.
type Monitor struct {
	Bus     *events.Bus
	Metrics *Metrics
	Sink    AlertSink
	Log     *zap.Logger
}

// Start consumes events until ctx ends. Subscribers are non-blocking, so a
// slow sink only loses alerts.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil {
		return
	}
	log := m.Log
	if log == nil {
		log = zap.NewNop()
	}
	equity, unsubEquity := m.Bus.Subscribe(events.EventEquitySnapshot, 64)
	stops, unsubStops := m.Bus.Subscribe(events.EventStopSession, 8)
	go func() {
		defer unsubEquity()
		defer unsubStops()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-equity:
				if !ok {
					return
				}
				if e, ok := msg.(events.Equity); ok && m.Metrics != nil {
					m.Metrics.SetEquity(e.Value.InexactFloat64())
				}
			case msg, ok := <-stops:
				if !ok {
					return
				}
				if m.Sink == nil {
					continue
				}
				if err := m.Sink.Send(formatAlert(msg)); err != nil {
					log.Warn("alert delivery failed", zap.Error(err))
				}
			}
		}
	}()
}

func formatAlert(msg any) string {
	return "[" + time.Now().Format(time.RFC3339) + "] " + toString(msg)
}

func toString(v any) string {
	switch t := v.(type) {
	case events.Stop:
		return fmt.Sprintf("session stopped: %s", t.Reason)
	case string:
		return t
	default:
		return "session stopped"
	}
}
