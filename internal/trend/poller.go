package trend

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"grid-core/internal/events"
)

// Poller samples a Signal on an interval and publishes EventTrendPause or
// EventTrendResume whenever the verdict flips.
type Poller struct {
	signal   Signal
	bus      *events.Bus
	pair     string
	source   string
	interval time.Duration
	log      *zap.Logger

	mu     sync.Mutex
	paused bool
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a poller. source labels the published events.
func NewPoller(signal Signal, bus *events.Bus, pair, source string, interval time.Duration, log *zap.Logger) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{
		signal:   signal,
		bus:      bus,
		pair:     pair,
		source:   source,
		interval: interval,
		log:      log.Named("trend"),
	}
}

// Start polls immediately and then on every interval until Stop or ctx ends.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil || p.interval <= 0 {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.loop(ctx, p.done)
}

func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.Poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll samples the signal once. Errors keep the previous verdict.
func (p *Poller) Poll(ctx context.Context) {
	v, err := p.signal.Evaluate(ctx, p.pair)
	if err != nil {
		p.log.Warn("trend signal unavailable", zap.Error(err))
		return
	}

	p.mu.Lock()
	changed := v.Pause != p.paused
	p.paused = v.Pause
	p.mu.Unlock()
	if !changed {
		return
	}

	payload := events.Trend{Source: p.source, Reason: v.Reason}
	if v.Pause {
		p.log.Info("pausing grid placement", zap.String("trend", v.Trend), zap.String("reason", v.Reason))
		p.bus.Publish(events.EventTrendPause, payload)
		return
	}
	p.log.Info("resuming grid placement", zap.String("trend", v.Trend))
	p.bus.Publish(events.EventTrendResume, payload)
}

// Paused reports the last published verdict.
func (p *Poller) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}
