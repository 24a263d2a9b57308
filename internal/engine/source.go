package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-core/internal/execution"
	"grid-core/internal/market"
	"grid-core/pkg/exchanges/common"
)

// ErrStreamExhausted is returned when the live feed cannot be re-established
// within the configured number of attempts. It ends the session.
var ErrStreamExhausted = errors.New("price stream reconnect attempts exhausted")

// Tick is one price observation. Candle is set when the source carries bar
// ranges, which the simulator needs to resolve resting orders.
type Tick struct {
	Time   time.Time
	Price  decimal.Decimal
	Candle *market.Candle
}

// PriceSource yields ticks in order. ok=false marks the end of the data.
type PriceSource interface {
	Next(ctx context.Context) (tick Tick, ok bool, err error)
}

// ReplaySource iterates historical candles, emitting each close.
type ReplaySource struct {
	candles []market.Candle
	i       int
}

func NewReplaySource(candles []market.Candle) *ReplaySource {
	return &ReplaySource{candles: candles}
}

func (s *ReplaySource) Next(ctx context.Context) (Tick, bool, error) {
	if err := ctx.Err(); err != nil {
		return Tick{}, false, err
	}
	if s.i >= len(s.candles) {
		return Tick{}, false, nil
	}
	c := s.candles[s.i]
	s.i++
	return Tick{Time: c.Time, Price: c.Close, Candle: &c}, true, nil
}

// First returns the opening candle, if any.
func (s *ReplaySource) First() (market.Candle, bool) {
	if len(s.candles) == 0 {
		return market.Candle{}, false
	}
	return s.candles[0], true
}

// Streamer opens a ticker feed that closes when the connection drops.
type Streamer interface {
	StreamTicker(ctx context.Context, pair string) (<-chan common.Ticker, error)
}

// LiveSource reads the venue's ticker stream and reconnects with capped
// exponential backoff. Consecutive failed reconnects beyond MaxRetries end
// the stream with ErrStreamExhausted; any received tick resets the count.
type LiveSource struct {
	stream     Streamer
	pair       string
	backoff    execution.Backoff
	maxRetries int
	log        *zap.Logger

	ch       <-chan common.Ticker
	attempts int
}

func NewLiveSource(stream Streamer, pair string, backoff execution.Backoff, maxRetries int, log *zap.Logger) *LiveSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &LiveSource{
		stream:     stream,
		pair:       pair,
		backoff:    backoff,
		maxRetries: maxRetries,
		log:        log.Named("stream").With(zap.String("pair", pair)),
	}
}

func (s *LiveSource) Next(ctx context.Context) (Tick, bool, error) {
	for {
		if s.ch == nil {
			if err := s.connect(ctx); err != nil {
				return Tick{}, false, err
			}
		}
		select {
		case <-ctx.Done():
			return Tick{}, false, ctx.Err()
		case t, ok := <-s.ch:
			if !ok {
				s.ch = nil
				s.log.Warn("ticker stream closed, reconnecting", zap.Int("attempt", s.attempts+1))
				continue
			}
			s.attempts = 0
			if !t.Last.IsPositive() {
				continue
			}
			ts := t.Time
			if ts.IsZero() {
				ts = time.Now()
			}
			return Tick{Time: ts, Price: t.Last}, true, nil
		}
	}
}

func (s *LiveSource) connect(ctx context.Context) error {
	for {
		if s.attempts > 0 {
			if s.attempts > s.maxRetries {
				return fmt.Errorf("%w: %d attempts", ErrStreamExhausted, s.attempts)
			}
			t := time.NewTimer(s.backoff.Delay(s.attempts - 1))
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		s.attempts++
		ch, err := s.stream.StreamTicker(ctx, s.pair)
		if err == nil {
			s.ch = ch
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("ticker stream connect failed", zap.Int("attempt", s.attempts), zap.Error(err))
	}
}
