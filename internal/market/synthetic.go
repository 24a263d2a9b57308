package market

import (
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
)

// WalkConfig shapes a synthetic random-walk series for local runs.
type WalkConfig struct {
	Start    decimal.Decimal
	Step     decimal.Decimal // max absolute move per bar
	Bars     int
	Interval time.Duration
	From     time.Time
	Seed     int64
}

// RandomWalk generates candles whose close performs a bounded random walk.
// The same Seed always yields the same series.
func RandomWalk(cfg WalkConfig) []Candle {
	price := cfg.Start
	if !price.IsPositive() {
		price = decimal.NewFromInt(100)
	}
	if cfg.Step.IsZero() {
		cfg.Step = decimal.RequireFromString("0.5")
	}
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.From.IsZero() {
		cfg.From = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	floor := cfg.Step

	out := make([]Candle, 0, cfg.Bars)
	for i := 0; i < cfg.Bars; i++ {
		open := price
		move := cfg.Step.Mul(decimal.NewFromFloat(rng.Float64()*2 - 1)).Round(8)
		price = open.Add(move)
		if price.LessThan(floor) {
			price = floor
		}
		wick := cfg.Step.Mul(decimal.NewFromFloat(rng.Float64() / 2)).Round(8)
		out = append(out, Candle{
			Time:   cfg.From.Add(time.Duration(i) * cfg.Interval),
			Open:   open,
			High:   decimal.Max(open, price).Add(wick),
			Low:    decimal.Max(decimal.Min(open, price).Sub(wick), floor),
			Close:  price,
			Volume: decimal.NewFromInt(int64(rng.Intn(1000) + 1)),
		})
	}
	return out
}
