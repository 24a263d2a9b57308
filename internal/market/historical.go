package market

import (
	"context"
	"time"

	"grid-core/pkg/exchanges/binance/spot"
)

// KlineSource is the slice of the spot client used to download history.
type KlineSource interface {
	Klines(ctx context.Context, pair, interval string, limit int, start, end time.Time) ([]spot.Kline, error)
}

const klinePage = 1000

// Fetch downloads candles for pair between from and to, paging through the
// venue's kline limit.
func Fetch(ctx context.Context, src KlineSource, pair, interval string, from, to time.Time) ([]Candle, error) {
	var out []Candle
	cursor := from
	for {
		page, err := src.Klines(ctx, pair, interval, klinePage, cursor, to)
		if err != nil {
			return nil, err
		}
		for _, k := range page {
			out = append(out, Candle{
				Time:   k.OpenTime,
				Open:   k.Open,
				High:   k.High,
				Low:    k.Low,
				Close:  k.Close,
				Volume: k.Volume,
			})
		}
		if len(page) < klinePage {
			return out, nil
		}
		next := page[len(page)-1].OpenTime.Add(time.Millisecond)
		if !to.IsZero() && next.After(to) {
			return out, nil
		}
		cursor = next
	}
}
