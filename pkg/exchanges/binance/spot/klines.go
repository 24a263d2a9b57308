package spot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Kline is one candlestick as returned by /api/v3/klines.
type Kline struct {
	OpenTime  time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	CloseTime time.Time
}

// Klines fetches historical klines using the public endpoint. Zero start/end
// returns the most recent klines.
func (c *Client) Klines(ctx context.Context, pair, interval string, limit int, start, end time.Time) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", Symbol(pair))
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if !start.IsZero() {
		params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if !end.IsZero() {
		params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	}

	body, err := c.doPublic(ctx, "klines", "/api/v3/klines", params)
	if err != nil {
		return nil, err
	}
	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	out := make([]Kline, 0, len(raw))
	for _, item := range raw {
		// Binance returns 12 fields per kline.
		if len(item) < 7 {
			continue
		}
		var (
			openMs, closeMs              int64
			open, high, low, cls, volume decimal.Decimal
		)
		if err := json.Unmarshal(item[0], &openMs); err != nil {
			return nil, fmt.Errorf("decode kline open time: %w", err)
		}
		for i, dst := range []*decimal.Decimal{&open, &high, &low, &cls, &volume} {
			if err := json.Unmarshal(item[i+1], dst); err != nil {
				return nil, fmt.Errorf("decode kline field %d: %w", i+1, err)
			}
		}
		if err := json.Unmarshal(item[6], &closeMs); err != nil {
			return nil, fmt.Errorf("decode kline close time: %w", err)
		}
		out = append(out, Kline{
			OpenTime:  time.UnixMilli(openMs),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     cls,
			Volume:    volume,
			CloseTime: time.UnixMilli(closeMs),
		})
	}
	return out, nil
}
