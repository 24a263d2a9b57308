// Package market loads the candle series a replay session iterates.
package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV bar.
type Candle struct {
	Time   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// Valid reports whether the bar's prices are internally consistent.
func (c Candle) Valid() bool {
	return c.Low.IsPositive() &&
		c.High.GreaterThanOrEqual(c.Low) &&
		c.Open.GreaterThanOrEqual(c.Low) && c.Open.LessThanOrEqual(c.High) &&
		c.Close.GreaterThanOrEqual(c.Low) && c.Close.LessThanOrEqual(c.High)
}
