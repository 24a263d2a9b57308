package engine

import (
	"github.com/shopspring/decimal"

	"grid-core/internal/events"
)

// Performance summarises one session. Ratios are fractions: 0.05 is 5%.
type Performance struct {
	InitialValue  decimal.Decimal
	FinalValue    decimal.Decimal
	ROI           decimal.Decimal
	MaxDrawdown   decimal.Decimal
	Trades        int // orders that executed
	Fees          decimal.Decimal
	GridTrades    int // completed buy-then-sell round trips
	Realized      decimal.Decimal
	BuyAndHoldROI decimal.Decimal
	Snapshots     []events.Equity
}

// equityCurve accumulates snapshots and tracks the running drawdown.
type equityCurve struct {
	initialFiat   decimal.Decimal
	initialCrypto decimal.Decimal

	first, last decimal.Decimal
	peak        decimal.Decimal
	maxDD       decimal.Decimal
	snaps       []events.Equity
}

func newEquityCurve(fiat, crypto decimal.Decimal) *equityCurve {
	return &equityCurve{initialFiat: fiat, initialCrypto: crypto}
}

func (c *equityCurve) record(e events.Equity) {
	if len(c.snaps) == 0 {
		c.first = e.Price
	}
	c.last = e.Price
	c.snaps = append(c.snaps, e)
	if e.Value.GreaterThan(c.peak) {
		c.peak = e.Value
	}
	if c.peak.IsPositive() {
		dd := c.peak.Sub(e.Value).Div(c.peak)
		if dd.GreaterThan(c.maxDD) {
			c.maxDD = dd
		}
	}
}

// initialValue values the starting balances at the first observed price.
func (c *equityCurve) initialValue() decimal.Decimal {
	return c.initialFiat.Add(c.initialCrypto.Mul(c.first))
}

func (c *equityCurve) performance(final decimal.Decimal) Performance {
	p := Performance{
		InitialValue: c.initialValue(),
		FinalValue:   final,
		MaxDrawdown:  c.maxDD,
		Snapshots:    append([]events.Equity(nil), c.snaps...),
	}
	if p.InitialValue.IsPositive() {
		p.ROI = final.Sub(p.InitialValue).Div(p.InitialValue)
	}
	if c.first.IsPositive() {
		p.BuyAndHoldROI = c.last.Sub(c.first).Div(c.first)
	}
	return p
}
