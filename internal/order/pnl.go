package order

import (
	"github.com/shopspring/decimal"

	"grid-core/pkg/exchanges/common"
)

// CalculatePnL is a helper to compute simple realized PnL for flatting trades.
func CalculatePnL(side common.Side, qty, entry, exit, fee decimal.Decimal) decimal.Decimal {
	q := qty.Abs()
	if q.IsZero() {
		return decimal.Zero
	}
	var pnl decimal.Decimal
	if side == common.SideBuy {
		pnl = exit.Sub(entry).Mul(q)
	} else {
		pnl = entry.Sub(exit).Mul(q)
	}
	return pnl.Sub(fee)
}
