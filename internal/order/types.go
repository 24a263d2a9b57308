// Package order holds the session's order records.
package order

import (
	"time"

	"github.com/shopspring/decimal"

	"grid-core/pkg/exchanges/common"
)

// Order is the book's record of one exchange order. Values are copied out of
// the Book; other components refer to orders by ID only.
type Order struct {
	ID       string // client order id, stable across retries
	VenueID  string
	Pair     string
	Side     common.Side
	Type     common.OrderType
	Status   common.OrderStatus
	Price    decimal.Decimal // requested
	Amount   decimal.Decimal // requested
	Filled   decimal.Decimal
	AvgPrice decimal.Decimal
	Fee      decimal.Decimal
	// Reserved is what the ledger set aside for this order: fiat for buys,
	// crypto for sells.
	Reserved decimal.Decimal

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FromRecord builds an Order from an exchange record.
func FromRecord(rec common.OrderRecord, reserved decimal.Decimal) Order {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Order{
		ID:        rec.ID,
		VenueID:   rec.VenueID,
		Pair:      rec.Pair,
		Side:      rec.Side,
		Type:      rec.Type,
		Status:    rec.Status,
		Price:     rec.Price,
		Amount:    rec.Amount,
		Filled:    rec.Filled,
		AvgPrice:  rec.AvgPrice,
		Fee:       rec.Fee,
		Reserved:  reserved,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
}

// IsFullyFilled checks if order is fully filled
func (o *Order) IsFullyFilled() bool {
	return o.Filled.GreaterThanOrEqual(o.Amount)
}

// IsPartiallyFilled checks if order is partially filled
func (o *Order) IsPartiallyFilled() bool {
	return o.Filled.IsPositive() && o.Filled.LessThan(o.Amount)
}

// RemainingQty returns unfilled quantity
func (o *Order) RemainingQty() decimal.Decimal {
	return o.Amount.Sub(o.Filled)
}

// FillPrice is the average fill price, falling back to the requested price
// when the venue did not report one.
func (o *Order) FillPrice() decimal.Decimal {
	if o.AvgPrice.IsPositive() {
		return o.AvgPrice
	}
	return o.Price
}

// applyFill copies execution fields from rec. Status is left to the caller.
func (o *Order) applyFill(rec common.OrderRecord) {
	if rec.Filled.GreaterThan(o.Filled) {
		o.Filled = rec.Filled
	}
	if rec.AvgPrice.IsPositive() {
		o.AvgPrice = rec.AvgPrice
	}
	if rec.Fee.IsPositive() {
		o.Fee = rec.Fee
	}
	if rec.VenueID != "" {
		o.VenueID = rec.VenueID
	}
	o.UpdatedAt = time.Now()
}
