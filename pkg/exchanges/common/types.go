package common

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusOpen     OrderStatus = "OPEN"
	StatusClosed   OrderStatus = "CLOSED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// ParseStatus maps venue vocabularies onto OrderStatus.
func ParseStatus(s string) OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW", "OPEN", "PARTIALLY_FILLED", "PARTIAL", "PENDING_NEW":
		return StatusOpen
	case "FILLED", "CLOSED":
		return StatusClosed
	case "CANCELED", "CANCELLED", "REJECTED", "EXPIRED", "EXPIRED_IN_MATCH":
		return StatusCanceled
	default:
		return StatusUnknown
	}
}

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Pair     string
	Side     Side
	Type     OrderType
	Amount   decimal.Decimal
	Price    decimal.Decimal // required for LIMIT, a hint for MARKET
	ClientID string          // client order id, also used to look the order up
}

// OrderRecord is the venue's view of an order.
type OrderRecord struct {
	ID        string // client order id
	VenueID   string // exchange-assigned id
	Pair      string
	Side      Side
	Type      OrderType
	Status    OrderStatus
	Price     decimal.Decimal
	Amount    decimal.Decimal
	Filled    decimal.Decimal
	AvgPrice  decimal.Decimal
	Fee       decimal.Decimal
	Timestamp time.Time
}

// Remaining returns the unfilled amount, never negative.
func (r OrderRecord) Remaining() decimal.Decimal {
	rem := r.Amount.Sub(r.Filled)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// Balance of a single currency.
type Balance struct {
	Free  decimal.Decimal
	Total decimal.Decimal
}

// Ticker is a lightweight price update.
type Ticker struct {
	Pair        string
	Last        decimal.Decimal
	QuoteVolume decimal.Decimal
	Percentage  decimal.Decimal
	Time        time.Time
}
