package events

import (
	"time"

	"github.com/shopspring/decimal"

	"grid-core/pkg/exchanges/common"
)

// Event enumerates topics inside the grid engine.
type Event string

const (
	EventOrderFilled  Event = "order.filled"
	EventStopSession  Event = "session.stop"
	EventStartSession Event = "session.start"
	EventTrendPause   Event = "trend.pause"
	EventTrendResume  Event = "trend.resume"

	// Observer topics.
	EventOrderPlaced    Event = "order.placed"
	EventOrderCanceled  Event = "order.canceled"
	EventEquitySnapshot Event = "equity.snapshot"
)

// Fill is the payload of EventOrderFilled. The book already holds the
// CLOSED order when it is published.
type Fill struct {
	OrderID string
	Side    common.Side
	Amount  decimal.Decimal
	Price   decimal.Decimal
	Time    time.Time
}

// OrderChange is the payload of EventOrderPlaced and EventOrderCanceled.
type OrderChange struct {
	OrderID string
	Side    common.Side
	Type    common.OrderType
	Price   decimal.Decimal
	Amount  decimal.Decimal
	Level   int // -1 when the order is not tied to a level
}

// Stop is the payload of EventStopSession.
type Stop struct {
	Reason string
}

// Trend is the payload of EventTrendPause and EventTrendResume.
type Trend struct {
	Source string
	Reason string
}

// Equity is the payload of EventEquitySnapshot.
type Equity struct {
	Time   time.Time
	Price  decimal.Decimal
	Value  decimal.Decimal
	Fiat   decimal.Decimal
	Crypto decimal.Decimal
}
