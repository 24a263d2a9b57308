package execution

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"grid-core/pkg/exchanges/common"
)

var ErrOrderExecutionFailed = errors.New("order execution failed")

// OrderExecutionFailedError is returned when an order could not be completed
// within the retry budget. Partial carries whatever did fill across attempts;
// its Filled is zero when nothing executed.
type OrderExecutionFailedError struct {
	Side     common.Side
	Type     common.OrderType
	Pair     string
	Amount   decimal.Decimal
	Price    decimal.Decimal
	Attempts int
	Partial  common.OrderRecord
	Err      error
}

func (e *OrderExecutionFailedError) Error() string {
	msg := fmt.Sprintf("%s %s %s %s @ %s failed after %d attempt(s)",
		e.Type, e.Side, e.Amount, e.Pair, e.Price, e.Attempts)
	if e.Partial.Filled.IsPositive() {
		msg += fmt.Sprintf(" (filled %s)", e.Partial.Filled)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OrderExecutionFailedError) Unwrap() error { return e.Err }

func (e *OrderExecutionFailedError) Is(target error) bool { return target == ErrOrderExecutionFailed }
