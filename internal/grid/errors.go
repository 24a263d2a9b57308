package grid

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidRange matches every *InvalidRangeError via errors.Is.
var ErrInvalidRange = errors.New("invalid grid range")

// InvalidRangeError reports grid parameters that cannot produce a ladder.
type InvalidRangeError struct {
	Bottom decimal.Decimal
	Top    decimal.Decimal
	Count  int
	Reason string
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid grid range %s..%s with %d intervals: %s", e.Bottom, e.Top, e.Count, e.Reason)
}

func (e *InvalidRangeError) Is(target error) bool { return target == ErrInvalidRange }
