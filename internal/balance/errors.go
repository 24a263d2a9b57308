package balance

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrReconciliation      = errors.New("ledger reconciliation failed")
	ErrInvalidAmount       = errors.New("invalid amount")
	// ErrNoCrypto is returned when the exchange still reports no crypto after
	// an initial purchase and every resync attempt.
	ErrNoCrypto = errors.New("crypto balance still zero after purchase")
)

// InsufficientBalanceError is returned when a reservation exceeds the free balance.
type InsufficientBalanceError struct {
	Currency  string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance: need %s, have %s", e.Currency, e.Requested, e.Available)
}

func (e *InsufficientBalanceError) Is(target error) bool { return target == ErrInsufficientBalance }

// ReconciliationError reports ledger accounting that no longer adds up,
// either internally (debit beyond reservation) or against an exchange snapshot.
type ReconciliationError struct {
	Currency string
	Expected decimal.Decimal
	Actual   decimal.Decimal
	Reason   string
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconciliation %s: %s (expected %s, actual %s)", e.Currency, e.Reason, e.Expected, e.Actual)
}

func (e *ReconciliationError) Is(target error) bool { return target == ErrReconciliation }
