// Package balance keeps the session's view of fiat and crypto funds.
package balance

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Snapshot is a consistent copy of the ledger.
type Snapshot struct {
	FreeFiat       decimal.Decimal
	ReservedFiat   decimal.Decimal
	FreeCrypto     decimal.Decimal
	ReservedCrypto decimal.Decimal
	Fees           decimal.Decimal
}

// Ledger holds free and reserved quantities of the quote (fiat) and base
// (crypto) currency. Every method is a short critical section; nothing here
// touches the network while holding the lock.
type Ledger struct {
	base    string
	quote   string
	feeRate decimal.Decimal
	log     *zap.Logger

	mu             sync.Mutex
	freeFiat       decimal.Decimal
	reservedFiat   decimal.Decimal
	freeCrypto     decimal.Decimal
	reservedCrypto decimal.Decimal
	fees           decimal.Decimal
}

// NewLedger creates a ledger seeded with free balances.
func NewLedger(base, quote string, fiat, crypto, feeRate decimal.Decimal, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		base:       base,
		quote:      quote,
		feeRate:    feeRate,
		log:        log.Named("ledger"),
		freeFiat:   nonNegative(fiat),
		freeCrypto: nonNegative(crypto),
	}
}

func (l *Ledger) Base() string             { return l.base }
func (l *Ledger) Quote() string            { return l.quote }
func (l *Ledger) FeeRate() decimal.Decimal { return l.feeRate }
func (l *Ledger) Fee(amount, price decimal.Decimal) decimal.Decimal {
	return amount.Mul(price).Mul(l.feeRate)
}

// Reserve moves amount of currency from free to reserved. amount must be
// positive.
func (l *Ledger) Reserve(currency string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: reserve %s %s", ErrInvalidAmount, amount, currency)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	free, reserved, err := l.pair(currency)
	if err != nil {
		return err
	}
	if free.LessThan(amount) {
		return &InsufficientBalanceError{Currency: currency, Requested: amount, Available: *free}
	}
	*free = free.Sub(amount)
	*reserved = reserved.Add(amount)
	l.log.Debug("reserved", zap.String("currency", currency), zap.String("amount", amount.String()), zap.String("free", free.String()))
	return nil
}

// Release returns amount of currency from reserved to free.
func (l *Ledger) Release(currency string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: release %s %s", ErrInvalidAmount, amount, currency)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	free, reserved, err := l.pair(currency)
	if err != nil {
		return err
	}
	if amount.GreaterThan(*reserved) {
		return &ReconciliationError{Currency: currency, Expected: *reserved, Actual: amount, Reason: "release exceeds reservation"}
	}
	*reserved = reserved.Sub(amount)
	*free = free.Add(amount)
	l.log.Debug("released", zap.String("currency", currency), zap.String("amount", amount.String()), zap.String("free", free.String()))
	return nil
}

// SettleBuyFill converts a fiat reservation into crypto. reserved is the fiat
// set aside for the order; any part not consumed by cost plus fee returns to
// free fiat. It returns the fee charged.
func (l *Ledger) SettleBuyFill(reserved, filled, price decimal.Decimal) (decimal.Decimal, error) {
	if err := checkFill(reserved, filled, price); err != nil {
		return decimal.Zero, err
	}
	cost := filled.Mul(price)
	fee := cost.Mul(l.feeRate)
	debit := cost.Add(fee)

	l.mu.Lock()
	defer l.mu.Unlock()
	if reserved.GreaterThan(l.reservedFiat) {
		return decimal.Zero, &ReconciliationError{Currency: l.quote, Expected: l.reservedFiat, Actual: reserved, Reason: "settlement exceeds reserved fiat"}
	}
	if debit.GreaterThan(reserved) {
		return decimal.Zero, &ReconciliationError{Currency: l.quote, Expected: reserved, Actual: debit, Reason: "buy fill costs more than its reservation"}
	}
	l.reservedFiat = l.reservedFiat.Sub(reserved)
	l.freeFiat = l.freeFiat.Add(reserved.Sub(debit))
	l.freeCrypto = l.freeCrypto.Add(filled)
	l.fees = l.fees.Add(fee)
	l.log.Debug("buy settled", zap.String("filled", filled.String()), zap.String("price", price.String()), zap.String("fee", fee.String()))
	return fee, nil
}

// SettleSellFill converts a crypto reservation into fiat net of fee.
func (l *Ledger) SettleSellFill(reserved, filled, price decimal.Decimal) (decimal.Decimal, error) {
	if err := checkFill(reserved, filled, price); err != nil {
		return decimal.Zero, err
	}
	proceeds := filled.Mul(price)
	fee := proceeds.Mul(l.feeRate)

	l.mu.Lock()
	defer l.mu.Unlock()
	if reserved.GreaterThan(l.reservedCrypto) {
		return decimal.Zero, &ReconciliationError{Currency: l.base, Expected: l.reservedCrypto, Actual: reserved, Reason: "settlement exceeds reserved crypto"}
	}
	if filled.GreaterThan(reserved) {
		return decimal.Zero, &ReconciliationError{Currency: l.base, Expected: reserved, Actual: filled, Reason: "sell fill larger than its reservation"}
	}
	l.reservedCrypto = l.reservedCrypto.Sub(reserved)
	l.freeCrypto = l.freeCrypto.Add(reserved.Sub(filled))
	l.freeFiat = l.freeFiat.Add(proceeds.Sub(fee))
	l.fees = l.fees.Add(fee)
	l.log.Debug("sell settled", zap.String("filled", filled.String()), zap.String("price", price.String()), zap.String("fee", fee.String()))
	return fee, nil
}

// AdjustedFiat is free plus reserved fiat.
func (l *Ledger) AdjustedFiat() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.freeFiat.Add(l.reservedFiat)
}

// AdjustedCrypto is free plus reserved crypto.
func (l *Ledger) AdjustedCrypto() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.freeCrypto.Add(l.reservedCrypto)
}

// TotalValue values every holding in fiat at price.
func (l *Ledger) TotalValue(price decimal.Decimal) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.freeFiat.Add(l.reservedFiat).Add(l.freeCrypto.Add(l.reservedCrypto).Mul(price))
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		FreeFiat:       l.freeFiat,
		ReservedFiat:   l.reservedFiat,
		FreeCrypto:     l.freeCrypto,
		ReservedCrypto: l.reservedCrypto,
		Fees:           l.fees,
	}
}

// HasReservations reports whether any funds are earmarked for open orders.
func (l *Ledger) HasReservations() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reservedFiat.IsPositive() || l.reservedCrypto.IsPositive()
}

// overwrite replaces free balances and clears reservations.
func (l *Ledger) overwrite(fiat, crypto decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.freeFiat = nonNegative(fiat)
	l.freeCrypto = nonNegative(crypto)
	l.reservedFiat = decimal.Zero
	l.reservedCrypto = decimal.Zero
}

// overwriteIfIdle overwrites like overwrite, but only when nothing is
// reserved at the moment of the write. It reports whether it wrote.
func (l *Ledger) overwriteIfIdle(fiat, crypto decimal.Decimal) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reservedFiat.IsPositive() || l.reservedCrypto.IsPositive() {
		return false
	}
	l.freeFiat = nonNegative(fiat)
	l.freeCrypto = nonNegative(crypto)
	return true
}

// pair must be called with mu held.
func (l *Ledger) pair(currency string) (free, reserved *decimal.Decimal, err error) {
	switch currency {
	case l.quote:
		return &l.freeFiat, &l.reservedFiat, nil
	case l.base:
		return &l.freeCrypto, &l.reservedCrypto, nil
	}
	return nil, nil, &ReconciliationError{Currency: currency, Reason: "currency not tracked by ledger"}
}

func checkFill(reserved, filled, price decimal.Decimal) error {
	if reserved.IsNegative() || filled.IsNegative() || price.IsNegative() {
		return fmt.Errorf("%w: settle reserved=%s filled=%s price=%s", ErrInvalidAmount, reserved, filled, price)
	}
	return nil
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
