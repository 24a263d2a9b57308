package balance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"grid-core/pkg/exchanges/common"
)

// Resync overwrites free balances with the exchange's view and clears
// reservations. Callers must only resync while no orders are outstanding.
func (l *Ledger) Resync(ctx context.Context, client common.BalanceReader) error {
	bals, err := client.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("resync balances: %w", err)
	}
	fiat, crypto := bals.Free(l.quote), bals.Free(l.base)
	l.overwrite(fiat, crypto)
	l.log.Info("balances resynced",
		zap.String(l.quote, fiat.String()),
		zap.String(l.base, crypto.String()))
	return nil
}

// ResyncIfIdle fetches exchange balances and applies them only if no funds
// are reserved once the answer arrives. A reservation made while the call was
// in flight wins; synced is false then.
func (l *Ledger) ResyncIfIdle(ctx context.Context, client common.BalanceReader) (synced bool, err error) {
	bals, err := client.GetBalance(ctx)
	if err != nil {
		return false, fmt.Errorf("resync balances: %w", err)
	}
	fiat, crypto := bals.Free(l.quote), bals.Free(l.base)
	if !l.overwriteIfIdle(fiat, crypto) {
		l.log.Debug("resync skipped, funds reserved during fetch")
		return false, nil
	}
	l.log.Info("balances resynced",
		zap.String(l.quote, fiat.String()),
		zap.String(l.base, crypto.String()))
	return true, nil
}

// ResyncAfterPurchase resyncs until the exchange reports a positive crypto
// balance. Exchanges can lag right after a fill, so a zero reading is retried
// with a doubling delay up to attempts times before giving up with ErrNoCrypto.
func (l *Ledger) ResyncAfterPurchase(ctx context.Context, client common.BalanceReader, attempts int, delay time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err := l.Resync(ctx, client); err != nil {
			lastErr = err
			l.log.Warn("resync after purchase failed", zap.Int("attempt", i+1), zap.Error(err))
			continue
		}
		if l.Snapshot().FreeCrypto.IsPositive() {
			return nil
		}
		l.log.Warn("exchange reports zero crypto after purchase", zap.Int("attempt", i+1))
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrNoCrypto, lastErr)
	}
	return ErrNoCrypto
}

// StartSync periodically resyncs from the exchange while no funds are
// reserved. It returns immediately; the loop ends with ctx.
func (l *Ledger) StartSync(ctx context.Context, client common.BalanceReader, interval time.Duration) {
	if client == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if l.HasReservations() {
					continue
				}
				if _, err := l.ResyncIfIdle(ctx, client); err != nil {
					l.log.Warn("balance sync error", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
